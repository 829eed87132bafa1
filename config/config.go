package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/pkg/tlsutil"
	"github.com/nelsonaloysio/twython-kafka/publisher"
	"github.com/nelsonaloysio/twython-kafka/relay"
	"github.com/nelsonaloysio/twython-kafka/stream"
)

// Config is the complete relay configuration. It is loaded once at startup.
type Config struct {
	Stream  StreamConfig  `json:"stream"`
	Broker  BrokerConfig  `json:"broker"`
	Relay   relay.Config  `json:"relay"`
	Output  OutputConfig  `json:"output"`
	Metrics MetricsConfig `json:"metrics"`
	Log     LogConfig     `json:"log"`
}

// StreamConfig combines the upstream connection knobs, the filter predicate
// and the credentials.
type StreamConfig struct {
	stream.Config
	stream.FilterSpec
	Credentials stream.CredentialSet `json:"credentials,omitempty"`
}

// Filter returns the filter predicate.
func (s StreamConfig) Filter() stream.FilterSpec {
	return s.FilterSpec
}

// BrokerConfig holds the NATS connection and the delivery settings.
type BrokerConfig struct {
	// URLs are tried in order.
	URLs []string `json:"urls"`
	publisher.Config

	Name           string        `json:"name,omitempty"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	Token          string        `json:"token,omitempty"`
	MaxReconnects  int           `json:"max_reconnects"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	DrainTimeout   time.Duration `json:"drain_timeout"`

	TLS tlsutil.ClientConfig `json:"tls"`
}

// OutputConfig configures local copies of the relayed events.
type OutputConfig struct {
	// JSON is a file that receives every relayed payload, one per line.
	// Empty disables the mirror.
	JSON string `json:"json,omitempty"`
	// Append keeps an existing JSON file instead of truncating it.
	Append bool `json:"append,omitempty"`
}

// MetricsConfig configures the /metrics and /health endpoint. Port 0
// disables it.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// SlogLevel maps Level to a slog.Level; unknown values are info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the built-in configuration. It is not valid on its own:
// a filter and credentials must still be supplied.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{Config: stream.DefaultConfig()},
		Broker: BrokerConfig{
			URLs:           []string{"nats://localhost:4222"},
			Config:         publisher.DefaultConfig(),
			Name:           "postrelay",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
			DrainTimeout:   5 * time.Second,
		},
		Relay: relay.DefaultConfig(),
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Stream.FilterSpec.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Stream.Credentials.Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Stream.URL) == "" {
		errs = append(errs, fmt.Errorf("%w: stream.url is required", errors.ErrMissingConfig))
	}

	if len(nonEmpty(c.Broker.URLs)) == 0 {
		errs = append(errs, fmt.Errorf("%w: broker.urls is required", errors.ErrMissingConfig))
	}
	if err := c.Broker.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Broker.Username != "" && c.Broker.Token != "" {
		errs = append(errs, fmt.Errorf("%w: broker.username and broker.token are exclusive", errors.ErrInvalidConfig))
	}
	if err := c.Broker.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := c.Relay.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: metrics.port %d out of range", errors.ErrInvalidConfig, c.Metrics.Port))
	}
	if c.Metrics.Port > 0 && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("%w: metrics.path must start with /", errors.ErrInvalidConfig))
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("%w: log.level %q is not one of debug, info, warn, error", errors.ErrInvalidConfig, c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("%w: log.format must be json or text", errors.ErrInvalidConfig))
	}

	if len(errs) > 0 {
		return errors.WrapInvalid(stderrors.Join(errs...), "Config", "Validate", "check configuration")
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil
	}
	return &clone
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	if masked == nil {
		return "{}"
	}
	for i := range masked.Stream.Credentials {
		cred := &masked.Stream.Credentials[i]
		cred.BearerToken = mask(cred.BearerToken)
		cred.ClientSecret = mask(cred.ClientSecret)
	}
	masked.Broker.Password = mask(masked.Broker.Password)
	masked.Broker.Token = mask(masked.Broker.Token)

	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(value string) []string {
	return nonEmpty(strings.Split(value, ","))
}
