package stream

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/metric"
	"github.com/nelsonaloysio/twython-kafka/pkg/retry"
)

// Default upstream endpoints.
const (
	DefaultURL      = "https://stream.twitter.com/1.1/statuses/filter.json"
	DefaultTokenURL = "https://api.twitter.com/oauth2/token"
)

// Config holds the StreamClient tuning knobs.
type Config struct {
	URL      string `yaml:"url" json:"url"`
	TokenURL string `yaml:"token_url" json:"token_url"`

	// StallTimeout is the longest a read may go without a byte, keep-alives
	// included, before the connection is considered dead. Zero disables it.
	StallTimeout time.Duration `yaml:"stall_timeout" json:"stall_timeout"`
	// HealthyAfter is how long a connection must stream before the backoff
	// delays are reset to their minimum.
	HealthyAfter time.Duration `yaml:"healthy_after" json:"healthy_after"`

	NetworkBackoff   retry.BackoffPolicy `yaml:"network_backoff" json:"network_backoff"`
	RateLimitBackoff retry.BackoffPolicy `yaml:"rate_limit_backoff" json:"rate_limit_backoff"`

	// MaxConnectsPerMinute paces connection attempts; 0 disables pacing.
	MaxConnectsPerMinute int    `yaml:"max_connects_per_minute" json:"max_connects_per_minute"`
	MaxLineBytes         int    `yaml:"max_line_bytes" json:"max_line_bytes"`
	ReadBufferSize       int    `yaml:"read_buffer_size" json:"read_buffer_size"`
	UserAgent            string `yaml:"user_agent" json:"user_agent"`
}

// DefaultConfig returns the upstream defaults: 90s stall window (three
// missed keep-alives), network backoff from 250ms to 16s and rate-limit
// backoff from one to fifteen minutes.
func DefaultConfig() Config {
	return Config{
		URL:          DefaultURL,
		TokenURL:     DefaultTokenURL,
		StallTimeout: 90 * time.Second,
		HealthyAfter: 60 * time.Second,
		NetworkBackoff: retry.BackoffPolicy{
			Min:        250 * time.Millisecond,
			Max:        16 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
		RateLimitBackoff: retry.BackoffPolicy{
			Min:        60 * time.Second,
			Max:        15 * time.Minute,
			Multiplier: 2,
			Jitter:     0.2,
		},
		MaxConnectsPerMinute: 12,
		MaxLineBytes:         DefaultMaxLineBytes,
		ReadBufferSize:       32 << 10,
		UserAgent:            "postrelay",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: stream url %q", errors.ErrInvalidConfig, c.URL),
			"Config", "Validate", "check url")
	}
	if c.StallTimeout < 0 || c.HealthyAfter < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative timeout", errors.ErrInvalidConfig),
			"Config", "Validate", "check timeouts")
	}
	if c.MaxConnectsPerMinute < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: max_connects_per_minute < 0", errors.ErrInvalidConfig),
			"Config", "Validate", "check pacing")
	}
	for name, p := range map[string]retry.BackoffPolicy{
		"network_backoff":    c.NetworkBackoff,
		"rate_limit_backoff": c.RateLimitBackoff,
	} {
		if p.Min < 0 || p.Max < 0 || (p.Max > 0 && p.Max < p.Min) {
			return errors.WrapInvalid(fmt.Errorf("%w: %s bounds", errors.ErrInvalidConfig, name),
				"Config", "Validate", "check backoff")
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.HealthyAfter == 0 {
		c.HealthyAfter = def.HealthyAfter
	}
	if c.NetworkBackoff == (retry.BackoffPolicy{}) {
		c.NetworkBackoff = def.NetworkBackoff
	}
	if c.RateLimitBackoff == (retry.BackoffPolicy{}) {
		c.RateLimitBackoff = def.RateLimitBackoff
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = def.MaxLineBytes
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger; the client adds a component attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client. It must not set a Timeout,
// which would cut long-lived streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClock sets the time source for backoff sleeps and healthy-period
// accounting.
func WithClock(clk retry.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithJitterSource replaces the random source of both backoff policies.
func WithJitterSource(fn func() float64) Option {
	return func(c *Client) {
		c.random = fn
	}
}

// WithMetrics registers the client's Prometheus metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Client) {
		c.registry = registry
	}
}
