package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/stream"
)

// DefaultEnvPrefix prefixes the environment overrides.
const DefaultEnvPrefix = "POSTRELAY"

// Upstream client credentials read from the environment when no credential
// is configured otherwise.
const (
	EnvClientID     = "TWITTER_CLIENT_ID"
	EnvClientSecret = "TWITTER_CLIENT_SECRET"
)

// durationKeys are document keys whose string values are Go durations.
var durationKeys = map[string]bool{
	"stall_timeout":     true,
	"healthy_after":     true,
	"initial_delay":     true,
	"max_delay":         true,
	"ack_timeout":       true,
	"drain_timeout":     true,
	"reconnect_wait":    true,
	"connect_timeout":   true,
	"progress_interval": true,
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load call Config.Validate on the result.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the prefix of the environment overrides.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = strings.TrimSuffix(prefix, "_")
}

// Load merges defaults, every file layer and the environment overrides, in
// that order.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw reads one layer, checks it against the schema and converts its
// duration strings to nanoseconds.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	return parseDocument(data, f)
}

func parseDocument(data []byte, f format) (map[string]any, error) {
	var raw map[string]any
	switch f {
	case formatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if err := validateDepth(raw); err != nil {
		return nil, err
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges a raw layer into base, only overriding fields present
// in the layer.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if len(override) == 0 {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking
// precedence. Lists are replaced, not appended.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

// parseDurations rewrites duration strings as nanoseconds, including the
// min/max bounds of backoff policies.
func parseDurations(doc map[string]any) error {
	var walk func(m map[string]any, parent string) error
	walk = func(m map[string]any, parent string) error {
		for k, v := range m {
			if nested, ok := v.(map[string]any); ok {
				if err := walk(nested, k); err != nil {
					return err
				}
				continue
			}
			s, ok := v.(string)
			if !ok {
				continue
			}
			isBound := (k == "min" || k == "max") && strings.HasSuffix(parent, "_backoff")
			if !durationKeys[k] && !isBound {
				continue
			}
			d, err := parseDurationWithDays(s)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, k, err)
			}
			m[k] = d.Nanoseconds()
		}
		return nil
	}
	return walk(doc, "")
}

// parseDurationWithDays parses durations that may include days (e.g., "2d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func (l *Loader) env(key string) (string, bool, error) {
	name := l.envPrefix + "_" + key
	if l.envPrefix == "" {
		name = key
	}
	return l.rawEnv(name)
}

func (l *Loader) rawEnv(name string) (string, bool, error) {
	val, ok := l.lookupEnv(name)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := validateEnvVar(name, val); err != nil {
		return "", false, err
	}
	return val, true, nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"STREAM_URL", &cfg.Stream.URL},
		{"STREAM_TOKEN_URL", &cfg.Stream.TokenURL},
		{"STREAM_LOCATIONS", &cfg.Stream.Locations},
		{"BROKER_TOPIC", &cfg.Broker.Topic},
		{"BROKER_USERNAME", &cfg.Broker.Username},
		{"BROKER_PASSWORD", &cfg.Broker.Password},
		{"BROKER_TOKEN", &cfg.Broker.Token},
		{"OUTPUT_JSON", &cfg.Output.JSON},
		{"METRICS_PATH", &cfg.Metrics.Path},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
	}
	for _, s := range strs {
		val, ok, err := l.env(s.key)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = val
		}
	}

	lists := []struct {
		key string
		dst *[]string
	}{
		{"STREAM_TRACK", &cfg.Stream.Track},
		{"STREAM_LANGUAGES", &cfg.Stream.Languages},
		{"BROKER_URLS", &cfg.Broker.URLs},
	}
	for _, s := range lists {
		val, ok, err := l.env(s.key)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = splitList(val)
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"BROKER_PARTITIONS", &cfg.Broker.Partitions},
		{"RELAY_WINDOW", &cfg.Relay.Window},
		{"RELAY_LIMIT", &cfg.Relay.Limit},
		{"METRICS_PORT", &cfg.Metrics.Port},
	}
	for _, s := range ints {
		val, ok, err := l.env(s.key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, s.key, err)
		}
		*s.dst = n
	}

	token, ok, err := l.env("STREAM_BEARER_TOKEN")
	if err != nil {
		return err
	}
	if ok {
		cfg.Stream.Credentials = append(stream.CredentialSet{{BearerToken: token}}, cfg.Stream.Credentials...)
	}

	if len(cfg.Stream.Credentials) == 0 {
		id, idOK, err := l.rawEnv(EnvClientID)
		if err != nil {
			return err
		}
		secret, secretOK, err := l.rawEnv(EnvClientSecret)
		if err != nil {
			return err
		}
		if idOK && secretOK {
			cfg.Stream.Credentials = stream.CredentialSet{{ClientID: id, ClientSecret: secret}}
		}
	}

	return nil
}
