package relay

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/event"
	"github.com/nelsonaloysio/twython-kafka/health"
	"github.com/nelsonaloysio/twython-kafka/metric"
)

// Config tunes the supervisor.
type Config struct {
	// Window bounds the tickets awaiting a broker ack. A full window stops
	// reads from upstream.
	Window int `yaml:"window" json:"window"`
	// DrainTimeout is the grace period for outstanding tickets on shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	// DedupSize is how many recently published event IDs are remembered.
	DedupSize int `yaml:"dedup_size" json:"dedup_size"`
	// Limit stops the relay cleanly once this many events were published.
	// Zero relays until cancelled.
	Limit int `yaml:"limit" json:"limit"`
	// ProgressInterval spaces the periodic progress log. Zero disables it.
	ProgressInterval time.Duration `yaml:"progress_interval" json:"progress_interval"`
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		Window:           64,
		DrainTimeout:     10 * time.Second,
		DedupSize:        100_000,
		ProgressInterval: 10 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	var problems []string
	if c.Window < 1 {
		problems = append(problems, "window must be at least 1")
	}
	if c.DrainTimeout <= 0 {
		problems = append(problems, "drain_timeout must be positive")
	}
	if c.DedupSize < 1 {
		problems = append(problems, "dedup_size must be at least 1")
	}
	if c.Limit < 0 {
		problems = append(problems, "limit must not be negative")
	}
	if c.ProgressInterval < 0 {
		problems = append(problems, "progress_interval must not be negative")
	}
	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Supervisor", "Validate", "check config")
	}
	return nil
}

// HealthCheck reports the health of a collaborator, such as the broker
// connection.
type HealthCheck func() health.Status

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger; nil keeps slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers the supervisor metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Supervisor) {
		s.registry = registry
	}
}

// WithHealthCheck adds a named collaborator to Health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Supervisor) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// Mirror receives a copy of every event handed to the sink.
// *mirror.File satisfies it.
type Mirror interface {
	Write(ev event.NormalizedEvent) error
	Close() error
}

// WithMirror writes every relayed event to m as well. The supervisor closes
// m on shutdown.
func WithMirror(m Mirror) Option {
	return func(s *Supervisor) {
		s.mirror = m
	}
}

// WithStateHook calls fn synchronously on every state transition.
func WithStateHook(fn func(from, to State)) Option {
	return func(s *Supervisor) {
		s.hook = fn
	}
}
