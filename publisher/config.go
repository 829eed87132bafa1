package publisher

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/metric"
	"github.com/nelsonaloysio/twython-kafka/pkg/retry"
)

// Config tunes broker delivery.
type Config struct {
	// Topic is the NATS subject, or the subject prefix when Partitions > 1.
	Topic      string `yaml:"topic" json:"topic"`
	Partitions int    `yaml:"partitions" json:"partitions"`

	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	AckTimeout   time.Duration `yaml:"ack_timeout" json:"ack_timeout"`

	// LaneBuffer is the queue depth of each partition lane.
	LaneBuffer int `yaml:"lane_buffer" json:"lane_buffer"`
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() Config {
	rc := errors.DefaultRetryConfig()
	return Config{
		Topic:        "ingest.twitter",
		Partitions:   1,
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		AckTimeout:   5 * time.Second,
		LaneBuffer:   256,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	var problems []string

	switch {
	case strings.TrimSpace(c.Topic) == "":
		problems = append(problems, "topic is required")
	case strings.ContainsAny(c.Topic, " \t*>"):
		problems = append(problems, fmt.Sprintf("topic %q must be a literal subject", c.Topic))
	}
	if c.Partitions < 1 {
		problems = append(problems, "partitions must be at least 1")
	}
	if c.MaxAttempts < 1 {
		problems = append(problems, "max_attempts must be at least 1")
	}
	if c.InitialDelay <= 0 || c.MaxDelay < c.InitialDelay {
		problems = append(problems, "retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.AckTimeout <= 0 {
		problems = append(problems, "ack_timeout must be positive")
	}
	if c.LaneBuffer < 1 {
		problems = append(problems, "lane_buffer must be at least 1")
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Publisher", "Validate", "check config")
	}
	return nil
}

// Subjects lists every subject the publisher may write to.
func (c Config) Subjects() []string {
	if c.Partitions <= 1 {
		return []string{c.Topic}
	}
	subjects := make([]string, c.Partitions)
	for i := range subjects {
		subjects[i] = fmt.Sprintf("%s.%d", c.Topic, i)
	}
	return subjects
}

func (c Config) retryConfig(clk retry.Clock) retry.Config {
	cfg := errors.RetryConfig{
		MaxRetries:    c.MaxAttempts - 1,
		InitialDelay:  c.InitialDelay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: 2.0,
	}.ToRetryConfig()
	cfg.Clock = clk
	return cfg
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the structured logger; nil keeps slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics registers the publisher metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Publisher) {
		p.registry = registry
	}
}

// WithClock replaces the time source used between retry attempts
func WithClock(clk retry.Clock) Option {
	return func(p *Publisher) {
		if clk != nil {
			p.clock = clk
		}
	}
}
