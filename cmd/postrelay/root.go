package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nelsonaloysio/twython-kafka/config"
	"github.com/nelsonaloysio/twython-kafka/stream"
)

// runFunc starts the relay with a validated configuration.
type runFunc func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error

// cliOptions holds the command-line values; they override the loaded
// configuration only when set.
type cliOptions struct {
	configPaths     []string
	brokers         []string
	topic           string
	partitions      int
	clientID        string
	clientSecret    string
	query           []string
	languages       []string
	locations       string
	logLevel        string
	logFormat       string
	metricsPort     int
	limit           int
	outputJSON      string
	shutdownTimeout time.Duration
	validate        bool
}

func newRootCommand(run runFunc) *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Relay a filtered social media stream into NATS JetStream",
		Long: `postrelay holds a long-lived connection to the upstream streaming API,
normalizes every matching post and publishes it to a JetStream subject,
keyed by author so that each author's posts stay in order.

Configuration is layered: built-in defaults, then --config files (JSON or
YAML), then POSTRELAY_* environment variables, then flags.`,
		Version: fmt.Sprintf("%s (built: %s)", Version, BuildTime),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &usageError{fmt.Errorf("unexpected arguments: %v", args)}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd, opts)
			if err != nil {
				return &usageError{err}
			}

			logger := setupLogger(cfg.Log, cmd.OutOrStdout())
			slog.SetDefault(logger)

			if opts.validate {
				logger.Info("Configuration is valid")
				return nil
			}

			logger.Info("Starting postrelay",
				"build_time", BuildTime,
				"brokers", cfg.Broker.URLs,
				"topic", cfg.Broker.Topic,
				"track", cfg.Stream.Track)
			return run(cmd.Context(), cfg, logger)
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	f := cmd.Flags()
	f.StringSliceVarP(&opts.configPaths, "config", "c", nil,
		"Configuration file, JSON or YAML; repeat to layer (env: POSTRELAY_CONFIG)")
	f.StringSliceVarP(&opts.brokers, "brokers", "b", nil,
		"Comma-separated NATS server URLs, tried in order")
	f.StringVarP(&opts.topic, "topic", "t", "ingest.twitter",
		"Subject to publish to")
	f.IntVar(&opts.partitions, "partitions", 1,
		"Number of partition subjects (<topic>.<n>) when greater than 1")
	f.StringVarP(&opts.clientID, "client-id", "k", "",
		"Upstream application key (env: TWITTER_CLIENT_ID)")
	f.StringVarP(&opts.clientSecret, "client-secret", "s", "",
		"Upstream application secret (env: TWITTER_CLIENT_SECRET)")
	f.StringSliceVarP(&opts.query, "query", "q", nil,
		"Comma-separated track terms; required unless --locations is set")
	f.StringSliceVarP(&opts.languages, "lang", "l", nil,
		"Comma-separated language codes (e.g. en)")
	f.StringVarP(&opts.locations, "locations", "g", "",
		"Bounding boxes as sw-lon,sw-lat,ne-lon,ne-lat, not lat,long,radius; required unless --query is set")
	f.StringVar(&opts.logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	f.StringVar(&opts.logFormat, "log-format", "json",
		"Log format: json, text")
	f.IntVar(&opts.metricsPort, "metrics-port", 9090,
		"Port serving /metrics and /health, 0 to disable")
	f.IntVar(&opts.limit, "limit", 0,
		"Stop cleanly after this many published events, 0 for no limit")
	f.StringVar(&opts.outputJSON, "output-json", "",
		"Also write every relayed payload to this file, one JSON object per line")
	f.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second,
		"Grace period for unacknowledged publishes on shutdown")
	f.BoolVar(&opts.validate, "validate", false,
		"Validate configuration and exit")

	return cmd
}

// envConfigPaths reads POSTRELAY_CONFIG as a comma-separated list of files.
func envConfigPaths() []string {
	var paths []string
	for _, p := range strings.Split(os.Getenv(config.DefaultEnvPrefix+"_CONFIG"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// buildConfig loads the configuration layers and applies the flags that were
// set explicitly.
func buildConfig(cmd *cobra.Command, opts *cliOptions) (*config.Config, error) {
	loader := config.NewLoader()

	paths := opts.configPaths
	if len(paths) == 0 {
		paths = envConfigPaths()
	}
	for _, p := range paths {
		loader.AddLayer(p)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("brokers") {
		cfg.Broker.URLs = opts.brokers
	}
	if f.Changed("topic") {
		cfg.Broker.Topic = opts.topic
	}
	if f.Changed("partitions") {
		cfg.Broker.Partitions = opts.partitions
	}
	if f.Changed("query") {
		cfg.Stream.Track = opts.query
	}
	if f.Changed("lang") {
		cfg.Stream.Languages = opts.languages
	}
	if f.Changed("locations") {
		cfg.Stream.Locations = opts.locations
	}
	if opts.clientID != "" || opts.clientSecret != "" {
		cfg.Stream.Credentials = stream.CredentialSet{{
			ClientID:     opts.clientID,
			ClientSecret: opts.clientSecret,
		}}
	}
	if f.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if f.Changed("metrics-port") {
		cfg.Metrics.Port = opts.metricsPort
	}
	if f.Changed("limit") {
		cfg.Relay.Limit = opts.limit
	}
	if f.Changed("output-json") {
		cfg.Output.JSON = opts.outputJSON
	}
	if f.Changed("shutdown-timeout") {
		cfg.Relay.DrainTimeout = opts.shutdownTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
