package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nelsonaloysio/twython-kafka/config"
	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/health"
	"github.com/nelsonaloysio/twython-kafka/metric"
	"github.com/nelsonaloysio/twython-kafka/mirror"
	"github.com/nelsonaloysio/twython-kafka/natsclient"
	"github.com/nelsonaloysio/twython-kafka/pkg/retry"
	"github.com/nelsonaloysio/twython-kafka/pkg/tlsutil"
	"github.com/nelsonaloysio/twython-kafka/publisher"
	"github.com/nelsonaloysio/twython-kafka/relay"
	"github.com/nelsonaloysio/twython-kafka/stream"
)

// runRelay wires the broker connection, publisher, stream client and
// supervisor, then runs the supervisor and the metrics server until ctx
// ends or the relay fails.
func runRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	registry.CoreMetrics().RecordBuildInfo(Version)

	nc, err := newBrokerClient(cfg.Broker, logger, registry)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Broker.DrainTimeout)
		defer cancel()
		if err := nc.Close(closeCtx); err != nil {
			logger.Warn("Closing NATS connection failed", "error", err)
		}
	}()

	if err := connectBroker(ctx, nc, logger); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &relay.FatalError{State: relay.StateStarting, Cause: err}
	}

	pub, err := publisher.New(cfg.Broker.Config, nc,
		publisher.WithLogger(logger),
		publisher.WithMetrics(registry))
	if err != nil {
		return err
	}

	sc, err := stream.NewClient(cfg.Stream.Config,
		stream.WithLogger(logger),
		stream.WithMetrics(registry))
	if err != nil {
		return err
	}

	supOpts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithMetrics(registry),
		relay.WithHealthCheck("broker", brokerHealth(nc)),
	}
	var out *mirror.File
	if cfg.Output.JSON != "" {
		out, err = openMirror(cfg.Output, logger, registry)
		if err != nil {
			return &relay.FatalError{State: relay.StateStarting, Cause: err}
		}
		supOpts = append(supOpts, relay.WithMirror(out))
	}

	sup, err := relay.NewSupervisor(cfg.Relay, sc, pub, cfg.Stream.Filter(), cfg.Stream.Credentials, supOpts...)
	if err != nil {
		if out != nil {
			_ = out.Close()
		}
		return err
	}
	logger.Info("Relay session created", "session", sup.Session().String())

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	g.Go(func() error {
		defer stopServing()
		return sup.Run(gctx)
	})

	if cfg.Metrics.Port > 0 {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry,
			metric.WithHealth(sup.Health))
		g.Go(func() error {
			logger.Info("Metrics server listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			return server.Run(serveCtx)
		})
	}

	return g.Wait()
}

func newBrokerClient(cfg config.BrokerConfig, logger *slog.Logger, registry *metric.MetricsRegistry) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithTimeout(cfg.ConnectTimeout),
		natsclient.WithDrainTimeout(cfg.DrainTimeout),
		natsclient.WithDisconnectCallback(func(err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			logger.Info("NATS reconnected")
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.Name))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}

	return natsclient.NewClient(cfg.URLs, opts...)
}

func openMirror(cfg config.OutputConfig, logger *slog.Logger, registry *metric.MetricsRegistry) (*mirror.File, error) {
	opts := []mirror.Option{mirror.WithLogger(logger), mirror.WithMetrics(registry)}
	if cfg.Append {
		opts = append(opts, mirror.WithAppend())
	}
	return mirror.Open(cfg.JSON, opts...)
}

// connectBroker retries transient connection failures with backoff.
func connectBroker(ctx context.Context, nc *natsclient.Client, logger *slog.Logger) error {
	rc := retry.Quick()
	rc.MaxDelay = 5 * time.Second

	return retry.Do(ctx, rc, func(attempt int) error {
		err := nc.Connect(ctx)
		switch {
		case err == nil:
			logger.Info("Connected to NATS", "urls", nc.URLs(), "attempt", attempt)
			return nil
		case errors.IsFatal(err):
			return retry.NonRetryable(err)
		default:
			logger.Warn("NATS connection attempt failed", "attempt", attempt, "error", err)
			return err
		}
	})
}

func brokerHealth(nc *natsclient.Client) relay.HealthCheck {
	return func() health.Status {
		status := nc.Status()
		switch status {
		case natsclient.StatusConnected:
			msg := "connected"
			if rtt, err := nc.RTT(); err == nil {
				msg = fmt.Sprintf("connected, rtt %s", rtt)
			}
			return health.NewHealthy("broker", msg)
		case natsclient.StatusConnecting, natsclient.StatusReconnecting:
			return health.NewDegraded("broker", status.String())
		default:
			return health.NewUnhealthy("broker", status.String())
		}
	}
}
