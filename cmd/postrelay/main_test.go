package main

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nelsonaloysio/twython-kafka/config"
	"github.com/nelsonaloysio/twython-kafka/natsclient"
	"github.com/nelsonaloysio/twython-kafka/relay"
	"github.com/nelsonaloysio/twython-kafka/stream"
)

// captureRun records the configuration the command would run with.
type captureRun struct {
	cfg *config.Config
	err error
}

func (c *captureRun) run(_ context.Context, cfg *config.Config, _ *slog.Logger) error {
	c.cfg = cfg
	return c.err
}

func executeWith(t *testing.T, run runFunc, args ...string) (string, error) {
	t.Helper()
	t.Setenv("POSTRELAY_CONFIG", "")
	t.Setenv(config.EnvClientID, "")
	t.Setenv(config.EnvClientSecret, "")

	cmd := newRootCommand(run)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand_FlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stream:
  track: [fromfile]
broker:
  urls: [nats://file:4222]
  topic: ingest.file
relay:
  window: 7
`), 0o600))

	capture := &captureRun{}
	_, err := executeWith(t, capture.run,
		"--config", path,
		"-b", "nats://a:4222,nats://b:4222",
		"-q", "golang,nats",
		"-l", "en",
		"-k", "key", "-s", "secret",
		"--partitions", "3",
		"--metrics-port", "0",
		"--shutdown-timeout", "3s",
		"--log-format", "text",
		"--limit", "100",
		"--output-json", "posts.jsonl",
	)
	require.NoError(t, err)
	require.NotNil(t, capture.cfg)

	cfg := capture.cfg
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Broker.URLs)
	assert.Equal(t, "ingest.file", cfg.Broker.Topic, "unset flag keeps the file value")
	assert.Equal(t, 3, cfg.Broker.Partitions)
	assert.Equal(t, []string{"golang", "nats"}, cfg.Stream.Track)
	assert.Equal(t, []string{"en"}, cfg.Stream.Languages)
	assert.Equal(t, stream.CredentialSet{{ClientID: "key", ClientSecret: "secret"}}, cfg.Stream.Credentials)
	assert.Equal(t, 7, cfg.Relay.Window)
	assert.Equal(t, 3*time.Second, cfg.Relay.DrainTimeout)
	assert.Equal(t, 0, cfg.Metrics.Port)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 100, cfg.Relay.Limit)
	assert.Equal(t, "posts.jsonl", cfg.Output.JSON)
}

func TestRootCommand_DefaultTopic(t *testing.T) {
	capture := &captureRun{}
	_, err := executeWith(t, capture.run, "-q", "golang", "-k", "key", "-s", "secret")
	require.NoError(t, err)
	assert.Equal(t, "ingest.twitter", capture.cfg.Broker.Topic)
	assert.Equal(t, []string{"nats://localhost:4222"}, capture.cfg.Broker.URLs)
}

func TestRootCommand_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no filter", []string{"-k", "key", "-s", "secret"}},
		{"no credentials", []string{"-q", "golang"}},
		{"half credentials", []string{"-q", "golang", "-k", "key"}},
		{"blank locations", []string{"-g", " ", "-k", "key", "-s", "secret"}},
		{"negative limit", []string{"-q", "golang", "-k", "key", "-s", "secret", "--limit", "-1"}},
		{"unknown flag", []string{"--kafka"}},
		{"positional", []string{"extra"}},
		{"missing file", []string{"-c", "missing.yaml", "-q", "golang", "-k", "key", "-s", "secret"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capture := &captureRun{}
			_, err := executeWith(t, capture.run, tt.args...)
			require.Error(t, err)
			assert.Equal(t, exitUsage, exitCode(err))
			assert.Nil(t, capture.cfg, "relay must not start")
		})
	}
}

func TestRootCommand_Validate(t *testing.T) {
	capture := &captureRun{}
	out, err := executeWith(t, capture.run, "--validate", "-q", "golang", "-k", "key", "-s", "secret")
	require.NoError(t, err)
	assert.Nil(t, capture.cfg)
	assert.Contains(t, out, "Configuration is valid")
}

func TestRootCommand_RunErrorsPropagate(t *testing.T) {
	fatal := &relay.FatalError{State: relay.StateRunning, Cause: stderrors.New("stream rejected")}
	capture := &captureRun{err: fatal}
	_, err := executeWith(t, capture.run, "-q", "golang", "-k", "key", "-s", "secret")
	require.Error(t, err)
	assert.Equal(t, exitFatal, exitCode(err))
}

func TestExitCode(t *testing.T) {
	fatal := &relay.FatalError{State: relay.StateStarting, Cause: stderrors.New("auth")}
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{stderrors.New("boom"), exitFailure},
		{&usageError{stderrors.New("bad flag")}, exitUsage},
		{fatal, exitFatal},
		{fmt.Errorf("wrapped: %w", fatal), exitFatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
	assert.Equal(t, 3, exitFatal)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, Version, entry["version"])
	assert.Equal(t, "v", entry["k"])

	buf.Reset()
	setupLogger(config.LogConfig{Level: "info", Format: "text"}, &buf).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestBrokerHealth_Disconnected(t *testing.T) {
	nc, err := natsclient.NewClient([]string{"nats://127.0.0.1:1"})
	require.NoError(t, err)

	status := brokerHealth(nc)()
	assert.Equal(t, "broker", status.Component)
	assert.True(t, status.IsUnhealthy())
	assert.Equal(t, "disconnected", status.Message)
}

func TestOpenMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posts.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"old\":true}\n"), 0o600))

	m, err := openMirror(config.OutputConfig{JSON: path, Append: true}, slog.Default(), nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"old\":true}\n", string(data), "append keeps existing lines")

	_, err = openMirror(config.OutputConfig{JSON: filepath.Join(t.TempDir(), "missing", "x.jsonl")}, slog.Default(), nil)
	require.Error(t, err)
}
