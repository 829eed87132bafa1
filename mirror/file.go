package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/event"
	"github.com/nelsonaloysio/twython-kafka/metric"
)

const metricsComponent = "mirror"

// File appends raw payloads to a JSON Lines file. It is safe for concurrent
// use.
type File struct {
	path     string
	append   bool
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	written  prometheus.Counter

	mu     sync.Mutex
	file   *os.File
	lines  int64
	bytes  int64
	closed bool
}

// Option configures a File.
type Option func(*File)

// WithAppend keeps existing content instead of truncating.
func WithAppend() Option {
	return func(f *File) {
		f.append = true
	}
}

// WithLogger sets the structured logger; nil keeps slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(f *File) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics counts written lines in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(f *File) {
		f.registry = registry
	}
}

// Open creates or truncates path.
func Open(path string, opts ...Option) (*File, error) {
	if path == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: mirror path is required", errors.ErrMissingConfig),
			"File", "Open", "check path")
	}

	f := &File{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "mirror", "path", path)

	flags := os.O_CREATE | os.O_WRONLY
	if f.append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "File", "Open", "open mirror file")
	}
	f.file = file

	if f.registry != nil {
		f.written = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "mirror",
			Name:      "lines_written_total",
			Help:      "Raw payloads written to the mirror file",
		})
		_ = f.registry.RegisterCounter(metricsComponent, "lines_written", f.written)
	}

	f.logger.Info("Mirror file opened", "append", f.append)
	return f, nil
}

// Write appends the raw payload of ev as one line. Payloads spanning lines
// are compacted first.
func (f *File) Write(ev event.NormalizedEvent) error {
	line := []byte(ev.RawPayload)
	if bytes.IndexByte(line, '\n') >= 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, line); err != nil {
			return errors.WrapInvalid(err, "File", "Write", "compact payload "+ev.ID)
		}
		line = buf.Bytes()
	}
	line = append(bytes.Clone(line), '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.WrapFatal(errors.ErrClosed, "File", "Write", "check state")
	}
	n, err := f.file.Write(line)
	if err != nil {
		return errors.WrapTransient(err, "File", "Write", "write payload "+ev.ID)
	}
	f.lines++
	f.bytes += int64(n)
	if f.written != nil {
		f.written.Inc()
	}
	return nil
}

// Lines returns how many payloads were written.
func (f *File) Lines() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines
}

// Close syncs and closes the file. Close is idempotent.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	if f.registry != nil {
		f.registry.Unregister(metricsComponent, "lines_written")
	}

	syncErr := f.file.Sync()
	if err := f.file.Close(); err != nil {
		return errors.Wrap(err, "File", "Close", "close mirror file")
	}
	if syncErr != nil {
		return errors.Wrap(syncErr, "File", "Close", "sync mirror file")
	}

	f.logger.Info("Mirror file closed", "lines", f.lines, "bytes", f.bytes)
	return nil
}
