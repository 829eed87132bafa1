package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/event"
	"github.com/nelsonaloysio/twython-kafka/metric"
	"github.com/nelsonaloysio/twython-kafka/pkg/retry"
)

// statusEnhanceYourCalm is the legacy rate-limit status of the v1.1
// streaming API.
const statusEnhanceYourCalm = 420

// Stats are cumulative client counters.
type Stats struct {
	Records    int64
	KeepAlives int64
	Controls   int64
	Malformed  int64
	Reconnects int64
}

// Client owns the long-lived upstream connection. Connect and NextRecord
// must be driven by a single goroutine; State, Backoff, Stats and Close may
// be called from anywhere.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
	clock      retry.Clock
	random     func() float64
	registry   *metric.MetricsRegistry
	metrics    *clientMetrics
	limiter    *rate.Limiter

	closeCtx    context.Context
	closeCancel context.CancelFunc

	mu      sync.Mutex
	state   ConnectionState
	fatal   error
	closed  bool
	started bool
	conn    *conn

	// Owned by the goroutine calling Connect and NextRecord.
	filter         FilterSpec
	creds          *credentialRing
	netBackoff     *retry.Backoff
	rateBackoff    *retry.Backoff
	decoder        *Decoder
	pending        []pendingFrame
	lastCause      error
	streamingSince time.Time
	healthy        bool

	backoff    atomic.Int64
	records    atomic.Int64
	keepAlives atomic.Int64
	controls   atomic.Int64
	malformed  atomic.Int64
	reconnects atomic.Int64
}

type pendingFrame struct {
	Frame
	receivedAt time.Time
}

// conn is one HTTP streaming response and the goroutine reading it.
type conn struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	chunks chan chunk
	done   chan struct{}
	// err is the read error that ended the connection; valid after done.
	err error
}

type chunk struct {
	data []byte
	err  error
}

// rateLimitError is an upstream 420/429 response.
type rateLimitError struct {
	statusCode int
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	if e.retryAfter > 0 {
		return fmt.Sprintf("rate limited: HTTP %d, retry after %s", e.statusCode, e.retryAfter)
	}
	return fmt.Sprintf("rate limited: HTTP %d", e.statusCode)
}

func (e *rateLimitError) Unwrap() error {
	return errors.ErrRateLimited
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		logger:     slog.Default(),
		httpClient: &http.Client{},
		clock:      retry.SystemClock(),
		state:      StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "stream")
	c.metrics = newClientMetrics(c.registry)
	c.metrics.setState(StateDisconnected)

	var backoffOpts []retry.BackoffOption
	if c.random != nil {
		backoffOpts = append(backoffOpts, retry.WithRandom(c.random))
	}
	c.netBackoff = retry.NewBackoff(cfg.NetworkBackoff, backoffOpts...)
	c.rateBackoff = retry.NewBackoff(cfg.RateLimitBackoff, backoffOpts...)
	c.decoder = NewDecoder(cfg.MaxLineBytes)

	if cfg.MaxConnectsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxConnectsPerMinute)/60), 1)
	}

	c.closeCtx, c.closeCancel = context.WithCancel(context.Background())
	return c, nil
}

// Connect opens the stream for filter. Transient failures are retried with
// backoff until ctx ends; only fatal rejections are returned.
func (c *Client) Connect(ctx context.Context, filter FilterSpec, creds CredentialSet) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	if err := creds.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case c.fatal != nil:
		err := c.fatal
		c.mu.Unlock()
		return err
	case c.closed:
		c.mu.Unlock()
		return errors.ErrClosed
	case c.started:
		c.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.filter = filter
	c.creds = newCredentialRing(creds, c.cfg.TokenURL, c.httpClient)

	ctx, cancel := c.bind(ctx)
	defer cancel()

	err := c.dial(ctx)
	if err == nil {
		return nil
	}
	if errors.IsFatal(err) {
		return c.fail(err)
	}
	if uerr := c.usable(); uerr != nil {
		return uerr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.reconnect(ctx, err)
}

// NextRecord blocks until the next data record arrives. Keep-alives,
// control notices and malformed lines are consumed internally. Dropped
// connections are re-established transparently; the only errors are a
// fatal rejection, Close, or the end of ctx.
func (c *Client) NextRecord(ctx context.Context) (event.RawRecord, error) {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	for {
		if err := c.usable(); err != nil {
			return event.RawRecord{}, err
		}
		if err := ctx.Err(); err != nil {
			return event.RawRecord{}, err
		}

		if rec, ok := c.popRecord(); ok {
			return rec, nil
		}

		c.mu.Lock()
		cn, started := c.conn, c.started
		c.mu.Unlock()

		if !started {
			return event.RawRecord{}, errors.ErrNotStarted
		}
		if cn == nil {
			cause := c.lastCause
			if cause == nil {
				cause = errors.ErrConnectionLost
			}
			if err := c.reconnect(ctx, cause); err != nil {
				return event.RawRecord{}, err
			}
			continue
		}

		select {
		case ch := <-cn.chunks:
			if len(ch.data) > 0 {
				c.consume(ch.data)
			}
			if ch.err != nil {
				c.drop(cn, ch.err)
			}
		case <-cn.done:
			cause := cn.err
			if cause == nil {
				cause = errors.ErrConnectionLost
			}
			c.drop(cn, cause)
		case <-ctx.Done():
		}
	}
}

// Close tears the connection down. It is safe to call more than once and
// unblocks a pending NextRecord.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.closeCancel()
	if cn != nil {
		cn.cancel()
		<-cn.done
	}
	c.setState(StateDisconnected)
	c.logger.Info("upstream client closed")
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Backoff returns the most recent reconnect delay.
func (c *Client) Backoff() time.Duration {
	return time.Duration(c.backoff.Load())
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Records:    c.records.Load(),
		KeepAlives: c.keepAlives.Load(),
		Controls:   c.controls.Load(),
		Malformed:  c.malformed.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// bind derives a context that also ends when the client is closed.
func (c *Client) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.closeCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Client) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return c.fatal
	}
	if c.closed {
		return errors.ErrClosed
	}
	return nil
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.metrics.setState(s)
		c.logger.Debug("connection state changed", "from", prev.String(), "to", s.String())
	}
}

// fail records a fatal error; the client stays disconnected for good.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	err = c.fatal
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cn != nil {
		cn.cancel()
		<-cn.done
	}
	c.setState(StateDisconnected)
	c.logger.Error("upstream rejected the stream", "error", err)
	return err
}

// reconnect waits out the backoff for cause and dials until a connection is
// established, a fatal error occurs, or ctx ends.
func (c *Client) reconnect(ctx context.Context, cause error) error {
	for {
		delay := c.nextDelay(cause)
		reason := dropReason(cause)

		c.setState(StateBackoff)
		c.reconnects.Add(1)
		c.metrics.reconnect(reason, delay.Seconds())
		c.logger.Warn("reconnecting to upstream",
			"reason", reason, "delay", delay, "error", cause)

		if err := retry.Sleep(ctx, c.clock, delay); err != nil {
			if uerr := c.usable(); uerr != nil {
				return uerr
			}
			return err
		}

		err := c.dial(ctx)
		if err == nil {
			return nil
		}
		if errors.IsFatal(err) {
			return c.fail(err)
		}
		if uerr := c.usable(); uerr != nil {
			return uerr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cause = err
	}
}

func (c *Client) nextDelay(cause error) time.Duration {
	var delay time.Duration

	var rl *rateLimitError
	if stderrors.As(cause, &rl) || stderrors.Is(cause, errors.ErrRateLimited) {
		delay = c.rateBackoff.Next()
		if rl != nil && rl.retryAfter > delay {
			delay = min(rl.retryAfter, c.rateBackoff.Policy().Max)
		}
	} else {
		delay = c.netBackoff.Next()
	}

	c.backoff.Store(int64(delay))
	return delay
}

func dropReason(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrRateLimited):
		return "rate_limited"
	case stderrors.Is(err, errors.ErrStreamStalled):
		return "stall"
	case stderrors.Is(err, io.EOF), stderrors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	default:
		return "error"
	}
}

// dial opens one streaming response. On success the state is Connecting
// until the first body byte arrives.
func (c *Client) dial(ctx context.Context) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.WrapTransient(err, "Client", "dial", "wait for connect slot")
		}
	}

	c.setState(StateConnecting)

	token, err := c.creds.token(ctx)
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(connCtx, http.MethodPost, c.cfg.URL,
		strings.NewReader(c.filter.Form().Encode()))
	if err != nil {
		cancel()
		return errors.WrapFatal(err, "Client", "dial", "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	// ctx bounds the handshake only; the stream itself lives on connCtx.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := c.httpClient.Do(req)
	stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"Client", "dial", "open stream")
	}

	if resp.StatusCode != http.StatusOK {
		err := c.statusError(resp)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		cancel()
		return err
	}

	cn := &conn{
		ctx:    connCtx,
		cancel: cancel,
		body:   resp.Body,
		chunks: make(chan chunk),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = resp.Body.Close()
		return errors.ErrClosed
	}
	c.conn = cn
	c.mu.Unlock()

	c.decoder.Reset()
	c.healthy = false
	c.lastCause = nil
	go c.readLoop(cn)

	c.logger.Info("upstream connection opened", "url", c.cfg.URL, "credential", c.creds.current())
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	code := resp.StatusCode
	switch code {
	case statusEnhanceYourCalm, http.StatusTooManyRequests:
		c.creds.rotate()
		return errors.WrapTransient(&rateLimitError{
			statusCode: code,
			retryAfter: retryAfter(resp.Header, c.clock.Now()),
		}, "Client", "dial", "open stream")
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.WrapFatal(fmt.Errorf("%w: HTTP %d", errors.ErrAuthRejected, code),
			"Client", "dial", "open stream")
	case http.StatusBadRequest, http.StatusNotFound, http.StatusNotAcceptable,
		http.StatusRequestEntityTooLarge, http.StatusRequestedRangeNotSatisfiable,
		http.StatusUnprocessableEntity:
		return errors.WrapFatal(fmt.Errorf("%w: HTTP %d", errors.ErrFilterRejected, code),
			"Client", "dial", "open stream")
	default:
		return errors.WrapTransient(fmt.Errorf("%w: HTTP %d", errors.ErrConnectionLost, code),
			"Client", "dial", "open stream")
	}
}

// retryAfter reads the server's requested wait from Retry-After (seconds or
// HTTP date) or x-rate-limit-reset (epoch seconds).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
		}
	}
	if v := strings.TrimSpace(h.Get("x-rate-limit-reset")); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}

// readLoop copies the response body into cn.chunks. The stall watchdog is
// armed only while a Read is outstanding, so time spent waiting for the
// consumer never counts as an upstream stall.
func (c *Client) readLoop(cn *conn) {
	defer close(cn.done)
	defer cn.body.Close()

	for {
		buf := make([]byte, c.cfg.ReadBufferSize)

		var stalled atomic.Bool
		var watchdog *time.Timer
		if c.cfg.StallTimeout > 0 {
			watchdog = time.AfterFunc(c.cfg.StallTimeout, func() {
				stalled.Store(true)
				cn.cancel()
			})
		}
		n, err := cn.body.Read(buf)
		if watchdog != nil {
			watchdog.Stop()
		}

		if err != nil && stalled.Load() {
			err = errors.WrapTransient(
				fmt.Errorf("%w: no data for %s", errors.ErrStreamStalled, c.cfg.StallTimeout),
				"Client", "readLoop", "read body")
		}
		if n == 0 && err == nil {
			continue
		}

		select {
		case cn.chunks <- chunk{data: buf[:n], err: err}:
		case <-cn.ctx.Done():
			cn.err = err
			return
		}
		if err != nil {
			cn.err = err
			return
		}
	}
}

// consume decodes one chunk, moving Connecting to Streaming on the first
// byte of a connection.
func (c *Client) consume(data []byte) {
	now := c.clock.Now()

	if c.State() == StateConnecting {
		c.setState(StateStreaming)
		c.streamingSince = now
		c.logger.Info("upstream streaming")
	}
	c.checkHealthy(now)

	for f := range c.decoder.Decode(data) {
		c.pending = append(c.pending, pendingFrame{Frame: f, receivedAt: now})
	}
}

// checkHealthy resets both backoff policies once the current connection
// has streamed for HealthyAfter.
func (c *Client) checkHealthy(now time.Time) {
	if c.healthy || c.streamingSince.IsZero() {
		return
	}
	if now.Sub(c.streamingSince) >= c.cfg.HealthyAfter {
		c.healthy = true
		c.netBackoff.Reset()
		c.rateBackoff.Reset()
		c.logger.Debug("connection healthy, backoff reset")
	}
}

// drop discards cn after a read failure. The next NextRecord iteration
// reconnects.
func (c *Client) drop(cn *conn, cause error) {
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	cn.cancel()
	<-cn.done

	if c.State() == StateStreaming {
		c.checkHealthy(c.clock.Now())
	}
	c.streamingSince = time.Time{}
	c.decoder.Reset()
	c.lastCause = cause

	if closed {
		return
	}
	c.setState(StateBackoff)
	c.logger.Warn("upstream connection dropped", "reason", dropReason(cause), "error", cause)
}

// popRecord returns the next pending data record, consuming any keep-alive,
// control and malformed frames ahead of it.
func (c *Client) popRecord() (event.RawRecord, bool) {
	for len(c.pending) > 0 {
		f := c.pending[0]
		c.pending[0] = pendingFrame{}
		c.pending = c.pending[1:]
		if len(c.pending) == 0 {
			c.pending = nil
		}

		c.metrics.frame(f.Kind)
		switch f.Kind {
		case FrameRecord:
			c.records.Add(1)
			return event.RawRecord{Payload: f.Payload, ReceivedAt: f.receivedAt}, true
		case FrameKeepAlive:
			c.keepAlives.Add(1)
		case FrameControl:
			c.controls.Add(1)
			c.handleControl(f.Frame)
		case FrameMalformed:
			c.malformed.Add(1)
			c.logger.Warn("skipping malformed upstream line", "bytes", len(f.Payload), "error", f.Err)
		}
	}
	return event.RawRecord{}, false
}

func (c *Client) handleControl(f Frame) {
	switch f.Control {
	case "disconnect":
		c.logger.Warn("upstream announced disconnect", "notice", string(f.Payload))
		c.mu.Lock()
		cn := c.conn
		c.mu.Unlock()
		if cn != nil {
			c.drop(cn, errors.WrapTransient(
				fmt.Errorf("%w: upstream disconnect notice", errors.ErrConnectionLost),
				"Client", "handleControl", "disconnect"))
		}
	case "warning", "limit", "errors":
		c.logger.Warn("upstream notice", "kind", f.Control, "notice", string(f.Payload))
	default:
		c.logger.Debug("upstream notice", "kind", f.Control)
	}
}
