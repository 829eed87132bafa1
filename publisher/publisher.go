package publisher

import (
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/event"
	"github.com/nelsonaloysio/twython-kafka/metric"
	"github.com/nelsonaloysio/twython-kafka/pkg/retry"
)

// Message headers set on every published event.
const (
	KeyHeader         = "Relay-Partition-Key"
	ContentTypeHeader = "Content-Type"
)

// Producer is the broker surface the publisher needs. *natsclient.Client
// satisfies it.
type Producer interface {
	PublishMsg(ctx context.Context, msg *nats.Msg) (*jetstream.PubAck, error)
	StreamForSubject(ctx context.Context, subject string) (string, error)
}

// Stats are cumulative publisher counters.
type Stats struct {
	Published int64
	Failed    int64
	Abandoned int64
	Retries   int64
	InFlight  int64
}

// Publisher delivers normalized events to the broker. Each partition has a
// single lane goroutine that publishes its tickets in order and retries in
// place, so events sharing a key are never reordered.
type Publisher struct {
	cfg      Config
	producer Producer
	logger   *slog.Logger
	clock    retry.Clock
	registry *metric.MetricsRegistry
	metrics  *publisherMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	started bool
	closed  bool
	lanes   []chan *Ticket
	wg      sync.WaitGroup

	published atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	retries   atomic.Int64
	inFlight  atomic.Int64
}

// New creates a publisher writing to producer.
func New(cfg Config, producer Producer, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if producer == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: producer is required", errors.ErrMissingConfig),
			"Publisher", "New", "check producer")
	}

	p := &Publisher{
		cfg:      cfg,
		producer: producer,
		logger:   slog.Default(),
		clock:    retry.SystemClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "publisher", "topic", cfg.Topic)
	p.metrics = newPublisherMetrics(p.registry)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	return p, nil
}

// Start verifies that a stream captures every target subject and starts the
// partition lanes. A subject without a stream is a fatal ErrTopicMissing.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.WrapFatal(errors.ErrClosed, "Publisher", "Start", "check state")
	}
	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Publisher", "Start", "check state")
	}

	for _, subject := range p.cfg.Subjects() {
		name, err := retry.DoWithResult(ctx, p.cfg.retryConfig(p.clock), func(int) (string, error) {
			name, err := p.producer.StreamForSubject(ctx, subject)
			if errors.IsFatal(err) {
				return "", retry.NonRetryable(err)
			}
			return name, err
		})
		if err != nil {
			if errors.IsFatal(err) {
				return err
			}
			return errors.WrapFatal(err, "Publisher", "Start", "verify topic "+subject)
		}
		p.logger.Debug("Verified topic", "subject", subject, "stream", name)
	}

	p.lanes = make([]chan *Ticket, p.cfg.Partitions)
	for i := range p.lanes {
		p.lanes[i] = make(chan *Ticket, p.cfg.LaneBuffer)
		p.wg.Add(1)
		go p.runLane(i, p.lanes[i])
	}
	p.started = true

	p.logger.Info("Publisher started", "partitions", p.cfg.Partitions)
	return nil
}

// Partition returns the lane index for key.
func (p *Publisher) Partition(key string) int {
	return partitionFor(key, p.cfg.Partitions)
}

func partitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

func (p *Publisher) subjectFor(partition int) string {
	if p.cfg.Partitions <= 1 {
		return p.cfg.Topic
	}
	return fmt.Sprintf("%s.%d", p.cfg.Topic, partition)
}

// Publish hands ev to its partition lane and returns the ticket tracking
// it. The ticket is already complete when ev cannot be encoded, the
// publisher is not running, or ctx ends while the lane is full.
func (p *Publisher) Publish(ctx context.Context, ev event.NormalizedEvent) *Ticket {
	key := ev.PartitionKey()
	partition := p.Partition(key)
	subject := p.subjectFor(partition)

	body, err := event.Encode(ev)
	if err != nil {
		t := newTicket(ev.ID, key, subject, nil)
		p.complete(t, nil, &PublishError{EventID: ev.ID, Key: key, Err: err}, "invalid")
		return t
	}

	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Header.Set(KeyHeader, key)
	msg.Header.Set(ContentTypeHeader, event.ContentType)

	t := newTicket(ev.ID, key, subject, msg)
	p.inFlight.Add(1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.closed:
		p.complete(t, nil, p.abandonErr(t, errors.ErrClosed), "abandoned")
		return t
	case !p.started:
		p.complete(t, nil, &PublishError{
			EventID: t.EventID, Key: key,
			Err: errors.WrapFatal(errors.ErrNotStarted, "Publisher", "Publish", "check state"),
		}, "fatal")
		return t
	}

	select {
	case p.lanes[partition] <- t:
		p.metrics.setDepth(partition, len(p.lanes[partition]))
	case <-ctx.Done():
		p.complete(t, nil, p.abandonErr(t, ctx.Err()), "abandoned")
	case <-p.ctx.Done():
		p.complete(t, nil, p.abandonErr(t, errors.ErrClosed), "abandoned")
	}
	return t
}

// Resolve waits for the ticket's outcome. When ctx ends first it returns
// ErrAbandoned; the ticket itself keeps running in its lane.
func (p *Publisher) Resolve(ctx context.Context, t *Ticket) error {
	select {
	case <-t.Done():
		return t.err
	case <-ctx.Done():
		return &PublishError{
			EventID:  t.EventID,
			Key:      t.Key,
			Attempts: t.Attempts(),
			Err:      fmt.Errorf("%w: %w", errors.ErrAbandoned, ctx.Err()),
		}
	}
}

// Close stops the lanes. Tickets still queued or retrying complete with
// ErrAbandoned. Close is idempotent.
func (p *Publisher) Close(_ context.Context) error {
	p.cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()

	// No sender can be active past the write lock above.
	for i, lane := range p.lanes {
		for drained := false; !drained; {
			select {
			case t := <-lane:
				p.complete(t, nil, p.abandonErr(t, errors.ErrClosed), "abandoned")
			default:
				drained = true
			}
		}
		p.metrics.setDepth(i, 0)
	}

	p.logger.Info("Publisher closed",
		"published", p.published.Load(),
		"failed", p.failed.Load(),
		"abandoned", p.abandoned.Load())
	return nil
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Abandoned: p.abandoned.Load(),
		Retries:   p.retries.Load(),
		InFlight:  p.inFlight.Load(),
	}
}

func (p *Publisher) runLane(partition int, lane <-chan *Ticket) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-lane:
			p.metrics.setDepth(partition, len(lane))
			p.deliver(t)
		}
	}
}

func (p *Publisher) deliver(t *Ticket) {
	var ack *jetstream.PubAck

	err := retry.Do(p.ctx, p.cfg.retryConfig(p.clock), func(attempt int) error {
		t.attempts.Store(int32(attempt))

		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.AckTimeout)
		defer cancel()

		var err error
		ack, err = p.producer.PublishMsg(ctx, t.msg)
		if err == nil {
			return nil
		}
		if rejectsMessage(err) || isPermanent(err) {
			return retry.NonRetryable(err)
		}
		p.logger.Debug("Publish attempt failed",
			"event_id", t.EventID, "attempt", attempt, "error", err)
		return err
	})

	switch {
	case err == nil:
		p.complete(t, ack, nil, "")
	case p.ctx.Err() != nil:
		p.complete(t, nil, p.abandonErr(t, errors.ErrClosed), "abandoned")
	case retry.IsNonRetryable(err) && rejectsMessage(unwrapNonRetryable(err)):
		p.complete(t, nil, p.rejectedErr(t, unwrapNonRetryable(err)), "rejected")
	case retry.IsNonRetryable(err):
		p.complete(t, nil, p.fatalErr(t, unwrapNonRetryable(err)), "fatal")
	default:
		cause := err
		var exhausted *retry.ExhaustedError
		if stderrors.As(err, &exhausted) {
			cause = exhausted.Err
		}
		// Without responders the stream may have been removed since Start.
		if stderrors.Is(cause, jetstream.ErrNoStreamResponse) {
			if _, lerr := p.producer.StreamForSubject(p.ctx, t.Subject); stderrors.Is(lerr, errors.ErrTopicMissing) {
				p.complete(t, nil, p.fatalErr(t, lerr), "fatal")
				return
			}
		}
		p.complete(t, nil, &PublishError{
			EventID:  t.EventID,
			Key:      t.Key,
			Attempts: t.Attempts(),
			Err:      fmt.Errorf("%w: %w", errors.ErrMaxRetriesExceeded, cause),
		}, "exhausted")
	}
}

func (p *Publisher) complete(t *Ticket, ack *jetstream.PubAck, err error, reason string) {
	if t.msg != nil {
		p.inFlight.Add(-1)
	}

	attempts := t.Attempts()
	if attempts > 1 {
		p.retries.Add(int64(attempts - 1))
	}

	if err == nil {
		p.published.Add(1)
		p.metrics.recordAck(time.Since(t.Enqueued).Seconds(), attempts)
	} else {
		if reason == "abandoned" {
			p.abandoned.Add(1)
		} else {
			p.failed.Add(1)
		}
		p.metrics.recordFailure(reason, attempts)
		if reason != "abandoned" {
			p.logger.Warn("Publish failed", "event_id", t.EventID, "reason", reason, "error", err)
		}
	}

	t.finish(ack, err)
}

func (p *Publisher) abandonErr(t *Ticket, cause error) error {
	return &PublishError{
		EventID:  t.EventID,
		Key:      t.Key,
		Attempts: t.Attempts(),
		Err:      fmt.Errorf("%w: %w", errors.ErrAbandoned, cause),
	}
}

func (p *Publisher) fatalErr(t *Ticket, cause error) error {
	if !errors.IsFatal(cause) {
		cause = errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrBrokerRejected, cause),
			"Publisher", "deliver", "publish "+t.Subject)
	}
	return &PublishError{
		EventID:  t.EventID,
		Key:      t.Key,
		Attempts: t.Attempts(),
		Err:      cause,
	}
}

// rejectedErr is not fatal: the broker refused this message only.
func (p *Publisher) rejectedErr(t *Ticket, cause error) error {
	return &PublishError{
		EventID:  t.EventID,
		Key:      t.Key,
		Attempts: t.Attempts(),
		Err: errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidData, cause),
			"Publisher", "deliver", "publish "+t.Subject),
	}
}

func unwrapNonRetryable(err error) error {
	var nre *retry.NonRetryableError
	if stderrors.As(err, &nre) {
		return nre.Err
	}
	return err
}

// rejectsMessage reports broker refusals tied to one message, such as a
// payload over the server limit. Later messages may still be accepted.
func rejectsMessage(err error) bool {
	if stderrors.Is(err, nats.ErrMaxPayload) {
		return true
	}

	var apiErr *jetstream.APIError
	if stderrors.As(err, &apiErr) && apiErr != nil {
		switch apiErr.Code {
		case 401, 403, 404, 408:
			return false
		}
		return apiErr.Code >= 400 && apiErr.Code < 500
	}

	return strings.Contains(strings.ToLower(err.Error()), "maximum payload exceeded")
}

// isPermanent reports broker rejections that stop every publish: a missing
// stream or missing permissions.
func isPermanent(err error) bool {
	if errors.IsFatal(err) {
		return true
	}
	if stderrors.Is(err, jetstream.ErrStreamNotFound) ||
		stderrors.Is(err, nats.ErrPermissionViolation) ||
		stderrors.Is(err, nats.ErrAuthorization) {
		return true
	}

	var apiErr *jetstream.APIError
	if stderrors.As(err, &apiErr) && apiErr != nil {
		switch apiErr.Code {
		case 401, 403, 404:
			return true
		}
	}

	return strings.Contains(strings.ToLower(err.Error()), "permissions violation")
}
