package relay

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/event"
	"github.com/nelsonaloysio/twython-kafka/health"
	"github.com/nelsonaloysio/twython-kafka/metric"
	"github.com/nelsonaloysio/twython-kafka/pkg/cache"
	"github.com/nelsonaloysio/twython-kafka/publisher"
	"github.com/nelsonaloysio/twython-kafka/stream"
)

// ExitCodeFatal is the process exit code for a relay that ended in Failed.
const ExitCodeFatal = 3

// Source yields upstream records. *stream.Client satisfies it.
type Source interface {
	Connect(ctx context.Context, filter stream.FilterSpec, creds stream.CredentialSet) error
	NextRecord(ctx context.Context) (event.RawRecord, error)
	Close() error
}

// Sink delivers events to the broker. *publisher.Publisher satisfies it.
type Sink interface {
	Start(ctx context.Context) error
	Publish(ctx context.Context, ev event.NormalizedEvent) *publisher.Ticket
	Resolve(ctx context.Context, t *publisher.Ticket) error
	Close(ctx context.Context) error
}

type stateReporter interface {
	State() stream.ConnectionState
}

// FatalError ends a relay run. The process should exit with ExitCodeFatal.
type FatalError struct {
	State State // state the relay was in when the cause surfaced
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("relay failed while %s: %v", e.State, e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// ExitCode returns ExitCodeFatal.
func (e *FatalError) ExitCode() int {
	return ExitCodeFatal
}

// Stats are cumulative supervisor counters.
type Stats struct {
	Processed       int64
	Dropped         int64
	Duplicates      int64
	Published       int64
	PublishFailures int64
	Rejected        int64 // refused by the broker for this message only
	Abandoned       int64
	Outstanding     int64
}

// Supervisor pulls records from a Source, normalizes them and hands them to
// a Sink, holding at most Window unacknowledged publishes. It owns both
// collaborators and is the only component that closes them.
type Supervisor struct {
	cfg     Config
	source  Source
	sink    Sink
	filter  stream.FilterSpec
	creds   stream.CredentialSet
	session uuid.UUID

	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *supervisorMetrics
	checks   map[string]HealthCheck
	hook     func(from, to State)
	monitor  *health.Monitor
	seen     *cache.LRU[time.Time]
	mirror   Mirror

	mu      sync.Mutex
	state   State
	ran     bool
	cause   error
	started time.Time

	window    chan struct{}
	resolved  chan struct{}
	resolvers sync.WaitGroup
	cancelRun context.CancelFunc

	resolveCtx    context.Context
	cancelResolve context.CancelFunc

	fatalOnce   sync.Once
	fatalErr    error
	closeSource sync.Once
	closeSink   sync.Once
	closeMirror sync.Once

	processed       atomic.Int64
	dropped         atomic.Int64
	duplicates      atomic.Int64
	published       atomic.Int64
	publishFailures atomic.Int64
	rejected        atomic.Int64
	abandoned       atomic.Int64
	outstanding     atomic.Int64
	lastActivity    atomic.Int64
}

// NewSupervisor wires a supervisor for one relay session.
func NewSupervisor(cfg Config, source Source, sink Sink, filter stream.FilterSpec, creds stream.CredentialSet, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || sink == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: source and sink are required", errors.ErrMissingConfig),
			"Supervisor", "NewSupervisor", "check collaborators")
	}

	s := &Supervisor{
		cfg:      cfg,
		source:   source,
		sink:     sink,
		filter:   filter,
		creds:    creds,
		session:  uuid.New(),
		logger:   slog.Default(),
		checks:   make(map[string]HealthCheck),
		monitor:  health.NewMonitor(),
		window:   make(chan struct{}, cfg.Window),
		resolved: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay", "session", s.session.String())
	s.metrics = newSupervisorMetrics(s.registry)

	seen, err := cache.NewLRU[time.Time](cfg.DedupSize,
		cache.WithMetrics[time.Time](s.registry, "relay_dedup"))
	if err != nil {
		return nil, errors.Wrap(err, "Supervisor", "NewSupervisor", "create dedup set")
	}
	s.seen = seen
	s.resolveCtx, s.cancelResolve = context.WithCancel(context.Background())

	return s, nil
}

// Session identifies this relay run in logs.
func (s *Supervisor) Session() uuid.UUID {
	return s.session
}

// Run executes the relay until ctx is cancelled or a fatal error occurs.
// Cancellation drains outstanding publishes and returns nil; a fatal error
// returns *FatalError. Run may only be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Supervisor", "Run", "check state")
	}
	s.ran = true
	s.started = time.Now()
	s.mu.Unlock()

	s.setState(StateStarting)
	s.logger.Info("Relay starting", "window", s.cfg.Window)

	if err := s.sink.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return s.stop()
		}
		return s.fail(err)
	}
	if err := s.source.Connect(ctx, s.filter, s.creds); err != nil {
		if ctx.Err() != nil {
			return s.stop()
		}
		return s.fail(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	s.setState(StateRunning)
	s.logger.Info("Relay running", "limit", s.cfg.Limit)

	stopProgress := s.startProgress(runCtx)
	err := s.loop(runCtx)
	stopProgress()
	if err != nil {
		return s.fail(err)
	}
	if err := s.fatal(); err != nil {
		return s.fail(err)
	}

	return s.drain()
}

// loop returns nil when ctx ends or the limit is reached, and the cause
// when reading fails.
func (s *Supervisor) loop(ctx context.Context) error {
	for {
		done, err := s.awaitLimit(ctx)
		if done || err != nil {
			return err
		}

		select {
		case s.window <- struct{}{}:
		default:
			s.metrics.stalled()
			s.logger.Debug("Publish window full, pausing reads", "outstanding", s.outstanding.Load())
			select {
			case s.window <- struct{}{}:
			case <-ctx.Done():
				return s.fatal()
			}
		}

		rec, err := s.source.NextRecord(ctx)
		if err != nil {
			<-s.window
			if ctx.Err() != nil {
				return s.fatal()
			}
			return err
		}

		s.handle(ctx, rec)
	}
}

// awaitLimit reports done once Limit events were published. While the
// outstanding tickets could still reach the limit it waits for them rather
// than read more.
func (s *Supervisor) awaitLimit(ctx context.Context) (bool, error) {
	limit := int64(s.cfg.Limit)
	if limit <= 0 {
		return false, nil
	}
	for {
		// outstanding first: a resolver moves a ticket to published before
		// releasing it, so this order never undercounts
		outstanding := s.outstanding.Load()
		published := s.published.Load()
		if published >= limit {
			s.logger.Info("Capture limit reached", "limit", limit)
			return true, nil
		}
		if published+outstanding < limit {
			return false, nil
		}
		select {
		case <-s.resolved:
		case <-ctx.Done():
			return true, s.fatal()
		}
	}
}

// startProgress logs the counters every ProgressInterval until the returned
// stop function is called.
func (s *Supervisor) startProgress(ctx context.Context) (stop func()) {
	if s.cfg.ProgressInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := s.Stats()
				s.logger.Info("Captured events",
					"captured", st.Published,
					"outstanding", st.Outstanding,
					"dropped", st.Dropped+st.Rejected+st.PublishFailures)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// handle owns one window slot and must release it or pass it to a resolver.
func (s *Supervisor) handle(ctx context.Context, rec event.RawRecord) {
	s.lastActivity.Store(time.Now().UnixNano())

	ev, err := event.Normalize(rec)
	if err != nil {
		<-s.window
		s.dropped.Add(1)
		s.metrics.event(outcomeDropped)
		s.logger.Warn("Dropped malformed record", "error", err, "bytes", len(rec.Payload))
		return
	}

	if _, dup := s.seen.Get(ev.ID); dup {
		<-s.window
		s.duplicates.Add(1)
		s.metrics.event(outcomeDuplicate)
		s.logger.Debug("Skipped duplicate event", "event_id", ev.ID)
		return
	}
	_, _ = s.seen.Set(ev.ID, time.Now())

	s.processed.Add(1)
	s.metrics.event(outcomeProcessed)
	s.metrics.setOutstanding(s.outstanding.Add(1))

	if s.mirror != nil {
		if err := s.mirror.Write(ev); err != nil {
			s.logger.Warn("Mirror write failed", "event_id", ev.ID, "error", err)
		}
	}

	ticket := s.sink.Publish(ctx, ev)

	s.resolvers.Add(1)
	go s.resolve(ticket)
}

func (s *Supervisor) resolve(t *publisher.Ticket) {
	defer s.resolvers.Done()
	defer func() {
		s.metrics.setOutstanding(s.outstanding.Add(-1))
		<-s.window
		select {
		case s.resolved <- struct{}{}:
		default:
		}
	}()

	err := s.sink.Resolve(s.resolveCtx, t)
	if err == nil {
		s.published.Add(1)
		s.metrics.event(outcomePublished)
		s.lastActivity.Store(time.Now().UnixNano())
		return
	}
	if stderrors.Is(err, errors.ErrAbandoned) {
		s.abandoned.Add(1)
		s.metrics.event(outcomeAbandoned)
		_, _ = s.seen.Delete(t.EventID)
		return
	}

	switch errors.Classify(err) {
	case errors.ErrorFatal:
		s.publishFailures.Add(1)
		s.metrics.event(outcomeFailed)
		s.reportFatal(err)
	case errors.ErrorInvalid:
		// a redelivery would be refused again, so the ID stays seen
		s.rejected.Add(1)
		s.metrics.event(outcomeRejected)
		s.logger.Warn("Dropped event rejected by broker",
			"event_id", t.EventID, "key", t.Key, "error", err)
	default:
		s.publishFailures.Add(1)
		s.metrics.event(outcomeFailed)
		_, _ = s.seen.Delete(t.EventID)
		s.logger.Warn("Dropped event after publish failure",
			"event_id", t.EventID, "key", t.Key, "attempts", t.Attempts(), "error", err)
	}
}

func (s *Supervisor) reportFatal(err error) {
	s.fatalOnce.Do(func() {
		s.mu.Lock()
		s.fatalErr = err
		cancel := s.cancelRun
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (s *Supervisor) fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// drain waits for outstanding tickets up to DrainTimeout, then abandons the
// rest and closes both collaborators.
func (s *Supervisor) drain() error {
	s.setState(StateDraining)
	outstanding := s.outstanding.Load()
	s.logger.Info("Relay draining", "outstanding", outstanding, "grace", s.cfg.DrainTimeout)

	done := make(chan struct{})
	go func() {
		s.resolvers.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("Drain grace period expired, abandoning outstanding tickets",
			"outstanding", s.outstanding.Load())
		s.cancelResolve()
		<-done
	}

	if err := s.fatal(); err != nil {
		return s.fail(err)
	}
	return s.stop()
}

func (s *Supervisor) stop() error {
	if s.State() != StateDraining {
		s.setState(StateDraining)
	}
	s.cancelResolve()
	s.resolvers.Wait()
	s.closeAll()
	s.setState(StateStopped)

	st := s.Stats()
	dedup := s.seen.Stats().Summary()
	s.logger.Info("Relay stopped",
		"captured", st.Published,
		"processed", st.Processed,
		"dropped", st.Dropped,
		"duplicates", st.Duplicates,
		"rejected", st.Rejected,
		"publish_failures", st.PublishFailures,
		"abandoned", st.Abandoned,
		"dedup_hit_ratio", dedup.HitRatio)
	return nil
}

func (s *Supervisor) fail(cause error) error {
	from := s.State()

	s.mu.Lock()
	s.cause = cause
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.setState(StateFailed)
	s.metrics.fatal()
	s.cancelResolve()
	s.resolvers.Wait()
	s.closeAll()

	s.logger.Error("Relay failed", "state", from.String(), "error", cause)
	return &FatalError{State: from, Cause: cause}
}

func (s *Supervisor) closeAll() {
	s.closeSource.Do(func() {
		if err := s.source.Close(); err != nil {
			s.logger.Warn("Closing upstream failed", "error", err)
		}
	})
	s.closeSink.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		defer cancel()
		if err := s.sink.Close(ctx); err != nil {
			s.logger.Warn("Closing publisher failed", "error", err)
		}
	})
	if s.mirror != nil {
		s.closeMirror.Do(func() {
			if err := s.mirror.Close(); err != nil {
				s.logger.Warn("Closing mirror failed", "error", err)
			}
		})
	}
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || from.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = to
	hook := s.hook
	s.mu.Unlock()

	s.metrics.setState(to)
	s.logger.Debug("State changed", "from", from.String(), "to", to.String())
	if hook != nil {
		hook(from, to)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the supervisor counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		Processed:       s.processed.Load(),
		Dropped:         s.dropped.Load(),
		Duplicates:      s.duplicates.Load(),
		Published:       s.published.Load(),
		PublishFailures: s.publishFailures.Load(),
		Rejected:        s.rejected.Load(),
		Abandoned:       s.abandoned.Load(),
		Outstanding:     s.outstanding.Load(),
	}
}

// Health reports the relay and its collaborators.
func (s *Supervisor) Health() health.Status {
	s.mu.Lock()
	state, cause, started := s.state, s.cause, s.started
	s.mu.Unlock()

	switch state {
	case StateRunning:
		s.monitor.UpdateHealthy("relay", "running")
	case StateFailed:
		s.monitor.Update("relay", health.FromError("relay", cause))
	case StateStopped:
		s.monitor.UpdateUnhealthy("relay", "stopped")
	default:
		s.monitor.UpdateDegraded("relay", state.String())
	}

	if sr, ok := s.source.(stateReporter); ok {
		switch cs := sr.State(); cs {
		case stream.StateStreaming:
			s.monitor.UpdateHealthy("upstream", cs.String())
		case stream.StateDisconnected:
			s.monitor.UpdateUnhealthy("upstream", cs.String())
		default:
			s.monitor.UpdateDegraded("upstream", cs.String())
		}
	}

	for name, check := range s.checks {
		s.monitor.Update(name, check())
	}

	st := s.Stats()
	dedup := s.seen.Stats()
	m := &health.Metrics{
		Processed:     st.Processed,
		Published:     st.Published,
		Dropped:       st.Dropped + st.Rejected + st.PublishFailures,
		Outstanding:   st.Outstanding,
		Duplicates:    dedup.Hits(),
		DedupLookups:  dedup.Hits() + dedup.Misses(),
		DedupHitRatio: dedup.HitRatio(),
	}
	if !started.IsZero() {
		m.Uptime = time.Since(started)
	}
	if ns := s.lastActivity.Load(); ns > 0 {
		m.LastActivity = time.Unix(0, ns)
	}

	return s.monitor.AggregateHealth("postrelay").WithMetrics(m)
}
