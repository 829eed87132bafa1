package relay

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nelsonaloysio/twython-kafka/errors"
	"github.com/nelsonaloysio/twython-kafka/event"
	"github.com/nelsonaloysio/twython-kafka/health"
	"github.com/nelsonaloysio/twython-kafka/metric"
	"github.com/nelsonaloysio/twython-kafka/pkg/retry"
	"github.com/nelsonaloysio/twython-kafka/publisher"
	"github.com/nelsonaloysio/twython-kafka/stream"
)

// fakeSource replays records from a channel. A closed channel either blocks
// until ctx ends or, with onEOF set, calls it first.
type fakeSource struct {
	records    chan event.RawRecord
	connectErr error
	blockConn  bool
	readErr    chan error
	onEOF      func()

	reads  atomic.Int32
	closes atomic.Int32
}

func newFakeSource(records ...event.RawRecord) *fakeSource {
	ch := make(chan event.RawRecord, len(records)+16)
	for _, r := range records {
		ch <- r
	}
	return &fakeSource{records: ch, readErr: make(chan error, 1)}
}

func (f *fakeSource) Connect(ctx context.Context, _ stream.FilterSpec, _ stream.CredentialSet) error {
	if f.blockConn {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.connectErr
}

func (f *fakeSource) NextRecord(ctx context.Context) (event.RawRecord, error) {
	select {
	case rec, ok := <-f.records:
		if ok {
			f.reads.Add(1)
			return rec, nil
		}
		if f.onEOF != nil {
			f.onEOF()
		}
		<-ctx.Done()
		return event.RawRecord{}, ctx.Err()
	case err := <-f.readErr:
		return event.RawRecord{}, err
	case <-ctx.Done():
		return event.RawRecord{}, ctx.Err()
	}
}

func (f *fakeSource) Close() error {
	f.closes.Add(1)
	return nil
}

// fakeProducer acks everything unless publishFn says otherwise.
type fakeProducer struct {
	mu        sync.Mutex
	acked     []string
	publishFn func(ctx context.Context, msg *nats.Msg) error
}

func (f *fakeProducer) PublishMsg(ctx context.Context, msg *nats.Msg) (*jetstream.PubAck, error) {
	f.mu.Lock()
	fn := f.publishFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, msg); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, msg.Header.Get(nats.MsgIdHdr))
	return &jetstream.PubAck{Stream: "INGEST", Sequence: uint64(len(f.acked))}, nil
}

func (f *fakeProducer) StreamForSubject(_ context.Context, subject string) (string, error) {
	if subject != "ingest.twitter" {
		return "", errors.WrapFatal(errors.ErrTopicMissing, "fake", "StreamForSubject", "lookup")
	}
	return "INGEST", nil
}

func (f *fakeProducer) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

// countingSink counts Close calls on the wrapped publisher.
type countingSink struct {
	*publisher.Publisher
	closes atomic.Int32
}

func (c *countingSink) Close(ctx context.Context) error {
	c.closes.Add(1)
	return c.Publisher.Close(ctx)
}

func newSink(t *testing.T, producer publisher.Producer, topic string) *countingSink {
	t.Helper()
	cfg := publisher.DefaultConfig()
	cfg.Topic = topic
	cfg.MaxAttempts = 3
	cfg.AckTimeout = time.Minute
	p, err := publisher.New(cfg, producer, publisher.WithClock(retry.NewFakeClock(time.Unix(0, 0))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return &countingSink{Publisher: p}
}

func post(id, author string) event.RawRecord {
	payload := fmt.Sprintf(`{"id_str":%q,"text":"post %s","user":{"id_str":%q,"screen_name":"u%s"},"lang":"en"}`,
		id, id, author, author)
	return event.RawRecord{Payload: json.RawMessage(payload), ReceivedAt: time.Now()}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Window = 8
	cfg.DrainTimeout = 2 * time.Second
	cfg.DedupSize = 128
	return cfg
}

type run struct {
	cancel context.CancelFunc
	done   chan error
}

func (r run) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func startRun(s *Supervisor) run {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return run{cancel: cancel, done: done}
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 5*time.Millisecond, "state %s never reached", want)
}

func TestNewSupervisor_Validation(t *testing.T) {
	sink := newSink(t, &fakeProducer{}, "ingest.twitter")

	_, err := NewSupervisor(testConfig(), nil, sink, stream.FilterSpec{}, stream.CredentialSet{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	cfg := testConfig()
	cfg.Window = 0
	_, err = NewSupervisor(cfg, newFakeSource(), sink, stream.FilterSpec{}, stream.CredentialSet{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	s, err := NewSupervisor(testConfig(), newFakeSource(), sink, stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())
	assert.NotEqual(t, uuid.Nil, s.Session())
}

func TestSupervisor_RelaysAndStops(t *testing.T) {
	producer := &fakeProducer{}
	sink := newSink(t, producer, "ingest.twitter")
	source := newFakeSource(post("1", "a"), post("2", "b"), post("3", "a"))

	var mu sync.Mutex
	var transitions []string
	s, err := NewSupervisor(testConfig(), source, sink, stream.FilterSpec{}, stream.CredentialSet{},
		WithStateHook(func(from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+">"+to.String())
		}))
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool { return s.Stats().Published == 3 }, 2*time.Second, 5*time.Millisecond)

	r.cancel()
	require.NoError(t, r.wait(t))

	assert.Equal(t, StateStopped, s.State())
	assert.ElementsMatch(t, []string{"1", "2", "3"}, producer.ackedIDs())
	assert.Equal(t, Stats{Processed: 3, Published: 3}, s.Stats())
	assert.Equal(t, int32(1), source.closes.Load())
	assert.Equal(t, int32(1), sink.closes.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"idle>starting", "starting>running", "running>draining", "draining>stopped",
	}, transitions)
}

func TestSupervisor_RunTwice(t *testing.T) {
	source := newFakeSource()
	s, err := NewSupervisor(testConfig(), source, newSink(t, &fakeProducer{}, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)

	r := startRun(s)
	waitState(t, s, StateRunning)

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	r.cancel()
	require.NoError(t, r.wait(t))
}

func TestSupervisor_BackpressurePausesReads(t *testing.T) {
	gate := make(chan struct{})
	producer := &fakeProducer{publishFn: func(ctx context.Context, _ *nats.Msg) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}

	records := make([]event.RawRecord, 6)
	for i := range records {
		records[i] = post(fmt.Sprint(i+1), "a")
	}
	source := newFakeSource(records...)

	cfg := testConfig()
	cfg.Window = 2
	registry := metric.NewMetricsRegistry()
	s, err := NewSupervisor(cfg, source, newSink(t, producer, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{}, WithMetrics(registry))
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool { return source.reads.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return source.reads.Load() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int64(2), s.Stats().Outstanding)
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.metrics.windowFull), float64(1))
	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.outstanding))

	close(gate)
	require.Eventually(t, func() bool { return s.Stats().Published == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(6), source.reads.Load())

	r.cancel()
	require.NoError(t, r.wait(t))
	assert.Equal(t, float64(6), testutil.ToFloat64(s.metrics.events.WithLabelValues(outcomePublished)))
}

func TestSupervisor_ShutdownDrainsOutstanding(t *testing.T) {
	gate := make(chan struct{})
	producer := &fakeProducer{publishFn: func(ctx context.Context, _ *nats.Msg) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	source := newFakeSource(post("1", "a"), post("2", "b"), post("3", "c"))
	sink := newSink(t, producer, "ingest.twitter")

	s, err := NewSupervisor(testConfig(), source, sink, stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool { return s.Stats().Outstanding == 3 }, 2*time.Second, 5*time.Millisecond)

	r.cancel()
	waitState(t, s, StateDraining)
	close(gate)

	require.NoError(t, r.wait(t))
	assert.Equal(t, StateStopped, s.State())
	st := s.Stats()
	assert.Equal(t, int64(3), st.Published)
	assert.Zero(t, st.Abandoned)
	assert.Zero(t, st.Outstanding)
	assert.Equal(t, int32(1), source.closes.Load())
	assert.Equal(t, int32(1), sink.closes.Load())
}

func TestSupervisor_ShutdownAbandonsAfterGrace(t *testing.T) {
	producer := &fakeProducer{publishFn: func(ctx context.Context, _ *nats.Msg) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	source := newFakeSource(post("1", "a"), post("2", "b"), post("3", "c"))
	sink := newSink(t, producer, "ingest.twitter")

	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	s, err := NewSupervisor(cfg, source, sink, stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool { return s.Stats().Outstanding == 3 }, 2*time.Second, 5*time.Millisecond)

	r.cancel()
	require.NoError(t, r.wait(t))

	assert.Equal(t, StateStopped, s.State())
	st := s.Stats()
	assert.Equal(t, int64(3), st.Abandoned)
	assert.Zero(t, st.Published)
	assert.Zero(t, st.Outstanding)
	assert.Equal(t, int32(1), source.closes.Load())
	assert.Equal(t, int32(1), sink.closes.Load())
}

func TestSupervisor_MalformedRecordDropped(t *testing.T) {
	producer := &fakeProducer{}
	source := newFakeSource(
		post("1", "a"),
		event.RawRecord{Payload: json.RawMessage(`{"id_str":"9"}`)},
		event.RawRecord{Payload: json.RawMessage(`[1,2`)},
		post("2", "b"),
	)
	registry := metric.NewMetricsRegistry()
	s, err := NewSupervisor(testConfig(), source, newSink(t, producer, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{}, WithMetrics(registry))
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool { return s.Stats().Published == 2 }, 2*time.Second, 5*time.Millisecond)
	r.cancel()
	require.NoError(t, r.wait(t))

	st := s.Stats()
	assert.Equal(t, int64(2), st.Processed)
	assert.Equal(t, int64(2), st.Dropped)
	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.events.WithLabelValues(outcomeDropped)))
	assert.Equal(t, []string{"1", "2"}, producer.ackedIDs())
}

func TestSupervisor_DuplicatesSkipped(t *testing.T) {
	producer := &fakeProducer{}
	source := newFakeSource(post("1", "a"), post("1", "a"), post("2", "a"), post("1", "a"))
	s, err := NewSupervisor(testConfig(), source, newSink(t, producer, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool { return source.reads.Load() == 4 && s.Stats().Outstanding == 0 },
		2*time.Second, 5*time.Millisecond)
	r.cancel()
	require.NoError(t, r.wait(t))

	st := s.Stats()
	assert.Equal(t, int64(2), st.Processed)
	assert.Equal(t, int64(2), st.Duplicates)
	assert.Equal(t, []string{"1", "2"}, producer.ackedIDs())
}

func TestSupervisor_ExhaustedPublishDroppedWithoutHalting(t *testing.T) {
	producer := &fakeProducer{publishFn: func(_ context.Context, msg *nats.Msg) error {
		if msg.Header.Get(nats.MsgIdHdr) == "2" {
			return nats.ErrTimeout
		}
		return nil
	}}
	source := newFakeSource(post("1", "a"), post("2", "b"), post("3", "c"))
	s, err := NewSupervisor(testConfig(), source, newSink(t, producer, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Published == 2 && st.PublishFailures == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, s.State())

	// the failed ID is forgotten so a redelivery is published again
	assert.False(t, s.seen.Contains("2"))

	r.cancel()
	require.NoError(t, r.wait(t))
	assert.Equal(t, StateStopped, s.State())
	assert.ElementsMatch(t, []string{"1", "3"}, producer.ackedIDs())
}

func TestSupervisor_MessageRejectionDroppedWithoutHalting(t *testing.T) {
	producer := &fakeProducer{publishFn: func(_ context.Context, msg *nats.Msg) error {
		if msg.Header.Get(nats.MsgIdHdr) == "2" {
			return nats.ErrMaxPayload
		}
		return nil
	}}
	source := newFakeSource(post("1", "a"), post("2", "b"), post("3", "c"), post("4", "b"))
	registry := metric.NewMetricsRegistry()
	s, err := NewSupervisor(testConfig(), source, newSink(t, producer, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{}, WithMetrics(registry))
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Published == 3 && st.Rejected == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, s.State())

	// a refused message would be refused again, so it stays seen
	assert.True(t, s.seen.Contains("2"))
	assert.Zero(t, s.Stats().PublishFailures)

	h := s.Health()
	assert.True(t, h.IsHealthy())
	assert.Equal(t, int64(1), h.Metrics.Dropped)

	r.cancel()
	require.NoError(t, r.wait(t))
	assert.Equal(t, StateStopped, s.State())
	assert.ElementsMatch(t, []string{"1", "3", "4"}, producer.ackedIDs())

	events := s.metrics.events
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues(outcomeRejected)))
	assert.Equal(t, 0.0, testutil.ToFloat64(events.WithLabelValues(outcomeFailed)))
}

func TestSupervisor_BrokerRejectionIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "permission violation", err: nats.ErrPermissionViolation},
		{name: "stream not found", err: jetstream.ErrStreamNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := &fakeProducer{publishFn: func(_ context.Context, msg *nats.Msg) error {
				if msg.Header.Get(nats.MsgIdHdr) == "2" {
					return tt.err
				}
				return nil
			}}
			source := newFakeSource(post("1", "a"), post("2", "b"))
			sink := newSink(t, producer, "ingest.twitter")

			var failedFrom State
			s, err := NewSupervisor(testConfig(), source, sink, stream.FilterSpec{}, stream.CredentialSet{},
				WithStateHook(func(from, to State) {
					if to == StateFailed {
						failedFrom = from
					}
				}))
			require.NoError(t, err)

			r := startRun(s)
			defer r.cancel()
			err = r.wait(t)
			require.Error(t, err)

			var fatal *FatalError
			require.True(t, stderrors.As(err, &fatal))
			assert.Equal(t, ExitCodeFatal, fatal.ExitCode())
			assert.Equal(t, StateRunning, fatal.State)
			assert.ErrorIs(t, err, errors.ErrBrokerRejected)
			assert.True(t, errors.IsFatal(err))

			assert.Equal(t, StateFailed, s.State())
			assert.Equal(t, StateRunning, failedFrom)
			assert.Equal(t, int64(1), s.Stats().PublishFailures)
			assert.Zero(t, s.Stats().Rejected)
			assert.Equal(t, int32(1), source.closes.Load())
			assert.Equal(t, int32(1), sink.closes.Load())
			assert.True(t, s.Health().IsUnhealthy())
		})
	}
}

func TestSupervisor_StartupFailures(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		connect error
		want    error
	}{
		{
			name:  "topic missing",
			topic: "ingest.other",
			want:  errors.ErrTopicMissing,
		},
		{
			name:    "credentials rejected",
			topic:   "ingest.twitter",
			connect: errors.WrapFatal(errors.ErrAuthRejected, "fake", "Connect", "authenticate"),
			want:    errors.ErrAuthRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newFakeSource()
			source.connectErr = tt.connect
			sink := newSink(t, &fakeProducer{}, tt.topic)

			s, err := NewSupervisor(testConfig(), source, sink, stream.FilterSpec{}, stream.CredentialSet{})
			require.NoError(t, err)

			err = s.Run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var fatal *FatalError
			require.True(t, stderrors.As(err, &fatal))
			assert.Equal(t, StateStarting, fatal.State)
			assert.Equal(t, StateFailed, s.State())
			assert.Equal(t, int32(1), source.closes.Load())
			assert.Equal(t, int32(1), sink.closes.Load())
		})
	}
}

func TestSupervisor_ShutdownDuringStartIsClean(t *testing.T) {
	source := newFakeSource()
	source.blockConn = true
	s, err := NewSupervisor(testConfig(), source, newSink(t, &fakeProducer{}, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)

	r := startRun(s)
	waitState(t, s, StateStarting)
	r.cancel()

	require.NoError(t, r.wait(t))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, int32(1), source.closes.Load())
}

func TestSupervisor_UpstreamFatal(t *testing.T) {
	source := newFakeSource()
	s, err := NewSupervisor(testConfig(), source, newSink(t, &fakeProducer{}, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)

	r := startRun(s)
	waitState(t, s, StateRunning)
	source.readErr <- errors.WrapFatal(errors.ErrFilterRejected, "fake", "NextRecord", "filter")

	err = r.wait(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFilterRejected)
	assert.Equal(t, StateFailed, s.State())
}

func TestSupervisor_Health(t *testing.T) {
	source := newFakeSource(post("1", "a"))
	s, err := NewSupervisor(testConfig(), source, newSink(t, &fakeProducer{}, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{},
		WithHealthCheck("broker", func() health.Status {
			return health.NewHealthy("nats", "connected")
		}))
	require.NoError(t, err)

	idle := s.Health()
	assert.True(t, idle.IsDegraded())

	r := startRun(s)
	require.Eventually(t, func() bool { return s.Stats().Published == 1 }, 2*time.Second, 5*time.Millisecond)

	h := s.Health()
	assert.Equal(t, "postrelay", h.Component)
	assert.True(t, h.IsHealthy())
	require.Len(t, h.SubStatuses, 2)
	assert.Equal(t, "broker", h.SubStatuses[0].Component)
	assert.Equal(t, "relay", h.SubStatuses[1].Component)
	require.NotNil(t, h.Metrics)
	assert.Equal(t, int64(1), h.Metrics.Processed)
	assert.Equal(t, int64(1), h.Metrics.Published)
	assert.False(t, h.Metrics.LastActivity.IsZero())

	r.cancel()
	require.NoError(t, r.wait(t))
	assert.True(t, s.Health().IsUnhealthy())
}

func TestSupervisor_CountersAccountForEveryRecord(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		kinds := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 30).Draw(rt, "kinds")
		ids := rapid.SliceOfN(rapid.IntRange(1, 8), len(kinds), len(kinds)).Draw(rt, "ids")

		var records []event.RawRecord
		seen := map[int]bool{}
		var wantProcessed, wantDropped, wantDuplicates int64
		for i, k := range kinds {
			if k == 0 {
				records = append(records, event.RawRecord{Payload: json.RawMessage(`{"text":"no id"}`)})
				wantDropped++
				continue
			}
			records = append(records, post(fmt.Sprint(ids[i]), "a"))
			if seen[ids[i]] {
				wantDuplicates++
			} else {
				seen[ids[i]] = true
				wantProcessed++
			}
		}

		source := newFakeSource(records...)
		producer := &fakeProducer{}
		sink := newSink(t, producer, "ingest.twitter")
		cfg := testConfig()
		cfg.Window = rapid.IntRange(1, 4).Draw(rt, "window")
		s, err := NewSupervisor(cfg, source, sink, stream.FilterSpec{}, stream.CredentialSet{})
		require.NoError(rt, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		source.onEOF = cancel
		close(source.records)

		require.NoError(rt, s.Run(ctx))

		st := s.Stats()
		assert.Equal(rt, wantProcessed, st.Processed)
		assert.Equal(rt, wantDropped, st.Dropped)
		assert.Equal(rt, wantDuplicates, st.Duplicates)
		assert.Equal(rt, wantProcessed, st.Published)
		assert.Zero(rt, st.Outstanding)
		assert.Len(rt, producer.ackedIDs(), int(wantProcessed))
	})
}

func TestSupervisor_LimitStopsCleanly(t *testing.T) {
	producer := &fakeProducer{}
	var records []event.RawRecord
	for i := 1; i <= 10; i++ {
		records = append(records, post(fmt.Sprint(i), "a"))
	}
	source := newFakeSource(records...)
	sink := newSink(t, producer, "ingest.twitter")

	cfg := testConfig()
	cfg.Limit = 4
	cfg.Window = 2
	s, err := NewSupervisor(cfg, source, sink, stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)

	// Run returns on its own once the limit is reached
	r := startRun(s)
	defer r.cancel()
	require.NoError(t, r.wait(t))

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, int64(4), s.Stats().Published)
	assert.Equal(t, []string{"1", "2", "3", "4"}, producer.ackedIDs())
	assert.Equal(t, int32(4), source.reads.Load())
	assert.Len(t, source.records, 6)
	assert.Equal(t, int32(1), source.closes.Load())
	assert.Equal(t, int32(1), sink.closes.Load())
}

func TestSupervisor_LimitCountsOnlyPublished(t *testing.T) {
	producer := &fakeProducer{publishFn: func(_ context.Context, msg *nats.Msg) error {
		if msg.Header.Get(nats.MsgIdHdr) == "2" {
			return nats.ErrMaxPayload
		}
		return nil
	}}
	source := newFakeSource(post("1", "a"), post("2", "a"), post("3", "a"), post("4", "a"))
	cfg := testConfig()
	cfg.Limit = 2
	cfg.Window = 1
	s, err := NewSupervisor(cfg, source, newSink(t, producer, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)

	r := startRun(s)
	defer r.cancel()
	require.NoError(t, r.wait(t))

	st := s.Stats()
	assert.Equal(t, int64(2), st.Published)
	assert.Equal(t, int64(1), st.Rejected)
	assert.Equal(t, []string{"1", "3"}, producer.ackedIDs())
	assert.Len(t, source.records, 1)
}

// recordingMirror keeps the IDs it was given.
type recordingMirror struct {
	mu     sync.Mutex
	ids    []string
	err    error
	closes atomic.Int32
}

func (m *recordingMirror) Write(ev event.NormalizedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.ids = append(m.ids, ev.ID)
	return nil
}

func (m *recordingMirror) Close() error {
	m.closes.Add(1)
	return nil
}

func (m *recordingMirror) written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

func TestSupervisor_Mirror(t *testing.T) {
	mirror := &recordingMirror{}
	source := newFakeSource(post("1", "a"), post("1", "a"), event.RawRecord{Payload: json.RawMessage(`{}`)}, post("2", "b"))
	s, err := NewSupervisor(testConfig(), source, newSink(t, &fakeProducer{}, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{}, WithMirror(mirror))
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool { return s.Stats().Published == 2 }, 2*time.Second, 5*time.Millisecond)
	r.cancel()
	require.NoError(t, r.wait(t))

	// duplicates and malformed records are not mirrored
	assert.Equal(t, []string{"1", "2"}, mirror.written())
	assert.Equal(t, int32(1), mirror.closes.Load())
}

func TestSupervisor_MirrorFailureDoesNotStopPublishing(t *testing.T) {
	mirror := &recordingMirror{err: stderrors.New("disk full")}
	producer := &fakeProducer{}
	source := newFakeSource(post("1", "a"), post("2", "b"))
	s, err := NewSupervisor(testConfig(), source, newSink(t, producer, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{}, WithMirror(mirror))
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool { return s.Stats().Published == 2 }, 2*time.Second, 5*time.Millisecond)
	r.cancel()
	require.NoError(t, r.wait(t))
	assert.ElementsMatch(t, []string{"1", "2"}, producer.ackedIDs())
}

// lockedBuffer is a bytes.Buffer safe for the supervisor's goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSupervisor_ProgressLogging(t *testing.T) {
	var out lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&out, nil))

	cfg := testConfig()
	cfg.ProgressInterval = 10 * time.Millisecond
	source := newFakeSource(post("1", "a"), post("2", "b"))
	s, err := NewSupervisor(cfg, source, newSink(t, &fakeProducer{}, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{}, WithLogger(logger))
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool {
		return logLine(out.String(), "Captured events", `"captured":2`)
	}, 2*time.Second, 5*time.Millisecond)

	r.cancel()
	require.NoError(t, r.wait(t))
	assert.True(t, logLine(out.String(), "Relay stopped", `"captured":2`), out.String())
}

// logLine reports whether one JSON log line has msg and contains attr.
func logLine(logs, msg, attr string) bool {
	for _, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, `"msg":"`+msg+`"`) && strings.Contains(line, attr) {
			return true
		}
	}
	return false
}

func TestSupervisor_HealthReportsDedupRatio(t *testing.T) {
	source := newFakeSource(post("1", "a"), post("1", "a"), post("2", "a"), post("1", "a"))
	s, err := NewSupervisor(testConfig(), source, newSink(t, &fakeProducer{}, "ingest.twitter"),
		stream.FilterSpec{}, stream.CredentialSet{})
	require.NoError(t, err)

	r := startRun(s)
	require.Eventually(t, func() bool { return source.reads.Load() == 4 && s.Stats().Outstanding == 0 },
		2*time.Second, 5*time.Millisecond)

	m := s.Health().Metrics
	require.NotNil(t, m)
	assert.Equal(t, int64(2), m.Duplicates)
	assert.Equal(t, int64(4), m.DedupLookups)
	assert.InDelta(t, 0.5, m.DedupHitRatio, 1e-9)

	r.cancel()
	require.NoError(t, r.wait(t))
}
