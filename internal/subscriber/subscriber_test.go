package subscriber

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genassista/edu-pipeline/internal/models"
	"github.com/genassista/edu-pipeline/internal/orchestrator"
	"github.com/genassista/edu-pipeline/internal/state"
	"github.com/genassista/edu-pipeline/internal/store"
)

type fakeDelivery struct {
	body    []byte
	headers amqp.Table

	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeDelivery) Body() []byte        { return f.body }
func (f *fakeDelivery) Headers() amqp.Table { return f.headers }

func (f *fakeDelivery) Ack() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeDelivery) Nack(requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = true
	f.requeue = requeue
	return nil
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []string
	err   error
	// block, when set, holds every call until released or the call's context
	// is cancelled.
	block     chan struct{}
	inCall    int32
	maxSeen   int32
	cancelled int32
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, id string) (models.Submission, error) {
	cur := atomic.AddInt32(&f.inCall, 1)
	defer atomic.AddInt32(&f.inCall, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			atomic.AddInt32(&f.cancelled, 1)
			return models.Submission{}, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	return models.Submission{ID: id}, f.err
}

func seeded(t *testing.T, id string) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	_, err := st.CreateSubmission(context.Background(), store.SubmissionInput{
		ID: id, AssignmentID: "a", StudentID: "s", Content: "c",
	})
	require.NoError(t, err)
	return st
}

func newTestSubscriber(st store.Store, orch Analyzer) *Subscriber {
	return New(Config{Workers: 2, ShutdownGrace: time.Second}, st, orch)
}

func TestHandle_SuccessAcks(t *testing.T) {
	st := seeded(t, "S1")
	an := &fakeAnalyzer{}
	s := newTestSubscriber(st, an)

	d := &fakeDelivery{body: []byte(`{"eventId":"E1","submissionId":"S1"}`)}
	s.handle(context.Background(), d)

	assert.True(t, d.acked)
	assert.False(t, d.nacked)
	assert.Equal(t, []string{"S1"}, an.calls)
}

func TestHandle_MalformedBodyAcksWithoutAnalysis(t *testing.T) {
	an := &fakeAnalyzer{}
	s := newTestSubscriber(store.NewMemoryStore(), an)

	for _, body := range []string{`not json`, `{"eventId":"E2"}`} {
		d := &fakeDelivery{body: []byte(body)}
		s.handle(context.Background(), d)
		assert.True(t, d.acked, "body %q", body)
		assert.False(t, d.nacked, "body %q", body)
	}
	assert.Empty(t, an.calls, "poison messages never reach the orchestrator")
}

func TestHandle_UnknownSubmissionAcks(t *testing.T) {
	an := &fakeAnalyzer{}
	s := newTestSubscriber(store.NewMemoryStore(), an)

	d := &fakeDelivery{body: []byte(`{"eventId":"E3","submissionId":"ghost"}`)}
	s.handle(context.Background(), d)

	assert.True(t, d.acked)
	assert.Empty(t, an.calls)
}

func TestHandle_DuplicateDeliveryAcksWithoutAnalysis(t *testing.T) {
	st := seeded(t, "S2")
	ctx := context.Background()
	_, err := st.ApplyTransition(ctx, store.TransitionInput{
		SubmissionID: "S2",
		Event:        state.EventAnalysisSucceeded,
		Actor:        models.SystemActor,
		AnalysisResult: &models.AnalysisResult{
			Summary: "done", ImprovementAreas: []string{},
		},
	})
	require.NoError(t, err)
	_, err = st.ApplyTransition(ctx, store.TransitionInput{
		SubmissionID: "S2", Event: state.EventAutoAdvance, Actor: models.SystemActor,
	})
	require.NoError(t, err)

	an := &fakeAnalyzer{}
	s := newTestSubscriber(st, an)

	d := &fakeDelivery{body: []byte(`{"eventId":"E4","submissionId":"S2"}`)}
	s.handle(ctx, d)

	assert.True(t, d.acked)
	assert.Empty(t, an.calls, "duplicate is discarded before analysis")
}

// A crash after the success hop leaves ai_analyzed with the event unacked;
// the redelivery must reach the orchestrator to finish the advance rather
// than be discarded as a duplicate.
func TestHandle_AnalyzedSubmissionReachesOrchestrator(t *testing.T) {
	st := seeded(t, "S2b")
	_, err := st.ApplyTransition(context.Background(), store.TransitionInput{
		SubmissionID: "S2b",
		Event:        state.EventAnalysisSucceeded,
		Actor:        models.SystemActor,
		AnalysisResult: &models.AnalysisResult{
			Summary: "done", ImprovementAreas: []string{},
		},
	})
	require.NoError(t, err)

	an := &fakeAnalyzer{}
	s := newTestSubscriber(st, an)

	d := &fakeDelivery{body: []byte(`{"eventId":"E4b","submissionId":"S2b"}`)}
	s.handle(context.Background(), d)

	assert.True(t, d.acked)
	assert.Equal(t, []string{"S2b"}, an.calls)
}

func TestHandle_AlreadyProcessedRaceAcks(t *testing.T) {
	st := seeded(t, "S3")
	an := &fakeAnalyzer{err: orchestrator.ErrAlreadyProcessed}
	s := newTestSubscriber(st, an)

	d := &fakeDelivery{body: []byte(`{"eventId":"E5","submissionId":"S3"}`)}
	s.handle(context.Background(), d)

	assert.True(t, d.acked)
}

func TestHandle_InfrastructureFailureNacksWithRequeue(t *testing.T) {
	st := seeded(t, "S4")
	an := &fakeAnalyzer{err: errors.New("datastore unavailable")}
	s := newTestSubscriber(st, an)

	d := &fakeDelivery{body: []byte(`{"eventId":"E6","submissionId":"S4"}`)}
	s.handle(context.Background(), d)

	assert.False(t, d.acked)
	assert.True(t, d.nacked)
	assert.True(t, d.requeue)
}

func TestHandle_HeadersOverrideEnvelope(t *testing.T) {
	st := seeded(t, "S5")
	an := &fakeAnalyzer{}
	s := newTestSubscriber(st, an)

	d := &fakeDelivery{
		body: []byte(`{"eventId":"body-id","submissionId":"S5"}`),
		headers: amqp.Table{
			"x-event-id":       "header-id",
			"x-correlation-id": "corr-77",
		},
	}
	ev, err := decodeEvent(d)
	require.NoError(t, err)
	assert.Equal(t, "header-id", ev.EventID)
	assert.Equal(t, "corr-77", ev.CorrelationID)
	assert.Equal(t, "S5", ev.SubmissionID)

	s.handle(context.Background(), d)
	assert.True(t, d.acked)
}

// Two deliveries for the same submission must serialize: the second waits on
// the per-id lock and then sees the advanced state.
func TestHandle_SameSubmissionSerializes(t *testing.T) {
	st := seeded(t, "S6")
	release := make(chan struct{})
	an := &fakeAnalyzer{block: release}
	s := newTestSubscriber(st, an)

	d1 := &fakeDelivery{body: []byte(`{"eventId":"E7","submissionId":"S6"}`)}
	d2 := &fakeDelivery{body: []byte(`{"eventId":"E8","submissionId":"S6"}`)}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.handle(context.Background(), d1) }()
	go func() { defer wg.Done(); s.handle(context.Background(), d2) }()

	// Only one handler may be inside Analyze at a time.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&an.inCall))

	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&an.maxSeen))
	assert.True(t, d1.acked)
	assert.True(t, d2.acked)
}

func TestConsume_BoundsConcurrencyAcrossSubmissions(t *testing.T) {
	st := store.NewMemoryStore()
	ids := []string{"A1", "A2", "A3", "A4", "A5"}
	for _, id := range ids {
		_, err := st.CreateSubmission(context.Background(), store.SubmissionInput{
			ID: id, AssignmentID: "a", StudentID: "s", Content: "c",
		})
		require.NoError(t, err)
	}

	release := make(chan struct{})
	an := &fakeAnalyzer{block: release}
	s := New(Config{Workers: 2, ShutdownGrace: time.Second}, st, an)

	deliveries := make(chan amqp.Delivery, len(ids))
	acker := &recordingAcker{}
	for i, id := range ids {
		deliveries <- amqp.Delivery{
			Acknowledger: acker,
			DeliveryTag:  uint64(i + 1),
			Body:         []byte(`{"eventId":"E","submissionId":"` + id + `"}`),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.consume(ctx, deliveries) }()

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&an.maxSeen), int32(2), "worker pool caps the burst")

	close(release)
	assert.Eventually(t, func() bool {
		return int(acker.acks.Load()) == len(ids)
	}, 2*time.Second, 10*time.Millisecond, "replayed backlog fully acked")

	cancel()
	<-done
}

// recordingAcker satisfies amqp.Acknowledger so real amqp.Delivery values can
// flow through consume without a broker.
type recordingAcker struct {
	acks  atomic.Int32
	nacks atomic.Int32
}

func (r *recordingAcker) Ack(tag uint64, multiple bool) error {
	r.acks.Add(1)
	return nil
}

func (r *recordingAcker) Nack(tag uint64, multiple, requeue bool) error {
	r.nacks.Add(1)
	return nil
}
func (r *recordingAcker) Reject(tag uint64, requeue bool) error { return nil }

// Shutdown must stop intake without cutting off an analysis already in
// flight: the handler keeps running inside the grace period and still acks.
func TestConsume_InFlightFinishesWithinGrace(t *testing.T) {
	st := seeded(t, "G1")
	release := make(chan struct{})
	an := &fakeAnalyzer{block: release}
	s := New(Config{Workers: 2, ShutdownGrace: 5 * time.Second}, st, an)

	acker := &recordingAcker{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  1,
		Body:         []byte(`{"eventId":"E","submissionId":"G1"}`),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.consume(ctx, deliveries) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&an.inCall) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&an.cancelled),
		"shutdown must not propagate into the running analysis")

	close(release)
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, acker.acks.Load(), "finished analysis is acked")
	assert.EqualValues(t, 0, acker.nacks.Load())
}

// When the grace period elapses the handler is cancelled and the message
// nacks for redelivery.
func TestConsume_GraceElapsedCancelsHandler(t *testing.T) {
	st := seeded(t, "G2")
	an := &fakeAnalyzer{block: make(chan struct{})} // never released
	s := New(Config{Workers: 2, ShutdownGrace: 100 * time.Millisecond}, st, an)

	acker := &recordingAcker{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  1,
		Body:         []byte(`{"eventId":"E","submissionId":"G2"}`),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.consume(ctx, deliveries) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&an.inCall) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.EqualValues(t, 1, atomic.LoadInt32(&an.cancelled))
	assert.EqualValues(t, 0, acker.acks.Load())
	assert.EqualValues(t, 1, acker.nacks.Load(), "overrunning handler nacks for redelivery")
}

func TestKeyedMutex_IndependentKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.Lock("a")

	got := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		close(got)
		unlockB()
	}()

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("distinct keys must not contend")
	}
	unlockA()

	// Same key does contend until released.
	reacquired := make(chan struct{})
	unlockA2 := km.Lock("a")
	go func() {
		unlock := km.Lock("a")
		close(reacquired)
		unlock()
	}()
	select {
	case <-reacquired:
		t.Fatal("same key acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA2()
	select {
	case <-reacquired:
	case <-time.After(time.Second):
		t.Fatal("lock never handed over")
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "events", cfg.Exchange)
	assert.Equal(t, "submission.created", cfg.Queue)
	assert.Equal(t, "submission.created", cfg.RoutingKey)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, cfg.Workers, cfg.Prefetch)
}
