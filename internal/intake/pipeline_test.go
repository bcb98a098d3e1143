package intake

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wis2sub/internal/broker"
	"wis2sub/internal/filter"
	"wis2sub/internal/logger"
	"wis2sub/internal/wnm"
	apperrors "wis2sub/pkg/errors"
)

// fakeSubscriber drives the pipeline from a test without a broker.
type fakeSubscriber struct {
	mu       sync.Mutex
	connects int
	failNext int // number of Connect calls to fail before succeeding

	messages chan broker.RawMessage
	lost     chan error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		messages: make(chan broker.RawMessage, 16),
		lost:     make(chan error, 1),
	}
}

func (f *fakeSubscriber) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failNext > 0 {
		f.failNext--
		return apperrors.ErrTransport.WithDetail("message", "connection refused")
	}
	return nil
}

func (f *fakeSubscriber) Messages() <-chan broker.RawMessage { return f.messages }
func (f *fakeSubscriber) ConnectionLost() <-chan error       { return f.lost }
func (f *fakeSubscriber) Disconnect(time.Duration) error     { return nil }

func (f *fakeSubscriber) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeSubscriber) deliver(topic string, payload []byte) {
	f.messages <- broker.RawMessage{Topic: topic, Payload: payload, Received: time.Now()}
}

// fakeSink records accepted notifications and can fail on demand.
type fakeSink struct {
	mu       sync.Mutex
	accepted []wnm.Notification
	failFor  map[string]error // keyed by notification ID
}

func newFakeSink() *fakeSink {
	return &fakeSink{failFor: map[string]error{}}
}

func (s *fakeSink) Accept(_ context.Context, n wnm.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[n.ID]; ok {
		return err
	}
	s.accepted = append(s.accepted, n)
	return nil
}

func (s *fakeSink) acceptedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.accepted))
	for _, n := range s.accepted {
		ids = append(ids, n.ID)
	}
	return ids
}

func notificationPayload(id, pubtime, dataID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "Feature",
		"conformsTo": ["http://wis.wmo.int/spec/wnm/1/conf/core"],
		"properties": {
			"pubtime": %q,
			"data_id": %q
		},
		"links": [
			{"href": "https://example.int/data.bufr", "rel": "canonical"}
		]
	}`, id, pubtime, dataID))
}

func testCriteria(t *testing.T, topics []string) *filter.Criteria {
	t.Helper()
	c, err := filter.NewCriteria(topics, nil, filter.TimeWindow{}, filter.ModeAll)
	require.NoError(t, err)
	return c
}

func newTestPipeline(t *testing.T, sub broker.Subscriber, s Sink, criteria *filter.Criteria, reporter Reporter, opts Options) *Pipeline {
	t.Helper()
	validator := wnm.NewValidator(wnm.WithMaxFutureSkew(24 * time.Hour))
	return New(sub, validator, criteria, s, reporter, logger.NopLogger(), opts)
}

func waitForOutcomes(t *testing.T, reporter *CounterReporter, want uint64) map[Status]uint64 {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		snapshot := reporter.Snapshot()
		var total uint64
		for _, n := range snapshot {
			total += n
		}
		if total >= want {
			return snapshot
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d outcomes, have %v", want, snapshot)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPipelineOutcomePerMessage(t *testing.T) {
	sub := newFakeSubscriber()
	sink := newFakeSink()
	reporter := NewCounterReporter()
	criteria := testCriteria(t, []string{"cache/a/wis2/+/data/core/#"})

	opts := DefaultOptions()
	opts.Concurrency = 1
	opts.DrainTimeout = time.Second

	p := newTestPipeline(t, sub, sink, criteria, reporter, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	now := time.Now().UTC().Format(time.RFC3339)

	// One message per terminal outcome short of dispatch failure.
	sub.deliver("cache/a/wis2/de-dwd/data/core/weather",
		notificationPayload("5b1b2c86-bb22-46b5-a8db-16a0bcd3d1d3", now, "wis2/de-dwd/data/core/weather"))
	sub.deliver("origin/a/wis2/fr/data/core/ocean",
		notificationPayload("9de0cf51-07c9-41ee-b486-10b12f69b03c", now, "wis2/fr/data/core/ocean"))
	sub.deliver("cache/a/wis2/de-dwd/data/core/weather", []byte(`{not json`))
	sub.deliver("cache/a/wis2/de-dwd/data/core/weather",
		notificationPayload("not-a-uuid", now, "wis2/de-dwd/data/core/weather"))

	snapshot := waitForOutcomes(t, reporter, 4)
	assert.EqualValues(t, 1, snapshot[StatusDispatched])
	assert.EqualValues(t, 1, snapshot[StatusFilteredOut])
	assert.EqualValues(t, 1, snapshot[StatusDecodeFailed])
	assert.EqualValues(t, 1, snapshot[StatusValidationFailed])

	assert.Equal(t, []string{"5b1b2c86-bb22-46b5-a8db-16a0bcd3d1d3"}, sink.acceptedIDs())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, p.State())
}

func TestPipelineNoSilentLossOnSinkFailure(t *testing.T) {
	sub := newFakeSubscriber()
	sink := newFakeSink()
	sink.failFor["8f1e9a04-6f57-4a57-9f0e-2ab11a49b60e"] = apperrors.ErrDispatch.
		WithDetail("message", "sink unavailable")
	reporter := NewCounterReporter()
	criteria := testCriteria(t, nil)

	opts := DefaultOptions()
	opts.DrainTimeout = time.Second

	p := newTestPipeline(t, sub, sink, criteria, reporter, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	now := time.Now().UTC().Format(time.RFC3339)
	sub.deliver("cache/a/wis2/x/data/core/t",
		notificationPayload("8f1e9a04-6f57-4a57-9f0e-2ab11a49b60e", now, "wis2/x/data/core/t"))
	sub.deliver("cache/a/wis2/x/data/core/t",
		notificationPayload("0af5be63-9d0d-4d34-9b06-5ed0cf1f7a55", now, "wis2/x/data/core/t"))

	snapshot := waitForOutcomes(t, reporter, 2)
	assert.EqualValues(t, 1, snapshot[StatusDispatchFailed])
	assert.EqualValues(t, 1, snapshot[StatusDispatched])

	cancel()
	require.NoError(t, <-done)
}

func TestPipelineReconnectsAfterConnectionLoss(t *testing.T) {
	sub := newFakeSubscriber()
	sink := newFakeSink()
	reporter := NewCounterReporter()
	criteria := testCriteria(t, nil)

	opts := DefaultOptions()
	opts.DrainTimeout = time.Second
	opts.Reconnect.InitialInterval = time.Millisecond
	opts.Reconnect.MaxInterval = 5 * time.Millisecond

	p := newTestPipeline(t, sub, sink, criteria, reporter, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.State() == StateSubscribed },
		2*time.Second, 10*time.Millisecond)

	sub.lost <- apperrors.ErrTransport.WithDetail("message", "broker went away")

	require.Eventually(t, func() bool { return sub.connectCount() >= 2 },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.State() == StateSubscribed },
		2*time.Second, 10*time.Millisecond)

	// Messages still flow after the reconnect.
	now := time.Now().UTC().Format(time.RFC3339)
	sub.deliver("cache/a/wis2/x/data/core/t",
		notificationPayload("1d9a2ce3-49b3-4d5f-a7d0-bd19f20cdd48", now, "wis2/x/data/core/t"))
	waitForOutcomes(t, reporter, 1)

	cancel()
	require.NoError(t, <-done)
}

func TestPipelineConnectBackoffExhausted(t *testing.T) {
	sub := newFakeSubscriber()
	sub.failNext = 10
	reporter := NewCounterReporter()
	criteria := testCriteria(t, nil)

	opts := DefaultOptions()
	opts.Reconnect.InitialInterval = time.Millisecond
	opts.Reconnect.MaxInterval = 2 * time.Millisecond
	opts.Reconnect.MaxAttempts = 3

	p := newTestPipeline(t, sub, newFakeSink(), criteria, reporter, opts)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.Equal(t, 3, sub.connectCount())
}

func TestPipelineDispatchRetrySucceedsEventually(t *testing.T) {
	sub := newFakeSubscriber()
	reporter := NewCounterReporter()
	criteria := testCriteria(t, nil)

	var mu sync.Mutex
	failures := 2
	sink := sinkFunc(func(ctx context.Context, n wnm.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return apperrors.ErrDispatch.WithDetail("message", "transient")
		}
		return nil
	})

	opts := DefaultOptions()
	opts.DrainTimeout = time.Second
	opts.RetryDispatch = true
	opts.DispatchRetry.MaxAttempts = 5
	opts.DispatchRetry.InitialInterval = time.Millisecond
	opts.DispatchRetry.MaxInterval = 2 * time.Millisecond

	p := newTestPipeline(t, sub, sink, criteria, reporter, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	now := time.Now().UTC().Format(time.RFC3339)
	sub.deliver("cache/a/wis2/x/data/core/t",
		notificationPayload("c7a4b7be-14c0-4f58-8cf3-9b2da47fbcd6", now, "wis2/x/data/core/t"))

	snapshot := waitForOutcomes(t, reporter, 1)
	assert.EqualValues(t, 1, snapshot[StatusDispatched])

	cancel()
	require.NoError(t, <-done)
}

func TestPipelinePanickingSinkIsContained(t *testing.T) {
	sub := newFakeSubscriber()
	reporter := NewCounterReporter()
	criteria := testCriteria(t, nil)

	sink := sinkFunc(func(_ context.Context, n wnm.Notification) error {
		if n.ID == "8f1e9a04-6f57-4a57-9f0e-2ab11a49b60e" {
			panic("sink exploded")
		}
		return nil
	})

	opts := DefaultOptions()
	opts.Concurrency = 1
	opts.DrainTimeout = time.Second

	p := newTestPipeline(t, sub, sink, criteria, reporter, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	now := time.Now().UTC().Format(time.RFC3339)
	sub.deliver("cache/a/wis2/x/data/core/t",
		notificationPayload("8f1e9a04-6f57-4a57-9f0e-2ab11a49b60e", now, "wis2/x/data/core/t"))
	sub.deliver("cache/a/wis2/x/data/core/t",
		notificationPayload("0af5be63-9d0d-4d34-9b06-5ed0cf1f7a55", now, "wis2/x/data/core/t"))

	snapshot := waitForOutcomes(t, reporter, 2)
	assert.EqualValues(t, 1, snapshot[StatusDispatchFailed])
	assert.EqualValues(t, 1, snapshot[StatusDispatched])

	cancel()
	require.NoError(t, <-done)
}

func TestPipelineMalformedGeometryIsIsolated(t *testing.T) {
	sub := newFakeSubscriber()
	sink := newFakeSink()
	reporter := NewCounterReporter()
	criteria := testCriteria(t, nil)

	opts := DefaultOptions()
	opts.DrainTimeout = time.Second

	p := newTestPipeline(t, sub, sink, criteria, reporter, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	now := time.Now().UTC().Format(time.RFC3339)
	sub.deliver("cache/a/wis2/x/data/core/t", []byte(fmt.Sprintf(`{
		"id": "31e9d66a-cd83-4be0-8603-a5e4dd4d4e14",
		"geometry": {"type": "Polygon", "coordinates": [[[]]]},
		"properties": {"pubtime": %q, "data_id": "wis2/x/data/core/t"},
		"links": []
	}`, now)))
	sub.deliver("cache/a/wis2/x/data/core/t",
		notificationPayload("0af5be63-9d0d-4d34-9b06-5ed0cf1f7a55", now, "wis2/x/data/core/t"))

	snapshot := waitForOutcomes(t, reporter, 2)
	assert.EqualValues(t, 1, snapshot[StatusDecodeFailed])
	assert.EqualValues(t, 1, snapshot[StatusDispatched])

	cancel()
	require.NoError(t, <-done)
}

func TestPipelineDrainCompletesInFlightDispatch(t *testing.T) {
	sub := newFakeSubscriber()
	reporter := NewCounterReporter()
	criteria := testCriteria(t, nil)

	started := make(chan struct{})
	sink := sinkFunc(func(_ context.Context, _ wnm.Notification) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	opts := DefaultOptions()
	opts.Concurrency = 1
	opts.DrainTimeout = 2 * time.Second

	p := newTestPipeline(t, sub, sink, criteria, reporter, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	now := time.Now().UTC().Format(time.RFC3339)
	sub.deliver("cache/a/wis2/x/data/core/t",
		notificationPayload("c7a4b7be-14c0-4f58-8cf3-9b2da47fbcd6", now, "wis2/x/data/core/t"))

	<-started
	cancel()
	require.NoError(t, <-done)

	// The dispatch that was in flight when shutdown began finished inside
	// the drain window.
	snapshot := reporter.Snapshot()
	assert.EqualValues(t, 1, snapshot[StatusDispatched])
	assert.EqualValues(t, 0, snapshot[StatusDispatchFailed])
}

func TestPipelineShutdownReportsQueuedMessage(t *testing.T) {
	sub := newFakeSubscriber()
	reporter := NewCounterReporter()
	criteria := testCriteria(t, nil)

	var once sync.Once
	started := make(chan struct{})
	sink := sinkFunc(func(ctx context.Context, _ wnm.Notification) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})

	opts := DefaultOptions()
	opts.Concurrency = 1
	opts.DrainTimeout = 100 * time.Millisecond

	p := newTestPipeline(t, sub, sink, criteria, reporter, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	now := time.Now().UTC().Format(time.RFC3339)
	sub.deliver("cache/a/wis2/x/data/core/t",
		notificationPayload("8f1e9a04-6f57-4a57-9f0e-2ab11a49b60e", now, "wis2/x/data/core/t"))
	<-started
	sub.deliver("cache/a/wis2/x/data/core/t",
		notificationPayload("0af5be63-9d0d-4d34-9b06-5ed0cf1f7a55", now, "wis2/x/data/core/t"))

	// Wait until the second message is off the channel and parked on the
	// concurrency semaphore, then shut down.
	require.Eventually(t, func() bool { return len(sub.messages) == 0 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// Both the blocked dispatch and the message still waiting for a worker
	// slot got an outcome; nothing was dropped silently.
	snapshot := reporter.Snapshot()
	assert.EqualValues(t, 2, snapshot[StatusDispatchFailed])
	assert.EqualValues(t, 0, snapshot[StatusDispatched])
}

type sinkFunc func(ctx context.Context, n wnm.Notification) error

func (f sinkFunc) Accept(ctx context.Context, n wnm.Notification) error { return f(ctx, n) }
