package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeTransport records delivered batches and fails the next `fail` calls.
type fakeTransport struct {
	mu      sync.Mutex
	fail    int
	batches [][]Event
	calls   chan []Event
	block   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: make(chan []Event, 32)}
}

func (f *fakeTransport) Deliver(ctx context.Context, events []Event) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		f.calls <- events
	}()

	f.batches = append(f.batches, events)
	if f.fail > 0 {
		f.fail--
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeTransport) waitCall(t *testing.T) []Event {
	t.Helper()
	select {
	case events := <-f.calls:
		return events
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func actions(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

func newTestBatcher(t *testing.T, tr Transport, cfg Config) (*Batcher, *ManualScheduler) {
	t.Helper()
	sched := NewManualScheduler()
	b := NewBatcher(tr, cfg, WithScheduler(sched))
	t.Cleanup(func() { b.Close() })
	return b, sched
}

func TestBatcher_FlushDeliversInOrder(t *testing.T) {
	tr := newFakeTransport()
	b, _ := newTestBatcher(t, tr, DefaultConfig())

	b.Enqueue(Event{Action: "e1", Category: "nav"})
	b.Enqueue(Event{Action: "e2", Category: "nav"})
	b.Enqueue(Event{Action: "e3", Category: "nav"})

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 0, b.Len())

	got := actions(tr.waitCall(t))
	if diff := cmp.Diff([]string{"e1", "e2", "e3"}, got); diff != "" {
		t.Errorf("delivered order mismatch (-want +got):\n%s", diff)
	}
}

func TestBatcher_FailedFlushRequeuesAtFront(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = 1
	b, _ := newTestBatcher(t, tr, DefaultConfig())

	b.Enqueue(Event{Action: "e1", Category: "nav"})
	b.Enqueue(Event{Action: "e2", Category: "nav"})
	b.Enqueue(Event{Action: "e3", Category: "nav"})

	err := b.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 3, b.Len())
	tr.waitCall(t)

	b.Enqueue(Event{Action: "e4", Category: "nav"})

	require.NoError(t, b.Flush(context.Background()))
	got := actions(tr.waitCall(t))
	if diff := cmp.Diff([]string{"e1", "e2", "e3", "e4"}, got); diff != "" {
		t.Errorf("retried order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, b.Len())
}

func TestBatcher_ConversionFlushesImmediately(t *testing.T) {
	tr := newFakeTransport()
	b, sched := newTestBatcher(t, tr, DefaultConfig())

	b.Enqueue(Event{Action: "page_view", Category: "nav"})
	b.Enqueue(Event{Action: "ab_test_conversion", Category: CategoryConversion})

	// no tick has fired; the conversion alone triggers delivery
	got := actions(tr.waitCall(t))
	assert.Equal(t, []string{"page_view", "ab_test_conversion"}, got)
	assert.True(t, sched.Active())
}

func TestBatcher_IntervalTickFlushes(t *testing.T) {
	tr := newFakeTransport()
	b, sched := newTestBatcher(t, tr, Config{FlushInterval: 10 * time.Second})

	assert.Equal(t, 10*time.Second, sched.Interval())

	b.Enqueue(Event{Action: "scroll", Category: "engagement"})
	assert.Equal(t, 0, tr.callCount())

	require.True(t, sched.Tick())
	got := actions(tr.waitCall(t))
	assert.Equal(t, []string{"scroll"}, got)
}

func TestBatcher_EmptyBufferSkipsDelivery(t *testing.T) {
	tr := newFakeTransport()
	b, sched := newTestBatcher(t, tr, DefaultConfig())

	require.True(t, sched.Tick())
	require.True(t, sched.Tick())
	require.NoError(t, b.Close())

	assert.Equal(t, 0, tr.callCount())
}

func TestBatcher_IntervalFailureIsRetriedOnNextTick(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = 1
	b, sched := newTestBatcher(t, tr, DefaultConfig())

	b.Enqueue(Event{Action: "e1", Category: "nav"})
	require.True(t, sched.Tick())
	tr.waitCall(t)

	b.Enqueue(Event{Action: "e2", Category: "nav"})
	require.True(t, sched.Tick())
	got := actions(tr.waitCall(t))
	assert.Equal(t, []string{"e1", "e2"}, got)
}

func TestBatcher_DestroyStopsTimerAndFlushes(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newFakeTransport()
	sched := NewManualScheduler()
	b := NewBatcher(tr, DefaultConfig(), WithScheduler(sched))

	b.Enqueue(Event{Action: "e1", Category: "nav"})
	b.Enqueue(Event{Action: "e2", Category: "nav"})

	require.NoError(t, b.Destroy(context.Background()))

	assert.True(t, sched.Stopped())
	assert.False(t, sched.Active())
	assert.False(t, sched.Tick(), "no tick should be accepted after destroy")
	assert.Equal(t, 1, tr.callCount())
	assert.Equal(t, []string{"e1", "e2"}, actions(tr.waitCall(t)))

	// idempotent
	require.NoError(t, b.Destroy(context.Background()))
	assert.Equal(t, 1, tr.callCount())
}

func TestBatcher_DestroyReportsFinalFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newFakeTransport()
	tr.fail = 1
	b := NewBatcher(tr, DefaultConfig(), WithScheduler(NewManualScheduler()))

	b.Enqueue(Event{Action: "e1", Category: "nav"})

	err := b.Destroy(context.Background())
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 1, tr.callCount(), "buffered event attempted exactly once")
	assert.Equal(t, 1, b.Len())
}

func TestBatcher_MaxAttemptsDropsEvents(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = 100
	b, _ := newTestBatcher(t, tr, Config{MaxAttempts: 2})

	b.Enqueue(Event{Action: "e1", Category: "nav"})

	require.Error(t, b.Flush(context.Background()))
	assert.Equal(t, 1, b.Len())

	require.Error(t, b.Flush(context.Background()))
	assert.Equal(t, 0, b.Len())

	// nothing left to deliver
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 2, tr.callCount())
}

func TestBatcher_ZeroMaxAttemptsRetriesForever(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = 20
	b, _ := newTestBatcher(t, tr, Config{MaxAttempts: 0})

	b.Enqueue(Event{Action: "e1", Category: "nav"})
	for i := 0; i < 10; i++ {
		require.Error(t, b.Flush(context.Background()))
		<-tr.calls
	}
	assert.Equal(t, 1, b.Len())
}

func TestBatcher_TimeoutCountsAsFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	b, _ := newTestBatcher(t, tr, Config{FlushTimeout: 20 * time.Millisecond})

	b.Enqueue(Event{Action: "e1", Category: "nav"})

	err := b.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, b.Len())
}

func TestBatcher_EnqueueDuringDeliveryUsesFreshBuffer(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	b, _ := newTestBatcher(t, tr, Config{FlushTimeout: 5 * time.Second})

	b.Enqueue(Event{Action: "e1", Category: "nav"})

	done := make(chan error, 1)
	go func() { done <- b.Flush(context.Background()) }()

	// wait until the batch has been swapped out
	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, time.Millisecond)

	b.Enqueue(Event{Action: "e2", Category: "nav"})
	assert.Equal(t, 1, b.Len())

	close(tr.block)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"e1"}, actions(tr.waitCall(t)))
	assert.Equal(t, 1, b.Len())
}

func TestBatcher_EnqueueCopiesParameters(t *testing.T) {
	tr := newFakeTransport()
	b, _ := newTestBatcher(t, tr, DefaultConfig())

	params := map[string]any{"experiment": "hero"}
	value := 3.0
	b.Enqueue(Event{Action: "e1", Category: "nav", Value: &value, CustomParameters: params})
	params["experiment"] = "mutated"
	value = 9

	require.NoError(t, b.Flush(context.Background()))
	got := tr.waitCall(t)
	require.Len(t, got, 1)
	assert.Equal(t, "hero", got[0].Param("experiment"))
	assert.Equal(t, 3.0, *got[0].Value)
}

func TestBatcher_TimestampAssignedAtEnqueue(t *testing.T) {
	tr := newFakeTransport()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewBatcher(tr, DefaultConfig(), WithScheduler(NewManualScheduler()), WithClock(func() time.Time { return fixed }))
	t.Cleanup(func() { b.Close() })

	b.Enqueue(Event{Action: "e1", Category: "nav", Timestamp: time.Unix(0, 0)})

	require.NoError(t, b.Flush(context.Background()))
	got := tr.waitCall(t)
	assert.True(t, got[0].Timestamp.Equal(fixed))
}
