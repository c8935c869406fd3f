package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/headline-goat/abkit/internal/analytics"
	"github.com/headline-goat/abkit/internal/experiment"
	"github.com/headline-goat/abkit/internal/storage"
)

var ctaVariants = []string{"start_your_transformation", "discover_your_story", "elevate_your_brand"}

type collector struct {
	mu      sync.Mutex
	fail    bool
	batches [][]analytics.Event
	calls   chan struct{}
}

func newCollector() *collector {
	return &collector{calls: make(chan struct{}, 16)}
}

func (c *collector) Deliver(_ context.Context, events []analytics.Event) error {
	c.mu.Lock()
	c.batches = append(c.batches, events)
	fail := c.fail
	c.mu.Unlock()

	defer func() { c.calls <- struct{}{} }()
	if fail {
		return errors.New("network down")
	}
	return nil
}

func (c *collector) setFail(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = v
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func (c *collector) last() []analytics.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[len(c.batches)-1]
}

func newTestTracker(t *testing.T, c *collector, kv storage.KV) (*Tracker, *analytics.ManualScheduler) {
	t.Helper()
	sched := analytics.NewManualScheduler()
	tr := New(context.Background(), Options{
		Transport: c,
		Storage:   kv,
		Scheduler: sched,
		Rand:      func() float64 { return 0.5 },
	})
	return tr, sched
}

func TestTracker_BrandStoryScenario_Success(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	c := newCollector()
	kv := storage.NewMemory()
	tr, _ := newTestTracker(t, c, kv)

	variant, err := tr.Experiments().GetVariant(ctx, "brand_story_cta", ctaVariants, nil)
	require.NoError(t, err)
	assert.Equal(t, "discover_your_story", variant)
	assert.Equal(t, 1, tr.Pending(), "one participation event")

	stored, err := kv.Get(ctx, experiment.KeyPrefix+"brand_story_cta")
	require.NoError(t, err)
	assert.Equal(t, variant, stored)

	tr.Experiments().TrackConversion(ctx, "brand_story_cta", "cta_click")
	c.wait(t)

	batch := c.last()
	require.Len(t, batch, 2)
	assert.Equal(t, experiment.ActionParticipation, batch[0].Action)
	assert.Equal(t, experiment.ActionConversion, batch[1].Action)
	assert.Equal(t, variant, batch[1].Param("variant"))
	assert.Equal(t, tr.Identity().SessionID, batch[1].SessionID)
	assert.Equal(t, tr.Identity().UserID, batch[1].UserID)

	require.Eventually(t, func() bool { return tr.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, tr.Close(ctx))
}

func TestTracker_BrandStoryScenario_Failure(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	c := newCollector()
	tr, sched := newTestTracker(t, c, storage.NewMemory())

	_, err := tr.Experiments().GetVariant(ctx, "brand_story_cta", ctaVariants, nil)
	require.NoError(t, err)

	c.setFail(true)
	tr.Experiments().TrackConversion(ctx, "brand_story_cta", "cta_click")
	c.wait(t)

	// the failed batch is back in the buffer for the next interval
	require.Eventually(t, func() bool { return tr.Pending() == 2 }, time.Second, time.Millisecond)

	c.setFail(false)
	require.True(t, sched.Tick())
	c.wait(t)

	batch := c.last()
	require.Len(t, batch, 2)
	assert.Equal(t, experiment.ActionConversion, batch[1].Action)

	require.NoError(t, tr.Close(ctx))
	assert.True(t, sched.Stopped())
}

func TestTracker_StableAcrossTrackers(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	kv := storage.NewMemory()

	first, _ := newTestTracker(t, newCollector(), kv)
	v1, err := first.Experiments().GetVariant(ctx, "hero", ctaVariants, nil)
	require.NoError(t, err)
	user := first.Identity().UserID
	require.NoError(t, first.Close(ctx))

	second := New(ctx, Options{
		Transport: newCollector(),
		Storage:   kv,
		Scheduler: analytics.NewManualScheduler(),
		Rand:      func() float64 { return 0.99 },
	})
	v2, err := second.Experiments().GetVariant(ctx, "hero", ctaVariants, nil)
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, user, second.Identity().UserID)
	assert.NotEqual(t, first.Identity().SessionID, second.Identity().SessionID)
	assert.Equal(t, 0, second.Pending(), "cache hit emits no participation")
	require.NoError(t, second.Close(ctx))
}

func TestTracker_TrackEngagementThrottled(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c := newCollector()
	tr := New(ctx, Options{
		Transport:          c,
		Storage:            storage.NewMemory(),
		Scheduler:          analytics.NewManualScheduler(),
		EngagementInterval: time.Second,
		Now:                func() time.Time { return now },
	})
	defer tr.Close(ctx)

	assert.True(t, tr.TrackEngagement("scroll_depth", "50%", 50))
	assert.False(t, tr.TrackEngagement("scroll_depth", "75%", 75))
	assert.True(t, tr.TrackEngagement("section_visible", "hero", 1))

	now = now.Add(time.Second)
	assert.True(t, tr.TrackEngagement("scroll_depth", "100%", 100))

	assert.Equal(t, 3, tr.Pending())
}

func TestTracker_TrackStampsIdentity(t *testing.T) {
	ctx := context.Background()
	c := newCollector()
	tr, _ := newTestTracker(t, c, storage.NewMemory())

	tr.Track("page_view", "navigation", "/services", map[string]any{"referrer": "home"})
	require.NoError(t, tr.Flush(ctx))
	c.wait(t)

	batch := c.last()
	require.Len(t, batch, 1)
	assert.Equal(t, tr.Identity().SessionID, batch[0].SessionID)
	assert.Equal(t, "home", batch[0].Param("referrer"))
	require.NoError(t, tr.Close(ctx))
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []analytics.Event
}

func (f *fakeSender) Send(_ context.Context, e analytics.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, e)
	return nil
}

func TestTracker_SenderPostsConversionsDirectly(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	c := newCollector()
	sender := &fakeSender{}
	tr := New(ctx, Options{
		Transport: c,
		Storage:   storage.NewMemory(),
		Sender:    sender,
		Scheduler: analytics.NewManualScheduler(),
		Rand:      func() float64 { return 0.5 },
	})

	variant, err := tr.Experiments().GetVariant(ctx, "brand_story_cta", ctaVariants, nil)
	require.NoError(t, err)
	tr.Experiments().TrackConversion(ctx, "brand_story_cta", "cta_click")

	require.Len(t, sender.sent, 1)
	sent := sender.sent[0]
	assert.Equal(t, experiment.ActionConversion, sent.Action)
	assert.Equal(t, variant, sent.Param("variant"))
	assert.Equal(t, tr.Identity().UserID, sent.UserID)
	assert.False(t, sent.Timestamp.IsZero())

	assert.Equal(t, 1, tr.Pending(), "participation stays buffered")
	require.NoError(t, tr.Close(ctx))
	require.Len(t, c.batches, 1)
	assert.Equal(t, experiment.ActionParticipation, c.batches[0][0].Action)
}

func TestTracker_SenderFailureFallsBackToBatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	c := newCollector()
	tr := New(ctx, Options{
		Transport: c,
		Storage:   storage.NewMemory(),
		Sender:    &fakeSender{err: errors.New("event endpoint down")},
		Scheduler: analytics.NewManualScheduler(),
		Rand:      func() float64 { return 0.5 },
	})

	_, err := tr.Experiments().GetVariant(ctx, "brand_story_cta", ctaVariants, nil)
	require.NoError(t, err)
	tr.Experiments().TrackConversion(ctx, "brand_story_cta", "cta_click")
	c.wait(t)

	batch := c.last()
	require.Len(t, batch, 2)
	assert.Equal(t, experiment.ActionConversion, batch[1].Action)
	require.NoError(t, tr.Close(ctx))
}

func TestTracker_ZeroBatchConfigCapsAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	c := newCollector()
	c.setFail(true)
	tr := New(ctx, Options{
		Transport: c,
		Storage:   storage.NewMemory(),
		Scheduler: analytics.NewManualScheduler(),
	})

	tr.Track("page_view", "navigation", "/", nil)

	attempts := analytics.DefaultConfig().MaxAttempts
	for i := 1; i <= attempts; i++ {
		assert.ErrorIs(t, tr.Flush(ctx), analytics.ErrDeliveryFailed)
		c.wait(t)
		if i < attempts {
			assert.Equal(t, 1, tr.Pending(), "attempt %d", i)
		}
	}

	assert.Equal(t, 0, tr.Pending(), "dropped after the default attempt cap")
	require.NoError(t, tr.Close(ctx))
}
