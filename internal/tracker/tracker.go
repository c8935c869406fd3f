// Package tracker wires one event batcher, one experiment assigner and the
// visitor identity into a single object owned by the caller.
package tracker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/headline-goat/abkit/internal/analytics"
	"github.com/headline-goat/abkit/internal/experiment"
	"github.com/headline-goat/abkit/internal/identity"
	"github.com/headline-goat/abkit/internal/storage"
	"github.com/headline-goat/abkit/internal/throttle"
)

// Sender delivers a single event outside the batch, such as
// transport.HTTP posting to its event URL.
type Sender interface {
	Send(ctx context.Context, e analytics.Event) error
}

// Options configures a Tracker. Transport and Storage are required.
type Options struct {
	Transport analytics.Transport

	// Batch defaults to analytics.DefaultConfig when left zero.
	Batch analytics.Config

	// Sender, when set, posts conversion events on their own instead of
	// waking the batch flush. Events it fails to deliver are buffered.
	Sender Sender

	// Storage is the long-lived store for assignments and the user id.
	Storage storage.KV

	// Session holds the session id. Defaults to an in-memory store, so
	// each Tracker is a new session.
	Session storage.KV

	// EngagementInterval throttles TrackEngagement per action.
	EngagementInterval time.Duration

	Scheduler analytics.Scheduler
	Rand      func() float64
	Now       func() time.Time
	Logger    *zerolog.Logger
}

// Tracker is the per-client analytics context.
type Tracker struct {
	batcher     *analytics.Batcher
	sender      Sender
	sendTimeout time.Duration
	now         func() time.Time
	experiments *experiment.Assigner
	throttle    *throttle.Throttler
	identity    identity.Identity
	log         zerolog.Logger
}

func New(ctx context.Context, opts Options) *Tracker {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	if opts.Session == nil {
		opts.Session = storage.NewMemory()
	}
	if opts.EngagementInterval <= 0 {
		opts.EngagementInterval = time.Second
	}
	if opts.Batch == (analytics.Config{}) {
		opts.Batch = analytics.DefaultConfig()
	}
	sendTimeout := opts.Batch.FlushTimeout
	if sendTimeout <= 0 {
		sendTimeout = analytics.DefaultConfig().FlushTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	batchOpts := []analytics.Option{analytics.WithLogger(log)}
	if opts.Scheduler != nil {
		batchOpts = append(batchOpts, analytics.WithScheduler(opts.Scheduler))
	}
	if opts.Now != nil {
		batchOpts = append(batchOpts, analytics.WithClock(opts.Now))
	}

	t := &Tracker{
		batcher:     analytics.NewBatcher(opts.Transport, opts.Batch, batchOpts...),
		sender:      opts.Sender,
		sendTimeout: sendTimeout,
		now:         now,
		throttle:    throttle.New(opts.EngagementInterval, opts.Now),
		identity:    identity.Load(ctx, opts.Session, opts.Storage, identity.Generator{Now: opts.Now}, log),
		log:         log,
	}

	expOpts := []experiment.Option{experiment.WithLogger(log)}
	if opts.Rand != nil {
		expOpts = append(expOpts, experiment.WithRand(opts.Rand))
	}
	t.experiments = experiment.NewAssigner(opts.Storage, t, expOpts...)

	return t
}

// Enqueue stamps the visitor identity on e and buffers it. Conversions go
// through the Sender first when one is configured.
func (t *Tracker) Enqueue(e analytics.Event) {
	if e.SessionID == "" {
		e.SessionID = t.identity.SessionID
	}
	if e.UserID == "" {
		e.UserID = t.identity.UserID
	}
	if t.sender != nil && e.Category == analytics.CategoryConversion && t.send(e) {
		return
	}
	t.batcher.Enqueue(e)
}

func (t *Tracker) send(e analytics.Event) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.sendTimeout)
	defer cancel()

	if err := t.sender.Send(ctx, e); err != nil {
		t.log.Warn().Err(err).Str("action", e.Action).Msg("Direct send failed, buffering event")
		return false
	}
	return true
}

// Track records a generic event.
func (t *Tracker) Track(action, category, label string, params map[string]any) {
	t.Enqueue(analytics.Event{
		Action:           action,
		Category:         category,
		Label:            label,
		CustomParameters: params,
	})
}

// TrackEngagement records a high-frequency event such as scroll depth or
// section visibility, at most once per interval per action. It reports
// whether the event was recorded.
func (t *Tracker) TrackEngagement(action, label string, value float64) bool {
	if !t.throttle.Allow(action) {
		return false
	}
	t.Enqueue(analytics.Event{
		Action:   action,
		Category: "engagement",
		Label:    label,
		Value:    analytics.Float(value),
	})
	return true
}

// Experiments returns the assigner bound to this tracker.
func (t *Tracker) Experiments() *experiment.Assigner {
	return t.experiments
}

// Identity returns the session and user ids stamped on events.
func (t *Tracker) Identity() identity.Identity {
	return t.identity
}

// Pending returns the number of buffered events.
func (t *Tracker) Pending() int {
	return t.batcher.Len()
}

// Flush delivers buffered events now.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.batcher.Flush(ctx)
}

// Close stops background flushing and makes a final delivery attempt.
func (t *Tracker) Close(ctx context.Context) error {
	return t.batcher.Destroy(ctx)
}
