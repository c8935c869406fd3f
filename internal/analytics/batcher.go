// Package analytics buffers analytics events in memory and delivers them to
// a collector in batches.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrDeliveryFailed wraps every error returned from a failed flush.
var ErrDeliveryFailed = errors.New("delivery failed")

// Transport delivers a batch of events to a collector. Any returned error,
// including a context deadline, counts as a failed delivery.
type Transport interface {
	Deliver(ctx context.Context, events []Event) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, events []Event) error

func (f TransportFunc) Deliver(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// Config controls flush timing and retry behaviour.
type Config struct {
	// FlushInterval is the period of the background flush.
	FlushInterval time.Duration

	// FlushTimeout bounds a single delivery attempt.
	FlushTimeout time.Duration

	// MaxAttempts caps delivery attempts per event. Events that failed this
	// many times are dropped. Zero retries forever; NewBatcher does not
	// substitute DefaultConfig's cap for it.
	MaxAttempts int
}

// DefaultConfig returns a 10 second interval, 5 second timeout and at most
// 5 attempts per event.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 10 * time.Second,
		FlushTimeout:  5 * time.Second,
		MaxAttempts:   5,
	}
}

type pending struct {
	event    Event
	attempts int
}

// Batcher accumulates events and flushes them on a schedule, or right away
// for conversion events. Failed batches are put back at the front of the
// buffer so they are delivered before anything enqueued later.
type Batcher struct {
	cfg       Config
	transport Transport
	scheduler Scheduler
	now       func() time.Time
	log       zerolog.Logger

	mu  sync.Mutex
	buf []pending

	// serializes deliveries so a requeued batch keeps its place
	flushMu sync.Mutex

	urgent    chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	stopTimer func()
	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Batcher.
type Option func(*Batcher)

// WithScheduler replaces the wall-clock ticker.
func WithScheduler(s Scheduler) Option {
	return func(b *Batcher) { b.scheduler = s }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// WithLogger sets the logger used for flush results.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Batcher) { b.log = l }
}

// NewBatcher creates a Batcher and starts its background flush loop.
// Call Destroy to stop it.
func NewBatcher(t Transport, cfg Config, opts ...Option) *Batcher {
	defaults := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaults.FlushTimeout
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}

	b := &Batcher{
		cfg:       cfg,
		transport: t,
		scheduler: TickerScheduler{},
		now:       time.Now,
		log:       zerolog.Nop(),
		urgent:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	ticks, stop := b.scheduler.Every(cfg.FlushInterval)
	b.stopTimer = stop
	go b.run(ticks)

	return b
}

// Enqueue appends e to the buffer. It never waits on the network.
// Conversion events wake the flush loop immediately.
func (b *Batcher) Enqueue(e Event) {
	e = e.clone()
	e.Timestamp = b.now()

	b.mu.Lock()
	b.buf = append(b.buf, pending{event: e})
	b.mu.Unlock()

	if e.Category == CategoryConversion {
		select {
		case b.urgent <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered events.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Flush swaps the buffer for an empty one and delivers the swapped-out
// batch. On failure the batch is requeued and an error wrapping
// ErrDeliveryFailed is returned.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	events := make([]Event, len(batch))
	for i, p := range batch {
		events[i] = p.event
	}

	dctx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
	err := b.transport.Deliver(dctx, events)
	cancel()

	if err != nil {
		dropped := b.requeue(batch)
		if dropped > 0 {
			b.log.Warn().Int("dropped", dropped).Int("max_attempts", b.cfg.MaxAttempts).Msg("Dropping events after repeated delivery failures")
		}
		return fmt.Errorf("%w: %d events: %w", ErrDeliveryFailed, len(events), err)
	}

	b.log.Debug().Int("events", len(events)).Msg("Flushed analytics batch")
	return nil
}

// requeue puts batch back in front of the current buffer, dropping events
// that have used up their attempts. It returns the number dropped.
func (b *Batcher) requeue(batch []pending) int {
	kept := make([]pending, 0, len(batch))
	for _, p := range batch {
		p.attempts++
		if b.cfg.MaxAttempts > 0 && p.attempts >= b.cfg.MaxAttempts {
			continue
		}
		kept = append(kept, p)
	}

	b.mu.Lock()
	b.buf = append(kept, b.buf...)
	b.mu.Unlock()

	return len(batch) - len(kept)
}

func (b *Batcher) run(ticks <-chan time.Time) {
	defer close(b.stopped)

	for {
		select {
		case <-b.done:
			return
		case <-ticks:
			b.flushInBackground("interval")
		case <-b.urgent:
			b.flushInBackground("conversion")
		}
	}
}

func (b *Batcher) flushInBackground(trigger string) {
	if err := b.Flush(context.Background()); err != nil {
		b.log.Warn().Err(err).Str("trigger", trigger).Int("buffered", b.Len()).Msg("Analytics flush failed, batch requeued")
	}
}

// Destroy stops the flush timer and the background loop, then makes one
// final flush attempt of whatever is still buffered. It is safe to call
// more than once; later calls return the first result.
func (b *Batcher) Destroy(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.stopTimer()
		close(b.done)
		<-b.stopped

		if err := b.Flush(ctx); err != nil {
			b.log.Warn().Err(err).Int("buffered", b.Len()).Msg("Final analytics flush failed")
			b.closeErr = err
		}
	})
	return b.closeErr
}

// Close is Destroy with a background context.
func (b *Batcher) Close() error {
	return b.Destroy(context.Background())
}
