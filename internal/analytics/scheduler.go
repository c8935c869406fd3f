package analytics

import (
	"sync"
	"time"
)

// Scheduler drives the periodic flush. Every returns a channel that fires
// once per interval and a function that stops it.
type Scheduler interface {
	Every(d time.Duration) (<-chan time.Time, func())
}

// TickerScheduler is the wall-clock Scheduler backed by time.Ticker.
type TickerScheduler struct{}

func (TickerScheduler) Every(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ManualScheduler fires only when Tick is called. It lets tests advance
// the flush timer deterministically.
type ManualScheduler struct {
	mu       sync.Mutex
	ch       chan time.Time
	started  bool
	stopped  bool
	interval time.Duration
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{ch: make(chan time.Time)}
}

func (m *ManualScheduler) Every(d time.Duration) (<-chan time.Time, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.interval = d
	return m.ch, func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
	}
}

// Tick delivers one timer tick and blocks until the batcher loop has
// received it. It returns false if the schedule was stopped.
func (m *ManualScheduler) Tick() bool {
	if m.Stopped() {
		return false
	}
	select {
	case m.ch <- time.Now():
		return true
	case <-time.After(time.Second):
		return false
	}
}

// Stopped reports whether the stop function has been called.
func (m *ManualScheduler) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Active reports whether a schedule is running.
func (m *ManualScheduler) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.stopped
}

// Interval returns the interval passed to Every.
func (m *ManualScheduler) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}
