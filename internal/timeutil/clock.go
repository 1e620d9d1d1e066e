// Package timeutil abstracts the wall clock so heartbeats, token buckets,
// dedup TTLs and track ageing can be driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// Sleep pauses for the specified duration.
	Sleep(d time.Duration)

	// NewTimer creates a Timer that delivers the current time on its
	// channel after at least duration d.
	NewTimer(d time.Duration) Timer

	// NewTicker returns a Ticker delivering the time every d.
	NewTicker(d time.Duration) Ticker
}

// Timer represents a single event timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker holds a channel that delivers ticks at intervals.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (RealClock) Sleep(d time.Duration)           { time.Sleep(d) }

// NewTimer creates a new Timer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

// NewTicker returns a new Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTimer struct{ *time.Timer }

func (t realTimer) C() <-chan time.Time { return t.Timer.C }

type realTicker struct{ *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

// MockClock is a manually controlled clock for testing. Timers and tickers
// created from it fire only when Advance moves the clock past their deadline.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
	added   chan struct{}
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t, added: make(chan struct{}, 64)}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Sleep advances the mock clock by d and returns immediately.
func (c *MockClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// Set moves the clock to t without firing anything.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d and fires every timer or ticker
// whose deadline has been reached. A ticker fires at most once per call.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	waiters := append([]*mockWaiter(nil), c.waiters...)
	c.mu.Unlock()

	for _, w := range waiters {
		w.fire(now)
	}
}

// WaitForWaiters blocks until at least n timers or tickers have been
// created, so a test can advance the clock only after the goroutine under
// test has armed its ticker. It returns false on timeout.
func (c *MockClock) WaitForWaiters(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		have := len(c.waiters)
		c.mu.Unlock()
		if have >= n {
			return true
		}
		select {
		case <-c.added:
		case <-deadline:
			return false
		}
	}
}

// NewTimer creates a one-shot mock timer.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	return mockTimer{c.add(d, false)}
}

// NewTicker creates a periodic mock ticker.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive interval for NewTicker")
	}
	return mockTicker{c.add(d, true)}
}

func (c *MockClock) add(d time.Duration, periodic bool) *mockWaiter {
	c.mu.Lock()
	w := &mockWaiter{
		clock:    c,
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		period:   d,
		periodic: periodic,
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case c.added <- struct{}{}:
	default:
	}
	return w
}

// mockWaiter backs both mock timers and mock tickers.
type mockWaiter struct {
	clock    *MockClock
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	period   time.Duration
	periodic bool
	stopped  bool
}

func (w *mockWaiter) stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := !w.stopped
	w.stopped = true
	return was
}

func (w *mockWaiter) reset(d time.Duration) bool {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	was := !w.stopped
	w.stopped = false
	w.period = d
	w.deadline = now.Add(d)
	return was
}

func (w *mockWaiter) fire(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || now.Before(w.deadline) {
		return
	}
	select {
	case w.ch <- now:
	default: // receiver is behind; drop like time.Ticker does
	}
	if w.periodic {
		w.deadline = now.Add(w.period)
		return
	}
	w.stopped = true
}

type mockTimer struct{ w *mockWaiter }

func (t mockTimer) C() <-chan time.Time        { return t.w.ch }
func (t mockTimer) Stop() bool                 { return t.w.stop() }
func (t mockTimer) Reset(d time.Duration) bool { return t.w.reset(d) }

type mockTicker struct{ w *mockWaiter }

func (t mockTicker) C() <-chan time.Time   { return t.w.ch }
func (t mockTicker) Stop()                 { t.w.stop() }
func (t mockTicker) Reset(d time.Duration) { t.w.reset(d) }
