// Package admission sheds load at the front of the Center pipeline with a
// leaky bucket: tokens refill at a fixed rate up to a burst ceiling and
// every admitted item spends one. When the bucket is empty the newest item
// is dropped. Admit never blocks.
package admission

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

// ErrDropped is returned by Admit when the bucket is empty. It is a normal
// load-shedding signal, not a failure.
var ErrDropped = errors.New("admission: dropped")

// Stats is a snapshot of the controller counters.
type Stats struct {
	Accepted uint64
	Dropped  uint64
	Tokens   float64
}

// Controller is a token bucket safe for concurrent use.
type Controller struct {
	rate  float64 // tokens per second
	burst float64
	clock timeutil.Clock
	m     *monitoring.Metrics

	mu       sync.Mutex
	tokens   float64
	last     time.Time
	accepted uint64
	dropped  uint64
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock injects a clock; tests use timeutil.MockClock.
func WithClock(c timeutil.Clock) Option { return func(ac *Controller) { ac.clock = c } }

// WithMetrics wires Prometheus counters.
func WithMetrics(m *monitoring.Metrics) Option { return func(ac *Controller) { ac.m = m } }

// New returns a controller that starts with a full bucket.
func New(rate float64, burst int, opts ...Option) *Controller {
	c := &Controller{
		rate:  rate,
		burst: float64(burst),
		clock: timeutil.RealClock{},
	}
	for _, o := range opts {
		o(c)
	}
	c.m = monitoring.OrNew(c.m)
	c.tokens = c.burst
	c.last = c.clock.Now()
	return c
}

// FromTuning builds a controller from admission_rate and admission_burst.
func FromTuning(t *config.TuningConfig, opts ...Option) *Controller {
	return New(t.GetAdmissionRate(), t.GetAdmissionBurst(), opts...)
}

// Admit spends one token, or returns ErrDropped when none is available.
func (c *Controller) Admit() error {
	c.mu.Lock()
	c.refill()
	if c.tokens < 1 {
		c.dropped++
		c.mu.Unlock()
		c.m.AdmissionDropped.Inc()
		return ErrDropped
	}
	c.tokens--
	c.accepted++
	c.mu.Unlock()
	c.m.AdmissionAccepted.Inc()
	return nil
}

// refill must be called with mu held.
func (c *Controller) refill() {
	now := c.clock.Now()
	elapsed := now.Sub(c.last).Seconds()
	if elapsed <= 0 {
		return
	}
	c.last = now
	c.tokens += elapsed * c.rate
	if c.tokens > c.burst {
		c.tokens = c.burst
	}
}

// Stats returns the counters and the current token level.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refill()
	return Stats{Accepted: c.accepted, Dropped: c.dropped, Tokens: c.tokens}
}
