// Package detect adapts an object-detection backend into normalized
// detections. Backend failures never propagate: a failed call yields a
// Result with no detections and an outcome the pipeline can count, while
// the adapter tracks consecutive failures and reports backend health.
package detect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/health"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

var (
	// ErrInferenceUnavailable means the backend could not be reached or
	// returned an unusable response.
	ErrInferenceUnavailable = errors.New("detect: inference unavailable")
	// ErrInferenceTimeout means the backend did not answer within the
	// configured deadline.
	ErrInferenceTimeout = errors.New("detect: inference timeout")
)

// Backend runs inference on one frame and returns the raw response body.
type Backend interface {
	Infer(ctx context.Context, f *model.Frame) ([]byte, error)
}

// Outcome classifies a detector call.
type Outcome int

const (
	OK Outcome = iota
	Unavailable
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of one Detect call. Detections is empty unless
// Outcome is OK; Err wraps ErrInferenceUnavailable or ErrInferenceTimeout
// otherwise.
type Result struct {
	Outcome    Outcome
	Detections []model.Detection
	Err        error
	Latency    time.Duration
}

// Config holds the adapter thresholds.
type Config struct {
	Timeout        time.Duration
	MinConfidence  float64
	UnhealthyAfter int
}

// ConfigFromTuning fills Config from the tuning file.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{
		Timeout:        t.GetDetectorTimeout(),
		MinConfidence:  t.GetMinDetectionConfidence(),
		UnhealthyAfter: t.GetDetectorUnhealthyAfter(),
	}
}

// Adapter wraps a Backend with deadline, normalization and health tracking.
// It is safe for concurrent use by several pipeline shards.
type Adapter struct {
	backend Backend
	cfg     Config
	clock   timeutil.Clock
	logger  *zap.Logger
	m       *monitoring.Metrics
	health  health.Setter

	mu          sync.Mutex
	consecutive int
	healthy     bool
}

// Option customises an Adapter.
type Option func(*Adapter)

func WithClock(c timeutil.Clock) Option        { return func(a *Adapter) { a.clock = c } }
func WithLogger(l *zap.Logger) Option          { return func(a *Adapter) { a.logger = l } }
func WithMetrics(m *monitoring.Metrics) Option { return func(a *Adapter) { a.m = m } }
func WithHealth(h health.Setter) Option        { return func(a *Adapter) { a.health = h } }

// NewAdapter builds an adapter that starts healthy.
func NewAdapter(b Backend, cfg Config, opts ...Option) *Adapter {
	if cfg.UnhealthyAfter < 1 {
		cfg.UnhealthyAfter = 1
	}
	a := &Adapter{
		backend: b,
		cfg:     cfg,
		clock:   timeutil.RealClock{},
		health:  health.Nop{},
		healthy: true,
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = monitoring.OrNop(a.logger)
	a.m = monitoring.OrNew(a.m)
	a.m.DetectorHealthy.Set(1)
	return a
}

// Detect runs the backend on f. It never returns an error directly; failed
// calls are reported through Result.
func (a *Adapter) Detect(ctx context.Context, f *model.Frame) Result {
	callCtx := ctx
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	start := a.clock.Now()
	body, err := a.backend.Infer(callCtx, f)
	latency := a.clock.Since(start)
	a.m.DetectorLatency.Observe(latency.Seconds())

	var res Result
	res.Latency = latency
	switch {
	case err != nil && ctx.Err() != nil:
		// Shutdown, not a backend fault.
		res.Outcome = Unavailable
		res.Err = fmt.Errorf("%w: %w", ErrInferenceUnavailable, ctx.Err())
		return res
	case err != nil && isTimeout(err):
		res.Outcome = Timeout
		res.Err = fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	case err != nil:
		res.Outcome = Unavailable
		res.Err = fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	default:
		dets, perr := Normalize(body, f)
		if perr != nil {
			res.Outcome = Unavailable
			res.Err = fmt.Errorf("%w: %v", ErrInferenceUnavailable, perr)
			break
		}
		res.Detections = filterConfidence(dets, a.cfg.MinConfidence)
	}

	a.m.DetectorRequests.WithLabelValues(res.Outcome.String()).Inc()
	a.record(f, res)
	return res
}

// Healthy reports whether fewer than UnhealthyAfter consecutive calls failed.
func (a *Adapter) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}

// ConsecutiveFailures returns the current failure streak.
func (a *Adapter) ConsecutiveFailures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consecutive
}

func (a *Adapter) record(f *model.Frame, res Result) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if res.Outcome == OK {
		a.consecutive = 0
		if !a.healthy {
			a.healthy = true
			a.m.DetectorHealthy.Set(1)
			a.health.Set(health.ServiceDetector, true)
			a.logger.Info("detector recovered", zap.String("frame_id", f.ID()))
		}
		return
	}

	a.consecutive++
	a.logger.Debug("detector call failed",
		zap.String("frame_id", f.ID()),
		zap.Stringer("outcome", res.Outcome),
		zap.Int("consecutive", a.consecutive),
		zap.Error(res.Err),
	)
	if a.healthy && a.consecutive >= a.cfg.UnhealthyAfter {
		a.healthy = false
		a.m.DetectorHealthy.Set(0)
		a.health.Set(health.ServiceDetector, false)
		a.logger.Warn("detector unhealthy",
			zap.Int("consecutive_failures", a.consecutive),
			zap.Error(res.Err),
		)
	}
}

func filterConfidence(dets []model.Detection, floor float64) []model.Detection {
	out := dets[:0]
	for _, d := range dets {
		if d.Confidence >= floor {
			out = append(out, d)
		}
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
