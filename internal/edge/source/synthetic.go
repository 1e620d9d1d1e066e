// Package source produces frames for an Edge node running without a
// camera. Synthetic renders a dim noisy scene crossed at intervals by one
// bright object, which is enough to exercise the motion gate, the buffer
// and, paired with BlobBackend on the Center, detection and tracking.
package source

import (
	"context"
	"math/rand"
	"time"

	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

// Config shapes the synthetic scene.
type Config struct {
	AssetID    string
	Width      int
	Height     int
	FPS        float64
	ObjectSize int     // edge of the square object, pixels
	Speed      float64 // pixels per frame
	IdleFrames int     // empty frames between two passes of the object
	Background byte
	Noise      int // max absolute per-pixel noise
	Seed       int64
}

// DefaultConfig returns a 320x240 scene at 5 fps.
func DefaultConfig(assetID string) Config {
	return Config{
		AssetID:    assetID,
		Width:      320,
		Height:     240,
		FPS:        5,
		ObjectSize: 24,
		Speed:      8,
		IdleFrames: 25,
		Background: 40,
		Noise:      3,
		Seed:       1,
	}
}

// Synthetic generates frames. It is not safe for concurrent use.
type Synthetic struct {
	cfg   Config
	clock timeutil.Clock
	rng   *rand.Rand

	counter uint64
	x       float64 // object left edge; negative while idle
	idle    int
}

// Option customises a Synthetic.
type Option func(*Synthetic)

func WithClock(c timeutil.Clock) Option { return func(s *Synthetic) { s.clock = c } }

// New builds a generator. The object enters on the first frame.
func New(cfg Config, opts ...Option) *Synthetic {
	def := DefaultConfig(cfg.AssetID)
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.ObjectSize <= 0 {
		cfg.ObjectSize = def.ObjectSize
	}
	cfg.ObjectSize = min(cfg.ObjectSize, cfg.Width, cfg.Height)
	if cfg.Speed <= 0 {
		cfg.Speed = def.Speed
	}
	s := &Synthetic{
		cfg:   cfg,
		clock: timeutil.RealClock{},
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Interval is the time between two frames.
func (s *Synthetic) Interval() time.Duration {
	return time.Duration(float64(time.Second) / s.cfg.FPS)
}

// ObjectVisible reports whether the next frame will contain the object.
func (s *Synthetic) ObjectVisible() bool { return s.idle == 0 }

// Next renders the next frame and advances the scene.
func (s *Synthetic) Next() *model.Frame {
	w, h := s.cfg.Width, s.cfg.Height
	luma := make([]byte, w*h)
	for i := range luma {
		v := int(s.cfg.Background)
		if s.cfg.Noise > 0 {
			v += s.rng.Intn(2*s.cfg.Noise+1) - s.cfg.Noise
		}
		luma[i] = byte(max(0, min(255, v)))
	}

	if s.idle == 0 {
		size := s.cfg.ObjectSize
		x0 := int(s.x)
		y0 := (h - size) / 2
		for y := y0; y < y0+size; y++ {
			for x := max(0, x0); x < min(w, x0+size); x++ {
				luma[y*w+x] = 220
			}
		}
	}

	s.counter++
	f := &model.Frame{
		AssetID:    s.cfg.AssetID,
		CapturedAt: s.clock.Now(),
		Counter:    s.counter,
		Width:      w,
		Height:     h,
		Luma:       luma,
	}
	s.advance()
	return f
}

func (s *Synthetic) advance() {
	if s.idle > 0 {
		s.idle--
		if s.idle == 0 {
			s.x = 0
		}
		return
	}
	s.x += s.cfg.Speed
	if int(s.x) >= s.cfg.Width {
		s.idle = max(1, s.cfg.IdleFrames)
	}
}

// Run emits frames at the configured rate until ctx is done. emit returning
// false counts as a dropped frame but does not stop the source.
func (s *Synthetic) Run(ctx context.Context, emit func(*model.Frame) bool) error {
	ticker := s.clock.NewTicker(s.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			emit(s.Next())
		}
	}
}
