// Package motion implements the cheap change pre-filter that runs ahead of
// the detector on the Center and decides what gets buffered on the Edge
// while the link is down.
//
// The gate keeps one reference per asset: the block-mean luma of the last
// frame it saw. A frame is significant when the fraction of blocks whose
// mean moved by more than LumaDelta exceeds Threshold.
package motion

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/model"
)

// Config controls gate sensitivity.
type Config struct {
	Threshold float64 // fraction of changed blocks, [0,1]
	BlockSize int     // block edge in pixels
	LumaDelta float64 // per-block mean change that counts as "changed"
}

// CenterConfig reads the Center gate settings from tuning.
func CenterConfig(t *config.TuningConfig) Config {
	return Config{
		Threshold: t.GetMotionThreshold(),
		BlockSize: t.GetMotionBlockSize(),
		LumaDelta: t.GetMotionLumaDelta(),
	}
}

// EdgeConfig reads the Edge SilentWatch gate settings from tuning. The Edge
// shares block geometry with the Center but uses its own threshold.
func EdgeConfig(t *config.TuningConfig) Config {
	c := CenterConfig(t)
	c.Threshold = t.GetEdgeMotionThreshold()
	return c
}

// Reason explains a Decision.
type Reason string

const (
	ReasonBaseline Reason = "baseline" // first frame or resolution change
	ReasonChanged  Reason = "changed"
	ReasonStill    Reason = "still"
	ReasonInvalid  Reason = "invalid" // luma plane does not match dimensions
)

// Decision is the outcome of Evaluate. Score is the changed-block fraction.
type Decision struct {
	Significant bool
	Score       float64
	Reason      Reason
}

type reference struct {
	width, height int
	means         []float64
}

// Gate compares each frame with the previous frame from the same asset.
// It is safe for concurrent use.
type Gate struct {
	cfg Config

	mu   sync.Mutex
	last map[string]*reference
}

// NewGate returns a gate with no asset history.
func NewGate(cfg Config) *Gate {
	if cfg.BlockSize < 1 {
		cfg.BlockSize = 1
	}
	return &Gate{cfg: cfg, last: make(map[string]*reference)}
}

// Evaluate classifies f against the prior frame of the same asset and makes
// f the new reference. Invalid frames leave the reference untouched.
func (g *Gate) Evaluate(f *model.Frame) Decision {
	if f == nil || !f.Valid() {
		return Decision{Reason: ReasonInvalid}
	}
	means := blockMeans(f, g.cfg.BlockSize)

	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.last[f.AssetID]
	g.last[f.AssetID] = &reference{width: f.Width, height: f.Height, means: means}
	if !ok || prev.width != f.Width || prev.height != f.Height {
		return Decision{Significant: true, Score: 1, Reason: ReasonBaseline}
	}

	changed := 0
	for i, m := range means {
		if math.Abs(m-prev.means[i]) > g.cfg.LumaDelta {
			changed++
		}
	}
	score := float64(changed) / float64(len(means))
	if score > g.cfg.Threshold {
		return Decision{Significant: true, Score: score, Reason: ReasonChanged}
	}
	return Decision{Score: score, Reason: ReasonStill}
}

// Forget drops the reference for an asset that left the site.
func (g *Gate) Forget(assetID string) {
	g.mu.Lock()
	delete(g.last, assetID)
	g.mu.Unlock()
}

// Assets returns how many assets currently have a reference frame.
func (g *Gate) Assets() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}

// blockMeans splits the luma plane into size×size blocks (edge blocks may be
// smaller) and returns their mean intensity in row-major block order.
func blockMeans(f *model.Frame, size int) []float64 {
	bw := (f.Width + size - 1) / size
	bh := (f.Height + size - 1) / size
	out := make([]float64, 0, bw*bh)
	px := make([]float64, 0, size*size)

	for by := 0; by < bh; by++ {
		y0, y1 := by*size, min((by+1)*size, f.Height)
		for bx := 0; bx < bw; bx++ {
			x0, x1 := bx*size, min((bx+1)*size, f.Width)
			px = px[:0]
			for y := y0; y < y1; y++ {
				row := f.Luma[y*f.Width : (y+1)*f.Width]
				for x := x0; x < x1; x++ {
					px = append(px, float64(row[x]))
				}
			}
			out = append(out, stat.Mean(px, nil))
		}
	}
	return out
}
