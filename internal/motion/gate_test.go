package motion

import (
	"sync"
	"testing"

	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/model"
)

func flatFrame(asset string, w, h int, v byte) *model.Frame {
	luma := make([]byte, w*h)
	for i := range luma {
		luma[i] = v
	}
	return &model.Frame{AssetID: asset, Width: w, Height: h, Luma: luma}
}

// paint sets a rectangle of the frame to v.
func paint(f *model.Frame, x0, y0, x1, y1 int, v byte) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			f.Luma[y*f.Width+x] = v
		}
	}
}

func testGate() *Gate {
	return NewGate(Config{Threshold: 0.02, BlockSize: 8, LumaDelta: 25})
}

func TestFirstFrameIsBaseline(t *testing.T) {
	g := testGate()
	d := g.Evaluate(flatFrame("CAM", 64, 48, 100))
	if !d.Significant || d.Reason != ReasonBaseline {
		t.Errorf("first frame: %+v, want significant baseline", d)
	}
}

func TestStillSceneIsInsignificant(t *testing.T) {
	g := testGate()
	g.Evaluate(flatFrame("CAM", 64, 48, 100))
	// Sensor noise well below the luma delta.
	d := g.Evaluate(flatFrame("CAM", 64, 48, 110))
	if d.Significant || d.Reason != ReasonStill || d.Score != 0 {
		t.Errorf("still frame: %+v", d)
	}
}

func TestMovingObjectIsSignificant(t *testing.T) {
	g := testGate()
	g.Evaluate(flatFrame("CAM", 64, 48, 100))

	f := flatFrame("CAM", 64, 48, 100)
	paint(f, 16, 16, 32, 32, 220) // four 8x8 blocks out of 48
	d := g.Evaluate(f)
	if !d.Significant || d.Reason != ReasonChanged {
		t.Fatalf("moving frame: %+v", d)
	}
	if want := 4.0 / 48.0; d.Score != want {
		t.Errorf("Score = %f, want %f", d.Score, want)
	}
}

func TestThresholdIsStrict(t *testing.T) {
	// One changed block out of 48 is ~0.0208; a threshold at exactly that
	// value must not trigger.
	g := NewGate(Config{Threshold: 1.0 / 48.0, BlockSize: 8, LumaDelta: 25})
	g.Evaluate(flatFrame("CAM", 64, 48, 100))
	f := flatFrame("CAM", 64, 48, 100)
	paint(f, 0, 0, 8, 8, 0)
	if d := g.Evaluate(f); d.Significant {
		t.Errorf("score equal to threshold should be insignificant: %+v", d)
	}
}

func TestResolutionChangeRebaselines(t *testing.T) {
	g := testGate()
	g.Evaluate(flatFrame("CAM", 64, 48, 100))
	d := g.Evaluate(flatFrame("CAM", 32, 24, 100))
	if !d.Significant || d.Reason != ReasonBaseline {
		t.Errorf("resolution change: %+v", d)
	}
}

func TestAssetsAreIsolated(t *testing.T) {
	g := testGate()
	g.Evaluate(flatFrame("A", 16, 16, 0))
	// B has never been seen so its first frame is a baseline even though
	// it equals A's frame.
	if d := g.Evaluate(flatFrame("B", 16, 16, 0)); d.Reason != ReasonBaseline {
		t.Errorf("B first frame: %+v", d)
	}
	if d := g.Evaluate(flatFrame("A", 16, 16, 0)); d.Significant {
		t.Errorf("A second frame: %+v", d)
	}
	if g.Assets() != 2 {
		t.Errorf("Assets() = %d, want 2", g.Assets())
	}
	g.Forget("A")
	if g.Assets() != 1 {
		t.Errorf("Assets() after Forget = %d, want 1", g.Assets())
	}
}

func TestInvalidFrameKeepsReference(t *testing.T) {
	g := testGate()
	g.Evaluate(flatFrame("CAM", 16, 16, 50))

	bad := &model.Frame{AssetID: "CAM", Width: 16, Height: 16, Luma: []byte{1, 2, 3}}
	if d := g.Evaluate(bad); d.Significant || d.Reason != ReasonInvalid {
		t.Errorf("invalid frame: %+v", d)
	}
	if d := g.Evaluate(flatFrame("CAM", 16, 16, 50)); d.Reason != ReasonStill {
		t.Errorf("reference was disturbed by invalid frame: %+v", d)
	}
	if d := g.Evaluate(nil); d.Reason != ReasonInvalid {
		t.Errorf("nil frame: %+v", d)
	}
}

func TestPartialEdgeBlocks(t *testing.T) {
	got := blockMeans(flatFrame("CAM", 10, 10, 40), 8)
	if len(got) != 4 {
		t.Fatalf("len(blockMeans) = %d, want 4", len(got))
	}
	for i, m := range got {
		if m != 40 {
			t.Errorf("block %d mean = %f, want 40", i, m)
		}
	}
}

func TestConfigFromTuning(t *testing.T) {
	tc := config.DefaultTuningConfig()
	c, e := CenterConfig(tc), EdgeConfig(tc)
	if c.Threshold != 0.02 || e.Threshold != 0.05 {
		t.Errorf("thresholds center=%f edge=%f", c.Threshold, e.Threshold)
	}
	if c.BlockSize != e.BlockSize || c.LumaDelta != e.LumaDelta {
		t.Error("edge and center should share block geometry")
	}
}

func TestConcurrentEvaluate(t *testing.T) {
	g := testGate()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			asset := string(rune('A' + i))
			for j := 0; j < 50; j++ {
				g.Evaluate(flatFrame(asset, 16, 16, byte(j)))
			}
		}(i)
	}
	wg.Wait()
	if g.Assets() != 8 {
		t.Errorf("Assets() = %d, want 8", g.Assets())
	}
}
