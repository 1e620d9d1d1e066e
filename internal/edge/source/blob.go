package source

import (
	"context"
	"encoding/json"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sentinel/internal/model"
)

// BlobBackend is a stand-in detector for dev mode. It reports the bounding
// box of pixels well above the frame's mean brightness as a single object,
// answering in the detector's JSON shape so the Center's normalisation path
// is exercised.
type BlobBackend struct {
	Label    string
	Sigmas   float64 // threshold = mean + Sigmas*stddev
	MinPixel int     // smaller blobs are ignored
}

// NewBlobBackend returns a backend labelling blobs as label.
func NewBlobBackend(label string) *BlobBackend {
	return &BlobBackend{Label: label, Sigmas: 3, MinPixel: 16}
}

type blobDetection struct {
	Box        [4]float64 `json:"box"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
}

// Infer implements detect.Backend.
func (b *BlobBackend) Infer(ctx context.Context, f *model.Frame) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dets := []blobDetection{}
	if f.Valid() {
		if box, n, ok := b.find(f); ok {
			dets = append(dets, blobDetection{
				Box:        box,
				Label:      b.Label,
				Confidence: confidence(n, f.Width*f.Height),
			})
		}
	}
	return json.Marshal(map[string]any{"detections": dets})
}

func (b *BlobBackend) find(f *model.Frame) ([4]float64, int, bool) {
	vals := make([]float64, len(f.Luma))
	for i, v := range f.Luma {
		vals[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(vals, nil)
	threshold := mean + b.Sigmas*std
	if std == 0 {
		return [4]float64{}, 0, false
	}

	minX, minY, maxX, maxY := f.Width, f.Height, -1, -1
	n := 0
	for y := 0; y < f.Height; y++ {
		row := vals[y*f.Width : (y+1)*f.Width]
		for x, v := range row {
			if v <= threshold {
				continue
			}
			n++
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if n < b.MinPixel {
		return [4]float64{}, n, false
	}
	return [4]float64{float64(minX), float64(minY), float64(maxX + 1), float64(maxY + 1)}, n, true
}

// confidence grows with blob area and saturates at 0.95.
func confidence(pixels, total int) float64 {
	c := 0.6 + 40*float64(pixels)/float64(total)
	return min(c, 0.95)
}
