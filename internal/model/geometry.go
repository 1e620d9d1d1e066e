package model

import "math"

// BBox is an axis-aligned box in frame pixel coordinates, X1<=X2, Y1<=Y2.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Normalize returns the box with corners ordered.
func (b BBox) Normalize() BBox {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

func (b BBox) Width() float64  { return math.Max(0, b.X2-b.X1) }
func (b BBox) Height() float64 { return math.Max(0, b.Y2-b.Y1) }
func (b BBox) Area() float64   { return b.Width() * b.Height() }

// Center returns the box centre point.
func (b BBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Translate shifts the box by (dx, dy).
func (b BBox) Translate(dx, dy float64) BBox {
	return BBox{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

// IoU returns the intersection-over-union of two boxes in [0, 1].
func IoU(a, b BBox) float64 {
	ix := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	iy := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
