package detect

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/sentinel/internal/model"
)

func testFrame() *model.Frame {
	return &model.Frame{
		AssetID:    "CAM_01",
		Counter:    7,
		CapturedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Width:      4,
		Height:     4,
		Luma:       make([]byte, 16),
	}
}

func TestNormalize(t *testing.T) {
	f := testFrame()
	base := model.Detection{FrameID: "CAM_01/7", AssetID: "CAM_01", CapturedAt: f.CapturedAt, FrameWidth: 4, FrameHeight: 4}
	with := func(box model.BBox, label string, conf float64, id string) model.Detection {
		d := base
		d.Box, d.Label, d.Confidence, d.DetectorID = box, label, conf, id
		return d
	}

	tests := []struct {
		name string
		body string
		want []model.Detection
	}{
		{
			name: "envelope with array box",
			body: `{"detections":[{"box":[10,20,30,40],"label":"person","confidence":0.9}]}`,
			want: []model.Detection{with(model.BBox{X1: 10, Y1: 20, X2: 30, Y2: 40}, "person", 0.9, "")},
		},
		{
			name: "bare array with corners object and name",
			body: `[{"bbox":{"x1":30,"y1":40,"x2":10,"y2":20},"name":"car","score":0.7,"id":12}]`,
			want: []model.Detection{with(model.BBox{X1: 10, Y1: 20, X2: 30, Y2: 40}, "car", 0.7, "12")},
		},
		{
			name: "xywh box and string track_id",
			body: `{"detections":[{"box":{"x":5,"y":5,"w":10,"h":20},"label":"dog","confidence":0.6,"track_id":"t-3"}]}`,
			want: []model.Detection{with(model.BBox{X1: 5, Y1: 5, X2: 15, Y2: 25}, "dog", 0.6, "t-3")},
		},
		{
			name: "missing label",
			body: `[{"box":[0,0,1,1],"confidence":0.8}]`,
			want: []model.Detection{with(model.BBox{X2: 1, Y2: 1}, "unknown", 0.8, "")},
		},
		{
			name: "unusable boxes skipped",
			body: `[{"box":[1,2,3]},{"label":"person"},{"box":{"x":1}},{"box":{"x":0,"y":0,"w":-1,"h":2}}]`,
			want: []model.Detection{},
		},
		{
			name: "empty envelope",
			body: `{"detections":[]}`,
			want: []model.Detection{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize([]byte(tt.body), f)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeRejectsNonJSON(t *testing.T) {
	if _, err := Normalize([]byte("<html>oops</html>"), testFrame()); err == nil {
		t.Fatal("expected error for non-JSON body")
	}
}
