package detect

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/banshee-data/sentinel/internal/model"
)

// rawItem is one detector output entry before normalization. Backends
// disagree on field names, so every alternative spelling is accepted.
type rawItem struct {
	Box        json.RawMessage `json:"box"`
	BBox       json.RawMessage `json:"bbox"`
	Label      string          `json:"label"`
	Name       string          `json:"name"`
	Confidence *float64        `json:"confidence"`
	Score      *float64        `json:"score"`
	ID         json.RawMessage `json:"id"`
	TrackID    json.RawMessage `json:"track_id"`
}

type rawEnvelope struct {
	Detections []json.RawMessage `json:"detections"`
}

// Normalize parses a detector response body into detections for f. The
// body may be either {"detections": [...]} or a bare array. Entries without
// a usable box are skipped; a body that is not JSON is an error.
func Normalize(body []byte, f *model.Frame) ([]model.Detection, error) {
	items, err := splitItems(body)
	if err != nil {
		return nil, err
	}
	out := make([]model.Detection, 0, len(items))
	for _, raw := range items {
		var it rawItem
		if err := json.Unmarshal(raw, &it); err != nil {
			continue
		}
		boxRaw := it.Box
		if len(boxRaw) == 0 {
			boxRaw = it.BBox
		}
		box, ok := parseBox(boxRaw)
		if !ok {
			continue
		}
		d := model.Detection{
			FrameID:     f.ID(),
			AssetID:     f.AssetID,
			Box:         box,
			Label:       firstNonEmpty(it.Label, it.Name, "unknown"),
			DetectorID:  firstNonEmpty(rawID(it.ID), rawID(it.TrackID)),
			CapturedAt:  f.CapturedAt,
			FrameWidth:  f.Width,
			FrameHeight: f.Height,
		}
		switch {
		case it.Confidence != nil:
			d.Confidence = *it.Confidence
		case it.Score != nil:
			d.Confidence = *it.Score
		}
		out = append(out, d)
	}
	return out, nil
}

func splitItems(body []byte) ([]json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}
	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	return env.Detections, nil
}

// parseBox accepts [x1,y1,x2,y2], {"x1","y1","x2","y2"} or {"x","y","w","h"}.
func parseBox(raw json.RawMessage) (model.BBox, bool) {
	if len(raw) == 0 {
		return model.BBox{}, false
	}
	var arr []float64
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 4 {
			return model.BBox{}, false
		}
		return model.BBox{X1: arr[0], Y1: arr[1], X2: arr[2], Y2: arr[3]}.Normalize(), true
	}
	var obj map[string]float64
	if err := json.Unmarshal(raw, &obj); err != nil {
		return model.BBox{}, false
	}
	if has(obj, "x1", "y1", "x2", "y2") {
		return model.BBox{X1: obj["x1"], Y1: obj["y1"], X2: obj["x2"], Y2: obj["y2"]}.Normalize(), true
	}
	if has(obj, "x", "y", "w", "h") {
		if obj["w"] < 0 || obj["h"] < 0 {
			return model.BBox{}, false
		}
		return model.BBox{X1: obj["x"], Y1: obj["y"], X2: obj["x"] + obj["w"], Y2: obj["y"] + obj["h"]}, true
	}
	return model.BBox{}, false
}

func has(m map[string]float64, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

// rawID renders a string or numeric id; anything else is dropped.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
