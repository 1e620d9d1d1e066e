package gateway

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/sentinel/internal/model"
)

func encodeFeature(s subject, p pose, corr string, now time.Time) ([]byte, error) {
	f := geojson.NewFeature(orb.Point{p.lon, p.lat})
	f.ID = corr
	f.Properties = geojson.Properties{
		"correlation_id": corr,
		"track_id":       s.trackID,
		"asset_id":       s.assetID,
		"kind":           s.kind,
		"label":          s.label,
		"state":          s.state,
		"confidence":     s.confidence,
		"event_time":     s.at.UTC().Format(time.RFC3339Nano),
		"bearing":        p.bearing,
		"fov":            p.fov,
		"asset_known":    p.known,
		"translated_at":  now.Format(time.RFC3339Nano),
	}
	if s.kind == "track" {
		f.Properties["detections"] = s.detections
	}
	return f.MarshalJSON()
}

// AssetStatus is the live view of one asset for the map overlay.
type AssetStatus struct {
	State      string // link state as last reported by the Edge
	Detections int    // live tracks on the asset
}

// AssetCollection renders the site's assets as a FeatureCollection with
// pose, FOV, link status and detection count, in the order given.
func AssetCollection(assets []model.Asset, status func(assetID string) AssetStatus) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, a := range assets {
		st := AssetStatus{State: "unknown"}
		if status != nil {
			st = status(a.ID)
		}
		tags := a.Tags
		if tags == nil {
			tags = []string{}
		}
		f := geojson.NewFeature(orb.Point{a.Longitude, a.Latitude})
		f.ID = a.ID
		f.Properties = geojson.Properties{
			"id":         a.ID,
			"heading":    a.Heading,
			"fov":        a.FOV,
			"detections": st.Detections,
			"status":     st.State,
			"tags":       tags,
		}
		fc.Append(f)
	}
	return fc.MarshalJSON()
}
