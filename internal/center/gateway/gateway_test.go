package gateway

import (
	"encoding/json"
	"encoding/xml"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testManifest = `
site_name: NORTH_COMPOUND
center_coordinates: [34.0522, -118.2437]
assets:
  - id: CAM_01
    connection: {ip: 10.0.0.21}
    spatial: {lat: 34.0525, lon: -118.2440, heading: 90, fov: 60}
    tags: [gate]
`

func newTestGateway(t *testing.T) (*Gateway, *timeutil.MockClock) {
	t.Helper()
	m, err := config.ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	clock := timeutil.NewMockClock(t0.Add(time.Minute))
	return New(Config{}, m, WithClock(clock)), clock
}

func testTrack() model.Track {
	d := model.Detection{
		AssetID:    "CAM_01",
		Box:        model.BBox{X1: 220, Y1: 100, X2: 260, Y2: 180}, // centre x = 240 of 320
		Label:      "person",
		Confidence: 0.87,
		CapturedAt: t0,
		FrameWidth: 320, FrameHeight: 240,
	}
	return model.Track{
		ID: "trk_abc", AssetID: "CAM_01", State: model.TrackConfirmed,
		History: []model.Detection{d}, Hits: 3, FirstSeen: t0, LastSeen: t0,
		Label: "person", Confidence: 0.87, Detections: 3, MaxConfidence: 0.9,
	}
}

var (
	cotTimeAttr      = regexp.MustCompile(` time="[^"]*"`)
	translatedAtProp = regexp.MustCompile(`"translated_at":"[^"]*"`)
)

func TestRepeatedTranslationDiffersOnlyInTimestamp(t *testing.T) {
	g, clock := newTestGateway(t)
	tr := testTrack()

	for _, f := range Formats {
		t.Run(string(f), func(t *testing.T) {
			a, err := g.TranslateTrack(tr, f)
			require.NoError(t, err)
			clock.Advance(1500 * time.Millisecond)
			b, err := g.TranslateTrack(tr, f)
			require.NoError(t, err)

			require.NotEqual(t, string(a.Body), string(b.Body), "translation time should differ")
			strip := cotTimeAttr
			if f == FormatGeoJSON {
				strip = translatedAtProp
			}
			assert.Equal(t,
				strip.ReplaceAllString(string(a.Body), ""),
				strip.ReplaceAllString(string(b.Body), ""))
			assert.Equal(t, a.CorrelationID, b.CorrelationID)
			assert.Greater(t, b.Seq, a.Seq)
		})
	}
}

func TestCorrelationIDIsStablePerTrack(t *testing.T) {
	assert.Equal(t, CorrelationID("trk_1"), CorrelationID("trk_1"))
	assert.NotEqual(t, CorrelationID("trk_1"), CorrelationID("trk_2"))

	g, _ := newTestGateway(t)
	tr := testTrack()
	rec, err := g.TranslateTrack(tr, FormatCoT)
	require.NoError(t, err)
	alert, err := g.TranslateAlert(model.AlertEvent{TrackID: tr.ID, AssetID: tr.AssetID,
		Kind: model.AlertTrackConfirmed, Label: "person", Timestamp: t0, Confidence: 0.87}, FormatCoT)
	require.NoError(t, err)
	assert.Equal(t, rec.CorrelationID, alert.CorrelationID, "alerts share the track's correlation id")
}

func TestCoTLayout(t *testing.T) {
	g, _ := newTestGateway(t)
	rec, err := g.TranslateTrack(testTrack(), FormatCoT)
	require.NoError(t, err)

	var ev cotEvent
	require.NoError(t, xml.Unmarshal(rec.Body, &ev))
	assert.Equal(t, "2.0", ev.Version)
	assert.Equal(t, CorrelationID("trk_abc"), ev.UID)
	assert.Equal(t, "a-h-G", ev.Type)
	assert.Equal(t, "2026-03-01T12:01:00.000Z", ev.Time)
	assert.Equal(t, "2026-03-01T12:00:00.000Z", ev.Start)
	assert.Equal(t, "2026-03-01T12:05:00.000Z", ev.Stale)
	assert.Equal(t, "34.0525", ev.Point.Lat)
	assert.Equal(t, "-118.244", ev.Point.Lon)
	assert.Equal(t, "105", ev.Detail.Sensor.Azimuth, "heading 90 + 0.25 * fov 60")
	assert.Equal(t, "trk_abc", ev.Detail.Sentinel.TrackID)
	assert.True(t, ev.Detail.Sentinel.AssetKnown)
	assert.Equal(t, "Detected person with confidence 0.87", ev.Detail.Remarks)
}

func TestCoTTypeMapping(t *testing.T) {
	g, _ := newTestGateway(t)
	tr := testTrack()
	tr.Label = "car"
	rec, err := g.TranslateTrack(tr, FormatCoT)
	require.NoError(t, err)

	var ev cotEvent
	require.NoError(t, xml.Unmarshal(rec.Body, &ev))
	assert.Equal(t, "a-u-G", ev.Type)

	custom := New(Config{TypeMap: map[string]string{"car": "a-n-G-E-V"}}, nil)
	rec, err = custom.TranslateTrack(tr, FormatCoT)
	require.NoError(t, err)
	require.NoError(t, xml.Unmarshal(rec.Body, &ev))
	assert.Equal(t, "a-n-G-E-V", ev.Type)
}

func TestUnknownAssetStillTranslates(t *testing.T) {
	g, _ := newTestGateway(t)
	tr := testTrack()
	tr.AssetID = "CAM_99"

	rec, err := g.TranslateTrack(tr, FormatGeoJSON)
	require.NoError(t, err)

	var feat struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(rec.Body, &feat))
	assert.Equal(t, []float64{0, 0}, feat.Geometry.Coordinates)
	assert.Equal(t, false, feat.Properties["asset_known"])
	assert.Equal(t, "CAM_99", feat.Properties["asset_id"])
}

func TestGeoJSONFeature(t *testing.T) {
	g, _ := newTestGateway(t)
	rec, err := g.TranslateTrack(testTrack(), FormatGeoJSON)
	require.NoError(t, err)

	var feat struct {
		Type     string `json:"type"`
		ID       string `json:"id"`
		Geometry struct {
			Type        string    `json:"type"`
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(rec.Body, &feat))
	assert.Equal(t, "Feature", feat.Type)
	assert.Equal(t, rec.CorrelationID, feat.ID)
	assert.Equal(t, "Point", feat.Geometry.Type)
	assert.Equal(t, []float64{-118.244, 34.0525}, feat.Geometry.Coordinates)
	assert.Equal(t, 105.0, feat.Properties["bearing"])
	assert.Equal(t, "confirmed", feat.Properties["state"])
	assert.Equal(t, 3.0, feat.Properties["detections"])
	assert.Equal(t, "2026-03-01T12:01:00Z", feat.Properties["translated_at"])
}

func TestSequenceFollowsProductionOrder(t *testing.T) {
	g, _ := newTestGateway(t)
	var last uint64
	for i := 0; i < 5; i++ {
		for _, f := range Formats {
			rec, err := g.TranslateTrack(testTrack(), f)
			require.NoError(t, err)
			assert.Equal(t, last+1, rec.Seq)
			last = rec.Seq
		}
	}
}

func TestUnknownFormat(t *testing.T) {
	g, _ := newTestGateway(t)
	_, err := g.TranslateTrack(testTrack(), Format("kml"))
	assert.Error(t, err)
}

func TestBearingWraps(t *testing.T) {
	assert.Equal(t, 350.0, normalizeDegrees(-10))
	assert.Equal(t, 10.0, normalizeDegrees(370))
	assert.Equal(t, 0.0, normalizeDegrees(360))
}

func TestAssetCollection(t *testing.T) {
	m, err := config.ParseManifest([]byte(testManifest))
	require.NoError(t, err)

	var assets []model.Asset
	for _, id := range m.AssetIDs() {
		a, _ := m.Asset(id)
		assets = append(assets, a)
	}
	body, err := AssetCollection(assets, func(id string) AssetStatus {
		return AssetStatus{State: "live", Detections: 2}
	})
	require.NoError(t, err)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(body, &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	p := fc.Features[0].Properties
	assert.Equal(t, "CAM_01", p["id"])
	assert.Equal(t, "live", p["status"])
	assert.Equal(t, 2.0, p["detections"])
	assert.Equal(t, []any{"gate"}, p["tags"])
}
