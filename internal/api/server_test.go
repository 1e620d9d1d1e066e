package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sentinel/internal/center/ingest"
	"github.com/banshee-data/sentinel/internal/center/sinks"
	"github.com/banshee-data/sentinel/internal/center/tracks"
	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/db"
	"github.com/banshee-data/sentinel/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const manifestYAML = `
site_name: TEST_SITE
center_coordinates: [30.0, -97.0]
assets:
  - id: CAM_01
    spatial: {lat: 30.1, lon: -97.1, heading: 45, fov: 60}
    tags: [gate]
  - id: CAM_02
    spatial: {lat: 30.2, lon: -97.2, heading: 90, fov: 75}
`

type fakeLinks map[string]ingest.Link

func (f fakeLinks) Links() []ingest.Link {
	out := make([]ingest.Link, 0, len(f))
	for _, id := range []string{"CAM_01", "CAM_02"} {
		if l, ok := f[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (f fakeLinks) Link(id string) (ingest.Link, bool) {
	l, ok := f[id]
	return l, ok
}

type fixture struct {
	handler http.Handler
	archive *sinks.Archive
}

func setup(t *testing.T, withArchive bool) fixture {
	t.Helper()
	m, err := config.ParseManifest([]byte(manifestYAML))
	require.NoError(t, err)

	cfg := tracks.DefaultConfig()
	cfg.HitsToConfirm = 1
	tr := tracks.NewTracker(cfg)
	tr.Update("CAM_01", t0, []model.Detection{{
		AssetID: "CAM_01", Box: model.BBox{X1: 10, Y1: 10, X2: 30, Y2: 50}, Label: "person", Confidence: 0.9,
	}})

	links := fakeLinks{"CAM_01": {AssetID: "CAM_01", State: model.Live, StateName: "live", Watermark: 12}}

	var archive *sinks.Archive
	var store Archive
	if withArchive {
		d, err := db.NewDB(filepath.Join(t.TempDir(), "center.db"))
		require.NoError(t, err)
		t.Cleanup(func() { d.Close() })
		archive = sinks.NewArchive(d, nil)
		store = archive
	}
	s := NewServer(m, links, tr, store, nil)
	return fixture{handler: LoggingMiddleware(nil, s.ServeMux()), archive: archive}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSite(t *testing.T) {
	fx := setup(t, false)
	rec := get(t, fx.handler, "/api/site")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"site_name":"TEST_SITE","center_coordinates":[30,-97],"assets":2}`, rec.Body.String())
}

func TestAssetsOverlay(t *testing.T) {
	fx := setup(t, false)
	rec := get(t, fx.handler, "/api/assets")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID         string         `json:"id"`
			Properties map[string]any `json:"properties"`
			Geometry   struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2)

	cam1 := fc.Features[0]
	assert.Equal(t, "CAM_01", cam1.ID)
	assert.Equal(t, []float64{-97.1, 30.1}, cam1.Geometry.Coordinates)
	assert.Equal(t, "live", cam1.Properties["status"])
	assert.Equal(t, 1.0, cam1.Properties["detections"])

	cam2 := fc.Features[1]
	assert.Equal(t, "unknown", cam2.Properties["status"], "no heartbeat seen yet")
	assert.Equal(t, 0.0, cam2.Properties["detections"])
}

func TestLinks(t *testing.T) {
	fx := setup(t, false)
	rec := get(t, fx.handler, "/api/links")
	require.Equal(t, http.StatusOK, rec.Code)

	var links []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &links))
	require.Len(t, links, 1)
	assert.Equal(t, "live", links[0]["state"])
	assert.Equal(t, 12.0, links[0]["watermark"])
}

func TestTracks(t *testing.T) {
	fx := setup(t, false)

	var all []trackView
	rec := get(t, fx.handler, "/api/tracks")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, "person", all[0].Label)
	assert.Equal(t, "confirmed", all[0].State)
	require.NotNil(t, all[0].Box)
	assert.Equal(t, 30.0, all[0].Box.X2)

	var none []trackView
	rec = get(t, fx.handler, "/api/tracks?asset_id=CAM_02")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &none))
	assert.Empty(t, none)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = get(t, fx.handler, "/api/tracks?asset_id=CAM_99")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchiveRoutes(t *testing.T) {
	fx := setup(t, true)
	require.NoError(t, fx.archive.Write(context.Background(), sinks.Batch{
		Alerts: []model.AlertEvent{{TrackID: "trk_1", AssetID: "CAM_01", Kind: model.AlertTrackConfirmed, Label: "person", Timestamp: t0}},
		Retired: []model.Track{{ID: "trk_1", AssetID: "CAM_01", State: model.TrackLost, Label: "person",
			FirstSeen: t0, LastSeen: t0.Add(time.Minute), Detections: 9, MaxConfidence: 0.8}},
	}))

	rec := get(t, fx.handler, "/api/archive/tracks?asset_id=CAM_01&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var archived []sinks.ArchivedTrack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &archived))
	require.Len(t, archived, 1)
	assert.Equal(t, 9, archived[0].Detections)

	rec = get(t, fx.handler, "/api/archive/alerts?track_id=trk_1")
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []model.AlertEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertTrackConfirmed, alerts[0].Kind)

	assert.Equal(t, http.StatusBadRequest, get(t, fx.handler, "/api/archive/alerts").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, fx.handler, "/api/archive/tracks?limit=-1").Code)
	assert.Equal(t, "[]\n", get(t, fx.handler, "/api/archive/alerts?track_id=nope").Body.String())
}

func TestArchiveNotConfigured(t *testing.T) {
	fx := setup(t, false)
	assert.Equal(t, http.StatusNotFound, get(t, fx.handler, "/api/archive/tracks").Code)
	assert.Equal(t, http.StatusNotFound, get(t, fx.handler, "/api/archive/alerts?track_id=x").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	fx := setup(t, false)
	for _, path := range []string{"/api/site", "/api/assets", "/api/links", "/api/tracks"} {
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}
