// Package api serves the Center's read-only JSON API: the site's assets as
// a GeoJSON overlay, Edge link status, live tracks and the track archive.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/center/gateway"
	"github.com/banshee-data/sentinel/internal/center/ingest"
	"github.com/banshee-data/sentinel/internal/center/sinks"
	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/httputil"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
)

// LinkSource reports Edge link status. *ingest.Server implements it.
type LinkSource interface {
	Links() []ingest.Link
	Link(assetID string) (ingest.Link, bool)
}

// TrackSource exposes live tracks. *tracks.Tracker implements it.
type TrackSource interface {
	Tracks(assetID string) []model.Track
	Counts() map[string]int
}

// Archive is the retired-track store. *sinks.Archive implements it.
type Archive interface {
	RecentTracks(ctx context.Context, assetID string, limit int) ([]sinks.ArchivedTrack, error)
	Alerts(ctx context.Context, trackID string) ([]model.AlertEvent, error)
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type Server struct {
	manifest *config.Manifest
	links    LinkSource
	tracks   TrackSource
	archive  Archive
	logger   *zap.Logger
}

// NewServer builds the API. archive may be nil when no database is
// configured; the archive routes then answer 404.
func NewServer(manifest *config.Manifest, links LinkSource, tracks TrackSource, archive Archive, logger *zap.Logger) *Server {
	return &Server{
		manifest: manifest,
		links:    links,
		tracks:   tracks,
		archive:  archive,
		logger:   monitoring.OrNop(logger),
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/site", s.showSite)
	mux.HandleFunc("/api/assets", s.listAssets)
	mux.HandleFunc("/api/links", s.listLinks)
	mux.HandleFunc("/api/tracks", s.listTracks)
	mux.HandleFunc("/api/archive/tracks", s.listArchivedTracks)
	mux.HandleFunc("/api/archive/alerts", s.listAlerts)
	return mux
}

func (s *Server) showSite(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"site_name":          s.manifest.SiteName,
		"center_coordinates": s.manifest.CenterCoordinates,
		"assets":             len(s.manifest.Assets),
	})
}

// listAssets returns the map overlay FeatureCollection.
func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	counts := s.tracks.Counts()
	body, err := gateway.AssetCollection(s.manifest.Assets, func(id string) gateway.AssetStatus {
		st := gateway.AssetStatus{State: "unknown", Detections: counts[id]}
		if l, ok := s.links.Link(id); ok {
			st.State = l.StateName
		}
		return st
	})
	if err != nil {
		s.logger.Error("render asset collection", zap.Error(err))
		httputil.InternalServerError(w, "failed to render assets")
		return
	}
	httputil.WriteGeoJSON(w, body)
}

func (s *Server) listLinks(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, s.links.Links())
}

type trackView struct {
	ID            string      `json:"id"`
	AssetID       string      `json:"asset_id"`
	State         string      `json:"state"`
	Label         string      `json:"label"`
	Confidence    float64     `json:"confidence"`
	MaxConfidence float64     `json:"max_confidence"`
	Hits          int         `json:"hits"`
	Detections    int         `json:"detections"`
	FirstSeen     time.Time   `json:"first_seen"`
	LastSeen      time.Time   `json:"last_seen"`
	Box           *model.BBox `json:"box,omitempty"`
}

func viewOf(tr model.Track) trackView {
	v := trackView{
		ID:            tr.ID,
		AssetID:       tr.AssetID,
		State:         string(tr.State),
		Label:         tr.Label,
		Confidence:    tr.Confidence,
		MaxConfidence: tr.MaxConfidence,
		Hits:          tr.Hits,
		Detections:    tr.Detections,
		FirstSeen:     tr.FirstSeen,
		LastSeen:      tr.LastSeen,
	}
	if last, ok := tr.Last(); ok {
		v.Box = &last.Box
	}
	return v
}

// listTracks returns live tracks, for one asset when asset_id is given.
func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	ids := s.manifest.AssetIDs()
	if id := r.URL.Query().Get("asset_id"); id != "" {
		if _, ok := s.manifest.Asset(id); !ok {
			httputil.NotFound(w, "unknown asset "+strconv.Quote(id))
			return
		}
		ids = []string{id}
	}
	out := []trackView{}
	for _, id := range ids {
		for _, tr := range s.tracks.Tracks(id) {
			out = append(out, viewOf(tr))
		}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listArchivedTracks(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if s.archive == nil {
		httputil.NotFound(w, "archive not configured")
		return
	}
	limit, ok := httputil.QueryInt(w, r, "limit", defaultLimit, maxLimit)
	if !ok {
		return
	}
	tracks, err := s.archive.RecentTracks(r.Context(), r.URL.Query().Get("asset_id"), limit)
	if err != nil {
		s.logger.Error("query archived tracks", zap.Error(err))
		httputil.InternalServerError(w, "failed to query archive")
		return
	}
	if tracks == nil {
		tracks = []sinks.ArchivedTrack{}
	}
	httputil.WriteJSONOK(w, tracks)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if s.archive == nil {
		httputil.NotFound(w, "archive not configured")
		return
	}
	trackID := r.URL.Query().Get("track_id")
	if trackID == "" {
		httputil.BadRequest(w, "track_id is required")
		return
	}
	alerts, err := s.archive.Alerts(r.Context(), trackID)
	if err != nil {
		s.logger.Error("query alerts", zap.String("track_id", trackID), zap.Error(err))
		httputil.InternalServerError(w, "failed to query alerts")
		return
	}
	if alerts == nil {
		alerts = []model.AlertEvent{}
	}
	httputil.WriteJSONOK(w, alerts)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status and duration at debug level.
func LoggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	logger = monitoring.OrNop(logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Int("status", lrw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
