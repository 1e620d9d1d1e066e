// Package gateway translates tracks and alerts into external formats:
// Cursor-on-Target XML for tactical clients and GeoJSON features for map
// overlays. The asset pose is folded into every record so consumers need no
// further lookup.
//
// Translation is deterministic: the same input produces the same body apart
// from the translation timestamp, and a track keeps one correlation id for
// its whole life.
package gateway

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/timeutil"
	"github.com/banshee-data/sentinel/internal/wire"
)

// Format names an output encoding. Values double as wire subject kinds.
type Format string

const (
	FormatCoT     Format = wire.KindCoT
	FormatGeoJSON Format = wire.KindGeoJSON
)

// Formats lists every supported format in emission order.
var Formats = []Format{FormatCoT, FormatGeoJSON}

// correlationNamespace seeds name-based correlation ids.
var correlationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:sentinel:track"))

// CorrelationID returns the stable external id for a track.
func CorrelationID(trackID string) string {
	return uuid.NewSHA1(correlationNamespace, []byte(trackID)).String()
}

// Record is one translated output. Seq lives in the envelope, never in
// Body, and increases in the order records were produced.
type Record struct {
	Seq           uint64
	Format        Format
	Kind          string // "track" or the alert kind
	AssetID       string
	CorrelationID string
	TranslatedAt  time.Time
	Body          []byte
}

// AssetLookup resolves asset poses. config.Manifest implements it.
type AssetLookup interface {
	Asset(id string) (model.Asset, bool)
}

// Config controls the output mapping.
type Config struct {
	Stale       time.Duration     // CoT stale window past the event start
	TypeMap     map[string]string // label -> CoT type
	DefaultType string
}

// DefaultTypeMap maps detector labels to CoT types.
func DefaultTypeMap() map[string]string {
	return map[string]string{"person": "a-h-G"}
}

// ConfigFromTuning fills Config from the tuning file.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{Stale: t.GetCoTStale(), TypeMap: DefaultTypeMap(), DefaultType: "a-u-G"}
}

// Gateway translates tracks and alerts. It is safe for concurrent use, but
// record order follows call order, so a single egress goroutine should own
// it when ordering matters.
type Gateway struct {
	cfg    Config
	assets AssetLookup
	clock  timeutil.Clock
	m      *monitoring.Metrics
	seq    atomic.Uint64
}

// Option customises a Gateway.
type Option func(*Gateway)

func WithClock(c timeutil.Clock) Option        { return func(g *Gateway) { g.clock = c } }
func WithMetrics(m *monitoring.Metrics) Option { return func(g *Gateway) { g.m = m } }

// New creates a gateway. assets may be nil, in which case every asset is
// treated as unknown.
func New(cfg Config, assets AssetLookup, opts ...Option) *Gateway {
	if cfg.Stale <= 0 {
		cfg.Stale = 5 * time.Minute
	}
	if cfg.DefaultType == "" {
		cfg.DefaultType = "a-u-G"
	}
	if cfg.TypeMap == nil {
		cfg.TypeMap = DefaultTypeMap()
	}
	g := &Gateway{cfg: cfg, assets: assets, clock: timeutil.RealClock{}}
	for _, o := range opts {
		o(g)
	}
	g.m = monitoring.OrNew(g.m)
	return g
}

// subject is the format-neutral view of a track or alert.
type subject struct {
	trackID    string
	assetID    string
	kind       string
	label      string
	state      string
	confidence float64
	at         time.Time
	offset     float64 // horizontal box offset in [-0.5, 0.5]
	detections int
}

// pose is the asset placement folded into each record.
type pose struct {
	known   bool
	lat     float64
	lon     float64
	heading float64
	fov     float64
	bearing float64
}

func trackSubject(tr model.Track) subject {
	s := subject{
		trackID:    tr.ID,
		assetID:    tr.AssetID,
		kind:       "track",
		label:      tr.Label,
		state:      string(tr.State),
		confidence: tr.Confidence,
		at:         tr.LastSeen,
		detections: tr.Detections,
	}
	if last, ok := tr.Last(); ok {
		s.offset = last.HorizontalOffset()
	}
	return s
}

func alertSubject(ev model.AlertEvent) subject {
	return subject{
		trackID:    ev.TrackID,
		assetID:    ev.AssetID,
		kind:       string(ev.Kind),
		label:      ev.Label,
		state:      string(model.TrackConfirmed),
		confidence: ev.Confidence,
		at:         ev.Timestamp,
	}
}

func (g *Gateway) poseFor(s subject) pose {
	var p pose
	if g.assets != nil {
		if a, ok := g.assets.Asset(s.assetID); ok {
			p = pose{known: true, lat: a.Latitude, lon: a.Longitude, heading: a.Heading, fov: a.FOV}
		}
	}
	p.bearing = normalizeDegrees(p.heading + s.offset*p.fov)
	return p
}

func (g *Gateway) cotType(label string) string {
	if t, ok := g.cfg.TypeMap[label]; ok {
		return t
	}
	return g.cfg.DefaultType
}

// TranslateTrack renders tr in format f.
func (g *Gateway) TranslateTrack(tr model.Track, f Format) (Record, error) {
	return g.translate(trackSubject(tr), f)
}

// TranslateAlert renders ev in format f.
func (g *Gateway) TranslateAlert(ev model.AlertEvent, f Format) (Record, error) {
	return g.translate(alertSubject(ev), f)
}

func (g *Gateway) translate(s subject, f Format) (Record, error) {
	now := g.clock.Now().UTC()
	p := g.poseFor(s)
	corr := CorrelationID(s.trackID)

	var (
		body []byte
		err  error
	)
	switch f {
	case FormatCoT:
		body, err = g.encodeCoT(s, p, corr, now)
	case FormatGeoJSON:
		body, err = encodeFeature(s, p, corr, now)
	default:
		return Record{}, fmt.Errorf("gateway: unknown format %q", f)
	}
	if err != nil {
		return Record{}, fmt.Errorf("gateway: encode %s: %w", f, err)
	}

	g.m.GatewayRecords.WithLabelValues(string(f)).Inc()
	return Record{
		Seq:           g.seq.Add(1),
		Format:        f,
		Kind:          s.kind,
		AssetID:       s.assetID,
		CorrelationID: corr,
		TranslatedAt:  now,
		Body:          body,
	}, nil
}

func normalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}
