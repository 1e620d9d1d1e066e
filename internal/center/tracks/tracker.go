// Package tracks associates per-frame detections into persistent tracks.
//
// Each asset has its own arena of tracks, so assets never share ids or
// association state and can be updated from different pipeline shards
// concurrently. Within one asset, Update must be called in frame order.
package tracks

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

// Config holds tracker thresholds.
type Config struct {
	MinScore            float64       // minimum association score
	ClassMismatchFactor float64       // score multiplier when labels differ
	HitsToConfirm       int           // consecutive matches for Tentative -> Confirmed
	LostAfter           time.Duration // unmatched this long -> Lost
	MaxExtrapolation    time.Duration // cap on linear prediction horizon
	MaxTracks           int           // per asset
	MaxHistory          int           // detections kept per track
}

// DefaultConfig returns the tracker defaults from the tuning defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning fills Config from the tuning file.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{
		MinScore:            t.GetMinAssociationScore(),
		ClassMismatchFactor: t.GetClassMismatchFactor(),
		HitsToConfirm:       t.GetHitsToConfirm(),
		LostAfter:           t.GetLostAfter(),
		MaxExtrapolation:    t.GetMaxExtrapolation(),
		MaxTracks:           t.GetMaxTracksPerAsset(),
		MaxHistory:          t.GetMaxTrackHistory(),
	}
}

// arena holds the live tracks of one asset. Tracks are stored by value and
// compacted when retired; index maps track id to slice position.
//
// edgeNow is the latest capture time folded in and steppedAt the tracker
// clock reading at the last Step. Sweep ages tracks against edgeNow, never
// against the tracker clock directly.
type arena struct {
	mu        sync.Mutex
	tracks    []model.Track
	index     map[string]int
	edgeNow   time.Time
	steppedAt time.Time
}

// Tracker maintains one arena per asset.
type Tracker struct {
	cfg    Config
	logger *zap.Logger
	m      *monitoring.Metrics
	newID  func() string
	clock  timeutil.Clock

	mu     sync.Mutex
	arenas map[string]*arena
}

// Option customises a Tracker.
type Option func(*Tracker)

func WithLogger(l *zap.Logger) Option          { return func(t *Tracker) { t.logger = l } }
func WithMetrics(m *monitoring.Metrics) Option { return func(t *Tracker) { t.m = m } }
func WithClock(c timeutil.Clock) Option        { return func(t *Tracker) { t.clock = c } }

// WithIDFunc overrides track id generation.
func WithIDFunc(fn func() string) Option { return func(t *Tracker) { t.newID = fn } }

// NewTracker creates a tracker.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.HitsToConfirm < 1 {
		cfg.HitsToConfirm = 1
	}
	if cfg.MaxHistory < 1 {
		cfg.MaxHistory = 1
	}
	t := &Tracker{
		cfg:    cfg,
		arenas: make(map[string]*arena),
		newID:  func() string { return fmt.Sprintf("trk_%s", uuid.NewString()) },
		clock:  timeutil.RealClock{},
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = monitoring.OrNop(t.logger)
	t.m = monitoring.OrNew(t.m)
	return t
}

func (t *Tracker) arenaFor(assetID string) *arena {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.arenas[assetID]
	if !ok {
		a = &arena{index: make(map[string]int)}
		t.arenas[assetID] = a
	}
	return a
}

// candidate is one scored (track, detection) pairing.
type candidate struct {
	track    int
	det      int
	score    float64
	lastSeen time.Time
}

// Step is the outcome of folding one frame into an asset's tracks.
type Step struct {
	// Transitions in the order: class changes and confirmations of matched
	// tracks, losses, then creations.
	Transitions []model.TrackTransition
	// Updated holds snapshots of the confirmed tracks matched by the frame.
	Updated []model.Track
}

// Update folds the detections of one frame captured at `at` into the
// asset's tracks and returns the lifecycle transitions it caused.
func (t *Tracker) Update(assetID string, at time.Time, dets []model.Detection) []model.TrackTransition {
	return t.Step(assetID, at, dets).Transitions
}

// Step is Update that also reports the confirmed tracks the frame matched.
func (t *Tracker) Step(assetID string, at time.Time, dets []model.Detection) Step {
	a := t.arenaFor(assetID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if at.After(a.edgeNow) {
		a.edgeNow = at
	}
	a.steppedAt = t.clock.Now()

	var out []model.TrackTransition

	// Step 1: score every live track's predicted box against each detection.
	var cands []candidate
	for ti := range a.tracks {
		tr := &a.tracks[ti]
		pred := t.predict(tr, at)
		for di, d := range dets {
			s := t.score(pred, tr.Label, d)
			if s <= 0 || s < t.cfg.MinScore {
				continue
			}
			cands = append(cands, candidate{track: ti, det: di, score: s, lastSeen: tr.LastSeen})
		}
	}

	// Step 2: greedy best-first assignment. Equal scores prefer the most
	// recently seen track; remaining ties fall back to arena order.
	sort.SliceStable(cands, func(i, j int) bool {
		ci, cj := cands[i], cands[j]
		if ci.score != cj.score {
			return ci.score > cj.score
		}
		if !ci.lastSeen.Equal(cj.lastSeen) {
			return ci.lastSeen.After(cj.lastSeen)
		}
		if ci.track != cj.track {
			return ci.track < cj.track
		}
		return ci.det < cj.det
	})
	trackTaken := make([]bool, len(a.tracks))
	detTaken := make([]bool, len(dets))
	var matched []string
	for _, c := range cands {
		if trackTaken[c.track] || detTaken[c.det] {
			continue
		}
		trackTaken[c.track] = true
		detTaken[c.det] = true
		out = append(out, t.match(&a.tracks[c.track], dets[c.det], at)...)
		matched = append(matched, a.tracks[c.track].ID)
	}

	// Step 3: age unmatched tracks and retire the ones unseen for too long.
	retired := false
	for ti := range a.tracks {
		if trackTaken[ti] {
			continue
		}
		tr := &a.tracks[ti]
		tr.Hits = 0
		if at.Sub(tr.LastSeen) > t.cfg.LostAfter {
			from := tr.State
			tr.State = model.TrackLost
			retired = true
			out = append(out, model.TrackTransition{Track: tr.Clone(), From: from, To: model.TrackLost, At: at})
		}
	}
	if retired {
		a.compact()
	}

	// Step 4: unmatched detections start tentative tracks.
	for di, d := range dets {
		if detTaken[di] {
			continue
		}
		if t.cfg.MaxTracks > 0 && len(a.tracks) >= t.cfg.MaxTracks {
			t.logger.Debug("track arena full, detection dropped",
				zap.String("asset_id", assetID),
				zap.String("frame_id", d.FrameID),
			)
			continue
		}
		out = append(out, t.spawn(a, assetID, d, at)...)
	}

	for _, tr := range out {
		if tr.ClassChanged && tr.From == tr.To {
			t.m.TrackTransitions.WithLabelValues("class_change").Inc()
			continue
		}
		t.m.TrackTransitions.WithLabelValues(string(tr.To)).Inc()
	}
	t.m.TracksActive.WithLabelValues(assetID).Set(float64(len(a.tracks)))

	var updated []model.Track
	for _, id := range matched {
		if i, ok := a.index[id]; ok && a.tracks[i].State == model.TrackConfirmed {
			updated = append(updated, a.tracks[i].Clone())
		}
	}
	return Step{Transitions: out, Updated: updated}
}

// Sweep covers assets that stopped sending frames altogether. An asset is
// only aged once no Step has reached it for longer than LostAfter of
// tracker-clock time; its capture-time watermark is then advanced by that
// silence and every track unmatched for longer than LostAfter on that
// timeline is retired. Capture times that lag or lead the tracker clock
// therefore never retire a track whose frames are still arriving.
func (t *Tracker) Sweep(now time.Time) []model.TrackTransition {
	t.mu.Lock()
	ids := make([]string, 0, len(t.arenas))
	for id := range t.arenas {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)

	var out []model.TrackTransition
	for _, id := range ids {
		a := t.arenaFor(id)
		a.mu.Lock()
		silent := now.Sub(a.steppedAt)
		if a.steppedAt.IsZero() || silent <= t.cfg.LostAfter {
			a.mu.Unlock()
			continue
		}
		edgeNow := a.edgeNow.Add(silent)
		retired := false
		for ti := range a.tracks {
			tr := &a.tracks[ti]
			if edgeNow.Sub(tr.LastSeen) > t.cfg.LostAfter {
				from := tr.State
				tr.State = model.TrackLost
				retired = true
				out = append(out, model.TrackTransition{Track: tr.Clone(), From: from, To: model.TrackLost, At: edgeNow})
				t.m.TrackTransitions.WithLabelValues(string(model.TrackLost)).Inc()
			}
		}
		if retired {
			a.compact()
		}
		t.m.TracksActive.WithLabelValues(id).Set(float64(len(a.tracks)))
		a.mu.Unlock()
	}
	return out
}

// Tracks returns a copy of the asset's live tracks in creation order.
func (t *Tracker) Tracks(assetID string) []model.Track {
	a := t.arenaFor(assetID)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Track, len(a.tracks))
	for i := range a.tracks {
		out[i] = a.tracks[i].Clone()
	}
	return out
}

// Track looks up a live track by id.
func (t *Tracker) Track(assetID, id string) (model.Track, bool) {
	a := t.arenaFor(assetID)
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.index[id]
	if !ok {
		return model.Track{}, false
	}
	return a.tracks[i].Clone(), true
}

// Counts returns the number of live tracks per asset.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	arenas := make(map[string]*arena, len(t.arenas))
	for id, a := range t.arenas {
		arenas[id] = a
	}
	t.mu.Unlock()

	out := make(map[string]int, len(arenas))
	for id, a := range arenas {
		a.mu.Lock()
		out[id] = len(a.tracks)
		a.mu.Unlock()
	}
	return out
}

// predict extrapolates the track's box linearly from its last two
// detections to time at, capped at MaxExtrapolation.
func (t *Tracker) predict(tr *model.Track, at time.Time) model.BBox {
	n := len(tr.History)
	last := tr.History[n-1]
	if n < 2 || t.cfg.MaxExtrapolation <= 0 {
		return last.Box
	}
	prev := tr.History[n-2]
	span := last.CapturedAt.Sub(prev.CapturedAt)
	if span <= 0 {
		return last.Box
	}
	ahead := at.Sub(last.CapturedAt)
	if ahead <= 0 {
		return last.Box
	}
	if ahead > t.cfg.MaxExtrapolation {
		ahead = t.cfg.MaxExtrapolation
	}
	lx, ly := last.Box.Center()
	px, py := prev.Box.Center()
	k := ahead.Seconds() / span.Seconds()
	return last.Box.Translate((lx-px)*k, (ly-py)*k)
}

func (t *Tracker) score(pred model.BBox, label string, d model.Detection) float64 {
	s := model.IoU(pred, d.Box)
	if label != d.Label {
		s *= t.cfg.ClassMismatchFactor
	}
	return s
}

func (t *Tracker) match(tr *model.Track, d model.Detection, at time.Time) []model.TrackTransition {
	var out []model.TrackTransition

	tr.History = append(tr.History, d)
	if len(tr.History) > t.cfg.MaxHistory {
		tr.History = append(tr.History[:0], tr.History[len(tr.History)-t.cfg.MaxHistory:]...)
	}
	tr.Hits++
	tr.Detections++
	if at.After(tr.LastSeen) {
		tr.LastSeen = at
	}
	tr.Confidence = d.Confidence
	if d.Confidence > tr.MaxConfidence {
		tr.MaxConfidence = d.Confidence
	}

	if d.Label != tr.Label {
		prev := tr.Label
		tr.Label = d.Label
		out = append(out, model.TrackTransition{
			Track: tr.Clone(), From: tr.State, To: tr.State, At: at,
			ClassChanged: true, PreviousLabel: prev,
		})
	}

	if tr.State == model.TrackTentative && tr.Hits >= t.cfg.HitsToConfirm {
		tr.State = model.TrackConfirmed
		out = append(out, model.TrackTransition{Track: tr.Clone(), From: model.TrackTentative, To: model.TrackConfirmed, At: at})
	}
	return out
}

func (t *Tracker) spawn(a *arena, assetID string, d model.Detection, at time.Time) []model.TrackTransition {
	id := t.newID()
	for _, exists := a.index[id]; exists; _, exists = a.index[id] {
		id = t.newID()
	}
	a.tracks = append(a.tracks, model.Track{
		ID:            id,
		AssetID:       assetID,
		State:         model.TrackTentative,
		History:       []model.Detection{d},
		Hits:          1,
		FirstSeen:     at,
		LastSeen:      at,
		Label:         d.Label,
		Confidence:    d.Confidence,
		Detections:    1,
		MaxConfidence: d.Confidence,
	})
	a.index[id] = len(a.tracks) - 1
	tr := &a.tracks[len(a.tracks)-1]

	out := []model.TrackTransition{{Track: tr.Clone(), To: model.TrackTentative, At: at}}
	if t.cfg.HitsToConfirm <= 1 {
		tr.State = model.TrackConfirmed
		out = append(out, model.TrackTransition{Track: tr.Clone(), From: model.TrackTentative, To: model.TrackConfirmed, At: at})
	}
	return out
}

// compact drops Lost tracks and rebuilds the index.
func (a *arena) compact() {
	kept := a.tracks[:0]
	for _, tr := range a.tracks {
		if tr.State != model.TrackLost {
			kept = append(kept, tr)
		}
	}
	clear(a.tracks[len(kept):])
	a.tracks = kept
	clear(a.index)
	for i := range a.tracks {
		a.index[a.tracks[i].ID] = i
	}
}
