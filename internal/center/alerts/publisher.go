// Package alerts turns track lifecycle transitions into alert events,
// emitting at most one alert per (track, qualifying transition) even when a
// transition is observed more than once.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
)

// Config controls which transitions raise alerts.
type Config struct {
	OnClassChange bool
}

// Publisher converts transitions into AlertEvents.
type Publisher struct {
	cfg    Config
	dedup  Deduper
	logger *zap.Logger
	m      *monitoring.Metrics

	mu     sync.Mutex
	lastTS map[string]time.Time // per track, for monotonic timestamps
}

// Option customises a Publisher.
type Option func(*Publisher)

func WithLogger(l *zap.Logger) Option          { return func(p *Publisher) { p.logger = l } }
func WithMetrics(m *monitoring.Metrics) Option { return func(p *Publisher) { p.m = m } }

// NewPublisher creates a publisher backed by dedup.
func NewPublisher(cfg Config, dedup Deduper, opts ...Option) *Publisher {
	p := &Publisher{cfg: cfg, dedup: dedup, lastTS: make(map[string]time.Time)}
	for _, o := range opts {
		o(p)
	}
	p.logger = monitoring.OrNop(p.logger)
	p.m = monitoring.OrNew(p.m)
	return p
}

// Process returns the alerts raised by trs, in transition order.
func (p *Publisher) Process(ctx context.Context, trs []model.TrackTransition) []model.AlertEvent {
	var out []model.AlertEvent
	for _, tr := range trs {
		if tr.To == model.TrackLost {
			p.forget(tr.Track.ID)
			continue
		}
		kind, key, ok := p.qualify(tr)
		if !ok {
			continue
		}
		fresh, err := p.dedup.Claim(ctx, key)
		if err != nil {
			p.logger.Warn("alert dedup failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if !fresh {
			p.m.AlertsSuppressed.WithLabelValues(string(kind)).Inc()
			continue
		}
		ev := model.AlertEvent{
			TrackID:    tr.Track.ID,
			AssetID:    tr.Track.AssetID,
			Kind:       kind,
			Label:      tr.Track.Label,
			Timestamp:  p.stamp(tr.Track.ID, tr.At),
			Confidence: tr.Track.Confidence,
		}
		p.m.AlertsPublished.WithLabelValues(string(kind)).Inc()
		p.logger.Info("alert",
			zap.String("track_id", ev.TrackID),
			zap.String("asset_id", ev.AssetID),
			zap.String("kind", string(ev.Kind)),
			zap.String("label", ev.Label),
			zap.Float64("confidence", ev.Confidence),
		)
		out = append(out, ev)
	}
	return out
}

// qualify returns the alert kind and dedup key for tr. Class changes are
// keyed by the track's detection count, which is stable across repeated
// delivery of the same transition but distinct for every new change.
func (p *Publisher) qualify(tr model.TrackTransition) (model.AlertKind, string, bool) {
	switch {
	case tr.ClassChanged:
		if !p.cfg.OnClassChange {
			return "", "", false
		}
		return model.AlertClassChange, fmt.Sprintf("%s|%s|%d", tr.Track.ID, model.AlertClassChange, tr.Track.Detections), true
	case tr.To == model.TrackConfirmed && tr.From != model.TrackConfirmed:
		return model.AlertTrackConfirmed, fmt.Sprintf("%s|%s", tr.Track.ID, model.AlertTrackConfirmed), true
	}
	return "", "", false
}

// stamp returns at, nudged forward when needed so timestamps for one track
// strictly increase.
func (p *Publisher) stamp(trackID string, at time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastTS[trackID]; ok && !at.After(last) {
		at = last.Add(time.Nanosecond)
	}
	p.lastTS[trackID] = at
	return at
}

func (p *Publisher) forget(trackID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastTS, trackID)
}
