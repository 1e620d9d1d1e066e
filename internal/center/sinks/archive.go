package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/sentinel/internal/db"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

// ArchivedTrack is a retired track as stored in the archive.
type ArchivedTrack struct {
	TrackID       string    `json:"track_id"`
	AssetID       string    `json:"asset_id"`
	Label         string    `json:"label"`
	State         string    `json:"state"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Hits          int       `json:"hits"`
	Detections    int       `json:"detections"`
	MaxConfidence float64   `json:"max_confidence"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// Archive persists retired tracks and alerts to sqlite.
type Archive struct {
	db    *db.DB
	clock timeutil.Clock
}

// NewArchive creates an archive on an already migrated database.
func NewArchive(d *db.DB, clock timeutil.Clock) *Archive {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Archive{db: d, clock: clock}
}

func (a *Archive) Name() string { return "archive" }

// Write implements Sink. Alerts and retired tracks of one batch are stored
// in a single transaction; re-writing the same batch is harmless.
func (a *Archive) Write(ctx context.Context, b Batch) error {
	if len(b.Alerts) == 0 && len(b.Retired) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	now := a.clock.Now().UnixNano()
	for _, ev := range b.Alerts {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO alert_events (track_id, kind, asset_id, label, confidence, ts)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ev.TrackID, string(ev.Kind), ev.AssetID, ev.Label, ev.Confidence, ev.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert alert %s/%s: %w", ev.TrackID, ev.Kind, err)
		}
	}
	for _, tr := range b.Retired {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO archived_tracks
				(track_id, asset_id, label, state, first_seen, last_seen, hits, detections, max_confidence, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.ID, tr.AssetID, tr.Label, string(tr.State),
			tr.FirstSeen.UnixNano(), tr.LastSeen.UnixNano(),
			tr.Hits, tr.Detections, tr.MaxConfidence, now,
		); err != nil {
			return fmt.Errorf("archive track %s: %w", tr.ID, err)
		}
	}
	return tx.Commit()
}

// Close is a no-op; the database is owned by the caller.
func (a *Archive) Close() error { return nil }

// RecentTracks returns up to limit archived tracks, newest last-seen first.
// An empty assetID matches every asset.
func (a *Archive) RecentTracks(ctx context.Context, assetID string, limit int) ([]ArchivedTrack, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT track_id, asset_id, label, state, first_seen, last_seen, hits, detections, max_confidence, archived_at
		FROM archived_tracks
		WHERE ? = '' OR asset_id = ?
		ORDER BY last_seen DESC, track_id
		LIMIT ?`, assetID, assetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query archived tracks: %w", err)
	}
	defer rows.Close()

	var out []ArchivedTrack
	for rows.Next() {
		var (
			t                     ArchivedTrack
			first, last, archived int64
		)
		if err := rows.Scan(&t.TrackID, &t.AssetID, &t.Label, &t.State, &first, &last,
			&t.Hits, &t.Detections, &t.MaxConfidence, &archived); err != nil {
			return nil, fmt.Errorf("scan archived track: %w", err)
		}
		t.FirstSeen = time.Unix(0, first).UTC()
		t.LastSeen = time.Unix(0, last).UTC()
		t.ArchivedAt = time.Unix(0, archived).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Alerts returns the stored alerts for a track in timestamp order.
func (a *Archive) Alerts(ctx context.Context, trackID string) ([]model.AlertEvent, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT track_id, kind, asset_id, label, confidence, ts
		FROM alert_events WHERE track_id = ? ORDER BY ts`, trackID)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.AlertEvent
	for rows.Next() {
		var (
			ev   model.AlertEvent
			kind string
			ts   int64
		)
		if err := rows.Scan(&ev.TrackID, &kind, &ev.AssetID, &ev.Label, &ev.Confidence, &ts); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		ev.Kind = model.AlertKind(kind)
		ev.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
