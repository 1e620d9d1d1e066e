package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/sentinel/internal/db"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

// Watermarks persists the highest replayed Seq ingested per asset, so a
// restarted Center still recognises records it already took.
type Watermarks interface {
	Load(ctx context.Context) (map[string]uint64, error)
	Save(ctx context.Context, assetID string, seq uint64) error
}

// SQLWatermarks stores watermarks in the Center database.
type SQLWatermarks struct {
	db    *db.DB
	clock timeutil.Clock
}

// NewSQLWatermarks uses an already migrated database.
func NewSQLWatermarks(d *db.DB, clock timeutil.Clock) *SQLWatermarks {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SQLWatermarks{db: d, clock: clock}
}

func (w *SQLWatermarks) Load(ctx context.Context) (map[string]uint64, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT asset_id, seq FROM ingest_watermarks`)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var (
			asset string
			seq   int64
		)
		if err := rows.Scan(&asset, &seq); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out[asset] = uint64(seq)
	}
	return out, rows.Err()
}

// Save never moves a watermark backwards.
func (w *SQLWatermarks) Save(ctx context.Context, assetID string, seq uint64) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO ingest_watermarks (asset_id, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(asset_id) DO UPDATE SET
			seq = MAX(seq, excluded.seq),
			updated_at = excluded.updated_at`,
		assetID, int64(seq), w.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save watermark %s: %w", assetID, err)
	}
	return nil
}

// memoryWatermarks is used when no database is configured.
type memoryWatermarks struct {
	mu   sync.Mutex
	seqs map[string]uint64
}

func newMemoryWatermarks() *memoryWatermarks {
	return &memoryWatermarks{seqs: make(map[string]uint64)}
}

func (w *memoryWatermarks) Load(context.Context) (map[string]uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]uint64, len(w.seqs))
	for k, v := range w.seqs {
		out[k] = v
	}
	return out, nil
}

func (w *memoryWatermarks) Save(_ context.Context, assetID string, seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seqs[assetID] = max(w.seqs[assetID], seq)
	return nil
}
