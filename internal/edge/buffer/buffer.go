// Package buffer is the Edge's durable store for significant events seen
// while the link to the Center is down.
//
// Records are numbered per asset with a gapless, strictly increasing Seq.
// The next Seq and the acknowledged watermark live in buffer_meta so a
// restart never reuses or skips a number. When the buffer is over capacity
// the oldest unacknowledged records are evicted and counted as dropped.
package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/banshee-data/sentinel/internal/db"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("buffer: closed")
	// ErrUnknownSeq is returned when acking a Seq that was never assigned.
	ErrUnknownSeq = errors.New("buffer: ack beyond last appended seq")
)

const defaultPageSize = 256

// Stats is a snapshot of the buffer counters. Counters persist across
// restarts.
type Stats struct {
	Depth    int    `json:"depth"`
	NextSeq  uint64 `json:"next_seq"`
	AckedSeq uint64 `json:"acked_seq"`
	Appended uint64 `json:"appended"`
	Acked    uint64 `json:"acked"`
	Dropped  uint64 `json:"dropped"`
}

// Buffer is one asset's slice of the buffered_records table.
type Buffer struct {
	db       *db.DB
	assetID  string
	capacity int
	pageSize int
	m        *monitoring.Metrics

	// mu serialises writers; sqlite transactions give crash consistency.
	mu     sync.Mutex
	closed bool
}

// Option customises a Buffer.
type Option func(*Buffer)

// WithMetrics wires Prometheus counters.
func WithMetrics(m *monitoring.Metrics) Option { return func(b *Buffer) { b.m = m } }

// WithPageSize sets how many rows Replay fetches per query.
func WithPageSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.pageSize = n
		}
	}
}

// Open attaches to (or initialises) the buffer for assetID.
func Open(ctx context.Context, d *db.DB, assetID string, capacity int, opts ...Option) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("buffer: capacity must be at least 1, got %d", capacity)
	}
	b := &Buffer{db: d, assetID: assetID, capacity: capacity, pageSize: defaultPageSize}
	for _, o := range opts {
		o(b)
	}
	b.m = monitoring.OrNew(b.m)

	_, err := d.ExecContext(ctx,
		`INSERT INTO buffer_meta (asset_id, updated_at) VALUES (?, ?) ON CONFLICT(asset_id) DO NOTHING`,
		assetID, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("buffer: init meta: %w", err)
	}

	// Enforce the capacity in case it shrank since the last run.
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("buffer: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := b.evictLocked(ctx, tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("buffer: commit: %w", err)
	}
	b.publishDepth(ctx)
	return b, nil
}

// AssetID returns the asset this buffer belongs to.
func (b *Buffer) AssetID() string { return b.assetID }

// Append stores rec and returns the Seq assigned to it; rec.Seq is ignored.
// If the buffer is then over capacity the oldest records are evicted.
func (b *Buffer) Append(ctx context.Context, rec model.BufferedRecord) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("buffer: begin: %w", err)
	}
	defer tx.Rollback()

	if rec.Payload == nil {
		rec.Payload = []byte{}
	}
	var seq uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq FROM buffer_meta WHERE asset_id = ?`, b.assetID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("buffer: read next_seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO buffered_records (asset_id, seq, captured_at, significance, payload) VALUES (?, ?, ?, ?, ?)`,
		b.assetID, seq, rec.CapturedAt.UnixNano(), rec.Significance, rec.Payload); err != nil {
		return 0, fmt.Errorf("buffer: insert seq %d: %w", seq, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE buffer_meta SET next_seq = ?, appended = appended + 1, updated_at = ? WHERE asset_id = ?`,
		seq+1, time.Now().UnixNano(), b.assetID); err != nil {
		return 0, fmt.Errorf("buffer: advance next_seq: %w", err)
	}
	evicted, err := b.evictLocked(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("buffer: commit append: %w", err)
	}

	b.m.BufferAppended.WithLabelValues(b.assetID).Inc()
	if evicted > 0 {
		b.m.BufferDropped.WithLabelValues(b.assetID).Add(float64(evicted))
		monitoring.Logf("buffer %s: evicted %d oldest records at capacity %d", b.assetID, evicted, b.capacity)
	}
	b.publishDepth(ctx)
	return seq, nil
}

// evictLocked deletes the oldest rows beyond capacity inside tx.
func (b *Buffer) evictLocked(ctx context.Context, tx *sql.Tx) (int64, error) {
	var depth int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buffered_records WHERE asset_id = ?`, b.assetID).Scan(&depth); err != nil {
		return 0, fmt.Errorf("buffer: count: %w", err)
	}
	over := depth - b.capacity
	if over <= 0 {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM buffered_records WHERE asset_id = ? AND seq IN (
			SELECT seq FROM buffered_records WHERE asset_id = ? ORDER BY seq LIMIT ?)`,
		b.assetID, b.assetID, over)
	if err != nil {
		return 0, fmt.Errorf("buffer: evict: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx,
		`UPDATE buffer_meta SET dropped = dropped + ? WHERE asset_id = ?`, n, b.assetID); err != nil {
		return 0, fmt.Errorf("buffer: count dropped: %w", err)
	}
	return n, nil
}

// Replay lazily yields records with Seq > from in ascending order. It reads
// one page at a time so it is safe to Append or Ack between pages; the
// sequence is finite and can be restarted from any watermark.
func (b *Buffer) Replay(ctx context.Context, from uint64) iter.Seq2[model.BufferedRecord, error] {
	return func(yield func(model.BufferedRecord, error) bool) {
		cursor := from
		for {
			page, err := b.page(ctx, cursor)
			if err != nil {
				yield(model.BufferedRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				cursor = rec.Seq
			}
			if len(page) < b.pageSize {
				return
			}
		}
	}
}

func (b *Buffer) page(ctx context.Context, after uint64) ([]model.BufferedRecord, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, captured_at, significance, payload FROM buffered_records
		 WHERE asset_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		b.assetID, after, b.pageSize)
	if err != nil {
		return nil, fmt.Errorf("buffer: replay query: %w", err)
	}
	defer rows.Close()

	var out []model.BufferedRecord
	for rows.Next() {
		var (
			rec model.BufferedRecord
			ts  int64
		)
		if err := rows.Scan(&rec.Seq, &ts, &rec.Significance, &rec.Payload); err != nil {
			return nil, fmt.Errorf("buffer: replay scan: %w", err)
		}
		rec.CapturedAt = time.Unix(0, ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ack confirms that the Center holds every record up to and including seq.
// Those records are deleted and the watermark advances in one transaction.
// Acking at or below the current watermark is a no-op.
func (b *Buffer) Ack(ctx context.Context, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("buffer: begin: %w", err)
	}
	defer tx.Rollback()

	var next, acked uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq, acked_seq FROM buffer_meta WHERE asset_id = ?`, b.assetID).Scan(&next, &acked); err != nil {
		return fmt.Errorf("buffer: read meta: %w", err)
	}
	if seq <= acked {
		return nil
	}
	if seq >= next {
		return fmt.Errorf("%w: ack %d, last %d", ErrUnknownSeq, seq, next-1)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM buffered_records WHERE asset_id = ? AND seq <= ?`, b.assetID, seq)
	if err != nil {
		return fmt.Errorf("buffer: delete acked: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx,
		`UPDATE buffer_meta SET acked_seq = ?, acked = acked + ?, updated_at = ? WHERE asset_id = ?`,
		seq, n, time.Now().UnixNano(), b.assetID); err != nil {
		return fmt.Errorf("buffer: advance watermark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("buffer: commit ack: %w", err)
	}
	b.publishDepth(ctx)
	return nil
}

// AckedSeq returns the acknowledged watermark.
func (b *Buffer) AckedSeq(ctx context.Context) (uint64, error) {
	s, err := b.Stats(ctx)
	return s.AckedSeq, err
}

// Len returns the number of unacknowledged records.
func (b *Buffer) Len(ctx context.Context) (int, error) {
	s, err := b.Stats(ctx)
	return s.Depth, err
}

// Stats reads the persisted counters.
func (b *Buffer) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := b.db.QueryRowContext(ctx,
		`SELECT next_seq, acked_seq, appended, acked, dropped,
		        (SELECT COUNT(*) FROM buffered_records WHERE asset_id = ?)
		 FROM buffer_meta WHERE asset_id = ?`,
		b.assetID, b.assetID).Scan(&s.NextSeq, &s.AckedSeq, &s.Appended, &s.Acked, &s.Dropped, &s.Depth)
	if err != nil {
		return Stats{}, fmt.Errorf("buffer: stats: %w", err)
	}
	return s, nil
}

// SaveState persists the last known connection state for crash recovery.
func (b *Buffer) SaveState(ctx context.Context, s model.ConnectionState) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE buffer_meta SET last_state = ?, updated_at = ? WHERE asset_id = ?`,
		s.String(), time.Now().UnixNano(), b.assetID)
	if err != nil {
		return fmt.Errorf("buffer: save state: %w", err)
	}
	return nil
}

// LoadState returns the persisted connection state. Unknown values read as
// SilentWatch so recovery errs on the side of buffering.
func (b *Buffer) LoadState(ctx context.Context) (model.ConnectionState, error) {
	var raw string
	if err := b.db.QueryRowContext(ctx,
		`SELECT last_state FROM buffer_meta WHERE asset_id = ?`, b.assetID).Scan(&raw); err != nil {
		return model.SilentWatch, fmt.Errorf("buffer: load state: %w", err)
	}
	s, ok := model.ParseConnectionState(raw)
	if !ok {
		return model.SilentWatch, nil
	}
	return s, nil
}

// Close marks the buffer closed. The shared database is owned by the caller.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Buffer) publishDepth(ctx context.Context) {
	var depth int
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buffered_records WHERE asset_id = ?`, b.assetID).Scan(&depth); err == nil {
		b.m.BufferDepth.WithLabelValues(b.assetID).Set(float64(depth))
	}
}
