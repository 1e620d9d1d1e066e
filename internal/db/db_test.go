package db

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"tailscale.com/tsweb"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestPragmasApplied verifies that essential PRAGMAs are set on the pool.
func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&synchronous); err != nil {
		t.Fatalf("Failed to query synchronous: %v", err)
	}
	if synchronous != 1 { // 1 = NORMAL
		t.Errorf("Expected synchronous=1 (NORMAL), got %d", synchronous)
	}
}

func TestMigrationsCreateTables(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 3 || dirty {
		t.Errorf("MigrateVersion() = %d, %v; want 3, false", version, dirty)
	}

	for _, table := range []string{"buffered_records", "buffer_meta", "archived_tracks", "alert_events", "ingest_watermarks"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrateDownAndUpAgain(t *testing.T) {
	db := newTestDB(t)

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	if v, _, _ := db.MigrateVersion(); v != 2 {
		t.Errorf("version after down = %d, want 2", v)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='ingest_watermarks'`).Scan(&n); err != nil || n != 0 {
		t.Errorf("ingest_watermarks should be dropped, count=%d err=%v", n, err)
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if v, _, _ := db.MigrateVersion(); v != 3 {
		t.Errorf("version after up = %d, want 3", v)
	}
}

func TestReopenExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	first, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	if _, err := first.Exec(`INSERT INTO buffer_meta (asset_id) VALUES ('CAM')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first.Close()

	second, err := NewDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	var n int
	if err := second.QueryRow(`SELECT COUNT(*) FROM buffer_meta`).Scan(&n); err != nil || n != 1 {
		t.Errorf("expected meta row to survive reopen, n=%d err=%v", n, err)
	}
	if second.Path() != path {
		t.Errorf("Path() = %q, want %q", second.Path(), path)
	}
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(tsweb.Debugger(mux), "Test DB"); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	for _, path := range []string{"/debug/backup", "/debug/tailsql/"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.RemoteAddr = "127.0.0.1:40000"
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			// Should be registered (might return 403 due to auth or 200 if auth passes)
			if w.Code == http.StatusNotFound {
				t.Fatalf("Route %s should be registered, got 404", path)
			}
			if path != "/debug/backup" || w.Code != http.StatusOK {
				return
			}
			zr, err := gzip.NewReader(w.Body)
			if err != nil {
				t.Fatalf("backup is not gzip: %v", err)
			}
			data, err := io.ReadAll(zr)
			if err != nil {
				t.Fatalf("read backup: %v", err)
			}
			if len(data) < 16 || string(data[:15]) != "SQLite format 3" {
				t.Errorf("backup does not look like a sqlite file")
			}
		})
	}
}
