package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newStateDB(t *testing.T, rows map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.vscdb")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE ItemTable (key TEXT UNIQUE ON CONFLICT REPLACE, value BLOB)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	for k, v := range rows {
		if _, err := db.Exec(`INSERT INTO ItemTable (key, value) VALUES (?, ?)`, k, v); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return path
}

func sampleRows() map[string]string {
	return map[string]string{
		"telemetry.foo": "1",
		"telemetry.bar": "2",
		"other.baz":     "3",
	}
}

func TestCountMatching(t *testing.T) {
	path := newStateDB(t, sampleRows())
	s, err := Open(path, "ItemTable")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	n, err := s.CountMatching(context.Background(), []string{"telemetry.%"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 matching rows, got %d", n)
	}
	total, err := s.TotalRows(context.Background())
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 total rows, got %d", total)
	}
}

func TestPurgeMatchingRemovesExactlyMatches(t *testing.T) {
	path := newStateDB(t, sampleRows())
	s, err := Open(path, "ItemTable")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	removed, err := s.PurgeMatching(context.Background(), []string{"telemetry.%"})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	var key, value string
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	rows, err := db.Query(`SELECT key, value FROM ItemTable ORDER BY key`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		if err := rows.Scan(&key, &value); err != nil {
			t.Fatalf("scan: %v", err)
		}
		count++
	}
	if count != 1 || key != "other.baz" || value != "3" {
		t.Fatalf("non-matching row disturbed: %d rows, last %s=%s", count, key, value)
	}
}

func TestPurgeMultiplePatterns(t *testing.T) {
	rows := sampleRows()
	rows["augment.session"] = "x"
	path := newStateDB(t, rows)
	s, err := Open(path, "ItemTable")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	removed, err := s.PurgeMatching(context.Background(), []string{"telemetry.%", "%augment%"})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
}

func TestOpenRejectsNonDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.vscdb")
	if err := os.WriteFile(path, []byte("definitely not sqlite"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Open(path, "ItemTable")
	if !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}
}

func TestOpenRejectsCorruptDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.vscdb")
	// Valid magic, garbage body: passes the sniff, fails quick_check.
	data := append([]byte("SQLite format 3\x00"), make([]byte, 4096)...)
	for i := 16; i < len(data); i++ {
		data[i] = byte(i * 7)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Open(path, "ItemTable")
	if !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}
}

func TestOpenRejectsMissingTable(t *testing.T) {
	path := newStateDB(t, nil)
	_, err := Open(path, "NoSuchTable")
	if !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}
}

func TestOpenRejectsBadTableName(t *testing.T) {
	path := newStateDB(t, nil)
	if _, err := Open(path, `Item"Table; DROP`); err == nil {
		t.Fatal("expected invalid table name error")
	}
}

func TestPurgeLockedStore(t *testing.T) {
	path := newStateDB(t, sampleRows())

	// Hold the write lock the way the host would.
	holder, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("holder open: %v", err)
	}
	defer holder.Close()
	tx, err := holder.Begin()
	if err != nil {
		t.Fatalf("holder begin: %v", err)
	}
	if _, err := tx.Exec(`UPDATE ItemTable SET value = '9' WHERE key = 'other.baz'`); err != nil {
		t.Fatalf("holder update: %v", err)
	}
	defer tx.Rollback()

	s, err := Open(path, "ItemTable")
	if err != nil {
		t.Fatalf("open while reserved: %v", err)
	}
	defer s.Close()

	_, err = s.PurgeMatching(context.Background(), []string{"telemetry.%"})
	if !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("expected ErrStoreLocked, got %v", err)
	}

	// The failed purge must have left every row in place.
	n, err := s.CountMatching(context.Background(), []string{"%"})
	if err != nil {
		t.Fatalf("count after failed purge: %v", err)
	}
	if n != 3 {
		t.Fatalf("store mutated by failed purge: %d rows", n)
	}
}

func TestOpenRetryGivesUp(t *testing.T) {
	path := newStateDB(t, sampleRows())
	holder, err := sql.Open("sqlite", "file:"+path+"?_txlock=exclusive")
	if err != nil {
		t.Fatalf("holder open: %v", err)
	}
	defer holder.Close()
	tx, err := holder.Begin()
	if err != nil {
		t.Fatalf("holder begin: %v", err)
	}
	defer tx.Rollback()

	start := time.Now()
	_, err = OpenRetry(context.Background(), path, "ItemTable", 500*time.Millisecond)
	if !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("expected ErrStoreLocked, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("retry did not respect its bound")
	}
}

func TestCompact(t *testing.T) {
	path := newStateDB(t, sampleRows())
	s, err := Open(path, "ItemTable")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if _, err := s.PurgeMatching(context.Background(), []string{"telemetry.%"}); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := s.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
}
