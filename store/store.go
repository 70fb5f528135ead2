// Package store purges telemetry rows from the host application's embedded
// key/value database. It follows the host's own lock discipline: contention
// is reported, never forced past.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
	_ "modernc.org/sqlite"

	"idsweep/guard"
	"idsweep/logger"
)

var (
	// ErrStoreLocked means the host currently holds the database.
	ErrStoreLocked = errors.New("state database is locked by the host")
	// ErrStoreCorrupt means the file is not a healthy SQLite database.
	ErrStoreCorrupt = errors.New("state database failed its integrity check")
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is an open handle on one state database.
type Store struct {
	db    *sql.DB
	path  string
	table string
}

// Open validates and opens the database at path. It never repairs or
// force-opens: a bad header or failed quick_check yields ErrStoreCorrupt,
// an exclusively held file yields ErrStoreLocked.
func Open(path, table string) (*Store, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if err := sniff(path); err != nil {
		return nil, err
	}

	locked, err := guard.Probe(path)
	if err != nil {
		logger.Debugf("Lock probe failed for %s: %v", path, err)
	} else if locked {
		return nil, fmt.Errorf("%w: %s", ErrStoreLocked, path)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(100)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, table: table}
	if err := s.check(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenRetry wraps Open with bounded exponential backoff on lock contention.
// Any other failure is permanent.
func OpenRetry(ctx context.Context, path, table string, maxWait time.Duration) (*Store, error) {
	if maxWait <= 0 {
		return Open(path, table)
	}
	var s *Store
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxWait
	err := backoff.Retry(func() error {
		var err error
		s, err = Open(path, table)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStoreLocked) {
			logger.Debugf("Store %s busy, retrying", path)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// check runs SQLite's quick_check and verifies the key/value table exists.
func (s *Store) check() error {
	var result string
	if err := s.db.QueryRow("PRAGMA quick_check(1)").Scan(&result); err != nil {
		if isLockErr(err) {
			return fmt.Errorf("%w: %s", ErrStoreLocked, s.path)
		}
		return fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, s.path, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s: %s", ErrStoreCorrupt, s.path, result)
	}

	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", s.table,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s: no table %q", ErrStoreCorrupt, s.path, s.table)
	}
	return err
}

// TotalRows returns the row count of the key/value table.
func (s *Store) TotalRows(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, s.table)).Scan(&n)
	return n, classify(err, s.path)
}

// CountMatching reports how many rows the given LIKE patterns select,
// without touching anything. Used for dry runs.
func (s *Store) CountMatching(ctx context.Context, patterns []string) (int64, error) {
	if len(patterns) == 0 {
		return 0, nil
	}
	query, args := s.matchQuery("SELECT COUNT(*)", patterns)
	var n int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, classify(err, s.path)
}

// PurgeMatching deletes every row matching the patterns inside a single
// transaction. Any failure rolls the whole transaction back, leaving the
// store byte-identical to its pre-call state.
func (s *Store) PurgeMatching(ctx context.Context, patterns []string) (int64, error) {
	if len(patterns) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err, s.path)
	}
	defer tx.Rollback()

	query, args := s.matchQuery("DELETE", patterns)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err, s.path)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(err, s.path)
	}
	return removed, nil
}

// Compact reclaims freed space. Callers gate it on the removed fraction so a
// large store is not rewritten for a handful of rows.
func (s *Store) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return classify(err, s.path)
}

func (s *Store) matchQuery(verb string, patterns []string) (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, `%s FROM "%s" WHERE `, verb, s.table)
	args := make([]interface{}, 0, len(patterns))
	for i, p := range patterns {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("key LIKE ?")
		args = append(args, p)
	}
	return b.String(), args
}

// sniff rejects files that do not carry the SQLite header before any open
// attempt, so a replaced or truncated store is reported as corrupt rather
// than re-initialized by the driver.
func sniff(path string) error {
	t, err := filetype.MatchFile(path)
	if err != nil {
		return err
	}
	if t != matchers.TypeSqlite {
		return fmt.Errorf("%w: %s: not a SQLite database (%s)", ErrStoreCorrupt, path, t.MIME.Value)
	}
	return nil
}

func classify(err error, path string) error {
	if err == nil {
		return nil
	}
	if isLockErr(err) {
		return fmt.Errorf("%w: %s", ErrStoreLocked, path)
	}
	return err
}

func isLockErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
