// Package tonecache persists tone lookups in a SQLite file so that repeated
// inputs skip the backend, and so that inputs seen before still resolve while
// the backend is down.
//
// The database is opened through the pure-Go modernc.org/sqlite driver; no
// cgo toolchain is needed.
package tonecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pinyinvox/pinyinvox/internal/tone"
)

const schema = `
CREATE TABLE IF NOT EXISTS tones (
    input       TEXT PRIMARY KEY,
    text        TEXT NOT NULL,
    styled_text TEXT NOT NULL,
    tone_marker TEXT NOT NULL,
    stored_at   INTEGER NOT NULL,
    used_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tones_used_at ON tones(used_at);
`

// Options configures [Open].
type Options struct {
	// Path is the database file. Parent directories are created.
	Path string

	// TTL expires entries stored longer ago than this. Zero disables expiry.
	TTL time.Duration

	// MaxEntries caps the table at open time by dropping the least recently
	// used rows. Zero disables the cap.
	MaxEntries int
}

// Store is a tone lookup cache. It implements [tone.Cache] and is safe for
// concurrent use.
type Store struct {
	db    *sql.DB
	opts  Options
	clock func() time.Time
}

var _ tone.Cache = (*Store)(nil)

// Open opens or creates the cache at opts.Path and prunes it.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("tonecache: path is required")
	}
	if dir := filepath.Dir(opts.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("tonecache: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", opts.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tonecache: open: %w", err)
	}
	// One writer at a time; SQLite serialises them anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("tonecache: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tonecache: create schema: %w", err)
	}

	s := &Store{db: db, opts: opts, clock: time.Now}
	if n, err := s.Prune(ctx); err != nil {
		slog.Warn("tonecache: prune on open failed", "path", opts.Path, "err", err)
	} else if n > 0 {
		slog.Info("tonecache: pruned entries", "path", opts.Path, "removed", n)
	}
	return s, nil
}

// Get returns the cached result for input. Expired rows are misses.
func (s *Store) Get(ctx context.Context, input string) (tone.Result, bool, error) {
	var (
		r        tone.Result
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT text, styled_text, tone_marker, stored_at FROM tones WHERE input = ?`, input,
	).Scan(&r.Text, &r.StyledText, &r.ToneMarker, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tone.Result{}, false, nil
	}
	if err != nil {
		return tone.Result{}, false, fmt.Errorf("tonecache: get: %w", err)
	}

	now := s.clock()
	if s.expired(storedAt, now) {
		return tone.Result{}, false, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tones SET used_at = ? WHERE input = ?`, now.UnixNano(), input,
	); err != nil {
		// The hit is still good; only the LRU order is stale.
		slog.Debug("tonecache: touch failed", "err", err)
	}
	return r, true, nil
}

// Put stores r under input, replacing any previous entry.
func (s *Store) Put(ctx context.Context, input string, r tone.Result) error {
	now := s.clock().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tones(input, text, styled_text, tone_marker, stored_at, used_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(input) DO UPDATE SET
		   text = excluded.text,
		   styled_text = excluded.styled_text,
		   tone_marker = excluded.tone_marker,
		   stored_at = excluded.stored_at,
		   used_at = excluded.used_at`,
		input, r.Text, r.StyledText, r.ToneMarker, now, now)
	if err != nil {
		return fmt.Errorf("tonecache: put: %w", err)
	}
	return nil
}

// Prune removes expired rows and, past MaxEntries, the least recently used
// ones. It returns the number of rows removed.
func (s *Store) Prune(ctx context.Context) (removed int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("tonecache: prune: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.opts.TTL > 0 {
		cutoff := s.clock().Add(-s.opts.TTL).UnixNano()
		res, err := tx.ExecContext(ctx, `DELETE FROM tones WHERE stored_at < ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("tonecache: prune expired: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if s.opts.MaxEntries > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM tones WHERE input IN (
			SELECT input FROM tones ORDER BY used_at DESC LIMIT -1 OFFSET ?
		)`, s.opts.MaxEntries)
		if err != nil {
			return 0, fmt.Errorf("tonecache: prune overflow: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("tonecache: prune: %w", err)
	}
	return removed, nil
}

// Len returns the number of stored rows, expired ones included.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tones`).Scan(&n); err != nil {
		return 0, fmt.Errorf("tonecache: count: %w", err)
	}
	return n, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) expired(storedAt int64, now time.Time) bool {
	return s.opts.TTL > 0 && now.Sub(time.Unix(0, storedAt)) > s.opts.TTL
}
