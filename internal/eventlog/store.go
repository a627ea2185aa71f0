// Package eventlog keeps link events in a SQLite database (WAL mode) so an
// operator can review what the link did across restarts.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/danmuck/groundlink/internal/protocol/session"
)

// DefaultMaxRows bounds the events table; older rows are pruned.
const DefaultMaxRows = 10000

const pruneEvery = 100

var ErrPathRequired = errors.New("eventlog: path required")

// Store wraps *sql.DB with event helpers. It implements manager.EventSink.
type Store struct {
	db      *sql.DB
	maxRows int
	inserts int
}

// Open opens (or creates) the SQLite file at path with WAL journal mode and
// applies the schema.
func Open(path string, maxRows int) (*Store, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("eventlog: ping: %w", err)
	}
	// One writer; WAL keeps readers concurrent.
	raw.SetMaxOpenConns(1)
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	s := &Store{db: raw, maxRows: maxRows}
	if err := s.Migrate(); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return s, nil
}

// Migrate is idempotent.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(ddlEvents); err != nil {
		return fmt.Errorf("eventlog: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one event. It is called from the manager's sink goroutine.
func (s *Store) Record(ev session.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO events (at, kind, from_state, to_state, target, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.At.UnixMilli(), string(ev.Kind), ev.From.String(), ev.To.String(), ev.Target, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("eventlog: insert: %w", err)
	}
	s.inserts++
	if s.inserts%pruneEvery == 0 {
		if _, err := s.Prune(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]session.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, from_state, to_state, target, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var out []session.Event
	for rows.Next() {
		var (
			at       int64
			kind     string
			from, to string
			ev       session.Event
		)
		if err := rows.Scan(&at, &kind, &from, &to, &ev.Target, &ev.Detail); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		ev.At = time.UnixMilli(at)
		ev.Kind = session.EventKind(kind)
		if err := ev.From.UnmarshalText([]byte(from)); err != nil {
			return nil, fmt.Errorf("eventlog: row from_state: %w", err)
		}
		if err := ev.To.UnmarshalText([]byte(to)); err != nil {
			return nil, fmt.Errorf("eventlog: row to_state: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: rows: %w", err)
	}
	return out, nil
}

// Prune deletes everything but the newest maxRows events.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id <= (SELECT id FROM events ORDER BY id DESC LIMIT 1 OFFSET ?)`, s.maxRows)
	if err != nil {
		return 0, fmt.Errorf("eventlog: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const ddlEvents = `
CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    at         INTEGER NOT NULL,          -- Unix milliseconds
    kind       TEXT    NOT NULL,          -- 'transition' | 'command' | 'reconnect'
    from_state TEXT    NOT NULL,
    to_state   TEXT    NOT NULL,
    target     TEXT    NOT NULL DEFAULT '',
    detail     TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_at ON events (at DESC);
`
