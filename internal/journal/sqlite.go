package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	ts INTEGER NOT NULL,
	domain TEXT NOT NULL,
	target TEXT NOT NULL,
	kind TEXT,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	state TEXT NOT NULL,
	detail TEXT,
	timer INTEGER DEFAULT 0,
	duration_ms INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_journal_target ON journal(target);
`

// SQLiteStore persists entries in a SQLite database and keeps the newest
// limit rows.
type SQLiteStore struct {
	db    *sql.DB
	limit int
	now   func() time.Time
}

// OpenSQLite opens or creates the journal database at path.
func OpenSQLite(path string, limit int) (*SQLiteStore, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	return &SQLiteStore{db: db, limit: limit, now: time.Now}, nil
}

// Add inserts an entry and prunes rows beyond the limit.
func (s *SQLiteStore) Add(ctx context.Context, e Entry) (Entry, error) {
	e = stamp(e, s.now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin journal insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal (id, ts, domain, target, kind, action, status, state, detail, timer, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp.UnixNano(), e.Domain, e.Target, e.Kind, e.Action, e.Status, e.State, e.Detail, e.Timer, e.DurationMS)
	if err != nil {
		return Entry{}, fmt.Errorf("insert journal entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM journal WHERE seq <= (SELECT seq FROM journal ORDER BY seq DESC LIMIT 1 OFFSET ?)
	`, s.limit)
	if err != nil {
		return Entry{}, fmt.Errorf("prune journal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit journal entry: %w", err)
	}
	return e, nil
}

// List returns a page of entries, newest first.
func (s *SQLiteStore) List(ctx context.Context, offset, limit int) ([]Entry, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM journal").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count journal: %w", err)
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = total
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, domain, target, kind, action, status, state, detail, timer, duration_ms
		FROM journal ORDER BY seq DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, min(limit, total))
	for rows.Next() {
		var (
			e      Entry
			ts     int64
			kind   sql.NullString
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Domain, &e.Target, &kind, &e.Action,
			&e.Status, &e.State, &detail, &e.Timer, &e.DurationMS); err != nil {
			return nil, 0, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Kind = kind.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
