// Package quarantine keeps the blocks the parser refused to emit, with their
// raw bytes and reason, in a SQLite file.
package quarantine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coffersTech/hotlog/internal/model"
)

// Store persists rejected blocks.
type Store struct {
	db     *sql.DB
	maxRaw int
}

// Open opens or creates the quarantine database at path. maxRaw caps the
// stored raw bytes per entry; 0 keeps everything.
func Open(path string, maxRaw int) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open quarantine db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, maxRaw: maxRaw}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS quarantine (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			source_file TEXT NOT NULL,
			byte_offset INTEGER NOT NULL,
			reason TEXT NOT NULL,
			raw BLOB,
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS quarantine_kind ON quarantine(kind);
	`)
	if err != nil {
		return fmt.Errorf("init quarantine schema: %w", err)
	}
	return nil
}

// KindCounts returns the number of stored entries per kind.
func (s *Store) KindCounts(ctx context.Context) (map[model.RejectKind]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, count(*) FROM quarantine GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("load quarantine counts: %w", err)
	}
	defer rows.Close()
	out := make(map[model.RejectKind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[model.RejectKind(kind)] = n
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Quarantine records one rejected block.
func (s *Store) Quarantine(ctx context.Context, r model.Rejected) error {
	raw := r.Raw
	if s.maxRaw > 0 && len(raw) > s.maxRaw {
		raw = raw[:s.maxRaw]
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quarantine (kind, correlation_id, source_file, byte_offset, reason, raw, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(r.Kind), r.CorrelationID, r.SourceFile, r.ByteOffset, r.Reason, raw,
		at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert quarantine entry: %w", err)
	}
	return nil
}

// List returns the newest limit entries.
func (s *Store) List(ctx context.Context, limit int) ([]model.Rejected, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, correlation_id, source_file, byte_offset, reason, raw, at
		 FROM quarantine ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	out := make([]model.Rejected, 0, limit)
	for rows.Next() {
		var r model.Rejected
		var kind, at string
		if err := rows.Scan(&kind, &r.CorrelationID, &r.SourceFile, &r.ByteOffset, &r.Reason, &r.Raw, &at); err != nil {
			return nil, err
		}
		r.Kind = model.RejectKind(kind)
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}
