package reflection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps reflections in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("reflection: open sqlite: %w", err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("reflection: migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS reflections (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp INTEGER NOT NULL,
		user_id TEXT,
		session_id TEXT,
		summary TEXT,
		lessons JSON,
		payload JSON NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Store(ctx context.Context, r Record) error {
	payload, lessons, err := encodeRecord(r)
	if err != nil {
		return err
	}
	query := `INSERT INTO reflections (id, timestamp, user_id, session_id, summary, lessons, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Timestamp.UnixMilli(), r.UserID, r.SessionID, r.Reflection.Summary, lessons, payload,
	)
	if err != nil {
		return fmt.Errorf("reflection: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, payload FROM reflections ORDER BY timestamp DESC, seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("reflection: query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func encodeRecord(r Record) (payload, lessons string, err error) {
	p, err := json.Marshal(r)
	if err != nil {
		return "", "", fmt.Errorf("reflection: encode record: %w", err)
	}
	ls := r.Lessons()
	if ls == nil {
		ls = []string{}
	}
	l, err := json.Marshal(ls)
	if err != nil {
		return "", "", fmt.Errorf("reflection: encode lessons: %w", err)
	}
	return string(p), string(l), nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			ts      int64
			payload string
		)
		if err := rows.Scan(&ts, &payload); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("reflection: decode record: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
