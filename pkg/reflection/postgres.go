package reflection

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore keeps reflections in Postgres, for fleets that share one
// history.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with dsn and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("reflection: open postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS reflections (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		timestamp BIGINT NOT NULL,
		user_id TEXT,
		session_id TEXT,
		summary TEXT,
		lessons JSONB,
		payload JSONB NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("reflection: migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Store(ctx context.Context, r Record) error {
	payload, lessons, err := encodeRecord(r)
	if err != nil {
		return err
	}
	query := `INSERT INTO reflections (id, timestamp, user_id, session_id, summary, lessons, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Timestamp.UnixMilli(), r.UserID, r.SessionID, r.Reflection.Summary, lessons, payload,
	)
	if err != nil {
		return fmt.Errorf("reflection: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, n int) ([]Record, error) {
	query := `SELECT timestamp, payload FROM reflections ORDER BY timestamp DESC, seq DESC`
	args := []any{}
	if n > 0 {
		query += ` LIMIT $1`
		args = append(args, n)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reflection: query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *PostgresStore) Close() error { return s.db.Close() }
