package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to Postgres with the pool settings the rest of the system
// assumes and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the snapshots table if it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS document_snapshots (
			document_id TEXT PRIMARY KEY,
			state       BYTEA NOT NULL,
			preview     TEXT NOT NULL DEFAULT '',
			version     BIGINT NOT NULL DEFAULT 1,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure snapshots schema: %w", err)
	}
	return nil
}

// PostgresStore keeps one row per document with a monotonically increasing
// version counter.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	const query = `SELECT state FROM document_snapshots WHERE document_id = $1`
	var state []byte
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) Save(ctx context.Context, documentID string, state []byte, preview string) error {
	const upsert = `
		INSERT INTO document_snapshots (document_id, state, preview, version, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (document_id) DO UPDATE SET
			state = EXCLUDED.state,
			preview = EXCLUDED.preview,
			version = document_snapshots.version + 1,
			updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, upsert, documentID, state, preview); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Meta(ctx context.Context, documentID string) (Meta, error) {
	const query = `
		SELECT document_id, version, preview, updated_at
		FROM document_snapshots WHERE document_id = $1
	`
	var m Meta
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(&m.DocumentID, &m.Version, &m.Preview, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, fmt.Errorf("snapshot meta: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) Delete(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_snapshots WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
