package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"pastelite/internal/storage"
)

var _ storage.Backend = (*Store)(nil)

// Store implements storage.Backend on a Postgres table with a JSONB value column.
type Store struct {
	db *sql.DB
}

// Open connects to the database named by dsn. The schema step runs once and
// is best effort.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ensureSchema(initCtx, db); err != nil && logger != nil {
		logger.Warn("postgres schema init failed", "error", err)
	}
	return &Store{db: db}, nil
}

// schema creates kv_store, or upgrades a kv_store(k, v) table left by an
// earlier deployment that had no revision column.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS kv_store (k TEXT PRIMARY KEY, v JSONB NOT NULL, rev TEXT NOT NULL DEFAULT '')`,
	`ALTER TABLE kv_store ADD COLUMN IF NOT EXISTS rev TEXT NOT NULL DEFAULT ''`,
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Get fetches the record stored under key.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv_store WHERE k = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("query record: %w", err)
	}
	return storage.Decode(raw)
}

// Set upserts the record under key.
func (s *Store) Set(ctx context.Context, key string, rec *storage.Record) error {
	data, err := storage.Encode(rec)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO kv_store (k, v, rev) VALUES ($1, $2, $3)
ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, rev = EXCLUDED.rev`
	if _, err := s.db.ExecContext(ctx, q, key, string(data), rec.Revision); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// CompareAndSwap relies on the row lock taken by UPDATE: concurrent swaps
// against the same revision serialize and only the first matches.
func (s *Store) CompareAndSwap(ctx context.Context, key, rev string, rec *storage.Record) (bool, error) {
	data, err := storage.Encode(rec)
	if err != nil {
		return false, err
	}
	const q = `UPDATE kv_store SET v = $1, rev = $2 WHERE k = $3 AND rev = $4`
	res, err := s.db.ExecContext(ctx, q, string(data), rec.Revision, key, rev)
	if err != nil {
		return false, fmt.Errorf("swap record: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
