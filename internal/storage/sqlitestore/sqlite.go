package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"pastelite/internal/storage"
)

var _ storage.Backend = (*Store)(nil)

// Store implements storage.Backend as one row per key in a SQLite table.
type Store struct {
	db *sql.DB
}

// Open initializes the SQLite database at path. Schema creation is best
// effort: a failure is logged and later queries report the real problem.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)
	if err := initialize(db); err != nil && logger != nil {
		logger.Warn("sqlite schema init failed", "error", err)
	}
	return &Store{db: db}, nil
}

func initialize(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS kv_store (
    k TEXT PRIMARY KEY,
    v BLOB NOT NULL,
    rev TEXT NOT NULL DEFAULT ''
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Tables from before revisions existed lack rev. SQLite has no
	// ADD COLUMN IF NOT EXISTS.
	var hasRev int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('kv_store') WHERE name = 'rev'`).Scan(&hasRev); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if hasRev == 0 {
		if _, err := db.Exec(`ALTER TABLE kv_store ADD COLUMN rev TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add rev column: %w", err)
		}
	}
	return nil
}

// Get fetches the record stored under key.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	const q = `SELECT v FROM kv_store WHERE k = ?;`
	var raw []byte
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("query record: %w", err)
	}
	return storage.Decode(raw)
}

// Set inserts or replaces the record under key.
func (s *Store) Set(ctx context.Context, key string, rec *storage.Record) error {
	data, err := storage.Encode(rec)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO kv_store (k, v, rev)
VALUES (?, ?, ?)
ON CONFLICT(k) DO UPDATE SET
    v=excluded.v,
    rev=excluded.rev;
`
	if _, err := s.db.ExecContext(ctx, q, key, data, rec.Revision); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// CompareAndSwap updates the row only while its revision still equals rev.
func (s *Store) CompareAndSwap(ctx context.Context, key, rev string, rec *storage.Record) (bool, error) {
	data, err := storage.Encode(rec)
	if err != nil {
		return false, err
	}
	const q = `UPDATE kv_store SET v = ?, rev = ? WHERE k = ? AND rev = ?;`
	res, err := s.db.ExecContext(ctx, q, data, rec.Revision, key, rev)
	if err != nil {
		return false, fmt.Errorf("swap record: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
