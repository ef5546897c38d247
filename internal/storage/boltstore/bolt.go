package boltstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"pastelite/internal/storage"
)

var recordBucket = []byte("records")

var _ storage.Backend = (*Store)(nil)

// Store implements storage.Backend backed by BoltDB.
type Store struct {
	db *bolt.DB
}

// Open initializes a BoltDB-backed store located at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordBucket); err != nil {
			return fmt.Errorf("create record bucket: %w", err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Get retrieves the record stored under key.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out *storage.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordBucket)
		if bucket == nil {
			return errors.New("records bucket missing")
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		rec, err := storage.Decode(raw)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})

	return out, err
}

// Set persists rec under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, rec *storage.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := encode(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordBucket)
		if bucket == nil {
			return errors.New("records bucket missing")
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("save record: %w", err)
		}
		return nil
	})
}

// CompareAndSwap writes rec if the stored revision equals rev. The read and
// the write share one bolt transaction, which bolt serializes.
func (s *Store) CompareAndSwap(ctx context.Context, key, rev string, rec *storage.Record) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	data, err := encode(rec)
	if err != nil {
		return false, err
	}

	swapped := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(recordBucket)
		if bucket == nil {
			return errors.New("records bucket missing")
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		cur, err := storage.Decode(raw)
		if err != nil {
			return err
		}
		if cur.Revision != rev {
			return nil
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("swap record: %w", err)
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encode(rec *storage.Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("record is nil")
	}
	// Normalize timestamps to UTC for consistency.
	cp := rec.Clone()
	cp.CreatedAt = cp.CreatedAt.UTC()
	if cp.ExpiresAt != nil {
		t := cp.ExpiresAt.UTC()
		cp.ExpiresAt = &t
	}
	return storage.Encode(cp)
}
