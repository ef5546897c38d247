package memstore

import (
	"context"
	"errors"
	"sync"

	"pastelite/internal/storage"
)

var _ storage.Backend = (*Store)(nil)

// Store keeps records in process memory. Nothing survives a restart.
type Store struct {
	mu      sync.RWMutex
	records map[string]*storage.Record
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*storage.Record)}
}

// Get returns a copy of the record stored under key.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

// Set stores a copy of rec under key.
func (s *Store) Set(ctx context.Context, key string, rec *storage.Record) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec.Clone()
	return nil
}

// CompareAndSwap stores rec if the current revision under key equals rev.
func (s *Store) CompareAndSwap(ctx context.Context, key, rev string, rec *storage.Record) (bool, error) {
	if rec == nil {
		return false, errors.New("record is nil")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[key]
	if !ok || cur.Revision != rev {
		return false, nil
	}
	s.records[key] = rec.Clone()
	return true, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
