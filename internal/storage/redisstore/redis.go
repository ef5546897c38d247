package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pastelite/internal/storage"
)

var _ storage.Backend = (*Store)(nil)

var errRevisionMismatch = errors.New("revision mismatch")

// Store implements storage.Backend on a Redis server.
type Store struct {
	client *redis.Client
}

// Open parses a redis:// or rediss:// URL and verifies the connection.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return New(ctx, opt)
}

// New connects with explicit options and pings the server.
func New(ctx context.Context, opt *redis.Options) (*Store, error) {
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Store{client: client}, nil
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return storage.Decode(data)
}

// Set replaces the value under key.
func (s *Store) Set(ctx context.Context, key string, rec *storage.Record) error {
	data, err := storage.Encode(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CompareAndSwap watches key, checks the stored revision and writes inside
// MULTI/EXEC. EXEC aborts if another client touched the key after WATCH.
func (s *Store) CompareAndSwap(ctx context.Context, key, rev string, rec *storage.Record) (bool, error) {
	data, err := storage.Encode(rec)
	if err != nil {
		return false, err
	}

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return errRevisionMismatch
			}
			return err
		}
		cur, err := storage.Decode(raw)
		if err != nil {
			return err
		}
		if cur.Revision != rev {
			return errRevisionMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errRevisionMismatch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("redis swap: %w", err)
	}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
