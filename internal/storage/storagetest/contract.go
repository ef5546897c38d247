// Package storagetest holds the behavioural contract every storage.Backend
// must satisfy.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pastelite/internal/storage"
)

// Run exercises b against the Backend contract. Keys are prefixed with the
// test name so a shared remote store can be reused between runs.
func Run(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()
	prefix := storage.Key(sanitize(t.Name()) + "-" + time.Now().UTC().Format("150405.000000000") + "-")

	t.Run("GetMissing", func(t *testing.T) {
		rec, err := b.Get(ctx, prefix+"missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got rec=%v err=%v", rec, err)
		}
	})

	t.Run("SetGet", func(t *testing.T) {
		key := prefix + "setget"
		in := sample("setget", "r1")
		if err := b.Set(ctx, key, in); err != nil {
			t.Fatalf("set: %v", err)
		}
		out, err := b.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		assertEqual(t, in, out)
	})

	t.Run("SetOverwrites", func(t *testing.T) {
		key := prefix + "overwrite"
		if err := b.Set(ctx, key, sample("overwrite", "r1")); err != nil {
			t.Fatalf("set: %v", err)
		}
		next := sample("overwrite", "r2")
		next.Views = 4
		if err := b.Set(ctx, key, next); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		out, err := b.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		assertEqual(t, next, out)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		key := prefix + "cas"
		if err := b.Set(ctx, key, sample("cas", "r1")); err != nil {
			t.Fatalf("set: %v", err)
		}
		next := sample("cas", "r2")
		next.Views = 1
		ok, err := b.CompareAndSwap(ctx, key, "r1", next)
		if err != nil || !ok {
			t.Fatalf("expected swap, got ok=%v err=%v", ok, err)
		}
		stale := sample("cas", "r3")
		stale.Views = 9
		ok, err = b.CompareAndSwap(ctx, key, "r1", stale)
		if err != nil {
			t.Fatalf("stale swap: %v", err)
		}
		if ok {
			t.Fatalf("stale revision must not swap")
		}
		out, err := b.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		assertEqual(t, next, out)
	})

	t.Run("CompareAndSwapMissing", func(t *testing.T) {
		ok, err := b.CompareAndSwap(ctx, prefix+"cas-missing", "r1", sample("cas-missing", "r2"))
		if err != nil {
			t.Fatalf("swap missing: %v", err)
		}
		if ok {
			t.Fatalf("swap on missing key must report mismatch")
		}
		if _, err := b.Get(ctx, prefix+"cas-missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("swap on missing key must not create it, err=%v", err)
		}
	})

	t.Run("ConcurrentSwapsHaveOneWinner", func(t *testing.T) {
		key := prefix + "race"
		if err := b.Set(ctx, key, sample("race", "base")); err != nil {
			t.Fatalf("set: %v", err)
		}
		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := sample("race", "w"+string(rune('a'+i)))
				next.Views = 1
				ok, err := b.CompareAndSwap(ctx, key, "base", next)
				if err != nil {
					t.Errorf("swap %d: %v", i, err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})
}

func sample(id, rev string) *storage.Record {
	created := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	expires := created.Add(time.Hour)
	limit := 3
	return &storage.Record{
		ID:        id,
		Content:   "content of " + id,
		CreatedAt: created,
		ExpiresAt: &expires,
		MaxViews:  &limit,
		Revision:  rev,
	}
}

func assertEqual(t *testing.T, want, got *storage.Record) {
	t.Helper()
	if got == nil {
		t.Fatalf("got nil record")
	}
	if got.ID != want.ID || got.Content != want.Content || got.Views != want.Views || got.Revision != want.Revision {
		t.Fatalf("record mismatch: want %+v got %+v", want, got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("created_at mismatch: want %v got %v", want.CreatedAt, got.CreatedAt)
	}
	if (got.ExpiresAt == nil) != (want.ExpiresAt == nil) || (got.ExpiresAt != nil && !got.ExpiresAt.Equal(*want.ExpiresAt)) {
		t.Fatalf("expires_at mismatch: want %v got %v", want.ExpiresAt, got.ExpiresAt)
	}
	if (got.MaxViews == nil) != (want.MaxViews == nil) || (got.MaxViews != nil && *got.MaxViews != *want.MaxViews) {
		t.Fatalf("max_views mismatch: want %v got %v", want.MaxViews, got.MaxViews)
	}
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
