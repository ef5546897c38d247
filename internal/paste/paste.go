// Package paste implements the paste lifecycle on top of a storage.Backend:
// creation, lazy expiry and view-limited reads that stay exact under
// concurrent access.
package paste

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"pastelite/internal/clock"
	"pastelite/internal/id"
	"pastelite/internal/metrics"
	"pastelite/internal/storage"
)

const (
	defaultMaxBytes    = 1_048_576
	defaultMaxAttempts = 8
	firstBackoff       = 2 * time.Millisecond
	maxBackoff         = 50 * time.Millisecond
	healthKey          = "health-check"
	maxTTLSeconds      = math.MaxInt32
)

// Config wires a Service. Backend is required; everything else has a default.
type Config struct {
	Backend     storage.Backend
	Clock       clock.Clock
	IDs         *id.Generator
	MaxBytes    int
	MaxAttempts int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Service creates pastes and hands out views.
type Service struct {
	backend     storage.Backend
	clock       clock.Clock
	ids         *id.Generator
	maxBytes    int
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// CreateRequest carries the inputs of Create. Nil pointers mean "unbounded".
type CreateRequest struct {
	Content    string
	TTLSeconds *int
	MaxViews   *int
}

// View is what a successful ConsumeView returns.
type View struct {
	ID        string
	Content   string
	CreatedAt time.Time
	ExpiresAt *time.Time
	// RemainingViews is nil when the paste has no view limit.
	RemainingViews *int
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.IDs == nil {
		cfg.IDs = id.New(0)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		backend:     cfg.Backend,
		clock:       cfg.Clock,
		ids:         cfg.IDs,
		maxBytes:    cfg.MaxBytes,
		maxAttempts: cfg.MaxAttempts,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}, nil
}

// MaxBytes is the largest accepted content size.
func (s *Service) MaxBytes() int {
	return s.maxBytes
}

// Create validates req, stores a fresh record and returns its id.
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := s.validate(req); err != nil {
		return "", err
	}

	pasteID, err := s.ids.Generate(ctx)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}

	now := clock.Resolve(ctx, s.clock)
	rec := &storage.Record{
		ID:        pasteID,
		Content:   req.Content,
		CreatedAt: now,
		Revision:  uuid.NewString(),
	}
	if req.TTLSeconds != nil {
		exp := now.Add(time.Duration(*req.TTLSeconds) * time.Second)
		rec.ExpiresAt = &exp
	}
	if req.MaxViews != nil {
		n := *req.MaxViews
		rec.MaxViews = &n
	}

	if err := s.backend.Set(ctx, storage.Key(pasteID), rec); err != nil {
		return "", fmt.Errorf("save paste: %w", err)
	}
	s.metrics.PasteCreated()
	return pasteID, nil
}

func (s *Service) validate(req CreateRequest) error {
	if isBlank(req.Content) {
		return &ValidationError{Field: "content", Message: "content is required"}
	}
	if len(req.Content) > s.maxBytes {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("content exceeds %d byte limit", s.maxBytes)}
	}
	if req.TTLSeconds != nil && *req.TTLSeconds < 1 {
		return &ValidationError{Field: "ttl_seconds", Message: "ttl_seconds must be an integer >= 1"}
	}
	if req.TTLSeconds != nil && *req.TTLSeconds > maxTTLSeconds {
		return &ValidationError{Field: "ttl_seconds", Message: "ttl_seconds is too large"}
	}
	if req.MaxViews != nil && *req.MaxViews < 1 {
		return &ValidationError{Field: "max_views", Message: "max_views must be an integer >= 1"}
	}
	return nil
}

// ConsumeView returns the paste content and records one view, or a
// *NotFoundError if the paste is absent, expired or out of views. A refused
// view never writes.
//
// The view is recorded with a revision-checked CompareAndSwap. A swap only
// fails when another writer committed in between, so under contention the
// loop re-reads and re-checks liveness. After MaxAttempts lost swaps it gives
// up with ErrContention.
func (s *Service) ConsumeView(ctx context.Context, pasteID string) (*View, error) {
	if !id.Valid(pasteID) {
		return nil, s.reject(ReasonNotFound)
	}
	key := storage.Key(pasteID)
	backoff := firstBackoff

	for attempt := 1; ; attempt++ {
		rec, err := s.backend.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, s.reject(ReasonNotFound)
			}
			return nil, fmt.Errorf("load paste: %w", err)
		}

		now := clock.Resolve(ctx, s.clock)
		if rec.Expired(now) {
			return nil, s.reject(ReasonExpired)
		}
		if rec.Exhausted() {
			return nil, s.reject(ReasonLimitExceeded)
		}

		next := rec.Clone()
		next.Views++
		next.Revision = uuid.NewString()

		ok, err := s.backend.CompareAndSwap(ctx, key, rec.Revision, next)
		if err != nil {
			return nil, fmt.Errorf("record view: %w", err)
		}
		if ok {
			s.metrics.ViewGranted()
			return newView(next), nil
		}

		s.metrics.SwapConflict()
		s.logger.Debug("view conflict", "id", pasteID, "attempt", attempt)
		if attempt >= s.maxAttempts {
			return nil, ErrContention
		}
		if err := sleep(ctx, jitter(backoff)); err != nil {
			return nil, err
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Ping checks that the backend answers. Absence of the probe key is healthy.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.backend.Get(ctx, healthKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Service) reject(r Reason) error {
	s.metrics.ViewRejected(string(r))
	return notFound(r)
}

func newView(rec *storage.Record) *View {
	v := &View{
		ID:        rec.ID,
		Content:   rec.Content,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	if rec.MaxViews != nil {
		left := max(0, *rec.MaxViews-rec.Views)
		v.RemainingViews = &left
	}
	return v
}

// jitter spreads retries over [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + rand.N(half)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isBlank treats the byte order mark as whitespace, as browsers' trim does.
func isBlank(s string) bool {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\uFEFF'
	}) == ""
}
