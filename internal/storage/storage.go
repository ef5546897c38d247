package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when nothing is stored under the key.
// Backends must not use it for any other condition.
var ErrNotFound = errors.New("record not found")

// KeyPrefix namespaces paste records inside shared key-value stores.
const KeyPrefix = "paste:"

// Key returns the backend key for a paste id.
func Key(id string) string {
	return KeyPrefix + id
}

// Record is the persisted form of a paste.
type Record struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
	MaxViews  *int       `json:"maxViews"`
	Views     int        `json:"views"`
	// Revision changes on every write and guards CompareAndSwap.
	Revision string `json:"rev"`
}

// Expired reports whether the record's deadline has passed at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Exhausted reports whether every allowed view has been consumed.
func (r *Record) Exhausted() bool {
	return r.MaxViews != nil && r.Views >= *r.MaxViews
}

// Live reports whether the record can still be viewed at now.
func (r *Record) Live(now time.Time) bool {
	return !r.Expired(now) && !r.Exhausted()
}

// Clone returns a deep copy so callers never share pointers with a backend.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	if r.MaxViews != nil {
		n := *r.MaxViews
		cp.MaxViews = &n
	}
	return &cp
}

// Encode serializes a record for backends that store opaque values.
func Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("record is nil")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &r, nil
}

// Backend stores records under opaque keys. It knows nothing about TTLs or
// view limits.
type Backend interface {
	// Get returns the last value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
	// Set unconditionally replaces the value under key.
	Set(ctx context.Context, key string, rec *Record) error
	// CompareAndSwap replaces the value under key only if the stored
	// revision equals rev. A missing key counts as a mismatch.
	CompareAndSwap(ctx context.Context, key, rev string, rec *Record) (bool, error)
	Close() error
}
