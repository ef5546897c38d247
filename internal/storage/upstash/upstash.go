// Package upstash implements storage.Backend over the Upstash Redis REST API:
// each command is a JSON array POSTed to the database URL with a bearer token.
package upstash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pastelite/internal/storage"
)

var _ storage.Backend = (*Store)(nil)

// swapScript runs atomically on the server. The stored value is the JSON
// produced by storage.Encode, so the revision is read with cjson.
const swapScript = `
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local ok, doc = pcall(cjson.decode, cur)
if not ok or doc['rev'] ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`

// Store talks to one Upstash database.
type Store struct {
	url    string
	token  string
	client *http.Client
}

// Option customizes a Store.
type Option func(*Store)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) {
		if c != nil {
			s.client = c
		}
	}
}

// New returns a Store for the REST endpoint url authenticated by token.
func New(url, token string, opts ...Option) (*Store, error) {
	if url == "" || token == "" {
		return nil, errors.New("upstash url and token are required")
	}
	s := &Store{
		url:    strings.TrimSuffix(url, "/"),
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (s *Store) do(ctx context.Context, args ...string) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstash %s: %w", args[0], err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("upstash %s: status %d: decode response: %w", args[0], resp.StatusCode, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("upstash %s: %s", args[0], out.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstash %s: unexpected status %d", args[0], resp.StatusCode)
	}
	return out.Result, nil
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	result, err := s.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, storage.ErrNotFound
	}
	var value string
	if err := json.Unmarshal(result, &value); err != nil {
		return nil, fmt.Errorf("upstash GET: unexpected result %s", result)
	}
	return storage.Decode([]byte(value))
}

// Set replaces the value under key.
func (s *Store) Set(ctx context.Context, key string, rec *storage.Record) error {
	data, err := storage.Encode(rec)
	if err != nil {
		return err
	}
	_, err = s.do(ctx, "SET", key, string(data))
	return err
}

// CompareAndSwap evaluates swapScript, which compares and writes in one step.
func (s *Store) CompareAndSwap(ctx context.Context, key, rev string, rec *storage.Record) (bool, error) {
	data, err := storage.Encode(rec)
	if err != nil {
		return false, err
	}
	result, err := s.do(ctx, "EVAL", swapScript, "1", key, rev, string(data))
	if err != nil {
		return false, err
	}
	var n int
	if err := json.Unmarshal(result, &n); err != nil {
		return false, fmt.Errorf("upstash EVAL: unexpected result %s", result)
	}
	return n == 1, nil
}

// Close releases idle connections.
func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
