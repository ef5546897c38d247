package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"pastelite/internal/clock"
	"pastelite/internal/metrics"
	"pastelite/internal/paste"
	"pastelite/internal/storage"
	"pastelite/internal/storage/memstore"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv     *Server
	clock   *clock.Manual
	backend storage.Backend
}

func newTestEnv(t *testing.T, backend storage.Backend, mutate func(*Config)) *testEnv {
	t.Helper()
	if backend == nil {
		backend = memstore.New()
	}
	c := clock.NewManual(epoch)
	m := metrics.New()
	svc, err := paste.New(paste.Config{Backend: backend, Clock: c, MaxBytes: 1024, Metrics: m})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	cfg := Config{Pastes: svc, Clock: c, Metrics: m}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{srv: srv, clock: c, backend: backend}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) createJSON(t *testing.T, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/pastes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := e.do(req)
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return rr.Code, out
}

func TestAPICreateAndFetch(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	code, created := env.createJSON(t, `{"content":"hello","ttl_seconds":60,"max_views":2}`)
	if code != http.StatusOK {
		t.Fatalf("create status %d: %v", code, created)
	}
	id, _ := created["id"].(string)
	if len(id) != 8 {
		t.Fatalf("expected 8 character id, got %q", id)
	}
	if created["url"] != "/p/"+id {
		t.Fatalf("expected path-only url without base url, got %v", created["url"])
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/pastes/"+id, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("fetch status %d", rr.Code)
	}
	var got struct {
		Content        string  `json:"content"`
		RemainingViews *int    `json:"remaining_views"`
		ExpiresAt      *string `json:"expires_at"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Content != "hello" {
		t.Fatalf("unexpected content %q", got.Content)
	}
	if got.RemainingViews == nil || *got.RemainingViews != 1 {
		t.Fatalf("expected 1 remaining view, got %v", got.RemainingViews)
	}
	if got.ExpiresAt == nil || *got.ExpiresAt != "2025-06-01T12:01:00.000Z" {
		t.Fatalf("unexpected expires_at %v", got.ExpiresAt)
	}
}

func TestAPIUnboundedPasteHasNulls(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, created := env.createJSON(t, `{"content":"plain"}`)
	id := created["id"].(string)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/pastes/"+id, nil))
	body := rr.Body.String()
	if !strings.Contains(body, `"remaining_views":null`) || !strings.Contains(body, `"expires_at":null`) {
		t.Fatalf("expected null remaining_views and expires_at, got %s", body)
	}
}

func TestAPIShareURLUsesBaseURL(t *testing.T) {
	env := newTestEnv(t, nil, func(c *Config) { c.BaseURL = "https://paste.example/" })
	_, created := env.createJSON(t, `{"content":"x"}`)
	if want := "https://paste.example/p/" + created["id"].(string); created["url"] != want {
		t.Fatalf("expected %q, got %v", want, created["url"])
	}
}

func TestAPICreateValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed", `{"content":`, ""},
		{"missing content", `{}`, "content"},
		{"blank content", `{"content":"   "}`, "content"},
		{"content not string", `{"content":42}`, ""},
		{"too large", `{"content":"` + strings.Repeat("a", 1025) + `"}`, "content"},
		{"zero ttl", `{"content":"x","ttl_seconds":0}`, "ttl_seconds"},
		{"fractional ttl", `{"content":"x","ttl_seconds":1.5}`, "ttl_seconds"},
		{"string ttl", `{"content":"x","ttl_seconds":"60"}`, "ttl_seconds"},
		{"negative views", `{"content":"x","max_views":-1}`, "max_views"},
		{"bool views", `{"content":"x","max_views":true}`, "max_views"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := env.createJSON(t, tt.body)
			if code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %v", code, out)
			}
			if out["error"] == "" {
				t.Fatalf("expected error message, got %v", out)
			}
			if tt.field != "" && out["field"] != tt.field {
				t.Fatalf("expected field %q, got %v", tt.field, out["field"])
			}
		})
	}
}

func TestAPICreateAcceptsEscapedContentAtLimit(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	for _, ch := range []string{"<", "&", "\x01"} {
		body, err := json.Marshal(map[string]string{"content": strings.Repeat(ch, 1024)})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if len(body) <= 2*1024+4096 {
			t.Fatalf("body for %q should escape past twice the limit, got %d bytes", ch, len(body))
		}
		code, out := env.createJSON(t, string(body))
		if code != http.StatusOK {
			t.Fatalf("content of %q at the limit: expected 200, got %d: %v", ch, code, out)
		}
	}

	body, _ := json.Marshal(map[string]string{"content": strings.Repeat("<", 1025)})
	code, out := env.createJSON(t, string(body))
	if code != http.StatusBadRequest || out["field"] != "content" {
		t.Fatalf("expected content size error, got %d: %v", code, out)
	}

	body = []byte(`{"content":"` + strings.Repeat("a", 6*1024+4096) + `"}`)
	code, out = env.createJSON(t, string(body))
	if code != http.StatusRequestEntityTooLarge || out["field"] != "content" {
		t.Fatalf("expected 413 for oversized body, got %d: %v", code, out)
	}
}

func TestFormCreateAcceptsEncodedContentAtLimit(t *testing.T) {
	const limit = 4096
	svc, err := paste.New(paste.Config{Backend: memstore.New(), MaxBytes: limit})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	srv, err := New(Config{Pastes: svc})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	encoded := url.Values{"content": {strings.Repeat("<", limit)}}.Encode()
	if len(encoded) <= limit+4096 {
		t.Fatalf("encoded form should outgrow the content, got %d bytes", len(encoded))
	}
	req := httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(encoded))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAPINotFoundIsUniform(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	_, limited := env.createJSON(t, `{"content":"x","max_views":1}`)
	limitedID := limited["id"].(string)
	env.do(httptest.NewRequest(http.MethodGet, "/api/pastes/"+limitedID, nil))

	_, expiring := env.createJSON(t, `{"content":"x","ttl_seconds":10}`)
	expiringID := expiring["id"].(string)
	env.clock.Advance(11 * time.Second)

	for _, id := range []string{"missing1", limitedID, expiringID} {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/api/pastes/"+id, nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", id, rr.Code)
		}
		if strings.TrimSpace(rr.Body.String()) != `{"error":"Not found"}` {
			t.Fatalf("%s: expected uniform body, got %s", id, rr.Body.String())
		}
	}
}

func TestHTMLViewReasons(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	_, limited := env.createJSON(t, `{"content":"<b>once</b>","max_views":1}`)
	id := limited["id"].(string)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/p/"+id, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("view status %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "&lt;b&gt;once&lt;/b&gt;") || strings.Contains(body, "<b>once</b>") {
		t.Fatalf("content must be escaped: %s", body)
	}
	if !strings.Contains(body, "Views remaining: 0") {
		t.Fatalf("expected remaining views on page")
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/p/"+id, nil))
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "View limit exceeded") {
		t.Fatalf("expected view limit page, got %d %s", rr.Code, rr.Body.String())
	}

	_, expiring := env.createJSON(t, `{"content":"x","ttl_seconds":5}`)
	env.clock.Advance(5 * time.Second)
	rr = env.do(httptest.NewRequest(http.MethodGet, "/p/"+expiring["id"].(string), nil))
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "Paste expired") {
		t.Fatalf("expected expired page, got %d", rr.Code)
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/p/doesnotexist", nil))
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "Paste not found") {
		t.Fatalf("expected not found page, got %d", rr.Code)
	}
}

func TestFormCreateFlow(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	form := url.Values{}
	form.Set("content", "package main\nfunc main() {}")
	form.Set("ttl_seconds", "3600")
	form.Set("max_views", "")

	req := httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := env.do(req)
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "/p/") {
		t.Fatalf("unexpected location %q", loc)
	}

	viewRec := env.do(httptest.NewRequest(http.MethodGet, loc, nil))
	if viewRec.Code != http.StatusOK {
		t.Fatalf("view status: %d", viewRec.Code)
	}
	if !strings.Contains(viewRec.Body.String(), "package main") || !strings.Contains(viewRec.Body.String(), "1 hour") {
		t.Fatalf("view response missing content or expiry")
	}
}

func TestFormCreateErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	for _, form := range []url.Values{
		{"content": {" "}},
		{"content": {"x"}, "ttl_seconds": {"soon"}},
		{"content": {"x"}, "max_views": {"0"}},
	} {
		req := httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := env.do(req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("form %v: expected 400, got %d", form, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `class="error"`) {
			t.Fatalf("form %v: expected error message on page", form)
		}
	}
}

func TestRawAlwaysReturnsBodyForSpentView(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, created := env.createJSON(t, `{"content":"raw text","max_views":2}`)
	id := created["id"].(string)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/p/"+id+"/raw", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "raw text" {
		t.Fatalf("raw: %d %q", rr.Code, rr.Body.String())
	}
	etag := rr.Header().Get("ETag")
	if etag != etagFor("raw text") || len(etag) != 66 {
		t.Fatalf("unexpected etag %q", etag)
	}

	// A conditional request still spends a view, so it must still get the body.
	req := httptest.NewRequest(http.MethodGet, "/p/"+id+"/raw", nil)
	req.Header.Set("If-None-Match", etag)
	rr = env.do(req)
	if rr.Code != http.StatusOK || rr.Body.String() != "raw text" {
		t.Fatalf("conditional raw: expected 200 with body, got %d %q", rr.Code, rr.Body.String())
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("unexpected Cache-Control %q", cc)
	}

	if rr := env.do(httptest.NewRequest(http.MethodGet, "/p/"+id+"/raw", nil)); rr.Code != http.StatusNotFound {
		t.Fatalf("expected raw to be out of views, got %d", rr.Code)
	}
}

func TestQRDoesNotConsumeViews(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, created := env.createJSON(t, `{"content":"qr","max_views":1}`)
	id := created["id"].(string)

	for i := 0; i < 3; i++ {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/p/"+id+"/qr", nil))
		if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/png" {
			t.Fatalf("qr: %d %s", rr.Code, rr.Header().Get("Content-Type"))
		}
	}
	if rr := env.do(httptest.NewRequest(http.MethodGet, "/api/pastes/"+id, nil)); rr.Code != http.StatusOK {
		t.Fatalf("paste should still have its view, got %d", rr.Code)
	}
}

func TestTestModeHeader(t *testing.T) {
	later := strconv.FormatInt(epoch.Add(2*time.Minute).UnixMilli(), 10)

	off := newTestEnv(t, nil, nil)
	_, created := off.createJSON(t, `{"content":"x","ttl_seconds":60}`)
	req := httptest.NewRequest(http.MethodGet, "/api/pastes/"+created["id"].(string), nil)
	req.Header.Set(TestNowHeader, later)
	if rr := off.do(req); rr.Code != http.StatusOK {
		t.Fatalf("header must be ignored outside test mode, got %d", rr.Code)
	}

	on := newTestEnv(t, nil, func(c *Config) { c.TestMode = true })
	_, created = on.createJSON(t, `{"content":"x","ttl_seconds":60}`)
	req = httptest.NewRequest(http.MethodGet, "/api/pastes/"+created["id"].(string), nil)
	req.Header.Set(TestNowHeader, later)
	if rr := on.do(req); rr.Code != http.StatusNotFound {
		t.Fatalf("expected header time to expire the paste, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/pastes/"+created["id"].(string), nil)
	req.Header.Set(TestNowHeader, "not-a-number")
	if rr := on.do(req); rr.Code != http.StatusOK {
		t.Fatalf("malformed header should fall back to the clock, got %d", rr.Code)
	}
}

type brokenBackend struct {
	memstore.Store
}

var errBroken = errors.New("backend unavailable")

func (b *brokenBackend) Get(context.Context, string) (*storage.Record, error) {
	return nil, errBroken
}

func (b *brokenBackend) Set(context.Context, string, *storage.Record) error {
	return errBroken
}

func TestBackendFailuresAre500(t *testing.T) {
	env := newTestEnv(t, &brokenBackend{}, nil)

	if rr := env.do(httptest.NewRequest(http.MethodGet, "/api/pastes/abcdefgh", nil)); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from get, got %d", rr.Code)
	}
	if rr := env.do(httptest.NewRequest(http.MethodGet, "/p/abcdefgh", nil)); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 page, got %d", rr.Code)
	}
	code, _ := env.createJSON(t, `{"content":"x"}`)
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from create, got %d", code)
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	if rr.Code != http.StatusInternalServerError || strings.TrimSpace(rr.Body.String()) != `{"ok":false}` {
		t.Fatalf("expected unhealthy, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"ok":true}` {
		t.Fatalf("healthz: %d %s", rr.Code, rr.Body.String())
	}

	env.createJSON(t, `{"content":"m"}`)
	rr = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if rr.Code != http.StatusOK || !strings.Contains(string(body), "pastelite_pastes_created_total 1") {
		t.Fatalf("metrics: %d %s", rr.Code, body)
	}
}

func TestStaticAssets(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rr := env.do(httptest.NewRequest(http.MethodGet, "/static/style.css", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), ".container") {
		t.Fatalf("style.css: %d", rr.Code)
	}
}

func TestRemaining(t *testing.T) {
	tests := []struct {
		expires time.Time
		want    string
	}{
		{time.Time{}, "Never"},
		{epoch, "Expired"},
		{epoch.Add(500 * time.Millisecond), "Less than a second"},
		{epoch.Add(30 * time.Second), "30 seconds"},
		{epoch.Add(26*time.Hour + 2*time.Minute), "1 day, 2 hours, 2 minutes"},
	}
	for _, tt := range tests {
		if got := remaining(tt.expires, epoch); got != tt.want {
			t.Fatalf("remaining(%v) = %q, want %q", tt.expires, got, tt.want)
		}
	}
}

func TestNewRequiresService(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without paste service")
	}
}
