package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"pastelite/internal/clock"
)

// TestNowHeader carries a fixed "now" in milliseconds since the Unix epoch.
const TestNowHeader = "X-Test-Now-Ms"

// TestClock pins the request's notion of now to TestNowHeader when enabled.
// Disabled, or with a missing or malformed header, requests pass through
// untouched.
func TestClock(enabled bool) func(http.Handler) http.Handler {
	if !enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v := r.Header.Get(TestNowHeader); v != "" {
				if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
					r = r.WithContext(clock.WithNow(r.Context(), time.UnixMilli(ms)))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
