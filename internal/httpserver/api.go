package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pastelite/internal/paste"
)

type createPasteRequest struct {
	Content    *string         `json:"content"`
	TTLSeconds json.RawMessage `json:"ttl_seconds"`
	MaxViews   json.RawMessage `json:"max_views"`
}

type createPasteResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type pasteResponse struct {
	Content        string  `json:"content"`
	RemainingViews *int    `json:"remaining_views"`
	CreatedAt      string  `json:"created_at"`
	ExpiresAt      *string `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// isoMillis matches JavaScript's Date.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func (s *Server) handleAPICreate(w http.ResponseWriter, r *http.Request) {
	// A \uXXXX escape is six bytes per content byte. The decoded size is
	// checked by the paste service.
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.pastes.MaxBytes())*6+4096)

	var req createPasteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.jsonError(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Invalid content: content is too large", Field: "content"})
			return
		}
		s.jsonError(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	if req.Content == nil {
		s.jsonError(w, http.StatusBadRequest, errorResponse{Error: "Invalid content", Field: "content"})
		return
	}
	ttl, ok := jsonInt(req.TTLSeconds)
	if !ok {
		s.jsonError(w, http.StatusBadRequest, errorResponse{Error: "Invalid ttl_seconds", Field: "ttl_seconds"})
		return
	}
	views, ok := jsonInt(req.MaxViews)
	if !ok {
		s.jsonError(w, http.StatusBadRequest, errorResponse{Error: "Invalid max_views", Field: "max_views"})
		return
	}

	id, err := s.pastes.Create(r.Context(), paste.CreateRequest{
		Content:    *req.Content,
		TTLSeconds: ttl,
		MaxViews:   views,
	})
	if err != nil {
		var ve *paste.ValidationError
		if errors.As(err, &ve) {
			s.jsonError(w, http.StatusBadRequest, errorResponse{Error: "Invalid " + ve.Field + ": " + ve.Message, Field: ve.Field})
			return
		}
		s.logger.Error("create paste", "error", err)
		s.jsonError(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}

	s.json(w, http.StatusOK, createPasteResponse{ID: id, URL: s.shareURL(id)})
}

// handleAPIGet consumes a view. Every not-found reason looks the same here;
// only the HTML page tells them apart.
func (s *Server) handleAPIGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.pastes.ConsumeView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, paste.ErrNotFound):
			s.jsonError(w, http.StatusNotFound, errorResponse{Error: "Not found"})
		case errors.Is(err, paste.ErrContention):
			w.Header().Set("Retry-After", "1")
			s.jsonError(w, http.StatusServiceUnavailable, errorResponse{Error: "Busy, try again"})
		default:
			s.logger.Error("consume view", "error", err, "id", chi.URLParam(r, "id"))
			s.jsonError(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		}
		return
	}

	resp := pasteResponse{
		Content:        view.Content,
		RemainingViews: view.RemainingViews,
		CreatedAt:      view.CreatedAt.UTC().Format(isoMillis),
	}
	if view.ExpiresAt != nil {
		exp := view.ExpiresAt.UTC().Format(isoMillis)
		resp.ExpiresAt = &exp
	}
	w.Header().Set("Cache-Control", "no-store")
	s.json(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pastes.Ping(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		s.json(w, http.StatusInternalServerError, map[string]bool{"ok": false})
		return
	}
	s.json(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, body errorResponse) {
	s.json(w, status, body)
}

// jsonInt accepts an absent or null field as unset and otherwise requires a
// JSON number with no fractional part. Strings and booleans are rejected.
func jsonInt(raw json.RawMessage) (*int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return nil, false
	}
	n := int(f)
	return &n, true
}
