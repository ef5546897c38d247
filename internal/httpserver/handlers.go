package httpserver

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/blake2b"

	"pastelite/internal/paste"
)

type indexPageData struct {
	Content    string
	TTLSeconds string
	MaxViews   string
	Error      string
	MaxBytes   int
}

type viewPageData struct {
	View      *paste.View
	ExpiresIn string
	Canonical string
}

type errorPageData struct {
	Message string
}

type titled interface {
	PageTitle() string
}

func (d indexPageData) PageTitle() string {
	return "New Paste · Pastebin Lite"
}

func (d viewPageData) PageTitle() string {
	if d.View != nil && d.View.ID != "" {
		return fmt.Sprintf("Paste %s · Pastebin Lite", d.View.ID)
	}
	return "View Paste · Pastebin Lite"
}

func (d errorPageData) PageTitle() string {
	if d.Message == "" {
		return "Pastebin Lite"
	}
	return d.Message + " · Pastebin Lite"
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "index", indexPageData{MaxBytes: s.pastes.MaxBytes()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	// Percent-encoding triples a byte at worst.
	maxBody := int64(s.pastes.MaxBytes())*3 + 4096
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := r.ParseForm(); err != nil {
		s.render(w, r, http.StatusBadRequest, "index", indexPageData{MaxBytes: s.pastes.MaxBytes(), Error: "Unable to parse form"})
		return
	}

	data := indexPageData{
		Content:    r.FormValue("content"),
		TTLSeconds: strings.TrimSpace(r.FormValue("ttl_seconds")),
		MaxViews:   strings.TrimSpace(r.FormValue("max_views")),
		MaxBytes:   s.pastes.MaxBytes(),
	}

	ttl, err := formInt(data.TTLSeconds)
	if err != nil {
		data.Error = "TTL must be a whole number of seconds"
		s.render(w, r, http.StatusBadRequest, "index", data)
		return
	}
	views, err := formInt(data.MaxViews)
	if err != nil {
		data.Error = "Max views must be a whole number"
		s.render(w, r, http.StatusBadRequest, "index", data)
		return
	}

	id, err := s.pastes.Create(r.Context(), paste.CreateRequest{
		Content:    data.Content,
		TTLSeconds: ttl,
		MaxViews:   views,
	})
	if err != nil {
		var ve *paste.ValidationError
		if errors.As(err, &ve) {
			data.Error = ve.Message
			s.render(w, r, http.StatusBadRequest, "index", data)
			return
		}
		s.serverError(w, r, err)
		return
	}

	http.Redirect(w, r, "/p/"+id, http.StatusSeeOther)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	view, err := s.pastes.ConsumeView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.viewError(w, r, err)
		return
	}

	var expires time.Time
	if view.ExpiresAt != nil {
		expires = *view.ExpiresAt
	}
	data := viewPageData{
		View:      view,
		ExpiresIn: remaining(expires, s.nowTime(r)),
		Canonical: s.canonicalURL(r, view.ID),
	}
	s.render(w, r, http.StatusOK, "view", data)
}

// handleRaw counts as a view like the HTML page does. Every request that
// spends a view gets the body, so If-None-Match is ignored rather than
// answered with 304; the ETag only lets clients compare contents.
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	view, err := s.pastes.ConsumeView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.viewError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("ETag", etagFor(view.Content))
	_, _ = io.WriteString(w, view.Content)
}

// handleQR encodes the share link only. It never loads the paste, so it
// cannot spend a view.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	png, err := qrcode.Encode(s.canonicalURL(r, id), qrcode.Medium, 256)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) viewError(w http.ResponseWriter, r *http.Request, err error) {
	var nf *paste.NotFoundError
	switch {
	case errors.As(err, &nf):
		s.render(w, r, http.StatusNotFound, "error", errorPageData{Message: notFoundMessage(nf.Reason)})
	case errors.Is(err, paste.ErrContention):
		w.Header().Set("Retry-After", "1")
		s.render(w, r, http.StatusServiceUnavailable, "error", errorPageData{Message: "Paste is busy, try again"})
	default:
		s.serverError(w, r, err)
	}
}

func notFoundMessage(reason paste.Reason) string {
	switch reason {
	case paste.ReasonExpired:
		return "Paste expired"
	case paste.ReasonLimitExceeded:
		return "View limit exceeded"
	default:
		return "Paste not found"
	}
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	title := "Pastebin Lite"
	if t, ok := data.(titled); ok {
		if pt := t.PageTitle(); pt != "" {
			title = pt
		}
	}
	body := &bytes.Buffer{}
	bodyTemplate := name + "-body"
	if err := s.templates.ExecuteTemplate(body, bodyTemplate, data); err != nil {
		s.handleTemplateError(w, status, bodyTemplate, err)
		return
	}
	layoutBuf := &bytes.Buffer{}
	layoutData := struct {
		Title string
		Body  template.HTML
	}{
		Title: title,
		Body:  template.HTML(body.String()),
	}
	if err := s.templates.ExecuteTemplate(layoutBuf, "layout", layoutData); err != nil {
		s.handleTemplateError(w, status, "layout", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = layoutBuf.WriteTo(w)
}

func (s *Server) handleTemplateError(w http.ResponseWriter, status int, name string, err error) {
	s.logger.Error("render template", "error", err, "template", name)
	http.Error(w, "Template error", status)
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("internal error", "error", err, "path", r.URL.Path)
	s.render(w, r, http.StatusInternalServerError, "error", errorPageData{Message: "Internal server error"})
}

// formInt parses an optional form number. Blank means unset.
func formInt(v string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func remaining(expires time.Time, now time.Time) string {
	if expires.IsZero() {
		return "Never"
	}
	if !now.Before(expires) {
		return "Expired"
	}
	dur := expires.Sub(now)
	if dur < time.Second {
		return "Less than a second"
	}
	units := []struct {
		d    time.Duration
		name string
	}{
		{time.Hour * 24, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
	}
	parts := make([]string, 0, len(units))
	for _, u := range units {
		if dur >= u.d {
			count := dur / u.d
			parts = append(parts, plural(int(count), u.name))
			dur -= count * u.d
		}
	}
	if len(parts) == 0 {
		seconds := int(dur.Seconds())
		if seconds <= 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", seconds)
	}
	return strings.Join(parts, ", ")
}

func plural(count int, singular string) string {
	if count == 1 {
		return fmt.Sprintf("1 %s", singular)
	}
	return fmt.Sprintf("%d %ss", count, singular)
}

func etagFor(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
