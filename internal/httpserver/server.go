package httpserver

import (
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pastelite/internal/clock"
	"pastelite/internal/metrics"
	"pastelite/internal/paste"
	"pastelite/web"
)

// Config captures server configuration.
type Config struct {
	Pastes     *paste.Service
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	TestMode   bool
	TrustProxy bool
	BaseURL    string
	Logger     *slog.Logger
}

// Server wraps HTTP handling logic.
type Server struct {
	pastes     *paste.Service
	clock      clock.Clock
	metrics    *metrics.Metrics
	router     chi.Router
	templates  *template.Template
	testMode   bool
	trustProxy bool
	baseURL    *url.URL
	logger     *slog.Logger
}

// New constructs a new Server instance.
func New(cfg Config) (*Server, error) {
	if cfg.Pastes == nil {
		return nil, errors.New("paste service required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	tmpl, err := template.New("layout").Funcs(template.FuncMap{
		"formatTime": func(t time.Time) string {
			if t.IsZero() {
				return "Never"
			}
			return t.UTC().Format(time.RFC1123)
		},
		"formatSize": func(size int) string {
			if size < 1024 {
				return fmt.Sprintf("%d B", size)
			}
			const unit = 1024.0
			kb := float64(size)
			for _, suffix := range []string{"KB", "MB", "GB"} {
				kb /= unit
				if kb < unit {
					return fmt.Sprintf("%.1f %s", kb, suffix)
				}
			}
			return fmt.Sprintf("%d B", size)
		},
	}).ParseFS(web.Templates, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	var parsedBase *url.URL
	if cfg.BaseURL != "" {
		parsedBase, err = url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url: %w", err)
		}
		if parsedBase.Scheme == "" || parsedBase.Host == "" {
			return nil, errors.New("base url must include scheme and host")
		}
		parsedBase.Path = strings.TrimSuffix(parsedBase.Path, "/")
	}

	srv := &Server{
		pastes:     cfg.Pastes,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		router:     chi.NewRouter(),
		templates:  tmpl,
		testMode:   cfg.TestMode,
		trustProxy: cfg.TrustProxy,
		baseURL:    parsedBase,
		logger:     cfg.Logger,
	}
	if err := srv.routes(); err != nil {
		return nil, err
	}
	return srv, nil
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() error {
	r := s.router

	r.Use(middleware.RequestID)
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(TestClock(s.testMode))
	r.Use(middleware.Compress(5, "text/html", "text/plain", "application/json", "text/css"))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		return fmt.Errorf("static assets: %w", err)
	}
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	r.Get("/", s.handleIndex)
	r.Post("/pastes", s.handleCreate)

	r.Route("/p/{id}", func(pr chi.Router) {
		pr.Get("/", s.handleView)
		pr.Get("/raw", s.handleRaw)
		pr.Get("/qr", s.handleQR)
	})

	r.Route("/api", func(ar chi.Router) {
		ar.Get("/healthz", s.handleHealth)
		ar.Post("/pastes", s.handleAPICreate)
		ar.Get("/pastes/{id}", s.handleAPIGet)
	})

	r.Handle("/metrics", s.metrics.Handler())
	return nil
}

func (s *Server) isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if s.baseURL != nil && s.baseURL.Scheme == "https" {
		return true
	}
	if s.trustProxy {
		proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto"))
		if proto == "https" {
			return true
		}
	}
	return false
}

// shareURL is the link handed out by the JSON API: the configured base URL
// plus /p/{id}, or the bare path when no base URL is set.
func (s *Server) shareURL(id string) string {
	path := "/p/" + id
	if s.baseURL == nil {
		return path
	}
	u := *s.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

// canonicalURL is always absolute, falling back to the request host.
func (s *Server) canonicalURL(r *http.Request, id string) string {
	if s.baseURL != nil {
		return s.shareURL(id)
	}

	scheme := "http"
	if s.isSecureRequest(r) {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s/p/%s", scheme, host, id)
}

func (s *Server) nowTime(r *http.Request) time.Time {
	return clock.Resolve(r.Context(), s.clock)
}
