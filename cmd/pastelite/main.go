package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pastelite/internal/clock"
	"pastelite/internal/config"
	"pastelite/internal/httpserver"
	"pastelite/internal/id"
	"pastelite/internal/logger"
	"pastelite/internal/metrics"
	"pastelite/internal/paste"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg.Store, log)
	if err != nil {
		log.Error("failed opening storage backend", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	m := metrics.New()
	sysClock := clock.System{}

	pastes, err := paste.New(paste.Config{
		Backend:     backend,
		Clock:       sysClock,
		IDs:         id.New(cfg.Paste.IDLength),
		MaxBytes:    cfg.Paste.MaxBytes,
		MaxAttempts: cfg.Paste.ConsumeAttempts,
		Metrics:     m,
		Logger:      log,
	})
	if err != nil {
		log.Error("failed to construct paste service", "error", err)
		os.Exit(1)
	}

	if cfg.TestMode {
		log.Warn("test mode enabled, clients may set the current time via header", "header", httpserver.TestNowHeader)
	}
	srv, err := httpserver.New(httpserver.Config{
		Pastes:     pastes,
		Clock:      sysClock,
		Metrics:    m,
		TestMode:   cfg.TestMode,
		TrustProxy: cfg.Server.TrustProxy,
		BaseURL:    cfg.Server.BaseURL,
		Logger:     log,
	})
	if err != nil {
		log.Error("failed to construct server", "error", err)
		os.Exit(1)
	}

	srvHTTP := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Addr, "environment", cfg.Environment)
		if err := srvHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	case err := <-errCh:
		log.Error("http server error", "error", err)
		backend.Close()
		os.Exit(1)
	}

	log.Info("shutdown complete")
}
