// Package gateway is the HTTP front end of deckplane: it accepts runs, reports
// their progress and serves the produced presentations.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"deckplane/internal/auth"
	"deckplane/internal/gateway/handlers"
	"deckplane/internal/gateway/middleware"
	"deckplane/internal/store"
)

// Options configures the gateway server.
type Options struct {
	Addr string
	Keys *auth.Keyring
	// RateLimit is the sustained requests per second per principal; 0 disables limiting.
	RateLimit      float64
	RateLimitBurst int
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP server for the gateway API.
type Server struct {
	httpServer *http.Server
}

// New creates a new gateway server.
func New(st store.Store, p handlers.Pipeline, l handlers.Launcher, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := handlers.New(st, p, l, opts.Logger)
	authMW := middleware.AuthMiddleware(opts.Keys)
	rateMW := middleware.NewRateLimiter(middleware.WithLimit(opts.RateLimit, opts.RateLimitBurst)).Middleware()
	protected := func(fn http.HandlerFunc) http.Handler {
		return authMW(rateMW(fn))
	}

	mux := http.NewServeMux()

	// Probes and metrics are unauthenticated.
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	mux.Handle("POST /runs", protected(h.CreateRun))
	mux.Handle("GET /runs", protected(h.ListRuns))
	mux.Handle("GET /runs/{id}", protected(h.GetRun))
	mux.Handle("GET /runs/{id}/logs", protected(h.GetRunLogs))
	mux.Handle("GET /outputs", protected(h.ListOutputs))
	mux.Handle("GET /outputs/{name}", protected(h.DownloadOutput))

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      middleware.RequestLogger(opts.Logger)(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
