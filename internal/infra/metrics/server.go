package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"mosaic-ai/internal/infra/config"
	"mosaic-ai/internal/infra/middleware"
)

// HealthFunc reports readiness details for /healthz. A non-nil error
// turns the response into a 503.
type HealthFunc func(ctx context.Context) (map[string]any, error)

// Server serves /metrics and /healthz.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the ops HTTP server. The handlers are wrapped with
// security headers and a per-client rate limit bound to ctx.
func NewServer(ctx context.Context, cfg config.MetricsConfig, c *Collector, health HealthFunc, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		status := http.StatusOK
		if health != nil {
			details, err := health(r.Context())
			for k, v := range details {
				body[k] = v
			}
			if err != nil {
				body["status"] = "unavailable"
				body["error"] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	handler := middleware.Chain(mux,
		middleware.RequestLog(logger),
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, middleware.RateLimitConfig{RequestsPerMin: 600, BurstSize: 60}),
	)

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("ops server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
