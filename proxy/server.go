package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentfleet/claudegate/upstream"
)

// contextKey is a private type for context values set by middleware.
type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request ID set by the server
// middleware, or "" when none is present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Server hosts the proxy's HTTP surface: the messages endpoint, stats,
// health, and Prometheus metrics.
type Server struct {
	proxy      *Proxy
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer creates the HTTP server around a wired Proxy.
func NewServer(p *Proxy, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{proxy: p, log: log}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.recoverer)

	r.Post("/v1/messages", p.HandleMessages)
	r.Get("/stats", p.HandleStats)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: a request may legitimately spend the full
		// admission wait plus upstream retries before responding.
	}

	return s
}

// Start begins serving in a background goroutine. The returned channel
// yields the terminal serve error, nil on clean shutdown.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("proxy listening", "addr", s.httpServer.Addr)
		err := s.httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()
	return errCh
}

// Stop shuts the server down gracefully, letting in-flight requests
// drain until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down proxy server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// handleHealth serves GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// requestID assigns each request a correlation ID, honoring one the
// caller already set.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer converts handler panics into a 500 error envelope instead
// of tearing down the connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(upstream.NewErrorEnvelope("api_error", "internal proxy error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
