// Package api exposes the HTTP interface for the discovery service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/config"
	"github.com/sourcescout/sourcescout/internal/metrics"
	"github.com/sourcescout/sourcescout/internal/ratelimit"
	"github.com/sourcescout/sourcescout/internal/source"
)

// Server wires HTTP handlers to the discovery orchestrator.
type Server struct {
	router  chi.Router
	orch    *source.Orchestrator
	limiter *ratelimit.Limiter
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	orch *source.Orchestrator,
	limiter *ratelimit.Limiter,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:    orch,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
	timeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey, logger))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/discover", s.discover)
		r.Get("/ratelimit", s.rateLimitStatus)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// Discovery has no required downstreams; readiness mirrors liveness.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

type discoverRequest struct {
	URL        string              `json:"url"`
	SourceType string              `json:"source_type"`
	AllowPaths []string            `json:"allow_paths"`
	DenyPaths  []string            `json:"deny_paths"`
	MaxDepth   int                 `json:"max_depth"`
	DetectOnly bool                `json:"detect_only"`
	Scrape     source.ScrapeConfig `json:"scrape"`
	// Enhance runs full-content extraction on thin items after discovery.
	Enhance            bool `json:"enhance"`
	MaxEnhanceItems    int  `json:"max_enhance_items"`
	EnhanceConcurrency int  `json:"enhance_concurrency"`
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	session, err := toSessionConfig(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.orch.ProcessSource(r.Context(), req.URL, session)
	if req.Enhance && !req.DetectOnly {
		res.Items = s.orch.Enhance(r.Context(), res.Items, source.EnhanceOptions{
			MaxItems:    req.MaxEnhanceItems,
			Concurrency: req.EnhanceConcurrency,
			SessionID:   res.SessionID,
		})
	}
	metrics.ObserveSession(string(res.DetectedType), len(res.Items))

	status := http.StatusOK
	if len(res.Items) == 0 && len(res.Errors) > 0 {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res, s.logger)
}

func (s *Server) rateLimitStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.limiter.Snapshot()
	hosts := make([]map[string]any, 0, len(snap.Hosts))
	for _, h := range snap.Hosts {
		entry := map[string]any{
			"host":      h.Host,
			"queue_len": h.QueueLen,
			"active":    h.Active,
		}
		if !h.BackoffUntil.IsZero() {
			entry["backoff_until"] = h.BackoffUntil.UTC().Format(time.RFC3339)
			entry["backoff_multiplier"] = h.Multiplier
		}
		hosts = append(hosts, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"global_active": snap.GlobalActive,
		"hosts":         hosts,
	}, s.logger)
}

func toSessionConfig(req discoverRequest) (source.SessionConfig, error) {
	session := source.SessionConfig{
		SourceType: source.StrategyAuto,
		AllowPaths: req.AllowPaths,
		DenyPaths:  req.DenyPaths,
		MaxDepth:   req.MaxDepth,
		DetectOnly: req.DetectOnly,
		Scrape:     req.Scrape,
	}
	switch source.Strategy(req.SourceType) {
	case "", source.StrategyAuto:
	case source.StrategyFeed, source.StrategySitemap, source.StrategyHTML, source.StrategyDiscovery:
		session.SourceType = source.Strategy(req.SourceType)
	default:
		return source.SessionConfig{}, fmt.Errorf("unknown source_type %q", req.SourceType)
	}
	return session, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}
