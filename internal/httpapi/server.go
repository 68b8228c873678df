// Package httpapi implements the External Interfaces surface (spec.md
// §6): /inference, /feedback, an OpenAI-compatible facade,
// /health, and /metrics, with SSE streaming and OTel tracing.
//
// Grounded on the teacher's cmd/proxy/main.go metrics/health HTTP
// server (net/http.ServeMux, promhttp.Handler) and on
// BaSui01-agentflow's cmd/agentflow/middleware.go (request logging,
// recovery, OTel tracing middleware shapes) — generalised from a
// gRPC+sidecar-metrics split into one HTTP+SSE surface.
package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tensorzero/inference-gateway/internal/engine"
	"github.com/tensorzero/inference-gateway/internal/feedback"
)

// Middleware wraps an http.Handler with cross-cutting behaviour.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares in order, so the first middleware listed
// is the outermost wrapper.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Server bundles the HTTP surface's collaborators and exposes an
// http.Handler built from them.
type Server struct {
	engine   *engine.Engine
	feedback *feedback.Engine
	logger   *zap.Logger
	metrics  *metricsRegistry
	tracer   string
}

// Config configures server construction.
type Config struct {
	Registry   prometheus.Registerer
	TracerName string
}

func NewServer(eng *engine.Engine, fb *feedback.Engine, logger *zap.Logger, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	if cfg.TracerName == "" {
		cfg.TracerName = "github.com/tensorzero/inference-gateway"
	}
	return &Server{
		engine:   eng,
		feedback: fb,
		logger:   logger,
		metrics:  newMetricsRegistry(cfg.Registry),
		tracer:   cfg.TracerName,
	}
}

// Handler builds the full routed, middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/inference", s.handleInference)
	mux.HandleFunc("/feedback", s.handleFeedback)
	mux.HandleFunc("/openai/v1/chat/completions", s.handleOpenAIChatCompletions)

	return Chain(mux,
		recoveryMiddleware(s.logger),
		requestLoggingMiddleware(s.logger),
		tracingMiddleware(s.tracer),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// recoveryMiddleware converts a panic in any downstream handler into a
// 500 instead of killing the server process.
func recoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":{"kind":"internal","message":"internal server error"}}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers downstream of this middleware keep flushing
// through the wrapper, since http.ResponseWriter itself doesn't
// declare Flush.
func (w *statusCapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
