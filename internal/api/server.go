// Package api is the HTTP surface of propbot: the chat serving path and the
// operator-facing monitoring endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger  *slog.Logger
	Chat    ChatService    // Required
	Metrics MetricsSource  // Required
	Drift   DriftService   // Required
	Trigger TriggerService // Required
	Runs    RunHistory     // Required

	Pool        *pgxpool.Pool // Optional: nil disables pool stats in /ready
	CORSOrigins []string      // Allowed origins for CORS
	TrustProxy  bool          // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateBurst   int           // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Chat == nil {
		return nil, errors.New("chat service is required")
	}
	if cfg.Metrics == nil {
		return nil, errors.New("metrics source is required")
	}
	if cfg.Drift == nil {
		return nil, errors.New("drift service is required")
	}
	if cfg.Trigger == nil {
		return nil, errors.New("trigger service is required")
	}
	if cfg.Runs == nil {
		return nil, errors.New("run history is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &chatHandler{chat: cfg.Chat, logger: logger}
	mh := &monitoringHandler{
		metrics: cfg.Metrics,
		drift:   cfg.Drift,
		trigger: cfg.Trigger,
		runs:    cfg.Runs,
		logger:  logger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/chat", ch.send)

	mux.HandleFunc("GET /api/monitoring/metrics", mh.getMetrics)
	mux.HandleFunc("GET /api/monitoring/drift", mh.getDrift)
	mux.HandleFunc("POST /api/monitoring/trigger-retraining", mh.triggerRetraining)
	mux.HandleFunc("POST /api/monitoring/cancel-retraining", mh.cancelRetraining)
	mux.HandleFunc("POST /api/monitoring/recalibrate", mh.recalibrate)
	mux.HandleFunc("GET /api/monitoring/status", mh.getStatus)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack (outermost first):
	//   Recovery -> RequestID -> Logging -> CORS -> RateLimit -> Routes
	// RequestID precedes Logging so request_id is available in log attributes.
	// CORS precedes RateLimit so preflight OPTIONS gets proper CORS headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack so load balancers are never
	// rate limited away.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
