package api

import (
	"log/slog"
	"net/http"

	"eventbroker/internal/feed"
	"eventbroker/internal/health"
	"eventbroker/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Engines       EngineLister
	Events        feed.Appender // optional; enables POST /v1/events
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	Logger        *slog.Logger
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handler := NewHandler(cfg.Engines, cfg.HealthChecker, logger)
	handler.events = cfg.Events

	mux := http.NewServeMux()

	// Probes - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Engine views - auth required
	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/engines", auth(http.HandlerFunc(handler.ListEngines)))
	mux.Handle("GET /v1/engines/{kind}/{namespace}/{name}", auth(http.HandlerFunc(handler.GetEngine)))
	if cfg.Events != nil {
		mux.Handle("POST /v1/events", auth(http.HandlerFunc(handler.PublishEvent)))
	}

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware(logger)(h)
	h = RecoveryMiddleware(logger)(h)

	return h
}
