package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"qrguard-lab/internal/api/handlers"
	apimiddleware "qrguard-lab/internal/api/middleware"
	"qrguard-lab/internal/config"
	"qrguard-lab/internal/metrics"
	"qrguard-lab/pkg/logger"
)

const requestTimeout = 60 * time.Second

// Router holds dependencies for the API router
type Router struct {
	config    config.Config
	handlers  *handlers.Handlers
	rateStore apimiddleware.RateLimitStore
	websocket http.HandlerFunc
	logger    *logger.Logger
}

// NewRouter creates a new Router instance. rateStore and websocket may be
// nil, which disables rate limiting and the live decision feed.
func NewRouter(cfg config.Config, h *handlers.Handlers, rateStore apimiddleware.RateLimitStore, websocket http.HandlerFunc, log *logger.Logger) *Router {
	return &Router{
		config:    cfg,
		handlers:  h,
		rateStore: rateStore,
		websocket: websocket,
		logger:    log.WithComponent("router"),
	}
}

// Setup sets up the Chi router with all routes and middleware
func (r *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Core middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(apimiddleware.Logger(r.logger))
	router.Use(middleware.Recoverer)
	router.Use(metrics.Middleware)

	// CORS
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   r.config.CORS.AllowedOrigins,
		AllowedMethods:   r.config.CORS.AllowedMethods,
		AllowedHeaders:   r.config.CORS.AllowedHeaders,
		AllowCredentials: r.config.CORS.AllowCredentials,
		MaxAge:           r.config.CORS.MaxAge,
	}))

	// Probes
	router.Get("/health", r.handlers.Health.Check)
	router.Get("/ready", r.handlers.Health.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Live decision feed; long-lived, so no request timeout
	if r.websocket != nil {
		router.Get("/ws/decisions", r.websocket)
	}

	router.Route("/api/v1/qr", func(qr chi.Router) {
		qr.Use(middleware.Timeout(requestTimeout))
		if r.config.RateLimit.Enabled && r.rateStore != nil {
			qr.Use(apimiddleware.RateLimiter(r.rateStore, r.config.RateLimit, r.logger))
		}

		qr.Post("/scan", r.handlers.QRSecurity.Scan)
		qr.Post("/scan/batch", r.handlers.QRSecurity.ScanBatch)
		qr.Get("/decisions/{id}", r.handlers.QRSecurity.GetDecision)
		qr.Get("/audit", r.handlers.QRSecurity.RecentAudit)

		// Reference data
		qr.Get("/payload-kinds", r.handlers.QRSecurity.GetPayloadKinds)
		qr.Get("/url-shorteners", r.handlers.QRSecurity.GetURLShorteners)
		qr.Get("/stats", r.handlers.Stats.Get)
	})

	return router
}
