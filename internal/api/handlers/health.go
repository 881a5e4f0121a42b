package handlers

import (
	"context"
	"net/http"
	"time"

	"qrguard-lab/internal/domain/services"
	"qrguard-lab/pkg/logger"
)

// Pinger is a backing store the readiness probe checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	service   *services.QRSecurityService
	checks    map[string]Pinger
	version   string
	logger    *logger.Logger
	startTime time.Time
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(service *services.QRSecurityService, checks map[string]Pinger, version string, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		service:   service,
		checks:    checks,
		version:   version,
		logger:    log.WithComponent("health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Check handles GET /health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: nowUTC(),
	})
}

// Ready handles GET /ready. A missing model is reported but does not fail
// readiness since the engine degrades to heuristics.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checks)+1)
	status := http.StatusOK
	overallStatus := "ready"

	for name, dep := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := dep.Ping(ctx)
		cancel()
		if err != nil {
			h.logger.Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
			checks[name] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
			overallStatus = "not ready"
			continue
		}
		checks[name] = "healthy"
	}

	if h.service != nil {
		if h.service.ModelAvailable() {
			checks["model"] = "loaded"
		} else {
			checks["model"] = "unavailable"
		}
	}

	respondJSON(w, status, HealthResponse{
		Status:    overallStatus,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: nowUTC(),
		Checks:    checks,
	})
}
