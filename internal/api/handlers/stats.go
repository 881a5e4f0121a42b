package handlers

import (
	"context"
	"net/http"
	"time"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/internal/domain/services"
	"qrguard-lab/internal/infrastructure/cache"
	"qrguard-lab/pkg/logger"
)

const statsCacheTTL = 10 * time.Second

// StatsCache holds a short-lived stats snapshot
type StatsCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// StatsHandler handles statistics endpoints
type StatsHandler struct {
	service *services.QRSecurityService
	cache   StatsCache
	logger  *logger.Logger
}

// NewStatsHandler creates a new StatsHandler. c may be nil.
func NewStatsHandler(service *services.QRSecurityService, c StatsCache, log *logger.Logger) *StatsHandler {
	return &StatsHandler{
		service: service,
		cache:   c,
		logger:  log.WithComponent("stats"),
	}
}

// Get handles GET /api/v1/qr/stats
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		var cached models.QRDecisionStats
		if err := h.cache.GetJSON(r.Context(), cache.KeyStats, &cached); err == nil {
			w.Header().Set("X-Cache", "HIT")
			respondJSON(w, http.StatusOK, cached)
			return
		}
	}

	stats := h.service.GetStats()
	if h.cache != nil {
		if err := h.cache.SetJSON(r.Context(), cache.KeyStats, stats, statsCacheTTL); err != nil {
			h.logger.Warn().Err(err).Msg("failed to cache stats")
		}
	}

	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("Cache-Control", "public, max-age=10")
	respondJSON(w, http.StatusOK, stats)
}
