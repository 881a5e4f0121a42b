package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/internal/domain/services"
	"qrguard-lab/internal/infrastructure/cache"
	"qrguard-lab/internal/infrastructure/database"
	"qrguard-lab/pkg/logger"
)

// Handlers holds all API handlers
type Handlers struct {
	Health     *HealthHandler
	QRSecurity *QRSecurityHandler
	Stats      *StatsHandler
}

// AuditReader lists recently audited decisions
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]models.AuditRecord, error)
}

// Dependencies holds dependencies for handlers. Cache, DB and Audit are
// optional.
type Dependencies struct {
	Service      *services.QRSecurityService
	Cache        *cache.RedisCache
	DB           *database.PostgresDB
	Audit        AuditReader
	Version      string
	MaxBodyBytes int64
	Logger       *logger.Logger
}

// NewHandlers creates all handlers
func NewHandlers(deps Dependencies) *Handlers {
	checks := make(map[string]Pinger)
	var statsCache StatsCache
	if deps.Cache != nil {
		checks["redis"] = deps.Cache
		statsCache = deps.Cache
	}
	if deps.DB != nil {
		checks["postgres"] = deps.DB
	}

	return &Handlers{
		Health:     NewHealthHandler(deps.Service, checks, deps.Version, deps.Logger),
		QRSecurity: NewQRSecurityHandler(deps.Service, deps.Audit, deps.MaxBodyBytes, deps.Logger),
		Stats:      NewStatsHandler(deps.Service, statsCache, deps.Logger),
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
