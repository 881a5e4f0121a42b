package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/internal/domain/services"
	"qrguard-lab/pkg/logger"
)

const (
	defaultMaxBodyBytes = 8 << 20
	defaultAuditLimit   = 50
	maxAuditLimit       = 500
)

// QRSecurityHandler handles QR code security API requests
type QRSecurityHandler struct {
	service      *services.QRSecurityService
	audit        AuditReader
	maxBodyBytes int64
	logger       *logger.Logger
}

// NewQRSecurityHandler creates a new QR security handler. audit may be nil.
func NewQRSecurityHandler(service *services.QRSecurityService, audit AuditReader, maxBodyBytes int64, log *logger.Logger) *QRSecurityHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &QRSecurityHandler{
		service:      service,
		audit:        audit,
		maxBodyBytes: maxBodyBytes,
		logger:       log.WithComponent("qr-security-handler"),
	}
}

// Scan handles POST /api/v1/qr/scan
func (h *QRSecurityHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req models.QRScanRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.service.Scan(r.Context(), &req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// ScanBatch handles POST /api/v1/qr/scan/batch
func (h *QRSecurityHandler) ScanBatch(w http.ResponseWriter, r *http.Request) {
	var req models.QRBatchScanRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.ScanBatch(r.Context(), req.Items)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// GetDecision handles GET /api/v1/qr/decisions/{id}
func (h *QRSecurityHandler) GetDecision(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid decision id")
		return
	}

	rec, err := h.service.GetDecision(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// RecentAudit handles GET /api/v1/qr/audit?limit=N
func (h *QRSecurityHandler) RecentAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondError(w, http.StatusNotImplemented, "no queryable audit store configured")
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	records, err := h.audit.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read audit log")
		respondError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// GetPayloadKinds handles GET /api/v1/qr/payload-kinds
func (h *QRSecurityHandler) GetPayloadKinds(w http.ResponseWriter, r *http.Request) {
	kinds := h.service.GetPayloadKinds()
	respondJSON(w, http.StatusOK, map[string]any{
		"payload_kinds": kinds,
		"count":         len(kinds),
	})
}

// GetURLShorteners handles GET /api/v1/qr/url-shorteners
func (h *QRSecurityHandler) GetURLShorteners(w http.ResponseWriter, r *http.Request) {
	shorteners := h.service.GetURLShorteners()
	respondJSON(w, http.StatusOK, map[string]any{
		"shorteners":  shorteners,
		"count":       len(shorteners),
		"description": "URL shortening services that may hide the real destination",
	})
}

func (h *QRSecurityHandler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *QRSecurityHandler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidScanRequest),
		errors.Is(err, services.ErrImageNotDataURI),
		errors.Is(err, services.ErrEmptyBatch),
		errors.Is(err, services.ErrBatchTooLarge):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrDecisionNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
