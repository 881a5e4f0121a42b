package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrguard-lab/internal/api/handlers"
	"qrguard-lab/internal/config"
	"qrguard-lab/internal/domain/models"
	"qrguard-lab/internal/domain/services"
	"qrguard-lab/pkg/logger"
)

type denyAll struct{}

func (denyAll) CheckRateLimit(context.Context, string, int64, time.Duration) (bool, int64, time.Time, error) {
	return false, 0, time.Now().Add(time.Minute), nil
}

func newTestRouter(t *testing.T, cfg config.Config, store *denyAll) http.Handler {
	t.Helper()
	svc := services.NewQRSecurityService(services.EngineDeps{Logger: logger.NewNop()}, services.QRSecurityOptions{})
	h := handlers.NewHandlers(handlers.Dependencies{Service: svc, Version: "test", Logger: logger.NewNop()})
	if store == nil {
		return NewRouter(cfg, h, nil, nil, logger.NewNop()).Setup()
	}
	return NewRouter(cfg, h, store, nil, logger.NewNop()).Setup()
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRouter_ScanThenFetchDecision(t *testing.T) {
	router := newTestRouter(t, config.Config{}, nil)

	rr := do(router, http.MethodPost, "/api/v1/qr/scan", `{"content":"http://192.168.1.10/pay"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var rec models.DecisionRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, models.ActionWarn, rec.Decision)
	assert.Equal(t, 60, rec.RiskPoints)

	rr = do(router, http.MethodGet, "/api/v1/qr/decisions/"+rec.ID.String(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	var fetched models.DecisionRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fetched))
	assert.Equal(t, rec.ID, fetched.ID)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/v1/qr/decisions/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/api/v1/qr/decisions/not-a-uuid", "").Code)
}

func TestRouter_Routes(t *testing.T) {
	router := newTestRouter(t, config.Config{}, nil)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/qr/payload-kinds", http.StatusOK},
		{http.MethodGet, "/api/v1/qr/url-shorteners", http.StatusOK},
		{http.MethodGet, "/api/v1/qr/stats", http.StatusOK},
		{http.MethodGet, "/api/v1/qr/audit", http.StatusNotImplemented},
		{http.MethodGet, "/ws/decisions", http.StatusNotFound},
		{http.MethodGet, "/api/v1/qr/scan", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.status, do(router, tt.method, tt.path, "").Code)
		})
	}

	var kinds struct {
		PayloadKinds []models.PayloadKind `json:"payload_kinds"`
		Count        int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(do(router, http.MethodGet, "/api/v1/qr/payload-kinds", "").Body.Bytes(), &kinds))
	assert.Equal(t, len(kinds.PayloadKinds), kinds.Count)
	assert.Contains(t, kinds.PayloadKinds, models.PayloadUPIPayment)
}

func TestRouter_RateLimitOnlyGuardsAPI(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1}}
	router := newTestRouter(t, cfg, &denyAll{})

	assert.Equal(t, http.StatusTooManyRequests, do(router, http.MethodPost, "/api/v1/qr/scan", `{"content":"hello"}`).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/health", "").Code)
}
