package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code=%d", tt.code)
	}
}

func TestObserveDecision(t *testing.T) {
	before := testutil.ToFloat64(DecisionsTotal.WithLabelValues("BLOCK", "UPI_PAYMENT"))
	beforeCat := testutil.ToFloat64(ScamCategoriesTotal.WithLabelValues("OVERPAYMENT"))

	ObserveDecision("BLOCK", "UPI_PAYMENT", "OVERPAYMENT", 3*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(DecisionsTotal.WithLabelValues("BLOCK", "UPI_PAYMENT")))
	assert.Equal(t, beforeCat+1, testutil.ToFloat64(ScamCategoriesTotal.WithLabelValues("OVERPAYMENT")))
}

func TestObserveDecision_EmptyKind(t *testing.T) {
	before := testutil.ToFloat64(DecisionsTotal.WithLabelValues("BLOCK", "NONE"))
	ObserveDecision("BLOCK", "", "UNKNOWN", time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(DecisionsTotal.WithLabelValues("BLOCK", "NONE")))
}

func TestSetModelLoaded(t *testing.T) {
	SetModelLoaded(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(ModelLoaded))
	SetModelLoaded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(ModelLoaded))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/items/{id}", "4xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/42", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/items/{id}", "4xx")))
}

func TestMetricsEndpoint(t *testing.T) {
	MLEscalationsTotal.WithLabelValues("high").Inc()

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "qrguard_model_loaded")
	assert.Contains(t, body, "qrguard_ml_escalations_total")
}
