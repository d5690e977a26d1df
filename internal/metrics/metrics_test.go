package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Collectors live on the default registry, so these are sanity checks:
// recording must not panic and the handler must expose the series.

func TestRecordHTTPRequest(t *testing.T) {
	RecordHTTPRequest(http.MethodGet, "/api/v1/users/:uid", http.StatusOK, 42*time.Millisecond)
	RecordHTTPRequest(http.MethodPost, "/api/v1/users", http.StatusRequestTimeout, 30*time.Second)
}

func TestRecordBusOutcomes(t *testing.T) {
	RecordBusPublish("ok")
	RecordBusPublish("error")
	RecordBusResponse("delivered")
	RecordBusResponse("orphaned")
	RecordBusResponse("malformed")
}

func TestSetActiveSubscriptions(t *testing.T) {
	SetActiveSubscriptions(3)
	SetActiveSubscriptions(0)
}

func TestHandlerExposesGatewaySeries(t *testing.T) {
	RecordHTTPRequest(http.MethodGet, "/api/v1/statuses", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "gateway_http_requests_total")
	assert.Contains(t, body, "gateway_http_request_duration_seconds")
	assert.Contains(t, body, "gateway_active_subscriptions")
}
