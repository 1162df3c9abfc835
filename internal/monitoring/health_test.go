package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthResponse(t *testing.T, h *HealthChecker) (int, HealthStatus) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	return rec.Code, status
}

func TestHealthChecker_DegradedBeforeFirstTick(t *testing.T) {
	h := NewHealthChecker(time.Minute)

	code, status := healthResponse(t, h)

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", status.Status)
}

func TestHealthChecker_HealthyAfterRecentTick(t *testing.T) {
	h := NewHealthChecker(time.Minute)
	h.Update(time.Now(), 2, false)

	code, status := healthResponse(t, h)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 2, status.OpenTrades)
	assert.False(t, status.EmergencyStop)
}

func TestHealthChecker_DegradedWhenTickGoesStale(t *testing.T) {
	h := NewHealthChecker(time.Minute)
	h.Update(time.Now().Add(-5*time.Minute), 1, false)

	code, status := healthResponse(t, h)

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", status.Status)
}

func TestHealthChecker_ReportsEmergencyStop(t *testing.T) {
	h := NewHealthChecker(time.Minute)
	h.Update(time.Now(), 0, true)

	code, status := healthResponse(t, h)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "emergency_stop", status.Status)
	assert.True(t, status.EmergencyStop)
}
