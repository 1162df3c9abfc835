package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

var startTime = time.Now()

// HealthChecker reports liveness of the monitoring loop and the broker
// connection. The monitor feeds it once per tick.
type HealthChecker struct {
	mu            sync.RWMutex
	lastTick      time.Time
	openTrades    int
	emergencyStop bool
	staleAfter    time.Duration
}

// HealthStatus is the JSON body of the health endpoint.
type HealthStatus struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	LastTick      time.Time `json:"last_tick"`
	OpenTrades    int       `json:"open_trades"`
	EmergencyStop bool      `json:"emergency_stop"`
	Uptime        string    `json:"uptime"`
}

// NewHealthChecker treats a monitoring loop silent for staleAfter as
// degraded.
func NewHealthChecker(staleAfter time.Duration) *HealthChecker {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &HealthChecker{staleAfter: staleAfter}
}

// Update records the latest monitoring tick.
func (h *HealthChecker) Update(lastTick time.Time, openTrades int, emergencyStop bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastTick = lastTick
	h.openTrades = openTrades
	h.emergencyStop = emergencyStop
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	if h.lastTick.IsZero() || time.Since(h.lastTick) > h.staleAfter {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if h.emergencyStop {
		status = "emergency_stop"
	}

	health := HealthStatus{
		Status:        status,
		Timestamp:     time.Now(),
		LastTick:      h.lastTick,
		OpenTrades:    h.openTrades,
		EmergencyStop: h.emergencyStop,
		Uptime:        time.Since(startTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
