package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "options_bot_orders_total",
			Help: "Order state transitions by target state",
		},
		[]string{"state"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "options_bot_retries_total",
			Help: "Order submission retry attempts by failure class",
		},
		[]string{"class"},
	)

	fallbackStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "options_bot_fallback_steps_total",
			Help: "Fallback ladder steps executed",
		},
		[]string{"step"},
	)

	openTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "options_bot_open_trades",
			Help: "Currently open trades",
		},
	)

	dailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "options_bot_daily_pnl",
			Help: "Realized P&L for the current trading day",
		},
	)

	emergencyStopActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "options_bot_emergency_stop_active",
			Help: "1 while the emergency stop is latched",
		},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "options_bot_errors_total",
			Help: "Errors by category",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(ordersTotal)
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(fallbackStepsTotal)
	prometheus.MustRegister(openTrades)
	prometheus.MustRegister(dailyPnL)
	prometheus.MustRegister(emergencyStopActive)
	prometheus.MustRegister(errorsTotal)
}

// MetricsHandler serves the Prometheus scrape endpoint.
type MetricsHandler struct{}

func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordOrderTransition counts a transition into the given state.
func RecordOrderTransition(state string) {
	ordersTotal.WithLabelValues(state).Inc()
}

// RecordRetry counts a retry attempt by failure class.
func RecordRetry(class string) {
	retriesTotal.WithLabelValues(class).Inc()
}

// RecordFallbackStep counts an executed fallback step.
func RecordFallbackStep(step string) {
	fallbackStepsTotal.WithLabelValues(step).Inc()
}

// SetOpenTrades updates the open trade gauge.
func SetOpenTrades(n int) {
	openTrades.Set(float64(n))
}

// SetDailyPnL updates the realized daily P&L gauge.
func SetDailyPnL(pnl float64) {
	dailyPnL.Set(pnl)
}

// SetEmergencyStop flips the emergency stop gauge.
func SetEmergencyStop(active bool) {
	if active {
		emergencyStopActive.Set(1)
	} else {
		emergencyStopActive.Set(0)
	}
}

// RecordError counts an error by category.
func RecordError(category string) {
	errorsTotal.WithLabelValues(category).Inc()
}
