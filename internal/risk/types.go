package risk

import (
	"time"
)

// SizingMethod selects how many lots a signal is opened with.
type SizingMethod string

const (
	SizingFixed      SizingMethod = "fixed"
	SizingPercentage SizingMethod = "percentage"
	SizingKelly      SizingMethod = "kelly"
)

// ValidSizingMethod reports whether m names a known sizing method.
func ValidSizingMethod(m SizingMethod) bool {
	switch m {
	case SizingFixed, SizingPercentage, SizingKelly:
		return true
	}
	return false
}

// Violation rule identifiers reported by ValidateTrade. Callers and
// tests match on these, so they are stable strings.
const (
	RuleEmergencyStop      = "emergency_stop"
	RuleInvalidSignal      = "invalid_signal"
	RuleDailyLossLimit     = "daily_loss_limit"
	RuleConcurrentTrades   = "concurrent_trade_limit"
	RuleDailyTradeLimit    = "daily_trade_limit"
	RuleInsufficientMargin = "insufficient_margin"
	RulePositionSize       = "position_size"
)

// ValidationResult is the outcome of a pre-trade risk check. When the
// check fails, Reason carries the first blocking rule and Violations
// lists every rule that failed.
type ValidationResult struct {
	Valid      bool                `json:"valid"`
	Reason     string              `json:"reason,omitempty"`
	Violations []string            `json:"violations,omitempty"`
	Size       *PositionSizeResult `json:"size,omitempty"`
	CheckedAt  time.Time           `json:"checked_at"`
}

// PositionSizeResult describes the computed size for a signal.
type PositionSizeResult struct {
	Lots          int          `json:"lots"`
	Quantity      int          `json:"quantity"` // lots * lot size
	Method        SizingMethod `json:"method"`
	CapitalAtRisk float64      `json:"capital_at_risk"`
	Clamped       bool         `json:"clamped"`       // hit the max lots ceiling
	UsedFallback  bool         `json:"used_fallback"` // kelly fell back to fixed
}

// AlertKind identifies what a monitoring alert is about.
type AlertKind string

const (
	AlertApproachingTarget AlertKind = "approaching_target"
	AlertApproachingStop   AlertKind = "approaching_stop"
	AlertPositionStale     AlertKind = "position_stale"
	AlertDailyLoss         AlertKind = "daily_loss"
	AlertEmergencyStop     AlertKind = "emergency_stop"
)

// Severity levels for alerts, ordered low to high.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is an advisory produced by position monitoring. Producing one
// has no side effects; acting on it is the caller's job.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	Severity  string    `json:"severity"`
	TradeID   string    `json:"trade_id,omitempty"`
	Message   string    `json:"message"`
	Current   float64   `json:"current"`
	Limit     float64   `json:"limit"`
	Timestamp time.Time `json:"timestamp"`
}

// DailyRiskMetrics accumulates per-day counters. Reset happens only at
// the local-midnight rollover; the emergency stop is not part of it.
type DailyRiskMetrics struct {
	Date        string  `json:"date"` // 2006-01-02 in the configured timezone
	RealizedPnL float64 `json:"realized_pnl"`
	TradeCount  int     `json:"trade_count"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
}

// Config carries every limit the risk manager enforces.
type Config struct {
	Capital             float64       `json:"capital"`
	MaxDailyLoss        float64       `json:"max_daily_loss"` // currency, positive
	MaxConcurrentTrades int           `json:"max_concurrent_trades"`
	DailyTradeLimit     int           `json:"daily_trade_limit"`
	ProfitTarget        float64       `json:"profit_target"` // default per-position target
	StopLoss            float64       `json:"stop_loss"`     // default per-position stop, positive
	LotSize             int           `json:"lot_size"`
	MaxPositionLots     int           `json:"max_position_lots"`
	SizingMethod        SizingMethod  `json:"sizing_method"`
	RiskPerTrade        float64       `json:"risk_per_trade"` // fraction of capital, percentage method
	KellyWindow         int           `json:"kelly_window"`
	KellyCap            float64       `json:"kelly_cap"`
	MaxHoldingAge       time.Duration `json:"max_holding_age"`
	Timezone            string        `json:"timezone"`
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() *Config {
	return &Config{
		Capital:             200000.0,
		MaxDailyLoss:        5000.0,
		MaxConcurrentTrades: 3,
		DailyTradeLimit:     10,
		ProfitTarget:        2000.0,
		StopLoss:            1000.0,
		LotSize:             35,
		MaxPositionLots:     10,
		SizingMethod:        SizingFixed,
		RiskPerTrade:        0.02,
		KellyWindow:         20,
		KellyCap:            0.25,
		MaxHoldingAge:       time.Hour,
		Timezone:            "Asia/Kolkata",
	}
}
