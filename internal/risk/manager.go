package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/logger"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
)

// MarginEstimator answers whether the account can carry a signal at a
// given size. Live mode backs this with broker margin endpoints; paper
// mode uses a fixed pool.
type MarginEstimator interface {
	MarginRequired(signal *models.Signal, lots int) float64
	AvailableMargin() float64
}

// FixedMargin is a static margin model: a flat requirement per lot
// against a fixed available pool.
type FixedMargin struct {
	Available float64
	PerLot    float64
}

func (m *FixedMargin) MarginRequired(signal *models.Signal, lots int) float64 {
	return m.PerLot * float64(lots)
}

func (m *FixedMargin) AvailableMargin() float64 {
	return m.Available
}

// Manager is the pre-trade and in-trade risk gate. It fails closed:
// any rule breach or internal inconsistency blocks the trade.
type Manager struct {
	cfg     *Config
	state   *State
	stopper Stopper
	margin  MarginEstimator
	log     *logger.Logger
}

// NewManager wires a risk manager from its collaborators.
func NewManager(cfg *Config, state *State, stopper Stopper, margin MarginEstimator, log *logger.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		state:   state,
		stopper: stopper,
		margin:  margin,
		log:     log,
	}
}

// State exposes the shared risk state for the monitor and order layer.
func (m *Manager) State() *State {
	return m.state
}

// Stopper exposes the shared emergency stop.
func (m *Manager) Stopper() Stopper {
	return m.stopper
}

// Config returns the active limits.
func (m *Manager) Config() *Config {
	return m.cfg
}

// ValidateTrade runs every pre-trade rule against the signal and
// returns the aggregated result. All rules are evaluated even after
// the first failure so the caller sees the complete violation list.
func (m *Manager) ValidateTrade(signal *models.Signal) *ValidationResult {
	now := time.Now()
	m.state.RolloverIfNeeded(now)

	result := &ValidationResult{CheckedAt: now}

	if signal == nil {
		result.Violations = append(result.Violations, RuleInvalidSignal)
		result.Reason = "signal is nil"
		return result
	}

	if m.stopper.Stopped() {
		result.Violations = append(result.Violations, RuleEmergencyStop)
	}

	if !models.ValidSignalKind(signal.Kind) || len(signal.Legs) == 0 {
		result.Violations = append(result.Violations, RuleInvalidSignal)
	}

	daily := m.state.Daily()
	if daily.RealizedPnL <= -m.cfg.MaxDailyLoss {
		result.Violations = append(result.Violations, RuleDailyLossLimit)
	}
	if m.state.OpenCount() >= m.cfg.MaxConcurrentTrades {
		result.Violations = append(result.Violations, RuleConcurrentTrades)
	}
	if daily.TradeCount >= m.cfg.DailyTradeLimit {
		result.Violations = append(result.Violations, RuleDailyTradeLimit)
	}

	size := m.CalculatePositionSize(signal)
	result.Size = size
	if size.Lots < 1 {
		result.Violations = append(result.Violations, RulePositionSize)
	} else {
		required := m.margin.MarginRequired(signal, size.Lots)
		if required > m.margin.AvailableMargin() {
			result.Violations = append(result.Violations, RuleInsufficientMargin)
		}
	}

	if len(result.Violations) > 0 {
		result.Reason = result.Violations[0]
		if m.log != nil {
			m.log.LogRiskViolation(signal.ID, result.Reason, result.Violations)
		}
		return result
	}

	result.Valid = true
	return result
}

// CalculatePositionSize computes the lot count for a signal under the
// configured method. The result is always a whole number of lots,
// rounded down, clamped to the configured maximum.
func (m *Manager) CalculatePositionSize(signal *models.Signal) *PositionSizeResult {
	result := &PositionSizeResult{Method: m.cfg.SizingMethod}

	perLotRisk := signal.StopLoss
	if perLotRisk <= 0 {
		perLotRisk = m.cfg.StopLoss
	}

	switch m.cfg.SizingMethod {
	case SizingPercentage:
		riskCapital := m.cfg.Capital * m.cfg.RiskPerTrade
		result.Lots = int(math.Floor(riskCapital / perLotRisk))
		result.CapitalAtRisk = float64(result.Lots) * perLotRisk

	case SizingKelly:
		fraction, ok := m.kellyFraction()
		if !ok {
			// Not enough history for a meaningful estimate.
			result.Method = SizingFixed
			result.UsedFallback = true
			result.Lots = 1
			result.CapitalAtRisk = perLotRisk
			break
		}
		riskCapital := m.cfg.Capital * fraction
		result.Lots = int(math.Floor(riskCapital / perLotRisk))
		result.CapitalAtRisk = float64(result.Lots) * perLotRisk

	default: // SizingFixed
		result.Lots = 1
		result.CapitalAtRisk = perLotRisk
	}

	if result.Lots > m.cfg.MaxPositionLots {
		result.Lots = m.cfg.MaxPositionLots
		result.CapitalAtRisk = float64(result.Lots) * perLotRisk
		result.Clamped = true
	}
	if result.Lots < 0 {
		result.Lots = 0
	}
	result.Quantity = result.Lots * m.cfg.LotSize

	return result
}

// kellyFraction estimates the Kelly bet fraction from the rolling
// result window. Returns ok=false when the window is not yet full or
// the estimate is degenerate.
func (m *Manager) kellyFraction() (float64, bool) {
	winRate, avgWin, avgLoss, samples := m.state.WindowStats()
	if samples < m.cfg.KellyWindow {
		return 0, false
	}
	if avgLoss <= 0 || avgWin <= 0 {
		return 0, false
	}

	payoff := avgWin / avgLoss
	fraction := winRate - (1-winRate)/payoff
	if fraction <= 0 {
		return 0, false
	}
	if fraction > m.cfg.KellyCap {
		fraction = m.cfg.KellyCap
	}
	return fraction, true
}

// MonitorPositions inspects open trades and returns advisory alerts.
// It is pure: trades are not mutated and no close is initiated here.
func (m *Manager) MonitorPositions(trades []*models.Trade) []Alert {
	now := time.Now()
	var alerts []Alert

	if m.stopper.Stopped() {
		alerts = append(alerts, Alert{
			Kind:      AlertEmergencyStop,
			Severity:  SeverityCritical,
			Message:   "emergency stop active, all open positions must be flattened",
			Timestamp: now,
		})
	}

	daily := m.state.Daily()
	if daily.RealizedPnL <= -m.cfg.MaxDailyLoss {
		alerts = append(alerts, Alert{
			Kind:      AlertDailyLoss,
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("daily loss %.2f breached limit %.2f", daily.RealizedPnL, -m.cfg.MaxDailyLoss),
			Current:   daily.RealizedPnL,
			Limit:     -m.cfg.MaxDailyLoss,
			Timestamp: now,
		})
	}

	for _, trade := range trades {
		if !trade.IsOpen() {
			continue
		}

		if trade.ProfitTarget > 0 && trade.UnrealizedPnL >= 0.8*trade.ProfitTarget {
			alerts = append(alerts, Alert{
				Kind:      AlertApproachingTarget,
				Severity:  SeverityInfo,
				TradeID:   trade.ID,
				Message:   fmt.Sprintf("trade %s at %.0f%% of profit target", trade.ID, 100*trade.UnrealizedPnL/trade.ProfitTarget),
				Current:   trade.UnrealizedPnL,
				Limit:     trade.ProfitTarget,
				Timestamp: now,
			})
		}
		if trade.StopLoss > 0 && trade.UnrealizedPnL <= -0.8*trade.StopLoss {
			alerts = append(alerts, Alert{
				Kind:      AlertApproachingStop,
				Severity:  SeverityWarning,
				TradeID:   trade.ID,
				Message:   fmt.Sprintf("trade %s nearing stop loss, P&L %.2f", trade.ID, trade.UnrealizedPnL),
				Current:   trade.UnrealizedPnL,
				Limit:     -trade.StopLoss,
				Timestamp: now,
			})
		}
		if age := trade.Age(now); age >= m.cfg.MaxHoldingAge*8/10 {
			alerts = append(alerts, Alert{
				Kind:      AlertPositionStale,
				Severity:  SeverityWarning,
				TradeID:   trade.ID,
				Message:   fmt.Sprintf("trade %s open for %s, max holding %s", trade.ID, age.Round(time.Second), m.cfg.MaxHoldingAge),
				Current:   age.Seconds(),
				Limit:     m.cfg.MaxHoldingAge.Seconds(),
				Timestamp: now,
			})
		}
	}

	return alerts
}

// ShouldClosePosition decides whether a trade must exit now and why.
// Reasons, in priority order: emergency stop, profit target, stop
// loss, max holding age.
func (m *Manager) ShouldClosePosition(trade *models.Trade, now time.Time) (bool, string) {
	if m.stopper.Stopped() {
		return true, RuleEmergencyStop
	}

	target := trade.ProfitTarget
	if target <= 0 {
		target = m.cfg.ProfitTarget
	}
	stop := trade.StopLoss
	if stop <= 0 {
		stop = m.cfg.StopLoss
	}

	if trade.UnrealizedPnL >= target {
		return true, "profit_target"
	}
	if trade.UnrealizedPnL <= -stop {
		return true, "stop_loss"
	}
	if trade.Age(now) >= m.cfg.MaxHoldingAge {
		return true, "max_holding_age"
	}
	return false, ""
}

// RegisterOpen records a newly opened trade against the limits.
func (m *Manager) RegisterOpen(trade *models.Trade) {
	m.state.RegisterTrade(trade)
	m.state.CountTrade()
}

// RegisterClose finalizes a trade's accounting and, if the realized
// day loss now breaches the limit, latches the emergency stop.
func (m *Manager) RegisterClose(trade *models.Trade) {
	m.state.CompleteTrade(trade.ID, trade.RealizedPnL)

	daily := m.state.Daily()
	if daily.RealizedPnL <= -m.cfg.MaxDailyLoss {
		if fs, ok := m.stopper.(*FileSentinel); ok {
			if err := fs.CreateSentinelFile(fmt.Sprintf("daily loss %.2f", daily.RealizedPnL)); err != nil && m.log != nil {
				m.log.LogError("emergency sentinel write", err)
			}
		}
		if m.log != nil {
			m.log.LogEmergencyStop(fmt.Sprintf("daily loss limit breached (%.2f)", daily.RealizedPnL))
		}
	}
}
