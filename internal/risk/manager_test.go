package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/options-trading-bot/internal/models"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Timezone = "UTC"
	return cfg
}

func testManager(t *testing.T, cfg *Config, stopper Stopper) *Manager {
	t.Helper()

	state, err := NewState(cfg.Timezone, cfg.KellyWindow)
	require.NoError(t, err)

	if stopper == nil {
		stopper = StopperFunc(func() bool { return false })
	}
	margin := &FixedMargin{Available: cfg.Capital, PerLot: cfg.Capital / float64(cfg.MaxPositionLots)}
	return NewManager(cfg, state, stopper, margin, nil)
}

func testSignal() *models.Signal {
	return &models.Signal{
		ID:         "sig-1",
		Kind:       models.SignalSell,
		Underlying: "BANKNIFTY",
		Legs: []models.SignalLeg{
			{Symbol: "BANKNIFTY24SEP48000CE", Option: models.OptionCall, Strike: 48000, Side: models.SideSell, Price: 120},
		},
		StopLoss:  1000,
		CreatedAt: time.Now(),
	}
}

func openTrade(id string, pnl float64) *models.Trade {
	return &models.Trade{
		ID:            id,
		Kind:          models.SignalSell,
		Underlying:    "BANKNIFTY",
		Lots:          1,
		ProfitTarget:  2000,
		StopLoss:      1000,
		UnrealizedPnL: pnl,
		Status:        models.TradeStatusOpen,
		OpenedAt:      time.Now(),
	}
}

func TestValidateTrade_ApprovesCleanSignal(t *testing.T) {
	m := testManager(t, testConfig(), nil)

	result := m.ValidateTrade(testSignal())

	require.True(t, result.Valid)
	assert.Empty(t, result.Violations)
	require.NotNil(t, result.Size)
	assert.Equal(t, 1, result.Size.Lots)
	assert.Equal(t, 35, result.Size.Quantity)
}

func TestValidateTrade_NilSignal(t *testing.T) {
	m := testManager(t, testConfig(), nil)

	result := m.ValidateTrade(nil)

	assert.False(t, result.Valid)
	assert.Equal(t, []string{RuleInvalidSignal}, result.Violations)
}

func TestValidateTrade_CollectsEveryViolation(t *testing.T) {
	m := testManager(t, testConfig(), StopperFunc(func() bool { return true }))

	bad := testSignal()
	bad.Kind = models.SignalKind("CALENDAR")

	result := m.ValidateTrade(bad)

	assert.False(t, result.Valid)
	assert.Contains(t, result.Violations, RuleEmergencyStop)
	assert.Contains(t, result.Violations, RuleInvalidSignal)
	assert.Equal(t, RuleEmergencyStop, result.Reason)
}

func TestValidateTrade_DailyLossLimit(t *testing.T) {
	m := testManager(t, testConfig(), nil)
	m.State().RecordResult(-6000)

	result := m.ValidateTrade(testSignal())

	assert.False(t, result.Valid)
	assert.Contains(t, result.Violations, RuleDailyLossLimit)
}

func TestValidateTrade_ConcurrentTradeLimit(t *testing.T) {
	cfg := testConfig()
	m := testManager(t, cfg, nil)
	for i := 0; i < cfg.MaxConcurrentTrades; i++ {
		m.State().RegisterTrade(openTrade(string(rune('a'+i)), 0))
	}

	result := m.ValidateTrade(testSignal())

	assert.False(t, result.Valid)
	assert.Contains(t, result.Violations, RuleConcurrentTrades)
}

func TestValidateTrade_DailyTradeLimit(t *testing.T) {
	cfg := testConfig()
	m := testManager(t, cfg, nil)
	for i := 0; i < cfg.DailyTradeLimit; i++ {
		m.State().CountTrade()
	}

	result := m.ValidateTrade(testSignal())

	assert.False(t, result.Valid)
	assert.Contains(t, result.Violations, RuleDailyTradeLimit)
}

func TestValidateTrade_InsufficientMargin(t *testing.T) {
	cfg := testConfig()
	state, err := NewState(cfg.Timezone, cfg.KellyWindow)
	require.NoError(t, err)
	margin := &FixedMargin{Available: 1000, PerLot: 20000}
	m := NewManager(cfg, state, StopperFunc(func() bool { return false }), margin, nil)

	result := m.ValidateTrade(testSignal())

	assert.False(t, result.Valid)
	assert.Contains(t, result.Violations, RuleInsufficientMargin)
}

func TestCalculatePositionSize_Fixed(t *testing.T) {
	m := testManager(t, testConfig(), nil)

	size := m.CalculatePositionSize(testSignal())

	assert.Equal(t, SizingFixed, size.Method)
	assert.Equal(t, 1, size.Lots)
	assert.Equal(t, 35, size.Quantity)
	assert.Equal(t, 1000.0, size.CapitalAtRisk)
	assert.False(t, size.Clamped)
}

func TestCalculatePositionSize_Percentage(t *testing.T) {
	cfg := testConfig()
	cfg.SizingMethod = SizingPercentage
	m := testManager(t, cfg, nil)

	// 200000 * 0.02 = 4000 risk capital / 1000 per-lot stop = 4 lots.
	size := m.CalculatePositionSize(testSignal())

	assert.Equal(t, SizingPercentage, size.Method)
	assert.Equal(t, 4, size.Lots)
	assert.Equal(t, 140, size.Quantity)
	assert.Equal(t, 4000.0, size.CapitalAtRisk)
}

func TestCalculatePositionSize_PercentageClampsToMaxLots(t *testing.T) {
	cfg := testConfig()
	cfg.SizingMethod = SizingPercentage
	cfg.RiskPerTrade = 0.20
	m := testManager(t, cfg, nil)

	size := m.CalculatePositionSize(testSignal())

	assert.Equal(t, cfg.MaxPositionLots, size.Lots)
	assert.True(t, size.Clamped)
}

func TestCalculatePositionSize_KellyFallsBackWithoutHistory(t *testing.T) {
	cfg := testConfig()
	cfg.SizingMethod = SizingKelly
	m := testManager(t, cfg, nil)

	size := m.CalculatePositionSize(testSignal())

	assert.True(t, size.UsedFallback)
	assert.Equal(t, SizingFixed, size.Method)
	assert.Equal(t, 1, size.Lots)
}

func TestCalculatePositionSize_KellyUsesCappedFraction(t *testing.T) {
	cfg := testConfig()
	cfg.SizingMethod = SizingKelly
	m := testManager(t, cfg, nil)

	// 12 wins of +1500 and 8 losses of -1000: win rate 0.6, payoff 1.5,
	// raw Kelly 1/3, capped at 0.25. 50000 / 1000 = 50 lots, clamped.
	for i := 0; i < 12; i++ {
		m.State().RecordResult(1500)
	}
	for i := 0; i < 8; i++ {
		m.State().RecordResult(-1000)
	}

	size := m.CalculatePositionSize(testSignal())

	assert.Equal(t, SizingKelly, size.Method)
	assert.False(t, size.UsedFallback)
	assert.Equal(t, cfg.MaxPositionLots, size.Lots)
	assert.True(t, size.Clamped)
}

func TestShouldClosePosition_PriorityOrder(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	t.Run("emergency stop wins over everything", func(t *testing.T) {
		m := testManager(t, cfg, StopperFunc(func() bool { return true }))
		trade := openTrade("t1", 5000)

		close, reason := m.ShouldClosePosition(trade, now)
		assert.True(t, close)
		assert.Equal(t, RuleEmergencyStop, reason)
	})

	t.Run("profit target", func(t *testing.T) {
		m := testManager(t, cfg, nil)
		trade := openTrade("t2", 2000)

		close, reason := m.ShouldClosePosition(trade, now)
		assert.True(t, close)
		assert.Equal(t, "profit_target", reason)
	})

	t.Run("stop loss", func(t *testing.T) {
		m := testManager(t, cfg, nil)
		trade := openTrade("t3", -1000)

		close, reason := m.ShouldClosePosition(trade, now)
		assert.True(t, close)
		assert.Equal(t, "stop_loss", reason)
	})

	t.Run("max holding age", func(t *testing.T) {
		m := testManager(t, cfg, nil)
		trade := openTrade("t4", 100)
		trade.OpenedAt = now.Add(-2 * cfg.MaxHoldingAge)

		close, reason := m.ShouldClosePosition(trade, now)
		assert.True(t, close)
		assert.Equal(t, "max_holding_age", reason)
	})

	t.Run("healthy trade stays open", func(t *testing.T) {
		m := testManager(t, cfg, nil)
		trade := openTrade("t5", 100)

		close, reason := m.ShouldClosePosition(trade, now)
		assert.False(t, close)
		assert.Empty(t, reason)
	})
}

func TestShouldClosePosition_ZeroLimitsUseConfigDefaults(t *testing.T) {
	cfg := testConfig()
	m := testManager(t, cfg, nil)

	trade := openTrade("t6", cfg.ProfitTarget)
	trade.ProfitTarget = 0
	trade.StopLoss = 0

	close, reason := m.ShouldClosePosition(trade, time.Now())
	assert.True(t, close)
	assert.Equal(t, "profit_target", reason)
}

func TestRegisterClose_AccountsResult(t *testing.T) {
	m := testManager(t, testConfig(), nil)

	trade := openTrade("t1", 0)
	m.RegisterOpen(trade)
	require.Equal(t, 1, m.State().OpenCount())

	trade.RealizedPnL = 1500
	m.RegisterClose(trade)

	assert.Equal(t, 0, m.State().OpenCount())
	daily := m.State().Daily()
	assert.Equal(t, 1500.0, daily.RealizedPnL)
	assert.Equal(t, 1, daily.Wins)
	assert.Equal(t, 1, daily.TradeCount)
}

func TestRegisterClose_DailyLossBreachLatchesSentinel(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "emergency_stop")
	sentinel := NewFileSentinel(path, time.Hour)

	state, err := NewState(cfg.Timezone, cfg.KellyWindow)
	require.NoError(t, err)
	margin := &FixedMargin{Available: cfg.Capital, PerLot: 20000}
	m := NewManager(cfg, state, sentinel, margin, nil)

	trade := openTrade("t1", 0)
	m.RegisterOpen(trade)
	trade.RealizedPnL = -cfg.MaxDailyLoss - 500
	m.RegisterClose(trade)

	assert.True(t, sentinel.Stopped())
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "breach must write the sentinel file")
}

func TestMonitorPositions_Alerts(t *testing.T) {
	cfg := testConfig()
	m := testManager(t, cfg, nil)

	nearTarget := openTrade("near-target", 0.8*2000)
	nearStop := openTrade("near-stop", -0.8*1000)
	stale := openTrade("stale", 0)
	stale.OpenedAt = time.Now().Add(-cfg.MaxHoldingAge)
	closed := openTrade("closed", 10000)
	closed.Status = models.TradeStatusClosed

	alerts := m.MonitorPositions([]*models.Trade{nearTarget, nearStop, stale, closed})

	kinds := make(map[AlertKind][]string)
	for _, a := range alerts {
		kinds[a.Kind] = append(kinds[a.Kind], a.TradeID)
	}
	assert.Equal(t, []string{"near-target"}, kinds[AlertApproachingTarget])
	assert.Equal(t, []string{"near-stop"}, kinds[AlertApproachingStop])
	assert.Equal(t, []string{"stale"}, kinds[AlertPositionStale])
}

func TestMonitorPositions_EmergencyAndDailyLossAlerts(t *testing.T) {
	cfg := testConfig()
	m := testManager(t, cfg, StopperFunc(func() bool { return true }))
	m.State().RecordResult(-cfg.MaxDailyLoss)

	alerts := m.MonitorPositions(nil)

	var kinds []AlertKind
	for _, a := range alerts {
		kinds = append(kinds, a.Kind)
		assert.Equal(t, SeverityCritical, a.Severity)
	}
	assert.Contains(t, kinds, AlertEmergencyStop)
	assert.Contains(t, kinds, AlertDailyLoss)
}

func TestState_RolloverResetsDailyCounters(t *testing.T) {
	state, err := NewState("UTC", 20)
	require.NoError(t, err)

	state.CountTrade()
	state.RecordResult(-500)
	require.Equal(t, 1, state.Daily().TradeCount)

	rolled := state.RolloverIfNeeded(time.Now().UTC().AddDate(0, 0, 1))
	assert.True(t, rolled)

	daily := state.Daily()
	assert.Equal(t, 0, daily.TradeCount)
	assert.Equal(t, 0.0, daily.RealizedPnL)

	// The Kelly window survives the rollover.
	_, _, _, samples := state.WindowStats()
	assert.Equal(t, 1, samples)
}

func TestState_WindowTrimsToConfiguredLength(t *testing.T) {
	state, err := NewState("UTC", 5)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		state.RecordResult(100)
	}

	_, _, _, samples := state.WindowStats()
	assert.Equal(t, 5, samples)
}

func TestValidSizingMethod(t *testing.T) {
	assert.True(t, ValidSizingMethod(SizingFixed))
	assert.True(t, ValidSizingMethod(SizingPercentage))
	assert.True(t, ValidSizingMethod(SizingKelly))
	assert.False(t, ValidSizingMethod(SizingMethod("martingale")))
}
