package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	"github.com/ducminhle1904/options-trading-bot/internal/broker/paper"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
	"github.com/ducminhle1904/options-trading-bot/internal/orders"
	"github.com/ducminhle1904/options-trading-bot/internal/risk"
)

type monitorFixture struct {
	monitor *PositionMonitor
	gateway *paper.Gateway
	riskMgr *risk.Manager
	stopped *bool
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()

	gateway := paper.NewGateway()

	riskCfg := risk.DefaultConfig()
	riskCfg.Timezone = "UTC"
	state, err := risk.NewState(riskCfg.Timezone, riskCfg.KellyWindow)
	require.NoError(t, err)

	stopped := false
	stopper := risk.StopperFunc(func() bool { return stopped })
	margin := &risk.FixedMargin{Available: riskCfg.Capital, PerLot: 20000}
	riskMgr := risk.NewManager(riskCfg, state, stopper, margin, nil)

	valCfg := orders.DefaultValidatorConfig()
	valCfg.Timezone = "UTC"
	valCfg.MarketOpen = "00:00"
	valCfg.MarketClose = "00:00"
	validator, err := orders.NewValidator(valCfg)
	require.NoError(t, err)

	orderMgr := orders.NewManager(gateway, validator,
		orders.NewRetryHandler(orders.RetryConfig{Strategy: orders.BackoffImmediate, MaxAttempts: 3}, stopper),
		orders.NewFallbackEngine(orders.DefaultFallbackConfig()),
		orders.NewPartialFillHandler(orders.DefaultPartialFillConfig()),
		stopper, nil, nil)

	cfg := Config{Interval: 30 * time.Second, CallTimeout: time.Second}
	monitor := NewPositionMonitor(cfg, gateway, riskMgr, orderMgr, nil, nil)

	return &monitorFixture{monitor: monitor, gateway: gateway, riskMgr: riskMgr, stopped: &stopped}
}

// shortCallTrade registers an open one-leg short call: 35 units sold at
// an entry premium of 100.
func (fx *monitorFixture) shortCallTrade(id string) *models.Trade {
	trade := &models.Trade{
		ID:         id,
		Kind:       models.SignalSell,
		Underlying: "BANKNIFTY",
		Legs: []*models.TradeLeg{{
			Symbol:     "BANKNIFTY24SEP48000CE",
			Option:     models.OptionCall,
			Strike:     48000,
			Side:       models.SideSell,
			Quantity:   35,
			EntryPrice: 100,
			LastPrice:  100,
		}},
		Lots:         1,
		ProfitTarget: 2000,
		StopLoss:     1000,
		Status:       models.TradeStatusOpen,
		OpenedAt:     time.Now(),
	}
	fx.riskMgr.RegisterOpen(trade)
	return trade
}

func (fx *monitorFixture) setMark(last float64) {
	fx.gateway.SetQuote(&broker.Quote{
		Symbol:       "BANKNIFTY24SEP48000CE",
		Bid:          last - 1,
		Ask:          last + 1,
		Last:         last,
		Volume:       10000,
		OpenInterest: 5000,
	})
}

func TestTick_ClosesTradeAtProfitTarget(t *testing.T) {
	fx := newMonitorFixture(t)
	trade := fx.shortCallTrade("trade-1")

	var closedTrades []*models.Trade
	fx.monitor.OnClose(func(tr *models.Trade) { closedTrades = append(closedTrades, tr) })

	// Premium decays from 100 to 40: (100-40)*35 = 2100 >= 2000 target.
	fx.setMark(40)
	fx.monitor.Tick(context.Background())

	assert.Equal(t, models.TradeStatusClosed, trade.Status)
	assert.Equal(t, "profit_target", trade.CloseReason)
	assert.InDelta(t, 2100.0, trade.RealizedPnL, 1e-9)
	assert.False(t, trade.ClosedAt.IsZero())

	assert.Equal(t, 0, fx.riskMgr.State().OpenCount())
	assert.InDelta(t, 2100.0, fx.riskMgr.State().Daily().RealizedPnL, 1e-9)

	require.Len(t, closedTrades, 1)
	assert.Equal(t, "trade-1", closedTrades[0].ID)
}

func TestTick_ClosesTradeAtStopLoss(t *testing.T) {
	fx := newMonitorFixture(t)
	trade := fx.shortCallTrade("trade-1")

	// Premium rises from 100 to 130: (100-130)*35 = -1050 <= -1000 stop.
	fx.setMark(130)
	fx.monitor.Tick(context.Background())

	assert.Equal(t, models.TradeStatusClosed, trade.Status)
	assert.Equal(t, "stop_loss", trade.CloseReason)
	assert.InDelta(t, -1050.0, trade.RealizedPnL, 1e-9)
}

func TestTick_HealthyTradeStaysOpen(t *testing.T) {
	fx := newMonitorFixture(t)
	trade := fx.shortCallTrade("trade-1")

	fx.setMark(95)
	fx.monitor.Tick(context.Background())

	assert.Equal(t, models.TradeStatusOpen, trade.Status)
	assert.InDelta(t, 175.0, trade.UnrealizedPnL, 1e-9)
	assert.Equal(t, 1, fx.riskMgr.State().OpenCount())
	assert.False(t, fx.monitor.LastTick().IsZero())
}

func TestTick_QuoteFailureIsolatesTrade(t *testing.T) {
	fx := newMonitorFixture(t)
	healthy := fx.shortCallTrade("healthy")
	orphan := fx.shortCallTrade("orphan")
	orphan.Legs[0].Symbol = "BANKNIFTY24SEP48500CE" // no quote installed

	fx.setMark(40)
	fx.monitor.Tick(context.Background())

	// The trade without market data errors out; the other still closes.
	assert.Equal(t, models.TradeStatusClosed, healthy.Status)
	assert.Equal(t, models.TradeStatusOpen, orphan.Status)
}

func TestTick_RaisesAlertsWithoutClosing(t *testing.T) {
	fx := newMonitorFixture(t)
	trade := fx.shortCallTrade("trade-1")

	var alerts []risk.Alert
	fx.monitor.OnAlert(func(a risk.Alert) { alerts = append(alerts, a) })

	// (100-54)*35 = 1610, past 80% of the 2000 target but short of it.
	fx.setMark(54)
	fx.monitor.Tick(context.Background())

	assert.Equal(t, models.TradeStatusOpen, trade.Status)

	var kinds []risk.AlertKind
	for _, a := range alerts {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, risk.AlertApproachingTarget)
}

func TestTick_EmergencyStopFlattensEverything(t *testing.T) {
	fx := newMonitorFixture(t)
	first := fx.shortCallTrade("first")
	second := fx.shortCallTrade("second")
	second.Legs[0].Symbol = "BANKNIFTY24SEP48000PE"

	fx.setMark(95)
	fx.gateway.SetQuote(&broker.Quote{
		Symbol: "BANKNIFTY24SEP48000PE", Bid: 94, Ask: 96, Last: 95,
		Volume: 10000, OpenInterest: 5000,
	})

	*fx.stopped = true
	fx.monitor.Tick(context.Background())

	assert.Equal(t, models.TradeStatusClosed, first.Status)
	assert.Equal(t, models.TradeStatusClosed, second.Status)
	assert.Equal(t, risk.RuleEmergencyStop, first.CloseReason)
	assert.Equal(t, risk.RuleEmergencyStop, second.CloseReason)
	assert.Equal(t, 0, fx.riskMgr.State().OpenCount())
}

func TestTick_ForcedCloseRunsOncePerTrade(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.shortCallTrade("trade-1")
	fx.setMark(95)

	*fx.stopped = true
	fx.monitor.Tick(context.Background())
	pnlAfterFirst := fx.riskMgr.State().Daily().RealizedPnL

	fx.monitor.Tick(context.Background())

	assert.Equal(t, pnlAfterFirst, fx.riskMgr.State().Daily().RealizedPnL,
		"a second tick must not double-close the same trade")
}

func TestStartStop(t *testing.T) {
	fx := newMonitorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.monitor.Start(ctx)
	fx.monitor.Start(ctx) // second start is a no-op
	fx.monitor.Stop()
	fx.monitor.Stop() // second stop is a no-op
}
