package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	boterrors "github.com/ducminhle1904/options-trading-bot/internal/errors"
	"github.com/ducminhle1904/options-trading-bot/internal/ledger"
	"github.com/ducminhle1904/options-trading-bot/internal/logger"
	"github.com/ducminhle1904/options-trading-bot/internal/marketdata"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
	"github.com/ducminhle1904/options-trading-bot/internal/monitor"
	"github.com/ducminhle1904/options-trading-bot/internal/notifications"
	"github.com/ducminhle1904/options-trading-bot/internal/orders"
	"github.com/ducminhle1904/options-trading-bot/internal/risk"
)

// TradingBot ties the execution engine together: it turns approved
// signals into broker orders and registered trades, and runs the
// monitoring loop that manages them afterwards.
type TradingBot struct {
	gateway  broker.Gateway
	chains   marketdata.ChainSource
	tieBreak marketdata.TieBreak
	riskMgr  *risk.Manager
	orderMgr *orders.Manager
	monitor  *monitor.PositionMonitor
	book     *ledger.Ledger
	log      *logger.Logger
	notifier notifications.Notifier

	callTimeout time.Duration
}

// NewTradingBot wires a bot from its collaborators. chains may be nil
// when every signal arrives with its legs already resolved to
// symbols.
func NewTradingBot(gateway broker.Gateway, chains marketdata.ChainSource, tieBreak marketdata.TieBreak,
	riskMgr *risk.Manager, orderMgr *orders.Manager, posMonitor *monitor.PositionMonitor,
	book *ledger.Ledger, log *logger.Logger, notifier notifications.Notifier) *TradingBot {
	if notifier == nil {
		notifier = notifications.NoopNotifier{}
	}
	if tieBreak == "" {
		tieBreak = marketdata.TieBreakLower
	}
	return &TradingBot{
		gateway:     gateway,
		chains:      chains,
		tieBreak:    tieBreak,
		riskMgr:     riskMgr,
		orderMgr:    orderMgr,
		monitor:     posMonitor,
		book:        book,
		log:         log,
		notifier:    notifier,
		callTimeout: 10 * time.Second,
	}
}

// Start launches the monitoring loop and alert forwarding.
func (b *TradingBot) Start(ctx context.Context) {
	b.monitor.OnAlert(func(alert risk.Alert) {
		if alert.Severity == risk.SeverityInfo {
			return
		}
		level := "warning"
		if alert.Severity == risk.SeverityCritical {
			level = "error"
		}
		if err := b.notifier.SendAlert(level, alert.Message); err != nil && b.log != nil {
			b.log.LogWarning("notifications", fmt.Sprintf("alert delivery failed: %v", err))
		}
	})
	b.monitor.OnClose(func(trade *models.Trade) {
		msg := fmt.Sprintf("Closed %s (%s): %.2f", trade.ID, trade.CloseReason, trade.RealizedPnL)
		level := "success"
		if trade.RealizedPnL < 0 {
			level = "warning"
		}
		if err := b.notifier.SendAlert(level, msg); err != nil && b.log != nil {
			b.log.LogWarning("notifications", fmt.Sprintf("close alert delivery failed: %v", err))
		}
	})
	b.monitor.Start(ctx)
}

// Stop ends the monitoring loop.
func (b *TradingBot) Stop() {
	b.monitor.Stop()
}

// ExecuteSignal runs a signal through the full pipeline: risk
// approval, sizing, entry order placement, trade registration and exit
// bracket placement. A nil error means the trade is live.
func (b *TradingBot) ExecuteSignal(ctx context.Context, signal *models.Signal) (*models.Trade, error) {
	if err := b.resolveLegs(ctx, signal); err != nil {
		return nil, err
	}

	result := b.riskMgr.ValidateTrade(signal)
	if !result.Valid {
		if b.log != nil {
			b.log.LogRiskViolation(signal.ID, result.Reason, result.Violations)
		}
		return nil, boterrors.NewRiskError("bot", "execute_signal",
			fmt.Sprintf("signal %s blocked: %s", signal.ID, result.Reason))
	}
	size := result.Size

	trade := &models.Trade{
		ID:           uuid.NewString(),
		SignalID:     signal.ID,
		Kind:         signal.Kind,
		Underlying:   signal.Underlying,
		Lots:         size.Lots,
		ProfitTarget: signal.ProfitTarget,
		StopLoss:     signal.StopLoss,
		Status:       models.TradeStatusOpen,
		OpenedAt:     time.Now(),
	}
	if trade.ProfitTarget == 0 {
		trade.ProfitTarget = b.riskMgr.Config().ProfitTarget
	}
	if trade.StopLoss == 0 {
		trade.StopLoss = b.riskMgr.Config().StopLoss
	}

	// Entry legs go in one at a time. A failed leg unwinds the ones
	// already filled so no naked exposure is left behind.
	for _, leg := range signal.Legs {
		filled, err := b.enterLeg(ctx, trade, leg, size.Quantity)
		if err != nil {
			b.unwind(ctx, trade)
			return nil, fmt.Errorf("entry leg %s: %w", leg.Symbol, err)
		}
		trade.Legs = append(trade.Legs, filled)
	}
	trade.EntryValue = entryValue(trade)
	trade.RefreshPnL()

	b.riskMgr.RegisterOpen(trade)
	if b.book != nil {
		b.book.RecordTradeOpened(trade)
	}
	if b.log != nil {
		b.log.LogTradeOpened(trade.ID, string(trade.Kind), trade.Lots, len(trade.Legs), trade.EntryValue)
	}

	// Single-leg trades get a broker-side exit bracket. Multi-leg
	// structures are managed by the monitor on aggregate P&L.
	if len(trade.Legs) == 1 {
		if err := b.placeExitBracket(ctx, trade); err != nil && b.log != nil {
			b.log.LogWarning("bot", fmt.Sprintf("exit bracket for %s not placed: %v", trade.ID, err))
		}
	}
	return trade, nil
}

// resolveLegs pins abstract legs to concrete option contracts: the
// ATM strike (shifted by the leg's chain offset) picked off a fresh
// chain snapshot. Legs that already carry a symbol pass through
// untouched.
func (b *TradingBot) resolveLegs(ctx context.Context, signal *models.Signal) error {
	unresolved := false
	for i := range signal.Legs {
		if signal.Legs[i].Symbol == "" {
			unresolved = true
			break
		}
	}
	if !unresolved {
		return nil
	}
	if b.chains == nil {
		return boterrors.NewValidationError("bot", "resolve_legs",
			fmt.Sprintf("signal %s has unresolved legs and no chain source is configured", signal.ID))
	}

	chainCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	chain, err := b.chains.GetOptionChain(chainCtx, signal.Underlying, signal.Expiry)
	cancel()
	if err != nil {
		return fmt.Errorf("option chain %s: %w", signal.Underlying, err)
	}

	atm, err := chain.ATMStrike(b.tieBreak)
	if err != nil {
		return err
	}

	for i := range signal.Legs {
		leg := &signal.Legs[i]
		if leg.Symbol != "" {
			continue
		}

		strike := leg.Strike
		if strike == 0 {
			strike = atm
			if leg.Offset != 0 {
				strike, err = chain.StrikeAtOffset(atm, leg.Offset)
				if err != nil {
					return err
				}
			}
		}

		row, err := chain.Row(strike)
		if err != nil {
			return err
		}

		var quote *broker.Quote
		if leg.Option == models.OptionPut {
			leg.Symbol = row.PutSymbol
			quote = row.Put
		} else {
			leg.Symbol = row.CallSymbol
			quote = row.Call
		}
		if leg.Symbol == "" {
			return boterrors.NewValidationError("bot", "resolve_legs",
				fmt.Sprintf("no %s contract at strike %.0f for %s", leg.Option, strike, signal.Underlying))
		}
		leg.Strike = strike
		if leg.Price == 0 && quote != nil {
			leg.Price = quote.Mid()
		}
	}
	return nil
}

// enterLeg places one entry order and converts the fill into a trade
// leg.
func (b *TradingBot) enterLeg(ctx context.Context, trade *models.Trade, leg models.SignalLeg, quantity int) (*models.TradeLeg, error) {
	req := &orders.Request{
		Symbol:   leg.Symbol,
		Side:     leg.Side,
		Type:     broker.OrderTypeLimit,
		Quantity: quantity,
		Price:    leg.Price,
		TradeID:  trade.ID,
		Tag:      orders.TagEntry,
	}

	quoteCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	quote, err := b.gateway.GetQuote(quoteCtx, leg.Symbol)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}

	order, err := b.orderMgr.PlaceOrder(ctx, req, quote)
	if err != nil {
		return nil, err
	}
	switch order.State {
	case orders.StateRejected, orders.StateCancelled:
		return nil, fmt.Errorf("entry order %s ended %s", order.ID, order.State)
	}

	// A resting entry keeps its requested size until fills arrive
	// through the monitoring loop.
	qty := order.FilledQuantity
	if qty == 0 {
		qty = req.Quantity
	}
	entryPrice := order.AvgFillPrice
	if entryPrice <= 0 {
		entryPrice = leg.Price
	}
	return &models.TradeLeg{
		Symbol:     leg.Symbol,
		Option:     leg.Option,
		Strike:     leg.Strike,
		Side:       leg.Side,
		Quantity:   qty,
		EntryPrice: entryPrice,
		LastPrice:  entryPrice,
		OrderID:    order.ID,
	}, nil
}

// unwind flattens any legs that made it in before a later leg failed.
func (b *TradingBot) unwind(ctx context.Context, trade *models.Trade) {
	for _, leg := range trade.Legs {
		req := &orders.Request{
			Symbol:   leg.Symbol,
			Side:     leg.Side.Opposite(),
			Type:     broker.OrderTypeMarket,
			Quantity: leg.Quantity,
			TradeID:  trade.ID,
			Tag:      orders.TagExit,
		}
		quoteCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		quote, err := b.gateway.GetQuote(quoteCtx, leg.Symbol)
		cancel()
		if err != nil && b.log != nil {
			b.log.LogError(fmt.Sprintf("unwind quote %s", leg.Symbol), err)
		}
		if _, err := b.orderMgr.PlaceOrder(ctx, req, quote); err != nil && b.log != nil {
			b.log.LogError(fmt.Sprintf("unwind leg %s of %s", leg.Symbol, trade.ID), err)
		}
	}
	trade.Legs = nil
}

// placeExitBracket parks an OCO pair of exit orders for a single-leg
// trade: a profit-taking limit and a stop limit. Whichever fills first
// cancels the other.
func (b *TradingBot) placeExitBracket(ctx context.Context, trade *models.Trade) error {
	leg := trade.Legs[0]
	perUnitTarget := trade.ProfitTarget / float64(leg.Quantity)
	perUnitStop := trade.StopLoss / float64(leg.Quantity)

	var targetPrice, stopPrice float64
	if leg.Side == models.SideSell {
		// Short premium profits as the option decays.
		targetPrice = leg.EntryPrice - perUnitTarget
		stopPrice = leg.EntryPrice + perUnitStop
	} else {
		targetPrice = leg.EntryPrice + perUnitTarget
		stopPrice = leg.EntryPrice - perUnitStop
	}
	if targetPrice <= 0 {
		return fmt.Errorf("target price %.2f below zero", targetPrice)
	}

	exitSide := leg.Side.Opposite()
	target := &orders.Request{
		Symbol:   leg.Symbol,
		Side:     exitSide,
		Type:     broker.OrderTypeLimit,
		Quantity: leg.Quantity,
		Price:    targetPrice,
		TradeID:  trade.ID,
		Tag:      orders.TagTarget,
	}
	stop := &orders.Request{
		Symbol:   leg.Symbol,
		Side:     exitSide,
		Type:     broker.OrderTypeLimit,
		Quantity: leg.Quantity,
		Price:    stopPrice,
		TradeID:  trade.ID,
		Tag:      orders.TagStop,
	}

	quoteCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	quote, err := b.gateway.GetQuote(quoteCtx, leg.Symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}

	_, err = b.orderMgr.PlaceOCO(ctx, target, stop, quote, quote)
	return err
}

// entryValue sums the signed entry premium across legs: credit
// positive for net short structures.
func entryValue(trade *models.Trade) float64 {
	var value float64
	for _, leg := range trade.Legs {
		if leg.Side == models.SideSell {
			value += leg.EntryPrice * float64(leg.Quantity)
		} else {
			value -= leg.EntryPrice * float64(leg.Quantity)
		}
	}
	return value
}
