package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	"github.com/ducminhle1904/options-trading-bot/internal/ledger"
	"github.com/ducminhle1904/options-trading-bot/internal/logger"
	"github.com/ducminhle1904/options-trading-bot/internal/marketdata"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
	"github.com/ducminhle1904/options-trading-bot/internal/orders"
	"github.com/ducminhle1904/options-trading-bot/internal/risk"
)

// AlertFunc receives risk alerts raised during a tick.
type AlertFunc func(risk.Alert)

// CloseFunc receives trades after they have been closed.
type CloseFunc func(*models.Trade)

// Config tunes the monitoring loop.
type Config struct {
	Interval    time.Duration `json:"interval"`
	CallTimeout time.Duration `json:"call_timeout"`
}

// DefaultConfig polls every 30 seconds.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		CallTimeout: 10 * time.Second,
	}
}

// PositionMonitor drives the periodic monitoring loop: refresh marks,
// resolve pending order work, evaluate exit conditions and close
// trades. One trade's failure never stops the others; each position is
// handled in isolation within the tick.
type PositionMonitor struct {
	cfg      Config
	quotes   marketdata.Quoter
	riskMgr  *risk.Manager
	orderMgr *orders.Manager
	book     *ledger.Ledger
	log      *logger.Logger

	mu            sync.Mutex
	closeReasons  map[string]string // tradeID -> reason already acted on
	forcedClosed  map[string]bool   // tradeID -> emergency close attempted
	alertFuncs    []AlertFunc
	closeFuncs    []CloseFunc
	lastTick      time.Time
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewPositionMonitor wires a monitor from its collaborators.
func NewPositionMonitor(cfg Config, quotes marketdata.Quoter, riskMgr *risk.Manager,
	orderMgr *orders.Manager, book *ledger.Ledger, log *logger.Logger) *PositionMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &PositionMonitor{
		cfg:          cfg,
		quotes:       quotes,
		riskMgr:      riskMgr,
		orderMgr:     orderMgr,
		book:         book,
		log:          log,
		closeReasons: make(map[string]string),
		forcedClosed: make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
}

// OnAlert registers an alert callback. Callbacks run after the tick's
// critical section and must not block for long.
func (pm *PositionMonitor) OnAlert(fn AlertFunc) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.alertFuncs = append(pm.alertFuncs, fn)
}

// OnClose registers a position-close callback.
func (pm *PositionMonitor) OnClose(fn CloseFunc) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.closeFuncs = append(pm.closeFuncs, fn)
}

// Start launches the monitoring goroutine. Stop or context
// cancellation ends it.
func (pm *PositionMonitor) Start(ctx context.Context) {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = true
	pm.mu.Unlock()

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()

		ticker := time.NewTicker(pm.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-pm.stopCh:
				return
			case <-ticker.C:
				pm.Tick(ctx)
			}
		}
	}()
}

// Stop ends the monitoring loop and waits for the current tick.
func (pm *PositionMonitor) Stop() {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = false
	close(pm.stopCh)
	pm.mu.Unlock()

	pm.wg.Wait()
}

// Tick runs one monitoring pass. Exported so shutdown and tests can
// drive the loop deterministically.
func (pm *PositionMonitor) Tick(ctx context.Context) {
	now := time.Now()
	pm.mu.Lock()
	pm.lastTick = now
	pm.mu.Unlock()

	// Pending order work first: fills, partial fill resolution and OCO
	// sibling cancels all settle within this tick.
	pm.orderMgr.ProcessUpdates(ctx, now)

	trades := pm.riskMgr.State().OpenTrades()

	var closed []*models.Trade

	if pm.riskMgr.Stopper().Stopped() {
		closed = append(closed, pm.forceCloseAll(ctx, trades)...)
	} else {
		for _, trade := range trades {
			done, err := pm.checkTrade(ctx, trade, now)
			if err != nil {
				if pm.log != nil {
					pm.log.LogError(fmt.Sprintf("monitoring trade %s", trade.ID), err)
				}
				continue
			}
			if done != nil {
				closed = append(closed, done)
			}
		}
	}

	alerts := pm.riskMgr.MonitorPositions(trades)

	// Callbacks fire outside the monitoring critical path.
	pm.dispatch(alerts, closed)
}

// checkTrade refreshes one trade's marks and closes it if an exit
// condition holds. Returns the trade when it was closed this tick.
func (pm *PositionMonitor) checkTrade(ctx context.Context, trade *models.Trade, now time.Time) (*models.Trade, error) {
	if !trade.IsOpen() {
		return nil, nil
	}

	if err := pm.refreshMarks(ctx, trade); err != nil {
		return nil, err
	}

	shouldClose, reason := pm.riskMgr.ShouldClosePosition(trade, now)
	if !shouldClose {
		return nil, nil
	}

	// Exactly one close per trade and triggering condition.
	pm.mu.Lock()
	if _, seen := pm.closeReasons[trade.ID]; seen {
		pm.mu.Unlock()
		return nil, nil
	}
	pm.closeReasons[trade.ID] = reason
	pm.mu.Unlock()

	if err := pm.closeTrade(ctx, trade, reason); err != nil {
		// Allow a later tick to try again for the same condition.
		pm.mu.Lock()
		delete(pm.closeReasons, trade.ID)
		pm.mu.Unlock()
		return nil, err
	}
	return trade, nil
}

// refreshMarks updates every leg's last price and the trade's
// aggregate unrealized P&L.
func (pm *PositionMonitor) refreshMarks(ctx context.Context, trade *models.Trade) error {
	for _, leg := range trade.Legs {
		callCtx, cancel := context.WithTimeout(ctx, pm.cfg.CallTimeout)
		quote, err := pm.quotes.GetQuote(callCtx, leg.Symbol)
		cancel()
		if err != nil {
			return fmt.Errorf("quote %s: %w", leg.Symbol, err)
		}
		leg.LastPrice = quote.Last
	}
	trade.RefreshPnL()
	return nil
}

// closeTrade exits every leg at market and finalizes the trade's
// accounting and ledger entries.
func (pm *PositionMonitor) closeTrade(ctx context.Context, trade *models.Trade, reason string) error {
	trade.Status = models.TradeStatusClosing

	var realized float64
	for _, leg := range trade.Legs {
		req := &orders.Request{
			Symbol:   leg.Symbol,
			Side:     leg.Side.Opposite(),
			Type:     broker.OrderTypeMarket,
			Quantity: leg.Quantity,
			TradeID:  trade.ID,
			Tag:      orders.TagExit,
		}

		callCtx, cancel := context.WithTimeout(ctx, pm.cfg.CallTimeout)
		quote, _ := pm.quotes.GetQuote(callCtx, leg.Symbol)
		cancel()

		order, err := pm.orderMgr.PlaceOrder(ctx, req, quote)
		if err != nil {
			trade.Status = models.TradeStatusOpen
			return fmt.Errorf("exit leg %s: %w", leg.Symbol, err)
		}

		exitPrice := order.AvgFillPrice
		if exitPrice <= 0 {
			exitPrice = leg.LastPrice
		}
		if leg.Side == models.SideSell {
			realized += (leg.EntryPrice - exitPrice) * float64(leg.Quantity)
		} else {
			realized += (exitPrice - leg.EntryPrice) * float64(leg.Quantity)
		}
		pm.orderMgr.CloseFilled(order.ID, "trade exit: "+reason)
		if leg.OrderID != "" {
			pm.orderMgr.CloseFilled(leg.OrderID, "trade exit: "+reason)
		}
	}

	trade.RealizedPnL = realized
	trade.Status = models.TradeStatusClosed
	trade.ClosedAt = time.Now()
	trade.CloseReason = reason

	pm.riskMgr.RegisterClose(trade)
	if pm.book != nil {
		pm.book.RecordTradeClosed(trade)
	}
	if pm.log != nil {
		pm.log.LogTradeClosed(trade.ID, reason, realized, trade.ClosedAt.Sub(trade.OpenedAt))
	}
	return nil
}

// forceCloseAll flattens every open trade under the emergency stop.
// Each trade gets exactly one forced close attempt per activation;
// failures are logged and retried on the next tick.
func (pm *PositionMonitor) forceCloseAll(ctx context.Context, trades []*models.Trade) []*models.Trade {
	var closed []*models.Trade

	for _, trade := range trades {
		if !trade.IsOpen() {
			continue
		}

		pm.mu.Lock()
		if pm.forcedClosed[trade.ID] {
			pm.mu.Unlock()
			continue
		}
		pm.forcedClosed[trade.ID] = true
		pm.mu.Unlock()

		if err := pm.refreshMarks(ctx, trade); err != nil && pm.log != nil {
			pm.log.LogError(fmt.Sprintf("emergency marks %s", trade.ID), err)
		}

		if err := pm.closeTrade(ctx, trade, risk.RuleEmergencyStop); err != nil {
			if pm.log != nil {
				pm.log.LogError(fmt.Sprintf("emergency close %s", trade.ID), err)
			}
			pm.mu.Lock()
			delete(pm.forcedClosed, trade.ID)
			pm.mu.Unlock()
			continue
		}
		closed = append(closed, trade)
	}

	if pm.book != nil && len(closed) > 0 {
		pm.book.RecordRiskEvent(fmt.Sprintf("emergency stop flattened %d trades", len(closed)))
	}
	return closed
}

// dispatch delivers alerts and close notifications to registered
// callbacks.
func (pm *PositionMonitor) dispatch(alerts []risk.Alert, closed []*models.Trade) {
	pm.mu.Lock()
	alertFuncs := make([]AlertFunc, len(pm.alertFuncs))
	copy(alertFuncs, pm.alertFuncs)
	closeFuncs := make([]CloseFunc, len(pm.closeFuncs))
	copy(closeFuncs, pm.closeFuncs)
	pm.mu.Unlock()

	for _, alert := range alerts {
		for _, fn := range alertFuncs {
			fn(alert)
		}
	}
	for _, trade := range closed {
		for _, fn := range closeFuncs {
			fn(trade)
		}
	}
}

// LastTick returns when the loop last ran, for health reporting.
func (pm *PositionMonitor) LastTick() time.Time {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lastTick
}
