package models

import (
	"time"
)

// TradeStatus tracks the lifecycle of a multi-leg position.
type TradeStatus string

const (
	TradeStatusOpen    TradeStatus = "OPEN"
	TradeStatusClosing TradeStatus = "CLOSING"
	TradeStatusClosed  TradeStatus = "CLOSED"
)

// TradeLeg is one executed option leg of an open trade.
type TradeLeg struct {
	Symbol     string     `json:"symbol"`
	Option     OptionKind `json:"option"`
	Strike     float64    `json:"strike"`
	Side       OrderSide  `json:"side"`
	Quantity   int        `json:"quantity"` // units, lot size multiple
	EntryPrice float64    `json:"entry_price"`
	LastPrice  float64    `json:"last_price"`
	OrderID    string     `json:"order_id"`
}

// UnrealizedPnL returns the mark-to-market P&L of the leg in currency.
func (l *TradeLeg) UnrealizedPnL() float64 {
	if l.Side == SideSell {
		return (l.EntryPrice - l.LastPrice) * float64(l.Quantity)
	}
	return (l.LastPrice - l.EntryPrice) * float64(l.Quantity)
}

// Trade groups the legs opened for one signal under a shared id. All
// mutation happens under the owning risk state's lock; the monitor and
// order manager receive the same pointer.
type Trade struct {
	ID            string      `json:"id"`
	SignalID      string      `json:"signal_id"`
	Kind          SignalKind  `json:"kind"`
	Underlying    string      `json:"underlying"`
	Legs          []*TradeLeg `json:"legs"`
	Lots          int         `json:"lots"`
	EntryValue    float64     `json:"entry_value"` // net credit(+) / debit(-), whole position
	ProfitTarget  float64     `json:"profit_target"`
	StopLoss      float64     `json:"stop_loss"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	RealizedPnL   float64     `json:"realized_pnl"`
	Status        TradeStatus `json:"status"`
	OpenedAt      time.Time   `json:"opened_at"`
	ClosedAt      time.Time   `json:"closed_at,omitempty"`
	CloseReason   string      `json:"close_reason,omitempty"`
}

// RefreshPnL recomputes the aggregate unrealized P&L from leg marks.
func (t *Trade) RefreshPnL() float64 {
	var total float64
	for _, leg := range t.Legs {
		total += leg.UnrealizedPnL()
	}
	t.UnrealizedPnL = total
	return total
}

// Age returns how long the trade has been open at the given time.
func (t *Trade) Age(now time.Time) time.Duration {
	return now.Sub(t.OpenedAt)
}

// IsOpen reports whether the trade still needs monitoring.
func (t *Trade) IsOpen() bool {
	return t.Status == TradeStatusOpen
}
