package broker

import (
	"context"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/models"
)

// OrderType distinguishes limit from market tickets.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// AckState is the broker's immediate answer to a placement.
type AckState string

const (
	AckAccepted AckState = "ACCEPTED"
	AckRejected AckState = "REJECTED"
)

// StatusState is the broker-side lifecycle of an accepted order.
type StatusState string

const (
	StatusOpen            StatusState = "OPEN"
	StatusPartiallyFilled StatusState = "PARTIALLY_FILLED"
	StatusFilled          StatusState = "FILLED"
	StatusCancelled       StatusState = "CANCELLED"
	StatusRejected        StatusState = "REJECTED"
)

// Ticket is the immutable payload sent to a broker for one order.
type Ticket struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          models.OrderSide `json:"side"`
	Type          OrderType        `json:"type"`
	Quantity      int              `json:"quantity"`
	Price         float64          `json:"price"` // ignored for market orders
}

// Ack is the broker's synchronous response to a placement.
type Ack struct {
	OrderID        string   `json:"order_id"`
	State          AckState `json:"state"`
	Reason         string   `json:"reason,omitempty"`
	FilledQuantity int      `json:"filled_quantity"`
	AvgFillPrice   float64  `json:"avg_fill_price"`
}

// OrderStatus is a point-in-time snapshot of an accepted order.
type OrderStatus struct {
	OrderID         string      `json:"order_id"`
	State           StatusState `json:"state"`
	FilledQuantity  int         `json:"filled_quantity"`
	PendingQuantity int         `json:"pending_quantity"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Position is a broker-side open position snapshot.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      int     `json:"quantity"` // signed, short negative
	AvgPrice      float64 `json:"avg_price"`
	LastPrice     float64 `json:"last_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Quote is a market snapshot for one instrument.
type Quote struct {
	Symbol       string    `json:"symbol"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Last         float64   `json:"last"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	Timestamp    time.Time `json:"timestamp"`
}

// Mid returns the bid-ask midpoint, falling back to last when one side
// of the book is empty.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Spread returns the absolute bid-ask spread.
func (q *Quote) Spread() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return q.Ask - q.Bid
	}
	return 0
}

// Gateway is the broker abstraction the execution engine talks to.
// Every call is bounded by its context; implementations wrap their own
// transport timeouts on top.
type Gateway interface {
	PlaceOrder(ctx context.Context, ticket *Ticket) (*Ack, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}
