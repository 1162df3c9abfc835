package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
)

// OrderState is a node in the order lifecycle state machine.
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateValidated       OrderState = "VALIDATED"
	StateSubmitted       OrderState = "SUBMITTED"
	StateAcknowledged    OrderState = "ACKNOWLEDGED"
	StateRejected        OrderState = "REJECTED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelled       OrderState = "CANCELLED"
	StateClosed          OrderState = "CLOSED"
)

// validTransitions is the complete transition table. Anything not
// listed here is a programming error and is refused.
var validTransitions = map[OrderState][]OrderState{
	StateCreated:         {StateValidated, StateRejected},
	StateValidated:       {StateSubmitted, StateRejected, StateCancelled},
	StateSubmitted:       {StateAcknowledged, StateRejected, StateCancelled},
	StateAcknowledged:    {StatePartiallyFilled, StateFilled, StateCancelled, StateRejected},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled, StateCancelled},
	StateFilled:          {StateClosed},
	StateRejected:        {},
	StateCancelled:       {},
	StateClosed:          {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to OrderState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderState) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// OrderTag marks what role an order plays within a trade.
type OrderTag string

const (
	TagEntry  OrderTag = "entry"
	TagExit   OrderTag = "exit"
	TagTarget OrderTag = "target"
	TagStop   OrderTag = "stop"
)

// Request is the immutable description of what a caller wants
// executed. The manager copies it into an Order and never hands the
// Request back out mutated.
type Request struct {
	Symbol   string
	Side     models.OrderSide
	Type     broker.OrderType
	Quantity int
	Price    float64
	TradeID  string
	Tag      OrderTag
}

// RetryAttempt records one failed submission attempt. The history on
// an order is append-only.
type RetryAttempt struct {
	Attempt   int           `json:"attempt"`
	At        time.Time     `json:"at"`
	Delay     time.Duration `json:"delay"`
	Error     string        `json:"error"`
	Class     string        `json:"class"`
	Fallback  string        `json:"fallback,omitempty"` // ladder step applied after this attempt, if any
}

// Order is the manager-owned record of one order's life. All writes
// happen under the manager's lock.
type Order struct {
	ID            string           `json:"id"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          models.OrderSide `json:"side"`
	Type          broker.OrderType `json:"type"`
	Quantity      int              `json:"quantity"`
	Price         float64          `json:"price"`
	TradeID       string           `json:"trade_id,omitempty"`
	Tag           OrderTag         `json:"tag"`

	State          OrderState     `json:"state"`
	FilledQuantity int            `json:"filled_quantity"`
	AvgFillPrice   float64        `json:"avg_fill_price"`
	RejectReason   string         `json:"reject_reason,omitempty"`
	ManualHold     bool           `json:"manual_hold"` // fallback ladder exhausted, human required
	RetryHistory   []RetryAttempt `json:"retry_history,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	FirstPartialAt time.Time `json:"first_partial_at,omitempty"`
	ParentOrderID  string    `json:"parent_order_id,omitempty"` // set on split children
}

// newOrder builds an Order in the Created state from a request.
func newOrder(req *Request) *Order {
	now := time.Now()
	return &Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		TradeID:   req.TradeID,
		Tag:       req.Tag,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int {
	return o.Quantity - o.FilledQuantity
}

// transition moves the order to a new state, enforcing the table.
func (o *Order) transition(to OrderState) error {
	if !CanTransition(o.State, to) {
		return fmt.Errorf("illegal order transition %s -> %s for %s", o.State, to, o.ID)
	}
	o.State = to
	o.UpdatedAt = time.Now()
	return nil
}

// OCOPair links a target and a stop order: when one fills the other is
// cancelled, and at most one may ever fill.
type OCOPair struct {
	TradeID       string `json:"trade_id"`
	TargetOrderID string `json:"target_order_id"`
	StopOrderID   string `json:"stop_order_id"`
	Resolved      bool   `json:"resolved"`
}

// Sibling returns the other member of the pair, or empty if id is not
// a member.
func (p *OCOPair) Sibling(id string) string {
	switch id {
	case p.TargetOrderID:
		return p.StopOrderID
	case p.StopOrderID:
		return p.TargetOrderID
	}
	return ""
}
