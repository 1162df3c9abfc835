package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	"github.com/ducminhle1904/options-trading-bot/internal/marketdata"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
)

// OutcomeKind selects how the simulator answers the next placement.
type OutcomeKind string

const (
	OutcomeFill    OutcomeKind = "FILL"    // full immediate fill
	OutcomePartial OutcomeKind = "PARTIAL" // partial fill, remainder rests
	OutcomeRest    OutcomeKind = "REST"    // accepted, no fill yet
	OutcomeReject  OutcomeKind = "REJECT"  // broker rejection with reason
	OutcomeError   OutcomeKind = "ERROR"   // transport-level failure
)

// Outcome scripts one placement response. FillRatio applies to PARTIAL
// outcomes; Reason to REJECT; Err to ERROR.
type Outcome struct {
	Kind      OutcomeKind
	FillRatio float64
	Reason    string
	Err       error
}

type record struct {
	ticket   broker.Ticket
	orderID  string
	state    broker.StatusState
	filled   int
	avgPrice float64
	updated  time.Time
}

// Gateway is an in-memory broker simulator. With no script it behaves
// like a book with the installed quotes: marketable orders fill in
// full at the touch, non-marketable limits rest until Fill advances
// them. Without a quote for the symbol every order fills, so
// quote-less tests stay simple. Tests push scripted outcomes to force
// rejection, partial fill and transport failure paths.
type Gateway struct {
	mu        sync.Mutex
	quotes    map[string]*broker.Quote
	chains    map[string]*marketdata.Chain
	orders    map[string]*record
	script    []Outcome
	positions map[string]*broker.Position
	seq       int
}

// NewGateway creates an empty paper gateway.
func NewGateway() *Gateway {
	return &Gateway{
		quotes:    make(map[string]*broker.Quote),
		chains:    make(map[string]*marketdata.Chain),
		orders:    make(map[string]*record),
		positions: make(map[string]*broker.Position),
	}
}

// SetQuote installs or replaces the market snapshot for a symbol.
func (g *Gateway) SetQuote(q *broker.Quote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[q.Symbol] = q
}

// SetChain installs or replaces the option chain for an underlying.
func (g *Gateway) SetChain(c *marketdata.Chain) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chains[c.Underlying] = c
}

// Script queues placement outcomes consumed in FIFO order. Once the
// queue drains the gateway reverts to full fills.
func (g *Gateway) Script(outcomes ...Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, outcomes...)
}

// PlaceOrder simulates an order placement.
func (g *Gateway) PlaceOrder(ctx context.Context, ticket *broker.Ticket) (*broker.Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	outcome := Outcome{Kind: OutcomeFill}
	switch {
	case len(g.script) > 0:
		outcome = g.script[0]
		g.script = g.script[1:]
	case !g.marketable(ticket):
		// A limit that does not cross the book rests. Exactly one
		// member of an exit bracket can ever execute this way.
		outcome = Outcome{Kind: OutcomeRest}
	}

	if outcome.Kind == OutcomeError {
		err := outcome.Err
		if err == nil {
			err = fmt.Errorf("paper gateway: connection reset")
		}
		return nil, err
	}

	g.seq++
	orderID := fmt.Sprintf("PAPER-%06d", g.seq)

	if outcome.Kind == OutcomeReject {
		reason := outcome.Reason
		if reason == "" {
			reason = "order rejected"
		}
		return &broker.Ack{OrderID: orderID, State: broker.AckRejected, Reason: reason}, nil
	}

	price := g.fillPrice(ticket)
	rec := &record{
		ticket:   *ticket,
		orderID:  orderID,
		state:    broker.StatusOpen,
		updated:  time.Now(),
		avgPrice: price,
	}

	switch outcome.Kind {
	case OutcomeFill:
		rec.filled = ticket.Quantity
		rec.state = broker.StatusFilled
		g.applyFill(ticket, ticket.Quantity, price)
	case OutcomePartial:
		ratio := outcome.FillRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		rec.filled = int(float64(ticket.Quantity) * ratio)
		if rec.filled == 0 {
			rec.filled = 1
		}
		rec.state = broker.StatusPartiallyFilled
		g.applyFill(ticket, rec.filled, price)
	case OutcomeRest:
		// accepted, resting on the book
	}

	g.orders[orderID] = rec

	return &broker.Ack{
		OrderID:        orderID,
		State:          broker.AckAccepted,
		FilledQuantity: rec.filled,
		AvgFillPrice:   rec.avgPrice,
	}, nil
}

// Fill advances a resting or partially filled order, for tests driving
// fills between monitoring ticks.
func (g *Gateway) Fill(orderID string, quantity int, price float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("paper gateway: unknown order %s", orderID)
	}
	if rec.state == broker.StatusCancelled || rec.state == broker.StatusFilled {
		return fmt.Errorf("paper gateway: order %s already terminal", orderID)
	}

	remaining := rec.ticket.Quantity - rec.filled
	if quantity > remaining {
		quantity = remaining
	}

	total := rec.avgPrice*float64(rec.filled) + price*float64(quantity)
	rec.filled += quantity
	rec.avgPrice = total / float64(rec.filled)
	rec.updated = time.Now()

	if rec.filled == rec.ticket.Quantity {
		rec.state = broker.StatusFilled
	} else {
		rec.state = broker.StatusPartiallyFilled
	}

	g.applyFill(&rec.ticket, quantity, price)
	return nil
}

// CancelOrder cancels the unfilled remainder of an order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("paper gateway: unknown order %s", orderID)
	}
	if rec.state == broker.StatusFilled {
		return fmt.Errorf("paper gateway: order %s already filled", orderID)
	}
	if rec.state == broker.StatusCancelled {
		return nil // cancel is idempotent
	}

	rec.state = broker.StatusCancelled
	rec.updated = time.Now()
	return nil
}

// GetOrderStatus returns the current snapshot for an order.
func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper gateway: unknown order %s", orderID)
	}

	return &broker.OrderStatus{
		OrderID:         rec.orderID,
		State:           rec.state,
		FilledQuantity:  rec.filled,
		PendingQuantity: rec.ticket.Quantity - rec.filled,
		AvgFillPrice:    rec.avgPrice,
		UpdatedAt:       rec.updated,
	}, nil
}

// GetPositions returns net positions built from simulated fills.
func (g *Gateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	positions := make([]broker.Position, 0, len(g.positions))
	for _, pos := range g.positions {
		p := *pos
		if q, ok := g.quotes[p.Symbol]; ok {
			p.LastPrice = q.Last
			p.UnrealizedPnL = (p.LastPrice - p.AvgPrice) * float64(p.Quantity)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// GetQuote returns the installed quote for a symbol.
func (g *Gateway) GetQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	q, ok := g.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("paper gateway: no quote for %s", symbol)
	}
	out := *q
	out.Timestamp = time.Now()
	return &out, nil
}

// GetOptionChain returns the installed chain for an underlying.
func (g *Gateway) GetOptionChain(ctx context.Context, underlying string, expiry time.Time) (*marketdata.Chain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.chains[underlying]
	if !ok {
		return nil, fmt.Errorf("paper gateway: no option chain for %s", underlying)
	}
	out := *c
	out.FetchedAt = time.Now()
	return &out, nil
}

// marketable reports whether a ticket would execute immediately
// against the installed quote. Market orders always do; a symbol
// without a quote is treated as infinitely liquid.
func (g *Gateway) marketable(ticket *broker.Ticket) bool {
	if ticket.Type != broker.OrderTypeLimit {
		return true
	}
	q, ok := g.quotes[ticket.Symbol]
	if !ok {
		return true
	}
	if ticket.Side == models.SideBuy {
		return q.Ask > 0 && ticket.Price >= q.Ask
	}
	return q.Bid > 0 && ticket.Price <= q.Bid
}

// fillPrice executes at the touch when the book improves on the limit.
func (g *Gateway) fillPrice(ticket *broker.Ticket) float64 {
	q, ok := g.quotes[ticket.Symbol]
	if ticket.Type == broker.OrderTypeLimit && ticket.Price > 0 {
		if ok {
			if ticket.Side == models.SideBuy && q.Ask > 0 && q.Ask < ticket.Price {
				return q.Ask
			}
			if ticket.Side == models.SideSell && q.Bid > 0 && q.Bid > ticket.Price {
				return q.Bid
			}
		}
		return ticket.Price
	}
	if ok {
		return q.Mid()
	}
	return ticket.Price
}

func (g *Gateway) applyFill(ticket *broker.Ticket, quantity int, price float64) {
	signed := quantity
	if ticket.Side == models.SideSell {
		signed = -quantity
	}

	pos, ok := g.positions[ticket.Symbol]
	if !ok {
		g.positions[ticket.Symbol] = &broker.Position{
			Symbol:   ticket.Symbol,
			Quantity: signed,
			AvgPrice: price,
		}
		return
	}

	newQty := pos.Quantity + signed
	if newQty == 0 {
		delete(g.positions, ticket.Symbol)
		return
	}

	// Average only when adding to the same side.
	if (pos.Quantity > 0) == (signed > 0) {
		total := pos.AvgPrice*float64(abs(pos.Quantity)) + price*float64(abs(signed))
		pos.AvgPrice = total / float64(abs(newQty))
	}
	pos.Quantity = newQty
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
