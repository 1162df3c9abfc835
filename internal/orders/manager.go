package orders

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	boterrors "github.com/ducminhle1904/options-trading-bot/internal/errors"
	"github.com/ducminhle1904/options-trading-bot/internal/logger"
	"github.com/ducminhle1904/options-trading-bot/internal/monitoring"
	"github.com/ducminhle1904/options-trading-bot/internal/risk"
)

// TransitionRecorder receives every order state transition for the
// append-only trade ledger.
type TransitionRecorder interface {
	RecordTransition(order *Order, from, to OrderState, detail string)
}

// Observer is a callback fired on every transition, outside any lock.
type Observer func(order *Order, from, to OrderState, detail string)

type event struct {
	order  *Order
	from   OrderState
	to     OrderState
	detail string
}

// Manager owns the order lifecycle: validation, submission with retry
// and fallback, fill tracking, partial fill resolution and OCO
// pairing.
//
// Concurrency contract: an order is mutated only by the goroutine that
// placed it until it reaches ACKNOWLEDGED; after that, only
// ProcessUpdates (the monitoring tick) mutates it. The mutex guards
// the shared registries.
type Manager struct {
	gateway   broker.Gateway
	validator *Validator
	retry     *RetryHandler
	fallback  *FallbackEngine
	partial   *PartialFillHandler
	stopper   risk.Stopper
	log       *logger.Logger
	recorder  TransitionRecorder

	callTimeout time.Duration

	mu        sync.Mutex
	orders    map[string]*Order
	ocoPairs  []*OCOPair
	observers []Observer
}

// NewManager wires an order manager from its collaborators. recorder
// may be nil when no ledger is attached (tests).
func NewManager(gateway broker.Gateway, validator *Validator, retry *RetryHandler,
	fallback *FallbackEngine, partial *PartialFillHandler, stopper risk.Stopper,
	log *logger.Logger, recorder TransitionRecorder) *Manager {
	return &Manager{
		gateway:     gateway,
		validator:   validator,
		retry:       retry,
		fallback:    fallback,
		partial:     partial,
		stopper:     stopper,
		log:         log,
		recorder:    recorder,
		callTimeout: 10 * time.Second,
		orders:      make(map[string]*Order),
	}
}

// RegisterObserver adds a transition callback. Callbacks run outside
// the manager lock and must not block for long.
func (m *Manager) RegisterObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// GetOrder returns a tracked order by id.
func (m *Manager) GetOrder(id string) (*Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o, ok
}

// ActiveOrders returns all orders not yet in a terminal state.
func (m *Manager) ActiveOrders() []*Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*Order
	for _, o := range m.orders {
		if !o.State.IsTerminal() && !o.ManualHold {
			active = append(active, o)
		}
	}
	return active
}

// PlaceOrder runs the full placement pipeline for one request:
// validate, submit with retry, escalate through the fallback ladder on
// definitive failure. Validation failure rejects immediately with no
// retry. The returned order always reflects the final state reached.
func (m *Manager) PlaceOrder(ctx context.Context, req *Request, quote *broker.Quote) (_ *Order, err error) {
	order := newOrder(req)
	m.track(order)

	var events []event
	defer func() {
		m.fire(events)
		if err != nil {
			monitoring.RecordError(string(boterrors.CategorizeError(err, "orders", "place_order").Category))
		}
	}()

	vr := m.validator.ValidateOrder(req, quote, time.Now())
	if !vr.Valid {
		order.RejectReason = strings.Join(vr.Violations, ",")
		events = append(events, m.move(order, StateRejected, "validation: "+order.RejectReason))
		return order, boterrors.NewValidationError("orders", "place_order", order.RejectReason).
			WithContext("violations", vr.Violations)
	}
	events = append(events, m.move(order, StateValidated, ""))

	if m.stopper != nil && m.stopper.Stopped() {
		order.RejectReason = risk.RuleEmergencyStop
		events = append(events, m.move(order, StateRejected, risk.RuleEmergencyStop))
		return order, boterrors.NewEmergencyError("orders", "place_order", "emergency stop active")
	}

	events = append(events, m.move(order, StateSubmitted, ""))

	err = m.submit(ctx, order)
	if err == nil {
		events = append(events, m.applyAck(order)...)
		return order, nil
	}

	if err == ErrEmergencyStop || ctx.Err() != nil {
		events = append(events, m.move(order, StateCancelled, "aborted: "+err.Error()))
		return order, err
	}

	class := broker.Classify(err)
	if class == broker.FailureRejected {
		order.RejectReason = err.Error()
		events = append(events, m.move(order, StateRejected, err.Error()))
		return order, err
	}

	// Definitive non-rejection failure: walk the fallback ladder.
	evts, fbErr := m.runFallback(ctx, order, quote, class)
	events = append(events, evts...)
	return order, fbErr
}

// submit sends the order's current ticket through the retry handler,
// recording every failed attempt on the order.
func (m *Manager) submit(ctx context.Context, order *Order) error {
	return m.retry.Execute(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		defer cancel()

		ack, err := m.gateway.PlaceOrder(callCtx, m.ticket(order))
		if err != nil {
			return err
		}
		if ack.State == broker.AckRejected {
			// The reason decides the failure class: a margin-starved
			// rejection must reach the fallback ladder, not end the
			// order.
			return boterrors.CategorizeError(fmt.Errorf("rejected: %s", ack.Reason),
				"orders", "place_order")
		}

		order.BrokerOrderID = ack.OrderID
		order.FilledQuantity = ack.FilledQuantity
		order.AvgFillPrice = ack.AvgFillPrice
		return nil
	}, func(a Attempt) {
		monitoring.RecordRetry(string(a.Class))
		order.RetryHistory = append(order.RetryHistory, RetryAttempt{
			Attempt: a.Number,
			At:      time.Now(),
			Delay:   a.Delay,
			Error:   a.Err.Error(),
			Class:   string(a.Class),
		})
	})
}

// runFallback walks the escalation ladder from the entry point the
// failure class selects. Single-variant steps mutate the order in
// place and resubmit; the split step spawns child orders. The
// emergency stop is checked before every step.
func (m *Manager) runFallback(ctx context.Context, order *Order, quote *broker.Quote, class broker.FailureClass) ([]event, error) {
	var events []event

	req := &Request{
		Symbol:   order.Symbol,
		Side:     order.Side,
		Type:     order.Type,
		Quantity: order.Quantity,
		Price:    order.Price,
		TradeID:  order.TradeID,
		Tag:      order.Tag,
	}

	for _, step := range m.fallback.Plan(class) {
		if m.stopper != nil && m.stopper.Stopped() {
			events = append(events, m.move(order, StateCancelled, "emergency stop during fallback"))
			return events, ErrEmergencyStop
		}

		if step == StepManual {
			order.ManualHold = true
			m.markFallback(order, step)
			monitoring.RecordFallbackStep(string(step))
			if m.log != nil {
				m.log.LogWarning("fallback", "order %s requires manual intervention after %s failure", order.ID, class)
			}
			events = append(events, event{order: order, from: order.State, to: order.State, detail: "manual_intervention"})
			return events, boterrors.NewBotError(boterrors.ErrorCategoryRejection, "orders", "fallback",
				"order requires manual intervention").WithContext("order_id", order.ID)
		}

		variants := m.fallback.Apply(step, req, quote)
		if variants == nil {
			continue
		}
		monitoring.RecordFallbackStep(string(step))

		if step == StepSplitOrder {
			evts, err := m.placeChildren(ctx, order, variants)
			events = append(events, evts...)
			if err == nil {
				return events, nil
			}
			continue
		}

		// Single-variant step: rewrite the order and resubmit.
		variant := variants[0]
		order.Type = variant.Type
		order.Price = variant.Price
		order.Quantity = variant.Quantity
		m.markFallback(order, step)
		*req = *variant

		if err := m.submit(ctx, order); err == nil {
			events = append(events, m.applyAck(order)...)
			return events, nil
		} else if err == ErrEmergencyStop {
			events = append(events, m.move(order, StateCancelled, "emergency stop during fallback"))
			return events, err
		}
	}

	order.ManualHold = true
	events = append(events, event{order: order, from: order.State, to: order.State, detail: "manual_intervention"})
	return events, boterrors.NewBotError(boterrors.ErrorCategoryRejection, "orders", "fallback",
		"fallback ladder exhausted").WithContext("order_id", order.ID)
}

// placeChildren submits split children; all must be accepted for the
// step to count as success. The parent is cancelled as superseded.
func (m *Manager) placeChildren(ctx context.Context, parent *Order, variants []*Request) ([]event, error) {
	var events []event
	children := make([]*Order, 0, len(variants))

	for _, v := range variants {
		child := newOrder(v)
		child.ParentOrderID = parent.ID
		m.track(child)
		events = append(events, m.move(child, StateValidated, "split child"))
		events = append(events, m.move(child, StateSubmitted, ""))

		if err := m.submit(ctx, child); err != nil {
			events = append(events, m.move(child, StateCancelled, "split child failed: "+err.Error()))
			return events, err
		}
		events = append(events, m.applyAck(child)...)
		children = append(children, child)
	}

	events = append(events, m.move(parent, StateCancelled,
		fmt.Sprintf("split into %d child orders", len(children))))
	return events, nil
}

// PlaceOCO places a target and stop order as a linked pair. When one
// fills the other is cancelled within the same monitoring tick.
func (m *Manager) PlaceOCO(ctx context.Context, target, stop *Request, targetQuote, stopQuote *broker.Quote) (*OCOPair, error) {
	targetOrder, err := m.PlaceOrder(ctx, target, targetQuote)
	if err != nil {
		return nil, fmt.Errorf("oco target leg: %w", err)
	}

	stopOrder, err := m.PlaceOrder(ctx, stop, stopQuote)
	if err != nil {
		// Target is live without its stop: pull it back.
		if cancelErr := m.CancelOrder(ctx, targetOrder.ID, "oco stop leg failed"); cancelErr != nil && m.log != nil {
			m.log.LogError("oco rollback", cancelErr)
		}
		return nil, fmt.Errorf("oco stop leg: %w", err)
	}

	pair := &OCOPair{
		TradeID:       target.TradeID,
		TargetOrderID: targetOrder.ID,
		StopOrderID:   stopOrder.ID,
	}

	m.mu.Lock()
	m.ocoPairs = append(m.ocoPairs, pair)
	m.mu.Unlock()

	// A member that executed at placement resolves the pair right away
	// instead of waiting for the next monitoring tick.
	for _, member := range []*Order{targetOrder, stopOrder} {
		if member.State == StateFilled {
			m.resolveOCO(ctx, member)
			break
		}
	}

	return pair, nil
}

// CancelOrder cancels a tracked order at the broker and in the state
// machine.
func (m *Manager) CancelOrder(ctx context.Context, orderID, reason string) error {
	order, ok := m.GetOrder(orderID)
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if order.State.IsTerminal() {
		return nil
	}

	if order.BrokerOrderID != "" {
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
		if err := m.gateway.CancelOrder(callCtx, order.BrokerOrderID); err != nil {
			return boterrors.CategorizeError(err, "orders", "cancel_order")
		}
	}

	m.fire([]event{m.move(order, StateCancelled, reason)})
	return nil
}

// ProcessUpdates polls broker state for every active order and applies
// fills, OCO sibling cancellation and partial fill resolution. Called
// once per monitoring tick.
func (m *Manager) ProcessUpdates(ctx context.Context, now time.Time) {
	var events []event
	defer func() { m.fire(events) }()

	for _, order := range m.ActiveOrders() {
		if order.BrokerOrderID == "" {
			continue
		}
		if order.State != StateAcknowledged && order.State != StatePartiallyFilled {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		status, err := m.gateway.GetOrderStatus(callCtx, order.BrokerOrderID)
		cancel()
		if err != nil {
			if m.log != nil {
				m.log.LogError(fmt.Sprintf("order %s status poll", order.ID), err)
			}
			continue
		}

		events = append(events, m.applyStatus(order, status)...)

		if order.State == StatePartiallyFilled {
			events = append(events, m.resolvePartial(ctx, order, now)...)
		}
		if order.State == StateFilled {
			events = append(events, m.resolveOCO(ctx, order)...)
		}
	}
}

// resolvePartial applies the partial fill strategy to an order stuck
// in PARTIALLY_FILLED.
func (m *Manager) resolvePartial(ctx context.Context, order *Order, now time.Time) []event {
	var quote *broker.Quote
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	quote, _ = m.gateway.GetQuote(callCtx, order.Symbol)
	cancel()

	var events []event

	switch m.partial.Decide(order, quote, now) {
	case PartialCancelRemainder:
		events = append(events, m.cancelRemainder(ctx, order, "partial fill remainder cancelled")...)

	case PartialReattemptRemainder:
		remaining := order.Remaining()
		events = append(events, m.cancelRemainder(ctx, order, "partial fill remainder reattempted")...)

		child := newOrder(&Request{
			Symbol:   order.Symbol,
			Side:     order.Side,
			Type:     order.Type,
			Quantity: remaining,
			Price:    order.Price,
			TradeID:  order.TradeID,
			Tag:      order.Tag,
		})
		child.ParentOrderID = order.ID
		m.track(child)
		events = append(events, m.move(child, StateValidated, "partial remainder"))
		events = append(events, m.move(child, StateSubmitted, ""))

		if err := m.submit(ctx, child); err != nil {
			events = append(events, m.move(child, StateCancelled, "remainder reattempt failed: "+err.Error()))
		} else {
			events = append(events, m.applyAck(child)...)
		}
	}

	return events
}

// cancelRemainder cancels the unfilled remainder at the broker and
// settles the order's terminal state: FILLED when anything executed,
// CANCELLED otherwise.
func (m *Manager) cancelRemainder(ctx context.Context, order *Order, detail string) []event {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	err := m.gateway.CancelOrder(callCtx, order.BrokerOrderID)
	cancel()
	if err != nil {
		if m.log != nil {
			m.log.LogError(fmt.Sprintf("order %s remainder cancel", order.ID), err)
		}
		return nil
	}

	if order.FilledQuantity > 0 {
		return []event{m.move(order, StateFilled,
			fmt.Sprintf("%s (%d/%d filled)", detail, order.FilledQuantity, order.Quantity))}
	}
	return []event{m.move(order, StateCancelled, detail)}
}

// resolveOCO cancels the sibling of a freshly filled OCO member. The
// pair resolves at most once; only one member may ever fill.
func (m *Manager) resolveOCO(ctx context.Context, filled *Order) []event {
	m.mu.Lock()
	var pair *OCOPair
	for _, p := range m.ocoPairs {
		if !p.Resolved && p.Sibling(filled.ID) != "" {
			pair = p
			break
		}
	}
	if pair != nil {
		pair.Resolved = true
	}
	m.mu.Unlock()

	if pair == nil {
		return nil
	}

	siblingID := pair.Sibling(filled.ID)
	if err := m.CancelOrder(ctx, siblingID, "oco sibling filled"); err != nil && m.log != nil {
		m.log.LogError(fmt.Sprintf("oco sibling %s cancel", siblingID), err)
	}
	return nil
}

// applyAck settles the order state after a successful placement ack.
func (m *Manager) applyAck(order *Order) []event {
	events := []event{m.move(order, StateAcknowledged, "broker "+order.BrokerOrderID)}

	if order.FilledQuantity >= order.Quantity {
		events = append(events, m.move(order, StateFilled, ""))
	} else if order.FilledQuantity > 0 {
		order.FirstPartialAt = time.Now()
		events = append(events, m.move(order, StatePartiallyFilled,
			fmt.Sprintf("%d/%d", order.FilledQuantity, order.Quantity)))
	}
	return events
}

// applyStatus folds a broker status snapshot into the order.
func (m *Manager) applyStatus(order *Order, status *broker.OrderStatus) []event {
	var events []event

	if status.FilledQuantity > order.FilledQuantity {
		order.FilledQuantity = status.FilledQuantity
		order.AvgFillPrice = status.AvgFillPrice
	}

	switch status.State {
	case broker.StatusFilled:
		if order.State != StateFilled {
			events = append(events, m.move(order, StateFilled, ""))
		}
	case broker.StatusPartiallyFilled:
		if order.State == StateAcknowledged {
			order.FirstPartialAt = time.Now()
			events = append(events, m.move(order, StatePartiallyFilled,
				fmt.Sprintf("%d/%d", order.FilledQuantity, order.Quantity)))
		}
	case broker.StatusCancelled:
		if order.State != StateCancelled {
			events = append(events, m.move(order, StateCancelled, "cancelled at broker"))
		}
	case broker.StatusRejected:
		if order.State != StateRejected && CanTransition(order.State, StateRejected) {
			events = append(events, m.move(order, StateRejected, "rejected at broker"))
		}
	}
	return events
}

// CloseFilled marks a filled order closed once its trade exits.
func (m *Manager) CloseFilled(orderID, reason string) {
	order, ok := m.GetOrder(orderID)
	if !ok || order.State != StateFilled {
		return
	}
	m.fire([]event{m.move(order, StateClosed, reason)})
}

func (m *Manager) ticket(order *Order) *broker.Ticket {
	return &broker.Ticket{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		Price:         order.Price,
	}
}

func (m *Manager) track(order *Order) {
	m.mu.Lock()
	m.orders[order.ID] = order
	m.mu.Unlock()
}

func (m *Manager) markFallback(order *Order, step StepKind) {
	if n := len(order.RetryHistory); n > 0 {
		order.RetryHistory[n-1].Fallback = string(step)
	} else {
		order.RetryHistory = append(order.RetryHistory, RetryAttempt{
			Attempt:  0,
			At:       time.Now(),
			Fallback: string(step),
		})
	}
}

// move transitions an order, panicking on table violations in tests
// via the returned event's detail. Illegal moves are logged and
// ignored in production.
func (m *Manager) move(order *Order, to OrderState, detail string) event {
	from := order.State
	if err := order.transition(to); err != nil {
		if m.log != nil {
			m.log.LogError("order transition", err)
		}
		return event{order: order, from: from, to: from, detail: "illegal transition refused"}
	}
	return event{order: order, from: from, to: to, detail: detail}
}

// fire delivers events to the ledger, log and observers, outside the
// manager lock.
func (m *Manager) fire(events []event) {
	if len(events) == 0 {
		return
	}

	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, e := range events {
		if m.recorder != nil {
			m.recorder.RecordTransition(e.order, e.from, e.to, e.detail)
		}
		if m.log != nil {
			m.log.LogOrderTransition(e.order.ID, e.order.Symbol, string(e.from), string(e.to), e.detail)
		}
		for _, obs := range observers {
			obs(e.order, e.from, e.to, e.detail)
		}
	}
}
