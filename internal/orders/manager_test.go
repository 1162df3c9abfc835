package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	"github.com/ducminhle1904/options-trading-bot/internal/broker/paper"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
	"github.com/ducminhle1904/options-trading-bot/internal/risk"
)

type managerFixture struct {
	mgr     *Manager
	gateway *paper.Gateway
	stopped *bool
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	gateway := paper.NewGateway()
	gateway.SetQuote(liquidQuote())

	validator, err := NewValidator(openValidatorConfig())
	require.NoError(t, err)

	stopped := false
	stopper := risk.StopperFunc(func() bool { return stopped })

	retry := NewRetryHandler(immediateRetryConfig(3), stopper)
	fallback := NewFallbackEngine(testFallbackConfig())
	partial := NewPartialFillHandler(PartialFillConfig{
		Strategy:     PartialWaitCancel,
		WaitTimeout:  20 * time.Second,
		PriceTrigger: 0.01,
	})

	mgr := NewManager(gateway, validator, retry, fallback, partial, stopper, nil, nil)
	return &managerFixture{mgr: mgr, gateway: gateway, stopped: &stopped}
}

type transitionLog struct {
	transitions []string
}

func (l *transitionLog) observe(order *Order, from, to OrderState, detail string) {
	l.transitions = append(l.transitions, string(from)+"->"+string(to))
}

func TestPlaceOrder_ImmediateFill(t *testing.T) {
	fx := newManagerFixture(t)
	log := &transitionLog{}
	fx.mgr.RegisterObserver(log.observe)

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(70, 101), liquidQuote())

	require.NoError(t, err)
	assert.Equal(t, StateFilled, order.State)
	assert.Equal(t, 70, order.FilledQuantity)
	assert.Equal(t, 101.0, order.AvgFillPrice)
	assert.NotEmpty(t, order.BrokerOrderID)
	assert.Equal(t, []string{
		"CREATED->VALIDATED",
		"VALIDATED->SUBMITTED",
		"SUBMITTED->ACKNOWLEDGED",
		"ACKNOWLEDGED->FILLED",
	}, log.transitions)
}

func TestPlaceOrder_ValidationRejects(t *testing.T) {
	fx := newManagerFixture(t)

	// 50 units is not a lot multiple.
	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(50, 100), liquidQuote())

	require.Error(t, err)
	assert.Equal(t, StateRejected, order.State)
	assert.Contains(t, order.RejectReason, RuleLotSize)
	assert.Empty(t, order.BrokerOrderID, "rejected orders never reach the broker")
}

func TestPlaceOrder_EmergencyStopRejects(t *testing.T) {
	fx := newManagerFixture(t)
	*fx.stopped = true

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(70, 100), liquidQuote())

	require.Error(t, err)
	assert.Equal(t, StateRejected, order.State)
	assert.Equal(t, risk.RuleEmergencyStop, order.RejectReason)
}

func TestPlaceOrder_BrokerRejection(t *testing.T) {
	fx := newManagerFixture(t)
	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomeReject, Reason: "invalid price"})

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(70, 100), liquidQuote())

	require.Error(t, err)
	assert.Equal(t, StateRejected, order.State)
	assert.Contains(t, order.RejectReason, "invalid price")
}

func TestPlaceOrder_TransientFailureRetriesThenFills(t *testing.T) {
	fx := newManagerFixture(t)
	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomeError, Err: errors.New("connection reset")})

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(70, 101), liquidQuote())

	require.NoError(t, err)
	assert.Equal(t, StateFilled, order.State)
	require.Len(t, order.RetryHistory, 1)
	assert.Equal(t, string(broker.FailureTransient), order.RetryHistory[0].Class)
}

func TestPlaceOrder_MarginFailureReducesQuantity(t *testing.T) {
	fx := newManagerFixture(t)
	// Margin rejections are not retried; the ladder enters at quantity
	// reduction and the halved order goes through.
	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomeError, Err: errors.New("insufficient balance")})

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(140, 101), liquidQuote())

	require.NoError(t, err)
	assert.Equal(t, StateFilled, order.State)
	assert.Equal(t, 70, order.Quantity)
	assert.Equal(t, 70, order.FilledQuantity)

	require.NotEmpty(t, order.RetryHistory)
	assert.Equal(t, string(StepReduceQuantity), order.RetryHistory[len(order.RetryHistory)-1].Fallback)
}

func TestPlaceOrder_MarginRejectionEntersLadder(t *testing.T) {
	fx := newManagerFixture(t)
	// A margin-starved rejection arrives as an ack-level reject, not a
	// transport error. It must still walk the quantity-reduction ladder.
	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomeReject, Reason: "insufficient margin for order"})

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(140, 101), liquidQuote())

	require.NoError(t, err)
	assert.Equal(t, StateFilled, order.State)
	assert.Equal(t, 70, order.Quantity)
	assert.Equal(t, 70, order.FilledQuantity)

	require.NotEmpty(t, order.RetryHistory)
	assert.Equal(t, string(StepReduceQuantity), order.RetryHistory[len(order.RetryHistory)-1].Fallback)
}

func TestPlaceOrder_RateLimitGoesToManualHold(t *testing.T) {
	fx := newManagerFixture(t)
	boom := errors.New("rate limit exceeded")
	fx.gateway.Script(
		paper.Outcome{Kind: paper.OutcomeError, Err: boom},
		paper.Outcome{Kind: paper.OutcomeError, Err: boom},
		paper.Outcome{Kind: paper.OutcomeError, Err: boom},
	)

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(70, 100), liquidQuote())

	require.Error(t, err)
	assert.True(t, order.ManualHold)
	assert.Len(t, order.RetryHistory, 3)
	assert.Empty(t, fx.mgr.ActiveOrders(), "manual-hold orders leave the active set")
}

func TestPlaceOrder_FallbackAbortsOnEmergencyStop(t *testing.T) {
	fx := newManagerFixture(t)
	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomeError, Err: errors.New("insufficient balance")})

	// The stop latches between submission failure and the ladder walk.
	calls := 0
	stopper := risk.StopperFunc(func() bool {
		calls++
		return calls > 2
	})
	validator, err := NewValidator(openValidatorConfig())
	require.NoError(t, err)
	mgr := NewManager(fx.gateway, validator, NewRetryHandler(immediateRetryConfig(1), stopper),
		NewFallbackEngine(testFallbackConfig()),
		NewPartialFillHandler(DefaultPartialFillConfig()), stopper, nil, nil)

	order, err := mgr.PlaceOrder(context.Background(), limitRequest(140, 100), liquidQuote())

	assert.Equal(t, ErrEmergencyStop, err)
	assert.Equal(t, StateCancelled, order.State)
}

func TestProcessUpdates_RestingOrderFills(t *testing.T) {
	fx := newManagerFixture(t)
	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomeRest})

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(70, 100), liquidQuote())
	require.NoError(t, err)
	require.Equal(t, StateAcknowledged, order.State)

	require.NoError(t, fx.gateway.Fill(order.BrokerOrderID, 70, 100))
	fx.mgr.ProcessUpdates(context.Background(), time.Now())

	assert.Equal(t, StateFilled, order.State)
	assert.Equal(t, 70, order.FilledQuantity)
	assert.Equal(t, 100.0, order.AvgFillPrice)
}

func TestProcessUpdates_PartialFillWaitThenCancel(t *testing.T) {
	fx := newManagerFixture(t)
	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomePartial, FillRatio: 0.5})

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(70, 100), liquidQuote())
	require.NoError(t, err)
	require.Equal(t, StatePartiallyFilled, order.State)
	require.Equal(t, 35, order.FilledQuantity)
	require.False(t, order.FirstPartialAt.IsZero())

	// Inside the wait window nothing changes.
	fx.mgr.ProcessUpdates(context.Background(), time.Now())
	assert.Equal(t, StatePartiallyFilled, order.State)

	// Past the deadline the remainder is cancelled and the partial
	// settles as FILLED at what executed.
	order.FirstPartialAt = time.Now().Add(-30 * time.Second)
	fx.mgr.ProcessUpdates(context.Background(), time.Now())

	assert.Equal(t, StateFilled, order.State)
	assert.Equal(t, 35, order.FilledQuantity)
}

func TestProcessUpdates_PartialFillReattempt(t *testing.T) {
	fx := newManagerFixture(t)

	validator, err := NewValidator(openValidatorConfig())
	require.NoError(t, err)
	stopper := risk.StopperFunc(func() bool { return false })
	mgr := NewManager(fx.gateway, validator, NewRetryHandler(immediateRetryConfig(3), stopper),
		NewFallbackEngine(testFallbackConfig()),
		NewPartialFillHandler(PartialFillConfig{Strategy: PartialReattempt, WaitTimeout: time.Second}),
		stopper, nil, nil)

	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomePartial, FillRatio: 0.5})

	order, err := mgr.PlaceOrder(context.Background(), limitRequest(70, 101), liquidQuote())
	require.NoError(t, err)
	require.Equal(t, StatePartiallyFilled, order.State)

	// The remainder is cancelled and reissued as a child order, which
	// fills in full on the unscripted gateway.
	mgr.ProcessUpdates(context.Background(), time.Now())

	assert.Equal(t, StateFilled, order.State)

	var child *Order
	for _, o := range mgr.ActiveOrders() {
		if o.ParentOrderID == order.ID {
			child = o
		}
	}
	require.NotNil(t, child, "remainder child order must exist")
	assert.Equal(t, 35, child.Quantity)
	assert.Equal(t, StateFilled, child.State)
}

func TestOCO_SiblingCancelledWithinSameTick(t *testing.T) {
	fx := newManagerFixture(t)
	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomeRest}, paper.Outcome{Kind: paper.OutcomeRest})

	target := limitRequest(70, 120)
	target.Side = models.SideSell
	target.Tag = TagTarget
	stop := limitRequest(70, 80)
	stop.Side = models.SideSell
	stop.Tag = TagStop

	pair, err := fx.mgr.PlaceOCO(context.Background(), target, stop, liquidQuote(), liquidQuote())
	require.NoError(t, err)

	targetOrder, ok := fx.mgr.GetOrder(pair.TargetOrderID)
	require.True(t, ok)
	stopOrder, ok := fx.mgr.GetOrder(pair.StopOrderID)
	require.True(t, ok)

	require.NoError(t, fx.gateway.Fill(targetOrder.BrokerOrderID, 70, 120))
	fx.mgr.ProcessUpdates(context.Background(), time.Now())

	assert.Equal(t, StateFilled, targetOrder.State)
	assert.Equal(t, StateCancelled, stopOrder.State)
	assert.True(t, pair.Resolved)
}

func TestOCO_MemberFilledAtPlacementResolvesPair(t *testing.T) {
	fx := newManagerFixture(t)

	// Unscripted gateway: the target rests below the ask, the stop
	// crosses it and executes at placement. The pair must resolve
	// without waiting for a monitoring tick.
	target := limitRequest(70, 90)
	target.Tag = TagTarget
	stop := limitRequest(70, 110)
	stop.Tag = TagStop

	pair, err := fx.mgr.PlaceOCO(context.Background(), target, stop, liquidQuote(), liquidQuote())
	require.NoError(t, err)

	targetOrder, ok := fx.mgr.GetOrder(pair.TargetOrderID)
	require.True(t, ok)
	stopOrder, ok := fx.mgr.GetOrder(pair.StopOrderID)
	require.True(t, ok)

	assert.Equal(t, StateFilled, stopOrder.State)
	assert.Equal(t, 101.0, stopOrder.AvgFillPrice)
	assert.Equal(t, StateCancelled, targetOrder.State)
	assert.True(t, pair.Resolved)
}

func TestOCO_StopLegFailureRollsBackTarget(t *testing.T) {
	fx := newManagerFixture(t)
	fx.gateway.Script(
		paper.Outcome{Kind: paper.OutcomeRest},
		paper.Outcome{Kind: paper.OutcomeReject, Reason: "invalid price"},
	)

	target := limitRequest(70, 120)
	target.Side = models.SideSell
	stop := limitRequest(70, 80)
	stop.Side = models.SideSell

	pair, err := fx.mgr.PlaceOCO(context.Background(), target, stop, liquidQuote(), liquidQuote())

	require.Error(t, err)
	assert.Nil(t, pair)

	// The accepted target leg must not be left working alone.
	var orphaned int
	for _, o := range fx.mgr.ActiveOrders() {
		if o.Tag == target.Tag {
			orphaned++
		}
	}
	assert.Zero(t, orphaned)
}

func TestCancelOrder(t *testing.T) {
	fx := newManagerFixture(t)
	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomeRest})

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(70, 100), liquidQuote())
	require.NoError(t, err)

	require.NoError(t, fx.mgr.CancelOrder(context.Background(), order.ID, "test cancel"))
	assert.Equal(t, StateCancelled, order.State)

	// Cancelling a terminal order is a no-op.
	assert.NoError(t, fx.mgr.CancelOrder(context.Background(), order.ID, "again"))

	assert.Error(t, fx.mgr.CancelOrder(context.Background(), "missing", "unknown"))
}

func TestCloseFilled(t *testing.T) {
	fx := newManagerFixture(t)

	order, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(70, 101), liquidQuote())
	require.NoError(t, err)
	require.Equal(t, StateFilled, order.State)

	fx.mgr.CloseFilled(order.ID, "trade exit: profit_target")
	assert.Equal(t, StateClosed, order.State)

	// Only FILLED orders close; anything else is ignored.
	fx.gateway.Script(paper.Outcome{Kind: paper.OutcomeRest})
	resting, err := fx.mgr.PlaceOrder(context.Background(), limitRequest(70, 100), liquidQuote())
	require.NoError(t, err)
	fx.mgr.CloseFilled(resting.ID, "bogus")
	assert.Equal(t, StateAcknowledged, resting.State)
}
