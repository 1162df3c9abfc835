package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	"github.com/ducminhle1904/options-trading-bot/internal/marketdata"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
)

func testTicket(side models.OrderSide, quantity int, price float64) *broker.Ticket {
	return &broker.Ticket{
		ClientOrderID: "client-1",
		Symbol:        "BANKNIFTY24SEP48000CE",
		Side:          side,
		Type:          broker.OrderTypeLimit,
		Quantity:      quantity,
		Price:         price,
	}
}

func TestPaperGateway_DefaultFullFill(t *testing.T) {
	g := NewGateway()

	ack, err := g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 100))
	require.NoError(t, err)

	assert.Equal(t, broker.AckAccepted, ack.State)
	assert.Equal(t, 70, ack.FilledQuantity)
	assert.Equal(t, 100.0, ack.AvgFillPrice)
	assert.NotEmpty(t, ack.OrderID)

	status, err := g.GetOrderStatus(context.Background(), ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, status.State)
	assert.Equal(t, 0, status.PendingQuantity)
}

func TestPaperGateway_MarketOrderFillsAtMid(t *testing.T) {
	g := NewGateway()
	g.SetQuote(&broker.Quote{Symbol: "BANKNIFTY24SEP48000CE", Bid: 99, Ask: 101, Last: 100})

	ticket := testTicket(models.SideBuy, 35, 0)
	ticket.Type = broker.OrderTypeMarket

	ack, err := g.PlaceOrder(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, 100.0, ack.AvgFillPrice)
}

func TestPaperGateway_LimitMarketability(t *testing.T) {
	g := NewGateway()
	g.SetQuote(&broker.Quote{Symbol: "BANKNIFTY24SEP48000CE", Bid: 99, Ask: 101, Last: 100})

	// A buy below the ask rests on the book.
	ack, err := g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 100))
	require.NoError(t, err)
	assert.Equal(t, broker.AckAccepted, ack.State)
	assert.Equal(t, 0, ack.FilledQuantity)

	status, err := g.GetOrderStatus(context.Background(), ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusOpen, status.State)

	// At the ask it crosses and fills.
	ack, err = g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 101))
	require.NoError(t, err)
	assert.Equal(t, 70, ack.FilledQuantity)
	assert.Equal(t, 101.0, ack.AvgFillPrice)

	// A crossing buy above the ask executes at the touch.
	ack, err = g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 102))
	require.NoError(t, err)
	assert.Equal(t, 101.0, ack.AvgFillPrice)

	// Sell side mirrors against the bid.
	ack, err = g.PlaceOrder(context.Background(), testTicket(models.SideSell, 70, 99))
	require.NoError(t, err)
	assert.Equal(t, 70, ack.FilledQuantity)
	assert.Equal(t, 99.0, ack.AvgFillPrice)

	ack, err = g.PlaceOrder(context.Background(), testTicket(models.SideSell, 70, 100))
	require.NoError(t, err)
	assert.Equal(t, 0, ack.FilledQuantity)
}

func TestPaperGateway_ScriptedOutcomes(t *testing.T) {
	g := NewGateway()
	g.Script(
		Outcome{Kind: OutcomeReject, Reason: "invalid quantity"},
		Outcome{Kind: OutcomePartial, FillRatio: 0.5},
		Outcome{Kind: OutcomeRest},
		Outcome{Kind: OutcomeError, Err: errors.New("gateway down")},
	)

	ack, err := g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 100))
	require.NoError(t, err)
	assert.Equal(t, broker.AckRejected, ack.State)
	assert.Equal(t, "invalid quantity", ack.Reason)

	ack, err = g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 100))
	require.NoError(t, err)
	assert.Equal(t, 35, ack.FilledQuantity)

	ack, err = g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 100))
	require.NoError(t, err)
	assert.Equal(t, 0, ack.FilledQuantity)

	_, err = g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 100))
	assert.EqualError(t, err, "gateway down")

	// Drained script reverts to full fills.
	ack, err = g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 100))
	require.NoError(t, err)
	assert.Equal(t, 70, ack.FilledQuantity)
}

func TestPaperGateway_FillAdvancesRestingOrder(t *testing.T) {
	g := NewGateway()
	g.Script(Outcome{Kind: OutcomeRest})

	ack, err := g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 100))
	require.NoError(t, err)

	require.NoError(t, g.Fill(ack.OrderID, 35, 100))
	status, err := g.GetOrderStatus(context.Background(), ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusPartiallyFilled, status.State)
	assert.Equal(t, 35, status.FilledQuantity)

	// Overshooting quantity clips to the remainder and terminates.
	require.NoError(t, g.Fill(ack.OrderID, 100, 102))
	status, err = g.GetOrderStatus(context.Background(), ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, status.State)
	assert.Equal(t, 70, status.FilledQuantity)
	assert.InDelta(t, 101.0, status.AvgFillPrice, 1e-9)

	assert.Error(t, g.Fill(ack.OrderID, 1, 100), "terminal orders cannot fill further")
}

func TestPaperGateway_CancelOrder(t *testing.T) {
	g := NewGateway()
	g.Script(Outcome{Kind: OutcomeRest})

	ack, err := g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 100))
	require.NoError(t, err)

	require.NoError(t, g.CancelOrder(context.Background(), ack.OrderID))
	// Idempotent.
	require.NoError(t, g.CancelOrder(context.Background(), ack.OrderID))

	status, err := g.GetOrderStatus(context.Background(), ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCancelled, status.State)

	assert.Error(t, g.CancelOrder(context.Background(), "unknown"))

	filled, err := g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 35, 100))
	require.NoError(t, err)
	assert.Error(t, g.CancelOrder(context.Background(), filled.OrderID), "filled orders cannot be cancelled")
}

func TestPaperGateway_PositionsNetAcrossFills(t *testing.T) {
	g := NewGateway()

	_, err := g.PlaceOrder(context.Background(), testTicket(models.SideBuy, 70, 100))
	require.NoError(t, err)
	_, err = g.PlaceOrder(context.Background(), testTicket(models.SideSell, 35, 110))
	require.NoError(t, err)

	positions, err := g.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 35, positions[0].Quantity)
	assert.Equal(t, 100.0, positions[0].AvgPrice)

	// Flattening removes the position entirely.
	_, err = g.PlaceOrder(context.Background(), testTicket(models.SideSell, 35, 120))
	require.NoError(t, err)
	positions, err = g.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperGateway_GetQuote(t *testing.T) {
	g := NewGateway()

	_, err := g.GetQuote(context.Background(), "MISSING")
	assert.Error(t, err)

	g.SetQuote(&broker.Quote{Symbol: "BANKNIFTY24SEP48000CE", Bid: 99, Ask: 101, Last: 100})
	q, err := g.GetQuote(context.Background(), "BANKNIFTY24SEP48000CE")
	require.NoError(t, err)
	assert.Equal(t, 100.0, q.Last)
	assert.False(t, q.Timestamp.IsZero())
}

func TestPaperGateway_OptionChain(t *testing.T) {
	g := NewGateway()

	_, err := g.GetOptionChain(context.Background(), "BANKNIFTY", time.Now())
	assert.Error(t, err)

	g.SetChain(&marketdata.Chain{
		Underlying: "BANKNIFTY",
		Spot:       48010,
		Rows: []marketdata.StrikeRow{
			{Strike: 48000, CallSymbol: "BANKNIFTY24SEP48000CE"},
		},
	})

	chain, err := g.GetOptionChain(context.Background(), "BANKNIFTY", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 48010.0, chain.Spot)
	require.Len(t, chain.Rows, 1)
	assert.False(t, chain.FetchedAt.IsZero())
}

func TestPaperGateway_HonorsContext(t *testing.T) {
	g := NewGateway()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.PlaceOrder(ctx, testTicket(models.SideBuy, 70, 100))
	assert.Equal(t, context.Canceled, err)
}
