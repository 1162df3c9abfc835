package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	boterrors "github.com/ducminhle1904/options-trading-bot/internal/errors"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
	"github.com/ducminhle1904/options-trading-bot/internal/safety"
)

// Bybit v5 return codes the adapter cares about.
const (
	retCodeOK                  = 0
	retCodeRateLimitExceeded   = 10006
	retCodeOrderNotFound       = 110001
	retCodeInvalidOrderType    = 110004
	retCodeInsufficientBalance = 110007
	retCodeInvalidQuantity     = 110020
	retCodeInvalidPrice        = 110021
)

// Config holds Bybit gateway settings.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Demo      bool   // demo trading environment
	Category  string // defaults to "option"
}

// Gateway implements broker.Gateway against Bybit's v5 unified trading
// API. Every call goes through a per-endpoint rate limiter and a
// circuit breaker so one flapping endpoint cannot cascade.
type Gateway struct {
	httpClient *bybit_api.Client
	category   string
	limiters   *safety.LimiterGroup
	breaker    *safety.CircuitBreaker

	mu      sync.Mutex
	symbols map[string]string // broker order ID -> symbol, needed on cancel/status
}

// NewGateway builds a gateway from config. Demo wins over testnet when
// both are set, matching the environment precedence of the API docs.
func NewGateway(cfg Config) *Gateway {
	var baseURL string
	switch {
	case cfg.Demo:
		baseURL = "https://api-demo.bybit.com"
	case cfg.Testnet:
		baseURL = bybit_api.TESTNET
	default:
		baseURL = bybit_api.MAINNET
	}

	category := cfg.Category
	if category == "" {
		category = "option"
	}

	return &Gateway{
		httpClient: bybit_api.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit_api.WithBaseURL(baseURL)),
		category:   category,
		limiters:   safety.NewLimiterGroup(),
		breaker:    safety.NewCircuitBreaker("bybit", safety.DefaultBreakerConfig()),
		symbols:    make(map[string]string),
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (g *Gateway) Breaker() *safety.CircuitBreaker {
	return g.breaker
}

// LimiterStats exposes rate limiter snapshots for health reporting.
func (g *Gateway) LimiterStats() []safety.RateLimiterStats {
	return g.limiters.Stats()
}

// call runs one API request under the endpoint's rate limit and the
// shared circuit breaker.
func (g *Gateway) call(ctx context.Context, endpoint string, fn func() error) error {
	if err := g.limiters.Wait(ctx, endpoint); err != nil {
		return boterrors.NewTimeoutError("bybit", endpoint, err)
	}
	return g.breaker.Call(fn)
}

// PlaceOrder submits a ticket to Bybit.
func (g *Gateway) PlaceOrder(ctx context.Context, ticket *broker.Ticket) (*broker.Ack, error) {
	params := map[string]interface{}{
		"category":  g.category,
		"symbol":    ticket.Symbol,
		"side":      apiSide(ticket.Side),
		"orderType": apiOrderType(ticket.Type),
		"qty":       strconv.Itoa(ticket.Quantity),
	}
	if ticket.Type == broker.OrderTypeLimit {
		params["price"] = strconv.FormatFloat(ticket.Price, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	}
	if ticket.ClientOrderID != "" {
		params["orderLinkId"] = ticket.ClientOrderID
	}

	var response interface{}
	err := g.call(ctx, safety.EndpointOrders, func() error {
		var callErr error
		response, callErr = g.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
		return callErr
	})
	if err != nil {
		return nil, boterrors.CategorizeError(err, "bybit", "place_order")
	}

	serverResp, err := unwrap(response)
	if err != nil {
		return nil, err
	}
	if serverResp.RetCode != retCodeOK {
		apiErr := apiError("place_order", serverResp.RetCode, serverResp.RetMsg)
		// Business rejections become a rejected ack so the state
		// machine records the reason instead of retrying blindly.
		switch serverResp.RetCode {
		case retCodeInvalidOrderType, retCodeInvalidQuantity, retCodeInvalidPrice:
			return &broker.Ack{State: broker.AckRejected, Reason: serverResp.RetMsg}, nil
		}
		return nil, apiErr
	}

	var placed struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := decodeResult(serverResp, &placed); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.symbols[placed.OrderID] = ticket.Symbol
	g.mu.Unlock()

	return &broker.Ack{OrderID: placed.OrderID, State: broker.AckAccepted}, nil
}

// CancelOrder cancels a live order. Cancelling an order Bybit no
// longer knows is treated as success so cancels stay idempotent.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	params := map[string]interface{}{
		"category": g.category,
		"orderId":  orderID,
	}
	if symbol := g.symbolFor(orderID); symbol != "" {
		params["symbol"] = symbol
	}

	var response interface{}
	err := g.call(ctx, safety.EndpointOrders, func() error {
		var callErr error
		response, callErr = g.httpClient.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
		return callErr
	})
	if err != nil {
		return boterrors.CategorizeError(err, "bybit", "cancel_order")
	}

	serverResp, err := unwrap(response)
	if err != nil {
		return err
	}
	if serverResp.RetCode != retCodeOK && serverResp.RetCode != retCodeOrderNotFound {
		return apiError("cancel_order", serverResp.RetCode, serverResp.RetMsg)
	}
	return nil
}

// orderRecord is the shared shape of Bybit's open-order and
// order-history entries.
type orderRecord struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

// GetOrderStatus looks the order up in the realtime open-order view
// first and falls back to order history once it has left the book.
func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	record, err := g.findOrder(ctx, orderID, "get_open_orders", func(params map[string]interface{}) (interface{}, error) {
		return g.httpClient.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		record, err = g.findOrder(ctx, orderID, "get_order_history", func(params map[string]interface{}) (interface{}, error) {
			return g.httpClient.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
		})
		if err != nil {
			return nil, err
		}
	}
	if record == nil {
		return nil, boterrors.NewRejectionError("bybit", "get_order_status",
			fmt.Errorf("order %s not found", orderID))
	}
	return toStatus(record), nil
}

func (g *Gateway) findOrder(ctx context.Context, orderID, operation string,
	fetch func(map[string]interface{}) (interface{}, error)) (*orderRecord, error) {

	params := map[string]interface{}{
		"category": g.category,
		"orderId":  orderID,
	}
	if symbol := g.symbolFor(orderID); symbol != "" {
		params["symbol"] = symbol
	}

	var response interface{}
	err := g.call(ctx, safety.EndpointQuery, func() error {
		var callErr error
		response, callErr = fetch(params)
		return callErr
	})
	if err != nil {
		return nil, boterrors.CategorizeError(err, "bybit", operation)
	}

	serverResp, err := unwrap(response)
	if err != nil {
		return nil, err
	}
	if serverResp.RetCode != retCodeOK {
		return nil, apiError(operation, serverResp.RetCode, serverResp.RetMsg)
	}

	var result struct {
		List []orderRecord `json:"list"`
	}
	if err := decodeResult(serverResp, &result); err != nil {
		return nil, err
	}
	for i := range result.List {
		if result.List[i].OrderID == orderID {
			return &result.List[i], nil
		}
	}
	return nil, nil
}

func toStatus(record *orderRecord) *broker.OrderStatus {
	total := int(parseFloat(record.Qty))
	filled := int(parseFloat(record.CumExecQty))

	var state broker.StatusState
	switch record.OrderStatus {
	case "New", "Untriggered":
		state = broker.StatusOpen
	case "PartiallyFilled":
		state = broker.StatusPartiallyFilled
	case "Filled":
		state = broker.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		state = broker.StatusCancelled
	case "Rejected":
		state = broker.StatusRejected
	default:
		state = broker.StatusOpen
	}

	updated := time.Now()
	if ms, err := strconv.ParseInt(record.UpdatedTime, 10, 64); err == nil && ms > 0 {
		updated = time.UnixMilli(ms)
	}

	return &broker.OrderStatus{
		OrderID:         record.OrderID,
		State:           state,
		FilledQuantity:  filled,
		PendingQuantity: total - filled,
		AvgFillPrice:    parseFloat(record.AvgPrice),
		UpdatedAt:       updated,
	}
}

// GetPositions returns the account's open option positions.
func (g *Gateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	params := map[string]interface{}{
		"category": g.category,
	}

	var response interface{}
	err := g.call(ctx, safety.EndpointQuery, func() error {
		var callErr error
		response, callErr = g.httpClient.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
		return callErr
	})
	if err != nil {
		return nil, boterrors.CategorizeError(err, "bybit", "get_positions")
	}

	serverResp, err := unwrap(response)
	if err != nil {
		return nil, err
	}
	if serverResp.RetCode != retCodeOK {
		return nil, apiError("get_positions", serverResp.RetCode, serverResp.RetMsg)
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	if err := decodeResult(serverResp, &result); err != nil {
		return nil, err
	}

	positions := make([]broker.Position, 0, len(result.List))
	for _, p := range result.List {
		size := int(parseFloat(p.Size))
		if size == 0 {
			continue
		}
		if p.Side == "Sell" {
			size = -size
		}
		positions = append(positions, broker.Position{
			Symbol:        p.Symbol,
			Quantity:      size,
			AvgPrice:      parseFloat(p.AvgPrice),
			LastPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnL: parseFloat(p.UnrealisedPnl),
		})
	}
	return positions, nil
}

// GetQuote fetches the live ticker for one option contract.
func (g *Gateway) GetQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	params := map[string]interface{}{
		"category": g.category,
		"symbol":   symbol,
	}

	var response interface{}
	err := g.call(ctx, safety.EndpointMarket, func() error {
		var callErr error
		response, callErr = g.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
		return callErr
	})
	if err != nil {
		return nil, boterrors.CategorizeError(err, "bybit", "get_quote")
	}

	serverResp, err := unwrap(response)
	if err != nil {
		return nil, err
	}
	if serverResp.RetCode != retCodeOK {
		return nil, apiError("get_quote", serverResp.RetCode, serverResp.RetMsg)
	}

	var result struct {
		List []struct {
			Symbol       string `json:"symbol"`
			Bid1Price    string `json:"bid1Price"`
			Ask1Price    string `json:"ask1Price"`
			LastPrice    string `json:"lastPrice"`
			Volume24h    string `json:"volume24h"`
			OpenInterest string `json:"openInterest"`
		} `json:"list"`
	}
	if err := decodeResult(serverResp, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, boterrors.NewRejectionError("bybit", "get_quote",
			fmt.Errorf("no ticker for %s", symbol))
	}

	t := result.List[0]
	return &broker.Quote{
		Symbol:       symbol,
		Bid:          parseFloat(t.Bid1Price),
		Ask:          parseFloat(t.Ask1Price),
		Last:         parseFloat(t.LastPrice),
		Volume:       int64(parseFloat(t.Volume24h)),
		OpenInterest: int64(parseFloat(t.OpenInterest)),
		Timestamp:    time.Now(),
	}, nil
}

func (g *Gateway) symbolFor(orderID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.symbols[orderID]
}

func apiSide(side models.OrderSide) string {
	if side == models.SideSell {
		return "Sell"
	}
	return "Buy"
}

func apiOrderType(t broker.OrderType) string {
	if t == broker.OrderTypeMarket {
		return "Market"
	}
	return "Limit"
}

// unwrap asserts the SDK's response wrapper.
func unwrap(response interface{}) (*bybit_api.ServerResponse, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T", response)
	}
	return serverResp, nil
}

// decodeResult re-marshals the wrapper's untyped Result into out.
func decodeResult(serverResp *bybit_api.ServerResponse, out interface{}) error {
	data, err := json.Marshal(serverResp.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// apiError maps a non-zero retCode to the right error category.
func apiError(operation string, retCode int, retMsg string) error {
	err := fmt.Errorf("bybit API error %d: %s", retCode, retMsg)
	switch retCode {
	case retCodeRateLimitExceeded:
		return boterrors.WrapError(err, boterrors.ErrorCategoryRateLimit, "bybit", operation)
	case retCodeInsufficientBalance:
		return boterrors.NewMarginError("bybit", operation, err)
	case retCodeInvalidOrderType, retCodeInvalidQuantity, retCodeInvalidPrice:
		return boterrors.NewRejectionError("bybit", operation, err)
	default:
		return boterrors.CategorizeError(err, "bybit", operation)
	}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
