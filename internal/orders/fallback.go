package orders

import (
	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
)

// StepKind is one rung of the fallback ladder.
type StepKind string

const (
	StepAdjustPrice    StepKind = "adjust_price"
	StepConvertMarket  StepKind = "convert_market"
	StepReduceQuantity StepKind = "reduce_quantity"
	StepSplitOrder     StepKind = "split_order"
	StepManual         StepKind = "manual_intervention"
)

// FallbackConfig bounds how far the ladder may mutate an order.
type FallbackConfig struct {
	Enabled            bool    `json:"enabled"`
	MaxPriceAdjustment float64 `json:"max_price_adjustment"` // fraction of original price
	MinLots            int     `json:"min_lots"`
	SplitThresholdLots int     `json:"split_threshold_lots"`
	LotSize            int     `json:"lot_size"`
}

// DefaultFallbackConfig returns the standard ladder bounds.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Enabled:            true,
		MaxPriceAdjustment: 0.05,
		MinLots:            1,
		SplitThresholdLots: 100,
		LotSize:            35,
	}
}

// fullLadder is the complete escalation order.
var fullLadder = []StepKind{
	StepAdjustPrice,
	StepConvertMarket,
	StepReduceQuantity,
	StepSplitOrder,
	StepManual,
}

// FallbackEngine mutates a failed order down an escalation ladder
// until some variant goes through or manual intervention is reached.
// The failure class decides where on the ladder handling starts.
type FallbackEngine struct {
	cfg FallbackConfig
}

// NewFallbackEngine creates a fallback engine.
func NewFallbackEngine(cfg FallbackConfig) *FallbackEngine {
	if cfg.MinLots < 1 {
		cfg.MinLots = 1
	}
	return &FallbackEngine{cfg: cfg}
}

// Plan returns the ladder steps to walk for a failure class.
//
// Margin shortfalls skip straight to quantity reduction: adjusting the
// price cannot fix them. Rate limiting never mutates the order, so its
// ladder is manual only (the retry layer has already backed off).
// Unclassifiable failures go straight to manual because the order's
// fate at the broker is unknown.
func (e *FallbackEngine) Plan(class broker.FailureClass) []StepKind {
	if !e.cfg.Enabled {
		return []StepKind{StepManual}
	}

	switch class {
	case broker.FailureMargin:
		return fullLadder[2:] // reduce_quantity, split_order, manual
	case broker.FailureRateLimit, broker.FailureUnknown:
		return []StepKind{StepManual}
	default:
		return fullLadder
	}
}

// Apply produces the modified request(s) for one ladder step, or nil
// when the step does not apply and the ladder should move on. StepManual
// always returns nil; the caller flags the order for a human.
func (e *FallbackEngine) Apply(step StepKind, req *Request, quote *broker.Quote) []*Request {
	switch step {
	case StepAdjustPrice:
		return e.adjustPrice(req, quote)
	case StepConvertMarket:
		return e.convertMarket(req)
	case StepReduceQuantity:
		return e.reduceQuantity(req)
	case StepSplitOrder:
		return e.splitOrder(req)
	}
	return nil
}

// adjustPrice moves a limit price toward the current mid, capped at
// the configured fraction of the original price.
func (e *FallbackEngine) adjustPrice(req *Request, quote *broker.Quote) []*Request {
	if req.Type != broker.OrderTypeLimit || quote == nil || req.Price <= 0 {
		return nil
	}

	mid := quote.Mid()
	if mid <= 0 {
		return nil
	}

	maxMove := req.Price * e.cfg.MaxPriceAdjustment
	newPrice := req.Price

	if req.Side == models.SideBuy && mid > req.Price {
		newPrice = req.Price + maxMove
		if newPrice > mid {
			newPrice = mid
		}
	} else if req.Side == models.SideSell && mid < req.Price {
		newPrice = req.Price - maxMove
		if newPrice < mid {
			newPrice = mid
		}
	}

	if newPrice == req.Price {
		return nil
	}

	adjusted := *req
	adjusted.Price = newPrice
	return []*Request{&adjusted}
}

// convertMarket swaps a limit order for a market order.
func (e *FallbackEngine) convertMarket(req *Request) []*Request {
	if req.Type != broker.OrderTypeLimit {
		return nil
	}
	converted := *req
	converted.Type = broker.OrderTypeMarket
	converted.Price = 0
	return []*Request{&converted}
}

// reduceQuantity halves the order size, keeping it a lot multiple and
// at least the configured minimum lots.
func (e *FallbackEngine) reduceQuantity(req *Request) []*Request {
	if e.cfg.LotSize <= 0 || req.Quantity <= e.cfg.MinLots*e.cfg.LotSize {
		return nil
	}

	lots := req.Quantity / e.cfg.LotSize
	newLots := lots / 2
	if newLots < e.cfg.MinLots {
		newLots = e.cfg.MinLots
	}
	if newLots >= lots {
		return nil
	}

	reduced := *req
	reduced.Quantity = newLots * e.cfg.LotSize
	return []*Request{&reduced}
}

// splitOrder breaks a large order into two children whose quantities
// sum to the original. Applies only above the split threshold.
func (e *FallbackEngine) splitOrder(req *Request) []*Request {
	if e.cfg.LotSize <= 0 {
		return nil
	}
	lots := req.Quantity / e.cfg.LotSize
	if lots < e.cfg.SplitThresholdLots || lots < 2 {
		return nil
	}

	firstLots := lots / 2
	secondLots := lots - firstLots

	first := *req
	first.Quantity = firstLots * e.cfg.LotSize
	second := *req
	second.Quantity = secondLots * e.cfg.LotSize

	return []*Request{&first, &second}
}
