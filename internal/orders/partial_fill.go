package orders

import (
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	"github.com/ducminhle1904/options-trading-bot/internal/models"
)

// PartialFillStrategy selects how a partially filled order's remainder
// is resolved.
type PartialFillStrategy string

const (
	// PartialReattempt cancels the remainder and immediately resubmits
	// it as a fresh order.
	PartialReattempt PartialFillStrategy = "reattempt"

	// PartialWaitCancel leaves the remainder working for a bounded time
	// and cancels whatever is left when it expires.
	PartialWaitCancel PartialFillStrategy = "wait_cancel"

	// PartialPriceTrigger reattempts as soon as price moves favorably
	// past the trigger, otherwise cancels at the wait deadline.
	PartialPriceTrigger PartialFillStrategy = "price_trigger"

	// PartialCancel cancels the remainder unconditionally.
	PartialCancel PartialFillStrategy = "cancel"
)

// PartialFillConfig tunes remainder resolution. WaitTimeout must stay
// below the monitoring interval so every partial fill reaches a
// terminal state within one tick; the config loader enforces that.
type PartialFillConfig struct {
	Strategy     PartialFillStrategy `json:"strategy"`
	WaitTimeout  time.Duration       `json:"wait_timeout"`
	PriceTrigger float64             `json:"price_trigger"` // favorable move fraction
}

// DefaultPartialFillConfig resolves remainders by a time-boxed wait.
func DefaultPartialFillConfig() PartialFillConfig {
	return PartialFillConfig{
		Strategy:     PartialWaitCancel,
		WaitTimeout:  20 * time.Second,
		PriceTrigger: 0.01,
	}
}

// PartialDecision is what the manager should do with the remainder on
// this tick.
type PartialDecision int

const (
	PartialHold PartialDecision = iota
	PartialCancelRemainder
	PartialReattemptRemainder
)

// PartialFillHandler decides remainder resolution. It is stateless;
// the first-partial timestamp lives on the order.
type PartialFillHandler struct {
	cfg PartialFillConfig
}

// NewPartialFillHandler creates a handler.
func NewPartialFillHandler(cfg PartialFillConfig) *PartialFillHandler {
	return &PartialFillHandler{cfg: cfg}
}

// Decide returns the action for a partially filled order at the given
// time. Hold is only ever returned within the wait window; by the
// deadline every strategy resolves to cancel or reattempt.
func (h *PartialFillHandler) Decide(order *Order, quote *broker.Quote, now time.Time) PartialDecision {
	switch h.cfg.Strategy {
	case PartialCancel:
		return PartialCancelRemainder

	case PartialReattempt:
		return PartialReattemptRemainder

	case PartialPriceTrigger:
		if h.priceFavorable(order, quote) {
			return PartialReattemptRemainder
		}
		if h.expired(order, now) {
			return PartialCancelRemainder
		}
		return PartialHold

	default: // PartialWaitCancel
		if h.expired(order, now) {
			return PartialCancelRemainder
		}
		return PartialHold
	}
}

func (h *PartialFillHandler) expired(order *Order, now time.Time) bool {
	if order.FirstPartialAt.IsZero() {
		return false
	}
	return now.Sub(order.FirstPartialAt) >= h.cfg.WaitTimeout
}

// priceFavorable reports whether the market has moved toward the
// order's limit by at least the trigger fraction: down for buys, up
// for sells.
func (h *PartialFillHandler) priceFavorable(order *Order, quote *broker.Quote) bool {
	if quote == nil || order.Price <= 0 || h.cfg.PriceTrigger <= 0 {
		return false
	}

	mid := quote.Mid()
	if mid <= 0 {
		return false
	}

	if order.Side == models.SideBuy {
		return mid <= order.Price*(1-h.cfg.PriceTrigger)
	}
	return mid >= order.Price*(1+h.cfg.PriceTrigger)
}
