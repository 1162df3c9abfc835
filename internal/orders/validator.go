package orders

import (
	"fmt"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	"github.com/ducminhle1904/options-trading-bot/internal/risk"
)

// Validation rule identifiers, stable for callers and tests.
const (
	RuleQuantity     = "quantity"
	RuleLotSize      = "lot_size"
	RulePriceBounds  = "price_bounds"
	RuleNotional     = "notional_limit"
	RuleTradingHours = "trading_hours"
	RuleSpread       = "spread"
	RuleVolume       = "volume"
	RuleOpenInterest = "open_interest"
)

// ValidatorConfig bounds what the stateless order validator accepts.
type ValidatorConfig struct {
	LotSize         int     `json:"lot_size"`
	PriceTolerance  float64 `json:"price_tolerance"`  // max fraction away from last traded price
	MaxNotional     float64 `json:"max_notional"`     // price * quantity ceiling
	MinNotional     float64 `json:"min_notional"`     // floor, zero disables
	MaxSpreadRatio  float64 `json:"max_spread_ratio"` // bid-ask spread as fraction of mid
	MinVolume       int64   `json:"min_volume"`
	MinOpenInterest int64   `json:"min_open_interest"`

	// Trading window in the given timezone. Identical open and close
	// means the market never closes (crypto options).
	MarketOpen  string `json:"market_open"`  // "15:04"
	MarketClose string `json:"market_close"` // "15:04"
	Timezone    string `json:"timezone"`
}

// DefaultValidatorConfig returns the standard index-options bounds.
func DefaultValidatorConfig() *ValidatorConfig {
	return &ValidatorConfig{
		LotSize:         35,
		PriceTolerance:  0.20,
		MaxNotional:     500000.0,
		MinNotional:     0,
		MaxSpreadRatio:  0.10,
		MinVolume:       100,
		MinOpenInterest: 50,
		MarketOpen:      "09:15",
		MarketClose:     "15:30",
		Timezone:        "Asia/Kolkata",
	}
}

// Validator performs stateless pre-submission checks on a single
// order. It never short-circuits: the result lists every rule the
// order violates so the caller can log and alert on all of them.
type Validator struct {
	cfg      *ValidatorConfig
	location *time.Location
}

// NewValidator creates a validator, resolving the configured timezone.
func NewValidator(cfg *ValidatorConfig) (*Validator, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return &Validator{cfg: cfg, location: loc}, nil
}

// ValidateOrder checks a request against the quote snapshot at the
// given time. A nil quote fails the market-data dependent rules, which
// keeps the validator failing closed when data is missing.
func (v *Validator) ValidateOrder(req *Request, quote *broker.Quote, now time.Time) *risk.ValidationResult {
	result := &risk.ValidationResult{CheckedAt: now}

	if req.Quantity <= 0 {
		result.Violations = append(result.Violations, RuleQuantity)
	}
	if req.Quantity > 0 && v.cfg.LotSize > 0 && req.Quantity%v.cfg.LotSize != 0 {
		result.Violations = append(result.Violations, RuleLotSize)
	}

	if !v.withinTradingHours(now) {
		result.Violations = append(result.Violations, RuleTradingHours)
	}

	if quote == nil {
		// No market snapshot: every data-dependent rule fails.
		result.Violations = append(result.Violations,
			RulePriceBounds, RuleSpread, RuleVolume, RuleOpenInterest)
	} else {
		if req.Type == broker.OrderTypeLimit && quote.Last > 0 {
			deviation := (req.Price - quote.Last) / quote.Last
			if deviation < 0 {
				deviation = -deviation
			}
			if req.Price <= 0 || deviation > v.cfg.PriceTolerance {
				result.Violations = append(result.Violations, RulePriceBounds)
			}
		}

		if mid := quote.Mid(); mid > 0 && v.cfg.MaxSpreadRatio > 0 {
			if quote.Spread()/mid > v.cfg.MaxSpreadRatio {
				result.Violations = append(result.Violations, RuleSpread)
			}
		}

		if quote.Volume < v.cfg.MinVolume {
			result.Violations = append(result.Violations, RuleVolume)
		}
		if quote.OpenInterest < v.cfg.MinOpenInterest {
			result.Violations = append(result.Violations, RuleOpenInterest)
		}
	}

	notionalPrice := req.Price
	if notionalPrice <= 0 && quote != nil {
		notionalPrice = quote.Mid()
	}
	notional := notionalPrice * float64(req.Quantity)
	if v.cfg.MaxNotional > 0 && notional > v.cfg.MaxNotional {
		result.Violations = append(result.Violations, RuleNotional)
	}
	if v.cfg.MinNotional > 0 && notional < v.cfg.MinNotional {
		result.Violations = append(result.Violations, RuleNotional)
	}

	if len(result.Violations) > 0 {
		result.Reason = result.Violations[0]
		return result
	}

	result.Valid = true
	return result
}

// withinTradingHours checks the configured market window. Open equal
// to close disables the window entirely.
func (v *Validator) withinTradingHours(now time.Time) bool {
	if v.cfg.MarketOpen == v.cfg.MarketClose {
		return true
	}

	local := now.In(v.location)
	open, err := time.ParseInLocation("15:04", v.cfg.MarketOpen, v.location)
	if err != nil {
		return false
	}
	close, err := time.ParseInLocation("15:04", v.cfg.MarketClose, v.location)
	if err != nil {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	openMin := open.Hour()*60 + open.Minute()
	closeMin := close.Hour()*60 + close.Minute()

	return minutes >= openMin && minutes <= closeMin
}
