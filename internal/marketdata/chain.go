package marketdata

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
)

// TieBreak decides which strike wins when the spot sits exactly
// between two chain strikes.
type TieBreak string

const (
	TieBreakLower  TieBreak = "lower"
	TieBreakHigher TieBreak = "higher"
)

// StrikeRow is one strike of an option chain with both sides quoted.
type StrikeRow struct {
	Strike     float64       `json:"strike"`
	CallSymbol string        `json:"call_symbol"`
	PutSymbol  string        `json:"put_symbol"`
	Call       *broker.Quote `json:"call,omitempty"`
	Put        *broker.Quote `json:"put,omitempty"`
}

// Chain is an option chain snapshot for one underlying and expiry.
type Chain struct {
	Underlying string      `json:"underlying"`
	Expiry     time.Time   `json:"expiry"`
	Spot       float64     `json:"spot"`
	Rows       []StrikeRow `json:"rows"`
	FetchedAt  time.Time   `json:"fetched_at"`
}

// sortedStrikes returns the chain's strikes ascending.
func (c *Chain) sortedStrikes() []float64 {
	strikes := make([]float64, len(c.Rows))
	for i, row := range c.Rows {
		strikes[i] = row.Strike
	}
	sort.Float64s(strikes)
	return strikes
}

// ATMStrike returns the strike nearest to spot. On an exact midpoint
// tie the configured side wins; the default production setting is
// lower, which for short premium keeps the sold call closer to spot.
func (c *Chain) ATMStrike(tieBreak TieBreak) (float64, error) {
	if len(c.Rows) == 0 {
		return 0, fmt.Errorf("empty option chain for %s", c.Underlying)
	}

	strikes := c.sortedStrikes()
	best := strikes[0]
	bestDist := math.Abs(c.Spot - best)

	for _, strike := range strikes[1:] {
		dist := math.Abs(c.Spot - strike)
		switch {
		case dist < bestDist:
			best = strike
			bestDist = dist
		case dist == bestDist:
			if tieBreak == TieBreakHigher && strike > best {
				best = strike
			}
			// lower tie-break keeps the earlier (smaller) strike
		}
	}
	return best, nil
}

// Row returns the chain row for an exact strike.
func (c *Chain) Row(strike float64) (*StrikeRow, error) {
	for i := range c.Rows {
		if c.Rows[i].Strike == strike {
			return &c.Rows[i], nil
		}
	}
	return nil, fmt.Errorf("strike %.2f not in %s chain", strike, c.Underlying)
}

// StrikeAtOffset returns the strike n steps away from the ATM strike:
// positive offsets walk up the chain, negative down. Used to build
// strangle and iron condor wings.
func (c *Chain) StrikeAtOffset(atm float64, offset int) (float64, error) {
	strikes := c.sortedStrikes()

	idx := -1
	for i, s := range strikes {
		if s == atm {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("strike %.2f not in %s chain", atm, c.Underlying)
	}

	target := idx + offset
	if target < 0 || target >= len(strikes) {
		return 0, fmt.Errorf("offset %d from strike %.2f leaves the %s chain", offset, atm, c.Underlying)
	}
	return strikes[target], nil
}
