package models

import (
	"fmt"
	"time"
)

// SignalKind identifies the strategy shape a signal wants executed.
// The set is closed: anything outside it is rejected at validation time.
type SignalKind string

const (
	SignalBuy        SignalKind = "BUY"
	SignalSell       SignalKind = "SELL"
	SignalStraddle   SignalKind = "STRADDLE"
	SignalStrangle   SignalKind = "STRANGLE"
	SignalIronCondor SignalKind = "IRON_CONDOR"
)

// ValidSignalKind reports whether k belongs to the closed strategy set.
func ValidSignalKind(k SignalKind) bool {
	switch k {
	case SignalBuy, SignalSell, SignalStraddle, SignalStrangle, SignalIronCondor:
		return true
	}
	return false
}

// OptionKind distinguishes calls from puts using exchange notation.
type OptionKind string

const (
	OptionCall OptionKind = "CE"
	OptionPut  OptionKind = "PE"
)

// OrderSide is the direction of an order leg.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the closing side for a leg opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SignalLeg describes one option leg of a strategy signal. A leg may
// arrive fully specified (symbol and strike) or abstract: an empty
// symbol with strike zero means the ATM strike, shifted by Offset
// chain steps for strangle and iron condor wings. Abstract legs are
// resolved against the option chain before risk review.
type SignalLeg struct {
	Symbol string     `json:"symbol"`
	Option OptionKind `json:"option"`
	Strike float64    `json:"strike"`
	Offset int        `json:"offset,omitempty"` // chain steps from ATM, signed
	Side   OrderSide  `json:"side"`
	Price  float64    `json:"price"` // intended limit price per unit
}

// Signal is an immutable trade intention produced upstream of the
// execution engine. The risk manager decides whether and at what size
// it becomes a Trade.
type Signal struct {
	ID           string      `json:"id"`
	Kind         SignalKind  `json:"kind"`
	Underlying   string      `json:"underlying"`
	Legs         []SignalLeg `json:"legs"`
	Confidence   float64     `json:"confidence"`
	ProfitTarget float64     `json:"profit_target"` // currency per position
	StopLoss     float64     `json:"stop_loss"`     // currency per position, positive
	Expiry       time.Time   `json:"expiry"`
	CreatedAt    time.Time   `json:"created_at"`
}

// EntryValue is the net premium per unit quantity: credit positive for
// net-short structures, debit negative for net-long ones.
func (s *Signal) EntryValue() float64 {
	var value float64
	for _, leg := range s.Legs {
		if leg.Side == SideSell {
			value += leg.Price
		} else {
			value -= leg.Price
		}
	}
	return value
}

func (s *Signal) String() string {
	return fmt.Sprintf("%s %s (%d legs, conf %.2f)", s.Kind, s.Underlying, len(s.Legs), s.Confidence)
}
