package broker

import (
	boterrors "github.com/ducminhle1904/options-trading-bot/internal/errors"
)

// FailureClass buckets broker failures by how the execution engine
// should respond to them.
type FailureClass string

const (
	// FailureTransient covers timeouts, connectivity loss and ambiguous
	// failures where the order's fate is unknown. Eligible for retry.
	FailureTransient FailureClass = "TRANSIENT"

	// FailureRateLimit is throttling by the broker. Retried with backoff
	// but never escalated into order mutation.
	FailureRateLimit FailureClass = "RATE_LIMIT"

	// FailureRejected is a definitive broker rejection (bad price, bad
	// quantity, closed instrument). Never retried as-is.
	FailureRejected FailureClass = "REJECTED"

	// FailureMargin is a rejection specifically for insufficient margin.
	FailureMargin FailureClass = "MARGIN"

	// FailureUnknown is anything the classifier cannot place. Handled as
	// non-retryable and routed straight to manual intervention.
	FailureUnknown FailureClass = "UNKNOWN"
)

// Classify maps a gateway error onto a failure class. The categorizer
// in internal/errors does the message sniffing; this collapses its
// taxonomy into the four decisions the retry and fallback layers make.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}

	botErr := boterrors.CategorizeError(err, "broker", "gateway_call")

	switch botErr.Category {
	case boterrors.ErrorCategoryTimeout, boterrors.ErrorCategoryNetwork, boterrors.ErrorCategoryTemporary:
		return FailureTransient
	case boterrors.ErrorCategoryRateLimit:
		return FailureRateLimit
	case boterrors.ErrorCategoryMargin:
		return FailureMargin
	case boterrors.ErrorCategoryRejection, boterrors.ErrorCategoryValidation:
		return FailureRejected
	default:
		return FailureUnknown
	}
}

// Retryable reports whether a failure class may be retried without
// changing the order.
func (c FailureClass) Retryable() bool {
	return c == FailureTransient || c == FailureRateLimit
}
