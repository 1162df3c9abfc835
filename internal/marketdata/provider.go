package marketdata

import (
	"context"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
)

// Quoter serves live quotes to components that only read the market.
// Both broker gateways satisfy it.
type Quoter interface {
	GetQuote(ctx context.Context, symbol string) (*broker.Quote, error)
}

// ChainSource serves option chain snapshots for strike resolution.
type ChainSource interface {
	GetOptionChain(ctx context.Context, underlying string, expiry time.Time) (*Chain, error)
}

// Provider is a full market data source. The gateway-backed
// implementations poll; nothing here streams.
type Provider interface {
	Quoter
	ChainSource
}
