package bybit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	boterrors "github.com/ducminhle1904/options-trading-bot/internal/errors"
	"github.com/ducminhle1904/options-trading-bot/internal/marketdata"
	"github.com/ducminhle1904/options-trading-bot/internal/safety"
)

// optionTicker is one row of the option tickers response.
type optionTicker struct {
	Symbol          string `json:"symbol"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	LastPrice       string `json:"lastPrice"`
	Volume24h       string `json:"volume24h"`
	OpenInterest    string `json:"openInterest"`
	UnderlyingPrice string `json:"underlyingPrice"`
}

// GetOptionChain fetches all option tickers for the underlying and
// folds the requested expiry into a strike-indexed chain.
func (g *Gateway) GetOptionChain(ctx context.Context, underlying string, expiry time.Time) (*marketdata.Chain, error) {
	params := map[string]interface{}{
		"category": g.category,
		"baseCoin": underlying,
	}

	var response interface{}
	err := g.call(ctx, safety.EndpointMarket, func() error {
		var callErr error
		response, callErr = g.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
		return callErr
	})
	if err != nil {
		return nil, boterrors.CategorizeError(err, "bybit", "get_option_chain")
	}

	serverResp, err := unwrap(response)
	if err != nil {
		return nil, err
	}
	if serverResp.RetCode != retCodeOK {
		return nil, apiError("get_option_chain", serverResp.RetCode, serverResp.RetMsg)
	}

	var result struct {
		List []optionTicker `json:"list"`
	}
	if err := decodeResult(serverResp, &result); err != nil {
		return nil, err
	}

	return chainFromTickers(underlying, expiry, result.List)
}

// chainFromTickers groups one expiry's option tickers into strike
// rows. Bybit option symbols read BASE-7JUN24-60000-C.
func chainFromTickers(underlying string, expiry time.Time, tickers []optionTicker) (*marketdata.Chain, error) {
	wantExpiry := strings.ToUpper(expiry.Format("2Jan06"))

	rows := make(map[float64]*marketdata.StrikeRow)
	var spot float64

	for _, t := range tickers {
		parts := strings.Split(t.Symbol, "-")
		if len(parts) != 4 || !strings.EqualFold(parts[1], wantExpiry) {
			continue
		}
		strike := parseFloat(parts[2])
		if strike <= 0 {
			continue
		}

		quote := &broker.Quote{
			Symbol:       t.Symbol,
			Bid:          parseFloat(t.Bid1Price),
			Ask:          parseFloat(t.Ask1Price),
			Last:         parseFloat(t.LastPrice),
			Volume:       int64(parseFloat(t.Volume24h)),
			OpenInterest: int64(parseFloat(t.OpenInterest)),
			Timestamp:    time.Now(),
		}
		if p := parseFloat(t.UnderlyingPrice); p > 0 {
			spot = p
		}

		row, ok := rows[strike]
		if !ok {
			row = &marketdata.StrikeRow{Strike: strike}
			rows[strike] = row
		}
		switch parts[3] {
		case "C":
			row.CallSymbol = t.Symbol
			row.Call = quote
		case "P":
			row.PutSymbol = t.Symbol
			row.Put = quote
		}
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("no %s option contracts for expiry %s", underlying, wantExpiry)
	}

	chain := &marketdata.Chain{
		Underlying: underlying,
		Expiry:     expiry,
		Spot:       spot,
		FetchedAt:  time.Now(),
	}
	for _, row := range rows {
		chain.Rows = append(chain.Rows, *row)
	}
	sort.Slice(chain.Rows, func(i, j int) bool { return chain.Rows[i].Strike < chain.Rows[j].Strike })
	return chain, nil
}
