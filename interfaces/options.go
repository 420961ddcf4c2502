package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrNoMarketData is returned by a gateway when an upstream call succeeds but carries no usable data
var ErrNoMarketData = errors.New("no market data")

// Option type suffixes used in instrument symbols
const (
	OptionTypeCall = "CE"
	OptionTypePut  = "PE"
)

// Instrument locates an underlying index on its exchange
type Instrument struct {
	Exchange string `yaml:"exchange"`
	Token    string `yaml:"token"`
}

// ChainEntry is one instrument from an option-chain listing
type ChainEntry struct {
	Token          string    // Unique instrument identifier
	Symbol         string    // e.g. "NIFTY28AUG2524500CE"
	Strike         float64   // Strike price
	Expiry         time.Time // Expiry date (midnight, exchange location)
	InstrumentType string    // e.g. "OPTIDX"
}

// GreeksRecord carries the per-instrument Greeks for one expiry
type GreeksRecord struct {
	Token     string
	IV        float64 // Implied volatility in percent (e.g. 14.2)
	Delta     float64
	Gamma     float64
	Theta     float64
	Vega      float64
	LastPrice float64 // Option last traded price
}

// OptionQuote is a chain entry joined with its Greeks record
type OptionQuote struct {
	Token       string
	Symbol      string
	Strike      float64
	Expiry      time.Time
	MarketPrice float64
	IV          float64 // Percent, converted to a fraction before pricing
}

// OptionType returns the CE/PE suffix of the quote's symbol
func (q OptionQuote) OptionType() string {
	if len(q.Symbol) < 2 {
		return q.Symbol
	}
	return q.Symbol[len(q.Symbol)-2:]
}

// MarketDataGateway defines the market data the engine consumes each cycle
type MarketDataGateway interface {
	GetLastPrice(ctx context.Context, exchange, token string) (float64, error)
	GetOptionChain(ctx context.Context, index string, ltp float64, strikeWindow int) ([]ChainEntry, error)
	GetGreeks(ctx context.Context, index string, expiry time.Time) ([]GreeksRecord, error)
}

// MergeQuotes inner-joins a chain with its Greeks by token.
// Chain entries without a Greeks record are dropped; chain order is preserved.
func MergeQuotes(chain []ChainEntry, greeks []GreeksRecord) []OptionQuote {
	byToken := make(map[string]GreeksRecord, len(greeks))
	for _, g := range greeks {
		byToken[g.Token] = g
	}

	quotes := make([]OptionQuote, 0, len(chain))
	for _, entry := range chain {
		g, ok := byToken[entry.Token]
		if !ok {
			continue
		}
		quotes = append(quotes, OptionQuote{
			Token:       entry.Token,
			Symbol:      entry.Symbol,
			Strike:      entry.Strike,
			Expiry:      entry.Expiry,
			MarketPrice: g.LastPrice,
			IV:          g.IV,
		})
	}
	return quotes
}
