package interfaces

import (
	"context"
	"time"
)

// Trade sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// LedgerStore defines the durable storage the portfolio ledger needs.
// InTransaction runs fn atomically: every write made through tx commits
// together, or none does when fn returns an error.
type LedgerStore interface {
	InTransaction(ctx context.Context, fn func(tx LedgerTx) error) error
	ListHoldings(ctx context.Context) ([]Holding, error)
	ListTradeHistory(ctx context.Context) ([]TradeRecord, error)
}

// LedgerTx is the set of row operations available inside a ledger transaction
type LedgerTx interface {
	// GetHolding returns nil, nil when no holding exists for symbol
	GetHolding(symbol string) (*Holding, error)
	UpsertHolding(h Holding) error
	DeleteHolding(symbol string) error
	AppendHistory(rec TradeRecord) error
}

// Holding is a current position. Quantity is always positive.
type Holding struct {
	Symbol       string    `json:"symbol"`
	Quantity     int       `json:"quantity"`
	AveragePrice float64   `json:"average_price"`
	LastUpdated  time.Time `json:"last_updated"`
}

// TradeRecord is one immutable entry of the trade history
type TradeRecord struct {
	ID        uint      `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // "BUY" or "SELL"
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
	Reason    string    `json:"reason"`
}
