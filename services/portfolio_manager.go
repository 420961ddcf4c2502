package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ivrank-trader/interfaces"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidTrade reports a malformed trade request
	ErrInvalidTrade = errors.New("invalid trade")
	// ErrInsufficientHolding reports a sell larger than the current holding
	ErrInsufficientHolding = errors.New("insufficient holding")
)

// PortfolioManager records simulated trades and maintains holdings.
// Every trade is applied in one store transaction; trades for the same
// symbol are serialized.
type PortfolioManager struct {
	store  interfaces.LedgerStore
	clock  Clock
	logger *logrus.Logger

	locks map[string]*sync.Mutex // symbol -> row lock
	mu    sync.Mutex
}

// NewPortfolioManager creates a new portfolio manager
func NewPortfolioManager(store interfaces.LedgerStore, clock Clock, logger *logrus.Logger) *PortfolioManager {
	return &PortfolioManager{
		store:  store,
		clock:  clock,
		logger: ensureLogger(logger),
		locks:  make(map[string]*sync.Mutex),
	}
}

// RecordTrade appends the trade to the history and updates the holding atomically.
// A SELL larger than the holding fails with ErrInsufficientHolding and writes nothing.
func (pm *PortfolioManager) RecordTrade(ctx context.Context, symbol, side string, quantity int, price float64, reason string) error {
	side = strings.ToUpper(strings.TrimSpace(side))
	if err := validateTrade(symbol, side, quantity, price); err != nil {
		return err
	}

	lock := pm.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	now := pm.clock.Now().UTC()

	// Let a started transaction finish (commit or roll back) even when the
	// caller is shutting down.
	txCtx := context.WithoutCancel(ctx)

	err := pm.store.InTransaction(txCtx, func(tx interfaces.LedgerTx) error {
		if err := tx.AppendHistory(interfaces.TradeRecord{
			Timestamp: now,
			Symbol:    symbol,
			Side:      side,
			Quantity:  quantity,
			Price:     price,
			Reason:    reason,
		}); err != nil {
			return err
		}

		holding, err := tx.GetHolding(symbol)
		if err != nil {
			return err
		}

		if side == interfaces.SideBuy {
			return tx.UpsertHolding(applyBuy(holding, symbol, quantity, price, now))
		}

		if holding == nil || holding.Quantity < quantity {
			held := 0
			if holding != nil {
				held = holding.Quantity
			}
			return fmt.Errorf("%w: cannot sell %d of %s, holding %d", ErrInsufficientHolding, quantity, symbol, held)
		}

		remaining := holding.Quantity - quantity
		if remaining == 0 {
			return tx.DeleteHolding(symbol)
		}
		holding.Quantity = remaining
		holding.LastUpdated = now
		return tx.UpsertHolding(*holding)
	})
	if err != nil {
		pm.logger.WithFields(logrus.Fields{
			"symbol":   symbol,
			"side":     side,
			"quantity": quantity,
			"price":    price,
		}).WithError(err).Error("Trade rejected, ledger unchanged")
		return fmt.Errorf("failed to record trade: %w", err)
	}

	pm.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"side":     side,
		"quantity": quantity,
		"price":    price,
		"reason":   reason,
	}).Info("Recorded trade")

	return nil
}

// GetHoldings returns all current holdings
func (pm *PortfolioManager) GetHoldings(ctx context.Context) ([]interfaces.Holding, error) {
	return pm.store.ListHoldings(ctx)
}

// GetTradeHistory returns every recorded trade, newest first
func (pm *PortfolioManager) GetTradeHistory(ctx context.Context) ([]interfaces.TradeRecord, error) {
	return pm.store.ListTradeHistory(ctx)
}

// symbolLock returns the mutex guarding symbol's holding row
func (pm *PortfolioManager) symbolLock(symbol string) *sync.Mutex {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	lock, ok := pm.locks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		pm.locks[symbol] = lock
	}
	return lock
}

func validateTrade(symbol, side string, quantity int, price float64) error {
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidTrade)
	}
	if side != interfaces.SideBuy && side != interfaces.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrInvalidTrade, side)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidTrade, quantity)
	}
	if price < 0 {
		return fmt.Errorf("%w: price must be non-negative, got %v", ErrInvalidTrade, price)
	}
	return nil
}

// applyBuy returns the holding after buying quantity at price.
// The new average is the quantity-weighted mean of the old and new cost.
func applyBuy(holding *interfaces.Holding, symbol string, quantity int, price float64, now time.Time) interfaces.Holding {
	if holding == nil {
		return interfaces.Holding{
			Symbol:       symbol,
			Quantity:     quantity,
			AveragePrice: price,
			LastUpdated:  now,
		}
	}

	oldQty := decimal.NewFromInt(int64(holding.Quantity))
	newQty := decimal.NewFromInt(int64(quantity))
	totalCost := decimal.NewFromFloat(holding.AveragePrice).Mul(oldQty).
		Add(decimal.NewFromFloat(price).Mul(newQty))
	avg, _ := totalCost.Div(oldQty.Add(newQty)).Float64()

	return interfaces.Holding{
		Symbol:       symbol,
		Quantity:     holding.Quantity + quantity,
		AveragePrice: avg,
		LastUpdated:  now,
	}
}
