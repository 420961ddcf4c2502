package services

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func newTestPortfolio(t *testing.T) *PortfolioManager {
	t.Helper()
	clock := newManualClock(time.Date(2025, 8, 28, 15, 0, 0, 0, ist))
	return NewPortfolioManager(newTestStore(t), clock, quietLogger())
}

func TestRecordTradeWeightedAverage(t *testing.T) {
	pm := newTestPortfolio(t)
	ctx := context.Background()

	if err := pm.RecordTrade(ctx, "NIFTY28AUG2524500CE", "BUY", 10, 100, "first"); err != nil {
		t.Fatalf("first buy failed: %v", err)
	}
	if err := pm.RecordTrade(ctx, "NIFTY28AUG2524500CE", "buy", 5, 130, "second"); err != nil {
		t.Fatalf("second buy failed: %v", err)
	}

	holdings, err := pm.GetHoldings(ctx)
	if err != nil {
		t.Fatalf("failed to list holdings: %v", err)
	}
	if len(holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(holdings))
	}
	h := holdings[0]
	if h.Quantity != 15 {
		t.Fatalf("expected quantity 15, got %d", h.Quantity)
	}
	if math.Abs(h.AveragePrice-110.0) > 1e-9 {
		t.Fatalf("expected average 110.0, got %v", h.AveragePrice)
	}

	history, err := pm.GetTradeHistory(ctx)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
	if history[0].Side != "BUY" || history[0].Reason != "second" {
		t.Fatalf("expected newest first with normalized side, got %+v", history[0])
	}
}

func TestRecordTradeOversellLeavesLedgerUnchanged(t *testing.T) {
	pm := newTestPortfolio(t)
	ctx := context.Background()

	if err := pm.RecordTrade(ctx, "BANKNIFTY", "BUY", 3, 50, ""); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	err := pm.RecordTrade(ctx, "BANKNIFTY", "SELL", 4, 60, "too many")
	if !errors.Is(err, ErrInsufficientHolding) {
		t.Fatalf("expected ErrInsufficientHolding, got %v", err)
	}

	err = pm.RecordTrade(ctx, "FINNIFTY", "SELL", 1, 60, "nothing held")
	if !errors.Is(err, ErrInsufficientHolding) {
		t.Fatalf("expected ErrInsufficientHolding for unknown symbol, got %v", err)
	}

	holdings, _ := pm.GetHoldings(ctx)
	if len(holdings) != 1 || holdings[0].Quantity != 3 || holdings[0].AveragePrice != 50 {
		t.Fatalf("holdings changed after rejected sells: %+v", holdings)
	}
	history, _ := pm.GetTradeHistory(ctx)
	if len(history) != 1 {
		t.Fatalf("rejected sells must not reach history, got %d rows", len(history))
	}
}

func TestRecordTradeSellToZeroRemovesHolding(t *testing.T) {
	pm := newTestPortfolio(t)
	ctx := context.Background()

	if err := pm.RecordTrade(ctx, "SENSEX", "BUY", 4, 200, ""); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if err := pm.RecordTrade(ctx, "SENSEX", "SELL", 1, 210, ""); err != nil {
		t.Fatalf("partial sell failed: %v", err)
	}

	holdings, _ := pm.GetHoldings(ctx)
	if len(holdings) != 1 || holdings[0].Quantity != 3 || holdings[0].AveragePrice != 200 {
		t.Fatalf("partial sell should keep the average, got %+v", holdings)
	}

	if err := pm.RecordTrade(ctx, "SENSEX", "SELL", 3, 220, ""); err != nil {
		t.Fatalf("closing sell failed: %v", err)
	}
	holdings, _ = pm.GetHoldings(ctx)
	if len(holdings) != 0 {
		t.Fatalf("expected no holdings after selling to zero, got %+v", holdings)
	}
	history, _ := pm.GetTradeHistory(ctx)
	if len(history) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(history))
	}
}

func TestRecordTradeValidation(t *testing.T) {
	pm := newTestPortfolio(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		symbol string
		side   string
		qty    int
		price  float64
	}{
		{"empty symbol", "", "BUY", 1, 10},
		{"bad side", "NIFTY", "HOLD", 1, 10},
		{"zero quantity", "NIFTY", "BUY", 0, 10},
		{"negative quantity", "NIFTY", "SELL", -2, 10},
		{"negative price", "NIFTY", "BUY", 1, -0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := pm.RecordTrade(ctx, tc.symbol, tc.side, tc.qty, tc.price, "")
			if !errors.Is(err, ErrInvalidTrade) {
				t.Fatalf("expected ErrInvalidTrade, got %v", err)
			}
		})
	}

	history, _ := pm.GetTradeHistory(ctx)
	if len(history) != 0 {
		t.Fatalf("invalid trades must not be recorded, got %d rows", len(history))
	}
}

func TestRecordTradeConcurrentBuys(t *testing.T) {
	pm := newTestPortfolio(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- pm.RecordTrade(ctx, "NIFTY", "BUY", 2, 75, "")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent buy failed: %v", err)
		}
	}

	holdings, _ := pm.GetHoldings(ctx)
	if len(holdings) != 1 || holdings[0].Quantity != 2*workers {
		t.Fatalf("expected quantity %d, got %+v", 2*workers, holdings)
	}
	history, _ := pm.GetTradeHistory(ctx)
	if len(history) != workers {
		t.Fatalf("expected %d history rows, got %d", workers, len(history))
	}
}

func TestRecordTradeSurvivesCancelledContext(t *testing.T) {
	pm := newTestPortfolio(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := pm.RecordTrade(ctx, "NIFTY", "BUY", 1, 10, ""); err != nil {
		t.Fatalf("expected trade to complete under a cancelled context, got %v", err)
	}
	holdings, _ := pm.GetHoldings(context.Background())
	if len(holdings) != 1 {
		t.Fatalf("expected the holding to be written, got %+v", holdings)
	}
}
