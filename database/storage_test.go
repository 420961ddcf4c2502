package database

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"ivrank-trader/interfaces"

	"github.com/sirupsen/logrus"
)

func newTestStorage(t *testing.T) *LocalStorage {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store, err := NewLocalStorage(filepath.Join(t.TempDir(), "ledger.db"), log)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTransactionCommitsAllWrites(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	err := store.InTransaction(ctx, func(tx interfaces.LedgerTx) error {
		if err := tx.AppendHistory(interfaces.TradeRecord{Symbol: "NIFTY24500CE", Side: interfaces.SideBuy, Quantity: 2, Price: 10}); err != nil {
			return err
		}
		return tx.UpsertHolding(interfaces.Holding{Symbol: "NIFTY24500CE", Quantity: 2, AveragePrice: 10})
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	holdings, _ := store.ListHoldings(ctx)
	history, _ := store.ListTradeHistory(ctx)
	if len(holdings) != 1 || len(history) != 1 {
		t.Fatalf("expected 1 holding and 1 history row, got %d and %d", len(holdings), len(history))
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTransaction(ctx, func(tx interfaces.LedgerTx) error {
		if err := tx.AppendHistory(interfaces.TradeRecord{Symbol: "X", Side: interfaces.SideBuy, Quantity: 1, Price: 1}); err != nil {
			return err
		}
		if err := tx.UpsertHolding(interfaces.Holding{Symbol: "X", Quantity: 1, AveragePrice: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	holdings, _ := store.ListHoldings(ctx)
	history, _ := store.ListTradeHistory(ctx)
	if len(holdings) != 0 || len(history) != 0 {
		t.Fatalf("expected nothing persisted, got %d holdings and %d history rows", len(holdings), len(history))
	}
}

func TestHoldingLifecycle(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	err := store.InTransaction(ctx, func(tx interfaces.LedgerTx) error {
		h, err := tx.GetHolding("ABC")
		if err != nil {
			return err
		}
		if h != nil {
			t.Errorf("expected no holding, got %+v", h)
		}
		if err := tx.UpsertHolding(interfaces.Holding{Symbol: "ABC", Quantity: 3, AveragePrice: 5}); err != nil {
			return err
		}
		if err := tx.UpsertHolding(interfaces.Holding{Symbol: "ABC", Quantity: 7, AveragePrice: 6}); err != nil {
			return err
		}
		h, err = tx.GetHolding("ABC")
		if err != nil {
			return err
		}
		if h == nil || h.Quantity != 7 || h.AveragePrice != 6 {
			t.Errorf("unexpected holding after upsert: %+v", h)
		}
		return tx.DeleteHolding("ABC")
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	holdings, _ := store.ListHoldings(ctx)
	if len(holdings) != 0 {
		t.Fatalf("expected holding deleted, got %+v", holdings)
	}
}

func TestTradeHistoryNewestFirst(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2025, 8, 28, 10, 0, 0, 0, time.UTC)

	for i, sym := range []string{"A", "B", "C"} {
		rec := interfaces.TradeRecord{Timestamp: base.Add(time.Duration(i) * time.Minute), Symbol: sym, Side: interfaces.SideBuy, Quantity: 1, Price: 1}
		if err := store.InTransaction(ctx, func(tx interfaces.LedgerTx) error { return tx.AppendHistory(rec) }); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	history, err := store.ListTradeHistory(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	got := []string{history[0].Symbol, history[1].Symbol, history[2].Symbol}
	if got[0] != "C" || got[1] != "B" || got[2] != "A" {
		t.Fatalf("expected newest first, got %v", got)
	}
}
