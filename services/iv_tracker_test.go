package services

import (
	"math"
	"testing"
	"time"

	"ivrank-trader/interfaces"
)

func TestTrackerWindowIsMinMax(t *testing.T) {
	tracker := NewSessionIVTracker(quietLogger())
	day := time.Date(2025, 8, 28, 9, 30, 0, 0, ist)

	ivs := []float64{14.2, 12.8, 15.9, 13.1, 15.0}
	for i, iv := range ivs {
		tracker.Observe("NIFTY", day.Add(time.Duration(i)*time.Minute), iv)
	}

	w, ok := tracker.Window("NIFTY", day)
	if !ok {
		t.Fatal("expected a window")
	}
	if w.High != 15.9 || w.Low != 12.8 {
		t.Fatalf("expected high=15.9 low=12.8, got high=%v low=%v", w.High, w.Low)
	}

	rank, ok := tracker.Rank("NIFTY", day)
	if !ok {
		t.Fatal("expected a rank")
	}
	want := (15.0 - 12.8) / (15.9 - 12.8) * 100
	if math.Abs(rank-want) > 1e-9 {
		t.Fatalf("expected rank %v, got %v", want, rank)
	}
}

func TestTrackerFlatRangeRanksFifty(t *testing.T) {
	tracker := NewSessionIVTracker(quietLogger())
	day := time.Date(2025, 8, 28, 9, 30, 0, 0, ist)

	tracker.Observe("BANKNIFTY", day, 18.5)
	tracker.Observe("BANKNIFTY", day, 18.5)

	rank, ok := tracker.Rank("BANKNIFTY", day)
	if !ok || rank != 50.0 {
		t.Fatalf("expected exactly 50, got %v (ok=%v)", rank, ok)
	}
}

func TestTrackerNoObservation(t *testing.T) {
	tracker := NewSessionIVTracker(quietLogger())
	day := time.Date(2025, 8, 28, 9, 30, 0, 0, ist)

	if _, ok := tracker.Rank("NIFTY", day); ok {
		t.Fatal("expected no rank before any observation")
	}

	tracker.Observe("NIFTY", day, 0)
	tracker.Observe("NIFTY", day, -3)
	if _, ok := tracker.Rank("NIFTY", day); ok {
		t.Fatal("non-positive IV must not create a window")
	}
}

func TestTrackerResetsOnNewDay(t *testing.T) {
	tracker := NewSessionIVTracker(quietLogger())
	day1 := time.Date(2025, 8, 27, 15, 0, 0, 0, ist)
	day2 := time.Date(2025, 8, 28, 9, 20, 0, 0, ist)

	tracker.Observe("NIFTY", day1, 10)
	tracker.Observe("NIFTY", day1, 30)

	if _, ok := tracker.Rank("NIFTY", day2); ok {
		t.Fatal("yesterday's window must not be reused today")
	}

	tracker.Observe("NIFTY", day2, 20)
	w, ok := tracker.Window("NIFTY", day2)
	if !ok || w.High != 20 || w.Low != 20 {
		t.Fatalf("expected fresh window at 20, got %+v", w)
	}
	if _, ok := tracker.Window("NIFTY", day1); ok {
		t.Fatal("old window should be replaced")
	}
}

func TestSelectATM(t *testing.T) {
	quotes := []interfaces.OptionQuote{
		{Symbol: "NIFTY24400CE", Strike: 24400},
		{Symbol: "NIFTY24450CE", Strike: 24450},
		{Symbol: "NIFTY24450PE", Strike: 24450},
		{Symbol: "NIFTY24500CE", Strike: 24500},
	}

	atm, ok := SelectATM(quotes, 24460)
	if !ok || atm.Symbol != "NIFTY24450CE" {
		t.Fatalf("expected NIFTY24450CE, got %+v", atm)
	}

	// 24475 is equidistant from 24450 and 24500; the first wins
	atm, _ = SelectATM(quotes, 24475)
	if atm.Symbol != "NIFTY24450CE" {
		t.Fatalf("expected first-encountered tie winner, got %s", atm.Symbol)
	}

	if _, ok := SelectATM(nil, 100); ok {
		t.Fatal("expected no ATM for empty chain")
	}
}
