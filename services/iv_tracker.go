package services

import (
	"math"
	"sync"
	"time"

	"ivrank-trader/interfaces"

	"github.com/sirupsen/logrus"
)

// IVWindow is the at-the-money IV range observed for one symbol on one day
type IVWindow struct {
	Date    time.Time `json:"date"`
	High    float64   `json:"high"`
	Low     float64   `json:"low"`
	Current float64   `json:"current"`
}

// SessionIVTracker keeps the intraday high/low of the ATM implied volatility per symbol.
// A window belongs to one calendar date; a window from another date counts as no data.
type SessionIVTracker struct {
	windows map[string]IVWindow
	mu      sync.RWMutex
	logger  *logrus.Logger
}

// NewSessionIVTracker creates an empty tracker
func NewSessionIVTracker(logger *logrus.Logger) *SessionIVTracker {
	return &SessionIVTracker{
		windows: make(map[string]IVWindow),
		logger:  ensureLogger(logger),
	}
}

// usableIV reports whether iv is a positive finite percentage
func usableIV(iv float64) bool {
	return iv > 0 && !math.IsNaN(iv) && !math.IsInf(iv, 0)
}

// Observe records the current ATM IV for symbol on day
func (t *SessionIVTracker) Observe(symbol string, day time.Time, atmIV float64) {
	if !usableIV(atmIV) {
		t.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"iv":     atmIV,
		}).Debug("Ignoring unusable ATM IV observation")
		return
	}

	date := dateOf(day)

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[symbol]
	if !ok || !w.Date.Equal(date) {
		t.windows[symbol] = IVWindow{Date: date, High: atmIV, Low: atmIV, Current: atmIV}
		t.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"date":   date.Format("2006-01-02"),
			"iv":     atmIV,
		}).Info("Initialized session IV tracker")
		return
	}

	w.High = math.Max(w.High, atmIV)
	w.Low = math.Min(w.Low, atmIV)
	w.Current = atmIV
	t.windows[symbol] = w

	t.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"high":   w.High,
		"low":    w.Low,
	}).Debug("Session IV tracker updated")
}

// Window returns the symbol's window for day, if one has been observed
func (t *SessionIVTracker) Window(symbol string, day time.Time) (IVWindow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, ok := t.windows[symbol]
	if !ok || !w.Date.Equal(dateOf(day)) {
		return IVWindow{}, false
	}
	return w, true
}

// Rank returns the latest IV's percentile position within the day's range.
// A flat range ranks exactly 50.
func (t *SessionIVTracker) Rank(symbol string, day time.Time) (float64, bool) {
	w, ok := t.Window(symbol, day)
	if !ok {
		return 0, false
	}

	ivRange := w.High - w.Low
	if ivRange == 0 {
		return 50.0, true
	}
	return (w.Current - w.Low) / ivRange * 100, true
}

// SelectATM returns the quote whose strike is closest to ltp.
// Ties keep the first quote encountered.
func SelectATM(quotes []interfaces.OptionQuote, ltp float64) (interfaces.OptionQuote, bool) {
	if len(quotes) == 0 {
		return interfaces.OptionQuote{}, false
	}

	best := 0
	bestDist := math.Abs(quotes[0].Strike - ltp)
	for i := 1; i < len(quotes); i++ {
		if d := math.Abs(quotes[i].Strike - ltp); d < bestDist {
			best, bestDist = i, d
		}
	}
	return quotes[best], true
}
