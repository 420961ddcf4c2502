package services

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ivrank-trader/database"

	"github.com/sirupsen/logrus"
)

// ist is the exchange location used across the tests
var ist = time.FixedZone("IST", 5*3600+1800)

// manualClock is a Clock the tests move by hand
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{now: t}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestStore(t *testing.T) *database.LocalStorage {
	t.Helper()
	store, err := database.NewLocalStorage(filepath.Join(t.TempDir(), "portfolio.db"), quietLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
