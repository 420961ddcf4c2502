package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ivrank-trader/database"
	"ivrank-trader/interfaces"
	"ivrank-trader/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixedState services.SchedulerState

func (s fixedState) State() services.SchedulerState { return services.SchedulerState(s) }

type testEnv struct {
	router    *gin.Engine
	portfolio *services.PortfolioManager
	journal   *services.ActivityLogger
	metrics   *services.CycleMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := database.NewLocalStorage(filepath.Join(t.TempDir(), "portfolio.db"), logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := fixedClock{now: time.Date(2025, 8, 28, 15, 0, 0, 0, time.FixedZone("IST", 19800))}
	portfolio := services.NewPortfolioManager(store, clock, logger)
	journal := services.NewActivityLogger(t.TempDir(), clock, logger)
	registry := prometheus.NewRegistry()
	metrics := services.NewCycleMetrics(registry)

	router := NewRouter(
		NewHealthController(fixedState(services.StateSleepingBetweenCycles), nil),
		NewPortfolioController(portfolio),
		NewActivityController(journal),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		logger,
	)
	return &testEnv{router: router, portfolio: portfolio, journal: journal, metrics: metrics}
}

func (e *testEnv) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	e.router.ServeHTTP(rec, req)

	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode %s: %v", path, err)
		}
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]interface{}
	if code := env.get(t, "/health", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "ok" || body["state"] != "SLEEPING_BETWEEN_CYCLES" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestHoldingsAndTrades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.portfolio.RecordTrade(ctx, "NIFTY28AUG2524500CE", "BUY", 10, 100, "value"); err != nil {
		t.Fatalf("RecordTrade failed: %v", err)
	}
	if err := env.portfolio.RecordTrade(ctx, "NIFTY28AUG2524500CE", "BUY", 5, 130, "value"); err != nil {
		t.Fatalf("RecordTrade failed: %v", err)
	}
	if err := env.portfolio.RecordTrade(ctx, "NIFTY28AUG2524500PE", "BUY", 1, 70, "straddle"); err != nil {
		t.Fatalf("RecordTrade failed: %v", err)
	}

	var holdings struct {
		Count    int                  `json:"count"`
		Holdings []interfaces.Holding `json:"holdings"`
	}
	if code := env.get(t, "/api/v1/holdings", &holdings); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if holdings.Count != 2 || holdings.Holdings[0].Symbol != "NIFTY28AUG2524500CE" || holdings.Holdings[0].Quantity != 15 {
		t.Fatalf("unexpected holdings %+v", holdings)
	}
	if holdings.Holdings[0].AveragePrice != 110 {
		t.Fatalf("expected average 110, got %v", holdings.Holdings[0].AveragePrice)
	}

	var trades struct {
		Count  int                      `json:"count"`
		Trades []interfaces.TradeRecord `json:"trades"`
	}
	if code := env.get(t, "/api/v1/trades", &trades); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if trades.Count != 3 {
		t.Fatalf("expected 3 trades, got %d", trades.Count)
	}

	if code := env.get(t, "/api/v1/trades?symbol=NIFTY28AUG2524500PE", &trades); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if trades.Count != 1 || trades.Trades[0].Reason != "straddle" {
		t.Fatalf("unexpected filtered trades %+v", trades)
	}
}

func TestJournalEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if code := env.get(t, "/api/v1/journal/today", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 before any activity, got %d", code)
	}

	if err := env.journal.LogCycle(1, time.Second); err != nil {
		t.Fatalf("LogCycle failed: %v", err)
	}

	var list struct {
		Count int      `json:"count"`
		Dates []string `json:"dates"`
	}
	if code := env.get(t, "/api/v1/journal", &list); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if list.Count != 1 || list.Dates[0] != "2025-08-28" {
		t.Fatalf("unexpected journal list %+v", list)
	}

	var day services.DailyActivityLog
	if code := env.get(t, "/api/v1/journal/2025-08-28", &day); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if day.Summary.Cycles != 1 {
		t.Fatalf("expected 1 cycle, got %+v", day.Summary)
	}

	if code := env.get(t, "/api/v1/journal/2025-01-01", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing day, got %d", code)
	}
	if code := env.get(t, "/api/v1/journal/yesterday", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed date, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	if err := env.metrics.LogCycle(2, 4*time.Second); err != nil {
		t.Fatalf("LogCycle failed: %v", err)
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ivrank_engine_cycles_total 1") {
		t.Fatalf("expected the cycle counter in the exposition, got:\n%s", rec.Body.String())
	}
}
