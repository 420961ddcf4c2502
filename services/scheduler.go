package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"ivrank-trader/interfaces"

	"github.com/sirupsen/logrus"
)

// SchedulerState is the scheduler's current activity
type SchedulerState string

const (
	StateSleepingMarketClosed  SchedulerState = "SLEEPING_MARKET_CLOSED"
	StateRunningCycle          SchedulerState = "RUNNING_CYCLE"
	StateSleepingBetweenCycles SchedulerState = "SLEEPING_BETWEEN_CYCLES"
	StateErrorBackoff          SchedulerState = "ERROR_BACKOFF"
)

// SchedulerConfig holds the cycle timing and the watched underlyings
type SchedulerConfig struct {
	Symbols       []string
	Instruments   map[string]interfaces.Instrument
	StrikeWindow  int
	MarketOpen    time.Duration // Time of day the session opens
	MarketClose   time.Duration // Time of day the session closes
	CycleInterval time.Duration
	SymbolDelay   time.Duration
	ErrorBackoff  time.Duration
	ClosedPoll    time.Duration
}

// Evaluator runs the strategies for one underlying snapshot
type Evaluator interface {
	Evaluate(ctx context.Context, underlying string, ltp float64, quotes []interfaces.OptionQuote) EvaluationReport
}

// CycleJournal receives what happened during each cycle
type CycleJournal interface {
	LogEvaluation(report EvaluationReport) error
	LogSkip(symbol, stage string, cause error) error
	LogCycle(symbols int, elapsed time.Duration) error
	LogBackoff(cause error) error
}

// CycleScheduler drives the fetch and evaluate loop while the market is open
type CycleScheduler struct {
	cfg       SchedulerConfig
	gateway   interfaces.MarketDataGateway
	evaluator Evaluator
	journal   CycleJournal
	clock     Clock
	logger    *logrus.Logger

	sleep func(ctx context.Context, d time.Duration) bool

	state SchedulerState
	mu    sync.RWMutex
}

// NewCycleScheduler creates a new scheduler. journal may be nil.
func NewCycleScheduler(cfg SchedulerConfig, gateway interfaces.MarketDataGateway, evaluator Evaluator, journal CycleJournal, clock Clock, logger *logrus.Logger) *CycleScheduler {
	return &CycleScheduler{
		cfg:       cfg,
		gateway:   gateway,
		evaluator: evaluator,
		journal:   journal,
		clock:     clock,
		logger:    ensureLogger(logger),
		sleep:     sleepContext,
		state:     StateSleepingMarketClosed,
	}
}

// State returns the scheduler's current state
func (s *CycleScheduler) State() SchedulerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *CycleScheduler) setState(state SchedulerState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if prev != state {
		s.logger.WithFields(logrus.Fields{
			"from": prev,
			"to":   state,
		}).Debug("Scheduler state changed")
	}
}

// MarketOpen reports whether now falls on a weekday between the open and close times, inclusive
func (s *CycleScheduler) MarketOpen(now time.Time) bool {
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	tod := timeOfDay(now)
	return tod >= s.cfg.MarketOpen && tod <= s.cfg.MarketClose
}

// Run loops until ctx is cancelled. Cancellation is not an error.
func (s *CycleScheduler) Run(ctx context.Context) error {
	s.logger.WithField("symbols", s.cfg.Symbols).Info("Starting trading engine")

	for {
		if ctx.Err() != nil {
			break
		}

		if !s.MarketOpen(s.clock.Now()) {
			s.setState(StateSleepingMarketClosed)
			s.logger.WithField("recheck_in", s.cfg.ClosedPoll).Info("Market is closed, sleeping")
			if !s.sleep(ctx, s.cfg.ClosedPoll) {
				break
			}
			continue
		}

		s.setState(StateRunningCycle)
		if err := s.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.setState(StateErrorBackoff)
			s.logger.WithError(err).WithField("retry_in", s.cfg.ErrorBackoff).Error("Trading cycle failed, backing off")
			if s.journal != nil {
				if jerr := s.journal.LogBackoff(err); jerr != nil {
					s.logger.WithError(jerr).Warn("Failed to journal backoff")
				}
			}
			if !s.sleep(ctx, s.cfg.ErrorBackoff) {
				break
			}
			continue
		}

		s.setState(StateSleepingBetweenCycles)
		s.logger.WithField("next_in", s.cfg.CycleInterval).Info("Cycle finished, waiting")
		if !s.sleep(ctx, s.cfg.CycleInterval) {
			break
		}
	}

	s.logger.Info("Trading engine stopped")
	return nil
}

// RunCycle evaluates every watched symbol once. A panic for one symbol skips
// only that symbol; a panic elsewhere in the cycle is returned as an error.
func (s *CycleScheduler) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("stack", string(debug.Stack())).Error("Recovered from panic in trading cycle")
			err = fmt.Errorf("panic in trading cycle: %v", r)
		}
	}()

	start := time.Now()
	s.logger.Info("Starting new trading cycle")

	for i, symbol := range s.cfg.Symbols {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.processSymbol(ctx, symbol)

		if i < len(s.cfg.Symbols)-1 {
			if !s.sleep(ctx, s.cfg.SymbolDelay) {
				return ctx.Err()
			}
		}
	}

	if s.journal != nil {
		if jerr := s.journal.LogCycle(len(s.cfg.Symbols), time.Since(start)); jerr != nil {
			s.logger.WithError(jerr).Warn("Failed to journal cycle")
		}
	}
	return nil
}

// processSymbol fetches one underlying's snapshot and hands it to the evaluator.
// Missing or failed data skips the symbol, and so does a panic while processing it.
func (s *CycleScheduler) processSymbol(ctx context.Context, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"symbol": symbol,
				"stack":  string(debug.Stack()),
			}).Error("Recovered from panic while processing symbol")
			s.skip(symbol, "evaluate", fmt.Errorf("panic while processing %s: %v", symbol, r))
		}
	}()

	logger := s.logger.WithField("symbol", symbol)
	logger.Info("Processing index")

	inst, ok := s.cfg.Instruments[symbol]
	if !ok {
		s.skip(symbol, "instrument", fmt.Errorf("no instrument details for %s", symbol))
		return
	}

	ltp, err := s.gateway.GetLastPrice(ctx, inst.Exchange, inst.Token)
	if err != nil {
		s.skip(symbol, "ltp", err)
		return
	}
	if ltp <= 0 {
		s.skip(symbol, "ltp", fmt.Errorf("%w: non-positive LTP %v", interfaces.ErrNoMarketData, ltp))
		return
	}

	chain, err := s.gateway.GetOptionChain(ctx, symbol, ltp, s.cfg.StrikeWindow)
	if err != nil {
		s.skip(symbol, "chain", err)
		return
	}
	if len(chain) == 0 {
		s.skip(symbol, "chain", fmt.Errorf("%w: empty option chain", interfaces.ErrNoMarketData))
		return
	}

	expiry := nearestExpiry(chain)
	greeks, err := s.gateway.GetGreeks(ctx, symbol, expiry)
	if err != nil {
		s.skip(symbol, "greeks", err)
		return
	}
	if len(greeks) == 0 {
		s.skip(symbol, "greeks", fmt.Errorf("%w: no greeks for %s", interfaces.ErrNoMarketData, expiry.Format("02Jan2006")))
		return
	}

	quotes := interfaces.MergeQuotes(chain, greeks)
	if len(quotes) == 0 {
		s.skip(symbol, "merge", fmt.Errorf("%w: no chain entry matched a greeks record", interfaces.ErrNoMarketData))
		return
	}
	logger.WithField("quotes", len(quotes)).Info("Merged option chain with greeks")

	report := s.evaluator.Evaluate(ctx, symbol, ltp, quotes)
	if s.journal != nil {
		if err := s.journal.LogEvaluation(report); err != nil {
			logger.WithError(err).Warn("Failed to journal evaluation")
		}
	}
}

func (s *CycleScheduler) skip(symbol, stage string, cause error) {
	s.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"stage":  stage,
	}).WithError(cause).Warn("Skipping symbol")

	if s.journal != nil {
		if err := s.journal.LogSkip(symbol, stage, cause); err != nil {
			s.logger.WithError(err).Warn("Failed to journal skip")
		}
	}
}

// nearestExpiry returns the earliest expiry in chain
func nearestExpiry(chain []interfaces.ChainEntry) time.Time {
	nearest := chain[0].Expiry
	for _, entry := range chain[1:] {
		if entry.Expiry.Before(nearest) {
			nearest = entry.Expiry
		}
	}
	return nearest
}
