package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ivrank-trader/interfaces"

	"github.com/sirupsen/logrus"
)

// OptionPricer returns an option's theoretical value
type OptionPricer interface {
	Price(optionType string, S, K float64, expiry time.Time, r, sigma float64) (float64, error)
}

// TradeRecorder records a simulated trade in the ledger
type TradeRecorder interface {
	RecordTrade(ctx context.Context, symbol, side string, quantity int, price float64, reason string) error
}

// StrategyConfig holds the evaluator's trading parameters
type StrategyConfig struct {
	TriggerPercentage float64       // Minimum fair-value edge over market, in percent
	RiskFreeRate      float64       // Annualized, as a fraction
	Quantity          int           // Contracts per trade leg
	ExpiryEnabled     bool          // Enables the expiry-day straddle
	MaxIVRank         float64       // Straddle fires when the session IV rank is below this
	ExpiryWeekday     time.Weekday  // Day the straddle may fire
	StartTime         time.Duration // Earliest time of day the straddle may fire
}

// ValueOutcome is the result of the value strategy for one quote
type ValueOutcome string

const (
	ValueTraded         ValueOutcome = "TRADED"
	ValueNoEdge         ValueOutcome = "NO_EDGE"
	ValueSkippedNoData  ValueOutcome = "SKIPPED_NO_DATA"
	ValueSkippedPricing ValueOutcome = "SKIPPED_PRICING"
	ValueTradeFailed    ValueOutcome = "TRADE_FAILED"
)

// StraddleOutcome is the result of the expiry straddle for one underlying
type StraddleOutcome string

const (
	StraddleDisabled     StraddleOutcome = "DISABLED"
	StraddleAlreadyFired StraddleOutcome = "ALREADY_FIRED"
	StraddleWrongDay     StraddleOutcome = "WRONG_DAY"
	StraddleTooEarly     StraddleOutcome = "TOO_EARLY"
	StraddleNoRank       StraddleOutcome = "NO_RANK"
	StraddleRankTooHigh  StraddleOutcome = "RANK_TOO_HIGH"
	StraddleMissingLegs  StraddleOutcome = "MISSING_LEGS"
	StraddleFired        StraddleOutcome = "FIRED"
	StraddleFailed       StraddleOutcome = "FAILED"
)

// Strategy names carried on trade decisions
const (
	StrategyValue    = "VALUE"
	StrategyStraddle = "EXPIRY_STRADDLE"
)

// TradeDecision is one trade the evaluator attempted
type TradeDecision struct {
	Strategy string  `json:"strategy"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Reason   string  `json:"reason"`
	Recorded bool    `json:"recorded"`
	Error    string  `json:"error,omitempty"`
}

// EvaluationReport summarizes one evaluation of an underlying
type EvaluationReport struct {
	Underlying    string               `json:"underlying"`
	LTP           float64              `json:"ltp"`
	Quotes        int                  `json:"quotes"`
	ATMSymbol     string               `json:"atm_symbol,omitempty"`
	ATMIV         float64              `json:"atm_iv,omitempty"`
	IVRank        float64              `json:"iv_rank,omitempty"`
	HasRank       bool                 `json:"has_rank"`
	ValueOutcomes map[ValueOutcome]int `json:"value_outcomes"`
	Straddle      StraddleOutcome      `json:"straddle"`
	Trades        []TradeDecision      `json:"trades,omitempty"`
}

// TradesRecorded counts the decisions that reached the ledger
func (r EvaluationReport) TradesRecorded() int {
	n := 0
	for _, t := range r.Trades {
		if t.Recorded {
			n++
		}
	}
	return n
}

// StrategyEvaluator runs the value strategy and the expiry-day straddle
// against one underlying's merged option snapshot.
type StrategyEvaluator struct {
	cfg     StrategyConfig
	pricer  OptionPricer
	tracker *SessionIVTracker
	ledger  TradeRecorder
	clock   Clock
	logger  *logrus.Logger

	fired map[string]time.Time // underlying -> date the straddle last fired
	mu    sync.Mutex
}

// NewStrategyEvaluator creates a new strategy evaluator
func NewStrategyEvaluator(cfg StrategyConfig, pricer OptionPricer, tracker *SessionIVTracker, ledger TradeRecorder, clock Clock, logger *logrus.Logger) *StrategyEvaluator {
	return &StrategyEvaluator{
		cfg:     cfg,
		pricer:  pricer,
		tracker: tracker,
		ledger:  ledger,
		clock:   clock,
		logger:  ensureLogger(logger),
		fired:   make(map[string]time.Time),
	}
}

// Evaluate observes the ATM IV, then runs both strategies over quotes
func (e *StrategyEvaluator) Evaluate(ctx context.Context, underlying string, ltp float64, quotes []interfaces.OptionQuote) EvaluationReport {
	now := e.clock.Now()
	report := EvaluationReport{
		Underlying:    underlying,
		LTP:           ltp,
		Quotes:        len(quotes),
		ValueOutcomes: make(map[ValueOutcome]int),
	}

	atm, hasATM := SelectATM(quotes, ltp)
	// The straddle ranks only an IV observed in this cycle
	observed := hasATM && usableIV(atm.IV)
	if hasATM {
		report.ATMSymbol = atm.Symbol
		report.ATMIV = atm.IV
		e.tracker.Observe(underlying, now, atm.IV)
	}

	for _, q := range quotes {
		outcome, decision := e.evaluateValue(ctx, q, ltp)
		report.ValueOutcomes[outcome]++
		if decision != nil {
			report.Trades = append(report.Trades, *decision)
		}
	}

	report.Straddle = e.evaluateStraddle(ctx, underlying, now, atm, observed, quotes, &report)

	e.logger.WithFields(logrus.Fields{
		"symbol":   underlying,
		"ltp":      ltp,
		"quotes":   len(quotes),
		"traded":   report.TradesRecorded(),
		"straddle": report.Straddle,
	}).Info("Evaluation complete")

	return report
}

// evaluateValue buys a quote whose fair value exceeds its market price by more than the trigger
func (e *StrategyEvaluator) evaluateValue(ctx context.Context, q interfaces.OptionQuote, ltp float64) (ValueOutcome, *TradeDecision) {
	if q.MarketPrice <= 0 || q.IV <= 0 {
		return ValueSkippedNoData, nil
	}

	fair, err := e.pricer.Price(q.OptionType(), ltp, q.Strike, q.Expiry, e.cfg.RiskFreeRate, q.IV/100.0)
	if err != nil || fair <= 0 {
		e.logger.WithFields(logrus.Fields{
			"symbol": q.Symbol,
			"stage":  "pricing",
		}).WithError(err).Debug("Skipping option without a usable fair value")
		return ValueSkippedPricing, nil
	}

	diffPct := (fair - q.MarketPrice) / q.MarketPrice * 100
	e.logger.WithFields(logrus.Fields{
		"symbol": q.Symbol,
		"market": q.MarketPrice,
		"fair":   fair,
		"diff":   diffPct,
	}).Debug("Value analyzed")

	if diffPct <= e.cfg.TriggerPercentage {
		return ValueNoEdge, nil
	}

	reason := fmt.Sprintf("Value BUY: Fair value (%.2f) is %.2f%% > market price (%.2f).", fair, diffPct, q.MarketPrice)
	e.logger.WithField("symbol", q.Symbol).Info(reason)

	decision := e.buy(ctx, StrategyValue, q.Symbol, q.MarketPrice, reason)
	if !decision.Recorded {
		return ValueTradeFailed, &decision
	}
	return ValueTraded, &decision
}

// evaluateStraddle buys the ATM call and put once per expiry day when the session IV rank is low
func (e *StrategyEvaluator) evaluateStraddle(ctx context.Context, underlying string, now time.Time, atm interfaces.OptionQuote, observed bool, quotes []interfaces.OptionQuote, report *EvaluationReport) StraddleOutcome {
	if !e.cfg.ExpiryEnabled {
		return StraddleDisabled
	}
	if e.firedOn(underlying, now) {
		return StraddleAlreadyFired
	}
	if now.Weekday() != e.cfg.ExpiryWeekday {
		return StraddleWrongDay
	}
	if timeOfDay(now) < e.cfg.StartTime {
		return StraddleTooEarly
	}

	logger := e.logger.WithField("symbol", underlying)
	logger.Info("Expiry straddle window is open")

	rank, ok := e.tracker.Rank(underlying, now)
	if !ok || !observed {
		logger.Warn("No ATM IV observed this cycle, skipping straddle")
		return StraddleNoRank
	}
	report.IVRank = rank
	report.HasRank = true

	if w, ok := e.tracker.Window(underlying, now); ok {
		logger.WithFields(logrus.Fields{
			"current": w.Current,
			"low":     w.Low,
			"high":    w.High,
			"rank":    rank,
		}).Info("Session IV rank")
	}

	if rank >= e.cfg.MaxIVRank {
		logger.WithFields(logrus.Fields{
			"rank":      rank,
			"threshold": e.cfg.MaxIVRank,
		}).Info("IV rank is not below threshold, no straddle")
		return StraddleRankTooHigh
	}

	call, hasCall := findLeg(quotes, atm.Strike, interfaces.OptionTypeCall)
	put, hasPut := findLeg(quotes, atm.Strike, interfaces.OptionTypePut)
	if !hasCall || !hasPut {
		logger.WithField("strike", atm.Strike).Warn("ATM call or put missing from chain, skipping straddle")
		return StraddleMissingLegs
	}

	reason := fmt.Sprintf("Expiry Straddle: IV Rank %.2f%% < %.2f%%", rank, e.cfg.MaxIVRank)
	logger.Info(reason)

	recorded := 0
	for _, leg := range []interfaces.OptionQuote{call, put} {
		decision := e.buy(ctx, StrategyStraddle, leg.Symbol, leg.MarketPrice, reason)
		report.Trades = append(report.Trades, decision)
		if decision.Recorded {
			recorded++
		}
	}

	// A partly recorded straddle still counts as fired so it is never duplicated
	if recorded > 0 {
		e.markFired(underlying, now)
	}
	if recorded < 2 {
		return StraddleFailed
	}
	return StraddleFired
}

func (e *StrategyEvaluator) buy(ctx context.Context, strategy, symbol string, price float64, reason string) TradeDecision {
	decision := TradeDecision{
		Strategy: strategy,
		Symbol:   symbol,
		Side:     interfaces.SideBuy,
		Quantity: e.cfg.Quantity,
		Price:    price,
		Reason:   reason,
	}
	if err := e.ledger.RecordTrade(ctx, symbol, interfaces.SideBuy, e.cfg.Quantity, price, reason); err != nil {
		e.logger.WithFields(logrus.Fields{
			"symbol":   symbol,
			"strategy": strategy,
		}).WithError(err).Error("Failed to record trade")
		decision.Error = err.Error()
		return decision
	}
	decision.Recorded = true
	return decision
}

// Fired reports whether the straddle already fired for underlying on day
func (e *StrategyEvaluator) Fired(underlying string, day time.Time) bool {
	return e.firedOn(underlying, day)
}

func (e *StrategyEvaluator) firedOn(underlying string, day time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.fired[underlying]
	return ok && last.Equal(dateOf(day))
}

func (e *StrategyEvaluator) markFired(underlying string, day time.Time) {
	e.mu.Lock()
	e.fired[underlying] = dateOf(day)
	e.mu.Unlock()
}

// findLeg returns the first quote at strike with the given CE/PE suffix
func findLeg(quotes []interfaces.OptionQuote, strike float64, optionType string) (interfaces.OptionQuote, bool) {
	for _, q := range quotes {
		if q.Strike == strike && q.OptionType() == optionType {
			return q, true
		}
	}
	return interfaces.OptionQuote{}, false
}
