package services

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ivrank"

// CycleMetrics exports engine activity as Prometheus metrics. It satisfies
// CycleJournal so the scheduler feeds it alongside the daily journal.
type CycleMetrics struct {
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	backoffs      prometheus.Counter
	evaluations   *prometheus.CounterVec
	skips         *prometheus.CounterVec
	valueOutcomes *prometheus.CounterVec
	trades        *prometheus.CounterVec
	straddles     *prometheus.CounterVec
	atmIV         *prometheus.GaugeVec
	ivRank        *prometheus.GaugeVec
}

// NewCycleMetrics creates the engine metrics and registers them with reg
func NewCycleMetrics(reg prometheus.Registerer) *CycleMetrics {
	m := &CycleMetrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "Completed trading cycles",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a trading cycle",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),
		backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "backoffs_total",
			Help:      "Cycles that failed and entered error backoff",
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "strategy",
			Name:      "evaluations_total",
			Help:      "Underlying snapshots evaluated",
		}, []string{"symbol"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "symbol_skips_total",
			Help:      "Symbols skipped during a cycle, by stage",
		}, []string{"symbol", "stage"}),
		valueOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "strategy",
			Name:      "value_outcomes_total",
			Help:      "Value strategy results per option quote",
		}, []string{"outcome"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "trades_total",
			Help:      "Trades attempted by the strategies",
		}, []string{"strategy", "result"}),
		straddles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "strategy",
			Name:      "straddle_outcomes_total",
			Help:      "Expiry straddle results per evaluation",
		}, []string{"symbol", "outcome"}),
		atmIV: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "market",
			Name:      "atm_iv_percent",
			Help:      "Latest at-the-money implied volatility",
		}, []string{"symbol"}),
		ivRank: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "market",
			Name:      "session_iv_rank",
			Help:      "Latest session IV rank computed by the straddle",
		}, []string{"symbol"}),
	}

	reg.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.backoffs,
		m.evaluations,
		m.skips,
		m.valueOutcomes,
		m.trades,
		m.straddles,
		m.atmIV,
		m.ivRank,
	)
	return m
}

// LogEvaluation implements CycleJournal
func (m *CycleMetrics) LogEvaluation(report EvaluationReport) error {
	m.evaluations.WithLabelValues(report.Underlying).Inc()
	for outcome, n := range report.ValueOutcomes {
		m.valueOutcomes.WithLabelValues(string(outcome)).Add(float64(n))
	}
	for _, trade := range report.Trades {
		result := "recorded"
		if !trade.Recorded {
			result = "failed"
		}
		m.trades.WithLabelValues(trade.Strategy, result).Inc()
	}
	if report.Straddle != "" {
		m.straddles.WithLabelValues(report.Underlying, string(report.Straddle)).Inc()
	}
	if report.ATMSymbol != "" {
		m.atmIV.WithLabelValues(report.Underlying).Set(report.ATMIV)
	}
	if report.HasRank {
		m.ivRank.WithLabelValues(report.Underlying).Set(report.IVRank)
	}
	return nil
}

// LogSkip implements CycleJournal
func (m *CycleMetrics) LogSkip(symbol, stage string, cause error) error {
	m.skips.WithLabelValues(symbol, stage).Inc()
	return nil
}

// LogCycle implements CycleJournal
func (m *CycleMetrics) LogCycle(symbols int, elapsed time.Duration) error {
	m.cycles.Inc()
	m.cycleDuration.Observe(elapsed.Seconds())
	return nil
}

// LogBackoff implements CycleJournal
func (m *CycleMetrics) LogBackoff(cause error) error {
	m.backoffs.Inc()
	return nil
}

// MultiJournal fans every journal call out to each non-nil journal in order
func MultiJournal(journals ...CycleJournal) CycleJournal {
	all := make(multiJournal, 0, len(journals))
	for _, j := range journals {
		if j != nil {
			all = append(all, j)
		}
	}
	return all
}

type multiJournal []CycleJournal

func (mj multiJournal) LogEvaluation(report EvaluationReport) error {
	var errs []error
	for _, j := range mj {
		errs = append(errs, j.LogEvaluation(report))
	}
	return errors.Join(errs...)
}

func (mj multiJournal) LogSkip(symbol, stage string, cause error) error {
	var errs []error
	for _, j := range mj {
		errs = append(errs, j.LogSkip(symbol, stage, cause))
	}
	return errors.Join(errs...)
}

func (mj multiJournal) LogCycle(symbols int, elapsed time.Duration) error {
	var errs []error
	for _, j := range mj {
		errs = append(errs, j.LogCycle(symbols, elapsed))
	}
	return errors.Join(errs...)
}

func (mj multiJournal) LogBackoff(cause error) error {
	var errs []error
	for _, j := range mj {
		errs = append(errs, j.LogBackoff(cause))
	}
	return errors.Join(errs...)
}
