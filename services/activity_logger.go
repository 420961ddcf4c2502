package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoJournal is returned when no journal exists for the requested day
var ErrNoJournal = errors.New("journal not found")

// ActivityLogger journals every cycle's evaluations and trade decisions to one JSON file per day
type ActivityLogger struct {
	logger     *logrus.Logger
	clock      Clock
	logDir     string
	currentLog *DailyActivityLog
	mu         sync.Mutex
}

// DailyActivityLog represents a day's worth of engine activity
type DailyActivityLog struct {
	Date         string                     `json:"date"`
	SessionStart time.Time                  `json:"session_start"`
	LastUpdate   time.Time                  `json:"last_update"`
	Summary      SessionSummary             `json:"summary"`
	Symbols      map[string]*SymbolActivity `json:"symbols"`
	Activities   []Activity                 `json:"activities"`
	Decisions    []DecisionLog              `json:"decisions"`
}

// SessionSummary provides high-level stats for the day
type SessionSummary struct {
	Cycles            int                  `json:"cycles"`
	Evaluations       int                  `json:"evaluations"`
	SymbolsSkipped    int                  `json:"symbols_skipped"`
	TradesRecorded    int                  `json:"trades_recorded"`
	TradesFailed      int                  `json:"trades_failed"`
	StraddlesFired    int                  `json:"straddles_fired"`
	Backoffs          int                  `json:"backoffs"`
	ValueOutcomes     map[ValueOutcome]int `json:"value_outcomes"`
	LastCycleDuration string               `json:"last_cycle_duration,omitempty"`
}

// SymbolActivity tracks one underlying through the day
type SymbolActivity struct {
	Evaluations  int             `json:"evaluations"`
	Skips        map[string]int  `json:"skips"` // stage -> count
	LastLTP      float64         `json:"last_ltp"`
	LastATM      string          `json:"last_atm,omitempty"`
	LastATMIV    float64         `json:"last_atm_iv,omitempty"`
	LastIVRank   float64         `json:"last_iv_rank,omitempty"`
	LastStraddle StraddleOutcome `json:"last_straddle,omitempty"`
}

// Activity is a notable engine event: a skipped symbol, a backoff, a finished cycle
type Activity struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // SKIP, BACKOFF, CYCLE
	Symbol    string    `json:"symbol,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// DecisionLog is one trade the strategies attempted
type DecisionLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Underlying string    `json:"underlying"`
	TradeDecision
}

// NewActivityLogger creates a new activity logger writing under logDir
func NewActivityLogger(logDir string, clock Clock, logger *logrus.Logger) *ActivityLogger {
	logger = ensureLogger(logger)

	// Ensure log directory exists
	if err := os.MkdirAll(logDir, 0755); err != nil {
		logger.WithError(err).Error("Failed to create journal directory")
	}

	return &ActivityLogger{
		logger: logger,
		clock:  clock,
		logDir: logDir,
	}
}

// LogEvaluation folds one evaluation report into today's journal
func (al *ActivityLogger) LogEvaluation(report EvaluationReport) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.clock.Now()
	log := al.session(now)

	log.Summary.Evaluations++
	for outcome, n := range report.ValueOutcomes {
		log.Summary.ValueOutcomes[outcome] += n
	}
	if report.Straddle == StraddleFired {
		log.Summary.StraddlesFired++
	}

	sym := log.symbol(report.Underlying)
	sym.Evaluations++
	sym.LastLTP = report.LTP
	sym.LastATM = report.ATMSymbol
	sym.LastATMIV = report.ATMIV
	if report.HasRank {
		sym.LastIVRank = report.IVRank
	}
	sym.LastStraddle = report.Straddle

	for _, trade := range report.Trades {
		if trade.Recorded {
			log.Summary.TradesRecorded++
		} else {
			log.Summary.TradesFailed++
		}
		log.Decisions = append(log.Decisions, DecisionLog{
			Timestamp:     now,
			Underlying:    report.Underlying,
			TradeDecision: trade,
		})
	}

	return al.saveLog()
}

// LogSkip records a symbol skipped at stage
func (al *ActivityLogger) LogSkip(symbol, stage string, cause error) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.clock.Now()
	log := al.session(now)
	log.Summary.SymbolsSkipped++
	log.symbol(symbol).Skips[stage]++
	log.Activities = append(log.Activities, Activity{
		Timestamp: now,
		Type:      "SKIP",
		Symbol:    symbol,
		Stage:     stage,
		Details:   errorText(cause),
	})

	return al.saveLog()
}

// LogCycle records a completed cycle
func (al *ActivityLogger) LogCycle(symbols int, elapsed time.Duration) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.clock.Now()
	log := al.session(now)
	log.Summary.Cycles++
	log.Summary.LastCycleDuration = elapsed.Round(time.Millisecond).String()

	al.logger.WithFields(logrus.Fields{
		"cycle":   log.Summary.Cycles,
		"symbols": symbols,
		"elapsed": elapsed,
	}).Debug("Cycle journaled")

	return al.saveLog()
}

// LogBackoff records a failed cycle
func (al *ActivityLogger) LogBackoff(cause error) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.clock.Now()
	log := al.session(now)
	log.Summary.Backoffs++
	log.Activities = append(log.Activities, Activity{
		Timestamp: now,
		Type:      "BACKOFF",
		Details:   errorText(cause),
	})

	return al.saveLog()
}

// GetCurrentLog returns a snapshot of today's journal
func (al *ActivityLogger) GetCurrentLog() (*DailyActivityLog, error) {
	al.mu.Lock()
	defer al.mu.Unlock()

	today := al.clock.Now().Format("2006-01-02")
	if al.currentLog == nil || al.currentLog.Date != today {
		return nil, fmt.Errorf("%w: no activity today", ErrNoJournal)
	}

	// Round-trip so callers never share maps with the writer
	data, err := json.Marshal(al.currentLog)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log: %w", err)
	}
	var snapshot DailyActivityLog
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse log: %w", err)
	}
	return &snapshot, nil
}

// GetLogForDate retrieves the journal for a specific date (YYYY-MM-DD)
func (al *ActivityLogger) GetLogForDate(date string) (*DailyActivityLog, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	return al.readLog(date)
}

// ListAvailableLogs returns the dates that have a journal, oldest first
func (al *ActivityLogger) ListAvailableLogs() ([]string, error) {
	files, err := os.ReadDir(al.logDir)
	if err != nil {
		return nil, err
	}

	dates := make([]string, 0)
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasPrefix(name, "journal_") || filepath.Ext(name) != ".json" {
			continue
		}
		// journal_2025-08-28.json
		date := strings.TrimSuffix(strings.TrimPrefix(name, "journal_"), ".json")
		if _, err := time.Parse("2006-01-02", date); err == nil {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)

	return dates, nil
}

// session returns today's log, starting a new one (or resuming today's file) on a date change.
// Callers hold al.mu.
func (al *ActivityLogger) session(now time.Time) *DailyActivityLog {
	date := now.Format("2006-01-02")
	if al.currentLog != nil && al.currentLog.Date == date {
		al.currentLog.LastUpdate = now
		return al.currentLog
	}

	if existing, err := al.readLog(date); err == nil {
		existing.ensureMaps()
		existing.LastUpdate = now
		al.currentLog = existing
		al.logger.WithField("date", date).Info("Resumed journal for the day")
		return al.currentLog
	}

	al.currentLog = &DailyActivityLog{
		Date:         date,
		SessionStart: now,
		LastUpdate:   now,
		Activities:   make([]Activity, 0),
		Decisions:    make([]DecisionLog, 0),
	}
	al.currentLog.ensureMaps()

	al.logger.WithField("date", date).Info("Journal session started")
	return al.currentLog
}

func (al *ActivityLogger) readLog(date string) (*DailyActivityLog, error) {
	data, err := os.ReadFile(al.filename(date))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w for date %s", ErrNoJournal, date)
		}
		return nil, fmt.Errorf("failed to read journal for %s: %w", date, err)
	}

	var log DailyActivityLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("failed to parse log: %w", err)
	}
	return &log, nil
}

// saveLog saves the current log to disk. Callers hold al.mu.
func (al *ActivityLogger) saveLog() error {
	if al.currentLog == nil {
		return fmt.Errorf("no active log to save")
	}

	data, err := json.MarshalIndent(al.currentLog, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}

	if err := os.WriteFile(al.filename(al.currentLog.Date), data, 0644); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}

	return nil
}

func (al *ActivityLogger) filename(date string) string {
	return filepath.Join(al.logDir, fmt.Sprintf("journal_%s.json", date))
}

func (l *DailyActivityLog) ensureMaps() {
	if l.Symbols == nil {
		l.Symbols = make(map[string]*SymbolActivity)
	}
	if l.Summary.ValueOutcomes == nil {
		l.Summary.ValueOutcomes = make(map[ValueOutcome]int)
	}
	for _, sym := range l.Symbols {
		if sym.Skips == nil {
			sym.Skips = make(map[string]int)
		}
	}
}

func (l *DailyActivityLog) symbol(name string) *SymbolActivity {
	sym, ok := l.Symbols[name]
	if !ok {
		sym = &SymbolActivity{Skips: make(map[string]int)}
		l.Symbols[name] = sym
	}
	return sym
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
