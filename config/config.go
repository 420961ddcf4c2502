package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"ivrank-trader/interfaces"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig wraps every configuration validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// EngineConfig holds the trading loop settings
type EngineConfig struct {
	Symbols                []string `yaml:"symbols"`
	RunIntervalSeconds     int      `yaml:"run_interval_seconds"`
	TradeTriggerPercentage float64  `yaml:"trade_trigger_percentage"`
	RiskFreeRate           float64  `yaml:"risk_free_rate"`
	TradeQuantity          int      `yaml:"trade_quantity"`
	StrikeWindow           int      `yaml:"strike_window"`
	SymbolDelaySeconds     int      `yaml:"symbol_delay_seconds"`
	ErrorBackoffSeconds    int      `yaml:"error_backoff_seconds"`
	ClosedPollSeconds      int      `yaml:"closed_poll_seconds"`
}

// ExpiryStrategyConfig holds the expiry-day straddle settings
type ExpiryStrategyConfig struct {
	Enabled       bool      `yaml:"enabled"`
	MaxIVRank     float64   `yaml:"max_iv_rank"`
	ExpiryWeekday int       `yaml:"expiry_weekday"` // 0 = Monday ... 6 = Sunday
	StartTime     TimeOfDay `yaml:"start_time"`
}

// MarketConfig describes the exchange session and its instruments
type MarketConfig struct {
	Timezone               string                           `yaml:"timezone"`
	Open                   TimeOfDay                        `yaml:"open"`
	Close                  TimeOfDay                        `yaml:"close"`
	ExpiryRollover         TimeOfDay                        `yaml:"expiry_rollover"`
	StrikeIncrements       map[string]float64               `yaml:"strike_increments"`
	DefaultStrikeIncrement float64                          `yaml:"default_strike_increment"`
	Instruments            map[string]interfaces.Instrument `yaml:"instruments"`
}

// GatewayConfig holds the market data API settings
type GatewayConfig struct {
	APIKey                 string  `yaml:"api_key"`
	SecretKey              string  `yaml:"secret_key"`
	TradingURL             string  `yaml:"trading_url"`
	DataURL                string  `yaml:"data_url"`
	TimeoutSeconds         int     `yaml:"timeout_seconds"`
	RequestsPerSecond      float64 `yaml:"requests_per_second"`
	BreakerFailures        int     `yaml:"breaker_failures"`
	BreakerCooldownSeconds int     `yaml:"breaker_cooldown_seconds"`
}

// StorageConfig holds file locations
type StorageConfig struct {
	DBPath     string `yaml:"db_path"`
	JournalDir string `yaml:"journal_dir"`
}

// ServerConfig holds the introspection HTTP server settings
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // Rotated log file written alongside stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config is the complete process configuration
type Config struct {
	Engine         EngineConfig         `yaml:"engine"`
	ExpiryStrategy ExpiryStrategyConfig `yaml:"expiry_strategy"`
	Market         MarketConfig         `yaml:"market"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Storage        StorageConfig        `yaml:"storage"`
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`

	location *time.Location
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			RunIntervalSeconds:     60,
			TradeTriggerPercentage: 15,
			RiskFreeRate:           0.07,
			TradeQuantity:          1,
			StrikeWindow:           5,
			SymbolDelaySeconds:     1,
			ErrorBackoffSeconds:    60,
			ClosedPollSeconds:      300,
		},
		ExpiryStrategy: ExpiryStrategyConfig{
			Enabled:       false,
			MaxIVRank:     20,
			ExpiryWeekday: 3, // Thursday
			StartTime:     clock(14, 55, 0),
		},
		Market: MarketConfig{
			Timezone:       "Asia/Kolkata",
			Open:           clock(9, 15, 0),
			Close:          clock(15, 30, 0),
			ExpiryRollover: clock(15, 30, 0),
			StrikeIncrements: map[string]float64{
				"NIFTY":      50,
				"BANKNIFTY":  100,
				"FINNIFTY":   50,
				"SENSEX":     100,
				"MIDCPNIFTY": 25,
			},
			DefaultStrikeIncrement: 100,
			Instruments: map[string]interfaces.Instrument{
				"NIFTY":      {Exchange: "NSE", Token: "99926000"},
				"BANKNIFTY":  {Exchange: "NSE", Token: "99926009"},
				"FINNIFTY":   {Exchange: "NSE", Token: "99926037"},
				"SENSEX":     {Exchange: "BSE", Token: "99919000"},
				"MIDCPNIFTY": {Exchange: "NSE", Token: "99926074"},
			},
		},
		Gateway: GatewayConfig{
			TradingURL:             "https://paper-api.alpaca.markets",
			DataURL:                "https://data.alpaca.markets",
			TimeoutSeconds:         15,
			RequestsPerSecond:      3,
			BreakerFailures:        5,
			BreakerCooldownSeconds: 60,
		},
		Storage: StorageConfig{
			DBPath:     "data/portfolio.db",
			JournalDir: "data/journal",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    "8080",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
	}
}

// Load builds the configuration from defaults, an optional .env file, the
// YAML file at path (skipped when path is empty) and environment overrides,
// then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Secrets usually live in .env; a missing file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from the environment
func (c *Config) applyEnv() error {
	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			parsed, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	floatVar := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	boolVar := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	timeVar := func(key string, dst *TimeOfDay) {
		if v := os.Getenv(key); v != "" {
			parsed, err := ParseTimeOfDay(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}

	if v := os.Getenv("ENGINE_SYMBOLS"); v != "" {
		c.Engine.Symbols = strings.Split(v, ",")
	}
	intVar("RUN_INTERVAL_SECONDS", &c.Engine.RunIntervalSeconds)
	floatVar("TRADE_TRIGGER_PERCENTAGE", &c.Engine.TradeTriggerPercentage)
	floatVar("RISK_FREE_RATE", &c.Engine.RiskFreeRate)
	intVar("TRADE_QUANTITY", &c.Engine.TradeQuantity)
	boolVar("EXPIRY_STRATEGY_ENABLED", &c.ExpiryStrategy.Enabled)
	floatVar("MAX_STRADDLE_IV_RANK", &c.ExpiryStrategy.MaxIVRank)
	intVar("EXPIRY_WEEKDAY", &c.ExpiryStrategy.ExpiryWeekday)
	timeVar("STRATEGY_START_TIME", &c.ExpiryStrategy.StartTime)
	timeVar("MARKET_OPEN", &c.Market.Open)
	timeVar("MARKET_CLOSE", &c.Market.Close)
	c.Market.Timezone = getEnv("MARKET_TIMEZONE", c.Market.Timezone)
	c.Gateway.APIKey = getEnv("ALPACA_API_KEY", c.Gateway.APIKey)
	c.Gateway.SecretKey = getEnv("ALPACA_SECRET_KEY", c.Gateway.SecretKey)
	c.Storage.DBPath = getEnv("DB_PATH", c.Storage.DBPath)
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("LOG_FILE", c.Logging.File)

	if len(errs) > 0 {
		return fmt.Errorf("%w: bad environment override: %v", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate normalizes the configuration and reports the first problem found
func (c *Config) Validate() error {
	symbols := make([]string, 0, len(c.Engine.Symbols))
	for _, s := range c.Engine.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	c.Engine.Symbols = symbols

	if len(c.Engine.Symbols) == 0 {
		return invalid("engine.symbols must list at least one index")
	}
	for _, s := range c.Engine.Symbols {
		inst, ok := c.Market.Instruments[s]
		if !ok {
			return invalid("symbol %s has no entry in market.instruments", s)
		}
		if inst.Exchange == "" || inst.Token == "" {
			return invalid("market.instruments.%s needs an exchange and a token", s)
		}
	}

	switch {
	case c.Engine.RunIntervalSeconds <= 0:
		return invalid("engine.run_interval_seconds must be positive")
	case c.Engine.RiskFreeRate < 0:
		return invalid("engine.risk_free_rate must not be negative")
	case c.Engine.TradeQuantity <= 0:
		return invalid("engine.trade_quantity must be positive")
	case c.Engine.StrikeWindow <= 0:
		return invalid("engine.strike_window must be positive")
	case c.Engine.SymbolDelaySeconds < 0:
		return invalid("engine.symbol_delay_seconds must not be negative")
	case c.Engine.ErrorBackoffSeconds <= 0:
		return invalid("engine.error_backoff_seconds must be positive")
	case c.Engine.ClosedPollSeconds <= 0:
		return invalid("engine.closed_poll_seconds must be positive")
	}

	if c.ExpiryStrategy.ExpiryWeekday < 0 || c.ExpiryStrategy.ExpiryWeekday > 6 {
		return invalid("expiry_strategy.expiry_weekday must be 0 (Monday) to 6 (Sunday), got %d", c.ExpiryStrategy.ExpiryWeekday)
	}
	if c.ExpiryStrategy.MaxIVRank < 0 || c.ExpiryStrategy.MaxIVRank > 100 {
		return invalid("expiry_strategy.max_iv_rank must be within 0..100")
	}

	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return invalid("market.timezone %q: %v", c.Market.Timezone, err)
	}
	c.location = loc

	if c.Market.Open >= c.Market.Close {
		return invalid("market.open (%s) must be before market.close (%s)", c.Market.Open, c.Market.Close)
	}
	if c.Market.DefaultStrikeIncrement <= 0 {
		return invalid("market.default_strike_increment must be positive")
	}
	for index, step := range c.Market.StrikeIncrements {
		if step <= 0 {
			return invalid("market.strike_increments.%s must be positive", index)
		}
	}

	switch {
	case c.Gateway.APIKey == "" || c.Gateway.SecretKey == "":
		return invalid("gateway.api_key and gateway.secret_key are required (or ALPACA_API_KEY / ALPACA_SECRET_KEY)")
	case c.Gateway.TimeoutSeconds <= 0:
		return invalid("gateway.timeout_seconds must be positive")
	case c.Gateway.RequestsPerSecond < 0:
		return invalid("gateway.requests_per_second must not be negative")
	case c.Gateway.BreakerFailures <= 0:
		return invalid("gateway.breaker_failures must be positive")
	case c.Gateway.BreakerCooldownSeconds <= 0:
		return invalid("gateway.breaker_cooldown_seconds must be positive")
	}

	if c.Storage.DBPath == "" || c.Storage.JournalDir == "" {
		return invalid("storage.db_path and storage.journal_dir are required")
	}
	if c.Server.Enabled && c.Server.Port == "" {
		return invalid("server.port is required when the server is enabled")
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level: %v", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return invalid("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Logging.File != "" && (c.Logging.MaxSizeMB <= 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0) {
		return invalid("logging rotation needs a positive max_size_mb and non-negative max_backups and max_age_days")
	}

	return nil
}

// Location returns the exchange's time zone
func (c *Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	if loc, err := time.LoadLocation(c.Market.Timezone); err == nil {
		return loc
	}
	return time.Local
}

// ExpiryWeekday converts the Monday-based expiry day to a time.Weekday
func (c *Config) ExpiryWeekday() time.Weekday {
	return time.Weekday((c.ExpiryStrategy.ExpiryWeekday + 1) % 7)
}

// Seconds converts a whole number of seconds to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
