package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ivrank-trader/config"
	"ivrank-trader/controllers"
	"ivrank-trader/database"
	"ivrank-trader/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configPath = flag.String("config", "", "path to the YAML config file (defaults and environment only when empty)")
	once       = flag.Bool("once", false, "run a single trading cycle and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Trading engine exited with an error")
		closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	clock := services.SystemClock{Location: cfg.Location()}

	store, err := database.NewLocalStorage(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	alpaca := services.NewAlpacaGateway(services.GatewayConfig{
		APIKey:                 cfg.Gateway.APIKey,
		SecretKey:              cfg.Gateway.SecretKey,
		TradingURL:             cfg.Gateway.TradingURL,
		DataURL:                cfg.Gateway.DataURL,
		Timeout:                config.Seconds(cfg.Gateway.TimeoutSeconds),
		RequestsPerSecond:      cfg.Gateway.RequestsPerSecond,
		StrikeIncrements:       cfg.Market.StrikeIncrements,
		DefaultStrikeIncrement: cfg.Market.DefaultStrikeIncrement,
		ExpiryRollover:         cfg.Market.ExpiryRollover.Duration(),
	}, clock, logger)
	defer alpaca.Close()

	gateway := services.NewBreakerGateway(alpaca, uint32(cfg.Gateway.BreakerFailures), config.Seconds(cfg.Gateway.BreakerCooldownSeconds), logger)

	pricing := services.NewPricingEngine(clock, logger)
	tracker := services.NewSessionIVTracker(logger)
	portfolio := services.NewPortfolioManager(store, clock, logger)
	journal := services.NewActivityLogger(cfg.Storage.JournalDir, clock, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := services.NewCycleMetrics(registry)

	evaluator := services.NewStrategyEvaluator(services.StrategyConfig{
		TriggerPercentage: cfg.Engine.TradeTriggerPercentage,
		RiskFreeRate:      cfg.Engine.RiskFreeRate,
		Quantity:          cfg.Engine.TradeQuantity,
		ExpiryEnabled:     cfg.ExpiryStrategy.Enabled,
		MaxIVRank:         cfg.ExpiryStrategy.MaxIVRank,
		ExpiryWeekday:     cfg.ExpiryWeekday(),
		StartTime:         cfg.ExpiryStrategy.StartTime.Duration(),
	}, pricing, tracker, portfolio, clock, logger)

	scheduler := services.NewCycleScheduler(services.SchedulerConfig{
		Symbols:       cfg.Engine.Symbols,
		Instruments:   cfg.Market.Instruments,
		StrikeWindow:  cfg.Engine.StrikeWindow,
		MarketOpen:    cfg.Market.Open.Duration(),
		MarketClose:   cfg.Market.Close.Duration(),
		CycleInterval: config.Seconds(cfg.Engine.RunIntervalSeconds),
		SymbolDelay:   config.Seconds(cfg.Engine.SymbolDelaySeconds),
		ErrorBackoff:  config.Seconds(cfg.Engine.ErrorBackoffSeconds),
		ClosedPoll:    config.Seconds(cfg.Engine.ClosedPollSeconds),
	}, gateway, evaluator, services.MultiJournal(journal, metrics), clock, logger)

	logger.WithFields(logrus.Fields{
		"symbols":         cfg.Engine.Symbols,
		"interval":        cfg.Engine.RunIntervalSeconds,
		"trigger_pct":     cfg.Engine.TradeTriggerPercentage,
		"expiry_strategy": cfg.ExpiryStrategy.Enabled,
		"timezone":        cfg.Market.Timezone,
	}).Info("Engine initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		return scheduler.RunCycle(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	if cfg.Server.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := controllers.NewRouter(
			controllers.NewHealthController(scheduler, gateway),
			controllers.NewPortfolioController(portfolio),
			controllers.NewActivityController(journal),
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			logger,
		)
		server := &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.WithField("addr", server.Addr).Info("HTTP server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	// The ledger and gateway close only after every goroutine has returned
	return g.Wait()
}

// newLogger builds the process logger from the logging settings
func newLogger(cfg config.LoggingConfig) (*logrus.Logger, func(), error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	closeFn := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, file))
		closeFn = func() { file.Close() }
	} else {
		logger.SetOutput(os.Stdout)
	}

	return logger, closeFn, nil
}
