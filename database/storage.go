package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ivrank-trader/interfaces"
	"ivrank-trader/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// LocalStorage implements interfaces.LedgerStore using SQLite
type LocalStorage struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewLocalStorage creates a new local storage service
func NewLocalStorage(dbPath string, log *logrus.Logger) (*LocalStorage, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection keeps transactions from
	// tripping over each other with SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.DBHolding{},
		&models.DBTradeHistory{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	log.WithField("path", dbPath).Info("Ledger database ready")

	return &LocalStorage{
		db:     db,
		logger: log,
	}, nil
}

// InTransaction runs fn inside a single database transaction.
// Any error returned by fn rolls back every write made through tx.
func (s *LocalStorage) InTransaction(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ledgerTx{db: tx})
	})
}

// ListHoldings returns all current holdings ordered by symbol
func (s *LocalStorage) ListHoldings(ctx context.Context) ([]interfaces.Holding, error) {
	var rows []models.DBHolding

	result := s.db.WithContext(ctx).Order("symbol ASC").Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", result.Error)
	}

	holdings := make([]interfaces.Holding, len(rows))
	for i, row := range rows {
		holdings[i] = toHolding(row)
	}
	return holdings, nil
}

// ListTradeHistory returns the full trade history, newest first
func (s *LocalStorage) ListTradeHistory(ctx context.Context) ([]interfaces.TradeRecord, error) {
	var rows []models.DBTradeHistory

	result := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC").Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get trade history: %w", result.Error)
	}

	records := make([]interfaces.TradeRecord, len(rows))
	for i, row := range rows {
		records[i] = interfaces.TradeRecord{
			ID:        row.ID,
			Timestamp: row.Timestamp,
			Symbol:    row.Symbol,
			Side:      row.TradeType,
			Quantity:  row.Quantity,
			Price:     row.Price,
			Reason:    row.Reason,
		}
	}
	return records, nil
}

// Close closes the database connection
func (s *LocalStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ledgerTx binds the row operations to one open gorm transaction
type ledgerTx struct {
	db *gorm.DB
}

func (t *ledgerTx) GetHolding(symbol string) (*interfaces.Holding, error) {
	var row models.DBHolding

	if err := t.db.Where("symbol = ?", symbol).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}

	h := toHolding(row)
	return &h, nil
}

func (t *ledgerTx) UpsertHolding(h interfaces.Holding) error {
	if h.LastUpdated.IsZero() {
		h.LastUpdated = time.Now().UTC()
	}

	var row models.DBHolding
	err := t.db.Where("symbol = ?", h.Symbol).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = models.DBHolding{Symbol: h.Symbol}
	case err != nil:
		return fmt.Errorf("failed to load holding: %w", err)
	}

	row.Quantity = h.Quantity
	row.AveragePrice = h.AveragePrice
	row.LastUpdated = h.LastUpdated

	if err := t.db.Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save holding: %w", err)
	}
	return nil
}

func (t *ledgerTx) DeleteHolding(symbol string) error {
	if err := t.db.Where("symbol = ?", symbol).Delete(&models.DBHolding{}).Error; err != nil {
		return fmt.Errorf("failed to delete holding: %w", err)
	}
	return nil
}

func (t *ledgerTx) AppendHistory(rec interfaces.TradeRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	row := &models.DBTradeHistory{
		Timestamp: rec.Timestamp,
		Symbol:    rec.Symbol,
		TradeType: rec.Side,
		Quantity:  rec.Quantity,
		Price:     rec.Price,
		Reason:    rec.Reason,
	}
	if err := t.db.Create(row).Error; err != nil {
		return fmt.Errorf("failed to append trade history: %w", err)
	}
	return nil
}

func toHolding(row models.DBHolding) interfaces.Holding {
	return interfaces.Holding{
		Symbol:       row.Symbol,
		Quantity:     row.Quantity,
		AveragePrice: row.AveragePrice,
		LastUpdated:  row.LastUpdated,
	}
}
