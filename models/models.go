package models

import (
	"time"
)

// DBHolding represents a current holding in the database.
// A row exists only while quantity is positive.
type DBHolding struct {
	ID           uint    `gorm:"primaryKey"`
	Symbol       string  `gorm:"uniqueIndex;not null"`
	Quantity     int     `gorm:"not null"`
	AveragePrice float64 `gorm:"not null"`
	LastUpdated  time.Time
}

// DBTradeHistory represents an executed trade for the audit trail
type DBTradeHistory struct {
	ID        uint      `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index;not null"`
	Symbol    string    `gorm:"index;not null"`
	TradeType string    `gorm:"not null"` // "BUY" or "SELL"
	Quantity  int       `gorm:"not null"`
	Price     float64   `gorm:"not null"`
	Reason    string
}

// TableName overrides for cleaner table names
func (DBHolding) TableName() string {
	return "holdings"
}

func (DBTradeHistory) TableName() string {
	return "trade_history"
}
