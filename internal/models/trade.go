package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Trade directions after normalization.
const (
	DirectionLong  = "Long"
	DirectionShort = "Short"
)

// Trade is a durable ingested trade record.
// (UserID, BrokerTradeID) is unique so broker re-syncs stay idempotent.
type Trade struct {
	ID              string  `gorm:"primaryKey;size:36" json:"id"`
	UserID          string  `gorm:"index;not null;uniqueIndex:idx_user_broker_trade" json:"user_id"`
	BrokerAccountID *string `gorm:"index" json:"broker_account_id"`
	BrokerTradeID   *string `gorm:"uniqueIndex:idx_user_broker_trade" json:"broker_trade_id"`

	Symbol       string     `gorm:"index;not null" json:"symbol"`
	Direction    string     `gorm:"not null" json:"direction"` // "Long" or "Short"
	EntryTime    time.Time  `gorm:"index;not null" json:"entry_time"`
	EntryPrice   float64    `gorm:"not null" json:"entry_price"`
	ExitTime     *time.Time `json:"exit_time"`
	ExitPrice    *float64   `json:"exit_price"`
	PositionSize float64    `gorm:"not null" json:"position_size"`
	TotalFees    float64    `json:"total_fees"`
	Pnl          *float64   `json:"pnl"`

	Strategy *string `json:"strategy,omitempty"`
	Notes    *string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (t *Trade) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
