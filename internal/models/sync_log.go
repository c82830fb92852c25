package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sync attempt outcomes recorded in the audit trail.
const (
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// SyncLog is an append-only audit record, one row per sync attempt.
// Rows are never updated or deleted.
type SyncLog struct {
	ID              string  `gorm:"primaryKey;size:36" json:"id"`
	BrokerAccountID string  `gorm:"index;not null" json:"broker_account_id"`
	UserID          string  `gorm:"index;not null" json:"user_id"`
	Status          string  `gorm:"not null" json:"status"`
	TradesSynced    int     `json:"trades_synced"`
	ErrorMessage    *string `json:"error_message"`

	SyncedAt time.Time `gorm:"index;autoCreateTime" json:"synced_at"`
}

func (l *SyncLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}
