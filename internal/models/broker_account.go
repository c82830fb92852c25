package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Connection statuses a broker account can be in.
const (
	StatusConnected    = "connected"
	StatusSyncing      = "syncing"
	StatusError        = "error"
	StatusRetryPending = "retry_pending"
	StatusDisconnected = "disconnected"
)

// BrokerAccount represents one external brokerage connection owned by a user.
type BrokerAccount struct {
	ID            string `gorm:"primaryKey;size:36"`
	UserID        string `gorm:"index;not null"`
	BrokerName    string `gorm:"not null"`
	AccountNumber string
	AccountType   string // "live" or "demo"
	APIKeyMasked  *string

	// No gorm defaults on the flag columns: a false written at create time
	// must stay false, and default tags make gorm swap zero values out.
	ConnectionStatus string `gorm:"default:connected"`
	SyncInProgress   bool
	AutoSyncEnabled  bool
	IsActive         bool

	SyncFrequency int `gorm:"default:15"` // minutes
	NextSyncAt    *time.Time
	LastSyncAt    *time.Time
	LastSyncError *string
	RetryCount    int `gorm:"default:0"`

	// Set once the account has been provisioned with the external platform.
	MetaAPIAccountID *string
	Balance          *float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *BrokerAccount) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
