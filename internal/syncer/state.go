package syncer

import (
	"fmt"
	"time"

	"broker-sync-go/internal/config"
	"broker-sync-go/internal/models"
	"gorm.io/gorm"
)

// StateMachine owns every transition of a broker account's connection state.
// All mutations go through here so the scheduling invariants (mutex flag,
// retry budget, next-sync bookkeeping) live in one place.
type StateMachine struct {
	db  *gorm.DB
	cfg config.Sync
	now func() time.Time
}

// NewStateMachine creates a state machine bound to the given store.
func NewStateMachine(db *gorm.DB, cfg config.Sync) *StateMachine {
	return &StateMachine{db: db, cfg: cfg, now: time.Now}
}

// Begin marks the account as entering a sync attempt. The sync_in_progress
// flag acts as the per-account exclusive lock; it must be cleared on every
// exit path via Complete or Fail.
func (s *StateMachine) Begin(account *models.BrokerAccount) error {
	account.SyncInProgress = true
	account.ConnectionStatus = models.StatusSyncing
	return s.persist(account, "sync_in_progress", "connection_status")
}

// Complete records a successful sync attempt. Per-item ingestion errors do
// not matter here: the pass completed, so the retry budget resets and the
// next attempt is scheduled at the account's regular frequency.
func (s *StateMachine) Complete(account *models.BrokerAccount) error {
	now := s.now()
	next := now.Add(time.Duration(account.SyncFrequency) * time.Minute)

	account.ConnectionStatus = models.StatusConnected
	account.RetryCount = 0
	account.LastSyncError = nil
	account.LastSyncAt = &now
	account.NextSyncAt = &next
	account.SyncInProgress = false
	return s.persist(account,
		"connection_status", "retry_count", "last_sync_error",
		"last_sync_at", "next_sync_at", "sync_in_progress")
}

// Fail records a failed sync attempt. Below the retry budget the account is
// parked in retry_pending with a short delay; once the budget is exhausted
// it goes to error with no next sync, which requires manual intervention or
// re-enabling auto-sync.
func (s *StateMachine) Fail(account *models.BrokerAccount, syncErr error) error {
	account.RetryCount++
	msg := syncErr.Error()
	account.LastSyncError = &msg
	account.SyncInProgress = false

	if account.RetryCount >= s.cfg.MaxRetries {
		account.ConnectionStatus = models.StatusError
		account.NextSyncAt = nil
	} else {
		account.ConnectionStatus = models.StatusRetryPending
		next := s.now().Add(s.cfg.RetryDelay())
		account.NextSyncAt = &next
	}
	return s.persist(account,
		"connection_status", "retry_count", "last_sync_error",
		"next_sync_at", "sync_in_progress")
}

// Disconnect handles an explicit user disconnection. Terminal until the user
// reconnects; ingested trade history is preserved.
func (s *StateMachine) Disconnect(account *models.BrokerAccount) error {
	account.ConnectionStatus = models.StatusDisconnected
	account.AutoSyncEnabled = false
	account.IsActive = false
	account.NextSyncAt = nil
	return s.persist(account,
		"connection_status", "auto_sync_enabled", "is_active", "next_sync_at")
}

// EnableAutoSync re-enables automatic syncing, forgiving any earlier
// failures: the retry budget and last error reset and the next attempt is
// scheduled one frequency interval out.
func (s *StateMachine) EnableAutoSync(account *models.BrokerAccount) error {
	next := s.now().Add(time.Duration(account.SyncFrequency) * time.Minute)

	account.AutoSyncEnabled = true
	account.IsActive = true
	account.ConnectionStatus = models.StatusConnected
	account.RetryCount = 0
	account.LastSyncError = nil
	account.NextSyncAt = &next
	return s.persist(account,
		"auto_sync_enabled", "is_active", "connection_status",
		"retry_count", "last_sync_error", "next_sync_at")
}

// DisableAutoSync pauses automatic syncing without touching the connection.
func (s *StateMachine) DisableAutoSync(account *models.BrokerAccount) error {
	account.AutoSyncEnabled = false
	account.NextSyncAt = nil
	return s.persist(account, "auto_sync_enabled", "next_sync_at")
}

// AppendLog writes one append-only audit row for a sync attempt.
func (s *StateMachine) AppendLog(accountID, userID, status string, tradesSynced int, errMsg *string) error {
	log := models.SyncLog{
		BrokerAccountID: accountID,
		UserID:          userID,
		Status:          status,
		TradesSynced:    tradesSynced,
		ErrorMessage:    errMsg,
		SyncedAt:        s.now(),
	}
	if err := s.db.Create(&log).Error; err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

func (s *StateMachine) persist(account *models.BrokerAccount, columns ...string) error {
	if err := s.db.Model(account).Select(columns).Updates(account).Error; err != nil {
		return fmt.Errorf("failed to persist account %s: %w", account.ID, err)
	}
	return nil
}
