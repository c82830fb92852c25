package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"broker-sync-go/internal/config"
	"broker-sync-go/internal/ingest"
	"broker-sync-go/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Per-account outcomes reported by a scheduler pass.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Ingestor runs one account's sync pass. Satisfied by *ingest.Pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, account *models.BrokerAccount, since *time.Time) (ingest.Result, error)
}

// AccountResult is one account's outcome within a scheduler pass.
type AccountResult struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
	Trades    int    `json:"trades,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Summary aggregates one scheduler invocation.
type Summary struct {
	Processed int             `json:"processed"`
	Results   []AccountResult `json:"results"`
}

// Scheduler finds accounts due for an automatic sync and runs them under
// bounded concurrency. It is stateless between invocations: each RunOnce
// performs exactly one selection+fan-out+settle cycle, so it can be driven
// by a ticker, a cron trigger, or an HTTP endpoint interchangeably.
type Scheduler struct {
	db       *gorm.DB
	sm       *StateMachine
	pipeline Ingestor
	cfg      config.Sync
	logger   *zap.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(db *gorm.DB, sm *StateMachine, pipeline Ingestor, cfg config.Sync, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		db:       db,
		sm:       sm,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RunOnce performs one scheduling cycle. Selection is capped at MaxConcurrent
// accounts and the fan-out itself is bounded by the errgroup limit, so the
// cap holds structurally even if the selection query changes.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	now := s.now()

	var due []models.BrokerAccount
	err := s.db.
		Where("is_active = ? AND auto_sync_enabled = ? AND sync_in_progress = ?", true, true, false).
		Where("retry_count < ?", s.cfg.MaxRetries).
		Where("next_sync_at IS NOT NULL AND next_sync_at <= ?", now).
		Limit(s.cfg.MaxConcurrent).
		Find(&due).Error
	if err != nil {
		return Summary{}, fmt.Errorf("failed to fetch due accounts: %w", err)
	}

	if len(due) == 0 {
		return Summary{Results: []AccountResult{}}, nil
	}

	s.logger.Info("Processing due accounts", zap.Int("count", len(due)))

	var mu sync.Mutex
	results := make([]AccountResult, 0, len(due))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrent)

	for i := range due {
		account := &due[i]
		group.Go(func() error {
			res := s.syncAccount(gctx, account, now)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil // account failures are results, never group aborts
		})
	}
	_ = group.Wait()

	return Summary{Processed: len(results), Results: results}, nil
}

// syncAccount runs one account's pass end to end and guarantees the
// sync_in_progress lock is released on every exit path.
func (s *Scheduler) syncAccount(ctx context.Context, account *models.BrokerAccount, now time.Time) AccountResult {
	// The sync_in_progress flag covers concurrent passes within one process;
	// this interval check covers overlapping scheduler triggers across
	// invocations.
	if account.LastSyncAt != nil && now.Sub(*account.LastSyncAt) < s.cfg.MinInterval() {
		return AccountResult{AccountID: account.ID, Status: ResultSkipped, Error: "rate limited"}
	}

	if err := s.sm.Begin(account); err != nil {
		s.logger.Error("Failed to mark account syncing", zap.String("account_id", account.ID), zap.Error(err))
		return AccountResult{AccountID: account.ID, Status: ResultFailed, Error: err.Error()}
	}
	defer func() {
		// Complete and Fail both clear the flag; this catches any path that
		// slipped past them so the account can never stay wedged.
		if account.SyncInProgress {
			account.SyncInProgress = false
			if err := s.sm.persist(account, "sync_in_progress"); err != nil {
				s.logger.Error("Failed to release sync lock", zap.String("account_id", account.ID), zap.Error(err))
			}
		}
	}()

	since := account.LastSyncAt
	result, err := s.pipeline.Ingest(ctx, account, since)
	if err != nil {
		return s.recordFailure(account, err)
	}
	return s.recordSuccess(account, result)
}

func (s *Scheduler) recordSuccess(account *models.BrokerAccount, result ingest.Result) AccountResult {
	if err := s.sm.Complete(account); err != nil {
		s.logger.Error("Failed to commit success transition", zap.String("account_id", account.ID), zap.Error(err))
	}

	status := models.SyncStatusSuccess
	var errMsg *string
	if len(result.Errors) > 0 {
		status = models.SyncStatusPartial
		joined := fmt.Sprintf("%d record error(s): %s", len(result.Errors), result.Errors[0])
		errMsg = &joined
	}
	if err := s.sm.AppendLog(account.ID, account.UserID, status, result.Ingested, errMsg); err != nil {
		s.logger.Error("Failed to append sync log", zap.String("account_id", account.ID), zap.Error(err))
	}

	s.logger.Info("Sync succeeded",
		zap.String("account_id", account.ID),
		zap.Int("trades", result.Ingested),
		zap.Int("duplicates", result.Duplicates))

	out := AccountResult{AccountID: account.ID, Status: ResultSuccess, Trades: result.Ingested}
	if status == models.SyncStatusPartial {
		out.Status = ResultPartial
		out.Error = *errMsg
	}
	return out
}

func (s *Scheduler) recordFailure(account *models.BrokerAccount, syncErr error) AccountResult {
	if err := s.sm.Fail(account, syncErr); err != nil {
		s.logger.Error("Failed to commit failure transition", zap.String("account_id", account.ID), zap.Error(err))
	}

	msg := syncErr.Error()
	if err := s.sm.AppendLog(account.ID, account.UserID, models.SyncStatusFailed, 0, &msg); err != nil {
		s.logger.Error("Failed to append sync log", zap.String("account_id", account.ID), zap.Error(err))
	}

	s.logger.Error("Sync failed",
		zap.String("account_id", account.ID),
		zap.Int("retry_count", account.RetryCount),
		zap.Int("max_retries", s.cfg.MaxRetries),
		zap.Error(syncErr))

	return AccountResult{AccountID: account.ID, Status: ResultFailed, Error: msg}
}
