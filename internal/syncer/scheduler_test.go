package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"broker-sync-go/internal/ingest"
	"broker-sync-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type MockIngestor struct {
	mock.Mock
}

func (m *MockIngestor) Ingest(ctx context.Context, account *models.BrokerAccount, since *time.Time) (ingest.Result, error) {
	args := m.Called(ctx, account, since)
	return args.Get(0).(ingest.Result), args.Error(1)
}

func setupSchedulerTest(t *testing.T, pipeline Ingestor) (*gorm.DB, *Scheduler, time.Time) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&models.BrokerAccount{}, &models.SyncLog{}))

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sm := NewStateMachine(db, testSyncConfig())
	sm.now = func() time.Time { return now }

	sched := NewScheduler(db, sm, pipeline, testSyncConfig(), zap.NewNop())
	sched.now = func() time.Time { return now }

	return db, sched, now
}

func dueAccount(t *testing.T, db *gorm.DB, now time.Time, mutate func(*models.BrokerAccount)) *models.BrokerAccount {
	due := now.Add(-time.Minute)
	account := &models.BrokerAccount{
		UserID:           "user-1",
		BrokerName:       "IC Markets",
		ConnectionStatus: models.StatusConnected,
		SyncFrequency:    15,
		AutoSyncEnabled:  true,
		IsActive:         true,
		NextSyncAt:       &due,
	}
	if mutate != nil {
		mutate(account)
	}
	assert.NoError(t, db.Create(account).Error)
	return account
}

func TestScheduler_RunOnceSuccess(t *testing.T) {
	pipeline := new(MockIngestor)
	db, sched, now := setupSchedulerTest(t, pipeline)
	account := dueAccount(t, db, now, nil)

	pipeline.On("Ingest", mock.Anything, mock.Anything, mock.Anything).
		Return(ingest.Result{Ingested: 3, Duplicates: 1}, nil)

	summary, err := sched.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, ResultSuccess, summary.Results[0].Status)
	assert.Equal(t, 3, summary.Results[0].Trades)

	fresh := reload(t, db, account.ID)
	assert.Equal(t, models.StatusConnected, fresh.ConnectionStatus)
	assert.False(t, fresh.SyncInProgress)
	assert.True(t, fresh.LastSyncAt.Equal(now))
	assert.True(t, fresh.NextSyncAt.Equal(now.Add(15*time.Minute)))

	var logs []models.SyncLog
	assert.NoError(t, db.Find(&logs).Error)
	assert.Len(t, logs, 1)
	assert.Equal(t, models.SyncStatusSuccess, logs[0].Status)
	assert.Equal(t, 3, logs[0].TradesSynced)
}

func TestScheduler_RunOncePartial(t *testing.T) {
	pipeline := new(MockIngestor)
	db, sched, now := setupSchedulerTest(t, pipeline)
	dueAccount(t, db, now, nil)

	pipeline.On("Ingest", mock.Anything, mock.Anything, mock.Anything).
		Return(ingest.Result{Ingested: 2, Errors: []string{"persist trade mt5_7: constraint"}}, nil)

	summary, err := sched.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, ResultPartial, summary.Results[0].Status)
	assert.Contains(t, summary.Results[0].Error, "1 record error(s)")

	var logRow models.SyncLog
	assert.NoError(t, db.First(&logRow).Error)
	assert.Equal(t, models.SyncStatusPartial, logRow.Status)
	assert.NotNil(t, logRow.ErrorMessage)
}

func TestScheduler_RunOnceFailureParksAccountForRetry(t *testing.T) {
	pipeline := new(MockIngestor)
	db, sched, now := setupSchedulerTest(t, pipeline)
	account := dueAccount(t, db, now, nil)

	pipeline.On("Ingest", mock.Anything, mock.Anything, mock.Anything).
		Return(ingest.Result{}, errors.New("deal fetch failed: status 500"))

	summary, err := sched.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, ResultFailed, summary.Results[0].Status)

	fresh := reload(t, db, account.ID)
	assert.Equal(t, models.StatusRetryPending, fresh.ConnectionStatus)
	assert.Equal(t, 1, fresh.RetryCount)
	assert.False(t, fresh.SyncInProgress)
	assert.True(t, fresh.NextSyncAt.Equal(now.Add(5*time.Minute)))

	var logRow models.SyncLog
	assert.NoError(t, db.First(&logRow).Error)
	assert.Equal(t, models.SyncStatusFailed, logRow.Status)
	assert.Equal(t, "deal fetch failed: status 500", *logRow.ErrorMessage)
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	pipeline := new(MockIngestor)
	db, sched, now := setupSchedulerTest(t, pipeline)

	// 25 due accounts against a cap of 10: one pass picks up at most the cap,
	// the rest wait for the next trigger.
	for i := 0; i < 25; i++ {
		n := i
		dueAccount(t, db, now, func(a *models.BrokerAccount) {
			a.AccountNumber = fmt.Sprintf("10%03d", n)
		})
	}

	pipeline.On("Ingest", mock.Anything, mock.Anything, mock.Anything).
		Return(ingest.Result{Ingested: 1}, nil)

	summary, err := sched.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 10, summary.Processed)
	pipeline.AssertNumberOfCalls(t, "Ingest", 10)
}

func TestScheduler_RecentSyncSkippedNotFailed(t *testing.T) {
	pipeline := new(MockIngestor)
	db, sched, now := setupSchedulerTest(t, pipeline)

	recent := now.Add(-30 * time.Second)
	account := dueAccount(t, db, now, func(a *models.BrokerAccount) {
		a.LastSyncAt = &recent
	})

	summary, err := sched.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, ResultSkipped, summary.Results[0].Status)

	// A skip is not a failure: no retry consumed, no log row, no state change.
	fresh := reload(t, db, account.ID)
	assert.Equal(t, 0, fresh.RetryCount)
	assert.Equal(t, models.StatusConnected, fresh.ConnectionStatus)

	var logCount int64
	db.Model(&models.SyncLog{}).Count(&logCount)
	assert.Equal(t, int64(0), logCount)
	pipeline.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_SelectionPredicate(t *testing.T) {
	pipeline := new(MockIngestor)
	db, sched, now := setupSchedulerTest(t, pipeline)

	eligible := dueAccount(t, db, now, nil)
	dueAccount(t, db, now, func(a *models.BrokerAccount) { a.AutoSyncEnabled = false })
	dueAccount(t, db, now, func(a *models.BrokerAccount) { a.IsActive = false })
	dueAccount(t, db, now, func(a *models.BrokerAccount) { a.SyncInProgress = true })
	dueAccount(t, db, now, func(a *models.BrokerAccount) { a.RetryCount = 3 })
	dueAccount(t, db, now, func(a *models.BrokerAccount) { a.NextSyncAt = nil })
	future := now.Add(10 * time.Minute)
	dueAccount(t, db, now, func(a *models.BrokerAccount) { a.NextSyncAt = &future })

	pipeline.On("Ingest", mock.Anything, mock.Anything, mock.Anything).
		Return(ingest.Result{}, nil)

	summary, err := sched.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, eligible.ID, summary.Results[0].AccountID)
}

func TestScheduler_NoDueAccounts(t *testing.T) {
	pipeline := new(MockIngestor)
	_, sched, _ := setupSchedulerTest(t, pipeline)

	summary, err := sched.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Empty(t, summary.Results)
}
