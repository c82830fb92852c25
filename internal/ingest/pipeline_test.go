package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"broker-sync-go/internal/dedup"
	"broker-sync-go/internal/metaapi"
	"broker-sync-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockClient is a mock implementation of the metaapi.ClientInterface.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Provision(ctx context.Context, req metaapi.ProvisionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockClient) Deploy(ctx context.Context, accountID string) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}

func (m *MockClient) AwaitConnected(ctx context.Context, accountID string, timeout, interval time.Duration) (bool, error) {
	args := m.Called(ctx, accountID, timeout, interval)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) GetAccountInfo(ctx context.Context, accountID string) (*metaapi.AccountInfo, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metaapi.AccountInfo), args.Error(1)
}

func (m *MockClient) GetOpenPositions(ctx context.Context, accountID string) ([]metaapi.Position, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]metaapi.Position), args.Error(1)
}

func (m *MockClient) GetDeals(ctx context.Context, accountID string, from, to time.Time) ([]metaapi.Deal, error) {
	args := m.Called(ctx, accountID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]metaapi.Deal), args.Error(1)
}

func setupPipelineTest(t *testing.T) (*gorm.DB, *MockClient, *Pipeline, *models.BrokerAccount) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&models.BrokerAccount{}, &models.Trade{}, &models.SyncLog{}))

	mockClient := new(MockClient)
	pipeline := NewPipeline(db, mockClient, dedup.NewDetector(db), zap.NewNop())

	metaID := "meta-1"
	account := &models.BrokerAccount{
		UserID:           "user-1",
		BrokerName:       "IC Markets",
		ConnectionStatus: models.StatusConnected,
		MetaAPIAccountID: &metaID,
	}
	assert.NoError(t, db.Create(account).Error)

	return db, mockClient, pipeline, account
}

func roundTripDeals(pos string, at time.Time) []metaapi.Deal {
	return []metaapi.Deal{
		{
			ID: pos + "-in", Type: metaapi.DealTypeBuy, Symbol: "EURUSD", Time: at,
			Price: 1.0850, Volume: 0.5, Commission: -2.5,
			EntryType: metaapi.DealEntryIn, PositionID: pos,
		},
		{
			ID: pos + "-out", Type: metaapi.DealTypeSell, Symbol: "EURUSD", Time: at.Add(time.Hour),
			Price: 1.0900, Volume: 0.5, Profit: 25.0, Commission: -2.5,
			EntryType: metaapi.DealEntryOut, PositionID: pos,
		},
	}
}

func TestPipeline_IngestPersistsMatchedTrades(t *testing.T) {
	db, mockClient, pipeline, account := setupPipelineTest(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mockClient.On("GetAccountInfo", mock.Anything, "meta-1").
		Return(&metaapi.AccountInfo{Balance: 10500.0}, nil)
	mockClient.On("GetDeals", mock.Anything, "meta-1", mock.Anything, mock.Anything).
		Return(roundTripDeals("p1", at), nil)

	result, err := pipeline.Ingest(context.Background(), account, nil)

	assert.NoError(t, err)
	assert.Equal(t, 1, result.Ingested)
	assert.Equal(t, 0, result.Duplicates)
	assert.Equal(t, 2, result.DealsFetched)
	assert.Equal(t, 1, result.TradesMatched)
	assert.Empty(t, result.Errors)

	var trade models.Trade
	assert.NoError(t, db.First(&trade).Error)
	assert.Equal(t, "user-1", trade.UserID)
	assert.Equal(t, "mt5_p1", *trade.BrokerTradeID)
	assert.Equal(t, "EURUSD", trade.Symbol)
	assert.InDelta(t, 25.0-5.0, *trade.Pnl, 1e-9)

	// Balance cache updated as a side effect.
	var fresh models.BrokerAccount
	assert.NoError(t, db.First(&fresh, "id = ?", account.ID).Error)
	assert.NotNil(t, fresh.Balance)
	assert.Equal(t, 10500.0, *fresh.Balance)

	mockClient.AssertExpectations(t)
}

func TestPipeline_ResyncIsIdempotent(t *testing.T) {
	db, mockClient, pipeline, account := setupPipelineTest(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mockClient.On("GetAccountInfo", mock.Anything, "meta-1").Return(nil, nil)
	mockClient.On("GetDeals", mock.Anything, "meta-1", mock.Anything, mock.Anything).
		Return(roundTripDeals("p1", at), nil)

	first, err := pipeline.Ingest(context.Background(), account, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, first.Ingested)

	second, err := pipeline.Ingest(context.Background(), account, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, second.Ingested)
	assert.Equal(t, 1, second.Duplicates)

	var count int64
	db.Model(&models.Trade{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestPipeline_FetchFailureIsAnError(t *testing.T) {
	_, mockClient, pipeline, account := setupPipelineTest(t)

	mockClient.On("GetAccountInfo", mock.Anything, "meta-1").Return(nil, nil)
	mockClient.On("GetDeals", mock.Anything, "meta-1", mock.Anything, mock.Anything).
		Return(nil, errors.New("deals request failed with status 502"))

	_, err := pipeline.Ingest(context.Background(), account, nil)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "deal fetch failed")
}

func TestPipeline_UnreachableTerminalSkipsBalanceUpdate(t *testing.T) {
	db, mockClient, pipeline, account := setupPipelineTest(t)

	mockClient.On("GetAccountInfo", mock.Anything, "meta-1").Return(nil, nil)
	mockClient.On("GetDeals", mock.Anything, "meta-1", mock.Anything, mock.Anything).
		Return([]metaapi.Deal{}, nil)

	result, err := pipeline.Ingest(context.Background(), account, nil)

	assert.NoError(t, err)
	assert.Equal(t, 0, result.Ingested)

	var fresh models.BrokerAccount
	assert.NoError(t, db.First(&fresh, "id = ?", account.ID).Error)
	assert.Nil(t, fresh.Balance)
}

func TestPipeline_UnprovisionedAccountRejected(t *testing.T) {
	_, _, pipeline, account := setupPipelineTest(t)
	account.MetaAPIAccountID = nil

	_, err := pipeline.Ingest(context.Background(), account, nil)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not provisioned")
}

func TestPipeline_SinceWindowResolution(t *testing.T) {
	_, mockClient, pipeline, account := setupPipelineTest(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	pipeline.now = func() time.Time { return now }

	lastSync := now.Add(-2 * time.Hour)
	account.LastSyncAt = &lastSync

	mockClient.On("GetAccountInfo", mock.Anything, "meta-1").Return(nil, nil)
	mockClient.On("GetDeals", mock.Anything, "meta-1", lastSync, now).
		Return([]metaapi.Deal{}, nil)

	_, err := pipeline.Ingest(context.Background(), account, nil)
	assert.NoError(t, err)

	// An explicit since wins over last_sync_at.
	explicit := now.Add(-30 * time.Minute)
	mockClient.On("GetDeals", mock.Anything, "meta-1", explicit, now).
		Return([]metaapi.Deal{}, nil)

	_, err = pipeline.Ingest(context.Background(), account, &explicit)
	assert.NoError(t, err)

	mockClient.AssertExpectations(t)
}
