package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"broker-sync-go/internal/dedup"
	"broker-sync-go/internal/matcher"
	"broker-sync-go/internal/metaapi"
	"broker-sync-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultLookback is the deal-history window used when an account has never
// synced before.
const DefaultLookback = 7 * 24 * time.Hour

// Result summarizes one broker sync pass for a single account.
type Result struct {
	Ingested      int      `json:"trades_ingested"`
	Duplicates    int      `json:"duplicates_skipped"`
	DealsFetched  int      `json:"deals_fetched"`
	TradesMatched int      `json:"trades_matched"`
	Errors        []string `json:"errors"`
}

// Pipeline orchestrates one account's sync pass: fetch account info, fetch
// deals, match them into trades, deduplicate, and persist.
type Pipeline struct {
	db       *gorm.DB
	client   metaapi.ClientInterface
	detector *dedup.Detector
	logger   *zap.Logger
	lookback time.Duration
	now      func() time.Time
}

// NewPipeline creates a sync pipeline.
func NewPipeline(db *gorm.DB, client metaapi.ClientInterface, detector *dedup.Detector, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db:       db,
		client:   client,
		detector: detector,
		logger:   logger,
		lookback: DefaultLookback,
		now:      time.Now,
	}
}

// Ingest runs one sync pass for the account. The returned error is non-nil
// only when the fetch phase itself failed; individual persistence problems
// are isolated into Result.Errors and the pass still counts as completed.
// The caller distinguishes "succeeded with partial errors" from "failed
// entirely" by that error.
func (p *Pipeline) Ingest(ctx context.Context, account *models.BrokerAccount, since *time.Time) (Result, error) {
	result := Result{Errors: []string{}}

	if account.MetaAPIAccountID == nil {
		return result, fmt.Errorf("account %s is not provisioned", account.ID)
	}
	metaID := *account.MetaAPIAccountID

	// Refresh the cached balance first. This side effect is independent of
	// the trade outcome; an unreachable terminal just skips the update.
	info, err := p.client.GetAccountInfo(ctx, metaID)
	if err != nil {
		p.logger.Warn("Account info fetch failed", zap.String("account_id", account.ID), zap.Error(err))
	} else if info != nil {
		if err := p.db.Model(account).Update("balance", info.Balance).Error; err != nil {
			p.logger.Error("Failed to update cached balance", zap.String("account_id", account.ID), zap.Error(err))
		} else {
			account.Balance = &info.Balance
		}
	}

	from := p.resolveSince(account, since)
	to := p.now()

	deals, err := p.client.GetDeals(ctx, metaID, from, to)
	if err != nil {
		return result, fmt.Errorf("deal fetch failed for account %s: %w", account.ID, err)
	}
	result.DealsFetched = len(deals)

	matched := matcher.Match(deals)
	result.TradesMatched = len(matched)
	if len(matched) == 0 {
		return result, nil
	}

	for _, t := range matched {
		isDup, err := p.detector.IsDuplicate(account.UserID, dedup.Candidate{
			BrokerTradeID: t.BrokerTradeID,
			Symbol:        t.Symbol,
			EntryTime:     t.EntryTime,
			EntryPrice:    t.EntryPrice,
			PositionSize:  t.PositionSize,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate check failed for %s: %v", t.BrokerTradeID, err))
			continue
		}
		if isDup {
			result.Duplicates++
			continue
		}

		if err := p.persistTrade(account, t); err != nil {
			p.logger.Error("Failed to persist matched trade",
				zap.String("account_id", account.ID),
				zap.String("broker_trade_id", t.BrokerTradeID),
				zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("insert failed for %s: %v", t.BrokerTradeID, err))
			continue
		}
		result.Ingested++
	}

	p.logger.Info("Sync pass complete",
		zap.String("account_id", account.ID),
		zap.Int("deals_fetched", result.DealsFetched),
		zap.Int("trades_matched", result.TradesMatched),
		zap.Int("ingested", result.Ingested),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("errors", len(result.Errors)))

	return result, nil
}

func (p *Pipeline) resolveSince(account *models.BrokerAccount, since *time.Time) time.Time {
	if since != nil {
		return *since
	}
	if account.LastSyncAt != nil {
		return *account.LastSyncAt
	}
	return p.now().Add(-p.lookback)
}

func (p *Pipeline) persistTrade(account *models.BrokerAccount, t matcher.MatchedTrade) error {
	brokerTradeID := t.BrokerTradeID
	exitTime := t.ExitTime
	exitPrice := t.ExitPrice
	pnl := t.Pnl

	trade := models.Trade{
		UserID:          account.UserID,
		BrokerAccountID: &account.ID,
		BrokerTradeID:   &brokerTradeID,
		Symbol:          strings.ToUpper(t.Symbol),
		Direction:       t.Direction,
		EntryTime:       t.EntryTime,
		EntryPrice:      t.EntryPrice,
		ExitTime:        &exitTime,
		ExitPrice:       &exitPrice,
		PositionSize:    t.PositionSize,
		TotalFees:       t.Fees,
		Pnl:             &pnl,
	}
	return p.db.Create(&trade).Error
}
