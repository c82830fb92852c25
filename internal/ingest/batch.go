package ingest

import (
	"fmt"
	"strings"

	"broker-sync-go/internal/dedup"
	"broker-sync-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BatchResult summarizes one webhook or CSV ingestion pass.
type BatchResult struct {
	Ingested   int      `json:"trades_ingested"`
	Duplicates int      `json:"duplicates_skipped"`
	Errors     []string `json:"errors"`
}

// Status maps the result onto a sync-log status: failed when nothing got
// through, partial when some records errored, success otherwise.
func (r BatchResult) Status() string {
	switch {
	case len(r.Errors) > 0 && r.Ingested == 0:
		return models.SyncStatusFailed
	case len(r.Errors) > 0:
		return models.SyncStatusPartial
	default:
		return models.SyncStatusSuccess
	}
}

// ErrorMessage joins the per-record errors for the sync log, or nil when clean.
func (r BatchResult) ErrorMessage() *string {
	if len(r.Errors) == 0 {
		return nil
	}
	msg := strings.Join(r.Errors, "; ")
	return &msg
}

// Batcher ingests externally supplied trade records (webhook pushes, CSV
// imports) for a user, with per-record fault isolation.
type Batcher struct {
	db       *gorm.DB
	detector *dedup.Detector
	logger   *zap.Logger
}

// NewBatcher creates a batch ingester.
func NewBatcher(db *gorm.DB, detector *dedup.Detector, logger *zap.Logger) *Batcher {
	return &Batcher{db: db, detector: detector, logger: logger}
}

// Ingest validates, deduplicates, and persists a batch of raw trades. A bad
// record is reported with its index and skipped; it never aborts the batch.
// Duplicates are counted separately from both successes and failures.
func (b *Batcher) Ingest(userID string, brokerAccountID *string, trades []RawTrade) BatchResult {
	result := BatchResult{Errors: []string{}}

	for i, raw := range trades {
		if msg := ValidateTrade(raw, i); msg != "" {
			result.Errors = append(result.Errors, msg)
			continue
		}

		entryTime, _ := parseTime(raw.EntryTime) // validated above
		symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))

		isDup, err := b.detector.IsDuplicate(userID, dedup.Candidate{
			BrokerTradeID: raw.BrokerTradeID,
			Symbol:        symbol,
			EntryTime:     entryTime,
			EntryPrice:    raw.EntryPrice,
			PositionSize:  raw.PositionSize,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("[%d] duplicate check failed: %v", i, err))
			continue
		}
		if isDup {
			result.Duplicates++
			continue
		}

		trade := models.Trade{
			UserID:          userID,
			BrokerAccountID: brokerAccountID,
			Symbol:          symbol,
			Direction:       NormalizeDirection(raw.Direction),
			EntryTime:       entryTime,
			EntryPrice:      raw.EntryPrice,
			PositionSize:    raw.PositionSize,
		}
		if raw.BrokerTradeID != "" {
			id := raw.BrokerTradeID
			trade.BrokerTradeID = &id
		}
		if raw.ExitTime != "" {
			if exitTime, err := parseTime(raw.ExitTime); err == nil {
				trade.ExitTime = &exitTime
			}
		}
		trade.ExitPrice = raw.ExitPrice
		if raw.Fees != nil {
			trade.TotalFees = *raw.Fees
		}
		pnl := CalcPnl(raw)
		trade.Pnl = &pnl
		if raw.Strategy != "" {
			s := raw.Strategy
			trade.Strategy = &s
		}
		if raw.Notes != "" {
			n := raw.Notes
			trade.Notes = &n
		}

		if err := b.db.Create(&trade).Error; err != nil {
			b.logger.Error("Failed to persist inbound trade",
				zap.String("user_id", userID),
				zap.Int("index", i),
				zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("[%d] DB error: %v", i, err))
			continue
		}
		result.Ingested++
	}

	return result
}

