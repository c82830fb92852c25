package dedup

import (
	"fmt"
	"math"
	"time"

	"broker-sync-go/internal/models"
	"gorm.io/gorm"
)

// Default tolerances for the fuzzy tier. These match what downstream
// consumers have been ingesting under; change them only deliberately.
const (
	DefaultTimeWindow   = 2 * time.Second
	DefaultPriceTol     = 0.0001 // 0.01% relative price difference
	DefaultSizeTol      = 0.01   // 1% relative position-size difference
	DefaultMaxCandidate = 5
)

// Candidate is an incoming trade to test against previously ingested data.
type Candidate struct {
	BrokerTradeID string // empty for manually entered or CSV-imported trades
	Symbol        string
	EntryTime     time.Time
	EntryPrice    float64
	PositionSize  float64
}

// Detector decides whether an incoming trade already exists for a user.
type Detector struct {
	db *gorm.DB

	// Fuzzy-tier tuning; zero values fall back to the defaults.
	TimeWindow    time.Duration
	PriceTol      float64
	SizeTol       float64
	MaxCandidates int
}

// NewDetector creates a detector with the default tolerances.
func NewDetector(db *gorm.DB) *Detector {
	return &Detector{
		db:            db,
		TimeWindow:    DefaultTimeWindow,
		PriceTol:      DefaultPriceTol,
		SizeTol:       DefaultSizeTol,
		MaxCandidates: DefaultMaxCandidate,
	}
}

// IsDuplicate runs the two-tier check.
//
// Tier 1 is an exact (user_id, broker_trade_id) lookup and is authoritative:
// broker-sourced re-syncs always carry the same id, so re-ingestion can never
// produce a false negative there. Tier 2 only applies to candidates without a
// broker trade id (manual entry, CSV import) and is a best-effort heuristic:
// independently sourced records of the same real-world trade can disagree on
// sub-cent rounding or timestamp precision, so a small tolerance window is
// compared instead of equality.
func (d *Detector) IsDuplicate(userID string, c Candidate) (bool, error) {
	if c.BrokerTradeID != "" {
		var count int64
		err := d.db.Model(&models.Trade{}).
			Where("user_id = ? AND broker_trade_id = ?", userID, c.BrokerTradeID).
			Count(&count).Error
		if err != nil {
			return false, fmt.Errorf("duplicate lookup failed: %w", err)
		}
		return count > 0, nil
	}

	window := d.TimeWindow
	if window == 0 {
		window = DefaultTimeWindow
	}
	limit := d.MaxCandidates
	if limit == 0 {
		limit = DefaultMaxCandidate
	}

	var candidates []models.Trade
	err := d.db.
		Where("user_id = ? AND symbol = ?", userID, c.Symbol).
		Where("entry_time BETWEEN ? AND ?", c.EntryTime.Add(-window), c.EntryTime.Add(window)).
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return false, fmt.Errorf("fuzzy candidate query failed: %w", err)
	}

	for _, existing := range candidates {
		if d.fuzzyMatch(existing, c) {
			return true, nil
		}
	}
	return false, nil
}

func (d *Detector) fuzzyMatch(existing models.Trade, c Candidate) bool {
	if c.EntryPrice <= 0 || c.PositionSize <= 0 {
		return false
	}
	priceTol := d.PriceTol
	if priceTol == 0 {
		priceTol = DefaultPriceTol
	}
	sizeTol := d.SizeTol
	if sizeTol == 0 {
		sizeTol = DefaultSizeTol
	}

	priceDiff := math.Abs(existing.EntryPrice-c.EntryPrice) / c.EntryPrice
	sizeDiff := math.Abs(existing.PositionSize-c.PositionSize) / c.PositionSize
	return priceDiff < priceTol && sizeDiff < sizeTol
}
