package ingest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"broker-sync-go/internal/models"
)

const maxSymbolLength = 20

// RawTrade is an inbound trade record from the webhook or CSV import paths,
// before validation and normalization.
type RawTrade struct {
	BrokerTradeID string   `json:"broker_trade_id,omitempty"`
	Symbol        string   `json:"symbol"`
	Direction     string   `json:"direction"`
	EntryTime     string   `json:"entry_time"`
	EntryPrice    float64  `json:"entry_price"`
	ExitTime      string   `json:"exit_time,omitempty"`
	ExitPrice     *float64 `json:"exit_price,omitempty"`
	PositionSize  float64  `json:"position_size"`
	Fees          *float64 `json:"fees,omitempty"`
	Pnl           *float64 `json:"pnl,omitempty"`
	Strategy      string   `json:"strategy,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ValidateTrade checks one inbound record and returns a descriptive error
// message referencing the record's index in the batch, or "" when valid.
// Violations are isolated per record; the caller keeps processing the rest
// of the batch.
func ValidateTrade(t RawTrade, index int) string {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Sprintf("[%d] symbol is required", index)
	}
	if len(t.Symbol) > maxSymbolLength {
		return fmt.Sprintf("[%d] symbol too long (max %d chars)", index, maxSymbolLength)
	}

	switch strings.ToLower(t.Direction) {
	case "long", "short", "buy", "sell":
	default:
		return fmt.Sprintf("[%d] direction must be long/short/buy/sell", index)
	}

	if strings.TrimSpace(t.EntryTime) == "" {
		return fmt.Sprintf("[%d] entry_time is required", index)
	}
	entryTime, err := parseTime(t.EntryTime)
	if err != nil {
		return fmt.Sprintf("[%d] entry_time is not a valid date", index)
	}

	if !isFinitePositive(t.EntryPrice) {
		return fmt.Sprintf("[%d] entry_price must be > 0", index)
	}
	if !isFinitePositive(t.PositionSize) {
		return fmt.Sprintf("[%d] position_size must be > 0", index)
	}

	if t.ExitTime != "" {
		exitTime, err := parseTime(t.ExitTime)
		if err != nil {
			return fmt.Sprintf("[%d] exit_time is not a valid date", index)
		}
		if !exitTime.After(entryTime) {
			return fmt.Sprintf("[%d] exit_time must be after entry_time", index)
		}
	}

	if t.ExitPrice != nil && !isFinitePositive(*t.ExitPrice) {
		return fmt.Sprintf("[%d] exit_price must be > 0", index)
	}
	if t.Fees != nil && (math.IsNaN(*t.Fees) || math.IsInf(*t.Fees, 0) || *t.Fees < 0) {
		return fmt.Sprintf("[%d] fees must be >= 0", index)
	}

	return ""
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// NormalizeDirection maps the accepted inbound spellings onto the two
// canonical directions. Buy-side spellings become Long, everything else Short.
func NormalizeDirection(dir string) string {
	switch strings.ToLower(dir) {
	case "buy", "long":
		return models.DirectionLong
	default:
		return models.DirectionShort
	}
}

// CalcPnl returns the record's profit. A supplied pnl wins; otherwise it is
// derived from the direction-signed price move times size, minus fees. Open
// trades (no exit price) report zero.
func CalcPnl(t RawTrade) float64 {
	if t.Pnl != nil {
		return *t.Pnl
	}
	if t.ExitPrice == nil {
		return 0
	}
	sign := 1.0
	if NormalizeDirection(t.Direction) == models.DirectionShort {
		sign = -1.0
	}
	fees := 0.0
	if t.Fees != nil {
		fees = *t.Fees
	}
	return sign*(*t.ExitPrice-t.EntryPrice)*t.PositionSize - fees
}
