package matcher

import (
	"fmt"
	"sort"
	"time"

	"broker-sync-go/internal/metaapi"
	"broker-sync-go/internal/models"
)

// tradeIDSource prefixes broker trade ids so ids from different import paths
// can never collide.
const tradeIDSource = "mt5"

// MatchedTrade is one round-trip position reduced to an entry+exit summary.
// It is ephemeral; the ingestion pipeline decides whether it becomes a
// persisted trade.
type MatchedTrade struct {
	BrokerTradeID string
	Symbol        string
	Direction     string
	EntryTime     time.Time
	EntryPrice    float64
	ExitTime      time.Time
	ExitPrice     float64
	PositionSize  float64
	Fees          float64
	Pnl           float64
}

// Match reduces raw deals to completed round-trip trades.
//
// Deals are grouped by position id; deals without a position id and pure
// balance adjustments are discarded. A group produces a trade only when it
// contains at least one opening and one closing deal -- still-open or
// malformed positions yield nothing, since open positions are surfaced
// through the positions endpoint rather than deal history.
//
// The first opening deal defines the trade's nominal entry even for scaled
// entries, and the last closing deal its exit, so partial-close sequences
// collapse to a single summary trade. Profit and fees aggregate over every
// deal in the group, which captures partial fills and repeated commissions
// exactly once.
func Match(deals []metaapi.Deal) []MatchedTrade {
	positions := make(map[string][]metaapi.Deal)
	order := make([]string, 0)
	for _, deal := range deals {
		if deal.PositionID == "" || deal.Type == metaapi.DealTypeBalance {
			continue
		}
		if _, ok := positions[deal.PositionID]; !ok {
			order = append(order, deal.PositionID)
		}
		positions[deal.PositionID] = append(positions[deal.PositionID], deal)
	}

	trades := make([]MatchedTrade, 0, len(positions))
	for _, posID := range order {
		group := positions[posID]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Time.Before(group[j].Time)
		})

		var entries, exits []metaapi.Deal
		for _, d := range group {
			switch d.EntryType {
			case metaapi.DealEntryIn:
				entries = append(entries, d)
			case metaapi.DealEntryOut:
				exits = append(exits, d)
			}
		}
		if len(entries) == 0 || len(exits) == 0 {
			continue
		}

		entry := entries[0]
		exit := exits[len(exits)-1]

		var totalProfit, totalFees float64
		for _, d := range group {
			totalProfit += d.Profit
			totalFees += abs(d.Commission) + abs(d.Swap)
		}

		direction := models.DirectionShort
		if entry.Type == metaapi.DealTypeBuy {
			direction = models.DirectionLong
		}

		trades = append(trades, MatchedTrade{
			BrokerTradeID: fmt.Sprintf("%s_%s", tradeIDSource, posID),
			Symbol:        entry.Symbol,
			Direction:     direction,
			EntryTime:     entry.Time,
			EntryPrice:    entry.Price,
			ExitTime:      exit.Time,
			ExitPrice:     exit.Price,
			PositionSize:  entry.Volume,
			Fees:          totalFees,
			Pnl:           totalProfit - totalFees,
		})
	}

	return trades
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
