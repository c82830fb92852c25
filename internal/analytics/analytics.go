// Package analytics computes portfolio statistics over ingested trades.
// Everything here is a pure function over a trade slice so the same code
// serves the HTTP summary endpoints and any offline reporting.
package analytics

import (
	"math"
	"sort"
	"time"

	"broker-sync-go/internal/models"
)

// StartingCapital seeds the equity curve when no deposit history exists.
const StartingCapital = 50000.0

// Metrics summarizes closed-trade performance for one user.
type Metrics struct {
	TotalBalance  float64 `json:"total_balance"`
	TotalPnl      float64 `json:"total_pnl"`
	WinRate       float64 `json:"win_rate"`
	ProfitFactor  float64 `json:"profit_factor"`
	AvgTrade      float64 `json:"avg_trade"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	LargestWin    float64 `json:"largest_win"`
	LargestLoss   float64 `json:"largest_loss"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
}

// EquityPoint is one step of the cumulative balance curve.
type EquityPoint struct {
	Date    string  `json:"date"`
	Balance float64 `json:"balance"`
}

// MonthlyPerformance aggregates one calendar month of closed trades.
type MonthlyPerformance struct {
	Month         string  `json:"month"` // YYYY-MM
	Label         string  `json:"label"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	WinRate       float64 `json:"win_rate"`
	Profit        float64 `json:"profit"`
	PnlPercent    float64 `json:"pnl_percent"`
}

// QuickStats are the dashboard counters.
type QuickStats struct {
	ThisMonthTrades   int `json:"this_month_trades"`
	ThisWeekTrades    int `json:"this_week_trades"`
	ConsecutiveWins   int `json:"consecutive_wins"`
	ConsecutiveLosses int `json:"consecutive_losses"`
}

// closedTrades keeps only trades with a realized pnl.
func closedTrades(trades []models.Trade) []models.Trade {
	out := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Pnl != nil {
			out = append(out, t)
		}
	}
	return out
}

// closedAt orders a trade on the curve: exit time when present, otherwise
// the ingestion time.
func closedAt(t models.Trade) time.Time {
	if t.ExitTime != nil {
		return *t.ExitTime
	}
	return t.CreatedAt
}

func sortByClose(trades []models.Trade) []models.Trade {
	sorted := make([]models.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return closedAt(sorted[i]).Before(closedAt(sorted[j]))
	})
	return sorted
}

// ComputeMetrics aggregates closed-trade statistics. Profit factor is +Inf
// when there are wins but no losses; max drawdown is reported as a negative
// percentage of the peak.
func ComputeMetrics(trades []models.Trade) Metrics {
	closed := closedTrades(trades)
	if len(closed) == 0 {
		return Metrics{TotalBalance: StartingCapital}
	}

	var totalPnl, grossProfit, grossLoss, largestWin, largestLoss float64
	var winning int
	for _, t := range closed {
		pnl := *t.Pnl
		totalPnl += pnl
		if pnl > 0 {
			winning++
			grossProfit += pnl
		} else if pnl < 0 {
			grossLoss += -pnl
		}
		if pnl > largestWin {
			largestWin = pnl
		}
		if pnl < largestLoss {
			largestLoss = pnl
		}
	}

	profitFactor := 0.0
	switch {
	case grossLoss > 0:
		profitFactor = grossProfit / grossLoss
	case grossProfit > 0:
		profitFactor = math.Inf(1)
	}

	peak := StartingCapital
	equity := StartingCapital
	maxDD := 0.0
	for _, t := range sortByClose(closed) {
		equity += *t.Pnl
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak * 100; dd > maxDD {
			maxDD = dd
		}
	}

	total := len(closed)
	return Metrics{
		TotalBalance:  StartingCapital + totalPnl,
		TotalPnl:      totalPnl,
		WinRate:       float64(winning) / float64(total) * 100,
		ProfitFactor:  profitFactor,
		AvgTrade:      totalPnl / float64(total),
		MaxDrawdown:   -maxDD,
		LargestWin:    largestWin,
		LargestLoss:   largestLoss,
		TotalTrades:   total,
		WinningTrades: winning,
	}
}

// EquityCurve renders the cumulative balance over closed trades, starting
// from the seeded capital.
func EquityCurve(trades []models.Trade) []EquityPoint {
	sorted := sortByClose(closedTrades(trades))

	points := make([]EquityPoint, 0, len(sorted)+1)
	points = append(points, EquityPoint{Date: "Start", Balance: StartingCapital})

	balance := StartingCapital
	for _, t := range sorted {
		balance += *t.Pnl
		points = append(points, EquityPoint{
			Date:    closedAt(t).Format("Jan 2"),
			Balance: math.Round(balance*100) / 100,
		})
	}
	return points
}

// ComputeMonthlyPerformance groups closed trades by calendar month of their
// close, most recent month first. PnlPercent is profit relative to the
// notional entered that month.
func ComputeMonthlyPerformance(trades []models.Trade) []MonthlyPerformance {
	closed := closedTrades(trades)

	byMonth := make(map[string][]models.Trade)
	for _, t := range closed {
		key := closedAt(t).Format("2006-01")
		byMonth[key] = append(byMonth[key], t)
	}

	months := make([]string, 0, len(byMonth))
	for key := range byMonth {
		months = append(months, key)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(months)))

	out := make([]MonthlyPerformance, 0, len(months))
	for _, key := range months {
		monthTrades := byMonth[key]

		var profit, invested float64
		var wins int
		for _, t := range monthTrades {
			profit += *t.Pnl
			if *t.Pnl > 0 {
				wins++
			}
			invested += t.EntryPrice * t.PositionSize
		}

		pnlPercent := 0.0
		if invested > 0 {
			pnlPercent = profit / invested * 100
		}

		first, _ := time.Parse("2006-01", key)
		out = append(out, MonthlyPerformance{
			Month:         key,
			Label:         first.Format("January 2006"),
			TotalTrades:   len(monthTrades),
			WinningTrades: wins,
			WinRate:       float64(wins) / float64(len(monthTrades)) * 100,
			Profit:        profit,
			PnlPercent:    pnlPercent,
		})
	}
	return out
}

// ComputeQuickStats counts recent activity and the current win/loss streak.
// The week starts on Sunday to match the calendar the dashboard shows.
func ComputeQuickStats(trades []models.Trade, now time.Time) QuickStats {
	closed := closedTrades(trades)

	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	startOfWeek := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		AddDate(0, 0, -int(now.Weekday()))

	var stats QuickStats
	for _, t := range closed {
		at := closedAt(t)
		if !at.Before(startOfMonth) {
			stats.ThisMonthTrades++
		}
		if !at.Before(startOfWeek) {
			stats.ThisWeekTrades++
		}
	}

	sorted := sortByClose(closed)
	for i := len(sorted) - 1; i >= 0; i-- {
		pnl := *sorted[i].Pnl
		if pnl > 0 {
			if stats.ConsecutiveLosses > 0 {
				break
			}
			stats.ConsecutiveWins++
		} else if pnl < 0 {
			if stats.ConsecutiveWins > 0 {
				break
			}
			stats.ConsecutiveLosses++
		} else {
			break
		}
	}

	return stats
}
