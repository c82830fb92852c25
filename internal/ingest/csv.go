package ingest

import (
	"encoding/csv"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var headerSanitizer = regexp.MustCompile(`[^a-z0-9_]`)

// ParseCSV parses header-driven CSV text into raw trade records.
// Required columns: symbol, direction, entry_time, entry_price,
// position_size. Optional: exit_time, exit_price, fees, pnl, strategy,
// broker_trade_id. Column order is free; unknown columns are ignored.
// Field-level problems surface later through validation, not here.
func ParseCSV(text string) ([]RawTrade, error) {
	reader := csv.NewReader(strings.NewReader(strings.TrimSpace(text)))
	reader.FieldsPerRecord = -1 // ragged rows are a record-level problem, not a parse failure
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = headerSanitizer.ReplaceAllString(strings.ToLower(strings.TrimSpace(h)), "_")
	}

	trades := make([]RawTrade, 0, len(rows)-1)
	for _, row := range rows[1:] {
		fields := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(row) {
				fields[h] = strings.TrimSpace(row[i])
			}
		}
		if len(fields) == 0 {
			continue
		}

		direction := fields["direction"]
		if direction == "" {
			direction = "long"
		}

		trade := RawTrade{
			BrokerTradeID: fields["broker_trade_id"],
			Symbol:        fields["symbol"],
			Direction:     direction,
			EntryTime:     fields["entry_time"],
			EntryPrice:    parseFloatDefault(fields["entry_price"]),
			ExitTime:      fields["exit_time"],
			PositionSize:  parseFloatDefault(fields["position_size"]),
			Strategy:      fields["strategy"],
		}
		if v, ok := parseFloatOptional(fields["exit_price"]); ok {
			trade.ExitPrice = &v
		}
		if v, ok := parseFloatOptional(fields["fees"]); ok {
			trade.Fees = &v
		}
		if v, ok := parseFloatOptional(fields["pnl"]); ok {
			trade.Pnl = &v
		}

		trades = append(trades, trade)
	}

	return trades, nil
}

func parseFloatDefault(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloatOptional(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
