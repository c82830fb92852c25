package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCSV_BasicImport(t *testing.T) {
	csvText := `symbol,direction,entry_time,entry_price,position_size,exit_time,exit_price,fees,pnl
EURUSD,long,2024-03-01T10:00:00Z,1.0850,0.5,2024-03-01T11:00:00Z,1.0900,2.5,22.5
GBPUSD,short,2024-03-02T09:30:00Z,1.2700,1.0,,,,`

	trades, err := ParseCSV(csvText)

	assert.NoError(t, err)
	assert.Len(t, trades, 2)

	assert.Equal(t, "EURUSD", trades[0].Symbol)
	assert.Equal(t, "long", trades[0].Direction)
	assert.Equal(t, 1.0850, trades[0].EntryPrice)
	assert.Equal(t, 0.5, trades[0].PositionSize)
	assert.NotNil(t, trades[0].ExitPrice)
	assert.Equal(t, 1.0900, *trades[0].ExitPrice)
	assert.NotNil(t, trades[0].Pnl)
	assert.Equal(t, 22.5, *trades[0].Pnl)

	assert.Equal(t, "GBPUSD", trades[1].Symbol)
	assert.Nil(t, trades[1].ExitPrice)
	assert.Nil(t, trades[1].Fees)
}

func TestParseCSV_HeaderNormalization(t *testing.T) {
	csvText := `Symbol,Direction,Entry Time,Entry Price,Position Size
EURUSD,long,2024-03-01T10:00:00Z,1.0850,0.5`

	trades, err := ParseCSV(csvText)

	assert.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, "EURUSD", trades[0].Symbol)
	assert.Equal(t, 1.0850, trades[0].EntryPrice)
}

func TestParseCSV_MissingDirectionDefaultsLong(t *testing.T) {
	csvText := `symbol,entry_time,entry_price,position_size
EURUSD,2024-03-01T10:00:00Z,1.0850,0.5`

	trades, err := ParseCSV(csvText)

	assert.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, "long", trades[0].Direction)
}

func TestParseCSV_BrokerTradeIDColumn(t *testing.T) {
	csvText := `symbol,direction,entry_time,entry_price,position_size,broker_trade_id
EURUSD,long,2024-03-01T10:00:00Z,1.0850,0.5,mt5_p1`

	trades, err := ParseCSV(csvText)

	assert.NoError(t, err)
	assert.Equal(t, "mt5_p1", trades[0].BrokerTradeID)
}

func TestParseCSV_EmptyInput(t *testing.T) {
	trades, err := ParseCSV("")
	assert.NoError(t, err)
	assert.Empty(t, trades)

	trades, err = ParseCSV("symbol,direction,entry_time")
	assert.NoError(t, err)
	assert.Empty(t, trades)
}

func TestParseCSV_MalformedNumbersFallThroughToValidation(t *testing.T) {
	csvText := `symbol,direction,entry_time,entry_price,position_size
EURUSD,long,2024-03-01T10:00:00Z,not-a-number,0.5`

	trades, err := ParseCSV(csvText)

	assert.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, 0.0, trades[0].EntryPrice)
	// Validation then rejects the record with an indexed message.
	assert.Equal(t, "[0] entry_price must be > 0", ValidateTrade(trades[0], 0))
}
