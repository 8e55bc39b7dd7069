package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSymbol(t *testing.T) {
	for in, want := range map[string]string{
		"BTC/USDT":  "BTCUSDT",
		"eth-usdt":  "ETHUSDT",
		" sol usdt": "SOLUSDT",
		"1000SATS":  "1000SATS",
		"":          "",
	} {
		assert.Equal(t, want, FormatSymbol(in), in)
	}
}

func TestChannelKey(t *testing.T) {
	tests := []struct {
		key    ChannelKey
		stream string
	}{
		{TradeChannel("btc/usdt"), "btcusdt@trade"},
		{KlineChannel("ETHUSDT", "1m"), "ethusdt@kline_1m"},
		{AvgPriceChannel("solusdt"), "solusdt@avgPrice"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.stream, tt.key.String())
		parsed, err := ParseChannelKey(tt.stream)
		require.NoError(t, err)
		assert.Equal(t, tt.key, parsed)
	}

	for _, bad := range []string{"btcusdt", "@trade", "btcusdt@", "btcusdt@kline_", "btcusdt@depth"} {
		_, err := ParseChannelKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestSignalDirection(t *testing.T) {
	assert.Equal(t, Long, Signal{EntryLow: 100, EntryHigh: 110}.Direction())
	assert.Equal(t, Short, Signal{EntryLow: 110, EntryHigh: 100}.Direction())
	assert.Equal(t, Long, Signal{EntryLow: 100, EntryHigh: 100}.Direction())
}

func TestSignalClone(t *testing.T) {
	s := Signal{TakeProfits: []TakeProfit{{Level: 1, Price: 120}}}
	c := s.Clone()
	c.TakeProfits[0].Hit = true
	assert.False(t, s.TakeProfits[0].Hit)
}

func TestCoinStateSeries(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	cur := Candle{OpenTime: day, Close: 3}
	s := CoinState{
		HistoricalData: []Candle{{OpenTime: day.Add(-24 * time.Hour), Close: 2}},
		CurrentCandle:  &cur,
	}
	series := s.Series()
	require.Len(t, series, 2)
	assert.Equal(t, 3.0, series[1].Close)
	assert.Len(t, s.HistoricalData, 1, "history never holds the current candle")

	c := Candle{OpenTime: day, CloseTime: day.Add(24*time.Hour - time.Millisecond)}
	assert.True(t, c.Contains(day))
	assert.True(t, c.Contains(c.CloseTime.Add(-time.Millisecond)))
	assert.False(t, c.Contains(c.CloseTime))
}
