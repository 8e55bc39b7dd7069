package models

import (
	"fmt"
	"strings"
	"time"
)

// StreamKind identifies the type of upstream market-data stream
type StreamKind string

// Supported stream kinds
const (
	KindTrade    StreamKind = "trade"
	KindKline    StreamKind = "kline"
	KindAvgPrice StreamKind = "avgPrice"
)

// ChannelKey uniquely identifies one upstream subscription
type ChannelKey struct {
	Symbol   string
	Kind     StreamKind
	Interval string // kline only, e.g. "1m"
}

// TradeChannel returns the trade channel key for a symbol
func TradeChannel(symbol string) ChannelKey {
	return ChannelKey{Symbol: FormatSymbol(symbol), Kind: KindTrade}
}

// KlineChannel returns the kline channel key for a symbol and interval
func KlineChannel(symbol, interval string) ChannelKey {
	return ChannelKey{Symbol: FormatSymbol(symbol), Kind: KindKline, Interval: interval}
}

// AvgPriceChannel returns the average price channel key for a symbol
func AvgPriceChannel(symbol string) ChannelKey {
	return ChannelKey{Symbol: FormatSymbol(symbol), Kind: KindAvgPrice}
}

// String renders the venue stream name, e.g. btcusdt@trade or btcusdt@kline_1m
func (k ChannelKey) String() string {
	stream := string(k.Kind)
	if k.Kind == KindKline {
		stream += "_" + k.Interval
	}
	return strings.ToLower(k.Symbol) + "@" + stream
}

// ParseChannelKey parses a venue stream name back into a ChannelKey
func ParseChannelKey(stream string) (ChannelKey, error) {
	symbol, kind, ok := strings.Cut(stream, "@")
	if !ok || symbol == "" || kind == "" {
		return ChannelKey{}, fmt.Errorf("invalid stream name %q", stream)
	}

	key := ChannelKey{Symbol: strings.ToUpper(symbol)}
	switch {
	case kind == string(KindTrade):
		key.Kind = KindTrade
	case kind == string(KindAvgPrice):
		key.Kind = KindAvgPrice
	case strings.HasPrefix(kind, string(KindKline)+"_"):
		key.Kind = KindKline
		key.Interval = strings.TrimPrefix(kind, string(KindKline)+"_")
		if key.Interval == "" {
			return ChannelKey{}, fmt.Errorf("invalid stream name %q: missing interval", stream)
		}
	default:
		return ChannelKey{}, fmt.Errorf("invalid stream name %q: unknown kind %q", stream, kind)
	}
	return key, nil
}

// FormatSymbol normalizes a pasted coin pair ("btc/usdt", "BTC-USDT") to the venue symbol "BTCUSDT"
func FormatSymbol(pair string) string {
	var b strings.Builder
	b.Grow(len(pair))
	for _, r := range strings.ToUpper(pair) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Trade represents a normalized price tick from the venue
type Trade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	TradeID   int64     `json:"trade_id"`
}

// Candle represents an OHLC candlestick.
// CloseTime is OpenTime + window - 1ms, matching the venue's kline convention.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Contains reports whether a tick at t belongs to the candle. A tick at
// CloseTime already belongs to the next window.
func (c Candle) Contains(t time.Time) bool {
	return !t.Before(c.OpenTime) && t.Before(c.CloseTime)
}

// CoinState is the per-symbol candle state owned by the aggregator
type CoinState struct {
	Symbol         string    `json:"symbol"`
	HistoricalData []Candle  `json:"historical_data"` // completed candles, oldest first
	CurrentPrice   float64   `json:"current_price"`
	CurrentCandle  *Candle   `json:"current_candle,omitempty"`
	IsInitializing bool      `json:"is_initializing"`
	LastUpdated    time.Time `json:"last_updated"`
	LastError      string    `json:"last_error,omitempty"`
}

// Series merges history and the in-progress candle for presentation
func (s CoinState) Series() []Candle {
	out := make([]Candle, 0, len(s.HistoricalData)+1)
	out = append(out, s.HistoricalData...)
	if s.CurrentCandle != nil {
		out = append(out, *s.CurrentCandle)
	}
	return out
}
