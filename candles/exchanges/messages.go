package exchanges

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/linluma/signalwatch/shared/models"
)

// Message is a validated inbound data message
type Message interface {
	// ChannelKey is the routing key derived from the message itself
	ChannelKey() models.ChannelKey

	// Tick normalizes the message to a single price observation
	Tick() models.Trade
}

// TradeMessage is a single executed trade
type TradeMessage struct {
	Symbol     string
	Price      float64
	Quantity   float64
	TradeID    int64
	TradeTime  time.Time
	EventTime  time.Time
	BuyerMaker bool
}

func (m TradeMessage) ChannelKey() models.ChannelKey {
	return models.TradeChannel(m.Symbol)
}

func (m TradeMessage) Tick() models.Trade {
	return models.Trade{
		Symbol:    m.Symbol,
		Price:     m.Price,
		Volume:    m.Quantity,
		Timestamp: m.TradeTime,
		TradeID:   m.TradeID,
	}
}

// KlineMessage is an update of a venue-side candle
type KlineMessage struct {
	Symbol    string
	Interval  string
	Candle    models.Candle
	Final     bool
	EventTime time.Time
}

func (m KlineMessage) ChannelKey() models.ChannelKey {
	return models.KlineChannel(m.Symbol, m.Interval)
}

func (m KlineMessage) Tick() models.Trade {
	at := m.EventTime
	if at.IsZero() {
		at = m.Candle.OpenTime
	}
	return models.Trade{Symbol: m.Symbol, Price: m.Candle.Close, Timestamp: at}
}

// AvgPriceMessage is a rolling average price update
type AvgPriceMessage struct {
	Symbol    string
	Interval  string
	Price     float64
	EventTime time.Time
}

func (m AvgPriceMessage) ChannelKey() models.ChannelKey {
	return models.AvgPriceChannel(m.Symbol)
}

func (m AvgPriceMessage) Tick() models.Trade {
	return models.Trade{Symbol: m.Symbol, Price: m.Price, Timestamp: m.EventTime}
}

// Ack is a subscribe/unsubscribe acknowledgement; it is never forwarded to listeners
type Ack struct {
	ID   uint64
	Code int
	Msg  string
}

// Failed reports whether the venue rejected the request
func (a Ack) Failed() bool {
	return a.Code != 0 || a.Msg != ""
}

// ValidationError describes an inbound frame that matched no known message shape
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid message: %s: %v", e.Reason, e.Err)
	}
	return "invalid message: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

type wireTrade struct {
	Event      string `json:"e" validate:"eq=trade"`
	EventTime  int64  `json:"E" validate:"gte=0"`
	Symbol     string `json:"s" validate:"required"`
	TradeID    int64  `json:"t"`
	Price      string `json:"p" validate:"required,numeric"`
	Quantity   string `json:"q" validate:"omitempty,numeric"`
	TradeTime  int64  `json:"T" validate:"gt=0"`
	BuyerMaker bool   `json:"m"`
	Ignore     bool   `json:"M"`
}

type wireKlineBody struct {
	OpenTime  int64  `json:"t" validate:"gt=0"`
	CloseTime int64  `json:"T" validate:"gte=0"`
	Interval  string `json:"i" validate:"required"`
	Open      string `json:"o" validate:"required,numeric"`
	High      string `json:"h" validate:"required,numeric"`
	Low       string `json:"l" validate:"required,numeric"`
	Close     string `json:"c" validate:"required,numeric"`
	Volume    string `json:"v" validate:"required,numeric"`
	Final     bool   `json:"x"`

	// declared so encoding/json's case-insensitive matching cannot map them onto l, v, q
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"L"`
	Trades       int64  `json:"n"`
	QuoteVolume  string `json:"q"`
	TakerBase    string `json:"V"`
	TakerQuote   string `json:"Q"`
	Ignore       string `json:"B"`
}

type wireKline struct {
	Event     string        `json:"e" validate:"eq=kline"`
	EventTime int64         `json:"E" validate:"gte=0"`
	Symbol    string        `json:"s" validate:"required"`
	Kline     wireKlineBody `json:"k"`
}

type wireAvgPrice struct {
	Event     string `json:"e" validate:"eq=avgPrice"`
	EventTime int64  `json:"E" validate:"gt=0"`
	Symbol    string `json:"s" validate:"required"`
	Interval  string `json:"i"`
	Price     string `json:"w" validate:"required,numeric"`
}

type wireAckError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

var validate = validator.New()

// ParseFrame classifies and validates a raw inbound frame.
// Exactly one of msg, ack, err is non-nil.
func ParseFrame(data []byte) (Message, *Ack, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, nil, &ValidationError{Reason: "malformed json", Err: err}
	}

	if rawID, ok := fields["id"]; ok {
		_, hasResult := fields["result"]
		rawErr, hasError := fields["error"]
		if hasResult || hasError {
			return nil, parseAck(rawID, rawErr, hasError), nil
		}
	}

	var event string
	if raw, ok := fields["e"]; ok {
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, nil, &ValidationError{Reason: "event type is not a string", Err: err}
		}
	}

	var (
		msg Message
		err error
	)
	switch event {
	case "":
		return nil, nil, &ValidationError{Reason: "missing event type"}
	case string(models.KindTrade):
		msg, err = parseTrade(data)
	case string(models.KindKline):
		msg, err = parseKline(data)
	case string(models.KindAvgPrice):
		msg, err = parseAvgPrice(data)
	default:
		return nil, nil, &ValidationError{Reason: fmt.Sprintf("unknown event type %q", event)}
	}
	if err != nil {
		return nil, nil, &ValidationError{Reason: event + " frame", Err: err}
	}
	return msg, nil, nil
}

func parseAck(rawID, rawErr json.RawMessage, hasError bool) *Ack {
	ack := &Ack{}
	_ = json.Unmarshal(rawID, &ack.ID)
	if hasError {
		var we wireAckError
		if err := json.Unmarshal(rawErr, &we); err != nil || (we.Code == 0 && we.Msg == "") {
			we.Msg = string(rawErr)
		}
		ack.Code = we.Code
		ack.Msg = we.Msg
	}
	return ack
}

func parseTrade(data []byte) (Message, error) {
	var w wireTrade
	if err := decode(data, &w); err != nil {
		return nil, err
	}

	price, err := strconv.ParseFloat(w.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid price %s: %w", w.Price, err)
	}
	var qty float64
	if w.Quantity != "" {
		if qty, err = strconv.ParseFloat(w.Quantity, 64); err != nil {
			return nil, fmt.Errorf("invalid quantity %s: %w", w.Quantity, err)
		}
	}

	return TradeMessage{
		Symbol:     models.FormatSymbol(w.Symbol),
		Price:      price,
		Quantity:   qty,
		TradeID:    w.TradeID,
		TradeTime:  time.UnixMilli(w.TradeTime).UTC(),
		EventTime:  millis(w.EventTime),
		BuyerMaker: w.BuyerMaker,
	}, nil
}

func parseKline(data []byte) (Message, error) {
	var w wireKline
	if err := decode(data, &w); err != nil {
		return nil, err
	}

	prices, err := parseFloats(w.Kline.Open, w.Kline.High, w.Kline.Low, w.Kline.Close, w.Kline.Volume)
	if err != nil {
		return nil, err
	}

	return KlineMessage{
		Symbol:   models.FormatSymbol(w.Symbol),
		Interval: w.Kline.Interval,
		Candle: models.Candle{
			OpenTime:  time.UnixMilli(w.Kline.OpenTime).UTC(),
			CloseTime: millis(w.Kline.CloseTime),
			Open:      prices[0],
			High:      prices[1],
			Low:       prices[2],
			Close:     prices[3],
			Volume:    prices[4],
		},
		Final:     w.Kline.Final,
		EventTime: millis(w.EventTime),
	}, nil
}

func parseAvgPrice(data []byte) (Message, error) {
	var w wireAvgPrice
	if err := decode(data, &w); err != nil {
		return nil, err
	}

	price, err := strconv.ParseFloat(w.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid price %s: %w", w.Price, err)
	}

	return AvgPriceMessage{
		Symbol:    models.FormatSymbol(w.Symbol),
		Interval:  w.Interval,
		Price:     price,
		EventTime: time.UnixMilli(w.EventTime).UTC(),
	}, nil
}

func decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return err
	}
	return validate.Struct(out)
}

func parseFloats(values ...string) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s: %w", v, err)
		}
		out[i] = f
	}
	return out, nil
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
