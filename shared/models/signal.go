package models

import "time"

// Direction is the bias of a signal, derived from the order of its entry bounds
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// TakeProfit is one rung of a signal's take-profit ladder
type TakeProfit struct {
	Level   int        `json:"level" validate:"gte=1"`
	Price   float64    `json:"price" validate:"gt=0"`
	Hit     bool       `json:"hit"`
	HitDate *time.Time `json:"hit_date,omitempty"`
}

// Signal is a manually entered trading signal. Records are owned by the storage layer.
type Signal struct {
	ID              int64        `json:"id"`
	CoinPair        string       `json:"coin_pair" validate:"required"`
	EntryLow        float64      `json:"entry_low" validate:"gt=0"`
	EntryHigh       float64      `json:"entry_high" validate:"gt=0"`
	StopLoss        float64      `json:"stop_loss" validate:"gte=0"`
	CurrentPrice    float64      `json:"current_price"`
	IsActive        bool         `json:"is_active"`
	LastPriceUpdate *time.Time   `json:"last_price_update,omitempty"`
	TakeProfits     []TakeProfit `json:"take_profits" validate:"dive"`
}

// Direction reports long when EntryLow < EntryHigh, short when reversed.
// Equal bounds are treated as long.
func (s Signal) Direction() Direction {
	if s.EntryLow > s.EntryHigh {
		return Short
	}
	return Long
}

// Symbol returns the venue symbol for the signal's coin pair
func (s Signal) Symbol() string {
	return FormatSymbol(s.CoinPair)
}

// Clone returns a deep copy so callers can modify take-profits without aliasing
func (s Signal) Clone() Signal {
	out := s
	out.TakeProfits = make([]TakeProfit, len(s.TakeProfits))
	copy(out.TakeProfits, s.TakeProfits)
	return out
}

// Status is the coarse lifecycle status of a signal
type Status string

const (
	StatusPreEntry Status = "pre_entry"
	StatusInEntry  Status = "in_entry"
	StatusActive   Status = "active"
	StatusClosed   Status = "closed"
)

// TargetDistance describes the next unhit take-profit relative to the current price
type TargetDistance struct {
	Level           int     `json:"level"`
	Price           float64 `json:"price"`
	DistancePercent float64 `json:"distance_percent"` // positive: price must rise
}

// EvaluationResult is derived from a signal and a price; it is never persisted by the engine
type EvaluationResult struct {
	SignalID       int64           `json:"signal_id"`
	Symbol         string          `json:"symbol"`
	Price          float64         `json:"price"`
	Status         Status          `json:"status"`
	PnLPercent     *float64        `json:"pnl_percent"`
	Nearest        *TargetDistance `json:"nearest"`
	NewlyHit       []int           `json:"newly_hit"`
	StopDistance   float64         `json:"stop_distance"`
	NearStop       bool            `json:"near_stop"`
	StopBreached   bool            `json:"stop_breached"`
	LadderPosition int             `json:"ladder_position"`
	EvaluatedAt    time.Time       `json:"evaluated_at"`
}
