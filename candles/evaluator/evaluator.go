// Package evaluator derives take-profit, stop-loss, PnL and lifecycle state
// for a signal from a single observed price.
package evaluator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/linluma/signalwatch/shared/models"
)

// NearStopBand is the fractional distance from the stop loss that counts as "near"
const NearStopBand = 0.05

var (
	// ErrInvalidPrice rejects non-positive or non-finite prices
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidSignal rejects signals whose levels fail validation
	ErrInvalidSignal = errors.New("invalid signal")
)

var validate = validator.New()

// Evaluate computes the evaluation of s at price. s is not modified; newly hit
// levels are reported in the result for the caller to persist.
func Evaluate(s models.Signal, price float64, at time.Time) (models.EvaluationResult, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return models.EvaluationResult{}, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	if err := validate.Struct(s); err != nil {
		return models.EvaluationResult{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}

	dir := s.Direction()
	ladder := Ladder(s.TakeProfits, dir)

	newly := make([]int, 0)
	for i := range ladder {
		if !ladder[i].Hit && Reached(dir, price, ladder[i].Price) {
			ladder[i].Hit = true
			newly = append(newly, ladder[i].Level)
		}
	}

	distance, near := StopProximity(s.StopLoss, price)
	return models.EvaluationResult{
		SignalID:       s.ID,
		Symbol:         s.Symbol(),
		Price:          price,
		Status:         Status(s, ladder, price),
		PnLPercent:     PnLPercent(s, ladder),
		Nearest:        NearestUnhit(ladder, price),
		NewlyHit:       newly,
		StopDistance:   distance,
		NearStop:       near,
		StopBreached:   StopBreached(dir, s.StopLoss, price),
		LadderPosition: hitCount(ladder),
		EvaluatedAt:    at,
	}, nil
}

// Apply returns a copy of s with the result's newly hit levels marked and the
// price recorded. Levels already hit keep their original hit date.
func Apply(s models.Signal, r models.EvaluationResult) models.Signal {
	out := s.Clone()
	hitAt := r.EvaluatedAt
	for _, level := range r.NewlyHit {
		for i := range out.TakeProfits {
			tp := &out.TakeProfits[i]
			if tp.Level == level && !tp.Hit {
				tp.Hit = true
				tp.HitDate = &hitAt
			}
		}
	}
	out.CurrentPrice = r.Price
	out.LastPriceUpdate = &hitAt
	return out
}

// Ladder returns a copy of tps in the order a position reaches them:
// ascending price for long, descending for short. Ties keep level order.
func Ladder(tps []models.TakeProfit, dir models.Direction) []models.TakeProfit {
	out := make([]models.TakeProfit, len(tps))
	copy(out, tps)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Price == out[j].Price {
			return out[i].Level < out[j].Level
		}
		if dir == models.Short {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// Reached reports whether price satisfies a target for the given direction
func Reached(dir models.Direction, price, target float64) bool {
	if dir == models.Short {
		return price <= target
	}
	return price >= target
}

// Status applies the lifecycle precedence: closed, in_entry, active, pre_entry.
// A signal without take-profits has every target hit and is closed.
func Status(s models.Signal, ladder []models.TakeProfit, price float64) models.Status {
	hits := hitCount(ladder)
	low, high := math.Min(s.EntryLow, s.EntryHigh), math.Max(s.EntryLow, s.EntryHigh)
	switch {
	case hits == len(ladder):
		return models.StatusClosed
	case price >= low && price <= high:
		return models.StatusInEntry
	case hits > 0:
		return models.StatusActive
	default:
		return models.StatusPreEntry
	}
}

// PnLPercent is (avgExit - entry) / entry * 100 where entry is the midpoint of the
// entry range and avgExit the mean of hit targets. The sign follows price, so a
// profitable short is negative. It is nil until a level is hit.
func PnLPercent(s models.Signal, ladder []models.TakeProfit) *float64 {
	var sum float64
	var n int
	for _, tp := range ladder {
		if tp.Hit {
			sum += tp.Price
			n++
		}
	}
	if n == 0 {
		return nil
	}

	entry := (s.EntryLow + s.EntryHigh) / 2
	exit := sum / float64(n)
	pnl := (exit - entry) / entry * 100
	return &pnl
}

// NearestUnhit returns the first unhit target in ladder order. DistancePercent
// is positive when price must rise to reach it.
func NearestUnhit(ladder []models.TakeProfit, price float64) *models.TargetDistance {
	for _, tp := range ladder {
		if tp.Hit {
			continue
		}
		return &models.TargetDistance{
			Level:           tp.Level,
			Price:           tp.Price,
			DistancePercent: (tp.Price - price) / price * 100,
		}
	}
	return nil
}

// StopProximity returns (price - stop) / price and whether it lies inside NearStopBand.
// A zero stop means none is set.
func StopProximity(stop, price float64) (float64, bool) {
	if stop <= 0 {
		return 0, false
	}
	d := (price - stop) / price
	return d, math.Abs(d) < NearStopBand
}

// StopBreached reports whether price is at or beyond the stop loss
func StopBreached(dir models.Direction, stop, price float64) bool {
	if stop <= 0 {
		return false
	}
	if dir == models.Short {
		return price >= stop
	}
	return price <= stop
}

func hitCount(tps []models.TakeProfit) int {
	n := 0
	for _, tp := range tps {
		if tp.Hit {
			n++
		}
	}
	return n
}
