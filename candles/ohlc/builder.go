package ohlc

import (
	"time"

	"github.com/linluma/signalwatch/shared/models"
)

// Builder builds fixed-width OHLC candles from price ticks
type Builder struct {
	window time.Duration
}

// NewBuilder creates a builder for the given window
func NewBuilder(window time.Duration) Builder {
	return Builder{window: window}
}

// WindowStart returns the open time of the window containing t
func (b Builder) WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(b.window)
}

// Open starts a candle for the window containing t, seeded at price
func (b Builder) Open(price float64, t time.Time) models.Candle {
	return b.openAt(price, b.WindowStart(t))
}

func (b Builder) openAt(price float64, start time.Time) models.Candle {
	return models.Candle{
		OpenTime:  start,
		CloseTime: start.Add(b.window - time.Millisecond),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}
}

// Apply widens c with price. It never narrows high or low.
func (b Builder) Apply(c *models.Candle, price float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
}

// AddTrade applies a tick at t to current. It returns the candle to keep as
// current and, when the tick is at or past current's CloseTime, the completed one.
// A tick exactly at CloseTime opens the following window.
func (b Builder) AddTrade(current *models.Candle, price float64, t time.Time) (next models.Candle, completed *models.Candle) {
	if current == nil {
		return b.Open(price, t), nil
	}
	if !t.Before(current.CloseTime) {
		done := *current
		start := b.WindowStart(t)
		if !start.After(current.OpenTime) {
			start = current.CloseTime.Add(time.Millisecond)
		}
		return b.openAt(price, start), &done
	}
	next = *current
	b.Apply(&next, price)
	return next, nil
}

// Merge folds a venue-side candle for the same window into live, keeping the
// earlier open and the live close.
func (b Builder) Merge(live models.Candle, seed models.Candle) models.Candle {
	out := live
	out.Open = seed.Open
	if seed.High > out.High {
		out.High = seed.High
	}
	if seed.Low < out.Low {
		out.Low = seed.Low
	}
	out.Volume += seed.Volume
	return out
}
