package evaluator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linluma/signalwatch/shared/models"
)

var evalTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func longSignal() models.Signal {
	return models.Signal{
		ID:        1,
		CoinPair:  "BTC/USDT",
		EntryLow:  100,
		EntryHigh: 110,
		StopLoss:  90,
		IsActive:  true,
		TakeProfits: []models.TakeProfit{
			{Level: 1, Price: 120},
			{Level: 2, Price: 130},
		},
	}
}

func shortSignal() models.Signal {
	return models.Signal{
		ID:        2,
		CoinPair:  "ETHUSDT",
		EntryLow:  110,
		EntryHigh: 100,
		StopLoss:  120,
		IsActive:  true,
		TakeProfits: []models.TakeProfit{
			{Level: 1, Price: 90},
			{Level: 2, Price: 80},
		},
	}
}

func TestEvaluateLong(t *testing.T) {
	t.Run("FirstTargetHit", func(t *testing.T) {
		s := longSignal()
		r, err := Evaluate(s, 125, evalTime)
		require.NoError(t, err)

		assert.Equal(t, []int{1}, r.NewlyHit)
		assert.Equal(t, models.StatusActive, r.Status)
		require.NotNil(t, r.PnLPercent)
		assert.InDelta(t, (120.0-105.0)/105.0*100, *r.PnLPercent, 1e-9)
		assert.InDelta(t, 14.29, *r.PnLPercent, 0.01)

		require.NotNil(t, r.Nearest)
		assert.Equal(t, 2, r.Nearest.Level)
		assert.InDelta(t, 4.0, r.Nearest.DistancePercent, 1e-9)
		assert.Equal(t, 1, r.LadderPosition)
		assert.Equal(t, "BTCUSDT", r.Symbol)
		assert.Equal(t, evalTime, r.EvaluatedAt)

		assert.False(t, s.TakeProfits[0].Hit, "Evaluate must not modify the signal")
	})

	t.Run("InsideEntry", func(t *testing.T) {
		r, err := Evaluate(longSignal(), 105, evalTime)
		require.NoError(t, err)

		assert.Equal(t, models.StatusInEntry, r.Status)
		assert.Empty(t, r.NewlyHit)
		assert.Nil(t, r.PnLPercent)
		require.NotNil(t, r.Nearest)
		assert.Equal(t, 1, r.Nearest.Level)
		assert.Positive(t, r.Nearest.DistancePercent)
	})

	t.Run("PreEntry", func(t *testing.T) {
		r, err := Evaluate(longSignal(), 97, evalTime)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPreEntry, r.Status)
		assert.Nil(t, r.PnLPercent)
	})

	t.Run("AllTargetsHit", func(t *testing.T) {
		r, err := Evaluate(longSignal(), 131, evalTime)
		require.NoError(t, err)

		assert.Equal(t, models.StatusClosed, r.Status)
		assert.Equal(t, []int{1, 2}, r.NewlyHit)
		assert.Nil(t, r.Nearest)
		require.NotNil(t, r.PnLPercent)
		assert.InDelta(t, (125.0-105.0)/105.0*100, *r.PnLPercent, 1e-9)
	})

	t.Run("ExactTargetPriceCounts", func(t *testing.T) {
		r, err := Evaluate(longSignal(), 120, evalTime)
		require.NoError(t, err)
		assert.Equal(t, []int{1}, r.NewlyHit)
	})
}

func TestEvaluateShort(t *testing.T) {
	r, err := Evaluate(shortSignal(), 85, evalTime)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, r.NewlyHit)
	assert.Equal(t, models.StatusActive, r.Status)
	require.NotNil(t, r.PnLPercent)
	assert.InDelta(t, (90.0-105.0)/105.0*100, *r.PnLPercent, 1e-9, "PnL follows the price move")
	assert.Negative(t, *r.PnLPercent)

	r, err = Evaluate(Apply(shortSignal(), r), 85, evalTime.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, r.PnLPercent)
	assert.InDelta(t, -14.2857, *r.PnLPercent, 1e-4, "Re-evaluating an applied hit keeps the sign")

	require.NotNil(t, r.Nearest)
	assert.Equal(t, 2, r.Nearest.Level)
	assert.Negative(t, r.Nearest.DistancePercent, "Price must fall to reach a short target")

	r, err = Evaluate(shortSignal(), 95, evalTime)
	require.NoError(t, err)
	assert.Empty(t, r.NewlyHit)
	assert.Equal(t, models.StatusPreEntry, r.Status)

	r, err = Evaluate(shortSignal(), 105, evalTime)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInEntry, r.Status)
}

func TestStatusPrecedence(t *testing.T) {
	s := longSignal()
	s.TakeProfits = []models.TakeProfit{{Level: 1, Price: 105}, {Level: 2, Price: 130}}

	r, err := Evaluate(s, 106, evalTime)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, r.NewlyHit)
	assert.Equal(t, models.StatusInEntry, r.Status, "in_entry wins over active")

	s.TakeProfits = []models.TakeProfit{{Level: 1, Price: 101, Hit: true}}
	r, err = Evaluate(s, 105, evalTime)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, r.Status, "closed wins over in_entry")

	s.TakeProfits = nil
	for _, price := range []float64{50, 105, 200} {
		r, err = Evaluate(s, price, evalTime)
		require.NoError(t, err)
		assert.Equal(t, models.StatusClosed, r.Status, "a signal without targets has all of them hit")
		assert.Nil(t, r.PnLPercent)
		assert.Nil(t, r.Nearest)
	}
}

func TestTakeProfitHitsAreMonotonic(t *testing.T) {
	s := longSignal()
	for i, price := range []float64{125, 115, 80, 122, 60} {
		r, err := Evaluate(s, price, evalTime.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		s = Apply(s, r)

		assert.True(t, s.TakeProfits[0].Hit, "level 1 must stay hit at price %v", price)
		assert.False(t, s.TakeProfits[1].Hit)
		assert.Equal(t, price, s.CurrentPrice)
		if i > 0 {
			assert.Empty(t, r.NewlyHit)
			assert.Equal(t, models.StatusActive, r.Status)
			require.NotNil(t, r.PnLPercent)
		}
	}
	require.NotNil(t, s.TakeProfits[0].HitDate)
	assert.Equal(t, evalTime, *s.TakeProfits[0].HitDate, "hit date is the first hit")
}

func TestApply(t *testing.T) {
	s := longSignal()
	r, err := Evaluate(s, 135, evalTime)
	require.NoError(t, err)

	out := Apply(s, r)
	assert.True(t, out.TakeProfits[0].Hit)
	assert.True(t, out.TakeProfits[1].Hit)
	require.NotNil(t, out.LastPriceUpdate)
	assert.Equal(t, evalTime, *out.LastPriceUpdate)

	assert.False(t, s.TakeProfits[0].Hit, "Apply returns a copy")
	assert.Nil(t, s.LastPriceUpdate)
}

func TestLadderOrdering(t *testing.T) {
	tps := []models.TakeProfit{
		{Level: 1, Price: 130},
		{Level: 2, Price: 120},
		{Level: 3, Price: 140},
	}

	long := Ladder(tps, models.Long)
	assert.Equal(t, []int{2, 1, 3}, levels(long))
	short := Ladder(tps, models.Short)
	assert.Equal(t, []int{3, 1, 2}, levels(short))
	assert.Equal(t, 130.0, tps[0].Price, "input is not reordered")

	s := longSignal()
	s.TakeProfits = tps
	r, err := Evaluate(s, 125, evalTime)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, r.NewlyHit)
	require.NotNil(t, r.Nearest)
	assert.Equal(t, 1, r.Nearest.Level, "nearest follows price order, not level order")
}

func TestStopLoss(t *testing.T) {
	tests := []struct {
		name     string
		signal   models.Signal
		price    float64
		near     bool
		breached bool
	}{
		{"LongFarAbove", longSignal(), 105, false, false},
		{"LongNear", longSignal(), 94, true, false},
		{"LongBreached", longSignal(), 89, true, true},
		{"LongDeepBreach", longSignal(), 50, false, true},
		{"ShortNear", shortSignal(), 118, true, false},
		{"ShortBreached", shortSignal(), 121, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Evaluate(tt.signal, tt.price, evalTime)
			require.NoError(t, err)
			assert.Equal(t, tt.near, r.NearStop)
			assert.Equal(t, tt.breached, r.StopBreached)
			assert.InDelta(t, (tt.price-tt.signal.StopLoss)/tt.price, r.StopDistance, 1e-12)
			assert.Empty(t, r.NewlyHit, "stop proximity never marks levels")
		})
	}

	s := longSignal()
	s.StopLoss = 0
	r, err := Evaluate(s, 1, evalTime)
	require.NoError(t, err)
	assert.False(t, r.NearStop)
	assert.False(t, r.StopBreached)
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	for _, p := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := Evaluate(longSignal(), p, evalTime)
		assert.ErrorIs(t, err, ErrInvalidPrice)
	}

	s := longSignal()
	s.EntryLow = 0
	_, err := Evaluate(s, 100, evalTime)
	assert.ErrorIs(t, err, ErrInvalidSignal)

	s = longSignal()
	s.TakeProfits[1].Price = -3
	_, err = Evaluate(s, 100, evalTime)
	assert.ErrorIs(t, err, ErrInvalidSignal)
}

func levels(tps []models.TakeProfit) []int {
	out := make([]int, len(tps))
	for i, tp := range tps {
		out[i] = tp.Level
	}
	return out
}
