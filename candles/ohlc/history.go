package ohlc

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"github.com/linluma/signalwatch/shared/models"
)

// HistoryFetcher performs the one-shot historical candle bootstrap
type HistoryFetcher interface {
	// FetchCandles returns up to limit candles ordered by open time, oldest first
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// BinanceHistory fetches klines from the Binance REST API
type BinanceHistory struct {
	client  *binance.Client
	limiter *rate.Limiter
}

// NewBinanceHistory wraps client. A nil limiter disables request spacing.
func NewBinanceHistory(client *binance.Client, limiter *rate.Limiter) *BinanceHistory {
	return &BinanceHistory{client: client, limiter: limiter}
}

// NewRESTClient returns an unauthenticated client for the public kline endpoint
func NewRESTClient(baseURL string) *binance.Client {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return client
}

// NewLimiter spaces requests at least every apart. Zero means unlimited.
func NewLimiter(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

func (h *BinanceHistory) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	klines, err := h.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := toCandle(k)
		if err != nil {
			return nil, fmt.Errorf("kline %d for %s: %w", k.OpenTime, symbol, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func toCandle(k *binance.Kline) (models.Candle, error) {
	values := [5]float64{}
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("invalid number %q: %w", s, err)
		}
		values[i] = v
	}
	return models.Candle{
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}
