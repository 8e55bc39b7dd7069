package ohlc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/linluma/signalwatch/candles/exchanges"
	"github.com/linluma/signalwatch/candles/metrics"
	"github.com/linluma/signalwatch/candles/mux"
	"github.com/linluma/signalwatch/candles/prices"
	"github.com/linluma/signalwatch/shared/logging"
	"github.com/linluma/signalwatch/shared/models"
)

var (
	// ErrInvalidTick rejects non-positive or non-finite prices
	ErrInvalidTick = errors.New("invalid tick")
	// ErrStaleTick rejects ticks older than the current candle's window
	ErrStaleTick = errors.New("stale tick")
)

// FetchError reports a failed historical bootstrap. The symbol is left
// uninitialized so Initialize can be called again.
type FetchError struct {
	Symbol string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch history for %s: %v", e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TickSubscriber is the subset of the multiplexer the aggregator needs
type TickSubscriber interface {
	Subscribe(ctx context.Context, key models.ChannelKey, l mux.Listener) (mux.Handle, error)
	Unsubscribe(ctx context.Context, key models.ChannelKey, h mux.Handle) error
}

// Config holds aggregation settings
type Config struct {
	Window          time.Duration
	HistoryInterval string
	HistoryLimit    int
	TickKind        models.StreamKind
	KlineInterval   string
}

type coin struct {
	state      models.CoinState
	loaded     bool
	subscribed bool
	key        models.ChannelKey
	handle     mux.Handle
}

// Aggregator owns per-symbol candle state and is the only writer of the price cache
type Aggregator struct {
	cfg        Config
	builder    Builder
	fetcher    HistoryFetcher
	subscriber TickSubscriber
	cache      *prices.Cache
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Recorder

	mutex sync.RWMutex
	coins map[string]*coin
	group singleflight.Group
}

// NewAggregator creates an aggregator
func NewAggregator(cfg Config, fetcher HistoryFetcher, subscriber TickSubscriber, cache *prices.Cache,
	clk clock.Clock, logger *zap.Logger, rec *metrics.Recorder) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.HistoryInterval == "" {
		cfg.HistoryInterval = "1d"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 30
	}
	if cfg.TickKind == "" {
		cfg.TickKind = models.KindTrade
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Aggregator{
		cfg:        cfg,
		builder:    NewBuilder(cfg.Window),
		fetcher:    fetcher,
		subscriber: subscriber,
		cache:      cache,
		clock:      clk,
		logger:     logging.OrNop(logger).Named("ohlc"),
		metrics:    rec,
		coins:      make(map[string]*coin),
	}
}

// ChannelFor returns the live channel the aggregator subscribes for symbol
func (a *Aggregator) ChannelFor(symbol string) models.ChannelKey {
	switch a.cfg.TickKind {
	case models.KindKline:
		return models.KlineChannel(symbol, a.cfg.KlineInterval)
	case models.KindAvgPrice:
		return models.AvgPriceChannel(symbol)
	default:
		return models.TradeChannel(symbol)
	}
}

// Initialize bootstraps history for symbol and subscribes it to live ticks.
// It is a no-op once done; concurrent callers share one in-flight attempt.
func (a *Aggregator) Initialize(ctx context.Context, symbol string) error {
	symbol = models.FormatSymbol(symbol)
	if symbol == "" {
		return errors.New("empty symbol")
	}

	if a.ready(symbol) {
		return nil
	}

	ch := a.group.DoChan(symbol, func() (interface{}, error) {
		return nil, a.initialize(context.WithoutCancel(ctx), symbol)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) ready(symbol string) bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	c, ok := a.coins[symbol]
	return ok && c.loaded && c.subscribed
}

func (a *Aggregator) initialize(ctx context.Context, symbol string) error {
	a.mutex.Lock()
	c := a.coinLocked(symbol)
	loaded := c.loaded
	if !loaded {
		c.state.IsInitializing = true
		c.state.LastError = ""
		c.state.LastUpdated = a.clock.Now()
	}
	a.mutex.Unlock()

	if !loaded {
		if err := a.bootstrap(ctx, symbol); err != nil {
			return err
		}
	}
	return a.subscribe(ctx, symbol)
}

func (a *Aggregator) bootstrap(ctx context.Context, symbol string) error {
	start := a.clock.Now()
	candles, err := a.fetcher.FetchCandles(ctx, symbol, a.cfg.HistoryInterval, a.cfg.HistoryLimit)
	a.metrics.RecordFetch(a.clock.Since(start).Seconds())

	if err != nil {
		a.mutex.Lock()
		c := a.coinLocked(symbol)
		c.state.IsInitializing = false
		c.state.LastError = err.Error()
		a.mutex.Unlock()

		a.metrics.RecordFetchFailure(symbol)
		a.logger.Warn("Historical bootstrap failed", zap.String("symbol", symbol), zap.Error(err))
		return &FetchError{Symbol: symbol, Err: err}
	}

	now := a.clock.Now()
	windowStart := a.builder.WindowStart(now)

	history := make([]models.Candle, 0, len(candles))
	var seed *models.Candle
	for i := range candles {
		k := candles[i]
		switch {
		case k.OpenTime.Before(windowStart):
			history = append(history, k)
		case k.OpenTime.Equal(windowStart):
			// venue's in-progress candle for the current window
			s := a.builder.Open(k.Open, windowStart)
			s.High, s.Low, s.Close, s.Volume = k.High, k.Low, k.Close, k.Volume
			seed = &s
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].OpenTime.Before(history[j].OpenTime) })

	var lastClose float64
	if n := len(candles); n > 0 {
		lastClose = candles[n-1].Close
	}

	a.mutex.Lock()
	c := a.coinLocked(symbol)
	c.state.HistoricalData = mergeHistory(history, c.state.HistoricalData)
	live := c.state.CurrentCandle != nil
	switch {
	case live && seed != nil && c.state.CurrentCandle.OpenTime.Equal(seed.OpenTime):
		merged := a.builder.Merge(*c.state.CurrentCandle, *seed)
		c.state.CurrentCandle = &merged
	case !live && seed != nil:
		c.state.CurrentCandle = seed
	case !live && lastClose > 0:
		fresh := a.builder.Open(lastClose, now)
		c.state.CurrentCandle = &fresh
	}
	if !live && lastClose > 0 {
		c.state.CurrentPrice = lastClose
	}
	c.state.IsInitializing = false
	c.state.LastError = ""
	c.state.LastUpdated = now
	c.loaded = true
	price := c.state.CurrentPrice
	a.mutex.Unlock()

	if price > 0 {
		if _, ok := a.cache.Get(symbol); !ok {
			a.cache.Update(symbol, price, now)
		}
	}

	a.logger.Info("Historical data loaded",
		zap.String("symbol", symbol),
		zap.Int("candles", len(history)),
		zap.Float64("price", price))
	return nil
}

// mergeHistory appends candles completed by live ticks that are newer than the fetched history
func mergeHistory(fetched, live []models.Candle) []models.Candle {
	if len(fetched) == 0 {
		return live
	}
	last := fetched[len(fetched)-1].OpenTime
	for _, c := range live {
		if c.OpenTime.After(last) {
			fetched = append(fetched, c)
		}
	}
	return fetched
}

func (a *Aggregator) subscribe(ctx context.Context, symbol string) error {
	if a.subscriber == nil {
		a.mutex.Lock()
		a.coinLocked(symbol).subscribed = true
		a.mutex.Unlock()
		return nil
	}

	key := a.ChannelFor(symbol)
	h, err := a.subscriber.Subscribe(ctx, key, a.Listener(symbol))
	if err != nil {
		a.mutex.Lock()
		a.coinLocked(symbol).state.LastError = err.Error()
		a.mutex.Unlock()
		a.logger.Warn("Live subscription failed", zap.String("symbol", symbol), zap.Error(err))
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}

	a.mutex.Lock()
	c := a.coinLocked(symbol)
	c.subscribed = true
	c.key = key
	c.handle = h
	a.mutex.Unlock()
	return nil
}

// Release unsubscribes symbol from live ticks. Candle state is kept.
func (a *Aggregator) Release(ctx context.Context, symbol string) error {
	symbol = models.FormatSymbol(symbol)

	a.mutex.Lock()
	c, ok := a.coins[symbol]
	if !ok || !c.subscribed {
		a.mutex.Unlock()
		return nil
	}
	key, h := c.key, c.handle
	c.subscribed = false
	a.mutex.Unlock()

	if a.subscriber == nil {
		return nil
	}
	if err := a.subscriber.Unsubscribe(ctx, key, h); err != nil && !errors.Is(err, mux.ErrUnknownHandle) {
		return fmt.Errorf("release %s: %w", symbol, err)
	}
	a.logger.Info("Released symbol", zap.String("symbol", symbol))
	return nil
}

// Listener adapts stream messages for symbol into OnTick calls
func (a *Aggregator) Listener(symbol string) mux.Listener {
	return func(msg exchanges.Message) {
		tick := msg.Tick()
		at := tick.Timestamp
		if at.IsZero() {
			at = a.clock.Now()
		}
		if err := a.OnTick(symbol, tick.Price, at); err != nil {
			a.logger.Debug("Tick rejected", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// OnTick applies a price observation. The price cache is updated even when
// no history has been loaded for symbol. A tick older than the current
// window updates the price cache, leaves the candle alone and returns
// ErrStaleTick.
func (a *Aggregator) OnTick(symbol string, price float64, at time.Time) error {
	symbol = models.FormatSymbol(symbol)
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		a.metrics.RecordRejectedTick("invalid")
		return fmt.Errorf("%w: %s price %v", ErrInvalidTick, symbol, price)
	}
	at = at.UTC()

	a.mutex.Lock()
	c := a.coinLocked(symbol)
	if cur := c.state.CurrentCandle; cur != nil && at.Before(cur.OpenTime) {
		a.mutex.Unlock()
		a.cache.Update(symbol, price, at)
		a.metrics.RecordRejectedTick("stale")
		return fmt.Errorf("%w: %s at %s before window %s", ErrStaleTick, symbol, at, cur.OpenTime)
	}

	next, completed := a.builder.AddTrade(c.state.CurrentCandle, price, at)
	if completed != nil {
		c.state.HistoricalData = append(c.state.HistoricalData, *completed)
		if extra := len(c.state.HistoricalData) - a.cfg.HistoryLimit; extra > 0 {
			c.state.HistoricalData = append([]models.Candle(nil), c.state.HistoricalData[extra:]...)
		}
	}
	c.state.CurrentCandle = &next
	c.state.CurrentPrice = price
	c.state.LastUpdated = at
	a.mutex.Unlock()

	a.cache.Update(symbol, price, at)
	a.metrics.RecordTick(symbol, price)
	if completed != nil {
		a.logger.Debug("Candle completed",
			zap.String("symbol", symbol),
			zap.Time("open_time", completed.OpenTime),
			zap.Float64("close", completed.Close))
	}
	return nil
}

// CoinState returns a copy of the state for symbol
func (a *Aggregator) CoinState(symbol string) (models.CoinState, bool) {
	symbol = models.FormatSymbol(symbol)

	a.mutex.RLock()
	defer a.mutex.RUnlock()
	c, ok := a.coins[symbol]
	if !ok {
		return models.CoinState{}, false
	}

	out := c.state
	out.HistoricalData = append([]models.Candle(nil), c.state.HistoricalData...)
	if c.state.CurrentCandle != nil {
		cur := *c.state.CurrentCandle
		out.CurrentCandle = &cur
	}
	return out, true
}

// Symbols returns the known symbols in order
func (a *Aggregator) Symbols() []string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	out := make([]string, 0, len(a.coins))
	for s := range a.coins {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (a *Aggregator) coinLocked(symbol string) *coin {
	c, ok := a.coins[symbol]
	if !ok {
		c = &coin{state: models.CoinState{Symbol: symbol}}
		a.coins[symbol] = c
	}
	return c
}
