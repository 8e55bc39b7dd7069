package tracker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/linluma/signalwatch/candles/evaluator"
	"github.com/linluma/signalwatch/candles/metrics"
	"github.com/linluma/signalwatch/candles/prices"
	"github.com/linluma/signalwatch/candles/store"
	"github.com/linluma/signalwatch/shared/logging"
	"github.com/linluma/signalwatch/shared/models"
)

// Initializer prepares live data for a symbol
type Initializer interface {
	Initialize(ctx context.Context, symbol string) error
	Release(ctx context.Context, symbol string) error
}

// Config holds tracker settings
type Config struct {
	PollInterval time.Duration
	// Symbols are kept live even without an active signal
	Symbols []string
	// MaxConcurrentInit bounds parallel symbol bootstraps
	MaxConcurrentInit int
}

// Tracker evaluates active signals whenever their symbol's price changes and
// on a polling cadence, persisting newly hit take-profit levels.
type Tracker struct {
	store   store.SignalStore
	cache   *prices.Cache
	init    Initializer
	clock   clock.Clock
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Recorder

	refreshing atomic.Bool

	mutex   sync.RWMutex
	signals map[string][]models.Signal
	results map[int64]models.EvaluationResult
	live    map[string]bool
}

// New creates a tracker
func New(st store.SignalStore, cache *prices.Cache, init Initializer, clk clock.Clock, cfg Config,
	logger *zap.Logger, rec *metrics.Recorder) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxConcurrentInit <= 0 {
		cfg.MaxConcurrentInit = 4
	}
	return &Tracker{
		store:   st,
		cache:   cache,
		init:    init,
		clock:   clk,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("tracker"),
		metrics: rec,
		signals: make(map[string][]models.Signal),
		results: make(map[int64]models.EvaluationResult),
		live:    make(map[string]bool),
	}
}

// Run evaluates on price updates and refreshes on every poll until ctx ends.
// Symbol bootstraps run beside the update loop, so a slow history fetch never
// holds back evaluation of symbols that are already live. A poll that fires
// while the previous bootstrap is still running is skipped.
func (t *Tracker) Run(ctx context.Context) error {
	updates, cancel := t.cache.Watch(256)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	refresh := func() {
		if !t.refreshing.CompareAndSwap(false, true) {
			t.logger.Debug("Previous refresh still running, skipping poll")
			return
		}
		p, ok := t.reload(ctx)
		if !ok {
			t.refreshing.Store(false)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer t.refreshing.Store(false)
			t.settle(ctx, p)
		}()
	}

	refresh()

	ticker := t.clock.Ticker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			t.EvaluateSymbol(ctx, u.Symbol, u.Price, u.UpdatedAt)
		case <-ticker.C:
			refresh()
		}
	}
}

// Refresh reloads active signals, brings their symbols live, releases symbols
// no longer needed and re-evaluates every signal at its cached price.
func (t *Tracker) Refresh(ctx context.Context) {
	if p, ok := t.reload(ctx); ok {
		t.settle(ctx, p)
	}
}

type refreshPlan struct {
	bySymbol map[string][]models.Signal
	wanted   map[string]bool
	stale    []string
}

// reload swaps in the active signals and works out which symbols to bring
// live or release
func (t *Tracker) reload(ctx context.Context) (refreshPlan, bool) {
	active, err := t.store.ListActive(ctx)
	if err != nil {
		t.logger.Warn("Failed to load active signals", zap.Error(err))
		return refreshPlan{}, false
	}

	bySymbol := make(map[string][]models.Signal)
	for _, s := range active {
		sym := s.Symbol()
		bySymbol[sym] = append(bySymbol[sym], s)
	}
	wanted := make(map[string]bool, len(bySymbol)+len(t.cfg.Symbols))
	for sym := range bySymbol {
		wanted[sym] = true
	}
	for _, sym := range t.cfg.Symbols {
		if sym = models.FormatSymbol(sym); sym != "" {
			wanted[sym] = true
		}
	}

	t.mutex.Lock()
	t.signals = bySymbol
	for id := range t.results {
		if !containsID(active, id) {
			delete(t.results, id)
		}
	}
	var stale []string
	for sym := range t.live {
		if !wanted[sym] {
			stale = append(stale, sym)
		}
	}
	t.mutex.Unlock()

	return refreshPlan{bySymbol: bySymbol, wanted: wanted, stale: stale}, true
}

func (t *Tracker) settle(ctx context.Context, p refreshPlan) {
	t.initialize(ctx, p.wanted)
	t.release(ctx, p.stale)

	for sym := range p.bySymbol {
		e, ok := t.cache.Get(sym)
		if !ok {
			continue
		}
		t.evaluate(ctx, sym, e.Price, t.clock.Now(), true)
	}
}

// initialize brings symbols live in parallel. A failing symbol is logged and
// retried on the next poll; it never blocks the others.
func (t *Tracker) initialize(ctx context.Context, symbols map[string]bool) {
	var g errgroup.Group
	g.SetLimit(t.cfg.MaxConcurrentInit)
	for sym := range symbols {
		g.Go(func() error {
			if err := t.init.Initialize(ctx, sym); err != nil {
				t.logger.Warn("Symbol data unavailable, retrying next poll",
					zap.String("symbol", sym), zap.Error(err))
				return nil
			}
			t.mutex.Lock()
			t.live[sym] = true
			t.mutex.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Tracker) release(ctx context.Context, symbols []string) {
	for _, sym := range symbols {
		if err := t.init.Release(ctx, sym); err != nil {
			t.logger.Warn("Failed to release symbol", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		t.mutex.Lock()
		delete(t.live, sym)
		t.mutex.Unlock()
	}
}

// EvaluateSymbol evaluates every active signal for symbol at price
func (t *Tracker) EvaluateSymbol(ctx context.Context, symbol string, price float64, at time.Time) {
	t.evaluate(ctx, symbol, price, at, false)
}

func (t *Tracker) evaluate(ctx context.Context, symbol string, price float64, at time.Time, persistPrice bool) {
	t.mutex.RLock()
	signals := append([]models.Signal(nil), t.signals[symbol]...)
	t.mutex.RUnlock()

	for _, s := range signals {
		r, err := evaluator.Evaluate(s, price, at)
		if err != nil {
			t.logger.Warn("Evaluation failed", zap.Int64("signal_id", s.ID), zap.Error(err))
			continue
		}
		t.metrics.RecordEvaluation()

		if len(r.NewlyHit) > 0 {
			if err := t.store.MarkTakeProfitsHit(ctx, s.ID, r.NewlyHit, at); err != nil {
				// not applied locally, so the next evaluation reports the hit again
				t.logger.Error("Failed to persist take-profit hits",
					zap.Int64("signal_id", s.ID), zap.Ints("levels", r.NewlyHit), zap.Error(err))
			} else {
				t.metrics.RecordTakeProfitHits(symbol, len(r.NewlyHit))
				t.logger.Info("Take-profit hit",
					zap.Int64("signal_id", s.ID),
					zap.String("symbol", symbol),
					zap.Ints("levels", r.NewlyHit),
					zap.Float64("price", price),
					zap.String("status", string(r.Status)))
				t.replace(symbol, evaluator.Apply(s, r))
			}
		}
		if r.StopBreached {
			t.logger.Warn("Price beyond stop loss",
				zap.Int64("signal_id", s.ID), zap.Float64("price", price), zap.Float64("stop_loss", s.StopLoss))
		}
		if persistPrice {
			if err := t.store.UpdatePrice(ctx, s.ID, price, at); err != nil {
				t.logger.Warn("Failed to persist price", zap.Int64("signal_id", s.ID), zap.Error(err))
			}
		}

		t.mutex.Lock()
		t.results[s.ID] = r
		t.mutex.Unlock()
	}
}

func (t *Tracker) replace(symbol string, s models.Signal) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	list := t.signals[symbol]
	for i := range list {
		if list[i].ID == s.ID {
			list[i] = s
			return
		}
	}
}

// Result returns the latest evaluation of a signal
func (t *Tracker) Result(id int64) (models.EvaluationResult, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	r, ok := t.results[id]
	return r, ok
}

// Results returns the latest evaluations ordered by signal id
func (t *Tracker) Results() []models.EvaluationResult {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	out := make([]models.EvaluationResult, 0, len(t.results))
	for _, r := range t.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out
}

// Signal returns the tracked copy of an active signal
func (t *Tracker) Signal(id int64) (models.Signal, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	for _, list := range t.signals {
		for _, s := range list {
			if s.ID == id {
				return s.Clone(), true
			}
		}
	}
	return models.Signal{}, false
}

// LiveSymbols returns the symbols currently initialized, in order
func (t *Tracker) LiveSymbols() []string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	out := make([]string, 0, len(t.live))
	for s := range t.live {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func containsID(signals []models.Signal, id int64) bool {
	for _, s := range signals {
		if s.ID == id {
			return true
		}
	}
	return false
}
