package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linluma/signalwatch/candles/evaluator"
	"github.com/linluma/signalwatch/candles/prices"
	"github.com/linluma/signalwatch/candles/store"
	"github.com/linluma/signalwatch/proto"
	"github.com/linluma/signalwatch/shared/logging"
	"github.com/linluma/signalwatch/shared/models"
)

// Coin availability reported by GetCoin
const (
	CoinReady        = "ready"
	CoinInitializing = "initializing"
	CoinUnavailable  = "data unavailable, retrying"
)

// CoinReader exposes aggregator state
type CoinReader interface {
	CoinState(symbol string) (models.CoinState, bool)
	Symbols() []string
}

// EvaluationReader exposes the tracker's latest evaluations
type EvaluationReader interface {
	Result(id int64) (models.EvaluationResult, bool)
}

// WatcherServer implements the gRPC Watcher service
type WatcherServer struct {
	cache   *prices.Cache
	coins   CoinReader
	results EvaluationReader
	store   store.SignalStore
	clock   clock.Clock
	logger  *zap.Logger

	// StuckAfter bounds how long a coin may stay initializing before it is reported unavailable
	StuckAfter time.Duration
}

var _ proto.WatcherServer = (*WatcherServer)(nil)

// NewWatcherServer creates a new gRPC watcher server
func NewWatcherServer(cache *prices.Cache, coins CoinReader, results EvaluationReader, st store.SignalStore,
	clk clock.Clock, logger *zap.Logger) *WatcherServer {
	if clk == nil {
		clk = clock.New()
	}
	return &WatcherServer{
		cache:      cache,
		coins:      coins,
		results:    results,
		store:      st,
		clock:      clk,
		logger:     logging.OrNop(logger).Named("grpc"),
		StuckAfter: 30 * time.Second,
	}
}

// ListSymbols returns the symbols with candle state
func (s *WatcherServer) ListSymbols(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	symbols := s.coins.Symbols()
	list := make([]any, len(symbols))
	for i, sym := range symbols {
		list[i] = sym
	}
	return structpb.NewStruct(map[string]any{"symbols": list})
}

// GetPrice returns the cached price of {"symbol": ...}
func (s *WatcherServer) GetPrice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	symbol, err := symbolField(req)
	if err != nil {
		return nil, err
	}
	e, ok := s.cache.Get(symbol)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no price for %s", symbol)
	}
	return priceStruct(e)
}

// GetCoin returns the candle state of {"symbol": ...} with its availability
func (s *WatcherServer) GetCoin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	symbol, err := symbolField(req)
	if err != nil {
		return nil, err
	}
	state, ok := s.coins.CoinState(symbol)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "%s is not tracked", symbol)
	}

	out, err := toStruct(state)
	if err != nil {
		return nil, err
	}
	out.Fields["availability"] = structpb.NewStringValue(s.availability(state))
	return out, nil
}

func (s *WatcherServer) availability(state models.CoinState) string {
	switch {
	case state.LastError != "" && state.CurrentCandle == nil:
		return CoinUnavailable
	case state.IsInitializing && s.clock.Since(state.LastUpdated) > s.StuckAfter:
		return CoinUnavailable
	case state.IsInitializing:
		return CoinInitializing
	default:
		return CoinReady
	}
}

// Evaluate evaluates {"signal_id": n, "price": p} without persisting anything.
// The cached price is used when price is omitted.
func (s *WatcherServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(req)
	if err != nil {
		return nil, err
	}
	sig, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "signal %d not found", id)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load signal %d: %v", id, err)
	}

	price := req.GetFields()["price"].GetNumberValue()
	if price == 0 {
		e, ok := s.cache.Get(sig.Symbol())
		if !ok {
			return nil, status.Errorf(codes.Unavailable, "no price for %s yet", sig.Symbol())
		}
		price = e.Price
	}

	r, err := evaluator.Evaluate(sig, price, s.clock.Now())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return toStruct(r)
}

// GetEvaluation returns the tracker's latest evaluation of {"signal_id": n}
func (s *WatcherServer) GetEvaluation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(req)
	if err != nil {
		return nil, err
	}
	r, ok := s.results.Result(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no evaluation for signal %d", id)
	}
	return toStruct(r)
}

// WatchPrices streams price updates for {"symbols": [...]}, or for every
// symbol when the list is empty. Current prices are sent first.
func (s *WatcherServer) WatchPrices(req *structpb.Struct, stream proto.Watcher_WatchPricesServer) error {
	wanted := make(map[string]bool)
	for _, v := range req.GetFields()["symbols"].GetListValue().GetValues() {
		if sym := models.FormatSymbol(v.GetStringValue()); sym != "" {
			wanted[sym] = true
		}
	}
	match := func(symbol string) bool { return len(wanted) == 0 || wanted[symbol] }

	updates, cancel := s.cache.Watch(64)
	defer cancel()

	for _, e := range s.cache.Snapshot() {
		if !match(e.Symbol) {
			continue
		}
		if err := send(stream, e); err != nil {
			return err
		}
	}

	s.logger.Debug("Price watcher attached", zap.Int("symbols", len(wanted)))
	defer s.logger.Debug("Price watcher detached")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if !match(u.Symbol) {
				continue
			}
			if err := send(stream, u); err != nil {
				return err
			}
		}
	}
}

func send(stream proto.Watcher_WatchPricesServer, e prices.Entry) error {
	msg, err := priceStruct(e)
	if err != nil {
		return err
	}
	return stream.Send(msg)
}

func symbolField(req *structpb.Struct) (string, error) {
	symbol := models.FormatSymbol(req.GetFields()["symbol"].GetStringValue())
	if symbol == "" {
		return "", status.Error(codes.InvalidArgument, "symbol is required")
	}
	return symbol, nil
}

func idField(req *structpb.Struct) (int64, error) {
	v := req.GetFields()["signal_id"].GetNumberValue()
	if v <= 0 || v != float64(int64(v)) {
		return 0, status.Error(codes.InvalidArgument, "signal_id must be a positive integer")
	}
	return int64(v), nil
}

func priceStruct(e prices.Entry) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"symbol":         e.Symbol,
		"price":          e.Price,
		"previous_price": e.PreviousPrice,
		"direction":      e.Direction().String(),
		"updated_at":     e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// toStruct converts v through its JSON form
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response struct: %v", err)
	}
	return out, nil
}
