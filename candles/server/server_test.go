package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linluma/signalwatch/candles/exchanges"
	"github.com/linluma/signalwatch/candles/metrics"
	"github.com/linluma/signalwatch/candles/prices"
	"github.com/linluma/signalwatch/candles/store"
	"github.com/linluma/signalwatch/proto"
	"github.com/linluma/signalwatch/shared/models"
)

var serverTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeCoins map[string]models.CoinState

func (f fakeCoins) CoinState(symbol string) (models.CoinState, bool) {
	s, ok := f[symbol]
	return s, ok
}

func (f fakeCoins) Symbols() []string {
	return []string{"BTCUSDT", "ETHUSDT"}
}

type fakeResults map[int64]models.EvaluationResult

func (f fakeResults) Result(id int64) (models.EvaluationResult, bool) {
	r, ok := f[id]
	return r, ok
}

type fixture struct {
	client proto.WatcherClient
	cache  *prices.Cache
	store  *store.MemoryStore
	clock  *clock.Mock
}

func newFixture(t *testing.T, coins fakeCoins, results fakeResults) *fixture {
	t.Helper()
	mockClock := clock.NewMock()
	mockClock.Set(serverTime)
	cache := prices.NewCache(nil)
	st := store.NewMemoryStore()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	proto.RegisterWatcherServer(s, NewWatcherServer(cache, coins, results, st, mockClock, zaptest.NewLogger(t)))
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &fixture{client: proto.NewWatcherClient(conn), cache: cache, store: st, clock: mockClock}
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestGetPrice(t *testing.T) {
	f := newFixture(t, fakeCoins{}, fakeResults{})
	ctx := context.Background()

	f.cache.Update("BTCUSDT", 100, serverTime)
	f.cache.Update("BTCUSDT", 101.5, serverTime.Add(time.Second))

	resp, err := f.client.GetPrice(ctx, request(t, map[string]any{"symbol": "btc/usdt"}))
	require.NoError(t, err)
	fields := resp.GetFields()
	assert.Equal(t, "BTCUSDT", fields["symbol"].GetStringValue())
	assert.Equal(t, 101.5, fields["price"].GetNumberValue())
	assert.Equal(t, 100.0, fields["previous_price"].GetNumberValue())
	assert.Equal(t, "up", fields["direction"].GetStringValue())

	_, err = f.client.GetPrice(ctx, request(t, map[string]any{"symbol": "ETHUSDT"}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client.GetPrice(ctx, request(t, map[string]any{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetCoin(t *testing.T) {
	candle := models.Candle{OpenTime: serverTime.Truncate(24 * time.Hour), Open: 1, High: 2, Low: 1, Close: 2}
	coins := fakeCoins{
		"BTCUSDT": {Symbol: "BTCUSDT", CurrentPrice: 2, CurrentCandle: &candle},
		"ETHUSDT": {Symbol: "ETHUSDT", IsInitializing: true, LastUpdated: serverTime.Add(-time.Minute)},
		"SOLUSDT": {Symbol: "SOLUSDT", IsInitializing: true, LastUpdated: serverTime.Add(-time.Second)},
		"XRPUSDT": {Symbol: "XRPUSDT", LastError: "timeout"},
	}
	f := newFixture(t, coins, fakeResults{})
	ctx := context.Background()

	tests := map[string]string{
		"BTCUSDT": CoinReady,
		"ETHUSDT": CoinUnavailable,
		"SOLUSDT": CoinInitializing,
		"XRPUSDT": CoinUnavailable,
	}
	for symbol, want := range tests {
		t.Run(symbol, func(t *testing.T) {
			resp, err := f.client.GetCoin(ctx, request(t, map[string]any{"symbol": symbol}))
			require.NoError(t, err)
			assert.Equal(t, want, resp.GetFields()["availability"].GetStringValue())
			assert.Equal(t, symbol, resp.GetFields()["symbol"].GetStringValue())
		})
	}

	_, err := f.client.GetCoin(ctx, request(t, map[string]any{"symbol": "DOGEUSDT"}))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestListSymbols(t *testing.T) {
	f := newFixture(t, fakeCoins{}, fakeResults{})
	resp, err := f.client.ListSymbols(context.Background(), &structpb.Struct{})
	require.NoError(t, err)
	values := resp.GetFields()["symbols"].GetListValue().GetValues()
	require.Len(t, values, 2)
	assert.Equal(t, "BTCUSDT", values[0].GetStringValue())
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t, fakeCoins{}, fakeResults{})
	ctx := context.Background()

	sig, err := f.store.Save(ctx, models.Signal{
		CoinPair:  "BTC/USDT",
		EntryLow:  100,
		EntryHigh: 110,
		StopLoss:  90,
		IsActive:  true,
		TakeProfits: []models.TakeProfit{
			{Level: 1, Price: 120},
			{Level: 2, Price: 130},
		},
	})
	require.NoError(t, err)

	t.Run("ExplicitPrice", func(t *testing.T) {
		resp, err := f.client.Evaluate(ctx, request(t, map[string]any{"signal_id": float64(sig.ID), "price": 125}))
		require.NoError(t, err)
		fields := resp.GetFields()
		assert.Equal(t, string(models.StatusActive), fields["status"].GetStringValue())
		assert.InDelta(t, 14.2857, fields["pnl_percent"].GetNumberValue(), 0.001)
	})

	t.Run("NoCachedPrice", func(t *testing.T) {
		_, err := f.client.Evaluate(ctx, request(t, map[string]any{"signal_id": float64(sig.ID)}))
		assert.Equal(t, codes.Unavailable, status.Code(err))
	})

	t.Run("CachedPrice", func(t *testing.T) {
		f.cache.Update("BTCUSDT", 105, serverTime)
		resp, err := f.client.Evaluate(ctx, request(t, map[string]any{"signal_id": float64(sig.ID)}))
		require.NoError(t, err)
		assert.Equal(t, string(models.StatusInEntry), resp.GetFields()["status"].GetStringValue())
		_, isNull := resp.GetFields()["pnl_percent"].GetKind().(*structpb.Value_NullValue)
		assert.True(t, isNull)
	})

	t.Run("DoesNotPersist", func(t *testing.T) {
		got, err := f.store.Get(ctx, sig.ID)
		require.NoError(t, err)
		assert.False(t, got.TakeProfits[0].Hit)
	})

	t.Run("BadRequests", func(t *testing.T) {
		_, err := f.client.Evaluate(ctx, request(t, map[string]any{"signal_id": 999}))
		assert.Equal(t, codes.NotFound, status.Code(err))
		_, err = f.client.Evaluate(ctx, request(t, map[string]any{"signal_id": 1.5}))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
		_, err = f.client.Evaluate(ctx, request(t, map[string]any{"signal_id": float64(sig.ID), "price": -3}))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestGetEvaluation(t *testing.T) {
	results := fakeResults{7: {SignalID: 7, Symbol: "BTCUSDT", Status: models.StatusClosed, NewlyHit: []int{2}}}
	f := newFixture(t, fakeCoins{}, results)
	ctx := context.Background()

	resp, err := f.client.GetEvaluation(ctx, request(t, map[string]any{"signal_id": 7}))
	require.NoError(t, err)
	assert.Equal(t, "closed", resp.GetFields()["status"].GetStringValue())
	assert.Equal(t, 7.0, resp.GetFields()["signal_id"].GetNumberValue())

	_, err = f.client.GetEvaluation(ctx, request(t, map[string]any{"signal_id": 8}))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestWatchPrices(t *testing.T) {
	f := newFixture(t, fakeCoins{}, fakeResults{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.cache.Update("BTCUSDT", 100, serverTime)

	stream, err := f.client.WatchPrices(ctx, request(t, map[string]any{"symbols": []any{"btcusdt"}}))
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, 100.0, first.GetFields()["price"].GetNumberValue(), "Current price is sent first")

	received := make(chan *structpb.Struct, 16)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				close(received)
				return
			}
			received <- msg
		}
	}()

	// keep publishing until the watcher is attached; other symbols are filtered out
	var msg *structpb.Struct
	require.Eventually(t, func() bool {
		f.cache.Update("ETHUSDT", 5, serverTime)
		f.cache.Update("BTCUSDT", 101, serverTime)
		select {
		case msg = <-received:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "BTCUSDT", msg.GetFields()["symbol"].GetStringValue())
	assert.Equal(t, 101.0, msg.GetFields()["price"].GetNumberValue())
}

type fakeHealth struct {
	health exchanges.ConnectionHealth
}

func (f *fakeHealth) GetConnectionHealth() exchanges.ConnectionHealth { return f.health }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		health     exchanges.ConnectionHealth
		wantCode   int
		wantStatus string
		wantMsg    string
	}{
		{
			name:       "Connected",
			health:     exchanges.ConnectionHealth{Connected: true, ConnectedSince: serverTime},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "Reconnecting",
			health:     exchanges.ConnectionHealth{ConsecutiveFails: 2, RetryAttempt: 2},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantMsg:    "data unavailable, retrying",
		},
		{
			name:       "Fatal",
			health:     exchanges.ConnectionHealth{Fatal: true, ConsecutiveFails: 5},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fatal",
			wantMsg:    "data unavailable, reconnection abandoned",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewOpsServer(&fakeHealth{health: tt.health}, prometheus.NewRegistry(), zaptest.NewLogger(t))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var body HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.wantMsg, body.Message)
			assert.Equal(t, tt.health.Connected, body.Connected)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	rec.RecordFrame("trade")

	srv := NewOpsServer(&fakeHealth{}, reg, zaptest.NewLogger(t))
	resp := httptest.NewRecorder()
	srv.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `signalwatch_frames_received_total{kind="trade"} 1`)
}
