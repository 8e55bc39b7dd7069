package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/linluma/signalwatch/candles/exchanges"
	"github.com/linluma/signalwatch/candles/metrics"
	"github.com/linluma/signalwatch/candles/mux"
	"github.com/linluma/signalwatch/candles/ohlc"
	"github.com/linluma/signalwatch/candles/prices"
	"github.com/linluma/signalwatch/candles/server"
	"github.com/linluma/signalwatch/candles/store"
	"github.com/linluma/signalwatch/candles/tracker"
	"github.com/linluma/signalwatch/proto"
	"github.com/linluma/signalwatch/shared/config"
	"github.com/linluma/signalwatch/shared/logging"
	"github.com/linluma/signalwatch/shared/models"
)

func main() {
	cfg, err := config.ParseEngineFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Signal watch service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("Signal watch service stopped")
}

func run(ctx context.Context, cfg *config.EngineConfig, logger *zap.Logger) error {
	logger.Info("Starting signal watch service",
		zap.String("ws_url", cfg.Feed.WSURL),
		zap.String("tick_stream", cfg.Feed.TickStream),
		zap.Duration("window", cfg.Candles.Window),
		zap.Strings("symbols", cfg.Tracker.Symbols),
		zap.String("store", cfg.Store.Backend))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)
	clk := clock.New()

	stream := exchanges.NewBinanceStream(exchanges.StreamConfig{
		URL:              cfg.Feed.WSURL,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		Retry: exchanges.RetryConfig{
			InitialDelay: cfg.Feed.Retry.InitialDelay,
			MaxRetries:   cfg.Feed.Retry.MaxRetries,
		},
	}, clk, logger, rec)
	defer func() { _ = stream.Close() }()

	multiplexer := mux.New(stream, logger, rec)
	cache := prices.NewCache(rec)

	history := ohlc.NewBinanceHistory(ohlc.NewRESTClient(cfg.Feed.RESTURL), ohlc.NewLimiter(cfg.Candles.RESTRateLimit))
	aggregator := ohlc.NewAggregator(ohlc.Config{
		Window:          cfg.Candles.Window,
		HistoryInterval: cfg.Candles.HistoryInterval,
		HistoryLimit:    cfg.Candles.HistoryLimit,
		TickKind:        models.StreamKind(cfg.Feed.TickStream),
		KlineInterval:   cfg.Feed.KlineInterval,
	}, history, multiplexer, cache, clk, logger, rec)

	signals, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	watch := tracker.New(signals, cache, aggregator, clk, tracker.Config{
		PollInterval: cfg.Tracker.PollInterval,
		Symbols:      cfg.Tracker.Symbols,
	}, logger, rec)

	grpcServer := grpc.NewServer()
	proto.RegisterWatcherServer(grpcServer, server.NewWatcherServer(cache, aggregator, watch, signals, clk, logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	ops := server.NewOpsServer(stream, reg, logger)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on grpc port %d: %w", cfg.Server.GRPCPort, err)
	}

	if err := stream.Connect(ctx); err != nil {
		logger.Warn("Initial connection failed, reconnecting in background", zap.Error(err))
	}
	healthServer.SetServingStatus(proto.ServiceName, healthpb.HealthCheckResponse_SERVING)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC server listening", zap.Int("port", cfg.Server.GRPCPort))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		return ops.Start(fmt.Sprintf(":%d", cfg.Server.HTTPPort))
	})
	g.Go(func() error {
		if err := watch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-stream.Fatal():
			healthServer.SetServingStatus(proto.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
			return fmt.Errorf("market data stream: %w", err)
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Ops server shutdown failed", zap.Error(err))
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.SignalStore, func(), error) {
	if cfg.Backend != "redis" {
		return store.NewMemoryStore(), func() {}, nil
	}
	rs, err := store.NewRedisStore(ctx, store.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { _ = rs.Close() }, nil
}
