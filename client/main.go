package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/linluma/signalwatch/shared/config"
	"github.com/linluma/signalwatch/shared/logging"
	"github.com/linluma/signalwatch/shared/models"
)

func main() {
	cfg, err := config.ParseClientFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting signal watch client",
		zap.String("server", cfg.ServerAddress),
		zap.Strings("symbols", cfg.Symbols),
		zap.Duration("duration", cfg.Duration))

	if err := watch(cfg, logger); err != nil {
		logger.Error("Watch failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// watch connects to the service and prints price updates for the configured symbols
func watch(cfg *config.ClientConfig, logger *zap.Logger) error {
	client := NewWatchClient(cfg.ServerAddress, logger)
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	available, err := client.ListSymbols(ctx)
	if err != nil {
		return err
	}

	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		s = models.FormatSymbol(s)
		if !available[s] {
			logger.Warn("Symbol not tracked by the service, skipping", zap.String("symbol", s))
			continue
		}
		symbols = append(symbols, s)
	}
	if len(symbols) == 0 {
		return fmt.Errorf("none of %v are tracked", cfg.Symbols)
	}

	updates, err := client.WatchPrices(ctx, symbols)
	if err != nil {
		return err
	}

	printer := NewPrinter(os.Stdout, cfg.Format)
	for msg := range updates {
		if err := printer.Print(msg); err != nil {
			return err
		}
	}
	return nil
}
