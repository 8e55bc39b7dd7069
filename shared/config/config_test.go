package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEngineDefaults(t *testing.T) {
	cfg, err := LoadEngine("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "wss://stream.binance.com:9443/ws", cfg.Feed.WSURL)
	assert.Equal(t, "trade", cfg.Feed.TickStream)
	assert.Equal(t, time.Second, cfg.Feed.Retry.InitialDelay)
	assert.Equal(t, 5, cfg.Feed.Retry.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Candles.Window)
	assert.Equal(t, "1d", cfg.Candles.HistoryInterval)
	assert.Equal(t, 30, cfg.Candles.HistoryLimit)
	assert.Equal(t, 100*time.Millisecond, cfg.Candles.RESTRateLimit)
	assert.Equal(t, 30*time.Second, cfg.Tracker.PollInterval)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 50051, cfg.Server.GRPCPort)
}

func TestLoadEngineFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signalwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
feed:
  tick_stream: kline
  kline_interval: 5m
  retry:
    max_retries: 3
candles:
  window: 1h
tracker:
  symbols: [BTCUSDT, ETHUSDT]
store:
  backend: redis
`), 0o600))
	t.Setenv("SIGNALWATCH_STORE_REDIS_ADDR", "redis:6380")
	t.Setenv("SIGNALWATCH_FEED_RETRY_MAX_RETRIES", "7")

	cfg, err := LoadEngine(path)
	require.NoError(t, err)

	assert.Equal(t, "kline", cfg.Feed.TickStream)
	assert.Equal(t, "5m", cfg.Feed.KlineInterval)
	assert.Equal(t, 7, cfg.Feed.Retry.MaxRetries, "env overrides file")
	assert.Equal(t, time.Hour, cfg.Candles.Window)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Tracker.Symbols)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis:6380", cfg.Store.Redis.Addr)
	assert.Equal(t, time.Second, cfg.Feed.Retry.InitialDelay, "unset keys keep defaults")
}

func TestLoadEngineValidation(t *testing.T) {
	tests := map[string]string{
		"UnknownTickStream": "feed:\n  tick_stream: bookTicker\n",
		"ZeroRetries":       "feed:\n  retry:\n    max_retries: 0\n",
		"UnknownBackend":    "store:\n  backend: postgres\n",
		"HistoryTooLong":    "candles:\n  history_limit: 5000\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadEngine(path)
			assert.ErrorContains(t, err, "validate config")
		})
	}
}

func TestLoadEngineMissingFile(t *testing.T) {
	_, err := LoadEngine(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseEngineFlags(t *testing.T) {
	cfg, err := ParseEngineFlags([]string{"--log-level", "debug", "--symbols", "btcusdt,solusdt"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"btcusdt", "solusdt"}, cfg.Tracker.Symbols)

	_, err = ParseEngineFlags([]string{"--log-level", "verbose"})
	assert.Error(t, err)
}

func TestParseClientFlags(t *testing.T) {
	cfg, err := ParseClientFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost:50051", cfg.ServerAddress)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Symbols)
	assert.Equal(t, "table", cfg.Format)

	cfg, err = ParseClientFlags([]string{"--format", "json", "--symbols", "ETHUSDT", "--duration", "0s"})
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"ETHUSDT"}, cfg.Symbols)
	assert.Zero(t, cfg.Duration)

	_, err = ParseClientFlags([]string{"--format", "xml"})
	assert.Error(t, err)
}
