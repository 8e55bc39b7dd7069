package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. SIGNALWATCH_FEED_WS_URL
const EnvPrefix = "SIGNALWATCH"

// LogConfig controls the zap logger
type LogConfig struct {
	Level  string `mapstructure:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" default:"json" validate:"oneof=json console"`
}

// RetryConfig controls reconnection of the market-data stream
type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" default:"1s" validate:"gt=0"`
	MaxRetries   int           `mapstructure:"max_retries" default:"5" validate:"gte=1"`
}

// FeedConfig holds configuration for the upstream venue
type FeedConfig struct {
	WSURL            string        `mapstructure:"ws_url" default:"wss://stream.binance.com:9443/ws" validate:"required,url"`
	RESTURL          string        `mapstructure:"rest_url" default:"https://api.binance.com" validate:"required,url"`
	TickStream       string        `mapstructure:"tick_stream" default:"trade" validate:"oneof=trade kline avgPrice"`
	KlineInterval    string        `mapstructure:"kline_interval" default:"1m" validate:"required"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" default:"10s" validate:"gt=0"`
	Retry            RetryConfig   `mapstructure:"retry"`
}

// CandlesConfig holds configuration for candle aggregation
type CandlesConfig struct {
	Window          time.Duration `mapstructure:"window" default:"24h" validate:"gt=0"`
	HistoryInterval string        `mapstructure:"history_interval" default:"1d" validate:"required"`
	HistoryLimit    int           `mapstructure:"history_limit" default:"30" validate:"gte=1,lte=1000"`
	RESTRateLimit   time.Duration `mapstructure:"rest_rate_limit" default:"100ms" validate:"gte=0"`
}

// TrackerConfig holds configuration for signal evaluation
type TrackerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" default:"30s" validate:"gt=0"`
	Symbols      []string      `mapstructure:"symbols"`
}

// RedisConfig holds connection settings for the redis signal store
type RedisConfig struct {
	Addr     string `mapstructure:"addr" default:"localhost:6379"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" default:"0" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix" default:"signalwatch"`
}

// StoreConfig selects the signal store backend
type StoreConfig struct {
	Backend string      `mapstructure:"backend" default:"memory" validate:"oneof=memory redis"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// ServerConfig holds listener ports
type ServerConfig struct {
	GRPCPort int `mapstructure:"grpc_port" default:"50051" validate:"gt=0,lt=65536"`
	HTTPPort int `mapstructure:"http_port" default:"9090" validate:"gt=0,lt=65536"`
}

// EngineConfig holds configuration for the signal watch service
type EngineConfig struct {
	Log     LogConfig     `mapstructure:"log"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Candles CandlesConfig `mapstructure:"candles"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Store   StoreConfig   `mapstructure:"store"`
	Server  ServerConfig  `mapstructure:"server"`
}

// ClientConfig holds configuration for the client
type ClientConfig struct {
	ServerAddress string        `mapstructure:"server" default:"localhost:50051" validate:"required"`
	Symbols       []string      `mapstructure:"symbols"`
	Format        string        `mapstructure:"format" default:"table" validate:"oneof=json table"`
	Duration      time.Duration `mapstructure:"duration" default:"30s" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadEngine reads the engine configuration from an optional YAML file and the environment.
// An empty path means environment and defaults only.
func LoadEngine(path string) (*EngineConfig, error) {
	cfg := &EngineConfig{}
	if err := load(newViper(path), path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEngineFlags parses command line flags for the engine and loads its configuration
func ParseEngineFlags(args []string) (*EngineConfig, error) {
	fs := pflag.NewFlagSet("signalwatch", pflag.ContinueOnError)
	path := fs.String("config", "", "Path to YAML config file")
	fs.String("log-level", "", "Log level (debug/info/warn/error)")
	fs.StringSlice("symbols", nil, "Comma-separated symbols to track in addition to stored signals")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := newViper(*path)
	// only explicit flags override file and env values
	if f := fs.Lookup("log-level"); f.Changed {
		v.Set("log.level", f.Value.String())
	}
	if f := fs.Lookup("symbols"); f.Changed {
		symbols, err := fs.GetStringSlice("symbols")
		if err != nil {
			return nil, err
		}
		v.Set("tracker.symbols", symbols)
	}

	cfg := &EngineConfig{}
	if err := load(v, *path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseClientFlags parses command line flags for the client
func ParseClientFlags(args []string) (*ClientConfig, error) {
	fs := pflag.NewFlagSet("signalwatch-client", pflag.ContinueOnError)
	fs.String("server", "localhost:50051", "Signal watch service address")
	fs.StringSlice("symbols", []string{"BTCUSDT"}, "Comma-separated symbols to watch")
	fs.String("format", "table", "Output format (json/table)")
	fs.Duration("duration", 30*time.Second, "How long to watch, 0 for forever")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	cfg := &ClientConfig{}
	if err := load(v, "", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return v
}

func load(v *viper.Viper, path string, out any) error {
	if err := defaults.Set(out); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return fmt.Errorf("config file not found: %w", err)
			}
			return fmt.Errorf("read config: %w", err)
		}
	}

	bindEnv(v)

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// bindEnv registers nested keys so AutomaticEnv picks them up during Unmarshal
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log.level", "log.format",
		"feed.ws_url", "feed.rest_url", "feed.tick_stream", "feed.kline_interval",
		"feed.handshake_timeout", "feed.retry.initial_delay", "feed.retry.max_retries",
		"candles.window", "candles.history_interval", "candles.history_limit", "candles.rest_rate_limit",
		"tracker.poll_interval", "tracker.symbols",
		"store.backend", "store.redis.addr", "store.redis.password", "store.redis.db", "store.redis.prefix",
		"server.grpc_port", "server.http_port",
	} {
		_ = v.BindEnv(key)
	}
}
