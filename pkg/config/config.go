package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds settings for the pipeline. Deployment values come from the
// environment; tunables can be overridden by a YAML file.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DBPath    string `yaml:"db_path"`
	JWTSecret string `yaml:"-"`

	// Paper trading against the simulated book instead of the exchange.
	DryRun       bool    `yaml:"dry_run"`
	PaperBalance float64 `yaml:"paper_balance"`

	Binance   BinanceConfig   `yaml:"binance"`
	Feed      FeedConfig      `yaml:"feed"`
	Signal    SignalConfig    `yaml:"signal"`
	Execution ExecutionConfig `yaml:"execution"`
	Notify    NotifyConfig    `yaml:"notify"`
	Store     StoreConfig     `yaml:"store"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type BinanceConfig struct {
	APIKey            string  `yaml:"-"`
	APISecret         string  `yaml:"-"`
	Testnet           bool    `yaml:"testnet"`
	StreamURL         string  `yaml:"stream_url"`
	RecvWindow        int64   `yaml:"recv_window"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type FeedConfig struct {
	Symbols            []string      `yaml:"symbols"`
	TopN               int           `yaml:"top_n"`
	Channel            string        `yaml:"channel"` // kline; trade channels carry no bars
	Interval           string        `yaml:"interval"`
	ChunkSize          int           `yaml:"chunk_size"`
	Retention          time.Duration `yaml:"retention"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	BackoffInitial     time.Duration `yaml:"backoff_initial"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	BackoffJitter      float64       `yaml:"backoff_jitter"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	HandlerTimeout     time.Duration `yaml:"handler_timeout"`
	HandlerConcurrency int           `yaml:"handler_concurrency"`
	MaxDialFailures    int           `yaml:"max_dial_failures"`
	Handler            string        `yaml:"handler"`
}

type SignalConfig struct {
	ReferenceSymbol string  `yaml:"reference_symbol"`
	MaxEpoch        int     `yaml:"max_epoch"`
	CollectEpoch    int     `yaml:"collect_epoch"`
	ExitEpochs      []int   `yaml:"exit_epochs"`
	LookbackPeriod  int     `yaml:"lookback_period"`
	MinScore        float64 `yaml:"min_score"`
	ExitScore       float64 `yaml:"exit_score"`
	MaxPositions    int     `yaml:"max_positions"`
	VolumeShort     int     `yaml:"volume_short"`
	VolumeLong      int     `yaml:"volume_long"`
	SizeValue       string  `yaml:"size_value"`
	SizeType        string  `yaml:"size_type"` // CONTRACTS or USD
}

type ExecutionConfig struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	CloseMaxRetries    int           `yaml:"close_max_retries"`
	CloseRetryInterval time.Duration `yaml:"close_retry_interval"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

type NotifyConfig struct {
	Backend        string  `yaml:"backend"` // log, telegram or redis
	ChannelID      string  `yaml:"channel_id"`
	TelegramToken  string  `yaml:"-"`
	RedisAddr      string  `yaml:"redis_addr"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	MaxRetries     int     `yaml:"max_retries"`
	BufferCapacity int     `yaml:"buffer_capacity"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"` // comma separated: sqlite, kafka or none
	KafkaBrokers  []string      `yaml:"kafka_brokers"`
	KafkaTopic    string        `yaml:"kafka_topic"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type ReconcileConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Port:         "8080",
		LogLevel:     "info",
		LogFormat:    "json",
		DBPath:       "./data/pipeline.db",
		PaperBalance: 10000,
		Binance: BinanceConfig{
			StreamURL:         "wss://fstream.binance.com",
			RecvWindow:        5000,
			RequestsPerSecond: 10,
		},
		Feed: FeedConfig{
			TopN:               10,
			Channel:            "kline",
			Interval:           "1m",
			ChunkSize:          50,
			Retention:          90 * time.Minute,
			SweepInterval:      time.Minute,
			BackoffInitial:     time.Second,
			BackoffMax:         30 * time.Second,
			BackoffJitter:      0.2,
			PingInterval:       15 * time.Second,
			ReadTimeout:        60 * time.Second,
			HandlerTimeout:     2 * time.Second,
			HandlerConcurrency: 256,
			MaxDialFailures:    10,
			Handler:            "default",
		},
		Signal: SignalConfig{
			ReferenceSymbol: "BTCUSDT",
			MaxEpoch:        10,
			CollectEpoch:    1,
			ExitEpochs:      []int{6},
			LookbackPeriod:  10,
			MinScore:        0.75,
			ExitScore:       0.25,
			MaxPositions:    5,
			VolumeShort:     5,
			VolumeLong:      15,
			SizeValue:       "20",
			SizeType:        "USD",
		},
		Execution: ExecutionConfig{
			Workers:            4,
			QueueSize:          64,
			MaxRetries:         20,
			RetryInterval:      500 * time.Millisecond,
			CallTimeout:        5 * time.Second,
			CloseMaxRetries:    240,
			CloseRetryInterval: 2 * time.Second,
			ShutdownTimeout:    15 * time.Second,
		},
		Notify: NotifyConfig{
			Backend:        "log",
			RatePerSecond:  1,
			MaxRetries:     3,
			BufferCapacity: 256,
		},
		Store: StoreConfig{
			Backend:       "sqlite",
			KafkaTopic:    "finstore",
			BatchSize:     50,
			FlushInterval: 500 * time.Millisecond,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
	}
}

// Load reads environment variables (optionally via .env) and the optional
// YAML file named by PIPELINE_CONFIG into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	if path := getEnv("PIPELINE_CONFIG", ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays YAML values on top of the current settings.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	// Prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	c.DBPath = getEnv("DB_PATH", getEnv("DATABASE_PATH", c.DBPath))
	c.JWTSecret = os.Getenv("JWT_SECRET")
	c.DryRun = getEnvBool("DRY_RUN", c.DryRun)
	c.PaperBalance = getEnvFloat("PAPER_BALANCE", c.PaperBalance)

	c.Binance.APIKey = os.Getenv("BINANCE_API_KEY")
	c.Binance.APISecret = os.Getenv("BINANCE_API_SECRET")
	c.Binance.Testnet = getEnvBool("BINANCE_TESTNET", c.Binance.Testnet)
	c.Binance.StreamURL = getEnv("BINANCE_STREAM_URL", c.Binance.StreamURL)

	if syms := splitAndTrim(getEnv("SYMBOLS", "")); len(syms) > 0 {
		c.Feed.Symbols = syms
	}
	for i, sym := range c.Feed.Symbols {
		c.Feed.Symbols[i] = strings.ToUpper(sym)
	}
	c.Feed.TopN = getEnvInt("FEED_TOP_N", c.Feed.TopN)
	c.Feed.ChunkSize = getEnvInt("FEED_CHUNK_SIZE", c.Feed.ChunkSize)
	c.Feed.Retention = getEnvDuration("FEED_RETENTION", c.Feed.Retention)
	c.Feed.Handler = getEnv("FEED_HANDLER", c.Feed.Handler)

	c.Signal.ReferenceSymbol = strings.ToUpper(getEnv("REFERENCE_SYMBOL", c.Signal.ReferenceSymbol))
	c.Signal.MinScore = getEnvFloat("SIGNAL_MIN_SCORE", c.Signal.MinScore)
	c.Signal.MaxPositions = getEnvInt("SIGNAL_MAX_POSITIONS", c.Signal.MaxPositions)

	c.Execution.Workers = getEnvInt("EXECUTION_WORKERS", c.Execution.Workers)
	c.Execution.MaxRetries = getEnvInt("CHASER_MAX_RETRIES", c.Execution.MaxRetries)
	c.Execution.RetryInterval = getEnvDuration("CHASER_INTERVAL", c.Execution.RetryInterval)

	c.Notify.Backend = strings.ToLower(getEnv("NOTIFY_BACKEND", c.Notify.Backend))
	c.Notify.ChannelID = getEnv("TELEGRAM_GROUP_ID", getEnv("NOTIFY_CHANNEL_ID", c.Notify.ChannelID))
	c.Notify.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	c.Notify.RedisAddr = getEnv("REDIS_ADDR", c.Notify.RedisAddr)

	c.Store.Backend = strings.ToLower(getEnv("STORE_BACKEND", c.Store.Backend))
	if brokers := splitAndTrim(getEnv("KAFKA_BROKERS", "")); len(brokers) > 0 {
		c.Store.KafkaBrokers = brokers
	}
	c.Store.KafkaTopic = getEnv("KAFKA_TOPIC", c.Store.KafkaTopic)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Feed.ChunkSize <= 0 {
		errs = append(errs, errors.New("feed.chunk_size must be positive"))
	}
	if c.Feed.Retention <= 0 {
		errs = append(errs, errors.New("feed.retention must be positive"))
	}
	switch c.Feed.Channel {
	case "kline":
	case "aggTrade", "trade":
		// the feed can stream these, but the signal engine only steps on closed klines
		errs = append(errs, fmt.Errorf("feed.channel %q carries no bars, signal epochs would never advance", c.Feed.Channel))
	default:
		errs = append(errs, fmt.Errorf("feed.channel %q not supported", c.Feed.Channel))
	}
	s := c.Signal
	if s.ReferenceSymbol == "" {
		errs = append(errs, errors.New("signal.reference_symbol is required"))
	}
	if s.MaxEpoch < 1 {
		errs = append(errs, errors.New("signal.max_epoch must be at least 1"))
	}
	if s.CollectEpoch < 0 || s.CollectEpoch > s.MaxEpoch {
		errs = append(errs, fmt.Errorf("signal.collect_epoch %d outside 0..%d", s.CollectEpoch, s.MaxEpoch))
	}
	for _, e := range s.ExitEpochs {
		if e < 0 || e > s.MaxEpoch {
			errs = append(errs, fmt.Errorf("signal.exit_epochs value %d outside 0..%d", e, s.MaxEpoch))
		}
	}
	if s.LookbackPeriod < 2 {
		errs = append(errs, errors.New("signal.lookback_period must be at least 2"))
	}
	if s.MaxPositions < 1 {
		errs = append(errs, errors.New("signal.max_positions must be at least 1"))
	}
	if s.ExitScore > s.MinScore {
		errs = append(errs, errors.New("signal.exit_score must not exceed signal.min_score"))
	}
	switch strings.ToUpper(s.SizeType) {
	case "USD", "CONTRACTS":
	default:
		errs = append(errs, fmt.Errorf("signal.size_type %q not supported", s.SizeType))
	}
	if c.Execution.MaxRetries < 1 {
		errs = append(errs, errors.New("execution.max_retries must be at least 1"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
