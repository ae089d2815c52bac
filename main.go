package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-pipeline/internal/api"
	"trading-pipeline/internal/events"
	"trading-pipeline/internal/execution"
	"trading-pipeline/internal/feed"
	"trading-pipeline/internal/finstore"
	"trading-pipeline/internal/monitor"
	"trading-pipeline/internal/notify"
	"trading-pipeline/internal/pipeline"
	sig "trading-pipeline/internal/signal"
	"trading-pipeline/pkg/config"
	"trading-pipeline/pkg/db"
	"trading-pipeline/pkg/exchanges/binance/futures_usdt"
	"trading-pipeline/pkg/logging"
	market "trading-pipeline/pkg/market/binance"
)

var version = "dev"

func main() {
	issueFor := flag.String("issue-token", "", "print an operator API token for the given subject and exit")
	tokenTTL := flag.Duration("token-ttl", 72*time.Hour, "lifetime of an issued token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *issueFor != "" {
		token, err := api.IssueToken(*issueFor, cfg.JWTSecret, *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("pipeline exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	metrics := monitor.NewSystemMetrics()
	bus := events.NewBus()

	client := futures_usdt.NewClient(futures_usdt.Config{
		APIKey:            cfg.Binance.APIKey,
		APISecret:         cfg.Binance.APISecret,
		Testnet:           cfg.Binance.Testnet,
		RecvWindow:        cfg.Binance.RecvWindow,
		RequestsPerSecond: cfg.Binance.RequestsPerSecond,
		CallTimeout:       cfg.Execution.CallTimeout,
	}, logger)

	deps := pipeline.Deps{
		Universe: client,
		History:  market.NewHistoryClient(cfg.Binance.Testnet),
		DB:       database,
		Bus:      bus,
		Metrics:  metrics,
		Logger:   logger,
	}
	venue := "binance-usdm"
	if cfg.Binance.Testnet {
		venue = "binance-usdm-testnet"
	}
	if cfg.DryRun {
		deps.Paper = newPaperExchange(ctx, cfg, client, logger)
		venue = "paper"
	} else {
		deps.Exchange = client
		go func() { _ = client.TimeSync().Run(ctx) }()
	}

	store, closeStore, err := buildStore(cfg, database)
	if err != nil {
		return err
	}
	defer closeStore()
	deps.Store = store

	notifier, closeNotifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()
	deps.Notifier = notifier

	pcfg, err := pipelineConfig(cfg)
	if err != nil {
		return err
	}
	svc, err := pipeline.New(pcfg, deps)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	server := api.NewServer(svc, bus, metrics, api.SystemMeta{
		DryRun:  cfg.DryRun,
		Venue:   venue,
		Version: version,
	}, cfg.JWTSecret, logger)
	httpServer := server.HTTPServer(":" + cfg.Port)
	go func() {
		logger.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", zap.Error(err))
			stop()
		}
	}()

	logger.Info("starting pipeline",
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("venue", venue),
		zap.Strings("symbols", cfg.Feed.Symbols),
		zap.Int("top_n", cfg.Feed.TopN))

	// Start blocks until ctx is cancelled or the feed gives up, and has
	// already drained every stage by the time it returns.
	runErr := svc.Start(ctx, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// newPaperExchange seeds the simulated venue with the live symbol filters
// so dry-run orders round the way real ones would.
func newPaperExchange(ctx context.Context, cfg *config.Config, client *futures_usdt.Client, logger *zap.Logger) *execution.PaperExchange {
	paper := execution.NewPaperExchange(execution.PaperConfig{
		Balance:         decimal.NewFromFloat(cfg.PaperBalance),
		FillProbability: 0.3,
		LatencyMin:      20 * time.Millisecond,
		LatencyMax:      120 * time.Millisecond,
	})
	fctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	filters, err := client.ExchangeFilters(fctx)
	if err != nil {
		logger.Warn("paper exchange falls back to default filters", zap.Error(err))
		return paper
	}
	for _, f := range filters {
		paper.SetFilters(f)
	}
	logger.Info("paper exchange ready", zap.Int("symbols", len(filters)))
	return paper
}

// buildStore accepts a comma separated backend list; more than one backend
// tees every append.
func buildStore(cfg *config.Config, database *db.Database) (finstore.Appender, func(), error) {
	var (
		appenders []finstore.Appender
		closers   []func() error
	)
	for _, name := range strings.Split(cfg.Store.Backend, ",") {
		switch strings.TrimSpace(name) {
		case "sqlite":
			appenders = append(appenders, finstore.NewSQLiteAppender(database))
		case "kafka":
			if len(cfg.Store.KafkaBrokers) == 0 {
				return nil, nil, errors.New("store.kafka_brokers is required for the kafka backend")
			}
			a := finstore.NewKafkaAppender(finstore.NewKafkaWriter(cfg.Store.KafkaBrokers, cfg.Store.KafkaTopic))
			appenders = append(appenders, a)
			closers = append(closers, a.Close)
		case "none", "":
		default:
			return nil, nil, fmt.Errorf("unknown store backend %q", name)
		}
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	switch len(appenders) {
	case 0:
		return finstore.Discard{}, closeAll, nil
	case 1:
		return appenders[0], closeAll, nil
	default:
		return finstore.Tee(appenders), closeAll, nil
	}
}

func buildNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, func(), error) {
	noop := func() {}
	switch cfg.Notify.Backend {
	case "log", "":
		return notify.LogNotifier{Logger: logger}, noop, nil
	case "telegram":
		if cfg.Notify.TelegramToken == "" {
			return nil, nil, errors.New("notify.telegram_token is required for the telegram backend")
		}
		return notify.NewTelegramNotifier(cfg.Notify.TelegramToken, ""), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Notify.RedisAddr})
		return notify.NewRedisNotifier(client), func() { _ = client.Close() }, nil
	case "none":
		return nil, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
	}
}

func pipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	size, err := decimal.NewFromString(cfg.Signal.SizeValue)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("signal.size_value: %w", err)
	}
	f := cfg.Feed
	s := cfg.Signal
	e := cfg.Execution
	n := cfg.Notify

	pcfg := pipeline.Config{
		Feed: feed.Config{
			BaseURL:       cfg.Binance.StreamURL,
			Channel:       f.Channel,
			Interval:      f.Interval,
			ChunkSize:     f.ChunkSize,
			Retention:     f.Retention,
			SweepInterval: f.SweepInterval,
			Group: feed.GroupConfig{
				BackoffInitial:  f.BackoffInitial,
				BackoffMax:      f.BackoffMax,
				BackoffJitter:   f.BackoffJitter,
				PingInterval:    f.PingInterval,
				ReadTimeout:     f.ReadTimeout,
				MaxDialFailures: f.MaxDialFailures,
			},
			HandlerTimeout:     f.HandlerTimeout,
			HandlerConcurrency: f.HandlerConcurrency,
			Handler:            f.Handler,
			WarmupBars:         max(s.LookbackPeriod, s.VolumeLong) + 1,
		},
		Signal: sig.Config{
			ReferenceSymbol: s.ReferenceSymbol,
			MaxEpoch:        s.MaxEpoch,
			CollectEpoch:    s.CollectEpoch,
			ExitEpochs:      s.ExitEpochs,
			LookbackPeriod:  s.LookbackPeriod,
			MinScore:        s.MinScore,
			ExitScore:       s.ExitScore,
			MaxPositions:    s.MaxPositions,
			VolumeShort:     s.VolumeShort,
			VolumeLong:      s.VolumeLong,
			SizeValue:       size,
			SizeType:        execution.SizeType(strings.ToUpper(s.SizeType)),
		},
		Execution: execution.Config{
			Workers:            e.Workers,
			QueueSize:          e.QueueSize,
			MaxRetries:         e.MaxRetries,
			RetryInterval:      e.RetryInterval,
			CloseMaxRetries:    e.CloseMaxRetries,
			CloseRetryInterval: e.CloseRetryInterval,
			CancelTimeout:      e.CallTimeout,
		},
		Notify: notify.DispatcherConfig{
			ChannelID:      n.ChannelID,
			RatePerSecond:  n.RatePerSecond,
			MaxRetries:     n.MaxRetries,
			BufferCapacity: n.BufferCapacity,
		},
		Symbols:         f.Symbols,
		TopN:            f.TopN,
		BatchSize:       cfg.Store.BatchSize,
		FlushInterval:   cfg.Store.FlushInterval,
		ShutdownTimeout: e.ShutdownTimeout,
		DryRun:          cfg.DryRun,
	}
	if cfg.Reconcile.Enabled {
		pcfg.ReconcileInterval = cfg.Reconcile.Interval
	}
	return pcfg, nil
}
