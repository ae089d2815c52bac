package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-pipeline/internal/events"
	"trading-pipeline/internal/execution"
	"trading-pipeline/internal/feed"
	"trading-pipeline/internal/finstore"
	"trading-pipeline/internal/monitor"
	"trading-pipeline/internal/notify"
	"trading-pipeline/internal/persistence"
	"trading-pipeline/internal/reconciliation"
	"trading-pipeline/internal/signal"
	"trading-pipeline/internal/window"
	"trading-pipeline/pkg/db"
	"trading-pipeline/pkg/exchanges/common"
	market "trading-pipeline/pkg/market/binance"
)

var (
	ErrStarted    = errors.New("pipeline: already started")
	ErrNotRunning = errors.New("pipeline: not running")
	ErrNoUniverse = errors.New("pipeline: no symbols configured and no universe source")
	ErrNoDatabase = errors.New("pipeline: ledger history needs a database")
	ErrNoExchange = errors.New("pipeline: exchange required")
)

// UniverseSource picks the symbols to watch when none are configured.
type UniverseSource interface {
	TopSymbolsByVolume(ctx context.Context, n int) ([]string, error)
}

// Config holds the stage configurations.
type Config struct {
	Feed      feed.Config
	Signal    signal.Config
	Execution execution.Config
	Notify    notify.DispatcherConfig

	Symbols []string
	TopN    int
	// ReconcileInterval of zero disables the orphan sweep.
	ReconcileInterval time.Duration
	BatchSize         int
	FlushInterval     time.Duration
	ShutdownTimeout   time.Duration
	DryRun            bool
}

// Deps are the collaborators built by the caller. Only Exchange (or Paper)
// is required.
type Deps struct {
	Exchange execution.Exchange
	// Paper, when set, is the exchange and gets its book quoted from
	// closed bars.
	Paper    *execution.PaperExchange
	Universe UniverseSource
	History  feed.HistorySource
	Store    finstore.Appender
	Notifier notify.Notifier
	DB       *db.Database
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
	Logger   *zap.Logger
}

// Impl implements Service by composing the stage engines.
type Impl struct {
	cfg      Config
	logger   *zap.Logger
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	db       *db.Database
	store    finstore.Appender
	ex       execution.Exchange
	paper    *execution.PaperExchange
	universe UniverseSource

	exec       *execution.Engine
	signal     *signal.Engine
	feed       *feed.Manager
	monitor    *monitor.Monitor
	writer     *persistence.BatchWriter
	dispatcher *notify.Dispatcher
	recon      *reconciliation.Service

	mu        sync.Mutex
	started   bool
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	symbols   []string
}

var _ Service = (*Impl)(nil)

// New wires every stage. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Impl, error) {
	if deps.Exchange == nil {
		if deps.Paper == nil {
			return nil, ErrNoExchange
		}
		deps.Exchange = deps.Paper
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Store == nil {
		deps.Store = finstore.Discard{}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Feed.ReferenceSymbol == "" {
		cfg.Feed.ReferenceSymbol = cfg.Signal.ReferenceSymbol
	}

	p := &Impl{
		cfg:      cfg,
		logger:   deps.Logger.Named("pipeline"),
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		db:       deps.DB,
		store:    deps.Store,
		ex:       deps.Exchange,
		paper:    deps.Paper,
		universe: deps.Universe,
	}

	ledger := execution.NewLedger(p.publishOutcome)
	if deps.DB != nil {
		p.writer = persistence.NewBatchWriter(deps.DB.DB, cfg.BatchSize, cfg.FlushInterval, deps.Logger, deps.Metrics)
		ledger.Observe(persistence.NewLedgerMirror(p.writer).Observe)
	}
	p.exec = execution.NewEngine(deps.Exchange, ledger, cfg.Execution, deps.Logger, deps.Metrics)

	agg := window.NewAggregator()
	sig, err := signal.NewEngine(cfg.Signal, agg, p.exec, deps.Logger,
		signal.WithMetrics(deps.Metrics),
		signal.WithBus(deps.Bus),
		signal.WithRecorder(p.recordCandidate),
	)
	if err != nil {
		p.closeWriter()
		return nil, fmt.Errorf("signal engine: %w", err)
	}
	p.signal = sig
	ledger.Observe(sig.ObserveOutcome)

	registry := feed.NewRegistry(deps.Logger)
	registry.Register("default", func() (feed.MessageHandler, error) {
		return &feed.BarRecorder{Sink: p.recordBar}, nil
	})
	opts := []feed.Option{
		feed.WithMetrics(deps.Metrics),
		feed.WithBus(deps.Bus),
		feed.WithBarListener(p.onBar),
		feed.WithRegistry(registry),
	}
	if deps.History != nil {
		opts = append(opts, feed.WithHistory(deps.History))
	}
	p.feed, err = feed.NewManager(cfg.Feed, agg, deps.Logger, opts...)
	if err != nil {
		p.closeWriter()
		return nil, fmt.Errorf("feed manager: %w", err)
	}

	p.monitor = &monitor.Monitor{Bus: deps.Bus, Metrics: deps.Metrics, Logger: deps.Logger}
	if deps.Notifier != nil {
		p.dispatcher = notify.NewDispatcher(deps.Notifier, cfg.Notify, deps.Logger, deps.Metrics)
	}
	if cfg.ReconcileInterval > 0 {
		p.recon = reconciliation.NewService(deps.Exchange, p.exec.Chaser(), cfg.ReconcileInterval, deps.Logger, deps.Bus)
	}
	return p, nil
}

// Feed exposes the feed manager.
func (p *Impl) Feed() *feed.Manager { return p.feed }

// Signal exposes the signal engine.
func (p *Impl) Signal() *signal.Engine { return p.signal }

// Execution exposes the execution engine.
func (p *Impl) Execution() *execution.Engine { return p.exec }

// Start runs every stage until ctx ends, Stop is called or the feed cannot
// run at all. Stages are then stopped in order: feeds, signal, execution,
// side services, persistence. A pipeline runs once.
func (p *Impl) Start(ctx context.Context, universe []string) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.started, p.running, p.cancel, p.done = true, true, cancel, done
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
	}()

	symbols, err := p.resolveUniverse(runCtx, universe)
	if err != nil {
		p.closeWriter()
		return err
	}
	symbols = p.adoptPositions(runCtx, symbols)
	p.mu.Lock()
	p.symbols = symbols
	p.startedAt = time.Now().UTC()
	p.mu.Unlock()
	p.logger.Info("pipeline starting",
		zap.Strings("universe", symbols),
		zap.String("reference", p.signal.ReferenceSymbol()),
		zap.Bool("dry_run", p.cfg.DryRun))

	// Each stage gets its own context so shutdown can go in order.
	base := context.WithoutCancel(runCtx)
	auxCtx, stopAux := context.WithCancel(base)
	execCtx, stopExec := context.WithCancel(base)
	sigCtx, stopSig := context.WithCancel(base)
	feedCtx, stopFeed := context.WithCancel(base)
	defer stopAux()
	defer stopExec()
	defer stopSig()
	defer stopFeed()

	p.monitor.Start(auxCtx)
	if p.dispatcher != nil {
		p.dispatcher.Start(auxCtx, p.bus)
	}
	if p.recon != nil {
		p.recon.Start(auxCtx)
	}

	execErr := make(chan error, 1)
	go func() { execErr <- p.exec.Run(execCtx) }()
	sigErr := make(chan error, 1)
	go func() { sigErr <- p.signal.Run(sigCtx) }()
	feedErr := make(chan error, 1)
	go func() { feedErr <- p.feed.Start(feedCtx, symbols) }()

	var runErr error
	feedDone := false
	select {
	case <-runCtx.Done():
	case runErr = <-feedErr:
		feedDone = true
		p.logger.Error("feed stopped", zap.Error(runErr))
	}

	p.logger.Info("pipeline stopping")
	sctx, cancelShutdown := context.WithTimeout(base, p.cfg.ShutdownTimeout)
	defer cancelShutdown()

	stopFeed()
	if !feedDone {
		if err := <-feedErr; err != nil {
			p.logger.Warn("feed stopped with error", zap.Error(err))
		}
	}
	stopSig()
	<-sigErr
	if err := p.exec.Shutdown(sctx); err != nil {
		p.logger.Warn("execution shutdown incomplete", zap.Error(err))
	}
	stopExec()
	<-execErr

	stopAux()
	if p.dispatcher != nil {
		select {
		case <-p.dispatcher.Done():
		case <-sctx.Done():
			p.logger.Warn("notifications not drained before timeout")
		}
	}
	p.closeWriter()
	p.logger.Info("pipeline stopped")
	return runErr
}

// Stop cancels a running pipeline and waits for the ordered shutdown.
func (p *Impl) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Impl) resolveUniverse(ctx context.Context, universe []string) ([]string, error) {
	if len(universe) == 0 {
		universe = p.cfg.Symbols
	}
	if len(universe) > 0 {
		return universe, nil
	}
	if p.universe == nil {
		return nil, ErrNoUniverse
	}
	n := p.cfg.TopN
	if n <= 0 {
		n = 10
	}
	top, err := p.universe.TopSymbolsByVolume(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("select universe: %w", err)
	}
	if len(top) == 0 {
		return nil, ErrNoUniverse
	}
	return top, nil
}

// adoptPositions hands positions already open on the exchange to the signal
// engine so exit epochs cover them and dispatch counts them against
// MaxPositions. Their symbols are added to the universe.
func (p *Impl) adoptPositions(ctx context.Context, symbols []string) []string {
	positions, err := p.ex.GetPositions(ctx, "")
	if err != nil {
		p.logger.Warn("open positions unavailable, starting with none held", zap.Error(err))
		return symbols
	}
	symbols = append([]string(nil), symbols...)
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		seen[s] = struct{}{}
	}
	for _, pos := range positions {
		if pos.Amount.IsZero() || pos.Symbol == p.signal.ReferenceSymbol() {
			continue
		}
		side := common.SideBuy
		if pos.Amount.IsNegative() {
			side = common.SideSell
		}
		p.signal.MarkHeld(pos.Symbol, side)
		if _, ok := seen[pos.Symbol]; !ok {
			seen[pos.Symbol] = struct{}{}
			symbols = append(symbols, pos.Symbol)
		}
		p.logger.Info("adopted open position",
			zap.String("symbol", pos.Symbol),
			zap.String("side", string(side)),
			zap.String("amount", pos.Amount.String()))
	}
	return symbols
}

func (p *Impl) closeWriter() {
	if p.writer != nil {
		_ = p.writer.Close()
	}
}

// --- Trading commands ---

func (p *Impl) SubmitIntent(ctx context.Context, intent execution.OrderIntent) (string, error) {
	if intent.Source == "" {
		intent.Source = SourceCommand
	}
	return p.exec.SubmitIntent(ctx, intent)
}

func (p *Impl) ClosePosition(ctx context.Context, symbol string, percentage decimal.Decimal, useChaser bool) ([]execution.LedgerEntry, error) {
	return p.Close(ctx, execution.CloseRequest{Symbol: symbol, Percentage: percentage, UseChaser: useChaser})
}

func (p *Impl) Close(ctx context.Context, req execution.CloseRequest) ([]execution.LedgerEntry, error) {
	if req.Source == "" {
		req.Source = SourceCommand
	}
	if req.IntentID == "" {
		req.IntentID = uuid.NewString()
	}
	return p.exec.ClosePositions(ctx, req)
}

func (p *Impl) SetLeverage(ctx context.Context, symbol string, leverage int) (execution.LedgerEntry, error) {
	return p.exec.SetLeverage(ctx, symbol, leverage)
}

func (p *Impl) CancelAll(ctx context.Context, symbol string) (execution.LedgerEntry, error) {
	return p.exec.CancelAll(ctx, symbol)
}

// --- Feed handler control ---

func (p *Impl) ReloadHandler(name string) error { return p.feed.ReloadHandler(name) }

func (p *Impl) Handlers() []string { return p.feed.Registry().Names() }

// --- Queries ---

func (p *Impl) Ledger() LedgerView {
	l := p.exec.Ledger()
	return LedgerView{Successful: l.Successful(), Failed: l.Failed()}
}

// History reads mirrored ledger rows, newest first.
func (p *Impl) History(ctx context.Context, symbol string, limit int) ([]db.LedgerRow, error) {
	if p.db == nil {
		return nil, ErrNoDatabase
	}
	if p.writer != nil {
		if err := p.writer.Flush(ctx); err != nil {
			p.logger.Warn("ledger flush before read failed", zap.Error(err))
		}
	}
	return p.db.ListLedger(ctx, symbol, limit)
}

func (p *Impl) Status() Status {
	p.mu.Lock()
	st := Status{
		Running:   p.running,
		DryRun:    p.cfg.DryRun,
		StartedAt: p.startedAt,
		Universe:  append([]string(nil), p.symbols...),
	}
	p.mu.Unlock()

	st.ReferenceSymbol = p.signal.ReferenceSymbol()
	st.Epoch = p.signal.Epoch()
	st.DispatchEpoch = p.signal.DispatchEpoch()
	st.Held = p.signal.Held()
	st.Handler = p.feed.ActiveHandler()
	st.Feed = p.feed.Status()
	st.QueueDepth = p.exec.QueueDepth()
	st.Successful, st.Failed = p.exec.Ledger().Counts()
	if p.recon != nil {
		st.Reconcile = p.recon.Last()
	}
	if p.writer != nil {
		stats := p.writer.Stats()
		st.Persistence = &stats
	}
	st.BusDropped = p.bus.Dropped()
	return st
}

// --- Stage glue ---

func (p *Impl) publishOutcome(e execution.LedgerEntry) {
	p.bus.Publish(events.EventOutcome, e)
}

// onBar receives every newly closed bar, in feed order.
func (p *Impl) onBar(b market.Bar) {
	p.signal.OnBar(b)
	if p.paper != nil {
		p.quote(b)
	}
}

// quote moves the paper book to one tick around the close.
func (p *Impl) quote(b market.Bar) {
	f, err := p.paper.SymbolFilters(context.Background(), b.Symbol)
	if err != nil || f.TickSize.IsZero() {
		return
	}
	p.paper.SetBook(b.Symbol, b.Close, b.Close.Add(f.TickSize))
}

func (p *Impl) recordBar(ctx context.Context, b market.Bar) error {
	return p.store.Append(ctx, b.Symbol, b.Interval, []finstore.Record{finstore.BarRecord(b)})
}

func (p *Impl) recordCandidate(ctx context.Context, c signal.Candidate) {
	rec := finstore.CandidateRecord(c.GeneratedAtMs, c.Score, c.ReferencePrice)
	if err := p.store.Append(ctx, c.Symbol, finstore.SignalTimeframe, []finstore.Record{rec}); err != nil {
		p.metrics.IncStoreFailure()
		p.logger.Warn("candidate not stored", zap.String("symbol", c.Symbol), zap.Error(err))
	}
}
