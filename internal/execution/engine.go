package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-pipeline/internal/monitor"
	"trading-pipeline/pkg/exchanges/common"
)

// Config tunes the execution engine.
type Config struct {
	Workers            int
	QueueSize          int
	MaxRetries         int
	RetryInterval      time.Duration
	CloseMaxRetries    int
	CloseRetryInterval time.Duration
	CancelTimeout      time.Duration
	FilterTTL          time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 20
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.CloseMaxRetries <= 0 {
		c.CloseMaxRetries = 240
	}
	if c.CloseRetryInterval <= 0 {
		c.CloseRetryInterval = 2 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Second
	}
	if c.FilterTTL <= 0 {
		c.FilterTTL = time.Hour
	}
}

// Engine consumes order intents on a bounded worker pool.
type Engine struct {
	ex      Exchange
	chaser  *Chaser
	filters *FilterCache
	ledger  *Ledger
	cfg     Config
	logger  *zap.Logger
	metrics *monitor.SystemMetrics

	queue chan OrderIntent

	mu        sync.RWMutex
	accepting bool
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewEngine wires an engine around ex. metrics may be nil.
func NewEngine(ex Exchange, ledger *Ledger, cfg Config, logger *zap.Logger, metrics *monitor.SystemMetrics) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if ledger == nil {
		ledger = NewLedger()
	}
	filters := NewFilterCache(ex, cfg.FilterTTL)
	return &Engine{
		ex:      ex,
		filters: filters,
		chaser: NewChaser(ex, filters, ChaserConfig{
			MaxRetries:    cfg.MaxRetries,
			Interval:      cfg.RetryInterval,
			CancelTimeout: cfg.CancelTimeout,
		}, logger),
		ledger:    ledger,
		cfg:       cfg,
		logger:    logger.Named("execution"),
		metrics:   metrics,
		queue:     make(chan OrderIntent, cfg.QueueSize),
		accepting: true,
	}
}

// Chaser exposes the engine's chaser.
func (e *Engine) Chaser() *Chaser { return e.chaser }

// Ledger exposes the outcome ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// QueueDepth returns how many intents wait for a worker.
func (e *Engine) QueueDepth() int { return len(e.queue) }

// Run executes queued intents until ctx ends or Shutdown is called.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.mu.Lock()
	e.runCancel = cancel
	e.runDone = done
	e.mu.Unlock()
	defer close(done)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case in := <-e.queue:
					e.Execute(gctx, in)
				}
			}
		})
	}
	return g.Wait()
}

// SubmitIntent validates and enqueues an intent without blocking.
func (e *Engine) SubmitIntent(ctx context.Context, in OrderIntent) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.accepting {
		return "", ErrEngineStopped
	}
	select {
	case e.queue <- in:
		return in.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", ErrQueueFull
	}
}

// Shutdown stops intake, cancels running chases (their orders are
// force-cancelled) and records every intent still queued as failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.accepting = false
	cancel, done := e.runCancel, e.runDone
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case in := <-e.queue:
			e.record(ActionEntry, in, LedgerEntry{
				Symbol: in.Symbol, Side: in.Side, Size: in.SizeValue,
				Status: OutcomeFailed, Error: ErrEngineStopped.Error(),
			}, time.Now())
		default:
			return nil
		}
	}
}

// Execute runs one intent to a terminal outcome and records it.
func (e *Engine) Execute(ctx context.Context, in OrderIntent) LedgerEntry {
	start := time.Now()
	log := e.logger.With(zap.String("intent", in.ID), zap.String("symbol", in.Symbol), zap.String("side", string(in.Side)))

	if err := in.Validate(); err != nil {
		return e.record(ActionEntry, in, LedgerEntry{Symbol: in.Symbol, Side: in.Side, Status: OutcomeFailed, Error: err.Error()}, start)
	}
	if in.ClosesPosition() {
		entries, err := e.ClosePositions(ctx, CloseRequest{
			Symbol:        in.Symbol,
			UseChaser:     true,
			MaxRetries:    in.MaxRetries,
			RetryInterval: in.RetryInterval,
			IntentID:      in.ID,
			Source:        in.Source,
		})
		if err != nil || len(entries) == 0 {
			log.Warn("close intent produced no order", zap.Error(err))
		}
		if len(entries) > 0 {
			return entries[0]
		}
		return LedgerEntry{Symbol: in.Symbol, Status: OutcomeFailed, Error: fmt.Sprint(err)}
	}

	action := ActionEntry
	if in.ReduceOnly {
		action = ActionClose
	}
	qty, err := e.contracts(ctx, in)
	if err != nil {
		return e.record(action, in, LedgerEntry{Symbol: in.Symbol, Side: in.Side, Size: in.SizeValue, Status: OutcomeFailed, Error: err.Error()}, start)
	}

	retries := in.MaxRetries
	if retries <= 0 {
		retries = e.cfg.MaxRetries
	}
	interval := in.RetryInterval
	if interval <= 0 {
		interval = e.cfg.RetryInterval
	}
	res := e.chaser.Chase(ctx, ChaseRequest{
		Symbol:     in.Symbol,
		Side:       in.Side,
		Size:       qty,
		MaxRetries: retries,
		Interval:   interval,
		ReduceOnly: in.ReduceOnly,
	})
	return e.record(action, in, fromChase(res, in.ReduceOnly), start)
}

// contracts converts the intent size into contracts at step precision.
func (e *Engine) contracts(ctx context.Context, in OrderIntent) (decimal.Decimal, error) {
	if in.SizeType != SizeUSD {
		return in.SizeValue, nil
	}
	f, err := e.filters.Get(ctx, in.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("filters %s: %w", in.Symbol, err)
	}
	mark, err := e.ex.MarkPrice(ctx, in.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mark price %s: %w", in.Symbol, err)
	}
	if mark.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("mark price %s: non-positive", in.Symbol)
	}
	qty := common.FloorToStep(in.SizeValue.Div(mark), f.StepSize)
	if qty.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%s %s USD at %s: %w", in.Symbol, in.SizeValue, mark, ErrSizeBelowStep)
	}
	return qty, nil
}

func fromChase(res ChaseResult, closing bool) LedgerEntry {
	entry := LedgerEntry{
		Symbol:   res.Symbol,
		Side:     res.Side,
		Size:     res.Requested,
		Filled:   res.Filled,
		Price:    res.AvgPrice,
		Attempts: res.Attempts,
	}
	if entry.Price.IsZero() {
		entry.Price = res.LastPrice
	}
	switch res.Status {
	case ChaseFilled:
		entry.Status = OutcomeFilled
	case ChaseExhausted:
		entry.Status = OutcomeExhausted
		entry.Error = fmt.Sprintf("not filled after %d attempts", res.Attempts)
	default:
		entry.Status = OutcomeFailed
		if closing && isUnclosable(res.Err) {
			entry.Status = OutcomeUnclosable
		}
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	return entry
}

func isUnclosable(err error) bool {
	return errors.Is(err, ErrBelowMinNotional) || errors.Is(err, ErrSizeBelowStep) || common.IsMinNotional(err)
}

func (e *Engine) record(action Action, in OrderIntent, entry LedgerEntry, start time.Time) LedgerEntry {
	entry.Action = action
	if entry.IntentID == "" {
		entry.IntentID = in.ID
	}
	if entry.Source == "" {
		entry.Source = in.Source
	}
	entry.Duration = time.Since(start)
	entry = e.ledger.Record(entry)
	e.metrics.ObserveOutcome(string(entry.Status), entry.Attempts, entry.Duration)
	return entry
}

// SetLeverage changes leverage; recorded, not retried.
func (e *Engine) SetLeverage(ctx context.Context, symbol string, leverage int) (LedgerEntry, error) {
	start := time.Now()
	err := e.ex.SetLeverage(ctx, symbol, leverage)
	entry := LedgerEntry{Symbol: symbol, Leverage: leverage, Status: OutcomeOK}
	if err != nil {
		entry.Status = OutcomeFailed
		entry.Error = err.Error()
	}
	return e.record(ActionLeverage, OrderIntent{Source: "command"}, entry, start), err
}

// CancelAll cancels every open order on symbol; recorded, not retried.
func (e *Engine) CancelAll(ctx context.Context, symbol string) (LedgerEntry, error) {
	start := time.Now()
	err := e.ex.CancelAllOpenOrders(ctx, symbol)
	entry := LedgerEntry{Symbol: symbol, Status: OutcomeOK}
	if err != nil {
		entry.Status = OutcomeFailed
		entry.Error = err.Error()
	}
	return e.record(ActionCancelAll, OrderIntent{Source: "command"}, entry, start), err
}
