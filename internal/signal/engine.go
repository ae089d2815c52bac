// Package signal scores symbols against a reference on a fixed epoch cadence
// and turns the strongest trends into order intents.
package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-pipeline/internal/events"
	"trading-pipeline/internal/execution"
	"trading-pipeline/internal/monitor"
	"trading-pipeline/internal/window"
	"trading-pipeline/pkg/exchanges/common"
	market "trading-pipeline/pkg/market/binance"
)

// Source is the read side of the window aggregator.
type Source interface {
	Symbols() []string
	DeriveSyntheticSeries(symbol, base string) []window.Point
	VolumeRatioFlag(symbol string, short, long int) bool
	LastClose(symbol string) (decimal.Decimal, bool)
}

// IntentSink accepts intents for execution.
type IntentSink interface {
	SubmitIntent(ctx context.Context, in execution.OrderIntent) (string, error)
}

// Candidate is a scored symbol awaiting dispatch.
type Candidate struct {
	Symbol         string          `json:"symbol"`
	Score          float64         `json:"score"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	GeneratedAtMs  int64           `json:"generated_at_ms"`
}

// Source tag put on every intent this engine emits.
const IntentSource = "signal"

// Config holds the epoch schedule and thresholds.
type Config struct {
	ReferenceSymbol string
	MaxEpoch        int
	CollectEpoch    int
	ExitEpochs      []int
	LookbackPeriod  int
	MinScore        float64
	ExitScore       float64
	MaxPositions    int
	VolumeShort     int
	VolumeLong      int
	SizeValue       decimal.Decimal
	SizeType        execution.SizeType
}

func (c Config) validate() error {
	switch {
	case c.ReferenceSymbol == "":
		return errors.New("signal: reference symbol required")
	case c.MaxEpoch < 1:
		return errors.New("signal: max epoch must be >= 1")
	case c.CollectEpoch < 0 || c.CollectEpoch > c.MaxEpoch:
		return fmt.Errorf("signal: collect epoch %d outside 0..%d", c.CollectEpoch, c.MaxEpoch)
	case c.LookbackPeriod < 2:
		return errors.New("signal: lookback must be >= 2")
	case c.MaxPositions < 1:
		return errors.New("signal: max positions must be >= 1")
	case !c.SizeValue.IsPositive():
		return errors.New("signal: size value must be positive")
	}
	for _, e := range c.ExitEpochs {
		if e < 0 || e > c.MaxEpoch {
			return fmt.Errorf("signal: exit epoch %d outside 0..%d", e, c.MaxEpoch)
		}
	}
	return nil
}

type holding struct {
	side    common.Side
	closing bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics reports epochs, candidates and intents.
func WithMetrics(m *monitor.SystemMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBus publishes every emitted intent as events.EventIntent.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithRecorder receives every queued candidate.
func WithRecorder(fn func(context.Context, Candidate)) Option {
	return func(e *Engine) { e.record = fn }
}

// Engine runs one epoch step per closed reference bar.
type Engine struct {
	cfg     Config
	src     Source
	sink    IntentSink
	logger  *zap.Logger
	metrics *monitor.SystemMetrics
	bus     *events.Bus
	record  func(context.Context, Candidate)

	epochs *EpochCounter
	queue  *TopK
	exits  map[int]struct{}
	ticks  chan market.Bar

	mu      sync.Mutex
	held    map[string]*holding
	lastRef int64
}

// NewEngine builds an engine reading src and submitting to sink.
func NewEngine(cfg Config, src Source, sink IntentSink, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg.SizeType == "" {
		cfg.SizeType = execution.SizeContracts
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:     cfg,
		src:     src,
		sink:    sink,
		logger:  logger.Named("signal"),
		epochs:  NewEpochCounter(cfg.MaxEpoch),
		queue:   NewTopK(cfg.MaxPositions),
		exits:   make(map[int]struct{}, len(cfg.ExitEpochs)),
		ticks:   make(chan market.Bar, 64),
		held:    make(map[string]*holding),
		lastRef: math.MinInt64,
	}
	for _, ep := range cfg.ExitEpochs {
		e.exits[ep] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Epoch returns the epoch the next reference bar runs.
func (e *Engine) Epoch() int { return e.epochs.Current() }

// DispatchEpoch is the epoch after the collect epoch.
func (e *Engine) DispatchEpoch() int { return e.epochs.Next(e.cfg.CollectEpoch) }

// ReferenceSymbol returns the symbol whose bars drive the epochs.
func (e *Engine) ReferenceSymbol() string { return e.cfg.ReferenceSymbol }

// OnBar schedules an epoch step for a closed reference bar. Other bars are
// ignored. It never blocks the feed: when the tick queue is full the bar is
// dropped and counted in signal_epoch_ticks_dropped_total.
func (e *Engine) OnBar(b market.Bar) {
	if b.Symbol != e.cfg.ReferenceSymbol || !b.IsFinal {
		return
	}
	select {
	case e.ticks <- b:
	default:
		// the epoch counter falls one step behind the bar count
		e.metrics.IncEpochTickDropped()
		e.logger.Warn("epoch tick dropped, engine behind", zap.Int64("bar", b.IntervalStartMs))
	}
}

// Run executes epoch steps sequentially until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-e.ticks:
			e.Step(ctx, b)
		}
	}
}

// Step runs the current epoch for one closed reference bar and advances.
// A bar at or before the last one seen is ignored.
func (e *Engine) Step(ctx context.Context, ref market.Bar) {
	e.mu.Lock()
	if ref.IntervalStartMs <= e.lastRef {
		e.mu.Unlock()
		return
	}
	e.lastRef = ref.IntervalStartMs
	e.mu.Unlock()

	ep := e.epochs.Current()
	e.metrics.SetEpoch(ep)
	nowMs := ref.CloseTimeMs
	if nowMs == 0 {
		nowMs = time.Now().UnixMilli()
	}

	if ep == e.cfg.CollectEpoch {
		e.collect(ctx, nowMs)
	}
	if ep == e.DispatchEpoch() {
		e.dispatch(ctx)
	}
	if _, ok := e.exits[ep]; ok {
		e.exit(ctx)
	}
	e.epochs.Advance()
}

// score returns the last-lookback score of symbol against the reference.
// ok is false when there are too few points.
func (e *Engine) score(symbol string) (float64, bool) {
	pts := e.src.DeriveSyntheticSeries(symbol, e.cfg.ReferenceSymbol)
	if len(pts) < e.cfg.LookbackPeriod {
		return 0, false
	}
	pts = pts[len(pts)-e.cfg.LookbackPeriod:]
	values := make([]float64, len(pts))
	for i, p := range pts {
		values[i] = p.Value.InexactFloat64()
	}
	s, err := SlopeR2Product(values)
	if err != nil {
		// flat ratio
		return 0, true
	}
	return s, true
}

func (e *Engine) collect(ctx context.Context, nowMs int64) {
	e.queue.Reset()
	scanned, queued := 0, 0
	for _, symbol := range e.src.Symbols() {
		if symbol == e.cfg.ReferenceSymbol || e.isHeld(symbol) {
			continue
		}
		s, ok := e.score(symbol)
		if !ok {
			continue
		}
		scanned++
		if math.Abs(s) < e.cfg.MinScore {
			continue
		}
		if !e.src.VolumeRatioFlag(symbol, e.cfg.VolumeShort, e.cfg.VolumeLong) {
			continue
		}
		px, _ := e.src.LastClose(symbol)
		c := Candidate{Symbol: symbol, Score: s, ReferencePrice: px, GeneratedAtMs: nowMs}
		if e.queue.Push(c) {
			queued++
			e.metrics.IncCandidates()
			if e.record != nil {
				e.record(ctx, c)
			}
		}
	}
	e.logger.Debug("collected", zap.Int("scored", scanned), zap.Int("queued", queued))
}

func (e *Engine) dispatch(ctx context.Context) {
	candidates := e.queue.Drain()

	e.mu.Lock()
	slots := e.cfg.MaxPositions - len(e.held)
	var intents []execution.OrderIntent
	for _, c := range candidates {
		if len(intents) >= slots {
			break
		}
		if _, held := e.held[c.Symbol]; held {
			continue
		}
		side := common.SideSell
		if c.Score > 0 {
			side = common.SideBuy
		}
		// marked before submit; outcomes may arrive synchronously
		e.held[c.Symbol] = &holding{side: side}
		intents = append(intents, execution.OrderIntent{
			ID:        uuid.NewString(),
			Symbol:    c.Symbol,
			Side:      side,
			SizeValue: e.cfg.SizeValue,
			SizeType:  e.cfg.SizeType,
			Source:    IntentSource,
			Score:     c.Score,
			CreatedAt: time.Now().UTC(),
		})
	}
	e.mu.Unlock()

	for _, in := range intents {
		if !e.submit(ctx, in, "entry") {
			e.Forget(in.Symbol)
		}
	}
}

func (e *Engine) exit(ctx context.Context) {
	for _, symbol := range e.Held() {
		e.mu.Lock()
		h, ok := e.held[symbol]
		if !ok || h.closing {
			e.mu.Unlock()
			continue
		}
		side := h.side
		e.mu.Unlock()

		s, ok := e.score(symbol)
		if !ok {
			continue
		}
		flipped := (side == common.SideBuy && s < 0) || (side == common.SideSell && s > 0)
		if !flipped && math.Abs(s) >= e.cfg.ExitScore {
			continue
		}

		e.mu.Lock()
		if h, ok = e.held[symbol]; ok {
			h.closing = true
		}
		e.mu.Unlock()
		if !ok {
			continue
		}
		e.logger.Info("exit signal", zap.String("symbol", symbol), zap.Float64("score", s), zap.Bool("flipped", flipped))
		in := execution.OrderIntent{
			ID:         uuid.NewString(),
			Symbol:     symbol,
			Side:       side.Opposite(),
			ReduceOnly: true,
			SizeType:   execution.SizeContracts,
			Source:     IntentSource,
			Score:      s,
			CreatedAt:  time.Now().UTC(),
		}
		if !e.submit(ctx, in, "exit") {
			e.ClearClosing(symbol)
		}
	}
}

func (e *Engine) submit(ctx context.Context, in execution.OrderIntent, reason string) bool {
	log := e.logger.With(zap.String("symbol", in.Symbol), zap.String("side", string(in.Side)), zap.String("reason", reason))
	if _, err := e.sink.SubmitIntent(ctx, in); err != nil {
		log.Warn("intent rejected", zap.Error(err))
		return false
	}
	log.Info("intent submitted", zap.String("intent", in.ID), zap.Float64("score", in.Score))
	e.metrics.IncIntent(reason)
	if e.bus != nil {
		e.bus.Publish(events.EventIntent, in)
	}
	return true
}

func (e *Engine) isHeld(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.held[symbol]
	return ok
}

// Held lists symbols the engine believes are open, sorted.
func (e *Engine) Held() []string {
	e.mu.Lock()
	out := make([]string, 0, len(e.held))
	for s := range e.held {
		out = append(out, s)
	}
	e.mu.Unlock()
	sort.Strings(out)
	return out
}

// MarkHeld records an open position, e.g. one found on the exchange at start.
func (e *Engine) MarkHeld(symbol string, side common.Side) {
	e.mu.Lock()
	e.held[symbol] = &holding{side: side}
	e.mu.Unlock()
}

// Forget drops symbol from the held set.
func (e *Engine) Forget(symbol string) {
	e.mu.Lock()
	delete(e.held, symbol)
	e.mu.Unlock()
}

// ClearClosing lets the next exit epoch retry a close.
func (e *Engine) ClearClosing(symbol string) {
	e.mu.Lock()
	if h, ok := e.held[symbol]; ok {
		h.closing = false
	}
	e.mu.Unlock()
}

// ObserveOutcome keeps the held set in line with execution results for
// intents this engine emitted.
func (e *Engine) ObserveOutcome(entry execution.LedgerEntry) {
	if entry.Source != IntentSource {
		return
	}
	switch entry.Action {
	case execution.ActionEntry:
		if !entry.Status.Successful() && !entry.Filled.IsPositive() {
			e.Forget(entry.Symbol)
		}
	case execution.ActionClose:
		switch entry.Status {
		case execution.OutcomeFilled, execution.OutcomeUnclosable:
			e.Forget(entry.Symbol)
		default:
			if strings.Contains(entry.Error, execution.ErrNoPosition.Error()) {
				e.Forget(entry.Symbol)
				return
			}
			e.ClearClosing(entry.Symbol)
		}
	}
}
