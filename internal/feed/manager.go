// Package feed keeps the exchange stream connections alive and routes every
// decoded message into the window aggregator.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-pipeline/internal/events"
	"trading-pipeline/internal/monitor"
	"trading-pipeline/internal/window"
	market "trading-pipeline/pkg/market/binance"
)

var (
	// ErrNoConnections means every connection group gave up.
	ErrNoConnections = errors.New("feed: no connection group could connect")
	ErrRunning       = errors.New("feed: already running")
	ErrEmptyUniverse = errors.New("feed: empty universe")
)

// Config tunes the manager.
type Config struct {
	BaseURL         string
	// Channel is kline, aggTrade or trade. Only kline produces bars, so a
	// bar listener (and with it the signal epoch) sees nothing on the others.
	Channel         string
	Interval        string
	ChunkSize       int
	ReferenceSymbol string
	Retention       time.Duration
	SweepInterval   time.Duration
	Group           GroupConfig

	HandlerTimeout     time.Duration
	HandlerConcurrency int
	Handler            string
	// WarmupBars seeds kline windows from REST history before streaming.
	WarmupBars int
}

func (c *Config) defaults() {
	if c.Channel == "" {
		c.Channel = string(market.KindBar)
	}
	if c.Interval == "" {
		c.Interval = "1m"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 50
	}
	if c.Retention <= 0 {
		c.Retention = 90 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Second
	}
	if c.HandlerConcurrency <= 0 {
		c.HandlerConcurrency = 256
	}
	if c.Handler == "" {
		c.Handler = "default"
	}
}

// HistorySource serves closed bars for warmup.
type HistorySource interface {
	Bars(ctx context.Context, symbol, interval string, limit int) ([]market.Bar, error)
}

// Option customizes a Manager.
type Option func(*Manager)

func WithMetrics(m *monitor.SystemMetrics) Option { return func(mg *Manager) { mg.metrics = m } }

// WithBus publishes connection group transitions as events.EventFeedStatus.
func WithBus(b *events.Bus) Option { return func(mg *Manager) { mg.bus = b } }

// WithBarListener is called inline for every newly closed bar.
func WithBarListener(fn func(market.Bar)) Option { return func(mg *Manager) { mg.onBar = fn } }

func WithHistory(h HistorySource) Option { return func(mg *Manager) { mg.history = h } }

func WithRegistry(r *Registry) Option { return func(mg *Manager) { mg.registry = r } }

type handlerBox struct{ h MessageHandler }

// Manager owns the aggregator and every connection group.
type Manager struct {
	cfg      Config
	agg      *window.Aggregator
	logger   *zap.Logger
	metrics  *monitor.SystemMetrics
	bus      *events.Bus
	onBar    func(market.Bar)
	history  HistorySource
	registry *Registry

	handler  atomic.Pointer[handlerBox]
	reloadMu sync.Mutex
	tasks    *errgroup.Group
	taskCtx  atomic.Pointer[context.Context]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	groups  []*ConnectionGroup
}

// NewManager builds a manager writing into agg.
func NewManager(cfg Config, agg *window.Aggregator, logger *zap.Logger, opts ...Option) (*Manager, error) {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if agg == nil {
		agg = window.NewAggregator()
	}
	m := &Manager{
		cfg:    cfg,
		agg:    agg,
		logger: logger.Named("feed"),
		tasks:  &errgroup.Group{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = NewRegistry(m.logger)
	}
	m.tasks.SetLimit(cfg.HandlerConcurrency)
	bg := context.Background()
	m.taskCtx.Store(&bg)

	h, err := m.registry.Build(cfg.Handler)
	if err != nil {
		return nil, err
	}
	m.handler.Store(&handlerBox{h: h})
	return m, nil
}

// Aggregator returns the windows this manager writes.
func (m *Manager) Aggregator() *window.Aggregator { return m.agg }

// Registry returns the handler registry.
func (m *Manager) Registry() *Registry { return m.registry }

// ActiveHandler names the handler currently in use.
func (m *Manager) ActiveHandler() string { return m.handler.Load().h.Name() }

// ReloadHandler swaps in the handler registered under name. On failure the
// previous handler stays active.
func (m *Manager) ReloadHandler(name string) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	h, err := m.registry.Build(name)
	if err != nil {
		m.logger.Warn("handler reload failed, keeping previous",
			zap.String("requested", name), zap.String("active", m.ActiveHandler()), zap.Error(err))
		return err
	}
	prev := m.handler.Swap(&handlerBox{h: h})
	m.logger.Info("handler reloaded", zap.String("from", prev.h.Name()), zap.String("to", h.Name()))
	return nil
}

// SetHandler installs h directly.
func (m *Manager) SetHandler(h MessageHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	m.handler.Store(&handlerBox{h: h})
	m.logger.Info("handler set", zap.String("handler", h.Name()))
	return nil
}

// Status is a point-in-time view of the connection groups.
type Status struct {
	Groups     int   `json:"groups"`
	Connected  int   `json:"connected"`
	Streams    int   `json:"streams"`
	Reconnects int64 `json:"reconnects"`
	Symbols    int   `json:"symbols"`
}

// Status reports the current groups.
func (m *Manager) Status() Status {
	m.mu.Lock()
	groups := append([]*ConnectionGroup(nil), m.groups...)
	m.mu.Unlock()
	st := Status{Groups: len(groups), Symbols: len(m.agg.Symbols())}
	for _, g := range groups {
		if g.Connected() {
			st.Connected++
		}
		st.Streams += len(g.Streams())
		st.Reconnects += g.Reconnects()
	}
	return st
}

// plan turns the universe into stream chunks. Order is preserved, symbols
// are upper-cased and deduplicated and the reference symbol is added last
// when missing.
func (m *Manager) plan(universe []string) ([]string, [][]string) {
	seen := make(map[string]struct{}, len(universe)+1)
	var symbols []string
	add := func(s string) {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	for _, s := range universe {
		add(s)
	}
	add(m.cfg.ReferenceSymbol)

	channel := market.ChannelName(m.cfg.Channel, m.cfg.Interval)
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = market.StreamName(s, channel)
	}
	return symbols, market.Chunk(streams, m.cfg.ChunkSize)
}

// Start subscribes the universe and blocks until ctx ends or Stop is
// called. It returns ErrNoConnections when every group gave up.
func (m *Manager) Start(ctx context.Context, universe []string) error {
	symbols, chunks := m.plan(universe)
	if len(symbols) == 0 {
		return ErrEmptyUniverse
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrRunning
	}
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.groups = make([]*ConnectionGroup, 0, len(chunks))
	for i, streams := range chunks {
		g := NewConnectionGroup(i, market.CombinedURL(m.cfg.BaseURL, streams), streams, m.cfg.Group, m.Dispatch, m.logger)
		g.OnStatus(m.publishStatus)
		m.groups = append(m.groups, g)
	}
	groups := m.groups
	m.taskCtx.Store(&ctx)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	if dropped := m.agg.Retain(symbols); len(dropped) > 0 {
		m.logger.Info("dropped windows outside universe", zap.Strings("symbols", dropped))
	}
	m.logger.Info("starting feed", zap.Int("symbols", len(symbols)), zap.Int("groups", len(groups)),
		zap.String("channel", m.cfg.Channel), zap.String("handler", m.ActiveHandler()))
	if m.history != nil && m.cfg.WarmupBars > 0 && m.cfg.Channel == string(market.KindBar) {
		m.warmup(ctx, symbols)
	}

	var g errgroup.Group
	var gaveUp atomic.Int32
	for _, grp := range groups {
		g.Go(func() error {
			err := grp.Run(ctx)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrDialExhausted) {
				if int(gaveUp.Add(1)) == len(groups) {
					cancel()
					return ErrNoConnections
				}
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		m.sweepLoop(ctx)
		return nil
	})

	err := g.Wait()
	// in-flight handler tasks finish before Start returns
	_ = m.tasks.Wait()
	if err != nil {
		m.logger.Error("feed stopped", zap.Error(err))
	}
	return err
}

// Stop cancels every group and waits for them and for in-flight handlers.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Dispatch is the entry point for raw frames from every group.
func (m *Manager) Dispatch(frame []byte) {
	msg, err := market.ParseMessage(frame)
	if err != nil {
		m.metrics.IncDecodeError()
		if errors.Is(err, market.ErrUnsupportedEvent) {
			m.logger.Debug("ignoring frame", zap.Error(err))
			return
		}
		m.logger.Warn("dropping undecodable frame", zap.Int("bytes", len(frame)), zap.Error(err))
		return
	}
	m.metrics.IncMessage(string(msg.Kind))
	m.Ingest(msg)
}

// Ingest writes msg to its window on the caller's goroutine, then hands it
// to the active handler on the task pool.
func (m *Manager) Ingest(msg market.Message) {
	res := m.agg.Append(msg)
	if res.Gap > 0 {
		m.metrics.AddTradeGaps(res.Gap)
		m.logger.Warn("aggregate trade ids missing",
			zap.String("symbol", res.Symbol), zap.Int64("missing", res.Gap), zap.Int64("id", msg.Trade.TradeID))
	}
	if msg.Kind == market.KindBar && msg.Bar.IsFinal && res.Added && m.onBar != nil {
		m.onBar(msg.Bar)
	}

	h := m.handler.Load().h
	ctx := *m.taskCtx.Load()
	if !m.tasks.TryGo(func() error {
		m.invoke(ctx, h, msg)
		return nil
	}) {
		m.metrics.IncHandlerDropped()
		m.logger.Debug("handler pool saturated, message not handled", zap.String("symbol", msg.Symbol))
	}
}

func (m *Manager) invoke(ctx context.Context, h MessageHandler, msg market.Message) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			m.metrics.IncHandlerFailure()
			m.logger.Error("handler panicked",
				zap.String("handler", h.Name()), zap.String("symbol", msg.Symbol), zap.Any("panic", r))
		}
	}()
	if err := h.Handle(ctx, msg); err != nil {
		m.metrics.IncHandlerFailure()
		m.logger.Warn("handler failed",
			zap.String("handler", h.Name()), zap.String("symbol", msg.Symbol), zap.Error(err))
	}
}

// WaitHandlers blocks until every queued handler task has run.
func (m *Manager) WaitHandlers() { _ = m.tasks.Wait() }

func (m *Manager) sweepLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Sweep evicts everything older than the retention window.
func (m *Manager) Sweep() int {
	n := m.agg.Evict(m.cfg.Retention)
	m.metrics.AddEvicted(n)
	if n > 0 {
		m.logger.Debug("evicted", zap.Int("entries", n))
	}
	return n
}

func (m *Manager) warmup(ctx context.Context, symbols []string) {
	var g errgroup.Group
	g.SetLimit(8)
	for _, s := range symbols {
		g.Go(func() error {
			bars, err := m.history.Bars(ctx, s, m.cfg.Interval, m.cfg.WarmupBars)
			if err != nil {
				m.logger.Warn("warmup failed", zap.String("symbol", s), zap.Error(err))
				return nil
			}
			for _, b := range bars {
				m.agg.AppendBar(b)
			}
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("windows warmed up", zap.Int("symbols", len(symbols)), zap.Int("bars", m.cfg.WarmupBars))
}

func (m *Manager) publishStatus(st events.FeedStatus) {
	if m.bus != nil {
		m.bus.Publish(events.EventFeedStatus, st)
	}
}

func (m *Manager) String() string {
	st := m.Status()
	return fmt.Sprintf("feed{groups=%d connected=%d streams=%d}", st.Groups, st.Connected, st.Streams)
}
