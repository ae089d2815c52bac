package window

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	market "trading-pipeline/pkg/market/binance"
)

// Point is one value of a derived series.
type Point struct {
	TimestampMs int64
	Value       decimal.Decimal
}

// AppendResult describes what one message did to its window.
type AppendResult struct {
	Symbol string
	Added  bool
	// Gap counts aggregate trade ids skipped before this message.
	Gap int64
}

// Aggregator owns every SymbolWindow. The feed is its only writer.
type Aggregator struct {
	mu      sync.RWMutex
	windows map[string]*SymbolWindow
	now     func() time.Time
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now for eviction.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an empty aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		windows: make(map[string]*SymbolWindow),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) windowFor(symbol string) *SymbolWindow {
	a.mu.RLock()
	w, ok := a.windows[symbol]
	a.mu.RUnlock()
	if ok {
		return w
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok = a.windows[symbol]; ok {
		return w
	}
	w = newSymbolWindow(symbol)
	a.windows[symbol] = w
	return w
}

// Window returns the live window for symbol.
func (a *Aggregator) Window(symbol string) (*SymbolWindow, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	w, ok := a.windows[symbol]
	return w, ok
}

// Append routes a decoded message to its window, creating it on first use.
func (a *Aggregator) Append(msg market.Message) AppendResult {
	switch msg.Kind {
	case market.KindBar:
		return AppendResult{Symbol: msg.Bar.Symbol, Added: a.AppendBar(msg.Bar)}
	case market.KindAggTrade, market.KindTrade:
		added, gap := a.windowFor(msg.Trade.Symbol).AppendTrade(msg.Trade, msg.Kind == market.KindAggTrade)
		return AppendResult{Symbol: msg.Trade.Symbol, Added: added, Gap: gap}
	}
	return AppendResult{Symbol: msg.Symbol}
}

// AppendBar stores bar in its symbol's window.
func (a *Aggregator) AppendBar(bar market.Bar) bool {
	return a.windowFor(bar.Symbol).AppendBar(bar)
}

// AppendTrade stores a raw (non-aggregate) trade.
func (a *Aggregator) AppendTrade(t market.Trade) bool {
	added, _ := a.windowFor(t.Symbol).AppendTrade(t, false)
	return added
}

// Evict drops everything older than now - retention.
func (a *Aggregator) Evict(retention time.Duration) int {
	return a.EvictBefore(a.now().Add(-retention).UnixMilli())
}

// EvictBefore drops entries with timestamp < cutoffMs from every window.
func (a *Aggregator) EvictBefore(cutoffMs int64) int {
	removed := 0
	for _, w := range a.snapshot() {
		removed += w.EvictBefore(cutoffMs)
	}
	return removed
}

// Retain destroys windows for symbols outside universe and returns them.
func (a *Aggregator) Retain(universe []string) []string {
	keep := make(map[string]struct{}, len(universe))
	for _, s := range universe {
		keep[s] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var dropped []string
	for s := range a.windows {
		if _, ok := keep[s]; !ok {
			delete(a.windows, s)
			dropped = append(dropped, s)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Drop destroys one symbol's window.
func (a *Aggregator) Drop(symbol string) {
	a.mu.Lock()
	delete(a.windows, symbol)
	a.mu.Unlock()
}

// Symbols lists symbols with a window, sorted.
func (a *Aggregator) Symbols() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.windows))
	for s := range a.windows {
		out = append(out, s)
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (a *Aggregator) snapshot() []*SymbolWindow {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*SymbolWindow, 0, len(a.windows))
	for _, w := range a.windows {
		out = append(out, w)
	}
	return out
}

// DeriveSyntheticSeries returns close(symbol)/close(base) over the closed
// bars both windows hold for the same interval start. No interpolation.
func (a *Aggregator) DeriveSyntheticSeries(symbol, base string) []Point {
	sw, ok := a.Window(symbol)
	if !ok {
		return nil
	}
	bw, ok := a.Window(base)
	if !ok {
		return nil
	}

	baseClose := make(map[int64]decimal.Decimal)
	for _, b := range bw.FinalBars() {
		baseClose[b.IntervalStartMs] = b.Close
	}
	var out []Point
	for _, b := range sw.FinalBars() {
		den, ok := baseClose[b.IntervalStartMs]
		if !ok || den.IsZero() {
			continue
		}
		out = append(out, Point{TimestampMs: b.IntervalStartMs, Value: b.Close.Div(den)})
	}
	return out
}

// LastClose returns the close of the newest closed bar for symbol.
func (a *Aggregator) LastClose(symbol string) (decimal.Decimal, bool) {
	w, ok := a.Window(symbol)
	if !ok {
		return decimal.Zero, false
	}
	bars := w.FinalBars()
	if len(bars) == 0 {
		return decimal.Zero, false
	}
	return bars[len(bars)-1].Close, true
}

// VolumeRatioFlag reports whether the mean volume of the last short closed
// bars exceeds the mean of the long bars before them. With too few bars it
// returns true so that thin history never suppresses a signal.
func (a *Aggregator) VolumeRatioFlag(symbol string, short, long int) bool {
	if short <= 0 || long <= 0 {
		return true
	}
	w, ok := a.Window(symbol)
	if !ok {
		return true
	}
	bars := w.FinalBars()
	if len(bars) < short+long {
		return true
	}
	recent := bars[len(bars)-short:]
	prior := bars[len(bars)-short-long : len(bars)-short]

	sumRecent := decimal.Zero
	for _, b := range recent {
		sumRecent = sumRecent.Add(b.Volume)
	}
	sumPrior := decimal.Zero
	for _, b := range prior {
		sumPrior = sumPrior.Add(b.Volume)
	}
	// mean(recent) > mean(prior) without dividing
	return sumRecent.Mul(decimal.NewFromInt(int64(long))).GreaterThan(sumPrior.Mul(decimal.NewFromInt(int64(short))))
}
