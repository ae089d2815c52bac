// Package window keeps per-symbol rolling windows of bars and trades.
package window

import (
	"sort"
	"sync"

	market "trading-pipeline/pkg/market/binance"
)

// SymbolWindow holds one symbol's bars keyed by interval start and trades
// deduplicated by id. Readers receive copies.
type SymbolWindow struct {
	mu     sync.RWMutex
	symbol string

	barKeys []int64 // ascending
	bars    map[int64]market.Bar

	trades []market.Trade
	seen   map[int64]struct{}

	// floorMs is the last eviction cutoff; older data is rejected so an
	// evicted entry cannot come back.
	floorMs   int64
	lastAggID int64
	gaps      int64
}

func newSymbolWindow(symbol string) *SymbolWindow {
	return &SymbolWindow{
		symbol: symbol,
		bars:   make(map[int64]market.Bar),
		seen:   make(map[int64]struct{}),
	}
}

// Symbol returns the window's symbol.
func (w *SymbolWindow) Symbol() string { return w.symbol }

// AppendBar inserts or replaces the bar for its interval. A final bar is
// never overwritten by a non-final update. Reports whether state changed.
func (w *SymbolWindow) AppendBar(bar market.Bar) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := bar.IntervalStartMs
	if ts < w.floorMs {
		return false
	}
	if prev, ok := w.bars[ts]; ok {
		if prev.IsFinal && !bar.IsFinal {
			return false
		}
		w.bars[ts] = bar
		return true
	}
	w.bars[ts] = bar
	n := len(w.barKeys)
	if n == 0 || w.barKeys[n-1] < ts {
		w.barKeys = append(w.barKeys, ts)
		return true
	}
	i := sort.Search(n, func(i int) bool { return w.barKeys[i] >= ts })
	w.barKeys = append(w.barKeys, 0)
	copy(w.barKeys[i+1:], w.barKeys[i:])
	w.barKeys[i] = ts
	return true
}

// AppendTrade adds a trade unless its id was already seen. For aggregate
// trades it also returns how many ids were skipped since the previous one.
func (w *SymbolWindow) AppendTrade(t market.Trade, aggregate bool) (added bool, gap int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t.TradeTimeMs < w.floorMs {
		return false, 0
	}
	if _, dup := w.seen[t.TradeID]; dup {
		return false, 0
	}
	w.seen[t.TradeID] = struct{}{}
	w.trades = append(w.trades, t)

	if aggregate {
		if w.lastAggID != 0 && t.TradeID > w.lastAggID+1 {
			gap = t.TradeID - w.lastAggID - 1
			w.gaps += gap
		}
		if t.TradeID > w.lastAggID {
			w.lastAggID = t.TradeID
		}
	}
	return true, gap
}

// EvictBefore removes every entry with timestamp < cutoffMs.
func (w *SymbolWindow) EvictBefore(cutoffMs int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cutoffMs > w.floorMs {
		w.floorMs = cutoffMs
	}
	removed := 0

	i := sort.Search(len(w.barKeys), func(i int) bool { return w.barKeys[i] >= cutoffMs })
	for _, k := range w.barKeys[:i] {
		delete(w.bars, k)
	}
	removed += i
	w.barKeys = append(w.barKeys[:0:0], w.barKeys[i:]...)

	kept := w.trades[:0]
	for _, t := range w.trades {
		if t.TradeTimeMs < cutoffMs {
			delete(w.seen, t.TradeID)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for j := len(kept); j < len(w.trades); j++ {
		w.trades[j] = market.Trade{}
	}
	w.trades = kept
	return removed
}

// Bars returns a time-ordered copy of all bars.
func (w *SymbolWindow) Bars() []market.Bar {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]market.Bar, 0, len(w.barKeys))
	for _, k := range w.barKeys {
		out = append(out, w.bars[k])
	}
	return out
}

// FinalBars returns a time-ordered copy of closed bars only.
func (w *SymbolWindow) FinalBars() []market.Bar {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]market.Bar, 0, len(w.barKeys))
	for _, k := range w.barKeys {
		if b := w.bars[k]; b.IsFinal {
			out = append(out, b)
		}
	}
	return out
}

// LastBar returns the newest bar, if any.
func (w *SymbolWindow) LastBar() (market.Bar, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.barKeys) == 0 {
		return market.Bar{}, false
	}
	return w.bars[w.barKeys[len(w.barKeys)-1]], true
}

// Trades returns a copy of the retained trades in arrival order.
func (w *SymbolWindow) Trades() []market.Trade {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]market.Trade, len(w.trades))
	copy(out, w.trades)
	return out
}

// Len returns the number of bars and trades held.
func (w *SymbolWindow) Len() (bars, trades int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.barKeys), len(w.trades)
}

// Gaps returns the total number of aggregate trade ids never received.
func (w *SymbolWindow) Gaps() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.gaps
}
