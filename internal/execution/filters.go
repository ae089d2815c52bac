package execution

import (
	"context"
	"fmt"
	"time"

	"trading-pipeline/pkg/cache"
	"trading-pipeline/pkg/exchanges/common"
)

// FilterCache memoizes symbol precision rules.
type FilterCache struct {
	md    common.MarketData
	cache *cache.Sharded[common.SymbolFilters]
}

// NewFilterCache caches filters fetched from md for ttl.
func NewFilterCache(md common.MarketData, ttl time.Duration) *FilterCache {
	return &FilterCache{md: md, cache: cache.NewSharded[common.SymbolFilters](ttl)}
}

// Get returns cached filters or fetches them.
func (f *FilterCache) Get(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	if v, ok := f.cache.Get(symbol); ok {
		return v, nil
	}
	v, err := f.md.SymbolFilters(ctx, symbol)
	if err != nil {
		return common.SymbolFilters{}, err
	}
	if v.TickSize.Sign() <= 0 || v.StepSize.Sign() <= 0 {
		return common.SymbolFilters{}, fmt.Errorf("symbol %s: missing tick or step size", symbol)
	}
	f.cache.Set(symbol, v)
	return v, nil
}
