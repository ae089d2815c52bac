package window

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	market "trading-pipeline/pkg/market/binance"
)

const minute = int64(60_000)

func bar(symbol string, startMs int64, close, volume string, final bool) market.Bar {
	c := decimal.RequireFromString(close)
	return market.Bar{
		Symbol:          symbol,
		Interval:        "1m",
		IntervalStartMs: startMs,
		CloseTimeMs:     startMs + minute - 1,
		Open:            c,
		High:            c,
		Low:             c,
		Close:           c,
		Volume:          decimal.RequireFromString(volume),
		IsFinal:         final,
	}
}

func trade(symbol string, id, tsMs int64) market.Trade {
	return market.Trade{
		Symbol:      symbol,
		Price:       decimal.NewFromInt(100),
		Quantity:    decimal.NewFromInt(1),
		TradeID:     id,
		TradeTimeMs: tsMs,
	}
}

func TestEvictionBoundary(t *testing.T) {
	now := time.UnixMilli(100 * minute)
	agg := NewAggregator(WithClock(func() time.Time { return now }))
	retention := 10 * time.Minute
	cutoff := now.Add(-retention).UnixMilli()

	agg.AppendBar(bar("ETHUSDT", cutoff-minute, "1", "1", true))
	agg.AppendBar(bar("ETHUSDT", cutoff, "2", "1", true))
	agg.AppendBar(bar("ETHUSDT", cutoff+minute, "3", "1", true))
	agg.AppendTrade(trade("ETHUSDT", 1, cutoff-1))
	agg.AppendTrade(trade("ETHUSDT", 2, cutoff))

	removed := agg.Evict(retention)
	assert.Equal(t, 2, removed)

	w, ok := agg.Window("ETHUSDT")
	require.True(t, ok)
	bars := w.Bars()
	require.Len(t, bars, 2)
	assert.Equal(t, cutoff, bars[0].IntervalStartMs)
	trades := w.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, int64(2), trades[0].TradeID)

	// evicted data does not return
	assert.False(t, agg.AppendBar(bar("ETHUSDT", cutoff-minute, "1", "1", true)))
	assert.False(t, agg.AppendTrade(trade("ETHUSDT", 1, cutoff-1)))
}

func TestTradeDedupIsIdempotent(t *testing.T) {
	agg := NewAggregator()
	msg := market.Message{Kind: market.KindTrade, Symbol: "ETHUSDT", Trade: trade("ETHUSDT", 7, 1000)}

	first := agg.Append(msg)
	assert.True(t, first.Added)
	for i := 0; i < 5; i++ {
		assert.False(t, agg.Append(msg).Added)
	}
	w, _ := agg.Window("ETHUSDT")
	_, n := w.Len()
	assert.Equal(t, 1, n)
}

func TestAggTradeGapCounting(t *testing.T) {
	agg := NewAggregator()
	res := make([]int64, 0, 3)
	for _, id := range []int64{10, 11, 15} {
		r := agg.Append(market.Message{Kind: market.KindAggTrade, Trade: trade("BTCUSDT", id, id)})
		res = append(res, r.Gap)
	}
	assert.Equal(t, []int64{0, 0, 3}, res)
	w, _ := agg.Window("BTCUSDT")
	assert.Equal(t, int64(3), w.Gaps())
}

func TestBarReplacement(t *testing.T) {
	agg := NewAggregator()
	assert.True(t, agg.AppendBar(bar("ETHUSDT", 0, "1", "1", false)))
	assert.True(t, agg.AppendBar(bar("ETHUSDT", 0, "2", "1", true)))
	assert.False(t, agg.AppendBar(bar("ETHUSDT", 0, "3", "1", false)))

	// late bar lands in order
	agg.AppendBar(bar("ETHUSDT", 2*minute, "5", "1", true))
	agg.AppendBar(bar("ETHUSDT", minute, "4", "1", true))

	w, _ := agg.Window("ETHUSDT")
	bars := w.Bars()
	require.Len(t, bars, 3)
	assert.Equal(t, "2", bars[0].Close.String())
	assert.Equal(t, []int64{0, minute, 2 * minute},
		[]int64{bars[0].IntervalStartMs, bars[1].IntervalStartMs, bars[2].IntervalStartMs})
}

func TestDeriveSyntheticSeriesIntersects(t *testing.T) {
	agg := NewAggregator()
	agg.AppendBar(bar("ETHUSDT", 0, "10", "1", true))
	agg.AppendBar(bar("ETHUSDT", minute, "12", "1", true))
	agg.AppendBar(bar("ETHUSDT", 3*minute, "15", "1", true))
	agg.AppendBar(bar("BTCUSDT", 0, "5", "1", true))
	agg.AppendBar(bar("BTCUSDT", 2*minute, "6", "1", true))
	agg.AppendBar(bar("BTCUSDT", 3*minute, "3", "1", true))
	agg.AppendBar(bar("BTCUSDT", minute, "0", "1", true))

	series := agg.DeriveSyntheticSeries("ETHUSDT", "BTCUSDT")
	require.Len(t, series, 2)
	assert.Equal(t, int64(0), series[0].TimestampMs)
	assert.Equal(t, "2", series[0].Value.String())
	assert.Equal(t, 3*minute, series[1].TimestampMs)
	assert.Equal(t, "5", series[1].Value.String())

	assert.Nil(t, agg.DeriveSyntheticSeries("ETHUSDT", "NOPE"))
}

func TestVolumeRatioFlag(t *testing.T) {
	build := func(volumes ...string) *Aggregator {
		agg := NewAggregator()
		for i, v := range volumes {
			agg.AppendBar(bar("ETHUSDT", int64(i)*minute, "1", v, true))
		}
		return agg
	}
	tests := []struct {
		name    string
		volumes []string
		want    bool
	}{
		{"too few samples fails open", []string{"1", "1"}, true},
		{"recent above prior", []string{"1", "1", "1", "5", "5"}, true},
		{"recent below prior", []string{"5", "5", "5", "1", "1"}, false},
		{"equal is not above", []string{"2", "2", "2", "2", "2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, build(tt.volumes...).VolumeRatioFlag("ETHUSDT", 2, 3))
		})
	}
	assert.True(t, NewAggregator().VolumeRatioFlag("MISSING", 2, 3))
}

func TestRetainDropsLeavers(t *testing.T) {
	agg := NewAggregator()
	for _, s := range []string{"AUSDT", "BUSDT", "CUSDT"} {
		agg.AppendBar(bar(s, 0, "1", "1", true))
	}
	dropped := agg.Retain([]string{"BUSDT"})
	assert.Equal(t, []string{"AUSDT", "CUSDT"}, dropped)
	assert.Equal(t, []string{"BUSDT"}, agg.Symbols())
	agg.Drop("BUSDT")
	assert.Empty(t, agg.Symbols())
}
