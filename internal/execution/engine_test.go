package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-pipeline/pkg/exchanges/common"
)

func newTestEngine(ex Exchange, cfg Config) *Engine {
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	if cfg.CloseRetryInterval == 0 {
		cfg.CloseRetryInterval = time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.CloseMaxRetries == 0 {
		cfg.CloseMaxRetries = 5
	}
	return NewEngine(ex, NewLedger(), cfg, zap.NewNop(), nil)
}

func TestIntentValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      OrderIntent
		wantErr bool
	}{
		{"contracts entry", OrderIntent{Symbol: "ETHUSDT", Side: common.SideBuy, SizeValue: d("1")}, false},
		{"usd entry", OrderIntent{Symbol: "ETHUSDT", Side: common.SideSell, SizeValue: d("20"), SizeType: SizeUSD}, false},
		{"full close", OrderIntent{Symbol: "ETHUSDT", Side: common.SideSell, ReduceOnly: true}, false},
		{"missing symbol", OrderIntent{Side: common.SideBuy, SizeValue: d("1")}, true},
		{"bad side", OrderIntent{Symbol: "ETHUSDT", Side: "HOLD", SizeValue: d("1")}, true},
		{"zero entry", OrderIntent{Symbol: "ETHUSDT", Side: common.SideBuy}, true},
		{"negative size", OrderIntent{Symbol: "ETHUSDT", Side: common.SideBuy, SizeValue: d("-1")}, true},
		{"bad size type", OrderIntent{Symbol: "ETHUSDT", Side: common.SideBuy, SizeValue: d("1"), SizeType: "LOTS"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecuteUSDSizing(t *testing.T) {
	p := newPaper(t, 1)
	e := newTestEngine(p, Config{})

	entry := e.Execute(context.Background(), OrderIntent{
		ID: "i-1", Symbol: "ETHUSDT", Side: common.SideBuy, SizeValue: d("20"), SizeType: SizeUSD, Source: "signal",
	})

	require.Equal(t, OutcomeFilled, entry.Status, entry.Error)
	// 20 / 100.025 floored to 0.001
	assert.True(t, entry.Size.Equal(d("0.199")), entry.Size.String())
	assert.Equal(t, ActionEntry, entry.Action)
	assert.Equal(t, "i-1", entry.IntentID)
	assert.Equal(t, "signal", entry.Source)
	assert.NotEmpty(t, entry.ID)

	ok, failed := e.Ledger().Counts()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 0, failed)
}

func TestExecuteRecordsExhaustion(t *testing.T) {
	p := newPaper(t, 0)
	e := newTestEngine(p, Config{MaxRetries: 2})

	entry := e.Execute(context.Background(), OrderIntent{Symbol: "ETHUSDT", Side: common.SideSell, SizeValue: d("0.5")})
	assert.Equal(t, OutcomeExhausted, entry.Status)
	assert.Equal(t, 2, entry.Attempts)
	assert.Len(t, e.Ledger().Failed(), 1)

	open, err := p.GetOpenOrders(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestClosePositionsMarket(t *testing.T) {
	tests := []struct {
		name       string
		amount     string
		percentage string
		quantity   string
		qtyType    QuantityType
		wantStatus OutcomeStatus
		wantSide   common.Side
		wantSize   string
		wantLeft   string
	}{
		{name: "full long", amount: "1.234", wantStatus: OutcomeFilled, wantSide: common.SideSell, wantSize: "1.234", wantLeft: "0"},
		{name: "full short", amount: "-0.5", percentage: "100", wantStatus: OutcomeFilled, wantSide: common.SideBuy, wantSize: "0.5", wantLeft: "0"},
		{name: "half floors to step", amount: "1.235", percentage: "50", wantStatus: OutcomeFilled, wantSide: common.SideSell, wantSize: "0.617", wantLeft: "0.618"},
		{name: "contracts capped at position", amount: "0.2", quantity: "5", wantStatus: OutcomeFilled, wantSide: common.SideSell, wantSize: "0.2", wantLeft: "0"},
		{name: "usd quantity", amount: "1", quantity: "50.0125", qtyType: QuantityUSD, wantStatus: OutcomeFilled, wantSide: common.SideSell, wantSize: "0.5", wantLeft: "0.5"},
		{name: "dust below min notional", amount: "0.01", wantStatus: OutcomeUnclosable, wantSide: common.SideSell, wantSize: "0.01", wantLeft: "0.01"},
		{name: "below step", amount: "1", quantity: "0.0004", wantStatus: OutcomeUnclosable, wantSide: common.SideSell, wantSize: "0", wantLeft: "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPaper(t, 0)
			p.SetPosition("ETHUSDT", d(tt.amount), d("100"))
			e := newTestEngine(p, Config{})

			req := CloseRequest{Symbol: "ETHUSDT", QuantityType: tt.qtyType}
			if tt.percentage != "" {
				req.Percentage = d(tt.percentage)
			}
			if tt.quantity != "" {
				req.Quantity = d(tt.quantity)
			}
			entries, err := e.ClosePositions(context.Background(), req)
			require.NoError(t, err)
			require.Len(t, entries, 1)

			got := entries[0]
			assert.Equal(t, tt.wantStatus, got.Status, got.Error)
			assert.Equal(t, tt.wantSide, got.Side)
			assert.Equal(t, ActionClose, got.Action)
			assert.True(t, got.Size.Equal(d(tt.wantSize)), "size %s", got.Size)

			left := decimal.Zero
			pos, _ := p.GetPositions(context.Background(), "ETHUSDT")
			if len(pos) == 1 {
				left = pos[0].Amount.Abs()
			}
			assert.True(t, left.Equal(d(tt.wantLeft)), "left %s", left)

			if tt.wantStatus == OutcomeUnclosable {
				assert.Empty(t, p.Placements())
			}
		})
	}
}

func TestClosePositionsWithChaser(t *testing.T) {
	p := newPaper(t, 1)
	p.SetBook("BTCUSDT", d("60000.0"), d("60000.5"))
	p.SetFilters(common.SymbolFilters{Symbol: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001"), MinQty: d("0.001"), MinNotional: d("100")})
	p.SetPosition("ETHUSDT", d("-0.5"), d("100"))
	p.SetPosition("BTCUSDT", d("0.01"), d("60000"))
	e := newTestEngine(p, Config{})

	entries, err := e.ClosePositions(context.Background(), CloseRequest{UseChaser: true})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, OutcomeFilled, entry.Status, entry.Error)
	}

	pos, err := p.GetPositions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, pos)

	for _, pl := range p.Placements() {
		assert.True(t, pl.ReduceOnly)
		assert.Equal(t, common.TIFGTX, pl.TimeInForce)
	}
}

func TestClosePositionsNothingOpen(t *testing.T) {
	e := newTestEngine(newPaper(t, 1), Config{})

	entries, err := e.ClosePositions(context.Background(), CloseRequest{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = e.ClosePositions(context.Background(), CloseRequest{Symbol: "ETHUSDT"})
	assert.ErrorIs(t, err, ErrNoPosition)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeFailed, entries[0].Status)

	_, err = e.ClosePositions(context.Background(), CloseRequest{Percentage: d("150")})
	assert.Error(t, err)
}

func TestCloseIntentClosesWholePosition(t *testing.T) {
	p := newPaper(t, 1)
	p.SetPosition("ETHUSDT", d("0.75"), d("100"))
	e := newTestEngine(p, Config{})

	entry := e.Execute(context.Background(), OrderIntent{ID: "exit-1", Symbol: "ETHUSDT", Side: common.SideSell, ReduceOnly: true, Source: "signal"})
	assert.Equal(t, OutcomeFilled, entry.Status, entry.Error)
	assert.Equal(t, ActionClose, entry.Action)
	assert.Equal(t, "exit-1", entry.IntentID)
	assert.True(t, entry.Filled.Equal(d("0.75")))

	pos, _ := p.GetPositions(context.Background(), "ETHUSDT")
	assert.Empty(t, pos)
}

func TestEngineRunsQueuedIntents(t *testing.T) {
	p := newPaper(t, 1)
	var seen []LedgerEntry
	ledger := NewLedger()
	done := make(chan struct{}, 4)
	ledger.Observe(func(e LedgerEntry) {
		seen = append(seen, e)
		done <- struct{}{}
	})
	e := NewEngine(p, ledger, Config{Workers: 1, RetryInterval: time.Millisecond}, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	id, err := e.SubmitIntent(ctx, OrderIntent{Symbol: "ETHUSDT", Side: common.SideBuy, SizeValue: d("0.1")})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("intent not executed")
	}
	require.Len(t, seen, 1)
	assert.Equal(t, id, seen[0].IntentID)
	assert.Equal(t, OutcomeFilled, seen[0].Status)

	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, <-runErr)

	_, err = e.SubmitIntent(ctx, OrderIntent{Symbol: "ETHUSDT", Side: common.SideBuy, SizeValue: d("0.1")})
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestSubmitIntentQueueFullAndShutdownDrain(t *testing.T) {
	e := newTestEngine(newPaper(t, 1), Config{QueueSize: 2})
	ctx := context.Background()
	in := OrderIntent{Symbol: "ETHUSDT", Side: common.SideBuy, SizeValue: d("0.1")}

	_, err := e.SubmitIntent(ctx, in)
	require.NoError(t, err)
	_, err = e.SubmitIntent(ctx, in)
	require.NoError(t, err)
	_, err = e.SubmitIntent(ctx, in)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, e.QueueDepth())

	_, err = e.SubmitIntent(ctx, OrderIntent{Symbol: "ETHUSDT", Side: common.SideBuy})
	assert.Error(t, err)

	require.NoError(t, e.Shutdown(ctx))
	failed := e.Ledger().Failed()
	require.Len(t, failed, 2)
	for _, f := range failed {
		assert.Equal(t, OutcomeFailed, f.Status)
		assert.Equal(t, ErrEngineStopped.Error(), f.Error)
	}
	assert.Zero(t, e.QueueDepth())
}

func TestSetLeverageAndCancelAll(t *testing.T) {
	p := newPaper(t, 0)
	e := newTestEngine(p, Config{})
	ctx := context.Background()

	entry, err := e.SetLeverage(ctx, "ETHUSDT", 10)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, entry.Status)
	assert.Equal(t, ActionLeverage, entry.Action)
	assert.Equal(t, 10, p.Leverage("ETHUSDT"))

	entry, err = e.SetLeverage(ctx, "ETHUSDT", 500)
	assert.Error(t, err)
	assert.Equal(t, OutcomeFailed, entry.Status)

	_, err = p.SubmitOrder(ctx, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit,
		Qty: d("1"), Price: d("99"), TimeInForce: common.TIFGTC})
	require.NoError(t, err)
	entry, err = e.CancelAll(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, ActionCancelAll, entry.Action)
	open, _ := p.GetOpenOrders(ctx, "ETHUSDT")
	assert.Empty(t, open)

	p.FailNext(OpCancelAll, errors.New("venue down"))
	entry, err = e.CancelAll(ctx, "ETHUSDT")
	assert.Error(t, err)
	assert.Equal(t, OutcomeFailed, entry.Status)

	ok, failed := e.Ledger().Counts()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 2, failed)
}

func TestLedgerObservers(t *testing.T) {
	var got []OutcomeStatus
	l := NewLedger(func(e LedgerEntry) { got = append(got, e.Status) })

	a := l.Record(LedgerEntry{Status: OutcomeFilled})
	l.Record(LedgerEntry{Status: OutcomeUnclosable})
	l.Record(LedgerEntry{Status: OutcomeSubmitted})

	assert.NotEmpty(t, a.ID)
	assert.False(t, a.Time.IsZero())
	assert.Equal(t, []OutcomeStatus{OutcomeFilled, OutcomeUnclosable, OutcomeSubmitted}, got)
	ok, failed := l.Counts()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
}
