package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-pipeline/internal/events"
	"trading-pipeline/internal/execution"
	"trading-pipeline/internal/feed"
	"trading-pipeline/internal/finstore"
	"trading-pipeline/internal/notify"
	"trading-pipeline/internal/signal"
	"trading-pipeline/pkg/db"
	"trading-pipeline/pkg/exchanges/common"
)

func klineFrame(symbol string, startMs int64, close string) []byte {
	return []byte(fmt.Sprintf(
		`{"stream":"%s@kline_1m","data":{"e":"kline","E":%d,"s":"%s","k":{"t":%d,"T":%d,"s":"%s","i":"1m","o":"%s","c":"%s","h":"%s","l":"%s","v":"10","x":true}}}`,
		strings.ToLower(symbol), startMs+60_000, symbol, startMs, startMs+59_999, symbol, close, close, close, close))
}

// wsFeed serves one combined stream and writes whatever is pushed to frames.
type wsFeed struct {
	srv    *httptest.Server
	frames chan []byte
}

func newWSFeed(t *testing.T) *wsFeed {
	t.Helper()
	f := &wsFeed{frames: make(chan []byte, 64)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case <-closed:
				return
			case frame := <-f.frames:
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *wsFeed) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

type recordingStore struct {
	mu   sync.Mutex
	rows map[string][]finstore.Record
}

func (s *recordingStore) Append(_ context.Context, symbol, timeframe string, records []finstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = make(map[string][]finstore.Record)
	}
	key := symbol + "|" + timeframe
	s.rows[key] = append(s.rows[key], records...)
	return nil
}

func (s *recordingStore) count(symbol, timeframe string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[symbol+"|"+timeframe])
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, message, _ string) error {
	n.mu.Lock()
	n.messages = append(n.messages, message)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type staticUniverse []string

func (u staticUniverse) TopSymbolsByVolume(_ context.Context, n int) ([]string, error) {
	return u[:min(n, len(u))], nil
}

func testConfig(baseURL string) Config {
	return Config{
		Feed: feed.Config{
			BaseURL: baseURL,
			Group: feed.GroupConfig{
				BackoffInitial:   5 * time.Millisecond,
				BackoffMax:       20 * time.Millisecond,
				HandshakeTimeout: time.Second,
				MaxDialFailures:  2,
			},
		},
		Signal: signal.Config{
			ReferenceSymbol: "BTCUSDT",
			MaxEpoch:        10,
			CollectEpoch:    1,
			ExitEpochs:      []int{6},
			LookbackPeriod:  10,
			MinScore:        0.75,
			ExitScore:       0.25,
			MaxPositions:    2,
			SizeValue:       decimal.NewFromInt(1),
			SizeType:        execution.SizeContracts,
		},
		Execution: execution.Config{Workers: 2, MaxRetries: 5, RetryInterval: 10 * time.Millisecond},
		Notify:    notify.DispatcherConfig{RatePerSecond: 1000, MaxRetries: 1, InitialBackoff: time.Millisecond},
		ShutdownTimeout: 5 * time.Second,
	}
}

func paperExchange() *execution.PaperExchange {
	paper := execution.NewPaperExchange(execution.PaperConfig{Seed: 1, FillProbability: 1})
	paper.SetBook("ETHUSDT", decimal.RequireFromString("100.00"), decimal.RequireFromString("100.05"))
	return paper
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(testConfig(""), Deps{})
	require.ErrorIs(t, err, ErrNoExchange)

	cfg := testConfig("")
	cfg.Signal.MaxEpoch = 0
	_, err = New(cfg, Deps{Paper: paperExchange()})
	require.Error(t, err)

	cfg = testConfig("")
	cfg.Feed.Handler = "missing"
	_, err = New(cfg, Deps{Paper: paperExchange()})
	require.ErrorIs(t, err, feed.ErrUnknownHandler)
}

func TestCommandsRecordToLedgerBusAndDatabase(t *testing.T) {
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	bus := events.NewBus()
	outcomes, unsub := bus.Subscribe(events.EventOutcome, 8)
	defer unsub()
	paper := paperExchange()
	p, err := New(testConfig(""), Deps{Paper: paper, DB: database, Bus: bus})
	require.NoError(t, err)
	t.Cleanup(p.closeWriter)

	entry, err := p.SetLeverage(context.Background(), "ETHUSDT", 5)
	require.NoError(t, err)
	assert.Equal(t, execution.OutcomeOK, entry.Status)
	assert.Equal(t, 5, paper.Leverage("ETHUSDT"))

	_, err = p.CancelAll(context.Background(), "ETHUSDT")
	require.NoError(t, err)

	require.Len(t, outcomes, 2)
	first := (<-outcomes).(execution.LedgerEntry)
	assert.Equal(t, execution.ActionLeverage, first.Action)
	assert.Len(t, p.Ledger().Successful, 2)

	rows, err := p.History(context.Background(), "ETHUSDT", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.ElementsMatch(t, []string{"LEVERAGE", "CANCEL_ALL"}, []string{rows[0].Action, rows[1].Action})

	st := p.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.Successful)
	require.NotNil(t, st.Persistence)
}

func TestHistoryWithoutDatabase(t *testing.T) {
	p, err := New(testConfig(""), Deps{Paper: paperExchange()})
	require.NoError(t, err)
	_, err = p.History(context.Background(), "", 10)
	require.ErrorIs(t, err, ErrNoDatabase)
}

func TestReloadHandler(t *testing.T) {
	p, err := New(testConfig(""), Deps{Paper: paperExchange()})
	require.NoError(t, err)

	assert.Subset(t, p.Handlers(), []string{"debug", "default", "noop"})
	assert.Equal(t, "default", p.Status().Handler)

	require.ErrorIs(t, p.ReloadHandler("nope"), feed.ErrUnknownHandler)
	assert.Equal(t, "default", p.Status().Handler)

	require.NoError(t, p.ReloadHandler("debug"))
	assert.Equal(t, "debug", p.Status().Handler)
}

func TestStartNeedsUniverseAndRunsOnce(t *testing.T) {
	p, err := New(testConfig("ws://127.0.0.1:1"), Deps{Paper: paperExchange()})
	require.NoError(t, err)

	require.ErrorIs(t, p.Start(context.Background(), nil), ErrNoUniverse)
	require.ErrorIs(t, p.Start(context.Background(), []string{"ETHUSDT"}), ErrStarted)
	require.NoError(t, p.Stop(context.Background()))
}

func TestStopBeforeStart(t *testing.T) {
	p, err := New(testConfig(""), Deps{Paper: paperExchange()})
	require.NoError(t, err)
	require.ErrorIs(t, p.Stop(context.Background()), ErrNotRunning)
}

func TestFeedGivingUpStopsPipeline(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Feed.ChunkSize = 1
	p, err := New(cfg, Deps{Paper: paperExchange()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background(), []string{"ETHUSDT"}) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, feed.ErrNoConnections)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop after the feed gave up")
	}
	assert.False(t, p.Status().Running)
}

func TestRunningPipelineEndToEnd(t *testing.T) {
	ws := newWSFeed(t)
	paper := paperExchange()
	store := &recordingStore{}
	notifier := &recordingNotifier{}
	p, err := New(testConfig(ws.url()), Deps{
		Paper:    paper,
		Universe: staticUniverse{"ETHUSDT", "XRPUSDT"},
		Store:    store,
		Notifier: notifier,
	})
	require.NoError(t, err)
	p.cfg.TopN = 1

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background(), nil) }()

	require.Eventually(t, func() bool {
		st := p.Status()
		return st.Running && st.Feed.Connected == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ETHUSDT"}, p.Status().Universe)
	assert.Equal(t, 2, p.Status().Feed.Streams, "reference symbol is streamed too")

	// closed bars reach the store and move the paper book
	start := time.Now().Add(-10 * time.Minute).Truncate(time.Minute).UnixMilli()
	for i, c := range []string{"101", "102", "103"} {
		ws.frames <- klineFrame("ETHUSDT", start+int64(i)*60_000, c)
	}
	require.Eventually(t, func() bool { return store.count("ETHUSDT", "1m") == 3 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		book, err := paper.BookTicker(context.Background(), "ETHUSDT")
		return err == nil && book.BidPrice.Equal(decimal.NewFromInt(103))
	}, 5*time.Second, 5*time.Millisecond)

	id, err := p.SubmitIntent(context.Background(), execution.OrderIntent{
		Symbol: "ETHUSDT", Side: common.SideBuy, SizeValue: decimal.NewFromInt(1), SizeType: execution.SizeContracts,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, e := range p.Ledger().Successful {
			if e.IntentID == id && e.Status == execution.OutcomeFilled {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, <-done)
	assert.False(t, p.Status().Running)

	_, err = p.SubmitIntent(context.Background(), execution.OrderIntent{
		Symbol: "ETHUSDT", Side: common.SideBuy, SizeValue: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, execution.ErrEngineStopped)

	var filled bool
	for _, m := range notifier.all() {
		if strings.Contains(m, "ENTRY FILLED") && strings.Contains(m, "ETHUSDT") {
			filled = true
		}
	}
	assert.True(t, filled, "fill notification delivered before shutdown completed")
}

func TestOpenExchangePositionIsAdoptedAndClosedOnFlatRatio(t *testing.T) {
	ws := newWSFeed(t)
	paper := paperExchange()
	paper.SetPosition("ETHUSDT", decimal.NewFromInt(1), decimal.NewFromInt(100))
	paper.SetPosition("SOLUSDT", decimal.NewFromInt(-3), decimal.NewFromInt(20))

	cfg := testConfig(ws.url())
	cfg.Signal.LookbackPeriod = 3
	cfg.Execution.CloseRetryInterval = 10 * time.Millisecond
	p, err := New(cfg, Deps{Paper: paper})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background(), []string{"ETHUSDT"}) }()
	require.Eventually(t, func() bool {
		st := p.Status()
		return st.Running && st.Feed.Connected == 1
	}, 5*time.Second, 5*time.Millisecond)

	st := p.Status()
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, st.Held)
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, st.Universe, "held symbols are streamed")

	// a constant ETH/BTC ratio scores 0, below the exit threshold
	start := time.Now().Add(-30 * time.Minute).Truncate(time.Minute).UnixMilli()
	for i := 0; i < 7; i++ {
		ws.frames <- klineFrame("ETHUSDT", start+int64(i)*60_000, "100")
	}
	for i := 0; i < 7; i++ {
		ws.frames <- klineFrame("BTCUSDT", start+int64(i)*60_000, "1000")
	}

	require.Eventually(t, func() bool {
		for _, e := range p.Ledger().Successful {
			if e.Symbol == "ETHUSDT" && e.Action == execution.ActionClose && e.Status == execution.OutcomeFilled {
				return e.Source == signal.IntentSource
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)

	pos, err := paper.GetPositions(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	for _, ps := range pos {
		assert.True(t, ps.Amount.IsZero(), ps.Amount.String())
	}
	assert.NotContains(t, p.Status().Held, "ETHUSDT")

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, <-done)
}
