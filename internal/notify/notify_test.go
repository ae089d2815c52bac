package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-pipeline/internal/events"
	"trading-pipeline/internal/execution"
	"trading-pipeline/pkg/exchanges/common"
)

func TestTelegramNotifier(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		permanent bool
	}{
		{name: "ok", status: http.StatusOK, body: `{"ok":true}`},
		{name: "bad markdown", status: http.StatusBadRequest, body: `{"ok":false,"error_code":400,"description":"can't parse entities"}`, wantErr: true, permanent: true},
		{name: "server error", status: http.StatusBadGateway, body: `{"ok":false}`, wantErr: true},
		{name: "throttled", status: http.StatusTooManyRequests, body: `{"ok":false,"parameters":{"retry_after":1}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got map[string]string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
				raw, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(raw, &got)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewTelegramNotifier("TOKEN", srv.URL).Notify(context.Background(), "*hi*", "-100")
			assert.Equal(t, map[string]string{"chat_id": "-100", "text": "*hi*", "parse_mode": "Markdown"}, got)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var perm *backoff.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &perm))
		})
	}
}

func TestTelegramRequiresCredentials(t *testing.T) {
	err := NewTelegramNotifier("", "").Notify(context.Background(), "x", "chat")
	var perm *backoff.PermanentError
	require.ErrorAs(t, err, &perm)
}

func TestRedisNotifierPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	sub := client.Subscribe(ctx, "alerts")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewRedisNotifier(client).Notify(ctx, "ETHUSDT filled", "alerts"))

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, "alerts", msg.Channel)
	assert.Equal(t, "ETHUSDT filled", msg.Payload)

	require.Error(t, NewRedisNotifier(client).Notify(ctx, "x", ""))
}

type flakyNotifier struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	sent     []string
	channels []string
}

func (f *flakyNotifier) Notify(_ context.Context, message, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("temporarily unavailable")
	}
	f.sent = append(f.sent, message)
	f.channels = append(f.channels, channelID)
	return nil
}

func (f *flakyNotifier) snapshot() (calls int, sent []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.sent...)
}

func fastConfig() DispatcherConfig {
	return DispatcherConfig{ChannelID: "ops", RatePerSecond: 1000, MaxRetries: 3, InitialBackoff: time.Millisecond}
}

func TestDispatcherRetriesAndDeliversOutcomes(t *testing.T) {
	n := &flakyNotifier{failures: 2}
	d := NewDispatcher(n, fastConfig(), nil, nil)
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx, bus)

	entry := execution.LedgerEntry{Action: execution.ActionEntry, Status: execution.OutcomeFilled, Symbol: "ETHUSDT",
		Side: common.SideBuy, Size: decimal.RequireFromString("0.5"), Filled: decimal.RequireFromString("0.5"),
		Price: decimal.RequireFromString("100.04"), Attempts: 1}
	bus.Publish(events.EventOutcome, entry)
	bus.Publish(events.EventAlert, "feed group 3 gave_up")

	require.Eventually(t, func() bool {
		_, sent := n.snapshot()
		return len(sent) == 2
	}, 5*time.Second, time.Millisecond)
	cancel()
	<-d.Done()

	calls, sent := n.snapshot()
	assert.Equal(t, 4, calls)
	assert.ElementsMatch(t, []string{FormatOutcome(entry), "⚠️ feed group 3 gave\\_up"}, sent)
	assert.Equal(t, []string{"ops", "ops"}, n.channels)
}

func TestDispatcherStopsOnPermanentError(t *testing.T) {
	n := &flakyNotifier{err: backoff.Permanent(errors.New("chat not found"))}
	d := NewDispatcher(n, fastConfig(), nil, nil)
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx, bus)

	bus.Publish(events.EventAlert, "x")
	require.Eventually(t, func() bool {
		calls, _ := n.snapshot()
		return calls == 1
	}, 5*time.Second, time.Millisecond)
	cancel()
	<-d.Done()

	calls, _ := n.snapshot()
	assert.Equal(t, 1, calls)
}

func TestDispatcherDrainsQueueOnShutdown(t *testing.T) {
	n := &flakyNotifier{}
	d := NewDispatcher(n, fastConfig(), nil, nil)
	require.True(t, d.Enqueue("one"))
	require.True(t, d.Enqueue("two"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Start(ctx, events.NewBus())
	<-d.Done()

	_, sent := n.snapshot()
	assert.ElementsMatch(t, []string{"one", "two"}, sent)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	cfg := fastConfig()
	cfg.BufferCapacity = 1
	d := NewDispatcher(&flakyNotifier{}, cfg, nil, nil)
	assert.True(t, d.Enqueue("a"))
	assert.False(t, d.Enqueue("b"))
}

func TestFormatOutcome(t *testing.T) {
	tests := []struct {
		name  string
		entry execution.LedgerEntry
		want  string
	}{
		{
			name: "filled entry",
			entry: execution.LedgerEntry{Action: execution.ActionEntry, Status: execution.OutcomeFilled, Symbol: "ETHUSDT",
				Side: common.SideBuy, Size: decimal.RequireFromString("0.5"), Filled: decimal.RequireFromString("0.5"),
				Price: decimal.RequireFromString("100.04"), Attempts: 2, Source: "signal"},
			want: "✅ *ENTRY FILLED* `ETHUSDT` BUY 0.5\nfilled 0.5 @ 100.04 (2 attempts)\nsource: signal",
		},
		{
			name: "unclosable close",
			entry: execution.LedgerEntry{Action: execution.ActionClose, Status: execution.OutcomeUnclosable, Symbol: "BTCUSDT",
				Side: common.SideSell, Size: decimal.RequireFromString("0.001"), Error: "notional_below min"},
			want: "❌ *CLOSE UNCLOSABLE* `BTCUSDT` SELL 0.001\nerror: notional\\_below min",
		},
		{
			name:  "leverage",
			entry: execution.LedgerEntry{Action: execution.ActionLeverage, Status: execution.OutcomeOK, Symbol: "ETHUSDT", Leverage: 5},
			want:  "✅ *LEVERAGE OK* `ETHUSDT` 5x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatOutcome(tt.entry))
		})
	}
}
