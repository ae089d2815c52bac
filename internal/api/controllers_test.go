package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-pipeline/internal/events"
	"trading-pipeline/internal/execution"
	"trading-pipeline/internal/monitor"
	"trading-pipeline/internal/pipeline"
	"trading-pipeline/internal/signal"
	"trading-pipeline/pkg/db"
)

const testSecret = "test-secret"

type testEnv struct {
	srv   *httptest.Server
	bus   *events.Bus
	paper *execution.PaperExchange
	token string
}

func newTestAPIServer(t *testing.T, secret string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(":memory:")
	require.NoError(t, err)

	paper := execution.NewPaperExchange(execution.PaperConfig{Seed: 3})
	paper.SetBook("ETHUSDT", decimal.RequireFromString("100.00"), decimal.RequireFromString("100.05"))
	bus := events.NewBus()
	svc, err := pipeline.New(pipeline.Config{
		Signal: signal.Config{
			ReferenceSymbol: "BTCUSDT", MaxEpoch: 10, CollectEpoch: 1, LookbackPeriod: 10,
			MinScore: 0.75, MaxPositions: 2, SizeValue: decimal.NewFromInt(1),
		},
		Execution: execution.Config{MaxRetries: 3, RetryInterval: time.Millisecond},
	}, pipeline.Deps{Paper: paper, DB: database, Bus: bus})
	require.NoError(t, err)

	server := NewServer(svc, bus, monitor.NewSystemMetrics(), SystemMeta{DryRun: true, Venue: "paper", Version: "test"}, secret, nil)
	ts := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		ts.Close()
		_ = database.Close()
	})

	env := &testEnv{srv: ts, bus: bus, paper: paper}
	if secret != "" {
		env.token, err = IssueToken("tester", secret, time.Hour)
		require.NoError(t, err)
	}
	return env
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestHealthRequestIDAndMetrics(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	client := env.srv.Client()

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := client.Do(req)
	require.NoError(t, err)
	var health struct {
		Status  string     `json:"status"`
		Running bool       `json:"running"`
		Meta    SystemMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-1", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Meta.DryRun)

	// requests are counted after the response is written
	require.Eventually(t, func() bool {
		resp, err := client.Get(env.srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(body), `api_requests_total{code="200",method="GET"}`)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCommandRoutesRequireToken(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	other, err := IssueToken("tester", "other-secret", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken("tester", testSecret, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{name: "missing", status: http.StatusUnauthorized, code: "MISSING_TOKEN"},
		{name: "wrong scheme", header: "Token abc", status: http.StatusUnauthorized, code: "INVALID_AUTH_HEADER"},
		{name: "garbage", header: "Bearer abc", status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "foreign secret", header: "Bearer " + other, status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "valid", header: "Bearer " + env.token, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/orders/cancel-all", strings.NewReader(`{"symbol":"ETHUSDT"}`))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := env.srv.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.code != "" {
				var body errorResponse
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, tt.code, body.Code)
			}
		})
	}
}

func TestOpenRoutesWithoutSecret(t *testing.T) {
	env := newTestAPIServer(t, "")
	status := doJSONRequest(t, env.srv.Client(), http.MethodPost, env.srv.URL+"/api/orders/cancel-all", "",
		map[string]string{"symbol": "ETHUSDT"}, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestSubmitIntent(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	tests := []struct {
		name    string
		payload map[string]any
		status  int
		code    string
	}{
		{name: "missing symbol", payload: map[string]any{"side": "BUY", "size": "1"}, status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "bad side", payload: map[string]any{"symbol": "ETHUSDT", "side": "HOLD", "size": "1"}, status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "bad size type", payload: map[string]any{"symbol": "ETHUSDT", "side": "BUY", "size": "1", "size_type": "LOTS"}, status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "zero size", payload: map[string]any{"symbol": "ETHUSDT", "side": "BUY", "size": "0"}, status: http.StatusBadRequest, code: "INVALID_INTENT"},
		{name: "accepted", payload: map[string]any{"symbol": "ETHUSDT", "side": "BUY", "size": "0.5", "size_type": "CONTRACTS"}, status: http.StatusAccepted},
		{name: "reduce only close", payload: map[string]any{"symbol": "ETHUSDT", "side": "SELL", "reduce_only": true}, status: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body struct {
				IntentID string `json:"intent_id"`
				Code     string `json:"code"`
			}
			status := doJSONRequest(t, env.srv.Client(), http.MethodPost, env.srv.URL+"/api/intents", env.token, tt.payload, &body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
			if tt.status == http.StatusAccepted {
				assert.NotEmpty(t, body.IntentID)
			}
		})
	}
}

func TestClosePosition(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	env.paper.SetPosition("ETHUSDT", decimal.NewFromInt(2), decimal.NewFromInt(100))
	client := env.srv.Client()

	var closed struct {
		IntentID string                  `json:"intent_id"`
		Entries  []execution.LedgerEntry `json:"entries"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/positions/close", env.token,
		map[string]any{"symbol": "ETHUSDT", "percentage": "50"}, &closed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, closed.Entries, 1)
	assert.Equal(t, execution.OutcomeFilled, closed.Entries[0].Status)
	assert.Equal(t, closed.IntentID, closed.Entries[0].IntentID)

	pos, err := env.paper.GetPositions(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Amount.Equal(decimal.NewFromInt(1)))

	var missing errorResponse
	status = doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/positions/close", env.token,
		map[string]any{"symbol": "XRPUSDT"}, &missing)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NO_POSITION", missing.Code)

	status = doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/positions/close", env.token,
		map[string]any{"symbol": "ETHUSDT", "quantity_type": "LOTS"}, &missing)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLeverageLandsInHistory(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	client := env.srv.Client()

	var entry execution.LedgerEntry
	status := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/leverage", env.token,
		map[string]any{"symbol": "ETHUSDT", "leverage": 5}, &entry)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, execution.OutcomeOK, entry.Status)
	assert.Equal(t, 5, env.paper.Leverage("ETHUSDT"))

	status = doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/leverage", env.token,
		map[string]any{"symbol": "ETHUSDT", "leverage": 0}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var history struct {
		Entries []db.LedgerRow `json:"entries"`
		Count   int            `json:"count"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/ledger/history?symbol=ETHUSDT", "", nil, &history)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, history.Count)
	assert.Equal(t, "LEVERAGE", history.Entries[0].Action)

	var ledger pipeline.LedgerView
	status = doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/ledger", "", nil, &ledger)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, ledger.Successful, 1)

	var st pipeline.Status
	status = doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/status", "", nil, &st)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "BTCUSDT", st.ReferenceSymbol)
	assert.Equal(t, 1, st.Successful)
}

func TestReloadHandler(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	client := env.srv.Client()

	var resp errorResponse
	status := doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/handler", env.token, map[string]string{"name": "nope"}, &resp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "UNKNOWN_HANDLER", resp.Code)

	var ok struct {
		Active string `json:"active"`
	}
	status = doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/handler", env.token, map[string]string{"name": "debug"}, &ok)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "debug", ok.Active)

	var handlers struct {
		Active    string   `json:"active"`
		Available []string `json:"available"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/handlers", "", nil, &handlers)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "debug", handlers.Active)
	assert.Contains(t, handlers.Available, "default")
}

func TestIPLimiter(t *testing.T) {
	l := NewIPLimiter(1, 2)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestWebsocketStreamsOutcomes(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the server subscribes after the handshake, so keep publishing until seen
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.bus.Publish(events.EventOutcome, execution.LedgerEntry{ID: "x", Symbol: "ETHUSDT", Status: execution.OutcomeFilled})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg struct {
		Type string                `json:"type"`
		Data execution.LedgerEntry `json:"data"`
	}
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, string(events.EventOutcome), msg.Type)
	assert.Equal(t, "ETHUSDT", msg.Data.Symbol)
}
