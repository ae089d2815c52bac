package futures_usdt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-pipeline/pkg/exchanges/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIKey:      "key",
		APISecret:   "secret",
		BaseURL:     srv.URL,
		CallTimeout: 2 * time.Second,
	}, zap.NewNop())
}

func TestSubmitOrderSignsAndMapsResult(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "12")
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","orderId":42,"clientOrderId":"chase-1","side":"BUY","status":"NEW","price":"2000.10","origQty":"0.5","executedQty":"0","avgPrice":"0"}`))
	})

	res, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol:      "ETHUSDT",
		Side:        common.SideBuy,
		Type:        common.OrderTypeLimit,
		Qty:         decimal.RequireFromString("0.5"),
		Price:       decimal.RequireFromString("2000.10"),
		TimeInForce: common.TIFGTX,
		ClientID:    "chase-1",
		ReduceOnly:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, "GTX", got.Get("timeInForce"))
	assert.Equal(t, "2000.1", got.Get("price"))
	assert.Equal(t, "0.5", got.Get("quantity"))
	assert.Equal(t, "true", got.Get("reduceOnly"))
	assert.NotEmpty(t, got.Get("signature"))
	assert.NotEmpty(t, got.Get("timestamp"))

	assert.Equal(t, "42", res.ExchangeOrderID)
	assert.Equal(t, common.StatusNew, res.Status)
	assert.True(t, res.Price.Equal(decimal.RequireFromString("2000.1")))

	used, _, _ := c.Usage()
	assert.Equal(t, 12, used)
}

func TestErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"post only", 400, `{"code":-5022,"msg":"Due to the order could not be executed as maker, the Post Only order will be rejected."}`, common.IsPostOnlyReject},
		{"min notional", 400, `{"code":-4164,"msg":"Order's notional must be no smaller than 5"}`, common.IsMinNotional},
		{"unknown order", 400, `{"code":-2011,"msg":"Unknown order sent."}`, common.IsUnknownOrder},
		{"server error", 503, `service unavailable`, common.IsRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			err := c.CancelOrder(context.Background(), "ETHUSDT", "1")
			require.Error(t, err)
			assert.True(t, tt.check(err))

			var apiErr *common.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
		})
	}
}

func TestQueryOrderByClientID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "chase-abc", r.URL.Query().Get("origClientOrderId"))
		assert.Empty(t, r.URL.Query().Get("orderId"))
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","orderId":7,"clientOrderId":"chase-abc","status":"PARTIALLY_FILLED","executedQty":"0.2"}`))
	})
	res, err := c.QueryOrder(context.Background(), "ETHUSDT", "", "chase-abc")
	require.NoError(t, err)
	assert.Equal(t, common.StatusPartial, res.Status)
	assert.True(t, res.ExecutedQty.Equal(decimal.RequireFromString("0.2")))
}

func TestSymbolFiltersFromExchangeInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"ETHUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
			{"filterType":"MIN_NOTIONAL","notional":"20"}]}]}`))
	})
	f, err := c.SymbolFilters(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "0.01", f.TickSize.String())
	assert.Equal(t, "0.001", f.StepSize.String())
	assert.Equal(t, "20", f.MinNotional.String())

	_, err = c.SymbolFilters(context.Background(), "NOPEUSDT")
	assert.Error(t, err)
}

func TestGetPositionsSkipsFlat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"ETHUSDT","positionAmt":"-1.5","entryPrice":"2000","markPrice":"1990","leverage":"5"},
			{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"60000","leverage":"20"}]`))
	})
	pos, err := c.GetPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "ETHUSDT", pos[0].Symbol)
	assert.True(t, pos[0].Amount.IsNegative())
	assert.Equal(t, 5, pos[0].Leverage)
}

func TestTopSymbolsByVolume(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"ETHUSDT","quoteVolume":"500"},
			{"symbol":"BTCUSDT","quoteVolume":"900"},
			{"symbol":"ETHBTC","quoteVolume":"10000"},
			{"symbol":"SOLUSDT","quoteVolume":"100"}]`))
	})
	got, err := c.TopSymbolsByVolume(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
}

func TestSignedCallRequiresCredentials(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:0"}, nil)
	err := c.SetLeverage(context.Background(), "ETHUSDT", 3)
	assert.ErrorIs(t, err, common.ErrCredentialsRequired)
}

// skewedServer runs an hour ahead of the local clock and rejects the first
// signed request whose timestamp is not within the receive window.
func skewedServer(t *testing.T, rejectFirst bool) (*Client, *[]int64) {
	t.Helper()
	skew := time.Hour.Milliseconds()
	var stamps []int64
	rejected := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			_, _ = fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli()+skew)
			return
		}
		require.NoError(t, r.ParseForm())
		ts, err := strconv.ParseInt(r.PostForm.Get("timestamp"), 10, 64)
		require.NoError(t, err)
		stamps = append(stamps, ts)
		if rejectFirst && !rejected {
			rejected = true
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`))
			return
		}
		_, _ = w.Write([]byte(`{"leverage":3,"symbol":"ETHUSDT"}`))
	})
	return c, &stamps
}

func TestSyncedOffsetStampsSignedRequests(t *testing.T) {
	c, stamps := skewedServer(t, false)
	require.NoError(t, c.TimeSync().Sync(context.Background()))
	assert.InDelta(t, time.Hour.Milliseconds(), c.TimeSync().Offset(), 5000)

	require.NoError(t, c.SetLeverage(context.Background(), "ETHUSDT", 3))
	require.Len(t, *stamps, 1)
	assert.InDelta(t, time.Now().Add(time.Hour).UnixMilli(), (*stamps)[0], 5000)
}

func TestTimestampRejectionResyncsClock(t *testing.T) {
	c, stamps := skewedServer(t, true)
	assert.Zero(t, c.TimeSync().Offset())

	err := c.SetLeverage(context.Background(), "ETHUSDT", 3)
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))
	assert.InDelta(t, time.Hour.Milliseconds(), c.TimeSync().Offset(), 5000)

	require.NoError(t, c.SetLeverage(context.Background(), "ETHUSDT", 3))
	require.Len(t, *stamps, 2)
	assert.InDelta(t, time.Now().UnixMilli(), (*stamps)[0], 5000)
	assert.InDelta(t, time.Now().Add(time.Hour).UnixMilli(), (*stamps)[1], 5000)
}
