package monitor

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *SystemMetrics
	assert.NotPanics(t, func() {
		m.IncMessage("kline")
		m.IncReconnect("0")
		m.ObserveOutcome("FILLED", 3, time.Second)
		m.SetEpoch(4)
		m.IncEpochTickDropped()
	})
	assert.Nil(t, m.Registry())
}

func TestCountersAreExposed(t *testing.T) {
	m := NewSystemMetrics()
	m.IncMessage("kline")
	m.IncMessage("kline")
	m.IncReconnect("1")
	m.ObserveOutcome("EXHAUSTED", 20, 2*time.Second)
	m.AddTradeGaps(0)
	m.AddTradeGaps(3)
	m.ObserveAPIRequest("GET", 200, 5*time.Millisecond)
	m.IncEpochTickDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("kline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tradeGaps))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiRequests.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.epochDropped))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	res, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "execution_outcomes_total{status=\"EXHAUSTED\"} 1")
	assert.Contains(t, string(body), "feed_messages_total{kind=\"kline\"} 2")
}
