package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SystemMetrics holds the pipeline's collectors on a private registry.
// A nil *SystemMetrics is valid and records nothing.
type SystemMetrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	handlerDropped  prometheus.Counter
	handlerFailures prometheus.Counter
	reconnects      *prometheus.CounterVec
	activeGroups    prometheus.Gauge
	tradeGaps       prometheus.Counter
	evicted         prometheus.Counter

	epoch        prometheus.Gauge
	epochDropped prometheus.Counter
	candidates   prometheus.Counter
	intents      *prometheus.CounterVec

	outcomes      *prometheus.CounterVec
	chaseAttempts prometheus.Histogram
	orderLatency  prometheus.Histogram
	notifyErrors  prometheus.Counter
	storeErrors   prometheus.Counter

	apiRequests *prometheus.CounterVec
	apiLatency  prometheus.Histogram
}

// NewSystemMetrics creates and registers every collector.
func NewSystemMetrics() *SystemMetrics {
	reg := prometheus.NewRegistry()
	m := &SystemMetrics{
		registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_messages_total", Help: "Stream messages applied to windows",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_decode_errors_total", Help: "Frames dropped because they could not be decoded",
		}),
		handlerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_handler_dropped_total", Help: "Handler tasks skipped because the pool was saturated",
		}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_handler_failures_total", Help: "Handler tasks that errored, panicked or timed out",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_reconnects_total", Help: "Websocket reconnects per connection group",
		}, []string{"group"}),
		activeGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_connected_groups", Help: "Connection groups currently connected",
		}),
		tradeGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_trade_gaps_total", Help: "Aggregate trade ids never received",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "window_evicted_total", Help: "Window entries removed by the sweep",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_epoch", Help: "Current epoch counter value",
		}),
		epochDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_epoch_ticks_dropped_total", Help: "Closed reference bars that never advanced the epoch",
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_candidates_total", Help: "Candidates accepted into the queue",
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_intents_total", Help: "Order intents emitted",
		}, []string{"reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_outcomes_total", Help: "Terminal execution outcomes",
		}, []string{"status"}),
		chaseAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "execution_chase_attempts", Help: "Placements used per chase",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100, 240},
		}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "execution_duration_seconds", Help: "Wall time from intent to terminal outcome",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		notifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_failures_total", Help: "Notifications abandoned after retries",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_failures_total", Help: "Finstore appends that failed",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total", Help: "HTTP API requests by method and status code",
		}, []string{"method", "code"}),
		apiLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "api_request_duration_seconds", Help: "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages, m.decodeErrors, m.handlerDropped, m.handlerFailures,
		m.reconnects, m.activeGroups, m.tradeGaps, m.evicted,
		m.epoch, m.epochDropped, m.candidates, m.intents,
		m.outcomes, m.chaseAttempts, m.orderLatency, m.notifyErrors, m.storeErrors,
		m.apiRequests, m.apiLatency,
	)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *SystemMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *SystemMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *SystemMetrics) IncMessage(kind string) {
	if m != nil {
		m.messages.WithLabelValues(kind).Inc()
	}
}

func (m *SystemMetrics) IncDecodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *SystemMetrics) IncHandlerDropped() {
	if m != nil {
		m.handlerDropped.Inc()
	}
}

func (m *SystemMetrics) IncHandlerFailure() {
	if m != nil {
		m.handlerFailures.Inc()
	}
}

func (m *SystemMetrics) IncReconnect(group string) {
	if m != nil {
		m.reconnects.WithLabelValues(group).Inc()
	}
}

// AddConnectedGroups moves the connected-groups gauge by delta.
func (m *SystemMetrics) AddConnectedGroups(delta float64) {
	if m != nil {
		m.activeGroups.Add(delta)
	}
}

func (m *SystemMetrics) AddTradeGaps(n int64) {
	if m != nil && n > 0 {
		m.tradeGaps.Add(float64(n))
	}
}

func (m *SystemMetrics) AddEvicted(n int) {
	if m != nil && n > 0 {
		m.evicted.Add(float64(n))
	}
}

func (m *SystemMetrics) SetEpoch(e int) {
	if m != nil {
		m.epoch.Set(float64(e))
	}
}

// IncEpochTickDropped counts a reference bar the signal engine had no
// room to queue. Each one is a skipped epoch.
func (m *SystemMetrics) IncEpochTickDropped() {
	if m != nil {
		m.epochDropped.Inc()
	}
}

func (m *SystemMetrics) IncCandidates() {
	if m != nil {
		m.candidates.Inc()
	}
}

func (m *SystemMetrics) IncIntent(reason string) {
	if m != nil {
		m.intents.WithLabelValues(reason).Inc()
	}
}

// ObserveOutcome records one terminal execution outcome.
func (m *SystemMetrics) ObserveOutcome(status string, attempts int, took time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
	if attempts > 0 {
		m.chaseAttempts.Observe(float64(attempts))
	}
	m.orderLatency.Observe(took.Seconds())
}

func (m *SystemMetrics) IncNotifyFailure() {
	if m != nil {
		m.notifyErrors.Inc()
	}
}

func (m *SystemMetrics) IncStoreFailure() {
	if m != nil {
		m.storeErrors.Inc()
	}
}

// ObserveAPIRequest records one served HTTP request.
func (m *SystemMetrics) ObserveAPIRequest(method string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.apiLatency.Observe(took.Seconds())
}
