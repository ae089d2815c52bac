package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"trading-pipeline/internal/events"
	"trading-pipeline/internal/execution"
	"trading-pipeline/internal/monitor"
)

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	ChannelID      string
	RatePerSecond  float64
	MaxRetries     int
	BufferCapacity int
	InitialBackoff time.Duration
	SendTimeout    time.Duration
}

// Dispatcher turns bus events into notifications on its own goroutines.
type Dispatcher struct {
	notifier Notifier
	cfg      DispatcherConfig
	limiter  *rate.Limiter
	queue    chan string
	done     chan struct{}
	logger   *zap.Logger
	metrics  *monitor.SystemMetrics
}

func NewDispatcher(n Notifier, cfg DispatcherConfig, logger *zap.Logger, metrics *monitor.SystemMetrics) *Dispatcher {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 256
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		notifier: n,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		queue:    make(chan string, cfg.BufferCapacity),
		done:     make(chan struct{}),
		logger:   logger.Named("notify"),
		metrics:  metrics,
	}
}

// Enqueue never blocks; a full queue drops the message.
func (d *Dispatcher) Enqueue(message string) bool {
	select {
	case d.queue <- message:
		return true
	default:
		d.metrics.IncNotifyFailure()
		d.logger.Warn("notification queue full, dropping", zap.String("message", message))
		return false
	}
}

// Start subscribes to outcomes and alerts on bus before returning, then
// forwards them until ctx ends. Events published before shutdown are still
// queued and the queue is drained within one send timeout; Done closes
// afterwards.
func (d *Dispatcher) Start(ctx context.Context, bus *events.Bus) {
	outcomes, unsubOutcomes := bus.Subscribe(events.EventOutcome, d.cfg.BufferCapacity)
	alerts, unsubAlerts := bus.Subscribe(events.EventAlert, d.cfg.BufferCapacity)
	forwarded := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(forwarded)
		defer unsubOutcomes()
		defer unsubAlerts()
		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case msg, ok := <-outcomes:
						if !ok {
							return nil
						}
						d.forward(msg)
					case msg, ok := <-alerts:
						if !ok {
							return nil
						}
						d.forward(msg)
					default:
						return nil
					}
				}
			case msg, ok := <-outcomes:
				if !ok {
					return nil
				}
				d.forward(msg)
			case msg, ok := <-alerts:
				if !ok {
					return nil
				}
				d.forward(msg)
			}
		}
	})
	g.Go(func() error {
		for {
			// shutdown wins over a ready message
			if ctx.Err() != nil {
				<-forwarded
				d.drain()
				return nil
			}
			select {
			case <-ctx.Done():
			case msg := <-d.queue:
				d.send(ctx, msg)
			}
		}
	})
	go func() {
		_ = g.Wait()
		close(d.done)
	}()
}

func (d *Dispatcher) forward(msg any) {
	switch m := msg.(type) {
	case execution.LedgerEntry:
		d.Enqueue(FormatOutcome(m))
	case string:
		d.Enqueue("⚠️ " + escapeMarkdown(m))
	}
}

// Done is closed once Start's goroutines have exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	for {
		select {
		case msg := <-d.queue:
			d.send(ctx, msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, message string) {
	if err := d.limiter.Wait(ctx); err != nil {
		d.metrics.IncNotifyFailure()
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
		return struct{}{}, d.notifier.Notify(sendCtx, message, d.cfg.ChannelID)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(d.cfg.MaxRetries)))
	if err != nil {
		d.metrics.IncNotifyFailure()
		d.logger.Warn("notification failed", zap.Error(err))
	}
}

// FormatOutcome renders a ledger entry as a Markdown message.
func FormatOutcome(e execution.LedgerEntry) string {
	var b strings.Builder
	icon := "✅"
	if !e.Status.Successful() {
		icon = "❌"
	}
	fmt.Fprintf(&b, "%s *%s %s* `%s`", icon, e.Action, e.Status, e.Symbol)
	switch e.Action {
	case execution.ActionEntry, execution.ActionClose:
		fmt.Fprintf(&b, " %s %s", e.Side, e.Size.String())
		if e.Filled.IsPositive() {
			fmt.Fprintf(&b, "\nfilled %s @ %s", e.Filled.String(), e.Price.String())
		}
		if e.Attempts > 0 {
			fmt.Fprintf(&b, " (%d attempts)", e.Attempts)
		}
	case execution.ActionLeverage:
		fmt.Fprintf(&b, " %dx", e.Leverage)
	}
	if e.Source != "" {
		fmt.Fprintf(&b, "\nsource: %s", escapeMarkdown(e.Source))
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", escapeMarkdown(e.Error))
	}
	return b.String()
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }
