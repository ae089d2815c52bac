package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trading-pipeline/internal/events"
)

// Monitor turns feed status transitions into operator alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Logger  *zap.Logger
	// AlertFn defaults to publishing on events.EventAlert.
	AlertFn func(string)
}

// Start consumes feed status events until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if m.Bus == nil {
		logger.Warn("monitor not fully configured; skipping")
		return
	}
	alert := m.AlertFn
	if alert == nil {
		alert = func(s string) { m.Bus.Publish(events.EventAlert, s) }
	}

	stream, unsub := m.Bus.Subscribe(events.EventFeedStatus, 64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				st, ok := msg.(events.FeedStatus)
				if !ok {
					continue
				}
				switch st.State {
				case events.FeedConnected:
					m.Metrics.AddConnectedGroups(1)
				case events.FeedDisconnected:
					m.Metrics.AddConnectedGroups(-1)
					// an empty error is a clean shutdown
					if st.Error != "" {
						m.Metrics.IncReconnect(fmt.Sprint(st.Group))
					}
				case events.FeedGaveUp:
					alert(formatAlert(st))
				}
			}
		}
	}()
}

func formatAlert(st events.FeedStatus) string {
	msg := fmt.Sprintf("[%s] feed group %d (%d streams) %s", time.Now().UTC().Format(time.RFC3339), st.Group, st.Streams, st.State)
	if st.Error != "" {
		msg += ": " + st.Error
	}
	return msg
}
