// Package reconciliation compares exchange state against what the process
// believes it owns and repairs the difference.
package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-pipeline/internal/events"
	"trading-pipeline/internal/execution"
	"trading-pipeline/pkg/exchanges/common"
)

// ExchangeClient is the order view needed for reconciliation.
type ExchangeClient interface {
	GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
}

// Owner reports whether a client order id belongs to live work.
type Owner interface {
	Owns(clientID string) bool
}

// Service periodically cancels chaser orders that no running chase owns,
// e.g. orders left behind by a crash or a lost cancel.
type Service struct {
	exchange ExchangeClient
	owner    Owner
	interval time.Duration
	logger   *zap.Logger
	bus      *events.Bus

	mu   sync.Mutex
	last *Report
}

// Report contains reconciliation results.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Scanned   int       `json:"scanned"`
	Orphans   []Orphan  `json:"orphans"`
	Canceled  int       `json:"canceled"`
}

// HasOrphans reports whether anything needed repair.
func (r *Report) HasOrphans() bool { return len(r.Orphans) > 0 }

// Orphan is one open chaser order nobody owns.
type Orphan struct {
	Symbol          string `json:"symbol"`
	ExchangeOrderID string `json:"exchange_order_id"`
	ClientID        string `json:"client_id"`
	Canceled        bool   `json:"canceled"`
	Error           string `json:"error,omitempty"`
}

// NewService creates a reconciliation service. bus may be nil.
func NewService(exchange ExchangeClient, owner Owner, interval time.Duration, logger *zap.Logger, bus *events.Bus) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		exchange: exchange,
		owner:    owner,
		interval: interval,
		logger:   logger.Named("reconcile"),
		bus:      bus,
	}
}

// Start begins periodic reconciliation and returns immediately.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					s.logger.Warn("reconciliation failed", zap.Error(err))
					continue
				}
				s.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("reconciliation service started", zap.Duration("interval", s.interval))
}

// Reconcile performs one sweep.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now().UTC(), Orphans: []Orphan{}}
	if s.exchange == nil {
		return report, nil
	}

	open, err := s.exchange.GetOpenOrders(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	report.Scanned = len(open)

	for _, o := range open {
		if !execution.IsChaserOrder(o.ClientID) || (s.owner != nil && s.owner.Owns(o.ClientID)) {
			continue
		}
		orphan := Orphan{Symbol: o.Symbol, ExchangeOrderID: o.ExchangeOrderID, ClientID: o.ClientID}
		err := s.exchange.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID)
		switch {
		case err == nil, common.IsUnknownOrder(err):
			// an unknown order was filled or canceled since the listing
			orphan.Canceled = true
			report.Canceled++
		default:
			orphan.Error = err.Error()
		}
		report.Orphans = append(report.Orphans, orphan)
	}
	s.last = report
	return report, nil
}

// Last returns the most recent report, or nil before the first sweep.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) handleReport(report *Report) {
	if !report.HasOrphans() {
		s.logger.Debug("reconciliation ok", zap.Int("open_orders", report.Scanned))
		return
	}
	for _, o := range report.Orphans {
		s.logger.Warn("orphaned chaser order",
			zap.String("symbol", o.Symbol),
			zap.String("order_id", o.ExchangeOrderID),
			zap.String("client_id", o.ClientID),
			zap.Bool("canceled", o.Canceled),
			zap.String("error", o.Error))
	}
	if s.bus != nil {
		s.bus.Publish(events.EventAlert,
			fmt.Sprintf("reconciliation: %d orphaned chaser orders, %d canceled", len(report.Orphans), report.Canceled))
	}
}
