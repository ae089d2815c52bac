package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync keeps the local clock offset against the exchange server.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // milliseconds offset (server - local)
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
	logger        *zap.Logger
}

// NewTimeSync creates a new time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), logger *zap.Logger) *TimeSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
		logger:        logger,
	}
}

// Run syncs once and then on every interval until ctx is done.
func (ts *TimeSync) Run(ctx context.Context) error {
	if err := ts.Sync(ctx); err != nil {
		ts.logger.Warn("initial time sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(ts.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ts.Sync(ctx); err != nil {
				ts.logger.Warn("time sync failed", zap.Error(err))
			}
		}
	}
}

// Sync synchronizes with server time.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// Assume network latency is symmetric
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	ts.logger.Debug("time sync", zap.Int64("offset_ms", serverTime-localTime))
	return nil
}

// Now returns current time adjusted for server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
