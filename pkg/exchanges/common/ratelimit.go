package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter paces outbound requests and tracks the weight the exchange
// reports back.
type RateLimiter struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
	pacer         *rate.Limiter
	logger        *zap.Logger
}

// NewRateLimiter creates a new rate limiter.
// limit: maximum weight allowed (e.g., 2400 for futures)
// resetInterval: time window (e.g., 1 minute)
// perSecond: local request pacing; zero disables it
func NewRateLimiter(limit int, resetInterval time.Duration, perSecond float64, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	rl := &RateLimiter{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		logger:        logger,
	}
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		rl.pacer = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return rl
}

// Wait blocks until the next request may be sent. Near the weight ceiling it
// additionally holds the caller until the window resets.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.pacer != nil {
		if err := rl.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	if !rl.ShouldDelay() {
		return nil
	}
	rl.mu.RLock()
	wait := rl.resetInterval - time.Since(rl.lastReset)
	rl.mu.RUnlock()
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// UpdateFromHeader updates the used weight from API response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}

	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}

	rl.usedWeight = weight

	percentage := float64(rl.usedWeight) / float64(rl.limit) * 100
	if percentage >= 95 {
		rl.logger.Error("rate limit critical", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit), zap.Float64("pct", percentage))
	} else if percentage >= 80 {
		rl.logger.Warn("rate limit warning", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit), zap.Float64("pct", percentage))
	}
}

// GetUsage returns current usage information.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}

	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay returns true if we should delay the next request.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.GetUsage()
	return pct >= 90
}
