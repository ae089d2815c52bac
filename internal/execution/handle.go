package execution

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ChaseHandle is a running chase. Callers must Wait for it, Cancel it or
// Detach it; a detached chase logs its own outcome.
type ChaseHandle struct {
	done   chan struct{}
	cancel context.CancelFunc
	result ChaseResult
	logger *zap.Logger
	once   sync.Once
}

// Start runs the chase on its own goroutine.
func (c *Chaser) Start(ctx context.Context, req ChaseRequest) *ChaseHandle {
	cctx, cancel := context.WithCancel(ctx)
	h := &ChaseHandle{done: make(chan struct{}), cancel: cancel, logger: c.logger}
	go func() {
		defer close(h.done)
		defer cancel()
		h.result = c.Chase(cctx, req)
	}()
	return h
}

// Done is closed once the chase is terminal.
func (h *ChaseHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the chase is terminal or ctx ends. Ending ctx does not
// stop the chase.
func (h *ChaseHandle) Wait(ctx context.Context) (ChaseResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ChaseResult{}, ctx.Err()
	}
}

// Cancel stops the chase, force-cancelling its order, and returns the result.
func (h *ChaseHandle) Cancel() ChaseResult {
	h.cancel()
	<-h.done
	return h.result
}

// Detach releases the caller from waiting; failures are still logged.
func (h *ChaseHandle) Detach() {
	h.once.Do(func() {
		go func() {
			<-h.done
			r := h.result
			if r.Status != ChaseFilled {
				h.logger.Warn("detached chase did not fill",
					zap.String("symbol", r.Symbol),
					zap.String("status", string(r.Status)),
					zap.Error(r.Err))
			}
		}()
	})
}
