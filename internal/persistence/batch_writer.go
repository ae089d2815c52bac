package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"trading-pipeline/internal/monitor"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter batches database writes off the caller's goroutine. Write
// never touches the database; a full buffer wakes the flusher instead.
type BatchWriter struct {
	db          *sql.DB
	logger      *zap.Logger
	metrics     *monitor.SystemMetrics
	buffer      []WriteOp
	mu          sync.Mutex
	maxSize     int
	maxPending  int
	flushIntval time.Duration
	kick        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	stats       BatchWriterStats
}

// BatchWriterStats provides statistics about batch operations.
type BatchWriterStats struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Dropped       uint64    `json:"dropped"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer.
// maxSize: operations per transaction and the size that wakes the flusher
// interval: time-based flush interval
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, logger *zap.Logger, metrics *monitor.SystemMetrics) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bw := &BatchWriter{
		db:          db,
		logger:      logger.Named("batch_writer"),
		metrics:     metrics,
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		maxPending:  maxSize * 100,
		flushIntval: interval,
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds a write operation to the batch. When the backlog is beyond
// recovery the op is dropped and counted.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	if len(bw.buffer) >= bw.maxPending {
		bw.mu.Unlock()
		atomic.AddUint64(&bw.stats.Dropped, 1)
		bw.metrics.IncStoreFailure()
		return
	}
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
}

// WriteQuery is a convenience method for simple queries.
func (bw *BatchWriter) WriteQuery(query string, args ...any) {
	bw.Write(WriteOp{Query: query, Args: args})
}

// Flush writes all buffered operations, maxSize per transaction.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	var firstErr error
	for start := 0; start < len(ops); start += bw.maxSize {
		end := min(start+bw.maxSize, len(ops))
		if err := bw.executeBatch(ctx, ops[start:end]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// executeBatch runs a batch of operations in a transaction. A failed batch
// is dropped; the ledger in memory stays authoritative.
func (bw *BatchWriter) executeBatch(ctx context.Context, ops []WriteOp) error {
	atomic.AddUint64(&bw.stats.TotalWrites, uint64(len(ops)))
	atomic.AddUint64(&bw.stats.TotalBatches, 1)

	fail := func(msg string, err error) error {
		atomic.AddUint64(&bw.stats.TotalErrors, 1)
		bw.metrics.IncStoreFailure()
		bw.logger.Error(msg, zap.Int("ops", len(ops)), zap.Error(err))
		return err
	}

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("begin transaction failed", err)
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			return fail("query failed, rolled back", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fail("commit failed", err)
	}

	bw.mu.Lock()
	bw.stats.LastBatchSize = len(ops)
	bw.stats.LastFlushTime = time.Now()
	bw.mu.Unlock()
	bw.logger.Debug("flushed", zap.Int("ops", len(ops)))
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
		case <-bw.kick:
		case <-bw.done:
			// final flush before shutdown
			if err := bw.Flush(ctx); err != nil {
				bw.logger.Warn("final flush error", zap.Error(err))
			}
			return
		}
		if err := bw.Flush(ctx); err != nil {
			bw.logger.Warn("background flush error", zap.Error(err))
		}
	}
}

// Pending returns the number of pending operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Stats returns the current counters.
func (bw *BatchWriter) Stats() BatchWriterStats {
	bw.mu.Lock()
	last, at := bw.stats.LastBatchSize, bw.stats.LastFlushTime
	bw.mu.Unlock()
	return BatchWriterStats{
		TotalWrites:   atomic.LoadUint64(&bw.stats.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.stats.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.stats.TotalErrors),
		Dropped:       atomic.LoadUint64(&bw.stats.Dropped),
		LastBatchSize: last,
		LastFlushTime: at,
	}
}

// Close flushes what is left and stops the flusher. Safe to call twice.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
