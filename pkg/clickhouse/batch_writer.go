package clickhouse

import (
	"context"
	"sync"
	"time"

	"agentrouter/pkg/logger"
)

// FlushFunc writes one batch. It owns the slice it receives.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// FlushHook observes every flush attempt, successful or not
type FlushHook func(table string, rows int, took time.Duration, err error)

// BatchWriter buffers rows in memory and hands them to FlushFunc in batches,
// either when MaxBatchSize rows are waiting or every MaxAge.
// Single-row inserts are expensive in ClickHouse.
type BatchWriter[T any] struct {
	flush   FlushFunc[T]
	onFlush FlushHook
	log     *logger.Logger

	maxBatchSize int
	maxAge       time.Duration
	table        string

	mu        sync.Mutex
	buffer    []T
	lastFlush time.Time
	running   bool
	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// BatchWriterConfig configures a BatchWriter
type BatchWriterConfig[T any] struct {
	FlushFunc    FlushFunc[T]
	OnFlush      FlushHook
	TableName    string
	MaxBatchSize int           // Default: 500
	MaxAge       time.Duration // Default: 5s
}

// NewBatchWriter creates a stopped batch writer
func NewBatchWriter[T any](cfg BatchWriterConfig[T]) *BatchWriter[T] {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Second
	}

	return &BatchWriter[T]{
		flush:        cfg.FlushFunc,
		onFlush:      cfg.OnFlush,
		buffer:       make([]T, 0, cfg.MaxBatchSize),
		maxBatchSize: cfg.MaxBatchSize,
		maxAge:       cfg.MaxAge,
		table:        cfg.TableName,
		lastFlush:    time.Now(),
		stopCh:       make(chan struct{}),
		log:          logger.Get().With("component", "batch_writer", "table", cfg.TableName),
	}
}

// Start launches the periodic flush loop. Calling it twice is a no-op.
func (bw *BatchWriter[T]) Start(ctx context.Context) {
	bw.mu.Lock()
	if bw.running {
		bw.mu.Unlock()
		return
	}
	bw.running = true
	bw.ticker = time.NewTicker(bw.maxAge)
	bw.mu.Unlock()

	bw.wg.Add(1)
	go bw.loop(ctx)

	bw.log.Infof("BatchWriter started (maxBatchSize=%d, maxAge=%v)", bw.maxBatchSize, bw.maxAge)
}

// Add buffers one row, flushing inline once the batch is full
func (bw *BatchWriter[T]) Add(ctx context.Context, item T) error {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, item)
	full := len(bw.buffer) >= bw.maxBatchSize
	bw.mu.Unlock()

	if full {
		return bw.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered row
func (bw *BatchWriter[T]) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := bw.buffer
	bw.buffer = make([]T, 0, bw.maxBatchSize)
	bw.lastFlush = time.Now()
	bw.mu.Unlock()

	// Outside the lock so Add never waits on the network
	start := time.Now()
	err := bw.flush(ctx, batch)
	took := time.Since(start)

	if bw.onFlush != nil {
		bw.onFlush(bw.table, len(batch), took, err)
	}
	if err != nil {
		bw.log.Errorf("Failed to flush %d rows to %s: %v (took %v)", len(batch), bw.table, err, took)
		return err
	}
	bw.log.Debugf("Flushed %d rows to %s (took %v)", len(batch), bw.table, took)
	return nil
}

func (bw *BatchWriter[T]) loop(ctx context.Context) {
	defer bw.wg.Done()

	final := func(why string) {
		bw.log.Infof("BatchWriter %s, performing final flush", why)
		if err := bw.Flush(context.WithoutCancel(ctx)); err != nil {
			bw.log.Errorf("Final flush failed: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			final("context done")
			return
		case <-bw.stopCh:
			final("stopping")
			return
		case <-bw.ticker.C:
			bw.mu.Lock()
			pending := len(bw.buffer)
			age := time.Since(bw.lastFlush)
			bw.mu.Unlock()

			if pending > 0 && age >= bw.maxAge/2 {
				if err := bw.Flush(ctx); err != nil {
					bw.log.Warnf("Periodic flush failed: %v", err)
				}
			}
		}
	}
}

// Stop ends the flush loop after a final flush, waiting at most until ctx is done
func (bw *BatchWriter[T]) Stop(ctx context.Context) error {
	bw.mu.Lock()
	if !bw.running {
		bw.mu.Unlock()
		return nil
	}
	bw.running = false
	bw.mu.Unlock()

	if bw.ticker != nil {
		bw.ticker.Stop()
	}
	close(bw.stopCh)

	done := make(chan struct{})
	go func() {
		bw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		bw.log.Info("BatchWriter stopped")
		return nil
	case <-ctx.Done():
		bw.log.Warn("BatchWriter stop timed out")
		return ctx.Err()
	}
}

// BufferSize returns how many rows are waiting
func (bw *BatchWriter[T]) BufferSize() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterStats is a point-in-time view for health reporting
type BatchWriterStats struct {
	Table        string        `json:"table"`
	BufferSize   int           `json:"buffer_size"`
	LastFlushAge time.Duration `json:"last_flush_age"`
	Running      bool          `json:"running"`
}

// Stats returns the writer's current state
func (bw *BatchWriter[T]) Stats() BatchWriterStats {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return BatchWriterStats{
		Table:        bw.table,
		BufferSize:   len(bw.buffer),
		LastFlushAge: time.Since(bw.lastFlush),
		Running:      bw.running,
	}
}
