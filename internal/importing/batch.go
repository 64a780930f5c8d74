package importing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/erpimport/internal/logging"
)

// Batch is one chunk of the input handed to a BatchFunc.
type Batch[T any] struct {
	Index int // 1-based
	Total int
	Start int // offset of Items[0] in the full input
	Items []T
}

// BatchFunc processes one chunk. A returned error fails only that chunk.
type BatchFunc[T, R any] func(ctx context.Context, b Batch[T]) (R, error)

// BatchError is the failure of one chunk.
type BatchError struct {
	Index int
	Start int
	Size  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (rows %d-%d): %v", e.Index, e.Start, e.Start+e.Size-1, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// BatchResult collects per-chunk outcomes. Results and Errors are ordered by
// chunk index, not by completion.
type BatchResult[R any] struct {
	TotalBatches int
	Results      []R
	Errors       []*BatchError
}

// HasErrors reports whether any chunk failed.
func (r *BatchResult[R]) HasErrors() bool {
	return len(r.Errors) > 0
}

// BatchProcessor splits a slice into fixed-size chunks and runs each chunk
// concurrently, at most limiter.MaxConcurrent() at a time, joining all of
// them under an overall deadline.
type BatchProcessor[T, R any] struct {
	batchSize  int
	timeout    time.Duration
	drainGrace time.Duration
	limiter    *BatchLimiter
}

// defaultDrainGrace is how long Process waits for cancelled chunks before
// returning without them.
const defaultDrainGrace = time.Second

// NewBatchProcessor creates a processor from module settings.
func NewBatchProcessor[T, R any](s ModuleSettings) *BatchProcessor[T, R] {
	s = s.merge(DefaultModuleSettings())
	return &BatchProcessor[T, R]{
		batchSize:  s.BatchInsertSize,
		timeout:    s.BatchTimeout(),
		drainGrace: defaultDrainGrace,
		limiter:    NewBatchLimiter(s.MaxConcurrentBatches, 0),
	}
}

// Limiter exposes the processor's semaphore for instrumentation.
func (p *BatchProcessor[T, R]) Limiter() *BatchLimiter {
	return p.limiter
}

// BatchSize returns the chunk size.
func (p *BatchProcessor[T, R]) BatchSize() int {
	return p.batchSize
}

type chunkOutcome[R any] struct {
	result R
	err    *BatchError
}

// Process runs fn over items in chunks.
//
// A chunk error or panic is captured in the result and does not stop sibling
// chunks. If the deadline expires or ctx is cancelled before every chunk has
// finished, outstanding chunks are cancelled and Process returns an error
// instead of partial results. Chunks get a short grace period to observe the
// cancellation; one that ignores its context finishes in the background.
func (p *BatchProcessor[T, R]) Process(ctx context.Context, items []T, fn BatchFunc[T, R]) (*BatchResult[R], error) {
	logger := logging.FromContext(ctx)

	if len(items) == 0 {
		logger.Debug("no rows to process")
		return &BatchResult[R]{}, nil
	}

	total := (len(items) + p.batchSize - 1) / p.batchSize
	logger.Info("batch processing started", "rows", len(items), "batches", total, "batch_size", p.batchSize)
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	outcomes := make([]chunkOutcome[R], total)
	var wg sync.WaitGroup

	for i := 0; i < total; i++ {
		lo := i * p.batchSize
		hi := min(lo+p.batchSize, len(items))
		b := Batch[T]{Index: i + 1, Total: total, Start: lo, Items: items[lo:hi]}

		wg.Add(1)
		go func(slot int, b Batch[T]) {
			defer wg.Done()
			outcomes[slot] = p.runChunk(runCtx, logger, b, fn)
		}(i, b)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-runCtx.Done():
		cancel()
		select {
		case <-done:
		case <-time.After(p.drainGrace):
			logger.Warn("batches still running after cancel, leaving them to drain",
				"active", p.limiter.ActiveCount())
			go func() {
				<-done
				logger.Info("cancelled batches drained", "batches", total)
			}()
		}
		if ctx.Err() != nil {
			logger.Warn("batch processing cancelled", "batches", total)
			return nil, fmt.Errorf("%w: %v", ErrBatchCancelled, ctx.Err())
		}
		logger.Error("batch processing timed out", "batches", total, "timeout", p.timeout)
		return nil, fmt.Errorf("%w after %s", ErrBatchTimeout, p.timeout)
	}

	result := &BatchResult[R]{TotalBatches: total}
	for _, o := range outcomes {
		if o.err != nil {
			result.Errors = append(result.Errors, o.err)
			continue
		}
		result.Results = append(result.Results, o.result)
	}

	logger.Info("batch processing completed",
		"batches", total,
		"succeeded", len(result.Results),
		"failed", len(result.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (p *BatchProcessor[T, R]) runChunk(ctx context.Context, logger *slog.Logger, b Batch[T], fn BatchFunc[T, R]) (out chunkOutcome[R]) {
	fail := func(err error) chunkOutcome[R] {
		getMetrics().chunksTotal.WithLabelValues("error").Inc()
		return chunkOutcome[R]{err: &BatchError{Index: b.Index, Start: b.Start, Size: len(b.Items), Err: err}}
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		return fail(err)
	}
	defer p.limiter.Release()

	start := time.Now()
	defer func() {
		getMetrics().chunkDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			logger.Error("batch panicked", "batch", b.Index, "panic", r)
			out = fail(fmt.Errorf("panic: %v", r))
		}
	}()

	logger.Debug("batch started", "batch", b.Index, "of", b.Total, "rows", len(b.Items))
	res, err := fn(ctx, b)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("batch failed", "batch", b.Index, "error", err)
		}
		return fail(err)
	}

	getMetrics().chunksTotal.WithLabelValues("ok").Inc()
	logger.Debug("batch completed", "batch", b.Index, "duration_ms", time.Since(start).Milliseconds())
	return chunkOutcome[R]{result: res}
}
