package importing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestBatchProcessorSplitsAndOrders(t *testing.T) {
	p := NewBatchProcessor[int, int](ModuleSettings{BatchInsertSize: 10, MaxConcurrentBatches: 3})

	res, err := p.Process(context.Background(), seq(95), func(ctx context.Context, b Batch[int]) (int, error) {
		return len(b.Items), nil
	})
	require.NoError(t, err)

	assert.Equal(t, 10, res.TotalBatches)
	require.Len(t, res.Results, 10)
	for i := 0; i < 9; i++ {
		assert.Equal(t, 10, res.Results[i])
	}
	assert.Equal(t, 5, res.Results[9])
	assert.False(t, res.HasErrors())
}

func TestBatchProcessorEmptyInput(t *testing.T) {
	p := NewBatchProcessor[int, int](DefaultModuleSettings())

	called := false
	res, err := p.Process(context.Background(), nil, func(ctx context.Context, b Batch[int]) (int, error) {
		called = true
		return 0, nil
	})
	require.NoError(t, err)
	assert.Zero(t, res.TotalBatches)
	assert.False(t, called)
}

func TestBatchProcessorConcurrencyBound(t *testing.T) {
	const permits = 4
	p := NewBatchProcessor[int, struct{}](ModuleSettings{BatchInsertSize: 1, MaxConcurrentBatches: permits})

	var inFlight, peak atomic.Int32
	res, err := p.Process(context.Background(), seq(40), func(ctx context.Context, b Batch[int]) (struct{}, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 40, res.TotalBatches)
	assert.LessOrEqual(t, int(peak.Load()), permits)
	assert.LessOrEqual(t, p.Limiter().MaxObserved(), permits)
	assert.Equal(t, 0, p.Limiter().ActiveCount())
}

func TestBatchProcessorChunkFailureIsIsolated(t *testing.T) {
	p := NewBatchProcessor[int, int](ModuleSettings{BatchInsertSize: 5, MaxConcurrentBatches: 2})
	boom := errors.New("connection reset by peer")

	res, err := p.Process(context.Background(), seq(20), func(ctx context.Context, b Batch[int]) (int, error) {
		switch b.Index {
		case 2:
			return 0, boom
		case 3:
			panic("unexpected nil row")
		}
		return len(b.Items), nil
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.TotalBatches)
	assert.Equal(t, []int{5, 5}, res.Results)
	require.Len(t, res.Errors, 2)

	assert.Equal(t, 2, res.Errors[0].Index)
	assert.Equal(t, 5, res.Errors[0].Start)
	assert.Equal(t, 5, res.Errors[0].Size)
	assert.ErrorIs(t, res.Errors[0], boom)

	assert.Equal(t, 3, res.Errors[1].Index)
	assert.Contains(t, res.Errors[1].Error(), "panic")
}

func TestBatchProcessorTimeoutCancelsOutstanding(t *testing.T) {
	p := NewBatchProcessor[int, int](ModuleSettings{BatchInsertSize: 1, MaxConcurrentBatches: 2})
	p.timeout = 50 * time.Millisecond

	var cancelled atomic.Int32
	res, err := p.Process(context.Background(), seq(6), func(ctx context.Context, b Batch[int]) (int, error) {
		select {
		case <-ctx.Done():
			cancelled.Add(1)
			return 0, ctx.Err()
		case <-time.After(5 * time.Second):
			return 1, nil
		}
	})

	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrBatchTimeout)
	assert.Positive(t, cancelled.Load())
	assert.Equal(t, 0, p.Limiter().ActiveCount())
}

func TestBatchProcessorTimeoutDoesNotWaitForStuckChunk(t *testing.T) {
	p := NewBatchProcessor[int, int](ModuleSettings{BatchInsertSize: 1, MaxConcurrentBatches: 1})
	p.timeout = 50 * time.Millisecond
	p.drainGrace = 20 * time.Millisecond

	release := make(chan struct{})
	start := time.Now()
	res, err := p.Process(context.Background(), seq(1), func(context.Context, Batch[int]) (int, error) {
		<-release
		return 1, nil
	})
	elapsed := time.Since(start)

	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrBatchTimeout)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 1, p.Limiter().ActiveCount())

	close(release)
	assert.Eventually(t, func() bool { return p.Limiter().ActiveCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestBatchProcessorParentCancel(t *testing.T) {
	p := NewBatchProcessor[int, int](ModuleSettings{BatchInsertSize: 1, MaxConcurrentBatches: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Process(ctx, seq(3), func(ctx context.Context, b Batch[int]) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, ErrBatchCancelled)
}
