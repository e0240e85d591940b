package spannix

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	ctx := context.Background()
	pool := NewWorkerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		err := pool.Submit(ctx, func() {
			defer wg.Done()
			counter.Add(1)
		})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.Equal(t, int64(100), counter.Load())
}

func TestWorkerPoolClosed(t *testing.T) {
	ctx := context.Background()
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close() // idempotent

	err := pool.Submit(ctx, func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPoolContextCancelled(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Close()

	// Saturate the single worker and its queue so the next submit blocks.
	block := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		_ = pool.Submit(context.Background(), func() {
			defer wg.Done()
			<-block
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pool.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
	wg.Wait()
}
