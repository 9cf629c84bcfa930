package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testWork struct {
	key string
	seq int
}

func keyOf(w testWork) string { return w.key }

func TestNewPool_Defaults(t *testing.T) {
	noop := func(context.Context, testWork) error { return nil }

	pool := NewPool(0, 0, keyOf, noop)
	assert.Equal(t, 4, pool.workers)
	assert.Equal(t, 256, pool.queueSize)
	assert.Len(t, pool.queues, 4)
}

func TestNewPool_NilArguments(t *testing.T) {
	assert.Panics(t, func() { NewPool[testWork](1, 1, keyOf, nil) })
	assert.Panics(t, func() {
		NewPool[testWork](1, 1, nil, func(context.Context, testWork) error { return nil })
	})
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, keyOf, func(context.Context, testWork) error { return nil })
	err := pool.Submit(context.Background(), testWork{key: "a"})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestPool_PreservesOrderPerKey(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]int)

	pool := NewPool(4, 16, keyOf, func(_ context.Context, w testWork) error {
		mu.Lock()
		seen[w.key] = append(seen[w.key], w.seq)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	keys := []string{"res-a", "res-b", "res-c"}
	for i := 0; i < 50; i++ {
		for _, key := range keys {
			require.NoError(t, pool.Submit(ctx, testWork{key: key, seq: i}))
		}
	}
	require.NoError(t, pool.Stop(5*time.Second))

	for _, key := range keys {
		require.Len(t, seen[key], 50, key)
		for i, seq := range seen[key] {
			assert.Equal(t, i, seq, "key %s out of order", key)
		}
	}

	stats := pool.Stats()
	assert.Equal(t, int64(150), stats.Submitted)
	assert.Equal(t, int64(150), stats.Processed)
}

func TestPool_CountsFailures(t *testing.T) {
	pool := NewPool(2, 8, keyOf, func(_ context.Context, w testWork) error {
		if w.seq%2 == 0 {
			return errors.New("boom")
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(ctx, testWork{key: fmt.Sprintf("k%d", i), seq: i}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(5), pool.Stats().Failed)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool := NewPool(1, 1, keyOf, func(context.Context, testWork) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(context.Background(), testWork{key: "a"})
	assert.ErrorIs(t, err, ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestPool_StartTwice(t *testing.T) {
	pool := NewPool(1, 1, keyOf, func(context.Context, testWork) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(time.Second)

	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
}

func TestPool_SubmitHonoursCallerContext(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, keyOf, func(context.Context, testWork) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(block)
		_ = pool.Stop(time.Second)
	}()

	// first item occupies the worker, second fills the queue
	require.NoError(t, pool.Submit(context.Background(), testWork{key: "a", seq: 1}))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(context.Background(), testWork{key: "a", seq: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, testWork{key: "a", seq: 3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
