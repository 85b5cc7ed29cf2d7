package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_PreservesPerKeyOrder(t *testing.T) {
	d := NewDispatcher(4, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	var mu sync.Mutex
	seen := map[string][]int{}
	var wg sync.WaitGroup
	keys := []string{"005930", "000660", "035720"}
	for i := 0; i < 100; i++ {
		for _, k := range keys {
			k, i := k, i
			wg.Add(1)
			require.NoError(t, d.Dispatch(ctx, k, func() {
				defer wg.Done()
				mu.Lock()
				seen[k] = append(seen[k], i)
				mu.Unlock()
			}))
		}
	}
	wg.Wait()

	for _, k := range keys {
		require.Len(t, seen[k], 100)
		for i, v := range seen[k] {
			assert.Equal(t, i, v)
		}
	}

	d.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after Close")
	}
	assert.ErrorIs(t, d.Dispatch(ctx, "005930", func() {}), ErrDispatcherClosed)
}

func TestDispatcher_ShardIsStable(t *testing.T) {
	d := NewDispatcher(8, 1)
	assert.Equal(t, d.Shard("005930"), d.Shard("005930"))
	assert.Less(t, d.Shard("000660"), 8)
}

func TestDispatcher_DispatchGivesUpOnContext(t *testing.T) {
	d := NewDispatcher(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(ctx, "a", func() {}))

	cancel()
	assert.ErrorIs(t, d.Dispatch(ctx, "a", func() {}), context.Canceled)
}
