package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	p := NewPool(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Exit(ctx, false)
	})
	return p
}

func TestPoolRunsTasks(t *testing.T) {
	p := newTestPool(t, PoolConfig{Threads: 4})
	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(100), n.Load())
	require.Eventually(t, func() bool { return p.Stats().Completed == 100 }, time.Second, time.Millisecond)
}

func TestPoolSurvivesTaskPanic(t *testing.T) {
	p := newTestPool(t, PoolConfig{Threads: 3})
	require.Eventually(t, func() bool { return p.Stats().Waiting == 3 }, time.Second, time.Millisecond)
	before := p.Stats().Running

	require.NoError(t, p.Submit(func() { panic("handler blew up") }))
	require.Eventually(t, func() bool { return p.Stats().Faults == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))
	<-done
	assert.Equal(t, before, p.Stats().Running)
}

func TestPoolAddRemove(t *testing.T) {
	p := newTestPool(t, PoolConfig{Threads: 2})
	p.Add(3)
	assert.Equal(t, 5, p.NumWorkers())

	assert.Equal(t, 2, p.Remove(2))
	require.Eventually(t, func() bool { return p.NumWorkers() == 3 }, time.Second, time.Millisecond)

	// never below one worker
	assert.Equal(t, 2, p.Remove(10))
	require.Eventually(t, func() bool { return p.NumWorkers() == 1 }, time.Second, time.Millisecond)

	p.Resize(4)
	assert.Equal(t, 4, p.NumWorkers())
}

func TestPoolAutoGrowAndShrink(t *testing.T) {
	p := newTestPool(t, PoolConfig{Threads: 1})
	p.Setup(4, 1, 0, 1, time.Millisecond, true)

	block := make(chan struct{})
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(func() { <-block }))
	}
	require.Eventually(t, func() bool { return p.NumWorkers() == 4 }, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, p.NumWorkers(), 4)

	close(block)
	require.Eventually(t, func() bool { return p.NumWorkers() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestPoolAutoResizeRespectsAddPeriod(t *testing.T) {
	p := newTestPool(t, PoolConfig{Threads: 1})
	p.Setup(10, 2, time.Hour, 0, 0, false)

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, p.Submit(func() { <-block }))
	require.NoError(t, p.Submit(func() { <-block }))
	require.Eventually(t, func() bool { return p.Stats().Pending == 1 }, time.Second, time.Millisecond)

	p.autoResize(time.Now())
	assert.Equal(t, 1, p.NumWorkers())

	p.autoResize(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 3, p.NumWorkers())
}

func TestPoolEvents(t *testing.T) {
	p := newTestPool(t, PoolConfig{Threads: 2})
	var runs atomic.Int32
	id, err := p.NewEvent(5*time.Millisecond, func() bool {
		return runs.Add(1) == 3
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	require.Eventually(t, func() bool { return p.EventStats() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())

	id, err = p.NewEvent(time.Hour, func() bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, p.EventStats())
	assert.True(t, p.RemoveEvent(id))
	assert.False(t, p.RemoveEvent(id))

	_, err = p.NewEvent(0, func() bool { return false })
	assert.Error(t, err)
	_, err = p.NewCronEvent("not a cron line", func() bool { return false })
	assert.Error(t, err)
	id, err = p.NewCronEvent("@every 1h", func() bool { return false })
	require.NoError(t, err)
	assert.True(t, p.RemoveEvent(id))
}

func TestPoolExitDrainsQueue(t *testing.T) {
	p := NewPool(PoolConfig{Threads: 1, Logger: zerolog.Nop()})
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func() {
			time.Sleep(time.Millisecond)
			n.Add(1)
		}))
	}
	require.NoError(t, p.Exit(context.Background(), false))
	assert.Equal(t, int32(10), n.Load())
	assert.Equal(t, 0, p.NumWorkers())
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
	require.NoError(t, p.Exit(context.Background(), false))
}

func TestSharedPoolRefCounting(t *testing.T) {
	cfg := PoolConfig{Threads: 1, Logger: zerolog.Nop()}
	a := AcquireShared(cfg)
	b := AcquireShared(cfg)
	assert.Same(t, a, b)

	require.NoError(t, ReleaseShared(context.Background()))
	require.NoError(t, a.Submit(func() {}))

	require.NoError(t, ReleaseShared(context.Background()))
	assert.ErrorIs(t, a.Submit(func() {}), ErrPoolClosed)
}
