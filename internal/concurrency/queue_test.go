package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOAndPriority(t *testing.T) {
	q := NewQueue[int]()
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	require.NoError(t, q.PushPriority(99))
	assert.Equal(t, 3, q.Len())

	for _, want := range []int{99, 1, 2} {
		got, err := q.Pop()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueueTimedPop(t *testing.T) {
	q := NewQueue[string]()
	start := time.Now()
	_, err := q.TimedPop(30 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Push("x")
	}()
	v, err := q.TimedPop(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestQueueWaitersAndClose(t *testing.T) {
	q := NewQueue[int]()
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop()
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return q.Waiters() == 3 }, time.Second, time.Millisecond)

	q.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrQueueClosed)
	}
	assert.Equal(t, 0, q.Waiters())
	assert.ErrorIs(t, q.Push(1), ErrQueueClosed)
}

func TestQueueDrainAfterClose(t *testing.T) {
	q := NewQueue[int]()
	require.NoError(t, q.Push(7))
	q.Close()
	v, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	_, err = q.Pop()
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueuePopContextCancel(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := q.PopContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueManyProducersConsumers(t *testing.T) {
	q := NewQueue[int]()
	const producers, perProducer = 4, 250
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(base + i)
			}
		}(p * perProducer)
	}

	seen := make(map[int]bool)
	var mu sync.Mutex
	var cwg sync.WaitGroup
	for c := 0; c < 4; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				v, err := q.TimedPop(200 * time.Millisecond)
				if err != nil {
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	cwg.Wait()
	assert.Len(t, seen, producers*perProducer)
}
