package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapBasicOperations(t *testing.T) {
	m := NewMap[int]()
	assert.True(t, m.Insert("a", 1))
	assert.False(t, m.Insert("a", 2))
	v, ok := m.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Replace("a", 3)
	v, _ = m.Lookup("a")
	assert.Equal(t, 3, v)

	m.Replace("b", 4)
	assert.Equal(t, 2, m.Len())

	v, ok = m.LookupAndClear("b")
	require.True(t, ok)
	assert.Equal(t, 4, v)
	_, ok = m.Lookup("b")
	assert.False(t, ok)

	assert.True(t, m.Remove("a"))
	assert.False(t, m.Remove("a"))
	assert.Equal(t, 0, m.Len())
}

func TestMapForeachAllowsMutation(t *testing.T) {
	m := NewMap[string]()
	m.Replace("x", "1")
	m.Replace("y", "2")
	visited := 0
	m.Foreach(func(k, _ string) bool {
		visited++
		m.Remove(k)
		return true
	})
	assert.Equal(t, 2, visited)
	assert.Equal(t, 0, m.Len())
}

func TestMapChangedQueue(t *testing.T) {
	m := NewMap[int]()
	q := NewQueue[string]()
	m.SetChangedQueue(q)
	m.Replace("k", 1)
	m.Remove("k")

	for i := 0; i < 2; i++ {
		key, err := q.TimedPop(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "k", key)
	}
	assert.Equal(t, 0, q.Len())
}

func TestMapWaitChanged(t *testing.T) {
	m := NewMap[int]()
	done := make(chan error, 1)
	go func() {
		done <- m.WaitChanged(context.Background(), "k", time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	m.Replace("k", 5)
	require.NoError(t, <-done)

	err := m.WaitChanged(context.Background(), "other", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotResolved)
}

func TestMapWaitNotResolved(t *testing.T) {
	m := NewMap[int]()
	_, err := m.Wait(context.Background(), "missing", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotResolved)

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Replace("late", 9)
	}()
	v, err := m.Wait(context.Background(), "late", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestMapResolveSingleFlight(t *testing.T) {
	m := NewMap[string]()
	var calls atomic.Int32
	release := make(chan struct{})
	resolve := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "mx.example.org", nil
	}

	const callers = 16
	results := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.Resolve(context.Background(), "192.0.2.1", 5*time.Second, resolve)
			if err == nil {
				results <- v
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), calls.Load())
	n := 0
	for v := range results {
		assert.Equal(t, "mx.example.org", v)
		n++
	}
	assert.Equal(t, callers, n)

	v, ok := m.Lookup("192.0.2.1")
	require.True(t, ok)
	assert.Equal(t, "mx.example.org", v)
}

func TestMapResolveFallbackOnTimeout(t *testing.T) {
	m := NewMap[int]()
	var calls atomic.Int32
	block := make(chan struct{})
	defer close(block)
	slow := func(context.Context) (int, error) {
		if calls.Add(1) == 1 {
			<-block
		}
		return 42, nil
	}
	v, err := m.Resolve(context.Background(), "k", 20*time.Millisecond, slow)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMapResolveError(t *testing.T) {
	m := NewMap[int]()
	boom := errors.New("boom")
	_, err := m.Resolve(context.Background(), "k", time.Second, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Len())
}

func TestMapExpire(t *testing.T) {
	m := NewMap[int]()
	now := time.Now()
	m.now = func() time.Time { return now.Add(-time.Hour) }
	m.Replace("old", 1)
	m.now = func() time.Time { return now }
	m.Replace("new", 2)

	assert.Equal(t, 1, m.Expire(time.Minute))
	_, ok := m.Lookup("old")
	assert.False(t, ok)
	_, ok = m.Lookup("new")
	assert.True(t, ok)
}
