//go:build linux

package server

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/reactor"
	"github.com/momentics/policyd/transport"
)

func newIdleReader(t *testing.T) *Reader {
	t.Helper()
	b, err := reactor.New(reactor.KindPoll, reactor.Options{WaitTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	hooks := readerHooks{
		dispatch:  func(*transport.Connection, *protocol.Request) error { return nil },
		opened:    func(*transport.Connection) {},
		refused:   func(*transport.Connection) {},
		violation: func(*transport.Connection, error) {},
	}
	r, err := newReader(b, hooks, 0, 0, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestReaderStopBeforeStart(t *testing.T) {
	r := newIdleReader(t)
	require.NoError(t, r.Stop(context.Background()))
	assert.ErrorIs(t, r.Start(), ErrReaderRunning)
	assert.ErrorIs(t, r.Rewatch(nil), ErrReaderStopped)
}

func TestReaderStartTwiceAndWaiters(t *testing.T) {
	r := newIdleReader(t)
	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrReaderRunning)

	waiters := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { waiters <- r.Wait(context.Background()) }()
	}

	require.NoError(t, r.Stop(context.Background()))
	for i := 0; i < 2; i++ {
		select {
		case err := <-waiters:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not released")
		}
	}

	err := r.Foreach(context.Background(), func(*transport.Connection) bool { return true })
	assert.ErrorIs(t, err, ErrReaderStopped)
}

func TestReaderBackendSwapKeepsLooping(t *testing.T) {
	r := newIdleReader(t)
	require.NoError(t, r.Start())
	defer r.Stop(context.Background())

	epoll, err := reactor.New(reactor.KindEpoll, reactor.Options{WaitTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.SetBackend(ctx, epoll))
	assert.Equal(t, "epoll", r.Stats().Backend)

	before := r.Stats().Iterations
	require.Eventually(t, func() bool { return r.Stats().Iterations > before }, 2*time.Second, 10*time.Millisecond)
}
