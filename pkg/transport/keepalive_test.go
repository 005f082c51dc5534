package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepAliveDefaults(t *testing.T) {
	assert.Equal(t, DefaultKeepaliveInterval, DefaultKeepAliveConfig().Interval)

	ka := NewKeepAlive(KeepAliveConfig{}, func(context.Context, uint32) error { return nil })
	assert.Equal(t, DefaultKeepaliveInterval, ka.config.Interval)
	assert.False(t, ka.IsRunning())
}

func TestKeepAliveTicks(t *testing.T) {
	mock := clock.NewMock()
	sent := make(chan uint32, 8)

	ka := NewKeepAlive(KeepAliveConfig{Interval: time.Second, Clock: mock}, func(_ context.Context, seq uint32) error {
		sent <- seq
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka.Start(ctx)
	ka.Start(ctx) // no-op
	require.True(t, ka.IsRunning())

	for want := uint32(1); want <= 3; want++ {
		mock.Add(time.Second)
		select {
		case seq := <-sent:
			assert.Equal(t, want, seq)
		case <-time.After(time.Second):
			t.Fatalf("keepalive %d not sent", want)
		}
	}

	ka.Stop()
	assert.False(t, ka.IsRunning())

	stats := ka.Stats()
	assert.Equal(t, uint32(3), stats.CurrentSeq)
	assert.Equal(t, mock.Now(), stats.LastSent)
	assert.Zero(t, stats.SendFailures)
}

func TestKeepAliveCountsFailures(t *testing.T) {
	mock := clock.NewMock()
	var mu sync.Mutex
	var results []error

	ka := NewKeepAlive(KeepAliveConfig{Interval: time.Second, Clock: mock}, func(context.Context, uint32) error {
		return errors.New("network down")
	})
	done := make(chan struct{}, 4)
	ka.OnSent(func(seq uint32, err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
		done <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ka.Start(ctx)
	defer ka.Stop()

	for range 2 {
		mock.Add(time.Second)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("OnSent not called")
		}
	}

	assert.Equal(t, 2, ka.Stats().SendFailures)
	mu.Lock()
	assert.Len(t, results, 2)
	mu.Unlock()
}

func TestKeepAliveReceivedAndContextCancel(t *testing.T) {
	mock := clock.NewMock()
	ka := NewKeepAlive(KeepAliveConfig{Interval: time.Second, Clock: mock}, func(context.Context, uint32) error { return nil })

	require.NoError(t, ka.Received(4))
	assert.Equal(t, uint32(4), ka.Stats().PeerSeq)
	assert.Equal(t, mock.Now(), ka.Stats().LastReceived)

	ctx, cancel := context.WithCancel(context.Background())
	ka.Start(ctx)
	cancel()

	require.Eventually(t, func() bool { return !ka.IsRunning() }, time.Second, 5*time.Millisecond)
	ka.Stop() // safe after cancellation
}

func TestKeepAliveRefusesStaleSequence(t *testing.T) {
	mock := clock.NewMock()
	ka := NewKeepAlive(KeepAliveConfig{Interval: time.Second, Clock: mock}, func(context.Context, uint32) error { return nil })

	assert.True(t, ka.Fresh(1))
	require.NoError(t, ka.Received(3))
	seen := ka.Stats().LastReceived

	mock.Add(time.Second)
	assert.False(t, ka.Fresh(3))
	assert.False(t, ka.Fresh(2))
	assert.ErrorIs(t, ka.Received(3), ErrStaleKeepalive)
	assert.ErrorIs(t, ka.Received(1), ErrStaleKeepalive)
	assert.Equal(t, uint32(3), ka.Stats().PeerSeq)
	assert.Equal(t, seen, ka.Stats().LastReceived)

	assert.True(t, ka.Fresh(4))
	require.NoError(t, ka.Received(4))
	assert.Equal(t, mock.Now(), ka.Stats().LastReceived)
}
