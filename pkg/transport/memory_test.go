package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNetworkDelivers(t *testing.T) {
	net := NewMemoryNetwork()
	a, err := net.Endpoint("controller")
	require.NoError(t, err)
	b, err := net.Endpoint("device")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, []byte{1, 2, 3}, b.LocalAddr()))

	data, from, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, "controller", from.String())
	assert.Equal(t, "memory", from.Network())
}

func TestMemoryNetworkRejectsBadDatagrams(t *testing.T) {
	net := NewMemoryNetwork()
	a, _ := net.Endpoint("a")
	b, _ := net.Endpoint("b")
	ctx := context.Background()

	assert.ErrorIs(t, a.Send(ctx, nil, b.LocalAddr()), ErrDatagramEmpty)
	assert.ErrorIs(t, a.Send(ctx, make([]byte, MaxDatagramSize+1), b.LocalAddr()), ErrDatagramTooLarge)
	assert.ErrorIs(t, a.Send(ctx, []byte{1}, MemoryAddr("nowhere")), ErrUnknownPeer)

	_, err := net.Endpoint("a")
	assert.Error(t, err, "duplicate endpoint names must fail")
}

func TestMemoryNetworkDropFunc(t *testing.T) {
	net := NewMemoryNetwork()
	a, _ := net.Endpoint("a")
	b, _ := net.Endpoint("b")

	dropped := 0
	net.SetDropFunc(func(from, to string, data []byte) bool {
		if data[0] == 0xFF {
			dropped++
			return true
		}
		return false
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Send(ctx, []byte{0xFF}, b.LocalAddr()))
	require.NoError(t, a.Send(ctx, []byte{0x01}, b.LocalAddr()))

	data, _, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, data)
	assert.Equal(t, 1, dropped)
}

func TestMemoryEndpointClose(t *testing.T) {
	net := NewMemoryNetwork()
	a, _ := net.Endpoint("a")
	b, _ := net.Endpoint("b")

	errCh := make(chan error, 1)
	go func() {
		_, _, err := b.Receive(context.Background())
		errCh <- err
	}()

	require.NoError(t, b.Close())
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock on Close")
	}

	assert.ErrorIs(t, a.Send(context.Background(), []byte{1}, MemoryAddr("b")), ErrUnknownPeer)
	assert.ErrorIs(t, b.Send(context.Background(), []byte{1}, a.LocalAddr()), ErrClosed)

	// The name is free again after close.
	_, err := net.Endpoint("b")
	assert.NoError(t, err)
}

func TestUDPTransportLoopback(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, []byte("hello"), b.LocalAddr()))
	data, from, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, a.LocalAddr().String(), from.String())

	assert.ErrorIs(t, a.Send(ctx, make([]byte, MaxDatagramSize+1), b.LocalAddr()), ErrDatagramTooLarge)

	require.NoError(t, b.Close())
	_, _, err = b.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
