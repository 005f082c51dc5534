package transport

import (
	"context"
	"errors"
	"net"

	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// MaxDatagramSize is the largest datagram the transport will send.
const MaxDatagramSize = wire.MaxMessageSize

// Transport errors.
var (
	ErrClosed           = errors.New("transport closed")
	ErrDatagramTooLarge = errors.New("datagram too large")
	ErrDatagramEmpty    = errors.New("datagram is empty")
	ErrUnknownPeer      = errors.New("unknown peer address")
)

// Datagram is an unreliable, unordered message transport.
// Implemented by UDPTransport and MemoryEndpoint.
type Datagram interface {
	// Send transmits one datagram to addr.
	Send(ctx context.Context, data []byte, addr net.Addr) error

	// Receive blocks until a datagram arrives or ctx ends.
	Receive(ctx context.Context) ([]byte, net.Addr, error)

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// Close releases the transport. Blocked Receive calls return ErrClosed.
	Close() error
}

func checkSize(data []byte) error {
	if len(data) == 0 {
		return ErrDatagramEmpty
	}
	if len(data) > MaxDatagramSize {
		return ErrDatagramTooLarge
	}
	return nil
}

// Compile-time interface satisfaction checks.
var (
	_ Datagram = (*UDPTransport)(nil)
	_ Datagram = (*MemoryEndpoint)(nil)
)
