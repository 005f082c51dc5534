package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// MemoryAddr addresses an endpoint on a MemoryNetwork.
type MemoryAddr string

// Network returns "memory".
func (a MemoryAddr) Network() string { return "memory" }

func (a MemoryAddr) String() string { return string(a) }

// DropFunc decides whether a datagram is lost in transit.
type DropFunc func(from, to string, data []byte) bool

// MemoryNetwork connects MemoryEndpoints in-process. Delivery is
// best-effort: full inboxes and the drop function lose datagrams.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryEndpoint
	drop      DropFunc
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryEndpoint)}
}

// SetDropFunc installs a loss model. Pass nil for lossless delivery.
func (n *MemoryNetwork) SetDropFunc(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// Endpoint attaches a new endpoint at name.
func (n *MemoryNetwork) Endpoint(name string) (*MemoryEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.endpoints[name]; exists {
		return nil, fmt.Errorf("memory endpoint %q already exists", name)
	}
	ep := &MemoryEndpoint{
		net:     n,
		addr:    MemoryAddr(name),
		inbox:   make(chan memPacket, 128),
		closeCh: make(chan struct{}),
	}
	n.endpoints[name] = ep
	return ep, nil
}

func (n *MemoryNetwork) deliver(from MemoryAddr, to string, data []byte) error {
	n.mu.RLock()
	ep, ok := n.endpoints[to]
	drop := n.drop
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if drop != nil && drop(string(from), to, data) {
		return nil
	}
	select {
	case ep.inbox <- memPacket{data: append([]byte(nil), data...), from: from}:
	case <-ep.closeCh:
	default:
	}
	return nil
}

func (n *MemoryNetwork) detach(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, name)
}

type memPacket struct {
	data []byte
	from MemoryAddr
}

// MemoryEndpoint is a Datagram on a MemoryNetwork.
type MemoryEndpoint struct {
	net     *MemoryNetwork
	addr    MemoryAddr
	inbox   chan memPacket
	closeCh chan struct{}
	once    sync.Once
}

// Send delivers data to the endpoint named by addr.
func (e *MemoryEndpoint) Send(ctx context.Context, data []byte, addr net.Addr) error {
	if err := checkSize(data); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.closeCh:
		return ErrClosed
	default:
	}
	return e.net.deliver(e.addr, addr.String(), data)
}

// Receive returns the next delivered datagram.
func (e *MemoryEndpoint) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case pkt := <-e.inbox:
		return pkt.data, pkt.from, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-e.closeCh:
		return nil, nil, ErrClosed
	}
}

// LocalAddr returns the endpoint's address.
func (e *MemoryEndpoint) LocalAddr() net.Addr {
	return e.addr
}

// Close detaches the endpoint from the network.
func (e *MemoryEndpoint) Close() error {
	e.once.Do(func() {
		close(e.closeCh)
		e.net.detach(string(e.addr))
	})
	return nil
}
