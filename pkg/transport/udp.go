package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// DefaultPort is the default FIXLINK UDP port.
const DefaultPort = 5568

type udpPacket struct {
	data []byte
	addr net.Addr
}

// UDPTransport is a Datagram over a UDP socket.
type UDPTransport struct {
	conn *net.UDPConn

	packets chan udpPacket
	closeCh chan struct{}
	once    sync.Once
	readErr error
	mu      sync.Mutex
}

// ListenUDP opens a UDP socket on address (host:port; port 0 picks one).
func ListenUDP(address string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}

	t := &UDPTransport{
		conn:    conn,
		packets: make(chan udpPacket, 64),
		closeCh: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, MaxDatagramSize+1)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			t.Close()
			return
		}
		if n == 0 || n > MaxDatagramSize {
			continue
		}
		pkt := udpPacket{data: append([]byte(nil), buf[:n]...), addr: addr}
		select {
		case t.packets <- pkt:
		case <-t.closeCh:
			return
		default:
			// Receiver is behind; drop like the network would.
		}
	}
}

// Send writes one datagram. addr must resolve to a UDP address.
func (t *UDPTransport) Send(ctx context.Context, data []byte, addr net.Addr) error {
	if err := checkSize(data); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closeCh:
		return ErrClosed
	default:
	}

	uaddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
		}
		uaddr = resolved
	}
	if _, err := t.conn.WriteToUDP(data, uaddr); err != nil {
		return fmt.Errorf("udp write failed: %w", err)
	}
	return nil
}

// Receive returns the next datagram.
func (t *UDPTransport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case pkt := <-t.packets:
		return pkt.data, pkt.addr, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-t.closeCh:
		t.mu.Lock()
		err := t.readErr
		t.mu.Unlock()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return nil, nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, nil, ErrClosed
	}
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close closes the socket.
func (t *UDPTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closeCh)
		err = t.conn.Close()
	})
	return err
}
