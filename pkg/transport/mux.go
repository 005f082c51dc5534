package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// DefaultInboxSize is the per-conn queue length. Messages beyond it are dropped.
const DefaultInboxSize = 64

// Mux errors.
var (
	ErrSessionExists = errors.New("session already registered")
	ErrConnClosed    = errors.New("conn closed")
)

// Conn is a message-level view of one peer.
// Implemented by PeerConn.
type Conn interface {
	// Send encodes and transmits msg to the peer.
	Send(ctx context.Context, msg wire.Message) error

	// Recv blocks until a message for this conn arrives.
	Recv(ctx context.Context) (wire.Message, error)

	// Peer returns the remote address.
	Peer() net.Addr

	// Close unregisters the conn.
	Close() error
}

// Handler receives messages the mux cannot route to a registered conn.
type Handler func(ctx context.Context, msg wire.Message, from net.Addr)

// MuxConfig configures a Mux.
type MuxConfig struct {
	// Role tags protocol log events.
	Role log.Role

	// ProtocolLogger receives wire-layer events. Nil disables capture.
	ProtocolLogger log.Logger

	// Logger is the operational logger.
	Logger *slog.Logger

	// InboxSize bounds each conn's receive queue.
	InboxSize int
}

// Mux decodes datagrams and routes them by session id. Discovery replies
// go to the probes opened for the sender's address; anything else that
// matches no conn is passed to the fallback handler.
type Mux struct {
	dg     Datagram
	config MuxConfig
	logger *slog.Logger
	plog   log.Logger

	mu       sync.RWMutex
	sessions map[string]*PeerConn
	probes   map[*PeerConn]struct{}
	fallback Handler
}

// NewMux wraps dg. Call Serve to start routing.
func NewMux(dg Datagram, config MuxConfig) *Mux {
	if config.InboxSize == 0 {
		config.InboxSize = DefaultInboxSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		dg:       dg,
		config:   config,
		logger:   logger,
		plog:     log.OrNoop(config.ProtocolLogger),
		sessions: make(map[string]*PeerConn),
		probes:   make(map[*PeerConn]struct{}),
	}
}

// LocalAddr returns the underlying transport address.
func (m *Mux) LocalAddr() net.Addr {
	return m.dg.LocalAddr()
}

// SetFallback installs the handler for unrouted messages.
func (m *Mux) SetFallback(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = h
}

// Serve reads datagrams until ctx ends or the transport closes.
func (m *Mux) Serve(ctx context.Context) error {
	for {
		data, from, err := m.dg.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive failed: %w", err)
		}

		msg, err := wire.Decode(data)
		if err != nil {
			m.logger.Debug("dropping undecodable datagram", "from", from, "size", len(data), "error", err)
			m.plog.Log(log.Event{
				Timestamp:  time.Now(),
				Direction:  log.DirectionIn,
				Layer:      log.LayerTransport,
				Category:   log.CategoryError,
				LocalRole:  m.config.Role,
				RemoteAddr: from.String(),
				Datagram:   log.NewDatagramEvent(data),
				Error:      log.NewErrorEvent(log.LayerWire, err, "decode"),
			})
			continue
		}
		m.logMessage(log.DirectionIn, msg, from)
		m.dispatch(ctx, msg, from)
	}
}

func (m *Mux) dispatch(ctx context.Context, msg wire.Message, from net.Addr) {
	m.mu.RLock()
	if msg.Kind() == wire.KindDiscoveryReply {
		var targets []*PeerConn
		for p := range m.probes {
			if p.peer.String() == from.String() {
				targets = append(targets, p)
			}
		}
		m.mu.RUnlock()
		for _, p := range targets {
			p.deliver(msg)
		}
		if len(targets) == 0 {
			m.logger.Debug("dropping unsolicited discovery reply", "from", from)
		}
		return
	}

	conn := m.sessions[msg.Session()]
	fallback := m.fallback
	m.mu.RUnlock()

	switch {
	case conn != nil && msg.Session() != "":
		conn.deliver(msg)
	case fallback != nil:
		fallback(ctx, msg, from)
	default:
		m.logger.Debug("dropping unrouted message", "kind", msg.Kind(), "from", from)
	}
}

// SendTo encodes msg and sends it to addr.
func (m *Mux) SendTo(ctx context.Context, msg wire.Message, addr net.Addr) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := m.dg.Send(ctx, data, addr); err != nil {
		return err
	}
	m.logMessage(log.DirectionOut, msg, addr)
	return nil
}

func (m *Mux) logMessage(dir log.Direction, msg wire.Message, peer net.Addr) {
	m.plog.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  msg.Session(),
		Direction:  dir,
		Layer:      log.LayerWire,
		Category:   log.CategoryMessage,
		LocalRole:  m.config.Role,
		RemoteAddr: peer.String(),
		Message:    log.NewMessageEvent(msg),
	})
}

// Open registers a conn for sessionID with peer.
func (m *Mux) Open(sessionID string, peer net.Addr) (*PeerConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	c := m.newConn(sessionID, peer)
	m.sessions[sessionID] = c
	return c, nil
}

// OpenProbe registers a conn that receives discovery replies from peer.
func (m *Mux) OpenProbe(peer net.Addr) *PeerConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.newConn("", peer)
	m.probes[c] = struct{}{}
	return c
}

// Sessions returns the number of registered session conns.
func (m *Mux) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Mux) newConn(sessionID string, peer net.Addr) *PeerConn {
	return &PeerConn{
		mux:       m,
		sessionID: sessionID,
		peer:      peer,
		inbox:     make(chan wire.Message, m.config.InboxSize),
		closeCh:   make(chan struct{}),
	}
}

func (m *Mux) unregister(c *PeerConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.sessionID == "" {
		delete(m.probes, c)
		return
	}
	if m.sessions[c.sessionID] == c {
		delete(m.sessions, c.sessionID)
	}
}

// Close closes every registered conn and the transport.
func (m *Mux) Close() error {
	m.mu.Lock()
	conns := make([]*PeerConn, 0, len(m.sessions)+len(m.probes))
	for _, c := range m.sessions {
		conns = append(conns, c)
	}
	for c := range m.probes {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return multierr.Append(err, m.dg.Close())
}

// PeerConn is a Conn routed through a Mux.
type PeerConn struct {
	mux       *Mux
	sessionID string
	peer      net.Addr

	inbox   chan wire.Message
	closeCh chan struct{}
	once    sync.Once
}

// SessionID returns the routed session id (empty for probes).
func (c *PeerConn) SessionID() string { return c.sessionID }

// Peer returns the remote address.
func (c *PeerConn) Peer() net.Addr { return c.peer }

// Done is closed when the conn is closed.
func (c *PeerConn) Done() <-chan struct{} { return c.closeCh }

// Send transmits msg to the peer.
func (c *PeerConn) Send(ctx context.Context, msg wire.Message) error {
	select {
	case <-c.closeCh:
		return ErrConnClosed
	default:
	}
	return c.mux.SendTo(ctx, msg, c.peer)
}

// Recv returns the next routed message.
func (c *PeerConn) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, ErrConnClosed
	}
}

// Close unregisters the conn. Pending Recv calls return ErrConnClosed.
func (c *PeerConn) Close() error {
	c.once.Do(func() {
		close(c.closeCh)
		c.mux.unregister(c)
	})
	return nil
}

func (c *PeerConn) deliver(msg wire.Message) {
	select {
	case c.inbox <- msg:
	case <-c.closeCh:
	default:
		c.mux.logger.Debug("inbox full, dropping message", "session", c.sessionID, "kind", msg.Kind())
	}
}

// Compile-time interface satisfaction check.
var _ Conn = (*PeerConn)(nil)
