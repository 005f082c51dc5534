package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// link serves one established session on either side: it owns the routed
// conn and the keepalive monitor, and handles the liveness messages both
// roles share. Everything else goes to handle.
type link struct {
	role    log.Role
	machine *session.Machine
	conn    *transport.PeerConn
	ka      *transport.KeepAlive
	metrics *Metrics
	plog    log.Logger
	clock   clock.Clock
	logger  *slog.Logger

	handle func(ctx context.Context, msg wire.Message)
	done   chan struct{}
}

func newLink(role log.Role, m *session.Machine, conn *transport.PeerConn, interval time.Duration, clk clock.Clock, metrics *Metrics, plog log.Logger, logger *slog.Logger) *link {
	l := &link{
		role:    role,
		machine: m,
		conn:    conn,
		metrics: metrics,
		plog:    log.OrNoop(plog),
		clock:   clk,
		logger:  logger.With("session", m.ID()),
		done:    make(chan struct{}),
	}
	l.ka = transport.NewKeepAlive(transport.KeepAliveConfig{Interval: interval, Clock: clk}, l.sendKeepalive)
	l.ka.OnSent(func(seq uint32, err error) {
		if err != nil {
			l.logger.Debug("keepalive send failed", "seq", seq, "error", err)
			return
		}
		l.metrics.keepalive("out")
		l.logKeepalive(log.DirectionOut, log.KeepaliveTick, seq, "")
	})
	return l
}

// run receives until the session ends or ctx is cancelled. A session still
// alive when ctx ends is closed.
func (l *link) run(ctx context.Context) {
	defer close(l.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-l.machine.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	l.ka.Start(ctx)
	defer l.ka.Stop()

	for {
		msg, err := l.conn.Recv(ctx)
		if err != nil {
			break
		}
		switch msg := msg.(type) {
		case *wire.Keepalive:
			l.onKeepalive(msg)
		case *wire.SessionClose:
			l.onClose(msg)
		default:
			l.handle(ctx, msg)
		}
	}

	if !l.machine.State().IsTerminal() {
		l.close(context.Background(), "shutdown")
	}
	_ = l.conn.Close()
}

// close tells the peer and moves the session to Closed.
func (l *link) close(ctx context.Context, reason string) {
	if l.machine.Admit(wire.KindSessionClose) == nil {
		msg := &wire.SessionClose{SessionID: l.machine.ID(), Reason: reason}
		if err := l.machine.Seal(msg); err == nil {
			if err := l.conn.Send(ctx, msg); err != nil {
				l.logger.Debug("failed to send SessionClose", "error", err)
			}
			l.logKeepalive(log.DirectionOut, log.KeepaliveClose, 0, reason)
		}
	}
	_ = l.machine.Close()
}

// wait blocks until run has returned.
func (l *link) wait() {
	<-l.done
}

func (l *link) sendKeepalive(ctx context.Context, seq uint32) error {
	if err := l.machine.Admit(wire.KindKeepalive); err != nil {
		return err
	}
	msg := &wire.Keepalive{SessionID: l.machine.ID(), Seq: seq, FromDevice: l.role == log.RoleDevice}
	if err := l.machine.Seal(msg); err != nil {
		return err
	}
	return l.conn.Send(ctx, msg)
}

func (l *link) onKeepalive(msg *wire.Keepalive) {
	if err := l.machine.Admit(msg.Kind()); err != nil {
		l.logger.Debug("keepalive refused", "error", err)
		return
	}
	// Checked before Verify so a reflected or replayed keepalive never
	// refreshes the inactivity window.
	if msg.FromDevice == (l.role == log.RoleDevice) {
		l.logger.Warn("keepalive rejected", "seq", msg.Seq, "error", "reflected keepalive")
		return
	}
	if !l.ka.Fresh(msg.Seq) {
		l.logger.Warn("keepalive rejected", "seq", msg.Seq, "error", transport.ErrStaleKeepalive)
		return
	}
	if err := l.machine.Verify(msg); err != nil {
		l.logger.Warn("keepalive rejected", "error", err)
		return
	}
	if err := l.ka.Received(msg.Seq); err != nil {
		l.logger.Warn("keepalive rejected", "seq", msg.Seq, "error", err)
		return
	}
	l.metrics.keepalive("in")
	l.logKeepalive(log.DirectionIn, log.KeepaliveTick, msg.Seq, "")
}

func (l *link) onClose(msg *wire.SessionClose) {
	if err := l.machine.Admit(msg.Kind()); err != nil {
		return
	}
	if err := l.machine.Verify(msg); err != nil {
		l.logger.Warn("SessionClose rejected", "error", err)
		return
	}
	l.logger.Info("peer closed session", "reason", msg.Reason)
	l.logKeepalive(log.DirectionIn, log.KeepaliveClose, 0, msg.Reason)
	_ = l.machine.Close()
}

func (l *link) logKeepalive(dir log.Direction, typ log.KeepaliveType, seq uint32, reason string) {
	l.plog.Log(log.Event{
		Timestamp:  l.clock.Now(),
		SessionID:  l.machine.ID(),
		Direction:  dir,
		Layer:      log.LayerService,
		Category:   log.CategoryKeepalive,
		LocalRole:  l.role,
		RemoteAddr: l.conn.Peer().String(),
		Keepalive:  &log.KeepaliveEvent{Type: typ, Seq: seq, Reason: reason},
	})
}
