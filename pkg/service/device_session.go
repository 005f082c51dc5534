package service

import (
	"context"
	"errors"
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/control"
	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// deviceSession is the device end of one established session.
type deviceSession struct {
	*link
	svc      *DeviceService
	server   *control.Server
	receiver *stream.Receiver
}

var _ control.Handler = (*deviceSession)(nil)

func newDeviceSession(svc *DeviceService, m *session.Machine, conn *transport.PeerConn) *deviceSession {
	cfg := svc.config
	ds := &deviceSession{svc: svc}
	ds.link = newLink(log.RoleDevice, m, conn, cfg.KeepaliveInterval, cfg.Clock, cfg.Metrics, cfg.ProtocolLogger, svc.logger)
	ds.link.handle = ds.handle
	ds.server = control.NewServer(m, ds, svc.logger)
	ds.receiver = stream.NewReceiver(m, ds.onFrame, svc.logger)
	return ds
}

func (ds *deviceSession) handle(ctx context.Context, msg wire.Message) {
	switch msg := msg.(type) {
	case *wire.ControlMessage:
		ack, err := ds.server.Receive(ctx, msg)
		if err != nil {
			ds.logger.Debug("control message dropped", "seq", msg.Seq, "error", err)
			return
		}
		ds.metrics.control(roleDevice, msg.Op, ackError(ack))
		if err := ds.conn.Send(ctx, ack); err != nil {
			ds.logger.Debug("failed to send ack", "seq", ack.Seq, "error", err)
		}

	case *wire.FrameMessage:
		err := ds.receiver.Accept(msg)
		ds.metrics.frameReceived(err)
		if err != nil && !errors.Is(err, stream.ErrStaleFrame) {
			ds.logger.Debug("frame refused", "error", err)
		}

	case *wire.SessionReady:
		// The controller missed SessionComplete and retransmitted.
		_, complete, err := ds.svc.handshake.HandleReady(msg)
		if err != nil || complete == nil {
			return
		}
		if err := ds.conn.Send(ctx, complete); err != nil {
			ds.logger.Debug("failed to resend SessionComplete", "error", err)
		}

	default:
		ds.logger.Debug("unexpected message", "kind", msg.Kind())
	}
}

// HandleOp applies an operation to the fixture, then hands it to the
// configured handler.
func (ds *deviceSession) HandleOp(ctx context.Context, m *session.Machine, op wire.OpPayload) (any, error) {
	svc := ds.svc
	var result any

	switch p := op.(type) {
	case wire.IdentifyPayload:
		d := time.Duration(p.DurationMillis) * time.Millisecond
		if err := svc.identify(m.ID(), d); err != nil {
			return nil, wire.WrapError(wire.CodeControlPayloadInvalid, err)
		}
	case wire.SetChannelsPayload:
		svc.setChannels(int(p.Start), p.Values)
	case wire.SetGroupPayload:
		svc.setGroup(p.Group, p.Values)
	case wire.ResetPayload:
		svc.reset()
		svc.effects.CancelSession(m.ID())
	case wire.QueryStatusPayload:
		stats := ds.receiver.Stats()
		result = &wire.StatusReport{
			State:           m.State().String(),
			ProfileID:       m.ProfileID(),
			FramesReceived:  stats.Accepted,
			LastFrameMicros: stats.LastFrameMicros,
		}
	case wire.SetProfilePayload:
		svc.emitEvent(Event{Type: EventProfileNegotiated, SessionID: m.ID(), DeviceID: m.Peer().DeviceID, ProfileID: p.ConfigID})
	}

	if h := svc.config.Handler; h != nil {
		r, err := h.HandleOp(ctx, m, op)
		if err != nil {
			return nil, err
		}
		if r != nil {
			result = r
		}
	}
	return result, nil
}

func (ds *deviceSession) onFrame(f *wire.FrameMessage) {
	ds.svc.setChannels(0, f.Values)
	for name, values := range f.Groups {
		ds.svc.setGroup(name, values)
	}
	if fn := ds.svc.config.OnFrame; fn != nil {
		fn(f)
	}
}

// ackError turns a negative acknowledgment into an error for metrics.
func ackError(ack *wire.Acknowledge) error {
	if ack.OK {
		return nil
	}
	return wire.NewError(ack.Code, "%s", ack.Detail)
}
