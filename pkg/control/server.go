package control

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// Handler applies an accepted operation to the fixture. The returned
// result is encoded into Acknowledge.Result; nil leaves it empty. An error
// carrying a control ErrorCode becomes a negative acknowledgment with that
// code; any other error is reported as CONTROL_PAYLOAD_INVALID.
type Handler interface {
	HandleOp(ctx context.Context, m *session.Machine, op wire.OpPayload) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m *session.Machine, op wire.OpPayload) (any, error)

// HandleOp calls f.
func (f HandlerFunc) HandleOp(ctx context.Context, m *session.Machine, op wire.OpPayload) (any, error) {
	return f(ctx, m, op)
}

// DefaultAckCacheSize is the number of recent acknowledgments a Server
// keeps for answering retransmissions.
const DefaultAckCacheSize = 2 * DefaultWindow

// answered is an acknowledgment remembered by request sequence.
type answered struct {
	mac []byte
	ack *wire.Acknowledge
}

// Server is the device side of the control channel.
type Server struct {
	m       *session.Machine
	handler Handler
	acks    *lru.Cache[uint64, answered]
	logger  *slog.Logger
}

// NewServer creates a Server for m. A nil handler accepts every
// authorized operation without side effects.
func NewServer(m *session.Machine, handler Handler, logger *slog.Logger) *Server {
	if handler == nil {
		handler = HandlerFunc(func(context.Context, *session.Machine, wire.OpPayload) (any, error) {
			return nil, nil
		})
	}
	if logger == nil {
		logger = slog.Default()
	}
	acks, _ := lru.New[uint64, answered](DefaultAckCacheSize)
	return &Server{m: m, handler: handler, acks: acks, logger: logger.With("session", m.ID())}
}

// Receive processes one ControlMessage. Admission, replay and MAC failures
// are returned as errors and must not be acknowledged; the receive
// counter is left untouched. Everything past MAC verification produces a
// sealed acknowledgment for the caller to send.
//
// A retransmission of a recently acknowledged request, recognized by its
// sequence and MAC, gets the original acknowledgment again without being
// dispatched a second time.
func (s *Server) Receive(ctx context.Context, msg *wire.ControlMessage) (*wire.Acknowledge, error) {
	if err := s.m.Admit(wire.KindControl); err != nil {
		return nil, err
	}
	if err := s.m.AcceptInbound(msg.Seq); err != nil {
		if prev, ok := s.acks.Get(msg.Seq); ok && wire.CodeOf(err) == wire.CodeSessionReplay &&
			subtle.ConstantTimeCompare(prev.mac, msg.MAC) == 1 {
			s.logger.Debug("repeating acknowledgment", "seq", msg.Seq)
			return prev.ack, nil
		}
		return nil, err
	}
	if err := s.m.Verify(msg); err != nil {
		return nil, err
	}
	if err := s.m.CommitInbound(msg.Seq); err != nil {
		return nil, err
	}

	result, err := s.dispatch(ctx, msg)
	ack := &wire.Acknowledge{SessionID: s.m.ID(), Seq: msg.Seq, OK: err == nil}
	if err != nil {
		ack.Code = controlCode(err)
		ack.Detail = detailOf(err)
		s.logger.Debug("rejecting control", "op", msg.Op, "seq", msg.Seq, "code", ack.Code)
	} else if result != nil {
		data, err := wire.Marshal(result)
		if err != nil {
			return nil, err
		}
		ack.Result = data
	}
	if err := s.m.Seal(ack); err != nil {
		return nil, err
	}
	s.acks.Add(msg.Seq, answered{mac: append([]byte(nil), msg.MAC...), ack: ack})
	return ack, nil
}

func (s *Server) dispatch(ctx context.Context, msg *wire.ControlMessage) (any, error) {
	payload, err := wire.DecodeOpPayload(msg.Op, msg.Payload)
	switch {
	case errors.Is(err, wire.ErrUnknownOp):
		return nil, wire.WrapError(wire.CodeControlUnknownOp, err)
	case err != nil:
		return nil, wire.WrapError(wire.CodeControlPayloadInvalid, err)
	}

	if err := Authorize(payload, s.m.Capabilities()); err != nil {
		return nil, err
	}

	if p, ok := payload.(wire.SetProfilePayload); ok {
		if _, err := stream.ProfileFromPayload(p); err != nil {
			return nil, wire.WrapError(wire.CodeControlPayloadInvalid, err)
		}
		if err := s.m.Negotiate(p.ConfigID); err != nil {
			return nil, wire.WrapError(wire.CodeControlUnauthorized, err)
		}
	}
	if _, ok := payload.(wire.StopStreamPayload); ok && s.m.State() == session.StateStreaming {
		if err := s.m.StopStream(); err != nil {
			return nil, wire.WrapError(wire.CodeControlUnauthorized, err)
		}
	}
	return s.handler.HandleOp(ctx, s.m, payload)
}

// Authorize checks an operation against the negotiated capabilities.
func Authorize(op wire.OpPayload, caps wire.CapabilitySet) error {
	switch p := op.(type) {
	case wire.SetChannelsPayload:
		if p.End() > int(caps.MaxChannels) {
			return wire.NewError(wire.CodeControlUnauthorized, "channels %d..%d beyond %d", p.Start, p.End()-1, caps.MaxChannels)
		}
		if !caps.SupportsFormat(wire.Format16Bit) {
			for _, v := range p.Values {
				if v > wire.Format8Bit.MaxValue() {
					return wire.NewError(wire.CodeControlUnauthorized, "16-bit values not negotiated")
				}
			}
		}
	case wire.SetGroupPayload:
		if !caps.Grouping {
			return wire.NewError(wire.CodeControlUnauthorized, "grouping not negotiated")
		}
	case wire.SetProfilePayload, wire.StopStreamPayload:
		if !caps.Streaming {
			return wire.NewError(wire.CodeControlUnauthorized, "streaming not negotiated")
		}
	}
	return nil
}

func controlCode(err error) wire.ErrorCode {
	switch code := wire.CodeOf(err); code {
	case wire.CodeControlUnknownOp, wire.CodeControlPayloadInvalid, wire.CodeControlUnauthorized:
		return code
	default:
		return wire.CodeControlPayloadInvalid
	}
}

func detailOf(err error) string {
	var pe *wire.Error
	if !errors.As(err, &pe) {
		return err.Error()
	}
	if pe.Detail != "" {
		return pe.Detail
	}
	if pe.Cause != nil {
		return pe.Cause.Error()
	}
	return ""
}
