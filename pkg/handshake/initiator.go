package handshake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fixlink-protocol/fixlink-go/pkg/nonce"
	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// InitiatorConfig configures the controller side of the handshake.
type InitiatorConfig struct {
	// Suite provides randomness, key agreement and MACs.
	Suite suite.Suite

	// ControllerID identifies this controller to devices.
	ControllerID string

	// Signer holds the controller's long-term identity key. When set,
	// SessionReady carries the public key and a signature over the
	// transcript. Nil sends unsigned readies.
	Signer *suite.Signer

	StepTimeout        time.Duration
	RetransmitInterval time.Duration

	// Clock drives step timeouts and retransmission. Nil uses the wall clock.
	Clock clock.Clock

	// DeviceNonces tracks device nonces already consumed. Nil creates a
	// private cache.
	DeviceNonces *nonce.Cache

	Logger *slog.Logger
}

// Initiator runs the controller side of the handshake.
type Initiator struct {
	config InitiatorConfig
	nonces *nonce.Cache
	logger *slog.Logger
}

// NewInitiator creates an Initiator.
func NewInitiator(config InitiatorConfig) *Initiator {
	if config.Suite == nil {
		config.Suite = suite.New()
	}
	if config.StepTimeout <= 0 {
		config.StepTimeout = DefaultStepTimeout
	}
	if config.RetransmitInterval <= 0 {
		config.RetransmitInterval = DefaultRetransmitInterval
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	nonces := config.DeviceNonces
	if nonces == nil {
		nonces = nonce.NewCache(0, 0)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{config: config, nonces: nonces, logger: logger}
}

// Handshake authenticates the device identified by identity over conn and
// installs the session key in m. conn must already be routed for m.ID().
// identity.PublicKey is the device's long-term key learned at discovery.
//
// On success m is Authenticated. Every failure except cancellation leaves
// m Failed with the returned error.
func (i *Initiator) Handshake(ctx context.Context, conn transport.Conn, m *session.Machine, identity wire.DeviceIdentity, requested wire.CapabilitySet) error {
	if len(identity.PublicKey) == 0 {
		return fmt.Errorf("device %q has no known public key", identity.DeviceID)
	}
	if err := m.BeginHandshake(); err != nil {
		return err
	}

	cNonce, err := i.config.Suite.RandomBytes(suite.NonceSize)
	if err != nil {
		return i.fail(m, wire.WrapError(wire.CodeHandshakeKeyDerivationFailed, err))
	}
	eph, err := i.config.Suite.NewEphemeral()
	if err != nil {
		return i.fail(m, wire.WrapError(wire.CodeHandshakeKeyDerivationFailed, err))
	}
	defer eph.Destroy()

	init := &wire.SessionInit{
		SessionID:    m.ID(),
		ControllerID: i.config.ControllerID,
		Nonce:        cNonce,
		PublicKey:    eph.Public(),
		Requested:    requested,
	}
	reply, err := i.exchange(ctx, conn, m, init, wire.KindSessionAck)
	if err != nil {
		return i.fail(m, err)
	}
	if complete, ok := reply.(*wire.SessionComplete); ok {
		return i.fail(m, rejection(complete))
	}
	ack := reply.(*wire.SessionAck)

	if ack.Identity.DeviceID != identity.DeviceID || !bytes.Equal(ack.Identity.PublicKey, identity.PublicKey) {
		return i.fail(m, wire.NewError(wire.CodeHandshakeSignatureInvalid, "ack identity %q does not match %q", ack.Identity.DeviceID, identity.DeviceID))
	}
	signed, err := wire.AckSignedBytes(cNonce, ack.Nonce, ack.PublicKey)
	if err != nil {
		return i.fail(m, wire.WrapError(wire.CodeHandshakeSignatureInvalid, err))
	}
	if !i.config.Suite.Verify(identity.PublicKey, signed, ack.Signature) {
		return i.fail(m, wire.NewError(wire.CodeHandshakeSignatureInvalid, "ack signature from %q", identity.DeviceID))
	}
	if !i.nonces.Consume(identity.DeviceID, ack.Nonce) {
		return i.fail(m, wire.NewError(wire.CodeHandshakeReplay, "device nonce from %q already consumed", identity.DeviceID))
	}

	key, err := deriveSessionKey(i.config.Suite, eph, ack.PublicKey, cNonce, ack.Nonce, m.ID())
	if err != nil {
		return i.fail(m, err)
	}
	transcript, err := wire.TranscriptBytes(cNonce, ack.Nonce, init.PublicKey, ack.PublicKey, m.ID())
	if err != nil {
		return i.fail(m, wire.WrapError(wire.CodeHandshakeKeyDerivationFailed, err))
	}

	ready := &wire.SessionReady{SessionID: m.ID(), MAC: i.config.Suite.MAC(key, transcript)}
	if signer := i.config.Signer; signer != nil {
		signed, err := wire.ReadySignedBytes(i.config.ControllerID, transcript)
		if err != nil {
			return i.fail(m, wire.WrapError(wire.CodeHandshakeKeyDerivationFailed, err))
		}
		ready.IdentityKey = signer.Public()
		ready.Signature = signer.Sign(signed)
	}
	reply, err = i.exchange(ctx, conn, m, ready, wire.KindSessionComplete)
	if err != nil {
		return i.fail(m, err)
	}
	complete := reply.(*wire.SessionComplete)
	if !complete.OK {
		return i.fail(m, rejection(complete))
	}

	caps := requested.Intersect(ack.Capabilities)
	if err := m.Authenticate(key, caps, ack.Identity); err != nil {
		return i.fail(m, err)
	}
	clear(key)
	i.logger.Info("session established", "session", m.ID(), "device", identity.DeviceID)
	return nil
}

func rejection(complete *wire.SessionComplete) error {
	code := complete.Error
	if code == wire.CodeNone {
		code = wire.CodeSessionInvalidToken
	}
	return wire.NewError(code, "device rejected handshake")
}

// exchange sends out and waits for a reply of kind want, resending out
// every retransmit interval until the step timeout expires. A negative
// SessionComplete ends any step.
func (i *Initiator) exchange(ctx context.Context, conn transport.Conn, m *session.Machine, out wire.Message, want wire.Kind) (wire.Message, error) {
	stepCtx, cancel := i.config.Clock.WithTimeout(ctx, i.config.StepTimeout)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-m.Done():
			cancel()
		case <-stop:
		}
	}()

	for {
		if err := conn.Send(stepCtx, out); err != nil {
			return nil, i.waitError(ctx, stepCtx, m, err)
		}

		attemptCtx, attemptCancel := i.config.Clock.WithTimeout(stepCtx, i.config.RetransmitInterval)
		msg, err := i.await(attemptCtx, conn, want)
		attemptCancel()
		if err == nil {
			return msg, nil
		}
		if stepCtx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			i.logger.Debug("retransmitting", "kind", out.Kind(), "session", m.ID())
			continue
		}
		return nil, i.waitError(ctx, stepCtx, m, err)
	}
}

func (i *Initiator) await(ctx context.Context, conn transport.Conn, want wire.Kind) (wire.Message, error) {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Kind() == want {
			return msg, nil
		}
		if c, ok := msg.(*wire.SessionComplete); ok && !c.OK {
			return c, nil
		}
		i.logger.Debug("ignoring message during handshake", "kind", msg.Kind(), "want", want)
	}
}

func (i *Initiator) waitError(parent, step context.Context, m *session.Machine, err error) error {
	switch {
	case m.State().IsTerminal():
		if cause := m.Err(); cause != nil {
			return cause
		}
		return wire.NewError(wire.CodeSessionClosed, "session closed during handshake")
	case parent.Err() != nil:
		return wire.WrapError(wire.CodeSessionClosed, parent.Err())
	case errors.Is(step.Err(), context.DeadlineExceeded):
		return wire.NewTimeoutError(wire.CodeHandshakeTimeout, "no reply within %s", i.config.StepTimeout)
	case errors.Is(err, transport.ErrConnClosed):
		return wire.WrapError(wire.CodeSessionClosed, err)
	default:
		return fmt.Errorf("handshake transport error: %w", err)
	}
}

// fail moves m to Failed unless the handshake was cancelled or closed.
func (i *Initiator) fail(m *session.Machine, err error) error {
	if wire.CodeOf(err) == wire.CodeSessionClosed {
		m.Close()
		return err
	}
	m.Fail(err)
	i.logger.Warn("handshake failed", "session", m.ID(), "error", err)
	return err
}
