package handshake

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fixlink-protocol/fixlink-go/pkg/discovery"
	"github.com/fixlink-protocol/fixlink-go/pkg/nonce"
	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// maxPending bounds the number of half-open handshakes a responder holds.
const maxPending = 64

// ResponderConfig configures the device side of the handshake.
type ResponderConfig struct {
	Suite suite.Suite

	// Signer holds the device's long-term identity key.
	Signer *suite.Signer

	// Identity is announced in SessionAck. Its PublicKey must match Signer.
	Identity wire.DeviceIdentity

	// Capabilities are offered in SessionAck.
	Capabilities wire.CapabilitySet

	// PendingTTL bounds how long a half-open handshake is kept.
	PendingTTL time.Duration

	// Controllers admits only controllers whose id is pinned to the
	// identity key that signed SessionReady. Nil admits any controller.
	Controllers *discovery.PinSet

	// RequireControllerSignature rejects unsigned SessionReady messages.
	// Setting Controllers implies it.
	RequireControllerSignature bool

	// Session is the template for machines created by HandleInit.
	// SessionID is overwritten with the controller's id.
	Session session.Config

	Logger *slog.Logger
}

type pending struct {
	machine    *session.Machine
	init       *wire.SessionInit
	ack        *wire.SessionAck
	key        []byte
	transcript []byte
	caps       wire.CapabilitySet
}

// Responder runs the device side of the handshake. It is safe for
// concurrent use.
type Responder struct {
	config ResponderConfig
	logger *slog.Logger

	mu        sync.Mutex
	nonces    *nonce.Cache
	pending   *expirable.LRU[string, *pending]
	completed *expirable.LRU[string, *wire.SessionComplete]
}

// NewResponder creates a Responder.
func NewResponder(config ResponderConfig) (*Responder, error) {
	if config.Signer == nil {
		return nil, fmt.Errorf("responder requires an identity signer")
	}
	if config.Identity.DeviceID == "" {
		return nil, fmt.Errorf("responder requires a device id")
	}
	if len(config.Identity.PublicKey) == 0 {
		config.Identity.PublicKey = config.Signer.Public()
	}
	if !bytes.Equal(config.Identity.PublicKey, config.Signer.Public()) {
		return nil, fmt.Errorf("identity public key does not match signer")
	}
	if config.Suite == nil {
		config.Suite = suite.New()
	}
	if config.PendingTTL <= 0 {
		config.PendingTTL = DefaultPendingTTL
	}
	if config.Session.Suite == nil {
		config.Session.Suite = config.Suite
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Responder{
		config:    config,
		logger:    logger,
		nonces:    nonce.NewCache(0, 0),
		completed: expirable.NewLRU[string, *wire.SessionComplete](maxPending, nil, config.PendingTTL),
	}
	r.pending = expirable.NewLRU[string, *pending](maxPending, func(_ string, p *pending) {
		if p.machine.State() == session.StateHandshake {
			p.machine.Fail(wire.NewTimeoutError(wire.CodeHandshakeTimeout, "no SessionReady"))
		}
		clear(p.key)
	}, config.PendingTTL)
	return r, nil
}

// Identity returns the identity announced in acks.
func (r *Responder) Identity() wire.DeviceIdentity {
	return r.config.Identity
}

// HandleInit answers a SessionInit. A retransmitted init for a pending
// session gets the same ack. A controller nonce already consumed is
// rejected with HANDSHAKE_REPLAY; the caller should answer with
// SessionComplete{ok: false}.
func (r *Responder) HandleInit(init *wire.SessionInit) (*wire.SessionAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pending.Get(init.SessionID); ok {
		if bytes.Equal(p.init.Nonce, init.Nonce) && bytes.Equal(p.init.PublicKey, init.PublicKey) {
			return p.ack, nil
		}
		return nil, wire.NewError(wire.CodeHandshakeReplay, "session %s already pending", init.SessionID)
	}
	if _, done := r.completed.Get(init.SessionID); done {
		return nil, wire.NewError(wire.CodeHandshakeReplay, "session %s already established", init.SessionID)
	}
	if len(init.Nonce) < suite.NonceSize {
		return nil, wire.NewError(wire.CodeHandshakeKeyDerivationFailed, "controller nonce is %d bytes", len(init.Nonce))
	}
	if !r.nonces.Consume(init.ControllerID, init.Nonce) {
		return nil, wire.NewError(wire.CodeHandshakeReplay, "controller nonce from %q already consumed", init.ControllerID)
	}

	cfg := r.config.Session
	cfg.SessionID = init.SessionID
	m := session.New(cfg)
	if err := m.BeginHandshake(); err != nil {
		return nil, err
	}

	dNonce, err := r.config.Suite.RandomBytes(suite.NonceSize)
	if err != nil {
		return nil, r.fail(m, wire.WrapError(wire.CodeHandshakeKeyDerivationFailed, err))
	}
	eph, err := r.config.Suite.NewEphemeral()
	if err != nil {
		return nil, r.fail(m, wire.WrapError(wire.CodeHandshakeKeyDerivationFailed, err))
	}
	defer eph.Destroy()

	key, err := deriveSessionKey(r.config.Suite, eph, init.PublicKey, init.Nonce, dNonce, init.SessionID)
	if err != nil {
		return nil, r.fail(m, err)
	}

	dPub := eph.Public()
	signed, err := wire.AckSignedBytes(init.Nonce, dNonce, dPub)
	if err != nil {
		return nil, r.fail(m, wire.WrapError(wire.CodeHandshakeKeyDerivationFailed, err))
	}
	transcript, err := wire.TranscriptBytes(init.Nonce, dNonce, init.PublicKey, dPub, init.SessionID)
	if err != nil {
		return nil, r.fail(m, wire.WrapError(wire.CodeHandshakeKeyDerivationFailed, err))
	}

	ack := &wire.SessionAck{
		SessionID:    init.SessionID,
		Nonce:        dNonce,
		PublicKey:    dPub,
		Identity:     r.config.Identity,
		Capabilities: r.config.Capabilities,
		Signature:    r.config.Signer.Sign(signed),
	}
	r.pending.Add(init.SessionID, &pending{
		machine:    m,
		init:       init,
		ack:        ack,
		key:        key,
		transcript: transcript,
		caps:       init.Requested.Intersect(r.config.Capabilities),
	})
	return ack, nil
}

// HandleReady verifies the controller's transcript MAC and identity
// signature. On success it returns the Authenticated machine and a
// positive SessionComplete. A bad MAC, a bad or missing signature, or a
// controller outside the allowlist fails the machine and returns
// SessionComplete{ok: false} with HANDSHAKE_SIGNATURE_INVALID alongside
// the error. A retransmitted ready for an established session returns the
// cached complete and a nil machine.
func (r *Responder) HandleReady(ready *wire.SessionReady) (*session.Machine, *wire.SessionComplete, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.completed.Get(ready.SessionID); ok {
		return nil, c, nil
	}
	p, ok := r.pending.Peek(ready.SessionID)
	if !ok {
		err := wire.NewError(wire.CodeSessionInvalidToken, "no pending handshake for %s", ready.SessionID)
		return nil, &wire.SessionComplete{SessionID: ready.SessionID, Error: wire.CodeSessionInvalidToken}, err
	}
	// Removal runs the eviction callback, so the machine must have left
	// StateHandshake first.
	defer r.pending.Remove(ready.SessionID)

	if !r.config.Suite.VerifyMAC(p.key, p.transcript, ready.MAC) {
		err := r.fail(p.machine, wire.NewError(wire.CodeHandshakeSignatureInvalid, "SessionReady MAC mismatch"))
		complete := &wire.SessionComplete{SessionID: ready.SessionID, Error: wire.CodeHandshakeSignatureInvalid}
		r.completed.Add(ready.SessionID, complete)
		return nil, complete, err
	}

	if err := r.authenticateController(p, ready); err != nil {
		err = r.fail(p.machine, err)
		complete := &wire.SessionComplete{SessionID: ready.SessionID, Error: wire.CodeHandshakeSignatureInvalid}
		r.completed.Add(ready.SessionID, complete)
		return nil, complete, err
	}

	peer := wire.DeviceIdentity{DeviceID: p.init.ControllerID, PublicKey: ready.IdentityKey}
	if err := p.machine.Authenticate(p.key, p.caps, peer); err != nil {
		r.fail(p.machine, err)
		return nil, &wire.SessionComplete{SessionID: ready.SessionID, Error: wire.CodeSessionInvalidToken}, err
	}

	complete := &wire.SessionComplete{SessionID: ready.SessionID, OK: true}
	r.completed.Add(ready.SessionID, complete)
	r.logger.Info("session established", "session", ready.SessionID, "controller", p.init.ControllerID)
	return p.machine, complete, nil
}

func (r *Responder) authenticateController(p *pending, ready *wire.SessionReady) error {
	id := p.init.ControllerID
	if !ready.Signed() {
		if r.config.RequireControllerSignature || r.config.Controllers != nil {
			return wire.NewError(wire.CodeHandshakeSignatureInvalid, "controller %q did not sign SessionReady", id)
		}
		return nil
	}

	signed, err := wire.ReadySignedBytes(id, p.transcript)
	if err != nil {
		return wire.WrapError(wire.CodeHandshakeSignatureInvalid, err)
	}
	if !r.config.Suite.Verify(ready.IdentityKey, signed, ready.Signature) {
		return wire.NewError(wire.CodeHandshakeSignatureInvalid, "controller %q signature does not verify", id)
	}
	if r.config.Controllers == nil {
		return nil
	}
	want, ok := r.config.Controllers.Lookup(id)
	if !ok {
		return wire.NewError(wire.CodeHandshakeSignatureInvalid, "controller %q not authorized", id)
	}
	if got := discovery.Fingerprint(ready.IdentityKey); got != want {
		return wire.NewError(wire.CodeHandshakeSignatureInvalid, "controller %q key %s is not the pinned %s", id, got, want)
	}
	return nil
}

// Pending returns the number of half-open handshakes.
func (r *Responder) Pending() int {
	return r.pending.Len()
}

func (r *Responder) fail(m *session.Machine, err error) error {
	m.Fail(err)
	r.logger.Warn("handshake failed", "session", m.ID(), "error", err)
	return err
}
