package handshake

import (
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// Handshake timing defaults.
const (
	// DefaultStepTimeout bounds the wait for SessionAck and SessionComplete.
	DefaultStepTimeout = 5 * time.Second

	// DefaultRetransmitInterval is the wait before a step is resent.
	DefaultRetransmitInterval = 500 * time.Millisecond

	// DefaultPendingTTL is how long a responder keeps a half-open handshake.
	DefaultPendingTTL = 30 * time.Second
)

// keyLabel prefixes the HKDF info parameter.
const keyLabel = "fixlink session mac"

// deriveSessionKey turns the X25519 shared secret into the session MAC key.
func deriveSessionKey(s suite.Suite, eph *suite.Ephemeral, peerPub, cNonce, dNonce []byte, sessionID string) ([]byte, error) {
	shared, err := eph.Shared(peerPub)
	if err != nil {
		return nil, wire.WrapError(wire.CodeHandshakeKeyDerivationFailed, err)
	}
	defer clear(shared)

	salt := make([]byte, 0, len(cNonce)+len(dNonce))
	salt = append(salt, cNonce...)
	salt = append(salt, dNonce...)
	info := append([]byte(keyLabel), sessionID...)

	key, err := s.DeriveKey(shared, salt, info)
	if err != nil {
		return nil, wire.WrapError(wire.CodeHandshakeKeyDerivationFailed, err)
	}
	return key, nil
}
