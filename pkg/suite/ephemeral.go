package suite

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Ephemeral is a single-use X25519 key pair.
type Ephemeral struct {
	priv      []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) GoString() string {
	return "suite.Ephemeral{REDACTED}"
}

// Public returns a copy of the public key.
func (e *Ephemeral) Public() []byte {
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out
}

// Shared computes the X25519 shared secret with the peer's public key.
// Low-order peer points produce an all-zero secret and are rejected.
func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, ErrEphemeralClosed
	}
	if len(peerPub) != EphemeralKeySize {
		return nil, fmt.Errorf("%w: peer key is %d bytes", ErrInvalidKey, len(peerPub))
	}
	shared, err := curve25519.X25519(e.priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return shared, nil
}

// Destroy zeroes the private key.
func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	clear(e.priv)
	e.priv = nil
	e.destroyed = true
}
