package suite

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
)

// Signer holds a long-term Ed25519 identity key.
type Signer struct {
	priv ed25519.PrivateKey
}

// GenerateSigner creates a new identity key from r.
func GenerateSigner(r io.Reader) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// SignerFromSeed restores an identity key from its 32-byte seed.
func SignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKey, len(seed), ed25519.SeedSize)
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// SignerFromHex restores an identity key from a hex-encoded seed.
func SignerFromHex(s string) (*Signer, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return SignerFromSeed(seed)
}

// Public returns the public key.
func (s *Signer) Public() []byte {
	return []byte(s.priv.Public().(ed25519.PublicKey))
}

// Sign signs msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

func (s *Signer) String() string {
	return "Signer{" + hex.EncodeToString(s.Public()) + "}"
}
