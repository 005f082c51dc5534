package suite

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Sizes of the primitives.
const (
	// NonceSize is the nonce length used in discovery and handshake (256 bits).
	NonceSize = 32

	// KeySize is the derived session MAC key length.
	KeySize = 32

	// MACSize is the HMAC-SHA256 tag length.
	MACSize = sha256.Size

	// EphemeralKeySize is the X25519 key length.
	EphemeralKeySize = curve25519.PointSize
)

// Suite errors.
var (
	ErrKeyDerivation   = errors.New("key derivation failed")
	ErrInvalidKey      = errors.New("invalid key")
	ErrEphemeralClosed = errors.New("ephemeral key destroyed")
)

// Suite is the crypto collaborator: signature verification, MAC, key
// derivation, randomness and ephemeral key agreement.
type Suite interface {
	// Verify checks an Ed25519 signature made by the holder of pub.
	Verify(pub, msg, sig []byte) bool

	// MAC computes the authentication tag of msg under key.
	MAC(key, msg []byte) []byte

	// VerifyMAC compares tag against the MAC of msg in constant time.
	VerifyMAC(key, msg, tag []byte) bool

	// DeriveKey derives a KeySize session key from secret material.
	DeriveKey(secret, salt, info []byte) ([]byte, error)

	// RandomBytes returns n bytes from the suite's random source.
	RandomBytes(n int) ([]byte, error)

	// NewEphemeral generates an X25519 key pair for one handshake.
	NewEphemeral() (*Ephemeral, error)
}

// Standard is the production Suite.
type Standard struct {
	mu   sync.Mutex
	rand io.Reader
}

// New returns a Suite backed by crypto/rand.
func New() *Standard {
	return &Standard{rand: rand.Reader}
}

// NewWithRand returns a Suite drawing randomness from r.
func NewWithRand(r io.Reader) *Standard {
	return &Standard{rand: r}
}

// NewDeterministic returns a Suite whose random source is a ChaCha20
// keystream seeded from seed. Only for tests.
func NewDeterministic(seed string) *Standard {
	key := sha256.Sum256([]byte(seed))
	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		panic(fmt.Sprintf("failed to seed deterministic suite: %v", err))
	}
	return &Standard{rand: &keystream{c: c}}
}

// keystream turns a stream cipher into an io.Reader.
type keystream struct {
	c *chacha20.Cipher
}

func (k *keystream) Read(p []byte) (int, error) {
	clear(p)
	k.c.XORKeyStream(p, p)
	return len(p), nil
}

// Verify checks an Ed25519 signature.
func (s *Standard) Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// MAC computes HMAC-SHA256.
func (s *Standard) MAC(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

// VerifyMAC checks an HMAC-SHA256 tag in constant time.
func (s *Standard) VerifyMAC(key, msg, tag []byte) bool {
	if len(tag) != MACSize {
		return false
	}
	return hmac.Equal(s.MAC(key, msg), tag)
}

// DeriveKey runs HKDF-SHA256 over the secret.
func (s *Standard) DeriveKey(secret, salt, info []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrKeyDerivation)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return key, nil
}

// RandomBytes reads n bytes from the random source.
func (s *Standard) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.ReadFull(s.rand, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// NewEphemeral generates an X25519 key pair.
func (s *Standard) NewEphemeral() (*Ephemeral, error) {
	priv, err := s.RandomBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute public key: %w", err)
	}
	return &Ephemeral{priv: priv, pub: pub}, nil
}

// Compile-time interface satisfaction check.
var _ Suite = (*Standard)(nil)
