package discovery

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the first 128 bits of SHA-256(public key), hex encoded.
func Fingerprint(publicKey []byte) string {
	hash := sha256.Sum256(publicKey)
	return hex.EncodeToString(hash[:FingerprintLength/2])
}

// ValidFingerprint checks that s is a lowercase hex fingerprint.
func ValidFingerprint(s string) bool {
	if len(s) != FingerprintLength {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
