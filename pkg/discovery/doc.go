// Package discovery implements FIXLINK device discovery.
//
// Discovery has two layers:
//
// # Locating devices (mDNS/DNS-SD)
//
// Devices advertise the service type _fixlink._udp. The instance name is
// the device id; TXT records carry:
//
//	id   device id
//	mf   manufacturer id
//	md   model id
//	fw   firmware revision (optional)
//	ver  protocol version
//	fp   public key fingerprint (first 128 bits of SHA-256, hex)
//
// mDNS only tells a controller where to probe. Nothing learned from it is
// trusted.
//
// # Probing (signed exchange)
//
// The controller sends an unsigned DiscoveryRequest carrying a fresh
// 32-byte client nonce. The device answers with a DiscoveryReply signed
// with its long-term Ed25519 key over every field except the signature.
// The controller checks, in order:
//
//	pinned key      DISCOVERY_INVALID_SIGNATURE
//	signature       DISCOVERY_INVALID_SIGNATURE
//	client nonce    DISCOVERY_NONCE_MISMATCH
//	version         DISCOVERY_UNSUPPORTED_VERSION
//	server nonce    DISCOVERY_NONCE_MISMATCH (seen before from this device)
//
// # Pairing labels
//
// A fixture may carry a printed label of the form
//
//	FIXLINK:<version>:<device id>:<fingerprint>
//
// which a controller loads into a PinSet to pin the device's key.
package discovery
