// Package handshake implements FIXLINK session establishment.
//
// The controller (Initiator) and device (Responder) exchange four messages:
//
//	Controller                               Device
//	    |---- SessionInit{nonce, eph key} ------->|
//	    |<--- SessionAck{nonce, eph key, sig} ----|
//	    |---- SessionReady{MAC(transcript)} ----->|
//	    |<--- SessionComplete{ok, error} ---------|
//
// The ack signature is the device's long-term Ed25519 signature over
// (controller nonce, device nonce, device ephemeral key). Both sides run
// X25519 on the ephemeral keys and derive the session MAC key with
// HKDF-SHA256 (salt = controller nonce || device nonce, info = label ||
// session id). SessionReady proves the controller derived the same key.
//
// Datagrams may be lost, so the initiator retransmits each step until the
// answer arrives or the step timeout expires. The responder answers a
// retransmitted SessionInit with its cached SessionAck and rejects a
// controller nonce it has already consumed.
package handshake
