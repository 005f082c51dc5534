// Package wire defines the CBOR wire format types for the FIXLINK protocol.
//
// FIXLINK uses CBOR (RFC 8949) with integer keys for efficient encoding.
// Every message travels in its own datagram, wrapped in a two-key envelope
// that names the message kind and carries the encoded body.
//
// # Message Kinds
//
// Messages fall into four groups:
//   - Discovery: DiscoveryRequest, DiscoveryReply (unauthenticated probe, signed reply)
//   - Handshake: SessionInit, SessionAck, SessionReady, SessionComplete
//   - Control: ControlMessage, Acknowledge (sequenced, MAC-authenticated)
//   - Streaming and liveness: FrameMessage, Keepalive, SessionClose
//
// # Authentication Bytes
//
// Authenticated messages expose AuthBytes, the canonical CBOR encoding of
// the fields covered by the MAC or signature. Canonical (sorted, definite
// length) encoding makes these bytes identical on both endpoints.
//
// # Required Fields
//
// Decode rejects messages missing a required field with ErrMissingField.
// This is a decode-level failure, not a protocol error code.
package wire
