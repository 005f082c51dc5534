// Package control implements the FIXLINK control channel: sequenced,
// MAC-authenticated operations answered by MAC-authenticated
// acknowledgments.
//
// The controller side (Client) assigns each request the session's next
// outbound sequence number and waits for the Acknowledge carrying the
// same number. Several requests may be outstanding, bounded by a window;
// acknowledgments are matched by sequence and may arrive in any order.
//
// The device side (Server) processes each ControlMessage in a fixed order:
//
//	admit -> replay check -> MAC verify -> commit seq -> decode op
//	      -> payload schema -> capability gate -> handler
//
// Replay and MAC failures are returned as errors and produce no
// acknowledgment; a MAC failure also fails the session. Control errors
// (unknown op, invalid payload, unauthorized) become negative
// acknowledgments and leave the session usable.
package control
