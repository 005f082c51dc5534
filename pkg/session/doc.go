// Package session implements the FIXLINK session state machine.
//
// A Machine is the single owner of a session's mutable context: state,
// MAC key, per-direction sequence counters, last-seen time, negotiated
// capabilities and peer identity. The control and stream channels borrow
// it to authenticate messages and advance counters; they never touch the
// counters directly.
//
// # Lifecycle
//
//	Init ──BeginHandshake──► Handshake ──HandshakeOK──► Authenticated
//	                                                        │
//	                                                   Negotiated
//	                                                        ▼
//	                         Streaming ◄──StreamStart──── Ready
//	                             └───────StreamStop───────►┘
//
// Any non-terminal state moves to Failed on an unrecoverable error and to
// Closed on an explicit close. Failed and Closed are absorbing.
//
// # Admission
//
// Admit decides which message kinds a state accepts. Control, acknowledge,
// keepalive and close messages need an authenticated session; frames need
// Ready or Streaming; terminal states reject everything with
// SESSION_EXPIRED.
package session
