// Package transport provides the FIXLINK datagram layer.
//
// FIXLINK runs over an unreliable, unordered datagram service. The layer
// handles:
//   - the Datagram interface with UDP and in-memory implementations
//   - a Mux that decodes datagrams and routes them to per-session conns
//   - a keepalive monitor that emits authenticated liveness messages
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│  Control / Stream / Keepalive  │
//	├────────────────────────────────┤
//	│     CBOR messages (pkg/wire)   │
//	├────────────────────────────────┤
//	│   Datagram (≤ 1200 bytes)      │
//	├────────────────────────────────┤
//	│           UDP                  │
//	└────────────────────────────────┘
//
// Nothing in this package retransmits or reorders; reliability for
// control traffic lives in pkg/control and pkg/handshake.
package transport
