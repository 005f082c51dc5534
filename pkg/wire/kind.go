package wire

// Kind identifies the message type carried in an envelope.
type Kind uint8

const (
	KindUnknown Kind = 0

	// Discovery (no session)
	KindDiscoveryRequest Kind = 1
	KindDiscoveryReply   Kind = 2

	// Handshake
	KindSessionInit     Kind = 10
	KindSessionAck      Kind = 11
	KindSessionReady    Kind = 12
	KindSessionComplete Kind = 13

	// Control channel
	KindControl     Kind = 20
	KindAcknowledge Kind = 21

	// Stream channel
	KindFrame Kind = 30

	// Liveness and teardown
	KindKeepalive    Kind = 40
	KindSessionClose Kind = 41
)

// AllKinds lists every defined message kind in wire order.
var AllKinds = []Kind{
	KindDiscoveryRequest,
	KindDiscoveryReply,
	KindSessionInit,
	KindSessionAck,
	KindSessionReady,
	KindSessionComplete,
	KindControl,
	KindAcknowledge,
	KindFrame,
	KindKeepalive,
	KindSessionClose,
}

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindDiscoveryRequest:
		return "DISCOVERY_REQUEST"
	case KindDiscoveryReply:
		return "DISCOVERY_REPLY"
	case KindSessionInit:
		return "SESSION_INIT"
	case KindSessionAck:
		return "SESSION_ACK"
	case KindSessionReady:
		return "SESSION_READY"
	case KindSessionComplete:
		return "SESSION_COMPLETE"
	case KindControl:
		return "CONTROL"
	case KindAcknowledge:
		return "ACKNOWLEDGE"
	case KindFrame:
		return "FRAME"
	case KindKeepalive:
		return "KEEPALIVE"
	case KindSessionClose:
		return "SESSION_CLOSE"
	default:
		return "UNKNOWN"
	}
}

// IsDiscovery returns true for the unauthenticated discovery kinds.
func (k Kind) IsDiscovery() bool {
	return k == KindDiscoveryRequest || k == KindDiscoveryReply
}

// IsHandshake returns true for the four handshake kinds.
func (k Kind) IsHandshake() bool {
	return k >= KindSessionInit && k <= KindSessionComplete
}
