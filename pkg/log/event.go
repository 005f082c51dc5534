package log

import (
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// Event is a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the session (empty during discovery).
	SessionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// LocalRole indicates whether this is a device or controller.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer datagram address.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// DeviceID is the device identifier once discovery has run.
	DeviceID string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Datagram    *DatagramEvent    `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Keepalive   *KeepaliveEvent   `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the datagram layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the message encoding layer (decoded CBOR).
	LayerWire Layer = 1
	// LayerSession is the handshake and session state layer.
	LayerSession Layer = 2
	// LayerService is the controller/device orchestration layer.
	LayerService Layer = 3
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerSession:
		return "SESSION"
	case LayerService:
		return "SERVICE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryMessage   Category = 0
	CategoryKeepalive Category = 1
	CategoryState     Category = 2
	CategoryError     Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryKeepalive:
		return "KEEPALIVE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role indicates whether the local endpoint is a device or controller.
type Role uint8

const (
	RoleDevice     Role = 0
	RoleController Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "DEVICE"
	case RoleController:
		return "CONTROLLER"
	default:
		return "UNKNOWN"
	}
}

// MaxCapturedBytes bounds the raw bytes kept in a DatagramEvent.
const MaxCapturedBytes = 256

// DatagramEvent captures raw datagram bytes at the transport layer.
type DatagramEvent struct {
	// Size is the datagram size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the raw datagram (truncated to MaxCapturedBytes).
	Data []byte `cbor:"2,keyasint,omitempty"`

	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// NewDatagramEvent captures data, truncating it if needed.
func NewDatagramEvent(data []byte) *DatagramEvent {
	ev := &DatagramEvent{Size: len(data)}
	n := len(data)
	if n > MaxCapturedBytes {
		n = MaxCapturedBytes
		ev.Truncated = true
	}
	ev.Data = append([]byte(nil), data[:n]...)
	return ev
}

// MessageEvent captures a decoded protocol message at the wire layer.
type MessageEvent struct {
	Kind wire.Kind `cbor:"1,keyasint"`

	// Seq is the control sequence number (control and acknowledge only).
	Seq uint64 `cbor:"2,keyasint,omitempty"`

	// Op is the control operation (control only).
	Op *wire.OpCode `cbor:"3,keyasint,omitempty"`

	// OK reports the outcome (acknowledge and session complete only).
	OK *bool `cbor:"4,keyasint,omitempty"`

	// Code is the carried error code, if any.
	Code *wire.ErrorCode `cbor:"5,keyasint,omitempty"`

	// Channels is the channel count of a frame.
	Channels int `cbor:"6,keyasint,omitempty"`

	// ProcessingTime is the duration from request receipt to ack send (acks only).
	ProcessingTime *time.Duration `cbor:"7,keyasint,omitempty"`
}

// NewMessageEvent summarizes msg for logging. MACs and payloads are not captured.
func NewMessageEvent(msg wire.Message) *MessageEvent {
	ev := &MessageEvent{Kind: msg.Kind()}
	switch m := msg.(type) {
	case *wire.ControlMessage:
		op := m.Op
		ev.Seq = m.Seq
		ev.Op = &op
	case *wire.Acknowledge:
		ok := m.OK
		ev.Seq = m.Seq
		ev.OK = &ok
		if m.Code != wire.CodeNone {
			code := m.Code
			ev.Code = &code
		}
	case *wire.SessionComplete:
		ok := m.OK
		ev.OK = &ok
		if m.Error != wire.CodeNone {
			code := m.Error
			ev.Code = &code
		}
	case *wire.FrameMessage:
		ev.Channels = len(m.Values)
	case *wire.Keepalive:
		ev.Seq = uint64(m.Seq)
	}
	return ev
}

// StateChangeEvent captures handshake, session and stream lifecycle events.
type StateChangeEvent struct {
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	StateEntitySession   StateEntity = 0
	StateEntityHandshake StateEntity = 1
	StateEntityStream    StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntityHandshake:
		return "HANDSHAKE"
	case StateEntityStream:
		return "STREAM"
	default:
		return "UNKNOWN"
	}
}

// KeepaliveEvent captures liveness traffic.
type KeepaliveEvent struct {
	Type KeepaliveType `cbor:"1,keyasint"`

	Seq uint32 `cbor:"2,keyasint,omitempty"`

	// Reason is the close reason for close messages.
	Reason string `cbor:"3,keyasint,omitempty"`
}

// KeepaliveType indicates the type of liveness message.
type KeepaliveType uint8

const (
	KeepaliveTick  KeepaliveType = 0
	KeepaliveClose KeepaliveType = 1
)

// String returns the keepalive type name.
func (k KeepaliveType) String() string {
	switch k {
	case KeepaliveTick:
		return "TICK"
	case KeepaliveClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer Layer `cbor:"1,keyasint"`

	Message string `cbor:"2,keyasint"`

	// Code is the protocol error code (if applicable).
	Code *wire.ErrorCode `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}

// NewErrorEvent builds error data from err, extracting its protocol code.
func NewErrorEvent(layer Layer, err error, context string) *ErrorEventData {
	ev := &ErrorEventData{Layer: layer, Message: err.Error(), Context: context}
	if code := wire.CodeOf(err); code != wire.CodeNone {
		ev.Code = &code
	}
	return ev
}
