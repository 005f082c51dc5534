package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec errors.
var (
	ErrMissingField = errors.New("missing required field")
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrTooLarge     = errors.New("message exceeds maximum datagram size")
)

// MaxMessageSize bounds an encoded message so it fits a single datagram
// on common paths without IP fragmentation.
const MaxMessageSize = 1200

// encMode is the CBOR encoder mode for FIXLINK messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for FIXLINK messages.
var decMode cbor.DecMode

// strictDecMode rejects unknown fields. Used for operation payloads, whose
// schema is fixed per operation code.
var strictDecMode cbor.DecMode

func init() {
	var err error

	// Configure encoder for deterministic output
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical, // Deterministic key ordering
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnixMicro,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Configure decoder to be lenient for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet, // Ignore duplicate keys (last wins)
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}

	strictOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}
	strictDecMode, err = strictOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create strict CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// envelope is the outer CBOR structure of every datagram.
//
// CBOR encoding:
//
//	{
//	  1: kind,   // uint8
//	  2: body    // encoded message
//	}
type envelope struct {
	Kind Kind            `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// Encode encodes a message into a datagram payload.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", msg.Kind(), err)
	}
	body, err := Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	data, err := Marshal(envelope{Kind: msg.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, msg.Kind(), len(data))
	}
	return data, nil
}

// Decode decodes a datagram payload into the message type named by its kind.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	msg := newMessage(env.Kind)
	if msg == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: body", ErrMissingField)
	}
	if err := Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Kind, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.Kind, err)
	}
	return msg, nil
}

// newMessage returns a zero message for the kind, or nil if unknown.
func newMessage(k Kind) Message {
	switch k {
	case KindDiscoveryRequest:
		return &DiscoveryRequest{}
	case KindDiscoveryReply:
		return &DiscoveryReply{}
	case KindSessionInit:
		return &SessionInit{}
	case KindSessionAck:
		return &SessionAck{}
	case KindSessionReady:
		return &SessionReady{}
	case KindSessionComplete:
		return &SessionComplete{}
	case KindControl:
		return &ControlMessage{}
	case KindAcknowledge:
		return &Acknowledge{}
	case KindFrame:
		return &FrameMessage{}
	case KindKeepalive:
		return &Keepalive{}
	case KindSessionClose:
		return &SessionClose{}
	default:
		return nil
	}
}
