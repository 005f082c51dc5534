package wire

import (
	"errors"
	"fmt"
)

// Operation payload errors.
var (
	ErrUnknownOp      = errors.New("unknown operation")
	ErrInvalidPayload = errors.New("invalid operation payload")
)

// OpCode identifies a control channel operation.
type OpCode uint8

const (
	// OpIdentify makes the fixture signal itself (flash, beep) for a duration.
	OpIdentify OpCode = 1

	// OpSetChannels writes a contiguous block of channel values.
	OpSetChannels OpCode = 2

	// OpSetGroup writes the values of a named channel group.
	// Requires the grouping capability.
	OpSetGroup OpCode = 3

	// OpQueryStatus reads the device's session status.
	OpQueryStatus OpCode = 4

	// OpSetProfile confirms the stream profile and completes negotiation.
	OpSetProfile OpCode = 5

	// OpReset returns all channels to their default values.
	OpReset OpCode = 6

	// OpStopStream tells the device the controller stopped streaming.
	OpStopStream OpCode = 7
)

// String returns the operation name.
func (o OpCode) String() string {
	switch o {
	case OpIdentify:
		return "Identify"
	case OpSetChannels:
		return "SetChannels"
	case OpSetGroup:
		return "SetGroup"
	case OpQueryStatus:
		return "QueryStatus"
	case OpSetProfile:
		return "SetProfile"
	case OpReset:
		return "Reset"
	case OpStopStream:
		return "StopStream"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the operation is defined.
func (o OpCode) IsValid() bool {
	return o >= OpIdentify && o <= OpStopStream
}

// OpPayload is the closed set of control operation payloads.
// Each variant belongs to exactly one OpCode and validates its own schema.
type OpPayload interface {
	OpCode() OpCode
	Validate() error
}

// MaxIdentifyMillis caps the identify duration.
const MaxIdentifyMillis = 60_000

// IdentifyPayload asks the fixture to identify itself.
//
// CBOR: { 1: durationMillis }
type IdentifyPayload struct {
	DurationMillis uint32 `cbor:"1,keyasint"`
}

func (IdentifyPayload) OpCode() OpCode { return OpIdentify }

// Validate checks the duration bounds.
func (p IdentifyPayload) Validate() error {
	if p.DurationMillis == 0 || p.DurationMillis > MaxIdentifyMillis {
		return fmt.Errorf("%w: duration %dms outside 1..%d", ErrInvalidPayload, p.DurationMillis, MaxIdentifyMillis)
	}
	return nil
}

// SetChannelsPayload writes Values starting at channel Start (0-based).
//
// CBOR: { 1: start, 2: values }
type SetChannelsPayload struct {
	Start  uint16   `cbor:"1,keyasint"`
	Values []uint16 `cbor:"2,keyasint"`
}

func (SetChannelsPayload) OpCode() OpCode { return OpSetChannels }

// Validate checks the block is non-empty and does not wrap.
func (p SetChannelsPayload) Validate() error {
	if len(p.Values) == 0 {
		return fmt.Errorf("%w: no values", ErrInvalidPayload)
	}
	if int(p.Start)+len(p.Values) > 0xFFFF {
		return fmt.Errorf("%w: channel range overflows", ErrInvalidPayload)
	}
	return nil
}

// End returns one past the last channel written.
func (p SetChannelsPayload) End() int {
	return int(p.Start) + len(p.Values)
}

// SetGroupPayload writes the values of a named group.
//
// CBOR: { 1: group, 2: values }
type SetGroupPayload struct {
	Group  string   `cbor:"1,keyasint"`
	Values []uint16 `cbor:"2,keyasint"`
}

func (SetGroupPayload) OpCode() OpCode { return OpSetGroup }

// Validate checks the group is named and has values.
func (p SetGroupPayload) Validate() error {
	if p.Group == "" {
		return fmt.Errorf("%w: empty group name", ErrInvalidPayload)
	}
	if len(p.Values) == 0 {
		return fmt.Errorf("%w: no values", ErrInvalidPayload)
	}
	return nil
}

// QueryStatusPayload has no fields.
type QueryStatusPayload struct{}

func (QueryStatusPayload) OpCode() OpCode  { return OpQueryStatus }
func (QueryStatusPayload) Validate() error { return nil }

// SetProfilePayload carries the stream profile and its derived configuration
// identifier so both ends can confirm agreement.
//
// CBOR: { 1: configId, 2: intent, 3: latency, 4: resilience }
type SetProfilePayload struct {
	ConfigID   string `cbor:"1,keyasint"`
	Intent     string `cbor:"2,keyasint"`
	Latency    uint8  `cbor:"3,keyasint"`
	Resilience uint8  `cbor:"4,keyasint"`
}

func (SetProfilePayload) OpCode() OpCode { return OpSetProfile }

// Validate checks the fields are present and the weights sum to 100.
func (p SetProfilePayload) Validate() error {
	if p.ConfigID == "" || p.Intent == "" {
		return fmt.Errorf("%w: missing profile identity", ErrInvalidPayload)
	}
	if int(p.Latency)+int(p.Resilience) != 100 {
		return fmt.Errorf("%w: weights %d+%d do not sum to 100", ErrInvalidPayload, p.Latency, p.Resilience)
	}
	return nil
}

// ResetPayload has no fields.
type ResetPayload struct{}

func (ResetPayload) OpCode() OpCode  { return OpReset }
func (ResetPayload) Validate() error { return nil }

// StopStreamPayload has no fields.
type StopStreamPayload struct{}

func (StopStreamPayload) OpCode() OpCode  { return OpStopStream }
func (StopStreamPayload) Validate() error { return nil }

// StatusReport is the result of OpQueryStatus, carried in Acknowledge.Result.
//
// CBOR: { 1: state, 2: profileId, 3: framesReceived, 4: lastFrameMicros }
type StatusReport struct {
	State           string `cbor:"1,keyasint"`
	ProfileID       string `cbor:"2,keyasint,omitempty"`
	FramesReceived  uint64 `cbor:"3,keyasint"`
	LastFrameMicros int64  `cbor:"4,keyasint,omitempty"`
}

// EncodeOpPayload encodes a payload for a ControlMessage.
func EncodeOpPayload(p OpPayload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return Marshal(p)
}

// DecodeOpPayload decodes the payload for op.
// Returns ErrUnknownOp for undefined operations and ErrInvalidPayload when
// the bytes do not match the operation's schema.
func DecodeOpPayload(op OpCode, data []byte) (OpPayload, error) {
	var p OpPayload
	switch op {
	case OpIdentify:
		p = &IdentifyPayload{}
	case OpSetChannels:
		p = &SetChannelsPayload{}
	case OpSetGroup:
		p = &SetGroupPayload{}
	case OpQueryStatus:
		p = &QueryStatusPayload{}
	case OpSetProfile:
		p = &SetProfilePayload{}
	case OpReset:
		p = &ResetPayload{}
	case OpStopStream:
		p = &StopStreamPayload{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, op)
	}

	if len(data) == 0 {
		data = []byte{0xa0} // empty map
	}
	if err := strictDecMode.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return deref(p), nil
}

// deref returns the value form of a decoded payload so callers can type
// switch on value types.
func deref(p OpPayload) OpPayload {
	switch v := p.(type) {
	case *IdentifyPayload:
		return *v
	case *SetChannelsPayload:
		return *v
	case *SetGroupPayload:
		return *v
	case *QueryStatusPayload:
		return *v
	case *SetProfilePayload:
		return *v
	case *ResetPayload:
		return *v
	case *StopStreamPayload:
		return *v
	default:
		return p
	}
}
