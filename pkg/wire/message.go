package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message is implemented by every FIXLINK message type.
type Message interface {
	// Kind returns the envelope kind for this message.
	Kind() Kind

	// Session returns the session ID the message belongs to.
	// Discovery messages return an empty string.
	Session() string

	// Validate checks that all required fields are present.
	Validate() error
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// DiscoveryRequest is the unauthenticated probe from controller to device.
//
// CBOR: { 1: version, 2: tags, 3: clientNonce }
type DiscoveryRequest struct {
	Version     string   `cbor:"1,keyasint"`
	Tags        []string `cbor:"2,keyasint,omitempty"`
	ClientNonce []byte   `cbor:"3,keyasint"`
}

func (*DiscoveryRequest) Kind() Kind      { return KindDiscoveryRequest }
func (*DiscoveryRequest) Session() string { return "" }

// Validate checks required fields.
func (m *DiscoveryRequest) Validate() error {
	if m.Version == "" {
		return missing("version")
	}
	if len(m.ClientNonce) == 0 {
		return missing("clientNonce")
	}
	return nil
}

// DiscoveryReply is the device's signed answer to a DiscoveryRequest.
//
// CBOR: { 1: version, 2: identity, 3: capabilities, 4: clientNonce,
// 5: serverNonce, 6: signature }
type DiscoveryReply struct {
	Version      string         `cbor:"1,keyasint"`
	Identity     DeviceIdentity `cbor:"2,keyasint"`
	Capabilities CapabilitySet  `cbor:"3,keyasint"`
	ClientNonce  []byte         `cbor:"4,keyasint"`
	ServerNonce  []byte         `cbor:"5,keyasint"`
	Signature    []byte         `cbor:"6,keyasint,omitempty"`
}

func (*DiscoveryReply) Kind() Kind      { return KindDiscoveryReply }
func (*DiscoveryReply) Session() string { return "" }

// Validate checks required fields.
func (m *DiscoveryReply) Validate() error {
	switch {
	case m.Version == "":
		return missing("version")
	case m.Identity.DeviceID == "":
		return missing("identity.deviceId")
	case len(m.Identity.PublicKey) == 0:
		return missing("identity.publicKey")
	case len(m.ClientNonce) == 0:
		return missing("clientNonce")
	case len(m.ServerNonce) == 0:
		return missing("serverNonce")
	case len(m.Signature) == 0:
		return missing("signature")
	}
	return nil
}

// AuthBytes returns the bytes covered by the reply signature:
// the canonical encoding of every field except the signature.
func (m *DiscoveryReply) AuthBytes() ([]byte, error) {
	c := *m
	c.Signature = nil
	return Marshal(&c)
}

// SessionInit opens a handshake.
//
// CBOR: { 1: sessionId, 2: controllerId, 3: nonce, 4: publicKey, 5: requested }
type SessionInit struct {
	SessionID    string        `cbor:"1,keyasint"`
	ControllerID string        `cbor:"2,keyasint,omitempty"`
	Nonce        []byte        `cbor:"3,keyasint"`
	PublicKey    []byte        `cbor:"4,keyasint"`
	Requested    CapabilitySet `cbor:"5,keyasint"`
}

func (*SessionInit) Kind() Kind        { return KindSessionInit }
func (m *SessionInit) Session() string { return m.SessionID }

// Validate checks required fields.
func (m *SessionInit) Validate() error {
	switch {
	case m.SessionID == "":
		return missing("sessionId")
	case len(m.Nonce) == 0:
		return missing("nonce")
	case len(m.PublicKey) == 0:
		return missing("publicKey")
	}
	return nil
}

// SessionAck is the device's handshake response.
//
// CBOR: { 1: sessionId, 2: nonce, 3: publicKey, 4: identity, 5: capabilities,
// 6: signature }
type SessionAck struct {
	SessionID    string         `cbor:"1,keyasint"`
	Nonce        []byte         `cbor:"2,keyasint"`
	PublicKey    []byte         `cbor:"3,keyasint"`
	Identity     DeviceIdentity `cbor:"4,keyasint"`
	Capabilities CapabilitySet  `cbor:"5,keyasint"`
	Signature    []byte         `cbor:"6,keyasint"`
}

func (*SessionAck) Kind() Kind        { return KindSessionAck }
func (m *SessionAck) Session() string { return m.SessionID }

// Validate checks required fields.
func (m *SessionAck) Validate() error {
	switch {
	case m.SessionID == "":
		return missing("sessionId")
	case len(m.Nonce) == 0:
		return missing("nonce")
	case len(m.PublicKey) == 0:
		return missing("publicKey")
	case m.Identity.DeviceID == "":
		return missing("identity.deviceId")
	case len(m.Signature) == 0:
		return missing("signature")
	}
	return nil
}

// AckSignedBytes returns the bytes the device signs in a SessionAck:
// the controller nonce, device nonce and device ephemeral public key.
func AckSignedBytes(controllerNonce, deviceNonce, devicePublicKey []byte) ([]byte, error) {
	return Marshal([][]byte{controllerNonce, deviceNonce, devicePublicKey})
}

// TranscriptBytes returns the handshake transcript covered by the
// SessionReady MAC.
func TranscriptBytes(controllerNonce, deviceNonce, controllerKey, deviceKey []byte, sessionID string) ([]byte, error) {
	return Marshal([]any{controllerNonce, deviceNonce, controllerKey, deviceKey, sessionID})
}

// ReadySignedBytes returns the bytes a controller signs in SessionReady:
// its claimed id bound to the handshake transcript.
func ReadySignedBytes(controllerID string, transcript []byte) ([]byte, error) {
	return Marshal([]any{"fixlink controller", controllerID, transcript})
}

// SessionReady proves the controller derived the session key and,
// when signed, holds its long-term identity key.
//
// CBOR: { 1: sessionId, 2: mac, 3: identityKey, 4: signature }
type SessionReady struct {
	SessionID   string `cbor:"1,keyasint"`
	MAC         []byte `cbor:"2,keyasint"`
	IdentityKey []byte `cbor:"3,keyasint,omitempty"`
	Signature   []byte `cbor:"4,keyasint,omitempty"`
}

// Signed reports whether the controller attached an identity signature.
func (m *SessionReady) Signed() bool {
	return len(m.IdentityKey) > 0 || len(m.Signature) > 0
}

func (*SessionReady) Kind() Kind        { return KindSessionReady }
func (m *SessionReady) Session() string { return m.SessionID }

// Validate checks required fields.
func (m *SessionReady) Validate() error {
	if m.SessionID == "" {
		return missing("sessionId")
	}
	if len(m.MAC) == 0 {
		return missing("mac")
	}
	return nil
}

// SessionComplete ends the handshake with the device's verdict.
//
// CBOR: { 1: sessionId, 2: ok, 3: error }
type SessionComplete struct {
	SessionID string    `cbor:"1,keyasint"`
	OK        bool      `cbor:"2,keyasint"`
	Error     ErrorCode `cbor:"3,keyasint,omitempty"`
}

func (*SessionComplete) Kind() Kind        { return KindSessionComplete }
func (m *SessionComplete) Session() string { return m.SessionID }

// Validate checks required fields.
func (m *SessionComplete) Validate() error {
	if m.SessionID == "" {
		return missing("sessionId")
	}
	return nil
}

// ControlMessage is a sequenced, MAC-authenticated device operation.
// The payload holds the encoded OpPayload for Op; it is decoded only after
// the MAC has been verified.
//
// CBOR: { 1: sessionId, 2: seq, 3: op, 4: payload, 5: mac }
type ControlMessage struct {
	SessionID string          `cbor:"1,keyasint"`
	Seq       uint64          `cbor:"2,keyasint"`
	Op        OpCode          `cbor:"3,keyasint"`
	Payload   cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	MAC       []byte          `cbor:"5,keyasint"`
}

func (*ControlMessage) Kind() Kind        { return KindControl }
func (m *ControlMessage) Session() string { return m.SessionID }

// Validate checks required fields.
func (m *ControlMessage) Validate() error {
	switch {
	case m.SessionID == "":
		return missing("sessionId")
	case m.Seq == 0:
		return missing("seq")
	case len(m.MAC) == 0:
		return missing("mac")
	}
	return nil
}

// AuthBytes returns the bytes covered by the MAC: (session id, seq, op, payload).
func (m *ControlMessage) AuthBytes() ([]byte, error) {
	return Marshal([]any{m.SessionID, m.Seq, uint8(m.Op), []byte(m.Payload)})
}

// Acknowledge answers a ControlMessage with the same sequence number.
//
// CBOR: { 1: sessionId, 2: seq, 3: ok, 4: code, 5: detail, 6: result, 7: mac }
type Acknowledge struct {
	SessionID string          `cbor:"1,keyasint"`
	Seq       uint64          `cbor:"2,keyasint"`
	OK        bool            `cbor:"3,keyasint"`
	Code      ErrorCode       `cbor:"4,keyasint,omitempty"`
	Detail    string          `cbor:"5,keyasint,omitempty"`
	Result    cbor.RawMessage `cbor:"6,keyasint,omitempty"`
	MAC       []byte          `cbor:"7,keyasint,omitempty"`
}

func (*Acknowledge) Kind() Kind        { return KindAcknowledge }
func (m *Acknowledge) Session() string { return m.SessionID }

// Validate checks required fields.
func (m *Acknowledge) Validate() error {
	switch {
	case m.SessionID == "":
		return missing("sessionId")
	case m.Seq == 0:
		return missing("seq")
	case len(m.MAC) == 0:
		return missing("mac")
	}
	return nil
}

// AuthBytes returns the bytes covered by the MAC: every field except the MAC.
func (m *Acknowledge) AuthBytes() ([]byte, error) {
	c := *m
	c.MAC = nil
	return Marshal(&c)
}

// Err converts a negative acknowledgment into a protocol error.
// Returns nil for a positive acknowledgment.
func (m *Acknowledge) Err() error {
	if m.OK {
		return nil
	}
	return &Error{Code: m.Code, Detail: m.Detail}
}

// FrameMessage is one timestamped snapshot of channel values.
// Frames carry no sequence number and may be consumed out of order.
//
// CBOR: { 1: sessionId, 2: timestamp, 3: priority, 4: format, 5: values,
// 6: groups, 7: vendor, 8: mac }
type FrameMessage struct {
	SessionID       string              `cbor:"1,keyasint"`
	TimestampMicros int64               `cbor:"2,keyasint"`
	Priority        uint8               `cbor:"3,keyasint,omitempty"`
	Format          ChannelFormat       `cbor:"4,keyasint"`
	Values          []uint16            `cbor:"5,keyasint"`
	Groups          map[string][]uint16 `cbor:"6,keyasint,omitempty"`
	Vendor          map[string]string   `cbor:"7,keyasint,omitempty"`
	MAC             []byte              `cbor:"8,keyasint,omitempty"`
}

func (*FrameMessage) Kind() Kind        { return KindFrame }
func (m *FrameMessage) Session() string { return m.SessionID }

// Validate checks required fields.
func (m *FrameMessage) Validate() error {
	switch {
	case m.SessionID == "":
		return missing("sessionId")
	case m.TimestampMicros == 0:
		return missing("timestamp")
	case m.Format == 0:
		return missing("format")
	case len(m.MAC) == 0:
		return missing("mac")
	}
	return nil
}

// AuthBytes returns the bytes covered by the MAC: every field except the MAC.
func (m *FrameMessage) AuthBytes() ([]byte, error) {
	c := *m
	c.MAC = nil
	return Marshal(&c)
}

// Keepalive is the periodic liveness signal. FromDevice is covered by the
// MAC so a keepalive reflected back at its sender does not verify as the
// peer's.
//
// CBOR: { 1: sessionId, 2: seq, 3: mac, 4: fromDevice }
type Keepalive struct {
	SessionID  string `cbor:"1,keyasint"`
	Seq        uint32 `cbor:"2,keyasint"`
	MAC        []byte `cbor:"3,keyasint,omitempty"`
	FromDevice bool   `cbor:"4,keyasint,omitempty"`
}

func (*Keepalive) Kind() Kind        { return KindKeepalive }
func (m *Keepalive) Session() string { return m.SessionID }

// Validate checks required fields.
func (m *Keepalive) Validate() error {
	if m.SessionID == "" {
		return missing("sessionId")
	}
	if len(m.MAC) == 0 {
		return missing("mac")
	}
	return nil
}

// AuthBytes returns the bytes covered by the MAC.
func (m *Keepalive) AuthBytes() ([]byte, error) {
	return Marshal([]any{m.SessionID, uint8(KindKeepalive), m.Seq, m.FromDevice})
}

// SessionClose announces an explicit close.
//
// CBOR: { 1: sessionId, 2: reason, 3: mac }
type SessionClose struct {
	SessionID string `cbor:"1,keyasint"`
	Reason    string `cbor:"2,keyasint,omitempty"`
	MAC       []byte `cbor:"3,keyasint,omitempty"`
}

func (*SessionClose) Kind() Kind        { return KindSessionClose }
func (m *SessionClose) Session() string { return m.SessionID }

// Validate checks required fields.
func (m *SessionClose) Validate() error {
	if m.SessionID == "" {
		return missing("sessionId")
	}
	if len(m.MAC) == 0 {
		return missing("mac")
	}
	return nil
}

// AuthBytes returns the bytes covered by the MAC.
func (m *SessionClose) AuthBytes() ([]byte, error) {
	return Marshal([]any{m.SessionID, uint8(KindSessionClose), m.Reason})
}

// Authenticated is implemented by messages protected by the session MAC.
type Authenticated interface {
	Message
	AuthBytes() ([]byte, error)
	Tag() []byte
	SetTag(mac []byte)
}

func (m *ControlMessage) Tag() []byte       { return m.MAC }
func (m *ControlMessage) SetTag(mac []byte) { m.MAC = mac }
func (m *Acknowledge) Tag() []byte          { return m.MAC }
func (m *Acknowledge) SetTag(mac []byte)    { m.MAC = mac }
func (m *FrameMessage) Tag() []byte         { return m.MAC }
func (m *FrameMessage) SetTag(mac []byte)   { m.MAC = mac }
func (m *Keepalive) Tag() []byte            { return m.MAC }
func (m *Keepalive) SetTag(mac []byte)      { m.MAC = mac }
func (m *SessionClose) Tag() []byte         { return m.MAC }
func (m *SessionClose) SetTag(mac []byte)   { m.MAC = mac }

// Compile-time interface satisfaction checks.
var (
	_ Authenticated = (*ControlMessage)(nil)
	_ Authenticated = (*Acknowledge)(nil)
	_ Authenticated = (*FrameMessage)(nil)
	_ Authenticated = (*Keepalive)(nil)
	_ Authenticated = (*SessionClose)(nil)
)
