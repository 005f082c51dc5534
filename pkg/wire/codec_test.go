package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity() DeviceIdentity {
	return DeviceIdentity{
		DeviceID:         "par-0001",
		ManufacturerID:   "acme",
		ModelID:          "par64",
		HardwareRevision: "B",
		FirmwareRevision: "2.4.1",
		PublicKey:        bytes.Repeat([]byte{0x11}, 32),
	}
}

func testCaps() CapabilitySet {
	return CapabilitySet{
		Formats:     []ChannelFormat{Format8Bit, Format16Bit},
		MaxChannels: 512,
		Grouping:    true,
		Streaming:   true,
		Vendor:      map[string]string{"acme.strobe": "1"},
	}
}

func TestMessageRoundTrip(t *testing.T) {
	nonce := bytes.Repeat([]byte{0xAB}, 32)
	mac := bytes.Repeat([]byte{0xCD}, 32)

	tests := []struct {
		name string
		msg  Message
	}{
		{"discovery request", &DiscoveryRequest{Version: "1.0", Tags: []string{TagStreaming}, ClientNonce: nonce}},
		{"discovery reply", &DiscoveryReply{
			Version: "1.0", Identity: testIdentity(), Capabilities: testCaps(),
			ClientNonce: nonce, ServerNonce: nonce, Signature: mac,
		}},
		{"session init", &SessionInit{SessionID: "s1", ControllerID: "desk", Nonce: nonce, PublicKey: nonce, Requested: testCaps()}},
		{"session ack", &SessionAck{SessionID: "s1", Nonce: nonce, PublicKey: nonce, Identity: testIdentity(), Capabilities: testCaps(), Signature: mac}},
		{"session ready", &SessionReady{SessionID: "s1", MAC: mac}},
		{"session complete failure", &SessionComplete{SessionID: "s1", OK: false, Error: CodeHandshakeSignatureInvalid}},
		{"control", &ControlMessage{SessionID: "s1", Seq: 7, Op: OpQueryStatus, Payload: []byte{0xa0}, MAC: mac}},
		{"acknowledge", &Acknowledge{SessionID: "s1", Seq: 7, OK: false, Code: CodeControlUnauthorized, Detail: "no grouping", MAC: mac}},
		{"frame", &FrameMessage{
			SessionID: "s1", TimestampMicros: 1_700_000_000_000_000, Priority: 100,
			Format: Format8Bit, Values: []uint16{0, 128, 255},
			Groups: map[string][]uint16{"wash": {1, 2}}, MAC: mac,
		}},
		{"keepalive", &Keepalive{SessionID: "s1", Seq: 3, MAC: mac}},
		{"close", &SessionClose{SessionID: "s1", Reason: "operator", MAC: mac}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Kind(), decoded.Kind())
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestDecodeMissingRequiredField(t *testing.T) {
	// Build an envelope by hand so Encode's validation is bypassed.
	body, err := Marshal(&SessionReady{SessionID: "s1"})
	require.NoError(t, err)
	data, err := Marshal(envelope{Kind: KindSessionReady, Body: body})
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestEncodeRejectsMissingField(t *testing.T) {
	_, err := Encode(&FrameMessage{SessionID: "s1", TimestampMicros: 1, Format: Format8Bit})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestDecodeUnknownKind(t *testing.T) {
	data, err := Marshal(envelope{Kind: 99, Body: []byte{0xa0}})
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestEncodeTooLarge(t *testing.T) {
	frame := &FrameMessage{
		SessionID:       "s1",
		TimestampMicros: 1,
		Format:          Format16Bit,
		Values:          make([]uint16, 1024),
		MAC:             []byte{1},
	}
	for i := range frame.Values {
		frame.Values[i] = 0xFFFF
	}
	_, err := Encode(frame)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestAuthBytesExcludeTag(t *testing.T) {
	frame := &FrameMessage{SessionID: "s1", TimestampMicros: 5, Format: Format8Bit, Values: []uint16{1, 2}}
	before, err := frame.AuthBytes()
	require.NoError(t, err)

	frame.MAC = []byte{9, 9, 9}
	after, err := frame.AuthBytes()
	require.NoError(t, err)

	if !bytes.Equal(before, after) {
		t.Error("AuthBytes changed when only the MAC changed")
	}

	frame.Values[1] = 3
	changed, err := frame.AuthBytes()
	require.NoError(t, err)
	if bytes.Equal(before, changed) {
		t.Error("AuthBytes did not change when a value changed")
	}
}

func TestControlAuthBytesCoverAllFields(t *testing.T) {
	base := ControlMessage{SessionID: "s1", Seq: 1, Op: OpReset, Payload: []byte{0xa0}}
	ref, err := base.AuthBytes()
	require.NoError(t, err)

	variants := map[string]ControlMessage{
		"session": {SessionID: "s2", Seq: 1, Op: OpReset, Payload: []byte{0xa0}},
		"seq":     {SessionID: "s1", Seq: 2, Op: OpReset, Payload: []byte{0xa0}},
		"op":      {SessionID: "s1", Seq: 1, Op: OpQueryStatus, Payload: []byte{0xa0}},
		"payload": {SessionID: "s1", Seq: 1, Op: OpReset, Payload: []byte{0xa1, 0x01, 0x01}},
	}
	for name, v := range variants {
		got, err := v.AuthBytes()
		require.NoError(t, err)
		if bytes.Equal(ref, got) {
			t.Errorf("AuthBytes ignores %s", name)
		}
	}
}

func TestAcknowledgeErr(t *testing.T) {
	ok := &Acknowledge{OK: true}
	assert.NoError(t, ok.Err())

	nack := &Acknowledge{Code: CodeControlUnknownOp, Detail: "op 42"}
	err := nack.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, CodeControlUnknownOp))
	assert.Equal(t, CodeControlUnknownOp, CodeOf(err))
}

func TestKeepaliveAuthBytesCoverDirection(t *testing.T) {
	fromController := &Keepalive{SessionID: "s1", Seq: 4}
	fromDevice := &Keepalive{SessionID: "s1", Seq: 4, FromDevice: true}

	a, err := fromController.AuthBytes()
	require.NoError(t, err)
	b, err := fromDevice.AuthBytes()
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "a reflected keepalive must not share the peer's tag")
}

// sameEncoding compares two values by their canonical CBOR encoding.
func sameEncoding(t *testing.T, a, b any) bool {
	t.Helper()
	dataA, err := Marshal(a)
	require.NoError(t, err)
	dataB, err := Marshal(b)
	require.NoError(t, err)
	return bytes.Equal(dataA, dataB)
}
