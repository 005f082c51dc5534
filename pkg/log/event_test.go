package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"direction in", DirectionIn.String(), "IN"},
		{"direction out", DirectionOut.String(), "OUT"},
		{"direction unknown", Direction(99).String(), "UNKNOWN"},
		{"layer transport", LayerTransport.String(), "TRANSPORT"},
		{"layer wire", LayerWire.String(), "WIRE"},
		{"layer session", LayerSession.String(), "SESSION"},
		{"layer service", LayerService.String(), "SERVICE"},
		{"layer unknown", Layer(99).String(), "UNKNOWN"},
		{"category message", CategoryMessage.String(), "MESSAGE"},
		{"category keepalive", CategoryKeepalive.String(), "KEEPALIVE"},
		{"category state", CategoryState.String(), "STATE"},
		{"category error", CategoryError.String(), "ERROR"},
		{"category unknown", Category(99).String(), "UNKNOWN"},
		{"role device", RoleDevice.String(), "DEVICE"},
		{"role controller", RoleController.String(), "CONTROLLER"},
		{"role unknown", Role(99).String(), "UNKNOWN"},
		{"entity session", StateEntitySession.String(), "SESSION"},
		{"entity handshake", StateEntityHandshake.String(), "HANDSHAKE"},
		{"entity stream", StateEntityStream.String(), "STREAM"},
		{"entity unknown", StateEntity(99).String(), "UNKNOWN"},
		{"keepalive tick", KeepaliveTick.String(), "TICK"},
		{"keepalive close", KeepaliveClose.String(), "CLOSE"},
		{"keepalive unknown", KeepaliveType(99).String(), "UNKNOWN"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestNewMessageEvent(t *testing.T) {
	ctrl := NewMessageEvent(&wire.ControlMessage{SessionID: "s", Seq: 5, Op: wire.OpSetChannels})
	if ctrl.Kind != wire.KindControl || ctrl.Seq != 5 {
		t.Errorf("control event = %+v", ctrl)
	}
	if ctrl.Op == nil || *ctrl.Op != wire.OpSetChannels {
		t.Errorf("control op = %v", ctrl.Op)
	}

	nack := NewMessageEvent(&wire.Acknowledge{SessionID: "s", Seq: 7, Code: wire.CodeControlUnknownOp})
	if nack.OK == nil || *nack.OK {
		t.Error("nack should carry ok=false")
	}
	if nack.Code == nil || *nack.Code != wire.CodeControlUnknownOp {
		t.Errorf("nack code = %v", nack.Code)
	}

	ack := NewMessageEvent(&wire.Acknowledge{SessionID: "s", Seq: 8, OK: true})
	if ack.Code != nil {
		t.Errorf("ack should not carry a code, got %v", *ack.Code)
	}

	frame := NewMessageEvent(&wire.FrameMessage{SessionID: "s", Values: []uint16{1, 2, 3}})
	if frame.Channels != 3 {
		t.Errorf("frame channels = %d, want 3", frame.Channels)
	}

	complete := NewMessageEvent(&wire.SessionComplete{SessionID: "s", Error: wire.CodeHandshakeSignatureInvalid})
	if complete.Code == nil || *complete.Code != wire.CodeHandshakeSignatureInvalid {
		t.Errorf("complete code = %v", complete.Code)
	}
}

func TestNewDatagramEventTruncates(t *testing.T) {
	small := NewDatagramEvent([]byte{1, 2, 3})
	if small.Size != 3 || small.Truncated || !bytes.Equal(small.Data, []byte{1, 2, 3}) {
		t.Errorf("small = %+v", small)
	}

	big := NewDatagramEvent(make([]byte, MaxCapturedBytes+10))
	if big.Size != MaxCapturedBytes+10 {
		t.Errorf("Size = %d", big.Size)
	}
	if !big.Truncated || len(big.Data) != MaxCapturedBytes {
		t.Errorf("expected truncation to %d bytes, got %d (truncated=%v)", MaxCapturedBytes, len(big.Data), big.Truncated)
	}
}

func TestNewErrorEvent(t *testing.T) {
	ev := NewErrorEvent(LayerSession, wire.NewError(wire.CodeSessionMacMismatch, "seq %d", 3), "receive")
	if ev.Code == nil || *ev.Code != wire.CodeSessionMacMismatch {
		t.Errorf("Code = %v", ev.Code)
	}
	if ev.Context != "receive" || ev.Layer != LayerSession {
		t.Errorf("ev = %+v", ev)
	}

	plain := NewErrorEvent(LayerTransport, errors.New("boom"), "")
	if plain.Code != nil {
		t.Error("plain errors should carry no code")
	}
	if plain.Message != "boom" {
		t.Errorf("Message = %q", plain.Message)
	}
}
