package log

import (
	"bytes"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

func TestEventCBORRoundTrip(t *testing.T) {
	op := wire.OpSetProfile
	ok := true
	took := 3 * time.Millisecond
	code := wire.CodeStreamTooLarge

	events := []Event{
		{
			Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
			SessionID:  "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
			Direction:  DirectionIn,
			Layer:      LayerTransport,
			Category:   CategoryMessage,
			LocalRole:  RoleController,
			RemoteAddr: "192.0.2.10:5568",
			DeviceID:   "par64-01",
			Datagram:   &DatagramEvent{Size: 3, Data: []byte{1, 2, 3}},
		},
		{
			Timestamp: time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
			SessionID: "sess",
			Direction: DirectionOut,
			Layer:     LayerWire,
			Category:  CategoryMessage,
			Message: &MessageEvent{
				Kind:           wire.KindAcknowledge,
				Seq:            12,
				Op:             &op,
				OK:             &ok,
				ProcessingTime: &took,
			},
		},
		{
			Timestamp:   time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC),
			SessionID:   "sess",
			Layer:       LayerSession,
			Category:    CategoryState,
			StateChange: &StateChangeEvent{Entity: StateEntitySession, OldState: "READY", NewState: "STREAMING"},
		},
		{
			Timestamp: time.Date(2026, 3, 1, 12, 0, 3, 0, time.UTC),
			SessionID: "sess",
			Category:  CategoryKeepalive,
			Keepalive: &KeepaliveEvent{Type: KeepaliveClose, Seq: 4, Reason: "shutdown"},
		},
		{
			Timestamp: time.Date(2026, 3, 1, 12, 0, 4, 0, time.UTC),
			SessionID: "sess",
			Layer:     LayerService,
			Category:  CategoryError,
			Error:     &ErrorEventData{Layer: LayerService, Message: "frame too large", Code: &code, Context: "send frame"},
		},
	}

	for _, original := range events {
		data, err := EncodeEvent(original)
		if err != nil {
			t.Fatalf("EncodeEvent failed: %v", err)
		}
		decoded, err := DecodeEvent(data)
		if err != nil {
			t.Fatalf("DecodeEvent failed: %v", err)
		}

		again, err := EncodeEvent(decoded)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		if !bytes.Equal(data, again) {
			t.Errorf("%s event did not survive a round trip", original.Category)
		}
		if !decoded.Timestamp.Equal(original.Timestamp) {
			t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, original.Timestamp)
		}
	}
}

func TestEventCBORUsesIntegerKeys(t *testing.T) {
	data, err := EncodeEvent(Event{Timestamp: time.Now(), SessionID: "sess"})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	var raw map[any]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for k := range raw {
		if _, ok := k.(uint64); !ok {
			t.Errorf("key %v (%T) is not an integer", k, k)
		}
	}
	if raw[uint64(2)] != "sess" {
		t.Errorf("key 2 = %v, want session id", raw[uint64(2)])
	}
}

func TestDecodeEventRejectsConcatenatedEvents(t *testing.T) {
	one, err := EncodeEvent(Event{Timestamp: time.Now(), SessionID: "a"})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	two, err := EncodeEvent(Event{Timestamp: time.Now(), SessionID: "b"})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	file := append(append([]byte{}, one...), two...)

	if _, err := DecodeEvent(file); err == nil {
		t.Fatal("DecodeEvent accepted two events")
	}

	dec := NewDecoder(bytes.NewReader(file))
	for _, want := range []string{"a", "b"} {
		var got Event
		if err := dec.Decode(&got); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if got.SessionID != want {
			t.Errorf("SessionID = %q, want %q", got.SessionID, want)
		}
	}
}
