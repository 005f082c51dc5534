package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

func logJSON(t *testing.T, event Event) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	NewSlogAdapter(logger).Log(event)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestSlogAdapterMessageEvent(t *testing.T) {
	op := wire.OpIdentify
	entry := logJSON(t, Event{
		Timestamp: time.Now(),
		SessionID: "sess-1",
		Direction: DirectionOut,
		Layer:     LayerWire,
		Category:  CategoryMessage,
		DeviceID:  "par64",
		Message:   &MessageEvent{Kind: wire.KindControl, Seq: 9, Op: &op},
	})

	want := map[string]any{
		"msg":        "protocol",
		"session_id": "sess-1",
		"direction":  "OUT",
		"layer":      "WIRE",
		"device_id":  "par64",
		"kind":       "CONTROL",
		"seq":        float64(9),
		"op":         "IDENTIFY",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s: got %v, want %v", k, entry[k], v)
		}
	}
}

func TestSlogAdapterStateAndError(t *testing.T) {
	entry := logJSON(t, Event{
		SessionID:   "sess-2",
		Category:    CategoryState,
		StateChange: &StateChangeEvent{Entity: StateEntitySession, OldState: "READY", NewState: "FAILED", Reason: "SESSION_EXPIRED"},
	})
	if entry["new_state"] != "FAILED" || entry["reason"] != "SESSION_EXPIRED" {
		t.Errorf("state entry = %v", entry)
	}

	code := wire.CodeSessionMacMismatch
	entry = logJSON(t, Event{
		Category: CategoryError,
		Error:    &ErrorEventData{Layer: LayerSession, Message: "bad tag", Code: &code},
	})
	if entry["error_code"] != "SESSION_MAC_MISMATCH" {
		t.Errorf("error_code = %v", entry["error_code"])
	}
}

func TestSlogAdapterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	NewSlogAdapter(logger).Log(Event{SessionID: "quiet"})
	if buf.Len() != 0 {
		t.Errorf("expected no output at info level, got %q", buf.String())
	}
}
