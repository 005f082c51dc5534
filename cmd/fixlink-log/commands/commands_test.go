package commands

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.flog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()
	return path
}

func sampleEvents() []log.Event {
	ts := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	op := wire.OpSetChannels
	ok := false
	code := wire.CodeControlUnauthorized
	return []log.Event{
		{
			Timestamp: ts, Direction: log.DirectionOut, Layer: log.LayerWire, Category: log.CategoryMessage,
			LocalRole: log.RoleController, RemoteAddr: "10.0.0.40:5568",
			Message: &log.MessageEvent{Kind: wire.KindDiscoveryRequest},
		},
		{
			Timestamp: ts.Add(time.Millisecond), SessionID: "5f2c9a1e-aaaa", Direction: log.DirectionOut,
			Layer: log.LayerWire, Category: log.CategoryMessage, LocalRole: log.RoleController,
			Message: &log.MessageEvent{Kind: wire.KindControl, Seq: 1, Op: &op},
		},
		{
			Timestamp: ts.Add(2 * time.Millisecond), SessionID: "5f2c9a1e-aaaa", Direction: log.DirectionIn,
			Layer: log.LayerWire, Category: log.CategoryMessage, LocalRole: log.RoleController,
			Message: &log.MessageEvent{Kind: wire.KindAcknowledge, Seq: 1, OK: &ok, Code: &code},
		},
		{
			Timestamp: ts.Add(3 * time.Millisecond), SessionID: "5f2c9a1e-aaaa", Direction: log.DirectionOut,
			Layer: log.LayerWire, Category: log.CategoryMessage, LocalRole: log.RoleController,
			Message: &log.MessageEvent{Kind: wire.KindFrame, Channels: 4},
		},
		{
			Timestamp: ts.Add(time.Second), SessionID: "5f2c9a1e-aaaa", Direction: log.DirectionOut,
			Layer: log.LayerService, Category: log.CategoryKeepalive, LocalRole: log.RoleController,
			Keepalive: &log.KeepaliveEvent{Type: log.KeepaliveTick, Seq: 7},
		},
		{
			Timestamp: ts.Add(2 * time.Second), SessionID: "5f2c9a1e-aaaa", Layer: log.LayerSession,
			Category: log.CategoryState, LocalRole: log.RoleController,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntitySession, OldState: "STREAMING", NewState: "CLOSED", Reason: "closed"},
		},
		{
			Timestamp: ts.Add(3 * time.Second), SessionID: "77aa0000-bbbb", Layer: log.LayerSession,
			Category: log.CategoryError, LocalRole: log.RoleDevice,
			Error: &log.ErrorEventData{Layer: log.LayerSession, Message: "MAC verification failed", Code: codePtr(wire.CodeSessionMacMismatch)},
		},
	}
}

func codePtr(c wire.ErrorCode) *wire.ErrorCode { return &c }

func TestViewFormatsEvents(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunView(path, FilterOptions{}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"[session:-] OUT CONTROLLER WIRE DISCOVERY_REQUEST",
		"Peer: 10.0.0.40:5568",
		"[session:5f2c9a1e] OUT CONTROLLER WIRE CONTROL",
		"Op: SetChannels",
		"Code: CONTROL_UNAUTHORIZED",
		"Channels: 4",
		"STREAMING -> CLOSED",
		"MAC verification failed",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestViewFiltersByKind(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunView(path, FilterOptions{Kind: "acknowledge"}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	output := buf.String()
	if strings.Count(output, "ACKNOWLEDGE") != 1 {
		t.Errorf("expected exactly one acknowledge event:\n%s", output)
	}
	if strings.Contains(output, "DISCOVERY_REQUEST") {
		t.Error("discovery request should be filtered out")
	}
}

func TestFilterOptionsRejectInvalid(t *testing.T) {
	tests := []struct {
		name string
		opts FilterOptions
	}{
		{"layer", FilterOptions{Layer: "physical"}},
		{"direction", FilterOptions{Direction: "sideways"}},
		{"category", FilterOptions{Category: "snapshot"}},
		{"kind", FilterOptions{Kind: "hello"}},
		{"time", FilterOptions{TimeStart: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Filter(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseKindAcceptsDashes(t *testing.T) {
	k, err := parseKind("session-close")
	if err != nil {
		t.Fatalf("parseKind failed: %v", err)
	}
	if k != wire.KindSessionClose {
		t.Errorf("kind = %s, want SESSION_CLOSE", k)
	}
}

func TestExportJSONL(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunExport(path, "jsonl", FilterOptions{SessionID: "5f2c9a1e-aaaa"}, &buf); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	lines := 0
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var event log.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("line %d is not an event: %v", lines, err)
		}
		if event.SessionID != "5f2c9a1e-aaaa" {
			t.Errorf("unexpected session %q", event.SessionID)
		}
		lines++
	}
	if lines != 5 {
		t.Errorf("exported %d events, want 5", lines)
	}
}

func TestExportCSV(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunExport(path, "csv", FilterOptions{}, &buf); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(records) != len(sampleEvents())+1 {
		t.Fatalf("got %d records, want %d", len(records), len(sampleEvents())+1)
	}
	if records[0][0] != "timestamp" {
		t.Errorf("header = %v", records[0])
	}
	ack := records[3]
	if ack[8] != "ACKNOWLEDGE" || ack[9] != "1" || ack[10] != "CONTROL_UNAUTHORIZED" {
		t.Errorf("ack row = %v", ack)
	}
	keepalive := records[5]
	if keepalive[9] != "7" {
		t.Errorf("keepalive seq = %q, want 7", keepalive[9])
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	if err := RunExport(path, "xml", FilterOptions{}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestFilterWritesMatchingEvents(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "errors.flog")

	n, err := RunFilter(path, out, FilterOptions{Category: "error"})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 1 {
		t.Errorf("filtered %d events, want 1", n)
	}

	stats, err := CollectStats(out)
	if err != nil {
		t.Fatalf("CollectStats failed: %v", err)
	}
	if stats.TotalEvents != 1 || stats.Errors != 1 {
		t.Errorf("filtered log has %d events, %d errors", stats.TotalEvents, stats.Errors)
	}
}

func TestStatsAggregates(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	stats, err := CollectStats(path)
	if err != nil {
		t.Fatalf("CollectStats failed: %v", err)
	}
	if stats.TotalEvents != 7 {
		t.Errorf("TotalEvents = %d, want 7", stats.TotalEvents)
	}
	if len(stats.Sessions) != 2 {
		t.Errorf("Sessions = %d, want 2", len(stats.Sessions))
	}
	s := stats.Sessions["5f2c9a1e-aaaa"]
	if s == nil {
		t.Fatal("missing session stats")
	}
	if s.Frames != 1 || s.Keepalives != 1 {
		t.Errorf("frames=%d keepalives=%d, want 1 and 1", s.Frames, s.Keepalives)
	}
	if s.FinalState != "CLOSED" {
		t.Errorf("FinalState = %q, want CLOSED", s.FinalState)
	}
	if stats.ErrorsByCode["SESSION_MAC_MISMATCH"] != 1 {
		t.Errorf("ErrorsByCode = %v", stats.ErrorsByCode)
	}
	if stats.MessagesByKind[wire.KindControl] != 1 {
		t.Errorf("MessagesByKind = %v", stats.MessagesByKind)
	}
}

func TestStatsOutput(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	output := buf.String()
	for _, want := range []string{"Total Events: 7", "SESSION:", "KEEPALIVE:", "Sessions: 2", "[5f2c9a1e]", "Errors: 1"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}
