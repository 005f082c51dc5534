package fixlink_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/discovery"
	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/service"
	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

func startDevice(t *testing.T, signer *suite.Signer, plog log.Logger, controllers *discovery.PinSet) *service.DeviceService {
	t.Helper()

	udp, err := transport.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	config := service.DefaultDeviceConfig()
	config.Signer = signer
	config.Identity = wire.DeviceIdentity{DeviceID: "spot-12", ManufacturerID: "acme", ModelID: "spot"}
	config.Capabilities = wire.CapabilitySet{
		Formats:     []wire.ChannelFormat{wire.Format8Bit},
		MaxChannels: 8,
		Grouping:    true,
		Streaming:   true,
		Encryption:  true,
	}
	config.KeepaliveInterval = 100 * time.Millisecond
	config.InactivityTimeout = 2 * time.Second
	config.ProtocolLogger = plog
	config.Controllers = controllers

	svc, err := service.NewDeviceService(udp, config)
	if err != nil {
		t.Fatalf("Failed to create device service: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start device service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func startController(t *testing.T, pins *discovery.PinSet, signer *suite.Signer) *service.ControllerService {
	t.Helper()

	udp, err := transport.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	config := service.DefaultControllerConfig()
	config.ControllerID = "console-a"
	config.Pins = pins
	config.Signer = signer
	config.KeepaliveInterval = 100 * time.Millisecond
	config.InactivityTimeout = 2 * time.Second

	svc, err := service.NewControllerService(udp, config)
	if err != nil {
		t.Fatalf("Failed to create controller service: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start controller service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestE2E_PairedSessionOverUDP(t *testing.T) {
	signer, err := suite.GenerateSigner(nil)
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}

	logPath := filepath.Join(t.TempDir(), "device.flog")
	plog, err := log.NewFileLogger(logPath)
	if err != nil {
		t.Fatalf("Failed to create protocol log: %v", err)
	}

	device := startDevice(t, signer, plog, nil)

	// Pair the way an operator would: scan the printed label.
	label, err := discovery.NewLabel("spot-12", signer.Public())
	if err != nil {
		t.Fatalf("Failed to create label: %v", err)
	}
	scanned, err := discovery.ParseLabel(label.String())
	if err != nil {
		t.Fatalf("Failed to parse label: %v", err)
	}
	pins := discovery.NewPinSet()
	if err := pins.AddLabel(scanned); err != nil {
		t.Fatalf("Failed to pin label: %v", err)
	}
	controller := startController(t, pins, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := controller.Discover(ctx, device.LocalAddr(), nil)
	if err != nil {
		t.Fatalf("Discovery failed: %v", err)
	}
	if res.Identity.DeviceID != "spot-12" {
		t.Errorf("Discovered %q, want spot-12", res.Identity.DeviceID)
	}

	ds, err := controller.Connect(ctx, res)
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if ds.State() != session.StateAuthenticated {
		t.Errorf("Session state = %s, want AUTHENTICATED", ds.State())
	}

	if err := ds.SetChannels(ctx, 0, []uint16{255, 128, 64}); err != nil {
		t.Fatalf("SetChannels failed: %v", err)
	}
	if got := device.Channels()[:3]; got[0] != 255 || got[1] != 128 || got[2] != 64 {
		t.Errorf("Device channels = %v", got)
	}

	if _, err := ds.StartStream(ctx, stream.Install()); err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}
	frame := stream.Frame{Format: wire.Format8Bit, Values: []uint16{1, 2, 3, 4, 5, 6, 7, 8}}
	if err := ds.SendFrame(ctx, frame); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return device.Channels()[7] == 8 }) {
		t.Fatalf("Frame not applied: %v", device.Channels())
	}

	if err := ds.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return device.Sessions() == 0 }) {
		t.Fatal("Device kept the closed session")
	}
	if err := device.Stop(); err != nil {
		t.Fatalf("Failed to stop device: %v", err)
	}
	plog.Close()

	reader, err := log.NewReader(logPath)
	if err != nil {
		t.Fatalf("Failed to open protocol log: %v", err)
	}
	defer reader.Close()

	seen := make(map[wire.Kind]int)
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Failed to read protocol log: %v", err)
		}
		if event.Message != nil && event.Direction == log.DirectionIn {
			seen[event.Message.Kind]++
		}
	}
	for _, k := range []wire.Kind{wire.KindDiscoveryRequest, wire.KindSessionInit, wire.KindSessionReady, wire.KindControl, wire.KindFrame, wire.KindSessionClose} {
		if seen[k] == 0 {
			t.Errorf("Protocol log has no inbound %s", k)
		}
	}
}

func TestE2E_PinnedKeyMismatch(t *testing.T) {
	signer, err := suite.GenerateSigner(nil)
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}
	other, err := suite.GenerateSigner(nil)
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}

	device := startDevice(t, signer, nil, nil)

	pins := discovery.NewPinSet()
	pins.PinKey("spot-12", other.Public())
	controller := startController(t, pins, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = controller.Discover(ctx, device.LocalAddr(), nil)
	if err == nil {
		t.Fatal("Expected discovery to reject the unpinned key")
	}
	if code := wire.CodeOf(err); code != wire.CodeDiscoveryInvalidSignature {
		t.Errorf("Error code = %s, want DISCOVERY_INVALID_SIGNATURE", code)
	}
	if n := device.Sessions(); n != 0 {
		t.Errorf("Device has %d sessions, want 0", n)
	}
}

func TestE2E_DeviceAdmitsOnlyPinnedController(t *testing.T) {
	signer, err := suite.GenerateSigner(nil)
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}
	desk, err := suite.GenerateSigner(nil)
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}
	impostor, err := suite.GenerateSigner(nil)
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}

	allowed := discovery.NewPinSet()
	allowed.PinKey("console-a", desk.Public())
	device := startDevice(t, signer, nil, allowed)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rogue := startController(t, nil, impostor)
	res, err := rogue.Discover(ctx, device.LocalAddr(), nil)
	if err != nil {
		t.Fatalf("Discovery failed: %v", err)
	}
	if _, err := rogue.Connect(ctx, res); wire.CodeOf(err) != wire.CodeHandshakeSignatureInvalid {
		t.Fatalf("Connect with an unpinned key: err = %v, want HANDSHAKE_SIGNATURE_INVALID", err)
	}
	if n := device.Sessions(); n != 0 {
		t.Errorf("Device has %d sessions after rejecting a controller, want 0", n)
	}

	trusted := startController(t, nil, desk)
	res, err = trusted.Discover(ctx, device.LocalAddr(), nil)
	if err != nil {
		t.Fatalf("Discovery failed: %v", err)
	}
	ds, err := trusted.Connect(ctx, res)
	if err != nil {
		t.Fatalf("Handshake with the pinned controller failed: %v", err)
	}
	if err := ds.SetChannels(ctx, 0, []uint16{9}); err != nil {
		t.Fatalf("SetChannels failed: %v", err)
	}
	if !waitUntil(t, time.Second, func() bool { return device.Sessions() == 1 }) {
		t.Errorf("Device has %d sessions, want 1", device.Sessions())
	}
}
