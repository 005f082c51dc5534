package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fixlink-protocol/fixlink-go/pkg/control"
	"github.com/fixlink-protocol/fixlink-go/pkg/discovery"
	"github.com/fixlink-protocol/fixlink-go/pkg/handshake"
	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// Service errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadyStarted = errors.New("service already started")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrDeviceNotFound = errors.New("device not found")
	ErrNoBrowser      = errors.New("no mDNS browser configured")
	ErrNoSession      = errors.New("no such session")
)

// ServiceState represents the service state.
type ServiceState uint8

const (
	// StateIdle - service created but not started.
	StateIdle ServiceState = iota

	// StateRunning - service is serving its endpoint.
	StateRunning

	// StateStopped - service has stopped.
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// DeviceConfig configures a DeviceService.
type DeviceConfig struct {
	Suite suite.Suite

	// Signer holds the long-term identity key. Required.
	Signer *suite.Signer

	// Identity is announced in discovery and handshakes. DeviceID is
	// required; PublicKey is filled from Signer.
	Identity wire.DeviceIdentity

	// Capabilities are offered to controllers.
	Capabilities wire.CapabilitySet

	InactivityTimeout time.Duration
	KeepaliveInterval time.Duration
	PendingTTL        time.Duration

	// Handler receives every control operation after the built-in fixture
	// state is updated. An error becomes a negative ack.
	Handler control.Handler

	// OnFrame is called for each accepted stream frame.
	OnFrame stream.FrameFunc

	// Controllers, when set, admits only pinned controllers.
	Controllers *discovery.PinSet

	// RequireControllerSignature rejects controllers that do not sign
	// SessionReady.
	RequireControllerSignature bool

	// Advertiser announces the device when set. Port is the advertised
	// UDP port.
	Advertiser discovery.Advertiser
	Port       uint16

	Clock          clock.Clock
	Metrics        *Metrics
	ProtocolLogger log.Logger
	Logger         *slog.Logger
}

// DefaultDeviceConfig returns a DeviceConfig with default timings. The
// caller supplies identity, signer and capabilities.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		InactivityTimeout: session.DefaultInactivityTimeout,
		KeepaliveInterval: transport.DefaultKeepaliveInterval,
		PendingTTL:        handshake.DefaultPendingTTL,
		Port:              discovery.DefaultPort,
	}
}

// Validate checks if the device config is valid.
func (c *DeviceConfig) Validate() error {
	if c.Signer == nil || c.Identity.DeviceID == "" {
		return ErrInvalidConfig
	}
	if len(c.Capabilities.Formats) == 0 || c.Capabilities.MaxChannels == 0 {
		return ErrInvalidConfig
	}
	if c.KeepaliveInterval > 0 && c.InactivityTimeout > 0 && c.KeepaliveInterval >= c.InactivityTimeout {
		return ErrInvalidConfig
	}
	return nil
}

// ControllerConfig configures a ControllerService.
type ControllerConfig struct {
	Suite suite.Suite

	// ControllerID identifies this controller to devices. Required.
	ControllerID string

	// Signer holds the controller's identity key. Nil leaves handshakes
	// unsigned, which devices that pin controllers reject.
	Signer *suite.Signer

	DiscoveryTimeout    time.Duration
	DiscoveryRetransmit time.Duration

	// Pins restricts devices to known keys.
	Pins *discovery.PinSet

	// Browser locates devices by id for FindDevice.
	Browser discovery.Browser

	StepTimeout         time.Duration
	HandshakeRetransmit time.Duration

	// Requested are the capabilities asked for in SessionInit.
	Requested wire.CapabilitySet

	InactivityTimeout time.Duration
	KeepaliveInterval time.Duration

	AckTimeout time.Duration
	Window     int64

	// Stream tunes frame pacing and resend backoff.
	Stream stream.Config

	Clock          clock.Clock
	Metrics        *Metrics
	ProtocolLogger log.Logger
	Logger         *slog.Logger
}

// DefaultControllerConfig returns a ControllerConfig with default timings.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		ControllerID:        "controller",
		DiscoveryTimeout:    discovery.DefaultProbeTimeout,
		DiscoveryRetransmit: discovery.DefaultRetransmitInterval,
		StepTimeout:         handshake.DefaultStepTimeout,
		HandshakeRetransmit: handshake.DefaultRetransmitInterval,
		Requested:           wire.CapabilitySet{Grouping: true, Streaming: true, Encryption: true},
		InactivityTimeout:   session.DefaultInactivityTimeout,
		KeepaliveInterval:   transport.DefaultKeepaliveInterval,
		AckTimeout:          control.DefaultAckTimeout,
		Window:              control.DefaultWindow,
		Stream:              stream.Config{BaseInterval: stream.DefaultBaseInterval},
	}
}

// Validate checks if the controller config is valid.
func (c *ControllerConfig) Validate() error {
	if c.ControllerID == "" {
		return ErrInvalidConfig
	}
	if c.KeepaliveInterval > 0 && c.InactivityTimeout > 0 && c.KeepaliveInterval >= c.InactivityTimeout {
		return ErrInvalidConfig
	}
	return nil
}

// EventType identifies a service event.
type EventType uint8

const (
	// EventDeviceDiscovered - a discovery reply was verified.
	EventDeviceDiscovered EventType = iota

	// EventSessionEstablished - handshake completed.
	EventSessionEstablished

	// EventHandshakeFailed - handshake ended without a session.
	EventHandshakeFailed

	// EventProfileNegotiated - a stream profile was agreed.
	EventProfileNegotiated

	// EventSessionClosed - session ended by either side.
	EventSessionClosed

	// EventSessionFailed - session ended on an error.
	EventSessionFailed

	// EventIdentifyStarted - the fixture started identifying.
	EventIdentifyStarted

	// EventIdentifyEnded - the identify effect ran out.
	EventIdentifyEnded
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventDeviceDiscovered:
		return "DEVICE_DISCOVERED"
	case EventSessionEstablished:
		return "SESSION_ESTABLISHED"
	case EventHandshakeFailed:
		return "HANDSHAKE_FAILED"
	case EventProfileNegotiated:
		return "PROFILE_NEGOTIATED"
	case EventSessionClosed:
		return "SESSION_CLOSED"
	case EventSessionFailed:
		return "SESSION_FAILED"
	case EventIdentifyStarted:
		return "IDENTIFY_STARTED"
	case EventIdentifyEnded:
		return "IDENTIFY_ENDED"
	default:
		return "UNKNOWN"
	}
}

// Event represents a service event.
type Event struct {
	Type EventType

	// SessionID is set for session events.
	SessionID string

	// DeviceID is the peer identity (device or controller id).
	DeviceID string

	// ProfileID is set for EventProfileNegotiated.
	ProfileID string

	// Error is set for failure events.
	Error error
}

// EventHandler handles service events.
type EventHandler func(Event)
