package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fixlink-protocol/fixlink-go/pkg/control"
	"github.com/fixlink-protocol/fixlink-go/pkg/discovery"
	"github.com/fixlink-protocol/fixlink-go/pkg/handshake"
	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Identity describes the device announced in discovery and handshakes.
type Identity struct {
	DeviceID         string `yaml:"device_id"`
	Manufacturer     string `yaml:"manufacturer"`
	Model            string `yaml:"model"`
	HardwareRevision string `yaml:"hardware_revision,omitempty"`
	FirmwareRevision string `yaml:"firmware_revision,omitempty"`
}

// DeviceIdentity converts to the wire identity. The public key is filled
// in by the caller from the signer.
func (i Identity) DeviceIdentity() wire.DeviceIdentity {
	return wire.DeviceIdentity{
		DeviceID:         i.DeviceID,
		ManufacturerID:   i.Manufacturer,
		ModelID:          i.Model,
		HardwareRevision: i.HardwareRevision,
		FirmwareRevision: i.FirmwareRevision,
	}
}

// Capabilities is the YAML form of wire.CapabilitySet. Formats are given
// as bit widths (8, 16).
type Capabilities struct {
	Formats     []int             `yaml:"formats,omitempty"`
	MaxChannels uint16            `yaml:"max_channels"`
	Grouping    bool              `yaml:"grouping"`
	Streaming   bool              `yaml:"streaming"`
	Encryption  bool              `yaml:"encryption"`
	Vendor      map[string]string `yaml:"vendor,omitempty"`
}

// CapabilitySet converts to the wire form.
func (c Capabilities) CapabilitySet() (wire.CapabilitySet, error) {
	set := wire.CapabilitySet{
		MaxChannels: c.MaxChannels,
		Grouping:    c.Grouping,
		Streaming:   c.Streaming,
		Encryption:  c.Encryption,
		Vendor:      c.Vendor,
	}
	for _, bits := range c.Formats {
		switch bits {
		case 8:
			set.Formats = append(set.Formats, wire.Format8Bit)
		case 16:
			set.Formats = append(set.Formats, wire.Format16Bit)
		default:
			return wire.CapabilitySet{}, fmt.Errorf("%w: unsupported channel format %d", ErrInvalidConfig, bits)
		}
	}
	return set, nil
}

// Session holds per-session timing.
type Session struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

func (s Session) validate() error {
	if s.InactivityTimeout <= 0 || s.KeepaliveInterval <= 0 {
		return fmt.Errorf("%w: session timings must be positive", ErrInvalidConfig)
	}
	if s.KeepaliveInterval >= s.InactivityTimeout {
		return fmt.Errorf("%w: keepalive interval %s must be shorter than inactivity timeout %s",
			ErrInvalidConfig, s.KeepaliveInterval, s.InactivityTimeout)
	}
	return nil
}

// Log selects operational and protocol logging.
type Log struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// ProtocolFile receives CBOR protocol events when set.
	ProtocolFile string `yaml:"protocol_file,omitempty"`
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, l.Level)
	}
	return level, nil
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Listen is the HTTP address for /metrics. Empty disables it.
	Listen string `yaml:"listen,omitempty"`
}

// Device is the configuration of a fixture.
type Device struct {
	Listen   string   `yaml:"listen"`
	Identity Identity `yaml:"identity"`

	// KeySeed is the hex Ed25519 seed of the long-term identity key.
	// Empty generates a fresh key at startup.
	KeySeed string `yaml:"key_seed,omitempty"`

	Capabilities Capabilities `yaml:"capabilities"`
	Session      Session      `yaml:"session"`

	// PendingTTL bounds half-open handshakes.
	PendingTTL time.Duration `yaml:"pending_ttl"`

	// Controllers are pairing labels (FIXLINK:1:<controller id>:<fingerprint>)
	// of the only controllers allowed to open sessions. Empty admits any.
	Controllers []string `yaml:"controllers,omitempty"`

	// RequireControllerSignature rejects unsigned handshakes even when no
	// controllers are listed.
	RequireControllerSignature bool `yaml:"require_controller_signature,omitempty"`

	// Advertise enables mDNS announcement on Interface (empty is all).
	Advertise bool          `yaml:"advertise"`
	Interface string        `yaml:"interface,omitempty"`
	MDNSTTL   time.Duration `yaml:"mdns_ttl"`

	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

// DefaultDevice returns a 512-channel fixture configuration.
func DefaultDevice() Device {
	return Device{
		Listen: fmt.Sprintf(":%d", discovery.DefaultPort),
		Capabilities: Capabilities{
			Formats:     []int{8, 16},
			MaxChannels: 512,
			Grouping:    true,
			Streaming:   true,
		},
		Session: Session{
			InactivityTimeout: session.DefaultInactivityTimeout,
			KeepaliveInterval: transport.DefaultKeepaliveInterval,
		},
		PendingTTL: handshake.DefaultPendingTTL,
		Advertise:  true,
		MDNSTTL:    discovery.DefaultAdvertiserConfig().TTL,
		Log:        Log{Level: "info"},
	}
}

// Validate checks the device configuration.
func (c *Device) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address required", ErrInvalidConfig)
	}
	if c.Identity.DeviceID == "" || c.Identity.Manufacturer == "" || c.Identity.Model == "" {
		return fmt.Errorf("%w: identity needs device_id, manufacturer and model", ErrInvalidConfig)
	}
	if strings.Contains(c.Identity.DeviceID, ":") {
		return fmt.Errorf("%w: device_id must not contain ':'", ErrInvalidConfig)
	}
	caps, err := c.Capabilities.CapabilitySet()
	if err != nil {
		return err
	}
	if len(caps.Formats) == 0 || caps.MaxChannels == 0 {
		return fmt.Errorf("%w: capabilities need a format and max_channels", ErrInvalidConfig)
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("%w: pending_ttl must be positive", ErrInvalidConfig)
	}
	if _, err := c.ControllerPins(); err != nil {
		return err
	}
	_, err = c.Log.SlogLevel()
	return err
}

// ControllerPins parses the controller allowlist. It returns nil when no
// controllers are listed.
func (c *Device) ControllerPins() (*discovery.PinSet, error) {
	if len(c.Controllers) == 0 {
		return nil, nil
	}
	return parsePins(c.Controllers)
}

// Controller is the configuration of a lighting desk or other controller.
type Controller struct {
	ControllerID string `yaml:"controller_id"`
	Listen       string `yaml:"listen"`

	// KeySeed is the hex Ed25519 seed of the key that signs handshakes.
	// Empty generates a fresh key at startup.
	KeySeed string `yaml:"key_seed,omitempty"`

	Discovery struct {
		Timeout            time.Duration `yaml:"timeout"`
		RetransmitInterval time.Duration `yaml:"retransmit_interval"`
		BrowseTimeout      time.Duration `yaml:"browse_timeout"`
		Interface          string        `yaml:"interface,omitempty"`

		// Pins are pairing labels (FIXLINK:1:<id>:<fingerprint>).
		Pins []string `yaml:"pins,omitempty"`
	} `yaml:"discovery"`

	Handshake struct {
		StepTimeout        time.Duration `yaml:"step_timeout"`
		RetransmitInterval time.Duration `yaml:"retransmit_interval"`
	} `yaml:"handshake"`

	// Requested are the capabilities asked for in SessionInit.
	Requested Capabilities `yaml:"requested"`

	Session Session `yaml:"session"`

	Control struct {
		AckTimeout time.Duration `yaml:"ack_timeout"`
		Window     int64         `yaml:"window"`
	} `yaml:"control"`

	Stream struct {
		// Profile is auto, realtime, install or custom.
		Profile      string        `yaml:"profile"`
		Latency      uint8         `yaml:"latency,omitempty"`
		Resilience   uint8         `yaml:"resilience,omitempty"`
		BaseInterval time.Duration `yaml:"base_interval"`
	} `yaml:"stream"`

	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

// DefaultController returns the default controller configuration.
func DefaultController() Controller {
	var c Controller
	c.ControllerID = "controller"
	c.Listen = ":0"
	c.Discovery.Timeout = discovery.DefaultProbeTimeout
	c.Discovery.RetransmitInterval = discovery.DefaultRetransmitInterval
	c.Discovery.BrowseTimeout = discovery.BrowseTimeout
	c.Handshake.StepTimeout = handshake.DefaultStepTimeout
	c.Handshake.RetransmitInterval = handshake.DefaultRetransmitInterval
	c.Requested = Capabilities{Grouping: true, Streaming: true, Encryption: true}
	c.Session = Session{
		InactivityTimeout: session.DefaultInactivityTimeout,
		KeepaliveInterval: transport.DefaultKeepaliveInterval,
	}
	c.Control.AckTimeout = control.DefaultAckTimeout
	c.Control.Window = control.DefaultWindow
	c.Stream.Profile = stream.IntentAuto.String()
	c.Stream.BaseInterval = stream.DefaultBaseInterval
	c.Log.Level = "info"
	return c
}

// StreamProfile resolves the configured stream profile.
func (c *Controller) StreamProfile() (stream.Profile, error) {
	switch c.Stream.Profile {
	case "custom":
		p, err := stream.NewProfile(stream.IntentAuto, c.Stream.Latency, c.Stream.Resilience)
		if err != nil {
			return stream.Profile{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return p, nil
	default:
		intent, err := stream.ParseIntent(c.Stream.Profile)
		if err != nil {
			return stream.Profile{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		switch intent {
		case stream.IntentRealtime:
			return stream.Realtime(), nil
		case stream.IntentInstall:
			return stream.Install(), nil
		default:
			return stream.Auto(), nil
		}
	}
}

// PinSet parses the configured pairing labels.
func (c *Controller) PinSet() (*discovery.PinSet, error) {
	return parsePins(c.Discovery.Pins)
}

func parsePins(labels []string) (*discovery.PinSet, error) {
	pins := discovery.NewPinSet()
	for _, s := range labels {
		label, err := discovery.ParseLabel(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := pins.AddLabel(label); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return pins, nil
}

// Validate checks the controller configuration.
func (c *Controller) Validate() error {
	if c.ControllerID == "" {
		return fmt.Errorf("%w: controller_id required", ErrInvalidConfig)
	}
	if strings.Contains(c.ControllerID, ":") {
		return fmt.Errorf("%w: controller_id must not contain ':'", ErrInvalidConfig)
	}
	if c.Discovery.Timeout <= 0 || c.Discovery.RetransmitInterval <= 0 {
		return fmt.Errorf("%w: discovery timings must be positive", ErrInvalidConfig)
	}
	if c.Handshake.StepTimeout <= 0 || c.Handshake.RetransmitInterval <= 0 {
		return fmt.Errorf("%w: handshake timings must be positive", ErrInvalidConfig)
	}
	if c.Control.AckTimeout <= 0 || c.Control.Window <= 0 {
		return fmt.Errorf("%w: control ack_timeout and window must be positive", ErrInvalidConfig)
	}
	if _, err := c.Requested.CapabilitySet(); err != nil {
		return err
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	if _, err := c.StreamProfile(); err != nil {
		return err
	}
	if _, err := c.PinSet(); err != nil {
		return err
	}
	_, err := c.Log.SlogLevel()
	return err
}

// LoadDevice reads a device file over DefaultDevice and validates it.
func LoadDevice(path string) (*Device, error) {
	cfg := DefaultDevice()
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadController reads a controller file over DefaultController and
// validates it.
func LoadController(path string) (*Controller, error) {
	cfg := DefaultController()
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return Decode(data, out)
}

// Decode strictly decodes YAML into out, keeping fields the document
// does not mention.
func Decode(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Encode writes cfg as YAML.
func Encode(w io.Writer, cfg any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
