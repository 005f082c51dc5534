package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Service constants for mDNS.
const (
	// ServiceType is the DNS-SD service type devices advertise.
	ServiceType = "_fixlink._udp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the default FIXLINK UDP port.
	DefaultPort = 5568
)

// TXT record keys.
const (
	TXTKeyDeviceID     = "id"
	TXTKeyManufacturer = "mf"
	TXTKeyModel        = "md"
	TXTKeyFirmware     = "fw"
	TXTKeyVersion      = "ver"
	TXTKeyFingerprint  = "fp"
)

// Timing constants.
const (
	// BrowseTimeout is the default timeout for mDNS browsing.
	BrowseTimeout = 5 * time.Second

	// DefaultProbeTimeout bounds a discovery probe.
	DefaultProbeTimeout = 2 * time.Second

	// DefaultRetransmitInterval is how often an unanswered probe is resent.
	DefaultRetransmitInterval = 500 * time.Millisecond
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// FingerprintLength is the length of a key fingerprint in hex characters.
	FingerprintLength = 32
)

// Discovery errors.
var (
	ErrShortNonce          = errors.New("nonce shorter than 32 bytes")
	ErrNoReply             = errors.New("no discovery reply")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNotFound            = errors.New("service not found")
	ErrInvalidLabel        = errors.New("invalid pairing label")
)

// ServiceInfo is what a device announces over mDNS.
type ServiceInfo struct {
	DeviceID     string
	Manufacturer string
	Model        string
	Firmware     string
	Version      string
	Fingerprint  string
	Port         uint16
}

// Service is a device found by browsing.
type Service struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string
	Info         ServiceInfo
}

// UDPAddr returns the first address of the service as a UDP address.
func (s *Service) UDPAddr() (*net.UDPAddr, error) {
	if len(s.Addresses) == 0 {
		return nil, ErrNotFound
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(s.Addresses[0], strconv.Itoa(int(s.Port))))
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: 120 * time.Second}
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface.
	Interface string
}
