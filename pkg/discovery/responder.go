package discovery

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/version"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// ResponderConfig configures the device side of discovery.
type ResponderConfig struct {
	Suite suite.Suite

	// Signer holds the device's long-term identity key.
	Signer *suite.Signer

	// Identity is announced in replies. An empty PublicKey is filled from Signer.
	Identity wire.DeviceIdentity

	// Capabilities are announced in replies.
	Capabilities wire.CapabilitySet

	// Version is the protocol version announced. Empty uses version.Current.
	Version string

	Logger *slog.Logger
}

// Responder answers discovery probes. It is stateless and safe for
// concurrent use.
type Responder struct {
	config ResponderConfig
	logger *slog.Logger
}

// NewResponder creates a Responder.
func NewResponder(config ResponderConfig) (*Responder, error) {
	if config.Signer == nil {
		return nil, fmt.Errorf("responder requires an identity signer")
	}
	if config.Identity.DeviceID == "" {
		return nil, fmt.Errorf("responder requires a device id")
	}
	if len(config.Identity.PublicKey) == 0 {
		config.Identity.PublicKey = config.Signer.Public()
	}
	if !bytes.Equal(config.Identity.PublicKey, config.Signer.Public()) {
		return nil, fmt.Errorf("identity public key does not match signer")
	}
	if config.Suite == nil {
		config.Suite = suite.New()
	}
	if config.Version == "" {
		config.Version = version.Current
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{config: config, logger: logger}, nil
}

// Info returns the mDNS advertisement matching this responder.
func (r *Responder) Info(port uint16) *ServiceInfo {
	id := r.config.Identity
	return &ServiceInfo{
		DeviceID:     id.DeviceID,
		Manufacturer: id.ManufacturerID,
		Model:        id.ModelID,
		Firmware:     id.FirmwareRevision,
		Version:      r.config.Version,
		Fingerprint:  Fingerprint(id.PublicKey),
		Port:         port,
	}
}

// HandleRequest builds a signed reply echoing the client nonce with a
// fresh server nonce. Requests for tags the device lacks and requests from
// other major versions are still answered; the controller decides.
func (r *Responder) HandleRequest(req *wire.DiscoveryRequest) (*wire.DiscoveryReply, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(req.ClientNonce) < suite.NonceSize {
		return nil, fmt.Errorf("%w: client sent %d bytes", ErrShortNonce, len(req.ClientNonce))
	}
	for _, tag := range req.Tags {
		if !r.config.Capabilities.Supports(tag) {
			r.logger.Debug("probe asks for unsupported capability", "tag", tag)
		}
	}

	serverNonce, err := r.config.Suite.RandomBytes(suite.NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate server nonce: %w", err)
	}
	reply := &wire.DiscoveryReply{
		Version:      r.config.Version,
		Identity:     r.config.Identity,
		Capabilities: r.config.Capabilities,
		ClientNonce:  req.ClientNonce,
		ServerNonce:  serverNonce,
	}
	signed, err := reply.AuthBytes()
	if err != nil {
		return nil, err
	}
	reply.Signature = r.config.Signer.Sign(signed)
	return reply, nil
}
