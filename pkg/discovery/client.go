package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/nonce"
	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
	"github.com/fixlink-protocol/fixlink-go/pkg/version"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// ClientConfig configures the controller side of discovery.
type ClientConfig struct {
	Suite suite.Suite

	// Timeout bounds one Discover call when ctx has no earlier deadline.
	Timeout time.Duration

	// RetransmitInterval is how often an unanswered request is resent.
	RetransmitInterval time.Duration

	// ServerNonces remembers server nonces per device. Nil creates a
	// private cache with the default window.
	ServerNonces *nonce.Cache

	// Pins restricts devices to known keys. Nil trusts any self-signed reply.
	Pins *PinSet

	Logger *slog.Logger
}

// Result is a verified discovery reply.
type Result struct {
	Identity        wire.DeviceIdentity
	Capabilities    wire.CapabilitySet
	ProtocolVersion version.ProtocolVersion
	Addr            net.Addr
}

// Client probes devices. It holds no session state and is safe for
// concurrent use across devices.
type Client struct {
	mux    *transport.Mux
	config ClientConfig
	nonces *nonce.Cache
	logger *slog.Logger
}

// NewClient creates a Client probing through mux.
func NewClient(mux *transport.Mux, config ClientConfig) *Client {
	if config.Suite == nil {
		config.Suite = suite.New()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProbeTimeout
	}
	if config.RetransmitInterval <= 0 {
		config.RetransmitInterval = DefaultRetransmitInterval
	}
	nonces := config.ServerNonces
	if nonces == nil {
		nonces = nonce.NewCache(0, 0)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{mux: mux, config: config, nonces: nonces, logger: logger}
}

// Discover probes addr and returns the device's verified identity and
// capabilities. A nil clientNonce draws 32 fresh random bytes; a supplied
// nonce shorter than that is rejected with ErrShortNonce.
func (c *Client) Discover(ctx context.Context, addr net.Addr, tags []string, clientNonce []byte) (*Result, error) {
	if clientNonce == nil {
		var err error
		if clientNonce, err = c.config.Suite.RandomBytes(suite.NonceSize); err != nil {
			return nil, fmt.Errorf("failed to generate client nonce: %w", err)
		}
	} else if len(clientNonce) < suite.NonceSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortNonce, len(clientNonce))
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	probe := c.mux.OpenProbe(addr)
	defer probe.Close()

	req := &wire.DiscoveryRequest{Version: version.Current, Tags: tags, ClientNonce: clientNonce}
	for {
		if err := probe.Send(ctx, req); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w from %s: %v", ErrNoReply, addr, ctx.Err())
			}
			return nil, fmt.Errorf("failed to send discovery request: %w", err)
		}
		attempt, attemptCancel := context.WithTimeout(ctx, c.config.RetransmitInterval)
		msg, err := probe.Recv(attempt)
		attemptCancel()
		if err == nil {
			reply, ok := msg.(*wire.DiscoveryReply)
			if !ok {
				continue
			}
			return c.verify(reply, clientNonce, addr)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w from %s: %v", ErrNoReply, addr, ctx.Err())
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.logger.Debug("retransmitting discovery request", "addr", addr)
	}
}

// verify applies the reply checks in order. The server nonce is consumed
// last so a reply that fails any other check cannot poison the cache.
func (c *Client) verify(reply *wire.DiscoveryReply, clientNonce []byte, addr net.Addr) (*Result, error) {
	if err := c.config.Pins.Check(reply.Identity); err != nil {
		return nil, err
	}
	signed, err := reply.AuthBytes()
	if err != nil {
		return nil, wire.WrapError(wire.CodeDiscoveryInvalidSignature, err)
	}
	if !c.config.Suite.Verify(reply.Identity.PublicKey, signed, reply.Signature) {
		return nil, wire.NewError(wire.CodeDiscoveryInvalidSignature, "reply from %q", reply.Identity.DeviceID)
	}
	if !bytes.Equal(reply.ClientNonce, clientNonce) {
		return nil, wire.NewError(wire.CodeDiscoveryNonceMismatch, "reply does not echo our nonce")
	}
	v, err := version.Check(reply.Version)
	if err != nil {
		return nil, wire.WrapError(wire.CodeDiscoveryUnsupportedVersion, err)
	}
	if !c.nonces.Consume(reply.Identity.DeviceID, reply.ServerNonce) {
		return nil, wire.NewError(wire.CodeDiscoveryNonceMismatch, "server nonce from %q already seen", reply.Identity.DeviceID)
	}

	c.logger.Debug("device discovered", "device", reply.Identity.DeviceID, "addr", addr, "version", v)
	return &Result{
		Identity:        reply.Identity,
		Capabilities:    reply.Capabilities,
		ProtocolVersion: v,
		Addr:            addr,
	}, nil
}
