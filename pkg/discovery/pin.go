package discovery

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// Pairing label constants.
const (
	// LabelPrefix starts every pairing label.
	LabelPrefix = "FIXLINK:"

	// LabelVersion is the current label format version.
	LabelVersion = 1
)

// Label is the out-of-band pairing label printed on a fixture.
type Label struct {
	Version     uint8
	DeviceID    string
	Fingerprint string
}

// NewLabel creates a label for a device's long-term public key.
func NewLabel(deviceID string, publicKey []byte) (*Label, error) {
	if deviceID == "" || strings.Contains(deviceID, ":") {
		return nil, fmt.Errorf("%w: device id %q", ErrInvalidLabel, deviceID)
	}
	return &Label{Version: LabelVersion, DeviceID: deviceID, Fingerprint: Fingerprint(publicKey)}, nil
}

// ParseLabel parses a pairing label.
//
// Format: FIXLINK:<version>:<device id>:<fingerprint>
func ParseLabel(content string) (*Label, error) {
	if !strings.HasPrefix(content, LabelPrefix) {
		return nil, fmt.Errorf("%w: missing prefix", ErrInvalidLabel)
	}
	parts := strings.Split(content, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 4 fields, got %d", ErrInvalidLabel, len(parts))
	}

	v, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || v < 1 {
		return nil, fmt.Errorf("%w: version %q", ErrInvalidLabel, parts[1])
	}
	if parts[2] == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrInvalidLabel)
	}
	fp := strings.ToLower(parts[3])
	if !ValidFingerprint(fp) {
		return nil, fmt.Errorf("%w: fingerprint %q", ErrInvalidLabel, parts[3])
	}
	return &Label{Version: uint8(v), DeviceID: parts[2], Fingerprint: fp}, nil
}

// String returns the label as printed.
func (l *Label) String() string {
	return fmt.Sprintf("%s%d:%s:%s", LabelPrefix, l.Version, l.DeviceID, l.Fingerprint)
}

// PinSet maps device ids to the key fingerprints a controller trusts.
// Devices without a pin are accepted on their self-signed replies.
// It is safe for concurrent use.
type PinSet struct {
	mu   sync.RWMutex
	pins map[string]string
}

// NewPinSet creates an empty PinSet.
func NewPinSet() *PinSet {
	return &PinSet{pins: make(map[string]string)}
}

// Pin trusts only the key with fingerprint for deviceID.
func (p *PinSet) Pin(deviceID, fingerprint string) error {
	fingerprint = strings.ToLower(fingerprint)
	if !ValidFingerprint(fingerprint) {
		return fmt.Errorf("%w: fingerprint %q", ErrInvalidLabel, fingerprint)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins[deviceID] = fingerprint
	return nil
}

// PinKey trusts only publicKey for deviceID.
func (p *PinSet) PinKey(deviceID string, publicKey []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins[deviceID] = Fingerprint(publicKey)
}

// AddLabel pins the key printed on a pairing label.
func (p *PinSet) AddLabel(l *Label) error {
	return p.Pin(l.DeviceID, l.Fingerprint)
}

// Lookup returns the fingerprint pinned for id.
func (p *PinSet) Lookup(id string) (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	fp, ok := p.pins[id]
	return fp, ok
}

// Len returns the number of pinned devices.
func (p *PinSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pins)
}

// Check returns DISCOVERY_INVALID_SIGNATURE if the device is pinned to a
// different key.
func (p *PinSet) Check(id wire.DeviceIdentity) error {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	want, ok := p.pins[id.DeviceID]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	if got := Fingerprint(id.PublicKey); got != want {
		return wire.NewError(wire.CodeDiscoveryInvalidSignature, "device %q key %s is not the pinned %s", id.DeviceID, got, want)
	}
	return nil
}
