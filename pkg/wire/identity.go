package wire

import (
	"bytes"
	"slices"
)

// DeviceIdentity describes a device as learned during discovery or handshake.
// It is treated as immutable once learned.
//
// CBOR encoding:
//
//	{
//	  1: deviceId,          // string
//	  2: manufacturerId,    // string
//	  3: modelId,           // string
//	  4: hardwareRevision,  // string
//	  5: firmwareRevision,  // string
//	  6: publicKey          // bytes, Ed25519 long-term key
//	}
type DeviceIdentity struct {
	DeviceID         string `cbor:"1,keyasint"`
	ManufacturerID   string `cbor:"2,keyasint"`
	ModelID          string `cbor:"3,keyasint"`
	HardwareRevision string `cbor:"4,keyasint,omitempty"`
	FirmwareRevision string `cbor:"5,keyasint,omitempty"`
	PublicKey        []byte `cbor:"6,keyasint,omitempty"`
}

// Equal reports whether two identities describe the same device.
func (d DeviceIdentity) Equal(o DeviceIdentity) bool {
	return d.DeviceID == o.DeviceID &&
		d.ManufacturerID == o.ManufacturerID &&
		d.ModelID == o.ModelID &&
		d.HardwareRevision == o.HardwareRevision &&
		d.FirmwareRevision == o.FirmwareRevision &&
		bytes.Equal(d.PublicKey, o.PublicKey)
}

// ChannelFormat is the width of a single channel value.
type ChannelFormat uint8

const (
	// Format8Bit carries values 0-255 (classic DMX slot).
	Format8Bit ChannelFormat = 1

	// Format16Bit carries values 0-65535 (coarse/fine pair).
	Format16Bit ChannelFormat = 2
)

// String returns the format name.
func (f ChannelFormat) String() string {
	switch f {
	case Format8Bit:
		return "8BIT"
	case Format16Bit:
		return "16BIT"
	default:
		return "UNKNOWN"
	}
}

// MaxValue returns the largest value representable in this format.
func (f ChannelFormat) MaxValue() uint16 {
	switch f {
	case Format8Bit:
		return 0xFF
	case Format16Bit:
		return 0xFFFF
	default:
		return 0
	}
}

// IsValid returns true if the format is defined.
func (f ChannelFormat) IsValid() bool {
	return f == Format8Bit || f == Format16Bit
}

// Capability tags used in discovery requests.
const (
	TagStreaming  = "streaming"
	TagGrouping   = "grouping"
	TagEncryption = "encryption"
)

// CapabilitySet describes what a device supports.
// Immutable per negotiated session; re-queried only on reconnect.
//
// CBOR encoding:
//
//	{
//	  1: formats,      // array of ChannelFormat
//	  2: maxChannels,  // uint16
//	  3: grouping,     // bool
//	  4: streaming,    // bool
//	  5: encryption,   // bool
//	  6: vendor        // map string -> string
//	}
type CapabilitySet struct {
	Formats     []ChannelFormat   `cbor:"1,keyasint"`
	MaxChannels uint16            `cbor:"2,keyasint"`
	Grouping    bool              `cbor:"3,keyasint,omitempty"`
	Streaming   bool              `cbor:"4,keyasint,omitempty"`
	Encryption  bool              `cbor:"5,keyasint,omitempty"`
	Vendor      map[string]string `cbor:"6,keyasint,omitempty"`
}

// SupportsFormat returns true if the format is in the set.
func (c CapabilitySet) SupportsFormat(f ChannelFormat) bool {
	return slices.Contains(c.Formats, f)
}

// Supports returns true if the capability tag is advertised.
// Unknown tags are looked up in the vendor map.
func (c CapabilitySet) Supports(tag string) bool {
	switch tag {
	case TagStreaming:
		return c.Streaming
	case TagGrouping:
		return c.Grouping
	case TagEncryption:
		return c.Encryption
	default:
		_, ok := c.Vendor[tag]
		return ok
	}
}

// Intersect returns the capabilities both sides agree on.
// A zero MaxChannels or empty Formats in the request means "whatever is offered".
// Vendor extensions come from the offer.
func (c CapabilitySet) Intersect(offered CapabilitySet) CapabilitySet {
	out := CapabilitySet{
		MaxChannels: offered.MaxChannels,
		Grouping:    c.Grouping && offered.Grouping,
		Streaming:   c.Streaming && offered.Streaming,
		Encryption:  c.Encryption && offered.Encryption,
	}
	if c.MaxChannels != 0 && c.MaxChannels < offered.MaxChannels {
		out.MaxChannels = c.MaxChannels
	}

	if len(c.Formats) == 0 {
		out.Formats = slices.Clone(offered.Formats)
	} else {
		for _, f := range offered.Formats {
			if c.SupportsFormat(f) {
				out.Formats = append(out.Formats, f)
			}
		}
	}

	if len(offered.Vendor) > 0 {
		out.Vendor = make(map[string]string, len(offered.Vendor))
		for k, v := range offered.Vendor {
			out.Vendor[k] = v
		}
	}
	return out
}
