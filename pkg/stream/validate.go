package stream

import (
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// Validate checks a frame against the negotiated capabilities. Checks run
// in order: channel count (STREAM_TOO_LARGE), format and value width
// (STREAM_BAD_FORMAT), then group use (STREAM_UNSUPPORTED_CHANNEL_MODE).
func Validate(f *wire.FrameMessage, caps wire.CapabilitySet) error {
	if len(f.Values) > int(caps.MaxChannels) {
		return wire.NewError(wire.CodeStreamTooLarge, "%d values exceed %d channels", len(f.Values), caps.MaxChannels)
	}
	for name, vals := range f.Groups {
		if len(vals) > int(caps.MaxChannels) {
			return wire.NewError(wire.CodeStreamTooLarge, "group %q has %d values", name, len(vals))
		}
	}

	if !f.Format.IsValid() || !caps.SupportsFormat(f.Format) {
		return wire.NewError(wire.CodeStreamBadFormat, "format %s not negotiated", f.Format)
	}
	limit := f.Format.MaxValue()
	if i, ok := exceeds(f.Values, limit); ok {
		return wire.NewError(wire.CodeStreamBadFormat, "value %d at channel %d exceeds %s", f.Values[i], i, f.Format)
	}
	for name, vals := range f.Groups {
		if i, ok := exceeds(vals, limit); ok {
			return wire.NewError(wire.CodeStreamBadFormat, "group %q value %d exceeds %s", name, vals[i], f.Format)
		}
	}

	if len(f.Groups) > 0 && !caps.Grouping {
		return wire.NewError(wire.CodeStreamUnsupportedChannelMode, "grouping not negotiated")
	}
	return nil
}

func exceeds(vals []uint16, limit uint16) (int, bool) {
	for i, v := range vals {
		if v > limit {
			return i, true
		}
	}
	return 0, false
}
