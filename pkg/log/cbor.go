package log

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// logEncMode encodes protocol events. Key order is canonical, so the same
// event always encodes to the same bytes.
var logEncMode cbor.EncMode

// logDecMode decodes protocol events. It tolerates fields it does not
// know so older tools can read files written by newer devices.
var logDecMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano, // wire timestamps are only microseconds
	}
	logEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create log CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	logDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create log CBOR decoder mode: %v", err))
	}
}

// EncodeEvent encodes a single protocol event with integer map keys.
//
// A protocol log file is nothing more than EncodeEvent outputs written
// back to back; there is no header and no length prefix.
func EncodeEvent(event Event) ([]byte, error) {
	return logEncMode.Marshal(event)
}

// DecodeEvent decodes one protocol event previously produced by
// EncodeEvent. Trailing bytes after the first item are an error; use
// NewDecoder to walk a whole file.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := logDecMode.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("failed to decode protocol event: %w", err)
	}
	return event, nil
}

// NewEncoder returns a streaming encoder that appends protocol events to w
// in the on-disk log format. FileLogger uses it for every write.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return logEncMode.NewEncoder(w)
}

// NewDecoder returns a streaming decoder that reads consecutive protocol
// events from r until io.EOF. Reader and the fixlink-log tool build on it.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return logDecMode.NewDecoder(r)
}
