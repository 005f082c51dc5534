package log

import (
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger appends protocol events to a .flog file in the format that
// Reader and the fixlink-log tool consume.
//
// Devices and controllers enable it through the log.protocol_file config
// key. Writes are serialized, so one FileLogger can be shared by every
// session of a service.
type FileLogger struct {
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
}

// NewFileLogger opens path for appending.
//
// An existing file is extended, never truncated, so restarting a device
// keeps the events of earlier runs. A missing file is created with mode
// 0644; a missing parent directory is an error.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open protocol log: %w", err)
	}
	return &FileLogger{
		file:    f,
		encoder: NewEncoder(f),
	}, nil
}

// Log appends event to the file.
//
// Encoding and write errors are dropped: a full disk must not stall the
// frame path that is logging.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	_ = l.encoder.Encode(event)
}

// Close flushes and closes the file.
//
// Close is idempotent. Events logged after Close are discarded, which lets
// sessions that are still winding down keep calling Log during shutdown.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}

var _ Logger = (*FileLogger)(nil)
