package stream

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// ErrStaleFrame reports a frame older than one already applied.
var ErrStaleFrame = errors.New("stale frame")

// FrameFunc is invoked for every accepted frame.
type FrameFunc func(f *wire.FrameMessage)

// ReceiverStats counts received frames.
type ReceiverStats struct {
	Accepted        uint64
	Stale           uint64
	Rejected        uint64
	LastFrameMicros int64
}

// Receiver is the device side of the stream channel.
type Receiver struct {
	m       *session.Machine
	onFrame FrameFunc
	logger  *slog.Logger

	mu     sync.Mutex
	newest int64
	stats  ReceiverStats
}

// NewReceiver creates a Receiver for m. onFrame may be nil.
func NewReceiver(m *session.Machine, onFrame FrameFunc, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{m: m, onFrame: onFrame, logger: logger.With("session", m.ID())}
}

// Accept admits, verifies and applies a frame. The first accepted frame
// moves a Ready session to Streaming. A MAC failure is fatal to the
// session; a frame not newer than the last applied one returns
// ErrStaleFrame and is ignored.
func (r *Receiver) Accept(f *wire.FrameMessage) error {
	if err := r.m.Admit(wire.KindFrame); err != nil {
		return err
	}
	if err := r.m.Verify(f); err != nil {
		return err
	}

	r.mu.Lock()
	if err := Validate(f, r.m.Capabilities()); err != nil {
		r.stats.Rejected++
		r.mu.Unlock()
		return err
	}
	if f.TimestampMicros <= r.newest {
		r.stats.Stale++
		r.mu.Unlock()
		return ErrStaleFrame
	}
	r.newest = f.TimestampMicros
	r.stats.Accepted++
	r.stats.LastFrameMicros = f.TimestampMicros
	r.mu.Unlock()

	if r.m.State() == session.StateReady {
		if err := r.m.StartStream(); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			return err
		}
	}
	if r.onFrame != nil {
		r.onFrame(f)
	}
	return nil
}

// Stats returns a snapshot of the receive counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
