package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// Sender errors.
var (
	ErrAlreadyStreaming = errors.New("stream already started")
	ErrNotStreaming     = errors.New("stream not started")
	ErrProfileMismatch  = errors.New("profile differs from the negotiated profile")
	ErrNotReady         = errors.New("session not ready for streaming")
	ErrFrameDropped     = errors.New("frame dropped")
)

// MessageSender transmits a message to the session peer.
// transport.Conn satisfies it.
type MessageSender interface {
	Send(ctx context.Context, msg wire.Message) error
}

// Config configures a Sender.
type Config struct {
	// BaseInterval is scaled by the profile's latency weight to get the
	// minimum frame interval.
	BaseInterval time.Duration

	// Backoff shapes retry delays after a failed send.
	Backoff BackoffConfig

	// Clock drives pacing and backoff. Nil uses the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Frame is one snapshot of channel values to send.
type Frame struct {
	Priority uint8
	Format   wire.ChannelFormat
	Values   []uint16
	Groups   map[string][]uint16
	Vendor   map[string]string
}

// SenderStats counts frame outcomes.
type SenderStats struct {
	Sent     uint64
	Rejected uint64
	Dropped  uint64
	Retries  uint64
}

// Sender is the controller side of the stream channel. Its mutex is
// independent of the control channel, so frames never wait on acks.
type Sender struct {
	m      *session.Machine
	out    MessageSender
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	active   bool
	profile  Profile
	backoff  *Backoff
	nextSlot time.Time
	lastTS   int64
	stats    SenderStats
}

// NewSender creates a Sender for m.
func NewSender(m *session.Machine, out MessageSender, config Config) *Sender {
	if config.BaseInterval <= 0 {
		config.BaseInterval = DefaultBaseInterval
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		m:       m,
		out:     out,
		config:  config,
		logger:  logger.With("session", m.ID()),
		backoff: NewBackoff(config.Backoff),
	}
}

// Start moves the session from Ready to Streaming under p and returns
// p's ConfigID. p must match the profile negotiated through SetProfile.
func (s *Sender) Start(p Profile) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.m.State()
	if s.active || state == session.StateStreaming {
		return "", ErrAlreadyStreaming
	}
	if state != session.StateReady {
		return "", fmt.Errorf("%w: %s", ErrNotReady, state)
	}
	id := p.ConfigID()
	if negotiated := s.m.ProfileID(); negotiated != id {
		return "", fmt.Errorf("%w: %s vs %s", ErrProfileMismatch, id, negotiated)
	}
	if err := s.m.StartStream(); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			return "", fmt.Errorf("%w: %s", ErrNotReady, s.m.State())
		}
		return "", err
	}
	s.active = true
	s.profile = p
	s.nextSlot = time.Time{}
	s.logger.Info("stream started", "profile", p, "config_id", id)
	return id, nil
}

// Stop ends streaming and moves the session back to Ready.
func (s *Sender) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotStreaming
	}
	s.active = false
	if s.m.State() != session.StateStreaming {
		return nil
	}
	return s.m.StopStream()
}

// Profile returns the active profile.
func (s *Sender) Profile() (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile, s.active
}

// Stats returns a snapshot of the frame counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// SendFrame validates, seals and transmits one frame. A frame that fails
// validation is rejected before any bytes are sent and the session stays
// Streaming. Frames are spaced by the profile's frame interval: a frame
// sent early waits for its slot without holding the sender, and fails
// with ErrNotStreaming if the stream stops meanwhile. A frame whose sends
// keep failing after the profile's retries is dropped with
// ErrFrameDropped.
func (s *Sender) SendFrame(ctx context.Context, f Frame) error {
	msg := &wire.FrameMessage{
		SessionID: s.m.ID(),
		Priority:  f.Priority,
		Format:    f.Format,
		Values:    f.Values,
		Groups:    f.Groups,
		Vendor:    f.Vendor,
	}

	s.mu.Lock()
	if err := s.admit(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := Validate(msg, s.m.Capabilities()); err != nil {
		s.stats.Rejected++
		s.mu.Unlock()
		return err
	}
	wait := s.reserve()
	s.mu.Unlock()

	if wait > 0 {
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit(); err != nil {
		return err
	}

	ts := s.config.Clock.Now().UnixMicro()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	msg.TimestampMicros = ts
	if err := s.m.Seal(msg); err != nil {
		return err
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > wire.MaxMessageSize {
		s.stats.Rejected++
		return wire.NewError(wire.CodeStreamTooLarge, "encoded frame is %d bytes", len(data))
	}

	if err := s.transmit(ctx, msg); err != nil {
		return err
	}
	s.lastTS = ts
	s.stats.Sent++
	return nil
}

func (s *Sender) admit() error {
	if err := s.m.Admit(wire.KindFrame); err != nil {
		return err
	}
	if !s.active {
		return ErrNotStreaming
	}
	return nil
}

// reserve claims the next send slot and returns the wait until it opens.
// Slots are one frame interval apart.
func (s *Sender) reserve() time.Duration {
	now := s.config.Clock.Now()
	slot := s.nextSlot
	if slot.Before(now) {
		slot = now
	}
	s.nextSlot = slot.Add(s.profile.FrameInterval(s.config.BaseInterval))
	return slot.Sub(now)
}

func (s *Sender) transmit(ctx context.Context, msg *wire.FrameMessage) error {
	retries := s.profile.Retries()
	s.backoff.Reset()
	for attempt := 0; ; attempt++ {
		err := s.out.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= retries {
			s.stats.Dropped++
			s.logger.Debug("frame dropped", "attempts", attempt+1, "error", err)
			return fmt.Errorf("%w after %d attempts: %v", ErrFrameDropped, attempt+1, err)
		}
		s.stats.Retries++
		if err := s.sleep(ctx, s.backoff.Next()); err != nil {
			return err
		}
	}
}

func (s *Sender) sleep(ctx context.Context, d time.Duration) error {
	t := s.config.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.m.Done():
		return s.m.Err()
	}
}
