package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// Defaults for the controller side.
const (
	DefaultAckTimeout         = 2 * time.Second
	DefaultWindow             = 8
	DefaultRetransmitInterval = 200 * time.Millisecond
	DefaultMaxAttempts        = 5
)

// Client errors.
var (
	ErrUnexpectedAck = errors.New("acknowledgment for unknown sequence")
	ErrOpMismatch    = errors.New("payload does not belong to operation")
)

// MessageSender transmits a message to the session peer.
// transport.Conn satisfies it.
type MessageSender interface {
	Send(ctx context.Context, msg wire.Message) error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// AckTimeout bounds the wait for each acknowledgment.
	AckTimeout time.Duration

	// Window is the maximum number of outstanding requests.
	Window int64

	// RetransmitInterval is the wait before the first retransmission of
	// an unacknowledged request. Later waits double, capped at AckTimeout.
	RetransmitInterval time.Duration

	// MaxAttempts bounds the transmissions of one request, the first
	// included. 1 disables retransmission.
	MaxAttempts int

	// Clock drives ack timeouts. Nil uses the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Client is the controller side of the control channel.
type Client struct {
	m      *session.Machine
	out    MessageSender
	config ClientConfig
	window *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint64]chan *wire.Acknowledge
}

// NewClient creates a Client for m.
func NewClient(m *session.Machine, out MessageSender, config ClientConfig) *Client {
	if config.AckTimeout <= 0 {
		config.AckTimeout = DefaultAckTimeout
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.RetransmitInterval <= 0 {
		config.RetransmitInterval = DefaultRetransmitInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		m:       m,
		out:     out,
		config:  config,
		window:  semaphore.NewWeighted(config.Window),
		logger:  logger.With("session", m.ID()),
		pending: make(map[uint64]chan *wire.Acknowledge),
	}
}

// Outstanding returns the number of requests awaiting acknowledgment.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send issues op with payload and waits for its acknowledgment. payload
// may be nil for operations without fields. A negative acknowledgment is
// returned together with its error. A full window blocks until a slot
// frees or ctx ends. The sealed request is retransmitted unchanged with
// exponential backoff until acknowledged, MaxAttempts is reached or
// AckTimeout expires. Closing the session resolves the wait with
// SESSION_CLOSED; an expired ack wait returns CONTROL_TIMEOUT.
func (c *Client) Send(ctx context.Context, op wire.OpCode, payload wire.OpPayload) (*wire.Acknowledge, error) {
	if err := c.m.Admit(wire.KindControl); err != nil {
		return nil, err
	}
	if payload != nil && payload.OpCode() != op {
		return nil, fmt.Errorf("%w: %s payload for %s", ErrOpMismatch, payload.OpCode(), op)
	}
	var body []byte
	if payload != nil {
		var err error
		if body, err = wire.EncodeOpPayload(payload); err != nil {
			return nil, wire.WrapError(wire.CodeControlPayloadInvalid, err)
		}
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.m.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := c.window.Acquire(waitCtx, 1); err != nil {
		return nil, c.interrupted(ctx)
	}
	defer c.window.Release(1)

	seq, err := c.m.NextOutbound()
	if err != nil {
		return nil, err
	}
	msg := &wire.ControlMessage{SessionID: c.m.ID(), Seq: seq, Op: op, Payload: body}
	if err := c.m.Seal(msg); err != nil {
		return nil, err
	}

	ch := make(chan *wire.Acknowledge, 1)
	c.mu.Lock()
	c.pending[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.out.Send(waitCtx, msg); err != nil {
		if waitCtx.Err() != nil {
			return nil, c.interrupted(ctx)
		}
		return nil, fmt.Errorf("failed to send %s: %w", op, err)
	}

	deadline := c.config.Clock.Timer(c.config.AckTimeout)
	defer deadline.Stop()
	backoff := stream.NewBackoff(stream.BackoffConfig{
		Initial: c.config.RetransmitInterval,
		Max:     c.config.AckTimeout,
		Jitter:  -1,
	})
	for attempt := 1; ; attempt++ {
		var resend <-chan time.Time
		var retry *clock.Timer
		if attempt < c.config.MaxAttempts {
			retry = c.config.Clock.Timer(backoff.Next())
			resend = retry.C
		}

		select {
		case ack := <-ch:
			stopTimer(retry)
			if err := ack.Err(); err != nil {
				return ack, err
			}
			return ack, nil
		case <-deadline.C:
			stopTimer(retry)
			return nil, wire.NewTimeoutError(wire.CodeControlTimeout, "no acknowledgment for %s seq %d within %s", op, seq, c.config.AckTimeout)
		case <-waitCtx.Done():
			stopTimer(retry)
			return nil, c.interrupted(ctx)
		case <-resend:
			c.logger.Debug("retransmitting control", "op", op, "seq", seq, "attempt", attempt+1)
			if err := c.out.Send(waitCtx, msg); err != nil {
				if waitCtx.Err() != nil {
					return nil, c.interrupted(ctx)
				}
				c.logger.Debug("retransmission failed", "seq", seq, "error", err)
			}
		}
	}
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

// interrupted reports why a wait ended early: the session closed or
// failed, or ctx ended.
func (c *Client) interrupted(ctx context.Context) error {
	select {
	case <-c.m.Done():
		if c.m.State() == session.StateClosed {
			return wire.NewError(wire.CodeSessionClosed, "session closed while awaiting acknowledgment")
		}
		return c.m.Err()
	default:
		return ctx.Err()
	}
}

// HandleAck verifies an acknowledgment and hands it to the waiting
// request. A MAC failure is fatal to the session. Acks for unknown or
// already resolved sequences are dropped with ErrUnexpectedAck.
func (c *Client) HandleAck(ack *wire.Acknowledge) error {
	if err := c.m.Admit(wire.KindAcknowledge); err != nil {
		return err
	}
	if err := c.m.Verify(ack); err != nil {
		return err
	}

	c.mu.Lock()
	ch, ok := c.pending[ack.Seq]
	if ok {
		delete(c.pending, ack.Seq)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping acknowledgment", "seq", ack.Seq)
		return fmt.Errorf("%w: %d", ErrUnexpectedAck, ack.Seq)
	}
	ch <- ack
	return nil
}

// Identify asks the fixture to identify itself for d.
func (c *Client) Identify(ctx context.Context, d time.Duration) error {
	_, err := c.Send(ctx, wire.OpIdentify, wire.IdentifyPayload{DurationMillis: uint32(d.Milliseconds())})
	return err
}

// SetChannels writes values starting at channel start.
func (c *Client) SetChannels(ctx context.Context, start uint16, values []uint16) error {
	_, err := c.Send(ctx, wire.OpSetChannels, wire.SetChannelsPayload{Start: start, Values: values})
	return err
}

// SetGroup writes the values of a named channel group.
func (c *Client) SetGroup(ctx context.Context, group string, values []uint16) error {
	_, err := c.Send(ctx, wire.OpSetGroup, wire.SetGroupPayload{Group: group, Values: values})
	return err
}

// Reset returns all channels to their defaults.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.Send(ctx, wire.OpReset, nil)
	return err
}

// StopStream tells the device streaming ended, returning its session to
// Ready. It is a no-op on a device that is not streaming.
func (c *Client) StopStream(ctx context.Context) error {
	_, err := c.Send(ctx, wire.OpStopStream, nil)
	return err
}

// QueryStatus reads the device's view of the session.
func (c *Client) QueryStatus(ctx context.Context) (*wire.StatusReport, error) {
	ack, err := c.Send(ctx, wire.OpQueryStatus, nil)
	if err != nil {
		return nil, err
	}
	var report wire.StatusReport
	if err := wire.Unmarshal(ack.Result, &report); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &report, nil
}

// SetProfile announces p and, once the device accepts it, locks it on
// the local session, moving Authenticated to Ready.
func (c *Client) SetProfile(ctx context.Context, p stream.Profile) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	payload := p.Payload()
	if _, err := c.Send(ctx, wire.OpSetProfile, payload); err != nil {
		return "", err
	}
	if err := c.m.Negotiate(payload.ConfigID); err != nil {
		return "", err
	}
	return payload.ConfigID, nil
}
