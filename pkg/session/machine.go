package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// DefaultInactivityTimeout is the default inactivity window.
const DefaultInactivityTimeout = 30 * time.Second

// Machine errors.
var (
	ErrKeyInstalled  = errors.New("session key already installed")
	ErrNoKey         = errors.New("session key not installed")
	ErrProfileLocked = errors.New("stream profile already negotiated")
)

// Config configures a Machine.
type Config struct {
	// SessionID is the session identifier. Empty mints a new UUID.
	SessionID string

	// Role tags protocol log events.
	Role log.Role

	// Suite computes and verifies MACs. Nil uses suite.New().
	Suite suite.Suite

	// InactivityTimeout is how long the session survives without an
	// authenticated message from the peer.
	InactivityTimeout time.Duration

	// Clock drives the inactivity timer. Nil uses the wall clock.
	Clock clock.Clock

	// ProtocolLogger receives state change events.
	ProtocolLogger log.Logger

	// Logger is the operational logger.
	Logger *slog.Logger
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string
	State        State
	Peer         wire.DeviceIdentity
	Capabilities wire.CapabilitySet
	ProfileID    string
	LastSeen     time.Time
	OutboundSeq  uint64
	InboundSeq   uint64
}

// Machine owns one session's context. All mutation happens under mu.
type Machine struct {
	id     string
	role   log.Role
	suite  suite.Suite
	clock  clock.Clock
	window time.Duration
	plog   log.Logger
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	key       []byte
	outbound  uint64
	inbound   uint64
	lastSeen  time.Time
	caps      wire.CapabilitySet
	peer      wire.DeviceIdentity
	profileID string
	err       error
	timer     *clock.Timer
	done      chan struct{}

	onStateChange func(old, new State)
}

// New creates a Machine in StateInit.
func New(config Config) *Machine {
	if config.SessionID == "" {
		config.SessionID = uuid.NewString()
	}
	if config.Suite == nil {
		config.Suite = suite.New()
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = DefaultInactivityTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		id:     config.SessionID,
		role:   config.Role,
		suite:  config.Suite,
		clock:  config.Clock,
		window: config.InactivityTimeout,
		plog:   log.OrNoop(config.ProtocolLogger),
		logger: logger.With("session", config.SessionID),
		state:  StateInit,
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (m *Machine) ID() string { return m.id }

// Done is closed when the session reaches a terminal state.
func (m *Machine) Done() <-chan struct{} { return m.done }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the terminal cause, or nil while the session is live.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Peer returns the peer identity learned during the handshake.
func (m *Machine) Peer() wire.DeviceIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// Capabilities returns the negotiated capability set.
func (m *Machine) Capabilities() wire.CapabilitySet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

// ProfileID returns the negotiated stream profile id.
func (m *Machine) ProfileID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileID
}

// Info returns a snapshot of the session.
func (m *Machine) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		ID:           m.id,
		State:        m.state,
		Peer:         m.peer,
		Capabilities: m.caps,
		ProfileID:    m.profileID,
		LastSeen:     m.lastSeen,
		OutboundSeq:  m.outbound,
		InboundSeq:   m.inbound,
	}
}

func (m *Machine) String() string {
	return fmt.Sprintf("Session{id=%s, state=%s, key=REDACTED}", m.id, m.State())
}

// OnStateChange sets a callback invoked after every transition.
func (m *Machine) OnStateChange(cb func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = cb
}

// Admit checks kind against the current state.
func (m *Machine) Admit(kind wire.Kind) error {
	return Admit(kind, m.State())
}

// BeginHandshake moves Init to Handshake.
func (m *Machine) BeginHandshake() error {
	return m.fire(EventBeginHandshake, "")
}

// Authenticate installs the derived key, negotiated capabilities and peer
// identity, and moves Handshake to Authenticated. The key can be
// installed only once per session.
func (m *Machine) Authenticate(key []byte, caps wire.CapabilitySet, peer wire.DeviceIdentity) error {
	m.mu.Lock()
	if m.key != nil {
		m.mu.Unlock()
		return ErrKeyInstalled
	}
	old := m.state
	next, err := Transition(old, EventHandshakeOK)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.key = append([]byte(nil), key...)
	m.caps = caps
	m.peer = peer
	m.state = next
	m.lastSeen = m.clock.Now()
	m.timer = m.clock.AfterFunc(m.window, m.checkInactivity)
	cb := m.onStateChange
	m.mu.Unlock()

	m.notify(old, next, "", cb)
	return nil
}

// Negotiate locks the stream profile and moves Authenticated to Ready.
// Repeating the same profile while Ready or Streaming is a no-op.
func (m *Machine) Negotiate(profileID string) error {
	m.mu.Lock()
	if (m.state == StateReady || m.state == StateStreaming) && m.profileID != "" {
		same := m.profileID == profileID
		m.mu.Unlock()
		if same {
			return nil
		}
		return ErrProfileLocked
	}
	old := m.state
	next, err := Transition(old, EventNegotiated)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = next
	m.profileID = profileID
	cb := m.onStateChange
	m.mu.Unlock()

	m.notify(old, next, profileID, cb)
	return nil
}

// StartStream moves Ready to Streaming.
func (m *Machine) StartStream() error {
	return m.fire(EventStreamStart, "")
}

// StopStream moves Streaming back to Ready.
func (m *Machine) StopStream() error {
	return m.fire(EventStreamStop, "")
}

// Fail moves the session to Failed with cause. It is a no-op once terminal.
func (m *Machine) Fail(cause error) {
	if cause == nil {
		cause = wire.NewError(wire.CodeSessionExpired, "session failed")
	}
	m.terminate(EventFail, cause)
}

// Close moves the session to Closed. Pending waits observe SESSION_CLOSED.
func (m *Machine) Close() error {
	m.terminate(EventClose, wire.NewError(wire.CodeSessionClosed, "session closed"))
	return nil
}

func (m *Machine) terminate(event Event, cause error) {
	m.mu.Lock()
	old := m.state
	next, err := Transition(old, event)
	if err != nil {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.err = cause
	clear(m.key)
	if m.timer != nil {
		m.timer.Stop()
	}
	close(m.done)
	cb := m.onStateChange
	m.mu.Unlock()

	if event == EventFail {
		m.logger.Warn("session failed", "from", old, "error", cause)
	}
	m.notify(old, next, reason(cause), cb)
}

func (m *Machine) fire(event Event, why string) error {
	m.mu.Lock()
	old := m.state
	next, err := Transition(old, event)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = next
	cb := m.onStateChange
	m.mu.Unlock()

	m.notify(old, next, why, cb)
	return nil
}

func (m *Machine) notify(old, next State, why string, cb func(old, new State)) {
	m.logger.Debug("session state changed", "from", old, "to", next)
	m.plog.Log(log.Event{
		Timestamp: m.clock.Now(),
		SessionID: m.id,
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		LocalRole: m.role,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: old.String(),
			NewState: next.String(),
			Reason:   why,
		},
	})
	if cb != nil {
		cb(old, next)
	}
}

func reason(err error) string {
	if code := wire.CodeOf(err); code != wire.CodeNone {
		return code.String()
	}
	return err.Error()
}

// NextOutbound returns the next outbound sequence number, starting at 1.
func (m *Machine) NextOutbound() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.IsTerminal() {
		return 0, wire.NewError(wire.CodeSessionExpired, "session is %s", m.state)
	}
	m.outbound++
	return m.outbound, nil
}

// AcceptInbound rejects seq if it does not exceed the last committed
// inbound sequence. It does not advance the counter.
func (m *Machine) AcceptInbound(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.IsTerminal() {
		return wire.NewError(wire.CodeSessionExpired, "session is %s", m.state)
	}
	if seq <= m.inbound {
		return wire.NewError(wire.CodeSessionReplay, "seq %d not after %d", seq, m.inbound)
	}
	return nil
}

// CommitInbound advances the inbound counter to seq. It fails if a
// concurrent receiver already committed seq or a later value.
func (m *Machine) CommitInbound(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq <= m.inbound {
		return wire.NewError(wire.CodeSessionReplay, "seq %d not after %d", seq, m.inbound)
	}
	m.inbound = seq
	return nil
}

// Touch records peer activity and restarts the inactivity window.
func (m *Machine) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.IsTerminal() {
		return
	}
	m.lastSeen = m.clock.Now()
	if m.timer != nil {
		m.timer.Reset(m.window)
	}
}

func (m *Machine) checkInactivity() {
	m.mu.Lock()
	if m.state.IsTerminal() {
		m.mu.Unlock()
		return
	}
	idle := m.clock.Since(m.lastSeen)
	if idle < m.window {
		m.timer.Reset(m.window - idle)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.Fail(wire.NewTimeoutError(wire.CodeSessionExpired, "no authenticated message for %s", idle))
}

// Seal computes msg's MAC with the session key and stores it in msg.
func (m *Machine) Seal(msg wire.Authenticated) error {
	data, err := msg.AuthBytes()
	if err != nil {
		return fmt.Errorf("failed to encode auth bytes: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.IsTerminal() {
		return wire.NewError(wire.CodeSessionExpired, "session is %s", m.state)
	}
	if m.key == nil {
		return ErrNoKey
	}
	msg.SetTag(m.suite.MAC(m.key, data))
	return nil
}

// Verify checks msg's MAC. A mismatch is fatal: the session moves to
// Failed and SESSION_MAC_MISMATCH is returned. Success counts as peer
// activity.
func (m *Machine) Verify(msg wire.Authenticated) error {
	if msg.Session() != m.id {
		return wire.NewError(wire.CodeSessionInvalidToken, "message for session %q", msg.Session())
	}
	data, err := msg.AuthBytes()
	if err != nil {
		return fmt.Errorf("failed to encode auth bytes: %w", err)
	}

	m.mu.Lock()
	if m.state.IsTerminal() {
		state := m.state
		m.mu.Unlock()
		return wire.NewError(wire.CodeSessionExpired, "session is %s", state)
	}
	if m.key == nil {
		m.mu.Unlock()
		return wire.NewError(wire.CodeSessionInvalidToken, "session not authenticated")
	}
	ok := m.suite.VerifyMAC(m.key, data, msg.Tag())
	m.mu.Unlock()

	if !ok {
		err := wire.NewError(wire.CodeSessionMacMismatch, "%s MAC verification failed", msg.Kind())
		m.Fail(err)
		return err
	}
	m.Touch()
	return nil
}
