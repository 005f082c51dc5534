package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fixlink-protocol/fixlink-go/pkg/discovery"
	"github.com/fixlink-protocol/fixlink-go/pkg/duration"
	"github.com/fixlink-protocol/fixlink-go/pkg/handshake"
	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

const roleDevice = "device"

// DeviceService orchestrates a FIXLINK fixture.
type DeviceService struct {
	mu sync.RWMutex

	config DeviceConfig
	state  ServiceState

	mux       *transport.Mux
	discovery *discovery.Responder
	handshake *handshake.Responder
	effects   *duration.Manager

	// sessions by session id
	sessions map[string]*deviceSession

	// channels is the fixture's output buffer, one slot per channel.
	channels []uint16
	groups   map[string][]uint16

	eventHandlers []EventHandler

	logger *slog.Logger
	plog   log.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDeviceService creates a device serving dg.
func NewDeviceService(dg transport.Datagram, config DeviceConfig) (*DeviceService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Suite == nil {
		config.Suite = suite.New()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", config.Identity.DeviceID)
	if len(config.Identity.PublicKey) == 0 {
		config.Identity.PublicKey = config.Signer.Public()
	}

	disc, err := discovery.NewResponder(discovery.ResponderConfig{
		Suite:        config.Suite,
		Signer:       config.Signer,
		Identity:     config.Identity,
		Capabilities: config.Capabilities,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	hs, err := handshake.NewResponder(handshake.ResponderConfig{
		Suite:        config.Suite,
		Signer:       config.Signer,
		Identity:     config.Identity,
		Capabilities: config.Capabilities,
		PendingTTL:   config.PendingTTL,

		Controllers:                config.Controllers,
		RequireControllerSignature: config.RequireControllerSignature,
		Session: session.Config{
			Role:              log.RoleDevice,
			InactivityTimeout: config.InactivityTimeout,
			Clock:             config.Clock,
			ProtocolLogger:    config.ProtocolLogger,
			Logger:            logger,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	svc := &DeviceService{
		config:    config,
		state:     StateIdle,
		mux:       transport.NewMux(dg, transport.MuxConfig{Role: log.RoleDevice, ProtocolLogger: config.ProtocolLogger, Logger: logger}),
		discovery: disc,
		handshake: hs,
		effects:   duration.NewManager(config.Clock),
		sessions:  make(map[string]*deviceSession),
		channels:  make([]uint16, config.Capabilities.MaxChannels),
		groups:    make(map[string][]uint16),
		logger:    logger,
		plog:      log.OrNoop(config.ProtocolLogger),
	}
	svc.effects.OnExpiry(func(sessionID string, effect duration.Effect) {
		svc.logger.Info("effect ended", "session", sessionID, "effect", effect)
		if effect == duration.EffectIdentify {
			svc.emitEvent(Event{Type: EventIdentifyEnded, SessionID: sessionID})
		}
	})
	svc.mux.SetFallback(svc.handleUnrouted)
	return svc, nil
}

// State returns the current service state.
func (s *DeviceService) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the announced identity.
func (s *DeviceService) Identity() wire.DeviceIdentity {
	return s.config.Identity
}

// LocalAddr returns the endpoint address.
func (s *DeviceService) LocalAddr() net.Addr {
	return s.mux.LocalAddr()
}

// OnEvent registers an event handler.
func (s *DeviceService) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// Start begins serving and, if configured, advertising.
func (s *DeviceService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateRunning
	s.mu.Unlock()

	go func() {
		if err := s.mux.Serve(s.ctx); err != nil {
			s.logger.Error("datagram endpoint stopped", "error", err)
		}
	}()

	if s.config.Advertiser != nil {
		if err := s.config.Advertiser.Advertise(s.ctx, s.discovery.Info(s.config.Port)); err != nil {
			s.logger.Warn("mDNS advertising failed", "error", err)
		}
	}
	s.logger.Info("device started", "addr", s.mux.LocalAddr())
	return nil
}

// Stop closes every session and the endpoint.
func (s *DeviceService) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopped
	sessions := make([]*deviceSession, 0, len(s.sessions))
	for _, ds := range s.sessions {
		sessions = append(sessions, ds)
	}
	s.mu.Unlock()

	for _, ds := range sessions {
		ds.close(s.ctx, "device shutdown")
	}
	for _, ds := range sessions {
		ds.wait()
	}
	if s.config.Advertiser != nil {
		_ = s.config.Advertiser.Stop()
	}
	s.cancel()
	return s.mux.Close()
}

// Sessions returns the number of established sessions.
func (s *DeviceService) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SessionInfos returns a snapshot of each established session.
func (s *DeviceService) SessionInfos() []session.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]session.Info, 0, len(s.sessions))
	for _, ds := range s.sessions {
		infos = append(infos, ds.machine.Info())
	}
	slices.SortFunc(infos, func(a, b session.Info) int { return strings.Compare(a.ID, b.ID) })
	return infos
}

// CloseSession ends the session with id, telling the controller.
func (s *DeviceService) CloseSession(ctx context.Context, id string, reason string) error {
	s.mu.RLock()
	ds, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	ds.close(ctx, reason)
	ds.wait()
	return nil
}

// Channels returns a copy of the channel buffer.
func (s *DeviceService) Channels() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.channels)
}

// Group returns a copy of a group's last values.
func (s *DeviceService) Group(name string) []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.groups[name])
}

// Identifying reports whether any controller has an identify running.
func (s *DeviceService) Identifying() bool {
	return s.effects.Active(duration.EffectIdentify)
}

// handleUnrouted serves messages that belong to no established session:
// discovery probes and the handshake.
func (s *DeviceService) handleUnrouted(ctx context.Context, msg wire.Message, from net.Addr) {
	var reply wire.Message
	switch msg := msg.(type) {
	case *wire.DiscoveryRequest:
		r, err := s.discovery.HandleRequest(msg)
		if err != nil {
			s.logger.Debug("discovery request refused", "from", from, "error", err)
			return
		}
		reply = r

	case *wire.SessionInit:
		ack, err := s.handshake.HandleInit(msg)
		if err != nil {
			s.logError(msg.SessionID, err, "SessionInit")
			reply = &wire.SessionComplete{SessionID: msg.SessionID, Error: wire.CodeOf(err)}
			break
		}
		reply = ack

	case *wire.SessionReady:
		m, complete, err := s.handshake.HandleReady(msg)
		if err != nil {
			s.logError(msg.SessionID, err, "SessionReady")
			s.emitEvent(Event{Type: EventHandshakeFailed, SessionID: msg.SessionID, Error: err})
		}
		if m != nil {
			if err := s.establish(m, from); err != nil {
				m.Fail(err)
				complete = &wire.SessionComplete{SessionID: msg.SessionID, Error: wire.CodeSessionInvalidToken}
			}
		}
		if complete == nil {
			return
		}
		reply = complete

	default:
		s.logger.Debug("dropping message for unknown session", "kind", msg.Kind(), "session", msg.Session(), "from", from)
		return
	}

	if err := s.mux.SendTo(ctx, reply, from); err != nil {
		s.logger.Debug("reply failed", "kind", reply.Kind(), "to", from, "error", err)
	}
}

// establish registers the routed conn before SessionComplete goes out so
// the controller's first request finds it.
func (s *DeviceService) establish(m *session.Machine, from net.Addr) error {
	conn, err := s.mux.Open(m.ID(), from)
	if err != nil {
		return err
	}
	ds := newDeviceSession(s, m, conn)

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrNotStarted
	}
	s.sessions[m.ID()] = ds
	s.mu.Unlock()

	s.config.Metrics.sessionOpened(roleDevice)
	s.emitEvent(Event{Type: EventSessionEstablished, SessionID: m.ID(), DeviceID: m.Peer().DeviceID})
	go s.serve(ds)
	return nil
}

func (s *DeviceService) serve(ds *deviceSession) {
	ds.run(s.ctx)

	m := ds.machine
	s.mu.Lock()
	delete(s.sessions, m.ID())
	s.mu.Unlock()
	s.effects.CancelSession(m.ID())

	err := m.Err()
	s.config.Metrics.sessionEnded(roleDevice, err)
	ev := Event{Type: EventSessionClosed, SessionID: m.ID(), DeviceID: m.Peer().DeviceID, Error: err}
	if m.State() == session.StateFailed {
		ev.Type = EventSessionFailed
	}
	s.emitEvent(ev)
}

// setChannels writes a block into the channel buffer.
func (s *DeviceService) setChannels(start int, values []uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.channels[start:], values)
}

func (s *DeviceService) setGroup(name string, values []uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[name] = slices.Clone(values)
}

// reset blanks the fixture.
func (s *DeviceService) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.channels)
	clear(s.groups)
}

func (s *DeviceService) logError(sessionID string, err error, context string) {
	s.plog.Log(log.Event{
		Timestamp: s.config.Clock.Now(),
		SessionID: sessionID,
		Layer:     log.LayerSession,
		Category:  log.CategoryError,
		LocalRole: log.RoleDevice,
		Error:     log.NewErrorEvent(log.LayerSession, err, context),
	})
}

func (s *DeviceService) emitEvent(event Event) {
	s.mu.RLock()
	handlers := slices.Clone(s.eventHandlers)
	s.mu.RUnlock()
	for _, handler := range handlers {
		go handler(event)
	}
}

// identify starts or replaces the identify effect for a session.
func (s *DeviceService) identify(sessionID string, d time.Duration) error {
	if err := s.effects.SetTimer(sessionID, duration.EffectIdentify, d); err != nil {
		return err
	}
	s.emitEvent(Event{Type: EventIdentifyStarted, SessionID: sessionID})
	return nil
}
