package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/fixlink-protocol/fixlink-go/pkg/control"
	"github.com/fixlink-protocol/fixlink-go/pkg/discovery"
	"github.com/fixlink-protocol/fixlink-go/pkg/handshake"
	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/session"
	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

const roleController = "controller"

// ControllerService orchestrates a FIXLINK controller: it discovers
// devices, runs handshakes and keeps one DeviceSession per device.
type ControllerService struct {
	mu sync.RWMutex

	config ControllerConfig
	state  ServiceState

	mux       *transport.Mux
	discovery *discovery.Client
	initiator *handshake.Initiator

	// sessions by session id
	sessions map[string]*DeviceSession

	eventHandlers []EventHandler

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewControllerService creates a controller using dg.
func NewControllerService(dg transport.Datagram, config ControllerConfig) (*ControllerService, error) {
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
	logger = logger.With("controller", config.ControllerID)

	svc := &ControllerService{
		config:   config,
		state:    StateIdle,
		mux:      transport.NewMux(dg, transport.MuxConfig{Role: log.RoleController, ProtocolLogger: config.ProtocolLogger, Logger: logger}),
		sessions: make(map[string]*DeviceSession),
		logger:   logger,
	}
	svc.mux.SetFallback(func(_ context.Context, msg wire.Message, from net.Addr) {
		svc.logger.Debug("dropping unsolicited message", "kind", msg.Kind(), "session", msg.Session(), "from", from)
	})
	svc.discovery = discovery.NewClient(svc.mux, discovery.ClientConfig{
		Suite:              config.Suite,
		Timeout:            config.DiscoveryTimeout,
		RetransmitInterval: config.DiscoveryRetransmit,
		Pins:               config.Pins,
		Logger:             logger,
	})
	svc.initiator = handshake.NewInitiator(handshake.InitiatorConfig{
		Suite:              config.Suite,
		ControllerID:       config.ControllerID,
		Signer:             config.Signer,
		StepTimeout:        config.StepTimeout,
		RetransmitInterval: config.HandshakeRetransmit,
		Clock:              config.Clock,
		Logger:             logger,
	})
	return svc, nil
}

// State returns the current service state.
func (s *ControllerService) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Config returns the service configuration.
func (s *ControllerService) Config() ControllerConfig {
	return s.config
}

// LocalAddr returns the endpoint address.
func (s *ControllerService) LocalAddr() net.Addr {
	return s.mux.LocalAddr()
}

// OnEvent registers an event handler.
func (s *ControllerService) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// Start begins receiving on the endpoint.
func (s *ControllerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateRunning

	go func() {
		if err := s.mux.Serve(s.ctx); err != nil {
			s.logger.Error("datagram endpoint stopped", "error", err)
		}
	}()
	s.logger.Info("controller started", "addr", s.mux.LocalAddr())
	return nil
}

// Stop closes every session and the endpoint.
func (s *ControllerService) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopped
	sessions := make([]*DeviceSession, 0, len(s.sessions))
	for _, ds := range s.sessions {
		sessions = append(sessions, ds)
	}
	s.mu.Unlock()

	for _, ds := range sessions {
		_ = ds.Close(s.ctx)
	}
	if s.config.Browser != nil {
		s.config.Browser.Stop()
	}
	s.cancel()
	return s.mux.Close()
}

// Sessions returns the established sessions.
func (s *ControllerService) Sessions() []*DeviceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DeviceSession, 0, len(s.sessions))
	for _, ds := range s.sessions {
		out = append(out, ds)
	}
	return out
}

// Session returns the session with id, or nil.
func (s *ControllerService) Session(id string) *DeviceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Discover probes addr and returns the verified device.
func (s *ControllerService) Discover(ctx context.Context, addr net.Addr, tags []string) (*discovery.Result, error) {
	if s.State() != StateRunning {
		return nil, ErrNotStarted
	}
	res, err := s.discovery.Discover(ctx, addr, tags, nil)
	s.config.Metrics.probe(err)
	if err != nil {
		return nil, err
	}
	s.emitEvent(Event{Type: EventDeviceDiscovered, DeviceID: res.Identity.DeviceID})
	return res, nil
}

// FindDevice locates deviceID through the mDNS browser and probes it.
func (s *ControllerService) FindDevice(ctx context.Context, deviceID string) (*discovery.Result, error) {
	if s.config.Browser == nil {
		return nil, ErrNoBrowser
	}
	svc, err := s.config.Browser.Find(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	addr, err := svc.UDPAddr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	res, err := s.Discover(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	if res.Identity.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: %s answered as %s", ErrDeviceNotFound, addr, res.Identity.DeviceID)
	}
	return res, nil
}

// Connect runs the handshake with a discovered device and returns the
// established session.
func (s *ControllerService) Connect(ctx context.Context, device *discovery.Result) (*DeviceSession, error) {
	if s.State() != StateRunning {
		return nil, ErrNotStarted
	}
	cfg := s.config
	m := session.New(session.Config{
		Role:              log.RoleController,
		Suite:             cfg.Suite,
		InactivityTimeout: cfg.InactivityTimeout,
		Clock:             cfg.Clock,
		ProtocolLogger:    cfg.ProtocolLogger,
		Logger:            s.logger,
	})
	conn, err := s.mux.Open(m.ID(), device.Addr)
	if err != nil {
		return nil, err
	}

	start := cfg.Clock.Now()
	err = s.initiator.Handshake(ctx, conn, m, device.Identity, cfg.Requested)
	cfg.Metrics.handshake(cfg.Clock.Since(start), err)
	if err != nil {
		_ = conn.Close()
		s.emitEvent(Event{Type: EventHandshakeFailed, SessionID: m.ID(), DeviceID: device.Identity.DeviceID, Error: err})
		return nil, err
	}

	ds := newControllerSession(s, m, conn, device)
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		_ = m.Close()
		_ = conn.Close()
		return nil, ErrNotStarted
	}
	s.sessions[m.ID()] = ds
	s.mu.Unlock()

	cfg.Metrics.sessionOpened(roleController)
	s.emitEvent(Event{Type: EventSessionEstablished, SessionID: m.ID(), DeviceID: device.Identity.DeviceID})
	go s.serve(ds)
	return ds, nil
}

func (s *ControllerService) serve(ds *DeviceSession) {
	ds.run(s.ctx)

	m := ds.machine
	s.mu.Lock()
	delete(s.sessions, m.ID())
	s.mu.Unlock()

	err := m.Err()
	s.config.Metrics.sessionEnded(roleController, err)
	ev := Event{Type: EventSessionClosed, SessionID: m.ID(), DeviceID: ds.device.Identity.DeviceID, Error: err}
	if m.State() == session.StateFailed {
		ev.Type = EventSessionFailed
	}
	s.emitEvent(ev)
}

func (s *ControllerService) emitEvent(event Event) {
	s.mu.RLock()
	handlers := slices.Clone(s.eventHandlers)
	s.mu.RUnlock()
	for _, handler := range handlers {
		go handler(event)
	}
}

func newControllerSession(svc *ControllerService, m *session.Machine, conn *transport.PeerConn, device *discovery.Result) *DeviceSession {
	cfg := svc.config
	ds := &DeviceSession{svc: svc, device: device}
	ds.link = newLink(log.RoleController, m, conn, cfg.KeepaliveInterval, cfg.Clock, cfg.Metrics, cfg.ProtocolLogger, svc.logger)
	ds.link.handle = ds.handle
	ds.client = control.NewClient(m, conn, control.ClientConfig{
		AckTimeout: cfg.AckTimeout,
		Window:     cfg.Window,
		Clock:      cfg.Clock,
		Logger:     svc.logger,
	})
	streamCfg := cfg.Stream
	if streamCfg.Clock == nil {
		streamCfg.Clock = cfg.Clock
	}
	if streamCfg.Logger == nil {
		streamCfg.Logger = svc.logger
	}
	ds.sender = stream.NewSender(m, conn, streamCfg)
	return ds
}
