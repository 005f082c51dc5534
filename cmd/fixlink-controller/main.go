// Command fixlink-controller is a reference FIXLINK controller.
//
// It probes devices, authenticates them and drives them through the
// control and stream channels, either from the interactive console or by
// connecting to a single device at startup.
//
// Usage:
//
//	fixlink-controller [flags]
//
// Flags:
//
//	-config string      YAML configuration file
//	-interactive        Enable the interactive console (default true)
//	-connect string     Probe and connect to host:port at startup
//	-print-config       Print the effective configuration and exit
//
// Examples:
//
//	# Interactive desk
//	fixlink-controller
//
//	# Connect to one fixture and keep the session alive
//	fixlink-controller -interactive=false -connect 192.168.1.40:5568
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fixlink-protocol/fixlink-go/cmd/fixlink-controller/interactive"
	"github.com/fixlink-protocol/fixlink-go/pkg/config"
	"github.com/fixlink-protocol/fixlink-go/pkg/discovery"
	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/service"
	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
)

var (
	configFile  string
	interact    bool
	connectAddr string
	printConfig bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "YAML configuration file")
	flag.BoolVar(&interact, "interactive", true, "Enable the interactive console")
	flag.StringVar(&connectAddr, "connect", "", "Probe and connect to host:port at startup")
	flag.BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fixlink-controller: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if printConfig {
		return config.Encode(os.Stdout, cfg)
	}

	level, _ := cfg.Log.SlogLevel()
	logger := newLogger(os.Stderr, level)

	var console *interactive.Controller
	if interact {
		if console, err = interactive.New(cfg.Discovery.BrowseTimeout); err != nil {
			return err
		}
		logger = newLogger(console.Stdout(), level)
	}
	slog.SetDefault(logger)

	svcConfig, profile, err := serviceConfig(cfg, logger)
	if err != nil {
		return err
	}

	var plogs []log.Logger
	if level <= slog.LevelDebug {
		plogs = append(plogs, log.NewSlogAdapter(logger))
	}
	if cfg.Log.ProtocolFile != "" {
		fl, err := log.NewFileLogger(cfg.Log.ProtocolFile)
		if err != nil {
			return err
		}
		defer fl.Close()
		plogs = append(plogs, fl)
	}
	if len(plogs) > 0 {
		svcConfig.ProtocolLogger = log.NewMultiLogger(plogs...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if svcConfig.Metrics, err = service.NewMetrics(reg); err != nil {
			return err
		}
		go serveMetrics(ctx, cfg.Metrics.Listen, reg, logger)
	}

	dg, err := transport.ListenUDP(cfg.Listen)
	if err != nil {
		return err
	}
	svc, err := service.NewControllerService(dg, svcConfig)
	if err != nil {
		return err
	}
	svc.OnEvent(func(e service.Event) { logEvent(logger, e) })
	if err := svc.Start(ctx); err != nil {
		return err
	}

	if connectAddr != "" {
		if err := connect(ctx, svc, connectAddr, profile, logger); err != nil {
			logger.Error("startup connect failed", "addr", connectAddr, "error", err)
		}
	}
	if console != nil {
		go console.Run(ctx, cancel, svc, profile)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	return svc.Stop()
}

func loadConfig() (*config.Controller, error) {
	if configFile == "" {
		cfg := config.DefaultController()
		return &cfg, cfg.Validate()
	}
	return config.LoadController(configFile)
}

func serviceConfig(cfg *config.Controller, logger *slog.Logger) (service.ControllerConfig, stream.Profile, error) {
	out := service.DefaultControllerConfig()
	profile, err := cfg.StreamProfile()
	if err != nil {
		return out, profile, err
	}
	pins, err := cfg.PinSet()
	if err != nil {
		return out, profile, err
	}
	requested, err := cfg.Requested.CapabilitySet()
	if err != nil {
		return out, profile, err
	}

	out.ControllerID = cfg.ControllerID
	if out.Signer, err = loadSigner(cfg.KeySeed, logger); err != nil {
		return out, profile, err
	}
	if label, err := discovery.NewLabel(cfg.ControllerID, out.Signer.Public()); err == nil {
		logger.Info("controller identity", "controller", cfg.ControllerID, "label", label.String())
	}
	out.DiscoveryTimeout = cfg.Discovery.Timeout
	out.DiscoveryRetransmit = cfg.Discovery.RetransmitInterval
	if pins.Len() > 0 {
		out.Pins = pins
	}
	out.Browser = discovery.NewMDNSBrowser(discovery.BrowserConfig{Interface: cfg.Discovery.Interface})
	out.StepTimeout = cfg.Handshake.StepTimeout
	out.HandshakeRetransmit = cfg.Handshake.RetransmitInterval
	out.Requested = requested
	out.InactivityTimeout = cfg.Session.InactivityTimeout
	out.KeepaliveInterval = cfg.Session.KeepaliveInterval
	out.AckTimeout = cfg.Control.AckTimeout
	out.Window = cfg.Control.Window
	out.Stream = stream.Config{BaseInterval: cfg.Stream.BaseInterval}
	out.Logger = logger
	return out, profile, nil
}

func connect(ctx context.Context, svc *service.ControllerService, addr string, profile stream.Profile, logger *slog.Logger) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := svc.Discover(ctx, udpAddr, nil)
	if err != nil {
		return err
	}
	ds, err := svc.Connect(ctx, res)
	if err != nil {
		return err
	}
	id, err := ds.SetProfile(ctx, profile)
	if err != nil {
		return err
	}
	logger.Info("connected", "device", res.Identity.DeviceID, "session", ds.ID(), "profile", id)
	return nil
}

func loadSigner(seed string, logger *slog.Logger) (*suite.Signer, error) {
	if seed != "" {
		return suite.SignerFromHex(seed)
	}
	logger.Warn("no key_seed configured, generating an ephemeral identity key")
	return suite.GenerateSigner(rand.Reader)
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

func logEvent(logger *slog.Logger, e service.Event) {
	attrs := []any{"event", e.Type}
	if e.SessionID != "" {
		attrs = append(attrs, "session", e.SessionID)
	}
	if e.DeviceID != "" {
		attrs = append(attrs, "device", e.DeviceID)
	}
	if e.ProfileID != "" {
		attrs = append(attrs, "profile", e.ProfileID)
	}
	if e.Error != nil {
		attrs = append(attrs, "error", e.Error)
		logger.Warn("session event", attrs...)
		return
	}
	logger.Info("session event", attrs...)
}
