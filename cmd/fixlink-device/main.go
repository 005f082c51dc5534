// Command fixlink-device runs a FIXLINK fixture.
//
// The device answers discovery probes, accepts controller handshakes and
// applies control operations and stream frames to an in-memory channel
// buffer. It is the reference peer for fixlink-controller.
//
// Usage:
//
//	fixlink-device [flags]
//
// Flags:
//
//	-config string      YAML configuration file
//	-interactive        Enable the interactive console
//	-print-config       Print the effective configuration and exit
//
// Examples:
//
//	# Start with defaults and a generated identity key
//	fixlink-device
//
//	# Start from a config file with the console enabled
//	fixlink-device -config /etc/fixlink/par64.yaml -interactive
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

	"github.com/fixlink-protocol/fixlink-go/cmd/fixlink-device/interactive"
	"github.com/fixlink-protocol/fixlink-go/pkg/config"
	"github.com/fixlink-protocol/fixlink-go/pkg/discovery"
	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/service"
	"github.com/fixlink-protocol/fixlink-go/pkg/suite"
	"github.com/fixlink-protocol/fixlink-go/pkg/transport"
)

var (
	configFile  string
	interact    bool
	printConfig bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "YAML configuration file")
	flag.BoolVar(&interact, "interactive", false, "Enable the interactive console")
	flag.BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fixlink-device: %v\n", err)
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

	var console *interactive.Device
	if interact {
		if console, err = interactive.New(); err != nil {
			return err
		}
		logger = newLogger(console.Stdout(), level)
	}
	slog.SetDefault(logger)

	signer, err := loadSigner(cfg.KeySeed, logger)
	if err != nil {
		return err
	}
	caps, err := cfg.Capabilities.CapabilitySet()
	if err != nil {
		return err
	}

	dg, err := transport.ListenUDP(cfg.Listen)
	if err != nil {
		return err
	}

	svcConfig := service.DefaultDeviceConfig()
	svcConfig.Signer = signer
	svcConfig.Identity = cfg.Identity.DeviceIdentity()
	svcConfig.Identity.PublicKey = signer.Public()
	svcConfig.Capabilities = caps
	svcConfig.InactivityTimeout = cfg.Session.InactivityTimeout
	svcConfig.KeepaliveInterval = cfg.Session.KeepaliveInterval
	svcConfig.PendingTTL = cfg.PendingTTL
	if svcConfig.Controllers, err = cfg.ControllerPins(); err != nil {
		return err
	}
	svcConfig.RequireControllerSignature = cfg.RequireControllerSignature
	svcConfig.Logger = logger
	if addr, ok := dg.LocalAddr().(*net.UDPAddr); ok {
		svcConfig.Port = uint16(addr.Port)
	}
	if cfg.Advertise {
		svcConfig.Advertiser = discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{
			Interface: cfg.Interface,
			TTL:       cfg.MDNSTTL,
		})
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

	svc, err := service.NewDeviceService(dg, svcConfig)
	if err != nil {
		return err
	}
	svc.OnEvent(func(e service.Event) { logEvent(logger, e) })

	if err := svc.Start(ctx); err != nil {
		return err
	}
	printPairing(logger, svcConfig)

	if console != nil {
		go console.Run(ctx, cancel, svc)
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

func loadConfig() (*config.Device, error) {
	if configFile == "" {
		cfg := config.DefaultDevice()
		cfg.Identity = config.Identity{
			DeviceID:     fmt.Sprintf("fixture-%04d", time.Now().Unix()%10000),
			Manufacturer: "FIXLINK Reference",
			Model:        "Reference Fixture",
		}
		return &cfg, cfg.Validate()
	}
	return config.LoadDevice(configFile)
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

func printPairing(logger *slog.Logger, cfg service.DeviceConfig) {
	label, err := discovery.NewLabel(cfg.Identity.DeviceID, cfg.Identity.PublicKey)
	if err != nil {
		logger.Warn("cannot build pairing label", "error", err)
		return
	}
	logger.Info("device ready",
		"device", cfg.Identity.DeviceID,
		"port", cfg.Port,
		"fingerprint", discovery.Fingerprint(cfg.Identity.PublicKey),
		"label", label.String())
}

func logEvent(logger *slog.Logger, e service.Event) {
	attrs := []any{"event", e.Type}
	if e.SessionID != "" {
		attrs = append(attrs, "session", e.SessionID)
	}
	if e.DeviceID != "" {
		attrs = append(attrs, "peer", e.DeviceID)
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
