// Package interactive provides the interactive console of
// fixlink-controller.
package interactive

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/fixlink-protocol/fixlink-go/pkg/discovery"
	"github.com/fixlink-protocol/fixlink-go/pkg/service"
	"github.com/fixlink-protocol/fixlink-go/pkg/stream"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

const commandTimeout = 10 * time.Second

// Controller is the interactive console of a running controller.
type Controller struct {
	svc           *service.ControllerService
	rl            *readline.Instance
	browseTimeout time.Duration
	profile       stream.Profile

	mu      sync.Mutex
	devices map[string]*discovery.Result
}

// New creates the console. browseTimeout bounds the browse command.
func New(browseTimeout time.Duration) (*Controller, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "fixlink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("discover"),
			readline.PcItem("browse"),
			readline.PcItem("find"),
			readline.PcItem("devices"),
			readline.PcItem("connect"),
			readline.PcItem("sessions"),
			readline.PcItem("profile"),
			readline.PcItem("set"),
			readline.PcItem("group"),
			readline.PcItem("identify"),
			readline.PcItem("reset"),
			readline.PcItem("status"),
			readline.PcItem("stream",
				readline.PcItem("start"),
				readline.PcItem("stop"),
				readline.PcItem("frame"),
			),
			readline.PcItem("close"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Controller{
		rl:            rl,
		browseTimeout: browseTimeout,
		devices:       make(map[string]*discovery.Result),
	}, nil
}

// Stdout returns a writer that coordinates with the prompt.
func (c *Controller) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands for svc until quit, EOF or ctx ends. profile is the
// default stream profile.
func (c *Controller) Run(ctx context.Context, cancel context.CancelFunc, svc *service.ControllerService, profile stream.Profile) {
	defer c.rl.Close()
	c.svc = svc
	c.profile = profile
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		cmdCtx, cmdCancel := context.WithTimeout(ctx, commandTimeout)
		switch cmd {
		case "help", "?":
			c.printHelp()
		case "discover":
			c.cmdDiscover(cmdCtx, args)
		case "browse":
			c.cmdBrowse(ctx)
		case "find":
			c.cmdFind(cmdCtx, args)
		case "devices", "ls":
			c.cmdDevices()
		case "connect":
			c.cmdConnect(cmdCtx, args)
		case "sessions", "s":
			c.cmdSessions()
		case "profile":
			c.cmdProfile(cmdCtx, args)
		case "set":
			c.cmdSet(cmdCtx, args)
		case "group":
			c.cmdGroup(cmdCtx, args)
		case "identify":
			c.cmdIdentify(cmdCtx, args)
		case "reset":
			c.withSession(args, 0, func(ds *service.DeviceSession, _ []string) error {
				return ds.Reset(cmdCtx)
			})
		case "status":
			c.cmdStatus(cmdCtx, args)
		case "stream":
			c.cmdStream(cmdCtx, args)
		case "close":
			c.withSession(args, 0, func(ds *service.DeviceSession, _ []string) error {
				return ds.Close(cmdCtx)
			})
		case "quit", "exit", "q":
			cmdCancel()
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
		cmdCancel()
	}
}

func (c *Controller) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
FIXLINK Controller Commands:
  Discovery & Connection:
    discover <host:port>             - Probe a device
    browse                           - List devices announced over mDNS
    find <device-id>                 - Locate a device over mDNS and probe it
    devices                          - List probed devices
    connect <device-id>              - Authenticate and open a session
    sessions                         - List sessions

  Control (session ids may be abbreviated):
    profile <sid> [auto|realtime|install|<latency>]
                                     - Negotiate the stream profile
    set <sid> <start> <v>...         - Write channel values
    group <sid> <name> <v>...        - Write a channel group
    identify <sid> <seconds>         - Identify the fixture
    reset <sid>                      - Reset the fixture
    status <sid>                     - Query device status

  Streaming:
    stream <sid> start [profile]     - Start streaming
    stream <sid> frame <v>...        - Send one frame
    stream <sid> stop                - Stop streaming

  General:
    close <sid>                      - Close a session
    help                             - Show this help
    quit                             - Exit`)
}

func (c *Controller) cmdDiscover(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: discover <host:port>")
		return
	}
	addr, err := net.ResolveUDPAddr("udp", args[0])
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	c.probe(ctx, addr)
}

func (c *Controller) probe(ctx context.Context, addr net.Addr) {
	res, err := c.svc.Discover(ctx, addr, nil)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	c.remember(res)
}

func (c *Controller) remember(res *discovery.Result) {
	c.mu.Lock()
	c.devices[res.Identity.DeviceID] = res
	c.mu.Unlock()
	c.printDevice(res)
}

func (c *Controller) printDevice(res *discovery.Result) {
	id := res.Identity
	fmt.Fprintf(c.rl.Stdout(), "%s  %s %s  v%s  %s  fp=%s  channels=%d\n",
		id.DeviceID, id.ManufacturerID, id.ModelID, res.ProtocolVersion, res.Addr,
		discovery.Fingerprint(id.PublicKey), res.Capabilities.MaxChannels)
}

func (c *Controller) cmdBrowse(ctx context.Context) {
	browser := c.svc.Config().Browser
	if browser == nil {
		fmt.Fprintln(c.rl.Stdout(), "No mDNS browser configured.")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.browseTimeout)
	defer cancel()
	ch, err := browser.Browse(ctx)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	n := 0
	for svc := range ch {
		n++
		fmt.Fprintf(c.rl.Stdout(), "%s  %s  port=%d  %v\n", svc.Info.DeviceID, svc.InstanceName, svc.Port, svc.Addresses)
	}
	fmt.Fprintf(c.rl.Stdout(), "%d device(s) announced.\n", n)
}

func (c *Controller) cmdFind(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: find <device-id>")
		return
	}
	res, err := c.svc.FindDevice(ctx, args[0])
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	c.remember(res)
}

func (c *Controller) cmdDevices() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	results := make([]*discovery.Result, len(ids))
	for i, id := range ids {
		results[i] = c.devices[id]
	}
	c.mu.Unlock()

	if len(results) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No devices. Use 'discover' or 'find'.")
		return
	}
	for _, res := range results {
		c.printDevice(res)
	}
}

func (c *Controller) cmdConnect(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: connect <device-id>")
		return
	}
	c.mu.Lock()
	res, ok := c.devices[args[0]]
	c.mu.Unlock()
	if !ok {
		fmt.Fprintf(c.rl.Stdout(), "Unknown device %s. Probe it first.\n", args[0])
		return
	}
	ds, err := c.svc.Connect(ctx, res)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Session %s established with %s.\n", ds.ID(), res.Identity.DeviceID)
}

func (c *Controller) cmdSessions() {
	sessions := c.svc.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No sessions.")
		return
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })
	for _, ds := range sessions {
		info := ds.Machine().Info()
		profile := info.ProfileID
		if profile == "" {
			profile = "-"
		}
		stats := ds.Stream().Stats()
		fmt.Fprintf(c.rl.Stdout(), "%s  %-13s  device=%s  profile=%s  sent=%d dropped=%d\n",
			info.ID, info.State, info.Peer.DeviceID, profile, stats.Sent, stats.Dropped)
	}
}

func (c *Controller) cmdProfile(ctx context.Context, args []string) {
	c.withSession(args, 0, func(ds *service.DeviceSession, rest []string) error {
		p, err := c.parseProfile(rest)
		if err != nil {
			return err
		}
		id, err := ds.SetProfile(ctx, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.rl.Stdout(), "Profile %s negotiated (%s).\n", id, p)
		return nil
	})
}

func (c *Controller) cmdSet(ctx context.Context, args []string) {
	c.withSession(args, 2, func(ds *service.DeviceSession, rest []string) error {
		start, err := strconv.ParseUint(rest[0], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid start channel %q", rest[0])
		}
		values, err := parseValues(rest[1:])
		if err != nil {
			return err
		}
		return ds.SetChannels(ctx, uint16(start), values)
	})
}

func (c *Controller) cmdGroup(ctx context.Context, args []string) {
	c.withSession(args, 2, func(ds *service.DeviceSession, rest []string) error {
		values, err := parseValues(rest[1:])
		if err != nil {
			return err
		}
		return ds.SetGroup(ctx, rest[0], values)
	})
}

func (c *Controller) cmdIdentify(ctx context.Context, args []string) {
	c.withSession(args, 1, func(ds *service.DeviceSession, rest []string) error {
		secs, err := strconv.ParseFloat(rest[0], 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid duration %q", rest[0])
		}
		return ds.Identify(ctx, time.Duration(secs*float64(time.Second)))
	})
}

func (c *Controller) cmdStatus(ctx context.Context, args []string) {
	c.withSession(args, 0, func(ds *service.DeviceSession, _ []string) error {
		report, err := ds.QueryStatus(ctx)
		if err != nil {
			return err
		}
		w := c.rl.Stdout()
		fmt.Fprintf(w, "State:           %s\n", report.State)
		fmt.Fprintf(w, "Profile:         %s\n", report.ProfileID)
		fmt.Fprintf(w, "Frames received: %d\n", report.FramesReceived)
		if report.LastFrameMicros > 0 {
			fmt.Fprintf(w, "Last frame:      %s\n", time.UnixMicro(report.LastFrameMicros).Format(time.RFC3339Nano))
		}
		return nil
	})
}

func (c *Controller) cmdStream(ctx context.Context, args []string) {
	c.withSession(args, 1, func(ds *service.DeviceSession, rest []string) error {
		switch rest[0] {
		case "start":
			p, err := c.parseProfile(rest[1:])
			if err != nil {
				return err
			}
			id, err := ds.StartStream(ctx, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.rl.Stdout(), "Streaming with %s.\n", id)
		case "stop":
			return ds.StopStream(ctx)
		case "frame":
			values, err := parseValues(rest[1:])
			if err != nil {
				return err
			}
			format := wire.Format8Bit
			for _, v := range values {
				if v > wire.Format8Bit.MaxValue() {
					format = wire.Format16Bit
				}
			}
			return ds.SendFrame(ctx, stream.Frame{Format: format, Values: values})
		default:
			return fmt.Errorf("unknown stream command %q", rest[0])
		}
		return nil
	})
}

// withSession resolves args[0] as a session id prefix and calls fn with
// the remaining arguments, which must number at least minArgs.
func (c *Controller) withSession(args []string, minArgs int, fn func(*service.DeviceSession, []string) error) {
	if len(args) < 1+minArgs {
		fmt.Fprintln(c.rl.Stdout(), "Missing arguments (type 'help' for usage)")
		return
	}
	ds, err := c.resolve(args[0])
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	if err := fn(ds, args[1:]); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintln(c.rl.Stdout(), "OK")
}

func (c *Controller) resolve(prefix string) (*service.DeviceSession, error) {
	var match *service.DeviceSession
	for _, ds := range c.svc.Sessions() {
		if !strings.HasPrefix(ds.ID(), prefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("session prefix %q is ambiguous", prefix)
		}
		match = ds
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", service.ErrNoSession, prefix)
	}
	return match, nil
}

// parseProfile reads an optional intent name or latency weight.
func (c *Controller) parseProfile(args []string) (stream.Profile, error) {
	if len(args) == 0 {
		return c.profile, nil
	}
	if latency, err := strconv.ParseUint(args[0], 10, 8); err == nil {
		return stream.NewProfile(stream.IntentAuto, uint8(latency), uint8(100-min(latency, 100)))
	}
	intent, err := stream.ParseIntent(args[0])
	if err != nil {
		return stream.Profile{}, err
	}
	switch intent {
	case stream.IntentRealtime:
		return stream.Realtime(), nil
	case stream.IntentInstall:
		return stream.Install(), nil
	default:
		return stream.Auto(), nil
	}
}

func parseValues(args []string) ([]uint16, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no values given")
	}
	values := make([]uint16, len(args))
	for i, a := range args {
		v, err := strconv.ParseUint(a, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", a)
		}
		values[i] = uint16(v)
	}
	return values, nil
}
