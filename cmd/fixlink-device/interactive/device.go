// Package interactive provides the interactive console of fixlink-device.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/fixlink-protocol/fixlink-go/pkg/service"
)

// Device is the interactive console of a running device.
type Device struct {
	svc *service.DeviceService
	rl  *readline.Instance
}

// New creates the console. Logging should go through Stdout once it exists
// so output does not tear the prompt.
func New() (*Device, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "device> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("status"),
			readline.PcItem("sessions"),
			readline.PcItem("channels"),
			readline.PcItem("group"),
			readline.PcItem("kick"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Device{rl: rl}, nil
}

// Stdout returns a writer that coordinates with the prompt.
func (d *Device) Stdout() io.Writer {
	return d.rl.Stdout()
}

// Run reads commands for svc until quit, EOF or ctx ends.
func (d *Device) Run(ctx context.Context, cancel context.CancelFunc, svc *service.DeviceService) {
	defer d.rl.Close()
	d.svc = svc
	d.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := d.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(d.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "help", "?":
			d.printHelp()
		case "status":
			d.cmdStatus()
		case "sessions", "s":
			d.cmdSessions()
		case "channels", "ch":
			d.cmdChannels(args)
		case "group", "g":
			d.cmdGroup(args)
		case "kick":
			d.cmdKick(ctx, args)
		case "quit", "exit", "q":
			fmt.Fprintln(d.rl.Stdout(), "Exiting...")
			cancel()
			return
		default:
			fmt.Fprintf(d.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (d *Device) printHelp() {
	fmt.Fprintln(d.rl.Stdout(), `
FIXLINK Device Commands:
  status                  - Show device status
  sessions                - List established sessions
  channels [start] [n]    - Show channel values (default first 16)
  group <name>            - Show a group's last values
  kick <session-id>       - Close a session
  help                    - Show this help
  quit                    - Exit`)
}

func (d *Device) cmdStatus() {
	w := d.rl.Stdout()
	id := d.svc.Identity()
	fmt.Fprintf(w, "Device:      %s (%s %s)\n", id.DeviceID, id.ManufacturerID, id.ModelID)
	fmt.Fprintf(w, "Address:     %s\n", d.svc.LocalAddr())
	fmt.Fprintf(w, "State:       %s\n", d.svc.State())
	fmt.Fprintf(w, "Sessions:    %d\n", d.svc.Sessions())
	fmt.Fprintf(w, "Identifying: %t\n", d.svc.Identifying())
}

func (d *Device) cmdSessions() {
	w := d.rl.Stdout()
	infos := d.svc.SessionInfos()
	if len(infos) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	for _, info := range infos {
		profile := info.ProfileID
		if profile == "" {
			profile = "-"
		}
		fmt.Fprintf(w, "%s  %-13s  controller=%s  profile=%s  seen=%s ago\n",
			info.ID, info.State, info.Peer.DeviceID, profile, time.Since(info.LastSeen).Round(time.Millisecond))
	}
}

func (d *Device) cmdChannels(args []string) {
	w := d.rl.Stdout()
	channels := d.svc.Channels()
	start, n := 0, 16
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 || v >= len(channels) {
			fmt.Fprintf(w, "Invalid start channel: %s\n", args[0])
			return
		}
		start = v
	}
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			fmt.Fprintf(w, "Invalid count: %s\n", args[1])
			return
		}
		n = v
	}
	end := min(start+n, len(channels))
	for i := start; i < end; i++ {
		fmt.Fprintf(w, "%4d: %5d\n", i, channels[i])
	}
}

func (d *Device) cmdGroup(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(d.rl.Stdout(), "Usage: group <name>")
		return
	}
	values := d.svc.Group(args[0])
	if values == nil {
		fmt.Fprintf(d.rl.Stdout(), "Group %q has no values.\n", args[0])
		return
	}
	fmt.Fprintf(d.rl.Stdout(), "%s: %v\n", args[0], values)
}

func (d *Device) cmdKick(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(d.rl.Stdout(), "Usage: kick <session-id>")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.svc.CloseSession(ctx, args[0], "closed by operator"); err != nil {
		fmt.Fprintf(d.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(d.rl.Stdout(), "Session %s closed.\n", args[0])
}
