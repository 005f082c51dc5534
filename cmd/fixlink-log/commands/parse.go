// Package commands implements the fixlink-log CLI commands.
package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// FilterOptions are the event selection flags shared by view, export and
// filter. Empty fields match everything.
type FilterOptions struct {
	SessionID string
	DeviceID  string
	Kind      string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string
}

// Filter converts the options into a log.Filter.
func (o FilterOptions) Filter() (log.Filter, error) {
	filter := log.Filter{SessionID: o.SessionID, DeviceID: o.DeviceID}

	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return filter, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return filter, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if o.Layer != "" {
		l, err := parseLayer(o.Layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if o.Direction != "" {
		d, err := parseDirection(o.Direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if o.Category != "" {
		c, err := parseCategory(o.Category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	if o.Kind != "" {
		k, err := parseKind(o.Kind)
		if err != nil {
			return filter, err
		}
		filter.Kind = &k
	}
	return filter, nil
}

func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "session":
		return log.LayerSession, nil
	case "service":
		return log.LayerService, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, session or service)", s)
	}
}

func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "keepalive":
		return log.CategoryKeepalive, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, keepalive, state or error)", s)
	}
}

// parseKind accepts the wire name of a kind, with dashes or underscores.
func parseKind(s string) (wire.Kind, error) {
	name := strings.ReplaceAll(strings.ToUpper(s), "-", "_")
	for _, k := range wire.AllKinds {
		if k.String() == name {
			return k, nil
		}
	}
	return wire.KindUnknown, fmt.Errorf("invalid message kind: %s", s)
}

// eventLabel names what an event carries.
func eventLabel(event log.Event) string {
	switch {
	case event.Message != nil:
		return event.Message.Kind.String()
	case event.Datagram != nil:
		return "DATAGRAM"
	case event.StateChange != nil:
		return "STATE"
	case event.Keepalive != nil:
		return "KEEPALIVE_" + event.Keepalive.Type.String()
	case event.Error != nil:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
