package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/log"
	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	MessagesByKind    map[wire.Kind]int
	ErrorsByCode      map[string]int
	Sessions          map[string]*SessionStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// SessionStats holds statistics for a single session.
type SessionStats struct {
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	Frames     int
	Keepalives int
	DeviceID   string
	RemoteAddr string
	FinalState string
}

// CollectStats reads the log at path and aggregates it.
func CollectStats(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		MessagesByKind:    make(map[wire.Kind]int),
		ErrorsByCode:      make(map[string]int),
		Sessions:          make(map[string]*SessionStats),
	}
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Message != nil {
		s.MessagesByKind[event.Message.Kind]++
	}
	if event.Error != nil {
		s.Errors++
		code := "NONE"
		if event.Error.Code != nil {
			code = event.Error.Code.String()
		}
		s.ErrorsByCode[code]++
	}

	if event.SessionID == "" {
		return
	}
	sess, ok := s.Sessions[event.SessionID]
	if !ok {
		sess = &SessionStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Sessions[event.SessionID] = sess
	}
	sess.Events++
	if event.Timestamp.After(sess.LastSeen) {
		sess.LastSeen = event.Timestamp
	}
	if sess.DeviceID == "" {
		sess.DeviceID = event.DeviceID
	}
	if sess.RemoteAddr == "" {
		sess.RemoteAddr = event.RemoteAddr
	}
	switch {
	case event.Message != nil && event.Message.Kind == wire.KindFrame:
		sess.Frames++
	case event.Keepalive != nil && event.Keepalive.Type == log.KeepaliveTick:
		sess.Keepalives++
	case event.StateChange != nil && event.StateChange.Entity == log.StateEntitySession:
		sess.FinalState = event.StateChange.NewState
	}
}

// RunStats prints statistics about the log at path.
func RunStats(path string, w io.Writer) error {
	stats, err := CollectStats(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== FIXLINK Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Millisecond))
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerSession, log.LayerService} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryKeepalive, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", dir.String()+":", count)
		}
	}

	if len(stats.MessagesByKind) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Messages by Kind:")
		for _, k := range wire.AllKinds {
			if count := stats.MessagesByKind[k]; count > 0 {
				fmt.Fprintf(w, "  %-18s %d\n", k.String()+":", count)
			}
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Sessions: %d\n", len(stats.Sessions))
	if len(stats.Sessions) > 0 {
		ids := make([]string, 0, len(stats.Sessions))
		for id := range stats.Sessions {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return stats.Sessions[ids[i]].FirstSeen.Before(stats.Sessions[ids[j]].FirstSeen)
		})
		fmt.Fprintln(w)
		for _, id := range ids {
			s := stats.Sessions[id]
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortID(id), s.Events, s.LastSeen.Sub(s.FirstSeen).Round(time.Millisecond))
			if s.DeviceID != "" {
				fmt.Fprintf(w, "             Device: %s\n", s.DeviceID)
			}
			if s.RemoteAddr != "" {
				fmt.Fprintf(w, "             Peer: %s\n", s.RemoteAddr)
			}
			fmt.Fprintf(w, "             Frames: %d  Keepalives: %d\n", s.Frames, s.Keepalives)
			if s.FinalState != "" {
				fmt.Fprintf(w, "             Last state: %s\n", s.FinalState)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
		codes := make([]string, 0, len(stats.ErrorsByCode))
		for code := range stats.ErrorsByCode {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Fprintf(w, "  %-32s %d\n", code+":", stats.ErrorsByCode[code])
		}
	}
}
