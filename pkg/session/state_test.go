package session

import (
	"errors"
	"testing"

	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

func TestStateString(t *testing.T) {
	want := []string{"INIT", "HANDSHAKE", "AUTHENTICATED", "READY", "STREAMING", "FAILED", "CLOSED"}
	for i, s := range AllStates {
		if s.String() != want[i] {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want[i])
		}
	}
	if State(99).String() != "UNKNOWN" {
		t.Error("unknown state should print UNKNOWN")
	}
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from  State
		event Event
		want  State
		ok    bool
	}{
		{StateInit, EventBeginHandshake, StateHandshake, true},
		{StateHandshake, EventHandshakeOK, StateAuthenticated, true},
		{StateAuthenticated, EventNegotiated, StateReady, true},
		{StateReady, EventStreamStart, StateStreaming, true},
		{StateStreaming, EventStreamStop, StateReady, true},

		// Not monotonic forward
		{StateInit, EventHandshakeOK, StateInit, false},
		{StateHandshake, EventNegotiated, StateHandshake, false},
		{StateAuthenticated, EventStreamStart, StateAuthenticated, false},
		{StateReady, EventBeginHandshake, StateReady, false},
		{StateStreaming, EventStreamStart, StateStreaming, false},
		{StateReady, EventStreamStop, StateReady, false},
	}

	for _, tt := range tests {
		got, err := Transition(tt.from, tt.event)
		if (err == nil) != tt.ok {
			t.Errorf("Transition(%s, %s) err = %v, want ok=%v", tt.from, tt.event, err, tt.ok)
		}
		if got != tt.want {
			t.Errorf("Transition(%s, %s) = %s, want %s", tt.from, tt.event, got, tt.want)
		}
	}
}

func TestTransitionFailAndCloseFromAnyLiveState(t *testing.T) {
	for _, s := range AllStates {
		for _, ev := range []Event{EventFail, EventClose} {
			got, err := Transition(s, ev)
			if s.IsTerminal() {
				if !errors.Is(err, ErrInvalidTransition) || got != s {
					t.Errorf("Transition(%s, %s) should be rejected, got %s, %v", s, ev, got, err)
				}
				continue
			}
			want := StateFailed
			if ev == EventClose {
				want = StateClosed
			}
			if err != nil || got != want {
				t.Errorf("Transition(%s, %s) = %s, %v; want %s", s, ev, got, err, want)
			}
		}
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	events := []Event{EventBeginHandshake, EventHandshakeOK, EventNegotiated, EventStreamStart, EventStreamStop, EventFail, EventClose}
	for _, s := range []State{StateFailed, StateClosed} {
		for _, ev := range events {
			if got, err := Transition(s, ev); err == nil || got != s {
				t.Errorf("Transition(%s, %s) = %s, %v; want rejection", s, ev, got, err)
			}
		}
	}
}

// TestAdmitTable exercises every (state, kind) pair.
func TestAdmitTable(t *testing.T) {
	admitted := map[State][]wire.Kind{
		StateInit:      {wire.KindSessionInit, wire.KindSessionAck, wire.KindSessionReady, wire.KindSessionComplete},
		StateHandshake: {wire.KindSessionInit, wire.KindSessionAck, wire.KindSessionReady, wire.KindSessionComplete},
		StateAuthenticated: {
			wire.KindControl, wire.KindAcknowledge, wire.KindKeepalive, wire.KindSessionClose,
		},
		StateReady: {
			wire.KindControl, wire.KindAcknowledge, wire.KindKeepalive, wire.KindSessionClose, wire.KindFrame,
		},
		StateStreaming: {
			wire.KindControl, wire.KindAcknowledge, wire.KindKeepalive, wire.KindSessionClose, wire.KindFrame,
		},
	}

	for _, state := range AllStates {
		allowed := make(map[wire.Kind]bool)
		for _, k := range admitted[state] {
			allowed[k] = true
		}

		for _, kind := range wire.AllKinds {
			err := Admit(kind, state)
			switch {
			case allowed[kind]:
				if err != nil {
					t.Errorf("Admit(%s, %s) = %v, want admitted", kind, state, err)
				}
			case state.IsTerminal():
				if !errors.Is(err, wire.CodeSessionExpired) {
					t.Errorf("Admit(%s, %s) = %v, want SESSION_EXPIRED", kind, state, err)
				}
			default:
				if !errors.Is(err, wire.CodeSessionInvalidToken) {
					t.Errorf("Admit(%s, %s) = %v, want SESSION_INVALID_TOKEN", kind, state, err)
				}
			}
		}
	}
}
