package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a session.
type State uint8

const (
	StateInit State = iota
	StateHandshake
	StateAuthenticated
	StateReady
	StateStreaming
	StateFailed
	StateClosed
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateInit, StateHandshake, StateAuthenticated, StateReady,
	StateStreaming, StateFailed, StateClosed,
}

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshake:
		return "HANDSHAKE"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is Failed or Closed.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateClosed
}

// IsAuthenticated reports whether s carries a usable session key.
func (s State) IsAuthenticated() bool {
	return s == StateAuthenticated || s == StateReady || s == StateStreaming
}

// Event drives a state transition.
type Event uint8

const (
	EventBeginHandshake Event = iota
	EventHandshakeOK
	EventNegotiated
	EventStreamStart
	EventStreamStop
	EventFail
	EventClose
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventBeginHandshake:
		return "BEGIN_HANDSHAKE"
	case EventHandshakeOK:
		return "HANDSHAKE_OK"
	case EventNegotiated:
		return "NEGOTIATED"
	case EventStreamStart:
		return "STREAM_START"
	case EventStreamStop:
		return "STREAM_STOP"
	case EventFail:
		return "FAIL"
	case EventClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidTransition is returned for events a state does not accept.
var ErrInvalidTransition = errors.New("invalid state transition")

type transitionKey struct {
	from  State
	event Event
}

var transitions = map[transitionKey]State{
	{StateInit, EventBeginHandshake}:      StateHandshake,
	{StateHandshake, EventHandshakeOK}:    StateAuthenticated,
	{StateAuthenticated, EventNegotiated}: StateReady,
	{StateReady, EventStreamStart}:        StateStreaming,
	{StateStreaming, EventStreamStop}:     StateReady,
}

// Transition returns the state reached from from on event.
// Fail and Close are accepted from every non-terminal state.
func Transition(from State, event Event) (State, error) {
	if from.IsTerminal() {
		return from, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	switch event {
	case EventFail:
		return StateFailed, nil
	case EventClose:
		return StateClosed, nil
	}
	if to, ok := transitions[transitionKey{from, event}]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
}
