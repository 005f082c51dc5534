package session

import "github.com/fixlink-protocol/fixlink-go/pkg/wire"

// Admit reports whether a message of kind may be processed in state.
// The returned error is a *wire.Error carrying SESSION_EXPIRED for
// terminal states and SESSION_INVALID_TOKEN for any other refusal.
func Admit(kind wire.Kind, state State) error {
	if state.IsTerminal() {
		return wire.NewError(wire.CodeSessionExpired, "%s not accepted in %s", kind, state)
	}

	switch {
	case kind.IsHandshake():
		if state == StateInit || state == StateHandshake {
			return nil
		}
	case kind == wire.KindControl, kind == wire.KindAcknowledge,
		kind == wire.KindKeepalive, kind == wire.KindSessionClose:
		if state.IsAuthenticated() {
			return nil
		}
	case kind == wire.KindFrame:
		if state == StateReady || state == StateStreaming {
			return nil
		}
	}
	return wire.NewError(wire.CodeSessionInvalidToken, "%s not accepted in %s", kind, state)
}
