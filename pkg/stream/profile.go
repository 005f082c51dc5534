package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fixlink-protocol/fixlink-go/pkg/wire"
)

// Profile errors.
var (
	ErrInvalidProfile   = errors.New("invalid stream profile")
	ErrConfigIDMismatch = errors.New("profile config id mismatch")
)

// DefaultBaseInterval is the frame interval of a profile with zero latency weight.
const DefaultBaseInterval = 40 * time.Millisecond

// Intent tags what a profile is tuned for.
type Intent uint8

const (
	IntentAuto     Intent = 1
	IntentRealtime Intent = 2
	IntentInstall  Intent = 3
)

// String returns the intent tag used on the wire.
func (i Intent) String() string {
	switch i {
	case IntentAuto:
		return "auto"
	case IntentRealtime:
		return "realtime"
	case IntentInstall:
		return "install"
	default:
		return "unknown"
	}
}

// ParseIntent parses an intent tag.
func ParseIntent(s string) (Intent, error) {
	switch s {
	case "auto":
		return IntentAuto, nil
	case "realtime":
		return IntentRealtime, nil
	case "install":
		return IntentInstall, nil
	default:
		return 0, fmt.Errorf("%w: unknown intent %q", ErrInvalidProfile, s)
	}
}

// Profile weights stream pacing between latency and resilience.
// Use the preset constructors or NewProfile; the zero value is invalid.
type Profile struct {
	Intent     Intent
	Latency    uint8
	Resilience uint8
}

// Auto balances latency and resilience.
func Auto() Profile { return Profile{Intent: IntentAuto, Latency: 50, Resilience: 50} }

// Realtime favors low latency; failed sends are dropped.
func Realtime() Profile { return Profile{Intent: IntentRealtime, Latency: 80, Resilience: 20} }

// Install favors delivery for fixture setup and focusing.
func Install() Profile { return Profile{Intent: IntentInstall, Latency: 25, Resilience: 75} }

// NewProfile validates a custom weight pair.
func NewProfile(intent Intent, latency, resilience uint8) (Profile, error) {
	p := Profile{Intent: intent, Latency: latency, Resilience: resilience}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks the intent is known and the weights sum to 100.
func (p Profile) Validate() error {
	if p.Intent < IntentAuto || p.Intent > IntentInstall {
		return fmt.Errorf("%w: intent %d", ErrInvalidProfile, p.Intent)
	}
	if int(p.Latency)+int(p.Resilience) != 100 {
		return fmt.Errorf("%w: weights %d+%d do not sum to 100", ErrInvalidProfile, p.Latency, p.Resilience)
	}
	return nil
}

// ConfigID returns the hex SHA-256 of "intent:latency:resilience".
func (p Profile) ConfigID() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", p.Intent, p.Latency, p.Resilience)))
	return hex.EncodeToString(sum[:])
}

// FrameInterval returns the minimum spacing between frames for base.
func (p Profile) FrameInterval(base time.Duration) time.Duration {
	return base * time.Duration(100-int(p.Latency)) / 100
}

// Retries returns how many times a failed send is retried: one per full
// quarter of resilience weight.
func (p Profile) Retries() int {
	return int(p.Resilience) / 25
}

// String returns "intent(latency/resilience)".
func (p Profile) String() string {
	return fmt.Sprintf("%s(%d/%d)", p.Intent, p.Latency, p.Resilience)
}

// Payload returns the SetProfile payload announcing p.
func (p Profile) Payload() wire.SetProfilePayload {
	return wire.SetProfilePayload{
		ConfigID:   p.ConfigID(),
		Intent:     p.Intent.String(),
		Latency:    p.Latency,
		Resilience: p.Resilience,
	}
}

// ProfileFromPayload rebuilds a profile from a SetProfile payload and
// checks the announced ConfigID against the recomputed one.
func ProfileFromPayload(payload wire.SetProfilePayload) (Profile, error) {
	intent, err := ParseIntent(payload.Intent)
	if err != nil {
		return Profile{}, err
	}
	p, err := NewProfile(intent, payload.Latency, payload.Resilience)
	if err != nil {
		return Profile{}, err
	}
	if id := p.ConfigID(); id != payload.ConfigID {
		return Profile{}, fmt.Errorf("%w: announced %s, computed %s", ErrConfigIDMismatch, payload.ConfigID, id)
	}
	return p, nil
}
