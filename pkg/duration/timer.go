package duration

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Duration timer errors.
var (
	ErrTimerNotFound   = errors.New("timer not found")
	ErrInvalidDuration = errors.New("invalid duration")
)

// MaxDuration is the longest effect a controller may request.
const MaxDuration = time.Hour

// Effect identifies a timed fixture effect.
type Effect uint8

const (
	// EffectIdentify flashes the fixture so an operator can find it.
	EffectIdentify Effect = iota + 1
)

// String returns the effect name.
func (e Effect) String() string {
	switch e {
	case EffectIdentify:
		return "IDENTIFY"
	default:
		return "UNKNOWN"
	}
}

type timerKey struct {
	sessionID string
	effect    Effect
}

// Timer is a snapshot of an active effect timer.
type Timer struct {
	SessionID string
	Effect    Effect
	StartTime time.Time
	Duration  time.Duration
}

// ExpiresAt returns when the timer will expire.
func (t *Timer) ExpiresAt() time.Time {
	return t.StartTime.Add(t.Duration)
}

type entry struct {
	start    time.Time
	duration time.Duration
	timer    *clock.Timer
}

// Manager manages effect timers. It is safe for concurrent use.
type Manager struct {
	clock clock.Clock

	mu       sync.RWMutex
	timers   map[timerKey]*entry
	onExpiry func(sessionID string, effect Effect)
}

// NewManager creates a Manager. A nil clock uses the wall clock.
func NewManager(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{clock: clk, timers: make(map[timerKey]*entry)}
}

// SetTimer starts or replaces the timer for (sessionID, effect). A zero
// duration cancels it.
func (m *Manager) SetTimer(sessionID string, effect Effect, d time.Duration) error {
	if d < 0 || d > MaxDuration {
		return ErrInvalidDuration
	}
	key := timerKey{sessionID: sessionID, effect: effect}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.timers[key]; ok {
		existing.timer.Stop()
		delete(m.timers, key)
	}
	if d == 0 {
		return nil
	}

	e := &entry{start: m.clock.Now(), duration: d}
	e.timer = m.clock.AfterFunc(d, func() { m.expire(key, e) })
	m.timers[key] = e
	return nil
}

// CancelTimer cancels a timer without running the expiry callback.
func (m *Manager) CancelTimer(sessionID string, effect Effect) error {
	key := timerKey{sessionID: sessionID, effect: effect}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.timers[key]
	if !ok {
		return ErrTimerNotFound
	}
	e.timer.Stop()
	delete(m.timers, key)
	return nil
}

// CancelSession cancels every timer owned by a session.
func (m *Manager) CancelSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.timers {
		if key.sessionID == sessionID {
			e.timer.Stop()
			delete(m.timers, key)
		}
	}
}

// Active reports whether the effect is running for any session.
func (m *Manager) Active(effect Effect) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key := range m.timers {
		if key.effect == effect {
			return true
		}
	}
	return false
}

// GetTimer returns a snapshot of a timer, or nil if none is running.
func (m *Manager) GetTimer(sessionID string, effect Effect) *Timer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.timers[timerKey{sessionID: sessionID, effect: effect}]
	if !ok {
		return nil
	}
	return &Timer{SessionID: sessionID, Effect: effect, StartTime: e.start, Duration: e.duration}
}

// Remaining returns the time left on a timer, or zero if none is running.
func (m *Manager) Remaining(sessionID string, effect Effect) time.Duration {
	t := m.GetTimer(sessionID, effect)
	if t == nil {
		return 0
	}
	if left := t.ExpiresAt().Sub(m.clock.Now()); left > 0 {
		return left
	}
	return 0
}

// Count returns the number of active timers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers)
}

// OnExpiry sets the callback run when a timer expires.
func (m *Manager) OnExpiry(fn func(sessionID string, effect Effect)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpiry = fn
}

func (m *Manager) expire(key timerKey, e *entry) {
	m.mu.Lock()
	// A replaced timer may fire after its successor was installed.
	if m.timers[key] != e {
		m.mu.Unlock()
		return
	}
	delete(m.timers, key)
	cb := m.onExpiry
	m.mu.Unlock()

	if cb != nil {
		cb(key.sessionID, key.effect)
	}
}
