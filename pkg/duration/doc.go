// Package duration implements timed fixture effects.
//
// Some control operations start an effect that ends on its own, such as
// Identify, which makes a fixture flash for a requested time. A Manager
// tracks one timer per (session, effect) pair.
//
// # Timer Lifecycle
//
// A timer starts when the device accepts the command. When it expires the
// effect is removed and the expiry callback runs outside the manager lock.
//
// # Replacement
//
// A new command for the same (session, effect) replaces the running timer.
// A zero duration cancels the effect without running the callback.
//
// # Session Loss
//
// Timers are not kept across sessions. When a session ends the device
// cancels every timer it owns.
package duration
