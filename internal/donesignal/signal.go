// Package donesignal models the one-shot "done_spot_requests" exit gate
// (spec §9 design notes): the reconciler fires it exactly once after it
// finishes issuing or canceling requests, and the life-cycle watcher polls
// it without locking. A sync/atomic bool gives the needed publication
// barrier on write.
package donesignal

import "sync/atomic"

// Signal is a write-once flag, safe for concurrent Fire and Fired calls.
type Signal struct {
	fired atomic.Bool
}

// Fire marks the signal as raised. Calling Fire more than once is harmless.
func (s *Signal) Fire() {
	s.fired.Store(true)
}

// Fired reports whether Fire has been called at least once.
func (s *Signal) Fired() bool {
	return s.fired.Load()
}
