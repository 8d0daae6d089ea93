package device

import (
	"time"

	"github.com/harut0/phoned/internal/model"
)

const (
	downFailures     = 3
	recoverSuccesses = 2
	downWindow       = 30 * time.Second
)

// HealthState tracks whether the external device-listing call is
// usable: ok degrades on the first failure, degraded goes down after
// repeated failures inside one window, and down recovers only after
// consecutive successes.
type HealthState struct {
	Current              model.ScanHealth
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

func NextHealth(state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = model.ScanHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != model.ScanHealthOK && state.ConsecutiveSuccesses >= recoverSuccesses {
			state.Current = model.ScanHealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.ScanHealthOK:
		state.Current = model.ScanHealthDegraded
		state.LastTransitionAt = now
	case model.ScanHealthDegraded:
		if now.Sub(state.LastTransitionAt) > downWindow {
			// Failure window expired; start a new degraded window.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= downFailures {
			state.Current = model.ScanHealthDown
			state.LastTransitionAt = now
		}
	case model.ScanHealthDown:
		// stays down until enough successful scans arrive
	}
	return state
}
