// Package lifecycle owns the per-agent state machine: spawning agents onto
// gateway sessions, pause/resume, kill, and the retry policy for failures.
package lifecycle

import (
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// transitions is the single source of truth for legal lifecycle moves.
// Recovery and the HTTP surface go through CanTransition as well; anything
// not listed here is refused with STATE_CONFLICT.
var transitions = map[v1.LifecycleState][]v1.LifecycleState{
	v1.StateInitializing: {v1.StateSpawning, v1.StateFailed},
	v1.StateSpawning:     {v1.StateRunning, v1.StateFailed},
	v1.StateRunning:      {v1.StatePaused, v1.StateCompleted, v1.StateFailed, v1.StateKilled},
	v1.StatePaused:       {v1.StateRunning, v1.StateKilled, v1.StateFailed},
	v1.StateFailed:       {v1.StateSpawning, v1.StateKilled},
	v1.StateCompleted:    {},
	v1.StateKilled:       {},
	v1.StateStopped:      {},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to v1.LifecycleState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns the states reachable from the given state.
func AllowedFrom(from v1.LifecycleState) []v1.LifecycleState {
	return append([]v1.LifecycleState(nil), transitions[from]...)
}
