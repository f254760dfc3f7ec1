// Package v1 contains the shared domain types exchanged between the
// orchestrator core, its persistence layer, and the HTTP control surface.
package v1

import "time"

// AgentStatus is the durable, user-visible status of an agent.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusPaused    AgentStatus = "paused"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
	AgentStatusBlocked   AgentStatus = "blocked"
	AgentStatusKilled    AgentStatus = "killed"
)

// LifecycleState is the internal agent state, richer than AgentStatus.
// Transitions between states are governed by the lifecycle transition table.
type LifecycleState string

const (
	StateInitializing LifecycleState = "initializing"
	StateSpawning     LifecycleState = "spawning"
	StateRunning      LifecycleState = "running"
	StatePaused       LifecycleState = "paused"
	StateCompleted    LifecycleState = "completed"
	StateFailed       LifecycleState = "failed"
	StateKilled       LifecycleState = "killed"
	StateStopped      LifecycleState = "stopped"
)

// IsTerminal reports whether no further transitions are possible from s.
// Failed is not terminal: a failed agent may still be retried.
func (s LifecycleState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateKilled, StateStopped:
		return true
	}
	return false
}

// IsActive reports whether the agent is live: holding (or acquiring) a
// gateway session. Failed agents are not active; their session is gone.
func (s LifecycleState) IsActive() bool {
	switch s {
	case StateInitializing, StateSpawning, StateRunning, StatePaused:
		return true
	}
	return false
}

// StatusFor maps a lifecycle state to the user-visible agent status.
func (s LifecycleState) StatusFor() AgentStatus {
	switch s {
	case StateInitializing, StateSpawning:
		return AgentStatusPending
	case StateRunning:
		return AgentStatusRunning
	case StatePaused:
		return AgentStatusPaused
	case StateCompleted:
		return AgentStatusCompleted
	case StateFailed:
		return AgentStatusFailed
	case StateKilled, StateStopped:
		return AgentStatusKilled
	}
	return AgentStatusBlocked
}

// StateTransition is one entry in an agent's append-only state history.
type StateTransition struct {
	From     LifecycleState         `json:"from"`
	To       LifecycleState         `json:"to"`
	TS       time.Time              `json:"ts"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Agent is one unit of work with its own state machine and, while live,
// typically one remote gateway session.
type Agent struct {
	ID             string         `json:"id"`
	TeamID         string         `json:"team_id,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Model          string         `json:"model"`
	Task           string         `json:"task"` // immutable after create
	Status         AgentStatus    `json:"status"`
	LifecycleState LifecycleState `json:"lifecycle_state"`

	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
	LastError  string                 `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	ResumedAt   *time.Time `json:"resumed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RuntimeMS   int64      `json:"runtime_ms"`

	// Version increases by exactly one on every persisted mutation.
	Version int64 `json:"version"`

	StateHistory []StateTransition `json:"state_history,omitempty"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing internal maps and slices to mutation.
func (a *Agent) Clone() *Agent {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.StateHistory = append([]StateTransition(nil), a.StateHistory...)
	cp.StartedAt = copyTime(a.StartedAt)
	cp.PausedAt = copyTime(a.PausedAt)
	cp.ResumedAt = copyTime(a.ResumedAt)
	cp.CompletedAt = copyTime(a.CompletedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
