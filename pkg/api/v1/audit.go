package v1

import (
	"encoding/json"
	"time"
)

// EntityType identifies which table an audit entry or checkpoint refers to.
type EntityType string

const (
	EntityAgent   EntityType = "agent"
	EntityTeam    EntityType = "team"
	EntitySession EntityType = "session"
)

// Audit actions. Every state mutation writes exactly one entry; failed
// mutations write an entry with ActionError.
const (
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionRollback = "rollback"
	ActionRecovery = "recovery"
	ActionError    = "error"
)

// AuditEntry is one append-only record of a state change. Prev and Next hold
// full value snapshots, not deltas, so rollback is a single write.
type AuditEntry struct {
	ID          string                 `json:"id"`
	TS          time.Time              `json:"ts"`
	EntityType  EntityType             `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	Action      string                 `json:"action"`
	Prev        json.RawMessage        `json:"prev,omitempty"`
	Next        json.RawMessage        `json:"next,omitempty"`
	TriggeredBy string                 `json:"triggered_by"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Checkpoint is an immutable snapshot taken on graceful stop and before
// rollbacks. Checkpoints are never overwritten.
type Checkpoint struct {
	ID         string          `json:"id"`
	TS         time.Time       `json:"ts"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Snapshot   json.RawMessage `json:"snapshot"`
	Reason     string          `json:"reason,omitempty"`
}

// RecoveryReport summarizes the startup recovery pass.
type RecoveryReport struct {
	TeamsRecovered    int      `json:"teams_recovered"`
	AgentsRecovered   int      `json:"agents_recovered"`
	SessionsRecovered int      `json:"sessions_recovered"`
	Errors            []string `json:"errors,omitempty"`
}
