package state

import (
	"context"

	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// Entity tables hold one row per entity: the full JSON snapshot plus the
// columns recovery and listing queries filter on. state_versions is the
// authoritative monotone version per entity; the backing store's row locks
// serialize concurrent compare-and-bump attempts on it.

func tableFor(entityType v1.EntityType) string {
	switch entityType {
	case v1.EntityAgent:
		return "agent_states"
	case v1.EntityTeam:
		return "team_states"
	case v1.EntitySession:
		return "session_states"
	}
	return ""
}

// InitSchema creates the persistence tables if they don't exist.
func (m *Manager) InitSchema(ctx context.Context) error {
	if err := m.initStateTables(ctx); err != nil {
		return err
	}
	return m.initAuditTables(ctx)
}

func (m *Manager) initStateTables(ctx context.Context) error {
	_, err := m.pool.Writer().ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS team_states (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		state TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_states (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		state TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_states (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		state TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS state_versions (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_agent_states_team_id ON agent_states(team_id);
	CREATE INDEX IF NOT EXISTS idx_agent_states_status ON agent_states(status);
	CREATE INDEX IF NOT EXISTS idx_team_states_status ON team_states(status);
	CREATE INDEX IF NOT EXISTS idx_session_states_agent_id ON session_states(agent_id);
	CREATE INDEX IF NOT EXISTS idx_session_states_status ON session_states(status);
	`)
	return err
}

func (m *Manager) initAuditTables(ctx context.Context) error {
	_, err := m.pool.Writer().ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS state_audit_log (
		id TEXT PRIMARY KEY,
		ts TIMESTAMP NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		prev TEXT,
		next TEXT,
		triggered_by TEXT NOT NULL DEFAULT '',
		metadata TEXT DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS recovery_checkpoints (
		id TEXT PRIMARY KEY,
		ts TIMESTAMP NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		reason TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON state_audit_log(entity_type, entity_id, ts);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON state_audit_log(ts);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_entity ON recovery_checkpoints(entity_type, entity_id, ts);
	`)
	return err
}
