package state

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// Rollback restores an entity to the value it had at targetVersion. The
// restore is forward-written: the historical value is persisted as a new
// mutation with a bumped version, never by rewriting history. Returns false
// when targetVersion cannot be located in the audit log.
func (m *Manager) Rollback(ctx context.Context, entityType v1.EntityType, entityID string, targetVersion int64) (bool, error) {
	entry, err := m.findAuditAtVersion(ctx, entityType, entityID, targetVersion)
	if err != nil {
		return false, err
	}
	if entry == nil || len(entry.Next) == 0 {
		return false, nil
	}

	// Checkpoint the current value first so the rollback itself is
	// recoverable.
	if _, err := m.CreateCheckpoint(ctx, entityType, entityID, "pre-rollback"); err != nil {
		return false, err
	}

	restored, status, refID, err := reversion(entityType, entry.Next)
	if err != nil {
		return false, err
	}

	current, err := m.currentVersion(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}

	op := writeOp{
		entityType:  entityType,
		entityID:    entityID,
		expected:    current,
		status:      status,
		refID:       refID,
		action:      v1.ActionRollback,
		triggeredBy: "rollback",
		metadata: map[string]interface{}{
			"target_version": targetVersion,
		},
	}
	op.next, err = restored(current + 1)
	if err != nil {
		return false, err
	}

	if err := m.commit(ctx, op, m.cfg.LockMaxRetries, true); err != nil {
		return false, err
	}

	m.log.Info("Rolled back entity",
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID),
		zap.Int64("target_version", targetVersion),
		zap.Int64("new_version", current+1))
	return true, nil
}

// reversion parses a historical snapshot and returns a closure producing the
// snapshot re-serialized at a given version, plus the filter-column values.
func reversion(entityType v1.EntityType, snapshot json.RawMessage) (func(int64) ([]byte, error), string, string, error) {
	switch entityType {
	case v1.EntityTeam:
		var team v1.Team
		if err := json.Unmarshal(snapshot, &team); err != nil {
			return nil, "", "", apperrors.Internal("failed to unmarshal team snapshot", err)
		}
		return func(v int64) ([]byte, error) {
			team.Version = v
			return json.Marshal(&team)
		}, string(team.Status), "", nil
	case v1.EntityAgent:
		var agent v1.Agent
		if err := json.Unmarshal(snapshot, &agent); err != nil {
			return nil, "", "", apperrors.Internal("failed to unmarshal agent snapshot", err)
		}
		return func(v int64) ([]byte, error) {
			agent.Version = v
			return json.Marshal(&agent)
		}, string(agent.LifecycleState), agent.TeamID, nil
	case v1.EntitySession:
		var session v1.Session
		if err := json.Unmarshal(snapshot, &session); err != nil {
			return nil, "", "", apperrors.Internal("failed to unmarshal session snapshot", err)
		}
		return func(v int64) ([]byte, error) {
			session.Version = v
			return json.Marshal(&session)
		}, string(session.Status), session.AgentID, nil
	}
	return nil, "", "", apperrors.BadRequest("unknown entity type")
}

func (m *Manager) currentVersion(ctx context.Context, entityType v1.EntityType, entityID string) (int64, error) {
	var version int64
	r := m.pool.Reader()
	err := r.GetContext(ctx, &version,
		r.Rebind("SELECT version FROM state_versions WHERE entity_type = ? AND entity_id = ?"),
		entityType, entityID)
	if err != nil {
		return 0, apperrors.NotFound(string(entityType), entityID)
	}
	return version, nil
}
