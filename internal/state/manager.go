// Package state owns the durable representation of teams, agents, and
// sessions, and the concurrency discipline around it: versioned writes with
// optimistic locking, an append-only audit log, checkpoints, rollback, and
// startup recovery.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/common/clock"
	"github.com/openclaw/orchestrator/internal/common/config"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/db"
	"github.com/openclaw/orchestrator/internal/db/dialect"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// Manager is the single entry point for durable state. All mutations run
// inside one transaction that bumps the entity version and appends the audit
// entry together, so no state change can land without its audit trail.
type Manager struct {
	pool *db.Pool
	clk  clock.Clock
	cfg  config.StateConfig
	log  *logger.Logger
}

// NewManager creates a state manager on top of an open pool.
func NewManager(pool *db.Pool, clk clock.Clock, cfg config.StateConfig, log *logger.Logger) *Manager {
	if cfg.LockMaxRetries <= 0 {
		cfg.LockMaxRetries = 5
	}
	if cfg.LockBaseDelay <= 0 {
		cfg.LockBaseDelay = 10
	}
	if cfg.LockMaxDelay <= 0 {
		cfg.LockMaxDelay = 500
	}
	return &Manager{pool: pool, clk: clk, cfg: cfg, log: log}
}

// versionConflictError is the internal signal that a compare failed; it is
// translated to an OptimisticLock AppError once retries are exhausted.
type versionConflictError struct {
	expected int64
	actual   int64
}

func (e *versionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, actual %d", e.expected, e.actual)
}

// writeOp describes one persisted mutation.
type writeOp struct {
	entityType  v1.EntityType
	entityID    string
	expected    int64 // -1 on create
	create      bool
	delete      bool
	status      string
	refID       string // team_id for agents, agent_id for sessions
	next        []byte // nil on delete
	action      string
	triggeredBy string
	metadata    map[string]interface{}
}

func refColumn(entityType v1.EntityType) string {
	switch entityType {
	case v1.EntityAgent:
		return "team_id"
	case v1.EntitySession:
		return "agent_id"
	}
	return ""
}

// commit runs the optimistic lock protocol: compare, write with
// version = expected + 1, audit in the same transaction. On compare failure
// it backs off and re-reads up to maxRetries times, then fails with
// OptimisticLock carrying the last observed version.
func (m *Manager) commit(ctx context.Context, op writeOp, maxRetries int, auditFail bool) error {
	var lastActual int64
	for attempt := 0; ; attempt++ {
		err := m.tryCommit(ctx, op)
		if err == nil {
			return nil
		}
		var vc *versionConflictError
		if !errors.As(err, &vc) {
			return err
		}
		lastActual = vc.actual
		if attempt >= maxRetries {
			lockErr := apperrors.OptimisticLock(string(op.entityType), op.entityID, op.expected, lastActual)
			if auditFail {
				m.auditFailure(ctx, op, lockErr)
			}
			return lockErr
		}
		if err := m.backoff(ctx, attempt); err != nil {
			return err
		}
	}
}

func (m *Manager) tryCommit(ctx context.Context, op writeOp) (err error) {
	tx, err := m.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Internal("failed to begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	driver := m.pool.DriverName()
	now := m.clk.Now()
	table := tableFor(op.entityType)

	var current int64
	verr := tx.GetContext(ctx, &current,
		tx.Rebind("SELECT version FROM state_versions WHERE entity_type = ? AND entity_id = ?"+dialect.ForUpdate(driver)),
		op.entityType, op.entityID)
	exists := verr == nil
	if verr != nil && !errors.Is(verr, sql.ErrNoRows) {
		return apperrors.Internal("failed to read entity version", verr)
	}

	if op.create {
		if exists {
			return apperrors.StateConflict(fmt.Sprintf("%s '%s' already exists", op.entityType, op.entityID))
		}
	} else {
		if !exists {
			return apperrors.NotFound(string(op.entityType), op.entityID)
		}
		if current != op.expected {
			return &versionConflictError{expected: op.expected, actual: current}
		}
	}
	newVersion := op.expected + 1

	var prev []byte
	if exists {
		var raw string
		if err := tx.GetContext(ctx, &raw,
			tx.Rebind(fmt.Sprintf("SELECT state FROM %s WHERE id = ?", table)), op.entityID); err == nil {
			prev = []byte(raw)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return apperrors.Internal("failed to read previous state", err)
		}
	}

	if op.delete {
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)), op.entityID); err != nil {
			return apperrors.Internal("failed to delete state", err)
		}
		if _, err := tx.ExecContext(ctx,
			tx.Rebind("DELETE FROM state_versions WHERE entity_type = ? AND entity_id = ?"),
			op.entityType, op.entityID); err != nil {
			return apperrors.Internal("failed to delete version row", err)
		}
	} else {
		ref := refColumn(op.entityType)
		if ref != "" {
			_, err = tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`
				INSERT INTO %s (id, %s, status, state, version, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					%s = excluded.%s, status = excluded.status, state = excluded.state,
					version = excluded.version, updated_at = excluded.updated_at`,
				table, ref, ref, ref)),
				op.entityID, op.refID, op.status, string(op.next), newVersion, now)
		} else {
			_, err = tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`
				INSERT INTO %s (id, status, state, version, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					status = excluded.status, state = excluded.state,
					version = excluded.version, updated_at = excluded.updated_at`, table)),
				op.entityID, op.status, string(op.next), newVersion, now)
		}
		if err != nil {
			return apperrors.Internal("failed to write state", err)
		}

		if _, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO state_versions (entity_type, entity_id, version, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (entity_type, entity_id) DO UPDATE SET
				version = excluded.version, updated_at = excluded.updated_at`),
			op.entityType, op.entityID, newVersion, now); err != nil {
			return apperrors.Internal("failed to write version row", err)
		}
	}

	meta := make(map[string]interface{}, len(op.metadata)+1)
	for k, v := range op.metadata {
		meta[k] = v
	}
	meta["version"] = newVersion
	if err = m.appendAudit(ctx, tx, &v1.AuditEntry{
		ID:          clock.NewID(),
		TS:          now,
		EntityType:  op.entityType,
		EntityID:    op.entityID,
		Action:      op.action,
		Prev:        prev,
		Next:        op.next,
		TriggeredBy: op.triggeredBy,
		Metadata:    meta,
	}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return apperrors.Internal("failed to commit transaction", err)
	}
	return nil
}

// auditFailure records a mutation that surfaced an error to the caller.
// Best-effort: the mutation itself already failed, a second failure here is
// only logged.
func (m *Manager) auditFailure(ctx context.Context, op writeOp, cause error) {
	meta := make(map[string]interface{}, len(op.metadata)+2)
	for k, v := range op.metadata {
		meta[k] = v
	}
	meta["error"] = apperrors.Code(cause)
	meta["message"] = cause.Error()

	entry := &v1.AuditEntry{
		ID:          clock.NewID(),
		TS:          m.clk.Now(),
		EntityType:  op.entityType,
		EntityID:    op.entityID,
		Action:      v1.ActionError,
		TriggeredBy: op.triggeredBy,
		Metadata:    meta,
	}
	if err := m.appendAuditDirect(ctx, entry); err != nil {
		m.log.Error("Failed to record audit entry for failed mutation",
			zap.String("entity_type", string(op.entityType)),
			zap.String("entity_id", op.entityID),
			zap.Error(err))
	}
}

func (m *Manager) backoff(ctx context.Context, attempt int) error {
	delay := m.cfg.LockBaseDelayDuration() << attempt
	if max := m.cfg.LockMaxDelayDuration(); delay > max {
		delay = max
	}
	// Small jitter to de-synchronize competing writers.
	delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))

	select {
	case <-ctx.Done():
		return apperrors.Timeout("optimistic lock retry")
	case <-time.After(delay):
		return nil
	}
}

func isLockConflict(err error) bool {
	return apperrors.Is(err, apperrors.ErrCodeOptimisticLock)
}

// --- teams ---

// CreateTeam persists a new team at version 0 with a create audit entry.
func (m *Manager) CreateTeam(ctx context.Context, team *v1.Team, triggeredBy string) error {
	team.Version = 0
	next, err := json.Marshal(team)
	if err != nil {
		return apperrors.Internal("failed to marshal team", err)
	}
	return m.commit(ctx, writeOp{
		entityType:  v1.EntityTeam,
		entityID:    team.ID,
		expected:    -1,
		create:      true,
		status:      string(team.Status),
		next:        next,
		action:      v1.ActionCreate,
		triggeredBy: triggeredBy,
	}, 0, true)
}

// UpdateTeam persists team with expected version team.Version and bumps it by
// one on success.
func (m *Manager) UpdateTeam(ctx context.Context, team *v1.Team, triggeredBy string) error {
	return m.updateTeam(ctx, team, triggeredBy, m.cfg.LockMaxRetries, true)
}

func (m *Manager) updateTeam(ctx context.Context, team *v1.Team, triggeredBy string, retries int, auditFail bool) error {
	expected := team.Version
	team.Version = expected + 1
	next, err := json.Marshal(team)
	if err != nil {
		team.Version = expected
		return apperrors.Internal("failed to marshal team", err)
	}
	if err := m.commit(ctx, writeOp{
		entityType:  v1.EntityTeam,
		entityID:    team.ID,
		expected:    expected,
		status:      string(team.Status),
		next:        next,
		action:      v1.ActionUpdate,
		triggeredBy: triggeredBy,
	}, retries, auditFail); err != nil {
		team.Version = expected
		return err
	}
	return nil
}

// MutateTeam runs a compare-and-swap loop: load the team, apply fn, persist.
// On a version conflict it re-reads and re-applies fn against the fresh
// state, so no concurrent update is lost.
func (m *Manager) MutateTeam(ctx context.Context, id, triggeredBy string, fn func(*v1.Team) error) (*v1.Team, error) {
	for attempt := 0; ; attempt++ {
		team, err := m.GetTeam(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(team); err != nil {
			return nil, err
		}
		err = m.updateTeam(ctx, team, triggeredBy, 0, false)
		if err == nil {
			return team, nil
		}
		if !isLockConflict(err) {
			return nil, err
		}
		if attempt >= m.cfg.LockMaxRetries {
			m.auditFailure(ctx, writeOp{
				entityType:  v1.EntityTeam,
				entityID:    id,
				triggeredBy: triggeredBy,
			}, err)
			return nil, err
		}
		if err := m.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// GetTeam loads one team by id.
func (m *Manager) GetTeam(ctx context.Context, id string) (*v1.Team, error) {
	var raw string
	err := m.pool.Reader().GetContext(ctx, &raw,
		m.pool.Reader().Rebind("SELECT state FROM team_states WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("team", id)
	}
	if err != nil {
		return nil, apperrors.Internal("failed to load team", err)
	}
	var team v1.Team
	if err := json.Unmarshal([]byte(raw), &team); err != nil {
		return nil, apperrors.Internal("failed to unmarshal team", err)
	}
	return &team, nil
}

// ListTeams loads every persisted team.
func (m *Manager) ListTeams(ctx context.Context) ([]*v1.Team, error) {
	return m.listTeams(ctx, "SELECT state FROM team_states ORDER BY id")
}

// ListLiveTeams loads teams whose status is not terminal.
func (m *Manager) ListLiveTeams(ctx context.Context) ([]*v1.Team, error) {
	return m.listTeams(ctx,
		"SELECT state FROM team_states WHERE status NOT IN ('destroyed', 'completed', 'failed') ORDER BY id")
}

func (m *Manager) listTeams(ctx context.Context, query string) ([]*v1.Team, error) {
	var rows []string
	if err := m.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.Internal("failed to list teams", err)
	}
	teams := make([]*v1.Team, 0, len(rows))
	for _, raw := range rows {
		var team v1.Team
		if err := json.Unmarshal([]byte(raw), &team); err != nil {
			return nil, apperrors.Internal("failed to unmarshal team", err)
		}
		teams = append(teams, &team)
	}
	return teams, nil
}

// --- agents ---

// CreateAgent persists a new agent at version 0 with a create audit entry.
func (m *Manager) CreateAgent(ctx context.Context, agent *v1.Agent, triggeredBy string) error {
	agent.Version = 0
	next, err := json.Marshal(agent)
	if err != nil {
		return apperrors.Internal("failed to marshal agent", err)
	}
	return m.commit(ctx, writeOp{
		entityType:  v1.EntityAgent,
		entityID:    agent.ID,
		expected:    -1,
		create:      true,
		status:      string(agent.LifecycleState),
		refID:       agent.TeamID,
		next:        next,
		action:      v1.ActionCreate,
		triggeredBy: triggeredBy,
	}, 0, true)
}

// UpdateAgent persists agent with expected version agent.Version and bumps it
// by one on success.
func (m *Manager) UpdateAgent(ctx context.Context, agent *v1.Agent, triggeredBy string) error {
	return m.updateAgent(ctx, agent, triggeredBy, m.cfg.LockMaxRetries, true)
}

func (m *Manager) updateAgent(ctx context.Context, agent *v1.Agent, triggeredBy string, retries int, auditFail bool) error {
	expected := agent.Version
	agent.Version = expected + 1
	next, err := json.Marshal(agent)
	if err != nil {
		agent.Version = expected
		return apperrors.Internal("failed to marshal agent", err)
	}
	if err := m.commit(ctx, writeOp{
		entityType:  v1.EntityAgent,
		entityID:    agent.ID,
		expected:    expected,
		status:      string(agent.LifecycleState),
		refID:       agent.TeamID,
		next:        next,
		action:      v1.ActionUpdate,
		triggeredBy: triggeredBy,
	}, retries, auditFail); err != nil {
		agent.Version = expected
		return err
	}
	return nil
}

// MutateAgent runs a compare-and-swap loop over one agent.
func (m *Manager) MutateAgent(ctx context.Context, id, triggeredBy string, fn func(*v1.Agent) error) (*v1.Agent, error) {
	for attempt := 0; ; attempt++ {
		agent, err := m.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(agent); err != nil {
			return nil, err
		}
		err = m.updateAgent(ctx, agent, triggeredBy, 0, false)
		if err == nil {
			return agent, nil
		}
		if !isLockConflict(err) {
			return nil, err
		}
		if attempt >= m.cfg.LockMaxRetries {
			m.auditFailure(ctx, writeOp{
				entityType:  v1.EntityAgent,
				entityID:    id,
				triggeredBy: triggeredBy,
			}, err)
			return nil, err
		}
		if err := m.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// GetAgent loads one agent by id.
func (m *Manager) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	var raw string
	err := m.pool.Reader().GetContext(ctx, &raw,
		m.pool.Reader().Rebind("SELECT state FROM agent_states WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, apperrors.Internal("failed to load agent", err)
	}
	var agent v1.Agent
	if err := json.Unmarshal([]byte(raw), &agent); err != nil {
		return nil, apperrors.Internal("failed to unmarshal agent", err)
	}
	return &agent, nil
}

// ListAgents loads every persisted agent.
func (m *Manager) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	return m.listAgents(ctx, "SELECT state FROM agent_states ORDER BY id")
}

// ListAgentsByTeam loads all agents belonging to a team.
func (m *Manager) ListAgentsByTeam(ctx context.Context, teamID string) ([]*v1.Agent, error) {
	var rows []string
	if err := m.pool.Reader().SelectContext(ctx, &rows,
		m.pool.Reader().Rebind("SELECT state FROM agent_states WHERE team_id = ? ORDER BY id"), teamID); err != nil {
		return nil, apperrors.Internal("failed to list team agents", err)
	}
	return unmarshalAgents(rows)
}

// ListNonTerminalAgents loads agents whose lifecycle state still allows
// transitions.
func (m *Manager) ListNonTerminalAgents(ctx context.Context) ([]*v1.Agent, error) {
	return m.listAgents(ctx,
		"SELECT state FROM agent_states WHERE status NOT IN ('completed', 'killed', 'stopped') ORDER BY id")
}

func (m *Manager) listAgents(ctx context.Context, query string) ([]*v1.Agent, error) {
	var rows []string
	if err := m.pool.Reader().SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.Internal("failed to list agents", err)
	}
	return unmarshalAgents(rows)
}

func unmarshalAgents(rows []string) ([]*v1.Agent, error) {
	agents := make([]*v1.Agent, 0, len(rows))
	for _, raw := range rows {
		var agent v1.Agent
		if err := json.Unmarshal([]byte(raw), &agent); err != nil {
			return nil, apperrors.Internal("failed to unmarshal agent", err)
		}
		agents = append(agents, &agent)
	}
	return agents, nil
}

// --- sessions ---

// CreateSession persists a new session binding at version 0.
func (m *Manager) CreateSession(ctx context.Context, session *v1.Session, triggeredBy string) error {
	session.Version = 0
	next, err := json.Marshal(session)
	if err != nil {
		return apperrors.Internal("failed to marshal session", err)
	}
	return m.commit(ctx, writeOp{
		entityType:  v1.EntitySession,
		entityID:    session.ID,
		expected:    -1,
		create:      true,
		status:      string(session.Status),
		refID:       session.AgentID,
		next:        next,
		action:      v1.ActionCreate,
		triggeredBy: triggeredBy,
	}, 0, true)
}

// UpdateSession persists session with expected version session.Version.
func (m *Manager) UpdateSession(ctx context.Context, session *v1.Session, triggeredBy string) error {
	expected := session.Version
	session.Version = expected + 1
	next, err := json.Marshal(session)
	if err != nil {
		session.Version = expected
		return apperrors.Internal("failed to marshal session", err)
	}
	if err := m.commit(ctx, writeOp{
		entityType:  v1.EntitySession,
		entityID:    session.ID,
		expected:    expected,
		status:      string(session.Status),
		refID:       session.AgentID,
		next:        next,
		action:      v1.ActionUpdate,
		triggeredBy: triggeredBy,
	}, m.cfg.LockMaxRetries, true); err != nil {
		session.Version = expected
		return err
	}
	return nil
}

// DeleteSession removes a closed session row, leaving a delete audit entry
// with the final snapshot as prev.
func (m *Manager) DeleteSession(ctx context.Context, id string, expectedVersion int64, triggeredBy string) error {
	return m.commit(ctx, writeOp{
		entityType:  v1.EntitySession,
		entityID:    id,
		expected:    expectedVersion,
		delete:      true,
		action:      v1.ActionDelete,
		triggeredBy: triggeredBy,
	}, m.cfg.LockMaxRetries, true)
}

// GetSession loads one session by id.
func (m *Manager) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	var raw string
	err := m.pool.Reader().GetContext(ctx, &raw,
		m.pool.Reader().Rebind("SELECT state FROM session_states WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, apperrors.Internal("failed to load session", err)
	}
	var session v1.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, apperrors.Internal("failed to unmarshal session", err)
	}
	return &session, nil
}

// ListSessions loads every persisted session.
func (m *Manager) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	var rows []string
	if err := m.pool.Reader().SelectContext(ctx, &rows,
		"SELECT state FROM session_states ORDER BY id"); err != nil {
		return nil, apperrors.Internal("failed to list sessions", err)
	}
	sessions := make([]*v1.Session, 0, len(rows))
	for _, raw := range rows {
		var session v1.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, apperrors.Internal("failed to unmarshal session", err)
		}
		sessions = append(sessions, &session)
	}
	return sessions, nil
}
