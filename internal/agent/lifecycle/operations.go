package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/common/clock"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/gateway"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// SpawnOptions describes a new agent. Task and Model are immutable after
// create.
type SpawnOptions struct {
	TeamID     string
	ParentID   string
	Model      string
	Task       string
	Metadata   map[string]interface{}
	MaxRetries int
}

// Spawn creates an agent, opens its gateway session, and drives it through
// initializing → spawning → running. Without a reachable gateway the agent
// spawns degraded (no session) unless strict mode is on, in which case the
// agent is persisted as failed and the error returned.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*v1.Agent, error) {
	if opts.Task == "" {
		return nil, apperrors.ValidationError("task", "task is required")
	}
	if opts.Model == "" {
		opts.Model = m.cfg.DefaultModel
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = m.cfg.DefaultMaxRetries
	}

	now := m.clk.Now()
	agent := &v1.Agent{
		ID:             clock.NewID(),
		TeamID:         opts.TeamID,
		ParentID:       opts.ParentID,
		Model:          opts.Model,
		Task:           opts.Task,
		Metadata:       opts.Metadata,
		Status:         v1.AgentStatusPending,
		LifecycleState: v1.StateInitializing,
		MaxRetries:     opts.MaxRetries,
		CreatedAt:      now,
	}

	ctx, span := tracer.Start(ctx, "lifecycle.spawn",
		trace.WithAttributes(attribute.String("agent.id", agent.ID)))
	defer span.End()

	if err := m.states.CreateAgent(ctx, agent, "lifecycle"); err != nil {
		span.RecordError(err)
		return nil, err
	}

	lock := m.agentLock(agent.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.startLocked(ctx, agent); err != nil {
		span.RecordError(err)
		return nil, err
	}
	m.publish(ctx, "agent.spawned", agent, nil)
	return agent.Clone(), nil
}

// startLocked moves an agent from its current pre-run state through spawning
// into running, opening a gateway session on the way. Caller holds the agent
// lock. Used by both Spawn and Retry.
func (m *Manager) startLocked(ctx context.Context, agent *v1.Agent) error {
	if err := m.transitionLocked(ctx, agent, v1.StateSpawning, nil); err != nil {
		return err
	}

	if err := m.openSession(ctx, agent); err != nil {
		agent.LastError = err.Error()
		if terr := m.transitionLocked(ctx, agent, v1.StateFailed, map[string]interface{}{
			"error": err.Error(),
		}); terr != nil {
			m.log.Error("Failed to persist spawn failure",
				zap.String("agent_id", agent.ID), zap.Error(terr))
		}
		m.publish(ctx, "agent.failed", agent, map[string]interface{}{"error": err.Error()})
		return err
	}

	return m.transitionLocked(ctx, agent, v1.StateRunning, nil)
}

// openSession asks the gateway for a remote session. In degraded mode (non
// strict, gateway down) the agent proceeds without one; a later reconnect does
// not retroactively bind it.
func (m *Manager) openSession(ctx context.Context, agent *v1.Agent) error {
	if m.gw == nil || !m.gw.IsAuthenticated() {
		if m.strict {
			return apperrors.Connection("gateway unavailable in strict mode", nil)
		}
		m.markDegraded(agent)
		return nil
	}

	spawnCtx, cancel := context.WithTimeout(ctx, m.spawnTimeout())
	defer cancel()
	info, err := m.gw.SpawnSession(spawnCtx, gateway.SpawnRequest{
		AgentID:  agent.ID,
		Model:    agent.Model,
		Task:     agent.Task,
		Metadata: agent.Metadata,
	})
	if err != nil {
		if m.strict {
			return err
		}
		m.log.Warn("Gateway spawn failed, agent proceeds degraded",
			zap.String("agent_id", agent.ID), zap.Error(err))
		m.markDegraded(agent)
		return nil
	}
	agent.SessionID = info.SessionID
	m.persistSessionOpen(ctx, agent)
	return nil
}

// persistSessionOpen records the new gateway session so a restart can
// reconcile sessions that outlived the process. Persistence failures are
// logged, not fatal: the agent already holds the live session.
func (m *Manager) persistSessionOpen(ctx context.Context, agent *v1.Agent) {
	session := &v1.Session{
		ID:        agent.SessionID,
		AgentID:   agent.ID,
		Status:    v1.SessionStatusOpen,
		Model:     agent.Model,
		CreatedAt: m.clk.Now(),
	}
	if err := m.states.CreateSession(ctx, session, "lifecycle"); err != nil {
		m.log.Warn("Failed to persist session row",
			zap.String("agent_id", agent.ID),
			zap.String("session_id", agent.SessionID),
			zap.Error(err))
	}
}

// closeSessionRow marks a persisted session closed or lost. Missing rows are
// ignored; they predate session persistence or were already reconciled.
func (m *Manager) closeSessionRow(ctx context.Context, sessionID string, status v1.SessionStatus) {
	session, err := m.states.GetSession(ctx, sessionID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrCodeNotFound) {
			m.log.Warn("Failed to load session row",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return
	}
	now := m.clk.Now()
	session.Status = status
	session.ClosedAt = &now
	if err := m.states.UpdateSession(ctx, session, "lifecycle"); err != nil {
		m.log.Warn("Failed to close session row",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (m *Manager) markDegraded(agent *v1.Agent) {
	if agent.Metadata == nil {
		agent.Metadata = make(map[string]interface{})
	}
	agent.Metadata["degraded"] = true
}

func (m *Manager) spawnTimeout() time.Duration {
	return m.cfg.SpawnTimeoutDuration()
}

// Pause suspends a running agent.
func (m *Manager) Pause(ctx context.Context, id string) (*v1.Agent, error) {
	return m.withAgent(ctx, id, func(agent *v1.Agent) error {
		if err := m.transitionLocked(ctx, agent, v1.StatePaused, nil); err != nil {
			return err
		}
		m.publish(ctx, "agent.paused", agent, nil)
		return nil
	})
}

// Resume continues a paused agent.
func (m *Manager) Resume(ctx context.Context, id string) (*v1.Agent, error) {
	return m.withAgent(ctx, id, func(agent *v1.Agent) error {
		if err := m.transitionLocked(ctx, agent, v1.StateRunning, nil); err != nil {
			return err
		}
		m.publish(ctx, "agent.resumed", agent, nil)
		return nil
	})
}

// Kill terminates an agent from any non-terminal state. Without force the
// gateway must acknowledge the session kill first; with force the session
// kill is fired best-effort and the agent transitions locally regardless.
func (m *Manager) Kill(ctx context.Context, id string, force bool) (*v1.Agent, error) {
	return m.withAgent(ctx, id, func(agent *v1.Agent) error {
		if !CanTransition(agent.LifecycleState, v1.StateKilled) {
			return apperrors.StateConflict(fmt.Sprintf("cannot kill agent %s in state %s", id, agent.LifecycleState))
		}

		if agent.SessionID != "" && m.gw != nil {
			killCtx, cancel := context.WithTimeout(ctx, m.spawnTimeout())
			err := m.gw.KillSession(killCtx, agent.SessionID)
			cancel()
			if err != nil {
				if !force {
					return apperrors.Wrap(err, fmt.Sprintf("gateway refused to kill session %s", agent.SessionID))
				}
				m.log.Warn("Forced kill proceeding without gateway acknowledgement",
					zap.String("agent_id", id),
					zap.String("session_id", agent.SessionID),
					zap.Error(err))
				m.gw.UnbindSession(agent.SessionID)
			}
		}
		if agent.SessionID != "" {
			m.closeSessionRow(ctx, agent.SessionID, v1.SessionStatusClosed)
		}
		agent.SessionID = ""

		meta := map[string]interface{}{}
		if force {
			meta["force"] = true
		}
		if err := m.transitionLocked(ctx, agent, v1.StateKilled, meta); err != nil {
			return err
		}
		m.publish(ctx, "agent.killed", agent, meta)
		return nil
	})
}

// Retry respawns a failed agent. Fails with RETRY_EXHAUSTED once the retry
// budget is spent, recording the refusal in the audit log.
func (m *Manager) Retry(ctx context.Context, id string) (*v1.Agent, error) {
	return m.withAgent(ctx, id, func(agent *v1.Agent) error {
		return m.retryLocked(ctx, agent)
	})
}

func (m *Manager) retryLocked(ctx context.Context, agent *v1.Agent) error {
	if agent.LifecycleState != v1.StateFailed {
		return apperrors.StateConflict(fmt.Sprintf("cannot retry agent %s in state %s", agent.ID, agent.LifecycleState))
	}
	if agent.RetryCount >= agent.MaxRetries {
		err := apperrors.RetryExhausted(agent.ID, agent.RetryCount, agent.MaxRetries)
		if aerr := m.states.RecordError(ctx, v1.EntityAgent, agent.ID, "lifecycle", err, map[string]interface{}{
			"retry_count": agent.RetryCount,
			"max_retries": agent.MaxRetries,
		}); aerr != nil {
			m.log.Error("Failed to audit retry exhaustion",
				zap.String("agent_id", agent.ID), zap.Error(aerr))
		}
		return err
	}

	agent.RetryCount++
	agent.CompletedAt = nil
	if err := m.startLocked(ctx, agent); err != nil {
		return err
	}
	m.publish(ctx, "agent.retried", agent, map[string]interface{}{"retry_count": agent.RetryCount})
	return nil
}

// withAgent loads the agent, runs fn under its mutex, and returns a snapshot.
func (m *Manager) withAgent(ctx context.Context, id string, fn func(agent *v1.Agent) error) (*v1.Agent, error) {
	lock := m.agentLock(id)
	lock.Lock()
	defer lock.Unlock()

	agent, err := m.states.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(agent); err != nil {
		return nil, err
	}
	return agent.Clone(), nil
}

// transitionLocked validates the move against the transition table, applies
// the bookkeeping (timestamps, runtime, history), and persists. Caller holds
// the agent lock.
func (m *Manager) transitionLocked(ctx context.Context, agent *v1.Agent, to v1.LifecycleState, meta map[string]interface{}) error {
	from := agent.LifecycleState
	if !CanTransition(from, to) {
		return apperrors.StateConflict(fmt.Sprintf("illegal transition %s → %s for agent %s", from, to, agent.ID))
	}

	now := m.clk.Now()
	agent.StateHistory = append(agent.StateHistory, v1.StateTransition{
		From:     from,
		To:       to,
		TS:       now,
		Metadata: meta,
	})
	agent.LifecycleState = to
	agent.Status = to.StatusFor()

	switch to {
	case v1.StateRunning:
		if from == v1.StatePaused {
			agent.ResumedAt = &now
		} else if agent.StartedAt == nil {
			agent.StartedAt = &now
		}
	case v1.StatePaused:
		agent.PausedAt = &now
		m.accrueRuntime(agent, from, now)
	case v1.StateCompleted, v1.StateFailed, v1.StateKilled, v1.StateStopped:
		agent.CompletedAt = &now
		m.accrueRuntime(agent, from, now)
	}

	return m.states.UpdateAgent(ctx, agent, "lifecycle")
}

// accrueRuntime adds the elapsed running interval when an agent leaves the
// running state.
func (m *Manager) accrueRuntime(agent *v1.Agent, from v1.LifecycleState, now time.Time) {
	if from != v1.StateRunning {
		return
	}
	base := agent.StartedAt
	if agent.ResumedAt != nil && (base == nil || agent.ResumedAt.After(*base)) {
		base = agent.ResumedAt
	}
	if base == nil {
		return
	}
	if d := now.Sub(*base); d > 0 {
		agent.RuntimeMS += d.Milliseconds()
	}
}
