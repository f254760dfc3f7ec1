package state

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/events/bus"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

var tracer = otel.Tracer("openclaw/orchestrator/state")

// interruptedError marks agents whose work was cut short by a restart.
const interruptedError = "interrupted by restart"

// RecoverAll reconciles persisted state after a restart:
//
//  1. Teams stuck mid-operation (creating, scaling) return to active; the
//     interrupting operation is abandoned.
//  2. Agents that were spawning or running lost their remote sessions and
//     are marked failed.
//  3. Open sessions are marked lost for later reconciliation.
//
// Errors on individual entities are collected, not fatal: a single corrupt
// row must not block the rest of the recovery pass.
func (m *Manager) RecoverAll(ctx context.Context, eb bus.EventBus) (*v1.RecoveryReport, error) {
	ctx, span := tracer.Start(ctx, "state.recover_all")
	defer span.End()

	report := &v1.RecoveryReport{}

	m.recoverTeams(ctx, eb, report)
	m.recoverAgents(ctx, eb, report)
	m.recoverSessions(ctx, eb, report)

	span.SetAttributes(
		attribute.Int("recovery.teams", report.TeamsRecovered),
		attribute.Int("recovery.agents", report.AgentsRecovered),
		attribute.Int("recovery.sessions", report.SessionsRecovered),
		attribute.Int("recovery.errors", len(report.Errors)),
	)

	m.log.Info("Startup recovery complete",
		zap.Int("teams_recovered", report.TeamsRecovered),
		zap.Int("agents_recovered", report.AgentsRecovered),
		zap.Int("sessions_recovered", report.SessionsRecovered),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

func (m *Manager) recoverTeams(ctx context.Context, eb bus.EventBus, report *v1.RecoveryReport) {
	teams, err := m.ListLiveTeams(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list teams: %v", err))
		return
	}
	for _, team := range teams {
		if team.Status != v1.TeamStatusCreating && team.Status != v1.TeamStatusScaling {
			continue
		}
		prevStatus := team.Status
		team.Status = v1.TeamStatusActive
		if err := m.recoveryWrite(ctx, v1.EntityTeam, team.ID, team.Version, string(team.Status), "", team,
			map[string]interface{}{"previous_status": prevStatus}); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("team %s: %v", team.ID, err))
			continue
		}
		report.TeamsRecovered++
		m.publishRecovery(ctx, eb, "recovery.team", bus.TeamSubject(team.ID), map[string]interface{}{
			"team_id":         team.ID,
			"previous_status": string(prevStatus),
			"status":          string(team.Status),
		})
	}
}

func (m *Manager) recoverAgents(ctx context.Context, eb bus.EventBus, report *v1.RecoveryReport) {
	agents, err := m.ListNonTerminalAgents(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list agents: %v", err))
		return
	}
	now := m.clk.Now()
	for _, agent := range agents {
		if agent.LifecycleState != v1.StateSpawning && agent.LifecycleState != v1.StateRunning {
			continue
		}
		prevState := agent.LifecycleState
		agent.LifecycleState = v1.StateFailed
		agent.Status = v1.AgentStatusFailed
		agent.LastError = interruptedError
		agent.CompletedAt = &now
		agent.StateHistory = append(agent.StateHistory, v1.StateTransition{
			From: prevState,
			To:   v1.StateFailed,
			TS:   now,
			Metadata: map[string]interface{}{
				"reason": interruptedError,
			},
		})
		if err := m.recoveryWrite(ctx, v1.EntityAgent, agent.ID, agent.Version, string(agent.LifecycleState), agent.TeamID, agent,
			map[string]interface{}{"previous_state": prevState}); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("agent %s: %v", agent.ID, err))
			continue
		}
		report.AgentsRecovered++
		m.publishRecovery(ctx, eb, "recovery.agent", bus.AgentSubject(agent.ID), map[string]interface{}{
			"agent_id":       agent.ID,
			"previous_state": string(prevState),
			"state":          string(agent.LifecycleState),
			"last_error":     interruptedError,
		})
	}
}

func (m *Manager) recoverSessions(ctx context.Context, eb bus.EventBus, report *v1.RecoveryReport) {
	sessions, err := m.ListSessions(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list sessions: %v", err))
		return
	}
	for _, session := range sessions {
		if session.Status != v1.SessionStatusOpen {
			continue
		}
		session.Status = v1.SessionStatusLost
		if err := m.recoveryWrite(ctx, v1.EntitySession, session.ID, session.Version, string(session.Status), session.AgentID, session, nil); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("session %s: %v", session.ID, err))
			continue
		}
		report.SessionsRecovered++
		m.publishRecovery(ctx, eb, "recovery.session", bus.AgentSubject(session.AgentID), map[string]interface{}{
			"session_id": session.ID,
			"agent_id":   session.AgentID,
		})
	}
}

// recoveryWrite persists a recovered entity with an audit action of
// "recovery" instead of the regular "update".
func (m *Manager) recoveryWrite(ctx context.Context, entityType v1.EntityType, id string, expected int64, status, refID string, entity interface{}, meta map[string]interface{}) error {
	// The snapshot must carry the bumped version.
	switch e := entity.(type) {
	case *v1.Team:
		e.Version = expected + 1
	case *v1.Agent:
		e.Version = expected + 1
	case *v1.Session:
		e.Version = expected + 1
	}
	next, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	err = m.commit(ctx, writeOp{
		entityType:  entityType,
		entityID:    id,
		expected:    expected,
		status:      status,
		refID:       refID,
		next:        next,
		action:      v1.ActionRecovery,
		triggeredBy: "recovery",
		metadata:    meta,
	}, m.cfg.LockMaxRetries, true)
	if err != nil {
		switch e := entity.(type) {
		case *v1.Team:
			e.Version = expected
		case *v1.Agent:
			e.Version = expected
		case *v1.Session:
			e.Version = expected
		}
	}
	return err
}

func (m *Manager) publishRecovery(ctx context.Context, eb bus.EventBus, eventType, subject string, data map[string]interface{}) {
	if eb == nil {
		return
	}
	if err := eb.Publish(ctx, subject, bus.NewEvent(eventType, "recovery", data)); err != nil {
		m.log.Warn("Failed to publish recovery event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
