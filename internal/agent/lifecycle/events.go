package lifecycle

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/events/bus"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// gatewayEventPrefix marks events the gateway client republished from the
// remote tool executor.
const gatewayEventPrefix = "openclaw."

// handleBusEvent reacts to gateway session events. Events without a resolved
// agent id never reach an agent subject and are dropped silently.
func (m *Manager) handleBusEvent(ctx context.Context, e *bus.Event) error {
	if !strings.HasPrefix(e.Type, gatewayEventPrefix) {
		return nil
	}
	agentID, _ := e.Data["agent_id"].(string)
	if agentID == "" {
		return nil
	}

	status := strings.TrimPrefix(e.Type, gatewayEventPrefix)
	payload, _ := e.Data["payload"].(map[string]interface{})
	if status == "agent" {
		// The executor's agent event carries the outcome in its payload.
		status, _ = payload["status"].(string)
	}

	switch status {
	case "spawned":
		// Already handled by the spawn path.
		return nil
	case "running", "resumed":
		m.applyRemote(ctx, agentID, v1.StateRunning, nil)
	case "paused":
		m.applyRemote(ctx, agentID, v1.StatePaused, nil)
	case "completed":
		m.applyRemote(ctx, agentID, v1.StateCompleted, payloadMeta(payload))
	case "killed":
		m.applyRemote(ctx, agentID, v1.StateKilled, payloadMeta(payload))
	case "failed":
		m.handleRemoteFailure(ctx, agentID, payload)
	default:
		// chat, presence, tick and friends carry no lifecycle meaning.
	}
	return nil
}

func payloadMeta(payload map[string]interface{}) map[string]interface{} {
	if len(payload) == 0 {
		return nil
	}
	return map[string]interface{}{"remote": true}
}

// applyRemote transitions an agent in response to a gateway event. Illegal
// moves (stale or duplicate events) are dropped.
func (m *Manager) applyRemote(ctx context.Context, agentID string, to v1.LifecycleState, meta map[string]interface{}) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := m.states.GetAgent(ctx, agentID)
	if err != nil {
		m.log.Warn("Gateway event for unknown agent",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if agent.LifecycleState == to {
		return
	}
	if !CanTransition(agent.LifecycleState, to) {
		m.log.Debug("Dropping stale gateway transition",
			zap.String("agent_id", agentID),
			zap.String("from", string(agent.LifecycleState)),
			zap.String("to", string(to)))
		return
	}

	if to.IsTerminal() {
		m.releaseSession(ctx, agent, v1.SessionStatusClosed)
	}
	if err := m.transitionLocked(ctx, agent, to, meta); err != nil {
		m.log.Error("Failed to apply gateway transition",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	m.publish(ctx, "agent."+string(to), agent, nil)
}

// handleRemoteFailure marks the agent failed and retries it while budget
// remains. Exhaustion leaves the agent failed with an error audit entry.
func (m *Manager) handleRemoteFailure(ctx context.Context, agentID string, payload map[string]interface{}) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := m.states.GetAgent(ctx, agentID)
	if err != nil {
		m.log.Warn("Failure event for unknown agent",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if agent.LifecycleState.IsTerminal() {
		return
	}

	reason := failureReason(payload)
	if agent.LifecycleState != v1.StateFailed {
		if !CanTransition(agent.LifecycleState, v1.StateFailed) {
			return
		}
		m.releaseSession(ctx, agent, v1.SessionStatusLost)
		agent.LastError = reason
		if err := m.transitionLocked(ctx, agent, v1.StateFailed, map[string]interface{}{
			"error": reason,
		}); err != nil {
			m.log.Error("Failed to persist remote failure",
				zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		m.publish(ctx, "agent.failed", agent, map[string]interface{}{"error": reason})
	}

	if err := m.retryLocked(ctx, agent); err != nil {
		m.log.Warn("Agent not retried after failure",
			zap.String("agent_id", agentID),
			zap.Int("retry_count", agent.RetryCount),
			zap.Error(err))
	}
}

// releaseSession drops the agent's session binding and settles the persisted
// session row with the given final status.
func (m *Manager) releaseSession(ctx context.Context, agent *v1.Agent, status v1.SessionStatus) {
	if agent.SessionID == "" {
		return
	}
	if m.gw != nil {
		m.gw.UnbindSession(agent.SessionID)
	}
	m.closeSessionRow(ctx, agent.SessionID, status)
	agent.SessionID = ""
}

func failureReason(payload map[string]interface{}) string {
	for _, key := range []string{"error", "reason", "message"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return "remote session failed"
}
