package lifecycle

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/common/clock"
	"github.com/openclaw/orchestrator/internal/common/config"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/events/bus"
	"github.com/openclaw/orchestrator/internal/gateway"
	"github.com/openclaw/orchestrator/internal/state"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

var tracer = otel.Tracer("openclaw/orchestrator/lifecycle")

// SessionGateway is the slice of the gateway client the lifecycle needs.
// Tests substitute a fake.
type SessionGateway interface {
	SpawnSession(ctx context.Context, req gateway.SpawnRequest) (*gateway.SessionInfo, error)
	KillSession(ctx context.Context, sessionID string) error
	UnbindSession(sessionID string)
	IsAuthenticated() bool
}

// Manager owns every agent's state machine. All mutations of one agent are
// serialized by a per-agent mutex; distinct agents proceed concurrently.
type Manager struct {
	states *state.Manager
	gw     SessionGateway
	eb     bus.EventBus
	clk    clock.Clock
	cfg    config.LifecycleConfig
	strict bool
	log    *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	sub   bus.Subscription
}

// NewManager creates the lifecycle manager. strict mirrors gateway.required:
// when set, spawns fail instead of proceeding without a session.
func NewManager(states *state.Manager, gw SessionGateway, eb bus.EventBus, clk clock.Clock, cfg config.LifecycleConfig, strict bool, log *logger.Logger) *Manager {
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 30
	}
	return &Manager{
		states: states,
		gw:     gw,
		eb:     eb,
		clk:    clk,
		cfg:    cfg,
		strict: strict,
		log:    log.WithFields(zap.String("component", "lifecycle")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Start subscribes to gateway events republished on the bus so remote session
// outcomes drive agent transitions.
func (m *Manager) Start() error {
	sub, err := m.eb.Subscribe(bus.AllAgentsSubject(), m.handleBusEvent)
	if err != nil {
		return apperrors.Wrap(err, "failed to subscribe to agent events")
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	return nil
}

// Stop detaches from the bus. Agents keep their persisted state.
func (m *Manager) Stop() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// agentLock returns the mutex serializing one agent's mutations.
func (m *Manager) agentLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// GetState returns the persisted agent.
func (m *Manager) GetState(ctx context.Context, id string) (*v1.Agent, error) {
	return m.states.GetAgent(ctx, id)
}

// Metrics summarizes the agent population by lifecycle state.
type Metrics struct {
	Total    int                       `json:"total"`
	Active   int                       `json:"active"`
	Terminal int                       `json:"terminal"`
	ByState  map[v1.LifecycleState]int `json:"by_state"`
}

// GetMetrics counts all known agents by lifecycle state.
func (m *Manager) GetMetrics(ctx context.Context) (*Metrics, error) {
	agents, err := m.states.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	metrics := &Metrics{ByState: make(map[v1.LifecycleState]int)}
	for _, a := range agents {
		metrics.Total++
		metrics.ByState[a.LifecycleState]++
		if a.LifecycleState.IsActive() {
			metrics.Active++
		}
		if a.LifecycleState.IsTerminal() {
			metrics.Terminal++
		}
	}
	return metrics, nil
}

// publish emits a lifecycle event on the agent's subject.
func (m *Manager) publish(ctx context.Context, eventType string, agent *v1.Agent, extra map[string]interface{}) {
	if m.eb == nil {
		return
	}
	data := map[string]interface{}{
		"agent_id":        agent.ID,
		"lifecycle_state": string(agent.LifecycleState),
		"version":         agent.Version,
	}
	if agent.TeamID != "" {
		data["team_id"] = agent.TeamID
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := m.eb.Publish(ctx, bus.AgentSubject(agent.ID), bus.NewEvent(eventType, "lifecycle", data)); err != nil {
		m.log.Warn("Failed to publish lifecycle event",
			zap.String("event_type", eventType),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
	}
}
