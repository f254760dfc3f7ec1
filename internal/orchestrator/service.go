// Package orchestrator owns the team aggregate: creation, scaling, budget
// accounting, and coordinated destroy. All mutations of one team are
// serialized by a per-team mutex; reads return stable snapshots.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/agent/lifecycle"
	"github.com/openclaw/orchestrator/internal/common/clock"
	"github.com/openclaw/orchestrator/internal/common/config"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/events/bus"
	"github.com/openclaw/orchestrator/internal/state"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

var tracer = otel.Tracer("openclaw/orchestrator/teams")

// Service coordinates teams and their member agents.
type Service struct {
	states *state.Manager
	agents *lifecycle.Manager
	eb     bus.EventBus
	clk    clock.Clock
	cfg    config.OrchestratorConfig
	log    *logger.Logger

	mu        sync.Mutex
	teamLocks map[string]*sync.Mutex
	sub       bus.Subscription
}

// NewService creates the team orchestrator.
func NewService(states *state.Manager, agents *lifecycle.Manager, eb bus.EventBus, clk clock.Clock, cfg config.OrchestratorConfig, log *logger.Logger) *Service {
	if cfg.DefaultMaxAgents <= 0 {
		cfg.DefaultMaxAgents = 5
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 0.75
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 0.9
	}
	if cfg.DestroyParallelism <= 0 {
		cfg.DestroyParallelism = 4
	}
	if cfg.ScaleKillTimeout <= 0 {
		cfg.ScaleKillTimeout = 10
	}
	return &Service{
		states:    states,
		agents:    agents,
		eb:        eb,
		clk:       clk,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "orchestrator")),
		teamLocks: make(map[string]*sync.Mutex),
	}
}

// Start subscribes to agent terminal events so team metrics stay current.
func (s *Service) Start() error {
	sub, err := s.eb.Subscribe(bus.AllAgentsSubject(), s.handleAgentEvent)
	if err != nil {
		return apperrors.Wrap(err, "failed to subscribe to agent events")
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Stop detaches from the bus and checkpoints every live team, so a graceful
// shutdown leaves restorable snapshots behind.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if n, err := s.states.CheckpointLiveTeams(ctx, "graceful-stop"); err != nil {
		s.log.Error("Failed to checkpoint live teams on stop", zap.Error(err))
	} else if n > 0 {
		s.log.Info("Checkpointed live teams", zap.Int("count", n))
	}
}

func (s *Service) teamLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.teamLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.teamLocks[id] = l
	}
	return l
}

// CreateTeamRequest describes a new team. Zero MaxAgents falls back to the
// configured default.
type CreateTeamRequest struct {
	Name   string        `json:"name"`
	Config v1.TeamConfig `json:"config"`
	Budget v1.Budget     `json:"budget"`
}

// Create provisions a team and spawns its initial agents. Partial spawn
// failures leave the team active with the agents that did come up and return
// PARTIAL_SCALE alongside the team.
func (s *Service) Create(ctx context.Context, req CreateTeamRequest) (*v1.Team, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperrors.ValidationError("name", "team name is required")
	}
	cfg := req.Config
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = s.cfg.DefaultMaxAgents
	}
	if cfg.Strategy == "" {
		cfg.Strategy = v1.StrategyParallel
	}
	if cfg.InitialAgents < 0 || cfg.InitialAgents > cfg.MaxAgents {
		return nil, apperrors.ValidationError("initial_agents",
			fmt.Sprintf("initial_agents must be within [0, %d]", cfg.MaxAgents))
	}
	if req.Budget.Allocated < 0 {
		return nil, apperrors.ValidationError("budget.allocated", "allocated budget must not be negative")
	}

	budget := req.Budget
	budget.Consumed = 0
	budget.UsedTokens = 0
	budget.Remaining = budget.Allocated
	if budget.Currency == "" {
		budget.Currency = "USD"
	}

	ctx, span := tracer.Start(ctx, "orchestrator.create_team")
	defer span.End()

	team := &v1.Team{
		ID:        clock.NewID(),
		Name:      req.Name,
		Status:    v1.TeamStatusCreating,
		Config:    cfg,
		Budget:    budget,
		CreatedAt: s.clk.Now(),
	}
	if err := s.states.CreateTeam(ctx, team, "orchestrator"); err != nil {
		span.RecordError(err)
		return nil, err
	}

	lock := s.teamLock(team.ID)
	lock.Lock()
	defer lock.Unlock()

	created, spawnErrs := s.spawnAgents(ctx, team, cfg.InitialAgents)

	final, err := s.states.MutateTeam(ctx, team.ID, "orchestrator", func(t *v1.Team) error {
		t.Status = v1.TeamStatusActive
		t.AgentIDs = append(t.AgentIDs, created...)
		t.Metrics.Total += len(created)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.publishTeam(ctx, "team.created", final, map[string]interface{}{"agents": len(created)})
	if len(spawnErrs) > 0 {
		return final, apperrors.PartialScale(team.ID, created, spawnErrs)
	}
	return final, nil
}

// spawnAgents starts n agents for the team and returns the ids that came up
// plus the errors for those that did not. Agents that came up degraded, with
// no gateway session, count as created but still surface an error so the
// caller reports a partial result.
func (s *Service) spawnAgents(ctx context.Context, team *v1.Team, n int) (created []string, errs []string) {
	task := team.Config.DefaultTask
	if task == "" {
		task = "work for team " + team.Name
	}
	for i := 0; i < n; i++ {
		agent, err := s.agents.Spawn(ctx, lifecycle.SpawnOptions{
			TeamID:     team.ID,
			Model:      team.Config.DefaultModel,
			Task:       task,
			MaxRetries: team.Config.MaxRetries,
		})
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		created = append(created, agent.ID)
		if degraded, _ := agent.Metadata["degraded"].(bool); degraded {
			errs = append(errs, fmt.Sprintf("agent %s: spawned degraded without a gateway session", agent.ID))
		}
	}
	return created, errs
}

// Pause suspends an active team.
func (s *Service) Pause(ctx context.Context, id string) (*v1.Team, error) {
	return s.setStatus(ctx, id, v1.TeamStatusActive, v1.TeamStatusPaused, "team.paused")
}

// Resume reactivates a paused team.
func (s *Service) Resume(ctx context.Context, id string) (*v1.Team, error) {
	return s.setStatus(ctx, id, v1.TeamStatusPaused, v1.TeamStatusActive, "team.resumed")
}

func (s *Service) setStatus(ctx context.Context, id string, from, to v1.TeamStatus, eventType string) (*v1.Team, error) {
	lock := s.teamLock(id)
	lock.Lock()
	defer lock.Unlock()

	team, err := s.states.MutateTeam(ctx, id, "orchestrator", func(t *v1.Team) error {
		if t.Status != from {
			return apperrors.StateConflict(fmt.Sprintf("team %s is %s, expected %s", id, t.Status, from))
		}
		t.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishTeam(ctx, eventType, team, nil)
	return team, nil
}

// GetTeam returns a stable snapshot of one team.
func (s *Service) GetTeam(ctx context.Context, id string) (*v1.Team, error) {
	return s.states.GetTeam(ctx, id)
}

// ListTeams returns teams, optionally filtered by status.
func (s *Service) ListTeams(ctx context.Context, status v1.TeamStatus) ([]*v1.Team, error) {
	teams, err := s.states.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return teams, nil
	}
	filtered := teams[:0]
	for _, t := range teams {
		if t.Status == status {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// handleAgentEvent keeps team metrics in step with agent outcomes.
func (s *Service) handleAgentEvent(ctx context.Context, e *bus.Event) error {
	var field func(m *v1.TeamMetrics)
	switch e.Type {
	case "agent.completed":
		field = func(m *v1.TeamMetrics) { m.Completed++ }
	case "agent.failed":
		field = func(m *v1.TeamMetrics) { m.Failed++ }
	default:
		return nil
	}
	teamID, _ := e.Data["team_id"].(string)
	if teamID == "" {
		return nil
	}

	lock := s.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.states.MutateTeam(ctx, teamID, "orchestrator", func(t *v1.Team) error {
		if t.Status.IsTerminal() {
			return apperrors.StateConflict("team is terminal")
		}
		field(&t.Metrics)
		return nil
	}); err != nil && !apperrors.Is(err, apperrors.ErrCodeStateConflict) {
		s.log.Warn("Failed to update team metrics",
			zap.String("team_id", teamID),
			zap.String("event_type", e.Type),
			zap.Error(err))
	}
	return nil
}

func (s *Service) publishTeam(ctx context.Context, eventType string, team *v1.Team, extra map[string]interface{}) {
	if s.eb == nil {
		return
	}
	data := map[string]interface{}{
		"team_id": team.ID,
		"status":  string(team.Status),
		"version": team.Version,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.eb.Publish(ctx, bus.TeamSubject(team.ID), bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		s.log.Warn("Failed to publish team event",
			zap.String("event_type", eventType),
			zap.String("team_id", team.ID),
			zap.Error(err))
	}
}
