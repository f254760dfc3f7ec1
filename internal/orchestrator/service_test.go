package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/orchestrator/internal/agent/lifecycle"
	"github.com/openclaw/orchestrator/internal/common/clock"
	"github.com/openclaw/orchestrator/internal/common/config"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/db"
	"github.com/openclaw/orchestrator/internal/events/bus"
	"github.com/openclaw/orchestrator/internal/gateway"
	"github.com/openclaw/orchestrator/internal/state"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

type stubGateway struct {
	mu            sync.Mutex
	authenticated bool
	spawnErr      error
	next          int
}

func (f *stubGateway) SpawnSession(ctx context.Context, req gateway.SpawnRequest) (*gateway.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.next++
	return &gateway.SessionInfo{SessionID: fmt.Sprintf("sess-%d", f.next)}, nil
}

func (f *stubGateway) KillSession(ctx context.Context, sessionID string) error { return nil }
func (f *stubGateway) UnbindSession(sessionID string)                          {}

func (f *stubGateway) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

type testEnv struct {
	svc    *Service
	agents *lifecycle.Manager
	states *state.Manager
	eb     *bus.MemoryEventBus
}

func newTestEnv(t *testing.T, gw lifecycle.SessionGateway, strict bool) *testEnv {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "state.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	states := state.NewManager(pool, clock.System{}, config.StateConfig{
		LockMaxRetries: 3,
		LockBaseDelay:  1,
		LockMaxDelay:   10,
	}, log)
	require.NoError(t, states.InitSchema(context.Background()))

	eb := bus.NewMemoryEventBus(log)
	t.Cleanup(eb.Close)

	agents := lifecycle.NewManager(states, gw, eb, clock.System{}, config.LifecycleConfig{
		DefaultMaxRetries: 3,
		DefaultModel:      "claw-medium",
		SpawnTimeout:      5,
	}, strict, log)

	svc := NewService(states, agents, eb, clock.System{}, config.OrchestratorConfig{
		DefaultMaxAgents:   5,
		WarningThreshold:   0.75,
		CriticalThreshold:  0.9,
		ScaleKillTimeout:   1,
		DestroyParallelism: 4,
	}, log)
	return &testEnv{svc: svc, agents: agents, states: states, eb: eb}
}

func teamRequest(name string, initial, max int, allocated float64) CreateTeamRequest {
	return CreateTeamRequest{
		Name: name,
		Config: v1.TeamConfig{
			Strategy:      v1.StrategyParallel,
			InitialAgents: initial,
			MaxAgents:     max,
			DefaultTask:   "process queue",
		},
		Budget: v1.Budget{Allocated: allocated},
	}
}

func TestCreateConsumeDestroy(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t1", 2, 3, 10))
	require.NoError(t, err)
	assert.Equal(t, v1.TeamStatusActive, team.Status)
	assert.Len(t, team.AgentIDs, 2)
	assert.Equal(t, 2, team.Metrics.Total)
	assert.Equal(t, 10.0, team.Budget.Remaining)

	res, err := env.svc.ConsumeBudget(ctx, team.ID, team.AgentIDs[0], 100, 3)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3.0, res.Consumed)
	assert.Equal(t, 7.0, res.Remaining)
	assert.Equal(t, int64(100), res.UsedTokens)

	destroyed, err := env.svc.Destroy(ctx, team.ID, false)
	require.NoError(t, err)
	assert.Equal(t, v1.TeamStatusDestroyed, destroyed.Status)
	assert.NotNil(t, destroyed.CompletedAt)

	for _, id := range team.AgentIDs {
		agent, err := env.agents.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, v1.StateKilled, agent.LifecycleState)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, teamRequest("", 1, 3, 10))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationError, apperrors.Code(err))

	_, err = env.svc.Create(ctx, teamRequest("t", 4, 3, 10))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationError, apperrors.Code(err))
}

func TestScaleUpAndDown(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t", 1, 3, 10))
	require.NoError(t, err)

	// Past max_agents is refused outright.
	_, err = env.svc.Scale(ctx, team.ID, 4)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeStateConflict, apperrors.Code(err))

	scaled, err := env.svc.Scale(ctx, team.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, v1.TeamStatusActive, scaled.Status)
	assert.Len(t, scaled.AgentIDs, 3)

	// Scaling to the current size is a no-op that still bumps the version.
	before := scaled.Version
	same, err := env.svc.Scale(ctx, team.ID, 3)
	require.NoError(t, err)
	assert.Len(t, same.AgentIDs, 3)
	assert.Greater(t, same.Version, before)

	down, err := env.svc.Scale(ctx, team.ID, 1)
	require.NoError(t, err)
	assert.Len(t, down.AgentIDs, 1)

	agents, err := env.states.ListAgentsByTeam(ctx, team.ID)
	require.NoError(t, err)
	var live, killed int
	for _, a := range agents {
		if a.LifecycleState.IsTerminal() {
			killed++
		} else {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.Equal(t, 2, killed)
}

func TestScaleDownKillsNewestFirst(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t", 1, 3, 10))
	require.NoError(t, err)
	oldest := team.AgentIDs[0]

	// Millisecond timestamp resolution: make sure the later spawns sort after
	// the first agent.
	time.Sleep(5 * time.Millisecond)

	_, err = env.svc.Scale(ctx, team.ID, 3)
	require.NoError(t, err)
	down, err := env.svc.Scale(ctx, team.ID, 1)
	require.NoError(t, err)

	require.Len(t, down.AgentIDs, 1)
	assert.Equal(t, oldest, down.AgentIDs[0])
	survivor, err := env.agents.GetState(ctx, oldest)
	require.NoError(t, err)
	assert.Equal(t, v1.StateRunning, survivor.LifecycleState)
}

func TestScalePausedTeamStaysPaused(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t", 1, 3, 10))
	require.NoError(t, err)
	_, err = env.svc.Pause(ctx, team.ID)
	require.NoError(t, err)

	scaled, err := env.svc.Scale(ctx, team.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, v1.TeamStatusPaused, scaled.Status)
	assert.Len(t, scaled.AgentIDs, 2)

	// Only an explicit resume reactivates the team.
	resumed, err := env.svc.Resume(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TeamStatusActive, resumed.Status)
}

func TestScalePartialFailureStrict(t *testing.T) {
	gw := &stubGateway{authenticated: false}
	env := newTestEnv(t, gw, true)
	ctx := context.Background()

	// Create with no initial agents so the team itself comes up.
	team, err := env.svc.Create(ctx, teamRequest("t", 0, 3, 10))
	require.NoError(t, err)

	scaled, err := env.svc.Scale(ctx, team.ID, 2)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePartialScale, apperrors.Code(err))
	require.NotNil(t, scaled)
	assert.Equal(t, v1.TeamStatusActive, scaled.Status)
	assert.Empty(t, scaled.AgentIDs)

	// The refusal is on the audit trail.
	entries, err := env.states.AuditForEntity(ctx, v1.EntityTeam, team.ID, 50)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Action == v1.ActionError && e.Metadata["error"] == apperrors.ErrCodePartialScale {
			found = true
		}
	}
	assert.True(t, found)
}

func TestScaleDegradedWithoutGateway(t *testing.T) {
	gw := &stubGateway{authenticated: false}
	env := newTestEnv(t, gw, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t", 0, 3, 10))
	require.NoError(t, err)

	// Degraded spawns join the team but the scale reports a partial result.
	scaled, err := env.svc.Scale(ctx, team.ID, 3)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePartialScale, apperrors.Code(err))
	require.NotNil(t, scaled)
	assert.Equal(t, v1.TeamStatusActive, scaled.Status)
	assert.Len(t, scaled.AgentIDs, 3)

	for _, id := range scaled.AgentIDs {
		agent, err := env.agents.GetState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, v1.StateRunning, agent.LifecycleState)
		assert.Empty(t, agent.SessionID)
		assert.Equal(t, true, agent.Metadata["degraded"])
	}
}

func TestScaleDestroyedTeamRefused(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t", 0, 3, 10))
	require.NoError(t, err)
	_, err = env.svc.Destroy(ctx, team.ID, false)
	require.NoError(t, err)

	_, err = env.svc.Scale(ctx, team.ID, 1)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeStateConflict, apperrors.Code(err))
}

func TestDestroyIsIdempotent(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t", 1, 3, 10))
	require.NoError(t, err)

	first, err := env.svc.Destroy(ctx, team.ID, false)
	require.NoError(t, err)
	entriesBefore, err := env.states.AuditForEntity(ctx, v1.EntityTeam, team.ID, 100)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	second, err := env.svc.Destroy(ctx, team.ID, false)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, v1.TeamStatusDestroyed, second.Status)

	// The no-op still left an audit entry.
	entriesAfter, err := env.states.AuditForEntity(ctx, v1.EntityTeam, team.ID, 100)
	require.NoError(t, err)
	assert.Len(t, entriesAfter, len(entriesBefore)+1)
	assert.Equal(t, true, entriesAfter[0].Metadata["no_op"])
}

func TestPauseResumeTeam(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t", 0, 3, 10))
	require.NoError(t, err)

	paused, err := env.svc.Pause(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TeamStatusPaused, paused.Status)

	_, err = env.svc.Pause(ctx, team.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeStateConflict, apperrors.Code(err))

	resumed, err := env.svc.Resume(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TeamStatusActive, resumed.Status)
}

func TestBudgetBoundary(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t", 0, 3, 10))
	require.NoError(t, err)

	_, err = env.svc.ConsumeBudget(ctx, team.ID, "a1", 0, 9.5)
	require.NoError(t, err)

	// Consuming up to exactly the allocation succeeds.
	res, err := env.svc.ConsumeBudget(ctx, team.ID, "a1", 0, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Consumed)
	assert.Equal(t, 0.0, res.Remaining)

	// One cent over is refused and nothing changes.
	_, err = env.svc.ConsumeBudget(ctx, team.ID, "a1", 0, 0.01)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeBudgetExceeded, apperrors.Code(err))

	current, err := env.svc.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, current.Budget.Consumed)
	assert.Equal(t, 0.0, current.Budget.Remaining)

	entries, err := env.states.AuditForEntity(ctx, v1.EntityTeam, team.ID, 50)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Action == v1.ActionError && e.Metadata["error"] == apperrors.ErrCodeBudgetExceeded {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBudgetTokenCeiling(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	req := teamRequest("t", 0, 3, 100)
	maxTokens := int64(100)
	req.Budget.MaxTokens = &maxTokens
	team, err := env.svc.Create(ctx, req)
	require.NoError(t, err)

	res, err := env.svc.ConsumeBudget(ctx, team.ID, "a1", 100, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.UsedTokens)

	_, err = env.svc.ConsumeBudget(ctx, team.ID, "a1", 1, 0)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeBudgetExceeded, apperrors.Code(err))
}

func TestBudgetThresholdEvents(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t", 0, 3, 10))
	require.NoError(t, err)

	var mu sync.Mutex
	var events []string
	sub, err := env.eb.Subscribe(bus.TeamSubject(team.ID), func(ctx context.Context, e *bus.Event) error {
		if e.Type == "team.budget.warning" || e.Type == "team.budget.critical" {
			mu.Lock()
			events = append(events, e.Type)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// 0 → 0.8 crosses the warning threshold only.
	_, err = env.svc.ConsumeBudget(ctx, team.ID, "a1", 0, 8)
	require.NoError(t, err)
	// 0.8 → 0.92 crosses critical.
	_, err = env.svc.ConsumeBudget(ctx, team.ID, "a1", 0, 1.2)
	require.NoError(t, err)
	// 0.92 → 0.95 crosses nothing.
	_, err = env.svc.ConsumeBudget(ctx, team.ID, "a1", 0, 0.3)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"team.budget.warning", "team.budget.critical"}, events)
}

func TestConcurrentBudgetConsumes(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	team, err := env.svc.Create(ctx, teamRequest("t", 0, 3, 10))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.ConsumeBudget(ctx, team.ID, "a1", 10, 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	current, err := env.svc.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, 8.0, current.Budget.Consumed)
	assert.Equal(t, 2.0, current.Budget.Remaining)
	assert.Equal(t, int64(40), current.Budget.UsedTokens)
}

func TestListTeamsFilter(t *testing.T) {
	env := newTestEnv(t, &stubGateway{authenticated: true}, false)
	ctx := context.Background()

	a, err := env.svc.Create(ctx, teamRequest("a", 0, 3, 10))
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, teamRequest("b", 0, 3, 10))
	require.NoError(t, err)
	_, err = env.svc.Destroy(ctx, a.ID, false)
	require.NoError(t, err)

	active, err := env.svc.ListTeams(ctx, v1.TeamStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Name)

	all, err := env.svc.ListTeams(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
