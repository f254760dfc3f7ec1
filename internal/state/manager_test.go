package state

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/orchestrator/internal/common/clock"
	"github.com/openclaw/orchestrator/internal/common/config"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/db"
	"github.com/openclaw/orchestrator/internal/events/bus"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "state.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	m := NewManager(pool, clock.System{}, config.StateConfig{
		LockMaxRetries: 3,
		LockBaseDelay:  1,
		LockMaxDelay:   10,
	}, log)
	require.NoError(t, m.InitSchema(context.Background()))
	return m
}

func testTeam(id string) *v1.Team {
	return &v1.Team{
		ID:     id,
		Name:   "test-team",
		Status: v1.TeamStatusActive,
		Config: v1.TeamConfig{
			Strategy:  v1.StrategyParallel,
			MaxAgents: 5,
		},
		Budget: v1.Budget{
			Allocated: 100,
			Remaining: 100,
			Currency:  "USD",
		},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testAgent(id, teamID string, ls v1.LifecycleState) *v1.Agent {
	return &v1.Agent{
		ID:             id,
		TeamID:         teamID,
		Model:          "test-model",
		Task:           "do the thing",
		Status:         ls.StatusFor(),
		LifecycleState: ls,
		MaxRetries:     3,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestManager_CreateAndGetTeam(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	team := testTeam("t-1")
	require.NoError(t, m.CreateTeam(ctx, team, "test"))
	assert.Equal(t, int64(0), team.Version)

	loaded, err := m.GetTeam(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, team.ID, loaded.ID)
	assert.Equal(t, team.Name, loaded.Name)
	assert.Equal(t, int64(0), loaded.Version)

	// Double create is a conflict.
	err = m.CreateTeam(ctx, testTeam("t-1"), "test")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeStateConflict, apperrors.Code(err))
}

func TestManager_GetTeamNotFound(t *testing.T) {
	m := newTestManager(t)

	_, err := m.GetTeam(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
}

func TestManager_VersionsIncrementWithoutGaps(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	team := testTeam("t-v")
	require.NoError(t, m.CreateTeam(ctx, team, "test"))

	for i := 1; i <= 5; i++ {
		team.Name = "rename"
		require.NoError(t, m.UpdateTeam(ctx, team, "test"))
		assert.Equal(t, int64(i), team.Version)
	}

	loaded, err := m.GetTeam(ctx, "t-v")
	require.NoError(t, err)
	assert.Equal(t, int64(5), loaded.Version)
}

func TestManager_StaleVersionFailsWithOptimisticLock(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	team := testTeam("t-stale")
	require.NoError(t, m.CreateTeam(ctx, team, "test"))

	// Move the entity forward behind the stale writer's back.
	fresh, err := m.GetTeam(ctx, "t-stale")
	require.NoError(t, err)
	fresh.Name = "winner"
	require.NoError(t, m.UpdateTeam(ctx, fresh, "a"))

	stale := team.Clone()
	stale.Name = "loser"
	err = m.UpdateTeam(ctx, stale, "b")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeOptimisticLock, apperrors.Code(err))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, int64(0), appErr.Details["expected"])
	assert.Equal(t, int64(1), appErr.Details["actual"])

	// The failure itself is audited.
	entries, err := m.AuditForEntity(ctx, v1.EntityTeam, "t-stale", 10)
	require.NoError(t, err)
	var hasError bool
	for _, e := range entries {
		if e.Action == v1.ActionError {
			hasError = true
		}
	}
	assert.True(t, hasError, "expected an error audit entry")
}

// Two concurrent writers both land: the loser re-reads the fresh version and
// re-applies, so no update is lost.
func TestManager_MutateRetriesOnConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	agent := testAgent("a-cas", "", v1.StateRunning)
	require.NoError(t, m.CreateAgent(ctx, agent, "test"))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.MutateAgent(ctx, "a-cas", "test", func(a *v1.Agent) error {
				a.RetryCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := m.GetAgent(ctx, "a-cas")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.RetryCount)
	assert.Equal(t, int64(2), loaded.Version)

	entries, err := m.AuditForEntity(ctx, v1.EntityAgent, "a-cas", 10)
	require.NoError(t, err)
	var updates int
	for _, e := range entries {
		if e.Action == v1.ActionUpdate {
			updates++
		}
	}
	assert.Equal(t, 2, updates)
}

func TestManager_AuditSnapshots(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	agent := testAgent("a-audit", "t-1", v1.StateInitializing)
	require.NoError(t, m.CreateAgent(ctx, agent, "lifecycle"))

	agent.LifecycleState = v1.StateSpawning
	require.NoError(t, m.UpdateAgent(ctx, agent, "lifecycle"))

	entries, err := m.AuditForEntity(ctx, v1.EntityAgent, "a-audit", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first: the update carries both snapshots, the create only next.
	update, create := entries[0], entries[1]
	assert.Equal(t, v1.ActionCreate, create.Action)
	assert.Empty(t, create.Prev)
	assert.NotEmpty(t, create.Next)
	assert.Equal(t, "lifecycle", create.TriggeredBy)

	assert.Equal(t, v1.ActionUpdate, update.Action)
	assert.NotEmpty(t, update.Prev)
	assert.NotEmpty(t, update.Next)
	assert.EqualValues(t, 1, update.Metadata["version"])
}

func TestManager_AuditRange(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateTeam(ctx, testTeam("t-r"), "test"))

	now := time.Now().UTC()
	entries, err := m.AuditRange(ctx, now.Add(-time.Minute), now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = m.AuditRange(ctx, now.Add(-2*time.Hour), now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_DeleteSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	session := &v1.Session{
		ID:        "s-1",
		AgentID:   "a-1",
		Status:    v1.SessionStatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateSession(ctx, session, "gateway"))
	require.NoError(t, m.DeleteSession(ctx, "s-1", 0, "gateway"))

	_, err := m.GetSession(ctx, "s-1")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))

	entries, err := m.AuditForEntity(ctx, v1.EntitySession, "s-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, v1.ActionDelete, entries[0].Action)
	assert.NotEmpty(t, entries[0].Prev)
	assert.Empty(t, entries[0].Next)
}

func TestManager_CheckpointAndCleanup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	team := testTeam("t-cp")
	require.NoError(t, m.CreateTeam(ctx, team, "test"))

	cp, err := m.CreateCheckpoint(ctx, v1.EntityTeam, "t-cp", "graceful-stop")
	require.NoError(t, err)
	assert.Equal(t, "graceful-stop", cp.Reason)
	assert.NotEmpty(t, cp.Snapshot)

	cps, err := m.ListCheckpoints(ctx, v1.EntityTeam, "t-cp")
	require.NoError(t, err)
	assert.Len(t, cps, 1)

	// Nothing younger than an hour, so nothing is pruned.
	n, err := m.CleanupCheckpoints(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.CleanupCheckpoints(ctx, -time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestManager_CheckpointLiveTeams(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateTeam(ctx, testTeam("t-live"), "test"))
	done := testTeam("t-done")
	done.Status = v1.TeamStatusDestroyed
	require.NoError(t, m.CreateTeam(ctx, done, "test"))

	count, err := m.CheckpointLiveTeams(ctx, "graceful-stop")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_RollbackRestoresValueForward(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	team := testTeam("t-rb")
	require.NoError(t, m.CreateTeam(ctx, team, "test")) // v0

	team.Name = "at-v1"
	require.NoError(t, m.UpdateTeam(ctx, team, "test")) // v1
	team.Name = "at-v2"
	require.NoError(t, m.UpdateTeam(ctx, team, "test")) // v2

	ok, err := m.Rollback(ctx, v1.EntityTeam, "t-rb", 1)
	require.NoError(t, err)
	require.True(t, ok)

	loaded, err := m.GetTeam(ctx, "t-rb")
	require.NoError(t, err)
	assert.Equal(t, "at-v1", loaded.Name)
	// Forward-written: version moved to 3, history intact.
	assert.Equal(t, int64(3), loaded.Version)

	entries, err := m.AuditForEntity(ctx, v1.EntityTeam, "t-rb", 10)
	require.NoError(t, err)
	assert.Equal(t, v1.ActionRollback, entries[0].Action)

	// A checkpoint of the pre-rollback state was taken.
	cps, err := m.ListCheckpoints(ctx, v1.EntityTeam, "t-rb")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "pre-rollback", cps[0].Reason)
}

func TestManager_RollbackUnknownVersion(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	team := testTeam("t-rb2")
	require.NoError(t, m.CreateTeam(ctx, team, "test"))

	ok, err := m.Rollback(ctx, v1.EntityTeam, "t-rb2", 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_RecoverAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	eb := bus.NewMemoryEventBus(log)
	defer eb.Close()

	// A team interrupted mid-scale.
	team := testTeam("t-rec")
	team.Status = v1.TeamStatusScaling
	require.NoError(t, m.CreateTeam(ctx, team, "test"))

	// An agent that was running when the process died.
	running := testAgent("a-run", "t-rec", v1.StateRunning)
	require.NoError(t, m.CreateAgent(ctx, running, "test"))

	// A paused agent survives untouched.
	paused := testAgent("a-pause", "t-rec", v1.StatePaused)
	require.NoError(t, m.CreateAgent(ctx, paused, "test"))

	// An open session goes to lost.
	session := &v1.Session{ID: "s-rec", AgentID: "a-run", Status: v1.SessionStatusOpen, CreatedAt: time.Now().UTC()}
	require.NoError(t, m.CreateSession(ctx, session, "test"))

	report, err := m.RecoverAll(ctx, eb)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TeamsRecovered)
	assert.Equal(t, 1, report.AgentsRecovered)
	assert.Equal(t, 1, report.SessionsRecovered)
	assert.Empty(t, report.Errors)

	loadedTeam, err := m.GetTeam(ctx, "t-rec")
	require.NoError(t, err)
	assert.Equal(t, v1.TeamStatusActive, loadedTeam.Status)

	loadedAgent, err := m.GetAgent(ctx, "a-run")
	require.NoError(t, err)
	assert.Equal(t, v1.StateFailed, loadedAgent.LifecycleState)
	assert.Equal(t, "interrupted by restart", loadedAgent.LastError)
	assert.NotNil(t, loadedAgent.CompletedAt)

	loadedPaused, err := m.GetAgent(ctx, "a-pause")
	require.NoError(t, err)
	assert.Equal(t, v1.StatePaused, loadedPaused.LifecycleState)

	loadedSession, err := m.GetSession(ctx, "s-rec")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusLost, loadedSession.Status)

	entries, err := m.AuditForEntity(ctx, v1.EntityAgent, "a-run", 10)
	require.NoError(t, err)
	assert.Equal(t, v1.ActionRecovery, entries[0].Action)
}

func TestManager_ListAgentsByTeam(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateAgent(ctx, testAgent("a-1", "t-1", v1.StateRunning), "test"))
	require.NoError(t, m.CreateAgent(ctx, testAgent("a-2", "t-1", v1.StateCompleted), "test"))
	require.NoError(t, m.CreateAgent(ctx, testAgent("a-3", "t-2", v1.StateRunning), "test"))

	agents, err := m.ListAgentsByTeam(ctx, "t-1")
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	nonTerminal, err := m.ListNonTerminalAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, nonTerminal, 2)
}
