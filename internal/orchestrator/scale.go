package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// Scale brings the team's live agent count to target. Scaling past
// config.max_agents is refused; scaling to the current size is a no-op that
// still writes a versioned record. Scale-down victims are the most recently
// spawned live agents, killed gracefully first and forced after the timeout.
func (s *Service) Scale(ctx context.Context, teamID string, target int) (*v1.Team, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.scale",
		trace.WithAttributes(attribute.String("team.id", teamID), attribute.Int("target", target)))
	defer span.End()

	if target < 0 {
		return nil, apperrors.ValidationError("target", "target size must not be negative")
	}

	lock := s.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := s.states.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.Status.IsTerminal() {
		return nil, apperrors.StateConflict(fmt.Sprintf("team %s is %s and cannot be scaled", teamID, team.Status))
	}
	if target > team.Config.MaxAgents {
		return nil, apperrors.StateConflict(
			fmt.Sprintf("target %d exceeds max_agents %d", target, team.Config.MaxAgents))
	}

	live, err := s.liveAgents(ctx, teamID)
	if err != nil {
		return nil, err
	}
	cur := len(live)

	// Restored afterwards so scaling a paused team does not resume it.
	prevStatus := team.Status
	if prevStatus == v1.TeamStatusScaling {
		prevStatus = v1.TeamStatusActive
	}
	if _, err := s.states.MutateTeam(ctx, teamID, "orchestrator", func(t *v1.Team) error {
		t.Status = v1.TeamStatusScaling
		return nil
	}); err != nil {
		return nil, err
	}

	var created []string
	var scaleErrs []string
	var removed map[string]bool

	switch {
	case target > cur:
		created, scaleErrs = s.spawnAgents(ctx, team, target-cur)
	case target < cur:
		removed = s.killAgents(ctx, victims(live, cur-target), &scaleErrs)
	}

	final, err := s.states.MutateTeam(ctx, teamID, "orchestrator", func(t *v1.Team) error {
		t.Status = prevStatus
		t.AgentIDs = append(t.AgentIDs, created...)
		t.Metrics.Total += len(created)
		if len(removed) > 0 {
			kept := t.AgentIDs[:0]
			for _, id := range t.AgentIDs {
				if !removed[id] {
					kept = append(kept, id)
				}
			}
			t.AgentIDs = kept
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.publishTeam(ctx, "team.scaled", final, map[string]interface{}{
		"from": cur,
		"to":   target,
	})

	if len(scaleErrs) > 0 {
		perr := apperrors.PartialScale(teamID, created, scaleErrs)
		if aerr := s.states.RecordError(ctx, v1.EntityTeam, teamID, "orchestrator", perr, map[string]interface{}{
			"target": target,
			"from":   cur,
		}); aerr != nil {
			s.log.Error("Failed to audit partial scale", zap.String("team_id", teamID), zap.Error(aerr))
		}
		return final, perr
	}
	return final, nil
}

// liveAgents returns the team's members whose lifecycle state is not
// terminal, oldest first.
func (s *Service) liveAgents(ctx context.Context, teamID string) ([]*v1.Agent, error) {
	agents, err := s.states.ListAgentsByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	live := agents[:0]
	for _, a := range agents {
		if !a.LifecycleState.IsTerminal() {
			live = append(live, a)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
	return live, nil
}

// victims picks the n most recently spawned agents.
func victims(live []*v1.Agent, n int) []*v1.Agent {
	if n > len(live) {
		n = len(live)
	}
	return live[len(live)-n:]
}

// killAgents terminates the given agents with bounded parallelism: graceful
// first, forced once the graceful window expires. Returns the set of agent
// ids that ended up terminal.
func (s *Service) killAgents(ctx context.Context, targets []*v1.Agent, errs *[]string) map[string]bool {
	removed := make(map[string]bool, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.DestroyParallelism)
	for _, a := range targets {
		agent := a
		g.Go(func() error {
			killCtx, cancel := context.WithTimeout(gctx, s.cfg.ScaleKillTimeoutDuration())
			_, err := s.agents.Kill(killCtx, agent.ID, false)
			cancel()
			if err != nil {
				// Escalate to a forced kill.
				if _, ferr := s.agents.Kill(gctx, agent.ID, true); ferr != nil {
					if apperrors.Is(ferr, apperrors.ErrCodeStateConflict) {
						// Already terminal, nothing left to do.
						mu.Lock()
						removed[agent.ID] = true
						mu.Unlock()
						return nil
					}
					mu.Lock()
					*errs = append(*errs, fmt.Sprintf("agent %s: %v", agent.ID, ferr))
					mu.Unlock()
					return nil
				}
			}
			mu.Lock()
			removed[agent.ID] = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return removed
}

// Destroy marks the team destroyed and kills every non-terminal member.
// Idempotent: destroying an already destroyed team is a no-op that still
// writes an audit entry.
func (s *Service) Destroy(ctx context.Context, teamID string, force bool) (*v1.Team, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.destroy",
		trace.WithAttributes(attribute.String("team.id", teamID), attribute.Bool("force", force)))
	defer span.End()

	lock := s.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := s.states.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.Status == v1.TeamStatusDestroyed {
		if err := s.states.RecordAction(ctx, v1.EntityTeam, teamID, v1.ActionUpdate, "orchestrator", map[string]interface{}{
			"operation": "destroy",
			"no_op":     true,
		}); err != nil {
			s.log.Error("Failed to audit idempotent destroy", zap.String("team_id", teamID), zap.Error(err))
		}
		return team, nil
	}

	live, err := s.liveAgents(ctx, teamID)
	if err != nil {
		return nil, err
	}
	var killErrs []string
	if force {
		s.forceKillAgents(ctx, live, &killErrs)
	} else {
		s.killAgents(ctx, live, &killErrs)
	}
	for _, msg := range killErrs {
		s.log.Warn("Destroy could not kill member agent",
			zap.String("team_id", teamID), zap.String("detail", msg))
	}

	final, err := s.states.MutateTeam(ctx, teamID, "orchestrator", func(t *v1.Team) error {
		now := s.clk.Now()
		t.Status = v1.TeamStatusDestroyed
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.publishTeam(ctx, "team.destroyed", final, map[string]interface{}{"force": force})
	return final, nil
}

// forceKillAgents skips the graceful stage entirely.
func (s *Service) forceKillAgents(ctx context.Context, targets []*v1.Agent, errs *[]string) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.DestroyParallelism)
	for _, a := range targets {
		agent := a
		g.Go(func() error {
			if _, err := s.agents.Kill(gctx, agent.ID, true); err != nil && !apperrors.Is(err, apperrors.ErrCodeStateConflict) {
				mu.Lock()
				*errs = append(*errs, fmt.Sprintf("agent %s: %v", agent.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}
