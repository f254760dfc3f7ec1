package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/events/bus"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// BudgetResult reports the team's spending after a successful consume.
type BudgetResult struct {
	OK         bool    `json:"ok"`
	Consumed   float64 `json:"consumed"`
	Remaining  float64 `json:"remaining"`
	UsedTokens int64   `json:"used_tokens"`
}

// ConsumeBudget charges tokens and cost against the team's budget as one
// atomic read-modify-write under the team mutex. An overrun of either ceiling
// is rejected with BUDGET_EXCEEDED before anything is written; consuming up
// to exactly the allocation succeeds.
func (s *Service) ConsumeBudget(ctx context.Context, teamID, agentID string, tokens int64, cost float64) (*BudgetResult, error) {
	if tokens < 0 || cost < 0 {
		return nil, apperrors.ValidationError("budget", "tokens and cost must not be negative")
	}

	lock := s.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := s.states.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.Status.IsTerminal() {
		return nil, apperrors.StateConflict(fmt.Sprintf("team %s is %s", teamID, team.Status))
	}

	newConsumed := team.Budget.Consumed + cost
	newTokens := team.Budget.UsedTokens + tokens

	if mt := team.Budget.MaxTokens; mt != nil && newTokens > *mt {
		berr := apperrors.BudgetExceeded(teamID,
			fmt.Sprintf("token budget exceeded: %d + %d > %d", team.Budget.UsedTokens, tokens, *mt))
		s.auditBudgetRefusal(ctx, teamID, agentID, tokens, cost, berr)
		return nil, berr
	}
	if newConsumed > team.Budget.Allocated {
		berr := apperrors.BudgetExceeded(teamID,
			fmt.Sprintf("cost budget exceeded: %.4f + %.4f > %.4f", team.Budget.Consumed, cost, team.Budget.Allocated))
		s.auditBudgetRefusal(ctx, teamID, agentID, tokens, cost, berr)
		return nil, berr
	}

	prevFraction := consumedFraction(team.Budget.Consumed, team.Budget.Allocated)

	updated, err := s.states.MutateTeam(ctx, teamID, "orchestrator", func(t *v1.Team) error {
		t.Budget.Consumed = newConsumed
		t.Budget.Remaining = t.Budget.Allocated - newConsumed
		t.Budget.UsedTokens = newTokens
		return nil
	})
	if err != nil {
		return nil, err
	}

	newFraction := consumedFraction(updated.Budget.Consumed, updated.Budget.Allocated)
	s.publishThresholds(ctx, updated, agentID, prevFraction, newFraction)

	return &BudgetResult{
		OK:         true,
		Consumed:   updated.Budget.Consumed,
		Remaining:  updated.Budget.Remaining,
		UsedTokens: updated.Budget.UsedTokens,
	}, nil
}

func consumedFraction(consumed, allocated float64) float64 {
	if allocated <= 0 {
		return 0
	}
	return consumed / allocated
}

// publishThresholds emits warning/critical events when a consume crosses a
// configured fraction of the allocation.
func (s *Service) publishThresholds(ctx context.Context, team *v1.Team, agentID string, prev, next float64) {
	crossed := func(threshold float64) bool {
		return prev < threshold && next >= threshold
	}
	emit := func(eventType string, threshold float64) {
		data := map[string]interface{}{
			"team_id":   team.ID,
			"consumed":  team.Budget.Consumed,
			"allocated": team.Budget.Allocated,
			"fraction":  next,
			"threshold": threshold,
		}
		if agentID != "" {
			data["agent_id"] = agentID
		}
		if err := s.eb.Publish(ctx, bus.TeamSubject(team.ID), bus.NewEvent(eventType, "orchestrator", data)); err != nil {
			s.log.Warn("Failed to publish budget event",
				zap.String("team_id", team.ID),
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}

	if crossed(s.cfg.CriticalThreshold) {
		emit("team.budget.critical", s.cfg.CriticalThreshold)
	} else if crossed(s.cfg.WarningThreshold) {
		emit("team.budget.warning", s.cfg.WarningThreshold)
	}
}

func (s *Service) auditBudgetRefusal(ctx context.Context, teamID, agentID string, tokens int64, cost float64, cause error) {
	if err := s.states.RecordError(ctx, v1.EntityTeam, teamID, "orchestrator", cause, map[string]interface{}{
		"agent_id": agentID,
		"tokens":   tokens,
		"cost":     cost,
	}); err != nil {
		s.log.Error("Failed to audit budget refusal",
			zap.String("team_id", teamID), zap.Error(err))
	}
}
