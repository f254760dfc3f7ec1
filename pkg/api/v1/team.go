package v1

import "time"

// TeamStatus is the durable status of a team aggregate.
type TeamStatus string

const (
	TeamStatusCreating  TeamStatus = "creating"
	TeamStatusActive    TeamStatus = "active"
	TeamStatusScaling   TeamStatus = "scaling"
	TeamStatusPaused    TeamStatus = "paused"
	TeamStatusDestroyed TeamStatus = "destroyed"
	TeamStatusCompleted TeamStatus = "completed"
	TeamStatusFailed    TeamStatus = "failed"
)

// IsTerminal reports whether the team accepts no further mutations.
func (s TeamStatus) IsTerminal() bool {
	switch s {
	case TeamStatusDestroyed, TeamStatusCompleted, TeamStatusFailed:
		return true
	}
	return false
}

// Strategy controls how a team's agents divide work.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyPipeline   Strategy = "pipeline"
)

// TeamConfig is the immutable scaling policy of a team.
type TeamConfig struct {
	Strategy      Strategy `json:"strategy"`
	DefaultModel  string   `json:"default_model,omitempty"`
	DefaultTask   string   `json:"default_task,omitempty"`
	InitialAgents int      `json:"initial_agents"`
	MaxAgents     int      `json:"max_agents"`
	MaxRetries    int      `json:"max_retries"`
}

// Budget tracks a team's cost and token spending.
// Remaining is maintained as Allocated - Consumed on every write.
type Budget struct {
	Allocated  float64 `json:"allocated"`
	Consumed   float64 `json:"consumed"`
	Remaining  float64 `json:"remaining"`
	Currency   string  `json:"currency"`
	MaxTokens  *int64  `json:"max_tokens,omitempty"`
	UsedTokens int64   `json:"used_tokens"`
}

// TeamMetrics counts agents ever created for the team.
type TeamMetrics struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Team is a named aggregate of agents sharing a budget and scaling policy.
// Members are referenced by id only; the lifecycle manager owns the agents.
type Team struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Status   TeamStatus  `json:"status"`
	Config   TeamConfig  `json:"config"`
	AgentIDs []string    `json:"agents"`
	Budget   Budget      `json:"budget"`
	Metrics  TeamMetrics `json:"metrics"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
}

// Clone returns a deep copy suitable for lock-free reads.
func (t *Team) Clone() *Team {
	cp := *t
	cp.AgentIDs = append([]string(nil), t.AgentIDs...)
	if t.Budget.MaxTokens != nil {
		mt := *t.Budget.MaxTokens
		cp.Budget.MaxTokens = &mt
	}
	cp.CompletedAt = copyTime(t.CompletedAt)
	return &cp
}
