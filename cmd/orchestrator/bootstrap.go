package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/orchestrator"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// teamSpec is one entry of the --teams bootstrap file.
type teamSpec struct {
	Name          string  `yaml:"name"`
	Strategy      string  `yaml:"strategy"`
	DefaultModel  string  `yaml:"defaultModel"`
	DefaultTask   string  `yaml:"defaultTask"`
	InitialAgents int     `yaml:"initialAgents"`
	MaxAgents     int     `yaml:"maxAgents"`
	MaxRetries    int     `yaml:"maxRetries"`
	Budget        float64 `yaml:"budget"`
	MaxTokens     *int64  `yaml:"maxTokens"`
}

type teamsFile struct {
	Teams []teamSpec `yaml:"teams"`
}

// bootstrapTeams creates the teams listed in the YAML file. A team that fails
// validation aborts startup; a partial spawn (gateway trouble) is logged and
// startup continues, matching how the API reports partial creation.
func bootstrapTeams(ctx context.Context, teams *orchestrator.Service, path string, log *logger.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading teams file: %w", err)
	}

	var file teamsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing teams file: %w", err)
	}

	for _, spec := range file.Teams {
		team, err := teams.Create(ctx, orchestrator.CreateTeamRequest{
			Name: spec.Name,
			Config: v1.TeamConfig{
				Strategy:      v1.Strategy(spec.Strategy),
				DefaultModel:  spec.DefaultModel,
				DefaultTask:   spec.DefaultTask,
				InitialAgents: spec.InitialAgents,
				MaxAgents:     spec.MaxAgents,
				MaxRetries:    spec.MaxRetries,
			},
			Budget: v1.Budget{
				Allocated: spec.Budget,
				MaxTokens: spec.MaxTokens,
			},
		})
		if err != nil {
			if apperrors.Is(err, apperrors.ErrCodePartialScale) && team != nil {
				log.Warn("Bootstrap team created with partial spawn",
					zap.String("team_id", team.ID),
					zap.String("name", spec.Name),
					zap.Error(err))
				continue
			}
			return fmt.Errorf("creating team %q: %w", spec.Name, err)
		}
		log.Info("Bootstrap team created",
			zap.String("team_id", team.ID),
			zap.String("name", team.Name),
			zap.Int("agents", len(team.AgentIDs)))
	}
	return nil
}
