package api

import (
	"github.com/gin-gonic/gin"

	"github.com/openclaw/orchestrator/internal/agent/lifecycle"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/orchestrator"
	"github.com/openclaw/orchestrator/internal/state"
)

// SetupRoutes configures the control surface routes.
func SetupRoutes(router *gin.RouterGroup, teams *orchestrator.Service, agents *lifecycle.Manager, states *state.Manager, log *logger.Logger) {
	handler := NewHandler(teams, agents, states, log)

	router.GET("/health", handler.Health)

	teamRoutes := router.Group("/teams")
	{
		teamRoutes.POST("", handler.CreateTeam)
		teamRoutes.GET("", handler.ListTeams)
		teamRoutes.GET("/:teamId", handler.GetTeam)
		teamRoutes.DELETE("/:teamId", handler.DestroyTeam)
		teamRoutes.POST("/:teamId/scale", handler.ScaleTeam)
		teamRoutes.POST("/:teamId/pause", handler.PauseTeam)
		teamRoutes.POST("/:teamId/resume", handler.ResumeTeam)
		teamRoutes.POST("/:teamId/budget", handler.ConsumeBudget)
	}

	agentRoutes := router.Group("/agents")
	{
		agentRoutes.POST("", handler.SpawnAgent)
		agentRoutes.GET("/metrics", handler.AgentMetrics)
		agentRoutes.GET("/:agentId", handler.GetAgent)
		agentRoutes.DELETE("/:agentId", handler.KillAgent)
		agentRoutes.POST("/:agentId/pause", handler.PauseAgent)
		agentRoutes.POST("/:agentId/resume", handler.ResumeAgent)
		agentRoutes.POST("/:agentId/retry", handler.RetryAgent)
	}

	router.GET("/audit/:entityType/:entityId", handler.AuditForEntity)
	router.GET("/checkpoints/:entityType/:entityId", handler.ListCheckpoints)
	router.DELETE("/checkpoints", handler.CleanupCheckpoints)
	router.POST("/rollback", handler.Rollback)
}
