// Package api exposes the orchestrator's HTTP control surface.
package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/agent/lifecycle"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	"github.com/openclaw/orchestrator/internal/common/logger"
	"github.com/openclaw/orchestrator/internal/orchestrator"
	"github.com/openclaw/orchestrator/internal/state"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// Handler contains the HTTP handlers for teams, agents, and state inspection.
type Handler struct {
	teams  *orchestrator.Service
	agents *lifecycle.Manager
	states *state.Manager
	logger *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(teams *orchestrator.Service, agents *lifecycle.Manager, states *state.Manager, log *logger.Logger) *Handler {
	return &Handler{teams: teams, agents: agents, states: states, logger: log}
}

// respondError maps an error to its HTTP status. AppErrors keep their code
// and details; anything else is a 500.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = apperrors.Internal("unexpected error", err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}

// Team endpoints

// CreateTeam creates a team and spawns its initial agents.
// POST /api/v1/teams
func (h *Handler) CreateTeam(c *gin.Context) {
	var req orchestrator.CreateTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	team, err := h.teams.Create(c.Request.Context(), req)
	if err != nil {
		// Partial creation still returns the team alongside the error.
		if apperrors.Is(err, apperrors.ErrCodePartialScale) && team != nil {
			c.JSON(http.StatusMultiStatus, gin.H{"team": team, "error": err})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, team)
}

// GetTeam returns one team.
// GET /api/v1/teams/:teamId
func (h *Handler) GetTeam(c *gin.Context) {
	team, err := h.teams.GetTeam(c.Request.Context(), c.Param("teamId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

// ListTeams returns teams, optionally filtered by ?status=.
// GET /api/v1/teams
func (h *Handler) ListTeams(c *gin.Context) {
	teams, err := h.teams.ListTeams(c.Request.Context(), v1.TeamStatus(c.Query("status")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"teams": teams})
}

// ScaleTeam brings the team to a target size.
// POST /api/v1/teams/:teamId/scale
func (h *Handler) ScaleTeam(c *gin.Context) {
	var req struct {
		Target int `json:"target"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	team, err := h.teams.Scale(c.Request.Context(), c.Param("teamId"), req.Target)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodePartialScale) && team != nil {
			c.JSON(http.StatusMultiStatus, gin.H{"team": team, "error": err})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

// PauseTeam suspends an active team.
// POST /api/v1/teams/:teamId/pause
func (h *Handler) PauseTeam(c *gin.Context) {
	team, err := h.teams.Pause(c.Request.Context(), c.Param("teamId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

// ResumeTeam reactivates a paused team.
// POST /api/v1/teams/:teamId/resume
func (h *Handler) ResumeTeam(c *gin.Context) {
	team, err := h.teams.Resume(c.Request.Context(), c.Param("teamId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

// DestroyTeam destroys a team; ?force=true skips graceful kills.
// DELETE /api/v1/teams/:teamId
func (h *Handler) DestroyTeam(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	team, err := h.teams.Destroy(c.Request.Context(), c.Param("teamId"), force)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

// ConsumeBudget charges tokens and cost against the team's budget.
// POST /api/v1/teams/:teamId/budget
func (h *Handler) ConsumeBudget(c *gin.Context) {
	var req struct {
		AgentID string  `json:"agent_id"`
		Tokens  int64   `json:"tokens"`
		Cost    float64 `json:"cost"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	res, err := h.teams.ConsumeBudget(c.Request.Context(), c.Param("teamId"), req.AgentID, req.Tokens, req.Cost)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Agent endpoints

// SpawnAgent creates and starts a standalone agent.
// POST /api/v1/agents
func (h *Handler) SpawnAgent(c *gin.Context) {
	var req struct {
		TeamID     string                 `json:"team_id"`
		Model      string                 `json:"model"`
		Task       string                 `json:"task"`
		Metadata   map[string]interface{} `json:"metadata"`
		MaxRetries int                    `json:"max_retries"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	agent, err := h.agents.Spawn(c.Request.Context(), lifecycle.SpawnOptions{
		TeamID:     req.TeamID,
		Model:      req.Model,
		Task:       req.Task,
		Metadata:   req.Metadata,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// GetAgent returns one agent.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.agents.GetState(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// PauseAgent suspends a running agent.
// POST /api/v1/agents/:agentId/pause
func (h *Handler) PauseAgent(c *gin.Context) {
	agent, err := h.agents.Pause(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ResumeAgent continues a paused agent.
// POST /api/v1/agents/:agentId/resume
func (h *Handler) ResumeAgent(c *gin.Context) {
	agent, err := h.agents.Resume(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// RetryAgent respawns a failed agent.
// POST /api/v1/agents/:agentId/retry
func (h *Handler) RetryAgent(c *gin.Context) {
	agent, err := h.agents.Retry(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// KillAgent terminates an agent; ?force=true skips the gateway ack.
// DELETE /api/v1/agents/:agentId
func (h *Handler) KillAgent(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	agent, err := h.agents.Kill(c.Request.Context(), c.Param("agentId"), force)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// AgentMetrics summarizes the agent population.
// GET /api/v1/agents/metrics
func (h *Handler) AgentMetrics(c *gin.Context) {
	metrics, err := h.agents.GetMetrics(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// State endpoints

// AuditForEntity returns the audit trail of one entity, newest first.
// GET /api/v1/audit/:entityType/:entityId
func (h *Handler) AuditForEntity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.states.AuditForEntity(c.Request.Context(),
		v1.EntityType(c.Param("entityType")), c.Param("entityId"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Rollback restores an entity to the value it held at a historical version,
// written forward as a new version.
// POST /api/v1/rollback
func (h *Handler) Rollback(c *gin.Context) {
	var req struct {
		EntityType    string `json:"entity_type"`
		EntityID      string `json:"entity_id"`
		TargetVersion int64  `json:"target_version"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	ok, err := h.states.Rollback(c.Request.Context(),
		v1.EntityType(req.EntityType), req.EntityID, req.TargetVersion)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !ok {
		h.respondError(c, apperrors.NotFound("version", strconv.FormatInt(req.TargetVersion, 10)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"rolled_back": true})
}

// ListCheckpoints returns the checkpoints of one entity.
// GET /api/v1/checkpoints/:entityType/:entityId
func (h *Handler) ListCheckpoints(c *gin.Context) {
	checkpoints, err := h.states.ListCheckpoints(c.Request.Context(),
		v1.EntityType(c.Param("entityType")), c.Param("entityId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints})
}

// CleanupCheckpoints prunes checkpoints older than ?max_age (a Go duration,
// e.g. 720h). Nothing prunes checkpoints automatically.
// DELETE /api/v1/checkpoints
func (h *Handler) CleanupCheckpoints(c *gin.Context) {
	maxAge, err := time.ParseDuration(c.Query("max_age"))
	if err != nil || maxAge <= 0 {
		h.respondError(c, apperrors.BadRequest("max_age must be a positive duration"))
		return
	}
	deleted, err := h.states.CleanupCheckpoints(c.Request.Context(), maxAge)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// Health is the liveness probe.
// GET /api/v1/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
