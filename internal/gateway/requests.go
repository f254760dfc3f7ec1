package gateway

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
)

// SpawnRequest asks the gateway to open a new remote session for an agent.
// AgentID and Metadata are local bookkeeping; on the wire the task travels as
// the session's systemPrompt.
type SpawnRequest struct {
	AgentID  string
	Model    string
	Task     string
	Skills   []string
	Metadata map[string]interface{}
}

// SessionInfo describes one remote session. SessionID holds the gateway's
// sessionKey.
type SessionInfo struct {
	SessionID string
	AgentID   string
	Model     string
	Status    string
	CreatedAt time.Time
}

// Message is one entry of a session's history.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts,omitempty"`
}

// Wire shapes of the sessions_* methods.
type sessionsSpawnParams struct {
	Model        string   `json:"model,omitempty"`
	Skills       []string `json:"skills,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
}

type sessionsSendParams struct {
	SessionKey  string   `json:"sessionKey"`
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
}

type sessionsHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

type sessionsKillParams struct {
	SessionKey string `json:"sessionKey"`
}

type sessionRecord struct {
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId,omitempty"`
	Model      string `json:"model,omitempty"`
	Status     string `json:"status,omitempty"`
}

// SpawnSession opens a remote session and binds it to the agent.
func (c *Client) SpawnSession(ctx context.Context, req SpawnRequest) (*SessionInfo, error) {
	payload, err := c.Request(ctx, "sessions_spawn", sessionsSpawnParams{
		Model:        req.Model,
		Skills:       req.Skills,
		SystemPrompt: req.Task,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, apperrors.Internal("failed to decode spawn response", err)
	}
	if out.SessionKey == "" {
		return nil, apperrors.Connection("gateway returned no session key", nil)
	}
	c.BindSession(out.SessionKey, req.AgentID)
	return &SessionInfo{
		SessionID: out.SessionKey,
		AgentID:   req.AgentID,
		Model:     req.Model,
	}, nil
}

// SendMessage delivers a message to a running session and returns the run id
// the gateway assigned to it.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string, attachments ...string) (string, error) {
	payload, err := c.Request(ctx, "sessions_send", sessionsSendParams{
		SessionKey:  sessionID,
		Message:     message,
		Attachments: attachments,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		RunID  string `json:"runId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", apperrors.Internal("failed to decode send response", err)
	}
	return out.RunID, nil
}

// History fetches up to limit messages of a session's transcript. A zero
// limit leaves the cap to the gateway.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	payload, err := c.Request(ctx, "sessions_history", sessionsHistoryParams{
		SessionKey: sessionID,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, apperrors.Internal("failed to decode history response", err)
	}
	return out.Messages, nil
}

// ListSessions returns the sessions the gateway currently holds.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	payload, err := c.Request(ctx, "sessions_list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Sessions []sessionRecord `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, apperrors.Internal("failed to decode sessions list", err)
	}
	sessions := make([]SessionInfo, 0, len(out.Sessions))
	for _, s := range out.Sessions {
		sessions = append(sessions, SessionInfo{
			SessionID: s.SessionKey,
			AgentID:   s.AgentID,
			Model:     s.Model,
			Status:    s.Status,
		})
	}
	return sessions, nil
}

// KillSession terminates a remote session and drops its binding.
func (c *Client) KillSession(ctx context.Context, sessionID string) error {
	_, err := c.Request(ctx, "sessions_kill", sessionsKillParams{SessionKey: sessionID})
	if err != nil {
		return err
	}
	c.UnbindSession(sessionID)
	return nil
}

// Tool invokes a named gateway tool; the method on the wire is
// tool_<name>.
func (c *Client) Tool(ctx context.Context, name string, params interface{}) (json.RawMessage, error) {
	return c.Request(ctx, "tool_"+name, params)
}
