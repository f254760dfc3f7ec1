package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/events/bus"
)

// On registers a handler for a gateway event name. Handlers run on the read
// goroutine and must not block.
func (c *Client) On(event string, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// BindSession records which agent owns a remote session so events carrying a
// session id can be attributed.
func (c *Client) BindSession(sessionID, agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = agentID
}

// UnbindSession drops a session binding.
func (c *Client) UnbindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// ResolveAgent returns the agent bound to a session, if any.
func (c *Client) ResolveAgent(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agentID, ok := c.sessions[sessionID]
	return agentID, ok
}

// dispatchEvent runs registered handlers for the event and always republishes
// it on the orchestrator's event bus as openclaw.<event>, with agent_id
// resolved through the session map.
func (c *Client) dispatchEvent(frame *Frame) {
	if seq := frame.Seq; seq > 0 {
		if last := c.lastSeq.Load(); last > 0 && seq != last+1 {
			c.log.Warn("Gateway event sequence gap",
				zap.Int64("expected", last+1),
				zap.Int64("got", seq))
		}
		c.lastSeq.Store(seq)
	}

	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.handlers[frame.Event]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(frame.Event, frame.Payload)
	}

	c.republish(frame)
}

func (c *Client) republish(frame *Frame) {
	if c.eb == nil {
		return
	}

	var payload map[string]interface{}
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.log.Warn("Failed to decode gateway event payload",
				zap.String("event", frame.Event),
				zap.Error(err))
			payload = nil
		}
	}

	data := map[string]interface{}{
		"payload": payload,
		"seq":     frame.Seq,
	}

	subject := bus.SubjectSystem
	if sid, ok := payload["sessionKey"].(string); ok && sid != "" {
		data["session_id"] = sid
		if agentID, bound := c.ResolveAgent(sid); bound {
			data["agent_id"] = agentID
			subject = bus.AgentSubject(agentID)
		}
	}

	event := bus.NewEvent("openclaw."+frame.Event, "gateway", data)
	if err := c.eb.Publish(context.Background(), subject, event); err != nil {
		c.log.Warn("Failed to republish gateway event",
			zap.String("event", frame.Event),
			zap.Error(err))
	}
}

func (c *Client) publishSystem(eventType string, data map[string]interface{}) {
	if c.eb == nil {
		return
	}
	if err := c.eb.Publish(context.Background(), bus.SubjectSystem, bus.NewEvent(eventType, "gateway", data)); err != nil {
		c.log.Warn("Failed to publish gateway status event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
