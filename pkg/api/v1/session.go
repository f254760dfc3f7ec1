package v1

import "time"

// SessionStatus is the durable status of a remote gateway session.
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "open"
	SessionStatusClosed SessionStatus = "closed"
	SessionStatusLost   SessionStatus = "lost"
)

// Session records the binding between an agent and its remote gateway
// session. Persisted so restarts can reconcile sessions that outlived the
// orchestrator process.
type Session struct {
	ID         string        `json:"id"`
	AgentID    string        `json:"agent_id"`
	Status     SessionStatus `json:"status"`
	Model      string        `json:"model,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	LastSeenAt *time.Time    `json:"last_seen_at,omitempty"`
	ClosedAt   *time.Time    `json:"closed_at,omitempty"`
	Version    int64         `json:"version"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	cp := *s
	cp.LastSeenAt = copyTime(s.LastSeenAt)
	cp.ClosedAt = copyTime(s.ClosedAt)
	return &cp
}
