// Package bus provides event bus abstractions for the orchestrator.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects are dot-separated NATS-style. Agent and team events go to
// per-entity subjects; cross-cutting notifications go to the system subject.
const (
	SubjectSystem = "system"

	subjectAgentPrefix = "agent."
	subjectTeamPrefix  = "team."
)

// AgentSubject returns the subject for one agent's events.
func AgentSubject(agentID string) string { return subjectAgentPrefix + agentID }

// TeamSubject returns the subject for one team's events.
func TeamSubject(teamID string) string { return subjectTeamPrefix + teamID }

// AllAgentsSubject matches every agent subject.
func AllAgentsSubject() string { return subjectAgentPrefix + "*" }

// AllTeamsSubject matches every team subject.
func AllTeamsSubject() string { return subjectTeamPrefix + "*" }

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event. Handlers for one
// subscription run sequentially in publish order; a slow handler causes the
// subscription's queue to fill and old events to be dropped, it never blocks
// publishers or other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool

	// Dropped returns the number of events discarded because this
	// subscription's queue was full.
	Dropped() uint64
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject. Publish never blocks on slow
	// subscribers.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout).
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
