// Package clock provides the time source and identifier generation used by
// the orchestrator core. Persisted timestamps are UTC with millisecond
// precision; tests substitute a manual clock.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source injected into the core components.
type Clock interface {
	// Now returns the current time in UTC, truncated to millisecond
	// precision to match the persisted representation.
	Now() time.Time
}

// System is the real clock.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Manual is a test clock that only moves when advanced.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC().Truncate(time.Millisecond)}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// NewID returns a new unique identifier.
func NewID() string {
	return uuid.New().String()
}
