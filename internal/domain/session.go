package domain

import (
	"time"

	"example.com/fractalgoals/internal/timing"
)

// Session is a time-tracked container of activity instances.
type Session struct {
	ID        string
	RootID    string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Completed bool
	Timing    timing.Timing
	Version   int
}

// ActivityInstance is a unit of work performed against an activity definition
// within a session.
type ActivityInstance struct {
	ID                   string
	SessionID            string
	ActivityDefinitionID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Timing               timing.Timing
	Version              int
}

// Cursor models the session pagination token.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// TimingChange is a batch of timing updates saved atomically. Every entry
// carries the version it was read at; the store rejects the whole batch if any
// row moved on in the meantime.
type TimingChange struct {
	TenantID  string
	Session   *Session
	Instances []ActivityInstance
	Action    timing.Action
	At        time.Time
}
