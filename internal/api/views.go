package api

import (
	"time"

	"example.com/fractalgoals/internal/goals"
)

// TransitionRequest is the optional body of a lifecycle action. At defaults
// to the server clock.
type TransitionRequest struct {
	At *time.Time `json:"at"`
}

// DescendantsResponse lists the live descendants of a goal in breadth-first order.
type DescendantsResponse struct {
	GoalID      string   `json:"goal_id"`
	Descendants []string `json:"descendants"`
}

// VisibleActivityView is one activity visible at a goal.
type VisibleActivityView struct {
	ActivityID string           `json:"activity_id"`
	Name       string           `json:"name"`
	RootID     string           `json:"root_id"`
	CreatedAt  time.Time        `json:"created_at"`
	Provenance goals.Provenance `json:"provenance"`
}

// VisibleActivitiesResponse packages the activities visible at a goal.
type VisibleActivitiesResponse struct {
	GoalID string                `json:"goal_id"`
	Items  []VisibleActivityView `json:"items"`
}

// SmartResponse reports a SMART evaluation and whether it changed the stored flag.
type SmartResponse struct {
	goals.SmartReport
	Smart   bool `json:"is_smart"`
	Changed bool `json:"changed"`
}

// TimingView exposes the lifecycle fields and the derived net duration.
type TimingView struct {
	State              string     `json:"state"`
	TimeStart          *time.Time `json:"time_start,omitempty"`
	TimeStop           *time.Time `json:"time_stop,omitempty"`
	IsPaused           bool       `json:"is_paused"`
	PausedAt           *time.Time `json:"paused_at,omitempty"`
	TotalPausedSeconds int64      `json:"total_paused_seconds"`
	DurationSeconds    *int64     `json:"duration_seconds,omitempty"`
	NetSeconds         int64      `json:"net_seconds"`
}

// SessionView exposes a session and, where relevant, its instances.
type SessionView struct {
	SessionID string    `json:"session_id"`
	RootID    string    `json:"root_id"`
	Name      string    `json:"name"`
	Completed bool      `json:"completed"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TimingView
	Instances []InstanceView `json:"instances,omitempty"`
}

// InstanceView exposes an activity instance.
type InstanceView struct {
	InstanceID           string    `json:"instance_id"`
	SessionID            string    `json:"session_id"`
	ActivityDefinitionID string    `json:"activity_definition_id"`
	Version              int       `json:"version"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	TimingView
}

// ListSessionsResponse packages a page of sessions.
type ListSessionsResponse struct {
	Items      []SessionView `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}
