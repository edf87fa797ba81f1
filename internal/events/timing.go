// Package events defines the payloads exchanged with the event bus.
package events

import "time"

// Event type names.
const (
	TypeSessionTimingChanged  = "session.timing_changed"
	TypeInstanceTimingChanged = "activity_instance.timing_changed"
	TypeGoalSmartEvaluated    = "goal.smart_evaluated"
	TypeGoalUpdated           = "goal.updated"
	TypeGoalAssociationChange = "goal.association_changed"
)

// TimingChanged is emitted whenever a session or activity instance moves
// through its lifecycle.
type TimingChanged struct {
	EntityID           string     `json:"entity_id"`
	TenantID           string     `json:"tenant_id"`
	SessionID          string     `json:"session_id"`
	Action             string     `json:"action"`
	State              string     `json:"state"`
	OccurredAt         time.Time  `json:"occurred_at"`
	TimeStart          *time.Time `json:"time_start,omitempty"`
	TimeStop           *time.Time `json:"time_stop,omitempty"`
	TotalPausedSeconds int64      `json:"total_paused_seconds"`
	DurationSeconds    *int64     `json:"duration_seconds,omitempty"`
	Version            int        `json:"version"`
}
