package events

import "time"

// SmartEvaluated is emitted when a goal's is_smart flag changes.
type SmartEvaluated struct {
	GoalID      string    `json:"goal_id"`
	TenantID    string    `json:"tenant_id"`
	IsSmart     bool      `json:"is_smart"`
	Measurable  bool      `json:"measurable"`
	Achievable  bool      `json:"achievable"`
	Relevant    bool      `json:"relevant"`
	TimeBound   bool      `json:"time_bound"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// GoalChanged is produced by the goal editing surface when a goal's targets,
// relevance, deadline or activity associations change.
type GoalChanged struct {
	GoalID    string    `json:"goal_id"`
	TenantID  string    `json:"tenant_id"`
	RootID    string    `json:"root_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
