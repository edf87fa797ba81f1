package persistence

import (
	"time"

	"example.com/fractalgoals/internal/domain"
	"example.com/fractalgoals/internal/events"
	"example.com/fractalgoals/internal/timing"
)

// SessionTimingEvent builds the session.timing_changed payload for a saved
// session. The version is the one the row carries after the save.
func SessionTimingEvent(tenantID string, s domain.Session, action timing.Action, at time.Time) events.TimingChanged {
	return timingEvent(tenantID, s.ID, s.ID, s.Timing, s.Version, action, at)
}

// InstanceTimingEvent builds the activity_instance.timing_changed payload.
func InstanceTimingEvent(tenantID string, inst domain.ActivityInstance, action timing.Action, at time.Time) events.TimingChanged {
	return timingEvent(tenantID, inst.ID, inst.SessionID, inst.Timing, inst.Version, action, at)
}

func timingEvent(tenantID, entityID, sessionID string, t timing.Timing, version int, action timing.Action, at time.Time) events.TimingChanged {
	return events.TimingChanged{
		EntityID:           entityID,
		TenantID:           tenantID,
		SessionID:          sessionID,
		Action:             string(action),
		State:              t.State().String(),
		OccurredAt:         at.UTC(),
		TimeStart:          t.TimeStart,
		TimeStop:           t.TimeStop,
		TotalPausedSeconds: t.TotalPausedSeconds,
		DurationSeconds:    t.DurationSeconds,
		Version:            version,
	}
}
