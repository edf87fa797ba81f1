// Package timing implements the pause-aware elapsed time state machine shared
// by sessions and activity instances. Timestamps are always supplied by the
// caller; nothing in this package reads the clock.
package timing

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when an action is not allowed from the
// current state, or when its timestamp runs backwards.
var ErrInvalidTransition = errors.New("invalid timing transition")

// State is the lifecycle position of a tracked entity.
type State int

const (
	NotStarted State = iota
	Running
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Action is a lifecycle event kind.
type Action string

const (
	ActionStart  Action = "start"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionStop   Action = "stop"
)

// ParseAction validates an action name.
func ParseAction(raw string) (Action, error) {
	switch a := Action(raw); a {
	case ActionStart, ActionPause, ActionResume, ActionStop:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, raw)
	}
}

// Event is one lifecycle event with the instant it happened.
type Event struct {
	Action Action    `json:"action" yaml:"action"`
	At     time.Time `json:"at" yaml:"at"`
}

// Timing is the persisted timing state of a session or activity instance.
// Transitions return a new value; the receiver is never modified.
type Timing struct {
	TimeStart          *time.Time
	TimeStop           *time.Time
	IsPaused           bool
	PausedAt           *time.Time
	TotalPausedSeconds int64
	DurationSeconds    *int64
}

// State derives the lifecycle state from the stored fields.
func (t Timing) State() State {
	switch {
	case t.TimeStart == nil:
		return NotStarted
	case t.TimeStop != nil:
		return Stopped
	case t.IsPaused:
		return Paused
	default:
		return Running
	}
}

func invalid(action Action, from State) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, from)
}

func backwards(action Action, at, ref time.Time) error {
	return fmt.Errorf("%w: %s at %s precedes %s", ErrInvalidTransition, action, at.Format(time.RFC3339), ref.Format(time.RFC3339))
}

// instant truncates at to the second. Every stored instant goes through it,
// so paused intervals and the elapsed span are measured on the same grid.
func instant(at time.Time) time.Time {
	return at.UTC().Truncate(time.Second)
}

// Start begins tracking at the given instant.
func (t Timing) Start(at time.Time) (Timing, error) {
	if s := t.State(); s != NotStarted {
		return t, invalid(ActionStart, s)
	}
	next := t
	start := instant(at)
	next.TimeStart = &start
	next.IsPaused = false
	next.PausedAt = nil
	return next, nil
}

// Pause opens a pause interval at the given instant.
func (t Timing) Pause(at time.Time) (Timing, error) {
	if s := t.State(); s != Running {
		return t, invalid(ActionPause, s)
	}
	at = instant(at)
	if at.Before(*t.TimeStart) {
		return t, backwards(ActionPause, at, *t.TimeStart)
	}
	next := t
	pausedAt := at
	next.IsPaused = true
	next.PausedAt = &pausedAt
	return next, nil
}

// Resume closes the open pause interval and adds it to the paused total.
func (t Timing) Resume(at time.Time) (Timing, error) {
	if s := t.State(); s != Paused {
		return t, invalid(ActionResume, s)
	}
	return t.closePause(ActionResume, at)
}

// Stop ends tracking. An open pause interval is closed first.
func (t Timing) Stop(at time.Time) (Timing, error) {
	s := t.State()
	if s != Running && s != Paused {
		return t, invalid(ActionStop, s)
	}
	at = instant(at)
	next := t
	if s == Paused {
		var err error
		if next, err = t.closePause(ActionStop, at); err != nil {
			return t, err
		}
	} else if at.Before(*t.TimeStart) {
		return t, backwards(ActionStop, at, *t.TimeStart)
	}
	stop := at
	next.TimeStop = &stop
	duration := next.NetDuration(stop).Seconds
	next.DurationSeconds = &duration
	return next, nil
}

func (t Timing) closePause(action Action, at time.Time) (Timing, error) {
	if t.PausedAt == nil {
		return t, fmt.Errorf("%w: paused without a pause instant", ErrInvalidTransition)
	}
	at = instant(at)
	if at.Before(*t.PausedAt) {
		return t, backwards(action, at, *t.PausedAt)
	}
	next := t
	next.TotalPausedSeconds += wholeSeconds(at.Sub(*t.PausedAt))
	next.IsPaused = false
	next.PausedAt = nil
	return next, nil
}

// Apply dispatches a single event.
func (t Timing) Apply(ev Event) (Timing, error) {
	switch ev.Action {
	case ActionStart:
		return t.Start(ev.At)
	case ActionPause:
		return t.Pause(ev.At)
	case ActionResume:
		return t.Resume(ev.At)
	case ActionStop:
		return t.Stop(ev.At)
	default:
		return t, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, ev.Action)
	}
}

// Replay folds events over a fresh state. It stops at the first failing event
// and returns the state reached before it.
func Replay(events []Event) (Timing, error) {
	var t Timing
	for i, ev := range events {
		next, err := t.Apply(ev)
		if err != nil {
			return t, fmt.Errorf("event %d: %w", i, err)
		}
		t = next
	}
	return t, nil
}

// Duration is a derived net duration. Clamped is set when the raw computation
// went negative, which only happens with skewed or corrupted timestamps.
type Duration struct {
	Seconds int64
	Clamped bool
}

// NetDuration returns elapsed time between start and stop (or now while
// running) minus every paused interval, including one still open at now.
func (t Timing) NetDuration(now time.Time) Duration {
	if t.TimeStart == nil {
		return Duration{}
	}
	end := now
	if t.TimeStop != nil {
		end = *t.TimeStop
	}
	net := wholeSeconds(end.Sub(*t.TimeStart)) - t.TotalPausedSeconds
	if t.IsPaused && t.PausedAt != nil && t.TimeStop == nil {
		net -= wholeSeconds(now.Sub(*t.PausedAt))
	}
	if net < 0 {
		return Duration{Seconds: 0, Clamped: true}
	}
	return Duration{Seconds: net}
}

func wholeSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
