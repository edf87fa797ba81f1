package timing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

func TestPauseResumeScenario(t *testing.T) {
	state, err := Replay([]Event{
		{Action: ActionStart, At: at(0)},
		{Action: ActionPause, At: at(100)},
		{Action: ActionResume, At: at(130)},
		{Action: ActionStop, At: at(200)},
	})
	require.NoError(t, err)
	require.Equal(t, Stopped, state.State())
	require.Equal(t, int64(30), state.TotalPausedSeconds)
	require.Equal(t, int64(170), *state.DurationSeconds)
	require.Equal(t, int64(170), state.NetDuration(at(5000)).Seconds)
}

func TestResumeWithoutPauseLeavesStateUnchanged(t *testing.T) {
	running, err := Timing{}.Start(at(0))
	require.NoError(t, err)

	next, err := running.Resume(at(10))
	require.True(t, errors.Is(err, ErrInvalidTransition))
	require.Equal(t, running, next)
	require.Equal(t, Running, running.State())
}

func TestIllegalTransitions(t *testing.T) {
	var fresh Timing
	_, err := fresh.Pause(at(0))
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = fresh.Stop(at(0))
	require.ErrorIs(t, err, ErrInvalidTransition)

	running, err := fresh.Start(at(0))
	require.NoError(t, err)
	_, err = running.Start(at(1))
	require.ErrorIs(t, err, ErrInvalidTransition)

	paused, err := running.Pause(at(5))
	require.NoError(t, err)
	_, err = paused.Pause(at(6))
	require.ErrorIs(t, err, ErrInvalidTransition, "double pause")

	stopped, err := paused.Stop(at(9))
	require.NoError(t, err)
	for _, ev := range []Event{{ActionStart, at(10)}, {ActionPause, at(10)}, {ActionResume, at(10)}, {ActionStop, at(10)}} {
		_, err := stopped.Apply(ev)
		require.ErrorIs(t, err, ErrInvalidTransition, string(ev.Action))
	}

	_, err = running.Apply(Event{Action: "rewind", At: at(2)})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBackwardsTimestampsRejected(t *testing.T) {
	running, err := Timing{}.Start(at(100))
	require.NoError(t, err)
	_, err = running.Pause(at(50))
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = running.Stop(at(99))
	require.ErrorIs(t, err, ErrInvalidTransition)

	paused, err := running.Pause(at(120))
	require.NoError(t, err)
	_, err = paused.Resume(at(110))
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = paused.Stop(at(110))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStopWhilePausedClosesPause(t *testing.T) {
	state, err := Replay([]Event{
		{Action: ActionStart, At: at(0)},
		{Action: ActionPause, At: at(40)},
		{Action: ActionStop, At: at(100)},
	})
	require.NoError(t, err)
	require.False(t, state.IsPaused)
	require.Nil(t, state.PausedAt)
	require.Equal(t, int64(60), state.TotalPausedSeconds)
	require.Equal(t, int64(40), *state.DurationSeconds)
}

func TestPausedTotalConservedAcrossCycles(t *testing.T) {
	events := []Event{{Action: ActionStart, At: at(0)}}
	expectedPaused := int64(0)
	cursor := 0
	for i := 1; i <= 7; i++ {
		pauseAt := cursor + 10*i
		resumeAt := pauseAt + 3*i
		events = append(events,
			Event{Action: ActionPause, At: at(pauseAt)},
			Event{Action: ActionResume, At: at(resumeAt)},
		)
		expectedPaused += int64(resumeAt - pauseAt)
		cursor = resumeAt
	}
	events = append(events, Event{Action: ActionStop, At: at(cursor + 5)})

	state, err := Replay(events)
	require.NoError(t, err)
	require.Equal(t, expectedPaused, state.TotalPausedSeconds)
	require.Equal(t, int64(cursor+5)-expectedPaused, *state.DurationSeconds)
}

func TestNetDurationNeverNegativeDuringSequence(t *testing.T) {
	events := []Event{
		{Action: ActionStart, At: at(0)},
		{Action: ActionPause, At: at(0)},
		{Action: ActionResume, At: at(50)},
		{Action: ActionPause, At: at(60)},
		{Action: ActionStop, At: at(90)},
	}
	var state Timing
	for _, ev := range events {
		var err error
		state, err = state.Apply(ev)
		require.NoError(t, err)
		for now := ev.At; now.Before(at(100)); now = now.Add(7 * time.Second) {
			d := state.NetDuration(now)
			require.GreaterOrEqual(t, d.Seconds, int64(0))
			require.False(t, d.Clamped)
		}
	}
	require.Equal(t, int64(10), *state.DurationSeconds)
}

func TestNetDurationWhileRunningAndPaused(t *testing.T) {
	running, err := Timing{}.Start(at(0))
	require.NoError(t, err)
	require.Equal(t, int64(45), running.NetDuration(at(45)).Seconds)

	paused, err := running.Pause(at(45))
	require.NoError(t, err)
	require.Equal(t, int64(45), paused.NetDuration(at(100)).Seconds, "an open pause does not count")

	require.Equal(t, Duration{}, Timing{}.NetDuration(at(100)))
}

func TestNetDurationClampsCorruptState(t *testing.T) {
	start, stop := at(0), at(10)
	corrupt := Timing{TimeStart: &start, TimeStop: &stop, TotalPausedSeconds: 25}
	require.Equal(t, Duration{Seconds: 0, Clamped: true}, corrupt.NetDuration(at(10)))
}

func TestReplayIsDeterministic(t *testing.T) {
	events := []Event{
		{Action: ActionStart, At: at(3)},
		{Action: ActionPause, At: at(8)},
		{Action: ActionResume, At: at(21)},
		{Action: ActionStop, At: at(34)},
	}
	first, err := Replay(events)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := Replay(events)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestReplayStopsAtFirstFailure(t *testing.T) {
	state, err := Replay([]Event{
		{Action: ActionStart, At: at(0)},
		{Action: ActionResume, At: at(5)},
		{Action: ActionStop, At: at(10)},
	})
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Contains(t, err.Error(), "event 1")
	require.Equal(t, Running, state.State())
}

func TestSubSecondCyclesConservePausedTime(t *testing.T) {
	state, err := Timing{}.Start(t0)
	require.NoError(t, err)

	// Ten cycles of one second running then 900ms paused.
	cursor := t0
	for i := 0; i < 10; i++ {
		cursor = cursor.Add(time.Second)
		state, err = state.Pause(cursor)
		require.NoError(t, err)
		cursor = cursor.Add(900 * time.Millisecond)
		state, err = state.Resume(cursor)
		require.NoError(t, err)
	}
	state, err = state.Stop(cursor)
	require.NoError(t, err)

	elapsed := int64(cursor.Sub(t0) / time.Second)
	require.Equal(t, int64(19), elapsed)
	require.Equal(t, int64(9), state.TotalPausedSeconds)
	require.Equal(t, int64(10), *state.DurationSeconds)
	require.Equal(t, elapsed, state.TotalPausedSeconds+*state.DurationSeconds)
}

func TestInstantsAreStoredToTheSecond(t *testing.T) {
	running, err := Timing{}.Start(t0.Add(1500 * time.Millisecond))
	require.NoError(t, err)
	require.True(t, running.TimeStart.Equal(at(1)))

	paused, err := running.Pause(t0.Add(1900 * time.Millisecond))
	require.NoError(t, err)
	require.True(t, paused.PausedAt.Equal(at(1)))

	resumed, err := paused.Resume(t0.Add(2100 * time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, int64(1), resumed.TotalPausedSeconds)

	stopped, err := resumed.Stop(t0.Add(4200 * time.Millisecond))
	require.NoError(t, err)
	require.True(t, stopped.TimeStop.Equal(at(4)))
	require.Equal(t, int64(2), *stopped.DurationSeconds)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("pause")
	require.NoError(t, err)
	require.Equal(t, ActionPause, a)

	_, err = ParseAction("jump")
	require.ErrorIs(t, err, ErrInvalidTransition)
}
