package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fractalgoals/internal/domain"
	"example.com/fractalgoals/internal/events"
	"example.com/fractalgoals/internal/goals"
	"example.com/fractalgoals/internal/persistence/memory"
)

func newSmartFixture(t *testing.T) (*SmartHandler, *memory.Store, *bytes.Buffer) {
	t.Helper()
	store := memory.NewStore()
	levels, err := goals.DefaultLevels()
	require.NoError(t, err)

	deadline := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	threshold := 20.0
	u := store.PutNode("owner-1", goals.GoalNode{ID: "U", Level: goals.LevelUltimate, Name: "Run"})
	store.PutNode("owner-1", goals.GoalNode{ID: "L", RootID: u.ID, ParentID: &u.ID, Level: goals.LevelLongTerm, Name: "Marathon",
		RelevanceStatement: "health", Deadline: &deadline, Targets: []goals.Target{{Metric: "km", Threshold: &threshold}}})
	store.PutActivity(goals.ActivityDefinition{ID: "A", RootID: "U", Name: "Long run"})
	store.Associate("A", "L")

	var logs bytes.Buffer
	svc := domain.NewService(store, store, store, levels, domain.WithLogger(log.New(&logs, "", 0)))
	return NewSmartHandler(svc, log.New(&logs, "", 0)), store, &logs
}

func goalChanged(t *testing.T, eventType, goalID string) Message {
	t.Helper()
	payload, err := json.Marshal(events.GoalChanged{GoalID: goalID, UpdatedAt: time.Now().UTC()})
	require.NoError(t, err)
	return Message{Topic: "goal_changes", EventType: eventType, TenantID: "owner-1", Payload: payload}
}

func TestSmartHandlerPersistsFlipOnce(t *testing.T) {
	handler, store, logs := newSmartFixture(t)
	ctx := context.Background()

	require.NoError(t, handler.Handle(ctx, goalChanged(t, events.TypeGoalUpdated, "L")))
	require.NoError(t, handler.Handle(ctx, goalChanged(t, events.TypeGoalAssociationChange, "L")))

	var smartEvents int
	for _, ev := range store.Events() {
		if ev.EventType == events.TypeGoalSmartEvaluated {
			smartEvents++
		}
	}
	require.Equal(t, 1, smartEvents)
	require.Contains(t, logs.String(), "goal L is_smart=true after goal.updated")
}

func TestSmartHandlerSkipsMissingGoalsAndOtherEvents(t *testing.T) {
	handler, store, logs := newSmartFixture(t)
	ctx := context.Background()

	require.NoError(t, handler.Handle(ctx, goalChanged(t, events.TypeGoalUpdated, "gone")))
	require.Contains(t, logs.String(), "goal gone no longer exists")

	require.NoError(t, handler.Handle(ctx, goalChanged(t, events.TypeSessionTimingChanged, "L")))
	require.Empty(t, store.Events())
}

func TestSmartHandlerRejectsIncompleteEvents(t *testing.T) {
	handler, _, _ := newSmartFixture(t)
	ctx := context.Background()

	require.Error(t, handler.Handle(ctx, goalChanged(t, events.TypeGoalUpdated, "")))
	require.Error(t, handler.Handle(ctx, Message{EventType: events.TypeGoalUpdated, Payload: json.RawMessage(`[1]`)}))

	anonymous := goalChanged(t, events.TypeGoalUpdated, "L")
	anonymous.TenantID = ""
	require.ErrorContains(t, handler.Handle(ctx, anonymous), "without tenant")
}
