package domain_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fractalgoals/internal/cache"
	"example.com/fractalgoals/internal/domain"
	"example.com/fractalgoals/internal/events"
	"example.com/fractalgoals/internal/goals"
	"example.com/fractalgoals/internal/persistence/memory"
	"example.com/fractalgoals/internal/timing"
)

const tenant = "owner-1"

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, key cache.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key.String())
	return nil
}

func ptr[T any](v T) *T { return &v }

func newFixture(t *testing.T) (*domain.Service, *memory.Store, *recordingInvalidator, *bytes.Buffer) {
	t.Helper()
	store := memory.NewStore()
	levels, err := goals.DefaultLevels()
	require.NoError(t, err)

	store.PutNode(tenant, goals.GoalNode{ID: "U", Level: goals.LevelUltimate, Name: "Play jazz", CreatedAt: t0})
	store.PutNode(tenant, goals.GoalNode{ID: "L", RootID: "U", ParentID: ptr("U"), Level: goals.LevelLongTerm, Name: "Learn standards",
		RelevanceStatement: "core repertoire", Targets: []goals.Target{{Metric: "tunes", Threshold: ptr(50.0)}}, Deadline: ptr(t0.AddDate(2, 0, 0)), CreatedAt: t0})
	store.PutNode(tenant, goals.GoalNode{ID: "M", RootID: "U", ParentID: ptr("L"), Level: goals.LevelMidTerm, Name: "Blues heads", CreatedAt: t0})
	store.PutActivity(goals.ActivityDefinition{ID: "A", RootID: "U", Name: "Scales", CreatedAt: t0})
	store.PutActivity(goals.ActivityDefinition{ID: "B", RootID: "U", Name: "Transcribe", CreatedAt: t0.Add(time.Second)})
	store.Associate("A", "L")
	store.Associate("B", "M")

	store.PutSession(tenant, domain.Session{ID: "S", RootID: "U", CreatedAt: t0})
	store.PutInstance(domain.ActivityInstance{ID: "I1", SessionID: "S", ActivityDefinitionID: "A", CreatedAt: t0})
	store.PutInstance(domain.ActivityInstance{ID: "I2", SessionID: "S", ActivityDefinitionID: "B", CreatedAt: t0.Add(time.Millisecond)})

	inv := &recordingInvalidator{}
	var logs bytes.Buffer
	svc := domain.NewService(store, store, store, levels,
		domain.WithInvalidator(inv),
		domain.WithLogger(log.New(&logs, "", 0)),
		domain.WithClock(func() time.Time { return t0.Add(time.Hour) }),
	)
	return svc, store, inv, &logs
}

func TestVisibleActivitiesThroughService(t *testing.T) {
	svc, _, _, _ := newFixture(t)
	ctx := context.Background()

	ids, err := svc.Descendants(ctx, tenant, "U")
	require.NoError(t, err)
	require.Equal(t, []string{"L", "M"}, ids)

	visible, err := svc.VisibleActivities(ctx, tenant, "L")
	require.NoError(t, err)
	require.Len(t, visible, 2)
	require.True(t, visible[0].IsDirect())
	require.Equal(t, goals.Inherited{SourceNodeID: "M", SourceNodeName: "Blues heads"}, visible[1].Provenance)

	_, err = svc.VisibleActivities(ctx, "intruder", "L")
	require.True(t, errors.Is(err, goals.ErrNotFound))
}

func TestCorruptHierarchyIsLogged(t *testing.T) {
	svc, store, _, logs := newFixture(t)
	store.PutNode(tenant, goals.GoalNode{ID: "Z", RootID: "OTHER", ParentID: ptr("M"), Level: goals.LevelShortTerm, Name: "stray"})

	_, err := svc.Descendants(context.Background(), tenant, "U")
	require.True(t, errors.Is(err, goals.ErrCorruptHierarchy))
	require.Contains(t, logs.String(), "corrupt hierarchy beneath goal U")
}

func TestEvaluateSmartPersistsChangesOnly(t *testing.T) {
	svc, store, inv, _ := newFixture(t)
	ctx := context.Background()

	report, changed, err := svc.EvaluateSmart(ctx, tenant, "L")
	require.NoError(t, err)
	require.True(t, report.IsSmart())
	require.True(t, changed)
	require.Equal(t, []string{"goal:L"}, inv.keys)

	evs := store.Events()
	require.Len(t, evs, 1)
	require.Equal(t, events.TypeGoalSmartEvaluated, evs[0].EventType)

	_, changed, err = svc.EvaluateSmart(ctx, tenant, "L")
	require.NoError(t, err)
	require.False(t, changed)
	require.Len(t, store.Events(), 1)

	report, changed, err = svc.EvaluateSmart(ctx, tenant, "M")
	require.NoError(t, err)
	require.False(t, report.IsSmart())
	require.False(t, report.Measurable)
	require.False(t, changed)
}

func TestEvaluateSmartRejectsMalformedTargets(t *testing.T) {
	svc, store, _, _ := newFixture(t)
	store.PutNode(tenant, goals.GoalNode{ID: "M", RootID: "U", ParentID: ptr("L"), Level: goals.LevelMidTerm, Name: "Blues heads",
		Targets: []goals.Target{{Metric: "", Threshold: ptr(1.0)}}})

	_, _, err := svc.EvaluateSmart(context.Background(), tenant, "M")
	require.True(t, errors.Is(err, goals.ErrValidation))
}

func TestResolveLevelAppliesOverrides(t *testing.T) {
	svc, store, _, _ := newFixture(t)
	ctx := context.Background()

	def, err := svc.ResolveLevel(ctx, tenant, "L")
	require.NoError(t, err)
	require.Equal(t, "LongTermGoal", def.Level)

	store.PutLevelOverride(tenant, goals.LevelOverride{OwnerID: ptr(tenant), Rank: 1, Name: "Owner name"})
	def, err = svc.ResolveLevel(ctx, tenant, "L")
	require.NoError(t, err)
	require.Equal(t, "Owner name", def.Name)

	store.PutLevelOverride(tenant, goals.LevelOverride{RootID: ptr("U"), Rank: 1, Name: "Root name", Color: "#112233"})
	def, err = svc.ResolveLevel(ctx, tenant, "L")
	require.NoError(t, err)
	require.Equal(t, "Root name", def.Name)
	require.Equal(t, "#112233", def.Color)
}

func TestStopSessionCascadesToInstances(t *testing.T) {
	svc, store, inv, _ := newFixture(t)
	ctx := context.Background()

	_, _, err := svc.TransitionSession(ctx, tenant, "S", timing.ActionStart, t0)
	require.NoError(t, err)
	_, err = svc.TransitionInstance(ctx, tenant, "I1", timing.ActionStart, t0.Add(10*time.Second))
	require.NoError(t, err)
	_, err = svc.TransitionInstance(ctx, tenant, "I1", timing.ActionPause, t0.Add(40*time.Second))
	require.NoError(t, err)

	session, stopped, err := svc.TransitionSession(ctx, tenant, "S", timing.ActionStop, t0.Add(100*time.Second))
	require.NoError(t, err)
	require.True(t, session.Completed)
	require.Equal(t, int64(100), *session.Timing.DurationSeconds)
	require.Len(t, stopped, 1, "only the started instance is stopped")
	require.Equal(t, "I1", stopped[0].ID)
	require.Equal(t, int64(30), *stopped[0].Timing.DurationSeconds)
	require.Equal(t, int64(60), stopped[0].Timing.TotalPausedSeconds)

	inst, err := svc.GetInstance(ctx, tenant, "I1")
	require.NoError(t, err)
	require.Equal(t, timing.Stopped, inst.Timing.State())

	_, err = svc.TransitionInstance(ctx, tenant, "I2", timing.ActionStart, t0.Add(200*time.Second))
	require.True(t, errors.Is(err, timing.ErrInvalidTransition), "completed session refuses new work")

	require.Contains(t, inv.keys, "session:S")
	var sessionEvents, instanceEvents int
	for _, ev := range store.Events() {
		switch ev.EventType {
		case events.TypeSessionTimingChanged:
			sessionEvents++
		case events.TypeInstanceTimingChanged:
			instanceEvents++
		}
	}
	require.Equal(t, 2, sessionEvents)
	require.Equal(t, 3, instanceEvents)
}

func TestTransitionRejectionsLeaveStateUntouched(t *testing.T) {
	svc, _, _, _ := newFixture(t)
	ctx := context.Background()

	_, _, err := svc.TransitionSession(ctx, tenant, "S", timing.ActionPause, t0)
	require.True(t, errors.Is(err, timing.ErrInvalidTransition))

	_, _, err = svc.TransitionSession(ctx, tenant, "S", timing.ActionStart, t0)
	require.NoError(t, err)
	_, _, err = svc.TransitionSession(ctx, tenant, "S", timing.ActionStop, t0.Add(-time.Second))
	require.True(t, errors.Is(err, timing.ErrInvalidTransition))

	session, err := svc.GetSession(ctx, tenant, "S")
	require.NoError(t, err)
	require.Equal(t, timing.Running, session.Timing.State())
	require.Equal(t, 1, session.Version)

	_, _, err = svc.TransitionSession(ctx, tenant, "missing", timing.ActionStart, t0)
	require.True(t, errors.Is(err, goals.ErrNotFound))
	require.True(t, errors.Is(err, domain.ErrSessionNotFound))
}

func TestStaleVersionSurfacesAsInvalidTransition(t *testing.T) {
	_, store, _, _ := newFixture(t)
	ctx := context.Background()

	session, err := store.GetSession(ctx, tenant, "S")
	require.NoError(t, err)
	started, err := session.Timing.Start(t0)
	require.NoError(t, err)

	first := *session
	first.Timing = started
	require.NoError(t, store.SaveTimings(ctx, domain.TimingChange{TenantID: tenant, Session: &first, Action: timing.ActionStart, At: t0}))

	second := *session
	second.Timing = started
	err = store.SaveTimings(ctx, domain.TimingChange{TenantID: tenant, Session: &second, Action: timing.ActionStart, At: t0})
	require.True(t, errors.Is(err, domain.ErrVersionConflict))
	require.True(t, errors.Is(err, timing.ErrInvalidTransition))
}

func TestNetDurationClampIsLogged(t *testing.T) {
	svc, _, _, logs := newFixture(t)
	skewed := timing.Timing{TimeStart: ptr(t0), TimeStop: ptr(t0.Add(10 * time.Second)), TotalPausedSeconds: 60}

	require.Equal(t, int64(0), svc.NetDuration("session", "S", skewed, t0))
	require.Contains(t, logs.String(), "negative net duration clamped to zero")
}
