package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fractalgoals/internal/auth"
	"example.com/fractalgoals/internal/domain"
	"example.com/fractalgoals/internal/goals"
	"example.com/fractalgoals/internal/persistence/memory"
)

const tenant = "owner-1"

var t0 = time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newTestMux(t *testing.T) (*http.ServeMux, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	levels, err := goals.DefaultLevels()
	require.NoError(t, err)

	store.PutNode(tenant, goals.GoalNode{ID: "U", Level: goals.LevelUltimate, Name: "Speak Spanish"})
	store.PutNode(tenant, goals.GoalNode{ID: "L", RootID: "U", ParentID: ptr("U"), Level: goals.LevelLongTerm, Name: "B2 exam",
		RelevanceStatement: "move abroad", Deadline: ptr(t0.AddDate(1, 0, 0)), Targets: []goals.Target{{Metric: "score", Threshold: ptr(75.0)}}})
	store.PutNode(tenant, goals.GoalNode{ID: "M", RootID: "U", ParentID: ptr("L"), Level: goals.LevelMidTerm, Name: "Grammar"})
	store.PutActivity(goals.ActivityDefinition{ID: "A", RootID: "U", Name: "Flashcards", CreatedAt: t0})
	store.PutActivity(goals.ActivityDefinition{ID: "B", RootID: "U", Name: "Conjugation drills", CreatedAt: t0.Add(time.Second)})
	store.Associate("A", "L")
	store.Associate("B", "M")
	store.PutSession(tenant, domain.Session{ID: "S1", RootID: "U", Name: "morning", CreatedAt: t0})
	store.PutSession(tenant, domain.Session{ID: "S2", RootID: "U", Name: "evening", CreatedAt: t0.Add(time.Hour)})
	store.PutInstance(domain.ActivityInstance{ID: "I1", SessionID: "S1", ActivityDefinitionID: "A", CreatedAt: t0})

	svc := domain.NewService(store, store, store, levels,
		domain.WithLogger(log.New(io.Discard, "", 0)),
		domain.WithClock(func() time.Time { return t0.Add(10 * time.Minute) }),
	)
	mux := http.NewServeMux()
	NewHandler(svc).RegisterRoutes(mux)
	return mux, store
}

func do(t *testing.T, mux http.Handler, method, target, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if scopes != nil {
		claims := &auth.Claims{Subject: "tester", TenantID: tenant, Scopes: map[string]struct{}{}, ExpiresAt: time.Now().Add(time.Hour)}
		for _, s := range scopes {
			claims.Scopes[s] = struct{}{}
		}
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestDescendantsAndActivities(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := do(t, mux, http.MethodGet, "/v1/goals/U/descendants", "", auth.ScopeGoalsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"L", "M"}, decode[DescendantsResponse](t, rr).Descendants)

	rr = do(t, mux, http.MethodGet, "/v1/goals/L/activities", "", auth.ScopeGoalsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{
		"goal_id": "L",
		"items": [
			{"activity_id":"A","name":"Flashcards","root_id":"U","created_at":"2024-06-01T07:00:00Z","provenance":{"kind":"direct"}},
			{"activity_id":"B","name":"Conjugation drills","root_id":"U","created_at":"2024-06-01T07:00:01Z","provenance":{"kind":"inherited","source_node_id":"M","source_node_name":"Grammar"}}
		]
	}`, rr.Body.String())

	rr = do(t, mux, http.MethodGet, "/v1/goals/nope/descendants", "", auth.ScopeGoalsRead)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestScopesAreEnforced(t *testing.T) {
	mux, _ := newTestMux(t)

	require.Equal(t, http.StatusUnauthorized, do(t, mux, http.MethodGet, "/v1/goals/U/descendants", "").Code)
	require.Equal(t, http.StatusForbidden, do(t, mux, http.MethodGet, "/v1/goals/U/descendants", "", auth.ScopeSessionsWrite).Code)
	require.Equal(t, http.StatusForbidden, do(t, mux, http.MethodPost, "/v1/goals/L/smart", "", auth.ScopeGoalsRead).Code)
	require.Equal(t, http.StatusForbidden, do(t, mux, http.MethodPost, "/v1/sessions/S1/start", "", auth.ScopeGoalsRead).Code)
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodGet, "/healthz", "").Code)
}

func TestLevelAndSmart(t *testing.T) {
	mux, store := newTestMux(t)

	rr := do(t, mux, http.MethodGet, "/v1/goals/M/level", "", auth.ScopeGoalsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "MidTermGoal", decode[goals.LevelDefinition](t, rr).Level)

	rr = do(t, mux, http.MethodPost, "/v1/goals/L/smart", "", auth.ScopeGoalsWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"goal_id":"L","measurable":true,"achievable":true,"relevant":true,"time_bound":true,"is_smart":true,"changed":true}`, rr.Body.String())
	require.Len(t, store.Events(), 1)

	store.PutNode(tenant, goals.GoalNode{ID: "M", RootID: "U", ParentID: ptr("L"), Level: goals.LevelMidTerm, Name: "Grammar",
		Targets: []goals.Target{{Metric: " ", Threshold: ptr(10.0)}}})
	rr = do(t, mux, http.MethodPost, "/v1/goals/M/smart", "", auth.ScopeGoalsWrite)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSessionLifecycle(t *testing.T) {
	mux, _ := newTestMux(t)
	at := func(sec int) string {
		return `{"at":"` + t0.Add(time.Duration(sec)*time.Second).Format(time.RFC3339) + `"}`
	}

	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/v1/sessions/S1/start", at(0), auth.ScopeSessionsWrite).Code)
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/v1/activity-instances/I1/start", at(0), auth.ScopeSessionsWrite).Code)
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/v1/activity-instances/I1/pause", at(100), auth.ScopeSessionsWrite).Code)
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/v1/activity-instances/I1/resume", at(130), auth.ScopeSessionsWrite).Code)

	rr := do(t, mux, http.MethodPost, "/v1/activity-instances/I1/resume", at(140), auth.ScopeSessionsWrite)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "invalid_transition", decode[map[string]string](t, rr)["type"])

	rr = do(t, mux, http.MethodPost, "/v1/sessions/S1/stop", at(200), auth.ScopeSessionsWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	stopped := decode[SessionView](t, rr)
	require.True(t, stopped.Completed)
	require.Equal(t, "stopped", stopped.State)
	require.Equal(t, int64(200), stopped.NetSeconds)
	require.Len(t, stopped.Instances, 1)
	require.Equal(t, int64(30), stopped.Instances[0].TotalPausedSeconds)
	require.Equal(t, int64(170), *stopped.Instances[0].DurationSeconds)

	rr = do(t, mux, http.MethodGet, "/v1/activity-instances/I1", "", auth.ScopeGoalsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(170), decode[InstanceView](t, rr).NetSeconds)

	rr = do(t, mux, http.MethodGet, "/v1/sessions/S1", "", auth.ScopeGoalsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decode[SessionView](t, rr).Instances, 1)
}

func TestTransitionDefaultsToNowAndRejectsBadInput(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := do(t, mux, http.MethodPost, "/v1/sessions/S2/start", "", auth.ScopeSessionsWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[SessionView](t, rr)
	require.Equal(t, "running", view.State)
	require.True(t, view.TimeStart.Equal(t0.Add(10*time.Minute)))

	require.Equal(t, http.StatusNotFound, do(t, mux, http.MethodPost, "/v1/sessions/S2/rewind", "", auth.ScopeSessionsWrite).Code)
	require.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/v1/sessions/S2/pause", "{", auth.ScopeSessionsWrite).Code)
	require.Equal(t, http.StatusNotFound, do(t, mux, http.MethodPost, "/v1/sessions/missing/start", "", auth.ScopeSessionsWrite).Code)
}

func TestListSessionsPaginates(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := do(t, mux, http.MethodGet, "/v1/sessions?root_id=U&limit=1", "", auth.ScopeGoalsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[ListSessionsResponse](t, rr)
	require.Len(t, page.Items, 1)
	require.Equal(t, "S2", page.Items[0].SessionID)
	require.NotEmpty(t, page.NextCursor)

	rr = do(t, mux, http.MethodGet, "/v1/sessions?root_id=U&limit=1&cursor="+page.NextCursor, "", auth.ScopeGoalsRead)
	require.Equal(t, http.StatusOK, rr.Code)
	page = decode[ListSessionsResponse](t, rr)
	require.Equal(t, "S1", page.Items[0].SessionID)
	require.Empty(t, page.NextCursor)

	rr = do(t, mux, http.MethodGet, "/v1/sessions?limit=5", "", auth.ScopeGoalsRead)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "missing root_id parameter")

	require.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodGet, "/v1/sessions?root_id=U&limit=0", "", auth.ScopeGoalsRead).Code)
	require.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodGet, "/v1/sessions?root_id=U&cursor=not-base64!", "", auth.ScopeGoalsRead).Code)
}

func TestWriteDomainErrorMapping(t *testing.T) {
	rr := httptest.NewRecorder()
	writeDomainError(rr, goals.ErrCorruptHierarchy)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "corrupt_hierarchy", decode[map[string]string](t, rr)["type"])

	rr = httptest.NewRecorder()
	writeDomainError(rr, domain.ErrVersionConflict)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	writeDomainError(rr, io.ErrUnexpectedEOF)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}
