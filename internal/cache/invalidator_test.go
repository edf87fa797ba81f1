package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPInvalidatorPostsGoalKey(t *testing.T) {
	var (
		got          map[string]string
		gotAuth      string
		gotSurrogate string
		gotType      string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		gotAuth = r.Header.Get("Authorization")
		gotSurrogate = r.Header.Get("Surrogate-Key")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	inv := NewHTTPInvalidator(srv.URL+"/", "secret", time.Second)
	require.NoError(t, inv.Invalidate(context.Background(), GoalKey("owner-1", "g-1")))
	require.Equal(t, map[string]string{
		"tenant_id":     "owner-1",
		"kind":          "goal",
		"id":            "g-1",
		"surrogate_key": "goal:g-1",
	}, got)
	require.Equal(t, "goal:g-1", gotSurrogate)
	require.Equal(t, "application/json", gotType)
	require.Equal(t, "Bearer secret", gotAuth)
}

func TestHTTPInvalidatorReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPInvalidator(srv.URL, "", time.Second).Invalidate(context.Background(), SessionKey("owner-1", "s-1"))
	var invErr *InvalidationError
	require.True(t, errors.As(err, &invErr))
	require.Equal(t, http.StatusBadGateway, invErr.Status)
	require.Equal(t, KindSession, invErr.Key.Kind)
	require.Equal(t, "session:s-1", invErr.Key.String())
	require.Contains(t, err.Error(), "tenant owner-1")
}

func TestKeysAreScopedByKind(t *testing.T) {
	require.NotEqual(t, GoalKey("t", "x"), SessionKey("t", "x"))
	require.NotEqual(t, GoalKey("t", "x"), GoalKey("u", "x"))
	require.Equal(t, "goal:x", GoalKey("t", "x").String())
}
