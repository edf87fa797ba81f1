// Package api exposes HTTP handlers for goal trees and session timing.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"example.com/fractalgoals/internal/auth"
	"example.com/fractalgoals/internal/domain"
	"example.com/fractalgoals/internal/goals"
	"example.com/fractalgoals/internal/persistence"
	"example.com/fractalgoals/internal/timing"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service  *domain.Service
	validate *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/goals/{id}/descendants", h.requireScope(h.descendants, auth.ScopeGoalsRead, auth.ScopeGoalsWrite))
	mux.HandleFunc("GET /v1/goals/{id}/activities", h.requireScope(h.activities, auth.ScopeGoalsRead, auth.ScopeGoalsWrite))
	mux.HandleFunc("GET /v1/goals/{id}/level", h.requireScope(h.level, auth.ScopeGoalsRead, auth.ScopeGoalsWrite))
	mux.HandleFunc("POST /v1/goals/{id}/smart", h.requireScope(h.evaluateSmart, auth.ScopeGoalsWrite))

	mux.HandleFunc("GET /v1/sessions", h.requireScope(h.listSessions, auth.ScopeGoalsRead, auth.ScopeSessionsWrite))
	mux.HandleFunc("GET /v1/sessions/{id}", h.requireScope(h.getSession, auth.ScopeGoalsRead, auth.ScopeSessionsWrite))
	mux.HandleFunc("POST /v1/sessions/{id}/{action}", h.requireScope(h.transitionSession, auth.ScopeSessionsWrite))

	mux.HandleFunc("GET /v1/activity-instances/{id}", h.requireScope(h.getInstance, auth.ScopeGoalsRead, auth.ScopeSessionsWrite))
	mux.HandleFunc("POST /v1/activity-instances/{id}/{action}", h.requireScope(h.transitionInstance, auth.ScopeSessionsWrite))

	mux.HandleFunc("GET /healthz", healthz)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, claims *auth.Claims)

// requireScope admits callers holding any of scopes.
func (h *Handler) requireScope(next tenantHandler, scopes ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		for _, scope := range scopes {
			if claims.HasScope(scope) {
				next(w, r, claims)
				return
			}
		}
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	}
}

func (h *Handler) descendants(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	id := r.PathValue("id")
	ids, err := h.service.Descendants(r.Context(), claims.TenantID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DescendantsResponse{GoalID: id, Descendants: ids})
}

func (h *Handler) activities(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	id := r.PathValue("id")
	visible, err := h.service.VisibleActivities(r.Context(), claims.TenantID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]VisibleActivityView, 0, len(visible))
	for _, v := range visible {
		items = append(items, VisibleActivityView{
			ActivityID: v.Activity.ID,
			Name:       v.Activity.Name,
			RootID:     v.Activity.RootID,
			CreatedAt:  v.Activity.CreatedAt,
			Provenance: v.Provenance,
		})
	}
	writeJSON(w, http.StatusOK, VisibleActivitiesResponse{GoalID: id, Items: items})
}

func (h *Handler) level(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	def, err := h.service.ResolveLevel(r.Context(), claims.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *Handler) evaluateSmart(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	report, changed, err := h.service.EvaluateSmart(r.Context(), claims.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SmartResponse{SmartReport: report, Smart: report.IsSmart(), Changed: changed})
}

type listSessionsQuery struct {
	RootID string `validate:"required"`
	Limit  int    `validate:"min=1,max=100"`
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	q := listSessionsQuery{RootID: strings.TrimSpace(r.URL.Query().Get("root_id")), Limit: defaultPageSize}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "limit must be an integer")
			return
		}
		q.Limit = min(parsed, maxPageSize)
	}
	if err := h.validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", validationDetail(err))
		return
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	sessions, next, err := h.service.ListSessions(r.Context(), claims.TenantID, q.RootID, cursor, q.Limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	now := h.service.Now()
	items := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, h.sessionView(s, now))
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	session, err := h.service.GetSession(r.Context(), claims.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	instances, err := h.service.ListInstances(r.Context(), claims.TenantID, session.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	now := h.service.Now()
	view := h.sessionView(*session, now)
	view.Instances = make([]InstanceView, 0, len(instances))
	for _, inst := range instances {
		view.Instances = append(view.Instances, h.instanceView(inst, now))
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) transitionSession(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	action, at, ok := h.parseTransition(w, r)
	if !ok {
		return
	}
	session, stopped, err := h.service.TransitionSession(r.Context(), claims.TenantID, r.PathValue("id"), action, at)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	now := h.service.Now()
	view := h.sessionView(*session, now)
	if len(stopped) > 0 {
		view.Instances = make([]InstanceView, 0, len(stopped))
		for _, inst := range stopped {
			view.Instances = append(view.Instances, h.instanceView(inst, now))
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) getInstance(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	inst, err := h.service.GetInstance(r.Context(), claims.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.instanceView(*inst, h.service.Now()))
}

func (h *Handler) transitionInstance(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	action, at, ok := h.parseTransition(w, r)
	if !ok {
		return
	}
	inst, err := h.service.TransitionInstance(r.Context(), claims.TenantID, r.PathValue("id"), action, at)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.instanceView(*inst, h.service.Now()))
}

// parseTransition reads the action path segment and the optional body. An
// empty body means the transition happens now.
func (h *Handler) parseTransition(w http.ResponseWriter, r *http.Request) (timing.Action, time.Time, bool) {
	action, err := timing.ParseAction(r.PathValue("action"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown action "+r.PathValue("action"))
		return "", time.Time{}, false
	}

	var req TransitionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return "", time.Time{}, false
	}
	at := h.service.Now()
	if req.At != nil {
		at = req.At.UTC()
	}
	return action, at, true
}

func (h *Handler) sessionView(s domain.Session, now time.Time) SessionView {
	return SessionView{
		SessionID:  s.ID,
		RootID:     s.RootID,
		Name:       s.Name,
		Completed:  s.Completed,
		Version:    s.Version,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		TimingView: h.timingView("session", s.ID, s.Timing, now),
	}
}

func (h *Handler) instanceView(inst domain.ActivityInstance, now time.Time) InstanceView {
	return InstanceView{
		InstanceID:           inst.ID,
		SessionID:            inst.SessionID,
		ActivityDefinitionID: inst.ActivityDefinitionID,
		Version:              inst.Version,
		CreatedAt:            inst.CreatedAt,
		UpdatedAt:            inst.UpdatedAt,
		TimingView:           h.timingView("activity_instance", inst.ID, inst.Timing, now),
	}
}

func (h *Handler) timingView(kind, id string, t timing.Timing, now time.Time) TimingView {
	return TimingView{
		State:              t.State().String(),
		TimeStart:          t.TimeStart,
		TimeStop:           t.TimeStop,
		IsPaused:           t.IsPaused,
		PausedAt:           t.PausedAt,
		TotalPausedSeconds: t.TotalPausedSeconds,
		DurationSeconds:    t.DurationSeconds,
		NetSeconds:         h.service.NetDuration(kind, id, t, now),
	}
}

// writeDomainError maps service errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, goals.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, timing.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, goals.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, goals.ErrCorruptHierarchy):
		writeError(w, http.StatusInternalServerError, "corrupt_hierarchy", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func validationDetail(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		switch fe.Field() {
		case "RootID":
			return "missing root_id parameter"
		case "Limit":
			return "limit must be between 1 and 100"
		}
		return strings.ToLower(fe.Field()) + " failed " + fe.Tag()
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
