// Package memory provides an in-process store for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/fractalgoals/internal/domain"
	"example.com/fractalgoals/internal/events"
	"example.com/fractalgoals/internal/goals"
	"example.com/fractalgoals/internal/persistence"
)

// Event is a change notification recorded in place of an outbox row.
type Event struct {
	ID          string
	TenantID    string
	AggregateID string
	EventType   string
	Payload     any
}

// Store keeps goal trees, sessions and activity instances in memory. Nodes
// live in an id-indexed arena with a parent to children index.
type Store struct {
	mu          sync.RWMutex
	nodes       map[string]goals.GoalNode
	children    map[string][]string
	owners      map[string]string
	activities  map[string]goals.ActivityDefinition
	assocs      map[string]map[string]struct{}
	overrides   map[string][]goals.LevelOverride
	sessions    map[string]domain.Session
	instances   map[string]domain.ActivityInstance
	bySession   map[string][]string
	sessionTent map[string]string
	events      []Event
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		nodes:       make(map[string]goals.GoalNode),
		children:    make(map[string][]string),
		owners:      make(map[string]string),
		activities:  make(map[string]goals.ActivityDefinition),
		assocs:      make(map[string]map[string]struct{}),
		overrides:   make(map[string][]goals.LevelOverride),
		sessions:    make(map[string]domain.Session),
		instances:   make(map[string]domain.ActivityInstance),
		bySession:   make(map[string][]string),
		sessionTent: make(map[string]string),
	}
}

// PutNode inserts or replaces a goal node owned by tenantID. Missing ids are
// generated; a node without a parent is its own root.
func (s *Store) PutNode(tenantID string, node goals.GoalNode) goals.GoalNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(node.ID) == "" {
		node.ID = uuid.NewString()
	}
	if node.ParentID == nil && node.RootID == "" {
		node.RootID = node.ID
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	if prev, ok := s.nodes[node.ID]; ok && prev.ParentID != nil {
		s.children[*prev.ParentID] = removeID(s.children[*prev.ParentID], node.ID)
	}
	s.nodes[node.ID] = node
	if node.ParentID != nil {
		s.children[*node.ParentID] = append(s.children[*node.ParentID], node.ID)
	}
	if node.IsRoot() {
		s.owners[node.RootID] = tenantID
	}
	return node
}

// SoftDelete marks a node deleted at the given instant.
func (s *Store) SoftDelete(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", goals.ErrNotFound, id)
	}
	deleted := at.UTC()
	node.DeletedAt = &deleted
	s.nodes[id] = node
	return nil
}

// PutActivity inserts or replaces an activity definition.
func (s *Store) PutActivity(def goals.ActivityDefinition) goals.ActivityDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(def.ID) == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	s.activities[def.ID] = def
	return def
}

// RemoveActivity drops an activity definition but leaves its associations.
func (s *Store) RemoveActivity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activities, id)
}

// Associate links an activity to a goal. Repeated calls are no-ops.
func (s *Store) Associate(activityID, goalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.assocs[goalID]
	if !ok {
		set = make(map[string]struct{})
		s.assocs[goalID] = set
	}
	set[activityID] = struct{}{}
}

// PutLevelOverride records a level override for tenantID.
func (s *Store) PutLevelOverride(tenantID string, o goals.LevelOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[tenantID] = append(s.overrides[tenantID], o)
}

// PutSession inserts or replaces a session owned by tenantID.
func (s *Store) PutSession(tenantID string, session domain.Session) domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(session.ID) == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	s.sessions[session.ID] = session
	s.sessionTent[session.ID] = tenantID
	return session
}

// PutInstance inserts or replaces an activity instance.
func (s *Store) PutInstance(inst domain.ActivityInstance) domain.ActivityInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(inst.ID) == "" {
		inst.ID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.instances[inst.ID]; !exists {
		s.bySession[inst.SessionID] = append(s.bySession[inst.SessionID], inst.ID)
	}
	s.instances[inst.ID] = inst
	return inst
}

// Events returns the change notifications recorded so far.
func (s *Store) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// View runs fn against a read-locked view of tenantID's trees.
func (s *Store) View(ctx context.Context, tenantID string, fn func(goals.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&view{store: s, tenantID: tenantID})
}

// view implements goals.Store. The caller holds the read lock.
type view struct {
	store    *Store
	tenantID string
}

func (v *view) owns(rootID string) bool {
	return v.store.owners[rootID] == v.tenantID
}

func (v *view) GetNode(ctx context.Context, id string) (*goals.GoalNode, error) {
	node, ok := v.store.nodes[id]
	if !ok || node.Deleted() || !v.owns(node.RootID) {
		return nil, fmt.Errorf("%w: %s", goals.ErrNotFound, id)
	}
	return &node, nil
}

func (v *view) GetChildren(ctx context.Context, parentID string) ([]goals.GoalNode, error) {
	ids := v.store.children[parentID]
	out := make([]goals.GoalNode, 0, len(ids))
	for _, id := range ids {
		node, ok := v.store.nodes[id]
		if !ok || node.Deleted() {
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

func (v *view) GetAssociations(ctx context.Context, goalIDs []string) ([]goals.Association, error) {
	var out []goals.Association
	for _, goalID := range goalIDs {
		activityIDs := make([]string, 0, len(v.store.assocs[goalID]))
		for activityID := range v.store.assocs[goalID] {
			activityIDs = append(activityIDs, activityID)
		}
		sort.Strings(activityIDs)
		for _, activityID := range activityIDs {
			out = append(out, goals.Association{ActivityID: activityID, GoalID: goalID})
		}
	}
	return out, nil
}

func (v *view) GetActivityDefinitions(ctx context.Context, ids []string) ([]goals.ActivityDefinition, error) {
	out := make([]goals.ActivityDefinition, 0, len(ids))
	for _, id := range ids {
		if def, ok := v.store.activities[id]; ok {
			out = append(out, def)
		}
	}
	return out, nil
}

// SetSmart persists the derived flag and records a goal.smart_evaluated event.
func (s *Store) SetSmart(ctx context.Context, tenantID string, report goals.SmartReport, evaluatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[report.GoalID]
	if !ok || s.owners[node.RootID] != tenantID {
		return fmt.Errorf("%w: %s", goals.ErrNotFound, report.GoalID)
	}
	node.IsSmart = report.IsSmart()
	s.nodes[node.ID] = node
	s.record(tenantID, node.ID, events.TypeGoalSmartEvaluated, events.SmartEvaluated{
		GoalID:      node.ID,
		TenantID:    tenantID,
		IsSmart:     report.IsSmart(),
		Measurable:  report.Measurable,
		Achievable:  report.Achievable,
		Relevant:    report.Relevant,
		TimeBound:   report.TimeBound,
		EvaluatedAt: evaluatedAt,
	})
	return nil
}

// LevelOverrides returns tenantID's overrides that apply to rootID.
func (s *Store) LevelOverrides(ctx context.Context, tenantID, rootID string) ([]goals.LevelOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []goals.LevelOverride
	for _, o := range s.overrides[tenantID] {
		if o.RootID == nil || *o.RootID == rootID {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetSession returns nil when the session does not exist for tenantID.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok || s.sessionTent[sessionID] != tenantID {
		return nil, nil
	}
	return &session, nil
}

// ListSessions pages newest first by (created_at, id).
func (s *Store) ListSessions(ctx context.Context, tenantID, rootID string, cursor *domain.Cursor, limit int) ([]domain.Session, *domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]domain.Session, 0)
	for id, session := range s.sessions {
		if s.sessionTent[id] != tenantID || (rootID != "" && session.RootID != rootID) {
			continue
		}
		if !persistence.Before(cursor, session.CreatedAt, session.ID) {
			continue
		}
		matches = append(matches, session)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})
	more := limit > 0 && len(matches) > limit
	if more {
		matches = matches[:limit]
	}

	var next *domain.Cursor
	if more {
		last := matches[len(matches)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return matches, next, nil
}

// GetInstance returns nil when the instance does not exist for tenantID.
func (s *Store) GetInstance(ctx context.Context, tenantID, instanceID string) (*domain.ActivityInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok || s.sessionTent[inst.SessionID] != tenantID {
		return nil, nil
	}
	return &inst, nil
}

// ListInstances returns a session's instances in creation order.
func (s *Store) ListInstances(ctx context.Context, tenantID, sessionID string) ([]domain.ActivityInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sessionTent[sessionID] != tenantID {
		return nil, nil
	}
	out := make([]domain.ActivityInstance, 0, len(s.bySession[sessionID]))
	for _, id := range s.bySession[sessionID] {
		out = append(out, s.instances[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveTimings applies the change atomically. Every row must still be at the
// version it was read with.
func (s *Store) SaveTimings(ctx context.Context, change domain.TimingChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Session != nil {
		current, ok := s.sessions[change.Session.ID]
		if !ok || s.sessionTent[change.Session.ID] != change.TenantID {
			return domain.ErrSessionNotFound
		}
		if current.Version != change.Session.Version {
			return fmt.Errorf("%w: session %s", domain.ErrVersionConflict, change.Session.ID)
		}
	}
	for _, inst := range change.Instances {
		current, ok := s.instances[inst.ID]
		if !ok || s.sessionTent[current.SessionID] != change.TenantID {
			return domain.ErrInstanceNotFound
		}
		if current.Version != inst.Version {
			return fmt.Errorf("%w: activity instance %s", domain.ErrVersionConflict, inst.ID)
		}
	}

	if change.Session != nil {
		session := *change.Session
		session.Version++
		s.sessions[session.ID] = session
		s.record(change.TenantID, session.ID, events.TypeSessionTimingChanged,
			persistence.SessionTimingEvent(change.TenantID, session, change.Action, change.At))
	}
	for _, inst := range change.Instances {
		inst.Version++
		s.instances[inst.ID] = inst
		s.record(change.TenantID, inst.ID, events.TypeInstanceTimingChanged,
			persistence.InstanceTimingEvent(change.TenantID, inst, change.Action, change.At))
	}
	return nil
}

func (s *Store) record(tenantID, aggregateID, eventType string, payload any) {
	s.events = append(s.events, Event{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     payload,
	})
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}
