// Package domain orchestrates the goal resolvers and the timing state machine
// on behalf of the API and consumer layers.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/fractalgoals/internal/cache"
	"example.com/fractalgoals/internal/goals"
	"example.com/fractalgoals/internal/observability"
	"example.com/fractalgoals/internal/timing"
)

var (
	// ErrSessionNotFound is returned when a session cannot be located.
	ErrSessionNotFound = fmt.Errorf("session: %w", goals.ErrNotFound)
	// ErrInstanceNotFound is returned when an activity instance cannot be located.
	ErrInstanceNotFound = fmt.Errorf("activity instance: %w", goals.ErrNotFound)
	// ErrVersionConflict is returned by repositories when a row changed after it was read.
	ErrVersionConflict = fmt.Errorf("concurrent update: %w", timing.ErrInvalidTransition)
)

// SnapshotProvider opens a consistent read view over one tenant's goal data.
type SnapshotProvider interface {
	View(ctx context.Context, tenantID string, fn func(goals.Store) error) error
}

// GoalRepository persists derived goal data.
type GoalRepository interface {
	SetSmart(ctx context.Context, tenantID string, report goals.SmartReport, evaluatedAt time.Time) error
	LevelOverrides(ctx context.Context, tenantID, rootID string) ([]goals.LevelOverride, error)
}

// SessionRepository captures session and activity instance persistence.
type SessionRepository interface {
	GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, tenantID, rootID string, cursor *Cursor, limit int) ([]Session, *Cursor, error)
	GetInstance(ctx context.Context, tenantID, instanceID string) (*ActivityInstance, error)
	ListInstances(ctx context.Context, tenantID, sessionID string) ([]ActivityInstance, error)
	SaveTimings(ctx context.Context, change TimingChange) error
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithLogger overrides the logger used to report data-consistency warnings.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithInvalidator sets the cache invalidator notified after writes.
func WithInvalidator(invalidator cache.Invalidator) Option {
	return func(s *Service) {
		if invalidator != nil {
			s.cache = invalidator
		}
	}
}

// WithClock overrides the clock used for read-time durations.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service coordinates goal and timing workflows.
type Service struct {
	snapshots SnapshotProvider
	goalRepo  GoalRepository
	sessions  SessionRepository
	levels    *goals.LevelTable
	cache     cache.Invalidator
	logger    *log.Logger
	now       func() time.Time
}

// NewService constructs a Service.
func NewService(snapshots SnapshotProvider, goalRepo GoalRepository, sessions SessionRepository, levels *goals.LevelTable, opts ...Option) *Service {
	s := &Service{
		snapshots: snapshots,
		goalRepo:  goalRepo,
		sessions:  sessions,
		levels:    levels,
		cache:     cache.NoopInvalidator{},
		logger:    log.New(log.Writer(), "[domain] ", log.LstdFlags),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock reading.
func (s *Service) Now() time.Time {
	return s.now()
}

// Descendants lists the ids beneath goalID.
func (s *Service) Descendants(ctx context.Context, tenantID, goalID string) ([]string, error) {
	var ids []string
	err := s.snapshots.View(ctx, tenantID, func(store goals.Store) error {
		var err error
		ids, err = goals.NewResolver(store).Descendants(ctx, goalID)
		return err
	})
	if err != nil {
		return nil, s.observeHierarchyError(goalID, err)
	}
	observability.RecordDescendantWalk(len(ids))
	return ids, nil
}

// VisibleActivities resolves the activities visible at goalID with provenance.
func (s *Service) VisibleActivities(ctx context.Context, tenantID, goalID string) ([]goals.VisibleActivity, error) {
	var out []goals.VisibleActivity
	err := s.snapshots.View(ctx, tenantID, func(store goals.Store) error {
		var err error
		out, err = goals.NewResolver(store).ActivitiesVisibleAt(ctx, goalID)
		return err
	})
	if err != nil {
		return nil, s.observeHierarchyError(goalID, err)
	}
	direct := 0
	for _, v := range out {
		if v.IsDirect() {
			direct++
		}
	}
	observability.RecordVisibleActivities(direct, len(out)-direct)
	return out, nil
}

// EvaluateSmart recomputes the SMART flag of goalID and persists it when it
// changed. The boolean result reports whether a write happened.
func (s *Service) EvaluateSmart(ctx context.Context, tenantID, goalID string) (goals.SmartReport, bool, error) {
	var (
		report  goals.SmartReport
		current bool
	)
	err := s.snapshots.View(ctx, tenantID, func(store goals.Store) error {
		node, err := store.GetNode(ctx, goalID)
		if err != nil {
			return err
		}
		if node == nil || node.Deleted() {
			return fmt.Errorf("%w: %s", goals.ErrNotFound, goalID)
		}
		current = node.IsSmart
		evaluator := goals.NewSmartEvaluator(goals.NewResolver(store), s.levels)
		report, err = evaluator.Evaluate(ctx, *node)
		return err
	})
	if err != nil {
		return goals.SmartReport{}, false, s.observeHierarchyError(goalID, err)
	}

	observability.RecordSmartEvaluation(report.IsSmart())
	if report.IsSmart() == current {
		return report, false, nil
	}
	if err := s.goalRepo.SetSmart(ctx, tenantID, report, s.now()); err != nil {
		return goals.SmartReport{}, false, err
	}
	if err := s.cache.Invalidate(ctx, cache.GoalKey(tenantID, goalID)); err != nil {
		return goals.SmartReport{}, false, fmt.Errorf("cache invalidation: %w", err)
	}
	return report, true, nil
}

// ResolveLevel returns the level row for goalID after applying root and owner overrides.
func (s *Service) ResolveLevel(ctx context.Context, tenantID, goalID string) (goals.LevelDefinition, error) {
	var node *goals.GoalNode
	err := s.snapshots.View(ctx, tenantID, func(store goals.Store) error {
		var err error
		node, err = store.GetNode(ctx, goalID)
		return err
	})
	if err != nil {
		return goals.LevelDefinition{}, err
	}
	if node == nil || node.Deleted() {
		return goals.LevelDefinition{}, fmt.Errorf("%w: %s", goals.ErrNotFound, goalID)
	}

	overrides, err := s.goalRepo.LevelOverrides(ctx, tenantID, node.RootID)
	if err != nil {
		return goals.LevelDefinition{}, err
	}
	def, ok := s.levels.Resolve(int(node.Level), node.RootID, tenantID, overrides)
	if !ok {
		return goals.LevelDefinition{}, fmt.Errorf("%w: no level row for rank %d", goals.ErrValidation, node.Level)
	}
	return def, nil
}

// GetSession fetches a session by id.
func (s *Service) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	session, err := s.sessions.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions pages through the sessions of a root tree, newest first.
func (s *Service) ListSessions(ctx context.Context, tenantID, rootID string, cursor *Cursor, limit int) ([]Session, *Cursor, error) {
	return s.sessions.ListSessions(ctx, tenantID, rootID, cursor, limit)
}

// GetInstance fetches an activity instance by id.
func (s *Service) GetInstance(ctx context.Context, tenantID, instanceID string) (*ActivityInstance, error) {
	inst, err := s.sessions.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

// ListInstances returns the activity instances of a session.
func (s *Service) ListInstances(ctx context.Context, tenantID, sessionID string) ([]ActivityInstance, error) {
	return s.sessions.ListInstances(ctx, tenantID, sessionID)
}

// TransitionSession applies a lifecycle action to a session. Stopping a
// session also stops every unfinished activity instance in it at the same
// instant and marks the session completed.
func (s *Service) TransitionSession(ctx context.Context, tenantID, sessionID string, action timing.Action, at time.Time) (*Session, []ActivityInstance, error) {
	session, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	next, err := session.Timing.Apply(timing.Event{Action: action, At: at})
	if err != nil {
		observability.RecordTransition("session", string(action), false)
		return nil, nil, err
	}

	updated := *session
	updated.Timing = next
	updated.UpdatedAt = s.now()

	var stopped []ActivityInstance
	if action == timing.ActionStop {
		updated.Completed = true
		instances, err := s.sessions.ListInstances(ctx, tenantID, sessionID)
		if err != nil {
			return nil, nil, err
		}
		for _, inst := range instances {
			state := inst.Timing.State()
			if state != timing.Running && state != timing.Paused {
				continue
			}
			instNext, err := inst.Timing.Stop(at)
			if err != nil {
				observability.RecordTransition("session", string(action), false)
				return nil, nil, fmt.Errorf("stop activity instance %s: %w", inst.ID, err)
			}
			inst.Timing = instNext
			inst.UpdatedAt = updated.UpdatedAt
			stopped = append(stopped, inst)
		}
	}

	change := TimingChange{TenantID: tenantID, Session: &updated, Instances: stopped, Action: action, At: at}
	if err := s.sessions.SaveTimings(ctx, change); err != nil {
		if errors.Is(err, timing.ErrInvalidTransition) {
			observability.RecordTransition("session", string(action), false)
		}
		return nil, nil, err
	}
	observability.RecordTransition("session", string(action), true)
	for range stopped {
		observability.RecordTransition("activity_instance", string(action), true)
	}

	updated.Version = session.Version + 1
	for i := range stopped {
		stopped[i].Version++
	}

	s.checkDuration("session", updated.ID, updated.Timing, at)
	if err := s.cache.Invalidate(ctx, cache.SessionKey(tenantID, sessionID)); err != nil {
		return nil, nil, fmt.Errorf("cache invalidation: %w", err)
	}
	return &updated, stopped, nil
}

// TransitionInstance applies a lifecycle action to an activity instance.
// Instances of a completed session cannot be started.
func (s *Service) TransitionInstance(ctx context.Context, tenantID, instanceID string, action timing.Action, at time.Time) (*ActivityInstance, error) {
	inst, err := s.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}

	if action == timing.ActionStart {
		session, err := s.GetSession(ctx, tenantID, inst.SessionID)
		if err != nil {
			return nil, err
		}
		if session.Completed {
			observability.RecordTransition("activity_instance", string(action), false)
			return nil, fmt.Errorf("%w: session %s is completed", timing.ErrInvalidTransition, session.ID)
		}
	}

	next, err := inst.Timing.Apply(timing.Event{Action: action, At: at})
	if err != nil {
		observability.RecordTransition("activity_instance", string(action), false)
		return nil, err
	}

	updated := *inst
	updated.Timing = next
	updated.UpdatedAt = s.now()

	change := TimingChange{TenantID: tenantID, Instances: []ActivityInstance{updated}, Action: action, At: at}
	if err := s.sessions.SaveTimings(ctx, change); err != nil {
		if errors.Is(err, timing.ErrInvalidTransition) {
			observability.RecordTransition("activity_instance", string(action), false)
		}
		return nil, err
	}
	observability.RecordTransition("activity_instance", string(action), true)
	updated.Version = inst.Version + 1

	s.checkDuration("activity_instance", updated.ID, updated.Timing, at)
	if err := s.cache.Invalidate(ctx, cache.SessionKey(tenantID, inst.SessionID)); err != nil {
		return nil, fmt.Errorf("cache invalidation: %w", err)
	}
	return &updated, nil
}

// NetDuration derives the net duration of a timing state at now, logging when
// the stored timestamps produce a negative value.
func (s *Service) NetDuration(kind, id string, t timing.Timing, now time.Time) int64 {
	return s.checkDuration(kind, id, t, now)
}

func (s *Service) checkDuration(kind, id string, t timing.Timing, now time.Time) int64 {
	d := t.NetDuration(now)
	if d.Clamped {
		s.logger.Printf("negative net duration clamped to zero (kind=%s, id=%s, start=%v, stop=%v, paused_seconds=%d)",
			kind, id, t.TimeStart, t.TimeStop, t.TotalPausedSeconds)
		observability.RecordDurationClamped(kind)
	}
	return d.Seconds
}

func (s *Service) observeHierarchyError(goalID string, err error) error {
	if errors.Is(err, goals.ErrCorruptHierarchy) {
		s.logger.Printf("corrupt hierarchy beneath goal %s: %v", goalID, err)
		observability.RecordCorruptHierarchy()
	}
	return err
}
