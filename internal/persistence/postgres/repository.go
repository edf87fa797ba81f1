package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/fractalgoals/internal/domain"
	"example.com/fractalgoals/internal/events"
	"example.com/fractalgoals/internal/goals"
	"example.com/fractalgoals/internal/observability"
	"example.com/fractalgoals/internal/persistence"
)

// Repository provides Postgres-backed persistence for goal trees, sessions and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// withTenant runs fn in a transaction scoped to tenantID by row level security.
func (r *Repository) withTenant(ctx context.Context, tenantID string, opts pgx.TxOptions, fn func(pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

var readOnly = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// View runs fn against a repeatable-read snapshot of tenantID's goal trees.
func (r *Repository) View(ctx context.Context, tenantID string, fn func(goals.Store) error) error {
	return r.withTenant(ctx, tenantID, readOnly, func(tx pgx.Tx) error {
		return fn(&snapshot{tx: tx, tenantID: tenantID})
	})
}

// snapshot implements goals.Store on top of an open transaction.
type snapshot struct {
	tx       pgx.Tx
	tenantID string
}

const goalColumns = `goal_id, root_id, parent_id, level, name, relevance_statement, targets, deadline, is_smart, created_at, deleted_at`

func scanGoal(row pgx.Row) (goals.GoalNode, error) {
	var (
		node    goals.GoalNode
		level   int16
		targets []byte
	)
	if err := row.Scan(&node.ID, &node.RootID, &node.ParentID, &level, &node.Name, &node.RelevanceStatement, &targets, &node.Deadline, &node.IsSmart, &node.CreatedAt, &node.DeletedAt); err != nil {
		return goals.GoalNode{}, err
	}
	node.Level = goals.Level(level)
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &node.Targets); err != nil {
			return goals.GoalNode{}, fmt.Errorf("%w: goal %s targets: %v", goals.ErrValidation, node.ID, err)
		}
	}
	return node, nil
}

func (s *snapshot) GetNode(ctx context.Context, id string) (*goals.GoalNode, error) {
	row := s.tx.QueryRow(ctx, `SELECT `+goalColumns+` FROM goals WHERE tenant_id=$1 AND goal_id=$2 AND deleted_at IS NULL`, s.tenantID, id)
	node, err := scanGoal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", goals.ErrNotFound, id)
		}
		return nil, err
	}
	return &node, nil
}

func (s *snapshot) GetChildren(ctx context.Context, parentID string) ([]goals.GoalNode, error) {
	rows, err := s.tx.Query(ctx, `SELECT `+goalColumns+` FROM goals
        WHERE tenant_id=$1 AND parent_id=$2 AND deleted_at IS NULL
        ORDER BY goal_id`, s.tenantID, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	children := make([]goals.GoalNode, 0)
	for rows.Next() {
		node, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, node)
	}
	return children, rows.Err()
}

func (s *snapshot) GetAssociations(ctx context.Context, goalIDs []string) ([]goals.Association, error) {
	if len(goalIDs) == 0 {
		return nil, nil
	}
	rows, err := s.tx.Query(ctx, `SELECT activity_id, goal_id FROM activity_goal_associations
        WHERE tenant_id=$1 AND goal_id = ANY($2)
        ORDER BY goal_id, activity_id`, s.tenantID, goalIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]goals.Association, 0)
	for rows.Next() {
		var a goals.Association
		if err := rows.Scan(&a.ActivityID, &a.GoalID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *snapshot) GetActivityDefinitions(ctx context.Context, ids []string) ([]goals.ActivityDefinition, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.tx.Query(ctx, `SELECT activity_id, root_id, name, created_at FROM activity_definitions
        WHERE tenant_id=$1 AND activity_id = ANY($2) AND deleted_at IS NULL`, s.tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]goals.ActivityDefinition, 0, len(ids))
	for rows.Next() {
		var def goals.ActivityDefinition
		if err := rows.Scan(&def.ID, &def.RootID, &def.Name, &def.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// SetSmart persists the derived flag and records a goal.smart_evaluated event
// in the same transaction.
func (r *Repository) SetSmart(ctx context.Context, tenantID string, report goals.SmartReport, evaluatedAt time.Time) error {
	return r.withTenant(ctx, tenantID, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE goals SET is_smart=$1, smart_evaluated_at=$2, updated_at=$2
            WHERE tenant_id=$3 AND goal_id=$4 AND deleted_at IS NULL`,
			report.IsSmart(), evaluatedAt, tenantID, report.GoalID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", goals.ErrNotFound, report.GoalID)
		}
		dedupe := fmt.Sprintf("%s:%s:%d", report.GoalID, events.TypeGoalSmartEvaluated, evaluatedAt.UnixNano())
		return insertOutbox(ctx, tx, tenantID, "goal", report.GoalID, events.TypeGoalSmartEvaluated, dedupe, events.SmartEvaluated{
			GoalID:      report.GoalID,
			TenantID:    tenantID,
			IsSmart:     report.IsSmart(),
			Measurable:  report.Measurable,
			Achievable:  report.Achievable,
			Relevant:    report.Relevant,
			TimeBound:   report.TimeBound,
			EvaluatedAt: evaluatedAt,
		})
	})
}

// LevelOverrides returns the tenant-wide overrides and those scoped to rootID.
func (r *Repository) LevelOverrides(ctx context.Context, tenantID, rootID string) ([]goals.LevelOverride, error) {
	var out []goals.LevelOverride
	err := r.withTenant(ctx, tenantID, readOnly, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT root_id, rank, name, color FROM goal_level_overrides
            WHERE tenant_id=$1 AND (root_id IS NULL OR root_id=$2)`, tenantID, rootID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				o    goals.LevelOverride
				rank int16
			)
			if err := rows.Scan(&o.RootID, &rank, &o.Name, &o.Color); err != nil {
				return err
			}
			o.Rank = int(rank)
			if o.RootID == nil {
				owner := tenantID
				o.OwnerID = &owner
			}
			out = append(out, o)
		}
		return rows.Err()
	})
	return out, err
}

const sessionColumns = `session_id, root_id, name, completed, time_start, time_stop, is_paused, paused_at, total_paused_seconds, duration_seconds, version, created_at, updated_at`

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.RootID, &s.Name, &s.Completed,
		&s.Timing.TimeStart, &s.Timing.TimeStop, &s.Timing.IsPaused, &s.Timing.PausedAt, &s.Timing.TotalPausedSeconds, &s.Timing.DurationSeconds,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

const instanceColumns = `instance_id, session_id, activity_definition_id, time_start, time_stop, is_paused, paused_at, total_paused_seconds, duration_seconds, version, created_at, updated_at`

func scanInstance(row pgx.Row) (domain.ActivityInstance, error) {
	var i domain.ActivityInstance
	err := row.Scan(&i.ID, &i.SessionID, &i.ActivityDefinitionID,
		&i.Timing.TimeStart, &i.Timing.TimeStop, &i.Timing.IsPaused, &i.Timing.PausedAt, &i.Timing.TotalPausedSeconds, &i.Timing.DurationSeconds,
		&i.Version, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

// GetSession retrieves a session by ID. It returns nil when none is visible to tenantID.
func (r *Repository) GetSession(ctx context.Context, tenantID, sessionID string) (*domain.Session, error) {
	var out *domain.Session
	err := r.withTenant(ctx, tenantID, readOnly, func(tx pgx.Tx) error {
		s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE tenant_id=$1 AND session_id=$2`, tenantID, sessionID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		out = &s
		return nil
	})
	return out, err
}

// ListSessions returns sessions of a root tree ordered newest first.
func (r *Repository) ListSessions(ctx context.Context, tenantID, rootID string, cursor *domain.Cursor, limit int) ([]domain.Session, *domain.Cursor, error) {
	// One extra row tells whether another page exists.
	args := []interface{}{tenantID, rootID, limit + 1}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id=$1 AND root_id=$2`
	if cursor != nil {
		query += ` AND (created_at, session_id) < ($4, $5)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, session_id DESC LIMIT $3`

	results := make([]domain.Session, 0, limit+1)
	err := r.withTenant(ctx, tenantID, readOnly, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanSession(rows)
			if err != nil {
				return err
			}
			results = append(results, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) > limit {
		results = results[:limit]
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

// GetInstance retrieves an activity instance by ID.
func (r *Repository) GetInstance(ctx context.Context, tenantID, instanceID string) (*domain.ActivityInstance, error) {
	var out *domain.ActivityInstance
	err := r.withTenant(ctx, tenantID, readOnly, func(tx pgx.Tx) error {
		inst, err := scanInstance(tx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM activity_instances WHERE tenant_id=$1 AND instance_id=$2`, tenantID, instanceID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		out = &inst
		return nil
	})
	return out, err
}

// ListInstances returns the activity instances of a session in creation order.
func (r *Repository) ListInstances(ctx context.Context, tenantID, sessionID string) ([]domain.ActivityInstance, error) {
	out := make([]domain.ActivityInstance, 0)
	err := r.withTenant(ctx, tenantID, readOnly, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+instanceColumns+` FROM activity_instances
            WHERE tenant_id=$1 AND session_id=$2 ORDER BY created_at, instance_id`, tenantID, sessionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			inst, err := scanInstance(rows)
			if err != nil {
				return err
			}
			out = append(out, inst)
		}
		return rows.Err()
	})
	return out, err
}

// SaveTimings writes every timing row of the change and their outbox events in
// one transaction. A row whose version moved on aborts the whole change.
func (r *Repository) SaveTimings(ctx context.Context, change domain.TimingChange) error {
	err := r.withTenant(ctx, change.TenantID, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if s := change.Session; s != nil {
			t := s.Timing
			tag, err := tx.Exec(ctx, `UPDATE sessions
                SET completed=$1, time_start=$2, time_stop=$3, is_paused=$4, paused_at=$5,
                    total_paused_seconds=$6, duration_seconds=$7, updated_at=$8, version=version+1
                WHERE tenant_id=$9 AND session_id=$10 AND version=$11`,
				s.Completed, t.TimeStart, t.TimeStop, t.IsPaused, t.PausedAt, t.TotalPausedSeconds, t.DurationSeconds, s.UpdatedAt,
				change.TenantID, s.ID, s.Version)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return missingOrStale(ctx, tx, `SELECT 1 FROM sessions WHERE tenant_id=$1 AND session_id=$2`, change.TenantID, s.ID, domain.ErrSessionNotFound)
			}
			saved := *s
			saved.Version++
			dedupe := fmt.Sprintf("%s:%s:%d", s.ID, events.TypeSessionTimingChanged, saved.Version)
			if err := insertOutbox(ctx, tx, change.TenantID, "session", s.ID, events.TypeSessionTimingChanged, dedupe,
				persistence.SessionTimingEvent(change.TenantID, saved, change.Action, change.At)); err != nil {
				return err
			}
		}

		for _, inst := range change.Instances {
			t := inst.Timing
			tag, err := tx.Exec(ctx, `UPDATE activity_instances
                SET time_start=$1, time_stop=$2, is_paused=$3, paused_at=$4,
                    total_paused_seconds=$5, duration_seconds=$6, updated_at=$7, version=version+1
                WHERE tenant_id=$8 AND instance_id=$9 AND version=$10`,
				t.TimeStart, t.TimeStop, t.IsPaused, t.PausedAt, t.TotalPausedSeconds, t.DurationSeconds, inst.UpdatedAt,
				change.TenantID, inst.ID, inst.Version)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return missingOrStale(ctx, tx, `SELECT 1 FROM activity_instances WHERE tenant_id=$1 AND instance_id=$2`, change.TenantID, inst.ID, domain.ErrInstanceNotFound)
			}
			saved := inst
			saved.Version++
			dedupe := fmt.Sprintf("%s:%s:%d", inst.ID, events.TypeInstanceTimingChanged, saved.Version)
			if err := insertOutbox(ctx, tx, change.TenantID, "activity_instance", inst.ID, events.TypeInstanceTimingChanged, dedupe,
				persistence.InstanceTimingEvent(change.TenantID, saved, change.Action, change.At)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	observability.RecordTimingSaved(change.At)
	return nil
}

func missingOrStale(ctx context.Context, tx pgx.Tx, existsQuery, tenantID, id string, missing error) error {
	var one int
	if err := tx.QueryRow(ctx, existsQuery, tenantID, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return missing
		}
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrVersionConflict, id)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, tenantID, aggregateType, aggregateID, eventType, dedupeKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		tenantID,
		aggregateType,
		aggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(tenantID, aggregateID),
		body,
		dedupeKey,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(tenantID, aggregateID string) string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeSessionTimingChanged: {
		Topic:         "session_timing",
		SchemaSubject: "session_timing-value",
		PartitionKeyFn: func(_, aggregateID string) string {
			return aggregateID
		},
	},
	events.TypeInstanceTimingChanged: {
		Topic:         "session_timing",
		SchemaSubject: "session_timing-value",
		PartitionKeyFn: func(_, aggregateID string) string {
			return aggregateID
		},
	},
	events.TypeGoalSmartEvaluated: {
		Topic:         "goal_smart_evaluated",
		SchemaSubject: "goal_smart_evaluated-value",
		PartitionKeyFn: func(tenantID, aggregateID string) string {
			return fmt.Sprintf("%s:%s", tenantID, aggregateID)
		},
	},
}
