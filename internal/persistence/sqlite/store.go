package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/fractalgoals/internal/domain"
	"example.com/fractalgoals/internal/goals"
	"example.com/fractalgoals/internal/timing"
)

// Store implements the goal snapshot, goal repository and session repository
// contracts on top of gorm.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// View runs fn inside a read transaction.
func (s *Store) View(ctx context.Context, tenantID string, fn func(goals.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&snapshot{tx: tx, tenantID: tenantID})
	})
}

type snapshot struct {
	tx       *gorm.DB
	tenantID string
}

func (s *snapshot) GetNode(ctx context.Context, id string) (*goals.GoalNode, error) {
	var row Goal
	err := s.tx.WithContext(ctx).Where("tenant_id = ? AND id = ? AND deleted_at IS NULL", s.tenantID, id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", goals.ErrNotFound, id)
		}
		return nil, err
	}
	node, err := toNode(row)
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *snapshot) GetChildren(ctx context.Context, parentID string) ([]goals.GoalNode, error) {
	var rows []Goal
	if err := s.tx.WithContext(ctx).Where("tenant_id = ? AND parent_id = ? AND deleted_at IS NULL", s.tenantID, parentID).
		Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]goals.GoalNode, 0, len(rows))
	for _, row := range rows {
		node, err := toNode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

func (s *snapshot) GetAssociations(ctx context.Context, goalIDs []string) ([]goals.Association, error) {
	if len(goalIDs) == 0 {
		return nil, nil
	}
	var rows []Association
	if err := s.tx.WithContext(ctx).Where("tenant_id = ? AND goal_id IN ?", s.tenantID, goalIDs).
		Order("goal_id, activity_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]goals.Association, 0, len(rows))
	for _, row := range rows {
		out = append(out, goals.Association{ActivityID: row.ActivityID, GoalID: row.GoalID})
	}
	return out, nil
}

func (s *snapshot) GetActivityDefinitions(ctx context.Context, ids []string) ([]goals.ActivityDefinition, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []ActivityDefinition
	if err := s.tx.WithContext(ctx).Where("tenant_id = ? AND id IN ? AND deleted_at IS NULL", s.tenantID, ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]goals.ActivityDefinition, 0, len(rows))
	for _, row := range rows {
		out = append(out, goals.ActivityDefinition{ID: row.ID, RootID: row.RootID, Name: row.Name, CreatedAt: row.CreatedAt})
	}
	return out, nil
}

func toNode(row Goal) (goals.GoalNode, error) {
	node := goals.GoalNode{
		ID:                 row.ID,
		RootID:             row.RootID,
		ParentID:           row.ParentID,
		Level:              goals.Level(row.Level),
		Name:               row.Name,
		RelevanceStatement: row.RelevanceStatement,
		Deadline:           row.Deadline,
		IsSmart:            row.IsSmart,
		CreatedAt:          row.CreatedAt,
		DeletedAt:          row.DeletedAt,
	}
	if row.Targets != "" {
		if err := json.Unmarshal([]byte(row.Targets), &node.Targets); err != nil {
			return goals.GoalNode{}, fmt.Errorf("%w: goal %s targets: %v", goals.ErrValidation, row.ID, err)
		}
	}
	return node, nil
}

// SetSmart stores the derived flag.
func (s *Store) SetSmart(ctx context.Context, tenantID string, report goals.SmartReport, evaluatedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&Goal{}).
		Where("tenant_id = ? AND id = ? AND deleted_at IS NULL", tenantID, report.GoalID).
		Update("is_smart", report.IsSmart())
	if res.Error != nil {
		return fmt.Errorf("set smart: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", goals.ErrNotFound, report.GoalID)
	}
	return nil
}

// LevelOverrides returns owner-wide overrides and those scoped to rootID.
func (s *Store) LevelOverrides(ctx context.Context, tenantID, rootID string) ([]goals.LevelOverride, error) {
	var rows []LevelOverride
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND (root_id IS NULL OR root_id = ?)", tenantID, rootID).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]goals.LevelOverride, 0, len(rows))
	for _, row := range rows {
		o := goals.LevelOverride{RootID: row.RootID, Rank: row.Rank, Name: row.Name, Color: row.Color}
		if row.RootID == nil {
			owner := row.TenantID
			o.OwnerID = &owner
		}
		out = append(out, o)
	}
	return out, nil
}

// GetSession returns nil when no session matches.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*domain.Session, error) {
	var row Session
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, sessionID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := toSession(row)
	return &out, nil
}

// ListSessions returns sessions of a root tree newest first.
func (s *Store) ListSessions(ctx context.Context, tenantID, rootID string, cursor *domain.Cursor, limit int) ([]domain.Session, *domain.Cursor, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ? AND root_id = ?", tenantID, rootID)
	if cursor != nil {
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	q = q.Order("created_at DESC, id DESC")
	if limit > 0 {
		// One extra row tells whether another page exists.
		q = q.Limit(limit + 1)
	}
	var rows []Session
	if err := q.Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	more := limit > 0 && len(rows) > limit
	if more {
		rows = rows[:limit]
	}
	out := make([]domain.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, toSession(row))
	}
	var next *domain.Cursor
	if more {
		last := out[len(out)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

// GetInstance returns nil when no instance matches.
func (s *Store) GetInstance(ctx context.Context, tenantID, instanceID string) (*domain.ActivityInstance, error) {
	var row ActivityInstance
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, instanceID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := toInstance(row)
	return &out, nil
}

// ListInstances returns the instances of a session in creation order.
func (s *Store) ListInstances(ctx context.Context, tenantID, sessionID string) ([]domain.ActivityInstance, error) {
	var rows []ActivityInstance
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND session_id = ?", tenantID, sessionID).
		Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ActivityInstance, 0, len(rows))
	for _, row := range rows {
		out = append(out, toInstance(row))
	}
	return out, nil
}

// SaveTimings applies every update of the change in one transaction, guarded
// by the version each row was read at.
func (s *Store) SaveTimings(ctx context.Context, change domain.TimingChange) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sess := change.Session; sess != nil {
			res := tx.Model(&Session{}).
				Where("tenant_id = ? AND id = ? AND version = ?", change.TenantID, sess.ID, sess.Version).
				Updates(timingColumns(sess.Timing, sess.UpdatedAt, map[string]any{"completed": sess.Completed}))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return missingOrStale(tx, &Session{}, change.TenantID, sess.ID, domain.ErrSessionNotFound)
			}
		}
		for _, inst := range change.Instances {
			res := tx.Model(&ActivityInstance{}).
				Where("tenant_id = ? AND id = ? AND version = ?", change.TenantID, inst.ID, inst.Version).
				Updates(timingColumns(inst.Timing, inst.UpdatedAt, nil))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return missingOrStale(tx, &ActivityInstance{}, change.TenantID, inst.ID, domain.ErrInstanceNotFound)
			}
		}
		return nil
	})
}

func timingColumns(t timing.Timing, updatedAt time.Time, extra map[string]any) map[string]any {
	cols := map[string]any{
		"time_start":           t.TimeStart,
		"time_stop":            t.TimeStop,
		"is_paused":            t.IsPaused,
		"paused_at":            t.PausedAt,
		"total_paused_seconds": t.TotalPausedSeconds,
		"duration_seconds":     t.DurationSeconds,
		"updated_at":           updatedAt,
		"version":              gorm.Expr("version + 1"),
	}
	for k, v := range extra {
		cols[k] = v
	}
	return cols
}

func missingOrStale(tx *gorm.DB, model any, tenantID, id string, missing error) error {
	var count int64
	if err := tx.Model(model).Where("tenant_id = ? AND id = ?", tenantID, id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return missing
	}
	return fmt.Errorf("%w: %s", domain.ErrVersionConflict, id)
}

func toSession(row Session) domain.Session {
	return domain.Session{
		ID:        row.ID,
		RootID:    row.RootID,
		Name:      row.Name,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Completed: row.Completed,
		Timing: timing.Timing{
			TimeStart:          row.TimeStart,
			TimeStop:           row.TimeStop,
			IsPaused:           row.IsPaused,
			PausedAt:           row.PausedAt,
			TotalPausedSeconds: row.TotalPausedSeconds,
			DurationSeconds:    row.DurationSeconds,
		},
		Version: row.Version,
	}
}

func toInstance(row ActivityInstance) domain.ActivityInstance {
	return domain.ActivityInstance{
		ID:                   row.ID,
		SessionID:            row.SessionID,
		ActivityDefinitionID: row.ActivityDefinitionID,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
		Timing: timing.Timing{
			TimeStart:          row.TimeStart,
			TimeStop:           row.TimeStop,
			IsPaused:           row.IsPaused,
			PausedAt:           row.PausedAt,
			TotalPausedSeconds: row.TotalPausedSeconds,
			DurationSeconds:    row.DurationSeconds,
		},
		Version: row.Version,
	}
}
