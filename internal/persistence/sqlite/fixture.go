package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/fractalgoals/internal/goals"
)

// Fixture is a seed document for one tenant's goal trees.
type Fixture struct {
	Tenant     string            `yaml:"tenant"`
	Goals      []FixtureGoal     `yaml:"goals"`
	Activities []FixtureActivity `yaml:"activities"`
	Sessions   []FixtureSession  `yaml:"sessions"`
	Levels     []FixtureLevel    `yaml:"levels"`
}

// FixtureGoal describes one goal node.
type FixtureGoal struct {
	ID        string         `yaml:"id"`
	Parent    string         `yaml:"parent"`
	Level     string         `yaml:"level"`
	Name      string         `yaml:"name"`
	Relevance string         `yaml:"relevance"`
	Deadline  *time.Time     `yaml:"deadline"`
	Targets   []goals.Target `yaml:"targets"`
	CreatedAt time.Time      `yaml:"created_at"`
	Deleted   bool           `yaml:"deleted"`
}

// FixtureActivity describes an activity and the goals it is associated with.
type FixtureActivity struct {
	ID        string    `yaml:"id"`
	Root      string    `yaml:"root"`
	Name      string    `yaml:"name"`
	Goals     []string  `yaml:"goals"`
	CreatedAt time.Time `yaml:"created_at"`
}

// FixtureSession describes a session and its activity instances.
type FixtureSession struct {
	ID        string    `yaml:"id"`
	Root      string    `yaml:"root"`
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"created_at"`
	Instances []struct {
		ID       string `yaml:"id"`
		Activity string `yaml:"activity"`
	} `yaml:"instances"`
}

// FixtureLevel overrides a level's display row, optionally for one root only.
type FixtureLevel struct {
	Root  string `yaml:"root"`
	Rank  int    `yaml:"rank"`
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// Import upserts the fixture. Goals are resolved to their root by following
// parent links, so parents may appear in any order.
func (s *Store) Import(ctx context.Context, f Fixture) error {
	if f.Tenant == "" {
		return fmt.Errorf("%w: fixture tenant is required", goals.ErrValidation)
	}

	byID := make(map[string]FixtureGoal, len(f.Goals))
	for _, g := range f.Goals {
		byID[g.ID] = g
	}
	rootOf := func(id string) (string, error) {
		seen := map[string]struct{}{}
		for {
			g, ok := byID[id]
			if !ok {
				return "", fmt.Errorf("%w: unknown goal %s", goals.ErrValidation, id)
			}
			if g.Parent == "" {
				return g.ID, nil
			}
			if _, loop := seen[id]; loop {
				return "", fmt.Errorf("%w: parent loop at %s", goals.ErrCorruptHierarchy, id)
			}
			seen[id] = struct{}{}
			id = g.Parent
		}
	}

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Each insert needs its own statement; a shared chain keeps the first
		// model's schema and breaks on the next one.
		upsert := func(row any) error {
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
		}

		for _, g := range f.Goals {
			level, ok := goals.ParseLevel(g.Level)
			if !ok {
				return fmt.Errorf("%w: goal %s: unknown level %q", goals.ErrValidation, g.ID, g.Level)
			}
			if err := goals.ValidateTargets(g.Targets); err != nil {
				return fmt.Errorf("goal %s: %w", g.ID, err)
			}
			root, err := rootOf(g.ID)
			if err != nil {
				return err
			}
			targets, err := json.Marshal(g.Targets)
			if err != nil {
				return err
			}
			row := Goal{
				ID:                 g.ID,
				TenantID:           f.Tenant,
				RootID:             root,
				Level:              int(level),
				Name:               g.Name,
				RelevanceStatement: g.Relevance,
				Targets:            string(targets),
				Deadline:           g.Deadline,
				CreatedAt:          orNow(g.CreatedAt, now),
			}
			if g.Parent != "" {
				parent := g.Parent
				row.ParentID = &parent
			}
			if g.Deleted {
				row.DeletedAt = &now
			}
			if err := upsert(&row); err != nil {
				return fmt.Errorf("import goal %s: %w", g.ID, err)
			}
		}

		for _, a := range f.Activities {
			row := ActivityDefinition{ID: a.ID, TenantID: f.Tenant, RootID: a.Root, Name: a.Name, CreatedAt: orNow(a.CreatedAt, now)}
			if err := upsert(&row); err != nil {
				return fmt.Errorf("import activity %s: %w", a.ID, err)
			}
			for _, goalID := range a.Goals {
				assoc := Association{ActivityID: a.ID, GoalID: goalID, TenantID: f.Tenant}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&assoc).Error; err != nil {
					return fmt.Errorf("associate %s with %s: %w", a.ID, goalID, err)
				}
			}
		}

		for _, sess := range f.Sessions {
			created := orNow(sess.CreatedAt, now)
			row := Session{ID: sess.ID, TenantID: f.Tenant, RootID: sess.Root, Name: sess.Name, CreatedAt: created, UpdatedAt: created}
			if err := upsert(&row); err != nil {
				return fmt.Errorf("import session %s: %w", sess.ID, err)
			}
			for i, inst := range sess.Instances {
				instCreated := created.Add(time.Duration(i) * time.Millisecond)
				irow := ActivityInstance{ID: inst.ID, TenantID: f.Tenant, SessionID: sess.ID, ActivityDefinitionID: inst.Activity, CreatedAt: instCreated, UpdatedAt: instCreated}
				if err := upsert(&irow); err != nil {
					return fmt.Errorf("import activity instance %s: %w", inst.ID, err)
				}
			}
		}

		for _, l := range f.Levels {
			row := LevelOverride{TenantID: f.Tenant, Rank: l.Rank, Name: l.Name, Color: l.Color}
			if l.Root != "" {
				root := l.Root
				row.RootID = &root
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("import level override %d: %w", l.Rank, err)
			}
		}
		return nil
	})
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}
