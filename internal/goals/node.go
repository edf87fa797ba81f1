// Package goals resolves the fractal goal hierarchy: descendant walks,
// activity inheritance with provenance, SMART completeness and the goal level
// reference table.
package goals

import (
	"context"
	"time"
)

// Level is the position of a goal in the fractal hierarchy. Lower values are
// closer to the root.
type Level int

const (
	LevelUltimate Level = iota
	LevelLongTerm
	LevelMidTerm
	LevelShortTerm
	LevelImmediate
	LevelMicro
	LevelNano
	LevelCompleted
)

var levelNames = map[Level]string{
	LevelUltimate:  "UltimateGoal",
	LevelLongTerm:  "LongTermGoal",
	LevelMidTerm:   "MidTermGoal",
	LevelShortTerm: "ShortTermGoal",
	LevelImmediate: "ImmediateGoal",
	LevelMicro:     "MicroGoal",
	LevelNano:      "NanoGoal",
	LevelCompleted: "Completed",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "Unknown"
}

// ParseLevel maps a level name such as "MidTermGoal" back to its Level.
func ParseLevel(name string) (Level, bool) {
	for level, candidate := range levelNames {
		if candidate == name {
			return level, true
		}
	}
	return 0, false
}

// Target is a measurable target attached to a goal.
type Target struct {
	Metric    string   `json:"metric" yaml:"metric" validate:"required"`
	Threshold *float64 `json:"threshold" yaml:"threshold" validate:"required"`
	Unit      string   `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// GoalNode is a single goal in a root tree.
type GoalNode struct {
	ID                 string
	RootID             string
	ParentID           *string
	Level              Level
	Name               string
	RelevanceStatement string
	Targets            []Target
	Deadline           *time.Time
	IsSmart            bool
	CreatedAt          time.Time
	DeletedAt          *time.Time
}

// IsRoot reports whether the node is the Ultimate Goal of its tree.
func (n GoalNode) IsRoot() bool {
	return n.ParentID == nil
}

// Deleted reports whether the node has been soft-deleted.
func (n GoalNode) Deleted() bool {
	return n.DeletedAt != nil
}

// ActivityDefinition is an activity owned by a root tree, independent of any goal.
type ActivityDefinition struct {
	ID        string
	RootID    string
	Name      string
	CreatedAt time.Time
}

// Association links an activity definition to a goal node.
type Association struct {
	ActivityID string
	GoalID     string
}

// Store is the read view over goal nodes and activity associations that the
// resolvers run against. Implementations must serve a consistent snapshot for
// the duration of a single resolver call.
type Store interface {
	// GetNode returns ErrNotFound when the id is absent or soft-deleted.
	GetNode(ctx context.Context, id string) (*GoalNode, error)
	// GetChildren returns the non-deleted children of parentID.
	GetChildren(ctx context.Context, parentID string) ([]GoalNode, error)
	GetAssociations(ctx context.Context, goalIDs []string) ([]Association, error)
	GetActivityDefinitions(ctx context.Context, ids []string) ([]ActivityDefinition, error)
}
