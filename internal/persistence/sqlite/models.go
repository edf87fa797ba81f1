package sqlite

import "time"

// Goal is the gorm row for a goal node. Targets are stored as JSON text.
type Goal struct {
	ID                 string  `gorm:"primaryKey"`
	TenantID           string  `gorm:"index;not null"`
	RootID             string  `gorm:"index;not null"`
	ParentID           *string `gorm:"index"`
	Level              int     `gorm:"not null"`
	Name               string  `gorm:"not null"`
	RelevanceStatement string
	Targets            string `gorm:"not null;default:'[]'"`
	Deadline           *time.Time
	IsSmart            bool
	CreatedAt          time.Time
	DeletedAt          *time.Time
}

func (Goal) TableName() string { return "goals" }

// ActivityDefinition is the gorm row for an activity definition.
type ActivityDefinition struct {
	ID        string `gorm:"primaryKey"`
	TenantID  string `gorm:"index;not null"`
	RootID    string `gorm:"index;not null"`
	Name      string `gorm:"not null"`
	CreatedAt time.Time
	DeletedAt *time.Time
}

func (ActivityDefinition) TableName() string { return "activity_definitions" }

// Association links an activity to a goal.
type Association struct {
	ActivityID string `gorm:"primaryKey"`
	GoalID     string `gorm:"primaryKey;index"`
	TenantID   string `gorm:"index;not null"`
}

func (Association) TableName() string { return "activity_goal_associations" }

// LevelOverride is a per-root or per-owner level display override.
type LevelOverride struct {
	ID       uint    `gorm:"primaryKey"`
	TenantID string  `gorm:"index;not null"`
	RootID   *string `gorm:"index"`
	Rank     int     `gorm:"not null"`
	Name     string
	Color    string
}

func (LevelOverride) TableName() string { return "goal_level_overrides" }

// Session is the gorm row for a session.
type Session struct {
	ID                 string `gorm:"primaryKey"`
	TenantID           string `gorm:"index;not null"`
	RootID             string `gorm:"index;not null"`
	Name               string
	Completed          bool
	TimeStart          *time.Time
	TimeStop           *time.Time
	IsPaused           bool
	PausedAt           *time.Time
	TotalPausedSeconds int64
	DurationSeconds    *int64
	Version            int
	CreatedAt          time.Time `gorm:"index"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime:false"`
}

func (Session) TableName() string { return "sessions" }

// ActivityInstance is the gorm row for an activity instance.
type ActivityInstance struct {
	ID                   string `gorm:"primaryKey"`
	TenantID             string `gorm:"index;not null"`
	SessionID            string `gorm:"index;not null"`
	ActivityDefinitionID string `gorm:"not null"`
	TimeStart            *time.Time
	TimeStop             *time.Time
	IsPaused             bool
	PausedAt             *time.Time
	TotalPausedSeconds   int64
	DurationSeconds      *int64
	Version              int
	CreatedAt            time.Time
	UpdatedAt            time.Time `gorm:"autoUpdateTime:false"`
}

func (ActivityInstance) TableName() string { return "activity_instances" }
