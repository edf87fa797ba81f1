package goals

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed levels.yaml
var defaultLevelsYAML []byte

// LevelDefinition is the display and policy row for a goal level.
type LevelDefinition struct {
	Rank             int    `yaml:"rank" json:"rank"`
	Level            string `yaml:"level" json:"level"`
	Name             string `yaml:"name" json:"name"`
	Color            string `yaml:"color" json:"color"`
	DeadlineRequired bool   `yaml:"deadline_required" json:"deadline_required"`
}

// LevelOverride replaces the name and/or color of a level for one root tree or
// for every tree of one owner. Exactly one of RootID and OwnerID is set.
type LevelOverride struct {
	RootID  *string
	OwnerID *string
	Rank    int
	Name    string
	Color   string
}

// LevelTable is the read-only default level table keyed by rank.
type LevelTable struct {
	byRank map[int]LevelDefinition
	ranks  []int
}

var (
	defaultTableOnce sync.Once
	defaultTable     *LevelTable
	defaultTableErr  error
)

// DefaultLevels returns the embedded system level table. It is parsed once per
// process.
func DefaultLevels() (*LevelTable, error) {
	defaultTableOnce.Do(func() {
		defaultTable, defaultTableErr = ParseLevelTable(defaultLevelsYAML)
	})
	return defaultTable, defaultTableErr
}

// ParseLevelTable decodes a YAML level table.
func ParseLevelTable(data []byte) (*LevelTable, error) {
	var doc struct {
		Levels []LevelDefinition `yaml:"levels"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode level table: %w", err)
	}
	if len(doc.Levels) == 0 {
		return nil, fmt.Errorf("%w: level table is empty", ErrValidation)
	}

	table := &LevelTable{byRank: make(map[int]LevelDefinition, len(doc.Levels))}
	for _, def := range doc.Levels {
		if _, ok := ParseLevel(def.Level); !ok {
			return nil, fmt.Errorf("%w: unknown level %q at rank %d", ErrValidation, def.Level, def.Rank)
		}
		if _, dup := table.byRank[def.Rank]; dup {
			return nil, fmt.Errorf("%w: duplicate rank %d", ErrValidation, def.Rank)
		}
		table.byRank[def.Rank] = def
		table.ranks = append(table.ranks, def.Rank)
	}
	sort.Ints(table.ranks)
	return table, nil
}

// Get returns the system default for rank.
func (t *LevelTable) Get(rank int) (LevelDefinition, bool) {
	def, ok := t.byRank[rank]
	return def, ok
}

// All returns the default rows in rank order.
func (t *LevelTable) All() []LevelDefinition {
	out := make([]LevelDefinition, 0, len(t.ranks))
	for _, rank := range t.ranks {
		out = append(out, t.byRank[rank])
	}
	return out
}

// DeadlineRequired reports whether goals of the given level must carry a deadline.
func (t *LevelTable) DeadlineRequired(level Level) bool {
	def, ok := t.byRank[int(level)]
	return ok && def.DeadlineRequired
}

// Resolve returns the level row for rank as seen from rootID owned by ownerID:
// a root-scoped override if present, else an owner-scoped override, else the
// system default.
func (t *LevelTable) Resolve(rank int, rootID, ownerID string, overrides []LevelOverride) (LevelDefinition, bool) {
	def, ok := t.byRank[rank]
	if !ok {
		return LevelDefinition{}, false
	}

	var rootRow, ownerRow *LevelOverride
	for i := range overrides {
		o := &overrides[i]
		if o.Rank != rank {
			continue
		}
		switch {
		case o.RootID != nil && *o.RootID == rootID:
			rootRow = o
		case o.RootID == nil && o.OwnerID != nil && *o.OwnerID == ownerID:
			ownerRow = o
		}
	}

	chosen := rootRow
	if chosen == nil {
		chosen = ownerRow
	}
	if chosen == nil {
		return def, true
	}
	if chosen.Name != "" {
		def.Name = chosen.Name
	}
	if chosen.Color != "" {
		def.Color = chosen.Color
	}
	return def, true
}
