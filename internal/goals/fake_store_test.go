package goals

import (
	"context"
	"time"
)

// fakeStore is a hand-wired arena. Children are indexed separately from the
// nodes so tests can build inconsistent trees.
type fakeStore struct {
	nodes       map[string]GoalNode
	children    map[string][]string
	assocs      []Association
	activities  map[string]ActivityDefinition
	childCalls  int
	definitions [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:      make(map[string]GoalNode),
		children:   make(map[string][]string),
		activities: make(map[string]ActivityDefinition),
	}
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func (f *fakeStore) add(id, parent, name string) {
	node := GoalNode{ID: id, RootID: id, Name: name, CreatedAt: epoch}
	if parent != "" {
		p := parent
		node.ParentID = &p
		node.RootID = f.nodes[parent].RootID
		f.children[parent] = append(f.children[parent], id)
	}
	f.nodes[id] = node
}

func (f *fakeStore) activity(id, root string, offset time.Duration) {
	f.activities[id] = ActivityDefinition{ID: id, RootID: root, Name: "activity " + id, CreatedAt: epoch.Add(offset)}
}

func (f *fakeStore) link(activityID, goalID string) {
	f.assocs = append(f.assocs, Association{ActivityID: activityID, GoalID: goalID})
}

func (f *fakeStore) GetNode(_ context.Context, id string) (*GoalNode, error) {
	node, ok := f.nodes[id]
	if !ok || node.Deleted() {
		return nil, notFound(id)
	}
	return &node, nil
}

func (f *fakeStore) GetChildren(_ context.Context, parentID string) ([]GoalNode, error) {
	f.childCalls++
	out := make([]GoalNode, 0)
	for _, id := range f.children[parentID] {
		if node, ok := f.nodes[id]; ok {
			out = append(out, node)
		}
	}
	return out, nil
}

func (f *fakeStore) GetAssociations(_ context.Context, goalIDs []string) ([]Association, error) {
	want := make(map[string]struct{}, len(goalIDs))
	for _, id := range goalIDs {
		want[id] = struct{}{}
	}
	out := make([]Association, 0)
	for _, a := range f.assocs {
		if _, ok := want[a.GoalID]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) GetActivityDefinitions(_ context.Context, ids []string) ([]ActivityDefinition, error) {
	f.definitions = append(f.definitions, ids)
	out := make([]ActivityDefinition, 0, len(ids))
	for _, id := range ids {
		if def, ok := f.activities[id]; ok {
			out = append(out, def)
		}
	}
	return out, nil
}
