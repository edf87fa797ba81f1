package goals

import (
	"context"
	"sort"
)

// Visit records a node reached during a descendant walk and its distance from
// the start node.
type Visit struct {
	Node  GoalNode
	Depth int
}

// Resolver answers hierarchy and activity-inheritance queries over a Store.
// It holds no state of its own and is safe for concurrent use when the
// underlying Store is.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Descendants returns the ids of every non-deleted node beneath nodeID in
// breadth-first order. The start node itself is not included.
func (r *Resolver) Descendants(ctx context.Context, nodeID string) ([]string, error) {
	_, visits, err := r.Walk(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(visits))
	for _, v := range visits {
		ids = append(ids, v.Node.ID)
	}
	return ids, nil
}

// Walk loads the start node and walks its subtree breadth-first. Children of a
// node are visited in ascending id order. Soft-deleted nodes are skipped
// together with everything beneath them.
func (r *Resolver) Walk(ctx context.Context, nodeID string) (*GoalNode, []Visit, error) {
	start, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, nil, err
	}
	if start == nil || start.Deleted() {
		return nil, nil, notFound(nodeID)
	}

	visited := map[string]struct{}{start.ID: {}}
	queue := []Visit{{Node: *start, Depth: 0}}
	visits := make([]Visit, 0)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		current := queue[0]
		queue = queue[1:]

		children, err := r.store.GetChildren(ctx, current.Node.ID)
		if err != nil {
			return nil, nil, err
		}
		sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })

		for _, child := range children {
			if child.Deleted() {
				continue
			}
			if child.ParentID == nil || *child.ParentID != current.Node.ID {
				return nil, nil, corruptf("node %s listed under %s names a different parent", child.ID, current.Node.ID)
			}
			if child.RootID != start.RootID {
				return nil, nil, corruptf("node %s belongs to root %s, expected %s", child.ID, child.RootID, start.RootID)
			}
			if _, seen := visited[child.ID]; seen {
				return nil, nil, corruptf("node %s reached twice beneath %s", child.ID, start.ID)
			}
			visited[child.ID] = struct{}{}

			visit := Visit{Node: child, Depth: current.Depth + 1}
			visits = append(visits, visit)
			queue = append(queue, visit)
		}
	}

	return start, visits, nil
}
