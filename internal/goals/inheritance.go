package goals

import (
	"context"
	"sort"
)

// candidateSource is the best descendant association seen so far for an
// activity that has no direct link.
type candidateSource struct {
	depth int
	node  GoalNode
}

func (c candidateSource) before(other candidateSource) bool {
	if c.depth != other.depth {
		return c.depth < other.depth
	}
	return c.node.ID < other.node.ID
}

// ActivitiesVisibleAt returns every activity visible at nodeID: activities
// associated with the node itself (Direct) and activities associated with any
// non-deleted descendant (Inherited). Each activity appears once. A direct
// association always wins; otherwise the source is the shallowest associated
// descendant, ties broken by ascending node id. The result is ordered by
// activity creation time, then id.
func (r *Resolver) ActivitiesVisibleAt(ctx context.Context, nodeID string) ([]VisibleActivity, error) {
	start, visits, err := r.Walk(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	scope := make(map[string]Visit, len(visits)+1)
	scope[start.ID] = Visit{Node: *start, Depth: 0}
	ids := make([]string, 0, len(visits)+1)
	ids = append(ids, start.ID)
	for _, v := range visits {
		scope[v.Node.ID] = v
		ids = append(ids, v.Node.ID)
	}

	associations, err := r.store.GetAssociations(ctx, ids)
	if err != nil {
		return nil, err
	}

	direct := make(map[string]struct{})
	inherited := make(map[string]candidateSource)
	for _, assoc := range associations {
		visit, ok := scope[assoc.GoalID]
		if !ok {
			continue
		}
		if assoc.GoalID == start.ID {
			direct[assoc.ActivityID] = struct{}{}
			continue
		}
		candidate := candidateSource{depth: visit.Depth, node: visit.Node}
		if current, seen := inherited[assoc.ActivityID]; !seen || candidate.before(current) {
			inherited[assoc.ActivityID] = candidate
		}
	}

	activityIDs := make([]string, 0, len(direct)+len(inherited))
	for id := range direct {
		activityIDs = append(activityIDs, id)
	}
	for id := range inherited {
		if _, isDirect := direct[id]; !isDirect {
			activityIDs = append(activityIDs, id)
		}
	}
	if len(activityIDs) == 0 {
		return []VisibleActivity{}, nil
	}
	sort.Strings(activityIDs)

	definitions, err := r.store.GetActivityDefinitions(ctx, activityIDs)
	if err != nil {
		return nil, err
	}

	out := make([]VisibleActivity, 0, len(definitions))
	seen := make(map[string]struct{}, len(definitions))
	for _, def := range definitions {
		if _, dup := seen[def.ID]; dup {
			continue
		}
		seen[def.ID] = struct{}{}
		if def.RootID != start.RootID {
			return nil, corruptf("activity %s belongs to root %s, expected %s", def.ID, def.RootID, start.RootID)
		}

		var prov Provenance
		if _, ok := direct[def.ID]; ok {
			prov = Direct{}
		} else if src, ok := inherited[def.ID]; ok {
			prov = Inherited{SourceNodeID: src.node.ID, SourceNodeName: src.node.Name}
		} else {
			continue
		}
		out = append(out, VisibleActivity{Activity: def, Provenance: prov})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Activity, out[j].Activity
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// DirectActivityIDs returns the ids of activities associated with the node
// itself, ignoring descendants. The node must exist and not be soft-deleted.
func (r *Resolver) DirectActivityIDs(ctx context.Context, nodeID string) ([]string, error) {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil || node.Deleted() {
		return nil, notFound(nodeID)
	}
	associations, err := r.store.GetAssociations(ctx, []string{node.ID})
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(associations))
	for _, assoc := range associations {
		if assoc.GoalID == node.ID {
			set[assoc.ActivityID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
