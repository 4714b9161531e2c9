package salience

import (
	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/trust"
)

// Reachable returns every node within hops of the context over live edges.
// An edge is live unless the observer's belief on it at the bound is
// exactly 0. Edges are walked forward, and backward when their relation is
// navigable both ways. A run of edges of one transitive relation counts as
// a single hop, since the relation implies the edge spanning the run.
func Reachable(v *graph.View, observer string, context []string, hops int, at int64) map[string]bool {
	reach := make(map[string]bool, len(context))
	frontier := make([]string, 0, len(context))
	for _, n := range context {
		if _, ok := v.Node(n); ok && !reach[n] {
			reach[n] = true
			frontier = append(frontier, n)
		}
	}

	live := func(edge string) bool {
		b := trust.LatestBelief(v, observer, edge, at)
		return !b.Known || b.Weight != 0
	}

	type chain struct {
		node, relation string
		forward        bool
	}

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		chained := make(map[chain]bool)

		var step func(to, relation string, forward bool)
		step = func(to, relation string, forward bool) {
			if !reach[to] {
				reach[to] = true
				next = append(next, to)
			}
			c := chain{to, relation, forward}
			if chained[c] || !v.Relation(relation).Transitive {
				return
			}
			chained[c] = true
			if forward {
				for _, e := range v.EdgesFrom(to) {
					if e.Relation == relation && live(e.ID) {
						step(e.To, relation, true)
					}
				}
				return
			}
			for _, e := range v.EdgesTo(to) {
				if e.Relation == relation && live(e.ID) {
					step(e.From, relation, false)
				}
			}
		}

		for _, n := range frontier {
			for _, e := range v.EdgesFrom(n) {
				if live(e.ID) {
					step(e.To, e.Relation, true)
				}
			}
			for _, e := range v.EdgesTo(n) {
				if v.Navigable(e.Relation) && live(e.ID) {
					step(e.From, e.Relation, false)
				}
			}
		}
		frontier = next
	}
	return reach
}
