package replication

import (
	"sort"

	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
)

// MissingStats explains what Missing left out.
type MissingStats struct {
	Checked       int `json:"checked"`
	Missing       int `json:"missing"`
	FilteredLocal int `json:"filtered_local"`
	FilteredPool  int `json:"filtered_pool"`
	Shared        int `json:"shared"`
}

// withheld tracks the ids a peer must not receive. Anything that refers to
// a withheld id is withheld too.
type withheld map[string]bool

func (w withheld) any(ids ...string) bool {
	for _, id := range ids {
		if w[id] {
			return true
		}
	}
	return false
}

// Missing returns what peer probably lacks according to its summary, in
// dependency order: identities, other nodes, edges, relations, attestations
// and traversals. Nodes in the local pool never leave, nodes in another pool
// only go to members of it, and nothing that refers to a withheld node is
// sent.
func Missing(v *graph.View, peerSummary *Summary, peer string) (Bundle, MissingStats) {
	var (
		stats      MissingStats
		hold       = withheld{}
		identities []Item
		nodes      []Item
		items      []Item
	)

	want := func(id string) bool {
		stats.Checked++
		if peerSummary.Contains(id) {
			return false
		}
		stats.Missing++
		return true
	}

	for _, n := range v.Nodes() {
		switch {
		case n.Pool == store.LocalPool:
			hold[n.ID] = true
			stats.FilteredLocal++
			continue
		case n.Pool != "" && !v.IsMember(peer, n.Pool):
			hold[n.ID] = true
			stats.FilteredPool++
			continue
		}
		parent := ""
		if ident := n.Identity(); ident != nil {
			parent = ident.Parent
		}
		if hold.any(n.Creator, parent) {
			hold[n.ID] = true
			continue
		}
		if !want(n.ID) {
			continue
		}
		if n.Identity() != nil {
			identities = append(identities, NodeItem(n))
		} else {
			nodes = append(nodes, NodeItem(n))
		}
	}
	items = append(identities, nodes...)

	for _, e := range v.Edges() {
		if hold.any(e.From, e.To, e.Creator) {
			hold[e.ID] = true
			continue
		}
		if want(e.ID) {
			items = append(items, EdgeItem(e))
		}
	}

	relations := v.Relations()
	sort.Slice(relations, func(i, j int) bool { return relations[i].Name < relations[j].Name })
	for _, r := range relations {
		if hold[r.Creator] {
			continue
		}
		if want(RelationKey(r)) {
			items = append(items, RelationItem(r))
		}
	}

	for _, a := range v.Attestations() {
		if hold.any(a.By, a.On, a.Via, a.Proxy) || hold.any(a.Because...) {
			hold[a.ID] = true
			continue
		}
		if want(a.ID) {
			items = append(items, AttestationItem(a))
		}
	}

	for _, t := range v.Traversals() {
		if hold[t.Observer] || hold.any(t.Path...) || hopsHeld(hold, t.Hops) {
			continue
		}
		if want(t.ID) {
			items = append(items, TraversalItem(t))
		}
	}

	stats.Shared = len(items)
	return Bundle{Items: items}, stats
}

func hopsHeld(hold withheld, hops []store.Hop) bool {
	for _, h := range hops {
		if hold[h.Edge] {
			return true
		}
	}
	return false
}
