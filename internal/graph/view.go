package graph

import (
	"github.com/lazypower/wellspring/internal/store"
)

// View is a read snapshot of the index bound to a log position. Entities
// added after that position are invisible to it.
type View struct {
	ix  *Index
	seq int64
}

// Seq returns the log position the view is bound to.
func (v *View) Seq() int64 { return v.seq }

// Node returns a node by id.
func (v *View) Node(id string) (store.Node, bool) {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	n, ok := v.ix.nodes[id]
	if !ok || n.seq > v.seq {
		return store.Node{}, false
	}
	return n.node, true
}

// Edge returns an edge by id.
func (v *View) Edge(id string) (store.Edge, bool) {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	e, ok := v.ix.edges[id]
	if !ok || e.seq > v.seq {
		return store.Edge{}, false
	}
	return e.edge, true
}

// Attestation returns an attestation by id.
func (v *View) Attestation(id string) (store.Attestation, bool) {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	a, ok := v.ix.atts[id]
	if !ok || a.seq > v.seq {
		return store.Attestation{}, false
	}
	return a.att, true
}

// Has reports whether any node, edge, attestation or traversal has this id.
func (v *View) Has(id string) bool {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	if n, ok := v.ix.nodes[id]; ok && n.seq <= v.seq {
		return true
	}
	if e, ok := v.ix.edges[id]; ok && e.seq <= v.seq {
		return true
	}
	if a, ok := v.ix.atts[id]; ok && a.seq <= v.seq {
		return true
	}
	if t, ok := v.ix.travs[id]; ok && t.seq <= v.seq {
		return true
	}
	return false
}

// IsSubject reports whether id names a node or an edge.
func (v *View) IsSubject(id string) bool {
	if _, ok := v.Node(id); ok {
		return true
	}
	_, ok := v.Edge(id)
	return ok
}

// Identity returns the identity payload of a node.
func (v *View) Identity(id string) *store.Identity {
	n, ok := v.Node(id)
	if !ok {
		return nil
	}
	return n.Identity()
}

// Aspect returns the aspect payload of a node.
func (v *View) Aspect(id string) *store.Aspect {
	n, ok := v.Node(id)
	if !ok {
		return nil
	}
	return n.Aspect()
}

// Relation returns the characteristics of a relation: the declaration in
// force, else the built-in defaults, else a plain relation.
func (v *View) Relation(name string) store.RelationType {
	v.ix.mu.RLock()
	r, ok := v.relationLocked(name)
	v.ix.mu.RUnlock()
	if ok {
		return r
	}
	if b, ok := store.BuiltinRelations[name]; ok {
		return b
	}
	return store.RelationType{Name: name}
}

// Nodes returns every node in log order.
func (v *View) Nodes() []store.Node {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	var out []store.Node
	for _, id := range v.ix.nodeOrder {
		n := v.ix.nodes[id]
		if n.seq > v.seq {
			break
		}
		out = append(out, n.node)
	}
	return out
}

// Edges returns every edge in log order.
func (v *View) Edges() []store.Edge {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	return v.edgeList(v.ix.edgeOrder)
}

// EdgesFrom returns the outgoing edges of a node in log order.
func (v *View) EdgesFrom(node string) []store.Edge {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	return v.edgeList(v.ix.out[node])
}

// EdgesTo returns the incoming edges of a node in log order.
func (v *View) EdgesTo(node string) []store.Edge {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	return v.edgeList(v.ix.in[node])
}

func (v *View) edgeList(ids []string) []store.Edge {
	var out []store.Edge
	for _, id := range ids {
		e := v.ix.edges[id]
		if e.seq > v.seq {
			break
		}
		out = append(out, e.edge)
	}
	return out
}

// Relations returns every declared relation.
func (v *View) Relations() []store.RelationType {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	var out []store.RelationType
	for name := range v.ix.relations {
		if r, ok := v.relationLocked(name); ok {
			out = append(out, r)
		}
	}
	return out
}

// Navigable reports whether edges of a relation read backward as well as
// forward: the relation is symmetric, names an inverse, or is named as the
// inverse of another.
func (v *View) Navigable(name string) bool {
	if r := v.Relation(name); r.Symmetric || r.Inverse != "" {
		return true
	}
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	for other := range v.ix.relations {
		if r, ok := v.relationLocked(other); ok && r.Inverse == name {
			return true
		}
	}
	for _, b := range store.BuiltinRelations {
		if b.Inverse == name {
			return true
		}
	}
	return false
}

// relationLocked is the declaration of name in force at the view's position.
func (v *View) relationLocked(name string) (store.RelationType, bool) {
	hist := v.ix.relations[name]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].seq <= v.seq {
			return hist[i].rel, true
		}
	}
	return store.RelationType{}, false
}

// Attestations returns every attestation in log order.
func (v *View) Attestations() []store.Attestation {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	return v.attList(v.ix.attOrder)
}

// AttestationsOn returns the attestations on a subject in append order.
func (v *View) AttestationsOn(subject string) []store.Attestation {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	return v.attList(v.ix.bySubject[subject])
}

// AttestationsBy returns the attestations an identity made, in append order.
func (v *View) AttestationsBy(identity string) []store.Attestation {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	return v.attList(v.ix.byAuthor[identity])
}

// CitedBy returns the attestations naming an edge in their because list.
func (v *View) CitedBy(edge string) []store.Attestation {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	return v.attList(v.ix.cited[edge])
}

// AttestedSince reports whether the view holds an attestation on subject
// appended after log position seq.
func (v *View) AttestedSince(subject string, seq int64) bool {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	return v.appendedSince(v.ix.bySubject[subject], seq)
}

// AuthoredSince reports whether the view holds an attestation by identity
// appended after log position seq.
func (v *View) AuthoredSince(identity string, seq int64) bool {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	return v.appendedSince(v.ix.byAuthor[identity], seq)
}

// appendedSince scans from the tail; lists are in log order.
func (v *View) appendedSince(ids []string, seq int64) bool {
	for i := len(ids) - 1; i >= 0; i-- {
		s := v.ix.atts[ids[i]].seq
		if s <= seq {
			return false
		}
		if s <= v.seq {
			return true
		}
	}
	return false
}

func (v *View) attList(ids []string) []store.Attestation {
	var out []store.Attestation
	for _, id := range ids {
		a := v.ix.atts[id]
		if a.seq > v.seq {
			break
		}
		out = append(out, a.att)
	}
	return out
}

// Traversals returns every traversal in log order.
func (v *View) Traversals() []store.Traversal {
	v.ix.mu.RLock()
	defer v.ix.mu.RUnlock()
	var out []store.Traversal
	for _, id := range v.ix.travOrder {
		t := v.ix.travs[id]
		if t.seq > v.seq {
			break
		}
		out = append(out, t.trav)
	}
	return out
}

// Disjoint reports whether two aspects are declared mutually disjoint.
func (v *View) Disjoint(a, b string) bool {
	for _, e := range v.EdgesFrom(a) {
		if e.Relation == store.RelDisjoint && e.To == b {
			return true
		}
	}
	for _, e := range v.EdgesFrom(b) {
		if e.Relation == store.RelDisjoint && e.To == a {
			return true
		}
	}
	return false
}

// DisjointWith returns every aspect declared disjoint with a.
func (v *View) DisjointWith(a string) []string {
	var out []string
	for _, e := range v.EdgesFrom(a) {
		if e.Relation == store.RelDisjoint {
			out = append(out, e.To)
		}
	}
	for _, e := range v.EdgesTo(a) {
		if e.Relation == store.RelDisjoint {
			out = append(out, e.From)
		}
	}
	return out
}

const maxMembershipHops = 8

// IsMember reports whether an identity belongs to a pool: its node carries
// the pool, or a chain of member_of edges leads to the pool node.
func (v *View) IsMember(identity, pool string) bool {
	if pool == "" {
		return true
	}
	n, ok := v.Node(identity)
	if !ok {
		return false
	}
	if n.Pool == pool {
		return true
	}
	hops := 1
	if v.Relation(store.RelMemberOf).Transitive {
		hops = maxMembershipHops
	}
	seen := map[string]bool{identity: true}
	frontier := []string{identity}
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, e := range v.EdgesFrom(id) {
				if e.Relation != store.RelMemberOf || seen[e.To] {
					continue
				}
				if e.To == pool {
					return true
				}
				seen[e.To] = true
				next = append(next, e.To)
			}
		}
		frontier = next
	}
	return false
}

// RevokedAt reports whether the parent revoked a delegate at or before at.
func (v *View) RevokedAt(delegate string, at int64) bool {
	ident := v.Identity(delegate)
	if ident == nil || ident.Kind != store.Delegated {
		return false
	}
	for _, e := range v.EdgesTo(delegate) {
		if e.Relation == store.RelRevokes && e.From == ident.Parent && e.CreatedAt <= at {
			return true
		}
	}
	return false
}

// Rotated reports whether an identity has handed its key to a successor.
func (v *View) Rotated(identity string) bool {
	for _, e := range v.EdgesFrom(identity) {
		if e.Relation == store.RelRotatesTo && e.Creator == identity {
			return true
		}
	}
	return false
}
