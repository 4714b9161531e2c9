// Package graphtest builds graph indexes for tests without a database.
// Entities get real content ids but no signatures.
package graphtest

import (
	"testing"

	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
)

// Builder appends entities to an index as if they came from the log.
type Builder struct {
	t     testing.TB
	Index *graph.Index
	seq   int64
	clock int64
}

// New returns a builder over a fresh index.
func New(t testing.TB) *Builder {
	return &Builder{t: t, Index: graph.NewIndex(), clock: 1000}
}

// View returns a snapshot of everything built so far.
func (b *Builder) View() *graph.View { return b.Index.View() }

func (b *Builder) apply(ev store.Event) {
	b.t.Helper()
	b.seq++
	ev.Seq = b.seq
	if err := b.Index.Apply(ev); err != nil {
		b.t.Fatalf("apply: %v", err)
	}
}

func (b *Builder) tick() int64 {
	b.clock++
	return b.clock
}

// Node adds a node and returns its id.
func (b *Builder) Node(content store.Payload, creator, pool string) string {
	b.t.Helper()
	id, err := store.NodeID(content, creator)
	if err != nil {
		b.t.Fatalf("node id: %v", err)
	}
	b.apply(store.Event{Kind: store.EventNode, RefID: id, Node: &store.Node{
		ID: id, Content: content, Creator: creator, CreatedAt: b.tick(), Pool: pool,
	}})
	return id
}

// Identity adds an identity node created by genesis.
func (b *Builder) Identity(ident store.Identity) string {
	b.t.Helper()
	if ident.PublicKey == "" && (ident.Kind == store.Sovereign || ident.Kind == store.Delegated) {
		ident.PublicKey = "key:" + ident.Name
	}
	return b.Node(store.IdentityPayload(ident), store.Genesis, "")
}

// Sovereign adds a human sovereign identity.
func (b *Builder) Sovereign(name string) string {
	return b.Identity(store.Identity{Kind: store.Sovereign, Name: name})
}

// Agent adds a sovereign identity with the agent role.
func (b *Builder) Agent(name string) string {
	return b.Identity(store.Identity{Kind: store.Sovereign, Name: name, Role: store.RoleAgent})
}

// Text adds a text node.
func (b *Builder) Text(creator, text string) string {
	return b.Node(store.TextPayload(text), creator, "")
}

// Aspect adds an aspect node.
func (b *Builder) Aspect(creator, name string, typ store.AspectType) string {
	return b.Node(store.AspectPayload(store.Aspect{Type: typ, Name: name}), creator, "")
}

// Edge adds an edge created now.
func (b *Builder) Edge(from, to, relation, creator string) string {
	return b.EdgeAt(from, to, relation, creator, b.tick())
}

// EdgeAt adds an edge with an explicit creation time.
func (b *Builder) EdgeAt(from, to, relation, creator string, createdAt int64) string {
	b.t.Helper()
	id, err := store.EdgeID(from, to, relation, creator)
	if err != nil {
		b.t.Fatalf("edge id: %v", err)
	}
	b.apply(store.Event{Kind: store.EventEdge, RefID: id, Edge: &store.Edge{
		ID: id, From: from, To: to, Relation: relation, Creator: creator, CreatedAt: createdAt,
	}})
	return id
}

// Declare adds a relation declaration.
func (b *Builder) Declare(r store.RelationType) {
	if r.CreatedAt == 0 {
		r.CreatedAt = b.tick()
	}
	b.apply(store.Event{Kind: store.EventRelation, RefID: r.Name, Relation: &r})
}

// Attest adds an attestation and returns its id.
func (b *Builder) Attest(by, on, via string, weight float64, at int64, because ...string) string {
	b.t.Helper()
	return b.AttestFull(store.Attestation{By: by, On: on, Via: via, Weight: weight, At: at, Because: because})
}

// AttestFull adds an attestation with every field under the caller's control.
func (b *Builder) AttestFull(a store.Attestation) string {
	b.t.Helper()
	a.Normalize()
	id, err := a.ComputeID()
	if err != nil {
		b.t.Fatalf("attestation id: %v", err)
	}
	a.ID = id
	a.Signature = "test"
	b.apply(store.Event{Kind: store.EventAttestation, RefID: id, Attestation: &a})
	return id
}

// Traverse records a traversal along path, resolving hops from the index.
func (b *Builder) Traverse(id, observer string, at int64, path ...string) store.Traversal {
	b.t.Helper()
	v := b.View()
	tr := store.Traversal{ID: id, Observer: observer, Path: path, At: at}
	for i := 1; i < len(path); i++ {
		found := false
		for _, e := range v.EdgesFrom(path[i-1]) {
			if e.To == path[i] {
				tr.Hops = append(tr.Hops, store.Hop{Edge: e.ID})
				found = true
			}
		}
		for _, e := range v.EdgesFrom(path[i]) {
			if e.To == path[i-1] {
				tr.Hops = append(tr.Hops, store.Hop{Edge: e.ID, Reverse: true})
				found = true
			}
		}
		if !found {
			b.t.Fatalf("no edge joins path step %d", i)
		}
	}
	if tr.ID == "" {
		tr.ID, _ = store.TraversalID(observer, path, at)
	}
	b.apply(store.Event{Kind: store.EventTraversal, RefID: tr.ID, Traversal: &tr})
	return tr
}
