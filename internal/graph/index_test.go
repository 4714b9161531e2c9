package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/wellspring/internal/graph/graphtest"
	"github.com/lazypower/wellspring/internal/store"
)

func TestViewSnapshotIsolation(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	a := b.Text(keif, "a")
	snap := b.View()

	c := b.Text(keif, "c")
	e := b.Edge(a, c, "next", keif)

	_, ok := snap.Node(c)
	assert.False(t, ok, "snapshot must not see later nodes")
	assert.Empty(t, snap.EdgesFrom(a))

	cur := b.View()
	_, ok = cur.Node(c)
	assert.True(t, ok)
	edges := cur.EdgesFrom(a)
	require.Len(t, edges, 1)
	assert.Equal(t, e, edges[0].ID)
	assert.Len(t, cur.EdgesTo(c), 1)

	past := b.Index.ViewAt(snap.Seq())
	assert.Len(t, past.Nodes(), 2)
}

func TestApplyIgnoresReplayedEvents(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	before := b.Index.Seq()

	n, _ := b.View().Node(keif)
	require.NoError(t, b.Index.Apply(store.Event{Seq: before, Kind: store.EventNode, Node: &n}))
	assert.Equal(t, before, b.Index.Seq())
	assert.Len(t, b.View().Nodes(), 1)
}

func TestRelationCharacteristics(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	v := b.View()

	assert.True(t, v.Relation(store.RelDisjoint).Symmetric)
	assert.False(t, v.Relation("likes").Symmetric)

	b.Declare(store.RelationType{Name: "likes", Symmetric: true, Creator: keif})
	b.Declare(store.RelationType{Name: "likes", Functional: true, Creator: keif})
	r := b.View().Relation("likes")
	assert.True(t, r.Symmetric)
	assert.False(t, r.Functional, "the earlier declaration wins")

	// an earlier declaration arriving late replaces the current one, but
	// views taken before it keep what they saw
	old := b.View()
	b.Declare(store.RelationType{Name: "likes", Transitive: true, Creator: keif, CreatedAt: 1})
	assert.True(t, b.View().Relation("likes").Transitive)
	assert.True(t, old.Relation("likes").Symmetric)
	assert.False(t, old.Relation("likes").Transitive)
	assert.Len(t, b.View().Relations(), 1)
}

func TestDisjointAndMembership(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	ana := b.Sovereign("ana")
	vegan := b.Aspect(keif, "vegan", store.AspectConstraint)
	carnivore := b.Aspect(keif, "carnivore", store.AspectPreference)
	b.Edge(vegan, carnivore, store.RelDisjoint, keif)

	family := b.Text(keif, "family pool")
	team := b.Text(keif, "cooking team")
	b.Edge(ana, team, store.RelMemberOf, ana)
	b.Edge(team, family, store.RelMemberOf, keif)

	v := b.View()
	assert.True(t, v.Disjoint(carnivore, vegan))
	assert.Equal(t, []string{carnivore}, v.DisjointWith(vegan))
	assert.True(t, v.IsMember(ana, family), "member_of is transitive")
	assert.False(t, v.IsMember(keif, family))
	assert.True(t, v.IsMember(keif, ""))
}

func TestRevokedAt(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	phone := b.Identity(store.Identity{Kind: store.Delegated, Name: "phone", Parent: keif, DelegationFactor: 0.8})
	b.EdgeAt(keif, phone, store.RelRevokes, keif, 5000)

	v := b.View()
	assert.False(t, v.RevokedAt(phone, 4999))
	assert.True(t, v.RevokedAt(phone, 5000))
	assert.False(t, v.RevokedAt(keif, 9999))
}

func TestCitedBy(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	via := b.Aspect(keif, "accurate", store.AspectValue)
	x := b.Text(keif, "x")
	y := b.Text(keif, "y")
	e := b.Edge(y, x, "supports", keif)
	before := b.View()

	a := b.Attest(keif, x, via, 0.8, 2000, e)
	assert.Empty(t, before.CitedBy(e), "snapshot must not see later citations")
	cited := b.View().CitedBy(e)
	require.Len(t, cited, 1)
	assert.Equal(t, a, cited[0].ID)
	assert.Empty(t, b.View().CitedBy(x))
}

func TestNavigable(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	assert.False(t, b.View().Navigable("parent_of"))

	b.Declare(store.RelationType{Name: "child_of", Inverse: "parent_of", Creator: keif})
	v := b.View()
	assert.True(t, v.Navigable("child_of"), "names an inverse")
	assert.True(t, v.Navigable("parent_of"), "is named as an inverse")
	assert.False(t, v.Navigable("next"))
}

func TestRotated(t *testing.T) {
	b := graphtest.New(t)
	ana := b.Sovereign("ana")
	ana2 := b.Sovereign("ana-2")
	mallory := b.Sovereign("mallory")
	b.Edge(mallory, ana2, store.RelRotatesTo, ana2)
	v := b.View()
	assert.False(t, v.Rotated(ana))
	assert.False(t, v.Rotated(mallory), "only the identity itself can rotate its key")

	b.Edge(ana, ana2, store.RelRotatesTo, ana)
	v = b.View()
	assert.True(t, v.Rotated(ana))
	assert.False(t, v.Rotated(ana2))
}
