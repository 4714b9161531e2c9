package traversal

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/graph/graphtest"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/trust"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	tuning := config.DefaultTuning()
	te, err := trust.New(tuning.Trust)
	require.NoError(t, err)
	e, err := New(tuning.Traversal, te, nil)
	require.NoError(t, err)
	return e
}

func walk(b *graphtest.Builder, e *Engine, id, observer string, at int64, path ...string) {
	tr := b.Traverse(id, observer, at, path...)
	e.Apply(b.View(), store.Event{Seq: b.Index.Seq(), Kind: store.EventTraversal, RefID: tr.ID, Traversal: &tr})
}

func addEdge(b *graphtest.Builder, e *Engine, from, to, rel, creator string) string {
	id := b.Edge(from, to, rel, creator)
	edge, _ := b.View().Edge(id)
	e.Apply(b.View(), store.Event{Seq: b.Index.Seq(), Kind: store.EventEdge, RefID: id, Edge: &edge})
	return id
}

// diamond builds two disjoint three-hop paths from src to t1 and t2.
func diamond(t *testing.T) (b *graphtest.Builder, keif, src string, p1, p2 []string) {
	b = graphtest.New(t)
	keif = b.Sovereign("keif")
	src = b.Text(keif, "src")
	a := b.Text(keif, "a")
	bb := b.Text(keif, "b")
	t1 := b.Text(keif, "t1")
	c := b.Text(keif, "c")
	d := b.Text(keif, "d")
	t2 := b.Text(keif, "t2")
	for _, p := range [][2]string{{src, a}, {a, bb}, {bb, t1}, {src, c}, {c, d}, {d, t2}} {
		b.Edge(p[0], p[1], "next", keif)
	}
	return b, keif, src, []string{src, a, bb, t1}, []string{src, c, d, t2}
}

func TestWeightFormula(t *testing.T) {
	tuning := config.DefaultTuning().Traversal
	assert.Equal(t, tuning.BaseCost, Weight(tuning, nil, 1000))

	u := &Usage{Count: 1, Last: 1000}
	want := 1 / (1 + 1 + 0.5*math.Log(2))
	assert.InDelta(t, want, Weight(tuning, u, 1000), 1e-12)
	assert.InDelta(t, want, Weight(tuning, u, 500), 1e-12, "future usage clamps to no decay")

	later := 1000 + tuning.RecencyHalfLife.Milliseconds()
	assert.InDelta(t, 1/(1+0.5+0.5*math.Log(2)), Weight(tuning, u, later), 1e-12)
}

func TestTraversalReinforcesPath(t *testing.T) {
	b, keif, src, p1, p2 := diamond(t)
	e := testEngine(t)
	at := int64(10_000)

	before, ok := e.Cost(b.View(), keif, src, p1[3], at)
	require.True(t, ok)
	assert.InDelta(t, 3.0, before, 1e-9)

	walk(b, e, "t1", keif, at-300, p1...)
	walk(b, e, "t2", keif, at-200, p1...)
	walk(b, e, "t3", keif, at-100, p1...)

	after, _ := e.Cost(b.View(), keif, src, p1[3], at)
	other, _ := e.Cost(b.View(), keif, src, p2[3], at)
	assert.Less(t, after, before)
	assert.Less(t, after, other)
	assert.InDelta(t, 3.0, other, 1e-9)

	ranked := e.Rerank(b.View(), keif, src, []string{p2[3], p1[3]}, at)
	require.Len(t, ranked, 2)
	assert.Equal(t, p1[3], ranked[0].Node)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestRepairMatchesRebuild(t *testing.T) {
	b, keif, src, p1, p2 := diamond(t)
	cached := testEngine(t)
	at := int64(10_000)
	_, _ = cached.Cost(b.View(), keif, src, p1[3], at)

	fresh := testEngine(t)
	for i, id := range []string{"t1", "t2"} {
		tr := b.Traverse(id, keif, at-int64(100*(i+1)), p1...)
		ev := store.Event{Seq: b.Index.Seq(), Kind: store.EventTraversal, Traversal: &tr}
		cached.Apply(b.View(), ev)
		fresh.Apply(b.View(), ev)
	}
	shortcut := b.Edge(p2[1], p1[3], "next", keif)
	edge, _ := b.View().Edge(shortcut)
	ev := store.Event{Seq: b.Index.Seq(), Kind: store.EventEdge, Edge: &edge}
	cached.Apply(b.View(), ev)
	fresh.Apply(b.View(), ev)

	for _, n := range append(p1, p2...) {
		want, wok := fresh.Cost(b.View(), keif, src, n, at)
		got, gok := cached.Cost(b.View(), keif, src, n, at)
		assert.Equal(t, wok, gok)
		assert.InDelta(t, want, got, 1e-12, n)
	}
}

func TestReverseHopsCostMore(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	x := b.Text(keif, "x")
	y := b.Text(keif, "y")
	z := b.Text(keif, "z")
	b.Edge(x, y, "next", keif)
	b.Edge(y, z, "near", keif)
	b.Declare(store.RelationType{Name: "near", Symmetric: true, Creator: keif})

	e := testEngine(t)
	fwd, _ := e.Cost(b.View(), keif, x, y, 1000)
	rev, _ := e.Cost(b.View(), keif, y, x, 1000)
	sym, _ := e.Cost(b.View(), keif, z, y, 1000)
	assert.InDelta(t, 1.0, fwd, 1e-9)
	assert.InDelta(t, 1.5, rev, 1e-9)
	assert.InDelta(t, 1.0, sym, 1e-9)
}

func TestDeclaredInverseReadsBothWays(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	x := b.Text(keif, "x")
	y := b.Text(keif, "y")
	b.Edge(x, y, "parent_of", keif)

	e := testEngine(t)
	rev, ok := e.Cost(b.View(), keif, y, x, 1000)
	require.True(t, ok)
	assert.InDelta(t, 1.5, rev, 1e-9)

	child := store.RelationType{Name: "child_of", Inverse: "parent_of", Creator: keif}
	b.Declare(child)
	e.Apply(b.View(), store.Event{Seq: b.Index.Seq(), Kind: store.EventRelation, RefID: child.Name, Relation: &child})
	rev, ok = e.Cost(b.View(), keif, y, x, 1000)
	require.True(t, ok)
	assert.InDelta(t, 1.0, rev, 1e-9, "parent_of is named as an inverse, so it reads backward at no premium")
}

func TestUnreachableCandidatesRankLast(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	x := b.Text(keif, "x")
	y := b.Text(keif, "y")
	lost := b.Text(keif, "lost")
	b.Edge(x, y, "next", keif)

	e := testEngine(t)
	ranked := e.Rerank(b.View(), keif, x, []string{lost, y, y}, 1000)
	require.Len(t, ranked, 2)
	assert.Equal(t, y, ranked[0].Node)
	assert.True(t, ranked[0].Reachable)
	assert.False(t, ranked[1].Reachable)
	assert.Zero(t, ranked[1].Score)
}

func TestNewEdgeAndDormancy(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	via := b.Aspect(keif, "relevant", store.AspectValue)
	x := b.Text(keif, "x")
	y := b.Text(keif, "y")
	e := testEngine(t)

	_, ok := e.Cost(b.View(), keif, x, y, 1000)
	assert.False(t, ok)

	edge := addEdge(b, e, x, y, "next", keif)
	cost, ok := e.Cost(b.View(), keif, x, y, 1000)
	require.True(t, ok, "new edges repair into the cached tree")
	assert.InDelta(t, 1.0, cost, 1e-9)

	id := b.Attest(keif, edge, via, 0, 900)
	a, _ := b.View().Attestation(id)
	e.Apply(b.View(), store.Event{Seq: b.Index.Seq(), Kind: store.EventAttestation, Attestation: &a})
	_, ok = e.Cost(b.View(), keif, x, y, 1000)
	assert.False(t, ok, "a dormant edge is not walked")
}

func TestReplayedTraversalCountsOnce(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	x := b.Text(keif, "x")
	y := b.Text(keif, "y")
	edge := b.Edge(x, y, "next", keif)

	e := testEngine(t)
	tr := b.Traverse("t1", keif, 1000, x, y)
	for range 3 {
		e.Apply(b.View(), store.Event{Seq: b.Index.Seq(), Kind: store.EventTraversal, Traversal: &tr})
	}
	assert.Equal(t, Usage{Count: 1, Last: 1000}, e.Usage(keif, edge))
}

func TestOldTreesAreRebuilt(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	x := b.Text(keif, "x")
	y := b.Text(keif, "y")
	b.Edge(x, y, "next", keif)

	e := testEngine(t)
	walk(b, e, "t1", keif, 0, x, y)
	hot, _ := e.Cost(b.View(), keif, x, y, 0)

	cold, _ := e.Cost(b.View(), keif, x, y, (30 * 24 * time.Hour).Milliseconds())
	assert.Greater(t, cold, hot, "recency fades once the tree is rebuilt")
}

func TestSnapshotRestore(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	x := b.Text(keif, "x")
	y := b.Text(keif, "y")
	edge := b.Edge(x, y, "next", keif)

	e := testEngine(t)
	walk(b, e, "t1", keif, 1000, x, y)
	rows, err := e.Snapshot()
	require.NoError(t, err)

	restored := testEngine(t)
	low, err := restored.Restore(rows)
	require.NoError(t, err)
	assert.Equal(t, b.Index.Seq(), low)
	assert.Equal(t, e.Usage(keif, edge), restored.Usage(keif, edge))
}
