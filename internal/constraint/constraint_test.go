package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/graph/graphtest"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/trust"
)

// table is a fixed Resolver: values[subject][aspect].
type table struct {
	values  map[string]map[string]float64
	types   map[string]store.AspectType
	support map[string]float64
}

func (t table) Value(subject, aspect string) (float64, bool) {
	v, ok := t.values[subject][aspect]
	return v, ok
}

func (t table) AspectType(aspect string) store.AspectType { return t.types[aspect] }
func (t table) Support(subject string) float64 { return t.support[subject] }

var ev = Evaluator{VetoThreshold: -1.0}

func TestVetoExcludesCandidate(t *testing.T) {
	r := table{
		values: map[string]map[string]float64{
			"O1": {"a": 0.8, "b": 0.9, "c": 0.7},
			"O2": {"a": -1.0, "b": 0.9, "c": 0.8},
		},
		types: map[string]store.AspectType{"a": store.AspectConstraint, "b": store.AspectConstraint, "c": store.AspectConstraint},
	}
	must := store.Intersection(store.Leaf("a"), store.Leaf("b"), store.Leaf("c"))

	d := ev.Decide([]string{"O1", "O2"}, must, nil, r)
	require.Len(t, d.Ranked, 1)
	assert.Equal(t, "O1", d.Ranked[0].ID)
	assert.InDelta(t, 0.7, d.Ranked[0].Must.Value, 1e-9)
	require.Len(t, d.Vetoed, 1)
	assert.Equal(t, "O2", d.Vetoed[0].ID)
	assert.Equal(t, []string{"a"}, d.Vetoed[0].VetoedBy)
}

func TestMustOperators(t *testing.T) {
	r := table{
		values: map[string]map[string]float64{
			"s": {"a": 0.2, "b": 0.6, "v": -1.0},
		},
		types: map[string]store.AspectType{"v": store.AspectConstraint},
	}

	res := ev.Evaluate(store.Union(store.Leaf("a"), store.Leaf("b")), store.ModeMust, "s", r)
	assert.InDelta(t, 0.6, res.Value, 1e-9)

	res = ev.Evaluate(store.Complement(store.Leaf("a")), store.ModeMust, "s", r)
	assert.InDelta(t, -0.2, res.Value, 1e-9)

	res = ev.Evaluate(store.Union(store.Leaf("v"), store.Leaf("b")), store.ModeMust, "s", r)
	assert.False(t, res.Vetoed, "a surviving alternative rescues a union")
	assert.InDelta(t, 0.6, res.Value, 1e-9)

	res = ev.Evaluate(store.Intersection(store.Leaf("b"), store.Union(store.Leaf("v"))), store.ModeMust, "s", r)
	assert.True(t, res.Vetoed)
	assert.Equal(t, []string{"v"}, res.VetoedBy)
}

func TestComplementRederivesVeto(t *testing.T) {
	r := table{
		values: map[string]map[string]float64{
			"free":  {"banned": -1.0, "a": 0.5},
			"taken": {"banned": 1.0, "a": 0.5},
		},
		types: map[string]store.AspectType{"banned": store.AspectConstraint},
	}
	must := store.Intersection(store.Complement(store.Leaf("banned")), store.Leaf("a"))

	res := ev.Evaluate(must, store.ModeMust, "free", r)
	assert.False(t, res.Vetoed, "negating a vetoed constraint satisfies it")
	assert.Empty(t, res.VetoedBy)
	assert.InDelta(t, 0.5, res.Value, 1e-9)

	res = ev.Evaluate(must, store.ModeMust, "taken", r)
	assert.True(t, res.Vetoed)
	assert.Equal(t, []string{"banned"}, res.VetoedBy)

	d := ev.Decide([]string{"free", "taken"}, must, nil, r)
	require.Len(t, d.Ranked, 1)
	assert.Equal(t, "free", d.Ranked[0].ID)
	require.Len(t, d.Vetoed, 1)
	assert.Equal(t, "taken", d.Vetoed[0].ID)
}

func TestVetoOnlyFromConstraintAspects(t *testing.T) {
	r := table{
		values: map[string]map[string]float64{"s": {"mood": -1.0, "b": 0.5}},
		types:  map[string]store.AspectType{"mood": store.AspectMood},
	}
	res := ev.Evaluate(store.Intersection(store.Leaf("mood"), store.Leaf("b")), store.ModeMust, "s", r)
	assert.False(t, res.Vetoed)
	assert.InDelta(t, -1.0, res.Value, 1e-9)

	d := ev.Decide([]string{"s"}, store.Intersection(store.Leaf("mood"), store.Leaf("b")), nil, r)
	assert.Len(t, d.Vetoed, 1, "a must value at the threshold still filters")
}

func TestPreferIsWeightedMean(t *testing.T) {
	r := table{values: map[string]map[string]float64{"s": {"a": 1.0, "b": 0.0}}}
	a := store.Leaf("a")
	a.Weight = 3
	res := ev.Evaluate(store.Intersection(a, store.Leaf("b")), store.ModePrefer, "s", r)
	assert.InDelta(t, 0.75, res.Value, 1e-9)

	res = ev.Evaluate(store.Union(store.Leaf("a"), store.Leaf("b")), store.ModePrefer, "s", r)
	assert.InDelta(t, 0.5, res.Value, 1e-9)
}

func TestUnknownIsNotZero(t *testing.T) {
	r := table{
		values: map[string]map[string]float64{"s": {"a": 0.4}},
		types:  map[string]store.AspectType{"missing": store.AspectConstraint},
	}
	res := ev.Evaluate(store.Intersection(store.Leaf("a"), store.Leaf("missing")), store.ModeMust, "s", r)
	assert.True(t, res.Known)
	assert.InDelta(t, 0.4, res.Value, 1e-9, "unknown components are skipped")

	res = ev.Evaluate(store.Leaf("missing"), store.ModeMust, "s", r)
	assert.False(t, res.Known)
	assert.False(t, res.Vetoed)

	d := ev.Decide([]string{"s", "t"}, store.Leaf("missing"), nil, r)
	assert.Len(t, d.Ranked, 2, "unknown must never vetoes")
}

func TestRankingOrder(t *testing.T) {
	r := table{
		values: map[string]map[string]float64{
			"x": {"p": 0.5},
			"y": {"p": 0.9},
			"z": {"p": 0.5},
			"w": {},
		},
		support: map[string]float64{"x": 0.1, "z": 0.4},
	}
	d := ev.Decide([]string{"x", "w", "y", "z", "x"}, nil, store.Leaf("p"), r)
	var ids []string
	for _, c := range d.Ranked {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"y", "z", "x", "w"}, ids)
}

func TestCheckDisjoint(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	vegan := b.Aspect(keif, "vegan", store.AspectConstraint)
	carnivore := b.Aspect(keif, "carnivore", store.AspectPreference)
	spicy := b.Aspect(keif, "spicy", store.AspectPreference)
	b.Edge(vegan, carnivore, store.RelDisjoint, keif)
	dish := b.Text(keif, "tofu steak")

	a1 := b.Attest(keif, dish, vegan, 0.9, 2000)
	b.Attest(keif, dish, spicy, 0.9, 2000)
	assert.Empty(t, CheckDisjoint(b.View(), dish, 0.5, 0))

	b.Attest(keif, dish, carnivore, 0.4, 2100)
	assert.Empty(t, CheckDisjoint(b.View(), dish, 0.5, 0), "below threshold")

	a3 := b.Attest(keif, dish, carnivore, 0.6, 2200)
	got := CheckDisjoint(b.View(), dish, 0.5, 0)
	require.Len(t, got, 1)
	assert.Equal(t, KindDisjoint, got[0].Kind)
	assert.ElementsMatch(t, []string{a1, a3}, []string{got[0].A, got[0].B})
}

func TestCheckEdgeCharacteristics(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	b.Declare(store.RelationType{Name: "born_in", Functional: true, Creator: keif})
	b.Declare(store.RelationType{Name: "parent_of", Antisymmetric: true, Creator: keif})
	ana := b.Text(keif, "ana")
	lisbon := b.Text(keif, "lisbon")
	porto := b.Text(keif, "porto")
	bea := b.Text(keif, "bea")

	b.Edge(ana, lisbon, "born_in", keif)
	second := b.Edge(ana, porto, "born_in", keif)
	e, _ := b.View().Edge(second)
	got := CheckEdge(b.View(), e)
	require.Len(t, got, 1)
	assert.Equal(t, KindFunctional, got[0].Kind)

	b.Edge(ana, bea, "parent_of", keif)
	back := b.Edge(bea, ana, "parent_of", keif)
	e, _ = b.View().Edge(back)
	got = CheckEdge(b.View(), e)
	require.Len(t, got, 1)
	assert.Equal(t, KindAntisymmetric, got[0].Kind)
}

func TestViewResolverUsesObserverTrust(t *testing.T) {
	b := graphtest.New(t)
	keif := b.Sovereign("keif")
	nuts := b.Aspect(keif, "nut-free", store.AspectConstraint)
	tasty := b.Aspect(keif, "tasty", store.AspectPreference)
	pesto := b.Text(keif, "pesto")
	salsa := b.Text(keif, "salsa")
	b.Attest(keif, pesto, nuts, -1.0, 2000)
	b.Attest(keif, salsa, nuts, 1.0, 2000)
	b.Attest(keif, pesto, tasty, 1.0, 2000)
	b.Attest(keif, salsa, tasty, 0.6, 2000)

	eng, err := trust.New(config.DefaultTuning().Trust)
	require.NoError(t, err)
	r := ViewResolver{View: b.View(), Trust: eng, Observer: keif}

	d := ev.Decide([]string{pesto, salsa}, store.Leaf(nuts), store.Leaf(tasty), r)
	require.Len(t, d.Ranked, 1)
	assert.Equal(t, salsa, d.Ranked[0].ID)
	assert.InDelta(t, 0.6, d.Ranked[0].Prefer.Value, 1e-9)
	assert.Greater(t, d.Ranked[0].Support, 0.0)
	require.Len(t, d.Vetoed, 1)
	assert.Equal(t, pesto, d.Vetoed[0].ID)
}
