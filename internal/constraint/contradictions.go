package constraint

import (
	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/trust"
)

// Contradiction kinds.
const (
	KindDisjoint      = "disjoint"
	KindFunctional    = "functional"
	KindAntisymmetric = "antisymmetric"
)

// CheckDisjoint reports every pair of current attestations on a subject
// that assert at least threshold through aspects declared disjoint.
func CheckDisjoint(v *graph.View, subject string, threshold float64, at int64) []store.Contradiction {
	var strong []store.Attestation
	for _, a := range trust.Applicable(v, subject, at) {
		if a.Weight >= threshold {
			strong = append(strong, a)
		}
	}
	var out []store.Contradiction
	for i := 0; i < len(strong); i++ {
		for j := i + 1; j < len(strong); j++ {
			a, b := strong[i], strong[j]
			if a.Via == b.Via || !v.Disjoint(a.Via, b.Via) {
				continue
			}
			out = append(out, contradiction(KindDisjoint, subject, a.ID, b.ID))
		}
	}
	return out
}

// CheckEdge reports an edge that breaks the declared characteristics of
// its relation: a second target from one source on a functional relation,
// or a reverse edge on an antisymmetric one.
func CheckEdge(v *graph.View, e store.Edge) []store.Contradiction {
	rel := v.Relation(e.Relation)
	var out []store.Contradiction
	if rel.Functional {
		for _, other := range v.EdgesFrom(e.From) {
			if other.ID != e.ID && other.Relation == e.Relation && other.To != e.To {
				out = append(out, contradiction(KindFunctional, e.From, other.ID, e.ID))
			}
		}
	}
	if rel.Antisymmetric && e.From != e.To {
		for _, other := range v.EdgesFrom(e.To) {
			if other.Relation == e.Relation && other.To == e.From {
				out = append(out, contradiction(KindAntisymmetric, e.From, other.ID, e.ID))
			}
		}
	}
	return out
}

func contradiction(kind, subject, a, b string) store.Contradiction {
	if b < a {
		a, b = b, a
	}
	id, _ := store.ContradictionID(kind, subject, a, b)
	return store.Contradiction{ID: id, Kind: kind, Subject: subject, A: a, B: b}
}
