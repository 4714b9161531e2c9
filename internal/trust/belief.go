package trust

import (
	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
)

// Belief is an observer's current word on a subject. Known is false when
// the observer never attested it; the weight is then meaningless and must
// not be read as zero.
type Belief struct {
	Weight      float64 `json:"weight"`
	Known       bool    `json:"known"`
	At          int64   `json:"at,omitempty"`
	Via         string  `json:"via,omitempty"`
	Attestation string  `json:"attestation,omitempty"`
}

// LatestBelief is the observer's attestation on subject with the latest at
// not after the bound, across every aspect. Ties break by id, so the answer
// does not depend on the order earlier writes arrived in.
func LatestBelief(v *graph.View, observer, subject string, at int64) Belief {
	return latest(v, observer, subject, "", at)
}

// LatestBeliefVia is LatestBelief restricted to one aspect.
func LatestBeliefVia(v *graph.View, observer, subject, via string, at int64) Belief {
	return latest(v, observer, subject, via, at)
}

func latest(v *graph.View, observer, subject, via string, at int64) Belief {
	var found bool
	var best store.Attestation
	for _, a := range v.AttestationsOn(subject) {
		if a.By != observer || (via != "" && a.Via != via) || (at != 0 && a.At > at) {
			continue
		}
		if !found || newer(a, best) {
			best, found = a, true
		}
	}
	if !found {
		return Belief{}
	}
	return Belief{Weight: best.Weight, Known: true, At: best.At, Via: best.Via, Attestation: best.ID}
}
