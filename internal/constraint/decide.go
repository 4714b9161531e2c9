package constraint

import (
	"sort"

	"github.com/lazypower/wellspring/internal/store"
)

// Ranked is a candidate that survived the must filter.
type Ranked struct {
	ID      string  `json:"id"`
	Prefer  Result  `json:"prefer"`
	Must    Result  `json:"must"`
	Support float64 `json:"support"`
}

// VetoedCandidate is a candidate eliminated by the must expression. It is
// an expected outcome, not a failure.
type VetoedCandidate struct {
	ID       string   `json:"id"`
	Must     Result   `json:"must"`
	VetoedBy []string `json:"vetoed_by,omitempty"`
}

// Decision is the outcome of filtering and ranking a candidate set.
type Decision struct {
	Ranked         []Ranked              `json:"ranked"`
	Vetoed         []VetoedCandidate     `json:"vetoed"`
	Contradictions []store.Contradiction `json:"contradictions,omitempty"`
}

// Decide filters candidates by must and ranks survivors by prefer. An
// unknown must result passes the filter. Survivors with a known prefer
// value come first, highest first; ties fall to support, then id.
func (ev Evaluator) Decide(candidates []string, must, prefer *store.Expr, r Resolver) Decision {
	d := Decision{Ranked: []Ranked{}, Vetoed: []VetoedCandidate{}}
	seen := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true

		m := ev.Evaluate(must, store.ModeMust, id, r)
		if m.Vetoed || (m.Known && m.Value <= ev.VetoThreshold) {
			d.Vetoed = append(d.Vetoed, VetoedCandidate{ID: id, Must: m, VetoedBy: m.VetoedBy})
			continue
		}
		d.Ranked = append(d.Ranked, Ranked{
			ID:      id,
			Must:    m,
			Prefer:  ev.Evaluate(prefer, store.ModePrefer, id, r),
			Support: r.Support(id),
		})
	}

	sort.SliceStable(d.Ranked, func(i, j int) bool {
		a, b := d.Ranked[i], d.Ranked[j]
		if a.Prefer.Known != b.Prefer.Known {
			return a.Prefer.Known
		}
		if a.Prefer.Known && a.Prefer.Value != b.Prefer.Value {
			return a.Prefer.Value > b.Prefer.Value
		}
		if a.Support != b.Support {
			return a.Support > b.Support
		}
		return a.ID < b.ID
	})
	sort.Slice(d.Vetoed, func(i, j int) bool { return d.Vetoed[i].ID < d.Vetoed[j].ID })
	return d
}
