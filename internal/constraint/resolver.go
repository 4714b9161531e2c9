package constraint

import (
	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/trust"
)

// ViewResolver reads aspect values from the graph as one observer sees it:
// the trust-weighted consensus of the current attestations via the aspect.
type ViewResolver struct {
	View     *graph.View
	Trust    *trust.Engine
	Observer string
	Pool     string
	At       int64
}

func (r ViewResolver) Value(subject, aspect string) (float64, bool) {
	s := r.Trust.Trust(r.View, trust.Query{
		Subject:  subject,
		Observer: r.Observer,
		Pool:     r.Pool,
		At:       r.At,
		Via:      aspect,
	})
	return s.Belief, s.Known
}

func (r ViewResolver) AspectType(aspect string) store.AspectType {
	if a := r.View.Aspect(aspect); a != nil {
		return a.Type
	}
	return ""
}

// Support returns identity trust × groundedness of the best-grounded
// positive attestation on the subject, 0 when there is none.
func (r ViewResolver) Support(subject string) float64 {
	s := r.Trust.Trust(r.View, trust.Query{Subject: subject, Observer: r.Observer, Pool: r.Pool, At: r.At})
	var best *trust.Contribution
	for i := range s.Contributors {
		c := &s.Contributors[i]
		if c.Weight <= 0 {
			continue
		}
		if best == nil || c.Groundedness > best.Groundedness ||
			(c.Groundedness == best.Groundedness && c.Attestation < best.Attestation) {
			best = c
		}
	}
	if best == nil {
		return 0
	}
	return best.IdentityTrust * best.Groundedness
}
