package engine

import (
	"fmt"
	"time"

	"github.com/lazypower/wellspring/internal/constraint"
	"github.com/lazypower/wellspring/internal/salience"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/traversal"
	"github.com/lazypower/wellspring/internal/trust"
)

// at resolves a query time. Zero means now, rounded up to the clock
// resolution so repeated reads hit the same memoized scores and nothing
// already written falls after it.
func (e *Engine) at(at int64) int64 {
	if at > 0 {
		return at
	}
	now := e.now()
	if res := e.Tuning().Trust.ClockResolution.Milliseconds(); res > 1 {
		if r := now % res; r != 0 {
			now += res - r
		}
	}
	return now
}

// Trust scores a subject for an observer. A zero At means now.
func (e *Engine) Trust(q trust.Query) trust.Score {
	q.At = e.at(q.At)
	return e.trust.Trust(e.View(), q)
}

// Groundedness evaluates one attestation against the latest view.
func (e *Engine) Groundedness(attestation string) trust.Grounding {
	return e.trust.Groundedness(e.View(), attestation)
}

// IdentityTrust is the observer's trust in an identity.
func (e *Engine) IdentityTrust(observer, identity string, at int64) float64 {
	return e.trust.IdentityTrust(e.View(), observer, identity, e.at(at))
}

// Waterline returns the observer's k most salient nodes.
func (e *Engine) Waterline(observer string, at int64, k int) []salience.Entry {
	start := time.Now()
	defer func() { e.metrics.WaterlineLatency.Observe(time.Since(start).Seconds()) }()
	return e.salience.Waterline(e.View(), observer, e.at(at), k)
}

// Salience returns one node's salience for an observer.
func (e *Engine) Salience(observer, node string, at int64) salience.Entry {
	return e.salience.Salience(e.View(), observer, node, e.at(at))
}

// Context returns the observer's current context nodes.
func (e *Engine) Context(observer string) []string {
	return e.salience.Context(observer)
}

// Rerank orders retrieval candidates by path cost from a context node. An
// empty context falls back to the observer's first context node.
func (e *Engine) Rerank(observer, context string, candidates []string, at int64) []traversal.Ranked {
	if context == "" {
		if ctxNodes := e.salience.Context(observer); len(ctxNodes) > 0 {
			context = ctxNodes[0]
		}
	}
	return e.traversal.Rerank(e.View(), observer, context, candidates, e.at(at))
}

// DecisionRequest asks which candidates survive must and how prefer ranks
// them. Composite names a composite aspect whose expression and mode fill
// Must or Prefer.
type DecisionRequest struct {
	Observer   string      `json:"observer" validate:"required"`
	Pool       string      `json:"pool,omitempty"`
	Candidates []string    `json:"candidates" validate:"required,min=1"`
	Must       *store.Expr `json:"must,omitempty"`
	Prefer     *store.Expr `json:"prefer,omitempty"`
	Composite  string      `json:"composite,omitempty"`
	At         int64       `json:"at,omitempty"`
}

// EvaluateDecision filters and ranks candidates for an observer and reports
// disjointness contradictions among the candidates' current attestations.
func (e *Engine) EvaluateDecision(req DecisionRequest) (constraint.Decision, error) {
	v := e.View()
	if req.Composite != "" {
		a := v.Aspect(req.Composite)
		if a == nil || a.Type != store.AspectComposite || a.Expression == nil {
			return constraint.Decision{}, fmt.Errorf("%w: composite aspect %s", store.ErrNotFound, req.Composite)
		}
		if a.Mode == store.ModeMust {
			req.Must = a.Expression
		} else {
			req.Prefer = a.Expression
		}
	}
	for _, expr := range []*store.Expr{req.Must, req.Prefer} {
		if expr == nil {
			continue
		}
		if err := expr.Validate(); err != nil {
			return constraint.Decision{}, err
		}
	}

	at := e.at(req.At)
	r := constraint.ViewResolver{View: v, Trust: e.trust, Observer: req.Observer, Pool: req.Pool, At: at}
	d := e.evaluator().Decide(req.Candidates, req.Must, req.Prefer, r)
	threshold := e.Tuning().Constraint.DisjointThreshold
	for _, c := range d.Ranked {
		d.Contradictions = append(d.Contradictions, constraint.CheckDisjoint(v, c.ID, threshold, at)...)
	}
	return d, nil
}
