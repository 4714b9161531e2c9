// Package constraint evaluates composite aspect expressions and runs the
// must/prefer decision pipeline over candidate sets.
//
// The world is open: a missing attestation on (subject, aspect) is unknown,
// and unknown components are skipped rather than read as zero.
package constraint

import (
	"math"

	"github.com/lazypower/wellspring/internal/store"
)

// Resolver supplies per-aspect values for subjects.
type Resolver interface {
	// Value is the current weight on (subject, aspect); false when unknown.
	Value(subject, aspect string) (float64, bool)
	// AspectType classifies an aspect; a constraint-typed aspect can veto.
	AspectType(aspect string) store.AspectType
	// Support is the trust of the best-grounded attestation backing the
	// subject, used to break ranking ties.
	Support(subject string) float64
}

// Result is the value of an expression for one subject.
type Result struct {
	Value    float64  `json:"value"`
	Known    bool     `json:"known"`
	Vetoed   bool     `json:"vetoed,omitempty"`
	VetoedBy []string `json:"vetoed_by,omitempty"`
}

// Evaluator holds the thresholds an evaluation runs with.
type Evaluator struct {
	VetoThreshold float64
}

// Evaluate computes an expression for a subject under a mode.
func (ev Evaluator) Evaluate(expr *store.Expr, mode store.Mode, subject string, r Resolver) Result {
	if expr == nil {
		return Result{}
	}
	if mode == store.ModePrefer {
		return ev.prefer(expr, subject, r)
	}
	return ev.must(expr, subject, r)
}

func (ev Evaluator) leaf(expr *store.Expr, subject string, r Resolver) Result {
	v, ok := r.Value(subject, expr.Aspect)
	if !ok {
		return Result{}
	}
	res := Result{Value: v, Known: true}
	if r.AspectType(expr.Aspect) == store.AspectConstraint && v <= ev.VetoThreshold {
		res.Vetoed = true
		res.VetoedBy = []string{expr.Aspect}
	}
	return res
}

// must: intersection is min, union is max, complement negates. A veto
// anywhere under an intersection eliminates the subject; under a union it
// only does when every known alternative is vetoed. A complement vetoes
// on its own negated value, never on the veto it negates.
func (ev Evaluator) must(expr *store.Expr, subject string, r Resolver) Result {
	switch expr.Op {
	case store.OpAspect:
		return ev.leaf(expr, subject, r)
	case store.OpComplement:
		res := ev.must(expr.Args[0], subject, r)
		res.Value = -res.Value
		res.Vetoed, res.VetoedBy = false, nil
		if res.Known && res.Value <= ev.VetoThreshold {
			res.VetoedBy = constraints(expr.Args[0], r)
			res.Vetoed = len(res.VetoedBy) > 0
		}
		return res
	case store.OpIntersection, store.OpUnion:
		var out Result
		allVetoed := true
		for _, arg := range expr.Args {
			c := ev.must(arg, subject, r)
			if !c.Known {
				continue
			}
			if !out.Known {
				out.Value, out.Known = c.Value, true
			} else if expr.Op == store.OpIntersection {
				out.Value = math.Min(out.Value, c.Value)
			} else {
				out.Value = math.Max(out.Value, c.Value)
			}
			out.VetoedBy = append(out.VetoedBy, c.VetoedBy...)
			if c.Vetoed {
				out.Vetoed = out.Vetoed || expr.Op == store.OpIntersection
			} else {
				allVetoed = false
			}
		}
		if expr.Op == store.OpUnion {
			out.Vetoed = out.Known && allVetoed
		}
		if !out.Vetoed {
			out.VetoedBy = nil
		}
		return out
	}
	return Result{}
}

// constraints lists the constraint-typed aspects under an expression.
func constraints(expr *store.Expr, r Resolver) []string {
	if expr.Op == store.OpAspect {
		if r.AspectType(expr.Aspect) == store.AspectConstraint {
			return []string{expr.Aspect}
		}
		return nil
	}
	var out []string
	for _, arg := range expr.Args {
		out = append(out, constraints(arg, r)...)
	}
	return out
}

// prefer: every operator is a weighted mean of its known components.
func (ev Evaluator) prefer(expr *store.Expr, subject string, r Resolver) Result {
	switch expr.Op {
	case store.OpAspect:
		res := ev.leaf(expr, subject, r)
		res.Vetoed, res.VetoedBy = false, nil
		return res
	case store.OpComplement:
		res := ev.prefer(expr.Args[0], subject, r)
		res.Value = -res.Value
		return res
	case store.OpIntersection, store.OpUnion:
		var sum, weights float64
		for _, arg := range expr.Args {
			c := ev.prefer(arg, subject, r)
			if !c.Known {
				continue
			}
			w := arg.Weight
			if w == 0 {
				w = 1
			}
			sum += w * c.Value
			weights += w
		}
		if weights == 0 {
			return Result{}
		}
		return Result{Value: sum / weights, Known: true}
	}
	return Result{}
}
