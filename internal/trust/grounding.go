package trust

import (
	"fmt"
	"math"
	"sort"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
)

// Grounding is how well an attestation's belief is supported by the edges
// it names in because.
type Grounding struct {
	Value  float64 `json:"value"`
	Anchor bool    `json:"anchor,omitempty"`
	Cycles int     `json:"cycles,omitempty"`
	Depth  int     `json:"depth"`
	Deep   bool    `json:"deep,omitempty"`
}

// Groundedness evaluates an attestation with the online depth budget, or
// returns the deeper background result while it still holds for the view.
func (e *Engine) Groundedness(v *graph.View, attestation string) Grounding {
	e.mu.RLock()
	d, ok := e.deep[attestation]
	e.mu.RUnlock()
	if ok && d.holds(v) {
		return d.g
	}

	key := fmt.Sprintf("%d|%s", v.Seq(), attestation)
	if g, ok := e.groundings.Get(key); ok {
		return g
	}
	t := e.Tuning()
	g, _ := e.ground(v, attestation, t.MaxDepth, t)
	e.groundings.Add(key, g)
	return g
}

// holds reports whether nothing the result was computed from has been
// attested since: the because graph it walked is unchanged in the view.
func (d deepEntry) holds(v *graph.View) bool {
	if d.seq > v.Seq() {
		return false
	}
	for _, edge := range d.closure {
		if v.AttestedSince(edge, d.seq) {
			return false
		}
	}
	return true
}

// Deepen evaluates attestations with the background depth budget and keeps
// the results for later views until their because graph changes. Scores
// memoized on the shallower values are dropped.
func (e *Engine) Deepen(v *graph.View, attestations []string) {
	t := e.Tuning()
	results := make(map[string]deepEntry, len(attestations))
	for _, id := range attestations {
		g, closure := e.ground(v, id, t.DeepMaxDepth, t)
		g.Deep = true
		results[id] = deepEntry{seq: v.Seq(), g: g, closure: closure}
	}
	e.mu.Lock()
	for id, d := range results {
		e.deep[id] = d
	}
	e.mu.Unlock()
	e.scores.Purge()
}

// PruneDeep drops background results that no longer hold for the view.
func (e *Engine) PruneDeep(v *graph.View) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, d := range e.deep {
		if !d.holds(v) {
			delete(e.deep, id)
		}
	}
}

// edgeWork accumulates the support one because-edge lends.
type edgeWork struct {
	id       string
	children []store.Attestation
	next     int
	sumW     float64 // Σ weight of the current attestations on the edge
	sumAbs   float64 // Σ |weight|
	sumAbsG  float64 // Σ |weight| × groundedness
}

func (w *edgeWork) add(a store.Attestation, g float64) {
	w.sumW += a.Weight
	w.sumAbs += math.Abs(a.Weight)
	w.sumAbsG += math.Abs(a.Weight) * g
}

// frame is one attestation under evaluation on the explicit stack.
type frame struct {
	att   store.Attestation
	depth int
	edges []*edgeWork
	next  int
	sumW  float64 // Σ |belief| over closed edges
	sumWG float64 // Σ belief × groundedness
}

// ground walks the because graph iteratively. Attestations already on the
// stack are cycles: they contribute a discounted base value and are not
// entered again. It also returns every because-edge it read.
func (e *Engine) ground(v *graph.View, root string, maxDepth int, t config.TrustTuning) (Grounding, []string) {
	a, ok := v.Attestation(root)
	if !ok {
		return Grounding{}, nil
	}
	var res Grounding
	if g, ok := terminal(v, a, 0, maxDepth, t); ok {
		res.Value = g
		res.Anchor = isAnchor(v, a)
		return res, nil
	}
	var closure []string
	read := make(map[string]bool)
	enter := func(f *frame) *frame {
		for _, w := range f.edges {
			if !read[w.id] {
				read[w.id] = true
				closure = append(closure, w.id)
			}
		}
		return f
	}

	memo := make(map[string]float64)
	onStack := map[string]bool{a.ID: true}
	stack := []*frame{enter(e.newFrame(v, a, 0))}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		if f.depth > res.Depth {
			res.Depth = f.depth
		}

		if f.next == len(f.edges) {
			val := f.value(t)
			memo[f.att.ID] = val
			delete(onStack, f.att.ID)
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				res.Value = val
				break
			}
			parent := stack[len(stack)-1]
			w := parent.edges[parent.next]
			w.add(f.att, val)
			w.next++
			continue
		}

		w := f.edges[f.next]
		if w.next == len(w.children) {
			f.closeEdge(w, t)
			f.next++
			continue
		}

		child := w.children[w.next]
		if g, ok := memo[child.ID]; ok {
			w.add(child, g)
			w.next++
			continue
		}
		if onStack[child.ID] {
			res.Cycles++
			if e.onCycle != nil {
				e.onCycle(store.CycleEvent{Attestation: child.ID, Edge: w.id, Depth: f.depth + 1})
			}
			w.add(child, t.BaseGroundedness*t.CycleDiscount)
			w.next++
			continue
		}
		if g, ok := terminal(v, child, f.depth+1, maxDepth, t); ok {
			memo[child.ID] = g
			w.add(child, g)
			w.next++
			continue
		}
		onStack[child.ID] = true
		stack = append(stack, enter(e.newFrame(v, child, f.depth+1)))
	}

	res.Value = clamp(res.Value, 0, 1)
	return res, closure
}

func (e *Engine) newFrame(v *graph.View, a store.Attestation, depth int) *frame {
	f := &frame{att: a, depth: depth}
	for _, id := range a.Because {
		// the current view of an edge is every author's latest word on it
		f.edges = append(f.edges, &edgeWork{id: id, children: Applicable(v, id, 0)})
	}
	return f
}

// closeEdge folds a finished because-edge into the frame: its belief is
// the mean current weight, its groundedness the |weight|-weighted mean of
// its attestations' groundedness. The edge weighs |belief| in the mean and
// a disbelieved edge lends negative support.
func (f *frame) closeEdge(w *edgeWork, t config.TrustTuning) {
	belief, g := t.ImplicitEdgeBelief, t.BaseGroundedness
	if n := len(w.children); n > 0 {
		belief = w.sumW / float64(n)
		if w.sumAbs > 0 {
			g = w.sumAbsG / w.sumAbs
		}
	}
	f.sumW += math.Abs(belief)
	f.sumWG += belief * g
}

// value combines the edges: base + (1 - base) × support × strength.
func (f *frame) value(t config.TrustTuning) float64 {
	base := t.BaseGroundedness
	if len(f.edges) == 0 || f.sumW == 0 {
		return base
	}
	support := f.sumWG / f.sumW
	strength := f.sumW / float64(len(f.edges))
	return clamp(base+(1-base)*support*strength, 0, 1)
}

// terminal returns the value of an attestation that needs no descent.
func terminal(v *graph.View, a store.Attestation, depth, maxDepth int, t config.TrustTuning) (float64, bool) {
	if isAnchor(v, a) {
		return 1, true
	}
	if len(a.Because) == 0 || depth >= maxDepth {
		return t.BaseGroundedness, true
	}
	return 0, false
}

// isAnchor reports a sovereign identity attesting itself with nothing
// further to point at.
func isAnchor(v *graph.View, a store.Attestation) bool {
	if len(a.Because) > 0 || a.On != a.By {
		return false
	}
	ident := v.Identity(a.By)
	return ident != nil && ident.Kind == store.Sovereign
}

// Grounded returns attestation ids ordered from the best grounded down,
// ties by id. Used to pick the supporting attestation for tiebreaks.
func (e *Engine) Grounded(v *graph.View, ids []string) []string {
	type scored struct {
		id string
		g  float64
	}
	all := make([]scored, 0, len(ids))
	for _, id := range ids {
		all = append(all, scored{id, e.Groundedness(v, id).Value})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].g != all[j].g {
			return all[i].g > all[j].g
		}
		return all[i].id < all[j].id
	})
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.id
	}
	return out
}
