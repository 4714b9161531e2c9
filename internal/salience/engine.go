package salience

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/trust"
)

// Entry is one ranked node on a waterline.
type Entry struct {
	Node     string  `json:"node"`
	Salience float64 `json:"salience"`
	Heat     float64 `json:"heat"`
	Trust    float64 `json:"trust"`
	Belief   float64 `json:"belief"`
}

// ranked holds a node's rank key and its factors.
// key = trust × |belief| × mass; heat only adds a factor shared by every
// node of the observer. Once the clock passes every input the key stays
// put, unless timed marks a factor that still moves with the clock.
type ranked struct {
	node   string
	key    float64
	trust  float64
	belief float64
	timed  bool
}

type observer struct {
	state *State
	index []ranked // key descending, node ascending
	keys  map[string]ranked
	dirty map[string]bool
	keyAt int64 // time the timed keys were evaluated at

	reach    map[string]bool
	reachSeq int64
	reachCtx string
}

// Engine keeps every observer's state and ranked index current.
type Engine struct {
	mu        sync.Mutex
	tuning    config.SalienceTuning
	trust     *trust.Engine
	observers map[string]*observer
	horizon   int64
}

// New creates a salience engine.
func New(t config.SalienceTuning, te *trust.Engine) *Engine {
	return &Engine{tuning: t, trust: te, observers: make(map[string]*observer)}
}

// SetTuning swaps the constants. A changed half-life invalidates stored
// masses, so it reports whether the caller must rebuild from the log.
func (e *Engine) SetTuning(t config.SalienceTuning) (rebuild bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rebuild = t.HalfLife != e.tuning.HalfLife
	e.tuning = t
	for _, o := range e.observers {
		o.reachSeq = -1
		o.markAll()
	}
	return rebuild
}

// Reset drops every observer.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = make(map[string]*observer)
	e.horizon = 0
}

func (e *Engine) observer(id string) *observer {
	o := e.observers[id]
	if o == nil {
		o = &observer{
			state: NewState(id, e.tuning.HalfLife),
			keys:  make(map[string]ranked),
			dirty: make(map[string]bool),
		}
		o.state.Note(e.horizon)
		e.observers[id] = o
	}
	return o
}

// note raises every observer's horizon to a time an input carried.
func (e *Engine) note(at int64) {
	if at > e.horizon {
		e.horizon = at
	}
	for _, o := range e.observers {
		o.state.Note(at)
	}
}

// Apply folds one log event into the observers it concerns.
func (e *Engine) Apply(v *graph.View, ev store.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Kind {
	case store.EventTraversal:
		o := e.observer(ev.Traversal.Observer)
		for _, n := range o.state.ApplyTraversal(ev.Seq, *ev.Traversal) {
			o.dirty[n] = true
		}
	case store.EventFocus:
		e.observer(ev.Focus.Observer).state.ApplyFocus(ev.Seq, *ev.Focus)
	case store.EventNode:
		if v.Identity(ev.Node.ID) != nil {
			// a new identity can settle a delegation or a creator lookup
			e.markAll()
		}
	case store.EventRelation:
		e.markAll()
	case store.EventEdge:
		if weighsIdentities(ev.Edge.Relation) {
			e.note(ev.Edge.CreatedAt)
			e.markAll()
		}
	case store.EventAttestation:
		a := ev.Attestation
		e.note(a.At)
		if movesReputation(v, *a) {
			// reputations move, so every identity-weighted key may shift
			e.markAll()
			return
		}
		e.markGrounded(v, a.On)
	}
}

// movesReputation reports whether an attestation is, or can judge, the
// word of an external identity.
func movesReputation(v *graph.View, a store.Attestation) bool {
	if author := v.Identity(a.By); author != nil && author.Kind == store.External {
		return true
	}
	for _, other := range v.AttestationsOn(a.On) {
		if ident := v.Identity(other.By); ident != nil && ident.Kind == store.External {
			return true
		}
	}
	return false
}

// weighsIdentities reports whether edges of a relation feed identity trust.
func weighsIdentities(relation string) bool {
	switch relation {
	case store.RelVouches, store.RelRevokes, store.RelRotatesTo:
		return true
	}
	return false
}

// markGrounded marks a subject dirty along with every subject whose
// attestations cite it in their because list, transitively. An edge that
// weighs identities on the way reaches every key, so all keys go.
func (e *Engine) markGrounded(v *graph.View, subject string) {
	seen := map[string]bool{subject: true}
	queue := []string{subject}
	for len(queue) > 0 {
		x := queue[0]
		queue = queue[1:]
		if edge, ok := v.Edge(x); ok && weighsIdentities(edge.Relation) {
			e.markAll()
			return
		}
		for _, o := range e.observers {
			if _, ok := o.state.Heat[x]; ok {
				o.dirty[x] = true
			}
		}
		for _, a := range v.CitedBy(x) {
			if !seen[a.On] {
				seen[a.On] = true
				queue = append(queue, a.On)
			}
		}
	}
}

// Invalidate marks every ranked key stale so the next read recomputes it.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markAll()
}

func (e *Engine) markAll() {
	for _, o := range e.observers {
		o.markAll()
	}
}

func (o *observer) markAll() {
	for n := range o.state.Heat {
		o.dirty[n] = true
	}
}

// refresh recomputes the keys of dirty nodes, and of timed nodes when the
// clock moved, and moves them in the index.
func (e *Engine) refresh(v *graph.View, o *observer, at int64) {
	if at != o.keyAt {
		for n, r := range o.keys {
			if r.timed {
				o.dirty[n] = true
			}
		}
		o.keyAt = at
	}
	if len(o.dirty) == 0 {
		return
	}
	nodes := make([]string, 0, len(o.dirty))
	for n := range o.dirty {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if old, ok := o.keys[n]; ok {
			o.remove(old)
		}
		r := e.rank(v, o.state, n, at)
		o.keys[n] = r
		o.insert(r)
	}
	o.dirty = make(map[string]bool)
}

// rank evaluates a node's key with every input bounded by at.
func (e *Engine) rank(v *graph.View, st *State, node string, at int64) ranked {
	r := ranked{node: node, trust: e.tuning.UnknownTrust, belief: 1}
	s := e.trust.Trust(v, trust.Query{Subject: node, Observer: st.Observer, At: at})
	if s.Known {
		r.trust = s.Value
	}
	r.timed = timed(v, s)
	if b := trust.LatestBelief(v, st.Observer, node, at); b.Known {
		r.belief = b.Weight
	}
	mass := 0.0
	if h := st.Heat[node]; h != nil {
		mass = h.Mass
	}
	if r.belief == 0 {
		return r
	}
	r.key = r.trust * math.Abs(r.belief) * mass
	return r
}

// maxDelegationChain bounds the parent walk in timed.
const maxDelegationChain = 8

// timed reports whether a score can move with the clock alone: a decaying
// aspect or an expiring delegation stands behind one of its contributions.
func timed(v *graph.View, s trust.Score) bool {
	for _, c := range s.Contributors {
		if a := v.Aspect(c.Via); a != nil && a.Decay > 0 {
			return true
		}
		id := c.By
		for range maxDelegationChain {
			ident := v.Identity(id)
			if ident == nil || ident.Kind != store.Delegated {
				break
			}
			if ident.ExpiresAt > 0 {
				return true
			}
			id = ident.Parent
		}
	}
	return false
}

func less(a, b ranked) bool {
	if a.key != b.key {
		return a.key > b.key
	}
	return a.node < b.node
}

func (o *observer) search(r ranked) int {
	return sort.Search(len(o.index), func(i int) bool { return !less(o.index[i], r) })
}

func (o *observer) insert(r ranked) {
	i := o.search(r)
	o.index = append(o.index, ranked{})
	copy(o.index[i+1:], o.index[i:])
	o.index[i] = r
}

func (o *observer) remove(r ranked) {
	i := o.search(r)
	if i < len(o.index) && o.index[i].node == r.node {
		o.index = append(o.index[:i], o.index[i+1:]...)
	}
}

func (e *Engine) reachable(v *graph.View, o *observer, at int64) map[string]bool {
	ctx := o.state.Context(e.tuning.ContextSize)
	ctxKey := fmt.Sprint(ctx)
	if o.reach != nil && o.reachSeq == v.Seq() && o.reachCtx == ctxKey {
		return o.reach
	}
	o.reach = Reachable(v, o.state.Observer, ctx, e.tuning.ReachHops, at)
	o.reachSeq, o.reachCtx = v.Seq(), ctxKey
	return o.reach
}

func (e *Engine) entry(st *State, r ranked, at int64) Entry {
	return Entry{
		Node:     r.node,
		Salience: r.key * st.Decay(at),
		Heat:     st.HeatAt(r.node, at),
		Trust:    r.trust,
		Belief:   r.belief,
	}
}

// Waterline returns the observer's top k nodes by salience at a time.
// Nodes with salience at or below zero are not on the waterline.
//
// From the observer's horizon on, it is served from the ranked index. An
// earlier time is answered by evaluating every heated node against the
// inputs as they stood then.
func (e *Engine) Waterline(v *graph.View, observerID string, at int64, k int) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := []Entry{}
	o := e.observers[observerID]
	if o == nil || k <= 0 {
		return out
	}
	if at < o.state.Horizon {
		return e.scan(v, o.state.Before(v.Traversals(), at), at, k)
	}
	e.refresh(v, o, at)
	reach := e.reachable(v, o, at)

	for _, r := range o.index {
		if len(out) == k || r.key <= 0 {
			break
		}
		if reach[r.node] {
			out = append(out, e.entry(o.state, r, at))
		}
	}
	return out
}

func (e *Engine) scan(v *graph.View, st *State, at int64, k int) []Entry {
	reach := Reachable(v, st.Observer, st.Context(e.tuning.ContextSize), e.tuning.ReachHops, at)
	var all []ranked
	for n := range st.Heat {
		if !reach[n] {
			continue
		}
		if r := e.rank(v, st, n, at); r.key > 0 {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return less(all[i], all[j]) })

	out := []Entry{}
	for _, r := range all {
		if len(out) == k {
			break
		}
		out = append(out, e.entry(st, r, at))
	}
	return out
}

// Salience evaluates one node without the ranked index.
func (e *Engine) Salience(v *graph.View, observerID, node string, at int64) Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.observers[observerID]
	if o == nil {
		return Entry{Node: node}
	}
	st := o.state
	var reach map[string]bool
	if at < st.Horizon {
		st = st.Before(v.Traversals(), at)
		reach = Reachable(v, st.Observer, st.Context(e.tuning.ContextSize), e.tuning.ReachHops, at)
	} else {
		reach = e.reachable(v, o, at)
	}
	r := e.rank(v, st, node, at)
	entry := Entry{Node: node, Heat: st.HeatAt(node, at), Trust: r.trust, Belief: r.belief}
	if reach[node] {
		entry.Salience = r.key * st.Decay(at)
	}
	return entry
}

// Context returns the observer's current working set.
func (e *Engine) Context(observerID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o := e.observers[observerID]; o != nil {
		return o.state.Context(e.tuning.ContextSize)
	}
	return nil
}

// Heat returns a node's heat for an observer at a time, counting only the
// traversals made by then.
func (e *Engine) Heat(v *graph.View, observerID, node string, at int64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.observers[observerID]
	if o == nil {
		return 0
	}
	if at < o.state.Horizon {
		return o.state.Before(v.Traversals(), at).HeatAt(node, at)
	}
	return o.state.HeatAt(node, at)
}

// Snapshot serializes every observer state for the materialized cache.
func (e *Engine) Snapshot() ([]store.ObserverState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.ObserverState, 0, len(e.observers))
	for id, o := range e.observers {
		body, err := json.Marshal(o.state)
		if err != nil {
			return nil, fmt.Errorf("marshal salience state %s: %w", id, err)
		}
		out = append(out, store.ObserverState{Observer: id, Component: Component, Seq: o.state.Seq, Body: body})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Observer < out[j].Observer })
	return out, nil
}

// Component names salience rows in the observer state cache.
const Component = "salience"

// Restore loads cached observer states. States written under another
// half-life are skipped and must be rebuilt. It returns the log position
// replay can resume after: the lowest one every state reflects, or 0 when
// anything needs a full replay.
func (e *Engine) Restore(states []store.ObserverState) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var low int64
	skipped := false
	for _, row := range states {
		var s State
		if err := json.Unmarshal(row.Body, &s); err != nil {
			return 0, fmt.Errorf("unmarshal salience state %s: %w", row.Observer, err)
		}
		if s.HalfLife != e.tuning.HalfLife.Milliseconds() {
			skipped = true
			continue
		}
		if s.Heat == nil {
			s.Heat = make(map[string]*Heat)
		}
		if s.Seen == nil {
			s.Seen = make(map[string]bool)
		}
		o := &observer{state: &s, keys: make(map[string]ranked), dirty: make(map[string]bool)}
		o.markAll()
		if s.Horizon > e.horizon {
			e.horizon = s.Horizon
		}
		e.observers[row.Observer] = o
		if low == 0 || s.Seq < low {
			low = s.Seq
		}
	}
	if skipped {
		return 0, nil
	}
	return low, nil
}
