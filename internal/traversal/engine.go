package traversal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/trust"
)

// Component names traversal rows in the observer state cache.
const Component = "traversal"

const treeCacheSize = 256

// HeatSource reports how hot a node is for an observer at a time.
type HeatSource interface {
	Heat(v *graph.View, observer, node string, at int64) float64
}

// Ranked is one re-ranked candidate.
type Ranked struct {
	Node      string  `json:"node"`
	Reachable bool    `json:"reachable"`
	Cost      float64 `json:"cost"`
	Trust     float64 `json:"trust"`
	Heat      float64 `json:"heat"`
	Score     float64 `json:"score"`
}

// Engine holds every observer's edge usage and cached path trees.
type Engine struct {
	mu        sync.Mutex
	tuning    config.TraversalTuning
	trust     *trust.Engine
	heat      HeatSource
	observers map[string]*State
	trees     *lru.Cache[string, *tree]
}

// New creates a traversal engine. heat may be nil.
func New(t config.TraversalTuning, te *trust.Engine, heat HeatSource) (*Engine, error) {
	trees, err := lru.New[string, *tree](treeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("tree cache: %w", err)
	}
	return &Engine{
		tuning:    t,
		trust:     te,
		heat:      heat,
		observers: make(map[string]*State),
		trees:     trees,
	}, nil
}

// SetTuning swaps the constants and drops every cached tree.
func (e *Engine) SetTuning(t config.TraversalTuning) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tuning = t
	e.trees.Purge()
}

// Reset drops every observer and tree.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = make(map[string]*State)
	e.trees.Purge()
}

func (e *Engine) state(observer string) *State {
	s := e.observers[observer]
	if s == nil {
		s = NewState(observer)
		e.observers[observer] = s
	}
	return s
}

func treeKey(observer, source string) string { return observer + "|" + source }

// Apply folds one log event into the usage tables and cached trees.
func (e *Engine) Apply(v *graph.View, ev store.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Kind {
	case store.EventTraversal:
		t := ev.Traversal
		walked := e.state(t.Observer).Apply(ev.Seq, *t)
		if len(walked) == 0 {
			return
		}
		e.eachTree(t.Observer, func(tr *tree) {
			for _, id := range walked {
				tr.pending[id] = true
			}
		})
	case store.EventEdge:
		// a new edge can only add paths
		e.eachTree("", func(tr *tree) { tr.pending[ev.Edge.ID] = true })
	case store.EventRelation:
		// a new declaration can reprice reverse hops both ways
		e.trees.Purge()
	case store.EventAttestation:
		a := ev.Attestation
		if _, ok := v.Edge(a.On); ok {
			// the author's liveness view of the edge may have changed, and
			// that can raise costs, which repair cannot follow
			e.dropTrees(a.By)
		}
	}
}

func (e *Engine) eachTree(observer string, fn func(*tree)) {
	for _, k := range e.trees.Keys() {
		if observer != "" && !strings.HasPrefix(k, observer+"|") {
			continue
		}
		if tr, ok := e.trees.Peek(k); ok {
			fn(tr)
		}
	}
}

func (e *Engine) dropTrees(observer string) {
	for _, k := range e.trees.Keys() {
		if strings.HasPrefix(k, observer+"|") {
			e.trees.Remove(k)
		}
	}
}

// tree returns an up-to-date shortest-path tree for (observer, source).
// A cached tree is repaired while it is young and rebuilt once decay has
// had TreeMaxAge to raise its weights.
func (e *Engine) tree(v *graph.View, observer, source string, at int64) *tree {
	s := e.state(observer)
	key := treeKey(observer, source)
	w := weigher{v: v, state: s, observer: observer, e: e}

	if tr, ok := e.trees.Get(key); ok {
		age := time.Duration(at-tr.builtAt) * time.Millisecond
		if at >= tr.builtAt && age <= e.tuning.TreeMaxAge && tr.seq <= v.Seq() {
			if tr.seq < v.Seq() || len(tr.pending) > 0 {
				w.at = tr.builtAt
				w.repair(tr)
			}
			return tr
		}
	}
	w.at = at
	tr := w.build(source)
	e.trees.Add(key, tr)
	return tr
}

// Cost is the cheapest path cost from source to target for an observer.
func (e *Engine) Cost(v *graph.View, observer, source, target string, at int64) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return distance(e.tree(v, observer, source, at), target)
}

// Rerank orders candidates by path cost from the context node, combined
// with trust and heat: score = 1/(1+cost) × (1+trust)/2 × (1+heat).
// Reachable candidates come first, then higher scores, then ids.
func (e *Engine) Rerank(v *graph.View, observer, context string, candidates []string, at int64) []Ranked {
	e.mu.Lock()
	tr := e.tree(v, observer, context, at)
	costs := make(map[string]float64, len(candidates))
	reach := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		costs[c], reach[c] = distance(tr, c)
	}
	e.mu.Unlock()

	out := make([]Ranked, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true
		r := Ranked{Node: c, Reachable: reach[c], Cost: costs[c]}
		if s := e.trust.Trust(v, trust.Query{Subject: c, Observer: observer, At: at}); s.Known {
			r.Trust = s.Value
		}
		if e.heat != nil {
			r.Heat = e.heat.Heat(v, observer, c, at)
		}
		if r.Reachable {
			r.Score = 1 / (1 + r.Cost) * (1 + r.Trust) / 2 * (1 + r.Heat)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Reachable != b.Reachable {
			return a.Reachable
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Node < b.Node
	})
	return out
}

// Usage returns a copy of the observer's usage of one edge.
func (e *Engine) Usage(observer, edge string) Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.observers[observer]; s != nil && s.Usage[edge] != nil {
		return *s.Usage[edge]
	}
	return Usage{}
}

// Snapshot serializes every observer's usage for the materialized cache.
func (e *Engine) Snapshot() ([]store.ObserverState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.ObserverState, 0, len(e.observers))
	for id, s := range e.observers {
		body, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("marshal traversal state %s: %w", id, err)
		}
		out = append(out, store.ObserverState{Observer: id, Component: Component, Seq: s.Seq, Body: body})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Observer < out[j].Observer })
	return out, nil
}

// Restore loads cached usage rows and returns the lowest log position they
// all reflect, or 0 when nothing was restored.
func (e *Engine) Restore(states []store.ObserverState) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var low int64
	for _, row := range states {
		s := NewState(row.Observer)
		if err := json.Unmarshal(row.Body, s); err != nil {
			return 0, fmt.Errorf("unmarshal traversal state %s: %w", row.Observer, err)
		}
		if s.Usage == nil {
			s.Usage = make(map[string]*Usage)
		}
		if s.Seen == nil {
			s.Seen = make(map[string]bool)
		}
		e.observers[row.Observer] = s
		if low == 0 || s.Seq < low {
			low = s.Seq
		}
	}
	e.trees.Purge()
	return low, nil
}

func liveFor(v *graph.View, observer, edge string) bool {
	b := trust.LatestBelief(v, observer, edge, 0)
	return !b.Known || b.Weight != 0
}
