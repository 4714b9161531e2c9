package traversal

import (
	"container/heap"
	"math"

	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
)

type item struct {
	node string
	dist float64
}

// queue is a binary min-heap of tentative distances. Stale entries are left
// in place and skipped when popped.
type queue []item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].node < q[j].node
}
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any) { *q = append(*q, x.(item)) }
func (q *queue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// tree is a cached shortest-path tree from one source. Weights are taken
// at builtAt; edges whose weight only fell since the last sync sit in
// pending until the next read repairs the tree.
type tree struct {
	source  string
	dist    map[string]float64
	builtAt int64
	seq     int64
	pending map[string]bool
}

// weigher prices the hops of one observer's graph.
type weigher struct {
	v        *graph.View
	state    *State
	observer string
	at       int64
	e        *Engine
}

func (w weigher) live(edge string) bool {
	return liveFor(w.v, w.observer, edge)
}

// forward and reverse return the cost of walking an edge in each direction.
// Reading a navigable relation backward is as cheap as reading it forward.
func (w weigher) forward(e store.Edge) float64 {
	return Weight(w.e.tuning, w.state.Usage[e.ID], w.at)
}

func (w weigher) reverse(e store.Edge) float64 {
	c := w.forward(e)
	if !w.v.Navigable(e.Relation) {
		c *= w.e.tuning.ReverseCostFactor
	}
	return c
}

// relax runs Dijkstra from whatever the queue holds.
func (w weigher) relax(t *tree, q *queue) {
	for q.Len() > 0 {
		it := heap.Pop(q).(item)
		if d, ok := t.dist[it.node]; ok && it.dist > d {
			continue
		}
		for _, e := range w.v.EdgesFrom(it.node) {
			if w.live(e.ID) {
				w.improve(t, q, e.To, it.dist+w.forward(e))
			}
		}
		for _, e := range w.v.EdgesTo(it.node) {
			if w.live(e.ID) {
				w.improve(t, q, e.From, it.dist+w.reverse(e))
			}
		}
	}
}

func (w weigher) improve(t *tree, q *queue, node string, d float64) {
	if cur, ok := t.dist[node]; ok && cur <= d {
		return
	}
	t.dist[node] = d
	heap.Push(q, item{node: node, dist: d})
}

// build computes a fresh tree.
func (w weigher) build(source string) *tree {
	t := &tree{
		source:  source,
		dist:    map[string]float64{source: 0},
		builtAt: w.at,
		seq:     w.v.Seq(),
		pending: make(map[string]bool),
	}
	if _, ok := w.v.Node(source); !ok {
		return t
	}
	q := &queue{{node: source}}
	w.relax(t, q)
	return t
}

// repair propagates the pending weight decreases through the tree. A
// decrease can only shorten paths, so relaxing from the endpoints of each
// cheaper edge restores every distance.
func (w weigher) repair(t *tree) {
	q := &queue{}
	for id := range t.pending {
		e, ok := w.v.Edge(id)
		if !ok || !w.live(id) {
			continue
		}
		if d, ok := t.dist[e.From]; ok {
			w.improve(t, q, e.To, d+w.forward(e))
		}
		if d, ok := t.dist[e.To]; ok {
			w.improve(t, q, e.From, d+w.reverse(e))
		}
	}
	w.relax(t, q)
	t.pending = make(map[string]bool)
	t.seq = w.v.Seq()
}

// distance is the cost from the tree's source, false when unreachable.
func distance(t *tree, node string) (float64, bool) {
	d, ok := t.dist[node]
	if !ok || math.IsInf(d, 1) {
		return 0, false
	}
	return d, true
}
