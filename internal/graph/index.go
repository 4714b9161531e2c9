// Package graph holds the in-memory materialized view of the event log.
//
// The Index is rebuilt by replaying the log and kept current by applying
// each new event. Every entity remembers the log position that introduced
// it, so a View bound to a position sees exactly the log prefix up to it:
// reads are snapshot-isolated while writers keep appending.
package graph

import (
	"fmt"
	"sync"

	"github.com/lazypower/wellspring/internal/store"
)

type nodeEntry struct {
	node store.Node
	seq  int64
}

type edgeEntry struct {
	edge store.Edge
	seq  int64
}

type attEntry struct {
	att store.Attestation
	seq int64
}

type relEntry struct {
	rel store.RelationType
	seq int64
}

type travEntry struct {
	trav store.Traversal
	seq  int64
}

// Index is the materialized graph. It is safe for concurrent use.
type Index struct {
	mu  sync.RWMutex
	seq int64

	nodes     map[string]*nodeEntry
	nodeOrder []string

	edges     map[string]*edgeEntry
	edgeOrder []string
	out       map[string][]string
	in        map[string][]string

	relations map[string][]relEntry // per name, one entry per change

	atts      map[string]*attEntry
	attOrder  []string
	bySubject map[string][]string
	byAuthor  map[string][]string
	cited     map[string][]string // because-edge to the attestations naming it

	travs     map[string]*travEntry
	travOrder []string
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		nodes:     make(map[string]*nodeEntry),
		edges:     make(map[string]*edgeEntry),
		out:       make(map[string][]string),
		in:        make(map[string][]string),
		relations: make(map[string][]relEntry),
		atts:      make(map[string]*attEntry),
		bySubject: make(map[string][]string),
		byAuthor:  make(map[string][]string),
		cited:     make(map[string][]string),
		travs:     make(map[string]*travEntry),
	}
}

// Seq returns the last applied log position.
func (ix *Index) Seq() int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.seq
}

// Apply folds one log event into the index. Events at or below the current
// position are ignored, so replays are harmless.
func (ix *Index) Apply(ev store.Event) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ev.Seq <= ix.seq {
		return nil
	}

	switch ev.Kind {
	case store.EventNode:
		if ev.Node == nil {
			return fmt.Errorf("event %d: node missing", ev.Seq)
		}
		if _, ok := ix.nodes[ev.Node.ID]; !ok {
			ix.nodes[ev.Node.ID] = &nodeEntry{node: *ev.Node, seq: ev.Seq}
			ix.nodeOrder = append(ix.nodeOrder, ev.Node.ID)
		}
	case store.EventEdge:
		if ev.Edge == nil {
			return fmt.Errorf("event %d: edge missing", ev.Seq)
		}
		e := ev.Edge
		if _, ok := ix.edges[e.ID]; !ok {
			ix.edges[e.ID] = &edgeEntry{edge: *e, seq: ev.Seq}
			ix.edgeOrder = append(ix.edgeOrder, e.ID)
			ix.out[e.From] = append(ix.out[e.From], e.ID)
			ix.in[e.To] = append(ix.in[e.To], e.ID)
		}
	case store.EventRelation:
		if ev.Relation == nil {
			return fmt.Errorf("event %d: relation missing", ev.Seq)
		}
		r := *ev.Relation
		hist := ix.relations[r.Name]
		if n := len(hist); n == 0 || r.Precedes(hist[n-1].rel) {
			ix.relations[r.Name] = append(hist, relEntry{rel: r, seq: ev.Seq})
		}
	case store.EventAttestation:
		if ev.Attestation == nil {
			return fmt.Errorf("event %d: attestation missing", ev.Seq)
		}
		a := ev.Attestation
		if _, ok := ix.atts[a.ID]; !ok {
			ix.atts[a.ID] = &attEntry{att: *a, seq: ev.Seq}
			ix.attOrder = append(ix.attOrder, a.ID)
			ix.bySubject[a.On] = append(ix.bySubject[a.On], a.ID)
			ix.byAuthor[a.By] = append(ix.byAuthor[a.By], a.ID)
			for _, b := range a.Because {
				ix.cited[b] = append(ix.cited[b], a.ID)
			}
		}
	case store.EventTraversal:
		if ev.Traversal == nil {
			return fmt.Errorf("event %d: traversal missing", ev.Seq)
		}
		if _, ok := ix.travs[ev.Traversal.ID]; !ok {
			ix.travs[ev.Traversal.ID] = &travEntry{trav: *ev.Traversal, seq: ev.Seq}
			ix.travOrder = append(ix.travOrder, ev.Traversal.ID)
		}
	case store.EventFocus:
		// focus is observer-local working state, held by the salience engine
	default:
		return fmt.Errorf("event %d: unknown kind %q", ev.Seq, ev.Kind)
	}

	ix.seq = ev.Seq
	return nil
}

// View returns a snapshot at the current log position.
func (ix *Index) View() *View {
	return &View{ix: ix, seq: ix.Seq()}
}

// ViewAt returns a snapshot bound to a past log position.
func (ix *Index) ViewAt(seq int64) *View {
	if cur := ix.Seq(); seq > cur {
		seq = cur
	}
	return &View{ix: ix, seq: seq}
}
