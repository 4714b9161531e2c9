// Package traversal keeps per-observer edge weights that fall as the
// observer walks edges, and re-ranks search candidates by shortest-path
// cost from a context node.
package traversal

import (
	"math"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/store"
)

// Usage is how often and how lately an observer walked one edge.
type Usage struct {
	Count int   `json:"count"`
	Last  int64 `json:"last"`
}

// State is one observer's edge usage, advanced one traversal at a time.
type State struct {
	Observer string            `json:"observer"`
	Seq      int64             `json:"seq"`
	Usage    map[string]*Usage `json:"usage"`
	Seen     map[string]bool   `json:"seen"`
}

// NewState returns an empty state for an observer.
func NewState(observer string) *State {
	return &State{Observer: observer, Usage: make(map[string]*Usage), Seen: make(map[string]bool)}
}

// Apply records a traversal and returns the edges it walked, or nil when
// the traversal was already applied.
func (s *State) Apply(seq int64, t store.Traversal) []string {
	if s.Seen[t.ID] {
		return nil
	}
	s.Seen[t.ID] = true
	if seq > s.Seq {
		s.Seq = seq
	}
	var walked []string
	for _, h := range t.Hops {
		u := s.Usage[h.Edge]
		if u == nil {
			u = &Usage{}
			s.Usage[h.Edge] = u
		}
		u.Count++
		if t.At > u.Last {
			u.Last = t.At
		}
		walked = append(walked, h.Edge)
	}
	return walked
}

// Weight is the forward cost of an edge at a time:
// base / (1 + recency × 2^(-Δt/halfLife) + frequency × ln(1+count)).
func Weight(t config.TraversalTuning, u *Usage, at int64) float64 {
	if u == nil || u.Count == 0 {
		return t.BaseCost
	}
	dt := at - u.Last
	if dt < 0 {
		dt = 0
	}
	recency := 0.0
	if hl := t.RecencyHalfLife.Milliseconds(); hl > 0 {
		recency = math.Exp2(-float64(dt) / float64(hl))
	}
	return t.BaseCost / (1 + t.RecencyWeight*recency + t.FrequencyWeight*math.Log1p(float64(u.Count)))
}
