// Package salience ranks nodes per observer by reachability, trust, heat
// and current belief, and serves each observer's waterline from an
// incrementally maintained ranked index.
package salience

import (
	"math"
	"sort"
	"time"

	"github.com/lazypower/wellspring/internal/store"
)

// maxExponent bounds the forward-decay exponent before masses are rebased.
const maxExponent = 512

// Heat is a node's accumulated traversal mass for one observer.
//
// Mass uses forward decay: a traversal at t adds 2^((t-epoch)/halfLife), so
// heat at any later time is Mass × 2^(-(at-epoch)/halfLife). Adding is O(1)
// and the sum does not depend on the order traversals arrive in.
type Heat struct {
	Mass  float64 `json:"mass"`
	Last  int64   `json:"last"`
	Count int     `json:"count"`
}

// State is one observer's salience state, advanced one event at a time.
// It holds nothing that cannot be rebuilt by replaying the log.
type State struct {
	Observer string           `json:"observer"`
	Seq      int64            `json:"seq"`
	Epoch    int64            `json:"epoch"`
	HalfLife int64            `json:"half_life_ms"`
	Heat     map[string]*Heat `json:"heat"`
	Focus    []string         `json:"focus,omitempty"`
	FocusAt  int64            `json:"focus_at,omitempty"`
	FocusID  string           `json:"focus_id,omitempty"`
	Seen     map[string]bool  `json:"seen"`
	Horizon  int64            `json:"horizon,omitempty"` // latest time any applied event carried
}

// NewState returns an empty state for an observer.
func NewState(observer string, halfLife time.Duration) *State {
	return &State{
		Observer: observer,
		HalfLife: halfLife.Milliseconds(),
		Heat:     make(map[string]*Heat),
		Seen:     make(map[string]bool),
	}
}

// ApplyTraversal adds one traversal. It returns the nodes whose heat
// changed, or nil when the traversal was already applied.
func (s *State) ApplyTraversal(seq int64, t store.Traversal) []string {
	if s.Seen[t.ID] {
		return nil
	}
	s.Seen[t.ID] = true
	s.advance(seq)
	s.Note(t.At)

	if len(s.Heat) == 0 && s.Epoch == 0 {
		s.Epoch = t.At
	}
	if s.exponent(t.At) > maxExponent {
		s.rebase(t.At)
	}
	add := math.Exp2(s.exponent(t.At))

	var touched []string
	seen := make(map[string]bool, len(t.Path))
	for _, n := range t.Path {
		if seen[n] {
			continue
		}
		seen[n] = true
		h := s.Heat[n]
		if h == nil {
			h = &Heat{}
			s.Heat[n] = h
		}
		h.Mass += add
		h.Count++
		if t.At > h.Last {
			h.Last = t.At
		}
		touched = append(touched, n)
	}
	return touched
}

// ApplyFocus replaces the focus set when the event is newer than the one in
// effect; equal times break by event id so every order converges.
func (s *State) ApplyFocus(seq int64, f store.Focus) bool {
	if s.Seen[f.ID] {
		return false
	}
	s.Seen[f.ID] = true
	s.advance(seq)
	s.Note(f.At)
	if f.At < s.FocusAt || (f.At == s.FocusAt && f.ID < s.FocusID) {
		return false
	}
	s.Focus = append([]string(nil), f.Nodes...)
	s.FocusAt, s.FocusID = f.At, f.ID
	return true
}

// Note raises the horizon to a time carried by an applied event.
func (s *State) Note(at int64) {
	if at > s.Horizon {
		s.Horizon = at
	}
}

// Before returns the state as it stood at a past time: heat from the
// observer's traversals up to at, and the focus only if it was set by then.
func (s *State) Before(traversals []store.Traversal, at int64) *State {
	past := &State{
		Observer: s.Observer,
		HalfLife: s.HalfLife,
		Heat:     make(map[string]*Heat),
		Seen:     make(map[string]bool),
	}
	for _, t := range traversals {
		if t.Observer == s.Observer && t.At <= at {
			past.ApplyTraversal(0, t)
		}
	}
	if s.FocusAt <= at {
		past.Focus, past.FocusAt, past.FocusID = s.Focus, s.FocusAt, s.FocusID
	}
	return past
}

func (s *State) advance(seq int64) {
	if seq > s.Seq {
		s.Seq = seq
	}
}

func (s *State) exponent(at int64) float64 {
	if s.HalfLife <= 0 {
		return 0
	}
	return float64(at-s.Epoch) / float64(s.HalfLife)
}

// rebase moves the epoch forward and rescales every mass to match.
func (s *State) rebase(epoch int64) {
	scale := math.Exp2(-float64(epoch-s.Epoch) / float64(s.HalfLife))
	for _, h := range s.Heat {
		h.Mass *= scale
	}
	s.Epoch = epoch
}

// Decay is the factor turning a mass into heat at a given time.
func (s *State) Decay(at int64) float64 {
	return math.Exp2(-s.exponent(at))
}

// HeatAt is a node's heat at a given time.
func (s *State) HeatAt(node string, at int64) float64 {
	h := s.Heat[node]
	if h == nil {
		return 0
	}
	return h.Mass * s.Decay(at)
}

// Context is the observer's working set: the explicit focus plus the size
// most recently traversed nodes.
func (s *State) Context(size int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range s.Focus {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}

	recent := make([]string, 0, len(s.Heat))
	for n := range s.Heat {
		if !seen[n] {
			recent = append(recent, n)
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		a, b := s.Heat[recent[i]], s.Heat[recent[j]]
		if a.Last != b.Last {
			return a.Last > b.Last
		}
		return recent[i] < recent[j]
	})
	if len(recent) > size {
		recent = recent[:size]
	}
	return append(out, recent...)
}
