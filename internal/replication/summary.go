// Package replication exchanges graph content between peers. A peer sends a
// bloom summary of what it holds; the other side answers with a bundle of
// what the peer probably lacks, and the peer merges it through its normal
// write boundary.
package replication

import (
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
)

// FalsePositiveRate sizes summaries. A false positive only delays an item
// until the next exchange.
const FalsePositiveRate = 0.01

// Summary is a probabilistic set of every id a store holds.
type Summary struct {
	Count  int                `json:"count"`
	Filter *bloom.BloomFilter `json:"filter"`
}

// RelationKey is the summary key of a relation declaration. Declarations
// are keyed by content so a peer holding a different declaration of the
// same name still receives this one and can pick the winner.
func RelationKey(r store.RelationType) string {
	id, err := store.RelationID(r)
	if err != nil {
		return "relation:" + r.Name
	}
	return "relation:" + id
}

// NewSummary summarizes every node, edge, relation, attestation and
// traversal visible in v.
func NewSummary(v *graph.View) *Summary {
	var ids []string
	for _, n := range v.Nodes() {
		ids = append(ids, n.ID)
	}
	for _, e := range v.Edges() {
		ids = append(ids, e.ID)
	}
	for _, r := range v.Relations() {
		ids = append(ids, RelationKey(r))
	}
	for _, a := range v.Attestations() {
		ids = append(ids, a.ID)
	}
	for _, t := range v.Traversals() {
		ids = append(ids, t.ID)
	}

	n := uint(len(ids))
	if n == 0 {
		n = 1
	}
	f := bloom.NewWithEstimates(n, FalsePositiveRate)
	for _, id := range ids {
		f.AddString(id)
	}
	return &Summary{Count: len(ids), Filter: f}
}

// EmptySummary is the summary of a store that holds nothing.
func EmptySummary() *Summary {
	return &Summary{Filter: bloom.NewWithEstimates(1, FalsePositiveRate)}
}

// Contains reports whether id is probably held.
func (s *Summary) Contains(id string) bool {
	if s == nil || s.Filter == nil {
		return false
	}
	return s.Filter.TestString(id)
}
