package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lazypower/wellspring/internal/store"
)

// Sink is the write boundary a bundle is merged through.
type Sink interface {
	PutNode(ctx context.Context, n store.Node) (string, bool, error)
	PutEdge(ctx context.Context, e store.Edge) (string, bool, error)
	DeclareRelation(ctx context.Context, r store.RelationType) (bool, error)
	AppendAttestation(ctx context.Context, a store.Attestation) (string, bool, error)
	RecordTraversal(ctx context.Context, t store.Traversal) (string, bool, error)
	RecordProvenance(ctx context.Context, refID, peer string) error
}

// Failure is an item the sink refused.
type Failure struct {
	Kind  store.EventKind `json:"kind"`
	RefID string          `json:"ref_id"`
	Err   error           `json:"-"`
	Error string          `json:"error"`
}

// MergeStats counts what a merge did.
type MergeStats struct {
	Received  int       `json:"received"`
	New       int       `json:"new"`
	Duplicate int       `json:"duplicate"`
	Rejected  int       `json:"rejected"`
	Failures  []Failure `json:"failures,omitempty"`
}

func phase(it Item) int {
	switch it.Kind {
	case store.EventNode:
		if it.Node.Identity() != nil {
			return 0
		}
		return 1
	case store.EventEdge:
		return 2
	case store.EventRelation:
		return 3
	case store.EventAttestation:
		return 4
	default:
		return 5
	}
}

// Merge applies a bundle received from peer. Identities go first, then
// nodes, edges, relation declarations, attestations and traversals; within a
// phase the bundle's order is kept. Items whose dependencies have not
// arrived yet are retried once after the rest. Every newly stored item is
// noted as received from peer. Merging the same bundle twice only counts
// duplicates.
//
// Rejections are reported in the stats; the returned error is reserved for
// storage failures and cancellation.
func Merge(ctx context.Context, sink Sink, b Bundle, peer string) (MergeStats, error) {
	stats := MergeStats{Received: len(b.Items)}

	items := make([]Item, 0, len(b.Items))
	for _, it := range b.Items {
		if err := it.validate(); err != nil {
			stats.Rejected++
			stats.Failures = append(stats.Failures, failure(it, err))
			continue
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return phase(items[i]) < phase(items[j]) })

	var deferred []Item
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		err := apply(ctx, sink, it, peer, &stats)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrUnknownSubject):
			deferred = append(deferred, it)
		case store.IsRejection(err):
			stats.Rejected++
			stats.Failures = append(stats.Failures, failure(it, err))
		default:
			return stats, err
		}
	}

	for _, it := range deferred {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		err := apply(ctx, sink, it, peer, &stats)
		switch {
		case err == nil:
		case store.IsRejection(err):
			stats.Rejected++
			stats.Failures = append(stats.Failures, failure(it, err))
		default:
			return stats, err
		}
	}
	return stats, nil
}

func failure(it Item, err error) Failure {
	return Failure{Kind: it.Kind, RefID: it.RefID(), Err: err, Error: err.Error()}
}

func apply(ctx context.Context, sink Sink, it Item, peer string, stats *MergeStats) error {
	var (
		id      string
		created bool
		err     error
	)
	switch it.Kind {
	case store.EventNode:
		id, created, err = sink.PutNode(ctx, *it.Node)
	case store.EventEdge:
		id, created, err = sink.PutEdge(ctx, *it.Edge)
	case store.EventRelation:
		id = RelationKey(*it.Relation)
		created, err = sink.DeclareRelation(ctx, *it.Relation)
	case store.EventAttestation:
		id, created, err = sink.AppendAttestation(ctx, *it.Attestation)
	case store.EventTraversal:
		id, created, err = sink.RecordTraversal(ctx, *it.Traversal)
	default:
		return fmt.Errorf("%w: cannot merge %q", store.ErrInvalidInput, it.Kind)
	}
	if err != nil {
		return err
	}
	if !created {
		stats.Duplicate++
		return nil
	}
	stats.New++
	if peer == "" {
		return nil
	}
	return sink.RecordProvenance(ctx, id, peer)
}
