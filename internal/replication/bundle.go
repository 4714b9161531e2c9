package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/lazypower/wellspring/internal/store"
)

// Item is one replicated entity. Exactly one pointer matching Kind is set.
type Item struct {
	Kind        store.EventKind     `json:"kind"`
	Node        *store.Node         `json:"node,omitempty"`
	Edge        *store.Edge         `json:"edge,omitempty"`
	Relation    *store.RelationType `json:"relation,omitempty"`
	Attestation *store.Attestation  `json:"attestation,omitempty"`
	Traversal   *store.Traversal    `json:"traversal,omitempty"`
}

func NodeItem(n store.Node) Item { return Item{Kind: store.EventNode, Node: &n} }
func EdgeItem(e store.Edge) Item { return Item{Kind: store.EventEdge, Edge: &e} }
func RelationItem(r store.RelationType) Item { return Item{Kind: store.EventRelation, Relation: &r} }
func AttestationItem(a store.Attestation) Item { return Item{Kind: store.EventAttestation, Attestation: &a} }
func TraversalItem(t store.Traversal) Item { return Item{Kind: store.EventTraversal, Traversal: &t} }

// RefID is the id the item is known by in summaries and provenance.
func (it Item) RefID() string {
	switch {
	case it.Node != nil:
		return it.Node.ID
	case it.Edge != nil:
		return it.Edge.ID
	case it.Relation != nil:
		return RelationKey(*it.Relation)
	case it.Attestation != nil:
		return it.Attestation.ID
	case it.Traversal != nil:
		return it.Traversal.ID
	}
	return ""
}

func (it Item) validate() error {
	var ok bool
	switch it.Kind {
	case store.EventNode:
		ok = it.Node != nil
	case store.EventEdge:
		ok = it.Edge != nil
	case store.EventRelation:
		ok = it.Relation != nil
	case store.EventAttestation:
		ok = it.Attestation != nil
	case store.EventTraversal:
		ok = it.Traversal != nil
	}
	if !ok {
		return fmt.Errorf("%w: bundle item of kind %q carries no matching entity", store.ErrInvalidInput, it.Kind)
	}
	return nil
}

// Bundle is an ordered batch of items sent to one peer.
type Bundle struct {
	Items []Item `json:"items"`
}

// Encode writes the bundle as JSON lines, one item per line.
func Encode(w io.Writer, b Bundle) error {
	enc := json.NewEncoder(w)
	for i, it := range b.Items {
		if err := enc.Encode(it); err != nil {
			return fmt.Errorf("encode item %d: %w", i, err)
		}
	}
	return nil
}

// Decode reads a JSON-lines bundle written by Encode.
func Decode(r io.Reader) (Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(r)
	for {
		var it Item
		err := dec.Decode(&it)
		if errors.Is(err, io.EOF) {
			return b, nil
		}
		if err != nil {
			return b, fmt.Errorf("%w: decode item %d: %v", store.ErrInvalidInput, len(b.Items), err)
		}
		if err := it.validate(); err != nil {
			return b, fmt.Errorf("item %d: %w", len(b.Items), err)
		}
		b.Items = append(b.Items, it)
	}
}
