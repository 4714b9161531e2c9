package store

import (
	"context"
	"fmt"
)

// EventKind names the entity an event log row refers to.
type EventKind string

const (
	EventNode        EventKind = "node"
	EventEdge        EventKind = "edge"
	EventRelation    EventKind = "relation"
	EventAttestation EventKind = "attestation"
	EventTraversal   EventKind = "traversal"
	EventFocus       EventKind = "focus"
)

// Event is one row of the append-only log with its entity loaded. Exactly
// one entity pointer matching Kind is set.
type Event struct {
	Seq         int64
	Kind        EventKind
	RefID       string
	Node        *Node
	Edge        *Edge
	Relation    *RelationType
	Attestation *Attestation
	Traversal   *Traversal
	Focus       *Focus
}

func appendEvent(ctx context.Context, q querier, kind EventKind, ref string) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO events (kind, ref_id, recorded_at) VALUES (?, ?, ?)
	`, string(kind), ref, nowMillis()); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LastSeq returns the highest log sequence number, 0 for an empty log.
func (db *DB) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

const replayBatch = 256

// Replay calls fn for every event with seq > after, in log order. Events are
// read a batch at a time and the rows are closed before fn runs, so fn may
// query or write the store.
func (db *DB) Replay(ctx context.Context, after int64, fn func(Event) error) error {
	for {
		batch, err := db.eventBatch(ctx, after)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, ev := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := db.loadEvent(ctx, &ev); err != nil {
				return err
			}
			if err := fn(ev); err != nil {
				return err
			}
			after = ev.Seq
		}
	}
}

func (db *DB) eventBatch(ctx context.Context, after int64) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT seq, kind, ref_id FROM events WHERE seq > ? ORDER BY seq LIMIT ?
	`, after, replayBatch)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.Seq, &kind, &ev.RefID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (db *DB) loadEvent(ctx context.Context, ev *Event) error {
	var err error
	var missing bool
	switch ev.Kind {
	case EventNode:
		ev.Node, err = getNode(ctx, db, ev.RefID)
		missing = ev.Node == nil
	case EventEdge:
		ev.Edge, err = getEdge(ctx, db, ev.RefID)
		missing = ev.Edge == nil
	case EventRelation:
		ev.Relation, err = db.GetRelation(ctx, ev.RefID)
		missing = ev.Relation == nil
	case EventAttestation:
		ev.Attestation, err = getAttestation(ctx, db, ev.RefID)
		missing = ev.Attestation == nil
	case EventTraversal:
		ev.Traversal, err = getTraversal(ctx, db, ev.RefID)
		missing = ev.Traversal == nil
	case EventFocus:
		ev.Focus, err = getFocus(ctx, db, ev.RefID)
		missing = ev.Focus == nil
	default:
		return fmt.Errorf("event %d: unknown kind %q", ev.Seq, ev.Kind)
	}
	if err != nil {
		return fmt.Errorf("load event %d: %w", ev.Seq, err)
	}
	if missing {
		return fmt.Errorf("event %d: %s %s missing from its table", ev.Seq, ev.Kind, ev.RefID)
	}
	return nil
}
