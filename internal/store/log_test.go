package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayOrderAndEntities(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	keif := newSovereign(t, db, "keif")
	a := newText(t, db, keif.ID, "a")
	b := newText(t, db, keif.ID, "b")
	e := newEdge(t, db, a, b, "next", keif.ID)
	spicy := newAspect(t, db, keif.ID, "spicy", AspectPreference)
	att, _, err := db.AppendAttestation(ctx, signed(t, keif, Attestation{On: e, Via: spicy, Weight: 0.7, At: 5}))
	require.NoError(t, err)
	tr, _, err := db.RecordTraversal(ctx, Traversal{Observer: keif.ID, Path: []string{a, b}, At: 6})
	require.NoError(t, err)

	var kinds []EventKind
	var last int64
	err = db.Replay(ctx, 0, func(ev Event) error {
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
		kinds = append(kinds, ev.Kind)
		switch ev.Kind {
		case EventAttestation:
			assert.Equal(t, att, ev.Attestation.ID)
		case EventTraversal:
			assert.Equal(t, tr, ev.Traversal.ID)
			assert.Equal(t, []Hop{{Edge: e}}, ev.Traversal.Hops)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []EventKind{
		EventNode, EventNode, EventNode, EventEdge, EventNode, EventAttestation, EventTraversal,
	}, kinds)

	// resuming after a position skips what was already applied
	var tail []EventKind
	require.NoError(t, db.Replay(ctx, last-1, func(ev Event) error {
		tail = append(tail, ev.Kind)
		return nil
	}))
	assert.Equal(t, []EventKind{EventTraversal}, tail)
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	db := testDB(t)
	newSovereign(t, db, "keif")
	boom := errors.New("boom")
	err := db.Replay(context.Background(), 0, func(Event) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestTraversalReplayIsNoop(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	keif := newSovereign(t, db, "keif")
	a := newText(t, db, keif.ID, "a")
	b := newText(t, db, keif.ID, "b")
	newEdge(t, db, b, a, "next", keif.ID)

	tr := Traversal{ID: "evt-1", Observer: keif.ID, Path: []string{a, b}, At: 10}
	_, created, err := db.RecordTraversal(ctx, tr)
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = db.RecordTraversal(ctx, tr)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := db.GetTraversals(ctx, keif.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Hops, 1)
	assert.True(t, got[0].Hops[0].Reverse, "edge b->a walked from a is a reverse hop")
}

func TestTraversalNeedsJoiningEdge(t *testing.T) {
	db := testDB(t)
	keif := newSovereign(t, db, "keif")
	a := newText(t, db, keif.ID, "a")
	b := newText(t, db, keif.ID, "b")
	_, _, err := db.RecordTraversal(context.Background(), Traversal{Observer: keif.ID, Path: []string{a, b}, At: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuditTables(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.RecordRejection(ctx, "attestation", "cid:x", ErrInvalidSignature, `{"by":"x"}`))
	rej, err := db.RejectedWrites(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rej, 1)
	assert.Equal(t, "invalid_signature", rej[0].Reason)

	c := Contradiction{Kind: "disjoint", Subject: "s", A: "a1", B: "a2"}
	created, err := db.RecordContradiction(ctx, c)
	require.NoError(t, err)
	assert.True(t, created)
	c.A, c.B = c.B, c.A
	created, err = db.RecordContradiction(ctx, c)
	require.NoError(t, err)
	assert.False(t, created, "swapped pair is the same contradiction")

	require.NoError(t, db.RecordCycle(ctx, CycleEvent{Attestation: "a", Edge: "e", Depth: 2}))
	require.NoError(t, db.RecordCycle(ctx, CycleEvent{Attestation: "a", Edge: "e", Depth: 2}))
	cycles, err := db.CycleEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
}

func TestCheckpointsAndObserverState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	seq, err := db.Checkpoint(ctx, "recompute")
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, db.SaveCheckpoint(ctx, "recompute", 42))
	require.NoError(t, db.SaveCheckpoint(ctx, "recompute", 57))
	seq, err = db.Checkpoint(ctx, "recompute")
	require.NoError(t, err)
	assert.Equal(t, int64(57), seq)

	require.NoError(t, db.SaveObserverState(ctx, ObserverState{Observer: "o", Component: "salience", Seq: 3, Body: []byte(`{}`)}))
	states, err := db.ObserverStates(ctx, "salience")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, int64(3), states[0].Seq)

	require.NoError(t, db.ClearDerived(ctx))
	states, err = db.ObserverStates(ctx, "salience")
	require.NoError(t, err)
	assert.Empty(t, states)

	require.NoError(t, db.RecordProvenance(ctx, "cid:x", "laptop"))
	require.NoError(t, db.RecordProvenance(ctx, "cid:x", "laptop"))
	prov, err := db.GetProvenance(ctx, "cid:x")
	require.NoError(t, err)
	assert.Len(t, prov, 1)
}
