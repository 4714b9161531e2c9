package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lazypower/wellspring/internal/keys"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type testIdentity struct {
	ID  string
	Key *keys.KeyPair
}

// testKeys maps identity ids to the keys newSovereign generated for them.
var testKeys sync.Map

func keyOf(id string) *keys.KeyPair {
	if kp, ok := testKeys.Load(id); ok {
		return kp.(*keys.KeyPair)
	}
	return nil
}

// signNode signs n with its creator's key when one is known.
func signNode(t *testing.T, n Node) Node {
	t.Helper()
	if n.CreatedAt == 0 {
		n.CreatedAt = nowMillis()
	}
	if kp := keyOf(n.Creator); kp != nil {
		digest, err := n.Digest()
		require.NoError(t, err)
		n.Signature = kp.Sign(digest)
	}
	return n
}

// signEdge signs e with its creator's key when one is known.
func signEdge(t *testing.T, e Edge) Edge {
	t.Helper()
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMillis()
	}
	if kp := keyOf(e.Creator); kp != nil {
		digest, err := e.Digest()
		require.NoError(t, err)
		e.Signature = kp.Sign(digest)
	}
	return e
}

func newSovereign(t *testing.T, db *DB, name string) testIdentity {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	n := Node{
		Content:   IdentityPayload(Identity{Kind: Sovereign, Name: name, PublicKey: kp.PublicString()}),
		Creator:   Genesis,
		CreatedAt: nowMillis(),
	}
	digest, err := n.Digest()
	require.NoError(t, err)
	n.Signature = kp.Sign(digest)
	id, _, err := db.PutNode(context.Background(), n)
	require.NoError(t, err)
	testKeys.Store(id, kp)
	return testIdentity{ID: id, Key: kp}
}

func newAspect(t *testing.T, db *DB, creator, name string, typ AspectType) string {
	t.Helper()
	id, _, err := db.PutNode(context.Background(), signNode(t, Node{
		Content: AspectPayload(Aspect{Type: typ, Name: name}),
		Creator: creator,
	}))
	require.NoError(t, err)
	return id
}

func newText(t *testing.T, db *DB, creator, text string) string {
	t.Helper()
	id, _, err := db.PutNode(context.Background(), signNode(t, Node{Content: TextPayload(text), Creator: creator}))
	require.NoError(t, err)
	return id
}

func newEdge(t *testing.T, db *DB, from, to, rel, creator string) string {
	t.Helper()
	id, _, err := db.PutEdge(context.Background(), signEdge(t, Edge{From: from, To: to, Relation: rel, Creator: creator}))
	require.NoError(t, err)
	return id
}

// signed builds an attestation signed by who.
func signed(t *testing.T, who testIdentity, a Attestation) Attestation {
	t.Helper()
	a.By = who.ID
	a.Normalize()
	id, err := a.ComputeID()
	require.NoError(t, err)
	a.Signature = who.Key.Sign(id)
	return a
}

// mustNode loads a stored node for copying into another store.
func mustNode(t *testing.T, db *DB, id string) Node {
	t.Helper()
	n, err := db.GetNode(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, n)
	return *n
}
