package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lazypower/wellspring/internal/keys"
)

// PutEdge stores an edge and returns its content id. Both endpoints and the
// creator must already exist. Re-inserting is a no-op.
func (db *DB) PutEdge(ctx context.Context, e Edge) (id string, created bool, err error) {
	if e.From == "" || e.To == "" || e.Relation == "" || e.Creator == "" {
		return "", false, fmt.Errorf("%w: edge needs from, to, relation and creator", ErrInvalidInput)
	}
	id, err = EdgeID(e.From, e.To, e.Relation, e.Creator)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if e.ID != "" && e.ID != id {
		return "", false, fmt.Errorf("%w: edge id %s does not match its content", ErrInvalidInput, keys.Short(e.ID))
	}
	e.ID = id
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMillis()
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getEdge(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		if err := checkEdge(ctx, tx, &e); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edges (id, from_node, to_node, relation, creator, created_at, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, e.From, e.To, e.Relation, e.Creator, e.CreatedAt, e.Signature); err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
		created = true
		return appendEvent(ctx, tx, EventEdge, id)
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

func checkEdge(ctx context.Context, q querier, e *Edge) error {
	from, err := getNode(ctx, q, e.From)
	if err != nil {
		return err
	}
	if from == nil {
		return fmt.Errorf("%w: from node %s", ErrUnknownSubject, keys.Short(e.From))
	}
	to, err := getNode(ctx, q, e.To)
	if err != nil {
		return err
	}
	if to == nil {
		return fmt.Errorf("%w: to node %s", ErrUnknownSubject, keys.Short(e.To))
	}
	creator, err := getNode(ctx, q, e.Creator)
	if err != nil {
		return err
	}
	if creator == nil {
		return fmt.Errorf("%w: creator %s", ErrUnknownSubject, keys.Short(e.Creator))
	}
	signer := creator.Identity()
	if signer == nil {
		return fmt.Errorf("%w: creator %s is not an identity", ErrInvalidInput, keys.Short(e.Creator))
	}

	switch e.Relation {
	case RelVouches:
		if e.From != e.Creator || to.Identity() == nil {
			return fmt.Errorf("%w: a vouch is made by its voucher about an identity", ErrInvalidInput)
		}
	case RelRevokes:
		delegate := to.Identity()
		if e.From != e.Creator || delegate == nil || delegate.Kind != Delegated || delegate.Parent != e.From {
			return fmt.Errorf("%w: only a delegation's parent can revoke it", ErrInvalidInput)
		}
	case RelDisjoint:
		if from.Aspect() == nil || to.Aspect() == nil {
			return fmt.Errorf("%w: disjoint relates two aspects", ErrInvalidInput)
		}
	case RelMemberOf:
		if from.Identity() == nil {
			return fmt.Errorf("%w: member_of starts at an identity", ErrInvalidInput)
		}
	case RelRotatesTo:
		next := to.Identity()
		if e.From != e.Creator || e.From == e.To || next == nil || !next.CanSign() || next.Kind != signer.Kind {
			return fmt.Errorf("%w: a rotation is made by an identity to a new key of its own kind", ErrInvalidInput)
		}
	}

	if !signer.CanSign() {
		if e.Signature != "" {
			return fmt.Errorf("%w: creator %s holds no key", ErrInvalidSignature, keys.Short(e.Creator))
		}
		return nil
	}
	if e.Signature == "" {
		return fmt.Errorf("%w: edge %s by %s is unsigned", ErrInvalidSignature, keys.Short(e.ID), keys.Short(e.Creator))
	}
	if err := checkCanSign(ctx, q, e.Creator, signer, e.CreatedAt); err != nil {
		return err
	}
	digest, err := e.Digest()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !keys.Verify(signer.PublicKey, digest, e.Signature) {
		return fmt.Errorf("%w: edge %s", ErrInvalidSignature, keys.Short(e.ID))
	}
	return nil
}

const edgeColumns = `id, from_node, to_node, relation, creator, created_at, signature`

// GetEdge returns an edge by id, or nil if not found.
func (db *DB) GetEdge(ctx context.Context, id string) (*Edge, error) {
	return getEdge(ctx, db, id)
}

func getEdge(ctx context.Context, q querier, id string) (*Edge, error) {
	var e Edge
	err := q.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id).
		Scan(&e.ID, &e.From, &e.To, &e.Relation, &e.Creator, &e.CreatedAt, &e.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get edge: %w", err)
	}
	return &e, nil
}

// GetEdgesFrom returns the outgoing edges of a node in insertion order.
func (db *DB) GetEdgesFrom(ctx context.Context, nodeID string) ([]Edge, error) {
	return db.queryEdges(ctx, `SELECT `+edgeColumns+` FROM edges WHERE from_node = ? ORDER BY rowid`, nodeID)
}

// GetEdgesTo returns the incoming edges of a node in insertion order.
func (db *DB) GetEdgesTo(ctx context.Context, nodeID string) ([]Edge, error) {
	return db.queryEdges(ctx, `SELECT `+edgeColumns+` FROM edges WHERE to_node = ? ORDER BY rowid`, nodeID)
}

func (db *DB) queryEdges(ctx context.Context, query string, args ...any) ([]Edge, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.Relation, &e.Creator, &e.CreatedAt, &e.Signature); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// edgesBetween returns edges joining a and b in either direction.
func edgesBetween(ctx context.Context, q querier, a, b string) ([]Hop, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, from_node = ? FROM edges
		WHERE (from_node = ? AND to_node = ?) OR (from_node = ? AND to_node = ?)
		ORDER BY id
	`, a, a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("edges between: %w", err)
	}
	defer rows.Close()

	var hops []Hop
	for rows.Next() {
		var id string
		var forward bool
		if err := rows.Scan(&id, &forward); err != nil {
			return nil, err
		}
		hops = append(hops, Hop{Edge: id, Reverse: !forward})
	}
	return hops, rows.Err()
}

// DeclareRelation records characteristics for a relation name. When two
// declarations of a name meet, the one that Precedes the other is kept, so
// stores that exchange declarations agree on the result. created reports
// whether the stored declaration changed.
func (db *DB) DeclareRelation(ctx context.Context, r RelationType) (created bool, err error) {
	if r.Name == "" || r.Creator == "" {
		return false, fmt.Errorf("%w: relation needs a name and a creator", ErrInvalidInput)
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = nowMillis()
	}
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		creator, err := getNode(ctx, tx, r.Creator)
		if err != nil {
			return err
		}
		if creator == nil {
			return fmt.Errorf("%w: creator %s", ErrUnknownSubject, keys.Short(r.Creator))
		}
		if creator.Identity() == nil {
			return fmt.Errorf("%w: creator is not an identity", ErrInvalidInput)
		}
		existing, err := getRelation(ctx, tx, r.Name)
		if err != nil {
			return err
		}
		if existing != nil && (*existing == r || !r.Precedes(*existing)) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relation_types
				(name, transitive, symmetric, inverse, functional, antisymmetric, creator, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				transitive = excluded.transitive, symmetric = excluded.symmetric,
				inverse = excluded.inverse, functional = excluded.functional,
				antisymmetric = excluded.antisymmetric, creator = excluded.creator,
				created_at = excluded.created_at
		`, r.Name, r.Transitive, r.Symmetric, r.Inverse, r.Functional, r.Antisymmetric, r.Creator, r.CreatedAt); err != nil {
			return fmt.Errorf("declare relation: %w", err)
		}
		created = true
		return appendEvent(ctx, tx, EventRelation, r.Name)
	})
	return created, err
}

// GetRelation returns a declared relation, or nil.
func (db *DB) GetRelation(ctx context.Context, name string) (*RelationType, error) {
	return getRelation(ctx, db, name)
}

func getRelation(ctx context.Context, q querier, name string) (*RelationType, error) {
	var r RelationType
	err := q.QueryRowContext(ctx, `
		SELECT name, transitive, symmetric, inverse, functional, antisymmetric, creator, created_at
		FROM relation_types WHERE name = ?
	`, name).Scan(&r.Name, &r.Transitive, &r.Symmetric, &r.Inverse, &r.Functional, &r.Antisymmetric, &r.Creator, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get relation: %w", err)
	}
	return &r, nil
}

// ListRelations returns every declared relation.
func (db *DB) ListRelations(ctx context.Context) ([]RelationType, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, transitive, symmetric, inverse, functional, antisymmetric, creator, created_at
		FROM relation_types ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()

	var out []RelationType
	for rows.Next() {
		var r RelationType
		if err := rows.Scan(&r.Name, &r.Transitive, &r.Symmetric, &r.Inverse, &r.Functional, &r.Antisymmetric, &r.Creator, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
