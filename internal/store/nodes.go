package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lazypower/wellspring/internal/keys"
)

// PutNode stores an immutable node and returns its content id. Storing the
// same (content, creator) again is a no-op that returns the same id with
// created == false.
func (db *DB) PutNode(ctx context.Context, n Node) (id string, created bool, err error) {
	if n.Creator == "" {
		return "", false, fmt.Errorf("%w: node needs a creator", ErrInvalidInput)
	}
	if err := n.Content.Validate(); err != nil {
		return "", false, err
	}
	id, err = NodeID(n.Content, n.Creator)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if n.ID != "" && n.ID != id {
		return "", false, fmt.Errorf("%w: node id %s does not match its content", ErrInvalidInput, keys.Short(n.ID))
	}
	n.ID = id
	if n.CreatedAt == 0 {
		n.CreatedAt = nowMillis()
	}

	content, err := json.Marshal(n.Content)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := nodeExists(ctx, tx, id)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := checkNodeAuthor(ctx, tx, &n); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (id, kind, content, creator, created_at, signature, pool)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, string(n.Content.Kind), string(content), n.Creator, n.CreatedAt, n.Signature, n.Pool); err != nil {
			return fmt.Errorf("insert node: %w", err)
		}
		created = true
		return appendEvent(ctx, tx, EventNode, id)
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

// checkNodeAuthor verifies the creator and the signature, which every
// creator holding a key must supply.
func checkNodeAuthor(ctx context.Context, q querier, n *Node) error {
	self := n.Identity()

	var signer *Identity
	if n.Creator == Genesis {
		if self == nil {
			return fmt.Errorf("%w: only identity nodes may be created by %s", ErrInvalidInput, Genesis)
		}
		signer = self
	} else {
		creator, err := getNode(ctx, q, n.Creator)
		if err != nil {
			return err
		}
		if creator == nil {
			return fmt.Errorf("%w: creator %s", ErrUnknownSubject, keys.Short(n.Creator))
		}
		if signer = creator.Identity(); signer == nil {
			return fmt.Errorf("%w: creator %s is not an identity", ErrInvalidInput, keys.Short(n.Creator))
		}
	}

	signerID := n.Creator
	if n.Creator == Genesis {
		signerID = n.ID
	}

	if self != nil && self.Kind == Delegated {
		if n.Creator != self.Parent {
			return fmt.Errorf("%w: a delegation is created by its parent", ErrInvalidInput)
		}
		if !signer.CanSign() {
			return fmt.Errorf("%w: delegation parent %s holds no key", ErrInvalidInput, keys.Short(self.Parent))
		}
	}

	if !signer.CanSign() {
		if n.Signature != "" {
			return fmt.Errorf("%w: creator %s holds no key", ErrInvalidSignature, keys.Short(n.Creator))
		}
		return nil
	}
	if n.Signature == "" {
		return fmt.Errorf("%w: node %s by %s is unsigned", ErrInvalidSignature, keys.Short(n.ID), keys.Short(signerID))
	}
	if n.Creator != Genesis {
		if err := checkCanSign(ctx, q, signerID, signer, n.CreatedAt); err != nil {
			return err
		}
	}
	digest, err := n.Digest()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !keys.Verify(signer.PublicKey, digest, n.Signature) {
		return fmt.Errorf("%w: node %s", ErrInvalidSignature, keys.Short(n.ID))
	}
	return nil
}

// GetNode returns a node by id, or nil if not found.
func (db *DB) GetNode(ctx context.Context, id string) (*Node, error) {
	return getNode(ctx, db, id)
}

const nodeColumns = `id, content, creator, created_at, signature, pool`

func getNode(ctx context.Context, q querier, id string) (*Node, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func nodeExists(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check node: %w", err)
	}
	return n > 0, nil
}

// ListNodes returns nodes of the given payload kind ("" for all) in
// insertion order.
func (db *DB) ListNodes(ctx context.Context, kind PayloadKind) ([]Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY rowid`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*Node, error) {
	var n Node
	var content string
	if err := s.Scan(&n.ID, &content, &n.Creator, &n.CreatedAt, &n.Signature, &n.Pool); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &n.Content); err != nil {
		return nil, fmt.Errorf("decode content of %s: %w", keys.Short(n.ID), err)
	}
	return &n, nil
}
