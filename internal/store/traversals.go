package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lazypower/wellspring/internal/keys"
)

// RecordTraversal appends a walked path for an observer. When Hops is empty
// every edge joining consecutive path nodes is resolved now, so replaying the
// event later sees the same edges. An event id that was already recorded is
// a no-op, which makes delivery at-least-once safe.
func (db *DB) RecordTraversal(ctx context.Context, t Traversal) (id string, created bool, err error) {
	if t.Observer == "" || len(t.Path) == 0 {
		return "", false, fmt.Errorf("%w: traversal needs an observer and a path", ErrInvalidInput)
	}
	if t.At <= 0 {
		return "", false, fmt.Errorf("%w: traversal needs a timestamp", ErrInvalidInput)
	}
	if t.ID == "" {
		if t.ID, err = TraversalID(t.Observer, t.Path, t.At); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM traversals WHERE id = ?`, t.ID).Scan(&n); err != nil {
			return fmt.Errorf("check traversal: %w", err)
		}
		if n > 0 {
			return nil
		}
		if err := checkObserver(ctx, tx, t.Observer); err != nil {
			return err
		}
		for _, nodeID := range t.Path {
			ok, err := nodeExists(ctx, tx, nodeID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: path node %s", ErrUnknownSubject, keys.Short(nodeID))
			}
		}
		if len(t.Hops) == 0 {
			for i := 1; i < len(t.Path); i++ {
				hops, err := edgesBetween(ctx, tx, t.Path[i-1], t.Path[i])
				if err != nil {
					return err
				}
				if len(hops) == 0 {
					return fmt.Errorf("%w: no edge joins %s and %s", ErrInvalidInput, keys.Short(t.Path[i-1]), keys.Short(t.Path[i]))
				}
				t.Hops = append(t.Hops, hops...)
			}
		} else {
			for _, h := range t.Hops {
				e, err := getEdge(ctx, tx, h.Edge)
				if err != nil {
					return err
				}
				if e == nil {
					return fmt.Errorf("%w: hop edge %s", ErrUnknownSubject, keys.Short(h.Edge))
				}
			}
		}

		path, _ := json.Marshal(t.Path)
		hops, _ := json.Marshal(t.Hops)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO traversals (id, observer, path, hops, at) VALUES (?, ?, ?, ?, ?)
		`, t.ID, t.Observer, string(path), string(hops), t.At); err != nil {
			return fmt.Errorf("insert traversal: %w", err)
		}
		created = true
		return appendEvent(ctx, tx, EventTraversal, t.ID)
	})
	if err != nil {
		return "", false, err
	}
	return t.ID, created, nil
}

// RecordFocus appends an explicit working-set change for an observer.
func (db *DB) RecordFocus(ctx context.Context, f Focus) (id string, created bool, err error) {
	if f.Observer == "" {
		return "", false, fmt.Errorf("%w: focus needs an observer", ErrInvalidInput)
	}
	if f.At <= 0 {
		return "", false, fmt.Errorf("%w: focus needs a timestamp", ErrInvalidInput)
	}
	if f.ID == "" {
		if f.ID, err = FocusID(f.Observer, f.Nodes, f.At); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM focus_events WHERE id = ?`, f.ID).Scan(&n); err != nil {
			return fmt.Errorf("check focus: %w", err)
		}
		if n > 0 {
			return nil
		}
		if err := checkObserver(ctx, tx, f.Observer); err != nil {
			return err
		}
		for _, nodeID := range f.Nodes {
			ok, err := nodeExists(ctx, tx, nodeID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: focus node %s", ErrUnknownSubject, keys.Short(nodeID))
			}
		}
		nodes, _ := json.Marshal(f.Nodes)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO focus_events (id, observer, nodes, at) VALUES (?, ?, ?, ?)
		`, f.ID, f.Observer, string(nodes), f.At); err != nil {
			return fmt.Errorf("insert focus: %w", err)
		}
		created = true
		return appendEvent(ctx, tx, EventFocus, f.ID)
	})
	if err != nil {
		return "", false, err
	}
	return f.ID, created, nil
}

func checkObserver(ctx context.Context, q querier, observer string) error {
	n, err := getNode(ctx, q, observer)
	if err != nil {
		return err
	}
	if n == nil {
		return fmt.Errorf("%w: observer %s", ErrUnknownSubject, keys.Short(observer))
	}
	if n.Identity() == nil {
		return fmt.Errorf("%w: observer %s is not an identity", ErrInvalidInput, keys.Short(observer))
	}
	return nil
}

// GetTraversal returns a traversal by id, or nil.
func (db *DB) GetTraversal(ctx context.Context, id string) (*Traversal, error) {
	return getTraversal(ctx, db, id)
}

func getTraversal(ctx context.Context, q querier, id string) (*Traversal, error) {
	row := q.QueryRowContext(ctx, `SELECT id, observer, path, hops, at FROM traversals WHERE id = ?`, id)
	t, err := scanTraversal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get traversal: %w", err)
	}
	return t, nil
}

// GetTraversals returns an observer's traversals, newest first.
func (db *DB) GetTraversals(ctx context.Context, observer string, limit int) ([]Traversal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, observer, path, hops, at FROM traversals
		WHERE observer = ? ORDER BY at DESC, id LIMIT ?
	`, observer, limit)
	if err != nil {
		return nil, fmt.Errorf("get traversals: %w", err)
	}
	defer rows.Close()

	var out []Traversal
	for rows.Next() {
		t, err := scanTraversal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan traversal: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTraversal(s scanner) (*Traversal, error) {
	var t Traversal
	var path, hops string
	if err := s.Scan(&t.ID, &t.Observer, &path, &hops, &t.At); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(path), &t.Path); err != nil {
		return nil, fmt.Errorf("decode path: %w", err)
	}
	if err := json.Unmarshal([]byte(hops), &t.Hops); err != nil {
		return nil, fmt.Errorf("decode hops: %w", err)
	}
	return &t, nil
}

func getFocus(ctx context.Context, q querier, id string) (*Focus, error) {
	var f Focus
	var nodes string
	err := q.QueryRowContext(ctx, `SELECT id, observer, nodes, at FROM focus_events WHERE id = ?`, id).
		Scan(&f.ID, &f.Observer, &nodes, &f.At)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get focus: %w", err)
	}
	if err := json.Unmarshal([]byte(nodes), &f.Nodes); err != nil {
		return nil, fmt.Errorf("decode focus nodes: %w", err)
	}
	return &f, nil
}
