package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Checkpoint returns the last log position a background job fully applied.
func (db *DB) Checkpoint(ctx context.Context, job string) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `SELECT seq FROM checkpoints WHERE job = ?`, job).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint: %w", err)
	}
	return seq, nil
}

// SaveCheckpoint records the log position a job has fully applied.
func (db *DB) SaveCheckpoint(ctx context.Context, job string, seq int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO checkpoints (job, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(job) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at
	`, job, seq, nowMillis())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// ObserverState is a cached per-observer materialization and the log
// position it reflects. The cache holds nothing the log does not.
type ObserverState struct {
	Observer  string
	Component string
	Seq       int64
	Body      []byte
}

// SaveObserverState upserts a cached observer state row.
func (db *DB) SaveObserverState(ctx context.Context, s ObserverState) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO observer_state (observer, component, seq, body, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(observer, component) DO UPDATE
			SET seq = excluded.seq, body = excluded.body, updated_at = excluded.updated_at
	`, s.Observer, s.Component, s.Seq, string(s.Body), nowMillis())
	if err != nil {
		return fmt.Errorf("save observer state: %w", err)
	}
	return nil
}

// ObserverStates returns every cached state for a component.
func (db *DB) ObserverStates(ctx context.Context, component string) ([]ObserverState, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT observer, component, seq, body FROM observer_state WHERE component = ? ORDER BY observer
	`, component)
	if err != nil {
		return nil, fmt.Errorf("observer states: %w", err)
	}
	defer rows.Close()

	var out []ObserverState
	for rows.Next() {
		var s ObserverState
		var body string
		if err := rows.Scan(&s.Observer, &s.Component, &s.Seq, &body); err != nil {
			return nil, fmt.Errorf("scan observer state: %w", err)
		}
		s.Body = []byte(body)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ClearDerived drops every cached observer state and checkpoint so they are
// rebuilt from the log.
func (db *DB) ClearDerived(ctx context.Context) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM observer_state`); err != nil {
			return fmt.Errorf("clear observer state: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
			return fmt.Errorf("clear checkpoints: %w", err)
		}
		return nil
	})
}

// Provenance records which peer delivered a record. It is local metadata and
// never replicated.
type Provenance struct {
	RefID      string `json:"ref_id"`
	Peer       string `json:"peer"`
	ReceivedAt int64  `json:"received_at"`
}

// RecordProvenance notes that peer delivered refID.
func (db *DB) RecordProvenance(ctx context.Context, refID, peer string) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO provenance (ref_id, peer, received_at) VALUES (?, ?, ?)
	`, refID, peer, nowMillis())
	if err != nil {
		return fmt.Errorf("record provenance: %w", err)
	}
	return nil
}

// GetProvenance lists the peers that delivered refID.
func (db *DB) GetProvenance(ctx context.Context, refID string) ([]Provenance, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ref_id, peer, received_at FROM provenance WHERE ref_id = ? ORDER BY received_at, peer
	`, refID)
	if err != nil {
		return nil, fmt.Errorf("get provenance: %w", err)
	}
	defer rows.Close()

	var out []Provenance
	for rows.Next() {
		var p Provenance
		if err := rows.Scan(&p.RefID, &p.Peer, &p.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
