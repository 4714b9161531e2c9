package store

import (
	"context"
	"fmt"
)

// Rejection is a write refused at the boundary, kept for audit.
type Rejection struct {
	ID     int64  `json:"id"`
	Kind   string `json:"kind"`
	RefID  string `json:"ref_id,omitempty"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
	Body   string `json:"body,omitempty"`
	At     int64  `json:"at"`
}

// RecordRejection stores a rejected write. It runs outside the failed
// transaction, which has already rolled back.
func (db *DB) RecordRejection(ctx context.Context, kind, refID string, cause error, body string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rejected_writes (kind, ref_id, reason, error, body, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, kind, refID, Reason(cause), cause.Error(), body, nowMillis())
	if err != nil {
		return fmt.Errorf("record rejection: %w", err)
	}
	return nil
}

// RejectedWrites returns the most recent rejections, newest first.
func (db *DB) RejectedWrites(ctx context.Context, limit int) ([]Rejection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, ref_id, reason, error, body, at
		FROM rejected_writes ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("rejected writes: %w", err)
	}
	defer rows.Close()

	var out []Rejection
	for rows.Next() {
		var r Rejection
		if err := rows.Scan(&r.ID, &r.Kind, &r.RefID, &r.Reason, &r.Error, &r.Body, &r.At); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordContradiction stores a contradiction once; repeats are ignored.
func (db *DB) RecordContradiction(ctx context.Context, c Contradiction) (created bool, err error) {
	if c.ID == "" {
		if c.ID, err = ContradictionID(c.Kind, c.Subject, c.A, c.B); err != nil {
			return false, err
		}
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = nowMillis()
	}
	res, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO contradictions (id, kind, subject, a, b, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.Kind, c.Subject, c.A, c.B, c.DetectedAt)
	if err != nil {
		return false, fmt.Errorf("record contradiction: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Contradictions returns recorded contradictions, newest first.
func (db *DB) Contradictions(ctx context.Context, limit int) ([]Contradiction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, subject, a, b, detected_at
		FROM contradictions ORDER BY detected_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("contradictions: %w", err)
	}
	defer rows.Close()

	var out []Contradiction
	for rows.Next() {
		var c Contradiction
		if err := rows.Scan(&c.ID, &c.Kind, &c.Subject, &c.A, &c.B, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan contradiction: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordCycle stores a grounding cycle once per (attestation, edge).
func (db *DB) RecordCycle(ctx context.Context, c CycleEvent) error {
	if c.ID == "" {
		c.ID = c.Attestation + "|" + c.Edge
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = nowMillis()
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cycle_events (id, attestation, edge, depth, detected_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.Attestation, c.Edge, c.Depth, c.DetectedAt)
	if err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}
	return nil
}

// CycleEvents returns recorded grounding cycles, newest first.
func (db *DB) CycleEvents(ctx context.Context, limit int) ([]CycleEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, attestation, edge, depth, detected_at
		FROM cycle_events ORDER BY detected_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("cycle events: %w", err)
	}
	defer rows.Close()

	var out []CycleEvent
	for rows.Next() {
		var c CycleEvent
		if err := rows.Scan(&c.ID, &c.Attestation, &c.Edge, &c.Depth, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
