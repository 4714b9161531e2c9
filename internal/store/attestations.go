package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lazypower/wellspring/internal/keys"
)

// AppendAttestation appends a signed belief to the ledger. The subject, the
// via aspect and every because edge must exist; the signer must be able to
// sign at the attestation's time. Appending an identical attestation again
// is a no-op.
func (db *DB) AppendAttestation(ctx context.Context, a Attestation) (id string, created bool, err error) {
	if a.By == "" || a.On == "" || a.Via == "" {
		return "", false, fmt.Errorf("%w: attestation needs by, on and via", ErrInvalidInput)
	}
	if !validWeight(a.Weight) {
		return "", false, fmt.Errorf("%w: weight %v outside [-1, 1]", ErrInvalidInput, a.Weight)
	}
	if a.At <= 0 {
		return "", false, fmt.Errorf("%w: attestation needs a timestamp", ErrInvalidInput)
	}
	a.Normalize()
	id, err = a.ComputeID()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if a.ID != "" && a.ID != id {
		return "", false, fmt.Errorf("%w: attestation id %s does not match its content", ErrInvalidInput, keys.Short(a.ID))
	}
	a.ID = id

	because, err := json.Marshal(a.Because)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if a.Because == nil {
		because = []byte("[]")
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getAttestation(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		if err := checkAttestation(ctx, tx, &a); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attestations (id, by_identity, subject, via, weight, at, because, proxy, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, a.By, a.On, a.Via, a.Weight, a.At, string(because), a.Proxy, a.Signature); err != nil {
			return fmt.Errorf("insert attestation: %w", err)
		}
		created = true
		return appendEvent(ctx, tx, EventAttestation, id)
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

func checkAttestation(ctx context.Context, q querier, a *Attestation) error {
	subject, err := subjectExists(ctx, q, a.On)
	if err != nil {
		return err
	}
	if !subject {
		return fmt.Errorf("%w: subject %s", ErrUnknownSubject, keys.Short(a.On))
	}

	via, err := getNode(ctx, q, a.Via)
	if err != nil {
		return err
	}
	if via == nil {
		return fmt.Errorf("%w: aspect %s", ErrUnknownSubject, keys.Short(a.Via))
	}
	if via.Aspect() == nil {
		return fmt.Errorf("%w: via %s is not an aspect", ErrInvalidInput, keys.Short(a.Via))
	}

	for _, b := range a.Because {
		e, err := getEdge(ctx, q, b)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("%w: because edge %s", ErrUnknownSubject, keys.Short(b))
		}
	}

	byNode, err := getNode(ctx, q, a.By)
	if err != nil {
		return err
	}
	if byNode == nil {
		return fmt.Errorf("%w: identity %s", ErrUnknownSubject, keys.Short(a.By))
	}
	by := byNode.Identity()
	if by == nil {
		return fmt.Errorf("%w: %s is not an identity", ErrInvalidInput, keys.Short(a.By))
	}

	if a.Proxy != "" {
		if by.Kind != RecordIdentity && by.Kind != External {
			return fmt.Errorf("%w: only record and external identities attest through a proxy", ErrInvalidInput)
		}
	}

	signer := by
	if a.Proxy != "" {
		proxyNode, err := getNode(ctx, q, a.Proxy)
		if err != nil {
			return err
		}
		if proxyNode == nil {
			return fmt.Errorf("%w: proxy %s", ErrUnknownSubject, keys.Short(a.Proxy))
		}
		if signer = proxyNode.Identity(); signer == nil {
			return fmt.Errorf("%w: proxy %s is not an identity", ErrInvalidInput, keys.Short(a.Proxy))
		}
	}

	if err := checkCanSign(ctx, q, a.Signer(), signer, a.At); err != nil {
		return err
	}
	if a.Signature == "" || !keys.Verify(signer.PublicKey, a.ID, a.Signature) {
		return fmt.Errorf("%w: attestation %s by %s", ErrInvalidSignature, keys.Short(a.ID), keys.Short(a.Signer()))
	}
	return nil
}

// checkCanSign rejects keyless identities and keys retired by time at: a
// key rotated away, or a delegation expired or revoked.
func checkCanSign(ctx context.Context, q querier, id string, ident *Identity, at int64) error {
	if !ident.CanSign() {
		return fmt.Errorf("%w: %s identity %s cannot sign", ErrInvalidSignature, ident.Kind, keys.Short(id))
	}
	var rotated int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM edges
		WHERE relation = ? AND from_node = ? AND creator = ? AND created_at <= ?
	`, RelRotatesTo, id, id, at).Scan(&rotated)
	if err != nil {
		return fmt.Errorf("check rotation: %w", err)
	}
	if rotated > 0 {
		return fmt.Errorf("%w: key of %s was rotated", ErrInvalidSignature, keys.Short(id))
	}
	if ident.Kind != Delegated {
		return nil
	}
	if ident.ExpiresAt > 0 && at >= ident.ExpiresAt {
		return fmt.Errorf("%w: delegation %s expired", ErrInvalidSignature, keys.Short(id))
	}
	var revoked int
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM edges
		WHERE relation = ? AND from_node = ? AND to_node = ? AND created_at <= ?
	`, RelRevokes, ident.Parent, id, at).Scan(&revoked)
	if err != nil {
		return fmt.Errorf("check revocation: %w", err)
	}
	if revoked > 0 {
		return fmt.Errorf("%w: delegation %s revoked", ErrInvalidSignature, keys.Short(id))
	}
	return nil
}

func subjectExists(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM nodes WHERE id = ?) + (SELECT COUNT(*) FROM edges WHERE id = ?)
	`, id, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check subject: %w", err)
	}
	return n > 0, nil
}

const attestationColumns = `a.id, a.by_identity, a.subject, a.via, a.weight, a.at, a.because, a.proxy, a.signature`

// GetAttestation returns an attestation by id, or nil if not found.
func (db *DB) GetAttestation(ctx context.Context, id string) (*Attestation, error) {
	return getAttestation(ctx, db, id)
}

func getAttestation(ctx context.Context, q querier, id string) (*Attestation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+attestationColumns+` FROM attestations a WHERE a.id = ?`, id)
	a, err := scanAttestation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attestation: %w", err)
	}
	return a, nil
}

// GetAttestations returns every attestation on a subject in append order.
func (db *DB) GetAttestations(ctx context.Context, subject string) ([]Attestation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+attestationColumns+`
		FROM attestations a
		JOIN events e ON e.kind = 'attestation' AND e.ref_id = a.id
		WHERE a.subject = ?
		ORDER BY e.seq
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("get attestations: %w", err)
	}
	defer rows.Close()

	var out []Attestation
	for rows.Next() {
		a, err := scanAttestation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attestation: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAttestation(s scanner) (*Attestation, error) {
	var a Attestation
	var because string
	if err := s.Scan(&a.ID, &a.By, &a.On, &a.Via, &a.Weight, &a.At, &because, &a.Proxy, &a.Signature); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(because), &a.Because); err != nil {
		return nil, fmt.Errorf("decode because: %w", err)
	}
	if len(a.Because) == 0 {
		a.Because = nil
	}
	return &a, nil
}
