package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/wellspring/internal/keys"
	"github.com/lazypower/wellspring/internal/store"
)

// finish records the outcome of a write and folds it into memory.
func (e *Engine) finish(ctx context.Context, kind store.EventKind, ref string, created bool, err error, body any) error {
	if err != nil {
		e.reject(ctx, kind, ref, err, body)
		return err
	}
	if !created {
		return nil
	}
	e.metrics.Writes.WithLabelValues(string(kind)).Inc()
	return e.catchUp(ctx)
}

// reject logs a refused write and keeps it for audit.
func (e *Engine) reject(ctx context.Context, kind store.EventKind, ref string, cause error, body any) {
	if !store.IsRejection(cause) {
		e.log.Error("write failed", zap.String("kind", string(kind)), zap.Error(cause))
		return
	}
	reason := store.Reason(cause)
	e.metrics.Rejected.WithLabelValues(string(kind), reason).Inc()
	e.log.Warn("write rejected",
		zap.String("kind", string(kind)),
		zap.String("ref", keys.Short(ref)),
		zap.String("reason", reason),
		zap.Error(cause))

	var raw string
	if body != nil {
		if b, err := json.Marshal(body); err == nil {
			raw = string(b)
		}
	}
	if err := e.DB.RecordRejection(ctx, string(kind), ref, cause, raw); err != nil {
		e.log.Error("record rejection", zap.Error(err))
	}
}

// signer returns the local key for an identity, or nil.
func (e *Engine) signer(identity string) *keys.KeyPair {
	if e.keyring == nil || identity == "" || identity == store.Genesis {
		return nil
	}
	kp, err := e.keyring.Load(identity)
	if err != nil {
		e.log.Warn("load key", zap.String("identity", keys.Short(identity)), zap.Error(err))
		return nil
	}
	return kp
}

// PutNode stores a node. When the keyring holds the creator's key an
// unsigned node is signed first.
func (e *Engine) PutNode(ctx context.Context, n store.Node) (string, bool, error) {
	if n.CreatedAt == 0 {
		n.CreatedAt = e.now()
	}
	if n.Signature == "" {
		if kp := e.signer(n.Creator); kp != nil {
			if digest, err := n.Digest(); err == nil {
				n.Signature = kp.Sign(digest)
			}
		}
	}
	id, created, err := e.DB.PutNode(ctx, n)
	return id, created, e.finish(ctx, store.EventNode, firstNonEmpty(id, n.ID), created, err, n)
}

// PutEdge stores an edge, signing it like PutNode.
func (e *Engine) PutEdge(ctx context.Context, ed store.Edge) (string, bool, error) {
	if ed.CreatedAt == 0 {
		ed.CreatedAt = e.now()
	}
	if ed.Signature == "" {
		if kp := e.signer(ed.Creator); kp != nil {
			if digest, err := ed.Digest(); err == nil {
				ed.Signature = kp.Sign(digest)
			}
		}
	}
	id, created, err := e.DB.PutEdge(ctx, ed)
	return id, created, e.finish(ctx, store.EventEdge, firstNonEmpty(id, ed.ID), created, err, ed)
}

// DeclareRelation records the characteristics of a relation name. When
// declarations of a name conflict, the earliest one is in force on every
// store whatever order they arrive in.
func (e *Engine) DeclareRelation(ctx context.Context, r store.RelationType) (bool, error) {
	if r.CreatedAt == 0 {
		r.CreatedAt = e.now()
	}
	created, err := e.DB.DeclareRelation(ctx, r)
	return created, e.finish(ctx, store.EventRelation, r.Name, created, err, r)
}

// AppendAttestation appends a belief. An unsigned attestation is signed
// with the signer's local key when the keyring holds it.
func (e *Engine) AppendAttestation(ctx context.Context, a store.Attestation) (string, bool, error) {
	if a.At == 0 {
		a.At = e.now()
	}
	a.Normalize()
	if a.Signature == "" {
		if kp := e.signer(a.Signer()); kp != nil {
			if id, err := a.ComputeID(); err == nil {
				a.Signature = kp.Sign(id)
			}
		}
	}
	id, created, err := e.DB.AppendAttestation(ctx, a)
	return id, created, e.finish(ctx, store.EventAttestation, firstNonEmpty(id, a.ID), created, err, a)
}

// RecordTraversal records a walked path. Recording the same event id twice
// changes nothing.
func (e *Engine) RecordTraversal(ctx context.Context, t store.Traversal) (string, bool, error) {
	if t.At == 0 {
		t.At = e.now()
	}
	id, created, err := e.DB.RecordTraversal(ctx, t)
	return id, created, e.finish(ctx, store.EventTraversal, firstNonEmpty(id, t.ID), created, err, t)
}

// Focus replaces an observer's explicit working set.
func (e *Engine) Focus(ctx context.Context, f store.Focus) (string, bool, error) {
	if f.At == 0 {
		f.At = e.now()
	}
	id, created, err := e.DB.RecordFocus(ctx, f)
	return id, created, e.finish(ctx, store.EventFocus, firstNonEmpty(id, f.ID), created, err, f)
}

// NewIdentity describes an identity to create.
type NewIdentity struct {
	Kind             store.IdentityKind
	Name             string
	Role             store.Role
	Parent           string  // delegated only
	DelegationFactor float64 // delegated only
	ExpiresAt        int64   // delegated only
	Creator          string  // record and external identities; genesis when empty
	Pool             string
}

// CreateIdentity creates an identity node. Sovereign and delegated
// identities get a fresh key, saved to the keyring, which must be set.
// Delegations are created by their parent.
func (e *Engine) CreateIdentity(ctx context.Context, req NewIdentity) (string, error) {
	ident := store.Identity{
		Kind:             req.Kind,
		Name:             req.Name,
		Role:             req.Role,
		Parent:           req.Parent,
		DelegationFactor: req.DelegationFactor,
		ExpiresAt:        req.ExpiresAt,
	}

	var kp *keys.KeyPair
	if req.Kind == store.Sovereign || req.Kind == store.Delegated {
		if e.keyring == nil {
			return "", fmt.Errorf("%w: no keyring to hold the key of %s", store.ErrInvalidInput, req.Name)
		}
		var err error
		if kp, err = keys.Generate(); err != nil {
			return "", err
		}
		ident.PublicKey = kp.PublicString()
	}

	creator := req.Creator
	switch {
	case req.Kind == store.Delegated:
		creator = req.Parent
	case creator == "":
		creator = store.Genesis
	}

	n := store.Node{Content: store.IdentityPayload(ident), Creator: creator, Pool: req.Pool, CreatedAt: e.now()}
	if kp != nil && creator == store.Genesis {
		digest, err := n.Digest()
		if err != nil {
			return "", err
		}
		n.Signature = kp.Sign(digest)
	}
	id, _, err := e.PutNode(ctx, n)
	if err != nil {
		return "", err
	}
	if kp != nil {
		if err := e.keyring.Save(id, req.Name, kp); err != nil {
			return "", err
		}
	}
	return id, nil
}

// RotateKey hands an identity's standing to a fresh key. A new identity of
// the same kind and name is created, the old key signs a rotates_to edge
// to it, and the new key confirms the edge. The old key signs nothing dated
// after the rotation. Delegations made by the old identity are not moved;
// the new identity issues its own.
func (e *Engine) RotateKey(ctx context.Context, old string) (string, error) {
	n, err := e.DB.GetNode(ctx, old)
	if err != nil {
		return "", err
	}
	ident := n.Identity()
	if ident == nil || !ident.CanSign() {
		return "", fmt.Errorf("%w: %s holds no key to rotate", store.ErrInvalidInput, keys.Short(old))
	}
	if e.View().Rotated(old) {
		return "", fmt.Errorf("%w: key of %s was already rotated", store.ErrInvalidSignature, keys.Short(old))
	}
	if e.signer(old) == nil {
		return "", fmt.Errorf("%w: the keyring does not hold the key of %s", store.ErrInvalidInput, keys.Short(old))
	}

	next, err := e.CreateIdentity(ctx, NewIdentity{
		Kind:             ident.Kind,
		Name:             ident.Name,
		Role:             ident.Role,
		Parent:           ident.Parent,
		DelegationFactor: ident.DelegationFactor,
		ExpiresAt:        ident.ExpiresAt,
		Pool:             n.Pool,
	})
	if err != nil {
		return "", err
	}
	edge, _, err := e.PutEdge(ctx, store.Edge{From: old, To: next, Relation: store.RelRotatesTo, Creator: old})
	if err != nil {
		return "", err
	}
	via, _, err := e.PutNode(ctx, store.Node{
		Content: store.AspectPayload(store.Aspect{Type: store.AspectValue, Name: "rotation"}),
		Creator: next,
	})
	if err != nil {
		return "", err
	}
	if _, _, err := e.AppendAttestation(ctx, store.Attestation{By: next, On: edge, Via: via, Weight: 1}); err != nil {
		return "", err
	}
	e.log.Info("key rotated", zap.String("from", keys.Short(old)), zap.String("to", keys.Short(next)))
	return next, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
