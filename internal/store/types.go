package store

import (
	"fmt"
	"math"
	"sort"

	"github.com/lazypower/wellspring/internal/keys"
)

// Genesis is the reserved creator of identity nodes that bootstrap a store.
const Genesis = "genesis"

// LocalPool marks nodes that must never leave the device.
const LocalPool = "local"

// Built-in relation names with engine-level meaning.
const (
	RelVouches   = "vouches"
	RelMemberOf  = "member_of"
	RelRevokes   = "revokes"
	RelDisjoint  = "disjoint"
	RelRotatesTo = "rotates_to" // an identity hands its standing to a new key
)

// PayloadKind discriminates the Payload union.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadRecord   PayloadKind = "record"
	PayloadRef      PayloadKind = "ref"
	PayloadIdentity PayloadKind = "identity"
	PayloadAspect   PayloadKind = "aspect"
)

// Ref points at binary content held outside the store.
type Ref struct {
	URI       string `json:"uri"`
	MediaType string `json:"media_type,omitempty"`
	Digest    string `json:"digest,omitempty"`
}

// Payload is the content of a node. Exactly one field matching Kind is set.
type Payload struct {
	Kind     PayloadKind    `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Record   map[string]any `json:"record,omitempty"`
	Ref      *Ref           `json:"ref,omitempty"`
	Identity *Identity      `json:"identity,omitempty"`
	Aspect   *Aspect        `json:"aspect,omitempty"`
}

// TextPayload wraps plain text.
func TextPayload(s string) Payload { return Payload{Kind: PayloadText, Text: s} }

// RecordPayload wraps a structured record.
func RecordPayload(m map[string]any) Payload { return Payload{Kind: PayloadRecord, Record: m} }

// RefPayload wraps a binary reference.
func RefPayload(r Ref) Payload { return Payload{Kind: PayloadRef, Ref: &r} }

// IdentityPayload wraps an identity.
func IdentityPayload(i Identity) Payload { return Payload{Kind: PayloadIdentity, Identity: &i} }

// AspectPayload wraps an aspect.
func AspectPayload(a Aspect) Payload { return Payload{Kind: PayloadAspect, Aspect: &a} }

// Validate checks that the payload is well formed for its kind.
func (p Payload) Validate() error {
	set := 0
	if p.Text != "" {
		set++
	}
	if p.Record != nil {
		set++
	}
	if p.Ref != nil {
		set++
	}
	if p.Identity != nil {
		set++
	}
	if p.Aspect != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("%w: payload sets more than one variant", ErrInvalidInput)
	}

	switch p.Kind {
	case PayloadText:
		if p.Text == "" {
			return fmt.Errorf("%w: text payload is empty", ErrInvalidInput)
		}
	case PayloadRecord:
		if len(p.Record) == 0 {
			return fmt.Errorf("%w: record payload is empty", ErrInvalidInput)
		}
	case PayloadRef:
		if p.Ref == nil || p.Ref.URI == "" {
			return fmt.Errorf("%w: ref payload needs a uri", ErrInvalidInput)
		}
	case PayloadIdentity:
		if p.Identity == nil {
			return fmt.Errorf("%w: identity payload missing", ErrInvalidInput)
		}
		return p.Identity.Validate()
	case PayloadAspect:
		if p.Aspect == nil {
			return fmt.Errorf("%w: aspect payload missing", ErrInvalidInput)
		}
		return p.Aspect.Validate()
	default:
		return fmt.Errorf("%w: unknown payload kind %q", ErrInvalidInput, p.Kind)
	}
	return nil
}

// IdentityKind is one of the four identity kinds.
type IdentityKind string

const (
	Sovereign      IdentityKind = "sovereign"
	Delegated      IdentityKind = "delegated"
	RecordIdentity IdentityKind = "record"
	External       IdentityKind = "external"
)

// Role separates human identities from agents proposing data.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
)

// Identity is the payload of an identity node.
type Identity struct {
	Kind             IdentityKind `json:"kind"`
	Name             string       `json:"name"`
	Role             Role         `json:"role,omitempty"`
	PublicKey        string       `json:"public_key,omitempty"`
	Parent           string       `json:"parent,omitempty"`
	DelegationFactor float64      `json:"delegation_factor,omitempty"`
	ExpiresAt        int64        `json:"expires_at,omitempty"`
}

func (i *Identity) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: identity needs a name", ErrInvalidInput)
	}
	switch i.Role {
	case "", RoleHuman, RoleAgent:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, i.Role)
	}
	switch i.Kind {
	case Sovereign:
		if i.PublicKey == "" {
			return fmt.Errorf("%w: sovereign identity needs a public key", ErrInvalidInput)
		}
	case Delegated:
		if i.PublicKey == "" || i.Parent == "" {
			return fmt.Errorf("%w: delegated identity needs a public key and a parent", ErrInvalidInput)
		}
		if i.DelegationFactor < 0 || i.DelegationFactor > 1 {
			return fmt.Errorf("%w: delegation_factor must be in [0,1]", ErrInvalidInput)
		}
	case RecordIdentity, External:
		if i.PublicKey != "" {
			return fmt.Errorf("%w: %s identities hold no keys", ErrInvalidInput, i.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown identity kind %q", ErrInvalidInput, i.Kind)
	}
	if i.PublicKey != "" {
		if _, err := keys.DecodePublic(i.PublicKey); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

// CanSign reports whether the identity holds a key.
func (i *Identity) CanSign() bool {
	return (i.Kind == Sovereign || i.Kind == Delegated) && i.PublicKey != ""
}

// IsAgent reports whether the identity is an agent.
func (i *Identity) IsAgent() bool { return i.Role == RoleAgent }

// AspectType classifies an aspect.
type AspectType string

const (
	AspectValue      AspectType = "value"
	AspectPreference AspectType = "preference"
	AspectNeed       AspectType = "need"
	AspectMood       AspectType = "mood"
	AspectConstraint AspectType = "constraint"
	AspectComposite  AspectType = "composite"
)

// Mode selects how a composite expression is evaluated.
type Mode string

const (
	ModeMust   Mode = "must"
	ModePrefer Mode = "prefer"
)

// Aspect is the payload of an aspect node.
type Aspect struct {
	Type       AspectType `json:"type"`
	Name       string     `json:"name"`
	Owner      string     `json:"owner,omitempty"`
	Domain     string     `json:"domain,omitempty"`
	Decay      int64      `json:"decay_ms,omitempty"` // half-life of attested weights, 0 for none
	Expression *Expr      `json:"expression,omitempty"`
	Mode       Mode       `json:"mode,omitempty"`
}

func (a *Aspect) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: aspect needs a name", ErrInvalidInput)
	}
	if a.Decay < 0 {
		return fmt.Errorf("%w: aspect decay must not be negative", ErrInvalidInput)
	}
	switch a.Type {
	case AspectValue, AspectPreference, AspectNeed, AspectMood, AspectConstraint:
		if a.Expression != nil {
			return fmt.Errorf("%w: only composite aspects carry an expression", ErrInvalidInput)
		}
	case AspectComposite:
		if a.Expression == nil {
			return fmt.Errorf("%w: composite aspect needs an expression", ErrInvalidInput)
		}
		if a.Mode != ModeMust && a.Mode != ModePrefer {
			return fmt.Errorf("%w: composite mode must be must or prefer", ErrInvalidInput)
		}
		return a.Expression.Validate()
	default:
		return fmt.Errorf("%w: unknown aspect type %q", ErrInvalidInput, a.Type)
	}
	return nil
}

// Op is a composite expression operator.
type Op string

const (
	OpAspect       Op = "aspect"
	OpIntersection Op = "intersection"
	OpUnion        Op = "union"
	OpComplement   Op = "complement"
)

// Expr is a composite aspect expression tree.
type Expr struct {
	Op     Op      `json:"op"`
	Aspect string  `json:"aspect,omitempty"`
	Weight float64 `json:"weight,omitempty"` // prefer weight, 0 means 1
	Args   []*Expr `json:"args,omitempty"`
}

// Leaf returns a leaf expression for an aspect id.
func Leaf(aspect string) *Expr { return &Expr{Op: OpAspect, Aspect: aspect} }

// Intersection combines expressions with min under must.
func Intersection(args ...*Expr) *Expr { return &Expr{Op: OpIntersection, Args: args} }

// Union combines expressions with max under must.
func Union(args ...*Expr) *Expr { return &Expr{Op: OpUnion, Args: args} }

// Complement negates an expression.
func Complement(arg *Expr) *Expr { return &Expr{Op: OpComplement, Args: []*Expr{arg}} }

// Validate checks the tree shape.
func (e *Expr) Validate() error {
	stack := []*Expr{e}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			return fmt.Errorf("%w: nil expression", ErrInvalidInput)
		}
		if n.Weight < 0 || math.IsNaN(n.Weight) || math.IsInf(n.Weight, 0) {
			return fmt.Errorf("%w: expression weight must be a non-negative number", ErrInvalidInput)
		}
		switch n.Op {
		case OpAspect:
			if n.Aspect == "" || len(n.Args) > 0 {
				return fmt.Errorf("%w: aspect leaf needs an aspect and no args", ErrInvalidInput)
			}
		case OpIntersection, OpUnion:
			if len(n.Args) == 0 {
				return fmt.Errorf("%w: %s needs args", ErrInvalidInput, n.Op)
			}
		case OpComplement:
			if len(n.Args) != 1 {
				return fmt.Errorf("%w: complement takes one arg", ErrInvalidInput)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidInput, n.Op)
		}
		stack = append(stack, n.Args...)
	}
	return nil
}

// Aspects returns the distinct aspect ids referenced by the tree.
func (e *Expr) Aspects() []string {
	seen := map[string]bool{}
	var out []string
	stack := []*Expr{e}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		if n.Op == OpAspect && !seen[n.Aspect] {
			seen[n.Aspect] = true
			out = append(out, n.Aspect)
		}
		stack = append(stack, n.Args...)
	}
	sort.Strings(out)
	return out
}

// Node is an immutable, content-addressed unit of content.
type Node struct {
	ID        string  `json:"id"`
	Content   Payload `json:"content"`
	Creator   string  `json:"creator"`
	CreatedAt int64   `json:"created_at"`
	Signature string  `json:"signature,omitempty"`
	Pool      string  `json:"pool,omitempty"`
}

// NodeID returns the content id of (content, creator).
func NodeID(content Payload, creator string) (string, error) {
	return keys.Hash(struct {
		Content Payload `json:"content"`
		Creator string  `json:"creator"`
	}{content, creator})
}

// Digest is what a node signature covers: (content, creator, created_at).
func (n *Node) Digest() (string, error) {
	return keys.Hash(struct {
		Content   Payload `json:"content"`
		Creator   string  `json:"creator"`
		CreatedAt int64   `json:"created_at"`
	}{n.Content, n.Creator, n.CreatedAt})
}

// Identity returns the identity payload, or nil for other kinds.
func (n *Node) Identity() *Identity {
	if n == nil || n.Content.Kind != PayloadIdentity {
		return nil
	}
	return n.Content.Identity
}

// Aspect returns the aspect payload, or nil for other kinds.
func (n *Node) Aspect() *Aspect {
	if n == nil || n.Content.Kind != PayloadAspect {
		return nil
	}
	return n.Content.Aspect
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Relation  string `json:"relation"`
	Creator   string `json:"creator"`
	CreatedAt int64  `json:"created_at"`
	Signature string `json:"signature,omitempty"`
}

// EdgeID returns the content id of (from, to, relation, creator).
func EdgeID(from, to, relation, creator string) (string, error) {
	return keys.Hash(struct {
		From     string `json:"from"`
		To       string `json:"to"`
		Relation string `json:"relation"`
		Creator  string `json:"creator"`
	}{from, to, relation, creator})
}

// Digest is what an edge signature covers.
func (e *Edge) Digest() (string, error) {
	return keys.Hash(struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Relation  string `json:"relation"`
		Creator   string `json:"creator"`
		CreatedAt int64  `json:"created_at"`
	}{e.From, e.To, e.Relation, e.Creator, e.CreatedAt})
}

// RelationType declares characteristics for a relation name.
type RelationType struct {
	Name          string `json:"name"`
	Transitive    bool   `json:"transitive,omitempty"`
	Symmetric     bool   `json:"symmetric,omitempty"`
	Inverse       string `json:"inverse,omitempty"`
	Functional    bool   `json:"functional,omitempty"`
	Antisymmetric bool   `json:"antisymmetric,omitempty"`
	Creator       string `json:"creator"`
	CreatedAt     int64  `json:"created_at"`
}

// RelationID is the content id of a declaration.
func RelationID(r RelationType) (string, error) {
	return keys.Hash(r)
}

// Precedes reports whether r wins over o as the declaration of a name:
// the earlier one wins, then the lower creator id, then the lower content
// id. Every store picks the same winner whatever order declarations arrive in.
func (r RelationType) Precedes(o RelationType) bool {
	if r.CreatedAt != o.CreatedAt {
		return r.CreatedAt < o.CreatedAt
	}
	if r.Creator != o.Creator {
		return r.Creator < o.Creator
	}
	a, _ := RelationID(r)
	b, _ := RelationID(o)
	return a < b
}

// BuiltinRelations are the characteristics assumed before any declaration.
var BuiltinRelations = map[string]RelationType{
	RelDisjoint: {Name: RelDisjoint, Symmetric: true},
	RelMemberOf: {Name: RelMemberOf, Transitive: true},
}

// Attestation is a signed, time-stamped belief about a node or edge.
type Attestation struct {
	ID        string   `json:"id"`
	By        string   `json:"by"`
	On        string   `json:"on"`
	Via       string   `json:"via"`
	Weight    float64  `json:"weight"`
	At        int64    `json:"at"`
	Because   []string `json:"because,omitempty"`
	Proxy     string   `json:"proxy,omitempty"`
	Signature string   `json:"signature"`
}

// Normalize sorts and dedupes Because so equal sets hash equally.
func (a *Attestation) Normalize() {
	if len(a.Because) == 0 {
		a.Because = nil
		return
	}
	sort.Strings(a.Because)
	out := a.Because[:1]
	for _, b := range a.Because[1:] {
		if b != out[len(out)-1] {
			out = append(out, b)
		}
	}
	a.Because = out
}

// ComputeID returns the content id of the attestation. Call Normalize first.
func (a *Attestation) ComputeID() (string, error) {
	return keys.Hash(struct {
		By      string   `json:"by"`
		On      string   `json:"on"`
		Via     string   `json:"via"`
		Weight  float64  `json:"weight"`
		At      int64    `json:"at"`
		Because []string `json:"because"`
		Proxy   string   `json:"proxy"`
	}{a.By, a.On, a.Via, a.Weight, a.At, a.Because, a.Proxy})
}

// Signer is the identity whose key signs the attestation.
func (a *Attestation) Signer() string {
	if a.Proxy != "" {
		return a.Proxy
	}
	return a.By
}

// Hop is one edge walked during a traversal.
type Hop struct {
	Edge    string `json:"edge"`
	Reverse bool   `json:"reverse,omitempty"`
}

// Traversal is a path an observer actually walked.
type Traversal struct {
	ID       string   `json:"id"`
	Observer string   `json:"observer"`
	Path     []string `json:"path"`
	Hops     []Hop    `json:"hops,omitempty"`
	At       int64    `json:"at"`
}

// TraversalID derives an event id when the caller supplies none.
func TraversalID(observer string, path []string, at int64) (string, error) {
	return keys.Hash(struct {
		Observer string   `json:"observer"`
		Path     []string `json:"path"`
		At       int64    `json:"at"`
	}{observer, path, at})
}

// Focus sets an observer's explicit working set.
type Focus struct {
	ID       string   `json:"id"`
	Observer string   `json:"observer"`
	Nodes    []string `json:"nodes"`
	At       int64    `json:"at"`
}

// FocusID derives an event id when the caller supplies none.
func FocusID(observer string, nodes []string, at int64) (string, error) {
	return keys.Hash(struct {
		Observer string   `json:"observer"`
		Nodes    []string `json:"nodes"`
		At       int64    `json:"at"`
	}{observer, nodes, at})
}

// Contradiction is a detected conflict, kept for a human or agent to resolve.
type Contradiction struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"` // disjoint, functional, antisymmetric
	Subject    string `json:"subject"`
	A          string `json:"a"`
	B          string `json:"b"`
	DetectedAt int64  `json:"detected_at"`
}

// ContradictionID is stable under swapping A and B.
func ContradictionID(kind, subject, a, b string) (string, error) {
	if b < a {
		a, b = b, a
	}
	return keys.Hash([]string{kind, subject, a, b})
}

// CycleEvent records a grounding cycle cut during groundedness evaluation.
type CycleEvent struct {
	ID          string `json:"id"`
	Attestation string `json:"attestation"`
	Edge        string `json:"edge"`
	Depth       int    `json:"depth"`
	DetectedAt  int64  `json:"detected_at"`
}

func validWeight(w float64) bool {
	return !math.IsNaN(w) && !math.IsInf(w, 0) && w >= -1 && w <= 1
}
