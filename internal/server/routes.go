package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/wellspring/internal/engine"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/trust"
)

type writeResponse struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

func created(w http.ResponseWriter, id string, isNew bool) {
	code := http.StatusOK
	if isNew {
		code = http.StatusCreated
	}
	writeJSON(w, code, writeResponse{ID: id, Created: isNew})
}

type identityRequest struct {
	Kind             store.IdentityKind `json:"kind" validate:"required,oneof=sovereign delegated record external"`
	Name             string             `json:"name" validate:"required"`
	Role             store.Role         `json:"role" validate:"omitempty,oneof=human agent"`
	Parent           string             `json:"parent" validate:"required_if=Kind delegated"`
	DelegationFactor float64            `json:"delegation_factor" validate:"gte=0,lte=1"`
	ExpiresAt        int64              `json:"expires_at"`
	Creator          string             `json:"creator"`
	Pool             string             `json:"pool"`
}

func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.engine.CreateIdentity(r.Context(), engine.NewIdentity{
		Kind:             req.Kind,
		Name:             req.Name,
		Role:             req.Role,
		Parent:           req.Parent,
		DelegationFactor: req.DelegationFactor,
		ExpiresAt:        req.ExpiresAt,
		Creator:          req.Creator,
		Pool:             req.Pool,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	created(w, id, true)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id, err := s.engine.RotateKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	created(w, id, true)
}

type identityJSON struct {
	ID string `json:"id"`
	store.Identity
	Local bool `json:"local"`
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	local := make(map[string]bool)
	if kr := s.engine.Keyring(); kr != nil {
		entries, err := kr.List()
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, e := range entries {
			local[e.Identity] = true
		}
	}
	out := []identityJSON{}
	for _, n := range s.engine.View().Nodes() {
		if ident := n.Identity(); ident != nil {
			out = append(out, identityJSON{ID: n.ID, Identity: *ident, Local: local[n.ID]})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": out})
}

type nodeRequest struct {
	ID        string        `json:"id"`
	Content   store.Payload `json:"content"`
	Creator   string        `json:"creator" validate:"required"`
	CreatedAt int64         `json:"created_at"`
	Signature string        `json:"signature"`
	Pool      string        `json:"pool"`
}

func (s *Server) handlePutNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, isNew, err := s.engine.PutNode(r.Context(), store.Node(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	created(w, id, isNew)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, ok := s.engine.View().Node(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: node %s", store.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleNodeEdges(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v := s.engine.View()
	if _, ok := v.Node(id); !ok {
		s.writeError(w, fmt.Errorf("%w: node %s", store.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"out": orEmpty(v.EdgesFrom(id)),
		"in":  orEmpty(v.EdgesTo(id)),
	})
}

func (s *Server) handleAttestationsOn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v := s.engine.View()
	if !v.IsSubject(id) {
		s.writeError(w, fmt.Errorf("%w: subject %s", store.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attestations": orEmpty(v.AttestationsOn(id))})
}

type edgeRequest struct {
	ID        string `json:"id"`
	From      string `json:"from" validate:"required"`
	To        string `json:"to" validate:"required"`
	Relation  string `json:"relation" validate:"required"`
	Creator   string `json:"creator" validate:"required"`
	CreatedAt int64  `json:"created_at"`
	Signature string `json:"signature"`
}

func (s *Server) handlePutEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, isNew, err := s.engine.PutEdge(r.Context(), store.Edge(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	created(w, id, isNew)
}

type relationRequest struct {
	Name          string `json:"name" validate:"required"`
	Transitive    bool   `json:"transitive"`
	Symmetric     bool   `json:"symmetric"`
	Inverse       string `json:"inverse"`
	Functional    bool   `json:"functional"`
	Antisymmetric bool   `json:"antisymmetric"`
	Creator       string `json:"creator" validate:"required"`
	CreatedAt     int64  `json:"created_at"`
}

func (s *Server) handleDeclareRelation(w http.ResponseWriter, r *http.Request) {
	var req relationRequest
	if !s.decode(w, r, &req) {
		return
	}
	isNew, err := s.engine.DeclareRelation(r.Context(), store.RelationType(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	created(w, req.Name, isNew)
}

func (s *Server) handleListRelations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"relations": orEmpty(s.engine.View().Relations())})
}

type attestationRequest struct {
	ID        string   `json:"id"`
	By        string   `json:"by" validate:"required"`
	On        string   `json:"on" validate:"required"`
	Via       string   `json:"via" validate:"required"`
	Weight    float64  `json:"weight" validate:"gte=-1,lte=1"`
	At        int64    `json:"at"`
	Because   []string `json:"because"`
	Proxy     string   `json:"proxy"`
	Signature string   `json:"signature"`
}

func (s *Server) handleAppendAttestation(w http.ResponseWriter, r *http.Request) {
	var req attestationRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, isNew, err := s.engine.AppendAttestation(r.Context(), store.Attestation(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	created(w, id, isNew)
}

func (s *Server) handleGroundedness(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.engine.View().Attestation(id); !ok {
		s.writeError(w, fmt.Errorf("%w: attestation %s", store.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Groundedness(id))
}

type traversalRequest struct {
	ID       string      `json:"id"`
	Observer string      `json:"observer" validate:"required"`
	Path     []string    `json:"path" validate:"required,min=1"`
	Hops     []store.Hop `json:"hops"`
	At       int64       `json:"at"`
}

func (s *Server) handleRecordTraversal(w http.ResponseWriter, r *http.Request) {
	var req traversalRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, isNew, err := s.engine.RecordTraversal(r.Context(), store.Traversal(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	created(w, id, isNew)
}

type focusRequest struct {
	Nodes []string `json:"nodes"`
	At    int64    `json:"at"`
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req focusRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, isNew, err := s.engine.Focus(r.Context(), store.Focus{
		Observer: chi.URLParam(r, "id"),
		Nodes:    req.Nodes,
		At:       req.At,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	created(w, id, isNew)
}

func (s *Server) handleWaterline(w http.ResponseWriter, r *http.Request) {
	observer := chi.URLParam(r, "id")
	k := intParam(r, "k", 20)
	at := int64Param(r, "at", 0)
	writeJSON(w, http.StatusOK, map[string]any{
		"observer":  observer,
		"waterline": s.engine.Waterline(observer, at, k),
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	observer := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"observer": observer,
		"context":  orEmpty(s.engine.Context(observer)),
	})
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := trust.Query{
		Subject:  q.Get("subject"),
		Observer: q.Get("observer"),
		Pool:     q.Get("pool"),
		Via:      q.Get("via"),
		At:       int64Param(r, "at", 0),
	}
	if query.Subject == "" || query.Observer == "" {
		s.writeError(w, fmt.Errorf("%w: subject and observer are required", store.ErrInvalidInput))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Trust(query))
}

type rerankRequest struct {
	Observer   string   `json:"observer" validate:"required"`
	Context    string   `json:"context"`
	Candidates []string `json:"candidates" validate:"required,min=1"`
	At         int64    `json:"at"`
}

func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ranked": s.engine.Rerank(req.Observer, req.Context, req.Candidates, req.At),
	})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req engine.DecisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.engine.EvaluateDecision(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRejected(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.DB.RejectedWrites(r.Context(), intParam(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": orEmpty(rows)})
}

func (s *Server) handleContradictions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.DB.Contradictions(r.Context(), intParam(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contradictions": orEmpty(rows)})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.DB.CycleEvents(r.Context(), intParam(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": orEmpty(rows)})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Recompute(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func intParam(r *http.Request, name string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && n > 0 {
		return n
	}
	return def
}

func int64Param(r *http.Request, name string, def int64) int64 {
	if n, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64); err == nil && n > 0 {
		return n
	}
	return def
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
