package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/engine"
	"github.com/lazypower/wellspring/internal/keys"
	"github.com/lazypower/wellspring/internal/store"
)

func testServer(t *testing.T, origins ...string) *Server {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	e, err := engine.New(context.Background(), db, engine.Options{
		Keyring: &keys.Keyring{Dir: t.TempDir()},
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return New(e, config.ServerConfig{CORSOrigins: origins}, "test-version", nil)
}

func do(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func mustCreate(t *testing.T, srv http.Handler, path string, body any) string {
	t.Helper()
	w := do(t, srv, "POST", path, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[writeResponse](t, w).ID
}

// seed creates a sovereign identity, an aspect and two linked text nodes.
func seed(t *testing.T, srv http.Handler) (keif, via, x, y string) {
	t.Helper()
	keif = mustCreate(t, srv, "/api/identities", map[string]any{"kind": "sovereign", "name": "keif"})
	via = mustCreate(t, srv, "/api/nodes", map[string]any{
		"content": store.AspectPayload(store.Aspect{Type: store.AspectValue, Name: "accurate"}),
		"creator": keif,
	})
	x = mustCreate(t, srv, "/api/nodes", map[string]any{"content": store.TextPayload("x"), "creator": keif})
	y = mustCreate(t, srv, "/api/nodes", map[string]any{"content": store.TextPayload("y"), "creator": keif})
	mustCreate(t, srv, "/api/edges", map[string]any{"from": x, "to": y, "relation": "next", "creator": keif})
	return keif, via, x, y
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-version", body["version"])
	assert.Equal(t, true, body["db"])
}

func TestWriteAndScore(t *testing.T) {
	srv := testServer(t)
	keif, via, x, _ := seed(t, srv)

	attestation := map[string]any{"by": keif, "on": x, "via": via, "weight": 0.8, "at": 10}
	id := mustCreate(t, srv, "/api/attestations", attestation)

	again := do(t, srv, "POST", "/api/attestations", attestation)
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, writeResponse{ID: id, Created: false}, decodeBody[writeResponse](t, again))

	w := do(t, srv, "GET", "/api/trust?subject="+x+"&observer="+keif, nil)
	require.Equal(t, http.StatusOK, w.Code)
	score := decodeBody[map[string]any](t, w)
	assert.Equal(t, true, score["known"])
	assert.InDelta(t, 0.8, score["belief"], 1e-9)

	w = do(t, srv, "GET", "/api/nodes/"+x+"/attestations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[map[string][]store.Attestation](t, w)["attestations"], 1)

	w = do(t, srv, "GET", "/api/attestations/"+id+"/groundedness", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.3, decodeBody[map[string]any](t, w)["value"], 1e-9)
}

func TestNodeLookups(t *testing.T) {
	srv := testServer(t)
	_, _, x, y := seed(t, srv)

	w := do(t, srv, "GET", "/api/nodes/"+x, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "x", decodeBody[store.Node](t, w).Content.Text)

	w = do(t, srv, "GET", "/api/nodes/"+x+"/edges", nil)
	require.Equal(t, http.StatusOK, w.Code)
	edges := decodeBody[map[string][]store.Edge](t, w)
	require.Len(t, edges["out"], 1)
	assert.Equal(t, y, edges["out"][0].To)
	assert.Empty(t, edges["in"])

	w = do(t, srv, "GET", "/api/nodes/cid:sha256:missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, "GET", "/api/identities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ids := decodeBody[map[string][]identityJSON](t, w)["identities"]
	require.Len(t, ids, 1)
	assert.True(t, ids[0].Local)
	assert.Equal(t, "keif", ids[0].Name)
}

func TestRequestValidation(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/edges", map[string]any{"to": "b", "relation": "next", "creator": "c"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "validation failed", body["error"])
	assert.Contains(t, body["fields"], "from")

	w = do(t, srv, "POST", "/api/identities", map[string]any{"kind": "delegated", "name": "bot"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody[map[string]any](t, w)["fields"], "parent")

	w = do(t, srv, "POST", "/api/attestations", map[string]any{"by": "a", "on": "b", "via": "c", "weight": 2})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, "POST", "/api/nodes", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, "GET", "/api/trust?subject=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRejectionsMapToStatus(t *testing.T) {
	srv := testServer(t)
	keif, via, x, _ := seed(t, srv)

	w := do(t, srv, "POST", "/api/edges", map[string]any{"from": x, "to": "cid:sha256:nowhere", "relation": "next", "creator": keif})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown_subject", decodeBody[map[string]any](t, w)["reason"])

	archive := mustCreate(t, srv, "/api/identities", map[string]any{"kind": "record", "name": "archive"})
	w = do(t, srv, "POST", "/api/attestations", map[string]any{"by": archive, "on": x, "via": via, "weight": 1})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_signature", decodeBody[map[string]any](t, w)["reason"])

	w = do(t, srv, "GET", "/api/audit/rejected", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[map[string][]store.Rejection](t, w)["rejected"], 2)

	w = do(t, srv, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `wellspring_rejected_writes_total{kind="attestation",reason="invalid_signature"} 1`)
}

func TestRotateRoute(t *testing.T) {
	srv := testServer(t)
	keif, _, _, _ := seed(t, srv)

	next := mustCreate(t, srv, "/api/identities/"+keif+"/rotate", nil)
	assert.NotEqual(t, keif, next)

	w := do(t, srv, "POST", "/api/nodes", map[string]any{"content": store.TextPayload("late"), "creator": keif})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_signature", decodeBody[map[string]any](t, w)["reason"])
	mustCreate(t, srv, "/api/nodes", map[string]any{"content": store.TextPayload("late"), "creator": next})

	w = do(t, srv, "POST", "/api/identities/"+keif+"/rotate", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "a retired key cannot rotate again")
}

func TestObserverRoutes(t *testing.T) {
	srv := testServer(t)
	keif, _, x, y := seed(t, srv)
	mustCreate(t, srv, "/api/traversals", map[string]any{"observer": keif, "path": []string{x, y}})

	w := do(t, srv, "GET", "/api/observers/"+keif+"/waterline?k=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var line struct {
		Waterline []struct {
			Node string `json:"node"`
		} `json:"waterline"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &line))
	assert.Len(t, line.Waterline, 2)

	mustCreate(t, srv, "/api/observers/"+keif+"/focus", map[string]any{"nodes": []string{y}})
	w = do(t, srv, "GET", "/api/observers/"+keif+"/context", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, y, decodeBody[map[string]any](t, w)["context"].([]any)[0])

	w = do(t, srv, "POST", "/api/rerank", map[string]any{"observer": keif, "candidates": []string{x}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reachable":true`)
}

func TestDecisionRoute(t *testing.T) {
	srv := testServer(t)
	keif, via, x, y := seed(t, srv)
	mustCreate(t, srv, "/api/attestations", map[string]any{"by": keif, "on": x, "via": via, "weight": 0.2})
	mustCreate(t, srv, "/api/attestations", map[string]any{"by": keif, "on": y, "via": via, "weight": 0.9})

	w := do(t, srv, "POST", "/api/decisions", map[string]any{
		"observer":   keif,
		"candidates": []string{x, y},
		"prefer":     store.Leaf(via),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d struct {
		Ranked []struct {
			ID string `json:"id"`
		} `json:"ranked"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	require.Len(t, d.Ranked, 2)
	assert.Equal(t, y, d.Ranked[0].ID)

	w = do(t, srv, "POST", "/api/decisions", map[string]any{"observer": keif})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncBetweenServers(t *testing.T) {
	a := testServer(t)
	keif, via, x, _ := seed(t, a)
	mustCreate(t, a, "/api/attestations", map[string]any{"by": keif, "on": x, "via": via, "weight": 0.8})
	b := testServer(t)

	w := do(t, b, "GET", "/api/sync/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := json.RawMessage(w.Body.Bytes())

	w = do(t, a, "POST", "/api/sync/missing", map[string]any{"peer": "b", "summary": summary})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	lines := strings.Count(w.Body.String(), "\n")
	assert.Equal(t, 6, lines, "identity, aspect, two texts, edge and attestation")

	req := httptest.NewRequest("POST", "/api/sync/merge", bytes.NewReader(w.Body.Bytes()))
	req.Header.Set(peerHeader, "a")
	mw := httptest.NewRecorder()
	b.ServeHTTP(mw, req)
	require.Equal(t, http.StatusOK, mw.Code, mw.Body.String())
	stats := decodeBody[map[string]any](t, mw)
	assert.EqualValues(t, 6, stats["new"])
	assert.EqualValues(t, 0, stats["rejected"])

	w = do(t, b, "GET", "/api/trust?subject="+x+"&observer="+keif, nil)
	assert.Equal(t, true, decodeBody[map[string]any](t, w)["known"])

	w = do(t, b, "POST", "/api/sync/merge", `{"kind":"edge"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORS(t *testing.T) {
	srv := testServer(t, "http://localhost:5173")

	req := httptest.NewRequest("OPTIONS", "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	plain := testServer(t)
	w = httptest.NewRecorder()
	plain.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecomputeRoute(t *testing.T) {
	srv := testServer(t)
	seed(t, srv)

	w := do(t, srv, "POST", "/api/recompute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decodeBody[map[string]any](t, w)["job"])
}
