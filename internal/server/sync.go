package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lazypower/wellspring/internal/replication"
)

// peerHeader names the identity of the device on the other end of a sync.
const peerHeader = "X-Wellspring-Peer"

func peerOf(r *http.Request) string {
	if p := r.Header.Get(peerHeader); p != "" {
		return p
	}
	return r.URL.Query().Get("peer")
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Summary())
}

type missingRequest struct {
	Peer    string               `json:"peer"`
	Summary *replication.Summary `json:"summary" validate:"required"`
}

// handleMissing answers a peer's summary with the items it probably lacks,
// one JSON object per line.
func (s *Server) handleMissing(w http.ResponseWriter, r *http.Request) {
	var req missingRequest
	if !s.decode(w, r, &req) {
		return
	}
	peer := req.Peer
	if peer == "" {
		peer = peerOf(r)
	}
	b, stats := s.engine.Missing(req.Summary, peer)
	s.log.Info("sending missing items",
		zap.String("peer", peer),
		zap.Int("checked", stats.Checked),
		zap.Int("missing", stats.Missing),
		zap.Int("filtered_local", stats.FilteredLocal),
		zap.Int("filtered_pool", stats.FilteredPool),
		zap.Int("shared", stats.Shared))

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err := replication.Encode(w, b); err != nil {
		s.log.Warn("write bundle", zap.Error(err))
	}
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	b, err := replication.Decode(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.engine.Merge(r.Context(), b, peerOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
