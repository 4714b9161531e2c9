package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/lazypower/wellspring/internal/replication"
	"github.com/lazypower/wellspring/internal/store"
)

// Summary is the bloom summary of everything this store holds.
func (e *Engine) Summary() *replication.Summary {
	return replication.NewSummary(e.View())
}

// Missing returns what a peer with the given summary probably lacks.
func (e *Engine) Missing(peerSummary *replication.Summary, peer string) (replication.Bundle, replication.MissingStats) {
	return replication.Missing(e.View(), peerSummary, peer)
}

// Export returns everything that may leave this device for peer.
func (e *Engine) Export(peer string) (replication.Bundle, replication.MissingStats) {
	return e.Missing(replication.EmptySummary(), peer)
}

// mergeSink writes straight to the store. Items waiting on a dependency
// are retried by the merge, so only final refusals reach the audit table.
type mergeSink struct {
	*store.DB
}

// Merge applies a bundle received from peer and folds the new items into
// memory in one pass.
func (e *Engine) Merge(ctx context.Context, b replication.Bundle, peer string) (replication.MergeStats, error) {
	stats, err := replication.Merge(ctx, mergeSink{e.DB}, b, peer)
	for _, f := range stats.Failures {
		e.reject(ctx, f.Kind, f.RefID, f.Err, nil)
	}
	e.metrics.Merged.WithLabelValues("new").Add(float64(stats.New))
	e.metrics.Merged.WithLabelValues("duplicate").Add(float64(stats.Duplicate))
	e.metrics.Merged.WithLabelValues("rejected").Add(float64(stats.Rejected))
	if err != nil {
		return stats, err
	}
	if err := e.catchUp(ctx); err != nil {
		return stats, err
	}
	e.log.Info("merged bundle",
		zap.String("peer", peer),
		zap.Int("received", stats.Received),
		zap.Int("new", stats.New),
		zap.Int("duplicate", stats.Duplicate),
		zap.Int("rejected", stats.Rejected))
	return stats, nil
}
