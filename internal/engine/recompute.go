package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
)

// Background recomputation:
//   - walks the log from its checkpoint up to the view it started on
//   - deepens groundedness of every attestation walked with DeepMaxDepth
//   - materializes external reputations and marks ranked salience stale
//   - saves observer state and checkpoints every CheckpointEvery events
//
// Deep results and reputations serve later views until an attestation
// they read from changes. When writes arrived since the last run the walk
// starts over from the beginning of the log.
const (
	recomputeJob    = "recompute"
	recomputeTarget = "recompute:target"
)

var errWalked = errors.New("walked to target")

// RecomputeStats describes one background run.
type RecomputeStats struct {
	Job      string        `json:"job"`
	From     int64         `json:"from"`
	To       int64         `json:"to"`
	Events   int           `json:"events"`
	Deepened int           `json:"deepened"`
	States   int           `json:"states"`
	Duration time.Duration `json:"duration"`
}

// Recompute runs one background pass. It returns early, with the checkpoint
// saved, when ctx is cancelled; the next run resumes from there.
func (e *Engine) Recompute(ctx context.Context) (RecomputeStats, error) {
	e.recomputing.Lock()
	defer e.recomputing.Unlock()

	start := time.Now()
	stats := RecomputeStats{Job: uuid.NewString()}
	log := e.log.With(zap.String("job", stats.Job))
	t := e.Tuning().Background
	v := e.View()
	stats.To = v.Seq()

	from, err := e.DB.Checkpoint(ctx, recomputeJob)
	if err != nil {
		return stats, err
	}
	target, err := e.DB.Checkpoint(ctx, recomputeTarget)
	if err != nil {
		return stats, err
	}
	if target != v.Seq() || from > v.Seq() {
		from = 0
		if err := e.DB.SaveCheckpoint(ctx, recomputeTarget, v.Seq()); err != nil {
			return stats, err
		}
	}
	stats.From = from

	every := max(t.CheckpointEvery, 1)
	var batch []string
	flush := func(seq int64) error {
		if err := e.deepen(ctx, v, batch, t.Workers); err != nil {
			return err
		}
		stats.Deepened += len(batch)
		batch = nil
		return e.DB.SaveCheckpoint(ctx, recomputeJob, seq)
	}

	err = e.DB.Replay(ctx, from, func(ev store.Event) error {
		if ev.Seq > v.Seq() {
			return errWalked
		}
		stats.Events++
		e.metrics.RecomputeEvents.Inc()
		if ev.Kind == store.EventAttestation {
			batch = append(batch, ev.RefID)
		}
		if stats.Events%every == 0 {
			return flush(ev.Seq)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errWalked) {
		log.Warn("recompute interrupted", zap.Int("events", stats.Events), zap.Error(err))
		return stats, err
	}
	if err := flush(v.Seq()); err != nil {
		return stats, err
	}

	for _, n := range v.Nodes() {
		if ident := n.Identity(); ident != nil && ident.Kind == store.External {
			e.trust.MaterializeReputation(v, n.ID)
		}
	}
	e.trust.PruneDeep(v)
	e.salience.Invalidate()

	if stats.States, err = e.persistStates(ctx); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	e.metrics.RecomputeDuration.Observe(stats.Duration.Seconds())
	log.Info("recompute complete",
		zap.Int64("from", stats.From),
		zap.Int64("to", stats.To),
		zap.Int("events", stats.Events),
		zap.Int("deepened", stats.Deepened),
		zap.Duration("took", stats.Duration))
	return stats, nil
}

// deepen spreads deep groundedness evaluation over a bounded worker pool.
func (e *Engine) deepen(ctx context.Context, v *graph.View, ids []string, workers int) error {
	if len(ids) == 0 {
		return nil
	}
	workers = max(workers, 1)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	chunk := (len(ids) + workers - 1) / workers
	for i := 0; i < len(ids); i += chunk {
		part := ids[i:min(i+chunk, len(ids))]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.trust.Deepen(v, part)
			return nil
		})
	}
	return g.Wait()
}

// StartRecompute runs a pass now and then every Background.Interval until
// Stop is called.
func (e *Engine) StartRecompute() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runRecompute(ctx)

		ticker := time.NewTicker(e.Tuning().Background.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.runRecompute(ctx)
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *Engine) runRecompute(ctx context.Context) {
	if _, err := e.Recompute(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("recompute", zap.Error(err))
	}
}

// Stop cancels background work and waits for it to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.cancel != nil {
			e.cancel()
		}
	})
	e.wg.Wait()
}
