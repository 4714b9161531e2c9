package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/constraint"
	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/keys"
	"github.com/lazypower/wellspring/internal/metrics"
	"github.com/lazypower/wellspring/internal/salience"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/traversal"
	"github.com/lazypower/wellspring/internal/trust"
)

const contradictionJob = "contradictions"

// Options configures an Engine. Zero values get working defaults.
type Options struct {
	Tuning  config.Tuning
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Keyring *keys.Keyring // signs writes for identities held locally; may be nil
	Now     func() int64  // Unix ms
}

// Engine orchestrates the store, the in-memory graph index and the derived
// engines. Every accepted write is appended to the log and then folded into
// the index, salience, traversal costs and contradiction checks in log
// order. Online lookups read only memory.
type Engine struct {
	DB *store.DB

	log     *zap.Logger
	metrics *metrics.Metrics
	keyring *keys.Keyring
	now     func() int64
	tuning  atomic.Pointer[config.Tuning]

	index     *graph.Index
	trust     *trust.Engine
	salience  *salience.Engine
	traversal *traversal.Engine

	mu       sync.Mutex // serializes folding log events
	restored int64      // events at or below this are already in restored observer state
	checked  int64      // events at or below this have had contradiction checks

	recomputing sync.Mutex
	stopCh      chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// New builds an engine over db, restores cached observer state and replays
// the log into memory.
func New(ctx context.Context, db *store.DB, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.Tuning == (config.Tuning{}) {
		opts.Tuning = config.DefaultTuning()
	}
	if err := opts.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}

	e := &Engine{
		DB:      db,
		log:     opts.Logger,
		metrics: opts.Metrics,
		keyring: opts.Keyring,
		now:     opts.Now,
		index:   graph.NewIndex(),
		stopCh:  make(chan struct{}),
	}
	t := opts.Tuning
	e.tuning.Store(&t)

	var err error
	if e.trust, err = trust.New(t.Trust, trust.WithCycleHook(e.onCycle)); err != nil {
		return nil, err
	}
	e.salience = salience.New(t.Salience, e.trust)
	if e.traversal, err = traversal.New(t.Traversal, e.trust, e.salience); err != nil {
		return nil, err
	}

	if err := e.restore(ctx); err != nil {
		return nil, err
	}
	if err := e.catchUp(ctx); err != nil {
		return nil, fmt.Errorf("replay log: %w", err)
	}
	e.log.Info("engine ready",
		zap.Int64("seq", e.index.Seq()),
		zap.Int64("restored", e.restored))
	return e, nil
}

// restore loads cached observer state so replay can skip what it reflects.
func (e *Engine) restore(ctx context.Context) error {
	rows, err := e.DB.ObserverStates(ctx, salience.Component)
	if err != nil {
		return err
	}
	lowS, err := e.salience.Restore(rows)
	if err != nil {
		e.log.Warn("discarding cached salience state", zap.Error(err))
		e.salience.Reset()
		lowS = 0
	}
	rows, err = e.DB.ObserverStates(ctx, traversal.Component)
	if err != nil {
		return err
	}
	lowT, err := e.traversal.Restore(rows)
	if err != nil {
		e.log.Warn("discarding cached traversal state", zap.Error(err))
		e.traversal.Reset()
		lowT = 0
	}
	e.restored = min(lowS, lowT)

	e.checked, err = e.DB.Checkpoint(ctx, contradictionJob)
	return err
}

// Tuning returns the constants in effect.
func (e *Engine) Tuning() config.Tuning { return *e.tuning.Load() }

// SetTuning swaps the constants of every component. A changed salience
// half-life rebuilds observer state from the log.
func (e *Engine) SetTuning(ctx context.Context, t config.Tuning) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	e.tuning.Store(&t)
	e.trust.SetTuning(t.Trust)
	e.traversal.SetTuning(t.Traversal)
	if !e.salience.SetTuning(t.Salience) {
		return nil
	}
	e.log.Info("salience half-life changed, rebuilding observer state")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.salience.Reset()
	return e.refold(ctx, false)
}

// View returns a snapshot of the graph at the latest applied position.
func (e *Engine) View() *graph.View { return e.index.View() }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Keyring returns the keyring used to sign writes, possibly nil.
func (e *Engine) Keyring() *keys.Keyring { return e.keyring }

// Now is the engine clock in Unix ms.
func (e *Engine) Now() int64 { return e.now() }

func (e *Engine) evaluator() constraint.Evaluator {
	return constraint.Evaluator{VetoThreshold: e.Tuning().Constraint.VetoThreshold}
}

// catchUp folds every log event past the index position into memory.
func (e *Engine) catchUp(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.DB.Replay(ctx, e.index.Seq(), func(ev store.Event) error {
		if err := e.index.Apply(ev); err != nil {
			return err
		}
		v := e.index.View()
		if ev.Seq > e.restored {
			e.salience.Apply(v, ev)
			e.traversal.Apply(v, ev)
		}
		if ev.Seq > e.checked {
			if err := e.check(ctx, v, ev); err != nil {
				return err
			}
		}
		return nil
	})
	seq := e.index.Seq()
	e.metrics.LogSeq.Set(float64(seq))
	if seq > e.checked {
		if cerr := e.DB.SaveCheckpoint(ctx, contradictionJob, seq); cerr != nil && err == nil {
			err = cerr
		}
		e.checked = seq
	}
	return err
}

// refold replays the whole log into the observer engines, which the caller
// has reset, and optionally reruns contradiction checks. The caller holds mu.
func (e *Engine) refold(ctx context.Context, checks bool) error {
	top := e.index.Seq()
	e.restored = 0
	return e.DB.Replay(ctx, 0, func(ev store.Event) error {
		if ev.Seq > top {
			return nil
		}
		v := e.index.ViewAt(ev.Seq)
		e.salience.Apply(v, ev)
		e.traversal.Apply(v, ev)
		if checks {
			return e.check(ctx, v, ev)
		}
		return nil
	})
}

// check looks for contradictions the event may have introduced.
func (e *Engine) check(ctx context.Context, v *graph.View, ev store.Event) error {
	var found []store.Contradiction
	switch ev.Kind {
	case store.EventEdge:
		found = constraint.CheckEdge(v, *ev.Edge)
	case store.EventRelation:
		for _, edge := range v.Edges() {
			if edge.Relation == ev.Relation.Name {
				found = append(found, constraint.CheckEdge(v, edge)...)
			}
		}
	case store.EventAttestation:
		found = constraint.CheckDisjoint(v, ev.Attestation.On, e.Tuning().Constraint.DisjointThreshold, 0)
	}
	for _, c := range found {
		c.DetectedAt = e.now()
		created, err := e.DB.RecordContradiction(ctx, c)
		if err != nil {
			return err
		}
		if created {
			e.metrics.Contradictions.WithLabelValues(c.Kind).Inc()
			e.log.Info("contradiction detected",
				zap.String("kind", c.Kind),
				zap.String("subject", keys.Short(c.Subject)),
				zap.String("a", keys.Short(c.A)),
				zap.String("b", keys.Short(c.B)))
		}
	}
	return nil
}

func (e *Engine) onCycle(c store.CycleEvent) {
	e.metrics.Cycles.Inc()
	c.DetectedAt = e.now()
	if err := e.DB.RecordCycle(context.Background(), c); err != nil {
		e.log.Warn("record cycle", zap.Error(err))
		return
	}
	e.log.Debug("grounding cycle cut",
		zap.String("attestation", keys.Short(c.Attestation)),
		zap.String("edge", keys.Short(c.Edge)),
		zap.Int("depth", c.Depth))
}

// Rebuild drops every cached derivation and replays the log into fresh
// observer state. It returns the log position rebuilt to.
func (e *Engine) Rebuild(ctx context.Context) (int64, error) {
	if err := e.DB.ClearDerived(ctx); err != nil {
		return 0, err
	}
	if err := e.catchUp(ctx); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.trust.SetTuning(e.Tuning().Trust)
	e.salience.Reset()
	e.traversal.Reset()
	if err := e.refold(ctx, true); err != nil {
		return 0, err
	}
	seq := e.index.Seq()
	e.checked = seq
	if err := e.DB.SaveCheckpoint(ctx, contradictionJob, seq); err != nil {
		return 0, err
	}
	if _, err := e.persistStates(ctx); err != nil {
		return 0, err
	}
	e.log.Info("rebuilt derived state", zap.Int64("seq", seq))
	return seq, nil
}

// persistStates writes every observer state to the cache tables.
func (e *Engine) persistStates(ctx context.Context) (int, error) {
	rows, err := e.salience.Snapshot()
	if err != nil {
		return 0, err
	}
	more, err := e.traversal.Snapshot()
	if err != nil {
		return 0, err
	}
	rows = append(rows, more...)
	for _, r := range rows {
		if err := e.DB.SaveObserverState(ctx, r); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// Close stops background work and saves observer state. The store stays
// open; its owner closes it.
func (e *Engine) Close(ctx context.Context) error {
	e.Stop()
	_, err := e.persistStates(ctx)
	return err
}
