// Package trust computes observer-relative trust in nodes and edges.
//
// All results are pure functions of a graph.View, so they are memoized by
// the view's log position. A new write advances the position and old cache
// entries simply stop being asked for.
package trust

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
)

// Engine evaluates groundedness, identity trust and subject trust.
type Engine struct {
	tuning atomic.Pointer[config.TrustTuning]

	scores     *lru.Cache[string, Score]
	identities *lru.Cache[string, float64]
	groundings *lru.Cache[string, Grounding]
	group      singleflight.Group

	mu   sync.RWMutex
	deep map[string]deepEntry
	reps map[string]repEntry

	onCycle func(store.CycleEvent)
}

type deepEntry struct {
	seq     int64
	g       Grounding
	closure []string // because-edges the result was read from
}

// Option configures an Engine.
type Option func(*Engine)

// WithCycleHook registers a callback for every grounding cycle cut during
// evaluation. It runs synchronously on the evaluating goroutine.
func WithCycleHook(fn func(store.CycleEvent)) Option {
	return func(e *Engine) { e.onCycle = fn }
}

// New creates a trust engine.
func New(t config.TrustTuning, opts ...Option) (*Engine, error) {
	size := t.CacheSize
	if size <= 0 {
		size = 1024
	}
	scores, err := lru.New[string, Score](size)
	if err != nil {
		return nil, fmt.Errorf("score cache: %w", err)
	}
	identities, err := lru.New[string, float64](size)
	if err != nil {
		return nil, fmt.Errorf("identity cache: %w", err)
	}
	groundings, err := lru.New[string, Grounding](size)
	if err != nil {
		return nil, fmt.Errorf("grounding cache: %w", err)
	}
	e := &Engine{
		scores:     scores,
		identities: identities,
		groundings: groundings,
		deep:       make(map[string]deepEntry),
		reps:       make(map[string]repEntry),
	}
	e.tuning.Store(&t)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Tuning returns the constants in effect.
func (e *Engine) Tuning() config.TrustTuning { return *e.tuning.Load() }

// SetTuning swaps the constants and drops every memoized result.
func (e *Engine) SetTuning(t config.TrustTuning) {
	e.tuning.Store(&t)
	e.scores.Purge()
	e.identities.Purge()
	e.groundings.Purge()
	e.mu.Lock()
	e.deep = make(map[string]deepEntry)
	e.reps = make(map[string]repEntry)
	e.mu.Unlock()
}

// Query selects what to score and from whose point of view.
type Query struct {
	Subject  string
	Observer string
	Pool     string // restrict to attestations by members of this pool
	At       int64  // 0 means the latest state
	Via      string // restrict to one aspect
}

func (q Query) key(seq int64) string {
	return fmt.Sprintf("%d|%s|%s|%s|%d|%s", seq, q.Subject, q.Observer, q.Pool, q.At, q.Via)
}

// Contribution is one applicable attestation and the factors it carried.
type Contribution struct {
	Attestation   string  `json:"attestation"`
	By            string  `json:"by"`
	Via           string  `json:"via"`
	Weight        float64 `json:"weight"`
	IdentityTrust float64 `json:"identity_trust"`
	Groundedness  float64 `json:"groundedness"`
}

// Score is the trust an observer places in a subject.
//
// Value weighs every applicable attestation by the observer's trust in its
// author and by its groundedness. Belief is the same aggregate without
// groundedness: the trust-weighted consensus weight.
type Score struct {
	Value        float64        `json:"value"`
	Belief       float64        `json:"belief"`
	Known        bool           `json:"known"`
	Cycles       int            `json:"cycles"`
	Contributors []Contribution `json:"contributors,omitempty"`
}

// Trust scores a subject for an observer.
func (e *Engine) Trust(v *graph.View, q Query) Score {
	key := q.key(v.Seq())
	if s, ok := e.scores.Get(key); ok {
		return s
	}
	res, _, _ := e.group.Do("score|"+key, func() (any, error) {
		s := e.trust(v, q)
		e.scores.Add(key, s)
		return s, nil
	})
	return res.(Score)
}

func (e *Engine) trust(v *graph.View, q Query) Score {
	var out Score
	var sumV, sumVGW, sumVW float64
	for _, a := range Applicable(v, q.Subject, q.At) {
		if q.Via != "" && a.Via != q.Via {
			continue
		}
		if q.Pool != "" && !v.IsMember(a.By, q.Pool) {
			continue
		}
		vi := e.IdentityTrust(v, q.Observer, a.By, q.At)
		if vi <= 0 {
			continue
		}
		g := e.Groundedness(v, a.ID)
		w := effectiveWeight(v, a, q.At)
		sumV += vi
		sumVGW += vi * g.Value * w
		sumVW += vi * w
		out.Cycles += g.Cycles
		out.Contributors = append(out.Contributors, Contribution{
			Attestation:   a.ID,
			By:            a.By,
			Via:           a.Via,
			Weight:        w,
			IdentityTrust: vi,
			Groundedness:  g.Value,
		})
	}
	if sumV == 0 {
		return out
	}
	out.Known = true
	out.Value = clamp(sumVGW/sumV, -1, 1)
	out.Belief = clamp(sumVW/sumV, -1, 1)
	return out
}

// effectiveWeight applies the aspect's decay half-life between the
// attestation time and the query time.
func effectiveWeight(v *graph.View, a store.Attestation, at int64) float64 {
	if at == 0 || at <= a.At {
		return a.Weight
	}
	asp := v.Aspect(a.Via)
	if asp == nil || asp.Decay <= 0 {
		return a.Weight
	}
	return a.Weight * math.Exp2(-float64(at-a.At)/float64(asp.Decay))
}

// Applicable returns the current attestation for every (by, via) pair on a
// subject: the one with the latest at not after the bound, ties broken by
// id. An at of 0 means no bound. The result is ordered by id.
func Applicable(v *graph.View, subject string, at int64) []store.Attestation {
	type key struct{ by, via string }
	latest := make(map[key]store.Attestation)
	for _, a := range v.AttestationsOn(subject) {
		if at != 0 && a.At > at {
			continue
		}
		k := key{a.By, a.Via}
		if cur, ok := latest[k]; !ok || newer(a, cur) {
			latest[k] = a
		}
	}
	out := make([]store.Attestation, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func newer(a, b store.Attestation) bool {
	if a.At != b.At {
		return a.At > b.At
	}
	return a.ID > b.ID
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(lo, math.Min(hi, x))
}
