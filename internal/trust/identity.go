package trust

import (
	"fmt"
	"math"
	"sort"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/graph"
	"github.com/lazypower/wellspring/internal/store"
)

// maxDelegationChain bounds how many parents a delegation may stack.
const maxDelegationChain = 8

// IdentityTrust is how far an observer trusts an identity to attest, in [0,1].
func (e *Engine) IdentityTrust(v *graph.View, observer, identity string, at int64) float64 {
	if observer == identity {
		return 1
	}
	key := fmt.Sprintf("%d|%s|%s|%d", v.Seq(), observer, identity, at)
	if s, ok := e.identities.Get(key); ok {
		return s
	}
	res, _, _ := e.group.Do("identity|"+key, func() (any, error) {
		s := e.identityTrust(v, observer, identity, at)
		e.identities.Add(key, s)
		return s, nil
	})
	return res.(float64)
}

func (e *Engine) identityTrust(v *graph.View, observer, identity string, at int64) float64 {
	t := e.Tuning()
	wot := e.WebOfTrust(v, observer, at)

	// walk up the delegation chain; a delegate is trusted as far as its
	// own vouches reach or as far as its parent lends it, whichever is more
	best, factor := 0.0, 1.0
	id := identity
	for range maxDelegationChain {
		if id == observer {
			return clamp(math.Max(best, factor), 0, 1)
		}
		ident := v.Identity(id)
		if ident == nil {
			return best
		}
		if ident.IsAgent() {
			factor *= t.AgentBaseTrust
		}
		switch ident.Kind {
		case store.Delegated:
			if v.RevokedAt(id, boundOrMax(at)) || (ident.ExpiresAt > 0 && at >= ident.ExpiresAt) {
				return best
			}
			best = math.Max(best, wot[id]*factor)
			df := ident.DelegationFactor
			if df == 0 {
				df = t.DelegationFactor
			}
			factor *= df
			id = ident.Parent
		case store.External:
			direct := math.Max(wot[id], t.ExternalBaseTrust) * e.Reputation(v, id, at)
			return clamp(math.Max(best, direct*factor), 0, 1)
		default:
			return clamp(math.Max(best, wot[id]*factor), 0, 1)
		}
	}
	return clamp(best, 0, 1)
}

func boundOrMax(at int64) int64 {
	if at == 0 {
		return math.MaxInt64
	}
	return at
}

// WebOfTrust returns the observer's vouch-chain trust in every identity it
// reaches within the hop budget: the best product over paths of each vouch
// edge's strength, decayed per hop after the first.
func (e *Engine) WebOfTrust(v *graph.View, observer string, at int64) map[string]float64 {
	t := e.Tuning()
	best := map[string]float64{observer: 1}
	frontier := map[string]float64{observer: 1}
	for _, p := range predecessors(v, observer, at) {
		best[p], frontier[p] = 1, 1
	}
	for hop := 1; hop <= t.MaxVouchHops && len(frontier) > 0; hop++ {
		decay := 1.0
		if hop > 1 {
			decay = t.VouchDecay
		}
		next := make(map[string]float64)
		for _, from := range sortedKeys(frontier) {
			base := frontier[from]
			for _, edge := range v.EdgesFrom(from) {
				if edge.Relation != store.RelVouches || edge.Creator != from {
					continue
				}
				if at != 0 && edge.CreatedAt > at {
					continue
				}
				s := base * vouchStrength(v, edge, at) * decay
				if s <= 0 || s <= best[edge.To] {
					continue
				}
				best[edge.To] = s
				next[edge.To] = s
				// a confirmed rotation hands the standing on unchanged
				to := edge.To
				for range maxDelegationChain {
					succ, ok := successor(v, to, at)
					if !ok || s <= best[succ] {
						break
					}
					best[succ], next[succ] = s, s
					to = succ
				}
			}
		}
		frontier = next
	}
	return best
}

// successor is the identity a key was rotated to, once the new key has
// confirmed the rotation edge with positive weight.
func successor(v *graph.View, identity string, at int64) (string, bool) {
	var found bool
	var first store.Edge
	for _, edge := range v.EdgesFrom(identity) {
		if edge.Relation != store.RelRotatesTo || edge.Creator != identity {
			continue
		}
		if at != 0 && edge.CreatedAt > at {
			continue
		}
		if b := LatestBelief(v, edge.To, edge.ID, at); !b.Known || b.Weight <= 0 {
			continue
		}
		if !found || edge.CreatedAt < first.CreatedAt || (edge.CreatedAt == first.CreatedAt && edge.ID < first.ID) {
			first, found = edge, true
		}
	}
	return first.To, found
}

// predecessors lists the keys that were rotated, directly or in a chain,
// into identity.
func predecessors(v *graph.View, identity string, at int64) []string {
	var out []string
	seen := map[string]bool{identity: true}
	queue := []string{identity}
	for len(queue) > 0 && len(out) < maxDelegationChain {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range v.EdgesTo(id) {
			if edge.Relation != store.RelRotatesTo || seen[edge.From] {
				continue
			}
			if succ, ok := successor(v, edge.From, at); !ok || succ != id {
				continue
			}
			seen[edge.From] = true
			out = append(out, edge.From)
			queue = append(queue, edge.From)
		}
	}
	return out
}

// vouchStrength is the voucher's current belief on its vouch edge, 1 when
// the voucher never qualified it.
func vouchStrength(v *graph.View, edge store.Edge, at int64) float64 {
	b := LatestBelief(v, edge.Creator, edge.ID, at)
	if !b.Known {
		return 1
	}
	return math.Max(0, b.Weight)
}

// Reputation is an external identity's historical accuracy: an exponential
// moving average of how closely its attestations matched the verdict a
// sovereign identity later gave on the same subject and aspect. A
// materialized value serves every view it still holds for.
func (e *Engine) Reputation(v *graph.View, identity string, at int64) float64 {
	if r, ok := e.materialized(v, identity, at); ok {
		return r
	}
	key := fmt.Sprintf("rep|%d|%s|%d", v.Seq(), identity, at)
	if r, ok := e.identities.Get(key); ok {
		return r
	}
	r := reputation(v, identity, at, e.Tuning())
	e.identities.Add(key, r.value)
	return r.value
}

// repEntry is a reputation computed without a time bound.
type repEntry struct {
	seq      int64
	value    float64
	through  int64    // latest at among the attestations it read
	subjects []string // subjects the identity attested
}

// MaterializeReputation computes an identity's unbounded reputation and
// keeps it for later views. Memoized identity trust and scores are dropped
// so they pick it up.
func (e *Engine) MaterializeReputation(v *graph.View, identity string) float64 {
	r := reputation(v, identity, 0, e.Tuning())
	r.seq = v.Seq()
	e.mu.Lock()
	e.reps[identity] = r
	e.mu.Unlock()
	e.identities.Purge()
	e.scores.Purge()
	return r.value
}

// materialized returns the kept reputation when neither the identity nor
// anyone judging its subjects has attested since, and the bound does not
// cut into what it read.
func (e *Engine) materialized(v *graph.View, identity string, at int64) (float64, bool) {
	e.mu.RLock()
	r, ok := e.reps[identity]
	e.mu.RUnlock()
	if !ok || r.seq > v.Seq() || (at != 0 && at < r.through) {
		return 0, false
	}
	if v.AuthoredSince(identity, r.seq) {
		return 0, false
	}
	for _, s := range r.subjects {
		if v.AttestedSince(s, r.seq) {
			return 0, false
		}
	}
	return r.value, true
}

func reputation(v *graph.View, identity string, at int64, t config.TrustTuning) repEntry {
	mine := v.AttestationsBy(identity)
	sort.Slice(mine, func(i, j int) bool {
		if mine[i].At != mine[j].At {
			return mine[i].At < mine[j].At
		}
		return mine[i].ID < mine[j].ID
	})

	out := repEntry{}
	seen := make(map[string]bool)
	rep := t.ReputationPrior
	for _, a := range mine {
		if at != 0 && a.At > at {
			break
		}
		out.through = max(out.through, a.At)
		if !seen[a.On] {
			seen[a.On] = true
			out.subjects = append(out.subjects, a.On)
		}
		verdict, ok := sovereignVerdict(v, a.On, a.Via, identity, at)
		if !ok {
			continue
		}
		out.through = max(out.through, verdict.At)
		correct := 1 - math.Abs(a.Weight-verdict.Weight)/2
		rep = t.ReputationAlpha*correct + (1-t.ReputationAlpha)*rep
	}
	out.value = clamp(rep, 0, 1)
	return out
}

// sovereignVerdict is the latest attestation any sovereign identity other
// than the one being judged put on (subject, via).
func sovereignVerdict(v *graph.View, subject, via, exclude string, at int64) (store.Attestation, bool) {
	var found bool
	var latest store.Attestation
	for _, a := range v.AttestationsOn(subject) {
		if a.Via != via || a.By == exclude || (at != 0 && a.At > at) {
			continue
		}
		ident := v.Identity(a.By)
		if ident == nil || ident.Kind != store.Sovereign {
			continue
		}
		if !found || newer(a, latest) {
			latest, found = a, true
		}
	}
	return latest, found
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
