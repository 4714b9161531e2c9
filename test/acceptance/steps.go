package acceptance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cucumber/godog"

	"github.com/lazypower/wellspring/internal/constraint"
	"github.com/lazypower/wellspring/internal/engine"
	"github.com/lazypower/wellspring/internal/keys"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/trust"
)

// world holds one scenario's store and the names its steps refer to.
type world struct {
	ctx    context.Context
	db     *store.DB
	engine *engine.Engine
	keyDir string
	clock  int64
	ids    map[string]string

	lastID      string
	lastCreated bool
	lastErr     error
	seqBefore   int64
	remembered  []string
	cost        float64
	decision    constraint.Decision
}

func (w *world) start() error {
	dir, err := os.MkdirTemp("", "wellspring-acceptance-*")
	if err != nil {
		return err
	}
	db, err := store.OpenMemory()
	if err != nil {
		return err
	}
	w.ctx = context.Background()
	w.db = db
	w.keyDir = dir
	w.clock = 1_700_000_000_000
	w.ids = make(map[string]string)
	w.engine, err = engine.New(w.ctx, db, engine.Options{
		Keyring: &keys.Keyring{Dir: dir},
		Now:     func() int64 { return w.clock },
	})
	return err
}

func (w *world) stop() {
	if w.engine != nil {
		w.engine.Stop()
	}
	if w.db != nil {
		w.db.Close()
	}
	os.RemoveAll(w.keyDir)
}

// tick advances the clock so successive writes carry distinct times.
func (w *world) tick() { w.clock += 1000 }

func (w *world) id(name string) (string, error) {
	id, ok := w.ids[name]
	if !ok {
		return "", fmt.Errorf("no %q in this scenario", name)
	}
	return id, nil
}

func (w *world) idList(names string) ([]string, error) {
	var out []string
	for _, n := range strings.Split(names, ",") {
		id, err := w.id(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (w *world) identity(name string) error {
	w.tick()
	id, err := w.engine.CreateIdentity(w.ctx, engine.NewIdentity{Kind: store.Sovereign, Name: name})
	w.ids[name] = id
	return err
}

func (w *world) recordIdentity(name string) error {
	w.tick()
	id, err := w.engine.CreateIdentity(w.ctx, engine.NewIdentity{Kind: store.RecordIdentity, Name: name})
	w.ids[name] = id
	return err
}

func (w *world) aspect(typ, name, creator string) error {
	by, err := w.id(creator)
	if err != nil {
		return err
	}
	w.tick()
	id, _, err := w.engine.PutNode(w.ctx, store.Node{
		Content: store.AspectPayload(store.Aspect{Type: store.AspectType(typ), Name: name}),
		Creator: by,
	})
	w.ids[name] = id
	return err
}

func (w *world) putNode(name, creator string) (string, bool, error) {
	by, err := w.id(creator)
	if err != nil {
		return "", false, err
	}
	w.tick()
	return w.engine.PutNode(w.ctx, store.Node{Content: store.TextPayload(name), Creator: by})
}

func (w *world) node(name, creator string) error {
	id, _, err := w.putNode(name, creator)
	w.ids[name] = id
	return err
}

func (w *world) nodeAgain(creator, name string) error {
	w.seqBefore = w.engine.View().Seq()
	var err error
	w.lastID, w.lastCreated, err = w.putNode(name, creator)
	return err
}

func (w *world) sameIDNothingWritten() error {
	if w.lastID != w.ids[w.lastNodeName()] {
		return fmt.Errorf("second put returned %s", w.lastID)
	}
	if w.lastCreated {
		return errors.New("second put reported a new node")
	}
	if seq := w.engine.View().Seq(); seq != w.seqBefore {
		return fmt.Errorf("log moved from %d to %d", w.seqBefore, seq)
	}
	return nil
}

// lastNodeName finds the alias of the id returned by the last put.
func (w *world) lastNodeName() string {
	for name, id := range w.ids {
		if id == w.lastID {
			return name
		}
	}
	return ""
}

func (w *world) edge(name, from, to, relation, creator string) error {
	f, err := w.id(from)
	if err != nil {
		return err
	}
	t, err := w.id(to)
	if err != nil {
		return err
	}
	by, err := w.id(creator)
	if err != nil {
		return err
	}
	w.tick()
	id, _, err := w.engine.PutEdge(w.ctx, store.Edge{From: f, To: t, Relation: relation, Creator: by})
	w.ids[name] = id
	return err
}

func (w *world) appendAttestation(by, on, via string, weight float64, at int64, because ...string) error {
	a := store.Attestation{Weight: weight, At: at}
	var err error
	if a.By, err = w.id(by); err != nil {
		return err
	}
	if a.On, err = w.id(on); err != nil {
		return err
	}
	if a.Via, err = w.id(via); err != nil {
		return err
	}
	for _, b := range because {
		id, err := w.id(b)
		if err != nil {
			return err
		}
		a.Because = append(a.Because, id)
	}
	w.tick()
	w.lastID, w.lastCreated, w.lastErr = w.engine.AppendAttestation(w.ctx, a)
	return w.lastErr
}

func (w *world) attests(by, on, via string, weight float64) error {
	return w.appendAttestation(by, on, via, weight, 0)
}

func (w *world) attestsAt(by, on, via string, weight float64, at int64) error {
	return w.appendAttestation(by, on, via, weight, at)
}

func (w *world) attestsBecause(by, on, via string, weight float64, because string) error {
	return w.appendAttestation(by, on, via, weight, 0, because)
}

func (w *world) attestsUnsigned(by, on, via string, weight float64) error {
	w.appendAttestation(by, on, via, weight, 0)
	if w.lastErr == nil {
		return errors.New("the write was accepted")
	}
	return nil
}

func (w *world) rejectedAs(reason string) error {
	if got := store.Reason(w.lastErr); got != reason {
		return fmt.Errorf("rejected as %s (%v)", got, w.lastErr)
	}
	return nil
}

func (w *world) rejectionAudited() error {
	rows, err := w.db.RejectedWrites(w.ctx, 10)
	if err != nil {
		return err
	}
	if len(rows) == 0 || rows[0].Reason != store.Reason(w.lastErr) {
		return fmt.Errorf("audit table holds %v", rows)
	}
	return nil
}

func (w *world) attestationIDs(on string) ([]string, error) {
	id, err := w.id(on)
	if err != nil {
		return nil, err
	}
	atts, err := w.db.GetAttestations(w.ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(atts))
	for _, a := range atts {
		out = append(out, a.ID)
	}
	return out, nil
}

func (w *world) rememberAttestations(on string) error {
	var err error
	w.remembered, err = w.attestationIDs(on)
	return err
}

func (w *world) rememberedStillPresent(on string) error {
	now, err := w.attestationIDs(on)
	if err != nil {
		return err
	}
	for _, id := range w.remembered {
		if !slices.Contains(now, id) {
			return fmt.Errorf("attestation %s disappeared", keys.Short(id))
		}
	}
	return nil
}

func (w *world) attestationCount(n int, on string) error {
	ids, err := w.attestationIDs(on)
	if err != nil {
		return err
	}
	if len(ids) != n {
		return fmt.Errorf("%d attestations, want %d", len(ids), n)
	}
	return nil
}

func (w *world) belief(observer, subject, via string, at int64) (trust.Belief, error) {
	o, err := w.id(observer)
	if err != nil {
		return trust.Belief{}, err
	}
	s, err := w.id(subject)
	if err != nil {
		return trust.Belief{}, err
	}
	a, err := w.id(via)
	if err != nil {
		return trust.Belief{}, err
	}
	return trust.LatestBeliefVia(w.engine.View(), o, s, a, at), nil
}

func (w *world) beliefUnknown(observer, subject, via string) error {
	return w.beliefAtUnknown(observer, subject, via, 0)
}

func (w *world) beliefAtUnknown(observer, subject, via string, at int64) error {
	b, err := w.belief(observer, subject, via, at)
	if err != nil {
		return err
	}
	if b.Known {
		return fmt.Errorf("belief is %v, want unknown", b.Weight)
	}
	return nil
}

func (w *world) beliefAtIs(observer, subject, via string, at int64, want float64) error {
	b, err := w.belief(observer, subject, via, at)
	if err != nil {
		return err
	}
	if !b.Known || math.Abs(b.Weight-want) > 1e-9 {
		return fmt.Errorf("belief is %v (known %v), want %v", b.Weight, b.Known, want)
	}
	return nil
}

func (w *world) trustOf(observer, subject string) (trust.Score, error) {
	o, err := w.id(observer)
	if err != nil {
		return trust.Score{}, err
	}
	s, err := w.id(subject)
	if err != nil {
		return trust.Score{}, err
	}
	return w.engine.Trust(trust.Query{Subject: s, Observer: o}), nil
}

func (w *world) trustUnknown(observer, subject string) error {
	s, err := w.trustOf(observer, subject)
	if err != nil {
		return err
	}
	if s.Known {
		return fmt.Errorf("trust is %v, want unknown", s.Value)
	}
	return nil
}

func (w *world) trustFinite(observer, subject string) error {
	s, err := w.trustOf(observer, subject)
	if err != nil {
		return err
	}
	if !s.Known || math.IsNaN(s.Value) || math.IsInf(s.Value, 0) || s.Value < -1 || s.Value > 1 {
		return fmt.Errorf("trust is %v (known %v)", s.Value, s.Known)
	}
	return nil
}

func (w *world) cycleRecorded() error {
	cycles, err := w.db.CycleEvents(w.ctx, 10)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		return errors.New("no grounding cycle recorded")
	}
	return nil
}

func (w *world) trustExceeds(observer, a, b string) error {
	sa, err := w.trustOf(observer, a)
	if err != nil {
		return err
	}
	sb, err := w.trustOf(observer, b)
	if err != nil {
		return err
	}
	if sa.Value <= sb.Value {
		return fmt.Errorf("trust in %s is %v, in %s %v", a, sa.Value, b, sb.Value)
	}
	return nil
}

func (w *world) scores(observer, subject, aspects, weights string) error {
	names := strings.Split(aspects, ",")
	values := strings.Split(weights, ",")
	if len(names) != len(values) {
		return fmt.Errorf("%d aspects but %d weights", len(names), len(values))
	}
	for i, name := range names {
		v, err := strconv.ParseFloat(strings.TrimSpace(values[i]), 64)
		if err != nil {
			return err
		}
		if err := w.attests(observer, subject, strings.TrimSpace(name), v); err != nil {
			return err
		}
	}
	return nil
}

func (w *world) decides(observer, candidates, aspects string) error {
	o, err := w.id(observer)
	if err != nil {
		return err
	}
	cands, err := w.idList(candidates)
	if err != nil {
		return err
	}
	ids, err := w.idList(aspects)
	if err != nil {
		return err
	}
	var leaves []*store.Expr
	for _, id := range ids {
		leaves = append(leaves, store.Leaf(id))
	}
	w.decision, err = w.engine.EvaluateDecision(engine.DecisionRequest{
		Observer:   o,
		Candidates: cands,
		Must:       store.Intersection(leaves...),
	})
	return err
}

func (w *world) onlySelected(name string) error {
	id, err := w.id(name)
	if err != nil {
		return err
	}
	if len(w.decision.Ranked) != 1 || w.decision.Ranked[0].ID != id {
		return fmt.Errorf("selected %v", w.decision.Ranked)
	}
	return nil
}

func (w *world) vetoedBy(name, aspect string) error {
	id, err := w.id(name)
	if err != nil {
		return err
	}
	by, err := w.id(aspect)
	if err != nil {
		return err
	}
	for _, v := range w.decision.Vetoed {
		if v.ID == id && slices.Contains(v.VetoedBy, by) {
			return nil
		}
	}
	return fmt.Errorf("vetoed %v", w.decision.Vetoed)
}

func (w *world) costTo(observer, from, to string) (float64, error) {
	o, err := w.id(observer)
	if err != nil {
		return 0, err
	}
	f, err := w.id(from)
	if err != nil {
		return 0, err
	}
	t, err := w.id(to)
	if err != nil {
		return 0, err
	}
	ranked := w.engine.Rerank(o, f, []string{t}, 0)
	if len(ranked) != 1 || !ranked[0].Reachable {
		return 0, fmt.Errorf("%s is unreachable from %s", to, from)
	}
	return ranked[0].Cost, nil
}

func (w *world) rememberCost(observer, from, to string) error {
	var err error
	w.cost, err = w.costTo(observer, from, to)
	return err
}

func (w *world) walks(observer, path string, times int) error {
	o, err := w.id(observer)
	if err != nil {
		return err
	}
	nodes, err := w.idList(path)
	if err != nil {
		return err
	}
	for range times {
		w.tick()
		if _, _, err := w.engine.RecordTraversal(w.ctx, store.Traversal{Observer: o, Path: nodes, At: w.clock}); err != nil {
			return err
		}
	}
	return nil
}

func (w *world) cheaperThanRemembered(observer, from, to string) error {
	c, err := w.costTo(observer, from, to)
	if err != nil {
		return err
	}
	if c >= w.cost {
		return fmt.Errorf("cost %v, was %v", c, w.cost)
	}
	return nil
}

func (w *world) cheaperThan(observer, from, to, other string) error {
	c, err := w.costTo(observer, from, to)
	if err != nil {
		return err
	}
	d, err := w.costTo(observer, from, other)
	if err != nil {
		return err
	}
	if c >= d {
		return fmt.Errorf("cost to %s %v, to %s %v", to, c, other, d)
	}
	return nil
}

func (w *world) rerankFirst(candidates, observer, from, first string) error {
	o, err := w.id(observer)
	if err != nil {
		return err
	}
	f, err := w.id(from)
	if err != nil {
		return err
	}
	cands, err := w.idList(candidates)
	if err != nil {
		return err
	}
	want, err := w.id(first)
	if err != nil {
		return err
	}
	ranked := w.engine.Rerank(o, f, cands, 0)
	if len(ranked) == 0 || ranked[0].Node != want {
		return fmt.Errorf("ranked %v", ranked)
	}
	return nil
}

// InitializeScenario binds the step definitions to a fresh world.
func InitializeScenario(sc *godog.ScenarioContext) {
	w := &world{}

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		return ctx, w.start()
	})
	sc.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		w.stop()
		return ctx, nil
	})

	// store
	sc.Step(`^an identity "([^"]*)"$`, w.identity)
	sc.Step(`^a record identity "([^"]*)"$`, w.recordIdentity)
	sc.Step(`^a (value|preference|need|mood|constraint) aspect "([^"]*)" by "([^"]*)"$`, w.aspect)
	sc.Step(`^a node "([^"]*)" created by "([^"]*)"$`, w.node)
	sc.Step(`^"([^"]*)" creates node "([^"]*)" again$`, w.nodeAgain)
	sc.Step(`^the same id is returned and nothing was written$`, w.sameIDNothingWritten)
	sc.Step(`^an edge "([^"]*)" from "([^"]*)" to "([^"]*)" labelled "([^"]*)" by "([^"]*)"$`, w.edge)
	sc.Step(`^"([^"]*)" attests "([^"]*)" via "([^"]*)" with weight (-?[\d.]+)$`, w.attests)
	sc.Step(`^"([^"]*)" attests "([^"]*)" via "([^"]*)" with weight (-?[\d.]+) at (\d+)$`, w.attestsAt)
	sc.Step(`^"([^"]*)" attests "([^"]*)" via "([^"]*)" with weight (-?[\d.]+) because "([^"]*)"$`, w.attestsBecause)
	sc.Step(`^"([^"]*)" attests "([^"]*)" via "([^"]*)" with weight (-?[\d.]+) without a proxy$`, w.attestsUnsigned)
	sc.Step(`^the write is rejected as "([^"]*)"$`, w.rejectedAs)
	sc.Step(`^the rejection is kept for audit$`, w.rejectionAudited)
	sc.Step(`^the attestations on "([^"]*)" are remembered$`, w.rememberAttestations)
	sc.Step(`^every remembered attestation on "([^"]*)" is still present$`, w.rememberedStillPresent)
	sc.Step(`^there are (\d+) attestations on "([^"]*)"$`, w.attestationCount)

	// trust
	sc.Step(`^the belief of "([^"]*)" on "([^"]*)" via "([^"]*)" is unknown$`, w.beliefUnknown)
	sc.Step(`^the belief of "([^"]*)" on "([^"]*)" via "([^"]*)" at (\d+) is unknown$`, w.beliefAtUnknown)
	sc.Step(`^the belief of "([^"]*)" on "([^"]*)" via "([^"]*)" at (\d+) is (-?[\d.]+)$`, w.beliefAtIs)
	sc.Step(`^the trust of "([^"]*)" in "([^"]*)" is unknown$`, w.trustUnknown)
	sc.Step(`^the trust of "([^"]*)" in "([^"]*)" is a finite number between -1 and 1$`, w.trustFinite)
	sc.Step(`^a grounding cycle was recorded$`, w.cycleRecorded)
	sc.Step(`^the trust of "([^"]*)" in "([^"]*)" exceeds the trust in "([^"]*)"$`, w.trustExceeds)

	// decisions
	sc.Step(`^"([^"]*)" scores "([^"]*)" on "([^"]*)" as "([^"]*)"$`, w.scores)
	sc.Step(`^"([^"]*)" decides between "([^"]*)" requiring all of "([^"]*)"$`, w.decides)
	sc.Step(`^only "([^"]*)" is selected$`, w.onlySelected)
	sc.Step(`^"([^"]*)" is vetoed by "([^"]*)"$`, w.vetoedBy)

	// traversal
	sc.Step(`^the cost for "([^"]*)" from "([^"]*)" to "([^"]*)" is remembered$`, w.rememberCost)
	sc.Step(`^"([^"]*)" walks "([^"]*)" (\d+) times$`, w.walks)
	sc.Step(`^the cost for "([^"]*)" from "([^"]*)" to "([^"]*)" is lower than remembered$`, w.cheaperThanRemembered)
	sc.Step(`^the cost for "([^"]*)" from "([^"]*)" to "([^"]*)" is lower than to "([^"]*)"$`, w.cheaperThan)
	sc.Step(`^reranking "([^"]*)" for "([^"]*)" from "([^"]*)" puts "([^"]*)" first$`, w.rerankFirst)
}
