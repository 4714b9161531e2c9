package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/keys"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/trust"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

const now = int64(1_700_000_000_000)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testOptions(t *testing.T) Options {
	return Options{
		Keyring: &keys.Keyring{Dir: t.TempDir()},
		Now:     func() int64 { return now },
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return openEngine(t, testDB(t), testOptions(t))
}

func openEngine(t *testing.T, db *store.DB, opts Options) *Engine {
	t.Helper()
	e, err := New(context.Background(), db, opts)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func sovereign(t *testing.T, e *Engine, name string) string {
	t.Helper()
	id, err := e.CreateIdentity(context.Background(), NewIdentity{Kind: store.Sovereign, Name: name})
	require.NoError(t, err)
	return id
}

func text(t *testing.T, e *Engine, creator, s string) string {
	t.Helper()
	id, _, err := e.PutNode(context.Background(), store.Node{Content: store.TextPayload(s), Creator: creator})
	require.NoError(t, err)
	return id
}

func aspect(t *testing.T, e *Engine, creator, name string, typ store.AspectType) string {
	t.Helper()
	id, _, err := e.PutNode(context.Background(), store.Node{
		Content: store.AspectPayload(store.Aspect{Type: typ, Name: name}),
		Creator: creator,
	})
	require.NoError(t, err)
	return id
}

func edge(t *testing.T, e *Engine, from, to, rel, creator string) string {
	t.Helper()
	id, _, err := e.PutEdge(context.Background(), store.Edge{From: from, To: to, Relation: rel, Creator: creator})
	require.NoError(t, err)
	return id
}

func attest(t *testing.T, e *Engine, by, on, via string, w float64, because ...string) string {
	t.Helper()
	id, _, err := e.AppendAttestation(context.Background(), store.Attestation{By: by, On: on, Via: via, Weight: w, Because: because})
	require.NoError(t, err)
	return id
}

func walk(t *testing.T, e *Engine, observer string, path ...string) {
	t.Helper()
	_, _, err := e.RecordTraversal(context.Background(), store.Traversal{Observer: observer, Path: path})
	require.NoError(t, err)
}

func TestWritesAreSignedAndIndexed(t *testing.T) {
	e := testEngine(t)
	keif := sovereign(t, e, "keif")
	via := aspect(t, e, keif, "accurate", store.AspectValue)
	x := text(t, e, keif, "x")

	n, ok := e.View().Node(x)
	require.True(t, ok)
	assert.NotEmpty(t, n.Signature, "nodes by local identities are signed")
	assert.Equal(t, now, n.CreatedAt)

	attest(t, e, keif, x, via, 0.8)
	s := e.Trust(trust.Query{Subject: x, Observer: keif})
	assert.True(t, s.Known)
	assert.InDelta(t, 0.8, s.Belief, 1e-9)
	assert.InDelta(t, 0.8*0.3, s.Value, 1e-9)

	unknown := e.Trust(trust.Query{Subject: text(t, e, keif, "y"), Observer: keif})
	assert.False(t, unknown.Known)
}

func TestRejectedWritesAreAudited(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	keif := sovereign(t, e, "keif")
	via := aspect(t, e, keif, "accurate", store.AspectValue)
	archive, err := e.CreateIdentity(ctx, NewIdentity{Kind: store.RecordIdentity, Name: "archive"})
	require.NoError(t, err)
	x := text(t, e, keif, "x")
	before := e.View().Seq()

	_, _, err = e.AppendAttestation(ctx, store.Attestation{By: archive, On: x, Via: via, Weight: 1})
	require.ErrorIs(t, err, store.ErrInvalidSignature)

	_, _, err = e.PutEdge(ctx, store.Edge{From: x, To: "cid:sha256:nowhere", Relation: "next", Creator: keif})
	require.ErrorIs(t, err, store.ErrUnknownSubject)

	assert.Equal(t, before, e.View().Seq(), "rejected writes leave no trace in the log")
	rejected, err := e.DB.RejectedWrites(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rejected, 2)
	assert.Equal(t, "unknown_subject", rejected[0].Reason)
	assert.Equal(t, "invalid_signature", rejected[1].Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().Rejected.WithLabelValues("attestation", "invalid_signature")))
}

func TestContradictionsAreRecorded(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	keif := sovereign(t, e, "keif")
	vegan := aspect(t, e, keif, "vegan", store.AspectValue)
	carnivore := aspect(t, e, keif, "carnivore", store.AspectValue)
	edge(t, e, vegan, carnivore, store.RelDisjoint, keif)
	meal := text(t, e, keif, "meal")

	attest(t, e, keif, meal, vegan, 0.8)
	attest(t, e, keif, meal, carnivore, 0.9)

	found, err := e.DB.Contradictions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "disjoint", found[0].Kind)
	assert.Equal(t, meal, found[0].Subject)

	// a later declaration flags edges already in the graph
	x := text(t, e, keif, "x")
	edge(t, e, x, text(t, e, keif, "alice"), "owner", keif)
	edge(t, e, x, text(t, e, keif, "bob"), "owner", keif)
	_, err = e.DeclareRelation(ctx, store.RelationType{Name: "owner", Functional: true, Creator: keif})
	require.NoError(t, err)

	found, err = e.DB.Contradictions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.Metrics().Contradictions.WithLabelValues("disjoint"))+
		testutil.ToFloat64(e.Metrics().Contradictions.WithLabelValues("functional")))
}

func TestWaterlineAndRerank(t *testing.T) {
	e := testEngine(t)
	keif := sovereign(t, e, "keif")
	x := text(t, e, keif, "x")
	y := text(t, e, keif, "y")
	z := text(t, e, keif, "z")
	edge(t, e, x, y, "next", keif)
	walk(t, e, keif, x, y)

	line := e.Waterline(keif, 0, 10)
	got := make([]string, 0, len(line))
	for _, entry := range line {
		got = append(got, entry.Node)
	}
	assert.ElementsMatch(t, []string{x, y}, got)

	ranked := e.Rerank(keif, "", []string{z, y}, 0)
	require.Len(t, ranked, 2)
	assert.Equal(t, y, ranked[0].Node)
	assert.True(t, ranked[0].Reachable)
	assert.False(t, ranked[1].Reachable)
}

func TestRestartRestoresObserverState(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	opts := testOptions(t)

	first := openEngine(t, db, opts)
	keif := sovereign(t, first, "keif")
	x := text(t, first, keif, "x")
	y := text(t, first, keif, "y")
	edge(t, first, x, y, "next", keif)
	walk(t, first, keif, x, y)
	want := first.Waterline(keif, 0, 10)
	require.NoError(t, first.Close(ctx))

	rows, err := db.ObserverStates(ctx, "salience")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	second := openEngine(t, db, opts)
	assert.Equal(t, want, second.Waterline(keif, 0, 10))
	assert.Equal(t, first.View().Seq(), second.View().Seq())
}

func TestRebuildMatchesIncrementalState(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	keif := sovereign(t, e, "keif")
	x := text(t, e, keif, "x")
	y := text(t, e, keif, "y")
	edge(t, e, x, y, "next", keif)
	walk(t, e, keif, x, y)
	walk(t, e, keif, y)
	want := e.Waterline(keif, 0, 10)
	cost, ok := e.traversal.Cost(e.View(), keif, x, y, now)
	require.True(t, ok)

	seq, err := e.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.View().Seq(), seq)
	assert.Equal(t, want, e.Waterline(keif, 0, 10))
	rebuilt, _ := e.traversal.Cost(e.View(), keif, x, y, now)
	assert.InDelta(t, cost, rebuilt, 1e-12)
}

func TestRecomputeDeepensAndResumes(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	keif := sovereign(t, e, "keif")
	via := aspect(t, e, keif, "accurate", store.AspectValue)
	x := text(t, e, keif, "x")
	y := text(t, e, keif, "y")
	link := edge(t, e, x, y, "supports", keif)
	attest(t, e, keif, link, via, 0.9)
	top := attest(t, e, keif, y, via, 0.7, link)

	stats, err := e.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.View().Seq(), stats.To)
	assert.Equal(t, int(stats.To), stats.Events)
	assert.Equal(t, 2, stats.Deepened)
	assert.True(t, e.Groundedness(top).Deep)

	cp, err := e.DB.Checkpoint(ctx, recomputeJob)
	require.NoError(t, err)
	assert.Equal(t, stats.To, cp)

	again, err := e.Recompute(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Events, "nothing new to walk")

	text(t, e, keif, "z")
	after, err := e.Recompute(ctx)
	require.NoError(t, err)
	assert.Zero(t, after.From, "new writes invalidate deep results")
	assert.Equal(t, int(e.View().Seq()), after.Events)
}

func TestDeepGroundingReachesTrust(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	keif := sovereign(t, e, "keif")
	via := aspect(t, e, keif, "plausible", store.AspectValue)

	nodes := make([]string, 8)
	for i := range nodes {
		nodes[i] = text(t, e, keif, string(rune('a'+i)))
	}
	links := make([]string, len(nodes)-1)
	for i := range links {
		links[i] = edge(t, e, nodes[i+1], nodes[i], "supports", keif)
	}
	for i := len(links) - 1; i >= 0; i-- {
		if i == len(links)-1 {
			attest(t, e, keif, links[i], via, 1)
		} else {
			attest(t, e, keif, links[i], via, 1, links[i+1])
		}
	}
	top := attest(t, e, keif, nodes[0], via, 1, links[0])

	online := e.Trust(trust.Query{Subject: nodes[0], Observer: keif})
	require.True(t, online.Known)

	_, err := e.Recompute(ctx)
	require.NoError(t, err)
	deep := e.Groundedness(top)
	require.True(t, deep.Deep)

	got := e.Trust(trust.Query{Subject: nodes[0], Observer: keif})
	assert.Greater(t, got.Value, online.Value, "a longer chain grounds further")
	assert.InDelta(t, deep.Value, got.Value, 1e-9)

	text(t, e, keif, "unrelated")
	assert.InDelta(t, deep.Value, e.Trust(trust.Query{Subject: nodes[0], Observer: keif}).Value, 1e-9,
		"deep results outlive writes they do not read")
}

func TestRotateKey(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	keif := sovereign(t, e, "keif")
	ana := sovereign(t, e, "ana")
	edge(t, e, keif, ana, store.RelVouches, keif)

	ana2, err := e.RotateKey(ctx, ana)
	require.NoError(t, err)
	assert.NotEqual(t, ana, ana2)
	assert.Equal(t, "ana", e.View().Identity(ana2).Name)
	assert.InDelta(t, 1.0, e.IdentityTrust(keif, ana2, 0), 1e-9)

	_, _, err = e.PutNode(ctx, store.Node{Content: store.TextPayload("late"), Creator: ana})
	assert.ErrorIs(t, err, store.ErrInvalidSignature, "the old key is retired")
	text(t, e, ana2, "signed with the new key")

	grandma, err := e.CreateIdentity(ctx, NewIdentity{Kind: store.RecordIdentity, Name: "grandma", Creator: keif})
	require.NoError(t, err)
	_, err = e.RotateKey(ctx, grandma)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCurrentTimeIsRounded(t *testing.T) {
	clock := now + 1
	opts := testOptions(t)
	opts.Now = func() int64 { return clock }
	e := openEngine(t, testDB(t), opts)

	first := e.at(0)
	clock += 400
	assert.Equal(t, first, e.at(0), "reads within one tick share a time")
	assert.GreaterOrEqual(t, first, clock, "never before the clock")
	assert.Equal(t, now+1000, first)
	assert.Equal(t, int64(1234), e.at(1234), "explicit times pass through")
}

func TestRecomputeStopsOnCancel(t *testing.T) {
	e := testEngine(t)
	sovereign(t, e, "keif")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Recompute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackgroundRecomputeStops(t *testing.T) {
	opts := testOptions(t)
	opts.Tuning = config.DefaultTuning()
	opts.Tuning.Background.Interval = 10 * time.Millisecond
	e := openEngine(t, testDB(t), opts)
	sovereign(t, e, "keif")

	e.StartRecompute()
	time.Sleep(30 * time.Millisecond)
	e.Stop()
	e.Stop()
}

func TestMergeBetweenEngines(t *testing.T) {
	ctx := context.Background()
	a := testEngine(t)
	keif := sovereign(t, a, "keif")
	via := aspect(t, a, keif, "accurate", store.AspectValue)
	x := text(t, a, keif, "x")
	attest(t, a, keif, x, via, 0.8)

	b := testEngine(t)
	bundle, _ := a.Export("")
	stats, err := b.Merge(ctx, bundle, "peer-a")
	require.NoError(t, err)
	assert.Equal(t, len(bundle.Items), stats.New)
	assert.Zero(t, stats.Rejected)

	got := b.Trust(trust.Query{Subject: x, Observer: keif})
	want := a.Trust(trust.Query{Subject: x, Observer: keif})
	assert.Equal(t, want.Belief, got.Belief)
	assert.Equal(t, want.Value, got.Value)

	left, _ := a.Missing(b.Summary(), "")
	assert.Empty(t, left.Items)
	assert.Equal(t, float64(stats.New), testutil.ToFloat64(b.Metrics().Merged.WithLabelValues("new")))
}

func TestSetTuningRebuildsOnHalfLifeChange(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	keif := sovereign(t, e, "keif")
	x := text(t, e, keif, "x")
	y := text(t, e, keif, "y")
	edge(t, e, x, y, "next", keif)
	walk(t, e, keif, x, y)

	tuning := e.Tuning()
	tuning.Salience.HalfLife = time.Hour
	require.NoError(t, e.SetTuning(ctx, tuning))
	assert.Equal(t, time.Hour, e.Tuning().Salience.HalfLife)
	assert.Len(t, e.Waterline(keif, 0, 10), 2)

	tuning.Trust.BaseGroundedness = 2
	assert.Error(t, e.SetTuning(ctx, tuning))
}

func TestEvaluateDecision(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)
	keif := sovereign(t, e, "keif")
	tasty := aspect(t, e, keif, "tasty", store.AspectPreference)
	safe := aspect(t, e, keif, "allergen-free", store.AspectConstraint)
	soup := text(t, e, keif, "soup")
	salad := text(t, e, keif, "salad")
	nuts := text(t, e, keif, "nuts")
	attest(t, e, keif, soup, tasty, 0.9)
	attest(t, e, keif, salad, tasty, 0.2)
	attest(t, e, keif, nuts, tasty, 1)
	attest(t, e, keif, nuts, safe, -1)

	d, err := e.EvaluateDecision(DecisionRequest{
		Observer:   keif,
		Candidates: []string{salad, nuts, soup},
		Must:       store.Leaf(safe),
		Prefer:     store.Leaf(tasty),
	})
	require.NoError(t, err)
	require.Len(t, d.Ranked, 2)
	assert.Equal(t, soup, d.Ranked[0].ID)
	assert.Equal(t, salad, d.Ranked[1].ID)
	require.Len(t, d.Vetoed, 1)
	assert.Equal(t, nuts, d.Vetoed[0].ID)
	assert.Equal(t, []string{safe}, d.Vetoed[0].VetoedBy)

	dinner, _, err := e.PutNode(ctx, store.Node{
		Content: store.AspectPayload(store.Aspect{Type: store.AspectComposite, Name: "dinner", Mode: store.ModePrefer, Expression: store.Leaf(tasty)}),
		Creator: keif,
	})
	require.NoError(t, err)
	byComposite, err := e.EvaluateDecision(DecisionRequest{Observer: keif, Candidates: []string{salad, soup}, Composite: dinner})
	require.NoError(t, err)
	assert.Equal(t, soup, byComposite.Ranked[0].ID)

	_, err = e.EvaluateDecision(DecisionRequest{Observer: keif, Candidates: []string{soup}, Composite: tasty})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.EvaluateDecision(DecisionRequest{Observer: keif, Candidates: []string{soup}, Must: &store.Expr{Op: "xor"}})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}
