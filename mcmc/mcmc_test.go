package mcmc

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	bolt "go.etcd.io/bbolt"

	"bitbucket.org/Davydov/phymc/bio"
	"bitbucket.org/Davydov/phymc/checkpoint"
	"bitbucket.org/Davydov/phymc/clock"
	"bitbucket.org/Davydov/phymc/likelihood"
	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/operator"
	"bitbucket.org/Davydov/phymc/prior"
	"bitbucket.org/Davydov/phymc/sitemodel"
	"bitbucket.org/Davydov/phymc/smodel"
	"bitbucket.org/Davydov/phymc/trace"
	"bitbucket.org/Davydov/phymc/tree"
)

const (
	tree7 = "(((Taxon1:0.3,Taxon2:0.3):0.6,Taxon3:0.9):0.9,((Taxon4:0.5,Taxon5:0.5):0.3,(Taxon6:0.7,Taxon7:0.7):0.1):1.0);"

	fasta7 = `>Taxon1
ACGTTGCAAGCTAGATCCAGTAGC
>Taxon2
ACGTTGCAAGCTAGATCCAGTTGC
>Taxon3
ACGATGCAGGCTAGTTCCAGTAGC
>Taxon4
ACCTTGCTAGCTAGATCGAGTAGA
>Taxon5
ACCTTGCTAGCAAGATCGAGTAGA
>Taxon6
TCGTAGCAAGCTAGATCGCGTAGC
>Taxon7
TCGTAGCAACCTAGATCGCGAAGC
`
)

// recorder collects the posterior after every logged iteration.
type recorder struct {
	c    *Chain
	vals []float64
}

func (r *recorder) Header() error { return nil }

func (r *recorder) Log(int) error {
	r.vals = append(r.vals, r.c.LogLikelihood(), r.c.LogPrior())
	return nil
}

// hkyChain builds a strict clock HKY model on a 7-taxon tree.
func hkyChain(tst *testing.T, seed uint64) (*Chain, *tree.Tree) {
	seqs, err := bio.ParseFasta(strings.NewReader(fasta7))
	if err != nil {
		tst.Fatal(err)
	}
	patterns, err := bio.FromSequences(seqs, bio.Nucleotide{})
	if err != nil {
		tst.Fatal(err)
	}
	t, err := tree.ParseNewickString(tree7)
	if err != nil {
		tst.Fatal(err)
	}
	bus := model.NewBus()
	kappa := model.NewParameter("kappa", 2).SetBounds(0, math.Inf(1))
	freqs := model.NewParameter("freqs", 0.25, 0.25, 0.25, 0.25).SetBounds(0, 1)
	rate := model.NewParameter("rate", 0.5).SetBounds(0, math.Inf(1))
	birth := model.NewParameter("birthRate", 1).SetBounds(0, math.Inf(1))
	subst := smodel.NewHKY("hky", kappa, freqs)
	site := sitemodel.New("site", subst, nil, nil, nil, 1)
	clk := clock.NewStrictClock("clock", rate)

	if err := bus.AddModel(t); err != nil {
		tst.Fatal(err)
	}
	if err := bus.Wire(subst, subst.Parameters()...); err != nil {
		tst.Fatal(err)
	}
	if err := bus.Wire(site, site.Parameters()...); err != nil {
		tst.Fatal(err)
	}
	if err := bus.Wire(clk, rate); err != nil {
		tst.Fatal(err)
	}
	if err := bus.AddParameter(birth); err != nil {
		tst.Fatal(err)
	}
	lik, err := likelihood.NewTreeLikelihood("lik", patterns, t, site, clk, likelihood.NewCPU())
	if err != nil {
		tst.Fatal(err)
	}
	if err := lik.Register(bus); err != nil {
		tst.Fatal(err)
	}

	sched := operator.NewSchedule(operator.NewAdaptiveSettings(),
		operator.NewScale(kappa, 0.75, false, 1),
		operator.NewDeltaExchange(freqs, 0.05, nil, 1),
		operator.NewScale(rate, 0.75, false, 1),
		operator.NewScale(birth, 0.75, false, 1),
		operator.NewUniformNodeHeight(t, 3),
		operator.NewRootScale(t, 0.75, 1),
		operator.NewTreeScale(t, 0.75, 1),
		operator.NewNarrowExchange(t, 2),
		operator.NewWilsonBalding(t, 1),
	)
	pr := prior.Sum{
		prior.NewParameterPrior(kappa, prior.LogNormal(1, 1.25)),
		prior.NewParameterPrior(rate, prior.Exponential(1)),
		prior.NewParameterPrior(birth, prior.Gamma(2, 1)),
		prior.NewYule(t, birth),
	}
	c := NewChain(bus, sched, pr, seed, lik)
	c.LogEvery = 10
	c.ReportEvery = 0
	return c, t
}

func TestDeterminism(tst *testing.T) {
	run := func(seed uint64) ([]float64, string) {
		c, t := hkyChain(tst, seed)
		r := &recorder{c: c}
		c.AddLogger(r)
		if err := c.Run(context.Background(), 3000); err != nil {
			tst.Fatal(err)
		}
		return r.vals, t.Newick(-1)
	}
	v1, t1 := run(11)
	v2, t2 := run(11)
	if len(v1) != len(v2) {
		tst.Fatal("different trace lengths:", len(v1), len(v2))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			tst.Fatalf("runs differ at record %d: %v != %v", i, v1[i], v2[i])
		}
	}
	if t1 != t2 {
		tst.Error("final trees differ:", t1, t2)
	}
	v3, _ := run(12)
	same := true
	for i := range v1 {
		if v1[i] != v3[i] {
			same = false
			break
		}
	}
	if same {
		tst.Error("different seeds produced identical runs")
	}
}

func TestConsistency(tst *testing.T) {
	c, t := hkyChain(tst, 5)
	c.CheckEvery = 50
	if err := c.Run(context.Background(), 2000); err != nil {
		tst.Fatal(err)
	}
	if err := t.Validate(); err != nil {
		tst.Error(err)
	}
	if math.IsInf(c.LogPosterior(), 0) || math.IsNaN(c.LogPosterior()) {
		tst.Error("wrong posterior:", c.LogPosterior())
	}
	proposed := 0
	for i := 0; i < c.schedule.Len(); i++ {
		proposed += c.schedule.Record(i).Proposed
	}
	if proposed != 2000 {
		tst.Error("expected 2000 proposals, got", proposed)
	}
}

// stale caches its first value and never invalidates it.
type stale struct {
	p      *model.Parameter
	cached *float64
}

func (s *stale) LogLikelihood() (float64, error) {
	if s.cached == nil {
		v := -s.p.Value(0) * s.p.Value(0)
		s.cached = &v
	}
	return *s.cached, nil
}

func (s *stale) Recompute() (float64, error) {
	return -s.p.Value(0) * s.p.Value(0), nil
}

func TestInconsistent(tst *testing.T) {
	bus := model.NewBus()
	p := model.NewParameter("x", 0.5)
	if err := bus.AddParameter(p); err != nil {
		tst.Fatal(err)
	}
	sched := operator.NewSchedule(nil, operator.NewRandomWalk(p, 1, operator.Reflect, 1))
	c := NewChain(bus, sched, nil, 1, &stale{p: p})
	c.CheckEvery = 10
	err := c.Run(context.Background(), 1000)
	if !errors.Is(err, ErrInconsistent) {
		tst.Error("expected an inconsistency error, got", err)
	}
}

func TestZeroPosterior(tst *testing.T) {
	bus := model.NewBus()
	p := model.NewParameter("x", -1)
	if err := bus.AddParameter(p); err != nil {
		tst.Fatal(err)
	}
	sched := operator.NewSchedule(nil, operator.NewRandomWalk(p, 1, operator.Reflect, 1))
	c := NewChain(bus, sched, prior.NewParameterPrior(p, prior.Exponential(1)), 1)
	if err := c.Run(context.Background(), 10); !errors.Is(err, ErrZeroPosterior) {
		tst.Error("expected zero posterior error, got", err)
	}
}

func TestCancel(tst *testing.T) {
	c, _ := hkyChain(tst, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx, 100); !errors.Is(err, context.Canceled) {
		tst.Error("expected cancellation, got", err)
	}
	if c.Iter() != 0 {
		tst.Error("no iterations expected, got", c.Iter())
	}
}

// normalChain samples from a standard normal prior.
func normalChain(tst *testing.T, db *bolt.DB) (*Chain, *model.Parameter) {
	bus := model.NewBus()
	p := model.NewParameter("x", 0.5, -0.5)
	if err := bus.AddParameter(p); err != nil {
		tst.Fatal(err)
	}
	sched := operator.NewSchedule(nil, operator.NewRandomWalk(p, 1, operator.Reflect, 1))
	c := NewChain(bus, sched, prior.NewParameterPrior(p, prior.Normal(0, 1)), 77)
	c.ReportEvery = 0
	if db != nil {
		chk := checkpoint.NewCheckpointIO(db, []byte("run"), 1e6)
		c.SetCheckpoint(chk, checkpoint.NewRunID(), nil)
	}
	return c, p
}

func TestResume(tst *testing.T) {
	db, err := bolt.Open(filepath.Join(tst.TempDir(), "chk.db"), 0600, nil)
	if err != nil {
		tst.Fatal(err)
	}
	defer db.Close()

	first, _ := normalChain(tst, db)
	if err := first.Run(context.Background(), 500); err != nil {
		tst.Fatal(err)
	}

	resumed, p := normalChain(tst, db)
	ok, err := resumed.Resume()
	if err != nil {
		tst.Fatal(err)
	}
	if !ok {
		tst.Fatal("no checkpoint found")
	}
	if resumed.Iter() != 500 || resumed.RunID() != first.RunID() {
		tst.Error("wrong resumed state:", resumed.Iter(), resumed.RunID())
	}
	if err := resumed.Run(context.Background(), 1000); err != nil {
		tst.Fatal(err)
	}

	whole, q := normalChain(tst, nil)
	if err := whole.Run(context.Background(), 1000); err != nil {
		tst.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if p.Value(i) != q.Value(i) {
			tst.Errorf("resumed run differs: %v != %v", p.Values(), q.Values())
		}
	}

	empty, _ := normalChain(tst, nil)
	if ok, err := empty.Resume(); ok || err != nil {
		tst.Error("resume without a checkpoint:", ok, err)
	}
}

// relaxedChain builds a relaxed clock JC model with distinct branch
// rates and topology operators.
func relaxedChain(tst *testing.T, db *bolt.DB) (*Chain, *tree.Tree, *model.Parameter) {
	seqs, err := bio.ParseFasta(strings.NewReader(fasta7))
	if err != nil {
		tst.Fatal(err)
	}
	patterns, err := bio.FromSequences(seqs, bio.Nucleotide{})
	if err != nil {
		tst.Fatal(err)
	}
	t, err := tree.ParseNewickString(tree7)
	if err != nil {
		tst.Fatal(err)
	}
	vals := make([]float64, t.NodeCount())
	for i := range vals {
		vals[i] = 0.2 + 0.1*float64(i)
	}
	rates := model.NewParameter("rates", vals...).SetBounds(0, math.Inf(1))
	subst := smodel.NewJC("jc")
	site := sitemodel.New("site", subst, nil, nil, nil, 1)
	clk := clock.NewRelaxedClock("clock", rates)

	bus := model.NewBus()
	if err := bus.AddModel(t); err != nil {
		tst.Fatal(err)
	}
	if err := bus.Wire(subst); err != nil {
		tst.Fatal(err)
	}
	if err := bus.Wire(site, site.Parameters()...); err != nil {
		tst.Fatal(err)
	}
	if err := bus.Wire(clk, rates); err != nil {
		tst.Fatal(err)
	}
	lik, err := likelihood.NewTreeLikelihood("lik", patterns, t, site, clk, likelihood.NewCPU())
	if err != nil {
		tst.Fatal(err)
	}
	if err := lik.Register(bus); err != nil {
		tst.Fatal(err)
	}
	sched := operator.NewSchedule(nil,
		operator.NewScale(rates, 0.75, false, 1),
		operator.NewUniformNodeHeight(t, 2),
		operator.NewNarrowExchange(t, 3),
		operator.NewWilsonBalding(t, 2),
	)
	birth := model.NewParameter("birthRate", 1)
	c := NewChain(bus, sched, prior.NewYule(t, birth), 31, lik)
	c.ReportEvery = 0
	if db != nil {
		chk := checkpoint.NewCheckpointIO(db, []byte("run"), 1e6)
		c.SetCheckpoint(chk, checkpoint.NewRunID(), t)
	}
	return c, t, rates
}

func TestResumeTopology(tst *testing.T) {
	db, err := bolt.Open(filepath.Join(tst.TempDir(), "chk.db"), 0600, nil)
	if err != nil {
		tst.Fatal(err)
	}
	defer db.Close()

	first, t, rates := relaxedChain(tst, db)
	// internal nodes are not in Newick post-order any more
	if err := t.ExchangeChildren(t.TipIndex("Taxon3"), t.Parent(t.TipIndex("Taxon4"))); err != nil {
		tst.Fatal(err)
	}
	t.AcceptState()
	if err := first.Run(context.Background(), 300); err != nil {
		tst.Fatal(err)
	}

	resumed, rt, rrates := relaxedChain(tst, db)
	ok, err := resumed.Resume()
	if err != nil {
		tst.Fatal(err)
	}
	if !ok {
		tst.Fatal("no checkpoint found")
	}
	for i := 0; i < t.NodeCount(); i++ {
		a, b := t.Node(i), rt.Node(i)
		if a.Parent != b.Parent || a.Children != b.Children || a.Height != b.Height {
			tst.Errorf("node %d: saved %+v, resumed %+v", i, a, b)
		}
		if rates.Value(i) != rrates.Value(i) {
			tst.Errorf("rate %d: saved %v, resumed %v", i, rates.Value(i), rrates.Value(i))
		}
	}
	if math.Abs(resumed.LogLikelihood()-first.LogLikelihood()) > 1e-9 {
		tst.Errorf("saved lnL=%v, resumed lnL=%v", first.LogLikelihood(), resumed.LogLikelihood())
	}
	if err := resumed.Run(context.Background(), 400); err != nil {
		tst.Fatal(err)
	}
	if err := rt.Validate(); err != nil {
		tst.Error(err)
	}
}

func TestCalibratedYule(tst *testing.T) {
	if testing.Short() {
		tst.Skip("skipping long chain in short mode")
	}
	t, err := tree.ParseNewickString("((a:1,b:1):1,(c:1,d:1):1);")
	if err != nil {
		tst.Fatal(err)
	}
	bus := model.NewBus()
	if err := bus.AddModel(t); err != nil {
		tst.Fatal(err)
	}
	birth := model.NewParameter("birthRate", 1)
	mu, sigma := 1.0, 0.2
	sched := operator.NewSchedule(operator.NewAdaptiveSettings(),
		operator.NewUniformNodeHeight(t, 2),
		operator.NewRootScale(t, 0.75, 1),
	)
	c := NewChain(bus, sched, prior.NewCalibratedYule(t, birth, mu, sigma), 2024)
	c.LogEvery = 100
	c.ReportEvery = 0
	var heights []float64
	c.AddLogger(&columnLogger{col: t.RootHeight, vals: &heights})
	if err := c.Run(context.Background(), 1000000); err != nil {
		tst.Fatal(err)
	}
	heights = heights[len(heights)/10:]
	exp := math.Exp(mu + sigma*sigma/2)
	if m := trace.Mean(heights); math.Abs(m/exp-1) > 0.03 {
		tst.Errorf("root height mean: expected %v, got %v", exp, m)
	}
	if ess := trace.ESS(heights); ess < 1000 {
		tst.Error("low ESS:", ess)
	}
}

type columnLogger struct {
	col  func() float64
	vals *[]float64
}

func (l *columnLogger) Header() error { return nil }

func (l *columnLogger) Log(int) error {
	*l.vals = append(*l.vals, l.col())
	return nil
}

func TestYuleTopology(tst *testing.T) {
	if testing.Short() {
		tst.Skip("skipping long chain in short mode")
	}
	t, err := tree.ParseNewickString("(((a:1,b:1):1,c:2):1,d:3);")
	if err != nil {
		tst.Fatal(err)
	}
	bus := model.NewBus()
	if err := bus.AddModel(t); err != nil {
		tst.Fatal(err)
	}
	birth := model.NewParameter("birthRate", 1)
	sched := operator.NewSchedule(operator.NewAdaptiveSettings(),
		operator.NewUniformNodeHeight(t, 2),
		operator.NewTreeScale(t, 0.75, 1),
		operator.NewNarrowExchange(t, 2),
		operator.NewWilsonBalding(t, 2),
	)
	c := NewChain(bus, sched, prior.NewYule(t, birth), 2025)
	c.LogEvery = 10
	c.ReportEvery = 0
	balanced := func() float64 {
		r := t.Root()
		if t.IsTip(t.Child(r, 0)) || t.IsTip(t.Child(r, 1)) {
			return 0
		}
		return 1
	}
	var shapes, heights []float64
	c.AddLogger(&columnLogger{col: balanced, vals: &shapes})
	c.AddLogger(&columnLogger{col: t.RootHeight, vals: &heights})
	if err := c.Run(context.Background(), 2000000); err != nil {
		tst.Fatal(err)
	}
	shapes = shapes[len(shapes)/10:]
	heights = heights[len(heights)/10:]

	// 6 of 18 ranked labelled histories are balanced
	if f := trace.Mean(shapes); math.Abs(f-1.0/3) > 0.01 {
		tst.Errorf("balanced fraction: expected %v, got %v", 1.0/3, f)
	}
	// waiting times are exponential with rates 2, 3 and 4
	exp := 1.0/2 + 1.0/3 + 1.0/4
	if m := trace.Mean(heights); math.Abs(m/exp-1) > 0.03 {
		tst.Errorf("root height mean: expected %v, got %v", exp, m)
	}
}
