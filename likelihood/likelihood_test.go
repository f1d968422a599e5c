package likelihood

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"bitbucket.org/Davydov/phymc/bio"
	"bitbucket.org/Davydov/phymc/clock"
	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/sitemodel"
	"bitbucket.org/Davydov/phymc/smodel"
	"bitbucket.org/Davydov/phymc/tree"
)

const (
	fixture7 = "(((Taxon1:0.3,Taxon2:0.3):0.6,Taxon3:0.9):0.9,((Taxon4:0.5,Taxon5:0.5):0.3,(Taxon6:0.7,Taxon7:0.7):0.1):1.0);"

	fasta7 = `>Taxon1
ACGTTGCAAGCTRGATCCAGTAGC
>Taxon2
ACGTTGCAAGCTAGATCCAGTTGC
>Taxon3
ACGATGCAGGCTAGTTCCAGTAGC
>Taxon4
ACCTTGCTAGCTAG-TCGAGTAGA
>Taxon5
ACCTTGCTAGCAAGATCGAGTAGA
>Taxon6
TCGTAGCAAGNTAGATCGCGTAGC
>Taxon7
TCGTAGCAACCTAGATCGCGAAGC
`

	microsat7 = `Taxon1	3	5	2
Taxon2	3	4	2
Taxon3	2	5	?
Taxon4	4	1	3
Taxon5	4	2	3
Taxon6	5	1	4
Taxon7	?	1	4
`

	// microsatLnL is the log-likelihood of microsat7 on fixture7
	// under the stepwise model with rate 0.7 and states 1..6.
	microsatLnL = -27.59299352607178

	smallDiff = 1e-10
)

// spy counts backend calls.
type spy struct {
	Backend
	ops      int
	matrices int
}

func (s *spy) UpdatePartials(ops []Operation) error {
	s.ops += len(ops)
	return s.Backend.UpdatePartials(ops)
}

func (s *spy) UpdateTransitionMatrices(matrix int, probs []float64) error {
	s.matrices++
	return s.Backend.UpdateTransitionMatrices(matrix, probs)
}

type setup struct {
	bus   *model.Bus
	tree  *tree.Tree
	kappa *model.Parameter
	shape *model.Parameter
	rates *model.Parameter
	other *model.Parameter
	site  *sitemodel.SiteModel
	clock *clock.RelaxedClock
	lik   *TreeLikelihood
	spy   *spy
}

func newSetup(tst *testing.T, backend Backend, scaling ScalingPolicy) *setup {
	seqs, err := bio.ParseFasta(strings.NewReader(fasta7))
	if err != nil {
		tst.Fatal(err)
	}
	patterns, err := bio.FromSequences(seqs, bio.Nucleotide{})
	if err != nil {
		tst.Fatal(err)
	}
	t, err := tree.ParseNewickString(fixture7)
	if err != nil {
		tst.Fatal(err)
	}
	s := &setup{bus: model.NewBus(), tree: t}
	s.kappa = model.NewParameter("kappa", 2).SetBounds(0, math.Inf(1))
	s.shape = model.NewParameter("shape", 0.5).SetBounds(0, math.Inf(1))
	rates := make([]float64, t.NodeCount())
	for i := range rates {
		rates[i] = 1
	}
	s.rates = model.NewParameter("rates", rates...)
	s.other = model.NewParameter("other", 1)
	subst := smodel.NewHKY("hky", s.kappa, model.NewParameter("freqs", 0.3, 0.2, 0.2, 0.3))
	s.site = sitemodel.New("site", subst, nil, s.shape, nil, 4)
	s.clock = clock.NewRelaxedClock("clock", s.rates)

	if err := s.bus.AddModel(t); err != nil {
		tst.Fatal(err)
	}
	if err := s.bus.Wire(subst, subst.Parameters()...); err != nil {
		tst.Fatal(err)
	}
	if err := s.bus.Wire(s.site, s.site.Parameters()...); err != nil {
		tst.Fatal(err)
	}
	if err := s.bus.Wire(s.clock, s.rates); err != nil {
		tst.Fatal(err)
	}
	if err := s.bus.AddParameter(s.other); err != nil {
		tst.Fatal(err)
	}
	backend.SetScaling(scaling)
	s.spy = &spy{Backend: backend}
	s.lik, err = NewTreeLikelihood("likelihood", patterns, t, s.site, s.clock, s.spy)
	if err != nil {
		tst.Fatal(err)
	}
	if err := s.lik.Register(s.bus); err != nil {
		tst.Fatal(err)
	}
	return s
}

func lnL(tst *testing.T, l *TreeLikelihood) float64 {
	v, err := l.LogLikelihood()
	if err != nil {
		tst.Fatal(err)
	}
	return v
}

func checkRecompute(tst *testing.T, s *setup, msg string) {
	lazy := lnL(tst, s.lik)
	full, err := s.lik.Recompute()
	if err != nil {
		tst.Fatal(err)
	}
	if math.Abs(lazy-full) > smallDiff {
		tst.Errorf("%s: incremental %v != full %v", msg, lazy, full)
	}
}

func TestRecomputeEquivalence(tst *testing.T) {
	s := newSetup(tst, NewCPU(), ScaleDynamic)
	t := s.tree
	l0 := lnL(tst, s.lik)
	if math.IsInf(l0, 0) || l0 >= 0 {
		tst.Fatal("wrong likelihood", l0)
	}

	p := t.Parent(t.TipIndex("Taxon1"))
	if err := t.SetNodeHeight(p, 0.5); err != nil {
		tst.Fatal(err)
	}
	checkRecompute(tst, s, "height")

	if err := t.ExchangeChildren(t.TipIndex("Taxon3"), t.Parent(t.TipIndex("Taxon4"))); err != nil {
		tst.Fatal(err)
	}
	checkRecompute(tst, s, "exchange")

	j := t.TipIndex("Taxon7")
	h := (t.Height(j) + t.Height(t.Parent(j))) / 2
	if err := t.Reparent(t.TipIndex("Taxon2"), j, h); err != nil {
		tst.Fatal(err)
	}
	checkRecompute(tst, s, "reparent")

	s.kappa.SetValue(0, 4)
	checkRecompute(tst, s, "kappa")
	s.shape.SetValue(0, 1.5)
	checkRecompute(tst, s, "shape")
	s.rates.SetValue(t.TipIndex("Taxon5"), 1.7)
	checkRecompute(tst, s, "clock")
	if err := t.ScaleHeights(1.3); err != nil {
		tst.Fatal(err)
	}
	checkRecompute(tst, s, "scale")
}

func TestDirtyMarking(tst *testing.T) {
	s := newSetup(tst, NewCPU(), ScaleDynamic)
	t := s.tree
	lnL(tst, s.lik)

	s.spy.ops = 0
	lnL(tst, s.lik)
	if s.spy.ops != 0 {
		tst.Error("cached value was recomputed")
	}

	// unrelated parameter
	s.other.SetValue(0, 2)
	lnL(tst, s.lik)
	if s.spy.ops != 0 {
		tst.Error("unrelated parameter invalidated the likelihood")
	}

	// height of the Taxon1/Taxon2 parent: itself, its parent and
	// the root are recomputed, three branches change
	p := t.Parent(t.TipIndex("Taxon1"))
	s.spy.matrices = 0
	if err := t.SetNodeHeight(p, 0.4); err != nil {
		tst.Fatal(err)
	}
	lnL(tst, s.lik)
	if s.spy.ops != 3 || s.spy.matrices != 3 {
		tst.Error("wrong amount of work for a height change:", s.spy.ops, s.spy.matrices)
	}

	// relaxed clock: one branch, path from its parent
	s.spy.ops, s.spy.matrices = 0, 0
	s.rates.SetValue(t.TipIndex("Taxon6"), 0.8)
	lnL(tst, s.lik)
	if s.spy.ops != 3 || s.spy.matrices != 1 {
		tst.Error("wrong amount of work for a branch rate change:", s.spy.ops, s.spy.matrices)
	}

	// substitution model: everything
	s.spy.ops = 0
	s.kappa.SetValue(0, 3)
	lnL(tst, s.lik)
	if s.spy.ops != t.NodeCount()-t.TipCount() {
		tst.Error("substitution change did not recompute all nodes:", s.spy.ops)
	}
}

func TestStoreRestore(tst *testing.T) {
	s := newSetup(tst, NewCPU(), ScaleDynamic)
	t := s.tree
	before := t.String()

	mutations := []func() error{
		func() error { return t.SetNodeHeight(t.Parent(t.TipIndex("Taxon4")), 0.2) },
		func() error { return t.ExchangeChildren(t.TipIndex("Taxon3"), t.Parent(t.TipIndex("Taxon6"))) },
		func() error { return s.kappa.SetValue(0, 7) },
		func() error { return s.shape.SetValue(0, 0.1) },
		func() error { return s.rates.SetValue(2, 3) },
		func() error { return t.ScaleHeights(0.7) },
	}
	for i, mutate := range mutations {
		l0 := lnL(tst, s.lik)
		s.bus.StoreState()
		if err := mutate(); err != nil {
			tst.Fatal(i, err)
		}
		if l := lnL(tst, s.lik); l == l0 {
			tst.Error(i, "mutation did not change the likelihood")
		}
		s.bus.RestoreState()
		if l := lnL(tst, s.lik); l != l0 {
			tst.Errorf("%d: restored likelihood %v != %v", i, l, l0)
		}
		if t.String() != before {
			tst.Error(i, "tree not restored")
		}
		checkRecompute(tst, s, fmt.Sprint("restore ", i))
	}

	// accepted change stays
	s.bus.StoreState()
	s.kappa.SetValue(0, 5)
	l1 := lnL(tst, s.lik)
	s.bus.AcceptState()
	s.bus.StoreState()
	s.shape.SetValue(0, 3)
	lnL(tst, s.lik)
	s.bus.RestoreState()
	if lnL(tst, s.lik) != l1 {
		tst.Error("restore after accept went too far back")
	}
	checkRecompute(tst, s, "accept")
}

func TestRescalingInvariance(tst *testing.T) {
	var res []float64
	for _, sc := range []ScalingPolicy{ScaleNone, ScaleDynamic, ScaleAlways} {
		s := newSetup(tst, NewCPU(), sc)
		res = append(res, lnL(tst, s.lik))
	}
	for _, v := range res[1:] {
		if math.Abs(v-res[0]) > smallDiff {
			tst.Error("scaling changed the likelihood:", res)
		}
	}
}

// caterpillar returns an ultrametric caterpillar tree with n tips.
func caterpillar(n int) string {
	cur := "(t0:1,t1:1)"
	for i := 2; i < n; i++ {
		cur = fmt.Sprintf("(%s:1,t%d:%d)", cur, i, i)
	}
	return cur + ";"
}

func TestUnderflow(tst *testing.T) {
	n := 700
	t, err := tree.ParseNewickString(caterpillar(n))
	if err != nil {
		tst.Fatal(err)
	}
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&buf, ">t%d\n%s\n", i, []string{"ACG", "CGT", "GTA", "TAC"}[i%4])
	}
	seqs, _ := bio.ParseFasta(&buf)
	patterns, _ := bio.FromSequences(seqs, bio.Nucleotide{})
	subst := smodel.NewJC("jc")
	site := sitemodel.New("site", subst, nil, nil, nil, 1)

	res := make(map[ScalingPolicy]float64)
	for _, sc := range []ScalingPolicy{ScaleNone, ScaleDynamic, ScaleAlways} {
		b := NewCPU()
		b.SetScaling(sc)
		l, err := NewTreeLikelihood("lik", patterns, t, site, nil, b)
		if err != nil {
			tst.Fatal(err)
		}
		res[sc] = lnL(tst, l)
	}
	if !math.IsInf(res[ScaleNone], -1) {
		tst.Error("expected underflow without scaling, got", res[ScaleNone])
	}
	if math.IsInf(res[ScaleDynamic], 0) || math.Abs(res[ScaleDynamic]-res[ScaleAlways]) > 1e-8*math.Abs(res[ScaleAlways]) {
		tst.Error("dynamic and always scaling differ:", res[ScaleDynamic], res[ScaleAlways])
	}
	// every site is close to (1/4)^n
	exp := 3 * float64(n) * math.Log(0.25)
	if math.Abs(res[ScaleDynamic]-exp) > 0.05*math.Abs(exp) {
		tst.Error("unexpected likelihood:", res[ScaleDynamic], exp)
	}
}

func TestParallel(tst *testing.T) {
	s1 := newSetup(tst, NewCPU(), ScaleDynamic)
	s2 := newSetup(tst, NewParallel(3), ScaleDynamic)
	if math.Abs(lnL(tst, s1.lik)-lnL(tst, s2.lik)) > smallDiff {
		tst.Error("parallel backend differs")
	}
	s2.bus.StoreState()
	s2.kappa.SetValue(0, 9)
	lnL(tst, s2.lik)
	s2.bus.RestoreState()
	if math.Abs(lnL(tst, s1.lik)-lnL(tst, s2.lik)) > smallDiff {
		tst.Error("parallel backend restore failed")
	}
}

func TestInvalidBranch(tst *testing.T) {
	s := newSetup(tst, NewCPU(), ScaleDynamic)
	l0 := lnL(tst, s.lik)
	s.bus.StoreState()
	s.rates.SetValue(1, -1)
	if _, err := s.lik.LogLikelihood(); !errors.Is(err, ErrInvalidBranch) {
		tst.Error("expected ErrInvalidBranch, got", err)
	}
	s.bus.RestoreState()
	if lnL(tst, s.lik) != l0 {
		tst.Error("failed evaluation was not rolled back")
	}
	checkRecompute(tst, s, "invalid branch")
}

func TestRegistry(tst *testing.T) {
	for _, name := range Backends() {
		if _, err := NewBackend(name); err != nil {
			tst.Error(err)
		}
	}
	if _, err := NewBackend("gpu"); err == nil {
		tst.Error("unknown backend created")
	}
	if _, err := ParseScaling("sometimes"); err == nil {
		tst.Error("unknown scaling accepted")
	}
}

func TestCompound(tst *testing.T) {
	s := newSetup(tst, NewCPU(), ScaleDynamic)
	r, _ := bio.ParseMicrosat(strings.NewReader(microsat7))
	dt := bio.Microsatellite{Min: 1, Max: 6}
	patterns, _ := bio.FromRepeats(r, dt)
	ms := smodel.NewMicrosatellite("ms", dt.StateCount(), nil)
	msSite := sitemodel.New("mssite", ms, nil, nil, nil, 1)
	if err := s.bus.Wire(ms); err != nil {
		tst.Fatal(err)
	}
	if err := s.bus.Wire(msSite); err != nil {
		tst.Fatal(err)
	}
	l2, err := NewTreeLikelihood("mslik", patterns, s.tree, msSite, nil, NewCPU())
	if err != nil {
		tst.Fatal(err)
	}
	if err := l2.Register(s.bus); err != nil {
		tst.Fatal(err)
	}
	c := NewCompound(s.lik, l2)
	sum, err := c.LogLikelihood()
	if err != nil {
		tst.Fatal(err)
	}
	if math.Abs(sum-lnL(tst, s.lik)-lnL(tst, l2)) > smallDiff {
		tst.Error("compound is not the sum of partitions")
	}
	if err := s.tree.SetNodeHeight(s.tree.Root(), 2.5); err != nil {
		tst.Fatal(err)
	}
	lazy, _ := c.LogLikelihood()
	full, _ := c.Recompute()
	if math.Abs(lazy-full) > smallDiff {
		tst.Error("compound recompute differs")
	}
}

// bruteForce sums over states of all internal nodes.
func bruteForce(tst *testing.T, t *tree.Tree, m smodel.Model, states []int) float64 {
	n := m.StateCount()
	probs := make([][]float64, t.NodeCount())
	for i := range probs {
		if t.IsRoot(i) {
			continue
		}
		probs[i] = make([]float64, n*n)
		if err := m.TransitionProbabilities(t.BranchLength(i), probs[i]); err != nil {
			tst.Fatal(err)
		}
	}
	freqs, _ := m.Frequencies()
	internal := t.NodeCount() - t.TipCount()
	assign := make([]int, t.NodeCount())
	copy(assign, states)
	total := 0.0
	for c := 0; c < int(math.Pow(float64(n), float64(internal))); c++ {
		x := c
		for k := 0; k < internal; k++ {
			assign[t.TipCount()+k] = x % n
			x /= n
		}
		p := freqs[assign[t.Root()]]
		for i := 0; i < t.NodeCount(); i++ {
			if t.IsRoot(i) || assign[i] < 0 {
				continue
			}
			p *= probs[i][assign[t.Parent(i)]*n+assign[i]]
		}
		total += p
	}
	return math.Log(total)
}

func TestMicrosatFixture(tst *testing.T) {
	t, err := tree.ParseNewickString(fixture7)
	if err != nil {
		tst.Fatal(err)
	}
	r, err := bio.ParseMicrosat(strings.NewReader(microsat7))
	if err != nil {
		tst.Fatal(err)
	}
	dt := bio.Microsatellite{Min: 1, Max: 6}
	patterns, err := bio.FromRepeats(r, dt)
	if err != nil {
		tst.Fatal(err)
	}
	m := smodel.NewMicrosatellite("ms", dt.StateCount(), model.NewParameter("rate", 0.7))
	site := sitemodel.New("site", m, nil, nil, nil, 1)
	l, err := NewTreeLikelihood("lik", patterns, t, site, nil, NewCPU())
	if err != nil {
		tst.Fatal(err)
	}

	exp := 0.0
	for pat := 0; pat < patterns.PatternCount(); pat++ {
		states := make([]int, t.TipCount())
		for tip := range states {
			code := patterns.State(pat, patterns.TaxonIndex(t.Name(tip)))
			if dt.IsAmbiguous(code) {
				code = -1
			}
			states[tip] = code
		}
		exp += patterns.Weight(pat) * bruteForce(tst, t, m, states)
	}
	got := lnL(tst, l)
	if math.Abs(got-exp) > smallDiff {
		tst.Errorf("microsatellite likelihood %.10f, brute force %.10f", got, exp)
	}
	if math.Abs(got-microsatLnL) > smallDiff {
		tst.Errorf("microsatellite likelihood %.10f, expected %.10f", got, microsatLnL)
	}
}
