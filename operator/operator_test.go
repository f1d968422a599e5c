package operator

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/prior"
	"bitbucket.org/Davydov/phymc/trait"
	"bitbucket.org/Davydov/phymc/tree"
)

const smallDiff = 1e-10

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestReflect(tst *testing.T) {
	tests := []struct {
		x, min, max, res float64
	}{
		{0.5, 0, 1, 0.5},
		{-0.25, 0, 1, 0.25},
		{1.25, 0, 1, 0.75},
		{2.25, 0, 1, 0.25},
		{-1.75, 0, 1, 0.25},
		{-1, 0, math.Inf(1), 1},
		{3, math.Inf(-1), 2, 1},
		{5, math.Inf(-1), math.Inf(1), 5},
	}
	for _, t := range tests {
		if r := reflect(t.x, t.min, t.max); math.Abs(r-t.res) > smallDiff {
			tst.Errorf("reflect(%v, %v, %v): expected %v, got %v", t.x, t.min, t.max, t.res, r)
		}
	}
}

func TestRandomWalkBoundaries(tst *testing.T) {
	rng := newRand()
	p := model.NewParameter("p", 0.5, 0.1).SetBounds(0, 1)
	rw := NewRandomWalk(p, 0.8, Reflect, 1)
	for i := 0; i < 10000; i++ {
		if _, err := rw.Propose(rng); err != nil {
			tst.Fatal("reflecting proposal failed:", err)
		}
		if !p.InRange() {
			tst.Fatal("value out of bounds:", p.Values())
		}
	}

	ab := NewRandomWalk(p, 0.8, Absorb, 1)
	rejected := 0
	for i := 0; i < 10000; i++ {
		before := p.Values()
		_, err := ab.Propose(rng)
		if err != nil {
			var rerr *RejectError
			if !errors.As(err, &rerr) {
				tst.Fatal("expected RejectError, got", err)
			}
			after := p.Values()
			if after[0] != before[0] || after[1] != before[1] {
				tst.Fatal("absorbing proposal changed the value")
			}
			rejected++
		}
		if !p.InRange() {
			tst.Fatal("value out of bounds:", p.Values())
		}
	}
	if rejected == 0 {
		tst.Error("absorbing proposal never rejected")
	}
}

func TestScale(tst *testing.T) {
	rng := newRand()
	p := model.NewParameter("p", 1, 2, 3).SetBounds(0, math.Inf(1))
	sc := NewScale(p, 0.5, false, 1)
	for i := 0; i < 100; i++ {
		before := p.Values()
		hr, err := sc.Propose(rng)
		if err != nil {
			tst.Fatal(err)
		}
		after := p.Values()
		for k := range after {
			if after[k] != before[k] {
				if s := after[k] / before[k]; math.Abs(hr+math.Log(s)) > 1e-8 {
					tst.Errorf("expected log HR %v, got %v", -math.Log(s), hr)
				}
			}
		}
	}

	all := NewScale(p, 0.5, true, 1)
	before := p.Values()
	hr, err := all.Propose(rng)
	if err != nil {
		tst.Fatal(err)
	}
	s := p.Value(0) / before[0]
	for k := range before {
		if math.Abs(p.Value(k)/before[k]-s) > 1e-8 {
			tst.Error("values are scaled by different factors")
		}
	}
	if math.Abs(hr-math.Log(s)) > 1e-8 {
		tst.Errorf("expected log HR %v, got %v", math.Log(s), hr)
	}

	x := sc.CoercableParameter()
	sc.SetCoercableParameter(x)
	if math.Abs(sc.Factor()-0.5) > smallDiff {
		tst.Error("coercable parameter round trip failed:", sc.Factor())
	}
}

func TestDeltaExchange(tst *testing.T) {
	rng := newRand()
	bus := model.NewBus()
	p := model.NewParameter("freqs", 0.25, 0.25, 0.25, 0.25).SetBounds(0, 1)
	if err := bus.AddParameter(p); err != nil {
		tst.Fatal(err)
	}
	events := 0
	bus.SetTrace(func(model.Event) { events++ })
	de := NewDeltaExchange(p, 0.1, nil, 1)
	for i := 0; i < 1000; i++ {
		events = 0
		if _, err := de.Propose(rng); err != nil {
			continue
		}
		if events != 1 {
			tst.Fatal("expected a single event, got", events)
		}
		sum := 0.0
		for _, v := range p.Values() {
			sum += v
		}
		if math.Abs(sum-1) > 1e-8 {
			tst.Fatal("sum is not preserved:", sum)
		}
	}
}

func TestSelect(tst *testing.T) {
	rng := newRand()
	p := model.NewParameter("p", 1)
	s := NewSchedule(nil,
		NewRandomWalk(p, 1, Reflect, 1),
		NewRandomWalk(p, 1, Reflect, 3))
	counts := make([]int, 2)
	n := 40000
	for i := 0; i < n; i++ {
		counts[s.Select(rng)]++
	}
	if f := float64(counts[1]) / float64(n); math.Abs(f-0.75) > 0.01 {
		tst.Error("expected frequency 0.75, got", f)
	}
}

func TestCoercion(tst *testing.T) {
	p := model.NewParameter("p", 1)
	rw := NewRandomWalk(p, 1, Reflect, 1)
	s := NewSchedule(&AdaptiveSettings{Skip: 10, C: 1, Nu: 1}, rw)
	for i := 0; i < 10; i++ {
		s.Update(0, true, i)
	}
	if rw.Window() != 1 {
		tst.Error("window changed before Skip:", rw.Window())
	}
	for i := 10; i < 100; i++ {
		s.Update(0, true, i)
	}
	if rw.Window() <= 1 {
		tst.Error("window should grow when everything is accepted:", rw.Window())
	}
	w := rw.Window()
	for i := 100; i < 1000; i++ {
		s.Update(0, false, i)
	}
	if rw.Window() >= w {
		tst.Error("window should shrink when everything is rejected:", rw.Window())
	}
	if r := s.Record(0); r.Proposed != 1000 || r.Accepted != 100 {
		tst.Errorf("wrong counters: %+v", r)
	}
}

func newTree(tst *testing.T) (*tree.Tree, *model.Bus) {
	t, err := tree.ParseNewickString("(((a:1,b:1):1,c:2):1,((d:0.5,e:0.5):1,f:1.5):1.5);")
	if err != nil {
		tst.Fatal(err)
	}
	bus := model.NewBus()
	if err := bus.AddModel(t); err != nil {
		tst.Fatal(err)
	}
	return t, bus
}

func TestTreeOperators(tst *testing.T) {
	rng := newRand()
	t, bus := newTree(tst)
	ops := []Operator{
		NewUniformNodeHeight(t, 1),
		NewRootScale(t, 0.7, 1),
		NewTreeScale(t, 0.9, 1),
		NewNarrowExchange(t, 1),
		NewWilsonBalding(t, 1),
	}
	for _, op := range ops {
		accepted := 0
		for i := 0; i < 500; i++ {
			before := t.String()
			bus.StoreState()
			hr, err := op.Propose(rng)
			if err == nil && !math.IsNaN(hr) && rng.Float64() < 0.5 {
				bus.AcceptState()
				accepted++
			} else {
				bus.RestoreState()
				if t.String() != before {
					tst.Fatalf("%s: tree is not restored: %s != %s", op.Name(), t, before)
				}
			}
			if err := t.Validate(); err != nil {
				tst.Fatalf("%s: %v", op.Name(), err)
			}
			for k := 0; k < t.TipCount(); k++ {
				if t.Height(k) != 0 {
					tst.Fatalf("%s: tip %d moved", op.Name(), k)
				}
			}
		}
		if accepted == 0 {
			tst.Errorf("%s: no valid proposals", op.Name())
		}
	}
}

func TestPrecisionGibbs(tst *testing.T) {
	rng := newRand()
	t, bus := newTree(tst)
	traits, err := trait.ParseTraits(strings.NewReader(
		"a 0.1 1\nb 0.3 0.8\nc -0.2 1.5\nd 1 0.1\ne 0.8 0.4\nf 0.6 -0.3\n"))
	if err != nil {
		tst.Fatal(err)
	}
	internal := model.NewParameter("anc", 0.2, 0.9, 0, 1, 0.1, 0.7, 0.9, 0, 0.7, 0.2)
	prec := model.NewParameter("precision", 1, 0, 0, 1)
	bm, err := trait.NewBrownian("bm", t, traits, internal, prec)
	if err != nil {
		tst.Fatal(err)
	}
	if err := bm.Register(bus); err != nil {
		tst.Fatal(err)
	}
	scale := mat.NewSymDense(2, []float64{1, 0.1, 0.1, 0.5})
	wp, err := prior.NewWishartPrior(prec, 3, scale)
	if err != nil {
		tst.Fatal(err)
	}
	op, err := NewPrecisionGibbs(bm, wp, 1)
	if err != nil {
		tst.Fatal(err)
	}

	s, n := bm.SufficientStatistic()
	vinv := mat.NewSymDense(2, nil)
	var chol mat.Cholesky
	chol.Factorize(scale)
	chol.InverseTo(vinv)
	s.AddSym(s, vinv)
	chol.Factorize(s)
	post := mat.NewSymDense(2, nil)
	chol.InverseTo(post)
	post.ScaleSym(3+float64(n), post)

	mean := mat.NewSymDense(2, nil)
	nd := 20000
	for i := 0; i < nd; i++ {
		bus.StoreState()
		if _, err := op.Propose(rng); err != nil {
			tst.Fatal(err)
		}
		bus.AcceptState()
		mean.AddSym(mean, prior.SymFromParameter(prec, 2))
	}
	mean.ScaleSym(1/float64(nd), mean)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if d := math.Abs(mean.At(i, j) - post.At(i, j)); d > 0.05*math.Abs(post.At(i, i)) {
				tst.Errorf("posterior mean [%d,%d]: expected %v, got %v", i, j, post.At(i, j), mean.At(i, j))
			}
		}
	}
	if l, _ := bm.LogLikelihood(); math.IsInf(l, -1) {
		tst.Error("precision draw is not positive definite")
	}
}
