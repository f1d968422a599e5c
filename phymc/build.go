package main

import (
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/phymc/bio"
	"bitbucket.org/Davydov/phymc/clock"
	"bitbucket.org/Davydov/phymc/likelihood"
	"bitbucket.org/Davydov/phymc/mcmc"
	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/operator"
	"bitbucket.org/Davydov/phymc/prior"
	"bitbucket.org/Davydov/phymc/sitemodel"
	"bitbucket.org/Davydov/phymc/smodel"
	"bitbucket.org/Davydov/phymc/trace"
	"bitbucket.org/Davydov/phymc/trait"
	"bitbucket.org/Davydov/phymc/tree"
)

// setup is an assembled model: data, models, priors and operators
// registered on a single bus.
type setup struct {
	s    *settings
	bus  *model.Bus
	tree *tree.Tree

	// logged are parameters written to the trace.
	logged []*model.Parameter
	// optimized are parameters changed by the optimizer.
	optimized []*model.Parameter
	ops       []operator.Operator
	priors    prior.Sum

	partitions []*likelihood.TreeLikelihood
	brownian   *trait.Brownian
	clock      clock.BranchRates
}

func positive(id string, vals ...float64) *model.Parameter {
	return model.NewParameter(id, vals...).SetBounds(0, math.Inf(1))
}

// free adds a prior and an operator for a parameter unless it is
// fixed.
func (st *setup) free(p *model.Parameter, d prior.Density, op operator.Operator, optimize bool) {
	st.logged = append(st.logged, p)
	if d != nil {
		st.priors = append(st.priors, prior.NewParameterPrior(p, d))
	}
	if st.s.fixed(p.ID()) {
		log.Infof("Parameter %s is fixed", p.ID())
		return
	}
	if op != nil {
		st.ops = append(st.ops, op)
	}
	if optimize {
		st.optimized = append(st.optimized, p)
	}
}

func readTree(fn string) (*tree.Tree, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tree.ParseNewick(f)
}

func (st *setup) newBackend() (likelihood.Backend, error) {
	b, err := likelihood.NewBackend(st.s.Backend)
	if err != nil {
		return nil, err
	}
	policy, err := likelihood.ParseScaling(st.s.Scaling)
	if err != nil {
		return nil, err
	}
	b.SetScaling(policy)
	return b, nil
}

// newSetup reads the data and builds all the models.
func newSetup(s *settings) (*setup, error) {
	t, err := readTree(s.Tree)
	if err != nil {
		return nil, fmt.Errorf("reading tree: %w", err)
	}
	log.Infof("Read tree with %d tips, root height %g", t.TipCount(), t.RootHeight())
	st := &setup{s: s, bus: model.NewBus(), tree: t}
	if err := st.bus.AddModel(t); err != nil {
		return nil, err
	}

	if s.Alignment != "" || s.Microsat != "" {
		if err := st.addClock(); err != nil {
			return nil, err
		}
	}
	if s.Alignment != "" {
		if err := st.addNucleotides(); err != nil {
			return nil, err
		}
	}
	if s.Microsat != "" {
		if err := st.addMicrosat(); err != nil {
			return nil, err
		}
	}
	if s.Traits != "" {
		if err := st.addTraits(); err != nil {
			return nil, err
		}
	}
	if err := st.addTreePrior(); err != nil {
		return nil, err
	}
	if err := st.setStart(); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *setup) addClock() error {
	switch st.s.Clock {
	case "strict":
		rate := positive("rate", 1)
		c := clock.NewStrictClock("clock", rate)
		if err := st.bus.Wire(c, rate); err != nil {
			return err
		}
		st.free(rate, prior.Exponential(1), operator.NewScale(rate, 0.75, false, 1), true)
		st.clock = c
	case "relaxed":
		vals := make([]float64, st.tree.NodeCount())
		for i := range vals {
			vals[i] = 1
		}
		rates := positive("rates", vals...)
		c := clock.NewRelaxedClock("clock", rates)
		if err := st.bus.Wire(c, rates); err != nil {
			return err
		}
		st.free(rates, prior.LogNormal(0, 0.5), operator.NewScale(rates, 0.75, false, 3), true)
		st.clock = c
	}
	log.Infof("Using %s clock", st.s.Clock)
	return nil
}

// substitution creates a nucleotide substitution model.
func (st *setup) substitution() (smodel.Model, error) {
	switch st.s.Model {
	case "JC":
		return smodel.NewJC("jc"), nil
	case "HKY":
		kappa := positive("kappa", 2)
		freqs := model.NewParameter("freqs", 0.25, 0.25, 0.25, 0.25).SetBounds(0, 1)
		st.free(kappa, prior.LogNormal(1, 1.25), operator.NewScale(kappa, 0.75, false, 1), true)
		st.free(freqs, nil, operator.NewDeltaExchange(freqs, 0.05, nil, 1), false)
		return smodel.NewHKY("hky", kappa, freqs), nil
	case "GTR":
		rates := positive("gtrRates", 1, 1, 1, 1, 1, 1)
		freqs := model.NewParameter("freqs", 0.25, 0.25, 0.25, 0.25).SetBounds(0, 1)
		st.free(rates, prior.Gamma(2, 0.5), operator.NewScale(rates, 0.75, false, 2), true)
		st.free(freqs, nil, operator.NewDeltaExchange(freqs, 0.05, nil, 1), false)
		return smodel.NewGTR("gtr", rates, freqs), nil
	}
	return nil, fmt.Errorf("unknown substitution model: %s", st.s.Model)
}

func (st *setup) addPartition(id string, patterns *bio.Patterns, subst smodel.Model, site *sitemodel.SiteModel) error {
	if err := st.bus.Wire(subst, subst.Parameters()...); err != nil {
		return err
	}
	if err := st.bus.Wire(site, site.Parameters()...); err != nil {
		return err
	}
	backend, err := st.newBackend()
	if err != nil {
		return err
	}
	lik, err := likelihood.NewTreeLikelihood(id, patterns, st.tree, site, st.clock, backend)
	if err != nil {
		return err
	}
	if err := lik.Register(st.bus); err != nil {
		return err
	}
	st.partitions = append(st.partitions, lik)
	log.Infof("Partition %s: %d taxa, %d patterns, %d sites", id, patterns.TaxonCount(),
		patterns.PatternCount(), patterns.SiteCount())
	return nil
}

func (st *setup) addNucleotides() error {
	f, err := os.Open(st.s.Alignment)
	if err != nil {
		return err
	}
	defer f.Close()
	seqs, err := bio.ParseFasta(f)
	if err != nil {
		return fmt.Errorf("reading alignment: %w", err)
	}
	patterns, err := bio.FromSequences(seqs, bio.Nucleotide{})
	if err != nil {
		return err
	}
	subst, err := st.substitution()
	if err != nil {
		return err
	}
	log.Infof("Using %s model, %d rate categories", st.s.Model, st.s.NCat)

	var shape, pinv *model.Parameter
	if st.s.NCat > 1 {
		shape = positive("shape", 0.5)
		st.free(shape, prior.Exponential(1), operator.NewScale(shape, 0.75, false, 1), true)
	}
	if st.s.PInv {
		pinv = model.NewParameter("pinv", 0.1).SetBounds(0, 1)
		st.free(pinv, prior.Uniform(0, 1), operator.NewRandomWalk(pinv, 0.1, operator.Reflect, 1), true)
	}
	site := sitemodel.New("site", subst, nil, shape, pinv, st.s.NCat)
	return st.addPartition("lik", patterns, subst, site)
}

// repeatRange returns the minimum and the maximum repeat count.
func repeatRange(r *bio.Repeats) (min, max int) {
	min, max = math.MaxInt, -1
	for _, row := range r.Counts {
		for _, c := range row {
			if c < 0 {
				continue
			}
			if c < min {
				min = c
			}
			if c > max {
				max = c
			}
		}
	}
	return
}

func (st *setup) addMicrosat() error {
	f, err := os.Open(st.s.Microsat)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := bio.ParseMicrosat(f)
	if err != nil {
		return fmt.Errorf("reading microsatellites: %w", err)
	}
	min, max := repeatRange(r)
	if max < 0 {
		return fmt.Errorf("all microsatellite repeat counts are missing")
	}
	// one extra state on both sides
	if min > 0 {
		min--
	}
	dt := bio.Microsatellite{Min: min, Max: max + 1}
	patterns, err := bio.FromRepeats(r, dt)
	if err != nil {
		return err
	}
	rate := positive("msatRate", 1)
	st.free(rate, prior.Exponential(1), operator.NewScale(rate, 0.75, false, 1), true)
	subst := smodel.NewMicrosatellite("msat", dt.StateCount(), rate)
	log.Infof("Microsatellite model with %d states", dt.StateCount())
	site := sitemodel.New("msite", subst, nil, nil, nil, 1)
	return st.addPartition("mlik", patterns, subst, site)
}

func (st *setup) addTraits() error {
	f, err := os.Open(st.s.Traits)
	if err != nil {
		return err
	}
	defer f.Close()
	traits, err := trait.ParseTraits(f)
	if err != nil {
		return fmt.Errorf("reading traits: %w", err)
	}
	t := st.tree
	var dim int
	var mean []float64
	for _, v := range traits {
		if mean == nil {
			dim = len(v)
			mean = make([]float64, dim)
		}
		for k, x := range v {
			mean[k] += x / float64(len(traits))
		}
	}
	internal := make([]float64, 0, (t.NodeCount()-t.TipCount())*dim)
	for i := t.TipCount(); i < t.NodeCount(); i++ {
		internal = append(internal, mean...)
	}
	values := model.NewParameter("traits", internal...)
	ident := make([]float64, dim*dim)
	for k := 0; k < dim; k++ {
		ident[k*dim+k] = 1
	}
	precision := model.NewParameter("precision", ident...)
	bm, err := trait.NewBrownian("brownian", t, traits, values, precision)
	if err != nil {
		return err
	}
	if err := bm.Register(st.bus); err != nil {
		return err
	}
	wp, err := prior.NewWishartPrior(precision, float64(dim+1), mat.NewSymDense(dim, ident))
	if err != nil {
		return err
	}
	st.priors = append(st.priors, wp)
	st.logged = append(st.logged, precision)
	if !st.s.fixed(values.ID()) {
		st.ops = append(st.ops, operator.NewRandomWalk(values, 0.5, operator.Reflect, 3))
		st.optimized = append(st.optimized, values)
	}
	if !st.s.fixed(precision.ID()) {
		g, err := operator.NewPrecisionGibbs(bm, wp, 1)
		if err != nil {
			return err
		}
		st.ops = append(st.ops, g)
	}
	st.brownian = bm
	log.Infof("Brownian diffusion of %d traits", dim)
	return nil
}

func (st *setup) addTreePrior() error {
	birth := positive("birthRate", 1)
	if err := st.bus.AddParameter(birth); err != nil {
		return err
	}
	st.free(birth, prior.Gamma(2, 1), operator.NewScale(birth, 0.75, false, 1), true)
	if st.s.RootSD > 0 {
		log.Infof("Calibrated Yule prior, root height ~ LogNormal(%g, %g)", st.s.RootMu, st.s.RootSD)
		st.priors = append(st.priors, prior.NewCalibratedYule(st.tree, birth, st.s.RootMu, st.s.RootSD))
	} else {
		st.priors = append(st.priors, prior.NewYule(st.tree, birth))
	}
	if st.s.fixed(st.tree.ID()) {
		log.Info("Tree is fixed")
		return nil
	}
	t := st.tree
	st.ops = append(st.ops,
		operator.NewUniformNodeHeight(t, 3),
		operator.NewRootScale(t, 0.75, 1),
		operator.NewTreeScale(t, 0.75, 1),
	)
	if t.TipCount() > 3 {
		st.ops = append(st.ops,
			operator.NewNarrowExchange(t, 3),
			operator.NewWilsonBalding(t, 1),
		)
	}
	return nil
}

// setStart sets the starting values given in the settings.
func (st *setup) setStart() error {
	for id, vals := range st.s.Start {
		p := st.bus.Parameter(id)
		if p == nil {
			return fmt.Errorf("unknown parameter: %s", id)
		}
		if err := p.SetValues(vals); err != nil {
			return err
		}
		log.Infof("Starting value %s", p)
	}
	return nil
}

// likelihoods returns the likelihoods for the chain.
func (st *setup) likelihoods() (liks []mcmc.Likelihood) {
	switch len(st.partitions) {
	case 0:
	case 1:
		liks = append(liks, st.partitions[0])
	default:
		liks = append(liks, likelihood.NewCompound(st.partitions...))
	}
	if st.brownian != nil {
		liks = append(liks, st.brownian)
	}
	return
}

// columns returns the trace columns.
func (st *setup) columns(c *mcmc.Chain) []trace.Column {
	cols := []trace.Column{
		{Name: "lnL", Value: c.LogLikelihood},
		{Name: "lnP", Value: c.LogPrior},
		{Name: "posterior", Value: c.LogPosterior},
	}
	for _, p := range st.logged {
		cols = append(cols, trace.ParameterColumns(p)...)
	}
	return append(cols, trace.TreeColumns(st.tree)...)
}
