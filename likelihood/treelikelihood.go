package likelihood

import (
	"fmt"
	"math"

	"bitbucket.org/Davydov/phymc/bio"
	"bitbucket.org/Davydov/phymc/clock"
	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/sitemodel"
	"bitbucket.org/Davydov/phymc/tree"
)

// TreeLikelihood is the likelihood of an alignment given a tree, a
// site model and a clock. It listens to changes of these models,
// marks the affected branches and nodes dirty and recomputes only
// them on the next request.
type TreeLikelihood struct {
	id       string
	patterns *bio.Patterns
	tree     *tree.Tree
	site     *sitemodel.SiteModel
	clock    clock.BranchRates
	backend  Backend

	nStates int
	nCat    int

	// per node flags; matrixDirty is for the branch above a node
	nodeDirty     []bool
	matrixDirty   []bool
	dirtyNodes    []int
	dirtyMatrices []int
	freqsDirty    bool
	freqsPushed   bool

	logL        float64
	valid       bool
	storedLogL  float64
	storedValid bool

	probs []float64
	p     []float64
	ops   []Operation
}

// NewTreeLikelihood creates a tree likelihood and initializes the
// backend with the tip data. Tips are matched to taxa by name.
func NewTreeLikelihood(id string, patterns *bio.Patterns, t *tree.Tree, site *sitemodel.SiteModel, clk clock.BranchRates, backend Backend) (*TreeLikelihood, error) {
	if t.TipCount() != patterns.TaxonCount() {
		return nil, fmt.Errorf("%s: tree has %d tips, alignment has %d taxa", id, t.TipCount(), patterns.TaxonCount())
	}
	dt := patterns.DataType()
	n := dt.StateCount()
	if site.SubstitutionModel().StateCount() != n {
		return nil, fmt.Errorf("%s: substitution model has %d states, data type %s has %d", id,
			site.SubstitutionModel().StateCount(), dt.Name(), n)
	}
	l := &TreeLikelihood{
		id:          id,
		patterns:    patterns,
		tree:        t,
		site:        site,
		clock:       clk,
		backend:     backend,
		nStates:     n,
		nCat:        site.CategoryCount(),
		nodeDirty:   make([]bool, t.NodeCount()),
		matrixDirty: make([]bool, t.NodeCount()),
	}
	l.probs = make([]float64, l.nCat*n*n)
	l.p = make([]float64, n*n)

	if err := backend.Initialize(t.NodeCount(), t.TipCount(), patterns.PatternCount(), t.NodeCount(), n, l.nCat); err != nil {
		return nil, err
	}
	if err := backend.SetPatternWeights(patterns.Weights()); err != nil {
		return nil, err
	}
	for tip := 0; tip < t.TipCount(); tip++ {
		taxon := patterns.TaxonIndex(t.Name(tip))
		if taxon < 0 {
			return nil, fmt.Errorf("%s: no data for tip %s", id, t.Name(tip))
		}
		if err := l.setTip(tip, taxon); err != nil {
			return nil, err
		}
	}
	l.MakeDirty()
	return l, nil
}

// setTip uses states unless the tip has partial ambiguities.
func (l *TreeLikelihood) setTip(tip, taxon int) error {
	dt := l.patterns.DataType()
	n := l.nStates
	np := l.patterns.PatternCount()
	states := make([]int, np)
	partials := make([]float64, np*n)
	usePartials := false
	for pat := 0; pat < np; pat++ {
		code := l.patterns.State(pat, taxon)
		dst := partials[pat*n : (pat+1)*n]
		dt.Partial(code, dst)
		if !dt.IsAmbiguous(code) {
			states[pat] = code
			continue
		}
		states[pat] = n
		for _, v := range dst {
			if v != 1 {
				usePartials = true
			}
		}
	}
	if usePartials {
		return l.backend.SetTipPartials(tip, partials)
	}
	return l.backend.SetTipStates(tip, states)
}

// ID returns the model id.
func (l *TreeLikelihood) ID() string {
	return l.id
}

// Tree returns the tree.
func (l *TreeLikelihood) Tree() *tree.Tree {
	return l.tree
}

// Sources returns ids of the models the likelihood listens to.
func (l *TreeLikelihood) Sources() []string {
	ids := []string{l.tree.ID(), l.site.SubstitutionModel().ID(), l.site.ID()}
	if l.clock != nil {
		ids = append(ids, l.clock.ID())
	}
	return ids
}

// Register adds the likelihood to the bus and connects it to the
// tree, the substitution model, the site model and the clock, which
// have to be registered already.
func (l *TreeLikelihood) Register(b *model.Bus) error {
	if err := b.AddModel(l); err != nil {
		return err
	}
	for _, s := range l.Sources() {
		if err := b.Connect(s, l.id); err != nil {
			return err
		}
	}
	return nil
}

func (l *TreeLikelihood) markMatrix(i int) {
	if !l.matrixDirty[i] {
		l.matrixDirty[i] = true
		l.dirtyMatrices = append(l.dirtyMatrices, i)
	}
}

// markPath marks node i and all its ancestors dirty.
func (l *TreeLikelihood) markPath(i int) {
	for ; i >= 0; i = l.tree.Parent(i) {
		if l.tree.IsTip(i) {
			continue
		}
		if l.nodeDirty[i] {
			// ancestors are already dirty
			return
		}
		l.nodeDirty[i] = true
		l.dirtyNodes = append(l.dirtyNodes, i)
	}
}

// markNode marks branches around node i and the path to the root.
func (l *TreeLikelihood) markNode(i int) {
	l.markMatrix(i)
	if !l.tree.IsTip(i) {
		l.markMatrix(l.tree.Child(i, 0))
		l.markMatrix(l.tree.Child(i, 1))
	}
	l.markPath(i)
	if p := l.tree.Parent(i); p >= 0 {
		l.markPath(p)
	}
	l.valid = false
}

// markBranch marks the branch above node i.
func (l *TreeLikelihood) markBranch(i int) {
	l.markMatrix(i)
	if p := l.tree.Parent(i); p >= 0 {
		l.markPath(p)
	}
	l.valid = false
}

// MakeDirty marks everything for recomputation.
func (l *TreeLikelihood) MakeDirty() {
	for i := range l.nodeDirty {
		l.markMatrix(i)
		if !l.tree.IsTip(i) && !l.nodeDirty[i] {
			l.nodeDirty[i] = true
			l.dirtyNodes = append(l.dirtyNodes, i)
		}
	}
	l.freqsDirty = true
	l.valid = false
}

// HandleParameterChanged does nothing, the likelihood only listens
// to models.
func (l *TreeLikelihood) HandleParameterChanged(model.ParameterChanged) {}

// HandleModelChanged marks the affected part of the tree dirty.
func (l *TreeLikelihood) HandleModelChanged(ev model.ModelChanged) {
	switch {
	case ev.ID == l.tree.ID():
		if ev.Index < 0 {
			l.MakeDirty()
		} else {
			l.markNode(ev.Index)
		}
	case l.clock != nil && ev.ID == l.clock.ID():
		if ev.Index < 0 {
			for i := range l.matrixDirty {
				l.markBranch(i)
			}
		} else {
			l.markBranch(ev.Index)
		}
	case ev.ID == l.site.ID() || ev.ID == l.site.SubstitutionModel().ID():
		l.MakeDirty()
	default:
		log.Warningf("%s: unexpected event %v", l.id, ev)
	}
}

func (l *TreeLikelihood) clearFlags() {
	for _, i := range l.dirtyNodes {
		l.nodeDirty[i] = false
	}
	l.dirtyNodes = l.dirtyNodes[:0]
	for _, i := range l.dirtyMatrices {
		l.matrixDirty[i] = false
	}
	l.dirtyMatrices = l.dirtyMatrices[:0]
}

// updateMatrix computes transition matrices of the branch above node.
func (l *TreeLikelihood) updateMatrix(node int, rates []float64) error {
	t := l.tree.BranchLength(node)
	if l.clock != nil {
		t *= l.clock.BranchRate(node)
	}
	if t < 0 || math.IsNaN(t) {
		return fmt.Errorf("%w: node %d, length %v", ErrInvalidBranch, node, t)
	}
	subst := l.site.SubstitutionModel()
	nn := l.nStates * l.nStates
	for k, r := range rates {
		if err := subst.TransitionProbabilities(t*r, l.p); err != nil {
			return err
		}
		copy(l.probs[k*nn:(k+1)*nn], l.p)
	}
	return l.backend.UpdateTransitionMatrices(node, l.probs)
}

// LogLikelihood returns the cached log-likelihood or recomputes the
// dirty part of the tree.
func (l *TreeLikelihood) LogLikelihood() (float64, error) {
	if l.valid {
		return l.logL, nil
	}
	if l.freqsDirty {
		freqs, err := l.site.SubstitutionModel().Frequencies()
		if err != nil {
			return 0, err
		}
		if err := l.backend.SetStateFrequencies(freqs); err != nil {
			return 0, err
		}
		if err := l.backend.SetCategoryWeights(l.site.CategoryProportions()); err != nil {
			return 0, err
		}
		l.freqsDirty = false
		l.freqsPushed = true
	}

	rates := l.site.CategoryRates()
	for _, i := range l.dirtyMatrices {
		if l.tree.IsRoot(i) {
			continue
		}
		if err := l.updateMatrix(i, rates); err != nil {
			return 0, err
		}
	}

	l.ops = l.ops[:0]
	for _, i := range l.tree.PostOrder() {
		if l.tree.IsTip(i) || !l.nodeDirty[i] {
			continue
		}
		c1, c2 := l.tree.Child(i, 0), l.tree.Child(i, 1)
		l.ops = append(l.ops, Operation{Dest: i, Child1: c1, Matrix1: c1, Child2: c2, Matrix2: c2})
	}
	if err := l.backend.UpdatePartials(l.ops); err != nil {
		return 0, err
	}
	lnL, err := l.backend.CalculateLogLikelihood(l.tree.Root())
	if err != nil {
		return lnL, err
	}
	l.clearFlags()
	l.logL = lnL
	l.valid = true
	return lnL, nil
}

// Recompute forces a full recomputation and returns the result.
func (l *TreeLikelihood) Recompute() (float64, error) {
	l.MakeDirty()
	return l.LogLikelihood()
}

// prepare fills lazy caches shared with other likelihoods so that
// they are read-only during concurrent evaluation.
func (l *TreeLikelihood) prepare() {
	l.tree.PostOrder()
	l.site.CategoryRates()
}

// StoreState stores the backend buffers and the cached value.
func (l *TreeLikelihood) StoreState() {
	l.backend.StoreState()
	l.storedLogL = l.logL
	l.storedValid = l.valid
	l.freqsPushed = false
}

// RestoreState switches back the buffers written since StoreState.
func (l *TreeLikelihood) RestoreState() {
	l.backend.RestoreState()
	if l.freqsPushed {
		l.freqsDirty = true
		l.freqsPushed = false
	}
	if l.storedValid {
		l.clearFlags()
		l.logL = l.storedLogL
		l.valid = true
	} else {
		l.MakeDirty()
	}
}

// AcceptState does nothing.
func (l *TreeLikelihood) AcceptState() {}
