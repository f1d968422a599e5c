package operator

import (
	"math"
	"math/rand/v2"

	"bitbucket.org/Davydov/phymc/tree"
)

// randomInternal returns a random internal node other than the root,
// or -1 if there is none.
func randomInternal(t *tree.Tree, rng *rand.Rand) int {
	n := t.NodeCount() - t.TipCount() - 1
	if n <= 0 {
		return -1
	}
	i := t.TipCount() + rng.IntN(n)
	if i >= t.Root() {
		i++
	}
	return i
}

// randomNonRoot returns a random node other than the root.
func randomNonRoot(t *tree.Tree, rng *rand.Rand) int {
	i := rng.IntN(t.NodeCount() - 1)
	if i >= t.Root() {
		i++
	}
	return i
}

// UniformNodeHeight draws a new height of a random internal node
// uniformly between its oldest child and its parent.
type UniformNodeHeight struct {
	base
	tree *tree.Tree
}

// NewUniformNodeHeight creates a uniform node height operator.
func NewUniformNodeHeight(t *tree.Tree, weight float64) *UniformNodeHeight {
	return &UniformNodeHeight{base: newBase("uniform("+t.ID()+")", weight), tree: t}
}

// Propose changes a node height. The proposal is symmetric.
func (o *UniformNodeHeight) Propose(rng *rand.Rand) (float64, error) {
	t := o.tree
	i := randomInternal(t, rng)
	if i < 0 {
		return 0, reject(o.name, "no internal nodes below the root", nil)
	}
	lower := math.Max(t.Height(t.Child(i, 0)), t.Height(t.Child(i, 1)))
	upper := t.Height(t.Parent(i))
	h := lower + rng.Float64()*(upper-lower)
	if err := t.SetNodeHeight(i, h); err != nil {
		return 0, reject(o.name, "invalid height", err)
	}
	return 0, nil
}

// RootScale scales the root height.
type RootScale struct {
	base
	tree   *tree.Tree
	factor float64
}

// NewRootScale creates a root height scale operator.
func NewRootScale(t *tree.Tree, factor float64, weight float64) *RootScale {
	if factor <= 0 || factor >= 1 {
		panic("scale factor should be in (0, 1)")
	}
	return &RootScale{base: newBase("rootScale("+t.ID()+")", weight), tree: t, factor: factor}
}

// Propose scales the root height.
func (o *RootScale) Propose(rng *rand.Rand) (float64, error) {
	s := scaleFactor(rng, o.factor)
	root := o.tree.Root()
	if err := o.tree.SetNodeHeight(root, o.tree.Height(root)*s); err != nil {
		return 0, reject(o.name, "invalid root height", err)
	}
	return -math.Log(s), nil
}

// CoercableParameter returns log(1/f - 1).
func (o *RootScale) CoercableParameter() float64 {
	return scaleToCoercable(o.factor)
}

// SetCoercableParameter sets the scale factor.
func (o *RootScale) SetCoercableParameter(x float64) {
	o.factor = coercableToScale(x)
}

// TreeScale scales all internal node heights.
type TreeScale struct {
	base
	tree   *tree.Tree
	factor float64
}

// NewTreeScale creates a tree scale operator.
func NewTreeScale(t *tree.Tree, factor float64, weight float64) *TreeScale {
	if factor <= 0 || factor >= 1 {
		panic("scale factor should be in (0, 1)")
	}
	return &TreeScale{base: newBase("treeScale("+t.ID()+")", weight), tree: t, factor: factor}
}

// Propose scales internal node heights.
func (o *TreeScale) Propose(rng *rand.Rand) (float64, error) {
	s := scaleFactor(rng, o.factor)
	if err := o.tree.ScaleHeights(s); err != nil {
		return 0, reject(o.name, "invalid heights", err)
	}
	k := o.tree.NodeCount() - o.tree.TipCount()
	return float64(k-2) * math.Log(s), nil
}

// CoercableParameter returns log(1/f - 1).
func (o *TreeScale) CoercableParameter() float64 {
	return scaleToCoercable(o.factor)
}

// SetCoercableParameter sets the scale factor.
func (o *TreeScale) SetCoercableParameter(x float64) {
	o.factor = coercableToScale(x)
}

// NarrowExchange swaps a node with its uncle.
type NarrowExchange struct {
	base
	tree *tree.Tree
}

// NewNarrowExchange creates a narrow exchange operator.
func NewNarrowExchange(t *tree.Tree, weight float64) *NarrowExchange {
	return &NarrowExchange{base: newBase("narrowExchange("+t.ID()+")", weight), tree: t}
}

// Propose exchanges a random node which has a grandparent with its
// uncle. The number of such nodes is 2N-4 for every topology, so the
// proposal is symmetric.
func (o *NarrowExchange) Propose(rng *rand.Rand) (float64, error) {
	t := o.tree
	if t.TipCount() < 3 {
		return 0, reject(o.name, "tree is too small", nil)
	}
	root := t.Root()
	// nodes below the root children
	var i int
	for {
		i = randomNonRoot(t, rng)
		if t.Parent(i) != root {
			break
		}
	}
	p := t.Parent(i)
	u := t.Sibling(p)
	if t.Height(u) >= t.Height(p) {
		return 0, reject(o.name, "uncle is older than the parent", nil)
	}
	if err := t.ExchangeChildren(i, u); err != nil {
		return 0, reject(o.name, "invalid exchange", err)
	}
	return 0, nil
}

// WilsonBalding prunes a subtree and regrafts it on a random branch.
type WilsonBalding struct {
	base
	tree *tree.Tree
}

// NewWilsonBalding creates a Wilson-Balding operator.
func NewWilsonBalding(t *tree.Tree, weight float64) *WilsonBalding {
	return &WilsonBalding{base: newBase("wilsonBalding("+t.ID()+")", weight), tree: t}
}

// Propose moves the parent of a random node i onto the branch above
// a random node j at a uniform height. The Hastings ratio is the
// ratio of the new and the old height ranges.
func (o *WilsonBalding) Propose(rng *rand.Rand) (float64, error) {
	t := o.tree
	i := randomNonRoot(t, rng)
	p := t.Parent(i)
	gp := t.Parent(p)
	if gp < 0 {
		return 0, reject(o.name, "parent is the root", nil)
	}
	j := randomNonRoot(t, rng)
	jp := t.Parent(j)
	if j == p || j == t.Sibling(i) || t.IsAncestor(i, j) {
		return 0, reject(o.name, "invalid destination", nil)
	}
	lower := math.Max(t.Height(i), t.Height(j))
	upper := t.Height(jp)
	if lower >= upper {
		return 0, reject(o.name, "destination branch is too young", nil)
	}
	oldRange := t.Height(gp) - math.Max(t.Height(i), t.Height(t.Sibling(i)))
	h := lower + rng.Float64()*(upper-lower)
	if err := t.Reparent(i, j, h); err != nil {
		return 0, reject(o.name, "invalid regraft", err)
	}
	return math.Log(upper-lower) - math.Log(oldRange), nil
}
