package tree

import (
	"math"

	"bitbucket.org/Davydov/phymc/model"
)

// Edit is a validated change of the tree: new node records plus the
// nodes whose branch or subtree changed. Edits are produced by the
// Plan* methods, which never modify the tree, and applied by Apply.
type Edit struct {
	records map[int]Node
	kind    model.ChangeKind
	dirty   []int
}

// Dirty returns the nodes which will be reported as changed.
func (e *Edit) Dirty() []int {
	return e.dirty
}

func newEdit(kind model.ChangeKind) *Edit {
	return &Edit{records: make(map[int]Node, 4), kind: kind}
}

// rec returns a node record as it would be after the edit.
func (t *Tree) rec(e *Edit, i int) Node {
	if r, ok := e.records[i]; ok {
		return r
	}
	return t.nodes[i]
}

func replaceChild(n Node, old, repl int) Node {
	if n.Children[0] == old {
		n.Children[0] = repl
	} else {
		n.Children[1] = repl
	}
	return n
}

// checkLocal verifies height ordering around node i after the edit.
func (t *Tree) checkLocal(e *Edit, i int) error {
	n := t.rec(e, i)
	if math.IsNaN(n.Height) || math.IsInf(n.Height, 0) {
		return &InvalidTreeStateError{Node: i, Reason: "height is not finite"}
	}
	if n.Parent >= 0 && t.rec(e, n.Parent).Height <= n.Height {
		return &InvalidTreeStateError{Node: i, Reason: "height is above the parent height"}
	}
	for _, c := range n.Children {
		if c >= 0 && t.rec(e, c).Height >= n.Height {
			return &InvalidTreeStateError{Node: i, Reason: "height is below a child height"}
		}
	}
	return nil
}

// PlanHeight plans a height change of node i.
func (t *Tree) PlanHeight(i int, h float64) (*Edit, error) {
	e := newEdit(model.HeightChanged)
	n := t.nodes[i]
	n.Height = h
	e.records[i] = n
	if err := t.checkLocal(e, i); err != nil {
		return nil, err
	}
	e.dirty = []int{i}
	return e, nil
}

// PlanScale plans scaling of all internal node heights by factor.
func (t *Tree) PlanScale(factor float64) (*Edit, error) {
	if !(factor > 0) {
		return nil, &InvalidTreeStateError{Node: t.root, Reason: "non-positive scale factor"}
	}
	e := newEdit(model.HeightChanged)
	for i := t.nTips; i < len(t.nodes); i++ {
		n := t.nodes[i]
		n.Height *= factor
		e.records[i] = n
		e.dirty = append(e.dirty, i)
	}
	for i := t.nTips; i < len(t.nodes); i++ {
		if err := t.checkLocal(e, i); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// PlanExchange plans swapping subtrees i and j between their
// parents.
func (t *Tree) PlanExchange(i, j int) (*Edit, error) {
	pi, pj := t.nodes[i].Parent, t.nodes[j].Parent
	switch {
	case pi < 0 || pj < 0:
		return nil, &InvalidTreeStateError{Node: i, Reason: "cannot exchange the root"}
	case i == j || pi == pj:
		return nil, &InvalidTreeStateError{Node: i, Reason: "nodes share the parent"}
	case t.IsAncestor(i, j) || t.IsAncestor(j, i):
		return nil, &InvalidTreeStateError{Node: i, Reason: "nodes are on the same lineage"}
	}
	e := newEdit(model.TopologyChanged)
	ni, nj := t.nodes[i], t.nodes[j]
	ni.Parent, nj.Parent = pj, pi
	e.records[i] = ni
	e.records[j] = nj
	e.records[pi] = replaceChild(t.nodes[pi], i, j)
	e.records[pj] = replaceChild(t.nodes[pj], j, i)
	for _, k := range []int{i, j} {
		if err := t.checkLocal(e, k); err != nil {
			return nil, err
		}
	}
	e.dirty = []int{i, j}
	return e, nil
}

// PlanReparent plans pruning the parent of i (its sibling takes its
// place) and regrafting it on the branch above j at height h.
func (t *Tree) PlanReparent(i, j int, h float64) (*Edit, error) {
	p := t.nodes[i].Parent
	if p < 0 {
		return nil, &InvalidTreeStateError{Node: i, Reason: "cannot move the root"}
	}
	gp := t.nodes[p].Parent
	if gp < 0 {
		return nil, &InvalidTreeStateError{Node: p, Reason: "parent is the root"}
	}
	s := t.Sibling(i)
	jp := t.nodes[j].Parent
	switch {
	case jp < 0:
		return nil, &InvalidTreeStateError{Node: j, Reason: "destination is the root"}
	case j == p || j == s:
		return nil, &InvalidTreeStateError{Node: j, Reason: "destination is the current position"}
	case t.IsAncestor(i, j):
		return nil, &InvalidTreeStateError{Node: j, Reason: "destination is inside the moved subtree"}
	}

	e := newEdit(model.TopologyChanged)
	// prune
	e.records[gp] = replaceChild(t.rec(e, gp), p, s)
	ns := t.rec(e, s)
	ns.Parent = gp
	e.records[s] = ns
	// regraft
	e.records[jp] = replaceChild(t.rec(e, jp), j, p)
	np := t.rec(e, p)
	np.Parent = jp
	np.Height = h
	np.Children = [2]int{i, j}
	e.records[p] = np
	nj := t.rec(e, j)
	nj.Parent = p
	e.records[j] = nj

	for _, k := range []int{p, s, j, i} {
		if err := t.checkLocal(e, k); err != nil {
			return nil, err
		}
	}
	e.dirty = []int{s, j, p, i}
	return e, nil
}

// Apply applies a planned edit atomically and reports every dirty
// node to the listeners.
func (t *Tree) Apply(e *Edit) {
	for i, r := range e.records {
		t.backupNode(i)
		t.nodes[i] = r
	}
	if e.kind == model.TopologyChanged {
		t.invalidateOrder()
	}
	for _, i := range e.dirty {
		t.fire(e.kind, i)
	}
}

// SetNodeHeight changes height of node i.
func (t *Tree) SetNodeHeight(i int, h float64) error {
	e, err := t.PlanHeight(i, h)
	if err != nil {
		return err
	}
	t.Apply(e)
	return nil
}

// ScaleHeights scales all internal node heights.
func (t *Tree) ScaleHeights(factor float64) error {
	e, err := t.PlanScale(factor)
	if err != nil {
		return err
	}
	t.Apply(e)
	return nil
}

// ExchangeChildren swaps subtrees i and j.
func (t *Tree) ExchangeChildren(i, j int) error {
	e, err := t.PlanExchange(i, j)
	if err != nil {
		return err
	}
	t.Apply(e)
	return nil
}

// Reparent moves the parent of i onto the branch above j at height h.
func (t *Tree) Reparent(i, j int, h float64) error {
	e, err := t.PlanReparent(i, j, h)
	if err != nil {
		return err
	}
	t.Apply(e)
	return nil
}
