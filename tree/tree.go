// Package tree implements a rooted binary time tree with stable node
// indices and transactional edits.
package tree

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/phymc/model"
)

// log is the global logging variable.
var log = logging.MustGetLogger("tree")

// heights closer to zero than this are treated as zero by the parser.
const heightEpsilon = 1e-9

// ErrMalformedTree is returned when the tree structure is not a valid
// rooted binary tree.
var ErrMalformedTree = errors.New("malformed tree")

// InvalidTreeStateError is returned when an edit would break the
// height ordering or the topology.
type InvalidTreeStateError struct {
	Node   int
	Reason string
}

func (e *InvalidTreeStateError) Error() string {
	return fmt.Sprintf("invalid tree state at node %d: %s", e.Node, e.Reason)
}

// Node is a node record. Tips have no children (-1), root has no
// parent (-1).
type Node struct {
	Name     string
	Id       int
	Height   float64
	Parent   int
	Children [2]int
}

// Tree stores nodes in a flat slice: tips are 0..N-1, internal nodes
// N..2N-2.
type Tree struct {
	id    string
	bus   *model.Bus
	nodes []Node
	root  int
	nTips int

	// copy-on-first-write backup since the last StoreState
	backup      []Node
	touched     []bool
	touchedList []int
	storedRoot  int

	order       []int
	storedOrder []int
	orderSaved  bool
}

func newTree(nodes []Node, root, nTips int) *Tree {
	return &Tree{
		id:         "tree",
		nodes:      nodes,
		root:       root,
		nTips:      nTips,
		backup:     make([]Node, len(nodes)),
		touched:    make([]bool, len(nodes)),
		storedRoot: root,
	}
}

// Copy creates an independent copy of the tree which is not
// connected to any bus.
func (t *Tree) Copy() *Tree {
	nt := newTree(append([]Node(nil), t.nodes...), t.root, t.nTips)
	nt.id = t.id
	return nt
}

// SetID changes the model id. It has to be called before the tree
// is added to a bus.
func (t *Tree) SetID(id string) {
	t.id = id
}

// ID returns the model id.
func (t *Tree) ID() string {
	return t.id
}

// SetBus is called by the bus on registration.
func (t *Tree) SetBus(b *model.Bus) {
	t.bus = b
}

// HandleParameterChanged does nothing, tree does not depend on
// parameters.
func (t *Tree) HandleParameterChanged(model.ParameterChanged) {
}

// HandleModelChanged does nothing.
func (t *Tree) HandleModelChanged(model.ModelChanged) {
}

// NodeCount returns the total number of nodes.
func (t *Tree) NodeCount() int {
	return len(t.nodes)
}

// TipCount returns the number of tips.
func (t *Tree) TipCount() int {
	return t.nTips
}

// Root returns the root index.
func (t *Tree) Root() int {
	return t.root
}

// Node returns a copy of the node record.
func (t *Tree) Node(i int) Node {
	return t.nodes[i]
}

// Name returns node name (empty for internal nodes).
func (t *Tree) Name(i int) string {
	return t.nodes[i].Name
}

// Parent returns parent index or -1.
func (t *Tree) Parent(i int) int {
	return t.nodes[i].Parent
}

// Child returns the k-th child (k is 0 or 1) or -1.
func (t *Tree) Child(i, k int) int {
	return t.nodes[i].Children[k]
}

// Sibling returns the other child of the parent or -1 for the root.
func (t *Tree) Sibling(i int) int {
	p := t.nodes[i].Parent
	if p < 0 {
		return -1
	}
	if t.nodes[p].Children[0] == i {
		return t.nodes[p].Children[1]
	}
	return t.nodes[p].Children[0]
}

// Height returns node height.
func (t *Tree) Height(i int) float64 {
	return t.nodes[i].Height
}

// RootHeight returns height of the root.
func (t *Tree) RootHeight() float64 {
	return t.nodes[t.root].Height
}

// BranchLength returns the length of the branch above the node (0 for
// the root).
func (t *Tree) BranchLength(i int) float64 {
	p := t.nodes[i].Parent
	if p < 0 {
		return 0
	}
	return t.nodes[p].Height - t.nodes[i].Height
}

// TotalLength returns the sum of branch lengths.
func (t *Tree) TotalLength() (l float64) {
	for i := range t.nodes {
		l += t.BranchLength(i)
	}
	return
}

// IsTip tests if node is a tip.
func (t *Tree) IsTip(i int) bool {
	return t.nodes[i].Children[0] < 0
}

// IsRoot tests if node is the root.
func (t *Tree) IsRoot(i int) bool {
	return t.nodes[i].Parent < 0
}

// TipIndex returns tip index by name or -1.
func (t *Tree) TipIndex(name string) int {
	for i := 0; i < t.nTips; i++ {
		if t.nodes[i].Name == name {
			return i
		}
	}
	return -1
}

// IsAncestor tests if a is an ancestor of b (or a == b).
func (t *Tree) IsAncestor(a, b int) bool {
	for n := b; n >= 0; n = t.nodes[n].Parent {
		if n == a {
			return true
		}
	}
	return false
}

// PostOrder returns node indices with children before parents. The
// slice is cached and must not be modified.
func (t *Tree) PostOrder() []int {
	if t.order == nil {
		order := make([]int, 0, len(t.nodes))
		stack := []int{t.root}
		// reverse of (node, right, left) pre-order is a post-order
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			order = append(order, n)
			if !t.IsTip(n) {
				stack = append(stack, t.nodes[n].Children[0], t.nodes[n].Children[1])
			}
		}
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
		t.order = order
	}
	return t.order
}

// Validate checks that the tree is a valid rooted binary tree with
// strictly decreasing heights from root to tips.
func (t *Tree) Validate() error {
	n := len(t.nodes)
	if n != 2*t.nTips-1 {
		return fmt.Errorf("%w: %d nodes for %d tips", ErrMalformedTree, n, t.nTips)
	}
	for i, node := range t.nodes {
		if node.Id != i {
			return fmt.Errorf("%w: node %d has id %d", ErrMalformedTree, i, node.Id)
		}
		if math.IsNaN(node.Height) || math.IsInf(node.Height, 0) {
			return fmt.Errorf("%w: node %d has height %v", ErrMalformedTree, i, node.Height)
		}
		isTip := i < t.nTips
		for _, c := range node.Children {
			if isTip != (c < 0) {
				return fmt.Errorf("%w: node %d has wrong number of children", ErrMalformedTree, i)
			}
			if c < 0 {
				continue
			}
			if c >= n || t.nodes[c].Parent != i {
				return fmt.Errorf("%w: broken link %d -> %d", ErrMalformedTree, i, c)
			}
			if t.nodes[c].Height >= node.Height {
				return fmt.Errorf("%w: child %d is not below node %d", ErrMalformedTree, c, i)
			}
		}
		if !isTip && node.Children[0] == node.Children[1] {
			return fmt.Errorf("%w: node %d has duplicate children", ErrMalformedTree, i)
		}
		if node.Parent < 0 && i != t.root {
			return fmt.Errorf("%w: orphan node %d", ErrMalformedTree, i)
		}
		if node.Parent >= n {
			return fmt.Errorf("%w: node %d has invalid parent", ErrMalformedTree, i)
		}
		if node.Parent >= 0 {
			p := t.nodes[node.Parent]
			if p.Children[0] != i && p.Children[1] != i {
				return fmt.Errorf("%w: node %d is not a child of its parent", ErrMalformedTree, i)
			}
		}
		// every path up has to end at the root
		steps := 0
		for j := i; j != t.root; j = t.nodes[j].Parent {
			if j < 0 || steps > n {
				return fmt.Errorf("%w: node %d does not reach the root", ErrMalformedTree, i)
			}
			steps++
		}
	}
	if t.nodes[t.root].Parent >= 0 {
		return fmt.Errorf("%w: root has a parent", ErrMalformedTree)
	}
	return nil
}

// backupNode saves a node record on the first write since
// StoreState.
func (t *Tree) backupNode(i int) {
	if !t.touched[i] {
		t.touched[i] = true
		t.backup[i] = t.nodes[i]
		t.touchedList = append(t.touchedList, i)
	}
}

func (t *Tree) clearTouched() {
	for _, i := range t.touchedList {
		t.touched[i] = false
	}
	t.touchedList = t.touchedList[:0]
	t.storedRoot = t.root
	t.orderSaved = false
}

// StoreState starts a new transaction.
func (t *Tree) StoreState() {
	t.clearTouched()
}

// RestoreState restores all the records touched since StoreState.
func (t *Tree) RestoreState() {
	for _, i := range t.touchedList {
		t.nodes[i] = t.backup[i]
	}
	t.root = t.storedRoot
	if t.orderSaved {
		t.order = t.storedOrder
	}
	t.clearTouched()
}

// AcceptState drops the backup.
func (t *Tree) AcceptState() {
	t.clearTouched()
}

// Records returns a copy of all node records.
func (t *Tree) Records() []Node {
	return append([]Node(nil), t.nodes...)
}

// SetRecords replaces all node records keeping the indices as they
// are. Tip names must match if they are given.
func (t *Tree) SetRecords(records []Node) error {
	if len(records) != len(t.nodes) {
		return fmt.Errorf("%w: %d records for %d nodes", ErrMalformedTree, len(records), len(t.nodes))
	}
	nodes := make([]Node, len(records))
	root := -1
	for i, node := range records {
		if i < t.nTips && node.Name != "" && node.Name != t.nodes[i].Name {
			return fmt.Errorf("%w: tip %d is %s, not %s", ErrMalformedTree, i, node.Name, t.nodes[i].Name)
		}
		node.Name = t.nodes[i].Name
		node.Id = i
		if node.Parent < 0 {
			if root >= 0 {
				return fmt.Errorf("%w: nodes %d and %d have no parent", ErrMalformedTree, root, i)
			}
			root = i
		}
		nodes[i] = node
	}
	if root < 0 {
		return fmt.Errorf("%w: no root", ErrMalformedTree)
	}
	if err := newTree(nodes, root, t.nTips).Validate(); err != nil {
		return err
	}
	for i := range nodes {
		t.backupNode(i)
		t.nodes[i] = nodes[i]
	}
	t.root = root
	t.invalidateOrder()
	t.fire(model.TopologyChanged, -1)
	return nil
}

// cladeKeys returns a key of the tip set below every internal
// node. Tip indices are translated with tipMap unless it is nil.
func (t *Tree) cladeKeys(tipMap []int) map[int]string {
	words := (t.nTips + 63) / 64
	sets := make([][]uint64, len(t.nodes))
	keys := make(map[int]string, len(t.nodes)-t.nTips)
	for _, i := range t.PostOrder() {
		set := make([]uint64, words)
		if t.IsTip(i) {
			j := i
			if tipMap != nil {
				j = tipMap[i]
			}
			set[j/64] |= 1 << (j % 64)
		} else {
			for _, c := range t.nodes[i].Children {
				for w := range set {
					set[w] |= sets[c][w]
				}
			}
			keys[i] = fmt.Sprint(set)
		}
		sets[i] = set
	}
	return keys
}

// Adopt copies topology and heights from another tree with the same
// tip names. An internal node keeps its index if the same clade is
// present in both trees; other internal nodes take the remaining
// indices in increasing order.
func (t *Tree) Adopt(other *Tree) error {
	if other.nTips != t.nTips {
		return fmt.Errorf("%w: trees have %d and %d tips", ErrMalformedTree, t.nTips, other.nTips)
	}
	idx := make([]int, len(other.nodes))
	used := make([]bool, len(t.nodes))
	for i := 0; i < other.nTips; i++ {
		j := t.TipIndex(other.nodes[i].Name)
		if j < 0 {
			return fmt.Errorf("%w: unknown tip %s", ErrMalformedTree, other.nodes[i].Name)
		}
		idx[i] = j
	}

	live := make(map[string]int)
	for i, k := range t.cladeKeys(nil) {
		live[k] = i
	}
	var pending []int
	for i, k := range other.cladeKeys(idx[:other.nTips]) {
		if j, ok := live[k]; ok {
			idx[i] = j
			used[j] = true
		} else {
			pending = append(pending, i)
		}
	}
	sort.Ints(pending)
	free := t.nTips
	for _, i := range pending {
		for used[free] {
			free++
		}
		idx[i] = free
		used[free] = true
	}

	mapID := func(i int) int {
		if i < 0 {
			return i
		}
		return idx[i]
	}
	records := make([]Node, len(t.nodes))
	for i, node := range other.nodes {
		j := idx[i]
		records[j] = Node{
			Height:   node.Height,
			Parent:   mapID(node.Parent),
			Children: [2]int{mapID(node.Children[0]), mapID(node.Children[1])},
		}
	}
	if err := t.SetRecords(records); err != nil {
		return err
	}
	log.Debugf("adopted tree %s", t)
	return nil
}

func (t *Tree) invalidateOrder() {
	if !t.orderSaved {
		t.storedOrder = t.order
		t.orderSaved = true
	}
	t.order = nil
}

func (t *Tree) fire(kind model.ChangeKind, i int) {
	if t.bus != nil {
		t.bus.PublishModel(model.ModelChanged{ID: t.id, Kind: kind, Index: i})
	}
}
