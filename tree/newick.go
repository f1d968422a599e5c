package tree

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode is a Newick parser state.
type Mode int

const (
	NORMAL Mode = iota
	LENGTH
	CLASS
)

// pnode is a node used only while parsing.
type pnode struct {
	name       string
	length     float64
	parent     *pnode
	childNodes []*pnode
}

func (node *pnode) addChild(sub *pnode) {
	sub.parent = node
	node.childNodes = append(node.childNodes, sub)
}

// IsSpecial returns true for Newick control characters.
func IsSpecial(c rune) bool {
	switch c {
	case '(', ')', ':', '#', ';', ',':
		return true
	}
	return false

}

// NewickSplit is a bufio.SplitFunc producing Newick tokens.
func NewickSplit(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	// Skip leading spaces; and return 1-char tokens.
	for width := 0; start < len(data); start += width {
		var r rune
		r, width = utf8.DecodeRune(data[start:])
		if IsSpecial(r) {
			return start + width, data[start : start+width], nil
		}
		if !unicode.IsSpace(r) {
			break
		}
	}
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// Scan until space or special character.
	for width, i := 0, start; i < len(data); i += width {
		var r rune
		r, width = utf8.DecodeRune(data[i:])
		if unicode.IsSpace(r) || IsSpecial(r) {
			return i, data[start:i], nil
		}
	}
	// If we're at EOF, we have a final, non-empty, non-terminated word. Return it.
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	// Request more data.
	return 0, nil, nil
}

// parse reads a Newick string into a linked tree.
func parse(rd io.Reader) (root *pnode, err error) {
	scanner := bufio.NewScanner(rd)
	scanner.Split(NewickSplit)

	node := &pnode{}
	root = node
	mode := NORMAL

	for scanner.Scan() {
		text := scanner.Text()
		switch text {
		case "(":
			subNode := &pnode{}
			node.addChild(subNode)
			node = subNode
		case ",":
			if node.parent == nil {
				return nil, errors.New("top level comma mismatch")
			}
			subNode := &pnode{}
			node.parent.addChild(subNode)
			node = subNode
		case ")":
			if node.parent == nil {
				return nil, errors.New("brackets mismatch")
			}
			node = node.parent
		case "#":
			mode = CLASS
		case ":":
			mode = LENGTH
		case ";":
			if node != root {
				return nil, errors.New("brackets mismatch")
			}
			return root, nil
		default:
			switch mode {
			case LENGTH:
				l, err := strconv.ParseFloat(text, 64)
				if err != nil {
					return nil, err
				}
				node.length = l
				mode = NORMAL
			case CLASS:
				// branch classes are accepted for compatibility
				if _, err := strconv.ParseInt(text, 0, 0); err != nil {
					return nil, err
				}
				mode = NORMAL
			default:
				node.name = text
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if node != root {
		return nil, errors.New("brackets mismatch")
	}
	return root, nil
}

// ParseNewick reads a rooted binary tree. Branch lengths are
// converted to node heights, the deepest tip gets height 0.
func ParseNewick(rd io.Reader) (*Tree, error) {
	proot, err := parse(rd)
	if err != nil {
		return nil, err
	}
	return fromLinked(proot)
}

// ParseNewickString reads a tree from a string.
func ParseNewickString(s string) (*Tree, error) {
	return ParseNewick(strings.NewReader(s))
}

// fromLinked converts a linked tree into the arena
// representation. Tips are numbered in the order of appearance,
// internal nodes in post-order.
func fromLinked(proot *pnode) (*Tree, error) {
	var tips, internal []*pnode
	depth := make(map[*pnode]float64)
	var walk func(n *pnode, d float64) error
	walk = func(n *pnode, d float64) error {
		depth[n] = d
		switch len(n.childNodes) {
		case 0:
			if n.name == "" {
				return fmt.Errorf("%w: unnamed tip", ErrMalformedTree)
			}
			tips = append(tips, n)
			return nil
		case 2:
		default:
			return fmt.Errorf("%w: node with %d children", ErrMalformedTree, len(n.childNodes))
		}
		for _, c := range n.childNodes {
			if err := walk(c, d+c.length); err != nil {
				return err
			}
		}
		internal = append(internal, n)
		return nil
	}
	if err := walk(proot, 0); err != nil {
		return nil, err
	}
	if len(tips) < 2 {
		return nil, fmt.Errorf("%w: less than two tips", ErrMalformedTree)
	}

	maxDepth := 0.0
	for _, n := range tips {
		if depth[n] > maxDepth {
			maxDepth = depth[n]
		}
	}

	ids := make(map[*pnode]int, len(tips)+len(internal))
	nodes := make([]Node, len(tips)+len(internal))
	names := make(map[string]bool, len(tips))
	for i, n := range tips {
		if names[n.name] {
			return nil, fmt.Errorf("%w: duplicate tip name %s", ErrMalformedTree, n.name)
		}
		names[n.name] = true
		ids[n] = i
	}
	for i, n := range internal {
		ids[n] = len(tips) + i
	}
	for n, id := range ids {
		h := maxDepth - depth[n]
		if h < heightEpsilon {
			h = 0
		}
		parent := -1
		if n.parent != nil {
			parent = ids[n.parent]
		}
		children := [2]int{-1, -1}
		for k, c := range n.childNodes {
			children[k] = ids[c]
		}
		nodes[id] = Node{Name: n.name, Id: id, Height: h, Parent: parent, Children: children}
	}

	t := newTree(nodes, ids[proot], len(tips))
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// String returns the tree in Newick format.
func (t *Tree) String() string {
	return t.Newick(6)
}

// Newick returns the tree in Newick format with branch lengths
// printed with the given precision (-1 for the exact value).
func (t *Tree) Newick(precision int) string {
	var sb strings.Builder
	t.writeNewick(&sb, t.root, precision)
	sb.WriteString(";")
	return sb.String()
}

func (t *Tree) writeNewick(sb *strings.Builder, i int, precision int) {
	node := &t.nodes[i]
	if !t.IsTip(i) {
		sb.WriteString("(")
		t.writeNewick(sb, node.Children[0], precision)
		sb.WriteString(",")
		t.writeNewick(sb, node.Children[1], precision)
		sb.WriteString(")")
	}
	sb.WriteString(node.Name)
	if node.Parent >= 0 {
		sb.WriteString(":")
		sb.WriteString(strconv.FormatFloat(t.BranchLength(i), 'f', precision, 64))
	}
}
