// Package grid places large-coordinate objects relative to per-zone cell
// origins so their positions fit 16-bit fixed-point broadcasts.
package grid

import "fmt"

// Node is a translation-only scene graph node
type Node struct {
	name     string
	parent   *Node
	children []*Node
	pos      Vector3
	removed  bool
}

// NewNode creates a detached node
func NewNode(name string) *Node {
	return &Node{name: name}
}

func (n *Node) String() string {
	return fmt.Sprintf("Node<%s>", n.name)
}

// Name returns the node name
func (n *Node) Name() string { return n.name }

// Parent returns the parent node or nil
func (n *Node) Parent() *Node { return n.parent }

// Children returns the child nodes
func (n *Node) Children() []*Node { return n.children }

// IsRemoved returns whether RemoveNode was called
func (n *Node) IsRemoved() bool { return n.removed }

// Pos returns the position relative to the parent
func (n *Node) Pos() Vector3 { return n.pos }

// SetPos sets the position relative to the parent
func (n *Node) SetPos(pos Vector3) { n.pos = pos }

// WorldPos returns the position relative to the root of the graph
func (n *Node) WorldPos() Vector3 {
	pos := n.pos
	for p := n.parent; p != nil; p = p.parent {
		pos = pos.Add(p.pos)
	}
	return pos
}

// RelativePos returns the position of n as seen from other
func (n *Node) RelativePos(other *Node) Vector3 {
	if other == nil {
		return n.WorldPos()
	}
	return n.WorldPos().Sub(other.WorldPos())
}

// IsAncestorOf reports whether n is other or one of its ancestors
func (n *Node) IsAncestorOf(other *Node) bool {
	for p := other; p != nil; p = p.parent {
		if p == n {
			return true
		}
	}
	return false
}

// ReparentTo moves n under parent keeping its local position
func (n *Node) ReparentTo(parent *Node) {
	if parent != nil && n.IsAncestorOf(parent) {
		panic(fmt.Errorf("%s: cannot reparent under its own descendant %s", n, parent))
	}
	n.detach()
	if parent != nil {
		parent.children = append(parent.children, n)
	}
	n.parent = parent
}

// WrtReparentTo moves n under parent keeping its world position
func (n *Node) WrtReparentTo(parent *Node) {
	world := n.WorldPos()
	n.ReparentTo(parent)
	if parent != nil {
		n.pos = world.Sub(parent.WorldPos())
	} else {
		n.pos = world
	}
}

// DetachNode removes n from its parent
func (n *Node) DetachNode() {
	n.detach()
	n.parent = nil
}

// RemoveNode detaches n and all of its children
func (n *Node) RemoveNode() {
	for _, c := range append([]*Node(nil), n.children...) {
		c.RemoveNode()
	}
	n.DetachNode()
	n.removed = true
}

func (n *Node) detach() {
	p := n.parent
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == n {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
}
