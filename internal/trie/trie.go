// Package trie implements a string-segment prefix tree used for
// longest-prefix-match route lookups.
package trie

import "github.com/chp-go/chp/internal/pathutil"

// Node is one node of the trie. Children are owned by key, not linked by
// weak parent pointers, since remove() is driven top-down with post-order
// pruning on the return path (no upward walk is ever needed).
type Node struct {
	prefix   string
	branches map[string]*Node
	data     any
	hasData  bool
}

// New returns an empty root node.
func New() *Node {
	return &Node{prefix: "/", branches: make(map[string]*Node)}
}

// Prefix returns the canonical path this node was registered at.
func (n *Node) Prefix() string { return n.prefix }

// Data returns the data stored at this node and whether it has any.
func (n *Node) Data() (any, bool) { return n.data, n.hasData }

// Size reports the number of direct branches.
func (n *Node) Size() int { return len(n.branches) }

// Add walks/creates nodes along path's segments and assigns data at the
// terminal node, silently overwriting any previous data.
func (n *Node) Add(path string, data any) {
	n.add(pathutil.Segments(pathutil.Canonical(path)), data)
}

func (n *Node) add(segments []string, data any) {
	if len(segments) == 0 {
		n.data = data
		n.hasData = true
		return
	}
	seg := segments[0]
	child, ok := n.branches[seg]
	if !ok {
		// join with "/", handling that only the root prefix already ends in "/"
		parent := n.prefix
		if parent != "/" {
			parent += "/"
		}
		child = &Node{prefix: parent + seg, branches: make(map[string]*Node)}
		n.branches[seg] = child
	}
	child.add(segments[1:], data)
}

// Remove clears the data at path, if any, then prunes any now-empty
// interior node on the way back up. The root is never pruned. Missing
// paths are no-ops.
func (n *Node) Remove(path string) {
	n.remove(pathutil.Segments(pathutil.Canonical(path)))
}

// remove clears the data at the node named by segments and, on the way
// back up, deletes any child left with no data and no branches.
func (n *Node) remove(segments []string) {
	if len(segments) == 0 {
		n.data = nil
		n.hasData = false
		return
	}
	seg := segments[0]
	child, ok := n.branches[seg]
	if !ok {
		return
	}
	child.remove(segments[1:])
	if !child.hasData && child.Size() == 0 {
		delete(n.branches, seg)
	}
}

// Get performs longest-prefix-match: it returns the deepest ancestor
// (including this node) that carries data, or nil if none matches.
func (n *Node) Get(path string) *Node {
	return n.get(pathutil.Segments(pathutil.Canonical(path)))
}

func (n *Node) get(segments []string) *Node {
	var me *Node
	if n.hasData {
		me = n
	}
	if len(segments) == 0 {
		return me
	}
	seg := segments[0]
	child, ok := n.branches[seg]
	if !ok {
		return me
	}
	if node := child.get(segments[1:]); node != nil {
		return node
	}
	return me
}
