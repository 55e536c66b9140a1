package routing

import (
	"sort"
	"strings"
	"sync"

	"github.com/netsys-lab/ilp-connector/ilp"
)

// Table is a longest-prefix-match trie over dot-separated address
// segments. It is read-mostly: resolution takes a shared lock, writes
// an exclusive one.
type Table struct {
	mu   sync.RWMutex
	root *tableNode
}

type tableNode struct {
	children map[string]*tableNode
	route    *Route
}

func newTableNode() *tableNode {
	return &tableNode{children: make(map[string]*tableNode)}
}

func NewTable() *Table {
	return &Table{root: newTableNode()}
}

func splitPrefix(prefix string) []string {
	if prefix == "" {
		return nil
	}
	return strings.Split(prefix, ".")
}

// Insert sets the route at exactly this prefix, replacing any previous
// one. The empty prefix installs the default route.
func (t *Table) Insert(prefix string, route Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.root
	for _, seg := range splitPrefix(prefix) {
		child, ok := node.children[seg]
		if !ok {
			child = newTableNode()
			node.children[seg] = child
		}
		node = child
	}
	route.Prefix = prefix
	node.route = &route
}

// Delete removes the route at exactly this prefix, if any.
func (t *Table) Delete(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := splitPrefix(prefix)
	nodes := make([]*tableNode, 0, len(segs)+1)
	node := t.root
	nodes = append(nodes, node)
	for _, seg := range segs {
		child, ok := node.children[seg]
		if !ok {
			return
		}
		node = child
		nodes = append(nodes, node)
	}
	node.route = nil
	// prune empty branches
	for i := len(nodes) - 1; i > 0; i-- {
		if nodes[i].route != nil || len(nodes[i].children) > 0 {
			break
		}
		delete(nodes[i-1].children, segs[i-1])
	}
}

// Resolve returns the route at the longest dot-aligned prefix of addr.
func (t *Table) Resolve(addr ilp.Address) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node := t.root
	best := node.route
	for _, seg := range addr.Segments() {
		child, ok := node.children[seg]
		if !ok {
			break
		}
		node = child
		if node.route != nil {
			best = node.route
		}
	}
	if best == nil {
		return Route{}, false
	}
	return *best, true
}

// AllPrefixes returns every installed prefix in sorted order.
func (t *Table) AllPrefixes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	prefixes := make([]string, 0)
	var walk func(n *tableNode)
	walk = func(n *tableNode) {
		if n.route != nil {
			prefixes = append(prefixes, n.route.Prefix)
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)
	sort.Strings(prefixes)
	return prefixes
}
