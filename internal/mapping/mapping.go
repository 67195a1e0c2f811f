// Package mapping implements the hostname-to-destination routing table used
// by the TLS proxy: a longest-suffix match over dot-separated labels, keyed
// on the reversed hostname so that shared suffixes share a trie path.
package mapping

import (
	"strings"
	"sync"
)

// Mode selects how the proxy engine handles a connection once it has been
// routed to a Mapping.
type Mode int

const (
	// ModeForward passes the raw TCP stream straight through to
	// DstAddress:DstPort without touching the TLS layer.
	ModeForward Mode = iota
	// ModeTerminate terminates TLS locally using the certificate resolver
	// before forwarding the decrypted stream.
	ModeTerminate
)

// Mapping routes a hostname (and any of its subdomains, unless shadowed by a
// more specific mapping) to a destination.
type Mapping struct {
	Name       string
	DstAddress string
	DstPort    uint16
	Mode       Mode
}

// node is one label of the reversed-hostname trie. A Mapping is attached at
// the node reached by walking all of its Name's labels in reversed order,
// i.e. the node for the leftmost (most specific) label of its Name.
type node struct {
	children map[string]*node
	mapping  *Mapping
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Table is a mutex-protected set of Mappings supporting longest-suffix
// lookup by hostname.
type Table struct {
	mu   sync.Mutex
	root *node
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{root: newNode()}
}

// reverse splits name on '.' and reverses the label order, so that
// "bar.foo.example.com" becomes ["com", "example", "foo", "bar"]. Walking
// the trie in this order means a lookup naturally descends from TLD toward
// subdomain, recording the deepest mapping seen as the longest-suffix match.
func reverse(name string) []string {
	labels := strings.Split(name, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return labels
}

// Add inserts or replaces the mapping for m.Name.
func (t *Table) Add(m Mapping) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, label := range reverse(m.Name) {
		child, ok := n.children[label]
		if !ok {
			child = newNode()
			n.children[label] = child
		}
		n = child
	}
	mCopy := m
	n.mapping = &mCopy
}

// Remove deletes the mapping for name, if any, and returns it.
func (t *Table) Remove(name string) *Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, label := range reverse(name) {
		child, ok := n.children[label]
		if !ok {
			return nil
		}
		n = child
	}
	m := n.mapping
	n.mapping = nil
	return m
}

// Get returns the mapping whose Name is the longest suffix of name (by
// dot-separated label, not raw string suffix), or nil if none matches.
//
// For example, given mappings for "foo.example.com" and
// "bar.foo.example.com", a lookup of "my.custom.bar.foo.example.com" yields
// the "bar.foo.example.com" mapping, since it is the more specific (longer)
// matching suffix.
func (t *Table) Get(name string) *Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	var best *Mapping
	for _, label := range reverse(name) {
		child, ok := n.children[label]
		if !ok {
			break
		}
		n = child
		if n.mapping != nil {
			best = n.mapping
		}
	}
	return best
}
