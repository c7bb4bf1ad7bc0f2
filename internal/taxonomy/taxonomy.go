// Package taxonomy provides the hierarchical reference vocabulary used
// for ancestor/descendant reasoning over product facts. A Taxonomy is
// immutable once built; refresh swaps a whole new instance.
package taxonomy

import (
	"github.com/rotisserie/eris"
)

// Node is one concept in the vocabulary. Nodes reference their parents
// by id; the parent graph is acyclic.
type Node struct {
	ID        string              `json:"id"`
	Names     map[string]string   `json:"name,omitempty"`
	Synonyms  map[string][]string `json:"synonyms,omitempty"`
	ParentIDs []string            `json:"parents,omitempty"`
}

// Taxonomy is an immutable DAG of nodes indexed by id.
type Taxonomy struct {
	nodes map[string]*Node
}

// New builds a Taxonomy from nodes, rejecting parent cycles.
func New(nodes []Node) (*Taxonomy, error) {
	t := &Taxonomy{nodes: make(map[string]*Node, len(nodes))}
	for i := range nodes {
		n := nodes[i]
		t.nodes[n.ID] = &n
	}
	if cycle := t.findCycle(); cycle != "" {
		return nil, eris.Errorf("taxonomy: parent cycle through %s", cycle)
	}
	return t, nil
}

// findCycle returns a node id on a parent cycle, or "" when acyclic.
func (t *Taxonomy) findCycle() string {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(t.nodes))

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		if n, ok := t.nodes[id]; ok {
			for _, p := range n.ParentIDs {
				if bad := visit(p); bad != "" {
					return bad
				}
			}
		}
		state[id] = done
		return ""
	}

	for id := range t.nodes {
		if bad := visit(id); bad != "" {
			return bad
		}
	}
	return ""
}

// Len returns the number of nodes.
func (t *Taxonomy) Len() int {
	return len(t.nodes)
}

// Resolve returns the node for id. Unknown ids are a normal absent
// result, never an error: callers skip hierarchy reasoning for them.
func (t *Taxonomy) Resolve(id string) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Ancestors returns every ancestor of id exactly once, breadth-first.
// The node itself is not included. Unknown ids yield nil.
func (t *Taxonomy) Ancestors(id string) []string {
	start, ok := t.nodes[id]
	if !ok {
		return nil
	}

	var out []string
	seen := map[string]bool{id: true}
	queue := append([]string(nil), start.ParentIDs...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		if n, ok := t.nodes[cur]; ok {
			queue = append(queue, n.ParentIDs...)
		}
	}
	return out
}

// IsAncestorOf reports whether id is a proper ancestor of descendant.
func (t *Taxonomy) IsAncestorOf(id, descendant string) bool {
	for _, a := range t.Ancestors(descendant) {
		if a == id {
			return true
		}
	}
	return false
}

// IsAncestorOfAny reports whether id is a proper ancestor of any of
// the candidate ids.
func (t *Taxonomy) IsAncestorOfAny(id string, candidates []string) bool {
	for _, c := range candidates {
		if t.IsAncestorOf(id, c) {
			return true
		}
	}
	return false
}

// DeepestNodes returns the subset of ids that are not an ancestor of
// another id in the same set. Incomparable nodes are both kept; the
// result is stable relative to the input order. Ids unknown to the
// taxonomy are kept as-is.
func (t *Taxonomy) DeepestNodes(ids []string) []string {
	var out []string
	for _, id := range ids {
		if !t.IsAncestorOfAny(id, ids) {
			out = append(out, id)
		}
	}
	return out
}

// LocalizedName returns the node's name in lang, falling back to any
// "en" name and finally to the id itself.
func (t *Taxonomy) LocalizedName(id, lang string) string {
	n, ok := t.nodes[id]
	if !ok {
		return id
	}
	if name, ok := n.Names[lang]; ok && name != "" {
		return name
	}
	if name, ok := n.Names["en"]; ok && name != "" {
		return name
	}
	return id
}
