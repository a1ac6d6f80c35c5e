// Package callgraph builds the pruned, weighted class-level call graph of an
// application package and computes structural metrics over it.
//
// Nodes are interned to dense indices; adjacency is stored as sorted slices
// of (neighbor, weight) so every algorithm iterates in a stable order.
package callgraph

import "sort"

// Edge is a directed, weighted edge between two class identifiers
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Weight int    `json:"weight"`
}

type arc struct {
	to     int
	weight int
}

// Graph is an immutable directed weighted graph. The zero value is the empty graph.
type Graph struct {
	names []string
	index map[string]int
	out   [][]arc
	in    [][]arc
	edges int
}

// Empty returns the graph with no nodes and no edges.
func Empty() *Graph {
	return &Graph{index: map[string]int{}}
}

// newGraph assembles a Graph from node names and an edge table keyed by
// indices into names. Nodes are re-indexed in lexical order so that the
// result does not depend on the order edges were observed in.
func newGraph(names []string, edges map[[2]int]int) *Graph {
	names, edges = canonical(names, edges)
	g := &Graph{
		names: names,
		index: make(map[string]int, len(names)),
		out:   make([][]arc, len(names)),
		in:    make([][]arc, len(names)),
		edges: len(edges),
	}
	for i, n := range names {
		g.index[n] = i
	}
	for k, w := range edges {
		g.out[k[0]] = append(g.out[k[0]], arc{to: k[1], weight: w})
		g.in[k[1]] = append(g.in[k[1]], arc{to: k[0], weight: w})
	}
	for i := range names {
		sortArcs(g.out[i])
		sortArcs(g.in[i])
	}
	return g
}

func canonical(names []string, edges map[[2]int]int) ([]string, map[[2]int]int) {
	order := make([]int, len(names))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return names[order[a]] < names[order[b]] })

	remap := make([]int, len(names))
	sorted := make([]string, len(names))
	for newIdx, oldIdx := range order {
		remap[oldIdx] = newIdx
		sorted[newIdx] = names[oldIdx]
	}
	out := make(map[[2]int]int, len(edges))
	for k, w := range edges {
		out[[2]int{remap[k[0]], remap[k[1]]}] = w
	}
	return sorted, out
}

func sortArcs(a []arc) {
	sort.Slice(a, func(i, j int) bool { return a[i].to < a[j].to })
}

// NodeCount returns N
func (g *Graph) NodeCount() int {
	if g == nil {
		return 0
	}
	return len(g.names)
}

// EdgeCount returns E
func (g *Graph) EdgeCount() int {
	if g == nil {
		return 0
	}
	return g.edges
}

// IsEmpty reports whether the graph has no nodes.
func (g *Graph) IsEmpty() bool {
	return g.NodeCount() == 0
}

// Nodes returns a copy of the node identifiers in lexical order
func (g *Graph) Nodes() []string {
	if g == nil {
		return nil
	}
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// HasNode reports whether id is a node of the graph
func (g *Graph) HasNode(id string) bool {
	if g == nil {
		return false
	}
	_, ok := g.index[id]
	return ok
}

// Weight returns the weight of src->dst and whether the edge exists
func (g *Graph) Weight(src, dst string) (int, bool) {
	if g == nil {
		return 0, false
	}
	s, ok := g.index[src]
	if !ok {
		return 0, false
	}
	d, ok := g.index[dst]
	if !ok {
		return 0, false
	}
	arcs := g.out[s]
	i := sort.Search(len(arcs), func(i int) bool { return arcs[i].to >= d })
	if i < len(arcs) && arcs[i].to == d {
		return arcs[i].weight, true
	}
	return 0, false
}

// Edges returns every edge ordered by (source index, target index)
func (g *Graph) Edges() []Edge {
	if g == nil {
		return nil
	}
	out := make([]Edge, 0, g.edges)
	for s, arcs := range g.out {
		for _, a := range arcs {
			out = append(out, Edge{Source: g.names[s], Target: g.names[a.to], Weight: a.weight})
		}
	}
	return out
}

// OutDegree returns the number of distinct successors of id
func (g *Graph) OutDegree(id string) int {
	if i, ok := g.lookup(id); ok {
		return len(g.out[i])
	}
	return 0
}

// InDegree returns the number of distinct predecessors of id
func (g *Graph) InDegree(id string) int {
	if i, ok := g.lookup(id); ok {
		return len(g.in[i])
	}
	return 0
}

// MaxOutDegree returns the largest out-degree, 0 for the empty graph
func (g *Graph) MaxOutDegree() int {
	if g == nil {
		return 0
	}
	max := 0
	for _, arcs := range g.out {
		if len(arcs) > max {
			max = len(arcs)
		}
	}
	return max
}

func (g *Graph) lookup(id string) (int, bool) {
	if g == nil {
		return 0, false
	}
	i, ok := g.index[id]
	return i, ok
}

// FromEdges reconstructs a graph from an explicit node list and edge list, as
// read back from a persisted representation. Nodes referenced only by edges
// are added as needed.
func FromEdges(nodes []string, edges []Edge) *Graph {
	names := make([]string, 0, len(nodes))
	idx := make(map[string]int, len(nodes))
	add := func(n string) int {
		if i, ok := idx[n]; ok {
			return i
		}
		idx[n] = len(names)
		names = append(names, n)
		return idx[n]
	}
	for _, n := range nodes {
		add(n)
	}
	table := make(map[[2]int]int, len(edges))
	for _, e := range edges {
		s, d := add(e.Source), add(e.Target)
		table[[2]int{s, d}] += e.Weight
	}
	return newGraph(names, table)
}
