package callgraph

import (
	"fmt"

	"apkscore-lab/internal/domain/models"
)

// Defaults applied by DefaultOptions
const (
	DefaultMinWeight = 2
	DefaultFanOutCap = 50
)

// DefaultStopClasses are runtime types that carry no behavioral signal.
var DefaultStopClasses = []string{
	"Ljava/lang/Object;",
	"Ljava/lang/String;",
	"Ljava/lang/StringBuilder;",
	"Ljava/lang/Integer;",
	"Ljava/lang/Long;",
	"Ljava/lang/Boolean;",
	"Ljava/lang/Class;",
	"Ljava/lang/Thread;",
	"Ljava/lang/Exception;",
	"Landroid/view/View;",
	"Landroid/app/Activity;",
	"Landroid/content/Context;",
}

// Options control graph construction
type Options struct {
	MinWeight    int
	FanOutCap    int
	DropIsolated bool
	StopClasses  []string
	// MaxNodes and MaxEdges reject oversized graphs before metrics run. 0 disables.
	MaxNodes int
	MaxEdges int
}

// Default size ceiling. Betweenness is O(N·E log N); graphs past this are
// rejected instead of computed.
const (
	DefaultMaxNodes = 10000
	DefaultMaxEdges = 100000
)

// DefaultOptions returns the construction defaults
func DefaultOptions() Options {
	return Options{
		MinWeight:    DefaultMinWeight,
		FanOutCap:    DefaultFanOutCap,
		DropIsolated: true,
		StopClasses:  DefaultStopClasses,
		MaxNodes:     DefaultMaxNodes,
		MaxEdges:     DefaultMaxEdges,
	}
}

// Builder turns raw call edges into a pruned behavioral graph
type Builder struct {
	opts Options
	stop map[string]struct{}
}

// NewBuilder creates a Builder. Non-positive MinWeight/FanOutCap fall back to
// the defaults.
func NewBuilder(opts Options) *Builder {
	if opts.MinWeight <= 0 {
		opts.MinWeight = DefaultMinWeight
	}
	if opts.FanOutCap <= 0 {
		opts.FanOutCap = DefaultFanOutCap
	}
	stop := make(map[string]struct{}, len(opts.StopClasses))
	for _, c := range opts.StopClasses {
		stop[c] = struct{}{}
	}
	return &Builder{opts: opts, stop: stop}
}

// Options returns the effective options
func (b *Builder) Options() Options {
	return b.opts
}

// Build aggregates edges into a graph. Edges are consumed in input order; the
// first FanOutCap raw edges of every caller (method when known, class
// otherwise) are considered and the rest ignored. Self-loops and edges
// touching a stop class are discarded but still consume their caller's
// budget. When no edge survives the result is the empty graph.
func (b *Builder) Build(edges []models.CallEdge) (*Graph, error) {
	seen := make(map[string]int)
	table := make(map[[2]int]int)
	names := make([]string, 0)
	idx := make(map[string]int)

	intern := func(n string) int {
		if i, ok := idx[n]; ok {
			return i
		}
		idx[n] = len(names)
		names = append(names, n)
		return idx[n]
	}

	for _, e := range edges {
		key := e.CallerClass
		if e.CallerMethod != "" {
			key = e.CallerClass + "->" + e.CallerMethod
		}
		if seen[key] >= b.opts.FanOutCap {
			continue
		}
		seen[key]++

		if e.CallerClass == e.CalleeClass {
			continue
		}
		if b.isStop(e.CallerClass) || b.isStop(e.CalleeClass) {
			continue
		}
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		s, d := intern(e.CallerClass), intern(e.CalleeClass)
		table[[2]int{s, d}] += w
	}

	for k, w := range table {
		if w < b.opts.MinWeight {
			delete(table, k)
		}
	}
	if len(table) == 0 {
		return Empty(), nil
	}

	if b.opts.DropIsolated {
		names, table = dropIsolated(names, table)
	}

	if b.opts.MaxEdges > 0 && len(table) > b.opts.MaxEdges {
		return nil, fmt.Errorf("%w: %d edges (limit %d)", models.ErrGraphTooLarge, len(table), b.opts.MaxEdges)
	}
	if b.opts.MaxNodes > 0 && len(names) > b.opts.MaxNodes {
		return nil, fmt.Errorf("%w: %d nodes (limit %d)", models.ErrGraphTooLarge, len(names), b.opts.MaxNodes)
	}

	return newGraph(names, table), nil
}

func (b *Builder) isStop(class string) bool {
	_, ok := b.stop[class]
	return ok
}

// dropIsolated removes nodes that have no surviving edge and re-indexes the
// remaining ones, preserving first-seen order.
func dropIsolated(names []string, table map[[2]int]int) ([]string, map[[2]int]int) {
	used := make([]bool, len(names))
	for k := range table {
		used[k[0]] = true
		used[k[1]] = true
	}
	remap := make([]int, len(names))
	kept := make([]string, 0, len(names))
	for i, n := range names {
		if !used[i] {
			remap[i] = -1
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, n)
	}
	if len(kept) == len(names) {
		return names, table
	}
	out := make(map[[2]int]int, len(table))
	for k, w := range table {
		out[[2]int{remap[k[0]], remap[k[1]]}] = w
	}
	return kept, out
}

// Build is a convenience wrapper around NewBuilder(opts).Build(edges).
func Build(edges []models.CallEdge, opts Options) (*Graph, error) {
	return NewBuilder(opts).Build(edges)
}
