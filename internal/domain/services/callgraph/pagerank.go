package callgraph

import (
	"errors"
	"math"
)

// PageRank defaults
const (
	DefaultDamping   = 0.85
	DefaultMaxIter   = 100
	DefaultTolerance = 1e-6
)

// ErrNoConvergence is returned when power iteration does not converge
var ErrNoConvergence = errors.New("pagerank did not converge")

// PageRank runs weighted power iteration on the undirected projection.
// Each node spreads its rank over its neighbors in proportion to edge weight;
// nodes without neighbors spread uniformly. Iteration stops when the L1 change
// drops below n*tol, and fails with ErrNoConvergence after maxIter rounds.
func (g *Graph) PageRank(damping float64, maxIter int, tol float64) ([]float64, error) {
	n := g.NodeCount()
	if n == 0 {
		return nil, nil
	}
	u := g.undirected()

	outSum := make([]float64, n)
	for i, arcs := range u.adj {
		for _, a := range arcs {
			outSum[i] += float64(a.weight)
		}
	}

	uniform := 1.0 / float64(n)
	x := make([]float64, n)
	for i := range x {
		x[i] = uniform
	}
	next := make([]float64, n)

	for iter := 0; iter < maxIter; iter++ {
		var dangling float64
		for i := range x {
			if outSum[i] == 0 {
				dangling += x[i]
			}
		}
		dangling *= damping

		for i := range next {
			next[i] = 0
		}
		for i, arcs := range u.adj {
			if outSum[i] == 0 {
				continue
			}
			share := damping * x[i] / outSum[i]
			for _, a := range arcs {
				next[a.to] += share * float64(a.weight)
			}
		}
		var errSum float64
		for i := range next {
			next[i] += dangling*uniform + (1-damping)*uniform
			if math.IsNaN(next[i]) || math.IsInf(next[i], 0) {
				return nil, errors.New("pagerank produced a non-finite value")
			}
			errSum += math.Abs(next[i] - x[i])
		}
		x, next = next, x
		if errSum < float64(n)*tol {
			return x, nil
		}
	}
	return nil, ErrNoConvergence
}
