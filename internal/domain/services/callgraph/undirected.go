package callgraph

import "math"

// undirected is the symmetric projection of a Graph: an edge u-v exists when
// either direction exists, weighted by the larger of the two directions.
type undirected struct {
	adj       [][]arc
	maxWeight int
}

func (g *Graph) undirected() *undirected {
	n := g.NodeCount()
	u := &undirected{adj: make([][]arc, n)}
	for s := 0; s < n; s++ {
		merged := make(map[int]int, len(g.out[s])+len(g.in[s]))
		for _, a := range g.out[s] {
			merged[a.to] = a.weight
		}
		for _, a := range g.in[s] {
			if a.weight > merged[a.to] {
				merged[a.to] = a.weight
			}
		}
		for to, w := range merged {
			if to == s {
				continue
			}
			u.adj[s] = append(u.adj[s], arc{to: to, weight: w})
			if w > u.maxWeight {
				u.maxWeight = w
			}
		}
		sortArcs(u.adj[s])
	}
	return u
}

func (u *undirected) weight(a, b int) (int, bool) {
	arcs := u.adj[a]
	lo, hi := 0, len(arcs)
	for lo < hi {
		mid := (lo + hi) / 2
		if arcs[mid].to < b {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(arcs) && arcs[lo].to == b {
		return arcs[lo].weight, true
	}
	return 0, false
}

// Clustering returns the weighted local clustering coefficient of every node
// on the undirected projection. Weights are normalized by the largest weight
// and each triangle contributes the geometric mean of its three edges.
// Nodes with degree below 2 get 0.
func (g *Graph) Clustering() []float64 {
	n := g.NodeCount()
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	u := g.undirected()
	if u.maxWeight == 0 {
		return out
	}
	maxW := float64(u.maxWeight)

	for i := 0; i < n; i++ {
		nbrs := u.adj[i]
		d := len(nbrs)
		if d < 2 {
			continue
		}
		var triangles float64
		for a := 0; a < d; a++ {
			j := nbrs[a]
			for b := a + 1; b < d; b++ {
				k := nbrs[b]
				wjk, ok := u.weight(j.to, k.to)
				if !ok {
					continue
				}
				triangles += math.Cbrt(float64(j.weight) / maxW * float64(k.weight) / maxW * float64(wjk) / maxW)
			}
		}
		if triangles == 0 {
			continue
		}
		out[i] = 2 * triangles / float64(d*(d-1))
	}
	return out
}
