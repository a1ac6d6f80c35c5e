package callgraph

import (
	"container/heap"
	"context"
	"math"
)

// CostMode selects how an edge weight becomes a shortest-path cost
type CostMode string

const (
	// CostInverse treats heavy (frequent) call edges as short: cost = 1/weight.
	CostInverse CostMode = "inverse"
	// CostWeight treats the weight itself as the distance.
	CostWeight CostMode = "weight"
)

func (m CostMode) cost(weight int) float64 {
	if m == CostWeight {
		return float64(weight)
	}
	return 1.0 / float64(weight)
}

// Betweenness returns the normalized weighted betweenness centrality of every
// node (index order), computed with Brandes' algorithm over Dijkstra searches
// on the directed graph. Unreachable pairs contribute nothing. Values are
// scaled by 1/((N-1)(N-2)) when N > 2. ctx is checked before every source
// pass; a cancelled computation returns ctx.Err().
func (g *Graph) Betweenness(ctx context.Context, mode CostMode) ([]float64, error) {
	n := g.NodeCount()
	cb := make([]float64, n)
	if n == 0 {
		return cb, nil
	}

	for s := 0; s < n; s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g.brandesDijkstra(s, mode, cb)
	}

	if n > 2 {
		scale := 1.0 / float64((n-1)*(n-2))
		for i := range cb {
			cb[i] *= scale
		}
	}
	return cb, nil
}

// brandesDijkstra runs one single-source pass of Brandes' algorithm from s,
// accumulating dependencies into cb.
func (g *Graph) brandesDijkstra(s int, mode CostMode, cb []float64) {
	n := len(g.names)
	stack := make([]int, 0, n)
	pred := make([][]int, n)
	sigma := make([]float64, n)
	dist := make([]float64, n)
	settled := make([]bool, n)
	for i := range dist {
		dist[i] = math.Inf(1)
	}
	sigma[s] = 1
	dist[s] = 0

	pq := &distHeap{}
	heap.Push(pq, distItem{node: s, dist: 0})
	for pq.Len() > 0 {
		it := heap.Pop(pq).(distItem)
		v := it.node
		if settled[v] || it.dist > dist[v] {
			continue
		}
		settled[v] = true
		stack = append(stack, v)
		for _, a := range g.out[v] {
			w := a.to
			alt := dist[v] + mode.cost(a.weight)
			switch {
			case alt < dist[w]:
				dist[w] = alt
				sigma[w] = sigma[v]
				pred[w] = append(pred[w][:0], v)
				heap.Push(pq, distItem{node: w, dist: alt})
			case alt == dist[w]:
				sigma[w] += sigma[v]
				pred[w] = append(pred[w], v)
			}
		}
	}

	delta := make([]float64, n)
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, v := range pred[w] {
			delta[v] += (sigma[v] / sigma[w]) * (1 + delta[w])
		}
		if w != s {
			cb[w] += delta[w]
		}
	}
}

type distItem struct {
	node int
	dist float64
}

// distHeap is a min-heap on distance; ties break on node index so the
// settle order is deterministic.
type distHeap []distItem

func (h distHeap) Len() int { return len(h) }
func (h distHeap) Less(i, j int) bool {
	if h[i].dist == h[j].dist {
		return h[i].node < h[j].node
	}
	return h[i].dist < h[j].dist
}
func (h distHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x any)   { *h = append(*h, x.(distItem)) }
func (h *distHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}
