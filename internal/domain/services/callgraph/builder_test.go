package callgraph_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services/callgraph"
)

func edge(caller, callee string) models.CallEdge {
	return models.CallEdge{CallerClass: caller, CalleeClass: callee}
}

func repeat(e models.CallEdge, n int) []models.CallEdge {
	out := make([]models.CallEdge, n)
	for i := range out {
		out[i] = e
	}
	return out
}

func TestBuild_DiscardsSelfLoopsAndStopClasses(t *testing.T) {
	var edges []models.CallEdge
	edges = append(edges, repeat(edge("LA;", "LA;"), 3)...)
	edges = append(edges, repeat(edge("LA;", "Ljava/lang/Object;"), 3)...)
	edges = append(edges, repeat(edge("Landroid/content/Context;", "LB;"), 3)...)
	edges = append(edges, repeat(edge("LA;", "LB;"), 2)...)

	g, err := callgraph.Build(edges, callgraph.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"LA;", "LB;"}, g.Nodes())
	assert.Equal(t, []callgraph.Edge{{Source: "LA;", Target: "LB;", Weight: 2}}, g.Edges())
	for _, e := range g.Edges() {
		assert.NotEqual(t, e.Source, e.Target)
	}
	assert.False(t, g.HasNode("Ljava/lang/Object;"))
	assert.False(t, g.HasNode("Landroid/content/Context;"))
}

func TestBuild_MinWeightAndIsolatedNodes(t *testing.T) {
	edges := []models.CallEdge{
		edge("LA;", "LB;"),
		edge("LA;", "LB;"),
		edge("LA;", "LC;"),
	}

	g, err := callgraph.Build(edges, callgraph.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount())
	assert.False(t, g.HasNode("LC;"))

	opts := callgraph.DefaultOptions()
	opts.DropIsolated = false
	g, err = callgraph.Build(edges, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount())
	assert.True(t, g.HasNode("LC;"))
}

func TestBuild_ExplicitWeightsAreSummed(t *testing.T) {
	edges := []models.CallEdge{
		{CallerClass: "LA;", CalleeClass: "LB;", Weight: 3},
		{CallerClass: "LA;", CalleeClass: "LB;", Weight: 4},
		{CallerClass: "LB;", CalleeClass: "LC;", Weight: 0},
		{CallerClass: "LB;", CalleeClass: "LC;"},
	}
	g, err := callgraph.Build(edges, callgraph.DefaultOptions())
	require.NoError(t, err)

	w, ok := g.Weight("LA;", "LB;")
	require.True(t, ok)
	assert.Equal(t, 7, w)
	w, ok = g.Weight("LB;", "LC;")
	require.True(t, ok)
	assert.Equal(t, 2, w)
	_, ok = g.Weight("LB;", "LA;")
	assert.False(t, ok)
}

func TestBuild_FanOutCap(t *testing.T) {
	opts := callgraph.DefaultOptions()
	opts.FanOutCap = 3
	opts.MinWeight = 1

	edges := []models.CallEdge{
		edge("LA;", "LA;"), // consumes a slot
		edge("LA;", "LB;"),
		edge("LA;", "LC;"),
		edge("LA;", "LD;"), // over the cap
		edge("LX;", "LD;"),
	}
	g, err := callgraph.Build(edges, opts)
	require.NoError(t, err)

	assert.True(t, g.HasNode("LB;"))
	assert.True(t, g.HasNode("LC;"))
	_, ok := g.Weight("LA;", "LD;")
	assert.False(t, ok)
	_, ok = g.Weight("LX;", "LD;")
	assert.True(t, ok, "cap is per caller")
}

func TestBuild_FanOutCapPerMethod(t *testing.T) {
	opts := callgraph.DefaultOptions()
	opts.FanOutCap = 1
	opts.MinWeight = 1

	edges := []models.CallEdge{
		{CallerClass: "LA;", CallerMethod: "onCreate", CalleeClass: "LB;"},
		{CallerClass: "LA;", CallerMethod: "onCreate", CalleeClass: "LC;"},
		{CallerClass: "LA;", CallerMethod: "run", CalleeClass: "LC;"},
	}
	g, err := callgraph.Build(edges, opts)
	require.NoError(t, err)

	w, ok := g.Weight("LA;", "LB;")
	require.True(t, ok)
	assert.Equal(t, 1, w)
	w, ok = g.Weight("LA;", "LC;")
	require.True(t, ok)
	assert.Equal(t, 1, w, "only the run() edge reaches C")
}

func TestBuild_EmptyResults(t *testing.T) {
	tests := []struct {
		name  string
		edges []models.CallEdge
	}{
		{"no edges", nil},
		{"only self loops", repeat(edge("LA;", "LA;"), 5)},
		{"below min weight", []models.CallEdge{edge("LA;", "LB;"), edge("LB;", "LC;")}},
		{"only stop classes", repeat(edge("Ljava/lang/String;", "Ljava/lang/Thread;"), 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := callgraph.Build(tt.edges, callgraph.DefaultOptions())
			require.NoError(t, err)
			assert.True(t, g.IsEmpty())
			assert.Zero(t, g.NodeCount())
			assert.Zero(t, g.EdgeCount())
			assert.Empty(t, g.Edges())
		})
	}
}

func TestBuild_SizeCeiling(t *testing.T) {
	var edges []models.CallEdge
	for _, callee := range []string{"LB;", "LC;", "LD;"} {
		edges = append(edges, repeat(edge("LA;", callee), 2)...)
	}

	assert.Equal(t, callgraph.DefaultMaxNodes, callgraph.DefaultOptions().MaxNodes)
	assert.Equal(t, callgraph.DefaultMaxEdges, callgraph.DefaultOptions().MaxEdges)

	opts := callgraph.DefaultOptions()
	opts.MaxNodes = 3
	_, err := callgraph.Build(edges, opts)
	assert.ErrorIs(t, err, models.ErrGraphTooLarge)

	opts = callgraph.DefaultOptions()
	opts.MaxEdges = 2
	_, err = callgraph.Build(edges, opts)
	assert.ErrorIs(t, err, models.ErrGraphTooLarge)

	opts.MaxEdges = 3
	g, err := callgraph.Build(edges, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, g.EdgeCount())
}

func TestBuild_DeterministicUnderPermutation(t *testing.T) {
	classes := []string{"LA;", "LB;", "LC;", "LD;", "LE;", "LF;", "LG;"}
	var edges []models.CallEdge
	for i, src := range classes {
		for j, dst := range classes {
			if i == j || (i+j)%3 == 0 {
				continue
			}
			edges = append(edges, models.CallEdge{CallerClass: src, CalleeClass: dst, Weight: 1 + (i*j)%4})
		}
	}

	base, err := callgraph.Build(edges, callgraph.DefaultOptions())
	require.NoError(t, err)
	baseMetrics, _ := computeMetrics(t, base, callgraph.DefaultMetricOptions())

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := append([]models.CallEdge(nil), edges...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		g, err := callgraph.Build(shuffled, callgraph.DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, base.Nodes(), g.Nodes())
		assert.Equal(t, base.Edges(), g.Edges())

		m, _ := computeMetrics(t, g, callgraph.DefaultMetricOptions())
		assert.Equal(t, baseMetrics, m, "metrics must be bit-identical")
	}
}

func TestGraph_Degrees(t *testing.T) {
	g := callgraph.FromEdges(nil, []callgraph.Edge{
		{Source: "a", Target: "b", Weight: 1},
		{Source: "a", Target: "c", Weight: 1},
		{Source: "b", Target: "c", Weight: 1},
	})
	assert.Equal(t, 2, g.OutDegree("a"))
	assert.Equal(t, 0, g.InDegree("a"))
	assert.Equal(t, 2, g.InDegree("c"))
	assert.Equal(t, 0, g.OutDegree("missing"))
	assert.Equal(t, 2, g.MaxOutDegree())

	nodes := g.Nodes()
	nodes[0] = "mutated"
	assert.Equal(t, "a", g.Nodes()[0])
}
