package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services/callgraph"
	"apkscore-lab/pkg/logger"
)

// ErrGraphNotFound is returned when no graph is stored for a package
var ErrGraphNotFound = errors.New("graph not found")

// Cypher statements for behavioral graphs. Class nodes are scoped to their
// package so graphs of different packages never share nodes.
const (
	cypherMergePackage = `
		MERGE (p:Package {name: $name})
		SET p.label = $label,
			p.malware_score = $score,
			p.node_count = $node_count,
			p.edge_count = $edge_count,
			p.updated_at = timestamp()`

	cypherDeleteClasses = `
		MATCH (c:Class {package: $name})
		DETACH DELETE c`

	cypherCreateClasses = `
		UNWIND $nodes AS n
		MATCH (p:Package {name: $name})
		CREATE (c:Class {package: $name, name: n})
		CREATE (p)-[:CONTAINS]->(c)`

	cypherCreateCalls = `
		UNWIND $edges AS e
		MATCH (s:Class {package: $name, name: e.source})
		MATCH (t:Class {package: $name, name: e.target})
		CREATE (s)-[:CALLS {weight: e.weight}]->(t)`

	cypherLoadClasses = `
		MATCH (p:Package {name: $name})-[:CONTAINS]->(c:Class)
		RETURN c.name AS name`

	cypherLoadCalls = `
		MATCH (s:Class {package: $name})-[r:CALLS]->(t:Class {package: $name})
		RETURN s.name AS source, t.name AS target, r.weight AS weight`

	cypherDeletePackage = `
		MATCH (p:Package {name: $name})
		OPTIONAL MATCH (c:Class {package: $name})
		DETACH DELETE p, c`

	cypherPackagesCalling = `
		MATCH (p:Package)-[:CONTAINS]->(:Class)-[:CALLS]->(t:Class)
		WHERE t.name = $class
		RETURN DISTINCT p.name AS name
		ORDER BY name
		LIMIT $limit`
)

// GraphRepository persists behavioral graphs
type GraphRepository struct {
	client *Neo4jClient
	logger *logger.Logger
}

// NewGraphRepository creates a new graph repository
func NewGraphRepository(client *Neo4jClient, log *logger.Logger) *GraphRepository {
	return &GraphRepository{
		client: client,
		logger: log.WithComponent("graph-repo"),
	}
}

// graphParams converts a graph into UNWIND batches
func graphParams(g *callgraph.Graph) ([]any, []any) {
	nodes := g.Nodes()
	nodeParams := make([]any, len(nodes))
	for i, n := range nodes {
		nodeParams[i] = n
	}
	edges := g.Edges()
	edgeParams := make([]any, len(edges))
	for i, e := range edges {
		edgeParams[i] = map[string]any{
			"source": e.Source,
			"target": e.Target,
			"weight": int64(e.Weight),
		}
	}
	return nodeParams, edgeParams
}

// SaveGraph replaces the stored graph of a package in one transaction
func (r *GraphRepository) SaveGraph(ctx context.Context, g *callgraph.Graph, res *models.AnalysisResult) error {
	name := res.PackageName
	nodes, edges := graphParams(g)

	_, err := r.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, cypherMergePackage, map[string]any{
			"name":       name,
			"label":      int64(res.Label),
			"score":      res.Score,
			"node_count": int64(g.NodeCount()),
			"edge_count": int64(g.EdgeCount()),
		}); err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx, cypherDeleteClasses, map[string]any{"name": name}); err != nil {
			return nil, err
		}
		if len(nodes) > 0 {
			if _, err := tx.Run(ctx, cypherCreateClasses, map[string]any{"name": name, "nodes": nodes}); err != nil {
				return nil, err
			}
		}
		if len(edges) > 0 {
			if _, err := tx.Run(ctx, cypherCreateCalls, map[string]any{"name": name, "edges": edges}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to save graph for %s: %w", name, err)
	}

	r.logger.Debug().
		Str("package", name).
		Int("nodes", len(nodes)).
		Int("edges", len(edges)).
		Msg("graph saved")
	return nil
}

// LoadGraph reads a stored graph back
func (r *GraphRepository) LoadGraph(ctx context.Context, name string) (*callgraph.Graph, error) {
	out, err := r.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypherLoadClasses, map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		nodes := make([]string, 0, len(records))
		for _, rec := range records {
			n, _, err := neo4j.GetRecordValue[string](rec, "name")
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		}

		res, err = tx.Run(ctx, cypherLoadCalls, map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		records, err = res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		edges := make([]callgraph.Edge, 0, len(records))
		for _, rec := range records {
			e, err := edgeFromRecord(rec)
			if err != nil {
				return nil, err
			}
			edges = append(edges, e)
		}
		return loaded{nodes: nodes, edges: edges}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load graph for %s: %w", name, err)
	}

	l := out.(loaded)
	if len(l.nodes) == 0 && len(l.edges) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrGraphNotFound)
	}
	return callgraph.FromEdges(l.nodes, l.edges), nil
}

type loaded struct {
	nodes []string
	edges []callgraph.Edge
}

func edgeFromRecord(rec *neo4j.Record) (callgraph.Edge, error) {
	src, _, err := neo4j.GetRecordValue[string](rec, "source")
	if err != nil {
		return callgraph.Edge{}, err
	}
	dst, _, err := neo4j.GetRecordValue[string](rec, "target")
	if err != nil {
		return callgraph.Edge{}, err
	}
	w, _, err := neo4j.GetRecordValue[int64](rec, "weight")
	if err != nil {
		return callgraph.Edge{}, err
	}
	return callgraph.Edge{Source: src, Target: dst, Weight: int(w)}, nil
}

// DeleteGraph removes a package and its classes. It returns ErrGraphNotFound
// when nothing was stored under the name.
func (r *GraphRepository) DeleteGraph(ctx context.Context, name string) error {
	out, err := r.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypherDeletePackage, map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return nil, err
		}
		return summary.Counters().NodesDeleted(), nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete graph for %s: %w", name, err)
	}
	if deleted, _ := out.(int); deleted == 0 {
		return fmt.Errorf("%s: %w", name, ErrGraphNotFound)
	}
	return nil
}

// PackagesCalling lists stored packages with a call into the given class
func (r *GraphRepository) PackagesCalling(ctx context.Context, class string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := r.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypherPackagesCalling, map[string]any{"class": class, "limit": int64(limit)})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(records))
		for _, rec := range records {
			n, _, err := neo4j.GetRecordValue[string](rec, "name")
			if err != nil {
				return nil, err
			}
			names = append(names, n)
		}
		return names, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query callers of %s: %w", class, err)
	}
	return out.([]string), nil
}
