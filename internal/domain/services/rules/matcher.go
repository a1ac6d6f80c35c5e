package rules

import (
	"strings"

	"apkscore-lab/internal/domain/models"
)

// NodeSource lists the identifiers the matcher scans for node patterns.
// *callgraph.Graph satisfies it.
type NodeSource interface {
	Nodes() []string
}

// Matcher counts behavioral category hits. Each pattern that matches an
// item adds one; the same pattern matching N items adds N.
type Matcher struct {
	rs *RuleSet
}

// NewMatcher creates a matcher over rs
func NewMatcher(rs *RuleSet) *Matcher {
	return &Matcher{rs: rs}
}

// RuleSet returns the underlying rules
func (m *Matcher) RuleSet() *RuleSet {
	return m.rs
}

// CountNodes matches node identifiers against every category's node patterns.
func (m *Matcher) CountNodes(g NodeSource) models.CategoryCounts {
	counts := m.zero()
	if g == nil {
		return counts
	}
	nodes := g.Nodes()
	for _, c := range m.rs.categories {
		counts[c.ID] += countAll(nodes, c.NodePatterns)
	}
	return counts
}

// CountCalls matches external-call signatures against call-sourced categories.
func (m *Matcher) CountCalls(signatures []string) models.CategoryCounts {
	counts := m.zero()
	for _, c := range m.rs.categories {
		counts[c.ID] += countAll(signatures, c.CallPatterns)
	}
	return counts
}

// CountStrings matches string constants against string-sourced categories.
func (m *Matcher) CountStrings(values []string) models.CategoryCounts {
	counts := m.zero()
	for _, c := range m.rs.categories {
		counts[c.ID] += countAll(values, c.StringPatterns)
	}
	return counts
}

// CountByCategory returns the graph-side evidence: node hits plus
// external-call and string hits. Every category of the rule set is present
// in the result, zero when nothing matched.
func (m *Matcher) CountByCategory(g NodeSource, signatures, values []string) models.CategoryCounts {
	counts := m.CountNodes(g)
	for cat, n := range m.CountCalls(signatures) {
		counts[cat] += n
	}
	for cat, n := range m.CountStrings(values) {
		counts[cat] += n
	}
	return counts
}

// BenignRatio is the share of nodes that belong to benign library namespaces
func (m *Matcher) BenignRatio(g NodeSource) float64 {
	if g == nil {
		return 0
	}
	nodes := g.Nodes()
	if len(nodes) == 0 {
		return 0
	}
	benign := 0
	for _, n := range nodes {
		if m.rs.IsBenignLibrary(n) {
			benign++
		}
	}
	return float64(benign) / float64(len(nodes))
}

func (m *Matcher) zero() models.CategoryCounts {
	counts := make(models.CategoryCounts, len(m.rs.categories))
	for _, c := range m.rs.categories {
		counts[c.ID] = 0
	}
	return counts
}

func countAll(items, patterns []string) int {
	if len(patterns) == 0 {
		return 0
	}
	n := 0
	for _, it := range items {
		if it == "" {
			continue
		}
		for _, p := range patterns {
			if strings.Contains(it, p) {
				n++
			}
		}
	}
	return n
}
