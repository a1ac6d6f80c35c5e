package services

import (
	"fmt"
	"math"
	"sort"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services/rules"
)

// Size class thresholds in KB
const (
	SmallPackageKB = 400
	LargePackageKB = 15000
)

// benignHintThreshold is the number of benign-indicator permissions that
// marks a package as benign-hinted.
const benignHintThreshold = 2

// RoundingMode selects how scaled manifest counts become integers
type RoundingMode string

const (
	RoundHalfEven RoundingMode = "half_even"
	RoundHalfAway RoundingMode = "half_away"
	RoundTruncate RoundingMode = "truncate"
)

// ParseRoundingMode validates a configured rounding mode; empty means half_even.
func ParseRoundingMode(s string) (RoundingMode, error) {
	switch RoundingMode(s) {
	case "":
		return RoundHalfEven, nil
	case RoundHalfEven, RoundHalfAway, RoundTruncate:
		return RoundingMode(s), nil
	}
	return "", fmt.Errorf("unknown rounding mode %q", s)
}

// Round converts x to an integer using the mode
func (m RoundingMode) Round(x float64) int {
	switch m {
	case RoundHalfAway:
		return int(math.Round(x))
	case RoundTruncate:
		return int(math.Trunc(x))
	default:
		return int(math.RoundToEven(x))
	}
}

// ClassifySize partitions packages by size. Unknown size (0) is normal.
func ClassifySize(sizeKB int) models.SizeClass {
	switch {
	case sizeKB <= 0:
		return models.SizeClassNormal
	case sizeKB <= SmallPackageKB:
		return models.SizeClassSmall
	case sizeKB >= LargePackageKB:
		return models.SizeClassLarge
	default:
		return models.SizeClassNormal
	}
}

// ManifestEvidence is the outcome of manifest counting for one package
type ManifestEvidence struct {
	Counts     models.CategoryCounts
	SizeClass  models.SizeClass
	BenignHint bool
}

// ManifestCounter turns declared permissions into category counts and applies
// the size-aware caps and false-positive suppression.
type ManifestCounter struct {
	rules    *rules.RuleSet
	rounding RoundingMode
}

// NewManifestCounter creates a new ManifestCounter
func NewManifestCounter(rs *rules.RuleSet, rounding RoundingMode) *ManifestCounter {
	if rounding == "" {
		rounding = RoundHalfEven
	}
	return &ManifestCounter{rules: rs, rounding: rounding}
}

// Evaluate runs the whole manifest stage: count, cap, then suppress against
// the graph-side evidence. graphCounts is only read.
func (m *ManifestCounter) Evaluate(meta models.Metadata, graphCounts models.CategoryCounts) ManifestEvidence {
	class := ClassifySize(meta.SizeKB)
	hint := m.BenignHint(meta.Permissions)

	counts := m.CountFromPermissions(meta.Permissions, meta.DangerousHits)
	counts = m.CapCounts(counts, class)
	counts = m.Suppress(graphCounts, counts, class, hint)

	return ManifestEvidence{Counts: counts, SizeClass: class, BenignHint: hint}
}

// CountFromPermissions maps each distinct permission to its category and adds
// the dangerous-permission tally. Every rule category is present in the result.
func (m *ManifestCounter) CountFromPermissions(perms []string, dangerousHits int) models.CategoryCounts {
	counts := make(models.CategoryCounts)
	for _, id := range m.rules.CategoryIDs() {
		counts[id] = 0
	}
	if dangerousHits > 0 {
		counts[models.CategoryDangerousPermissions] += dangerousHits
	}

	suffix, extra := m.rules.CloudMessaging()
	for _, p := range distinct(perms) {
		if cat, ok := m.rules.PermissionCategory(p); ok {
			counts[cat]++
		}
		if suffix != "" && extra != "" && rules.ShortPermission(p) == suffix {
			counts[extra]++
		}
	}
	return counts
}

// CapCounts clamps counts to the per-category cap of the size class. The
// input is not modified.
func (m *ManifestCounter) CapCounts(counts models.CategoryCounts, class models.SizeClass) models.CategoryCounts {
	out := counts.Clone()
	for cat, n := range out {
		if limit, ok := m.rules.Cap(class, cat); ok && n > limit {
			out[cat] = limit
		}
	}
	return out
}

// Suppress applies the large-and-benign rule: manifest-only evidence for the
// graph-required categories is dropped, and the scaled categories are reduced
// when the graph shows nothing for them. Other profiles pass through.
func (m *ManifestCounter) Suppress(graphCounts, manifestCounts models.CategoryCounts, class models.SizeClass, benignHint bool) models.CategoryCounts {
	out := manifestCounts.Clone()
	if class != models.SizeClassLarge || !benignHint {
		return out
	}
	for _, cat := range m.rules.RequireGraph() {
		if graphCounts.Get(cat) == 0 {
			out[cat] = 0
		}
	}
	for _, s := range m.rules.ScaleFactors() {
		if graphCounts.Get(s.Category) == 0 {
			out[s.Category] = m.rounding.Round(float64(out.Get(s.Category)) * s.Factor)
		}
	}
	return out
}

// BenignHint reports whether at least two benign-indicator permissions are
// declared. Cloud-messaging receivers count as indicators.
func (m *ManifestCounter) BenignHint(perms []string) bool {
	suffix, _ := m.rules.CloudMessaging()
	hits := 0
	for _, p := range distinct(perms) {
		if m.rules.IsBenignHint(p) {
			hits++
		}
		if suffix != "" && rules.ShortPermission(p) == suffix {
			hits++
		}
	}
	return hits >= benignHintThreshold
}

// DangerousPermissions returns the sorted short names of declared
// permissions in the dangerous set.
func (m *ManifestCounter) DangerousPermissions(perms []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range perms {
		if !m.rules.IsDangerous(p) {
			continue
		}
		short := rules.ShortPermission(p)
		if _, ok := seen[short]; ok {
			continue
		}
		seen[short] = struct{}{}
		out = append(out, short)
	}
	sort.Strings(out)
	return out
}

func distinct(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
