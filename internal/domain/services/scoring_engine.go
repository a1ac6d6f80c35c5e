package services

import (
	"math"
	"sort"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services/rules"
)

// SquashK bounds the semantic contribution to the score
const SquashK = 120.0

// Blend factors for manifest evidence
const (
	betaSmall   = 0.55
	betaDamped  = 0.10
	betaDefault = 0.25
)

// Bonus values
const (
	bonusCritical      = 4.0
	bonusRatioHigh     = 2.0
	bonusRatioLow      = 1.0
	bonusCoOccurrence  = 2.0
	ratioHighThreshold = 0.30
	ratioLowThreshold  = 0.20
)

// criticalCategories count toward the critical-pair bonus
var criticalCategories = []models.Category{
	models.CategoryMessagingAbuse,
	models.CategoryAdministrativeControl,
	models.CategoryDynamicCodeLoading,
	models.CategoryDangerousPermissions,
}

// riskCoreCategories form the numerator of the risk ratio bonus
var riskCoreCategories = []models.Category{
	models.CategoryMessagingAbuse,
	models.CategoryAdministrativeControl,
	models.CategoryDynamicCodeLoading,
}

// Squash is K·tanh(x/K) for x > 0 and 0 otherwise.
func Squash(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return SquashK * math.Tanh(x/SquashK)
}

// SizeMultiplier scales the semantic term by package size. Unknown size is neutral.
func SizeMultiplier(sizeKB int) float64 {
	switch {
	case sizeKB <= 0:
		return 1.0
	case sizeKB <= 1000:
		return 1.1
	case sizeKB >= 50000:
		return 0.95
	case sizeKB >= LargePackageKB:
		return 0.92
	default:
		return 1.0
	}
}

// StructuralScore is the dampened size and shape term of the score
func StructuralScore(m models.GraphMetrics) float64 {
	n, e := float64(m.NodeCount), float64(m.EdgeCount)
	return 0.6 * (0.2*(math.Log1p(e)+math.Log1p(n)) + 0.5*math.Log1p(float64(m.MaxOutDegree)) + 2.0*m.Density)
}

// ScoringEngine combines category evidence and structure into the heuristic
// malware score.
type ScoringEngine struct {
	rules *rules.RuleSet
}

// NewScoringEngine creates a new ScoringEngine
func NewScoringEngine(rs *rules.RuleSet) *ScoringEngine {
	return &ScoringEngine{rules: rs}
}

// ScoreInput is everything the score depends on. Manifest counts are expected
// to be already capped and suppressed.
type ScoreInput struct {
	GraphCounts    models.CategoryCounts
	ManifestCounts models.CategoryCounts
	Metrics        models.GraphMetrics
	SizeKB         int
	SizeClass      models.SizeClass
	BenignHint     bool
}

// Score returns the final score
func (s *ScoringEngine) Score(in ScoreInput) float64 {
	return s.ScoreDetailed(in).Total
}

// ScoreDetailed returns the score with every intermediate term
func (s *ScoringEngine) ScoreDetailed(in ScoreInput) models.ScoreBreakdown {
	b := models.ScoreBreakdown{SizeClass: in.SizeClass, BenignHint: in.BenignHint}
	if b.SizeClass == "" {
		b.SizeClass = ClassifySize(in.SizeKB)
	}

	// Empty graph: defined zero
	if in.Metrics.NodeCount == 0 {
		return b
	}

	// 1. Weighted semantic sums, kept apart per provenance
	b.SemanticGraph = s.weightedSum(in.GraphCounts)
	b.SemanticManifest = s.weightedSum(in.ManifestCounts)

	// 2. Blend
	b.Beta = blendFactor(b.SizeClass, in.BenignHint)
	b.SemanticRaw = b.SemanticGraph + b.Beta*b.SemanticManifest

	// 3. Normalize by graph size
	b.Norm = 1.0 + float64(in.Metrics.NodeCount)/400.0 + float64(in.Metrics.EdgeCount)/800.0
	b.SemanticNormed = b.SemanticRaw / b.Norm

	// 4. Squash
	b.Semantic = Squash(b.SemanticNormed)

	// 5. Structure
	b.Structural = StructuralScore(in.Metrics)

	// 6. Bonuses
	b.Bonus = bonuses(in.GraphCounts, in.ManifestCounts)

	// 7. Size multiplier
	b.SizeMultiplier = SizeMultiplier(in.SizeKB)

	b.Total = math.Max(0, b.Semantic+b.Bonus)*b.SizeMultiplier + b.Structural
	return b
}

// weightedSum iterates categories in rule order, then any unknown categories
// by name, so the float sum does not depend on map order.
func (s *ScoringEngine) weightedSum(counts models.CategoryCounts) float64 {
	var sum float64
	seen := make(map[models.Category]struct{}, len(counts))
	for _, id := range s.rules.CategoryIDs() {
		seen[id] = struct{}{}
		if n := counts.Get(id); n != 0 {
			sum += s.rules.Weight(id) * float64(n)
		}
	}

	var extra []models.Category
	for cat := range counts {
		if _, ok := seen[cat]; !ok {
			extra = append(extra, cat)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, cat := range extra {
		sum += rules.DefaultWeight * float64(counts[cat])
	}
	return sum
}

func blendFactor(class models.SizeClass, benignHint bool) float64 {
	switch {
	case class == models.SizeClassSmall:
		return betaSmall
	case class == models.SizeClassLarge || benignHint:
		return betaDamped
	default:
		return betaDefault
	}
}

func bonuses(g, m models.CategoryCounts) float64 {
	combined := func(c models.Category) int { return g.Get(c) + m.Get(c) }
	var bonus float64

	critical := 0
	for _, c := range criticalCategories {
		if combined(c) > 0 {
			critical++
		}
	}
	if critical >= 2 {
		bonus += bonusCritical
	}

	total := g.Total() + m.Total()
	if total > 0 {
		core := 0
		for _, c := range riskCoreCategories {
			core += combined(c)
		}
		ratio := float64(core) / float64(total)
		switch {
		case ratio >= ratioHighThreshold:
			bonus += bonusRatioHigh
		case ratio >= ratioLowThreshold:
			bonus += bonusRatioLow
		}
	}

	if (g.Get(models.CategoryMessagingAbuse) > 0 || g.Get(models.CategoryDeviceFingerprinting) > 0) &&
		combined(models.CategoryMessagingAbuse) > 0 &&
		combined(models.CategoryDeviceFingerprinting) > 1 {
		bonus += bonusCoOccurrence
	}
	if (g.Get(models.CategoryAdministrativeControl) > 0 || g.Get(models.CategoryCrypto) > 0) &&
		combined(models.CategoryAdministrativeControl) > 0 &&
		combined(models.CategoryCrypto) > 1 {
		bonus += bonusCoOccurrence
	}
	return bonus
}
