// Package rules holds the static behavioral category tables: pattern lists
// per category, category weights, the permission→category map and the
// manifest caps. Tables are loaded from TOML into an immutable RuleSet.
package rules

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"apkscore-lab/internal/domain/models"
)

//go:embed default_rules.toml
var defaultRulesData []byte

// DefaultWeight is used for categories absent from the weight table
const DefaultWeight = 1.0

// Category is one behavioral category and its patterns
type Category struct {
	ID             models.Category
	Weight         float64
	NodePatterns   []string
	CallPatterns   []string
	StringPatterns []string
}

// Scale is a suppression multiplier for one category
type Scale struct {
	Category models.Category
	Factor   float64
}

// RuleSet is the immutable, validated form of a rules file. All methods are
// safe for concurrent use.
type RuleSet struct {
	version    string
	categories []Category
	index      map[models.Category]int

	permCategory           map[string]models.Category
	dangerous              map[string]struct{}
	benignHint             map[string]struct{}
	cloudMessaging         string
	cloudMessagingCategory models.Category

	capsNormal map[models.Category]int
	capsLarge  map[models.Category]int

	requireGraph []models.Category
	scale        []Scale

	benignPrefixes []string
}

type fileCategory struct {
	ID             string   `toml:"id"`
	Weight         float64  `toml:"weight"`
	Patterns       []string `toml:"patterns"`
	CallPatterns   []string `toml:"call_patterns"`
	StringPatterns []string `toml:"string_patterns"`
}

type rulesFile struct {
	Version    string         `toml:"version"`
	Categories []fileCategory `toml:"category"`

	Permissions struct {
		Dangerous              []string          `toml:"dangerous"`
		BenignHint             []string          `toml:"benign_hint"`
		CloudMessaging         string            `toml:"cloud_messaging"`
		CloudMessagingCategory string            `toml:"cloud_messaging_category"`
		Category               map[string]string `toml:"category"`
	} `toml:"permissions"`

	Caps struct {
		Normal map[string]int `toml:"normal"`
		Large  map[string]int `toml:"large"`
	} `toml:"caps"`

	Suppression struct {
		RequireGraph []string           `toml:"require_graph"`
		Scale        map[string]float64 `toml:"scale"`
	} `toml:"suppression"`

	Benign struct {
		LibraryPrefixes []string `toml:"library_prefixes"`
	} `toml:"benign"`
}

var (
	defaultOnce sync.Once
	defaultSet  *RuleSet
	defaultErr  error
)

// Default returns the embedded rule set. It is parsed once per process.
func Default() (*RuleSet, error) {
	defaultOnce.Do(func() {
		defaultSet, defaultErr = Parse(defaultRulesData)
		if defaultErr != nil {
			defaultErr = fmt.Errorf("failed to parse embedded rules: %w", defaultErr)
		}
	})
	return defaultSet, defaultErr
}

// MustDefault is Default for callers that cannot proceed without rules
func MustDefault() *RuleSet {
	rs, err := Default()
	if err != nil {
		panic(err)
	}
	return rs
}

// LoadFile reads a rules file from disk, replacing the embedded tables entirely.
func LoadFile(path string) (*RuleSet, error) {
	var f rulesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to load rules from %s: %w", path, err)
	}
	rs, err := compile(&f)
	if err != nil {
		return nil, fmt.Errorf("invalid rules in %s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes and validates rules from TOML bytes.
func Parse(data []byte) (*RuleSet, error) {
	var f rulesFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return compile(&f)
}

func compile(f *rulesFile) (*RuleSet, error) {
	if len(f.Categories) == 0 {
		return nil, fmt.Errorf("no categories defined")
	}
	rs := &RuleSet{
		version:        f.Version,
		index:          make(map[models.Category]int, len(f.Categories)),
		permCategory:   make(map[string]models.Category, len(f.Permissions.Category)),
		dangerous:      toSet(f.Permissions.Dangerous),
		benignHint:     toSet(f.Permissions.BenignHint),
		cloudMessaging: f.Permissions.CloudMessaging,
		capsNormal:     make(map[models.Category]int, len(f.Caps.Normal)),
		capsLarge:      make(map[models.Category]int, len(f.Caps.Large)),
	}
	if rs.version == "" {
		rs.version = "v1"
	}

	for _, c := range f.Categories {
		id := models.Category(strings.TrimSpace(c.ID))
		if id == "" {
			return nil, fmt.Errorf("category without id")
		}
		if _, dup := rs.index[id]; dup {
			return nil, fmt.Errorf("duplicate category %q", id)
		}
		if c.Weight < 0 {
			return nil, fmt.Errorf("category %q: negative weight %v", id, c.Weight)
		}
		w := c.Weight
		if w == 0 {
			w = DefaultWeight
		}
		rs.index[id] = len(rs.categories)
		rs.categories = append(rs.categories, Category{
			ID:             id,
			Weight:         w,
			NodePatterns:   nonEmpty(c.Patterns),
			CallPatterns:   nonEmpty(c.CallPatterns),
			StringPatterns: nonEmpty(c.StringPatterns),
		})
	}

	for _, perm := range f.Permissions.BenignHint {
		if strings.Contains(perm, ".") {
			return nil, fmt.Errorf("benign hint %s: permissions are listed by short name", perm)
		}
	}
	for perm, cat := range f.Permissions.Category {
		if strings.Contains(perm, ".") {
			return nil, fmt.Errorf("permission %s: permissions are listed by short name", perm)
		}
		id, err := rs.known(cat)
		if err != nil {
			return nil, fmt.Errorf("permission %s: %w", perm, err)
		}
		rs.permCategory[perm] = id
	}
	if f.Permissions.CloudMessagingCategory != "" {
		id, err := rs.known(f.Permissions.CloudMessagingCategory)
		if err != nil {
			return nil, fmt.Errorf("cloud messaging: %w", err)
		}
		rs.cloudMessagingCategory = id
	}

	for name, table := range map[string]struct {
		src map[string]int
		dst map[models.Category]int
	}{
		"normal": {f.Caps.Normal, rs.capsNormal},
		"large":  {f.Caps.Large, rs.capsLarge},
	} {
		for cat, limit := range table.src {
			id, err := rs.known(cat)
			if err != nil {
				return nil, fmt.Errorf("caps.%s: %w", name, err)
			}
			if limit < 0 {
				return nil, fmt.Errorf("caps.%s.%s: negative cap %d", name, cat, limit)
			}
			table.dst[id] = limit
		}
	}

	for _, cat := range f.Suppression.RequireGraph {
		id, err := rs.known(cat)
		if err != nil {
			return nil, fmt.Errorf("suppression.require_graph: %w", err)
		}
		rs.requireGraph = append(rs.requireGraph, id)
	}
	for cat, factor := range f.Suppression.Scale {
		id, err := rs.known(cat)
		if err != nil {
			return nil, fmt.Errorf("suppression.scale: %w", err)
		}
		if factor < 0 || factor > 1 {
			return nil, fmt.Errorf("suppression.scale.%s: factor %v outside [0,1]", cat, factor)
		}
		rs.scale = append(rs.scale, Scale{Category: id, Factor: factor})
	}
	sort.Slice(rs.scale, func(i, j int) bool {
		return rs.index[rs.scale[i].Category] < rs.index[rs.scale[j].Category]
	})

	rs.benignPrefixes = nonEmpty(f.Benign.LibraryPrefixes)
	return rs, nil
}

func (rs *RuleSet) known(cat string) (models.Category, error) {
	id := models.Category(cat)
	if _, ok := rs.index[id]; !ok {
		return "", fmt.Errorf("unknown category %q", cat)
	}
	return id, nil
}

// Version identifies the rule tables; it is part of the feature vector contract
func (rs *RuleSet) Version() string { return rs.version }

// Categories returns the categories in declared order
func (rs *RuleSet) Categories() []Category {
	out := make([]Category, len(rs.categories))
	copy(out, rs.categories)
	return out
}

// CategoryIDs returns the category ids in declared order
func (rs *RuleSet) CategoryIDs() []models.Category {
	out := make([]models.Category, len(rs.categories))
	for i, c := range rs.categories {
		out[i] = c.ID
	}
	return out
}

// Weight returns the blend weight of a category, DefaultWeight when unknown
func (rs *RuleSet) Weight(cat models.Category) float64 {
	if i, ok := rs.index[cat]; ok {
		return rs.categories[i].Weight
	}
	return DefaultWeight
}

// PermissionCategory maps a permission to its category by short name
func (rs *RuleSet) PermissionCategory(perm string) (models.Category, bool) {
	c, ok := rs.permCategory[ShortPermission(perm)]
	return c, ok
}

// IsDangerous reports whether a permission (full or short) is in the dangerous set
func (rs *RuleSet) IsDangerous(perm string) bool {
	_, ok := rs.dangerous[ShortPermission(perm)]
	return ok
}

// IsBenignHint reports whether a permission is a benign indicator by short name
func (rs *RuleSet) IsBenignHint(perm string) bool {
	_, ok := rs.benignHint[ShortPermission(perm)]
	return ok
}

// CloudMessaging returns the cloud-messaging permission suffix and the
// category it additionally counts toward.
func (rs *RuleSet) CloudMessaging() (string, models.Category) {
	return rs.cloudMessaging, rs.cloudMessagingCategory
}

// Cap returns the manifest cap for a category in a size class. Small
// packages use the normal table.
func (rs *RuleSet) Cap(class models.SizeClass, cat models.Category) (int, bool) {
	table := rs.capsNormal
	if class == models.SizeClassLarge {
		table = rs.capsLarge
	}
	limit, ok := table[cat]
	return limit, ok
}

// RequireGraph lists categories whose manifest evidence is dropped without
// graph corroboration under suppression.
func (rs *RuleSet) RequireGraph() []models.Category {
	return append([]models.Category(nil), rs.requireGraph...)
}

// ScaleFactors lists suppression multipliers in category order
func (rs *RuleSet) ScaleFactors() []Scale {
	return append([]Scale(nil), rs.scale...)
}

// IsBenignLibrary reports whether a class descriptor belongs to a known
// benign library namespace.
func (rs *RuleSet) IsBenignLibrary(class string) bool {
	for _, p := range rs.benignPrefixes {
		if strings.HasPrefix(class, p) {
			return true
		}
	}
	return false
}

// ShortPermission strips the namespace: "android.permission.SEND_SMS" → "SEND_SMS".
func ShortPermission(perm string) string {
	if i := strings.LastIndexByte(perm, '.'); i >= 0 {
		return perm[i+1:]
	}
	return perm
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it != "" {
			out = append(out, it)
		}
	}
	return out
}
