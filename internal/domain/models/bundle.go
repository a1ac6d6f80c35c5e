package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the package analysis pipeline
var (
	// ErrMalformedBundle is returned when a disassembly bundle is missing
	// required fields or carries impossible values.
	ErrMalformedBundle = errors.New("malformed bundle")
	// ErrGraphTooLarge is returned when a built graph exceeds the configured
	// node or edge ceiling.
	ErrGraphTooLarge = errors.New("graph exceeds size ceiling")
	// ErrAnalysisFailed wraps any other fault raised while analyzing one package.
	ErrAnalysisFailed = errors.New("analysis failed")
)

// CallEdge is one or more observed calls from the caller's enclosing class to
// the callee's enclosing class.
type CallEdge struct {
	CallerClass  string `json:"caller"`
	CalleeClass  string `json:"callee"`
	CallerMethod string `json:"caller_method,omitempty"`
	Weight       int    `json:"weight,omitempty"`
	External     bool   `json:"external,omitempty"`
}

// Bundle is everything the disassembly collaborator extracted from one
// application package.
type Bundle struct {
	Name string `json:"apk_name"`
	// Label is 0 (benign), 1 (malware) or -1 (unknown). Only used by exports.
	Label int `json:"label"`

	Edges []CallEdge `json:"edges"`
	// ExternalCalls are full signatures of framework/library methods the
	// package invokes, e.g. "Ljava/lang/Runtime;->exec".
	ExternalCalls []string `json:"external_calls,omitempty"`
	Strings       []string `json:"strings,omitempty"`

	Permissions []string `json:"permissions"`
	// DangerousPermissions is optional; derived from Permissions when empty.
	DangerousPermissions []string `json:"dangerous_permissions,omitempty"`
	SizeKB               int      `json:"apk_size_kb"`
	Packed               bool     `json:"is_packed,omitempty"`
}

// Validate checks that the bundle can be analyzed. It never mutates the bundle.
func (b *Bundle) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil bundle", ErrMalformedBundle)
	}
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("%w: apk_name is required", ErrMalformedBundle)
	}
	if b.SizeKB < 0 {
		return fmt.Errorf("%w: apk_size_kb must not be negative (got %d)", ErrMalformedBundle, b.SizeKB)
	}
	for i, e := range b.Edges {
		if e.CallerClass == "" || e.CalleeClass == "" {
			return fmt.Errorf("%w: edge %d has an empty class id", ErrMalformedBundle, i)
		}
		if e.Weight < 0 {
			return fmt.Errorf("%w: edge %d has negative weight %d", ErrMalformedBundle, i, e.Weight)
		}
	}
	return nil
}

// Metadata is the read-only package description used by manifest counting
// and scoring.
type Metadata struct {
	SizeKB               int      `json:"apk_size_kb"`
	Permissions          []string `json:"all_permissions"`
	DangerousPermissions []string `json:"dangerous_permissions"`
	DangerousHits        int      `json:"danger_perm_hits"`
	Packed               bool     `json:"is_packed"`
}

// SizeClass partitions packages by size for caps and blend weighting
type SizeClass string

const (
	SizeClassSmall  SizeClass = "small"
	SizeClassNormal SizeClass = "normal"
	SizeClassLarge  SizeClass = "large"
)
