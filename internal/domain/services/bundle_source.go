package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"apkscore-lab/internal/domain/models"
)

// Labels assigned by dataset layout
const (
	LabelBenign  = 0
	LabelMalware = 1
	LabelUnknown = -1
)

const bundleExt = ".json"

// BundleRef identifies one bundle before it is loaded
type BundleRef struct {
	Name  string
	Label int
	Path  string
}

// BundleSource enumerates and loads extracted bundles
type BundleSource interface {
	List(ctx context.Context) ([]BundleRef, error)
	Load(ctx context.Context, ref BundleRef) (*models.Bundle, error)
}

// DirectorySourceOptions filter a dataset directory
type DirectorySourceOptions struct {
	// Subset restricts a labeled dataset to "benign" or "malware"
	Subset string
	// Limit caps the number of listed bundles; 0 means no limit
	Limit int
}

// DirectorySource reads bundle JSON files. A root containing benign/ and/or
// malware/ subdirectories is a labeled dataset; otherwise every *.json file
// in the root is listed with an unknown label.
type DirectorySource struct {
	root string
	opts DirectorySourceOptions
}

// NewDirectorySource creates a new DirectorySource
func NewDirectorySource(root string, opts DirectorySourceOptions) (*DirectorySource, error) {
	switch opts.Subset {
	case "", "benign", "malware":
	default:
		return nil, fmt.Errorf("unknown subset %q", opts.Subset)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset %s is not a directory", root)
	}
	return &DirectorySource{root: root, opts: opts}, nil
}

// List returns bundles sorted by name within each label, benign first
func (s *DirectorySource) List(ctx context.Context) ([]BundleRef, error) {
	benignDir := filepath.Join(s.root, "benign")
	malwareDir := filepath.Join(s.root, "malware")

	var refs []BundleRef
	if isDir(benignDir) || isDir(malwareDir) {
		if s.opts.Subset != "malware" && isDir(benignDir) {
			found, err := listDir(benignDir, LabelBenign)
			if err != nil {
				return nil, err
			}
			refs = append(refs, found...)
		}
		if s.opts.Subset != "benign" && isDir(malwareDir) {
			found, err := listDir(malwareDir, LabelMalware)
			if err != nil {
				return nil, err
			}
			refs = append(refs, found...)
		}
	} else {
		found, err := listDir(s.root, LabelUnknown)
		if err != nil {
			return nil, err
		}
		refs = found
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.opts.Limit > 0 && len(refs) > s.opts.Limit {
		refs = refs[:s.opts.Limit]
	}
	return refs, nil
}

// Load reads and decodes one bundle. A missing apk_name is taken from the
// file name; the directory label overrides an unset label.
func (s *DirectorySource) Load(ctx context.Context, ref BundleRef) (*models.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", ref.Path, err)
	}
	b, err := DecodeBundle(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode bundle %s: %w", ref.Path, err)
	}
	if b.Name == "" {
		b.Name = ref.Name
	}
	if ref.Label != LabelUnknown {
		b.Label = ref.Label
	}
	return b, nil
}

// DecodeBundle parses bundle JSON. The label defaults to unknown.
func DecodeBundle(data []byte) (*models.Bundle, error) {
	b := &models.Bundle{Label: LabelUnknown}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedBundle, err)
	}
	return b, nil
}

func listDir(dir string, label int) ([]BundleRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	refs := make([]BundleRef, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), bundleExt) {
			continue
		}
		refs = append(refs, BundleRef{
			Name:  strings.TrimSuffix(e.Name(), bundleExt),
			Label: label,
			Path:  filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
