package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sharebroker/sharebroker/pkg/registry"
)

// FileSource reads the catalog from a local YAML file instead of a wiki.
//
// Used for deployments without an upstream wiki, and in tests. The file is
// re-read on every pass, so edits take effect on the next sync.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by the YAML file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// FetchCatalog reads the file. Missing or unreadable files are reported as
// unavailable, not as parse failures, since the file may reappear.
func (s *FileSource) FetchCatalog(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read catalog file %s: %v", registry.ErrUnavailable, s.path, err)
	}

	doc := &Document{Body: string(body)}
	if info, err := os.Stat(s.path); err == nil {
		doc.LastUpdated = info.ModTime()
	}
	return doc, nil
}

// staticCatalog is the YAML document shape for file-based catalogs.
type staticCatalog struct {
	Shares []staticShare `yaml:"shares"`
}

type staticShare struct {
	Name        string `yaml:"name"`
	LinuxPath   string `yaml:"linux_path"`
	Backend     string `yaml:"backend"`
	ProxyURL    string `yaml:"proxy_url"`
	Zone        string `yaml:"zone"`
	Storage     string `yaml:"storage"`
	Group       string `yaml:"group"`
	MacPath     string `yaml:"mac_path"`
	WindowsPath string `yaml:"windows_path"`
}

// YAMLParser parses a static YAML catalog into candidates.
type YAMLParser struct{}

// NewYAMLParser creates a parser for file-based catalogs.
func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

// Parse decodes the YAML body. Rows without a linux_path are rejected rather
// than skipped: a static catalog is hand-maintained, so a malformed row is an
// operator error worth surfacing.
func (p *YAMLParser) Parse(doc *Document) ([]Candidate, error) {
	var cat staticCatalog
	if err := yaml.Unmarshal([]byte(doc.Body), &cat); err != nil {
		return nil, fmt.Errorf("%w: decode catalog yaml: %v", registry.ErrParseFailure, err)
	}
	if len(cat.Shares) == 0 {
		return nil, fmt.Errorf("%w: catalog yaml has no shares", registry.ErrParseFailure)
	}

	candidates := make([]Candidate, 0, len(cat.Shares))
	for i, share := range cat.Shares {
		if share.LinuxPath == "" {
			return nil, fmt.Errorf("%w: share %d (%q) has no linux_path", registry.ErrParseFailure, i, share.Name)
		}

		backend := registry.BackendLocalFS
		switch share.Backend {
		case "", string(registry.BackendLocalFS):
		case string(registry.BackendObjectStore):
			backend = registry.BackendObjectStore
			if share.ProxyURL == "" {
				return nil, fmt.Errorf("%w: share %d (%q) is object_store but has no proxy_url", registry.ErrParseFailure, i, share.Name)
			}
		default:
			return nil, fmt.Errorf("%w: share %d (%q) has unknown backend %q", registry.ErrParseFailure, i, share.Name, share.Backend)
		}

		name := share.Name
		if name == "" {
			name = share.LinuxPath
		}

		candidates = append(candidates, Candidate{
			SourceKey:     Slugify(share.LinuxPath),
			DisplayName:   name,
			CanonicalPath: share.LinuxPath,
			Backend:       backend,
			ProxyURL:      share.ProxyURL,
			Zone:          share.Zone,
			Storage:       share.Storage,
			Group:         share.Group,
			MacPath:       share.MacPath,
			WindowsPath:   share.WindowsPath,
		})
	}
	return candidates, nil
}

var _ Source = (*FileSource)(nil)
var _ Parser = (*YAMLParser)(nil)

// SeedManualShares loads the YAML share list at path and creates any share
// not already present in the registry. Seeded records carry no source key,
// so reconciliation never touches them; they can only be changed or removed
// by hand. Matching is by canonical path and existing records are left as
// they are, which makes seeding idempotent across restarts.
//
// Returns the number of records created.
func SeedManualShares(ctx context.Context, store registry.Store, path string) (int, error) {
	doc, err := NewFileSource(path).FetchCatalog(ctx)
	if err != nil {
		return 0, err
	}
	candidates, err := NewYAMLParser().Parse(doc)
	if err != nil {
		return 0, err
	}

	existing, err := store.ListPaths(ctx, registry.PathFilter{})
	if err != nil {
		return 0, err
	}
	byPath := make(map[string]bool, len(existing))
	for _, rec := range existing {
		byPath[rec.CanonicalPath] = true
	}

	created := 0
	for _, c := range candidates {
		if byPath[c.CanonicalPath] {
			continue
		}
		rec := &registry.PathRecord{ID: registry.NewID()}
		c.apply(rec)
		if _, err := store.UpsertPath(ctx, rec, 0); err != nil {
			return created, fmt.Errorf("seed share %q: %w", c.CanonicalPath, err)
		}
		byPath[c.CanonicalPath] = true
		created++
	}
	return created, nil
}
