// Package catalog keeps the path registry in line with the upstream wiki
// catalog of file share paths.
//
// The package splits into three narrow pieces:
//
//   - Source fetches the raw catalog document (a wiki page).
//   - Parser turns a document into candidate records.
//   - Reconciler diffs candidates against the registry and applies the
//     result under per-record optimistic versioning.
//
// The reconciliation algorithm is the hard, testable part; the wiki fetch
// and HTML table parsing are swappable adapters behind the two interfaces.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/sharebroker/sharebroker/pkg/registry"
)

// Document is one fetched upstream catalog page.
type Document struct {
	// Body is the raw page content (HTML for wiki sources).
	Body string

	// LastUpdated is when the upstream page was last edited, if the source
	// reports it. Zero otherwise.
	LastUpdated time.Time
}

// Source fetches the current upstream catalog in full.
//
// Implementations must honor the context deadline and return an error
// wrapping registry.ErrUnavailable for network-level failures, so the
// reconciler can tell "upstream down" from "upstream changed shape".
type Source interface {
	FetchCatalog(ctx context.Context) (*Document, error)
}

// Candidate is one parsed catalog row: the upstream's view of a file share
// path, not yet reconciled against the registry.
type Candidate struct {
	// SourceKey identifies the row in the upstream catalog. Reconciliation
	// matches on this and nothing else.
	SourceKey string

	DisplayName   string
	CanonicalPath string
	Backend       registry.BackendKind
	ProxyURL      string

	Zone        string
	Storage     string
	Group       string
	MacPath     string
	WindowsPath string
}

// Parser turns a fetched document into candidate records.
//
// A parser that cannot extract any usable table must return an error
// wrapping registry.ErrParseFailure; the reconciler aborts the pass with no
// writes rather than treating an unreadable page as an empty catalog.
type Parser interface {
	Parse(doc *Document) ([]Candidate, error)
}

// Slugify derives a stable source key from a catalog path.
//
// "/groups/ackermann/primary" becomes "groups_ackermann_primary". The result
// depends only on the input path, so the same upstream row always yields the
// same key across passes.
func Slugify(path string) string {
	var b strings.Builder
	lastUnderscore := true // swallow leading separators
	for _, r := range strings.ToLower(strings.TrimSpace(path)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// apply copies the sync-mutable fields of c onto rec, leaving identity
// (ID, SourceKey) and bookkeeping untouched.
func (c *Candidate) apply(rec *registry.PathRecord) {
	rec.DisplayName = c.DisplayName
	rec.CanonicalPath = c.CanonicalPath
	rec.Backend = c.Backend
	rec.ProxyURL = c.ProxyURL
	rec.Zone = c.Zone
	rec.Storage = c.Storage
	rec.Group = c.Group
	rec.MacPath = c.MacPath
	rec.WindowsPath = c.WindowsPath
}

// differs reports whether rec would change if c were applied.
func (c *Candidate) differs(rec *registry.PathRecord) bool {
	want := rec.Clone()
	c.apply(want)
	return !want.SameContent(rec)
}
