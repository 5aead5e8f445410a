package registry

import (
	"time"

	"github.com/google/uuid"
)

// BackendKind identifies how the data behind a path record is reached.
type BackendKind string

const (
	// BackendLocalFS marks records whose canonical path is a mount point on
	// the local filesystem. Access runs under the caller's effective identity.
	BackendLocalFS BackendKind = "local_fs"

	// BackendObjectStore marks records whose data lives in an object store
	// and is reached through the proxy at ProxyURL.
	BackendObjectStore BackendKind = "object_store"
)

// Valid reports whether k is a known backend kind.
func (k BackendKind) Valid() bool {
	return k == BackendLocalFS || k == BackendObjectStore
}

// PathRecord describes one named, access-controlled storage location.
//
// Identity model:
//   - ID is assigned exactly once (at creation) and never reused or changed.
//     Display fields and even the canonical path may change underneath it;
//     clients holding an ID keep a stable reference across upstream renames.
//   - SourceKey ties the record to its row in the upstream catalog and is
//     unique among non-empty values. Records with an empty SourceKey were
//     provided by static configuration and are never touched by catalog sync.
//
// Concurrency model:
//   - Version increments on every mutation. Writers supply the version they
//     last observed; a mismatch fails with ErrVersionConflict instead of
//     silently overwriting.
type PathRecord struct {
	// ID is the stable opaque identifier for this record.
	ID string `json:"id"`

	// DisplayName is the human-readable label shown in UIs. Mutable.
	DisplayName string `json:"display_name"`

	// CanonicalPath is the absolute local mount path (local_fs) or the
	// object-store key prefix (object_store).
	CanonicalPath string `json:"canonical_path"`

	// Backend selects how operations on this record are executed.
	Backend BackendKind `json:"backend_kind"`

	// ProxyURL is the externally reachable URL for object-store records.
	// Empty for local filesystem records.
	ProxyURL string `json:"proxy_url,omitempty"`

	// SourceKey is the identifier of this record in the upstream catalog.
	// Empty for manually configured records.
	SourceKey string `json:"source_key,omitempty"`

	// Zone groups related paths in UIs (lab or project name upstream).
	Zone string `json:"zone,omitempty"`

	// Storage is the upstream storage tier (home, primary, scratch, ...).
	Storage string `json:"storage,omitempty"`

	// Group is the owning group as reported by the catalog.
	Group string `json:"group,omitempty"`

	// MacPath and WindowsPath are the client-side mount strings published
	// in the catalog (smb://..., \\server\share). Informational only.
	MacPath     string `json:"mac_path,omitempty"`
	WindowsPath string `json:"windows_path,omitempty"`

	// Version is the optimistic concurrency counter. Starts at 1.
	Version uint64 `json:"version"`

	// LastSyncedAt is when catalog sync last confirmed this record against
	// the upstream catalog. Zero for manual records.
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
}

// Managed reports whether the record is owned by catalog sync.
func (r *PathRecord) Managed() bool {
	return r.SourceKey != ""
}

// SameContent reports whether all sync-mutable fields of r equal those of
// other. ID, SourceKey, Version and LastSyncedAt are deliberately excluded:
// they are identity and bookkeeping, not content.
func (r *PathRecord) SameContent(other *PathRecord) bool {
	return r.DisplayName == other.DisplayName &&
		r.CanonicalPath == other.CanonicalPath &&
		r.Backend == other.Backend &&
		r.ProxyURL == other.ProxyURL &&
		r.Zone == other.Zone &&
		r.Storage == other.Storage &&
		r.Group == other.Group &&
		r.MacPath == other.MacPath &&
		r.WindowsPath == other.WindowsPath
}

// Clone returns a deep copy of the record.
func (r *PathRecord) Clone() *PathRecord {
	cp := *r
	return &cp
}

// NewID returns a freshly assigned record identifier.
//
// UUIDv4 gives collision resistance without coordination, so concurrent
// reconciliation passes can mint identifiers independently.
func NewID() string {
	return uuid.NewString()
}

// PathFilter narrows ListPaths results. Zero value matches everything.
type PathFilter struct {
	// Backend restricts results to one backend kind when non-empty.
	Backend BackendKind

	// SourceKeyPrefix restricts results to managed records whose source key
	// starts with the prefix.
	SourceKeyPrefix string

	// ManagedOnly restricts results to records with a non-empty source key,
	// i.e. the set catalog sync is allowed to touch.
	ManagedOnly bool
}

// Matches reports whether rec passes the filter.
func (f PathFilter) Matches(rec *PathRecord) bool {
	if f.Backend != "" && rec.Backend != f.Backend {
		return false
	}
	if f.ManagedOnly && !rec.Managed() {
		return false
	}
	if f.SourceKeyPrefix != "" {
		if !rec.Managed() || len(rec.SourceKey) < len(f.SourceKeyPrefix) ||
			rec.SourceKey[:len(f.SourceKeyPrefix)] != f.SourceKeyPrefix {
			return false
		}
	}
	return true
}
