package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendKind_Valid(t *testing.T) {
	assert.True(t, BackendLocalFS.Valid())
	assert.True(t, BackendObjectStore.Valid())
	assert.False(t, BackendKind("tape").Valid())
	assert.False(t, BackendKind("").Valid())
}

func TestPathRecord_Managed(t *testing.T) {
	assert.True(t, (&PathRecord{SourceKey: "groups_ackermann"}).Managed())
	assert.False(t, (&PathRecord{}).Managed())
}

func TestPathRecord_SameContent(t *testing.T) {
	base := &PathRecord{
		DisplayName:   "Ackermann Lab",
		CanonicalPath: "/groups/ackermann/primary",
		Backend:       BackendLocalFS,
		Zone:          "ackermann",
	}

	same := base.Clone()
	same.ID = NewID()
	same.SourceKey = "groups_ackermann_primary"
	same.Version = 9
	assert.True(t, base.SameContent(same), "identity and bookkeeping fields do not count as content")

	renamed := base.Clone()
	renamed.CanonicalPath = "/groups/ackermann/archive"
	assert.False(t, base.SameContent(renamed))

	relabelled := base.Clone()
	relabelled.DisplayName = "Ackermann (archived)"
	assert.False(t, base.SameContent(relabelled))
}

func TestPathRecord_Clone(t *testing.T) {
	rec := &PathRecord{ID: NewID(), DisplayName: "Imaging", Version: 2}
	cp := rec.Clone()
	cp.DisplayName = "changed"
	assert.Equal(t, "Imaging", rec.DisplayName)
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestPathFilter_Matches(t *testing.T) {
	managed := &PathRecord{
		Backend:   BackendLocalFS,
		SourceKey: "groups_ackermann_primary",
	}
	manual := &PathRecord{Backend: BackendObjectStore}

	assert.True(t, PathFilter{}.Matches(managed))
	assert.True(t, PathFilter{}.Matches(manual))

	assert.True(t, PathFilter{Backend: BackendLocalFS}.Matches(managed))
	assert.False(t, PathFilter{Backend: BackendLocalFS}.Matches(manual))

	assert.True(t, PathFilter{ManagedOnly: true}.Matches(managed))
	assert.False(t, PathFilter{ManagedOnly: true}.Matches(manual))

	assert.True(t, PathFilter{SourceKeyPrefix: "groups_"}.Matches(managed))
	assert.False(t, PathFilter{SourceKeyPrefix: "scratch_"}.Matches(managed))
	assert.False(t, PathFilter{SourceKeyPrefix: "groups_"}.Matches(manual),
		"prefix filter implies managed")
	assert.False(t, PathFilter{SourceKeyPrefix: "groups_ackermann_primary_extra"}.Matches(managed))
}
