package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharebroker/sharebroker/pkg/registry"
	"github.com/sharebroker/sharebroker/pkg/registry/memory"
)

// fakeSource returns a fixed document or error.
type fakeSource struct {
	doc *Document
	err error
}

func (s *fakeSource) FetchCatalog(ctx context.Context) (*Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.doc, nil
}

// fakeParser returns fixed candidates or an error, ignoring the document.
type fakeParser struct {
	candidates []Candidate
	err        error
}

func (p *fakeParser) Parse(doc *Document) ([]Candidate, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.candidates, nil
}

func shareCandidate(key, path string) Candidate {
	return Candidate{
		SourceKey:     key,
		DisplayName:   key,
		CanonicalPath: path,
		Backend:       registry.BackendLocalFS,
	}
}

func newTestReconciler(store registry.Store, candidates []Candidate) (*Reconciler, *fakeParser) {
	parser := &fakeParser{candidates: candidates}
	r := NewReconciler(store, &fakeSource{doc: &Document{}}, parser, ReconcilerConfig{}, nil)
	return r, parser
}

func TestReconciler_CreatesNewRecords(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	r, _ := newTestReconciler(store, []Candidate{
		shareCandidate("groups_a", "/groups/a"),
		shareCandidate("groups_b", "/groups/b"),
	})

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 0, stats.Deleted)

	rec, err := store.GetPathBySourceKey(context.Background(), "groups_a")
	require.NoError(t, err)
	assert.Equal(t, "/groups/a", rec.CanonicalPath)
	assert.Equal(t, uint64(1), rec.Version)
	assert.False(t, rec.LastSyncedAt.IsZero())

	refresh, err := store.LastRefresh(context.Background())
	require.NoError(t, err)
	assert.False(t, refresh.IsZero())
}

func TestReconciler_UnchangedPassIsIdempotent(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	r, _ := newTestReconciler(store, []Candidate{shareCandidate("groups_a", "/groups/a")})

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Created)
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 1, stats.Unchanged)

	rec, err := store.GetPathBySourceKey(context.Background(), "groups_a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version, "no-op pass must not bump versions")
}

func TestReconciler_UpdatesChangedRecords(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	r, parser := newTestReconciler(store, []Candidate{shareCandidate("groups_a", "/groups/a")})
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	before, err := store.GetPathBySourceKey(context.Background(), "groups_a")
	require.NoError(t, err)

	// The path moves but the source key survives: same record, new content.
	parser.candidates = []Candidate{shareCandidate("groups_a", "/groups/a-moved")}

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	after, err := store.GetPathBySourceKey(context.Background(), "groups_a")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID, "source key match preserves identity")
	assert.Equal(t, "/groups/a-moved", after.CanonicalPath)
	assert.Equal(t, before.Version+1, after.Version)
}

func TestReconciler_DeletesVanishedRecords(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	r, parser := newTestReconciler(store, []Candidate{
		shareCandidate("groups_a", "/groups/a"),
		shareCandidate("groups_b", "/groups/b"),
	})
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	parser.candidates = []Candidate{shareCandidate("groups_a", "/groups/a")}

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	_, err = store.GetPathBySourceKey(context.Background(), "groups_b")
	assert.True(t, errors.Is(err, registry.ErrNotFound))
}

func TestReconciler_DeleteCapSkipsAllDeletes(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	var initial []Candidate
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("groups_%d", i)
		initial = append(initial, shareCandidate(key, "/groups/"+key))
	}

	r, parser := newTestReconciler(store, initial)
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	// Upstream suddenly loses all but one row, plus gains a new one. With
	// the default cap of 2 the four deletes are withheld but the create
	// still lands.
	parser.candidates = []Candidate{
		shareCandidate("groups_0", "/groups/groups_0"),
		shareCandidate("groups_new", "/groups/groups_new"),
	}

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Deleted)
	assert.Equal(t, 4, stats.DeletesSkipped)
	assert.Equal(t, 1, stats.Created)

	remaining, err := store.ListPaths(context.Background(), registry.PathFilter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 6, "nothing deleted, one created")
}

func TestReconciler_FetchFailureAbortsWithoutWrites(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	r, _ := newTestReconciler(store, []Candidate{shareCandidate("groups_a", "/groups/a")})
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	firstRefresh, err := store.LastRefresh(context.Background())
	require.NoError(t, err)

	failing := NewReconciler(store,
		&fakeSource{err: fmt.Errorf("wiki down: %w", registry.ErrUnavailable)},
		&fakeParser{}, ReconcilerConfig{}, nil)

	_, err = failing.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrUnavailable))

	// Registry and refresh marker both untouched.
	rec, err := store.GetPathBySourceKey(context.Background(), "groups_a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)

	refresh, err := store.LastRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstRefresh, refresh)
}

func TestReconciler_ParseFailureAbortsWithoutWrites(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	r, parser := newTestReconciler(store, []Candidate{shareCandidate("groups_a", "/groups/a")})
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	parser.err = fmt.Errorf("page mangled: %w", registry.ErrParseFailure)

	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrParseFailure))

	rec, err := store.GetPathBySourceKey(context.Background(), "groups_a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)
}

func TestReconciler_ManualRecordsAreInvisible(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	// A manually registered record has no source key and must survive any
	// number of passes untouched.
	manual := &registry.PathRecord{
		ID:            registry.NewID(),
		DisplayName:   "hand-registered",
		CanonicalPath: "/manual/share",
		Backend:       registry.BackendLocalFS,
	}
	_, err := store.UpsertPath(context.Background(), manual, 0)
	require.NoError(t, err)

	r, _ := newTestReconciler(store, []Candidate{shareCandidate("groups_a", "/groups/a")})
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	kept, err := store.GetPath(context.Background(), manual.ID)
	require.NoError(t, err)
	assert.Equal(t, "/manual/share", kept.CanonicalPath)
	assert.Equal(t, uint64(1), kept.Version)
}

func TestReconciler_DuplicateSourceKeysKeepFirst(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	r, _ := newTestReconciler(store, []Candidate{
		shareCandidate("groups_a", "/groups/a"),
		shareCandidate("groups_a", "/groups/a-duplicate"),
	})

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	rec, err := store.GetPathBySourceKey(context.Background(), "groups_a")
	require.NoError(t, err)
	assert.Equal(t, "/groups/a", rec.CanonicalPath)
}

func TestReconciler_StaleVersionIsConflictNotFailure(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	r, parser := newTestReconciler(store, []Candidate{shareCandidate("groups_a", "/groups/a")})
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	// Interpose a store wrapper that bumps the record between the
	// reconciler's read and its write, simulating a concurrent writer.
	parser.candidates = []Candidate{shareCandidate("groups_a", "/groups/a-moved")}
	racing := NewReconciler(&racingStore{Store: store}, &fakeSource{doc: &Document{}}, parser, ReconcilerConfig{}, nil)

	stats, err := racing.Run(context.Background())
	require.NoError(t, err, "a per-record conflict must not abort the pass")
	assert.Equal(t, 1, stats.Conflicts)
	assert.Equal(t, 0, stats.Updated)
}

// racingStore sneaks an extra write in after every list, so the version the
// reconciler read is stale by the time it writes.
type racingStore struct {
	registry.Store
}

func (s *racingStore) ListPaths(ctx context.Context, filter registry.PathFilter) ([]*registry.PathRecord, error) {
	recs, err := s.Store.ListPaths(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		bumped := rec.Clone()
		bumped.DisplayName = rec.DisplayName + " (raced)"
		if _, err := s.Store.UpsertPath(ctx, bumped, rec.Version); err != nil {
			return nil, err
		}
	}
	return recs, nil
}
