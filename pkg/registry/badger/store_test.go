package badger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharebroker/sharebroker/pkg/registry"
	"github.com/sharebroker/sharebroker/pkg/registry/badger"
	storetesting "github.com/sharebroker/sharebroker/pkg/registry/testing"
)

func newTestStore(t *testing.T) registry.Store {
	t.Helper()

	store, err := badger.NewBadgerStore(context.Background(), badger.Config{
		Path:     t.TempDir(),
		InMemory: false,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerStore_Conformance(t *testing.T) {
	suite := &storetesting.StoreTestSuite{NewStore: newTestStore}
	suite.Run(t)
}

// TestBadgerStore_Persistence verifies records survive a close/reopen cycle.
func TestBadgerStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := badger.NewBadgerStore(ctx, badger.Config{Path: dir})
	require.NoError(t, err)

	rec := &registry.PathRecord{
		ID:            registry.NewID(),
		DisplayName:   "Lab A",
		CanonicalPath: "/data/a",
		Backend:       registry.BackendLocalFS,
		SourceKey:     "s1",
	}
	stored, err := store.UpsertPath(ctx, rec, 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := badger.NewBadgerStore(ctx, badger.Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetPath(ctx, stored.ID)
	require.NoError(t, err)
	require.Equal(t, "Lab A", got.DisplayName)
	require.Equal(t, stored.Version, got.Version)

	bySource, err := reopened.GetPathBySourceKey(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, stored.ID, bySource.ID)
}
