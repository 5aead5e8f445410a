// Package testing provides a reusable conformance suite for registry.Store
// implementations. It tests the interface contract, not implementation
// details, so every backend (memory, badger, postgres) runs the same tests.
package testing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharebroker/sharebroker/pkg/registry"
)

// StoreTestSuite runs the registry.Store contract tests against a backend.
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test. Cleanup should be
	// registered on t by the factory.
	NewStore func(t *testing.T) registry.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(test *testing.T) {
	test.Run("Paths", suite.RunPathTests)
	test.Run("Tasks", suite.RunTaskTests)
	test.Run("LastRefresh", suite.RunLastRefreshTests)
	test.Run("Healthcheck", suite.RunHealthcheckTests)
}

func (suite *StoreTestSuite) RunPathTests(test *testing.T) {
	test.Run("Get_NotFound", suite.TestGetPath_NotFound)
	test.Run("Create_Get", suite.TestPath_CreateGet)
	test.Run("Create_AssignsVersionOne", suite.TestPath_CreateAssignsVersionOne)
	test.Run("Create_ExistingID", suite.TestPath_CreateExistingID)
	test.Run("Update_VersionIncrements", suite.TestPath_UpdateVersionIncrements)
	test.Run("Update_StaleVersion", suite.TestPath_UpdateStaleVersion)
	test.Run("Update_MissingRecord", suite.TestPath_UpdateMissingRecord)
	test.Run("SourceKey_Lookup", suite.TestPath_SourceKeyLookup)
	test.Run("SourceKey_Unique", suite.TestPath_SourceKeyUnique)
	test.Run("SourceKey_Reassignment", suite.TestPath_SourceKeyReassignment)
	test.Run("List_Filters", suite.TestPath_ListFilters)
	test.Run("Delete_Success", suite.TestPath_DeleteSuccess)
	test.Run("Delete_StaleVersion", suite.TestPath_DeleteStaleVersion)
	test.Run("Delete_NotFound", suite.TestPath_DeleteNotFound)
	test.Run("ConcurrentUpsert_OneWins", suite.TestPath_ConcurrentUpsertOneWins)
}

func (suite *StoreTestSuite) RunTaskTests(test *testing.T) {
	test.Run("Get_NotFound", suite.TestGetTask_NotFound)
	test.Run("Create_Get", suite.TestTask_CreateGet)
	test.Run("TicketID_Lookup", suite.TestTask_TicketLookup)
	test.Run("TicketID_Immutable", suite.TestTask_TicketImmutable)
	test.Run("TicketID_Unique", suite.TestTask_TicketUnique)
	test.Run("List_ActiveOnly", suite.TestTask_ListActiveOnly)
	test.Run("Update_StaleVersion", suite.TestTask_UpdateStaleVersion)
}

func (suite *StoreTestSuite) RunLastRefreshTests(test *testing.T) {
	test.Run("ZeroWhenUnset", suite.TestLastRefresh_ZeroWhenUnset)
	test.Run("RoundTrip", suite.TestLastRefresh_RoundTrip)
}

func (suite *StoreTestSuite) RunHealthcheckTests(test *testing.T) {
	test.Run("Healthy", suite.TestHealthcheck_Healthy)
}

// newRecord builds a minimal valid local-fs record.
func newRecord(sourceKey string) *registry.PathRecord {
	return &registry.PathRecord{
		ID:            registry.NewID(),
		DisplayName:   "Lab A",
		CanonicalPath: "/data/a",
		Backend:       registry.BackendLocalFS,
		SourceKey:     sourceKey,
		Zone:          "lab-a",
		Storage:       "primary",
	}
}

func (suite *StoreTestSuite) TestGetPath_NotFound(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	_, err := store.GetPath(ctx, "missing")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func (suite *StoreTestSuite) TestPath_CreateGet(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	rec := newRecord("s1")
	stored, err := store.UpsertPath(ctx, rec, 0)
	require.NoError(t, err)

	got, err := store.GetPath(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, "Lab A", got.DisplayName)
	assert.Equal(t, "/data/a", got.CanonicalPath)
	assert.Equal(t, registry.BackendLocalFS, got.Backend)
	assert.Equal(t, "s1", got.SourceKey)
}

func (suite *StoreTestSuite) TestPath_CreateAssignsVersionOne(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	stored, err := store.UpsertPath(ctx, newRecord("s1"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Version)
}

func (suite *StoreTestSuite) TestPath_CreateExistingID(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	rec := newRecord("s1")
	_, err := store.UpsertPath(ctx, rec, 0)
	require.NoError(t, err)

	// A second create with expectedVersion 0 must not overwrite.
	_, err = store.UpsertPath(ctx, rec, 0)
	require.ErrorIs(t, err, registry.ErrVersionConflict)
}

func (suite *StoreTestSuite) TestPath_UpdateVersionIncrements(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	stored, err := store.UpsertPath(ctx, newRecord("s1"), 0)
	require.NoError(t, err)

	stored.DisplayName = "Lab A renamed"
	updated, err := store.UpsertPath(ctx, stored, stored.Version)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)

	got, err := store.GetPath(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lab A renamed", got.DisplayName)
	assert.Equal(t, uint64(2), got.Version)
}

func (suite *StoreTestSuite) TestPath_UpdateStaleVersion(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	stored, err := store.UpsertPath(ctx, newRecord("s1"), 0)
	require.NoError(t, err)

	stored.DisplayName = "first"
	_, err = store.UpsertPath(ctx, stored, stored.Version)
	require.NoError(t, err)

	// Same observed version again: the second writer lost the race.
	stored.DisplayName = "second"
	_, err = store.UpsertPath(ctx, stored, stored.Version)
	require.ErrorIs(t, err, registry.ErrVersionConflict)
}

func (suite *StoreTestSuite) TestPath_UpdateMissingRecord(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	rec := newRecord("s1")
	_, err := store.UpsertPath(ctx, rec, 3)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func (suite *StoreTestSuite) TestPath_SourceKeyLookup(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	rec := newRecord("s1")
	_, err := store.UpsertPath(ctx, rec, 0)
	require.NoError(t, err)

	got, err := store.GetPathBySourceKey(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = store.GetPathBySourceKey(ctx, "s2")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func (suite *StoreTestSuite) TestPath_SourceKeyUnique(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	_, err := store.UpsertPath(ctx, newRecord("s1"), 0)
	require.NoError(t, err)

	dup := newRecord("s1")
	_, err = store.UpsertPath(ctx, dup, 0)
	require.ErrorIs(t, err, registry.ErrAlreadyExists)
}

func (suite *StoreTestSuite) TestPath_SourceKeyReassignment(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	stored, err := store.UpsertPath(ctx, newRecord("s1"), 0)
	require.NoError(t, err)

	// Clearing the key frees it for another record.
	stored.SourceKey = ""
	stored, err = store.UpsertPath(ctx, stored, stored.Version)
	require.NoError(t, err)

	_, err = store.GetPathBySourceKey(ctx, "s1")
	require.ErrorIs(t, err, registry.ErrNotFound)

	_, err = store.UpsertPath(ctx, newRecord("s1"), 0)
	require.NoError(t, err)
}

func (suite *StoreTestSuite) TestPath_ListFilters(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	local := newRecord("lab_a")
	_, err := store.UpsertPath(ctx, local, 0)
	require.NoError(t, err)

	object := newRecord("lab_b")
	object.Backend = registry.BackendObjectStore
	object.ProxyURL = "https://proxy.example.com/lab-b"
	_, err = store.UpsertPath(ctx, object, 0)
	require.NoError(t, err)

	manual := newRecord("")
	_, err = store.UpsertPath(ctx, manual, 0)
	require.NoError(t, err)

	all, err := store.ListPaths(ctx, registry.PathFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	managed, err := store.ListPaths(ctx, registry.PathFilter{ManagedOnly: true})
	require.NoError(t, err)
	assert.Len(t, managed, 2)

	objects, err := store.ListPaths(ctx, registry.PathFilter{Backend: registry.BackendObjectStore})
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, object.ID, objects[0].ID)

	prefixed, err := store.ListPaths(ctx, registry.PathFilter{SourceKeyPrefix: "lab_a"})
	require.NoError(t, err)
	require.Len(t, prefixed, 1)
	assert.Equal(t, local.ID, prefixed[0].ID)
}

func (suite *StoreTestSuite) TestPath_DeleteSuccess(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	stored, err := store.UpsertPath(ctx, newRecord("s1"), 0)
	require.NoError(t, err)

	require.NoError(t, store.DeletePath(ctx, stored.ID, stored.Version))

	_, err = store.GetPath(ctx, stored.ID)
	require.ErrorIs(t, err, registry.ErrNotFound)

	// The source key is released with the record.
	_, err = store.GetPathBySourceKey(ctx, "s1")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func (suite *StoreTestSuite) TestPath_DeleteStaleVersion(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	stored, err := store.UpsertPath(ctx, newRecord("s1"), 0)
	require.NoError(t, err)

	err = store.DeletePath(ctx, stored.ID, stored.Version+5)
	require.ErrorIs(t, err, registry.ErrVersionConflict)
}

func (suite *StoreTestSuite) TestPath_DeleteNotFound(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	err := store.DeletePath(ctx, "missing", 1)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

// TestPath_ConcurrentUpsertOneWins drives two writers from the same observed
// version: exactly one commit succeeds and the loser sees ErrVersionConflict.
func (suite *StoreTestSuite) TestPath_ConcurrentUpsertOneWins(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	stored, err := store.UpsertPath(ctx, newRecord("s1"), 0)
	require.NoError(t, err)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			rec := stored.Clone()
			rec.DisplayName = "writer"
			_, err := store.UpsertPath(ctx, rec, stored.Version)
			results <- err
		}(i)
	}

	var conflicts, successes int
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			require.ErrorIs(t, err, registry.ErrVersionConflict)
			conflicts++
		} else {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func newTask(ticketID string) *registry.TicketTask {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &registry.TicketTask{
		ID:               registry.NewID(),
		ExternalTicketID: ticketID,
		Kind:             registry.TaskConversion,
		State:            registry.TaskOpen,
		Payload: registry.TaskPayload{
			FSPName:  "lab-a",
			Path:     "stacks/scan.czi",
			Username: "alice",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (suite *StoreTestSuite) TestGetTask_NotFound(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	_, err := store.GetTask(ctx, "missing")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func (suite *StoreTestSuite) TestTask_CreateGet(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	task := newTask("FT-1")
	stored, err := store.PutTask(ctx, task, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Version)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "FT-1", got.ExternalTicketID)
	assert.Equal(t, registry.TaskConversion, got.Kind)
	assert.Equal(t, registry.TaskOpen, got.State)
	assert.Equal(t, "alice", got.Payload.Username)
}

func (suite *StoreTestSuite) TestTask_TicketLookup(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	task := newTask("FT-2")
	_, err := store.PutTask(ctx, task, 0)
	require.NoError(t, err)

	got, err := store.GetTaskByTicket(ctx, "FT-2")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = store.GetTaskByTicket(ctx, "FT-404")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func (suite *StoreTestSuite) TestTask_TicketImmutable(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	stored, err := store.PutTask(ctx, newTask("FT-3"), 0)
	require.NoError(t, err)

	stored.ExternalTicketID = "FT-999"
	_, err = store.PutTask(ctx, stored, stored.Version)
	require.ErrorIs(t, err, registry.ErrInvalidOperation)
}

func (suite *StoreTestSuite) TestTask_TicketUnique(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	_, err := store.PutTask(ctx, newTask("FT-4"), 0)
	require.NoError(t, err)

	_, err = store.PutTask(ctx, newTask("FT-4"), 0)
	require.ErrorIs(t, err, registry.ErrAlreadyExists)
}

func (suite *StoreTestSuite) TestTask_ListActiveOnly(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	open := newTask("FT-5")
	_, err := store.PutTask(ctx, open, 0)
	require.NoError(t, err)

	resolved := newTask("FT-6")
	resolved.State = registry.TaskResolved
	_, err = store.PutTask(ctx, resolved, 0)
	require.NoError(t, err)

	active, err := store.ListTasks(ctx, registry.TaskFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.ID, active[0].ID)

	all, err := store.ListTasks(ctx, registry.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func (suite *StoreTestSuite) TestTask_UpdateStaleVersion(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	stored, err := store.PutTask(ctx, newTask("FT-7"), 0)
	require.NoError(t, err)

	stored.State = registry.TaskInProgress
	_, err = store.PutTask(ctx, stored, stored.Version)
	require.NoError(t, err)

	stored.State = registry.TaskResolved
	_, err = store.PutTask(ctx, stored, stored.Version)
	require.ErrorIs(t, err, registry.ErrVersionConflict)
}

func (suite *StoreTestSuite) TestLastRefresh_ZeroWhenUnset(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	ts, err := store.LastRefresh(ctx)
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func (suite *StoreTestSuite) TestLastRefresh_RoundTrip(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.SetLastRefresh(ctx, now))

	got, err := store.LastRefresh(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(now), "expected %v, got %v", now, got)
}

func (suite *StoreTestSuite) TestHealthcheck_Healthy(t *testing.T) {
	store := suite.NewStore(t)
	require.NoError(t, store.HealthCheck(context.Background()))
}
