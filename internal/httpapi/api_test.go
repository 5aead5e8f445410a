package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharebroker/sharebroker/internal/ratelimiter"
	"github.com/sharebroker/sharebroker/pkg/broker"
	"github.com/sharebroker/sharebroker/pkg/catalog"
	"github.com/sharebroker/sharebroker/pkg/registry"
	"github.com/sharebroker/sharebroker/pkg/registry/memory"
	"github.com/sharebroker/sharebroker/pkg/tickets"
)

// stubTicketAPI hands out sequential keys and a fixed status.
type stubTicketAPI struct {
	nextID int
	status string
}

func (s *stubTicketAPI) CreateTicket(ctx context.Context, fields tickets.TicketFields) (string, error) {
	s.nextID++
	return fmt.Sprintf("FT-%d", s.nextID), nil
}

func (s *stubTicketAPI) GetStatus(ctx context.Context, externalID string) (string, error) {
	if s.status == "" {
		return "Open", nil
	}
	return s.status, nil
}

type fixture struct {
	store  registry.Store
	api    *API
	server *httptest.Server
	stub   *stubTicketAPI
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	b := broker.New(store, broker.NewIdentitySwitcher(false, nil), broker.Config{}, nil)
	stub := &stubTicketAPI{}
	engine := tickets.NewEngine(store, stub, tickets.EngineConfig{Project: "FT"}, nil)

	catalogFile := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogFile, []byte("shares:\n  - linux_path: /groups/synced\n"), 0o644))
	reconciler := catalog.NewReconciler(store,
		catalog.NewFileSource(catalogFile), catalog.NewYAMLParser(), catalog.ReconcilerConfig{}, nil)

	api := New(store, b, engine, reconciler)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	return &fixture{store: store, api: api, server: server, stub: stub}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return f.do(t, http.MethodGet, path, "")
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	u, err := user.Current()
	require.NoError(t, err)
	req.Header.Set(callerHeader, u.Username)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) addPath(t *testing.T, rec *registry.PathRecord) *registry.PathRecord {
	t.Helper()
	if rec.ID == "" {
		rec.ID = registry.NewID()
	}
	stored, err := f.store.UpsertPath(context.Background(), rec, 0)
	require.NoError(t, err)
	return stored
}

func TestAPI_Health(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestAPI_ListAndGetPaths(t *testing.T) {
	f := newFixture(t)
	rec := f.addPath(t, &registry.PathRecord{
		DisplayName:   "Ackermann Lab",
		CanonicalPath: "/groups/ackermann/primary",
		Backend:       registry.BackendLocalFS,
		SourceKey:     "groups_ackermann_primary",
	})
	f.addPath(t, &registry.PathRecord{
		DisplayName:   "Imaging",
		CanonicalPath: "/buckets/imaging",
		Backend:       registry.BackendObjectStore,
		ProxyURL:      "https://proxy.example.org/imaging",
	})

	resp, body := f.get(t, "/paths")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []registry.PathRecord
	require.NoError(t, json.Unmarshal(body, &recs))
	assert.Len(t, recs, 2)

	resp, body = f.get(t, "/paths?backend=local_fs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "Ackermann Lab", recs[0].DisplayName)

	resp, body = f.get(t, "/paths/"+rec.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got registry.PathRecord
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, rec.ID, got.ID)

	resp, _ = f.get(t, "/paths/"+registry.NewID())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/paths?backend=tape")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Access(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), []byte("0123456789"), 0o644))
	rec := f.addPath(t, &registry.PathRecord{
		CanonicalPath: dir,
		Backend:       registry.BackendLocalFS,
	})

	t.Run("stat", func(t *testing.T) {
		resp, body := f.get(t, "/access/"+rec.ID+"?op=stat&path=data.bin")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var attrs broker.Attributes
		require.NoError(t, json.Unmarshal(body, &attrs))
		assert.Equal(t, int64(10), attrs.Size)
	})

	t.Run("list", func(t *testing.T) {
		resp, body := f.get(t, "/access/"+rec.ID+"?op=list")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var entries []broker.Entry
		require.NoError(t, json.Unmarshal(body, &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, "data.bin", entries[0].Name)
	})

	t.Run("read range", func(t *testing.T) {
		resp, body := f.get(t, "/access/"+rec.ID+"?op=read_range&path=data.bin&offset=2&length=4")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "2345", string(body))
	})

	t.Run("missing target is 404", func(t *testing.T) {
		resp, _ := f.get(t, "/access/"+rec.ID+"?op=stat&path=absent")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("traversal is 400", func(t *testing.T) {
		resp, _ := f.get(t, "/access/"+rec.ID+"?op=stat&path=../secret")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad offset is 400", func(t *testing.T) {
		resp, _ := f.get(t, "/access/"+rec.ID+"?op=read_range&path=data.bin&offset=nope")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAPI_Sync(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats catalog.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.Created)

	rec, err := f.store.GetPathBySourceKey(context.Background(), "groups_synced")
	require.NoError(t, err)
	assert.Equal(t, "/groups/synced", rec.CanonicalPath)
}

func TestAPI_SyncDisabled(t *testing.T) {
	f := newFixture(t)
	f.api.reconciler = nil

	resp, _ := f.do(t, http.MethodPost, "/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPI_Tickets(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/tickets",
		`{"kind":"conversion","payload":{"fsp_name":"ackermann","path":"raw/scan.tif"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var task registry.TicketTask
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, "FT-1", task.ExternalTicketID)
	assert.Equal(t, registry.TaskOpen, task.State)
	assert.NotEmpty(t, task.Payload.Username, "username falls back to the caller header")

	resp, body = f.get(t, "/tickets?active=true")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []registry.TicketTask
	require.NoError(t, json.Unmarshal(body, &tasks))
	assert.Len(t, tasks, 1)

	resp, body = f.get(t, "/tickets/"+task.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.stub.status = "Done"
	resp, body = f.do(t, http.MethodPost, "/tickets/"+task.ID+"/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed registry.TicketTask
	require.NoError(t, json.Unmarshal(body, &refreshed))
	assert.Equal(t, registry.TaskResolved, refreshed.State)

	resp, _ = f.get(t, "/tickets/"+registry.NewID())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateTaskValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/tickets", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/tickets", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_RateLimit(t *testing.T) {
	f := newFixture(t)
	f.api.SetRateLimiter(ratelimiter.New(1, 2))
	server := httptest.NewServer(f.api.Handler())
	t.Cleanup(server.Close)

	get := func(caller string) int {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set(callerHeader, caller)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("alice"))
	assert.Equal(t, http.StatusOK, get("alice"))
	assert.Equal(t, http.StatusTooManyRequests, get("alice"))
	assert.Equal(t, http.StatusOK, get("bob"), "throttling is per caller")
}

func TestAPI_TicketsDisabled(t *testing.T) {
	f := newFixture(t)
	f.api.engine = nil

	resp, _ := f.do(t, http.MethodPost, "/tickets", `{"kind":"conversion"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
