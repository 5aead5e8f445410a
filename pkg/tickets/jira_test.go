package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharebroker/sharebroker/pkg/registry"
)

func TestClient_CreateTicket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/api/2/issue", r.URL.Path)
		assert.Equal(t, "Bearer tracker-token", r.Header.Get("Authorization"))

		var body createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "FT", body.Fields.Project.Key)
		assert.Equal(t, "Task", body.Fields.IssueType.Name)
		assert.NotEmpty(t, body.Fields.Summary)

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"10001","key":"FT-123"}`)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, Token: "tracker-token"})
	require.NoError(t, err)

	key, err := client.CreateTicket(context.Background(), TicketFields{
		Project:   "FT",
		Summary:   "conversion request: raw/scan.tif",
		IssueType: "Task",
	})
	require.NoError(t, err)
	assert.Equal(t, "FT-123", key)
}

func TestClient_GetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue/FT-123", r.URL.Path)
		assert.Equal(t, "status", r.URL.Query().Get("fields"))
		fmt.Fprint(w, `{"fields":{"status":{"name":"In Progress"}}}`)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	status, err := client.GetStatus(context.Background(), "FT-123")
	require.NoError(t, err)
	assert.Equal(t, "In Progress", status)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"fields":{"status":{"name":"Open"}}}`)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, MaxRetries: 3})
	require.NoError(t, err)

	status, err := client.GetStatus(context.Background(), "FT-1")
	require.NoError(t, err)
	assert.Equal(t, "Open", status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ExhaustedRetriesAreUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, MaxRetries: 2})
	require.NoError(t, err)

	_, err = client.GetStatus(context.Background(), "FT-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrUnavailable))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_MissingTicketIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, MaxRetries: 3})
	require.NoError(t, err)

	_, err = client.GetStatus(context.Background(), "FT-404")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrNotFound))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_BadTokenIsPermissionDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.GetStatus(context.Background(), "FT-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrPermissionDenied))
}

func TestClient_ContextCancellationStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, MaxRetries: 10})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.GetStatus(ctx, "FT-1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation must cut the backoff short")
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}
