// Package httpapi exposes the broker over JSON HTTP.
//
// The facade is deliberately thin: it decodes requests, calls into the
// registry, broker, catalog and ticket packages, and maps the shared error
// taxonomy onto HTTP statuses. No business logic lives here.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sharebroker/sharebroker/internal/logger"
	"github.com/sharebroker/sharebroker/internal/ratelimiter"
	"github.com/sharebroker/sharebroker/pkg/broker"
	"github.com/sharebroker/sharebroker/pkg/catalog"
	"github.com/sharebroker/sharebroker/pkg/registry"
	"github.com/sharebroker/sharebroker/pkg/tickets"
)

// callerHeader names the authenticated user on whose behalf a request runs.
// Authentication itself happens upstream (reverse proxy / SSO); the facade
// trusts this header.
const callerHeader = "X-Remote-User"

// API is the HTTP facade over the broker's components. Tickets and
// reconciler are optional; their endpoints return 503 when absent.
type API struct {
	store      registry.Store
	broker     *broker.Broker
	engine     *tickets.Engine
	reconciler *catalog.Reconciler
	limiter    *ratelimiter.Limiter
}

// New creates the facade. engine and reconciler may be nil when those
// subsystems are disabled.
func New(store registry.Store, b *broker.Broker, engine *tickets.Engine, reconciler *catalog.Reconciler) *API {
	return &API{
		store:      store,
		broker:     b,
		engine:     engine,
		reconciler: reconciler,
	}
}

// SetRateLimiter enables per-caller throttling on all routes. A nil or
// disabled limiter leaves requests unthrottled.
func (a *API) SetRateLimiter(l *ratelimiter.Limiter) {
	a.limiter = l
}

// Handler returns the routed HTTP handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /paths", a.handleListPaths)
	mux.HandleFunc("GET /paths/{id}", a.handleGetPath)
	mux.HandleFunc("GET /access/{id}", a.handleAccess)
	mux.HandleFunc("POST /sync", a.handleSync)
	mux.HandleFunc("GET /tickets", a.handleListTasks)
	mux.HandleFunc("POST /tickets", a.handleCreateTask)
	mux.HandleFunc("GET /tickets/{id}", a.handleGetTask)
	mux.HandleFunc("POST /tickets/{id}/refresh", a.handleRefreshTask)

	if a.limiter.Enabled() {
		return a.rateLimit(mux)
	}
	return mux
}

// rateLimit rejects callers that exceed their token bucket. Buckets are
// keyed by the caller header; anonymous requests share one bucket.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow(r.Header.Get(callerHeader)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.HealthCheck(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	last, err := a.store.LastRefresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"last_refresh": last,
	})
}

func (a *API) handleListPaths(w http.ResponseWriter, r *http.Request) {
	filter := registry.PathFilter{
		SourceKeyPrefix: r.URL.Query().Get("prefix"),
		ManagedOnly:     r.URL.Query().Get("managed") == "true",
	}
	if backend := r.URL.Query().Get("backend"); backend != "" {
		filter.Backend = registry.BackendKind(backend)
		if !filter.Backend.Valid() {
			http.Error(w, "unknown backend", http.StatusBadRequest)
			return
		}
	}

	recs, err := a.store.ListPaths(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *API) handleGetPath(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetPath(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleAccess(w http.ResponseWriter, r *http.Request) {
	caller := r.Header.Get(callerHeader)
	q := r.URL.Query()

	req := broker.Request{
		PathID:   r.PathValue("id"),
		Caller:   caller,
		Op:       broker.Op(q.Get("op")),
		Relative: q.Get("path"),
	}
	var err error
	if v := q.Get("offset"); v != "" {
		if req.Offset, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, "bad offset", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("length"); v != "" {
		if req.Length, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, "bad length", http.StatusBadRequest)
			return
		}
	}

	res, err := a.broker.Access(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case res.Reader != nil:
		defer res.Reader.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		if res.Length >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(res.Length, 10))
		}
		if _, err := io.Copy(w, res.Reader); err != nil {
			logger.Debug("Aborted read stream for %s: %v", req.PathID, err)
		}
	case res.Entries != nil:
		writeJSON(w, http.StatusOK, res.Entries)
	default:
		writeJSON(w, http.StatusOK, res.Attributes)
	}
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if a.reconciler == nil {
		http.Error(w, "catalog sync is disabled", http.StatusServiceUnavailable)
		return
	}
	stats, err := a.reconciler.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type createTaskRequest struct {
	Kind    registry.TaskKind    `json:"kind"`
	Payload registry.TaskPayload `json:"payload"`
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		http.Error(w, "ticketing is disabled", http.StatusServiceUnavailable)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}
	if req.Payload.Username == "" {
		req.Payload.Username = r.Header.Get(callerHeader)
	}

	task, err := a.engine.Create(r.Context(), req.Kind, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := registry.TaskFilter{
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Kind:       registry.TaskKind(r.URL.Query().Get("kind")),
	}
	tasks, err := a.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleRefreshTask(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		http.Error(w, "ticketing is disabled", http.StatusServiceUnavailable)
		return
	}
	task, err := a.engine.Refresh(r.Context(), r.PathValue("id"))
	if err != nil && task == nil {
		writeError(w, err)
		return
	}
	// A within-budget fetch failure still returns the (updated) task.
	writeJSON(w, http.StatusOK, task)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to encode response: %v", err)
	}
}

// writeError maps the shared error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrInvalidOperation):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrParseFailure):
		status = http.StatusBadGateway
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Server wraps the facade in an HTTP server with sane timeouts.
func (a *API) Server(port int) *http.Server {
	return &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      a.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // range reads can stream large files
		IdleTimeout:  60 * time.Second,
	}
}
