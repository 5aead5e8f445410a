// Package tickets tracks long-running operations handed off to an external
// ticketing system.
//
// The external system owns the truth; the engine keeps a local task record
// per ticket and moves its cached state monotonically forward as statuses
// are observed. Tasks are never deleted.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sharebroker/sharebroker/internal/logger"
	"github.com/sharebroker/sharebroker/pkg/metrics"
	"github.com/sharebroker/sharebroker/pkg/registry"
)

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	// Project is the external project tickets are filed under.
	Project string

	// IssueType names the external issue type. Default "Task".
	IssueType string

	// StatusCacheTTL keeps fetched statuses this long, absorbing polling
	// storms against the external system. Zero disables caching.
	StatusCacheTTL time.Duration

	// FetchFailureBudget is how many consecutive failed status fetches a
	// non-terminal task survives before it is failed locally. Default 3.
	FetchFailureBudget int
}

func (c *EngineConfig) applyDefaults() {
	if c.IssueType == "" {
		c.IssueType = "Task"
	}
	if c.FetchFailureBudget <= 0 {
		c.FetchFailureBudget = 3
	}
}

// Engine drives ticket-backed tasks through their lifecycle.
type Engine struct {
	store   registry.Store
	api     TicketAPI
	cfg     EngineConfig
	cache   *gocache.Cache
	metrics metrics.TicketMetrics
	now     func() time.Time
}

// NewEngine creates an engine. A nil metrics sink disables instrumentation.
func NewEngine(store registry.Store, api TicketAPI, cfg EngineConfig, m metrics.TicketMetrics) *Engine {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewNoopTicketMetrics()
	}
	var statusCache *gocache.Cache
	if cfg.StatusCacheTTL > 0 {
		statusCache = gocache.New(cfg.StatusCacheTTL, 2*cfg.StatusCacheTTL)
	}
	return &Engine{
		store:   store,
		api:     api,
		cfg:     cfg,
		cache:   statusCache,
		metrics: m,
		now:     time.Now,
	}
}

// Create opens an external ticket for the operation and persists the local
// task.
//
// The external ticket is created first: if that fails nothing is persisted
// and the caller retries the whole call. A crash between external creation
// and local persistence orphans the ticket in the external system, which the
// external team resolves by hand; the reverse order would instead leave a
// local task pointing at nothing, permanently wedged.
func (e *Engine) Create(ctx context.Context, kind registry.TaskKind, payload registry.TaskPayload) (*registry.TicketTask, error) {
	start := e.now()
	externalID, err := e.api.CreateTicket(ctx, e.fieldsFor(kind, payload))
	e.metrics.ObserveCreate(time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("external ticket creation failed: %w", err)
	}

	now := e.now().UTC()
	task := &registry.TicketTask{
		ID:               registry.NewID(),
		ExternalTicketID: externalID,
		Kind:             kind,
		State:            registry.TaskPending,
		Payload:          payload,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	stored, err := e.store.PutTask(ctx, task, 0)
	if err != nil {
		logger.Error("Ticket %s created externally but task persistence failed: %v", externalID, err)
		return nil, fmt.Errorf("failed to persist task for ticket %s: %w", externalID, err)
	}

	// The ticket exists, so the task is immediately OPEN.
	opened := stored.Clone()
	opened.State = registry.TaskOpen
	opened.UpdatedAt = e.now().UTC()
	open, err := e.store.PutTask(ctx, opened, stored.Version)
	if err != nil {
		// The PENDING task is durable and carries the persisted version; a
		// later refresh moves it forward.
		logger.Warn("Task %s persisted but open transition failed: %v", task.ID, err)
		return stored, nil
	}

	logger.Info("Created %s task %s backed by ticket %s", kind, open.ID, externalID)
	return open, nil
}

func (e *Engine) fieldsFor(kind registry.TaskKind, payload registry.TaskPayload) TicketFields {
	return TicketFields{
		Project:   e.cfg.Project,
		IssueType: e.cfg.IssueType,
		Summary:   fmt.Sprintf("%s request: %s", kind, payload.Path),
		Description: fmt.Sprintf("Requested by %s\nShare: %s\nPath: %s",
			payload.Username, payload.FSPName, payload.Path),
	}
}

// refreshRetries bounds version-race retries within one Refresh call.
const refreshRetries = 3

// Refresh re-derives the task's local state from the external ticket.
//
// Terminal tasks return immediately without touching the external system.
// A failed status fetch increments the task's failure counter; crossing the
// budget fails the task locally. A concurrent writer racing the same task
// triggers a bounded re-read-and-retry before the conflict surfaces.
func (e *Engine) Refresh(ctx context.Context, taskID string) (*registry.TicketTask, error) {
	var (
		task *registry.TicketTask
		err  error
	)
	for attempt := 0; attempt < refreshRetries; attempt++ {
		task, err = e.refreshOnce(ctx, taskID)
		if err == nil || !errors.Is(err, registry.ErrVersionConflict) {
			return task, err
		}
		logger.Debug("Refresh of task %s lost a version race, retrying", taskID)
	}
	return task, err
}

func (e *Engine) refreshOnce(ctx context.Context, taskID string) (*registry.TicketTask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State.Terminal() {
		e.metrics.ObserveRefresh(string(task.State), false)
		return task, nil
	}

	status, err := e.fetchStatus(ctx, task.ExternalTicketID)
	if err != nil {
		return e.recordFetchFailure(ctx, task, err)
	}

	next, known := stateForStatus(status)
	if !known {
		logger.Warn("Ticket %s reports unknown status %q; leaving task %s at %s",
			task.ExternalTicketID, status, task.ID, task.State)
		next = task.State
	}

	updated := task.Clone()
	updated.FetchFailures = 0

	transitioned := false
	if next != task.State {
		if !task.State.CanTransition(next) {
			// A stale observation arriving after a forward move. Ignore it.
			logger.Debug("Ignoring backward status %q for task %s (at %s)", status, task.ID, task.State)
		} else {
			updated.State = next
			transitioned = true
		}
	}

	if !transitioned && updated.FetchFailures == task.FetchFailures {
		// Nothing changed; skip the write.
		e.metrics.ObserveRefresh(string(task.State), false)
		return task, nil
	}

	updated.UpdatedAt = e.now().UTC()
	stored, err := e.store.PutTask(ctx, updated, task.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to persist refresh of task %s: %w", task.ID, err)
	}
	if transitioned {
		logger.Info("Task %s: %s -> %s (ticket %s)", task.ID, task.State, stored.State, task.ExternalTicketID)
	}
	e.metrics.ObserveRefresh(string(stored.State), transitioned)
	return stored, nil
}

func (e *Engine) fetchStatus(ctx context.Context, externalID string) (string, error) {
	if e.cache != nil {
		if cached, ok := e.cache.Get(externalID); ok {
			return cached.(string), nil
		}
	}
	status, err := e.api.GetStatus(ctx, externalID)
	if err != nil {
		return "", err
	}
	if e.cache != nil {
		e.cache.Set(externalID, status, gocache.DefaultExpiration)
	}
	return status, nil
}

func (e *Engine) recordFetchFailure(ctx context.Context, task *registry.TicketTask, fetchErr error) (*registry.TicketTask, error) {
	updated := task.Clone()
	updated.FetchFailures++
	updated.UpdatedAt = e.now().UTC()

	if updated.FetchFailures >= e.cfg.FetchFailureBudget {
		updated.State = registry.TaskFailed
		logger.Error("Task %s failed after %d consecutive status fetch failures (ticket %s): %v",
			task.ID, updated.FetchFailures, task.ExternalTicketID, fetchErr)
	} else {
		logger.Warn("Status fetch %d/%d failed for task %s: %v",
			updated.FetchFailures, e.cfg.FetchFailureBudget, task.ID, fetchErr)
	}

	stored, err := e.store.PutTask(ctx, updated, task.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to persist fetch failure for task %s: %w", task.ID, err)
	}
	e.metrics.ObserveRefresh(string(stored.State), stored.State != task.State)

	if stored.State == registry.TaskFailed {
		return stored, nil
	}
	return stored, fmt.Errorf("status fetch for task %s: %w", task.ID, fetchErr)
}

// ListActive returns all non-terminal tasks.
func (e *Engine) ListActive(ctx context.Context) ([]*registry.TicketTask, error) {
	return e.store.ListTasks(ctx, registry.TaskFilter{ActiveOnly: true})
}

// Sweep refreshes every active task and returns how many changed state.
// Individual refresh failures are logged and do not stop the sweep.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	active, err := e.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	e.metrics.SetActiveTasks(len(active))

	transitioned := 0
	for _, task := range active {
		before := task.State
		refreshed, err := e.Refresh(ctx, task.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return transitioned, err
			}
			logger.Warn("Sweep: refresh of task %s failed: %v", task.ID, err)
			continue
		}
		if refreshed.State != before {
			transitioned++
		}
	}

	if transitioned > 0 {
		logger.Info("Sweep: %d of %d active tasks transitioned", transitioned, len(active))
	}
	return transitioned, nil
}

// stateForStatus maps external status names onto local states.
func stateForStatus(status string) (registry.TaskState, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "open", "to do", "backlog":
		return registry.TaskOpen, true
	case "in progress", "in review":
		return registry.TaskInProgress, true
	case "done", "resolved", "closed":
		return registry.TaskResolved, true
	case "failed", "won't do", "wont do", "cancelled":
		return registry.TaskFailed, true
	default:
		return "", false
	}
}
