// Package memory implements registry.Store using in-memory storage.
//
// This implementation is suitable for tests, development and ephemeral
// deployments where registry state may be rebuilt from the upstream catalog
// on the next reconciliation pass. Production deployments should use the
// badger or postgres backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sharebroker/sharebroker/pkg/registry"
)

// MemoryStore implements registry.Store with maps guarded by a single
// read-write mutex. Coarse-grained locking is simple and correct; the
// registry is small (hundreds of records) so contention is not a concern.
type MemoryStore struct {
	mu sync.RWMutex

	// paths maps record id to the stored record.
	paths map[string]*registry.PathRecord

	// bySourceKey indexes managed records: source key -> record id.
	// Maintained on every write to keep source-key lookups O(1) and to
	// enforce the uniqueness invariant.
	bySourceKey map[string]string

	// tasks maps local task id to the stored task.
	tasks map[string]*registry.TicketTask

	// byTicket indexes tasks: external ticket id -> task id.
	byTicket map[string]string

	lastRefresh time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		paths:       make(map[string]*registry.PathRecord),
		bySourceKey: make(map[string]string),
		tasks:       make(map[string]*registry.TicketTask),
		byTicket:    make(map[string]string),
	}
}

func (s *MemoryStore) GetPath(ctx context.Context, id string) (*registry.PathRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.paths[id]
	if !ok {
		return nil, fmt.Errorf("path record %s: %w", id, registry.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetPathBySourceKey(ctx context.Context, key string) (*registry.PathRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySourceKey[key]
	if !ok {
		return nil, fmt.Errorf("source key %q: %w", key, registry.ErrNotFound)
	}
	return s.paths[id].Clone(), nil
}

func (s *MemoryStore) ListPaths(ctx context.Context, filter registry.PathFilter) ([]*registry.PathRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*registry.PathRecord
	for _, rec := range s.paths {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertPath(ctx context.Context, rec *registry.PathRecord, expectedVersion uint64) (*registry.PathRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("upsert path: empty id: %w", registry.ErrInvalidOperation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.paths[rec.ID]
	switch {
	case !exists && expectedVersion != 0:
		return nil, fmt.Errorf("path record %s: %w", rec.ID, registry.ErrNotFound)
	case exists && current.Version != expectedVersion:
		return nil, fmt.Errorf("path record %s: expected version %d, have %d: %w",
			rec.ID, expectedVersion, current.Version, registry.ErrVersionConflict)
	}

	// Source keys stay unique among non-empty values.
	if rec.SourceKey != "" {
		if otherID, ok := s.bySourceKey[rec.SourceKey]; ok && otherID != rec.ID {
			return nil, fmt.Errorf("source key %q already bound to record %s: %w",
				rec.SourceKey, otherID, registry.ErrAlreadyExists)
		}
	}

	stored := rec.Clone()
	stored.Version = expectedVersion + 1

	if exists && current.SourceKey != "" && current.SourceKey != stored.SourceKey {
		delete(s.bySourceKey, current.SourceKey)
	}
	if stored.SourceKey != "" {
		s.bySourceKey[stored.SourceKey] = stored.ID
	}
	s.paths[stored.ID] = stored

	return stored.Clone(), nil
}

func (s *MemoryStore) DeletePath(ctx context.Context, id string, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.paths[id]
	if !ok {
		return fmt.Errorf("path record %s: %w", id, registry.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("path record %s: expected version %d, have %d: %w",
			id, expectedVersion, current.Version, registry.ErrVersionConflict)
	}

	if current.SourceKey != "" {
		delete(s.bySourceKey, current.SourceKey)
	}
	delete(s.paths, id)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*registry.TicketTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, registry.ErrNotFound)
	}
	return task.Clone(), nil
}

func (s *MemoryStore) GetTaskByTicket(ctx context.Context, ticketID string) (*registry.TicketTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTicket[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %q: %w", ticketID, registry.ErrNotFound)
	}
	return s.tasks[id].Clone(), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter registry.TaskFilter) ([]*registry.TicketTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*registry.TicketTask
	for _, task := range s.tasks {
		if filter.Matches(task) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) PutTask(ctx context.Context, task *registry.TicketTask, expectedVersion uint64) (*registry.TicketTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, fmt.Errorf("put task: empty id: %w", registry.ErrInvalidOperation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.tasks[task.ID]
	switch {
	case !exists && expectedVersion != 0:
		return nil, fmt.Errorf("task %s: %w", task.ID, registry.ErrNotFound)
	case exists && current.Version != expectedVersion:
		return nil, fmt.Errorf("task %s: expected version %d, have %d: %w",
			task.ID, expectedVersion, current.Version, registry.ErrVersionConflict)
	}

	// An external ticket binds to exactly one task, and once bound a task
	// never changes its ticket.
	if exists && current.ExternalTicketID != "" && current.ExternalTicketID != task.ExternalTicketID {
		return nil, fmt.Errorf("task %s: external ticket id is immutable: %w",
			task.ID, registry.ErrInvalidOperation)
	}
	if task.ExternalTicketID != "" {
		if otherID, ok := s.byTicket[task.ExternalTicketID]; ok && otherID != task.ID {
			return nil, fmt.Errorf("ticket %q already bound to task %s: %w",
				task.ExternalTicketID, otherID, registry.ErrAlreadyExists)
		}
	}

	stored := task.Clone()
	stored.Version = expectedVersion + 1

	if stored.ExternalTicketID != "" {
		s.byTicket[stored.ExternalTicketID] = stored.ID
	}
	s.tasks[stored.ID] = stored

	return stored.Clone(), nil
}

func (s *MemoryStore) LastRefresh(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh, nil
}

func (s *MemoryStore) SetLastRefresh(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = t
	return nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
