package registry

import (
	"context"
	"time"
)

// Store is the durable home of path records and ticket tasks, and the single
// shared mutable resource in the system. Request workers do not share memory;
// all cross-worker coordination happens through the store via optimistic
// versioning.
//
// Write semantics:
//
// Every write carries the version the caller last observed. expectedVersion 0
// means "create": the record must not exist yet and is stored with Version 1.
// Any other value must equal the stored version exactly; the write commits
// with Version = expectedVersion + 1 or fails with ErrVersionConflict. The
// store never merges and never overwrites silently.
//
// Uniqueness:
//
// Non-empty PathRecord.SourceKey values are unique across records, and
// TicketTask.ExternalTicketID values are unique across tasks. Writes that
// would violate either fail with ErrAlreadyExists.
//
// Thread safety: implementations must be safe for concurrent use.
type Store interface {
	// GetPath returns the record with the given id, or ErrNotFound.
	GetPath(ctx context.Context, id string) (*PathRecord, error)

	// GetPathBySourceKey returns the managed record with the given source
	// key, or ErrNotFound. Used by reconciliation and by facade lookups that
	// address records by their upstream name.
	GetPathBySourceKey(ctx context.Context, key string) (*PathRecord, error)

	// ListPaths returns all records matching the filter, ordered by id.
	ListPaths(ctx context.Context, filter PathFilter) ([]*PathRecord, error)

	// UpsertPath creates or replaces a record under optimistic versioning
	// and returns the stored copy (with its new version).
	UpsertPath(ctx context.Context, rec *PathRecord, expectedVersion uint64) (*PathRecord, error)

	// DeletePath removes a record. Returns ErrNotFound if absent and
	// ErrVersionConflict if expectedVersion is stale.
	DeletePath(ctx context.Context, id string, expectedVersion uint64) error

	// GetTask returns the task with the given local id, or ErrNotFound.
	GetTask(ctx context.Context, id string) (*TicketTask, error)

	// GetTaskByTicket returns the task bound to the given external ticket
	// id, or ErrNotFound.
	GetTaskByTicket(ctx context.Context, ticketID string) (*TicketTask, error)

	// ListTasks returns all tasks matching the filter, ordered by creation
	// time then id.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*TicketTask, error)

	// PutTask creates or replaces a task under optimistic versioning and
	// returns the stored copy. Tasks are never deleted.
	PutTask(ctx context.Context, task *TicketTask, expectedVersion uint64) (*TicketTask, error)

	// LastRefresh returns the time of the last successful reconciliation
	// pass, or the zero time if none has completed yet.
	LastRefresh(ctx context.Context) (time.Time, error)

	// SetLastRefresh records the completion time of a reconciliation pass.
	SetLastRefresh(ctx context.Context, t time.Time) error

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}
