// Package badger implements registry.Store using BadgerDB for persistence.
//
// This is the default production backend for single-node deployments: an
// embedded key-value store with WAL-based crash recovery and ACID
// transactions, no external service required. Multi-worker deployments that
// need a shared database should use the postgres backend instead.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sharebroker/sharebroker/pkg/registry"
)

// Config holds BadgerDB-specific store options.
type Config struct {
	// Path is the directory holding the database files.
	Path string `mapstructure:"path"`

	// SyncWrites forces an fsync on every commit. Slower but loses nothing
	// on power failure. Default false: the registry can always be rebuilt
	// from the upstream catalog, only ticket tasks are precious, and those
	// are also recoverable from the external system.
	SyncWrites bool `mapstructure:"sync_writes"`

	// InMemory runs the database without touching disk. Test use only.
	InMemory bool `mapstructure:"in_memory"`
}

// BadgerStore implements registry.Store on BadgerDB.
//
// All multi-key operations (record + index writes, version checks) run
// inside a single Badger transaction, so readers never observe a record
// without its source-key index entry and version checks are race-free.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database at cfg.Path.
func NewBadgerStore(ctx context.Context, cfg Config) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger store: path is required")
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", cfg.Path, err)
	}

	return &BadgerStore{db: db}, nil
}

// getValue reads a key inside txn and returns its value copy, or
// registry.ErrNotFound wrapped with what for missing keys.
func getValue(txn *badger.Txn, key []byte, what string) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", what, registry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return item.ValueCopy(nil)
}

func (s *BadgerStore) GetPath(ctx context.Context, id string) (*registry.PathRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *registry.PathRecord
	err := s.db.View(func(txn *badger.Txn) error {
		data, err := getValue(txn, pathKey(id), "path record "+id)
		if err != nil {
			return err
		}
		rec, err = decodePathRecord(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BadgerStore) GetPathBySourceKey(ctx context.Context, key string) (*registry.PathRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *registry.PathRecord
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getValue(txn, sourceKeyKey(key), fmt.Sprintf("source key %q", key))
		if err != nil {
			return err
		}
		data, err := getValue(txn, pathKey(string(id)), "path record "+string(id))
		if err != nil {
			return err
		}
		rec, err = decodePathRecord(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BadgerStore) ListPaths(ctx context.Context, filter registry.PathFilter) ([]*registry.PathRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*registry.PathRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         []byte(pathPrefix),
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodePathRecord(data)
			if err != nil {
				return err
			}
			if filter.Matches(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *BadgerStore) UpsertPath(ctx context.Context, rec *registry.PathRecord, expectedVersion uint64) (*registry.PathRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("upsert path: empty id: %w", registry.ErrInvalidOperation)
	}

	stored := rec.Clone()
	stored.Version = expectedVersion + 1

	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := s.readPath(txn, rec.ID)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			if expectedVersion != 0 {
				return fmt.Errorf("path record %s: %w", rec.ID, registry.ErrNotFound)
			}
		case err != nil:
			return err
		case current.Version != expectedVersion:
			return fmt.Errorf("path record %s: expected version %d, have %d: %w",
				rec.ID, expectedVersion, current.Version, registry.ErrVersionConflict)
		}

		if stored.SourceKey != "" {
			if otherID, err := getValue(txn, sourceKeyKey(stored.SourceKey), "source key"); err == nil && string(otherID) != stored.ID {
				return fmt.Errorf("source key %q already bound to record %s: %w",
					stored.SourceKey, otherID, registry.ErrAlreadyExists)
			}
		}

		// Drop a stale index entry if the source key changed.
		if current != nil && current.SourceKey != "" && current.SourceKey != stored.SourceKey {
			if err := txn.Delete(sourceKeyKey(current.SourceKey)); err != nil {
				return err
			}
		}

		data, err := encodePathRecord(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(pathKey(stored.ID), data); err != nil {
			return err
		}
		if stored.SourceKey != "" {
			if err := txn.Set(sourceKeyKey(stored.SourceKey), []byte(stored.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// readPath returns the decoded record inside txn, or nil with ErrNotFound.
func (s *BadgerStore) readPath(txn *badger.Txn, id string) (*registry.PathRecord, error) {
	data, err := getValue(txn, pathKey(id), "path record "+id)
	if err != nil {
		return nil, err
	}
	return decodePathRecord(data)
}

func (s *BadgerStore) DeletePath(ctx context.Context, id string, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		current, err := s.readPath(txn, id)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("path record %s: expected version %d, have %d: %w",
				id, expectedVersion, current.Version, registry.ErrVersionConflict)
		}

		if current.SourceKey != "" {
			if err := txn.Delete(sourceKeyKey(current.SourceKey)); err != nil {
				return err
			}
		}
		return txn.Delete(pathKey(id))
	})
}

func (s *BadgerStore) GetTask(ctx context.Context, id string) (*registry.TicketTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var task *registry.TicketTask
	err := s.db.View(func(txn *badger.Txn) error {
		data, err := getValue(txn, taskKey(id), "task "+id)
		if err != nil {
			return err
		}
		task, err = decodeTask(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *BadgerStore) GetTaskByTicket(ctx context.Context, ticketID string) (*registry.TicketTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var task *registry.TicketTask
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getValue(txn, ticketKey(ticketID), fmt.Sprintf("ticket %q", ticketID))
		if err != nil {
			return err
		}
		data, err := getValue(txn, taskKey(string(id)), "task "+string(id))
		if err != nil {
			return err
		}
		task, err = decodeTask(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *BadgerStore) ListTasks(ctx context.Context, filter registry.TaskFilter) ([]*registry.TicketTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*registry.TicketTask
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         []byte(taskPrefix),
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			task, err := decodeTask(data)
			if err != nil {
				return err
			}
			if filter.Matches(task) {
				out = append(out, task)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *BadgerStore) PutTask(ctx context.Context, task *registry.TicketTask, expectedVersion uint64) (*registry.TicketTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, fmt.Errorf("put task: empty id: %w", registry.ErrInvalidOperation)
	}

	stored := task.Clone()
	stored.Version = expectedVersion + 1

	err := s.db.Update(func(txn *badger.Txn) error {
		var current *registry.TicketTask
		data, err := getValue(txn, taskKey(task.ID), "task "+task.ID)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			if expectedVersion != 0 {
				return fmt.Errorf("task %s: %w", task.ID, registry.ErrNotFound)
			}
		case err != nil:
			return err
		default:
			if current, err = decodeTask(data); err != nil {
				return err
			}
			if current.Version != expectedVersion {
				return fmt.Errorf("task %s: expected version %d, have %d: %w",
					task.ID, expectedVersion, current.Version, registry.ErrVersionConflict)
			}
		}

		if current != nil && current.ExternalTicketID != "" && current.ExternalTicketID != stored.ExternalTicketID {
			return fmt.Errorf("task %s: external ticket id is immutable: %w",
				task.ID, registry.ErrInvalidOperation)
		}
		if stored.ExternalTicketID != "" {
			if otherID, err := getValue(txn, ticketKey(stored.ExternalTicketID), "ticket"); err == nil && string(otherID) != stored.ID {
				return fmt.Errorf("ticket %q already bound to task %s: %w",
					stored.ExternalTicketID, otherID, registry.ErrAlreadyExists)
			}
		}

		encoded, err := encodeTask(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(taskKey(stored.ID), encoded); err != nil {
			return err
		}
		if stored.ExternalTicketID != "" {
			if err := txn.Set(ticketKey(stored.ExternalTicketID), []byte(stored.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (s *BadgerStore) LastRefresh(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	var ts time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		data, err := getValue(txn, []byte(lastRefreshKey), "last refresh")
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(data))
		if err != nil {
			return fmt.Errorf("failed to parse last refresh timestamp: %w", err)
		}
		ts = parsed
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func (s *BadgerStore) SetLastRefresh(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(lastRefreshKey), []byte(t.Format(time.RFC3339Nano)))
	})
}

func (s *BadgerStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("badger store: database is closed: %w", registry.ErrUnavailable)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
