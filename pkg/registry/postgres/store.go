// Package postgres implements registry.Store on PostgreSQL.
//
// This is the backend for multi-worker deployments: several broker
// processes share one database, and all cross-worker coordination happens
// through the optimistic version column. Records are stored as JSON
// documents with the identity and concurrency fields broken out into
// indexed columns.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/sharebroker/sharebroker/pkg/registry"
)

const (
	pathTable    = "broker_path_records"
	taskTable    = "broker_ticket_tasks"
	refreshTable = "broker_last_refresh"

	operationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Config holds PostgreSQL-specific store options.
type Config struct {
	// DSN is the connection string (postgres://... or key=value form).
	DSN string `mapstructure:"dsn"`

	// MaxOpenConns bounds the connection pool. 0 keeps the driver default.
	MaxOpenConns int `mapstructure:"max_open_conns"`
}

// PostgresStore implements registry.Store over database/sql with lib/pq.
//
// The connection is opened lazily on first use so that constructing the
// store never blocks on the network; schema creation is idempotent.
type PostgresStore struct {
	cfg    Config
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore creates a store for the given configuration.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres store: dsn is required")
	}
	return &PostgresStore{cfg: cfg, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.cfg.DSN)
		if err != nil {
			s.initErr = err
			return
		}
		if s.cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		}

		initCtx, cancel := context.WithTimeout(ctx, operationTimeout)
		defer cancel()

		schema := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				source_key TEXT,
				version BIGINT NOT NULL,
				record JSONB NOT NULL
			)`, pathTable),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_source_key_idx
				ON %s (source_key) WHERE source_key <> ''`, pathTable, pathTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				external_ticket_id TEXT,
				version BIGINT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				task JSONB NOT NULL
			)`, taskTable),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_ticket_idx
				ON %s (external_ticket_id) WHERE external_ticket_id <> ''`, taskTable, taskTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				singleton BOOLEAN PRIMARY KEY DEFAULT TRUE,
				refresh_time TIMESTAMPTZ NOT NULL
			)`, refreshTable),
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(initCtx, stmt); err != nil {
				s.initErr = fmt.Errorf("failed to initialize schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

// wrapDBErr maps driver-level failures onto the registry taxonomy.
func wrapDBErr(what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", what, registry.ErrUnavailable, err)
	}
	if strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("%s: %w", what, registry.ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *PostgresStore) GetPath(ctx context.Context, id string) (*registry.PathRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var payload []byte
	query := fmt.Sprintf("SELECT record FROM %s WHERE id = $1", pathTable)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("path record %s: %w", id, registry.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBErr("get path", err)
	}

	var rec registry.PathRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode path record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) GetPathBySourceKey(ctx context.Context, key string) (*registry.PathRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var payload []byte
	query := fmt.Sprintf("SELECT record FROM %s WHERE source_key = $1", pathTable)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source key %q: %w", key, registry.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBErr("get path by source key", err)
	}

	var rec registry.PathRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode path record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListPaths(ctx context.Context, filter registry.PathFilter) ([]*registry.PathRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT record FROM %s ORDER BY id", pathTable)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapDBErr("list paths", err)
	}
	defer rows.Close()

	var out []*registry.PathRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, wrapDBErr("list paths", err)
		}
		var rec registry.PathRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode path record: %w", err)
		}
		if filter.Matches(&rec) {
			out = append(out, &rec)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertPath(ctx context.Context, rec *registry.PathRecord, expectedVersion uint64) (*registry.PathRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("upsert path: empty id: %w", registry.ErrInvalidOperation)
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	stored := rec.Clone()
	stored.Version = expectedVersion + 1
	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode path record: %w", err)
	}

	if expectedVersion == 0 {
		query := fmt.Sprintf(`INSERT INTO %s (id, source_key, version, record)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`, pathTable)
		res, err := s.db.ExecContext(ctx, query, stored.ID, stored.SourceKey, stored.Version, payload)
		if err != nil {
			return nil, wrapDBErr("create path", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("path record %s: %w", stored.ID, registry.ErrVersionConflict)
		}
		return stored, nil
	}

	query := fmt.Sprintf(`UPDATE %s SET source_key = $2, version = $3, record = $4
		WHERE id = $1 AND version = $5`, pathTable)
	res, err := s.db.ExecContext(ctx, query, stored.ID, stored.SourceKey, stored.Version, payload, expectedVersion)
	if err != nil {
		return nil, wrapDBErr("update path", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a missing row from a lost race.
		if _, err := s.GetPath(ctx, stored.ID); errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("path record %s: %w", stored.ID, registry.ErrNotFound)
		}
		return nil, fmt.Errorf("path record %s: %w", stored.ID, registry.ErrVersionConflict)
	}
	return stored, nil
}

func (s *PostgresStore) DeletePath(ctx context.Context, id string, expectedVersion uint64) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND version = $2", pathTable)
	res, err := s.db.ExecContext(ctx, query, id, expectedVersion)
	if err != nil {
		return wrapDBErr("delete path", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetPath(ctx, id); errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("path record %s: %w", id, registry.ErrNotFound)
		}
		return fmt.Errorf("path record %s: %w", id, registry.ErrVersionConflict)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*registry.TicketTask, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var payload []byte
	query := fmt.Sprintf("SELECT task FROM %s WHERE id = $1", taskTable)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, registry.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBErr("get task", err)
	}

	var task registry.TicketTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

func (s *PostgresStore) GetTaskByTicket(ctx context.Context, ticketID string) (*registry.TicketTask, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var payload []byte
	query := fmt.Sprintf("SELECT task FROM %s WHERE external_ticket_id = $1", taskTable)
	err := s.db.QueryRowContext(ctx, query, ticketID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %q: %w", ticketID, registry.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBErr("get task by ticket", err)
	}

	var task registry.TicketTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter registry.TaskFilter) ([]*registry.TicketTask, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT task FROM %s ORDER BY created_at, id", taskTable)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapDBErr("list tasks", err)
	}
	defer rows.Close()

	var out []*registry.TicketTask
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, wrapDBErr("list tasks", err)
		}
		var task registry.TicketTask
		if err := json.Unmarshal(payload, &task); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		if filter.Matches(&task) {
			out = append(out, &task)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *PostgresStore) PutTask(ctx context.Context, task *registry.TicketTask, expectedVersion uint64) (*registry.TicketTask, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, fmt.Errorf("put task: empty id: %w", registry.ErrInvalidOperation)
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	stored := task.Clone()
	stored.Version = expectedVersion + 1
	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}

	if expectedVersion == 0 {
		query := fmt.Sprintf(`INSERT INTO %s (id, external_ticket_id, version, created_at, task)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`, taskTable)
		res, err := s.db.ExecContext(ctx, query, stored.ID, stored.ExternalTicketID, stored.Version, stored.CreatedAt, payload)
		if err != nil {
			return nil, wrapDBErr("create task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("task %s: %w", stored.ID, registry.ErrVersionConflict)
		}
		return stored, nil
	}

	// The ticket id is set at most once; the guard in the WHERE clause keeps
	// a concurrent writer from rebinding it.
	query := fmt.Sprintf(`UPDATE %s SET external_ticket_id = $2, version = $3, task = $4
		WHERE id = $1 AND version = $5
		AND (external_ticket_id = '' OR external_ticket_id = $2)`, taskTable)
	res, err := s.db.ExecContext(ctx, query, stored.ID, stored.ExternalTicketID, stored.Version, payload, expectedVersion)
	if err != nil {
		return nil, wrapDBErr("update task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.GetTask(ctx, stored.ID)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", stored.ID, registry.ErrNotFound)
		}
		if err == nil && current.ExternalTicketID != "" && current.ExternalTicketID != stored.ExternalTicketID {
			return nil, fmt.Errorf("task %s: external ticket id is immutable: %w",
				stored.ID, registry.ErrInvalidOperation)
		}
		return nil, fmt.Errorf("task %s: %w", stored.ID, registry.ErrVersionConflict)
	}
	return stored, nil
}

func (s *PostgresStore) LastRefresh(ctx context.Context) (time.Time, error) {
	if err := s.ensureReady(ctx); err != nil {
		return time.Time{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var ts time.Time
	query := fmt.Sprintf("SELECT refresh_time FROM %s WHERE singleton", refreshTable)
	err := s.db.QueryRowContext(ctx, query).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, wrapDBErr("last refresh", err)
	}
	return ts, nil
}

func (s *PostgresStore) SetLastRefresh(ctx context.Context, t time.Time) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (singleton, refresh_time) VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET refresh_time = EXCLUDED.refresh_time`, refreshTable)
	_, err := s.db.ExecContext(ctx, query, t)
	if err != nil {
		return wrapDBErr("set last refresh", err)
	}
	return nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres store: %w: %v", registry.ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
