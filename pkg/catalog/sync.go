package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sharebroker/sharebroker/internal/logger"
	"github.com/sharebroker/sharebroker/pkg/metrics"
	"github.com/sharebroker/sharebroker/pkg/registry"
)

// ReconcilerConfig configures one reconciliation pipeline.
type ReconcilerConfig struct {
	// MaxDeletionsPerPass caps how many records one pass may delete. A
	// truncated or half-edited wiki page must not wipe the registry: when
	// the cap is exceeded the pass still applies creates and updates but
	// skips every delete and reports the anomaly. 0 applies the default.
	MaxDeletionsPerPass int
}

// DefaultMaxDeletionsPerPass is deliberately small; bulk removals from the
// catalog are rare enough that an operator raising the cap for one pass is
// the right escape hatch.
const DefaultMaxDeletionsPerPass = 2

// Stats summarizes one reconciliation pass.
type Stats struct {
	Candidates int
	Created    int
	Updated    int
	Unchanged  int
	Deleted    int

	// Conflicts counts records skipped because a concurrent writer raced
	// this pass. They are retried on the next scheduled run.
	Conflicts int

	// DeletesSkipped counts deletions withheld by the per-pass cap.
	DeletesSkipped int
}

// Reconciler drives full-replace reconciliation of the registry against the
// upstream catalog.
//
// Failure semantics: a fetch or parse failure aborts the pass before any
// write, leaving the registry at its last good state. Per-record version
// conflicts never abort the pass; the record is skipped and picked up again
// on the next run.
type Reconciler struct {
	store   registry.Store
	source  Source
	parser  Parser
	cfg     ReconcilerConfig
	metrics metrics.SyncMetrics
}

// NewReconciler wires a reconciliation pipeline. A nil metrics sink
// disables instrumentation.
func NewReconciler(store registry.Store, source Source, parser Parser, cfg ReconcilerConfig, m metrics.SyncMetrics) *Reconciler {
	if cfg.MaxDeletionsPerPass <= 0 {
		cfg.MaxDeletionsPerPass = DefaultMaxDeletionsPerPass
	}
	if m == nil {
		m = metrics.NewNoopSyncMetrics()
	}
	return &Reconciler{
		store:   store,
		source:  source,
		parser:  parser,
		cfg:     cfg,
		metrics: m,
	}
}

// Run executes one full fetch-diff-apply pass.
func (r *Reconciler) Run(ctx context.Context) (*Stats, error) {
	start := time.Now()
	stats, err := r.run(ctx)
	r.metrics.ObservePass(time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordChanges(stats.Created, stats.Updated, stats.Deleted, stats.Conflicts)
	return stats, nil
}

func (r *Reconciler) run(ctx context.Context) (*Stats, error) {
	// Step 1: fetch and parse the whole catalog. All-or-nothing: nothing
	// below touches the store until both have succeeded.
	doc, err := r.source.FetchCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciliation aborted: %w", err)
	}
	parsed, err := r.parser.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("reconciliation aborted: %w", err)
	}

	candidates := make(map[string]Candidate, len(parsed))
	for _, c := range parsed {
		if c.SourceKey == "" {
			continue
		}
		if _, dup := candidates[c.SourceKey]; dup {
			logger.Warn("Duplicate source key %q in catalog, keeping first occurrence", c.SourceKey)
			continue
		}
		candidates[c.SourceKey] = c
	}

	// Step 2: load the registry's upstream-managed records. Manual records
	// (no source key) are invisible here and therefore untouchable.
	managed, err := r.store.ListPaths(ctx, registry.PathFilter{ManagedOnly: true})
	if err != nil {
		return nil, fmt.Errorf("reconciliation aborted: %w", err)
	}
	current := make(map[string]*registry.PathRecord, len(managed))
	for _, rec := range managed {
		current[rec.SourceKey] = rec
	}

	stats := &Stats{Candidates: len(candidates)}
	now := time.Now().UTC()

	// Steps 3 and 4: create new records, update changed ones. A source key
	// match is the sole renaming signal: any display or path change under a
	// surviving key keeps the record's identity.
	for key, candidate := range candidates {
		existing, ok := current[key]
		if !ok {
			r.createRecord(ctx, candidate, now, stats)
			continue
		}
		if !candidate.differs(existing) {
			stats.Unchanged++
			continue
		}
		r.updateRecord(ctx, candidate, existing, now, stats)
	}

	// Step 5: delete records whose source key vanished, under the cap.
	var vanished []*registry.PathRecord
	for key, rec := range current {
		if _, ok := candidates[key]; !ok {
			vanished = append(vanished, rec)
		}
	}
	if len(vanished) > r.cfg.MaxDeletionsPerPass {
		logger.Warn("Refusing to delete %d defunct path records (cap %d); skipping deletes this pass",
			len(vanished), r.cfg.MaxDeletionsPerPass)
		stats.DeletesSkipped = len(vanished)
	} else {
		for _, rec := range vanished {
			r.deleteRecord(ctx, rec, stats)
		}
	}

	if err := r.store.SetLastRefresh(ctx, now); err != nil {
		return nil, fmt.Errorf("failed to record refresh time: %w", err)
	}

	logger.Info("Reconciliation pass: %d candidates, %d created, %d updated, %d unchanged, %d deleted, %d conflicts",
		stats.Candidates, stats.Created, stats.Updated, stats.Unchanged, stats.Deleted, stats.Conflicts)
	return stats, nil
}

func (r *Reconciler) createRecord(ctx context.Context, c Candidate, now time.Time, stats *Stats) {
	rec := &registry.PathRecord{
		ID:           registry.NewID(),
		SourceKey:    c.SourceKey,
		LastSyncedAt: now,
	}
	c.apply(rec)

	if _, err := r.store.UpsertPath(ctx, rec, 0); err != nil {
		if errors.Is(err, registry.ErrVersionConflict) || errors.Is(err, registry.ErrAlreadyExists) {
			// A concurrent pass created it first; ours arrives next run.
			logger.Warn("Skipping create for %q this pass: %v", c.SourceKey, err)
			stats.Conflicts++
			return
		}
		logger.Error("Failed to create path record for %q: %v", c.SourceKey, err)
		stats.Conflicts++
		return
	}
	stats.Created++
}

func (r *Reconciler) updateRecord(ctx context.Context, c Candidate, existing *registry.PathRecord, now time.Time, stats *Stats) {
	rec := existing.Clone()
	c.apply(rec)
	rec.LastSyncedAt = now

	if _, err := r.store.UpsertPath(ctx, rec, existing.Version); err != nil {
		if errors.Is(err, registry.ErrVersionConflict) {
			logger.Warn("Skipping update for %q this pass: concurrent write detected", c.SourceKey)
			stats.Conflicts++
			return
		}
		logger.Error("Failed to update path record for %q: %v", c.SourceKey, err)
		stats.Conflicts++
		return
	}
	stats.Updated++
}

func (r *Reconciler) deleteRecord(ctx context.Context, rec *registry.PathRecord, stats *Stats) {
	if err := r.store.DeletePath(ctx, rec.ID, rec.Version); err != nil {
		if errors.Is(err, registry.ErrVersionConflict) || errors.Is(err, registry.ErrNotFound) {
			logger.Warn("Skipping delete for %q this pass: %v", rec.SourceKey, err)
			stats.Conflicts++
			return
		}
		logger.Error("Failed to delete path record %q: %v", rec.SourceKey, err)
		stats.Conflicts++
		return
	}
	stats.Deleted++
}
