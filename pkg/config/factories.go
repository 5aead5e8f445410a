package config

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/sharebroker/sharebroker/pkg/catalog"
	"github.com/sharebroker/sharebroker/pkg/registry"
	"github.com/sharebroker/sharebroker/pkg/registry/badger"
	"github.com/sharebroker/sharebroker/pkg/registry/memory"
	"github.com/sharebroker/sharebroker/pkg/registry/postgres"
)

// CreateStore creates the registry store selected by cfg.Type.
//
// Supported types:
//   - "memory": in-process store, nothing survives a restart
//   - "badger": embedded BadgerDB, single-process deployments
//   - "postgres": shared PostgreSQL, multi-worker deployments
func CreateStore(ctx context.Context, cfg *StoreConfig) (registry.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.NewMemoryStore(), nil

	case "badger":
		var storeCfg badger.Config
		if err := mapstructure.Decode(cfg.Badger, &storeCfg); err != nil {
			return nil, fmt.Errorf("invalid badger config: %w", err)
		}
		store, err := badger.NewBadgerStore(ctx, storeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create badger store: %w", err)
		}
		return store, nil

	case "postgres":
		var storeCfg postgres.Config
		if err := mapstructure.Decode(cfg.Postgres, &storeCfg); err != nil {
			return nil, fmt.Errorf("invalid postgres config: %w", err)
		}
		store, err := postgres.NewPostgresStore(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

// CreateCatalogPipeline builds the catalog source and parser selected by
// cfg.Source. Returns nil source when reconciliation is disabled.
func CreateCatalogPipeline(cfg *CatalogConfig) (catalog.Source, catalog.Parser, error) {
	switch cfg.Source {
	case "none":
		return nil, nil, nil

	case "wiki":
		source, err := catalog.NewWikiSource(catalog.WikiSourceConfig{
			BaseURL:  cfg.WikiURL,
			Token:    cfg.WikiToken,
			Space:    cfg.WikiSpace,
			Page:     cfg.WikiPage,
			CacheTTL: cfg.CacheTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create wiki source: %w", err)
		}
		return source, catalog.NewTableParser(), nil

	case "file":
		return catalog.NewFileSource(cfg.StaticFile), catalog.NewYAMLParser(), nil

	default:
		return nil, nil, fmt.Errorf("unknown catalog source: %q", cfg.Source)
	}
}
