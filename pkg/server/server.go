// Package server wires the broker's subsystems together and owns their
// lifecycle: store, catalog sync, ticket sweeps, object proxy, metrics and
// the HTTP API all start and stop through one Server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sharebroker/sharebroker/internal/httpapi"
	"github.com/sharebroker/sharebroker/internal/logger"
	"github.com/sharebroker/sharebroker/internal/ratelimiter"
	"github.com/sharebroker/sharebroker/internal/sched"
	"github.com/sharebroker/sharebroker/pkg/broker"
	"github.com/sharebroker/sharebroker/pkg/catalog"
	"github.com/sharebroker/sharebroker/pkg/config"
	"github.com/sharebroker/sharebroker/pkg/metrics"
	"github.com/sharebroker/sharebroker/pkg/proxy"
	"github.com/sharebroker/sharebroker/pkg/registry"
	"github.com/sharebroker/sharebroker/pkg/tickets"
)

// Server is the assembled broker process.
type Server struct {
	cfg   *config.Config
	store registry.Store

	reconciler *catalog.Reconciler
	engine     *tickets.Engine
	apiServer  *http.Server
	proxySrv   *proxy.Server
	metricsSrv *metrics.Server
	scheduler  *sched.Scheduler

	serveOnce sync.Once
}

// New assembles a server from configuration. The store is opened here;
// callers own nothing until Serve.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	store, err := config.CreateStore(ctx, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		scheduler: sched.New(),
	}

	if err := s.assemble(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) assemble(ctx context.Context) error {
	cfg := s.cfg

	// Hand-managed shares, seeded once and never touched by sync.
	if cfg.Catalog.ManualSharesFile != "" {
		created, err := catalog.SeedManualShares(ctx, s.store, cfg.Catalog.ManualSharesFile)
		if err != nil {
			return fmt.Errorf("failed to seed manual shares: %w", err)
		}
		if created > 0 {
			logger.Info("Seeded %d manual shares from %s", created, cfg.Catalog.ManualSharesFile)
		}
	}

	// Catalog sync.
	source, parser, err := config.CreateCatalogPipeline(&cfg.Catalog)
	if err != nil {
		return err
	}
	if source != nil {
		s.reconciler = catalog.NewReconciler(s.store, source, parser, catalog.ReconcilerConfig{
			MaxDeletionsPerPass: cfg.Catalog.MaxDeletionsPerPass,
		}, metrics.NewSyncMetrics())

		s.scheduler.Add("catalog-sync", cfg.Catalog.SyncInterval, true, func(ctx context.Context) error {
			_, err := s.reconciler.Run(ctx)
			return err
		})
	} else {
		logger.Info("Catalog sync disabled")
	}

	// Ticket engine.
	if cfg.Tickets.Enabled {
		client, err := tickets.NewClient(tickets.ClientConfig{
			BaseURL: cfg.Tickets.URL,
			Token:   cfg.Tickets.Token,
		})
		if err != nil {
			return fmt.Errorf("failed to create ticket client: %w", err)
		}
		s.engine = tickets.NewEngine(s.store, client, tickets.EngineConfig{
			Project:            cfg.Tickets.Project,
			IssueType:          cfg.Tickets.IssueType,
			StatusCacheTTL:     cfg.Tickets.StatusCacheTTL,
			FetchFailureBudget: cfg.Tickets.FetchFailureBudget,
		}, metrics.NewTicketMetrics())

		s.scheduler.Add("ticket-sweep", cfg.Tickets.SweepInterval, false, func(ctx context.Context) error {
			_, err := s.engine.Sweep(ctx)
			return err
		})
	} else {
		logger.Info("Ticketing disabled")
	}

	// Access broker and API.
	brokerMetrics := metrics.NewBrokerMetrics()
	switcher := broker.NewIdentitySwitcher(cfg.Broker.ElevationEnabled, brokerMetrics)
	b := broker.New(s.store, switcher, broker.Config{
		CallTimeout: cfg.Broker.CallTimeout,
		ProxyToken:  cfg.Broker.ProxyToken,
	}, brokerMetrics)

	api := httpapi.New(s.store, b, s.engine, s.reconciler)
	if cfg.Server.RateLimitPerSecond > 0 {
		api.SetRateLimiter(ratelimiter.New(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst))
	}
	s.apiServer = api.Server(cfg.Server.Port)

	// Object proxy.
	if cfg.Proxy.Enabled {
		client, err := proxy.NewS3Client(ctx, proxy.S3Config{
			Region:          cfg.Proxy.S3.Region,
			Endpoint:        cfg.Proxy.S3.Endpoint,
			AccessKeyID:     cfg.Proxy.S3.AccessKeyID,
			SecretAccessKey: cfg.Proxy.S3.SecretAccessKey,
			MaxRetries:      cfg.Proxy.S3.MaxRetries,
		})
		if err != nil {
			return fmt.Errorf("failed to create proxy S3 client: %w", err)
		}

		shares := make(map[string]proxy.Share, len(cfg.Proxy.Shares))
		for name, share := range cfg.Proxy.Shares {
			shares[name] = proxy.Share{Bucket: share.Bucket, Prefix: share.Prefix}
		}
		s.proxySrv, err = proxy.NewServer(proxy.Config{
			Port:   cfg.Proxy.Port,
			Token:  cfg.Proxy.Token,
			Shares: shares,
		}, client)
		if err != nil {
			return fmt.Errorf("failed to create object proxy: %w", err)
		}
	}

	// Metrics server.
	if cfg.Metrics.Enabled {
		s.metricsSrv = metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port})
	}

	return nil
}

// Store exposes the registry store, mainly for tests and tooling.
func (s *Server) Store() registry.Store {
	return s.store
}

// Serve runs all subsystems until ctx is cancelled, then shuts them down
// gracefully within the configured timeout. Must only be called once.
func (s *Server) Serve(ctx context.Context) error {
	var err error
	called := false
	s.serveOnce.Do(func() {
		called = true
		err = s.serve(ctx)
	})
	if !called {
		return fmt.Errorf("Serve called twice")
	}
	return err
}

func (s *Server) serve(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			logger.Error("Store close failed: %v", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 4)
	var wg sync.WaitGroup

	// HTTP API.
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("API server listening on port %d", s.cfg.Server.Port)
		if err := s.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Scheduler (catalog sync + ticket sweeps).
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scheduler.Start(runCtx)
	}()

	if s.proxySrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.proxySrv.Start(runCtx); err != nil {
				errChan <- err
			}
		}()
	}

	if s.metricsSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.metricsSrv.Start(runCtx); err != nil {
				errChan <- err
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		serveErr = ctx.Err()
	case err := <-errChan:
		logger.Error("Subsystem failed: %v - shutting down", err)
		serveErr = err
	}

	cancel()
	s.shutdown()
	wg.Wait()

	logger.Info("Server stopped gracefully")
	return serveErr
}

// shutdown drains the HTTP servers within the configured timeout. The
// scheduler and proxy stop through context cancellation.
func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error: %v", err)
	}
}
