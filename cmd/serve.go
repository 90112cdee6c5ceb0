package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sourcehound/harvester/internal/api"
	"github.com/sourcehound/harvester/internal/clock/system"
	"github.com/sourcehound/harvester/internal/config"
	"github.com/sourcehound/harvester/internal/credit"
	"github.com/sourcehound/harvester/internal/fetch"
	"github.com/sourcehound/harvester/internal/governor"
	"github.com/sourcehound/harvester/internal/harvest"
	"github.com/sourcehound/harvester/internal/id/uuid"
	"github.com/sourcehound/harvester/internal/logging"
	"github.com/sourcehound/harvester/internal/metrics"
	"github.com/sourcehound/harvester/internal/orchestrator"
	"github.com/sourcehound/harvester/internal/parser/jsonapi"
	"github.com/sourcehound/harvester/internal/progress"
	"github.com/sourcehound/harvester/internal/proxy"
	memstore "github.com/sourcehound/harvester/internal/storage/memory"
	pgstore "github.com/sourcehound/harvester/internal/storage/postgres"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the harvester HTTP service",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	ids := uuid.New()

	var (
		tasks   harvest.TaskStore
		results harvest.ResultStore
		ledger  credit.Ledger
	)
	switch cfg.Storage.Backend {
	case "postgres":
		ts, err := pgstore.NewTaskStore(ctx, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("init task store: %w", err)
		}
		defer ts.Close()
		rs, err := pgstore.NewResultStore(ctx, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("init result store: %w", err)
		}
		defer rs.Close()
		lg, err := credit.NewPostgresLedger(ctx, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("init ledger: %w", err)
		}
		defer lg.Close()
		tasks, results, ledger = ts, rs, lg
	default:
		tasks = memstore.NewTaskStore()
		results = memstore.NewResultStore()
		ledger = credit.NewMemoryLedger()
	}
	cache := memstore.NewDetailCache(cfg.CacheTTL(), clk)

	// Tasks that were running when the previous process died cannot be
	// resumed; mark them failed before accepting new work.
	swept, err := tasks.SweepStale(ctx, "service restarted")
	if err != nil {
		return fmt.Errorf("sweep stale tasks: %w", err)
	}
	if swept > 0 {
		logger.Warn("swept stale tasks from previous run", zap.Int("count", swept))
	}

	gov := governor.New(cfg.Fetch.MaxConcurrent)
	transport, err := proxy.New(proxy.Config{
		BaseURL:   cfg.Proxy.BaseURL,
		APIKey:    cfg.Proxy.APIKey,
		UserAgent: cfg.Proxy.UserAgent,
	}, logger)
	if err != nil {
		return fmt.Errorf("init proxy client: %w", err)
	}
	fetcher := fetch.New(transport, gov, fetch.Config{
		Timeout:    cfg.FetchTimeout(),
		MaxRetries: cfg.Fetch.MaxRetries,
		BackoffMin: time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
		BackoffMax: time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
	}, logger)

	parser, err := jsonapi.New(jsonapi.Options{BaseURL: cfg.Target.BaseURL})
	if err != nil {
		return fmt.Errorf("init parser: %w", err)
	}

	broadcaster := progress.NewBroadcaster(progress.Config{
		MaxPerUser:   cfg.Progress.MaxPerUser,
		BufferSize:   cfg.Progress.BufferSize,
		PingInterval: time.Duration(cfg.Progress.PingIntervalSec) * time.Second,
		LiveTimeout:  time.Duration(cfg.Progress.LiveTimeoutSec) * time.Second,
		Clock:        clk,
		Logger:       logger,
	})
	defer broadcaster.Close()

	pricing := credit.Pricing{
		DiscoveryCall:  cfg.DiscoveryPrice(),
		DetailCall:     cfg.DetailPrice(),
		PagesPerUnit:   cfg.Harvest.PageCap,
		ResultsPerPage: cfg.Credits.ResultsPerPage,
	}
	orc := orchestrator.New(orchestrator.Config{
		DiscoveryConcurrency:  cfg.Harvest.DiscoveryConcurrency,
		EnrichmentConcurrency: cfg.Harvest.EnrichmentConcurrency,
		PageCap:               cfg.Harvest.PageCap,
		PolitenessDelay:       cfg.PolitenessDelay(),
		Render:                cfg.Proxy.Render,
		Geo:                   cfg.Proxy.Geo,
	}, fetcher, parser, tasks, results, cache, ledger, pricing, broadcaster, clk, ids, logger)
	defer orc.Shutdown()

	server := api.NewServer(orc, broadcaster, cfg, logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", httpSrv.Addr), zap.String("backend", cfg.Storage.Backend))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}
