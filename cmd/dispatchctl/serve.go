package main

import (
    "context"
    "fmt"
    "time"

    "github.com/spf13/cobra"

    "github.com/outcall/dispatchcore/internal/cache"
    "github.com/outcall/dispatchcore/internal/db"
    "github.com/outcall/dispatchcore/internal/dispatcher"
    "github.com/outcall/dispatchcore/internal/health"
    "github.com/outcall/dispatchcore/internal/metrics"
    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/internal/provider"
    "github.com/outcall/dispatchcore/internal/webhook"
    "github.com/outcall/dispatchcore/pkg/logger"
)

func createServeCommand() *cobra.Command {
    var skipMigrate bool

    cmd := &cobra.Command{
        Use:   "serve",
        Short: "Run the dispatch core: dispatcher loop, webhook retry pipeline, and cache engine",
        RunE: func(cmd *cobra.Command, args []string) error {
            return runServe(skipMigrate)
        },
    }
    cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Skip running database migrations on startup")
    return cmd
}

// runServe wires the registry, dispatcher, webhook pipeline, cache
// engine, and monitoring endpoints into one running process and blocks
// until SIGINT/SIGTERM, then shuts each of them down in reverse
// dependency order.
func runServe(skipMigrate bool) error {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    if err := initializeForCLI(ctx); err != nil {
        return err
    }
    cfg := appConfig

    if !skipMigrate {
        if err := db.RunDatabaseMigrations(database.DB); err != nil {
            return fmt.Errorf("failed to run database migrations: %w", err)
        }
    }

    metricsSvc := metrics.NewPrometheusMetrics()

    disp := newDispatcher(metricsSvc)
    reaper := dispatcher.NewOrphanReaper(registry, cfg.Dispatcher.OrphanCleanupInterval, cfg.Dispatcher.OrphanThreshold)

    cacheMgr := cache.NewCacheManager()
    for _, name := range []string{"dashboard", "agent", "performance"} {
        cacheMgr.Register(name, cfg.Cache.MaxEntries, cfg.Cache.MaxMemoryBytes, cfg.Cache.DefaultTTL)
    }
    refreshRegistry := cache.NewRefreshRegistry(cacheMgr)
    invalidator := cache.NewInvalidator(cacheMgr, refreshRegistry)
    invalidator.SetRetryPolicy(cfg.Cache.InvalidationMaxRetries, cfg.Cache.InvalidationBaseDelay)

    processor := webhook.NewDefaultProcessor(database.DB, registry)
    processor.OnCallCompleted = func(ctx context.Context, userID int64) {
        invalidator.OnEvent(ctx, cache.EventCallCompleted, userID)
    }
    retryPolicy := webhook.RetryPolicy{
        Delays:      cfg.Webhook.RetryDelays,
        MaxAttempts: cfg.Webhook.MaxAttempts,
    }
    webhookMgr := webhook.NewManager(processor, dlqStore, retryPolicy)
    webhookSrv := webhook.NewServer(webhookMgr, webhook.Config{
        ListenAddress: cfg.Webhook.ListenAddress,
        Port:          cfg.Webhook.Port,
        ReadTimeout:   cfg.Webhook.ReadTimeout,
        WriteTimeout:  cfg.Webhook.WriteTimeout,
        SharedSecret:  cfg.Security.WebhookSharedSecret,
    })

    backgroundRefresher := cache.NewBackgroundRefresher(refreshRegistry, cacheMgr, cache.RefresherConfig{
        Interval:         cfg.Cache.RefreshInterval,
        Threshold:        cfg.Cache.RefreshThreshold,
        BatchSize:        cfg.Cache.RefreshBatchSize,
        MaxConcurrent:    cfg.Cache.MaxConcurrentRefresh,
        CriticalPatterns: cfg.Cache.CriticalKeyPatterns,
    })
    janitor := cache.NewJanitor(cacheMgr, cfg.Cache.CleanupInterval)

    healthSvc := health.NewHealthService(health.Config{
        Port:          cfg.Monitoring.Health.Port,
        LivenessPath:  cfg.Monitoring.Health.LivenessPath,
        ReadinessPath: cfg.Monitoring.Health.ReadinessPath,
        CheckTimeout:  cfg.Monitoring.Health.CheckTimeout,
    })
    healthSvc.RegisterLivenessCheck("database", healthCheckFunc(func(ctx context.Context) error {
        return database.PingContext(ctx)
    }))
    healthSvc.RegisterReadinessCheck("database", healthCheckFunc(func(ctx context.Context) error {
        if !database.IsHealthy() {
            return fmt.Errorf("database connection unhealthy")
        }
        return nil
    }))

    logger.Info("starting dispatch core")

    go disp.Run(ctx)
    go reaper.Run(ctx)
    go webhookMgr.Run(ctx, cfg.Webhook.SweepInterval)
    go backgroundRefresher.Run(ctx)
    go janitor.Run(ctx)
    go sampleGauges(ctx, metricsSvc, cacheMgr)

    go func() {
        if err := webhookSrv.ListenAndServe(); err != nil {
            logger.WithError(err).Error("webhook server stopped")
        }
    }()

    if cfg.Monitoring.Metrics.Enabled {
        go func() {
            if err := metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port); err != nil {
                logger.WithError(err).Error("metrics server stopped")
            }
        }()
    }

    if cfg.Monitoring.Health.Enabled {
        go func() {
            if err := healthSvc.Start(); err != nil {
                logger.WithError(err).Error("health service stopped")
            }
        }()
    }

    waitForShutdownSignal()
    logger.Info("shutting down dispatch core")

    cancel()
    disp.Stop()
    reaper.Stop()
    webhookMgr.Stop()
    backgroundRefresher.Stop()
    janitor.Stop()

    shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Webhook.ShutdownTimeout)
    defer shutdownCancel()
    if err := webhookSrv.Shutdown(shutdownCtx); err != nil {
        logger.WithError(err).Error("error shutting down webhook server")
    }
    if err := healthSvc.Stop(); err != nil {
        logger.WithError(err).Error("error shutting down health service")
    }

    logger.Info("shutdown complete")
    return nil
}

type healthCheckFunc func(ctx context.Context) error

func (f healthCheckFunc) Check(ctx context.Context) error {
    return f(ctx)
}

// newDispatcher assembles a Dispatcher against the shared connections,
// used by serve's tick loop and by the CLI's direct-call fast path.
func newDispatcher(metricsSvc dispatcher.MetricsInterface) *dispatcher.Dispatcher {
    cfg := appConfig
    numbers := dispatcher.NewNumberSelector(database.DB, redisCache)
    providerClient := provider.NewClient(cfg.Dispatcher.ProviderBaseURL, cfg.Dispatcher.ProviderAPIKey, cfg.Dispatcher.ProviderRequestTimeout)
    creditsGate := dispatcher.NewCreditsGate(database.DB)

    return dispatcher.New(registry, queueRepo, numbers, providerClient, creditsGate, metricsSvc, dispatcher.Config{
        TickInterval:    cfg.Dispatcher.TickInterval,
        MaxItemsPerTick: cfg.Dispatcher.MaxItemsPerTick,
    })
}

// sampleGauges periodically snapshots registry, queue, and cache state
// into the Prometheus gauges, so point-in-time occupancy shows up on
// the metrics endpoint without every mutation path pushing a gauge.
func sampleGauges(ctx context.Context, m *metrics.PrometheusMetrics, cacheMgr *cache.CacheManager) {
    ticker := time.NewTicker(15 * time.Second)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if active, err := registry.CountActiveSystem(ctx); err == nil {
                m.SetGauge("acr_active_calls", float64(active), nil)
            }
            for _, ct := range []models.CallType{models.CallTypeDirect, models.CallTypeCampaign} {
                if depth, err := queueRepo.CountPending(ctx, ct); err == nil {
                    m.SetGauge("queue_depth", float64(depth), map[string]string{"call_type": string(ct)})
                }
            }
            for _, name := range cacheMgr.Names() {
                c, err := cacheMgr.Get(name)
                if err != nil {
                    continue
                }
                entries, _, _, _, _ := c.Stats()
                m.SetGauge("cache_entries", float64(entries), map[string]string{"instance": name})
            }
        }
    }
}
