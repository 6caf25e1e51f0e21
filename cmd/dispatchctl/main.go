package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/spf13/cobra"

    "github.com/outcall/dispatchcore/internal/acr"
    "github.com/outcall/dispatchcore/internal/config"
    "github.com/outcall/dispatchcore/internal/db"
    "github.com/outcall/dispatchcore/internal/queue"
    "github.com/outcall/dispatchcore/internal/webhook"
    "github.com/outcall/dispatchcore/pkg/logger"
)

var (
    cfgFile string

    // Services shared between serve.go and the CLI inspection commands
    // in dlq_commands.go and queue_commands.go.
    appConfig  *config.Config
    database   *db.DB
    redisCache *db.Cache
    registry   *acr.Registry
    queueRepo  *queue.Repository
    dlqStore   *webhook.DLQStore
)

func main() {
    rootCmd := &cobra.Command{
        Use:   "dispatchctl",
        Short: "Outbound call dispatch core",
        Long:  "Dispatch core: active-call registry, queue dispatcher, webhook retry pipeline, and cache engine for an outbound AI-calling platform",
    }
    rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path")

    rootCmd.AddCommand(
        createServeCommand(),
        createMigrateCommand(),
        createDLQCommands(),
        createQueueCommands(),
        createCallsCommands(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}

// initializeForCLI loads config and brings up the database/cache
// connections a CLI inspection subcommand needs, without starting any
// of the long-running loops serve does.
func initializeForCLI(ctx context.Context) error {
    cfg, err := config.Load(cfgFile)
    if err != nil {
        return fmt.Errorf("failed to load config: %w", err)
    }
    appConfig = cfg

    if err := logger.Init(logger.Config{
        Level:  cfg.Monitoring.Logging.Level,
        Format: cfg.Monitoring.Logging.Format,
        Output: cfg.Monitoring.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
    }); err != nil {
        return fmt.Errorf("failed to init logger: %w", err)
    }

    if err := db.Initialize(dbConfigFrom(cfg)); err != nil {
        return fmt.Errorf("failed to connect to database: %w", err)
    }
    database = db.GetDB()

    if err := db.InitializeCache(cacheConfigFrom(cfg), cfg.App.Name); err != nil {
        logger.WithError(err).Warn("failed to connect to Redis, continuing with no-op cache")
    }
    redisCache = db.GetCache()

    limits := acr.Limits{
        SystemConcurrentCalls: cfg.Dispatcher.SystemConcurrentCallsLimit,
        DefaultUserConcurrent: cfg.Dispatcher.DefaultUserConcurrentLimit,
    }
    registry = acr.NewRegistry(database, redisCache, limits)
    queueRepo = queue.NewRepository(database.DB)
    dlqStore = webhook.NewDLQStore(database.DB)

    return nil
}

func dbConfigFrom(cfg *config.Config) db.Config {
    return db.Config{
        Driver:          cfg.Database.Driver,
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,

        HealthCheckInterval: cfg.Database.HealthCheckInterval,
    }
}

func cacheConfigFrom(cfg *config.Config) db.CacheConfig {
    return db.CacheConfig{
        Host:         cfg.Redis.Host,
        Port:         cfg.Redis.Port,
        Password:     cfg.Redis.Password,
        DB:           cfg.Redis.DB,
        PoolSize:     cfg.Redis.PoolSize,
        MinIdleConns: cfg.Redis.MinIdleConns,
        MaxRetries:   cfg.Redis.MaxRetries,

        LockWait:          cfg.Redis.LockWait,
        LockRetryInterval: cfg.Redis.LockRetryInterval,
    }
}

func createMigrateCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "migrate",
        Short: "Apply pending database schema migrations",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            return db.RunDatabaseMigrations(database.DB)
        },
    }
}

// waitForShutdownSignal blocks until SIGINT or SIGTERM is received.
func waitForShutdownSignal() {
    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
    <-sigChan
}
