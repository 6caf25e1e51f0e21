package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
    App        AppConfig        `mapstructure:"app"`
    Database   DatabaseConfig   `mapstructure:"database"`
    Redis      RedisConfig      `mapstructure:"redis"`
    Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
    Webhook    WebhookConfig    `mapstructure:"webhook"`
    Cache      CacheConfig      `mapstructure:"cache"`
    Monitoring MonitoringConfig `mapstructure:"monitoring"`
    Security   SecurityConfig   `mapstructure:"security"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
    Name        string `mapstructure:"name"`
    Version     string `mapstructure:"version"`
    Environment string `mapstructure:"environment"`
    Debug       bool   `mapstructure:"debug"`
}

// DatabaseConfig holds MySQL connection configuration.
type DatabaseConfig struct {
    Driver          string        `mapstructure:"driver"`
    Host            string        `mapstructure:"host"`
    Port            int           `mapstructure:"port"`
    Username        string        `mapstructure:"username"`
    Password        string        `mapstructure:"password"`
    Database        string        `mapstructure:"database"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
    Charset         string        `mapstructure:"charset"`
    HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// RedisConfig holds Redis configuration, used as the distributed lock
// backend and for short-TTL memoization of hot lookups.
type RedisConfig struct {
    Host         string        `mapstructure:"host"`
    Port         int           `mapstructure:"port"`
    Password     string        `mapstructure:"password"`
    DB           int           `mapstructure:"db"`
    PoolSize     int           `mapstructure:"pool_size"`
    MinIdleConns int           `mapstructure:"min_idle_conns"`
    MaxRetries   int           `mapstructure:"max_retries"`
    DialTimeout  time.Duration `mapstructure:"dial_timeout"`
    ReadTimeout  time.Duration `mapstructure:"read_timeout"`
    WriteTimeout time.Duration `mapstructure:"write_timeout"`
    LockWait          time.Duration `mapstructure:"lock_wait"`
    LockRetryInterval time.Duration `mapstructure:"lock_retry_interval"`
}

// DispatcherConfig holds the Dispatcher's concurrency caps and tick cadence.
type DispatcherConfig struct {
    TickInterval              time.Duration `mapstructure:"tick_interval"`
    SystemConcurrentCallsLimit int          `mapstructure:"system_concurrent_calls_limit"`
    DefaultUserConcurrentLimit int          `mapstructure:"default_user_concurrent_limit"`
    MaxItemsPerTick            int          `mapstructure:"max_items_per_tick"`
    OrphanCleanupInterval      time.Duration `mapstructure:"orphan_cleanup_interval"`
    OrphanThreshold            time.Duration `mapstructure:"orphan_threshold"`
    ProviderRequestTimeout     time.Duration `mapstructure:"provider_request_timeout"`
    ProviderBaseURL            string        `mapstructure:"provider_base_url"`
    ProviderAPIKey             string        `mapstructure:"provider_api_key"`
}

// WebhookConfig holds the Webhook Retry Pipeline's ingress and retry policy.
type WebhookConfig struct {
    ListenAddress   string        `mapstructure:"listen_address"`
    Port            int           `mapstructure:"port"`
    ReadTimeout     time.Duration `mapstructure:"read_timeout"`
    WriteTimeout    time.Duration `mapstructure:"write_timeout"`
    ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
    MaxAttempts     int           `mapstructure:"max_attempts"`
    RetryDelays     []time.Duration `mapstructure:"retry_delays"`
    SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// CacheConfig holds the Cache Engine's in-process store sizing and
// invalidation/refresh policy.
type CacheConfig struct {
    MaxEntries          int           `mapstructure:"max_entries"`
    MaxMemoryBytes       int64         `mapstructure:"max_memory_bytes"`
    DefaultTTL           time.Duration `mapstructure:"default_ttl"`
    CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
    InvalidationMaxRetries uint        `mapstructure:"invalidation_max_retries"`
    InvalidationBaseDelay time.Duration `mapstructure:"invalidation_base_delay"`
    RefreshInterval       time.Duration `mapstructure:"refresh_interval"`
    RefreshThreshold      float64       `mapstructure:"refresh_threshold"`
    RefreshBatchSize      int           `mapstructure:"refresh_batch_size"`
    MaxConcurrentRefresh  int           `mapstructure:"max_concurrent_refresh"`
    CriticalKeyPatterns   []string      `mapstructure:"critical_key_patterns"`
}

// MonitoringConfig holds observability configuration.
type MonitoringConfig struct {
    Metrics MetricsConfig `mapstructure:"metrics"`
    Health  HealthConfig  `mapstructure:"health"`
    Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
    Enabled   bool   `mapstructure:"enabled"`
    Port      int    `mapstructure:"port"`
    Path      string `mapstructure:"path"`
    Namespace string `mapstructure:"namespace"`
}

type HealthConfig struct {
    Enabled       bool          `mapstructure:"enabled"`
    Port          int           `mapstructure:"port"`
    LivenessPath  string        `mapstructure:"liveness_path"`
    ReadinessPath string        `mapstructure:"readiness_path"`
    CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

type LoggingConfig struct {
    Level  string                 `mapstructure:"level"`
    Format string                 `mapstructure:"format"`
    Output string                 `mapstructure:"output"`
    File   FileLogConfig          `mapstructure:"file"`
    Fields map[string]interface{} `mapstructure:"fields"`
}

type FileLogConfig struct {
    Enabled    bool   `mapstructure:"enabled"`
    Path       string `mapstructure:"path"`
    MaxSize    int    `mapstructure:"max_size"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAge     int    `mapstructure:"max_age"`
    Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig holds the webhook ingress's shared-secret verification.
type SecurityConfig struct {
    WebhookSharedSecret string `mapstructure:"webhook_shared_secret"`
}

// Load loads configuration from file and environment, in the same
// precedence order the router used: file, then ${PREFIX}_* env vars
// override, then hardcoded defaults backstop anything unset.
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("config")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/dispatchcore")
        viper.AddConfigPath(".")
    }

    viper.SetEnvPrefix("DISPATCHCTL")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
    }

    var config Config
    if err := viper.Unmarshal(&config); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    if err := config.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &config, nil
}

func setDefaults() {
    viper.SetDefault("app.name", "dispatchcore")
    viper.SetDefault("app.version", "1.0.0")
    viper.SetDefault("app.environment", "development")
    viper.SetDefault("app.debug", false)

    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "dispatchcore")
    viper.SetDefault("database.password", "dispatchcore")
    viper.SetDefault("database.database", "dispatchcore")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "1s")
    viper.SetDefault("database.charset", "utf8mb4")
    viper.SetDefault("database.health_check_interval", "30s")

    viper.SetDefault("redis.host", "localhost")
    viper.SetDefault("redis.port", 6379)
    viper.SetDefault("redis.db", 0)
    viper.SetDefault("redis.pool_size", 10)
    viper.SetDefault("redis.min_idle_conns", 5)
    viper.SetDefault("redis.max_retries", 3)
    viper.SetDefault("redis.dial_timeout", "5s")
    viper.SetDefault("redis.read_timeout", "3s")
    viper.SetDefault("redis.write_timeout", "3s")
    viper.SetDefault("redis.lock_wait", "2s")
    viper.SetDefault("redis.lock_retry_interval", "50ms")

    viper.SetDefault("dispatcher.tick_interval", "1s")
    viper.SetDefault("dispatcher.system_concurrent_calls_limit", 500)
    viper.SetDefault("dispatcher.default_user_concurrent_limit", 10)
    viper.SetDefault("dispatcher.max_items_per_tick", 50)
    viper.SetDefault("dispatcher.orphan_cleanup_interval", "5m")
    viper.SetDefault("dispatcher.orphan_threshold", "30m")
    viper.SetDefault("dispatcher.provider_request_timeout", "15s")
    viper.SetDefault("dispatcher.provider_base_url", "")
    viper.SetDefault("dispatcher.provider_api_key", "")

    viper.SetDefault("webhook.listen_address", "0.0.0.0")
    viper.SetDefault("webhook.port", 8082)
    viper.SetDefault("webhook.read_timeout", "10s")
    viper.SetDefault("webhook.write_timeout", "10s")
    viper.SetDefault("webhook.shutdown_timeout", "15s")
    viper.SetDefault("webhook.max_attempts", 3)
    viper.SetDefault("webhook.retry_delays", []string{"5s", "30s", "5m"})
    viper.SetDefault("webhook.sweep_interval", "5s")

    viper.SetDefault("cache.max_entries", 10000)
    viper.SetDefault("cache.max_memory_bytes", 128*1024*1024)
    viper.SetDefault("cache.default_ttl", "5m")
    viper.SetDefault("cache.cleanup_interval", "1m")
    viper.SetDefault("cache.invalidation_max_retries", 3)
    viper.SetDefault("cache.invalidation_base_delay", "100ms")
    viper.SetDefault("cache.refresh_interval", "30s")
    viper.SetDefault("cache.refresh_threshold", 0.8)
    viper.SetDefault("cache.refresh_batch_size", 20)
    viper.SetDefault("cache.max_concurrent_refresh", 4)
    viper.SetDefault("cache.critical_key_patterns", []string{"^dashboard:"})

    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.metrics.path", "/metrics")
    viper.SetDefault("monitoring.metrics.namespace", "dispatchcore")
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.health.liveness_path", "/healthz")
    viper.SetDefault("monitoring.health.readiness_path", "/ready")
    viper.SetDefault("monitoring.health.check_timeout", "5s")
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
    viper.SetDefault("monitoring.logging.output", "stdout")

    viper.SetDefault("security.webhook_shared_secret", "")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
    if c.Database.Host == "" {
        return fmt.Errorf("database host is required")
    }
    if c.Database.Port <= 0 || c.Database.Port > 65535 {
        return fmt.Errorf("invalid database port: %d", c.Database.Port)
    }
    if c.Database.Username == "" {
        return fmt.Errorf("database username is required")
    }
    if c.Database.Database == "" {
        return fmt.Errorf("database name is required")
    }

    if c.Redis.Host != "" {
        if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
            return fmt.Errorf("invalid Redis port: %d", c.Redis.Port)
        }
    }

    if c.Dispatcher.SystemConcurrentCallsLimit <= 0 {
        return fmt.Errorf("dispatcher system concurrent calls limit must be positive")
    }
    if c.Dispatcher.DefaultUserConcurrentLimit <= 0 {
        return fmt.Errorf("dispatcher default user concurrent limit must be positive")
    }
    if c.Dispatcher.TickInterval <= 0 {
        return fmt.Errorf("dispatcher tick interval must be positive")
    }

    if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
        return fmt.Errorf("invalid webhook port: %d", c.Webhook.Port)
    }
    if c.Webhook.MaxAttempts <= 0 {
        return fmt.Errorf("webhook max attempts must be positive")
    }
    if len(c.Webhook.RetryDelays) == 0 {
        return fmt.Errorf("webhook retry delays must not be empty")
    }

    if c.Cache.MaxEntries <= 0 {
        return fmt.Errorf("cache max entries must be positive")
    }

    if c.Monitoring.Metrics.Enabled {
        if c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535 {
            return fmt.Errorf("invalid metrics port: %d", c.Monitoring.Metrics.Port)
        }
    }
    if c.Monitoring.Health.Enabled {
        if c.Monitoring.Health.Port <= 0 || c.Monitoring.Health.Port > 65535 {
            return fmt.Errorf("invalid health port: %d", c.Monitoring.Health.Port)
        }
    }

    return nil
}

// GetDSN returns the database connection string.
func (c *DatabaseConfig) GetDSN() string {
    charset := c.Charset
    if charset == "" {
        charset = "utf8mb4"
    }

    return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=Local",
        c.Username,
        c.Password,
        c.Host,
        c.Port,
        c.Database,
        charset,
    )
}

// GetRedisAddr returns the Redis address.
func (c *RedisConfig) GetRedisAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production environment.
func (c *AppConfig) IsProduction() bool {
    return strings.ToLower(c.Environment) == "production"
}

// IsDevelopment returns true if running in development environment.
func (c *AppConfig) IsDevelopment() bool {
    return strings.ToLower(c.Environment) == "development"
}

// IsDebug returns true if debug mode is enabled.
func (c *AppConfig) IsDebug() bool {
    return c.Debug
}
