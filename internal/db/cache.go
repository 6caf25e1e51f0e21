package db

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/go-redis/redis/v8"
    "github.com/outcall/dispatchcore/pkg/errors"
    "github.com/outcall/dispatchcore/pkg/logger"
)

// Redis backs the two cross-process concerns this service has: the
// per-user reservation locks the registry serializes slot grants on,
// and short-TTL memoization of hot lookups (agent provider ids). Get,
// Set and Delete never fail their caller on a cache error -- a cold
// memo is a slower lookup, not a fault; Lock does return an error when
// Redis fails or its wait runs out.
type CacheConfig struct {
    Host         string
    Port         int
    Password     string
    DB           int
    PoolSize     int
    MinIdleConns int
    MaxRetries   int
    // LockWait bounds how long Lock blocks waiting for a contended
    // key before giving up; LockRetryInterval is the poll cadence.
    LockWait          time.Duration
    LockRetryInterval time.Duration
}

type Cache struct {
    client            *redis.Client
    prefix            string
    lockWait          time.Duration
    lockRetryInterval time.Duration
}

var (
    cacheInstance *Cache
)

func InitializeCache(cfg CacheConfig, prefix string) error {
    client := redis.NewClient(&redis.Options{
        Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
        Password:     cfg.Password,
        DB:           cfg.DB,
        PoolSize:     cfg.PoolSize,
        MinIdleConns: cfg.MinIdleConns,
        MaxRetries:   cfg.MaxRetries,
    })

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    if err := client.Ping(ctx).Err(); err != nil {
        return errors.Wrap(err, errors.ErrRedis, "failed to connect to Redis")
    }

    if cfg.LockWait <= 0 {
        cfg.LockWait = 2 * time.Second
    }
    if cfg.LockRetryInterval <= 0 {
        cfg.LockRetryInterval = 50 * time.Millisecond
    }

    cacheInstance = &Cache{
        client:            client,
        prefix:            prefix,
        lockWait:          cfg.LockWait,
        lockRetryInterval: cfg.LockRetryInterval,
    }

    logger.Info("redis cache initialized")
    return nil
}

func GetCache() *Cache {
    if cacheInstance == nil {
        // No-op cache: every Get is a miss, Lock always succeeds.
        return &Cache{}
    }
    return cacheInstance
}

func (c *Cache) key(k string) string {
    if c.prefix != "" {
        return fmt.Sprintf("%s:%s", c.prefix, k)
    }
    return k
}

// Get unmarshals the cached JSON value into dest. Misses and cache
// errors leave dest untouched and return nil.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
    if c.client == nil {
        return nil
    }

    val, err := c.client.Get(ctx, c.key(key)).Result()
    if err == redis.Nil {
        return nil
    }
    if err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache get failed")
        return nil
    }

    if err := json.Unmarshal([]byte(val), dest); err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache unmarshal failed")
    }
    return nil
}

// Set stores value as JSON with the given expiration, best-effort.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
    if c.client == nil {
        return nil
    }

    data, err := json.Marshal(value)
    if err != nil {
        return nil
    }

    if err := c.client.Set(ctx, c.key(key), data, expiration).Err(); err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache set failed")
    }
    return nil
}

// Delete drops keys, best-effort.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
    if c.client == nil {
        return nil
    }

    fullKeys := make([]string, len(keys))
    for i, k := range keys {
        fullKeys[i] = c.key(k)
    }

    if err := c.client.Del(ctx, fullKeys...).Err(); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("cache delete failed")
    }
    return nil
}

// Lock acquires a distributed lock via SETNX, polling a contended key
// until lockWait elapses. Two reservations for the same user racing is
// the expected case here, so a short bounded wait beats failing the
// whole reservation attempt outright. The returned func releases the
// lock only if this holder still owns it.
func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
    if c.client == nil {
        return func() {}, nil
    }

    lockKey := c.key(fmt.Sprintf("lock:%s", key))
    value := fmt.Sprintf("%d", time.Now().UnixNano())
    deadline := time.Now().Add(c.lockWait)

    for {
        ok, err := c.client.SetNX(ctx, lockKey, value, ttl).Result()
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrRedis, "failed to acquire lock")
        }
        if ok {
            break
        }
        if time.Now().After(deadline) {
            return nil, errors.New(errors.ErrTransient, "lock acquisition timed out")
        }
        select {
        case <-ctx.Done():
            return nil, errors.Wrap(ctx.Err(), errors.ErrTransient, "lock acquisition cancelled")
        case <-time.After(c.lockRetryInterval):
        }
    }

    return func() {
        script := redis.NewScript(`
            if redis.call("get", KEYS[1]) == ARGV[1] then
                return redis.call("del", KEYS[1])
            else
                return 0
            end
        `)

        script.Run(ctx, c.client, []string{lockKey}, value)
    }, nil
}
