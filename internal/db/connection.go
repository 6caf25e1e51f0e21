package db

import (
    "context"
    "database/sql"
    "fmt"
    "strings"
    "sync"
    "time"

    _ "github.com/go-sql-driver/mysql"
    "github.com/outcall/dispatchcore/pkg/errors"
    "github.com/outcall/dispatchcore/pkg/logger"
)

type Config struct {
    Driver          string
    Host            string
    Port            int
    Username        string
    Password        string
    Database        string
    MaxOpenConns    int
    MaxIdleConns    int
    ConnMaxLifetime time.Duration
    RetryAttempts   int
    RetryDelay      time.Duration
    // HealthCheckInterval is how often the background ping runs.
    HealthCheckInterval time.Duration
}

type DB struct {
    *sql.DB
    cfg    Config
    mu     sync.RWMutex
    health bool
}

var (
    instance *DB
    once     sync.Once
)

func Initialize(cfg Config) error {
    var err error
    once.Do(func() {
        instance, err = newDB(cfg)
    })
    return err
}

func GetDB() *DB {
    if instance == nil {
        panic("database not initialized")
    }
    return instance
}

func newDB(cfg Config) (*DB, error) {
    // parseTime for the TIMESTAMP columns every table carries;
    // multiStatements for the embedded migrations.
    dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true&interpolateParams=true",
        cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

    if cfg.HealthCheckInterval <= 0 {
        cfg.HealthCheckInterval = 30 * time.Second
    }

    var db *sql.DB
    var err error

    for i := 0; i <= cfg.RetryAttempts; i++ {
        db, err = sql.Open(cfg.Driver, dsn)
        if err == nil {
            err = db.Ping()
            if err == nil {
                break
            }
        }

        if i < cfg.RetryAttempts {
            logger.WithField("attempt", i+1).WithError(err).Warn("database connection failed, retrying")
            time.Sleep(cfg.RetryDelay * time.Duration(i+1))
        }
    }

    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to connect to database")
    }

    db.SetMaxOpenConns(cfg.MaxOpenConns)
    db.SetMaxIdleConns(cfg.MaxIdleConns)
    db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

    wrapper := &DB{
        DB:     db,
        cfg:    cfg,
        health: true,
    }

    go wrapper.healthCheck()

    logger.Info("database connection established")
    return wrapper, nil
}

func (db *DB) healthCheck() {
    ticker := time.NewTicker(db.cfg.HealthCheckInterval)
    defer ticker.Stop()

    for range ticker.C {
        ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        err := db.PingContext(ctx)
        cancel()

        db.mu.Lock()
        oldHealth := db.health
        db.health = err == nil
        db.mu.Unlock()

        if oldHealth != db.health {
            if db.health {
                logger.Info("database connection recovered")
            } else {
                logger.WithError(err).Error("database connection lost")
            }
        }
    }
}

func (db *DB) IsHealthy() bool {
    db.mu.RLock()
    defer db.mu.RUnlock()
    return db.health
}

// Transaction runs fn in a transaction, retrying transient failures.
// The reservation and release paths lock counter rows FOR UPDATE, so
// deadlocks and lock-wait timeouts under contention are expected and
// retried rather than surfaced.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
    var err error
    for i := 0; i <= db.cfg.RetryAttempts; i++ {
        err = db.transaction(ctx, fn)
        if err == nil {
            return nil
        }

        if !isRetryableError(err) {
            return err
        }

        if i < db.cfg.RetryAttempts {
            select {
            case <-ctx.Done():
                return ctx.Err()
            case <-time.After(db.cfg.RetryDelay * time.Duration(i+1)):
                logger.WithField("attempt", i+1).WithError(err).Warn("transaction failed, retrying")
            }
        }
    }

    return errors.Wrap(err, errors.ErrDatabase, "transaction failed after retries")
}

func (db *DB) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
    tx, err := db.BeginTx(ctx, nil)
    if err != nil {
        return err
    }

    defer func() {
        if p := recover(); p != nil {
            tx.Rollback()
            panic(p)
        }
    }()

    err = fn(tx)
    if err != nil {
        tx.Rollback()
        return err
    }

    return tx.Commit()
}

func isRetryableError(err error) bool {
    if err == nil {
        return false
    }

    errStr := strings.ToLower(err.Error())
    retryableErrors := []string{
        "connection refused",
        "connection reset",
        "broken pipe",
        "timeout",
        "deadlock",
        "try restarting transaction",
        "lock wait timeout",
        "too many connections",
    }

    for _, e := range retryableErrors {
        if strings.Contains(errStr, e) {
            return true
        }
    }

    return false
}
