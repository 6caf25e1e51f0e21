// Package health serves the liveness/readiness endpoints the process
// is probed on. Checks run concurrently under a shared per-check
// timeout, so one wedged dependency cannot stall the whole probe.
package health

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/mux"
    "github.com/outcall/dispatchcore/pkg/logger"
)

type Config struct {
    Port          int
    LivenessPath  string
    ReadinessPath string
    // CheckTimeout bounds each registered check individually.
    CheckTimeout time.Duration
}

type HealthService struct {
    mu           sync.RWMutex
    checks       map[string]Checker
    readyChecks  map[string]Checker
    checkTimeout time.Duration
    server       *http.Server
}

type Checker interface {
    Check(ctx context.Context) error
}

type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error {
    return f(ctx)
}

type HealthResponse struct {
    Status    string                 `json:"status"`
    Timestamp time.Time              `json:"timestamp"`
    Checks    map[string]CheckResult `json:"checks,omitempty"`
    TotalTime string                 `json:"total_time,omitempty"`
}

type CheckResult struct {
    Status   string `json:"status"`
    Error    string `json:"error,omitempty"`
    Duration string `json:"duration"`
}

func NewHealthService(cfg Config) *HealthService {
    if cfg.LivenessPath == "" {
        cfg.LivenessPath = "/health/live"
    }
    if cfg.ReadinessPath == "" {
        cfg.ReadinessPath = "/health/ready"
    }
    if cfg.CheckTimeout <= 0 {
        cfg.CheckTimeout = 5 * time.Second
    }

    hs := &HealthService{
        checks:       make(map[string]Checker),
        readyChecks:  make(map[string]Checker),
        checkTimeout: cfg.CheckTimeout,
    }

    router := mux.NewRouter()
    router.HandleFunc(cfg.LivenessPath, hs.handleLiveness).Methods("GET")
    router.HandleFunc(cfg.ReadinessPath, hs.handleReadiness).Methods("GET")

    hs.server = &http.Server{
        Addr:         fmt.Sprintf(":%d", cfg.Port),
        Handler:      router,
        ReadTimeout:  10 * time.Second,
        WriteTimeout: 10 * time.Second,
    }

    return hs
}

func (hs *HealthService) Start() error {
    logger.WithField("addr", hs.server.Addr).Info("health service started")
    return hs.server.ListenAndServe()
}

func (hs *HealthService) Stop() error {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    return hs.server.Shutdown(ctx)
}

func (hs *HealthService) RegisterLivenessCheck(name string, check Checker) {
    hs.mu.Lock()
    defer hs.mu.Unlock()
    hs.checks[name] = check
}

func (hs *HealthService) RegisterReadinessCheck(name string, check Checker) {
    hs.mu.Lock()
    defer hs.mu.Unlock()
    hs.readyChecks[name] = check
}

func (hs *HealthService) handleLiveness(w http.ResponseWriter, r *http.Request) {
    hs.handleCheck(w, r, hs.checks)
}

func (hs *HealthService) handleReadiness(w http.ResponseWriter, r *http.Request) {
    hs.handleCheck(w, r, hs.readyChecks)
}

func (hs *HealthService) handleCheck(w http.ResponseWriter, r *http.Request, checks map[string]Checker) {
    start := time.Now()

    hs.mu.RLock()
    defer hs.mu.RUnlock()

    response := HealthResponse{
        Status:    "ok",
        Timestamp: start,
        Checks:    make(map[string]CheckResult),
    }

    var wg sync.WaitGroup
    var resultMu sync.Mutex

    for name, check := range checks {
        wg.Add(1)
        go func(n string, c Checker) {
            defer wg.Done()

            ctx, cancel := context.WithTimeout(r.Context(), hs.checkTimeout)
            defer cancel()

            checkStart := time.Now()
            err := c.Check(ctx)
            duration := time.Since(checkStart)

            result := CheckResult{
                Status:   "ok",
                Duration: duration.String(),
            }
            if err != nil {
                result.Status = "failed"
                result.Error = err.Error()
            }

            resultMu.Lock()
            response.Checks[n] = result
            if err != nil {
                response.Status = "failed"
            }
            resultMu.Unlock()
        }(name, check)
    }
    wg.Wait()

    response.TotalTime = time.Since(start).String()

    w.Header().Set("Content-Type", "application/json")
    if response.Status != "ok" {
        w.WriteHeader(http.StatusServiceUnavailable)
    }

    json.NewEncoder(w).Encode(response)
}
