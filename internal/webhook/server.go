package webhook

import (
    "context"
    "crypto/subtle"
    "encoding/json"
    "fmt"
    "net/http"
    "time"

    "github.com/gorilla/mux"
    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/logger"
)

// Server is the HTTP ingress for voice-provider terminal-event
// webhooks.
// It responds 200 once a payload decodes, whatever the processing
// outcome: Manager.Submit runs the first processing attempt inline and
// hands a failure to its asynchronous retry loop, so a failing
// downstream never causes the provider to see a failed delivery and
// redeliver on its own schedule.
type Server struct {
    manager *Manager
    secret  string
    server  *http.Server
}

type Config struct {
    ListenAddress string
    Port          int
    ReadTimeout   time.Duration
    WriteTimeout  time.Duration
    // SharedSecret, when non-empty, must match the X-Webhook-Secret
    // header on every delivery.
    SharedSecret string
}

func NewServer(manager *Manager, cfg Config) *Server {
    s := &Server{manager: manager, secret: cfg.SharedSecret}

    router := mux.NewRouter()
    router.HandleFunc("/webhooks/terminal-event", s.handleTerminalEvent).Methods(http.MethodPost)

    s.server = &http.Server{
        Addr:         addr(cfg),
        Handler:      router,
        ReadTimeout:  cfg.ReadTimeout,
        WriteTimeout: cfg.WriteTimeout,
    }
    return s
}

func addr(cfg Config) string {
    host := cfg.ListenAddress
    if host == "" {
        host = "0.0.0.0"
    }
    return fmt.Sprintf("%s:%d", host, cfg.Port)
}

func (s *Server) handleTerminalEvent(w http.ResponseWriter, r *http.Request) {
    if s.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Webhook-Secret")), []byte(s.secret)) != 1 {
        w.WriteHeader(http.StatusUnauthorized)
        return
    }

    var payload models.TerminalEventPayload
    if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
        logger.WithContext(r.Context()).WithError(err).Warn("failed to decode terminal event payload")
        w.WriteHeader(http.StatusBadRequest)
        return
    }

    logger.WithContext(r.Context()).WithField("execution_id", payload.ExecutionID).Info("terminal event received")
    s.manager.Submit(r.Context(), payload)

    w.WriteHeader(http.StatusOK)
}

func (s *Server) ListenAndServe() error {
    return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
    return s.server.Shutdown(ctx)
}
