package metrics

import (
    "fmt"
    "net/http"
    
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/outcall/dispatchcore/pkg/logger"
)

type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }
    
    // Register common metrics
    pm.registerMetrics()
    
    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["dispatcher_calls_dispatched"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dispatcher_calls_dispatched_total",
            Help: "Total number of calls dispatched to the voice provider",
        },
        []string{"call_type"},
    )

    pm.counters["dispatcher_calls_failed"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dispatcher_calls_failed_total",
            Help: "Total number of dispatch attempts that failed",
        },
        []string{"reason", "call_type"},
    )

    pm.counters["acr_reservations"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "acr_reservations_total",
            Help: "Total ACR reservation outcomes",
        },
        []string{"outcome", "call_type"},
    )

    pm.counters["webhook_events_received"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "webhook_events_received_total",
            Help: "Total terminal-event webhook deliveries received",
        },
        []string{"status"},
    )

    pm.counters["webhook_retry_attempts"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "webhook_retry_attempts_total",
            Help: "Total retry attempts made by the Webhook Retry Pipeline",
        },
        []string{"outcome"},
    )

    pm.counters["webhook_dlq_moved"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "webhook_dlq_moved_total",
            Help: "Total retry jobs moved to the dead-letter queue",
        },
        []string{},
    )

    pm.counters["cache_hits"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "cache_hits_total",
            Help: "Total cache hits",
        },
        []string{"instance"},
    )

    pm.counters["cache_misses"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "cache_misses_total",
            Help: "Total cache misses",
        },
        []string{"instance"},
    )

    // Histograms
    pm.histograms["dispatch_tick_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "dispatch_tick_duration_seconds",
            Help:    "Duration of one dispatcher tick",
            Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
        },
        []string{},
    )

    pm.histograms["provider_call_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "provider_request_duration_seconds",
            Help:    "Voice provider call-placement request duration",
            Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
        },
        []string{"outcome"},
    )

    pm.histograms["call_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "call_duration_seconds",
            Help:    "Completed conversation duration in seconds",
            Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800},
        },
        []string{},
    )

    // Gauges
    pm.gauges["acr_active_calls"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "acr_active_calls",
            Help: "Current number of active calls held by the registry",
        },
        []string{},
    )

    pm.gauges["queue_depth"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "queue_depth",
            Help: "Current number of pending queue items",
        },
        []string{"call_type"},
    )

    pm.gauges["webhook_dlq_size"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "webhook_dlq_size",
            Help: "Current number of items in the dead-letter queue",
        },
        []string{},
    )

    pm.gauges["cache_entries"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "cache_entries",
            Help: "Current number of entries held in the in-process cache",
        },
        []string{"instance"},
    )

    // Register all metrics
    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("Metrics server started")
    return http.ListenAndServe(addr, nil)
}
