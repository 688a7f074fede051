// internal/metrics/prometheus.go
package metrics

import (
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
    ProbeDuration = promauto.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "netwatch_probe_duration_seconds",
            Help:    "Time spent probing devices",
            Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 3, 5},
        },
        []string{"kind", "outcome"},
    )

    ProbeTotal = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "netwatch_probes_total",
            Help: "Total number of probes executed",
        },
        []string{"kind", "outcome"},
    )

    QueueDepth = promauto.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "netwatch_scheduler_queue_depth",
            Help: "Tasks waiting in each scheduler queue",
        },
        []string{"queue"},
    )

    TaskWait = promauto.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "netwatch_scheduler_task_wait_seconds",
            Help:    "Time between enqueue and start of execution",
            Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
        },
        []string{"queue"},
    )

    TaskDuration = promauto.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "netwatch_scheduler_task_duration_seconds",
            Help:    "Task execution time",
            Buckets: prometheus.DefBuckets,
        },
        []string{"queue"},
    )

    TasksTotal = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "netwatch_scheduler_tasks_total",
            Help: "Tasks by queue and result (ok, error, timeout, panic, rejected, skipped)",
        },
        []string{"queue", "result"},
    )

    DevicesByStatus = promauto.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "netwatch_devices",
            Help: "Number of monitored devices by current status",
        },
        []string{"status"},
    )

    FlappingDevices = promauto.NewGauge(
        prometheus.GaugeOpts{
            Name: "netwatch_devices_flapping",
            Help: "Number of devices currently flap-suppressed",
        },
    )

    Transitions = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "netwatch_status_transitions_total",
            Help: "Confirmed device status transitions",
        },
        []string{"from", "to"},
    )

    ActiveAlerts = promauto.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "netwatch_alerts_active",
            Help: "Unresolved alerts by severity",
        },
        []string{"severity"},
    )

    AlertEvents = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "netwatch_alert_events_total",
            Help: "Alert lifecycle events",
        },
        []string{"event", "class"},
    )

    MetricsStoreFlushes = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "netwatch_metrics_store_flushes_total",
            Help: "Metrics store batch flushes by result",
        },
        []string{"result"},
    )

    MetricsStoreDropped = promauto.NewCounter(
        prometheus.CounterOpts{
            Name: "netwatch_metrics_store_samples_dropped_total",
            Help: "Samples dropped while the metrics store was unavailable",
        },
    )

    MetricsStoreBuffered = promauto.NewGauge(
        prometheus.GaugeOpts{
            Name: "netwatch_metrics_store_samples_buffered",
            Help: "Samples waiting to be flushed",
        },
    )

    MetricsStoreQueries = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "netwatch_metrics_store_queries_total",
            Help: "Range queries by cache outcome",
        },
        []string{"cache"},
    )

    EventsDropped = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "netwatch_events_dropped_total",
            Help: "Events dropped because a subscriber was full",
        },
        []string{"subscriber"},
    )

    DatabaseOperations = promauto.NewCounterVec(
        prometheus.CounterOpts{
            Name: "netwatch_database_operations_total",
            Help: "Total database operations performed",
        },
        []string{"operation", "status"},
    )

    ActiveDevices = promauto.NewGauge(
        prometheus.GaugeOpts{
            Name: "netwatch_active_devices_total",
            Help: "Number of enabled devices being monitored",
        },
    )

    WebSocketConnections = promauto.NewGauge(
        prometheus.GaugeOpts{
            Name: "netwatch_websocket_connections_active",
            Help: "Number of active WebSocket connections",
        },
    )
)

// Collector records engine activity. A nil *Collector is valid and records
// nothing, which keeps components usable in tests without instrumentation.
type Collector struct{}

func NewCollector() *Collector {
    return &Collector{}
}

func (c *Collector) RecordProbe(kind, outcome string, duration time.Duration) {
    if c == nil {
        return
    }
    ProbeDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
    ProbeTotal.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) SetQueueDepth(queue string, depth int) {
    if c == nil {
        return
    }
    QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (c *Collector) RecordTask(queue, result string, wait, duration time.Duration) {
    if c == nil {
        return
    }
    TaskWait.WithLabelValues(queue).Observe(wait.Seconds())
    TaskDuration.WithLabelValues(queue).Observe(duration.Seconds())
    TasksTotal.WithLabelValues(queue, result).Inc()
}

// RecordTaskOutcome counts tasks that never ran (rejected, skipped).
func (c *Collector) RecordTaskOutcome(queue, result string) {
    if c == nil {
        return
    }
    TasksTotal.WithLabelValues(queue, result).Inc()
}

func (c *Collector) RecordTransition(from, to string) {
    if c == nil {
        return
    }
    Transitions.WithLabelValues(from, to).Inc()
}

// UpdateDeviceStatus replaces the status gauges with a fresh census.
func (c *Collector) UpdateDeviceStatus(byStatus map[string]int, flapping, enabled int) {
    if c == nil {
        return
    }
    DevicesByStatus.Reset()
    for status, count := range byStatus {
        DevicesByStatus.WithLabelValues(status).Set(float64(count))
    }
    FlappingDevices.Set(float64(flapping))
    ActiveDevices.Set(float64(enabled))
}

func (c *Collector) UpdateActiveAlerts(bySeverity map[string]int) {
    if c == nil {
        return
    }
    ActiveAlerts.Reset()
    for severity, count := range bySeverity {
        ActiveAlerts.WithLabelValues(severity).Set(float64(count))
    }
}

func (c *Collector) RecordAlertEvent(event, class string) {
    if c == nil {
        return
    }
    AlertEvents.WithLabelValues(event, class).Inc()
}

func (c *Collector) RecordFlush(ok bool, buffered int) {
    if c == nil {
        return
    }
    MetricsStoreFlushes.WithLabelValues(resultLabel(ok)).Inc()
    MetricsStoreBuffered.Set(float64(buffered))
}

func (c *Collector) RecordSamplesDropped(n int) {
    if c == nil || n == 0 {
        return
    }
    MetricsStoreDropped.Add(float64(n))
}

func (c *Collector) RecordQuery(cacheHit bool) {
    if c == nil {
        return
    }
    label := "miss"
    if cacheHit {
        label = "hit"
    }
    MetricsStoreQueries.WithLabelValues(label).Inc()
}

func (c *Collector) RecordEventDropped(subscriber string) {
    if c == nil {
        return
    }
    EventsDropped.WithLabelValues(subscriber).Inc()
}

func (c *Collector) RecordDatabaseOperation(operation string, err error) {
    if c == nil {
        return
    }
    DatabaseOperations.WithLabelValues(operation, resultLabel(err == nil)).Inc()
}

func (c *Collector) RecordWebSocketConnection(delta int) {
    if c == nil {
        return
    }
    WebSocketConnections.Add(float64(delta))
}

func resultLabel(ok bool) string {
    if ok {
        return "success"
    }
    return "error"
}
