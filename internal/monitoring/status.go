// internal/monitoring/status.go - Read side used by the web server
package monitoring

import (
    "context"
    "time"

    "netwatch/internal/database"
    "netwatch/internal/events"
    "netwatch/internal/models"
    "netwatch/internal/notifications"
    "netwatch/internal/scheduler"
    "netwatch/internal/tsdb"
)

// Health summarizes the engine for the health endpoint.
type Health struct {
    Status       string                 `json:"status"`
    StartedAt    time.Time              `json:"started_at"`
    Uptime       string                 `json:"uptime"`
    Devices      int                    `json:"devices"`
    ActiveAlerts int                    `json:"active_alerts"`
    Subscribers  []string               `json:"subscribers"`
    Database     *database.Stats        `json:"database,omitempty"`
    DatabaseErr  string                 `json:"database_error,omitempty"`
    MetricsStore tsdb.ClientStats       `json:"metrics_store"`
    Scheduler    []scheduler.QueueStats `json:"queues"`
}

func (e *Engine) Running() bool {
    e.mu.RLock()
    defer e.mu.RUnlock()
    return e.running
}

func (e *Engine) Devices() []models.DeviceSnapshot {
    return e.machine.Snapshots(e.clock.Now())
}

func (e *Engine) Device(id string) (models.DeviceSnapshot, bool) {
    return e.machine.Snapshot(id)
}

// Transitions returns the device's recent status changes.
func (e *Engine) Transitions(id string) []models.TransitionEvent {
    return e.machine.Transitions(id, e.clock.Now())
}

func (e *Engine) ActiveAlerts() []models.Alert {
    return e.alerts.Active()
}

func (e *Engine) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
    return e.alerts.List(ctx, filter)
}

func (e *Engine) ResolveAlert(ctx context.Context, id, by string) (*models.Alert, error) {
    return e.alerts.Resolve(ctx, id, by)
}

func (e *Engine) Rules() []models.AlertRule {
    return e.alerts.Rules()
}

// QueryMetrics returns a device metric over [from, to) at the resolution
// the range calls for.
func (e *Engine) QueryMetrics(ctx context.Context, deviceID, metric string, from, to time.Time) (*tsdb.Series, error) {
    return e.tsdb.Query(ctx, deviceID, metric, from, to)
}

func (e *Engine) SchedulerStats() scheduler.Stats {
    return e.scheduler.Stats()
}

func (e *Engine) Events() *events.Bus {
    return e.bus
}

func (e *Engine) Now() time.Time {
    return e.clock.Now()
}

func (e *Engine) Health(ctx context.Context) Health {
    e.mu.RLock()
    started, running := e.startedAt, e.running
    e.mu.RUnlock()

    h := Health{
        Status:       "healthy",
        StartedAt:    started,
        Devices:      e.machine.Len(),
        ActiveAlerts: len(e.alerts.Active()),
        Subscribers:  e.bus.Subscribers(),
        MetricsStore: e.tsdb.Stats(),
        Scheduler:    e.scheduler.Stats().Queues,
    }
    if running {
        h.Uptime = e.clock.Now().Sub(started).Round(time.Second).String()
    } else {
        h.Status = "stopped"
    }

    stats, err := e.store.Stats(ctx)
    if err != nil {
        h.Status = "degraded"
        h.DatabaseErr = err.Error()
    } else {
        h.Database = stats
    }
    if h.MetricsStore.LastFlushError != "" && h.Status == "healthy" {
        h.Status = "degraded"
    }
    return h
}

// RefreshInventory re-reads the inventory now instead of waiting for the
// refresh job.
func (e *Engine) RefreshInventory(ctx context.Context) error {
    return e.syncInventory(ctx)
}

// PurgeAll runs the retention jobs immediately.
func (e *Engine) PurgeAll(ctx context.Context) error {
    return e.housekeeper.PurgeAll(ctx)
}

func (e *Engine) TestPushoverConfig(ctx context.Context, message string) error {
    return e.notifications.TestNotification(ctx, message)
}

func (e *Engine) GetNotificationStatus() notifications.Stats {
    return e.notifications.GetStats()
}
