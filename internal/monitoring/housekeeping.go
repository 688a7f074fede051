// internal/monitoring/housekeeping.go - Retention, snapshots and orphan cleanup
package monitoring

import (
    "context"
    "fmt"
    "strings"

    "github.com/sirupsen/logrus"
    "netwatch/internal/config"
    "netwatch/internal/database"
    "netwatch/internal/scheduler"
    "netwatch/internal/state"
    "netwatch/internal/tsdb"
)

// Housekeeper runs the maintenance queue jobs.
type Housekeeper struct {
    store   database.MaintenanceStore
    tsdb    *tsdb.Client
    machine *state.Machine
    config  *config.Config
    clock   scheduler.Clock
}

func NewHousekeeper(store database.MaintenanceStore, client *tsdb.Client, machine *state.Machine, cfg *config.Config, clock scheduler.Clock) *Housekeeper {
    return &Housekeeper{
        store:   store,
        tsdb:    client,
        machine: machine,
        config:  cfg,
        clock:   clock,
    }
}

// SnapshotStates persists the current state of every device.
func (h *Housekeeper) SnapshotStates(ctx context.Context) error {
    states := h.machine.States()
    if err := h.store.SaveStates(ctx, states); err != nil {
        return fmt.Errorf("failed to snapshot device state: %w", err)
    }
    logrus.WithField("devices", len(states)).Debug("Device state snapshot saved")
    return nil
}

// PurgeResolvedAlerts drops resolved alerts older than the retention.
func (h *Housekeeper) PurgeResolvedAlerts(ctx context.Context) error {
    before := h.clock.Now().Add(-h.config.Database.AlertRetention)
    n, err := h.store.PurgeResolvedAlerts(ctx, before)
    if err != nil {
        return fmt.Errorf("failed to purge resolved alerts: %w", err)
    }
    if n > 0 {
        logrus.WithFields(logrus.Fields{
            "purged": n,
            "before": before,
        }).Info("Resolved alert purge completed")
    } else {
        logrus.Debug("No resolved alerts old enough to purge")
    }
    return nil
}

// PruneMetrics drops samples older than the metrics retention.
func (h *Housekeeper) PruneMetrics(ctx context.Context) error {
    retention := h.config.MetricsStore.Retention
    if retention <= 0 {
        return nil
    }
    n, err := h.tsdb.Prune(ctx, h.clock.Now().Add(-retention))
    if err != nil {
        return fmt.Errorf("failed to prune metrics: %w", err)
    }
    if n > 0 {
        logrus.WithField("samples", n).Info("Metrics pruned")
    }
    return nil
}

func (h *Housekeeper) Compact(ctx context.Context) error {
    if err := h.store.Compact(ctx); err != nil {
        return fmt.Errorf("failed to compact database: %w", err)
    }
    return nil
}

// PurgeOrphanedStates removes persisted state of devices no longer in the
// inventory.
func (h *Housekeeper) PurgeOrphanedStates(ctx context.Context) error {
    logrus.Debug("Checking for orphaned device state in database")

    known := make(map[string]bool)
    for _, d := range h.machine.Devices() {
        known[d.ID] = true
    }

    persisted, err := h.store.LoadStates(ctx)
    if err != nil {
        return fmt.Errorf("failed to load device state: %w", err)
    }

    var orphaned []string
    for _, st := range persisted {
        if !known[st.DeviceID] {
            orphaned = append(orphaned, st.DeviceID)
        }
    }
    if len(orphaned) == 0 {
        return nil
    }

    n, err := h.store.DeleteStates(ctx, orphaned)
    if err != nil {
        return fmt.Errorf("failed to delete orphaned state: %w", err)
    }
    logrus.WithField("purged_devices", n).Info("Orphaned device state purge completed")
    return nil
}

// PurgeAll runs every retention job once.
func (h *Housekeeper) PurgeAll(ctx context.Context) error {
    logrus.Info("Starting complete purge")

    var errors []string

    if err := h.PurgeOrphanedStates(ctx); err != nil {
        errors = append(errors, fmt.Sprintf("state purge failed: %v", err))
    }
    if err := h.PurgeResolvedAlerts(ctx); err != nil {
        errors = append(errors, fmt.Sprintf("alert purge failed: %v", err))
    }
    if err := h.PruneMetrics(ctx); err != nil {
        errors = append(errors, fmt.Sprintf("metrics prune failed: %v", err))
    }

    if len(errors) > 0 {
        return fmt.Errorf("purge completed with errors: %s", strings.Join(errors, "; "))
    }

    logrus.Info("Complete purge finished successfully")
    return nil
}
