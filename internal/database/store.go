// internal/database/store.go
package database

import (
    "context"
    "errors"
    "time"

    "netwatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store persists what the engine needs to survive a restart: the last known
// state of every device and the alert history.
type Store interface {
    // Device state snapshots
    SaveStates(ctx context.Context, states []models.DeviceState) error
    LoadStates(ctx context.Context) ([]models.DeviceState, error)
    DeleteStates(ctx context.Context, deviceIDs []string) (int, error)

    // Alerts
    SaveAlert(ctx context.Context, alert *models.Alert) error
    GetAlert(ctx context.Context, id string) (*models.Alert, error)
    LoadActiveAlerts(ctx context.Context) ([]models.Alert, error)
    ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)

    // Close the database connection
    Close() error
}

// Stats provides information about database size and content.
type Stats struct {
    DeviceStates int       `json:"device_states"`
    Alerts       int       `json:"alerts"`
    ActiveAlerts int       `json:"active_alerts"`
    DatabaseSize int64     `json:"database_size_bytes"`
    OldestAlert  time.Time `json:"oldest_alert,omitempty"`
    NewestAlert  time.Time `json:"newest_alert,omitempty"`
    LastSnapshot time.Time `json:"last_snapshot,omitempty"`
}
