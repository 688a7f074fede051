// internal/database/store_extensions.go - Retention and maintenance operations
package database

import (
    "context"
    "time"
)

// MaintenanceStore extends Store with the housekeeping operations run on
// the maintenance queue.
type MaintenanceStore interface {
    Store

    PurgeResolvedAlerts(ctx context.Context, before time.Time) (int, error)
    Stats(ctx context.Context) (*Stats, error)
    Compact(ctx context.Context) error
}
