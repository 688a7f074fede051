// internal/database/boltstore_extended.go - Retention, statistics and compaction
package database

import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "time"

    "github.com/sirupsen/logrus"
    "go.etcd.io/bbolt"
    "netwatch/internal/models"
)

// PurgeResolvedAlerts removes alerts resolved before the cutoff. Active
// alerts are never purged.
func (s *BoltStore) PurgeResolvedAlerts(ctx context.Context, before time.Time) (int, error) {
    deletedCount := 0

    err := s.update("purge_alerts", func(tx *bbolt.Tx) error {
        b := tx.Bucket(AlertsBucket)
        cursor := b.Cursor()
        var keysToDelete [][]byte

        for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
            if err := ctx.Err(); err != nil {
                return err
            }
            var alert models.Alert
            if err := json.Unmarshal(v, &alert); err != nil {
                continue
            }
            if alert.ResolvedAt != nil && alert.ResolvedAt.Before(before) {
                keysToDelete = append(keysToDelete, copyBytes(k))
            }
        }

        for _, key := range keysToDelete {
            if err := b.Delete(key); err != nil {
                logrus.WithError(err).Error("Failed to delete alert entry")
                continue
            }
            deletedCount++
        }
        return nil
    })

    if err != nil {
        return 0, fmt.Errorf("failed to purge resolved alerts: %w", err)
    }

    logrus.WithFields(logrus.Fields{
        "deleted_count": deletedCount,
        "cutoff_time":   before,
    }).Info("Purged resolved alerts")

    return deletedCount, nil
}

// Stats returns information about database size and content.
func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
    stats := &Stats{}

    err := s.view("stats", func(tx *bbolt.Tx) error {
        stats.DeviceStates = tx.Bucket(DeviceStateBucket).Stats().KeyN

        err := tx.Bucket(AlertsBucket).ForEach(func(k, v []byte) error {
            var alert models.Alert
            if err := json.Unmarshal(v, &alert); err != nil {
                return nil
            }
            stats.Alerts++
            if alert.Active() {
                stats.ActiveAlerts++
            }
            if stats.OldestAlert.IsZero() || alert.TriggeredAt.Before(stats.OldestAlert) {
                stats.OldestAlert = alert.TriggeredAt
            }
            if alert.TriggeredAt.After(stats.NewestAlert) {
                stats.NewestAlert = alert.TriggeredAt
            }
            return nil
        })
        if err != nil {
            return err
        }

        if v := tx.Bucket(MetaBucket).Get(lastSnapshotKey); v != nil {
            _ = stats.LastSnapshot.UnmarshalText(v)
        }
        return nil
    })

    if err != nil {
        return nil, fmt.Errorf("failed to get database stats: %w", err)
    }

    // Get file size
    if fileInfo, err := os.Stat(s.path); err == nil {
        stats.DatabaseSize = fileInfo.Size()
    }

    return stats, nil
}

// Compact rewrites the database into a fresh file to reclaim the space
// bbolt keeps after deletes. Other operations wait while the file is swapped.
func (s *BoltStore) Compact(ctx context.Context) error {
    logrus.Info("Starting database compaction")

    s.mu.Lock()
    defer s.mu.Unlock()

    compactPath := s.path + ".compact.tmp"
    _ = os.Remove(compactPath)

    newDB, err := openBolt(compactPath)
    if err != nil {
        return fmt.Errorf("failed to create compact database: %w", err)
    }

    if err := bbolt.Compact(newDB, s.db, 0); err != nil {
        newDB.Close()
        os.Remove(compactPath)
        s.metrics.RecordDatabaseOperation("compact", err)
        return fmt.Errorf("failed to copy data to compact database: %w", err)
    }
    newDB.Close()

    if err := s.db.Close(); err != nil {
        os.Remove(compactPath)
        return fmt.Errorf("failed to close database: %w", err)
    }

    // Replace old database with compacted version
    renameErr := os.Rename(compactPath, s.path)

    // Reopen whichever file is now at the path
    s.db, err = openBolt(s.path)
    if err != nil {
        s.metrics.RecordDatabaseOperation("compact", err)
        return fmt.Errorf("failed to reopen compacted database: %w", err)
    }
    if renameErr != nil {
        os.Remove(compactPath)
        s.metrics.RecordDatabaseOperation("compact", renameErr)
        return fmt.Errorf("failed to replace database: %w", renameErr)
    }

    s.metrics.RecordDatabaseOperation("compact", nil)
    logrus.Info("Database compaction completed successfully")
    return nil
}

// copyBytes creates a copy of a byte slice
func copyBytes(b []byte) []byte {
    if b == nil {
        return nil
    }
    copied := make([]byte, len(b))
    copy(copied, b)
    return copied
}
