// internal/database/boltstore.go - BoltDB implementation
package database

import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "sync"
    "time"

    "go.etcd.io/bbolt"
    "netwatch/internal/metrics"
    "netwatch/internal/models"
)

var (
    DeviceStateBucket = []byte("device_state")
    AlertsBucket      = []byte("alerts")
    MetaBucket        = []byte("meta")

    allBuckets = [][]byte{DeviceStateBucket, AlertsBucket, MetaBucket}

    lastSnapshotKey = []byte("last_snapshot")
)

type BoltStore struct {
    // mu is held for writing only while Compact swaps the file.
    mu      sync.RWMutex
    db      *bbolt.DB
    path    string
    metrics *metrics.Collector
}

var _ MaintenanceStore = (*BoltStore)(nil)

func NewBoltStore(path string, collector *metrics.Collector) (*BoltStore, error) {
    // Create directory if it doesn't exist
    if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
        return nil, fmt.Errorf("failed to create data directory: %w", err)
    }

    db, err := openBolt(path)
    if err != nil {
        return nil, err
    }

    store := &BoltStore{db: db, path: path, metrics: collector}
    if err := store.initBuckets(); err != nil {
        db.Close()
        return nil, fmt.Errorf("failed to initialize buckets: %w", err)
    }

    return store, nil
}

func openBolt(path string) (*bbolt.DB, error) {
    db, err := bbolt.Open(path, 0600, &bbolt.Options{
        Timeout: 1 * time.Second,
    })
    if err != nil {
        return nil, fmt.Errorf("failed to open BoltDB: %w", err)
    }
    return db, nil
}

func (s *BoltStore) initBuckets() error {
    return s.db.Update(func(tx *bbolt.Tx) error {
        for _, bucket := range allBuckets {
            if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
                return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
            }
        }
        return nil
    })
}

func (s *BoltStore) view(op string, fn func(tx *bbolt.Tx) error) error {
    s.mu.RLock()
    defer s.mu.RUnlock()
    err := s.db.View(fn)
    s.metrics.RecordDatabaseOperation(op, err)
    return err
}

func (s *BoltStore) update(op string, fn func(tx *bbolt.Tx) error) error {
    s.mu.RLock()
    defer s.mu.RUnlock()
    err := s.db.Update(fn)
    s.metrics.RecordDatabaseOperation(op, err)
    return err
}

// SaveStates writes every state in one transaction and stamps the snapshot time.
func (s *BoltStore) SaveStates(ctx context.Context, states []models.DeviceState) error {
    if err := ctx.Err(); err != nil {
        return err
    }
    return s.update("save_states", func(tx *bbolt.Tx) error {
        b := tx.Bucket(DeviceStateBucket)
        for i := range states {
            data, err := json.Marshal(&states[i])
            if err != nil {
                return fmt.Errorf("failed to marshal state %s: %w", states[i].DeviceID, err)
            }
            if err := b.Put([]byte(states[i].DeviceID), data); err != nil {
                return err
            }
        }
        stamp, err := time.Now().UTC().MarshalText()
        if err != nil {
            return err
        }
        return tx.Bucket(MetaBucket).Put(lastSnapshotKey, stamp)
    })
}

func (s *BoltStore) LoadStates(ctx context.Context) ([]models.DeviceState, error) {
    var states []models.DeviceState

    err := s.view("load_states", func(tx *bbolt.Tx) error {
        b := tx.Bucket(DeviceStateBucket)
        return b.ForEach(func(k, v []byte) error {
            var st models.DeviceState
            if err := json.Unmarshal(v, &st); err != nil {
                return nil // Skip malformed entries
            }
            states = append(states, st)
            return nil
        })
    })

    return states, err
}

// DeleteStates removes snapshots of devices no longer in inventory.
func (s *BoltStore) DeleteStates(ctx context.Context, deviceIDs []string) (int, error) {
    deleted := 0
    err := s.update("delete_states", func(tx *bbolt.Tx) error {
        b := tx.Bucket(DeviceStateBucket)
        for _, id := range deviceIDs {
            if b.Get([]byte(id)) == nil {
                continue
            }
            if err := b.Delete([]byte(id)); err != nil {
                return err
            }
            deleted++
        }
        return nil
    })
    return deleted, err
}

func (s *BoltStore) SaveAlert(ctx context.Context, alert *models.Alert) error {
    if alert.ID == "" {
        return fmt.Errorf("alert has no id")
    }

    return s.update("save_alert", func(tx *bbolt.Tx) error {
        data, err := json.Marshal(alert)
        if err != nil {
            return fmt.Errorf("failed to marshal alert: %w", err)
        }
        return tx.Bucket(AlertsBucket).Put([]byte(alert.ID), data)
    })
}

func (s *BoltStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
    var alert models.Alert

    err := s.view("get_alert", func(tx *bbolt.Tx) error {
        v := tx.Bucket(AlertsBucket).Get([]byte(id))
        if v == nil {
            return fmt.Errorf("alert %s: %w", id, ErrNotFound)
        }
        return json.Unmarshal(v, &alert)
    })

    if err != nil {
        return nil, err
    }
    return &alert, nil
}

func (s *BoltStore) LoadActiveAlerts(ctx context.Context) ([]models.Alert, error) {
    return s.ListAlerts(ctx, models.AlertFilter{ActiveOnly: true})
}

// ListAlerts returns matching alerts, newest first.
func (s *BoltStore) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
    var alerts []models.Alert

    err := s.view("list_alerts", func(tx *bbolt.Tx) error {
        return tx.Bucket(AlertsBucket).ForEach(func(k, v []byte) error {
            var alert models.Alert
            if err := json.Unmarshal(v, &alert); err != nil {
                return nil
            }
            if filter.Match(&alert) {
                alerts = append(alerts, alert)
            }
            return nil
        })
    })
    if err != nil {
        return nil, err
    }

    sort.Slice(alerts, func(i, j int) bool {
        return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
    })
    if filter.Limit > 0 && len(alerts) > filter.Limit {
        alerts = alerts[:filter.Limit]
    }
    return alerts, nil
}

func (s *BoltStore) Close() error {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.db.Close()
}
