// internal/tsdb/bolt.go - Embedded BoltDB sample storage
package tsdb

import (
    "bytes"
    "context"
    "encoding/binary"
    "fmt"
    "math"
    "os"
    "path/filepath"
    "strings"
    "time"

    "go.etcd.io/bbolt"
)

var SamplesBucket = []byte("samples")

const keySep = '|'

// pruneChunk bounds the deletes of one Prune transaction.
var pruneChunk = 10000

// BoltBackend keeps samples in a single bucket keyed by
// device|metric|big-endian unix nanos, so a range is one cursor seek.
type BoltBackend struct {
    db   *bbolt.DB
    path string
}

func NewBoltBackend(path string) (*BoltBackend, error) {
    if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
        return nil, fmt.Errorf("failed to create data directory: %w", err)
    }

    db, err := bbolt.Open(path, 0600, &bbolt.Options{
        Timeout: 1 * time.Second,
    })
    if err != nil {
        return nil, fmt.Errorf("failed to open BoltDB: %w", err)
    }

    err = db.Update(func(tx *bbolt.Tx) error {
        _, err := tx.CreateBucketIfNotExists(SamplesBucket)
        return err
    })
    if err != nil {
        db.Close()
        return nil, fmt.Errorf("failed to initialize buckets: %w", err)
    }

    return &BoltBackend{db: db, path: path}, nil
}

func seriesPrefix(deviceID, metric string) []byte {
    prefix := make([]byte, 0, len(deviceID)+len(metric)+2)
    prefix = append(prefix, deviceID...)
    prefix = append(prefix, keySep)
    prefix = append(prefix, metric...)
    return append(prefix, keySep)
}

func sampleKey(prefix []byte, ts time.Time) []byte {
    key := make([]byte, len(prefix)+8)
    copy(key, prefix)
    binary.BigEndian.PutUint64(key[len(prefix):], uint64(ts.UnixNano()))
    return key
}

func keyTime(key []byte) time.Time {
    if len(key) < 8 {
        return time.Time{}
    }
    return time.Unix(0, int64(binary.BigEndian.Uint64(key[len(key)-8:])))
}

func (b *BoltBackend) Write(ctx context.Context, samples []Sample) error {
    if err := ctx.Err(); err != nil {
        return err
    }
    for _, s := range samples {
        if strings.IndexByte(s.DeviceID, keySep) >= 0 || strings.IndexByte(s.Metric, keySep) >= 0 {
            return fmt.Errorf("sample key contains separator: %s/%s", s.DeviceID, s.Metric)
        }
    }

    return b.db.Update(func(tx *bbolt.Tx) error {
        bucket := tx.Bucket(SamplesBucket)
        for _, s := range samples {
            // bbolt keeps the slice until commit, so each sample owns its value
            value := make([]byte, 8)
            binary.BigEndian.PutUint64(value, math.Float64bits(s.Value))
            if err := bucket.Put(sampleKey(seriesPrefix(s.DeviceID, s.Metric), s.Timestamp), value); err != nil {
                return fmt.Errorf("failed to store sample: %w", err)
            }
        }
        return nil
    })
}

// Query reads raw samples in [From, To). A zero Step returns them as-is,
// otherwise they are downsampled with the query's aggregate.
func (b *BoltBackend) Query(ctx context.Context, q Query) ([]Point, error) {
    prefix := seriesPrefix(q.DeviceID, q.Metric)
    start := sampleKey(prefix, q.From)
    end := sampleKey(prefix, q.To)

    var raw []Point
    err := b.db.View(func(tx *bbolt.Tx) error {
        c := tx.Bucket(SamplesBucket).Cursor()
        for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix) && bytes.Compare(k, end) < 0; k, v = c.Next() {
            if len(v) != 8 {
                continue
            }
            raw = append(raw, Point{
                Timestamp: keyTime(k),
                Value:     math.Float64frombits(binary.BigEndian.Uint64(v)),
            })
        }
        return ctx.Err()
    })
    if err != nil {
        return nil, err
    }

    if q.Step <= 0 {
        return raw, nil
    }
    agg := q.Aggregate
    if agg == "" {
        agg = AggAvg
    }
    return Downsample(raw, q.Step, agg), nil
}

// Prune deletes samples older than before, in bounded transactions. Keys
// sort by series then time, so each series is scanned only up to its first
// retained sample and each chunk resumes where the previous one stopped.
func (b *BoltBackend) Prune(ctx context.Context, before time.Time) (int, error) {
    total := 0
    cutoff := before.UnixNano()
    var resume []byte

    for {
        if err := ctx.Err(); err != nil {
            return total, err
        }
        deleted := 0
        err := b.db.Update(func(tx *bbolt.Tx) error {
            bucket := tx.Bucket(SamplesBucket)
            var stale [][]byte
            c := bucket.Cursor()

            var k []byte
            if resume == nil {
                k, _ = c.First()
            } else {
                k, _ = c.Seek(resume)
            }
            for k != nil && len(stale) < pruneChunk {
                if keyTime(k).UnixNano() < cutoff {
                    stale = append(stale, append([]byte(nil), k...))
                    k, _ = c.Next()
                    continue
                }
                k, _ = c.Seek(nextSeries(k))
            }
            resume = nil
            if k != nil {
                resume = append([]byte(nil), k...)
            }

            for _, k := range stale {
                if err := bucket.Delete(k); err != nil {
                    return err
                }
            }
            deleted = len(stale)
            return nil
        })
        if err != nil {
            return total, fmt.Errorf("failed to prune samples: %w", err)
        }
        total += deleted
        if resume == nil {
            return total, nil
        }
    }
}

// nextSeries returns a key sorting after every sample of key's series.
func nextSeries(key []byte) []byte {
    if len(key) < 8 {
        return append(append([]byte(nil), key...), 0)
    }
    next := make([]byte, 0, len(key)+1)
    next = append(next, key[:len(key)-8]...)
    return append(next, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
}

func (b *BoltBackend) Close() error {
    return b.db.Close()
}
