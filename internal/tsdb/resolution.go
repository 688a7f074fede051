// internal/tsdb/resolution.go
package tsdb

import (
    "sort"
    "time"
)

// MaxBuckets bounds the number of steps any range is split into. A range
// that does not start on a step boundary touches one extra bucket.
const MaxBuckets = 720

var resolutionTable = []struct {
    maxRange time.Duration
    step     time.Duration
}{
    {time.Hour, 10 * time.Second},
    {6 * time.Hour, time.Minute},
    {24 * time.Hour, 2 * time.Minute},
    {7 * 24 * time.Hour, 15 * time.Minute},
    {30 * 24 * time.Hour, time.Hour},
}

// SelectResolution picks the bucket width for a query range. Ranges beyond
// 30 days use range/MaxBuckets rounded up to a whole hour.
func SelectResolution(rng time.Duration) time.Duration {
    for _, r := range resolutionTable {
        if rng <= r.maxRange {
            return r.step
        }
    }
    step := (rng + MaxBuckets - 1) / MaxBuckets
    if rem := step % time.Hour; rem != 0 {
        step += time.Hour - rem
    }
    return step
}

// BucketStart aligns t to the step grid.
func BucketStart(t time.Time, step time.Duration) time.Time {
    return t.Truncate(step)
}

// Downsample groups raw samples into step-aligned buckets and reduces each
// bucket with agg. Input need not be sorted; output is ordered by time.
func Downsample(raw []Point, step time.Duration, agg string) []Point {
    if len(raw) == 0 {
        return nil
    }
    sort.SliceStable(raw, func(i, j int) bool {
        return raw[i].Timestamp.Before(raw[j].Timestamp)
    })

    var out []Point
    var cur time.Time
    var sum, acc float64
    var n int

    emit := func() {
        if n == 0 {
            return
        }
        v := acc
        if agg == AggAvg {
            v = sum / float64(n)
        }
        out = append(out, Point{Timestamp: cur, Value: v})
    }

    for _, p := range raw {
        bucket := BucketStart(p.Timestamp, step)
        if n == 0 || !bucket.Equal(cur) {
            emit()
            cur, sum, acc, n = bucket, 0, p.Value, 0
        }
        n++
        sum += p.Value
        switch agg {
        case AggMin:
            if p.Value < acc {
                acc = p.Value
            }
        case AggMax:
            if p.Value > acc {
                acc = p.Value
            }
        case AggLast:
            acc = p.Value
        }
    }
    emit()
    return out
}

// Reduce collapses points into a single value.
func Reduce(points []Point, agg string) (float64, bool) {
    if len(points) == 0 {
        return 0, false
    }
    latest := points[0]
    v, sum := points[0].Value, 0.0
    for _, p := range points {
        sum += p.Value
        switch agg {
        case AggMin:
            if p.Value < v {
                v = p.Value
            }
        case AggMax:
            if p.Value > v {
                v = p.Value
            }
        }
        if !p.Timestamp.Before(latest.Timestamp) {
            latest = p
        }
    }
    switch agg {
    case AggAvg:
        return sum / float64(len(points)), true
    case AggLast:
        return latest.Value, true
    }
    return v, true
}
