// internal/tsdb/tsdb.go
package tsdb

import (
    "context"
    "errors"
    "time"
)

// Sample metric names written by the engine.
const (
    MetricStatus     = "status"
    MetricLatency    = "latency_ms"
    MetricPacketLoss = "packet_loss"
)

// Aggregations understood by every backend.
const (
    AggLast = "last"
    AggAvg  = "avg"
    AggMin  = "min"
    AggMax  = "max"
)

var (
    ErrClosed       = errors.New("metrics store client closed")
    ErrInvalidRange = errors.New("invalid time range")
    ErrUnknownAgg   = errors.New("unknown aggregation")
)

type Sample struct {
    DeviceID  string    `json:"device_id"`
    Metric    string    `json:"metric"`
    Timestamp time.Time `json:"timestamp"`
    Value     float64   `json:"value"`
}

type Point struct {
    Timestamp time.Time `json:"t"`
    Value     float64   `json:"v"`
}

// Query asks a backend for bucketed points in [From, To).
type Query struct {
    DeviceID  string
    Metric    string
    From      time.Time
    To        time.Time
    Step      time.Duration
    Aggregate string
}

// Series is a query result along with the resolution that was used.
type Series struct {
    DeviceID string        `json:"device_id"`
    Metric   string        `json:"metric"`
    From     time.Time     `json:"from"`
    To       time.Time     `json:"to"`
    Step     time.Duration `json:"step"`
    Points   []Point       `json:"points"`
}

// Backend is the time-series storage behind the client.
type Backend interface {
    Write(ctx context.Context, samples []Sample) error
    Query(ctx context.Context, q Query) ([]Point, error)
    Close() error
}

// Pruner is implemented by backends that enforce retention themselves.
type Pruner interface {
    Prune(ctx context.Context, before time.Time) (int, error)
}

func validAgg(agg string) bool {
    switch agg {
    case AggLast, AggAvg, AggMin, AggMax:
        return true
    }
    return false
}

// NopBackend discards writes and answers every query with no points.
type NopBackend struct{}

func (NopBackend) Write(context.Context, []Sample) error { return nil }
func (NopBackend) Query(context.Context, Query) ([]Point, error) { return nil, nil }
func (NopBackend) Close() error { return nil }
