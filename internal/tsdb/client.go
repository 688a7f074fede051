// internal/tsdb/client.go
package tsdb

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/cenkalti/backoff/v5"
    "github.com/sirupsen/logrus"
    "netwatch/internal/metrics"
)

type Options struct {
    BatchSize       int
    FlushInterval   time.Duration
    MaxBuffered     int
    RetryMaxElapsed time.Duration
    CacheTTL        time.Duration
    CacheMaxCost    int64
    Now             func() time.Time
}

func (o *Options) setDefaults() {
    if o.BatchSize <= 0 {
        o.BatchSize = 500
    }
    if o.FlushInterval <= 0 {
        o.FlushInterval = 5 * time.Second
    }
    if o.MaxBuffered < o.BatchSize {
        o.MaxBuffered = o.BatchSize * 100
    }
    if o.RetryMaxElapsed <= 0 {
        o.RetryMaxElapsed = 30 * time.Second
    }
    if o.Now == nil {
        o.Now = time.Now
    }
}

type ClientStats struct {
    Buffered       int       `json:"buffered"`
    Written        uint64    `json:"written"`
    Dropped        uint64    `json:"dropped"`
    FailedFlushes  uint64    `json:"failed_flushes"`
    LastFlush      time.Time `json:"last_flush"`
    LastFlushError string    `json:"last_flush_error,omitempty"`
}

// Client batches writes to a Backend and serves resolution-bounded range
// queries. Record never blocks on the backend; when the backend stays down
// the oldest buffered samples are dropped and counted.
type Client struct {
    backend Backend
    cache   *QueryCache
    metrics *metrics.Collector
    opts    Options

    mu     sync.Mutex
    buf     []Sample
    stats   ClientStats
    closed  bool
    started bool

    flushMu sync.Mutex
    kick    chan struct{}
    done    chan struct{}
    stopped chan struct{}
}

func NewClient(backend Backend, opts Options, collector *metrics.Collector) (*Client, error) {
    opts.setDefaults()
    c := &Client{
        backend: backend,
        metrics: collector,
        opts:    opts,
        kick:    make(chan struct{}, 1),
        done:    make(chan struct{}),
        stopped: make(chan struct{}),
    }
    if opts.CacheTTL > 0 && opts.CacheMaxCost > 0 {
        cache, err := NewQueryCache(opts.CacheMaxCost, opts.CacheTTL)
        if err != nil {
            return nil, err
        }
        c.cache = cache
    }
    return c, nil
}

// Start runs the flush loop until ctx is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) {
    c.mu.Lock()
    c.started = true
    c.mu.Unlock()
    go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
    defer close(c.stopped)
    ticker := time.NewTicker(c.opts.FlushInterval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            c.finalFlush()
            return
        case <-c.done:
            c.finalFlush()
            return
        case <-ticker.C:
            c.flushAll(ctx)
        case <-c.kick:
            c.flushAll(ctx)
        }
    }
}

func (c *Client) finalFlush() {
    ctx, cancel := context.WithTimeout(context.Background(), c.opts.RetryMaxElapsed)
    defer cancel()
    c.flushAll(ctx)
}

// Record buffers samples for the next flush.
func (c *Client) Record(samples ...Sample) {
    if len(samples) == 0 {
        return
    }
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return
    }
    c.buf = append(c.buf, samples...)
    dropped := c.trimLocked()
    full := len(c.buf) >= c.opts.BatchSize
    c.mu.Unlock()

    if dropped > 0 {
        c.metrics.RecordSamplesDropped(dropped)
    }
    if full {
        select {
        case c.kick <- struct{}{}:
        default:
        }
    }
}

// trimLocked drops the oldest samples beyond MaxBuffered.
func (c *Client) trimLocked() int {
    over := len(c.buf) - c.opts.MaxBuffered
    if over <= 0 {
        return 0
    }
    c.buf = append([]Sample(nil), c.buf[over:]...)
    c.stats.Dropped += uint64(over)
    return over
}

func (c *Client) takeBatch() []Sample {
    c.mu.Lock()
    defer c.mu.Unlock()
    n := len(c.buf)
    if n == 0 {
        return nil
    }
    if n > c.opts.BatchSize {
        n = c.opts.BatchSize
    }
    batch := append([]Sample(nil), c.buf[:n]...)
    c.buf = c.buf[n:]
    return batch
}

// requeue puts a failed batch back in front of newer samples.
func (c *Client) requeue(batch []Sample) int {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.buf = append(batch, c.buf...)
    return c.trimLocked()
}

// Flush writes everything buffered, stopping at the first batch that
// cannot be written.
func (c *Client) Flush(ctx context.Context) error {
    return c.flushAll(ctx)
}

func (c *Client) flushAll(ctx context.Context) error {
    c.flushMu.Lock()
    defer c.flushMu.Unlock()

    for {
        batch := c.takeBatch()
        if len(batch) == 0 {
            return nil
        }
        if err := c.writeWithRetry(ctx, batch); err != nil {
            dropped := c.requeue(batch)
            c.metrics.RecordSamplesDropped(dropped)
            c.mu.Lock()
            c.stats.FailedFlushes++
            c.stats.LastFlushError = err.Error()
            buffered := len(c.buf)
            c.mu.Unlock()
            c.metrics.RecordFlush(false, buffered)
            logrus.WithError(err).WithField("buffered", buffered).Warn("Metrics store flush failed, samples kept in buffer")
            return err
        }

        c.mu.Lock()
        c.stats.Written += uint64(len(batch))
        c.stats.LastFlush = c.opts.Now()
        c.stats.LastFlushError = ""
        buffered := len(c.buf)
        c.mu.Unlock()
        c.metrics.RecordFlush(true, buffered)
    }
}

func (c *Client) writeWithRetry(ctx context.Context, batch []Sample) error {
    bo := backoff.NewExponentialBackOff()
    bo.InitialInterval = 200 * time.Millisecond
    bo.MaxInterval = 5 * time.Second

    operation := func() (struct{}, error) {
        err := c.backend.Write(ctx, batch)
        if err == nil {
            return struct{}{}, nil
        }
        if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
            return struct{}{}, backoff.Permanent(err)
        }
        logrus.WithError(err).Debug("Metrics store write failed, retrying")
        return struct{}{}, err
    }

    if _, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(c.opts.RetryMaxElapsed)); err != nil {
        return fmt.Errorf("write %d samples: %w", len(batch), err)
    }
    return nil
}

// Query returns points for [from, to) at the resolution chosen for the
// range length, averaged per bucket.
func (c *Client) Query(ctx context.Context, deviceID, metric string, from, to time.Time) (*Series, error) {
    if !to.After(from) {
        return nil, fmt.Errorf("%w: from %s is not before to %s", ErrInvalidRange, from, to)
    }
    q := Query{
        DeviceID:  deviceID,
        Metric:    metric,
        From:      from,
        To:        to,
        Step:      SelectResolution(to.Sub(from)),
        Aggregate: AggAvg,
    }

    points, hit := c.cache.Get(q)
    if !hit {
        var err error
        points, err = c.backend.Query(ctx, q)
        if err != nil {
            return nil, fmt.Errorf("query %s/%s: %w", deviceID, metric, err)
        }
        if c.cacheable(to) {
            c.cache.Set(q, points)
        }
    }
    c.metrics.RecordQuery(hit)

    return &Series{
        DeviceID: deviceID,
        Metric:   metric,
        From:     from,
        To:       to,
        Step:     q.Step,
        Points:   points,
    }, nil
}

// cacheable reports whether every sample up to 'to' has had time to flush.
func (c *Client) cacheable(to time.Time) bool {
    settle := c.opts.FlushInterval + c.opts.RetryMaxElapsed
    return to.Before(c.opts.Now().Add(-settle))
}

// Aggregate reduces raw samples in (now-window, now] with agg. The bool is
// false when the window holds no samples.
func (c *Client) Aggregate(ctx context.Context, deviceID, metric, agg string, window time.Duration, now time.Time) (float64, bool, error) {
    if !validAgg(agg) {
        return 0, false, fmt.Errorf("%w: %s", ErrUnknownAgg, agg)
    }
    points, err := c.backend.Query(ctx, Query{
        DeviceID: deviceID,
        Metric:   metric,
        From:     now.Add(-window),
        To:       now.Add(time.Nanosecond),
    })
    if err != nil {
        return 0, false, fmt.Errorf("aggregate %s/%s: %w", deviceID, metric, err)
    }

    // Unflushed samples are part of the window too.
    c.mu.Lock()
    for _, s := range c.buf {
        if s.DeviceID == deviceID && s.Metric == metric && s.Timestamp.After(now.Add(-window)) && !s.Timestamp.After(now) {
            points = append(points, Point{Timestamp: s.Timestamp, Value: s.Value})
        }
    }
    c.mu.Unlock()

    v, ok := Reduce(points, agg)
    return v, ok, nil
}

// Prune removes samples older than before when the backend supports it.
func (c *Client) Prune(ctx context.Context, before time.Time) (int, error) {
    pruner, ok := c.backend.(Pruner)
    if !ok {
        return 0, nil
    }
    n, err := pruner.Prune(ctx, before)
    if err == nil && n > 0 {
        c.cache.Clear()
    }
    return n, err
}

func (c *Client) Stats() ClientStats {
    c.mu.Lock()
    defer c.mu.Unlock()
    stats := c.stats
    stats.Buffered = len(c.buf)
    return stats
}

// Close stops the flush loop, flushes what it can and closes the backend.
func (c *Client) Close() error {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return nil
    }
    c.closed = true
    started := c.started
    c.mu.Unlock()

    close(c.done)
    if started {
        <-c.stopped
    } else {
        c.finalFlush()
    }
    c.cache.Close()
    return c.backend.Close()
}
