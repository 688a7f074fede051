// internal/poller/poller.go
package poller

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/sirupsen/logrus"
    "golang.org/x/sync/errgroup"
    "golang.org/x/sync/semaphore"
    "netwatch/internal/metrics"
    "netwatch/internal/models"
)

// Prober checks one device. A nil error with Reachable=false is a normal
// unreachable outcome; a non-nil error means the probe itself could not be
// carried out (credentials, protocol, local socket).
type Prober interface {
    Probe(ctx context.Context, device models.Device) (models.PollResult, error)
}

// Options bound the poller. Concurrency limits the probes of one batch;
// MaxInFlight limits probes across every batch running at once.
type Options struct {
    ProbeTimeout time.Duration
    Concurrency  int
    MaxInFlight  int
    Now          func() time.Time
}

// Poller runs probes for batches of devices with bounded parallelism.
type Poller struct {
    probers map[models.ProbeKind]Prober
    opts    Options
    slots   *semaphore.Weighted
    metrics *metrics.Collector
}

func New(probers map[models.ProbeKind]Prober, opts Options, collector *metrics.Collector) *Poller {
    if opts.ProbeTimeout <= 0 {
        opts.ProbeTimeout = 3 * time.Second
    }
    if opts.Concurrency <= 0 {
        opts.Concurrency = 50
    }
    if opts.MaxInFlight < opts.Concurrency {
        opts.MaxInFlight = opts.Concurrency
    }
    if opts.Now == nil {
        opts.Now = time.Now
    }
    return &Poller{
        probers: probers,
        opts:    opts,
        slots:   semaphore.NewWeighted(int64(opts.MaxInFlight)),
        metrics: collector,
    }
}

// shuttingDown tells cancellation apart from a task deadline. Only the
// former drops results.
func shuttingDown(ctx context.Context) bool {
    return errors.Is(ctx.Err(), context.Canceled)
}

// PollBatch probes every device with the given kind and returns one result
// per device. When ctx is cancelled, in-flight probes are abandoned and
// their results dropped. When ctx reaches its deadline, unfinished probes
// are reported unreachable.
func (p *Poller) PollBatch(ctx context.Context, devices []models.Device, kind models.ProbeKind) []models.PollResult {
    results := make([]*models.PollResult, len(devices))

    var g errgroup.Group
    g.SetLimit(p.opts.Concurrency)
    for i, device := range devices {
        if shuttingDown(ctx) {
            break
        }
        g.Go(func() error {
            if err := p.slots.Acquire(ctx, 1); err != nil {
                if !shuttingDown(ctx) {
                    res := p.timedOut(device, kind, p.opts.Now())
                    p.metrics.RecordProbe(string(kind), "timeout", 0)
                    results[i] = &res
                }
                return nil
            }
            defer p.slots.Release(1)

            if res, ok := p.pollOne(ctx, device, kind); ok {
                results[i] = &res
            }
            return nil
        })
    }
    _ = g.Wait()

    out := make([]models.PollResult, 0, len(devices))
    for _, r := range results {
        if r != nil {
            out = append(out, *r)
        }
    }
    if dropped := len(devices) - len(out); dropped > 0 {
        logrus.WithFields(logrus.Fields{
            "kind":    kind,
            "dropped": dropped,
        }).Debug("Batch cancelled, dropping unfinished probes")
    }
    return out
}

func (p *Poller) timedOut(device models.Device, kind models.ProbeKind, start time.Time) models.PollResult {
    return models.PollResult{
        DeviceID:   device.ID,
        Timestamp:  start,
        Kind:       kind,
        Reachable:  false,
        PacketLoss: 1,
    }
}

// Poll probes a single device.
func (p *Poller) Poll(ctx context.Context, device models.Device, kind models.ProbeKind) (models.PollResult, bool) {
    return p.pollOne(ctx, device, kind)
}

func (p *Poller) pollOne(ctx context.Context, device models.Device, kind models.ProbeKind) (result models.PollResult, ok bool) {
    start := p.opts.Now()
    base := models.PollResult{
        DeviceID:  device.ID,
        Timestamp: start,
        Kind:      kind,
    }

    defer func() {
        if r := recover(); r != nil {
            logrus.WithFields(logrus.Fields{"device": device.ID, "kind": kind, "panic": r}).Error("Recovered prober panic")
            result = base
            result.ProbeError = fmt.Sprintf("prober panic: %v", r)
            ok = true
        }
    }()

    prober, found := p.probers[kind]
    if !found {
        res := base
        res.ProbeError = fmt.Sprintf("no prober for %s", kind)
        return res, true
    }

    probeCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
    defer cancel()

    res, err := prober.Probe(probeCtx, device)
    elapsed := p.opts.Now().Sub(start)

    if shuttingDown(ctx) {
        // not a verdict on the device
        return models.PollResult{}, false
    }

    res.DeviceID = device.ID
    res.Kind = kind
    res.Timestamp = start

    outcome := "up"
    switch {
    case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded)):
        res = p.timedOut(device, kind, start)
        outcome = "timeout"
        logrus.WithFields(logrus.Fields{"device": device.ID, "kind": kind}).Debug("Probe timed out")
    case err != nil:
        res = base
        res.ProbeError = err.Error()
        outcome = "error"
    case !res.Reachable:
        outcome = "down"
    }
    p.metrics.RecordProbe(string(kind), outcome, elapsed)
    return res, true
}
