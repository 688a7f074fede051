// internal/scheduler/scheduler.go
package scheduler

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/sirupsen/logrus"
    "netwatch/internal/config"
    "netwatch/internal/metrics"
)

// Queue names a priority tier.
type Queue string

const (
    QueueAlerts      Queue = "alerts"
    QueueMonitoring  Queue = "monitoring"
    QueueSNMP        Queue = "snmp"
    QueueMaintenance Queue = "maintenance"
)

// Queues in descending priority.
var Queues = []Queue{QueueAlerts, QueueMonitoring, QueueSNMP, QueueMaintenance}

var (
    ErrQueueFull    = errors.New("queue full")
    ErrStopped      = errors.New("scheduler stopped")
    ErrUnknownQueue = errors.New("unknown queue")
)

type QueueStats struct {
    Queue     Queue  `json:"queue"`
    Workers   int    `json:"workers"`
    Capacity  int    `json:"capacity"`
    Depth     int    `json:"depth"`
    Running   int    `json:"running"`
    Completed uint64 `json:"completed"`
    Failed    uint64 `json:"failed"`
    Rejected  uint64 `json:"rejected"`
    Skipped   uint64 `json:"skipped"`
}

type JobStats struct {
    Name     string        `json:"name"`
    Queue    Queue         `json:"queue"`
    Interval time.Duration `json:"interval"`
    LastRun  *time.Time    `json:"last_run,omitempty"`
    NextRun  time.Time     `json:"next_run"`
    InFlight bool          `json:"in_flight"`
}

type Stats struct {
    Queues []QueueStats `json:"queues"`
    Jobs   []JobStats   `json:"jobs"`
}

// job is a recurring task fired by the scheduler clock.
type job struct {
    name     string
    queue    Queue
    interval time.Duration
    fn       TaskFunc
    next     time.Time
    lastRun  *time.Time
    inFlight atomic.Bool
}

// Scheduler runs tasks on four independent queues, each with its own fixed
// worker pool. Nothing is shared between the pools, so a backlog on a low
// priority queue cannot delay a task on a higher one.
type Scheduler struct {
    cfg     config.SchedulerConfig
    clock   Clock
    metrics *metrics.Collector
    pools   map[Queue]*pool

    // intake guards channel sends against Stop closing them.
    intake  sync.RWMutex
    stopped bool

    mu      sync.Mutex
    jobs    []*job
    running bool

    clockStop chan struct{}
    clockDone chan struct{}
}

func New(cfg config.SchedulerConfig, clock Clock, collector *metrics.Collector) *Scheduler {
    if clock == nil {
        clock = RealClock{}
    }
    if cfg.Tick <= 0 {
        cfg.Tick = time.Second
    }
    s := &Scheduler{
        cfg:       cfg,
        clock:     clock,
        metrics:   collector,
        pools:     make(map[Queue]*pool, len(Queues)),
        clockStop: make(chan struct{}),
        clockDone: make(chan struct{}),
    }
    for _, q := range Queues {
        s.pools[q] = newPool(q, queueConfig(cfg, q), s)
    }
    return s
}

func queueConfig(cfg config.SchedulerConfig, q Queue) config.QueueConfig {
    var qc config.QueueConfig
    switch q {
    case QueueAlerts:
        qc = cfg.Alerts
    case QueueMonitoring:
        qc = cfg.Monitoring
    case QueueSNMP:
        qc = cfg.SNMP
    case QueueMaintenance:
        qc = cfg.Maintenance
    }
    if qc.Workers < 1 {
        qc.Workers = 1
    }
    if qc.Capacity < 1 {
        qc.Capacity = 1
    }
    return qc
}

// Start launches the worker pools and the recurring clock.
func (s *Scheduler) Start(ctx context.Context) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    if s.running {
        return fmt.Errorf("scheduler already running")
    }
    s.running = true

    logrus.WithField("tick", s.cfg.Tick).Info("Starting priority scheduler")
    for _, q := range Queues {
        s.pools[q].start()
    }
    go s.clockLoop(ctx)
    return nil
}

// Submit enqueues a task without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (s *Scheduler) Submit(queue Queue, name string, fn TaskFunc) error {
    return s.submit(queue, &task{name: name, fn: fn})
}

func (s *Scheduler) submit(queue Queue, t *task) error {
    p, ok := s.pools[queue]
    if !ok {
        return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
    }

    s.intake.RLock()
    defer s.intake.RUnlock()
    if s.stopped {
        return ErrStopped
    }

    t.enqueued = s.clock.Now()
    select {
    case p.tasks <- t:
        s.metrics.SetQueueDepth(string(queue), len(p.tasks))
        return nil
    default:
        p.rejected.Add(1)
        s.metrics.RecordTaskOutcome(string(queue), "rejected")
        logrus.WithFields(logrus.Fields{
            "queue":    queue,
            "task":     t.name,
            "capacity": p.cfg.Capacity,
        }).Warn("Queue full, rejecting task")
        return fmt.Errorf("%w: %s", ErrQueueFull, queue)
    }
}

// Every registers a recurring task. A run is skipped while the previous run
// of the same job is still queued or executing. The first run happens on
// the next tick.
func (s *Scheduler) Every(name string, queue Queue, interval time.Duration, fn TaskFunc) error {
    if _, ok := s.pools[queue]; !ok {
        return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
    }
    if interval <= 0 {
        return fmt.Errorf("job %s: interval must be positive", name)
    }

    s.mu.Lock()
    defer s.mu.Unlock()
    s.jobs = append(s.jobs, &job{
        name:     name,
        queue:    queue,
        interval: interval,
        fn:       fn,
        next:     s.clock.Now(),
    })
    logrus.WithFields(logrus.Fields{
        "job":      name,
        "queue":    queue,
        "interval": interval,
    }).Debug("Registered recurring job")
    return nil
}

func (s *Scheduler) clockLoop(ctx context.Context) {
    defer close(s.clockDone)
    ticker := s.clock.Ticker(s.cfg.Tick)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-s.clockStop:
            return
        case now := <-ticker.Chan():
            s.fireDue(now)
            for _, q := range Queues {
                s.metrics.SetQueueDepth(string(q), len(s.pools[q].tasks))
            }
        }
    }
}

func (s *Scheduler) fireDue(now time.Time) {
    s.mu.Lock()
    due := make([]*job, 0, len(s.jobs))
    for _, j := range s.jobs {
        if now.Before(j.next) {
            continue
        }
        j.next = now.Add(j.interval)
        due = append(due, j)
    }
    s.mu.Unlock()

    for _, j := range due {
        if !j.inFlight.CompareAndSwap(false, true) {
            s.pools[j.queue].skipped.Add(1)
            s.metrics.RecordTaskOutcome(string(j.queue), "skipped")
            logrus.WithFields(logrus.Fields{"job": j.name, "queue": j.queue}).Debug("Previous run still in flight, skipping")
            continue
        }

        s.mu.Lock()
        j.lastRun = &now
        s.mu.Unlock()

        err := s.submit(j.queue, &task{
            name: j.name,
            fn:   j.fn,
            done: func() { j.inFlight.Store(false) },
        })
        if err != nil {
            j.inFlight.Store(false)
        }
    }
}

// Stats reports per-queue counters and the recurring jobs.
func (s *Scheduler) Stats() Stats {
    stats := Stats{Queues: make([]QueueStats, 0, len(Queues))}
    for _, q := range Queues {
        stats.Queues = append(stats.Queues, s.pools[q].stats())
    }

    s.mu.Lock()
    defer s.mu.Unlock()
    for _, j := range s.jobs {
        js := JobStats{
            Name:     j.name,
            Queue:    j.queue,
            Interval: j.interval,
            NextRun:  j.next,
            InFlight: j.inFlight.Load(),
        }
        if j.lastRun != nil {
            t := *j.lastRun
            js.LastRun = &t
        }
        stats.Jobs = append(stats.Jobs, js)
    }
    return stats
}

// Stop closes intake, cancels lower-priority work and lets queued alert
// tasks finish before waiting for the other pools. If ctx expires first the
// alert pool is cancelled too and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
    s.intake.Lock()
    if s.stopped {
        s.intake.Unlock()
        return nil
    }
    s.stopped = true
    for _, q := range Queues {
        close(s.pools[q].tasks)
    }
    s.intake.Unlock()

    s.mu.Lock()
    wasRunning := s.running
    s.mu.Unlock()

    logrus.Info("Stopping scheduler")
    if wasRunning {
        close(s.clockStop)
        <-s.clockDone
    }

    for _, q := range Queues[1:] {
        s.pools[q].cancel()
    }

    if !wasRunning {
        for _, q := range Queues {
            s.pools[q].cancel()
        }
        return nil
    }

    var err error
    alerts := s.pools[QueueAlerts]
    if err = waitGroup(ctx, &alerts.wg); err != nil {
        logrus.WithError(err).Warn("Alert queue did not drain before shutdown deadline")
    }
    alerts.cancel()

    for _, q := range Queues[1:] {
        if werr := waitGroup(ctx, &s.pools[q].wg); werr != nil && err == nil {
            err = werr
        }
    }
    logrus.Info("Scheduler stopped")
    return err
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
    done := make(chan struct{})
    go func() {
        wg.Wait()
        close(done)
    }()
    select {
    case <-done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}
