// internal/scheduler/pool.go
package scheduler

import (
    "context"
    "errors"
    "fmt"
    "runtime/debug"
    "sync"
    "sync/atomic"
    "time"

    "github.com/sirupsen/logrus"
    "netwatch/internal/config"
)

// TaskFunc is a unit of work. The context is cancelled when the task's
// timeout expires or its queue is shut down.
type TaskFunc func(ctx context.Context) error

type task struct {
    name     string
    fn       TaskFunc
    enqueued time.Time
    done     func()
}

// pool is one queue and the fixed set of workers that drain it. Workers
// take one task at a time straight from the channel.
type pool struct {
    queue Queue
    cfg   config.QueueConfig
    sched *Scheduler

    tasks  chan *task
    ctx    context.Context
    cancel context.CancelFunc
    wg     sync.WaitGroup

    running   atomic.Int64
    completed atomic.Uint64
    failed    atomic.Uint64
    rejected  atomic.Uint64
    skipped   atomic.Uint64
}

func newPool(queue Queue, cfg config.QueueConfig, sched *Scheduler) *pool {
    ctx, cancel := context.WithCancel(context.Background())
    return &pool{
        queue:  queue,
        cfg:    cfg,
        sched:  sched,
        tasks:  make(chan *task, cfg.Capacity),
        ctx:    ctx,
        cancel: cancel,
    }
}

func (p *pool) start() {
    for i := 0; i < p.cfg.Workers; i++ {
        p.wg.Add(1)
        go p.worker(i)
    }
    logrus.WithFields(logrus.Fields{
        "queue":    p.queue,
        "workers":  p.cfg.Workers,
        "capacity": p.cfg.Capacity,
    }).Info("Started worker pool")
}

func (p *pool) worker(id int) {
    defer p.wg.Done()
    for t := range p.tasks {
        p.sched.metrics.SetQueueDepth(string(p.queue), len(p.tasks))
        p.execute(t)
    }
    logrus.WithFields(logrus.Fields{"queue": p.queue, "worker": id}).Debug("Worker stopped")
}

func (p *pool) execute(t *task) {
    if t.done != nil {
        defer t.done()
    }
    start := p.sched.clock.Now()
    wait := start.Sub(t.enqueued)

    if p.ctx.Err() != nil {
        p.failed.Add(1)
        p.sched.metrics.RecordTaskOutcome(string(p.queue), "cancelled")
        return
    }

    ctx := p.ctx
    if p.cfg.Timeout > 0 {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
        defer cancel()
    }

    p.running.Add(1)
    err := run(ctx, t)
    p.running.Add(-1)
    duration := p.sched.clock.Now().Sub(start)

    result := "ok"
    switch {
    case err == nil:
        p.completed.Add(1)
    case errors.Is(err, errPanic):
        result = "panic"
        p.failed.Add(1)
    case errors.Is(err, context.DeadlineExceeded):
        result = "timeout"
        p.failed.Add(1)
    default:
        result = "error"
        p.failed.Add(1)
    }
    p.sched.metrics.RecordTask(string(p.queue), result, wait, duration)

    if err != nil {
        logrus.WithError(err).WithFields(logrus.Fields{
            "queue":    p.queue,
            "task":     t.name,
            "duration": duration,
        }).Warn("Task failed")
    }
}

var errPanic = errors.New("task panicked")

// run isolates a task so a panic only fails that task.
func run(ctx context.Context, t *task) (err error) {
    defer func() {
        if r := recover(); r != nil {
            logrus.WithFields(logrus.Fields{
                "task":  t.name,
                "panic": r,
            }).Errorf("Recovered task panic\n%s", debug.Stack())
            err = fmt.Errorf("%w: %v", errPanic, r)
        }
    }()
    return t.fn(ctx)
}

func (p *pool) stats() QueueStats {
    return QueueStats{
        Queue:     p.queue,
        Workers:   p.cfg.Workers,
        Capacity:  p.cfg.Capacity,
        Depth:     len(p.tasks),
        Running:   int(p.running.Load()),
        Completed: p.completed.Load(),
        Failed:    p.failed.Load(),
        Rejected:  p.rejected.Load(),
        Skipped:   p.skipped.Load(),
    }
}
