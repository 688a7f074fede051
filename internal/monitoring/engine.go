// internal/monitoring/engine.go
package monitoring

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/sirupsen/logrus"
    "netwatch/internal/alerting"
    "netwatch/internal/config"
    "netwatch/internal/database"
    "netwatch/internal/events"
    "netwatch/internal/flapping"
    "netwatch/internal/inventory"
    "netwatch/internal/metrics"
    "netwatch/internal/models"
    "netwatch/internal/notifications"
    "netwatch/internal/poller"
    "netwatch/internal/scheduler"
    "netwatch/internal/state"
    "netwatch/internal/tsdb"
)

// Deps are the pieces main usually builds from configuration. Nil fields
// are built from the config.
type Deps struct {
    Store     database.MaintenanceStore
    Backend   tsdb.Backend
    Probers   map[models.ProbeKind]poller.Prober
    Inventory inventory.Source
    Clock     scheduler.Clock
    Metrics   *metrics.Collector
}

// Engine owns every service and connects them: poll results flow into the
// state machine, transitions trigger alert evaluation on the alerts queue,
// and lifecycle events go out on the bus.
type Engine struct {
    config    *config.Config
    store     database.MaintenanceStore
    metrics   *metrics.Collector
    clock     scheduler.Clock
    inventory inventory.Source

    scheduler     *scheduler.Scheduler
    poller        *poller.Poller
    intervals     *poller.IntervalPolicy
    machine       *state.Machine
    alerts        *alerting.Engine
    tsdb          *tsdb.Client
    bus           *events.Bus
    notifications *notifications.NotificationService
    housekeeper   *Housekeeper
    ruleWatcher   *config.RuleWatcher
    sinks         []events.Sink

    // dispatched tracks devices with a status poll queued or running, and
    // when it was last dispatched.
    pollMu     sync.Mutex
    inFlight   map[string]bool
    lastStatus map[string]time.Time

    mu        sync.RWMutex
    running   bool
    startedAt time.Time
    cancel    context.CancelFunc
}

func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
    if deps.Store == nil {
        return nil, errors.New("monitoring: a store is required")
    }
    if deps.Clock == nil {
        deps.Clock = scheduler.RealClock{}
    }
    if deps.Inventory == nil {
        deps.Inventory = inventory.FromConfig(cfg)
    }
    if deps.Probers == nil {
        deps.Probers = loadProbers(cfg)
    }

    backend := deps.Backend
    if backend == nil {
        var err error
        backend, err = newBackend(cfg.MetricsStore)
        if err != nil {
            return nil, err
        }
    }
    client, err := tsdb.NewClient(backend, tsdb.Options{
        BatchSize:       cfg.MetricsStore.BatchSize,
        FlushInterval:   cfg.MetricsStore.FlushInterval,
        MaxBuffered:     cfg.MetricsStore.MaxBuffered,
        RetryMaxElapsed: cfg.MetricsStore.RetryMaxElapsed,
        CacheTTL:        cfg.MetricsStore.CacheTTL,
        CacheMaxCost:    cfg.MetricsStore.CacheMaxCost,
        Now:             deps.Clock.Now,
    }, deps.Metrics)
    if err != nil {
        backend.Close()
        return nil, fmt.Errorf("failed to initialize metrics store client: %w", err)
    }

    notifier, err := notifications.NewNotificationService(&cfg.Notifications)
    if err != nil {
        client.Close()
        return nil, err
    }

    downSeverity, err := models.ParseSeverity(cfg.Alerting.DeviceDownSeverity)
    if err != nil {
        client.Close()
        return nil, fmt.Errorf("alerting.device_down_severity: %w", err)
    }

    detector := flapping.NewDetector(flapping.Config{
        Window:    cfg.State.Window,
        Threshold: cfg.Flapping.Threshold,
        Cooldown:  cfg.Flapping.Cooldown,
    })
    machine := state.NewMachine(state.Config{
        DownAfter:      cfg.State.DownAfter,
        Window:         cfg.State.Window,
        WindowCapacity: cfg.State.WindowCapacity,
    }, detector, client, deps.Metrics)

    bus := events.NewBus(cfg.Events.BufferSize, deps.Metrics)
    alertEngine := alerting.NewEngine(alerting.Config{
        DeviceDownSeverity: downSeverity,
        FlapPolicy:         cfg.Flapping.Policy,
        Settle:             cfg.Flapping.Settle,
    }, machine, client, deps.Store, bus, deps.Metrics)
    alertEngine.SetRules(cfg.Alerting.AllRules())

    batchPoller := poller.New(deps.Probers, poller.Options{
        ProbeTimeout: cfg.Poller.ProbeTimeout,
        Concurrency:  cfg.Poller.Concurrency,
        MaxInFlight:  cfg.Poller.MaxInFlight,
        Now:          deps.Clock.Now,
    }, deps.Metrics)

    engine := &Engine{
        config:        cfg,
        store:         deps.Store,
        metrics:       deps.Metrics,
        clock:         deps.Clock,
        inventory:     deps.Inventory,
        scheduler:     scheduler.New(cfg.Scheduler, deps.Clock, deps.Metrics),
        poller:        batchPoller,
        intervals:     poller.NewIntervalPolicy(cfg.Poller.Intervals, cfg.Poller.Tick/2),
        machine:       machine,
        alerts:        alertEngine,
        tsdb:          client,
        bus:           bus,
        notifications: notifier,
        inFlight:      make(map[string]bool),
        lastStatus:    make(map[string]time.Time),
    }
    engine.housekeeper = NewHousekeeper(deps.Store, client, machine, cfg, deps.Clock)

    logrus.WithFields(logrus.Fields{
        "probers":       len(deps.Probers),
        "rules":         len(cfg.Alerting.AllRules()),
        "metrics_store": cfg.MetricsStore.Backend,
        "down_after":    cfg.State.DownAfter,
        "flap_policy":   cfg.Flapping.Policy,
    }).Info("Monitoring engine initialized")

    return engine, nil
}

func newBackend(cfg config.MetricsStoreConfig) (tsdb.Backend, error) {
    switch cfg.Backend {
    case config.BackendTimescale:
        ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
        defer cancel()
        return tsdb.NewTimescaleBackend(ctx, cfg.DSN)
    case config.BackendNone:
        return tsdb.NopBackend{}, nil
    default:
        return tsdb.NewBoltBackend(cfg.Path)
    }
}

// Start restores persisted state, registers the recurring jobs and starts
// the scheduler.
func (e *Engine) Start(ctx context.Context) error {
    e.mu.Lock()
    if e.running {
        e.mu.Unlock()
        return nil
    }
    e.running = true
    e.startedAt = e.clock.Now()
    ctx, e.cancel = context.WithCancel(ctx)
    e.mu.Unlock()

    logrus.Info("Starting monitoring engine")

    if err := e.start(ctx); err != nil {
        e.mu.Lock()
        e.running = false
        e.cancel()
        e.mu.Unlock()
        return err
    }
    return nil
}

func (e *Engine) start(ctx context.Context) error {
    if err := e.syncInventory(ctx); err != nil {
        return fmt.Errorf("initial inventory sync: %w", err)
    }
    e.restore(ctx)

    e.tsdb.Start(ctx)
    if err := e.startEventConsumers(ctx); err != nil {
        return err
    }
    if err := e.startRuleWatcher(); err != nil {
        logrus.WithError(err).Warn("Rules file watcher not started")
    }
    if err := e.registerJobs(); err != nil {
        return err
    }
    return e.scheduler.Start(ctx)
}

// restore loads device state and unresolved alerts from the database.
func (e *Engine) restore(ctx context.Context) {
    states, err := e.store.LoadStates(ctx)
    if err != nil {
        logrus.WithError(err).Warn("Failed to load device state from database")
    } else {
        e.machine.Restore(states)
    }

    active, err := e.store.LoadActiveAlerts(ctx)
    if err != nil {
        logrus.WithError(err).Warn("Failed to load active alerts from database")
        return
    }
    e.alerts.Restore(ctx, active)
}

func (e *Engine) startEventConsumers(ctx context.Context) error {
    if e.notifications.Enabled() {
        sub, err := e.bus.Subscribe("pushover", e.notifications.EventTypes()...)
        if err != nil {
            return err
        }
        e.bus.Consume(ctx, sub, func(ev models.Event) {
            sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
            defer cancel()
            e.notifications.HandleEvent(sendCtx, ev)
        })
    }

    if e.config.Events.NATS.Enabled {
        sink, err := events.NewNATSSink(e.config.Events.NATS)
        if err != nil {
            // events are best effort, monitoring carries on without them
            logrus.WithError(err).Error("NATS event sink unavailable")
            return nil
        }
        if err := e.bus.Attach(ctx, sink); err != nil {
            sink.Close()
            return err
        }
        e.sinks = append(e.sinks, sink)
    }
    return nil
}

func (e *Engine) startRuleWatcher() error {
    al := e.config.Alerting
    if al.RulesFile == "" || !al.WatchRules {
        return nil
    }
    watcher, err := config.NewRuleWatcher(al.RulesFile, al.Rules, e.alerts.SetRules)
    if err != nil {
        return err
    }
    if err := watcher.Start(); err != nil {
        watcher.Stop()
        return err
    }
    e.ruleWatcher = watcher
    return nil
}

func (e *Engine) registerJobs() error {
    cfg := e.config
    jobs := []struct {
        name     string
        queue    scheduler.Queue
        interval time.Duration
        fn       scheduler.TaskFunc
    }{
        {"poll-status", scheduler.QueueMonitoring, cfg.Poller.Tick, e.dispatchStatusPolls},
        {"poll-snmp", scheduler.QueueSNMP, cfg.Poller.SNMP.Interval, e.dispatchSNMPPolls},
        {"evaluate-alerts", scheduler.QueueAlerts, cfg.Alerting.Interval, e.evaluateAll},
        {"snapshot-states", scheduler.QueueMaintenance, cfg.Database.SnapshotInterval, e.housekeeper.SnapshotStates},
        {"purge-alerts", scheduler.QueueMaintenance, cfg.Database.CleanupInterval, e.housekeeper.PurgeResolvedAlerts},
        {"prune-metrics", scheduler.QueueMaintenance, cfg.Database.CleanupInterval, e.housekeeper.PruneMetrics},
        {"compact-database", scheduler.QueueMaintenance, cfg.Database.CompactInterval, e.housekeeper.Compact},
        {"refresh-inventory", scheduler.QueueMaintenance, cfg.Inventory.RefreshInterval, e.syncInventory},
    }
    for _, j := range jobs {
        if err := e.scheduler.Every(j.name, j.queue, j.interval, j.fn); err != nil {
            return fmt.Errorf("register %s: %w", j.name, err)
        }
    }
    return nil
}

// Stop shuts the scheduler down (alerts first), then persists state and
// flushes the metrics store.
func (e *Engine) Stop(ctx context.Context) error {
    e.mu.Lock()
    if !e.running {
        e.mu.Unlock()
        return nil
    }
    e.running = false
    cancel := e.cancel
    e.mu.Unlock()

    logrus.Info("Stopping monitoring engine")

    var errs []error
    if err := e.scheduler.Stop(ctx); err != nil {
        errs = append(errs, fmt.Errorf("scheduler: %w", err))
    }
    if e.ruleWatcher != nil {
        e.ruleWatcher.Stop()
    }
    if err := e.housekeeper.SnapshotStates(ctx); err != nil {
        errs = append(errs, err)
    }

    // consumers finish what is buffered before the context goes away
    e.bus.Close()
    cancel()
    for _, sink := range e.sinks {
        if err := sink.Close(); err != nil {
            errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
        }
    }
    if err := e.tsdb.Close(); err != nil {
        errs = append(errs, fmt.Errorf("metrics store: %w", err))
    }
    return errors.Join(errs...)
}

// syncInventory reconciles the state machine with the inventory feed.
func (e *Engine) syncInventory(ctx context.Context) error {
    devices, err := e.inventory.Devices(ctx)
    if err != nil {
        return err
    }
    added, removed := e.machine.Sync(devices)
    if len(added) > 0 || len(removed) > 0 {
        logrus.WithFields(logrus.Fields{
            "devices": len(devices),
            "added":   len(added),
            "removed": len(removed),
        }).Info("Inventory synchronized")
    }
    if len(removed) > 0 {
        e.pollMu.Lock()
        for _, id := range removed {
            delete(e.lastStatus, id)
        }
        e.pollMu.Unlock()

        if _, err := e.store.DeleteStates(ctx, removed); err != nil {
            logrus.WithError(err).Warn("Failed to delete state of removed devices")
        }
        // resolve alerts of removed devices without waiting a cycle
        if err := e.scheduler.Submit(scheduler.QueueAlerts, "evaluate-alerts", e.evaluateAll); err != nil && !errors.Is(err, scheduler.ErrStopped) {
            logrus.WithError(err).Warn("Failed to queue alert evaluation")
        }
    }
    return nil
}

// evaluateAll runs a full alert pass and refreshes the device census.
func (e *Engine) evaluateAll(ctx context.Context) error {
    now := e.clock.Now()
    summary, err := e.alerts.Evaluate(ctx, now)
    if err != nil {
        return err
    }
    if summary.Created+summary.Escalated+summary.Resolved > 0 {
        logrus.WithFields(logrus.Fields{
            "created":   summary.Created,
            "escalated": summary.Escalated,
            "resolved":  summary.Resolved,
            "withheld":  summary.Withheld,
        }).Info("Alert evaluation completed")
    }
    e.updateCensus(now)
    return nil
}

func (e *Engine) updateCensus(now time.Time) {
    byStatus := map[string]int{
        string(models.StatusUp):      0,
        string(models.StatusDown):    0,
        string(models.StatusUnknown): 0,
    }
    flapping, enabled := 0, 0
    for _, snap := range e.machine.Snapshots(now) {
        if !snap.Device.Enabled {
            continue
        }
        enabled++
        byStatus[string(snap.State.Status)]++
        if snap.State.Flap.Suppressed(now) {
            flapping++
        }
    }
    e.metrics.UpdateDeviceStatus(byStatus, flapping, enabled)
}
