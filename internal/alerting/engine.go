// internal/alerting/engine.go
package alerting

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"
    "text/template"
    "time"

    "github.com/google/uuid"
    "github.com/sirupsen/logrus"
    "netwatch/internal/config"
    "netwatch/internal/metrics"
    "netwatch/internal/models"
)

var ErrAlertNotFound = errors.New("alert not found")

// Resolution sources recorded in Alert.ResolvedBy.
const (
    ResolvedAuto     = "auto"
    ResolvedRemoved  = "device_removed"
    ResolvedDisabled = "device_disabled"
)

// StateSource is the read side of the state machine.
type StateSource interface {
    Snapshots(now time.Time) []models.DeviceSnapshot
    Snapshot(id string) (models.DeviceSnapshot, bool)
}

// MetricsReader answers windowed aggregates. *tsdb.Client satisfies it.
type MetricsReader interface {
    Aggregate(ctx context.Context, deviceID, metric, agg string, window time.Duration, now time.Time) (float64, bool, error)
}

// AlertStore persists alert changes.
type AlertStore interface {
    SaveAlert(ctx context.Context, alert *models.Alert) error
    ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)
}

type Publisher interface {
    Publish(event models.Event)
}

type Config struct {
    DeviceDownSeverity models.Severity
    FlapPolicy         string
    FlapSeverity       models.Severity
    // Settle is how long a device's status must hold after an oscillation
    // before new alerts open. Zero or negative opens them at once.
    Settle             time.Duration
}

type key struct {
    device string
    class  string
}

type pendingKey struct {
    device string
    rule   string
}

// candidate is the strongest matching rule for one class in one pass.
type candidate struct {
    rule     *models.AlertRule
    severity models.Severity
    value    float64
    message  string
    until    *time.Time
}

// Summary counts what one evaluation pass changed.
type Summary struct {
    Devices   int `json:"devices"`
    Created   int `json:"created"`
    Escalated int `json:"escalated"`
    Resolved  int `json:"resolved"`
    Withheld  int `json:"withheld"`
}

// Engine evaluates rules against device state and owns the lifecycle of
// every unresolved alert. At most one unresolved alert exists per device and
// class; stronger rules in the same class escalate it in place.
type Engine struct {
    cfg       Config
    states    StateSource
    reader    MetricsReader
    store     AlertStore
    publisher Publisher
    metrics   *metrics.Collector

    mu        sync.Mutex
    rules     []models.AlertRule
    templates map[string]*template.Template
    active    map[key]*models.Alert
    pending   map[pendingKey]time.Time
    // manual holds the device's transition seq at the time an operator
    // resolved the alert; the class is not re-opened until it moves or the
    // condition clears.
    manual map[key]uint64
}

func NewEngine(cfg Config, states StateSource, reader MetricsReader, store AlertStore, publisher Publisher, collector *metrics.Collector) *Engine {
    if !cfg.DeviceDownSeverity.Valid() {
        cfg.DeviceDownSeverity = models.SeverityCritical
    }
    if !cfg.FlapSeverity.Valid() {
        cfg.FlapSeverity = models.SeverityHigh
    }
    if cfg.FlapPolicy == "" {
        cfg.FlapPolicy = config.FlapPolicySingleAlert
    }
    return &Engine{
        cfg:       cfg,
        states:    states,
        reader:    reader,
        store:     store,
        publisher: publisher,
        metrics:   collector,
        templates: make(map[string]*template.Template),
        active:    make(map[key]*models.Alert),
        pending:   make(map[pendingKey]time.Time),
        manual:    make(map[key]uint64),
    }
}

// SetRules replaces the rule set. It takes effect on the next evaluation.
func (e *Engine) SetRules(rules []models.AlertRule) {
    copied := append([]models.AlertRule(nil), rules...)
    templates := compileTemplates(copied)

    e.mu.Lock()
    defer e.mu.Unlock()
    e.rules = copied
    e.templates = templates

    ids := make(map[string]bool, len(copied))
    for _, r := range copied {
        ids[r.ID] = true
    }
    for pk := range e.pending {
        if !ids[pk.rule] {
            delete(e.pending, pk)
        }
    }
    logrus.WithField("rules", len(copied)).Info("Alert rules updated")
}

func (e *Engine) Rules() []models.AlertRule {
    e.mu.Lock()
    defer e.mu.Unlock()
    return append([]models.AlertRule(nil), e.rules...)
}

// Restore loads unresolved alerts from storage. When storage holds more than
// one for a class, the most severe one is kept and the rest are resolved.
func (e *Engine) Restore(ctx context.Context, alerts []models.Alert) int {
    e.mu.Lock()
    defer e.mu.Unlock()

    sort.Slice(alerts, func(i, j int) bool {
        if alerts[i].Severity != alerts[j].Severity {
            return alerts[i].Severity > alerts[j].Severity
        }
        return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
    })

    restored := 0
    for i := range alerts {
        alert := alerts[i].Clone()
        if !alert.Active() {
            continue
        }
        k := key{alert.DeviceID, alert.Class}
        if _, dup := e.active[k]; dup {
            now := time.Now()
            alert.ResolvedAt = &now
            alert.ResolvedBy = ResolvedAuto
            e.persist(ctx, &alert)
            continue
        }
        e.active[k] = &alert
        restored++
    }
    e.updateGauge()
    logrus.WithField("active_alerts", restored).Info("Restored active alerts")
    return restored
}

// Evaluate runs every rule against every device.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) (Summary, error) {
    snaps := e.states.Snapshots(now)

    e.mu.Lock()
    defer e.mu.Unlock()

    var summary Summary
    present := make(map[string]bool, len(snaps))
    for i := range snaps {
        if err := ctx.Err(); err != nil {
            return summary, err
        }
        snap := &snaps[i]
        present[snap.Device.ID] = true
        if !snap.Device.Enabled {
            e.resolveDevice(ctx, snap.Device.ID, ResolvedDisabled, now, &summary)
            continue
        }
        e.evaluateDevice(ctx, snap, now, &summary)
        summary.Devices++
    }

    for k := range e.active {
        if !present[k.device] {
            e.resolveDevice(ctx, k.device, ResolvedRemoved, now, &summary)
        }
    }

    e.updateGauge()
    return summary, nil
}

// EvaluateDevice runs the rules for one device, used right after a status
// transition so alerts do not wait for the next full pass.
func (e *Engine) EvaluateDevice(ctx context.Context, deviceID string, now time.Time) (Summary, error) {
    snap, ok := e.states.Snapshot(deviceID)

    e.mu.Lock()
    defer e.mu.Unlock()

    var summary Summary
    switch {
    case !ok:
        e.resolveDevice(ctx, deviceID, ResolvedRemoved, now, &summary)
    case !snap.Device.Enabled:
        e.resolveDevice(ctx, deviceID, ResolvedDisabled, now, &summary)
    default:
        e.evaluateDevice(ctx, &snap, now, &summary)
        summary.Devices = 1
    }
    e.updateGauge()
    return summary, nil
}

func (e *Engine) evaluateDevice(ctx context.Context, snap *models.DeviceSnapshot, now time.Time, summary *Summary) {
    id := snap.Device.ID
    flap := snap.State.Flap
    suppressed := flap.Suppressed(now)
    settling := e.settling(snap, now)

    e.evaluateFlapping(ctx, snap, suppressed, now, summary)

    candidates := make(map[string]*candidate)
    uncertain := make(map[string]bool)
    classes := map[string]bool{models.ClassDeviceDown: true}

    if snap.State.Status == models.StatusDown {
        candidates[models.ClassDeviceDown] = &candidate{
            severity: e.cfg.DeviceDownSeverity,
            message:  downMessage(snap),
        }
    }

    for i := range e.rules {
        rule := &e.rules[i]
        if !rule.Enabled || !rule.Matches(&snap.Device) {
            continue
        }
        class := rule.EffectiveClass()
        classes[class] = true

        value, ok, err := e.observe(ctx, rule, snap, now)
        if err != nil {
            uncertain[class] = true
            logrus.WithError(err).WithFields(logrus.Fields{
                "device": id,
                "rule":   rule.ID,
            }).Warn("Rule evaluation failed")
            continue
        }

        pk := pendingKey{id, rule.ID}
        if !ok || !rule.Operator.Compare(value, rule.Threshold) {
            delete(e.pending, pk)
            continue
        }
        if rule.For > 0 {
            since, seen := e.pending[pk]
            if !seen {
                e.pending[pk] = now
                continue
            }
            if now.Sub(since) < rule.For {
                continue
            }
        }

        if c := candidates[class]; c == nil || rule.Severity > c.severity {
            candidates[class] = &candidate{
                rule:     rule,
                severity: rule.Severity,
                value:    value,
                message:  e.renderMessage(rule, snap, value),
            }
        }
    }

    for k, alert := range e.active {
        if k.device == id && k.class != models.ClassDeviceFlapping {
            classes[alert.Class] = true
        }
    }

    for class := range classes {
        k := key{id, class}
        existing := e.active[k]
        c := candidates[class]

        if c == nil {
            if uncertain[class] {
                continue
            }
            delete(e.manual, k)
            if existing != nil {
                e.resolve(ctx, existing, ResolvedAuto, now)
                summary.Resolved++
            }
            continue
        }

        if existing != nil {
            if suppressed {
                e.markSuppressed(ctx, existing, flap.SuppressUntil)
                continue
            }
            if c.severity > existing.Severity {
                e.escalate(ctx, existing, c, snap, now)
                summary.Escalated++
            }
            continue
        }

        if suppressed {
            summary.Withheld++
            logrus.WithFields(logrus.Fields{
                "device": id,
                "class":  class,
            }).Debug("Device flapping, alert withheld")
            continue
        }
        if settling {
            summary.Withheld++
            logrus.WithFields(logrus.Fields{
                "device": id,
                "class":  class,
            }).Debug("Device status not settled, alert held")
            continue
        }
        if seq, blocked := e.manual[k]; blocked {
            if seq == snap.State.TransitionSeq {
                continue
            }
            delete(e.manual, k)
        }
        e.create(ctx, k, c, snap, now)
        summary.Created++
    }
}

// settling reports whether the device oscillated and its latest transition
// is younger than the settle period. The first leg of a flap looks like a
// clean outage, so it only alerts once the status has held.
func (e *Engine) settling(snap *models.DeviceSnapshot, now time.Time) bool {
    st := snap.State
    if e.cfg.Settle <= 0 || st.Flap.Transitions == 0 || st.LastTransitionAt == nil {
        return false
    }
    return now.Sub(*st.LastTransitionAt) < e.cfg.Settle
}

// evaluateFlapping keeps the single synthetic flapping alert in step with
// the device's suppression window.
func (e *Engine) evaluateFlapping(ctx context.Context, snap *models.DeviceSnapshot, suppressed bool, now time.Time, summary *Summary) {
    k := key{snap.Device.ID, models.ClassDeviceFlapping}
    existing := e.active[k]

    if !suppressed {
        delete(e.manual, k)
        if existing != nil {
            e.resolve(ctx, existing, ResolvedAuto, now)
            summary.Resolved++
        }
        return
    }

    if existing != nil {
        e.markSuppressed(ctx, existing, snap.State.Flap.SuppressUntil)
        return
    }
    if e.cfg.FlapPolicy != config.FlapPolicySingleAlert {
        return
    }
    if seq, blocked := e.manual[k]; blocked && seq == snap.State.TransitionSeq {
        return
    }
    delete(e.manual, k)

    flap := snap.State.Flap
    c := &candidate{
        severity: e.cfg.FlapSeverity,
        value:    float64(flap.Transitions),
        message: fmt.Sprintf("Device %s is flapping: %d status changes, alerts suppressed until %s",
            deviceName(&snap.Device), flap.Transitions, flap.SuppressUntil.Format(time.RFC3339)),
        until: flap.SuppressUntil,
    }
    e.create(ctx, k, c, snap, now)
    summary.Created++
}

func (e *Engine) create(ctx context.Context, k key, c *candidate, snap *models.DeviceSnapshot, now time.Time) *models.Alert {
    alert := &models.Alert{
        ID:              uuid.New().String(),
        DeviceID:        k.device,
        Class:           k.class,
        Severity:        c.severity,
        Message:         c.message,
        Value:           c.value,
        TriggeredAt:     now,
        SuppressedUntil: cloneTime(c.until),
    }
    if c.rule != nil {
        ruleID := c.rule.ID
        alert.RuleID = &ruleID
    }
    e.active[k] = alert
    e.persist(ctx, alert)
    e.emit(models.EventAlertCreated, alert, snap, 0)

    logrus.WithFields(logrus.Fields{
        "alert":    alert.ID,
        "device":   alert.DeviceID,
        "class":    alert.Class,
        "severity": alert.Severity,
    }).Info("Alert created")
    return alert
}

func (e *Engine) escalate(ctx context.Context, alert *models.Alert, c *candidate, snap *models.DeviceSnapshot, now time.Time) {
    previous := alert.Severity
    alert.Severity = c.severity
    alert.Message = c.message
    alert.Value = c.value
    alert.EscalatedAt = &now
    if c.rule != nil {
        ruleID := c.rule.ID
        alert.RuleID = &ruleID
    }
    e.persist(ctx, alert)
    e.emit(models.EventAlertEscalated, alert, snap, previous)

    logrus.WithFields(logrus.Fields{
        "alert":    alert.ID,
        "device":   alert.DeviceID,
        "class":    alert.Class,
        "from":     previous,
        "severity": alert.Severity,
    }).Info("Alert escalated")
}

func (e *Engine) resolve(ctx context.Context, alert *models.Alert, by string, now time.Time) {
    alert.ResolvedAt = &now
    alert.ResolvedBy = by
    delete(e.active, key{alert.DeviceID, alert.Class})
    e.persist(ctx, alert)

    var snap *models.DeviceSnapshot
    if s, ok := e.states.Snapshot(alert.DeviceID); ok {
        snap = &s
    }
    e.emit(models.EventAlertResolved, alert, snap, 0)

    logrus.WithFields(logrus.Fields{
        "alert":  alert.ID,
        "device": alert.DeviceID,
        "class":  alert.Class,
        "by":     by,
    }).Info("Alert resolved")
}

func (e *Engine) resolveDevice(ctx context.Context, deviceID, by string, now time.Time, summary *Summary) {
    for k, alert := range e.active {
        if k.device != deviceID {
            continue
        }
        e.resolve(ctx, alert, by, now)
        summary.Resolved++
    }
    for k := range e.manual {
        if k.device == deviceID {
            delete(e.manual, k)
        }
    }
    for pk := range e.pending {
        if pk.device == deviceID {
            delete(e.pending, pk)
        }
    }
}

func (e *Engine) markSuppressed(ctx context.Context, alert *models.Alert, until *time.Time) {
    if until == nil {
        return
    }
    if alert.SuppressedUntil != nil && alert.SuppressedUntil.Equal(*until) {
        return
    }
    alert.SuppressedUntil = cloneTime(until)
    e.persist(ctx, alert)
}

// Resolve marks an alert resolved on behalf of an operator.
func (e *Engine) Resolve(ctx context.Context, alertID, by string) (*models.Alert, error) {
    e.mu.Lock()
    defer e.mu.Unlock()

    var found *models.Alert
    for _, alert := range e.active {
        if alert.ID == alertID {
            found = alert
            break
        }
    }
    if found == nil {
        return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
    }

    var seq uint64
    if snap, ok := e.states.Snapshot(found.DeviceID); ok {
        seq = snap.State.TransitionSeq
    }
    if by == "" {
        by = "manual"
    }
    e.resolve(ctx, found, by, time.Now())
    e.manual[key{found.DeviceID, found.Class}] = seq
    e.updateGauge()

    out := found.Clone()
    return &out, nil
}

// Active returns copies of all unresolved alerts, most severe first.
func (e *Engine) Active() []models.Alert {
    e.mu.Lock()
    defer e.mu.Unlock()

    out := make([]models.Alert, 0, len(e.active))
    for _, alert := range e.active {
        out = append(out, alert.Clone())
    }
    sort.Slice(out, func(i, j int) bool {
        if out[i].Severity != out[j].Severity {
            return out[i].Severity > out[j].Severity
        }
        return out[i].TriggeredAt.Before(out[j].TriggeredAt)
    })
    return out
}

// List returns alert history from the store, or active alerts when there
// is no store.
func (e *Engine) List(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
    if e.store != nil {
        return e.store.ListAlerts(ctx, filter)
    }
    var out []models.Alert
    for _, alert := range e.Active() {
        if filter.Match(&alert) {
            out = append(out, alert)
        }
    }
    if filter.Limit > 0 && len(out) > filter.Limit {
        out = out[:filter.Limit]
    }
    return out, nil
}

func (e *Engine) persist(ctx context.Context, alert *models.Alert) {
    if e.store == nil {
        return
    }
    if err := e.store.SaveAlert(ctx, alert); err != nil {
        logrus.WithError(err).WithField("alert", alert.ID).Error("Failed to store alert")
    }
}

func (e *Engine) emit(typ models.EventType, alert *models.Alert, snap *models.DeviceSnapshot, previous models.Severity) {
    e.metrics.RecordAlertEvent(string(typ), alert.Class)
    if e.publisher == nil {
        return
    }
    change := &models.AlertChange{
        Alert:            alert.Clone(),
        PreviousSeverity: previous,
    }
    if snap != nil {
        change.DeviceName = deviceName(&snap.Device)
    }
    e.publisher.Publish(models.Event{
        Version:   models.EventVersion,
        ID:        uuid.New().String(),
        Type:      typ,
        Timestamp: time.Now(),
        Alert:     change,
    })
}

func (e *Engine) updateGauge() {
    bySeverity := make(map[string]int)
    for _, alert := range e.active {
        bySeverity[alert.Severity.String()]++
    }
    e.metrics.UpdateActiveAlerts(bySeverity)
}

func downMessage(snap *models.DeviceSnapshot) string {
    msg := fmt.Sprintf("Device %s (%s) is DOWN", deviceName(&snap.Device), snap.Device.Address)
    if snap.State.DownSince != nil {
        msg += " since " + snap.State.DownSince.Format(time.RFC3339)
    }
    return msg
}

func cloneTime(t *time.Time) *time.Time {
    if t == nil {
        return nil
    }
    v := *t
    return &v
}
