// internal/state/machine.go
package state

import (
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/sirupsen/logrus"
    "netwatch/internal/flapping"
    "netwatch/internal/metrics"
    "netwatch/internal/models"
    "netwatch/internal/tsdb"
)

var ErrUnknownDevice = errors.New("unknown device")

type Config struct {
    DownAfter      int           // consecutive unreachable results before DOWN
    Window         time.Duration // transition history kept per device
    WindowCapacity int
}

// Recorder receives samples for the metrics store. *tsdb.Client satisfies it.
type Recorder interface {
    Record(samples ...tsdb.Sample)
}

// Update describes what a single Apply did.
type Update struct {
    DeviceID     string
    Stale        bool
    Transitioned bool
    Transition   *models.TransitionEvent
    FlapStarted  bool
    FlapEnded    bool
    Device       models.Device
    State        models.DeviceState
}

// Machine owns every device's health state. Each device has its own lock so
// results for one device are applied one at a time while different devices
// never contend; the map lock only guards membership.
type Machine struct {
    cfg      Config
    detector *flapping.Detector
    recorder Recorder
    metrics  *metrics.Collector

    mu      sync.RWMutex
    entries map[string]*entry
}

type entry struct {
    mu             sync.Mutex
    device         models.Device
    state          models.DeviceState
    window         *Window
    lastResultAt   map[models.ProbeKind]time.Time
    probeErrorKind models.ProbeKind
    removed        bool
}

func NewMachine(cfg Config, detector *flapping.Detector, recorder Recorder, collector *metrics.Collector) *Machine {
    if cfg.DownAfter < 1 {
        cfg.DownAfter = 1
    }
    if cfg.Window <= 0 {
        cfg.Window = 5 * time.Minute
    }
    if detector != nil && detector.Window() > cfg.Window {
        cfg.Window = detector.Window()
    }
    if cfg.WindowCapacity <= 0 {
        cfg.WindowCapacity = 64
    }
    if detector == nil {
        detector = flapping.NewDetector(flapping.Config{Window: cfg.Window})
    }
    return &Machine{
        cfg:      cfg,
        detector: detector,
        recorder: recorder,
        metrics:  collector,
        entries:  make(map[string]*entry),
    }
}

func (m *Machine) DownAfter() int {
    return m.cfg.DownAfter
}

func (m *Machine) newEntry(device models.Device) *entry {
    return &entry{
        device: device,
        state: models.DeviceState{
            DeviceID: device.ID,
            Status:   models.StatusUnknown,
        },
        window:       NewWindow(m.cfg.WindowCapacity, m.cfg.Window),
        lastResultAt: make(map[models.ProbeKind]time.Time),
    }
}

// Sync reconciles the tracked devices with an inventory listing. Existing
// devices keep their state and pick up the new metadata.
func (m *Machine) Sync(devices []models.Device) (added, removed []string) {
    seen := make(map[string]bool, len(devices))

    m.mu.Lock()
    defer m.mu.Unlock()

    for _, device := range devices {
        seen[device.ID] = true
        if e, ok := m.entries[device.ID]; ok {
            e.mu.Lock()
            e.device = device
            e.mu.Unlock()
            continue
        }
        m.entries[device.ID] = m.newEntry(device)
        added = append(added, device.ID)
    }

    for id, e := range m.entries {
        if seen[id] {
            continue
        }
        e.mu.Lock()
        e.removed = true
        e.mu.Unlock()
        delete(m.entries, id)
        removed = append(removed, id)
    }

    sort.Strings(added)
    sort.Strings(removed)
    return added, removed
}

// Restore loads persisted states for devices already known to the machine.
// Flap state is not persisted and starts clear.
func (m *Machine) Restore(states []models.DeviceState) int {
    restored := 0
    for _, st := range states {
        e := m.lookup(st.DeviceID)
        if e == nil {
            continue
        }
        e.mu.Lock()
        st = st.Clone()
        st.Flap = models.FlapState{}
        if st.Status == models.StatusDown && st.DownSince == nil {
            switch {
            case st.LastTransitionAt != nil:
                st.DownSince = models.TimePtr(*st.LastTransitionAt)
            case st.LastPolledAt != nil:
                st.DownSince = models.TimePtr(*st.LastPolledAt)
            default:
                st.DownSince = models.TimePtr(time.Now())
            }
        }
        if st.Status != models.StatusDown {
            st.DownSince = nil
        }
        if st.LastPolledAt != nil {
            e.lastResultAt[statusKind(e.device)] = *st.LastPolledAt
        }
        e.state = st
        e.mu.Unlock()
        restored++
    }
    logrus.WithField("restored_states", restored).Info("Initialized device state from database")
    return restored
}

func (m *Machine) lookup(id string) *entry {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.entries[id]
}

func (m *Machine) all() []*entry {
    m.mu.RLock()
    defer m.mu.RUnlock()
    out := make([]*entry, 0, len(m.entries))
    for _, e := range m.entries {
        out = append(out, e)
    }
    return out
}

// statusKind is the probe whose results decide reachability.
func statusKind(device models.Device) models.ProbeKind {
    if device.Probe == "" {
        return models.ProbeICMP
    }
    return device.Probe
}

// Apply folds one poll result into the device's state. Results older than
// the last applied result of the same kind are discarded.
func (m *Machine) Apply(result models.PollResult) (Update, error) {
    e := m.lookup(result.DeviceID)
    if e == nil {
        return Update{}, fmt.Errorf("%w: %s", ErrUnknownDevice, result.DeviceID)
    }

    e.mu.Lock()
    defer e.mu.Unlock()

    if e.removed {
        return Update{}, fmt.Errorf("%w: %s", ErrUnknownDevice, result.DeviceID)
    }

    now := result.Timestamp
    update := Update{DeviceID: result.DeviceID}

    if last, ok := e.lastResultAt[result.Kind]; ok && now.Before(last) {
        logrus.WithFields(logrus.Fields{
            "device": result.DeviceID,
            "kind":   result.Kind,
            "at":     now,
            "last":   last,
        }).Debug("Discarding stale poll result")
        update.Stale = true
        update.Device = e.device
        update.State = e.state.Clone()
        return update, nil
    }
    e.lastResultAt[result.Kind] = now

    st := &e.state
    st.LastPolledAt = models.TimePtr(now)

    if result.Interfaces != nil {
        st.Interfaces = append([]models.InterfaceSample(nil), result.Interfaces...)
    }
    if len(result.Values) > 0 {
        if st.Values == nil {
            st.Values = make(map[string]float64, len(result.Values))
        }
        for k, v := range result.Values {
            st.Values[k] = v
        }
    }

    if result.IsProbeError() {
        if st.ProbeError == "" {
            st.ProbeErrorSince = models.TimePtr(now)
            logrus.WithFields(logrus.Fields{
                "device": result.DeviceID,
                "kind":   result.Kind,
                "error":  result.ProbeError,
            }).Warn("Probe error, device status unchanged")
        }
        st.ProbeError = result.ProbeError
        e.probeErrorKind = result.Kind
    } else if st.ProbeError != "" && e.probeErrorKind == result.Kind {
        logrus.WithField("device", result.DeviceID).Info("Probe error cleared")
        st.ProbeError = ""
        st.ProbeErrorSince = nil
        e.probeErrorKind = ""
    }

    var samples []tsdb.Sample
    if result.Kind == statusKind(e.device) && !result.IsProbeError() {
        st.PacketLoss = result.PacketLoss
        st.LastLatency = nil
        if result.Latency != nil {
            l := *result.Latency
            st.LastLatency = &l
            samples = append(samples, tsdb.Sample{
                DeviceID:  result.DeviceID,
                Metric:    tsdb.MetricLatency,
                Timestamp: now,
                Value:     float64(l) / float64(time.Millisecond),
            })
        }
        samples = append(samples, tsdb.Sample{
            DeviceID:  result.DeviceID,
            Metric:    tsdb.MetricPacketLoss,
            Timestamp: now,
            Value:     result.PacketLoss,
        })

        if ev := m.confirm(e, result.Reachable, now); ev != nil {
            update.Transitioned = true
            update.Transition = ev
        }
        samples = append(samples, tsdb.Sample{
            DeviceID:  result.DeviceID,
            Metric:    tsdb.MetricStatus,
            Timestamp: now,
            Value:     statusValue(st.Status),
        })
    }

    wasFlapping := st.Flap.IsFlapping
    st.Flap = m.detector.Evaluate(st.Flap, e.window.Events(now), now)
    update.FlapStarted = !wasFlapping && st.Flap.IsFlapping
    update.FlapEnded = wasFlapping && !st.Flap.IsFlapping
    if update.FlapStarted {
        logrus.WithFields(logrus.Fields{
            "device":      result.DeviceID,
            "transitions": st.Flap.Transitions,
            "until":       st.Flap.SuppressUntil,
        }).Warn("Device is flapping, suppressing alerts")
    }

    if m.recorder != nil && len(samples) > 0 {
        m.recorder.Record(samples...)
    }

    update.Device = e.device
    update.State = st.Clone()
    return update, nil
}

// confirm applies the confirmation policy and returns the transition, if any.
func (m *Machine) confirm(e *entry, reachable bool, now time.Time) *models.TransitionEvent {
    st := &e.state
    var next models.Status

    if reachable {
        st.ConsecutiveSuccesses++
        st.ConsecutiveFailures = 0
        if st.Status == models.StatusUp {
            return nil
        }
        next = models.StatusUp
    } else {
        st.ConsecutiveFailures++
        st.ConsecutiveSuccesses = 0
        if st.Status == models.StatusDown || st.ConsecutiveFailures < m.cfg.DownAfter {
            if st.Status != models.StatusDown {
                logrus.WithFields(logrus.Fields{
                    "device":   e.device.ID,
                    "failures": st.ConsecutiveFailures,
                    "required": m.cfg.DownAfter,
                }).Debug("Unreachable, waiting for confirmation")
            }
            return nil
        }
        next = models.StatusDown
    }

    ev := models.TransitionEvent{
        DeviceID:  e.device.ID,
        Timestamp: now,
        From:      st.Status,
        To:        next,
    }
    setStatus(st, next, now)
    st.TransitionSeq++
    st.LastTransitionAt = models.TimePtr(now)
    e.window.Add(ev)

    m.metrics.RecordTransition(string(ev.From), string(ev.To))
    logrus.WithFields(logrus.Fields{
        "device":   e.device.ID,
        "from":     ev.From,
        "to":       ev.To,
        "failures": st.ConsecutiveFailures,
        "seq":      st.TransitionSeq,
    }).Info("Device status change confirmed")
    return &ev
}

// setStatus is the only place Status changes, so DownSince always moves with it.
func setStatus(st *models.DeviceState, status models.Status, now time.Time) {
    st.Status = status
    if status == models.StatusDown {
        st.DownSince = models.TimePtr(now)
    } else {
        st.DownSince = nil
    }
}

func statusValue(s models.Status) float64 {
    if s == models.StatusUp {
        return 1
    }
    return 0
}

// Snapshot returns a copy of one device's state.
func (m *Machine) Snapshot(id string) (models.DeviceSnapshot, bool) {
    e := m.lookup(id)
    if e == nil {
        return models.DeviceSnapshot{}, false
    }
    e.mu.Lock()
    defer e.mu.Unlock()
    return models.DeviceSnapshot{Device: e.device, State: e.state.Clone()}, true
}

// Snapshots copies every device's state, sorted by id. Flap state is
// re-evaluated at now so expired suppressions are not reported.
func (m *Machine) Snapshots(now time.Time) []models.DeviceSnapshot {
    entries := m.all()
    out := make([]models.DeviceSnapshot, 0, len(entries))
    for _, e := range entries {
        e.mu.Lock()
        e.state.Flap = m.detector.Evaluate(e.state.Flap, e.window.Events(now), now)
        out = append(out, models.DeviceSnapshot{Device: e.device, State: e.state.Clone()})
        e.mu.Unlock()
    }
    sort.Slice(out, func(i, j int) bool {
        return out[i].Device.ID < out[j].Device.ID
    })
    return out
}

// States returns every device's state for persistence.
func (m *Machine) States() []models.DeviceState {
    entries := m.all()
    out := make([]models.DeviceState, 0, len(entries))
    for _, e := range entries {
        e.mu.Lock()
        out = append(out, e.state.Clone())
        e.mu.Unlock()
    }
    sort.Slice(out, func(i, j int) bool {
        return out[i].DeviceID < out[j].DeviceID
    })
    return out
}

// Devices returns the tracked inventory.
func (m *Machine) Devices() []models.Device {
    entries := m.all()
    out := make([]models.Device, 0, len(entries))
    for _, e := range entries {
        e.mu.Lock()
        out = append(out, e.device)
        e.mu.Unlock()
    }
    sort.Slice(out, func(i, j int) bool {
        return out[i].ID < out[j].ID
    })
    return out
}

// Transitions returns a device's transition window at now.
func (m *Machine) Transitions(id string, now time.Time) []models.TransitionEvent {
    e := m.lookup(id)
    if e == nil {
        return nil
    }
    e.mu.Lock()
    defer e.mu.Unlock()
    return e.window.Events(now)
}

func (m *Machine) Len() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return len(m.entries)
}
