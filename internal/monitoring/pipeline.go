// internal/monitoring/pipeline.go - poll dispatch and result handling
package monitoring

import (
    "context"
    "errors"
    "fmt"

    "github.com/sirupsen/logrus"
    "netwatch/internal/models"
    "netwatch/internal/scheduler"
    "netwatch/internal/state"
)

// dispatchStatusPolls queues reachability probes for every enabled device
// whose adaptive interval has elapsed, in batches on the monitoring queue.
func (e *Engine) dispatchStatusPolls(ctx context.Context) error {
    now := e.clock.Now()

    e.pollMu.Lock()
    var due []models.Device
    for _, snap := range e.machine.Snapshots(now) {
        id := snap.Device.ID
        if !snap.Device.Enabled || e.inFlight[id] {
            continue
        }
        // secondary SNMP results also move LastPolledAt, so due-ness is
        // judged from the last status dispatch
        snap.State.LastPolledAt = nil
        if last, ok := e.lastStatus[id]; ok {
            l := last
            snap.State.LastPolledAt = &l
        }
        if !e.intervals.Due(snap, now) {
            continue
        }
        e.inFlight[id] = true
        e.lastStatus[id] = now
        due = append(due, snap.Device)
    }
    e.pollMu.Unlock()

    if len(due) == 0 {
        return nil
    }
    logrus.WithField("devices", len(due)).Debug("Dispatching status polls")

    var rejected int
    for _, batch := range batches(due, e.config.Poller.BatchSize) {
        batch := batch
        err := e.scheduler.Submit(scheduler.QueueMonitoring, "poll-batch", func(ctx context.Context) error {
            defer e.release(batch)
            e.pollBatch(ctx, batch, "")
            return nil
        })
        if err != nil {
            e.release(batch)
            if errors.Is(err, scheduler.ErrStopped) {
                return nil
            }
            rejected += len(batch)
        }
    }
    if rejected > 0 {
        return fmt.Errorf("%d status polls not queued: %w", rejected, scheduler.ErrQueueFull)
    }
    return nil
}

// dispatchSNMPPolls queues interface collection for devices whose status
// comes from another probe. SNMP-probed devices already collect interfaces
// on their status poll.
func (e *Engine) dispatchSNMPPolls(ctx context.Context) error {
    var devices []models.Device
    for _, d := range e.machine.Devices() {
        if d.Enabled && d.SupportsSNMP() && d.Probe != models.ProbeSNMP {
            devices = append(devices, d)
        }
    }
    for _, batch := range batches(devices, e.config.Poller.BatchSize) {
        batch := batch
        err := e.scheduler.Submit(scheduler.QueueSNMP, "snmp-batch", func(ctx context.Context) error {
            e.pollBatch(ctx, batch, models.ProbeSNMP)
            return nil
        })
        if errors.Is(err, scheduler.ErrStopped) {
            return nil
        }
        if err != nil {
            return err
        }
    }
    return nil
}

func (e *Engine) release(devices []models.Device) {
    e.pollMu.Lock()
    for _, d := range devices {
        delete(e.inFlight, d.ID)
    }
    e.pollMu.Unlock()
}

// pollBatch probes a batch and applies the results. An empty kind means
// each device's own status probe.
func (e *Engine) pollBatch(ctx context.Context, devices []models.Device, kind models.ProbeKind) {
    if kind != "" {
        for _, r := range e.poller.PollBatch(ctx, devices, kind) {
            e.handleResult(r)
        }
        return
    }

    byKind := make(map[models.ProbeKind][]models.Device)
    for _, d := range devices {
        k := d.Probe
        if k == "" {
            k = models.ProbeICMP
        }
        byKind[k] = append(byKind[k], d)
    }
    for k, group := range byKind {
        for _, r := range e.poller.PollBatch(ctx, group, k) {
            e.handleResult(r)
        }
    }
}

// handleResult applies one result and reacts to what changed.
func (e *Engine) handleResult(result models.PollResult) {
    update, err := e.machine.Apply(result)
    if err != nil {
        if errors.Is(err, state.ErrUnknownDevice) {
            logrus.WithField("device", result.DeviceID).Debug("Result for removed device dropped")
            return
        }
        logrus.WithError(err).WithField("device", result.DeviceID).Error("Failed to apply poll result")
        return
    }
    if update.Stale {
        return
    }

    if update.Transitioned {
        e.publishStatus(update)
        id := update.DeviceID
        err := e.scheduler.Submit(scheduler.QueueAlerts, "evaluate-device", func(ctx context.Context) error {
            _, err := e.alerts.EvaluateDevice(ctx, id, e.clock.Now())
            return err
        })
        if err != nil && !errors.Is(err, scheduler.ErrStopped) {
            // the periodic pass picks it up
            logrus.WithError(err).WithField("device", id).Warn("Failed to queue alert evaluation")
        }
    }
    if update.FlapStarted {
        e.publishFlapping(update)
    }
}

func (e *Engine) publishStatus(update state.Update) {
    tr := update.Transition
    e.bus.Publish(models.Event{
        Type:      models.EventStatusChanged,
        Timestamp: tr.Timestamp,
        Status: &models.StatusChange{
            DeviceID:   update.DeviceID,
            DeviceName: update.Device.Name,
            From:       tr.From,
            To:         tr.To,
            DownSince:  update.State.DownSince,
            Seq:        update.State.TransitionSeq,
            Flapping:   update.State.Flap.IsFlapping,
        },
    })
}

func (e *Engine) publishFlapping(update state.Update) {
    st := update.State
    e.bus.Publish(models.Event{
        Type:      models.EventDeviceFlapping,
        Timestamp: e.clock.Now(),
        Status: &models.StatusChange{
            DeviceID:   update.DeviceID,
            DeviceName: update.Device.Name,
            From:       st.Status,
            To:         st.Status,
            DownSince:  st.DownSince,
            Seq:        st.TransitionSeq,
            Flapping:   true,
        },
    })
}

func batches(devices []models.Device, size int) [][]models.Device {
    if size <= 0 {
        size = len(devices)
    }
    var out [][]models.Device
    for start := 0; start < len(devices); start += size {
        end := start + size
        if end > len(devices) {
            end = len(devices)
        }
        out = append(out, devices[start:end])
    }
    return out
}
