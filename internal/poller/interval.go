// internal/poller/interval.go
package poller

import (
    "time"

    "netwatch/internal/config"
    "netwatch/internal/models"
)

// IntervalPolicy spreads polling load by device stability. It is advisory:
// the state machine accepts any gap between results.
type IntervalPolicy struct {
    cfg   config.IntervalConfig
    slack time.Duration
}

// NewIntervalPolicy builds a policy. slack absorbs the drift between the
// poll tick and the probe timestamps, normally half a tick.
func NewIntervalPolicy(cfg config.IntervalConfig, slack time.Duration) *IntervalPolicy {
    if cfg.Flapping <= 0 {
        cfg.Flapping = 10 * time.Second
    }
    if cfg.Default <= 0 {
        cfg.Default = time.Minute
    }
    if cfg.Stable <= 0 {
        cfg.Stable = 5 * time.Minute
    }
    if cfg.StableAfter <= 0 {
        cfg.StableAfter = time.Hour
    }
    return &IntervalPolicy{cfg: cfg, slack: slack}
}

// Interval returns how long to wait between polls of the device.
func (p *IntervalPolicy) Interval(snap models.DeviceSnapshot, now time.Time) time.Duration {
    st := snap.State
    switch {
    case st.Flap.IsFlapping || st.Flap.Suppressed(now):
        return p.cfg.Flapping
    case st.Status == models.StatusUnknown:
        return p.cfg.Flapping
    case st.Status != models.StatusDown && st.ConsecutiveFailures > 0:
        // a failure awaiting confirmation
        return p.cfg.Flapping
    case st.Status == models.StatusUp && stableSince(st, now, p.cfg.StableAfter):
        return p.cfg.Stable
    default:
        return p.cfg.Default
    }
}

// Due reports whether the device should be polled at now.
func (p *IntervalPolicy) Due(snap models.DeviceSnapshot, now time.Time) bool {
    last := snap.State.LastPolledAt
    if last == nil {
        return true
    }
    return !now.Add(p.slack).Before(last.Add(p.Interval(snap, now)))
}

func stableSince(st models.DeviceState, now time.Time, after time.Duration) bool {
    if st.LastTransitionAt == nil {
        return true
    }
    return now.Sub(*st.LastTransitionAt) >= after
}
