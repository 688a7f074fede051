// internal/flapping/detector.go
package flapping

import (
    "time"

    "netwatch/internal/models"
)

type Config struct {
    Window    time.Duration
    Threshold int
    Cooldown  time.Duration
}

// Detector classifies a device as flapping from its recent transitions.
// It holds no per-device state; callers pass the previous FlapState back in.
type Detector struct {
    cfg Config
}

func NewDetector(cfg Config) *Detector {
    if cfg.Window <= 0 {
        cfg.Window = 5 * time.Minute
    }
    if cfg.Threshold <= 0 {
        cfg.Threshold = 3
    }
    if cfg.Cooldown <= 0 {
        cfg.Cooldown = 10 * time.Minute
    }
    return &Detector{cfg: cfg}
}

func (d *Detector) Window() time.Duration {
    return d.cfg.Window
}

// Count returns the oscillations inside (now-window, now]. Leaving UNKNOWN
// is first contact, not instability, and is not counted.
func (d *Detector) Count(window []models.TransitionEvent, now time.Time) int {
    cutoff := now.Add(-d.cfg.Window)
    n := 0
    for _, ev := range window {
        if ev.From == models.StatusUnknown {
            continue
        }
        if ev.Timestamp.After(cutoff) && !ev.Timestamp.After(now) {
            n++
        }
    }
    return n
}

// Evaluate returns the flap state at now. An active suppression is kept
// until it expires; after that the state is derived from the current window
// only, so a still-unstable device starts a new cooldown and a settled one
// clears.
func (d *Detector) Evaluate(prev models.FlapState, window []models.TransitionEvent, now time.Time) models.FlapState {
    count := d.Count(window, now)

    if prev.Suppressed(now) {
        next := prev
        next.Transitions = count
        return next
    }

    if count < d.cfg.Threshold {
        return models.FlapState{Transitions: count}
    }

    started := now
    if prev.IsFlapping && prev.FlapStartedAt != nil {
        started = *prev.FlapStartedAt
    }
    until := now.Add(d.cfg.Cooldown)
    return models.FlapState{
        IsFlapping:    true,
        FlapStartedAt: &started,
        SuppressUntil: &until,
        Transitions:   count,
    }
}
