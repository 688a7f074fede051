// internal/notifications/throttle.go
package notifications

import (
    "sync"
    "time"

    "netwatch/internal/config"
)

// NotificationThrottler implements rate limiting for notifications
type NotificationThrottler struct {
    config       *config.ThrottleConfig
    deviceCounts map[string][]time.Time
    totalCounts  []time.Time
    mu           sync.Mutex
}

func NewNotificationThrottler(cfg *config.ThrottleConfig) *NotificationThrottler {
    return &NotificationThrottler{
        config:       cfg,
        deviceCounts: make(map[string][]time.Time),
    }
}

// IsThrottled reports whether the per-device or global budget for the
// window ending at now is used up.
func (nt *NotificationThrottler) IsThrottled(deviceID string, now time.Time) bool {
    if !nt.config.Enabled {
        return false
    }
    nt.mu.Lock()
    defer nt.mu.Unlock()

    windowStart := now.Add(-nt.config.Window)
    if nt.config.MaxPerDevice > 0 && countAfter(nt.deviceCounts[deviceID], windowStart) >= nt.config.MaxPerDevice {
        return true
    }
    return nt.config.MaxTotal > 0 && countAfter(nt.totalCounts, windowStart) >= nt.config.MaxTotal
}

func (nt *NotificationThrottler) RecordNotification(deviceID string, now time.Time) {
    if !nt.config.Enabled {
        return
    }
    nt.mu.Lock()
    defer nt.mu.Unlock()

    nt.deviceCounts[deviceID] = append(nt.deviceCounts[deviceID], now)
    nt.totalCounts = append(nt.totalCounts, now)
    nt.cleanup(now)
}

// Devices returns how many devices have notifications inside the window.
func (nt *NotificationThrottler) Devices() int {
    nt.mu.Lock()
    defer nt.mu.Unlock()
    return len(nt.deviceCounts)
}

func (nt *NotificationThrottler) cleanup(now time.Time) {
    windowStart := now.Add(-nt.config.Window)
    for id, times := range nt.deviceCounts {
        kept := keepAfter(times, windowStart)
        if len(kept) == 0 {
            delete(nt.deviceCounts, id)
        } else {
            nt.deviceCounts[id] = kept
        }
    }
    nt.totalCounts = keepAfter(nt.totalCounts, windowStart)
}

func countAfter(times []time.Time, start time.Time) int {
    n := 0
    for _, t := range times {
        if t.After(start) {
            n++
        }
    }
    return n
}

func keepAfter(times []time.Time, start time.Time) []time.Time {
    var kept []time.Time
    for _, t := range times {
        if t.After(start) {
            kept = append(kept, t)
        }
    }
    return kept
}
