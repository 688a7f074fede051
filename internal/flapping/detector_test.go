// internal/flapping/detector_test.go
package flapping

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "netwatch/internal/models"
)

func oscillate(start time.Time, n int, gap time.Duration) []models.TransitionEvent {
    events := []models.TransitionEvent{{DeviceID: "d", Timestamp: start, From: models.StatusUnknown, To: models.StatusUp}}
    from, to := models.StatusUp, models.StatusDown
    for i := 1; i <= n; i++ {
        events = append(events, models.TransitionEvent{DeviceID: "d", Timestamp: start.Add(time.Duration(i) * gap), From: from, To: to})
        from, to = to, from
    }
    return events
}

func TestStableDeviceIsNotFlapping(t *testing.T) {
    d := NewDetector(Config{})
    now := time.Now()
    state := d.Evaluate(models.FlapState{}, oscillate(now.Add(-time.Minute), 2, 10*time.Second), now)
    assert.False(t, state.IsFlapping)
    assert.Equal(t, 2, state.Transitions)
    assert.False(t, state.Suppressed(now))
}

func TestUnknownExitIsNotCounted(t *testing.T) {
    d := NewDetector(Config{Threshold: 2})
    now := time.Now()
    events := oscillate(now.Add(-time.Minute), 1, 10*time.Second)
    assert.Equal(t, 1, d.Count(events, now))
    assert.False(t, d.Evaluate(models.FlapState{}, events, now).IsFlapping)
}

func TestThresholdStartsSuppression(t *testing.T) {
    d := NewDetector(Config{Window: 5 * time.Minute, Threshold: 3, Cooldown: 10 * time.Minute})
    start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
    events := oscillate(start, 3, 30*time.Second)
    now := start.Add(90 * time.Second)

    state := d.Evaluate(models.FlapState{}, events, now)
    require.True(t, state.IsFlapping)
    assert.Equal(t, now, *state.FlapStartedAt)
    assert.Equal(t, now.Add(10*time.Minute), *state.SuppressUntil)
    assert.True(t, state.Suppressed(now.Add(9*time.Minute)))
}

func TestTransitionsOutsideWindowAreIgnored(t *testing.T) {
    d := NewDetector(Config{Window: 5 * time.Minute, Threshold: 3})
    start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
    events := oscillate(start, 3, 3*time.Minute)
    assert.Equal(t, 2, d.Count(events, start.Add(9*time.Minute)))
}

func TestSuppressionIsHeldUntilExpiry(t *testing.T) {
    d := NewDetector(Config{Window: 5 * time.Minute, Threshold: 3, Cooldown: 10 * time.Minute})
    start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
    events := oscillate(start, 3, 30*time.Second)
    flapAt := start.Add(90 * time.Second)
    state := d.Evaluate(models.FlapState{}, events, flapAt)

    // Window has drained but the cooldown is still running
    later := flapAt.Add(8 * time.Minute)
    held := d.Evaluate(state, events, later)
    assert.True(t, held.IsFlapping)
    assert.Equal(t, *state.SuppressUntil, *held.SuppressUntil)
    assert.Equal(t, 0, held.Transitions)

    // Expired and quiet: cleared
    cleared := d.Evaluate(held, events, flapAt.Add(11*time.Minute))
    assert.False(t, cleared.IsFlapping)
    assert.Nil(t, cleared.SuppressUntil)
}

func TestStillUnstableAtExpiryRenewsSuppression(t *testing.T) {
    d := NewDetector(Config{Window: 5 * time.Minute, Threshold: 3, Cooldown: 10 * time.Minute})
    start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
    first := d.Evaluate(models.FlapState{}, oscillate(start, 3, 30*time.Second), start.Add(90*time.Second))

    expiry := first.SuppressUntil.Add(time.Second)
    recent := oscillate(expiry.Add(-2*time.Minute), 4, 20*time.Second)
    renewed := d.Evaluate(first, recent, expiry)

    require.True(t, renewed.IsFlapping)
    assert.Equal(t, *first.FlapStartedAt, *renewed.FlapStartedAt)
    assert.Equal(t, expiry.Add(10*time.Minute), *renewed.SuppressUntil)
}
