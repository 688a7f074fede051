// internal/poller/poller_test.go
package poller

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "netwatch/internal/config"
    "netwatch/internal/models"
)

type proberFunc func(ctx context.Context, device models.Device) (models.PollResult, error)

func (f proberFunc) Probe(ctx context.Context, device models.Device) (models.PollResult, error) {
    return f(ctx, device)
}

func devices(ids ...string) []models.Device {
    out := make([]models.Device, 0, len(ids))
    for _, id := range ids {
        out = append(out, models.Device{ID: id, Address: "192.0.2.1", Probe: models.ProbeICMP})
    }
    return out
}

func TestPollBatchIsolatesFailures(t *testing.T) {
    latency := 3 * time.Millisecond
    prober := proberFunc(func(ctx context.Context, d models.Device) (models.PollResult, error) {
        switch d.ID {
        case "timeout":
            <-ctx.Done()
            return models.PollResult{}, ctx.Err()
        case "autherr":
            return models.PollResult{}, errors.New("wrong digest")
        case "down":
            return models.PollResult{Reachable: false, PacketLoss: 1}, nil
        case "panic":
            panic("broken prober")
        }
        return models.PollResult{Reachable: true, Latency: &latency}, nil
    })

    p := New(map[models.ProbeKind]Prober{models.ProbeICMP: prober}, Options{ProbeTimeout: 50 * time.Millisecond, Concurrency: 4}, nil)
    results := p.PollBatch(context.Background(), devices("ok", "timeout", "autherr", "down", "panic"), models.ProbeICMP)
    require.Len(t, results, 5)

    byID := make(map[string]models.PollResult)
    for _, r := range results {
        byID[r.DeviceID] = r
        assert.Equal(t, models.ProbeICMP, r.Kind)
        assert.False(t, r.Timestamp.IsZero())
    }

    assert.True(t, byID["ok"].Reachable)
    assert.False(t, byID["timeout"].Reachable)
    assert.False(t, byID["timeout"].IsProbeError())
    assert.True(t, byID["autherr"].IsProbeError())
    assert.False(t, byID["autherr"].Reachable)
    assert.False(t, byID["down"].Reachable)
    assert.False(t, byID["down"].IsProbeError())
    assert.Contains(t, byID["panic"].ProbeError, "panic")
}

func TestPollBatchBoundsConcurrency(t *testing.T) {
    var inFlight, peak atomic.Int32
    prober := proberFunc(func(ctx context.Context, d models.Device) (models.PollResult, error) {
        n := inFlight.Add(1)
        for {
            old := peak.Load()
            if n <= old || peak.CompareAndSwap(old, n) {
                break
            }
        }
        time.Sleep(5 * time.Millisecond)
        inFlight.Add(-1)
        return models.PollResult{Reachable: true}, nil
    })

    ids := make([]string, 40)
    for i := range ids {
        ids[i] = string(rune('a'+i%26)) + string(rune('a'+i/26))
    }
    p := New(map[models.ProbeKind]Prober{models.ProbeICMP: prober}, Options{Concurrency: 3}, nil)
    results := p.PollBatch(context.Background(), devices(ids...), models.ProbeICMP)
    assert.Len(t, results, 40)
    assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestCancelledBatchDropsResults(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    var once sync.Once
    prober := proberFunc(func(pctx context.Context, d models.Device) (models.PollResult, error) {
        once.Do(cancel)
        <-pctx.Done()
        return models.PollResult{}, pctx.Err()
    })

    p := New(map[models.ProbeKind]Prober{models.ProbeICMP: prober}, Options{ProbeTimeout: time.Second, Concurrency: 2}, nil)
    results := p.PollBatch(ctx, devices("a", "b", "c"), models.ProbeICMP)
    assert.Empty(t, results)
}

func TestExpiredBatchReportsUnreachable(t *testing.T) {
    prober := proberFunc(func(pctx context.Context, d models.Device) (models.PollResult, error) {
        <-pctx.Done()
        return models.PollResult{}, pctx.Err()
    })

    ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
    defer cancel()
    p := New(map[models.ProbeKind]Prober{models.ProbeICMP: prober}, Options{ProbeTimeout: time.Second, Concurrency: 1}, nil)
    results := p.PollBatch(ctx, devices("a", "b"), models.ProbeICMP)

    require.Len(t, results, 2)
    for _, r := range results {
        assert.False(t, r.Reachable)
        assert.False(t, r.IsProbeError())
        assert.Equal(t, 1.0, r.PacketLoss)
    }
}

func TestMaxInFlightSpansBatches(t *testing.T) {
    var inFlight, peak atomic.Int32
    prober := proberFunc(func(ctx context.Context, d models.Device) (models.PollResult, error) {
        n := inFlight.Add(1)
        for {
            old := peak.Load()
            if n <= old || peak.CompareAndSwap(old, n) {
                break
            }
        }
        time.Sleep(5 * time.Millisecond)
        inFlight.Add(-1)
        return models.PollResult{Reachable: true}, nil
    })

    p := New(map[models.ProbeKind]Prober{models.ProbeICMP: prober}, Options{Concurrency: 4, MaxInFlight: 5}, nil)

    var wg sync.WaitGroup
    counts := make([]int, 4)
    for b := range counts {
        wg.Add(1)
        go func() {
            defer wg.Done()
            ids := make([]string, 10)
            for i := range ids {
                ids[i] = string(rune('a'+b)) + string(rune('a'+i))
            }
            counts[b] = len(p.PollBatch(context.Background(), devices(ids...), models.ProbeICMP))
        }()
    }
    wg.Wait()

    assert.Equal(t, []int{10, 10, 10, 10}, counts)
    assert.LessOrEqual(t, peak.Load(), int32(5))
}

func TestMissingProberIsProbeError(t *testing.T) {
    p := New(nil, Options{}, nil)
    res, ok := p.Poll(context.Background(), devices("a")[0], models.ProbeSNMP)
    require.True(t, ok)
    assert.True(t, res.IsProbeError())
}

func TestIntervalPolicy(t *testing.T) {
    now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
    policy := NewIntervalPolicy(config.IntervalConfig{
        Flapping:    10 * time.Second,
        Default:     time.Minute,
        Stable:      5 * time.Minute,
        StableAfter: time.Hour,
    }, 5*time.Second)

    snap := func(st models.DeviceState) models.DeviceSnapshot {
        return models.DeviceSnapshot{Device: models.Device{ID: "x"}, State: st}
    }
    recent := models.TimePtr(now.Add(-10 * time.Minute))
    old := models.TimePtr(now.Add(-2 * time.Hour))

    tests := []struct {
        name  string
        state models.DeviceState
        want  time.Duration
    }{
        {"unknown", models.DeviceState{Status: models.StatusUnknown}, 10 * time.Second},
        {"flapping", models.DeviceState{Status: models.StatusUp, Flap: models.FlapState{IsFlapping: true}}, 10 * time.Second},
        {"pending confirmation", models.DeviceState{Status: models.StatusUp, ConsecutiveFailures: 1, LastTransitionAt: old}, 10 * time.Second},
        {"recent transition", models.DeviceState{Status: models.StatusUp, LastTransitionAt: recent}, time.Minute},
        {"stable", models.DeviceState{Status: models.StatusUp, LastTransitionAt: old}, 5 * time.Minute},
        {"down stays at default", models.DeviceState{Status: models.StatusDown, DownSince: old, LastTransitionAt: old}, time.Minute},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            assert.Equal(t, tt.want, policy.Interval(snap(tt.state), now))
        })
    }

    st := models.DeviceState{Status: models.StatusUp, LastTransitionAt: recent, LastPolledAt: models.TimePtr(now.Add(-57 * time.Second))}
    assert.True(t, policy.Due(snap(st), now))
    st.LastPolledAt = models.TimePtr(now.Add(-30 * time.Second))
    assert.False(t, policy.Due(snap(st), now))
    assert.True(t, policy.Due(snap(models.DeviceState{}), now))
}
