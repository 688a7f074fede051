// internal/state/machine_test.go
package state

import (
    "math/rand"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "netwatch/internal/flapping"
    "netwatch/internal/models"
    "netwatch/internal/tsdb"
)

type captureRecorder struct {
    mu      sync.Mutex
    samples []tsdb.Sample
}

func (c *captureRecorder) Record(samples ...tsdb.Sample) {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.samples = append(c.samples, samples...)
}

func (c *captureRecorder) metric(name string) []tsdb.Sample {
    c.mu.Lock()
    defer c.mu.Unlock()
    var out []tsdb.Sample
    for _, s := range c.samples {
        if s.Metric == name {
            out = append(out, s)
        }
    }
    return out
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMachine(downAfter int, rec Recorder) *Machine {
    m := NewMachine(Config{DownAfter: downAfter}, flapping.NewDetector(flapping.Config{}), rec, nil)
    m.Sync([]models.Device{{ID: "x", Address: "10.0.0.1", Enabled: true, Probe: models.ProbeICMP}})
    return m
}

func icmp(reachable bool, at time.Time) models.PollResult {
    latency := 4 * time.Millisecond
    r := models.PollResult{DeviceID: "x", Timestamp: at, Kind: models.ProbeICMP, Reachable: reachable}
    if reachable {
        r.Latency = &latency
    } else {
        r.PacketLoss = 1
    }
    return r
}

func assertInvariant(t *testing.T, st models.DeviceState) {
    t.Helper()
    assert.Equal(t, st.Status == models.StatusDown, st.DownSince != nil,
        "status %s with down_since %v", st.Status, st.DownSince)
}

func TestWindowEvictsBySpanAndCapacity(t *testing.T) {
    w := NewWindow(3, time.Minute)
    for i := 0; i < 5; i++ {
        w.Add(models.TransitionEvent{DeviceID: "x", Timestamp: t0.Add(time.Duration(i) * 10 * time.Second)})
    }
    events := w.Events(t0.Add(40 * time.Second))
    require.Len(t, events, 3)
    assert.Equal(t, t0.Add(20*time.Second), events[0].Timestamp)

    assert.Len(t, w.Events(t0.Add(95*time.Second)), 1)
    assert.Empty(t, w.Events(t0.Add(10*time.Minute)))
    assert.Equal(t, 0, w.Len())
}

func TestConfirmationPolicyTwoFailures(t *testing.T) {
    rec := &captureRecorder{}
    m := newMachine(2, rec)

    u, err := m.Apply(icmp(true, t0))
    require.NoError(t, err)
    assert.True(t, u.Transitioned)
    assert.Equal(t, models.StatusUp, u.State.Status)

    u, err = m.Apply(icmp(false, t0.Add(10*time.Second)))
    require.NoError(t, err)
    assert.False(t, u.Transitioned)
    assert.Equal(t, models.StatusUp, u.State.Status)
    assert.Nil(t, u.State.DownSince)
    assert.Equal(t, 1, u.State.ConsecutiveFailures)

    u, err = m.Apply(icmp(false, t0.Add(20*time.Second)))
    require.NoError(t, err)
    require.True(t, u.Transitioned)
    assert.Equal(t, models.StatusUp, u.Transition.From)
    assert.Equal(t, models.StatusDown, u.Transition.To)
    assert.Equal(t, models.StatusDown, u.State.Status)
    require.NotNil(t, u.State.DownSince)
    assert.Equal(t, t0.Add(20*time.Second), *u.State.DownSince)
    assert.Equal(t, uint64(2), u.State.TransitionSeq)

    status := rec.metric(tsdb.MetricStatus)
    require.Len(t, status, 3)
    assert.Equal(t, 1.0, status[0].Value)
    assert.Equal(t, 0.0, status[2].Value)
}

func TestRecoveryNeedsOneSuccess(t *testing.T) {
    m := newMachine(3, nil)
    for i := 0; i < 3; i++ {
        _, err := m.Apply(icmp(false, t0.Add(time.Duration(i)*time.Second)))
        require.NoError(t, err)
    }
    snap, ok := m.Snapshot("x")
    require.True(t, ok)
    assert.Equal(t, models.StatusDown, snap.State.Status)

    u, err := m.Apply(icmp(true, t0.Add(5*time.Second)))
    require.NoError(t, err)
    assert.True(t, u.Transitioned)
    assert.Equal(t, models.StatusUp, u.State.Status)
    assert.Nil(t, u.State.DownSince)
    assert.Equal(t, 0, u.State.ConsecutiveFailures)
}

func TestStaleResultIsDiscarded(t *testing.T) {
    m := newMachine(1, nil)
    _, err := m.Apply(icmp(true, t0.Add(time.Minute)))
    require.NoError(t, err)

    u, err := m.Apply(icmp(false, t0))
    require.NoError(t, err)
    assert.True(t, u.Stale)
    assert.Equal(t, models.StatusUp, u.State.Status)
    assert.Equal(t, 0, u.State.ConsecutiveFailures)
}

func TestProbeErrorDoesNotChangeStatus(t *testing.T) {
    m := NewMachine(Config{DownAfter: 1}, nil, nil, nil)
    m.Sync([]models.Device{{ID: "x", Probe: models.ProbeSNMP, SNMP: &models.SNMPCredentials{Version: "2c"}}})

    _, err := m.Apply(models.PollResult{DeviceID: "x", Timestamp: t0, Kind: models.ProbeSNMP, Reachable: true})
    require.NoError(t, err)

    u, err := m.Apply(models.PollResult{DeviceID: "x", Timestamp: t0.Add(time.Minute), Kind: models.ProbeSNMP, ProbeError: "authentication failure"})
    require.NoError(t, err)
    assert.False(t, u.Transitioned)
    assert.Equal(t, models.StatusUp, u.State.Status)
    assert.Equal(t, "authentication failure", u.State.ProbeError)
    require.NotNil(t, u.State.ProbeErrorSince)
    assert.Equal(t, 0, u.State.ConsecutiveFailures)

    u, err = m.Apply(models.PollResult{DeviceID: "x", Timestamp: t0.Add(2 * time.Minute), Kind: models.ProbeSNMP, Reachable: true})
    require.NoError(t, err)
    assert.Empty(t, u.State.ProbeError)
    assert.Nil(t, u.State.ProbeErrorSince)
}

func TestSecondaryProbeDoesNotDriveStatus(t *testing.T) {
    m := newMachine(1, nil)
    _, err := m.Apply(icmp(true, t0))
    require.NoError(t, err)

    u, err := m.Apply(models.PollResult{
        DeviceID:   "x",
        Timestamp:  t0.Add(time.Second),
        Kind:       models.ProbeSNMP,
        Reachable:  false,
        Interfaces: []models.InterfaceSample{{Index: 1, OperUp: false}},
    })
    require.NoError(t, err)
    assert.Equal(t, models.StatusUp, u.State.Status)
    require.Len(t, u.State.Interfaces, 1)
}

func TestFiveTransitionsMarkFlapping(t *testing.T) {
    m := newMachine(1, nil)
    at := t0
    reachable := true
    var started int
    for i := 0; i < 6; i++ {
        u, err := m.Apply(icmp(reachable, at))
        require.NoError(t, err)
        require.True(t, u.Transitioned)
        if u.FlapStarted {
            started++
        }
        reachable = !reachable
        at = at.Add(30 * time.Second)
    }
    assert.Equal(t, 1, started)

    snap, _ := m.Snapshot("x")
    assert.True(t, snap.State.Flap.IsFlapping)
    assert.Equal(t, 5, snap.State.Flap.Transitions)
    assert.True(t, snap.State.Flap.Suppressed(at))

    // quiet for longer than the cooldown and the window
    snaps := m.Snapshots(at.Add(20 * time.Minute))
    require.Len(t, snaps, 1)
    assert.False(t, snaps[0].State.Flap.IsFlapping)
}

func TestUnknownDevice(t *testing.T) {
    m := newMachine(1, nil)
    _, err := m.Apply(models.PollResult{DeviceID: "missing", Timestamp: t0})
    assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestSyncAddsAndRemoves(t *testing.T) {
    m := newMachine(1, nil)
    _, err := m.Apply(icmp(true, t0))
    require.NoError(t, err)

    added, removed := m.Sync([]models.Device{
        {ID: "x", Name: "renamed", Probe: models.ProbeICMP},
        {ID: "y", Probe: models.ProbeICMP},
    })
    assert.Equal(t, []string{"y"}, added)
    assert.Empty(t, removed)

    snap, _ := m.Snapshot("x")
    assert.Equal(t, "renamed", snap.Device.Name)
    assert.Equal(t, models.StatusUp, snap.State.Status)

    _, removed = m.Sync([]models.Device{{ID: "y"}})
    assert.Equal(t, []string{"x"}, removed)
    assert.Equal(t, 1, m.Len())
}

func TestRestoreRepairsDownSince(t *testing.T) {
    m := newMachine(1, nil)
    m.Sync([]models.Device{{ID: "x"}, {ID: "y"}})
    n := m.Restore([]models.DeviceState{
        {DeviceID: "x", Status: models.StatusDown, LastTransitionAt: models.TimePtr(t0)},
        {DeviceID: "y", Status: models.StatusUp, DownSince: models.TimePtr(t0)},
        {DeviceID: "gone", Status: models.StatusUp},
    })
    assert.Equal(t, 2, n)

    for _, st := range m.States() {
        assertInvariant(t, st)
    }
    snap, _ := m.Snapshot("x")
    assert.Equal(t, t0, *snap.State.DownSince)
}

func TestDownSinceInvariantUnderConcurrency(t *testing.T) {
    m := NewMachine(Config{DownAfter: 2}, nil, &captureRecorder{}, nil)
    var devices []models.Device
    for _, id := range []string{"a", "b", "c", "d"} {
        devices = append(devices, models.Device{ID: id, Probe: models.ProbeICMP})
    }
    m.Sync(devices)

    var wg sync.WaitGroup
    for w := 0; w < 8; w++ {
        wg.Add(1)
        go func(seed int64) {
            defer wg.Done()
            rng := rand.New(rand.NewSource(seed))
            for i := 0; i < 500; i++ {
                d := devices[rng.Intn(len(devices))]
                res := models.PollResult{
                    DeviceID:  d.ID,
                    Timestamp: t0.Add(time.Duration(i) * time.Second),
                    Kind:      models.ProbeICMP,
                    Reachable: rng.Intn(3) > 0,
                }
                u, err := m.Apply(res)
                assert.NoError(t, err)
                assertInvariant(t, u.State)
            }
        }(int64(w))
    }

    stop := make(chan struct{})
    done := make(chan struct{})
    go func() {
        defer close(done)
        for {
            select {
            case <-stop:
                return
            default:
            }
            for _, snap := range m.Snapshots(t0.Add(time.Hour)) {
                assertInvariant(t, snap.State)
            }
        }
    }()

    wg.Wait()
    close(stop)
    <-done
}
