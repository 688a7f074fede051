// internal/alerting/engine_test.go
package alerting

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "netwatch/internal/config"
    "netwatch/internal/flapping"
    "netwatch/internal/models"
    "netwatch/internal/state"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const testSettle = 90 * time.Second

type capturePublisher struct {
    mu     sync.Mutex
    events []models.Event
}

func (p *capturePublisher) Publish(event models.Event) {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.events = append(p.events, event)
}

func (p *capturePublisher) count(typ models.EventType, class string) int {
    p.mu.Lock()
    defer p.mu.Unlock()
    n := 0
    for _, ev := range p.events {
        if ev.Type == typ && ev.Alert != nil && (class == "" || ev.Alert.Alert.Class == class) {
            n++
        }
    }
    return n
}

type memoryStore struct {
    mu     sync.Mutex
    alerts map[string]models.Alert
}

func (s *memoryStore) SaveAlert(ctx context.Context, alert *models.Alert) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.alerts == nil {
        s.alerts = make(map[string]models.Alert)
    }
    s.alerts[alert.ID] = alert.Clone()
    return nil
}

func (s *memoryStore) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    var out []models.Alert
    for _, a := range s.alerts {
        if filter.Match(&a) {
            out = append(out, a.Clone())
        }
    }
    return out, nil
}

type fixture struct {
    machine *state.Machine
    engine  *Engine
    pub     *capturePublisher
    store   *memoryStore
    at      time.Time
}

func newFixture(t *testing.T, downAfter int, policy string, rules ...models.AlertRule) *fixture {
    t.Helper()
    m := state.NewMachine(state.Config{DownAfter: downAfter}, flapping.NewDetector(flapping.Config{}), nil, nil)
    m.Sync([]models.Device{{ID: "r1", Name: "core-router", Address: "10.0.0.1", Enabled: true, Probe: models.ProbeICMP}})

    f := &fixture{machine: m, pub: &capturePublisher{}, store: &memoryStore{}, at: t0}
    f.engine = NewEngine(Config{FlapPolicy: policy, Settle: testSettle}, m, nil, f.store, f.pub, nil)
    f.engine.SetRules(rules)
    return f
}

// poll applies one ICMP result and evaluates the device, as the
// transition hook does.
func (f *fixture) poll(t *testing.T, reachable bool, latency time.Duration) Summary {
    t.Helper()
    r := models.PollResult{DeviceID: "r1", Timestamp: f.at, Kind: models.ProbeICMP, Reachable: reachable}
    if reachable {
        r.Latency = &latency
    } else {
        r.PacketLoss = 1
    }
    _, err := f.machine.Apply(r)
    require.NoError(t, err)

    summary, err := f.engine.EvaluateDevice(context.Background(), "r1", f.at)
    require.NoError(t, err)
    f.at = f.at.Add(30 * time.Second)
    return summary
}

// settle lets the last transition age past the settle period and runs a
// periodic pass.
func (f *fixture) settle(t *testing.T) Summary {
    t.Helper()
    f.at = f.at.Add(testSettle)
    summary, err := f.engine.Evaluate(context.Background(), f.at)
    require.NoError(t, err)
    return summary
}

func latencyRule(id string, threshold float64, severity models.Severity) models.AlertRule {
    return models.AlertRule{
        ID:        id,
        Name:      id,
        Class:     "high_latency",
        Metric:    models.MetricLatency,
        Operator:  models.OpGreater,
        Threshold: threshold,
        Severity:  severity,
        Enabled:   true,
    }
}

func TestDeviceDownAfterTwoFailures(t *testing.T) {
    f := newFixture(t, 2, config.FlapPolicySingleAlert)

    f.poll(t, true, 3*time.Millisecond)
    f.poll(t, false, 0)
    assert.Empty(t, f.engine.Active())

    // the confirming poll is a fresh transition, held until it settles
    summary := f.poll(t, false, 0)
    assert.Zero(t, summary.Created)
    assert.Equal(t, 1, summary.Withheld)
    assert.Empty(t, f.engine.Active())

    summary = f.settle(t)
    assert.Equal(t, 1, summary.Created)

    active := f.engine.Active()
    require.Len(t, active, 1)
    assert.Equal(t, models.ClassDeviceDown, active[0].Class)
    assert.Equal(t, models.SeverityCritical, active[0].Severity)
    assert.Nil(t, active[0].RuleID)
    assert.Contains(t, active[0].Message, "core-router")

    // repeated evaluation does not duplicate
    _, err := f.engine.Evaluate(context.Background(), f.at)
    require.NoError(t, err)
    f.poll(t, false, 0)
    assert.Len(t, f.engine.Active(), 1)
    assert.Equal(t, 1, f.pub.count(models.EventAlertCreated, models.ClassDeviceDown))
}

func TestAutoResolveOnRecovery(t *testing.T) {
    f := newFixture(t, 1, config.FlapPolicySingleAlert)

    f.poll(t, true, 3*time.Millisecond)
    f.poll(t, false, 0)
    f.settle(t)
    require.Len(t, f.engine.Active(), 1)

    summary := f.poll(t, true, 3*time.Millisecond)
    assert.Equal(t, 1, summary.Resolved)
    assert.Empty(t, f.engine.Active())
    assert.Equal(t, 1, f.pub.count(models.EventAlertResolved, models.ClassDeviceDown))

    stored, err := f.engine.List(context.Background(), models.AlertFilter{})
    require.NoError(t, err)
    require.Len(t, stored, 1)
    require.NotNil(t, stored[0].ResolvedAt)
    assert.Equal(t, ResolvedAuto, stored[0].ResolvedBy)
}

func TestEscalationKeepsSingleAlert(t *testing.T) {
    f := newFixture(t, 1, config.FlapPolicySingleAlert,
        latencyRule("latency-low", 50, models.SeverityInfo),
        latencyRule("latency-medium", 100, models.SeverityMedium),
        latencyRule("latency-high", 200, models.SeverityHigh),
    )

    f.poll(t, true, 150*time.Millisecond)
    active := f.engine.Active()
    require.Len(t, active, 1)
    assert.Equal(t, models.SeverityMedium, active[0].Severity)
    id := active[0].ID

    f.poll(t, true, 250*time.Millisecond)
    active = f.engine.Active()
    require.Len(t, active, 1)
    assert.Equal(t, id, active[0].ID)
    assert.Equal(t, models.SeverityHigh, active[0].Severity)
    assert.NotNil(t, active[0].EscalatedAt)
    require.NotNil(t, active[0].RuleID)
    assert.Equal(t, "latency-high", *active[0].RuleID)

    // never downgraded while the condition holds
    f.poll(t, true, 120*time.Millisecond)
    active = f.engine.Active()
    require.Len(t, active, 1)
    assert.Equal(t, models.SeverityHigh, active[0].Severity)

    f.poll(t, true, 10*time.Millisecond)
    assert.Empty(t, f.engine.Active())
    assert.Equal(t, 1, f.pub.count(models.EventAlertCreated, "high_latency"))
    assert.Equal(t, 1, f.pub.count(models.EventAlertEscalated, "high_latency"))
}

func TestAllThreeRulesMatchingYieldsHighest(t *testing.T) {
    f := newFixture(t, 1, config.FlapPolicySingleAlert,
        latencyRule("latency-low", 50, models.SeverityInfo),
        latencyRule("latency-medium", 100, models.SeverityMedium),
        latencyRule("latency-high", 200, models.SeverityHigh),
    )

    f.poll(t, true, 500*time.Millisecond)
    active := f.engine.Active()
    require.Len(t, active, 1)
    assert.Equal(t, models.SeverityHigh, active[0].Severity)
}

func TestFlappingRaisesSingleAlert(t *testing.T) {
    f := newFixture(t, 1, config.FlapPolicySingleAlert)

    reachable := true
    for i := 0; i < 6; i++ {
        f.poll(t, reachable, 3*time.Millisecond)
        reachable = !reachable
    }

    assert.Equal(t, 1, f.pub.count(models.EventAlertCreated, models.ClassDeviceFlapping))
    // the first outage is held until it settles, and it never does
    assert.Zero(t, f.pub.count(models.EventAlertCreated, models.ClassDeviceDown))

    var flap *models.Alert
    for _, a := range f.engine.Active() {
        if a.Class == models.ClassDeviceFlapping {
            a := a
            flap = &a
        }
    }
    require.NotNil(t, flap)
    assert.Equal(t, models.SeverityHigh, flap.Severity)
    assert.NotNil(t, flap.SuppressedUntil)

    // once the device settles the flap alert clears
    later := f.at.Add(30 * time.Minute)
    _, err := f.engine.Evaluate(context.Background(), later)
    require.NoError(t, err)
    assert.Equal(t, 1, f.pub.count(models.EventAlertResolved, models.ClassDeviceFlapping))
}

func TestSuppressPolicyWithholdsWithoutFlapAlert(t *testing.T) {
    f := newFixture(t, 1, config.FlapPolicySuppress)

    reachable := true
    var withheld int
    for i := 0; i < 6; i++ {
        withheld += f.poll(t, reachable, 3*time.Millisecond).Withheld
        reachable = !reachable
    }

    assert.Zero(t, f.pub.count(models.EventAlertCreated, models.ClassDeviceFlapping))
    assert.Zero(t, f.pub.count(models.EventAlertCreated, models.ClassDeviceDown))
    assert.Positive(t, withheld)
}

func TestFiveTransitionsCreateOneAlert(t *testing.T) {
    f := newFixture(t, 1, config.FlapPolicySingleAlert)

    // UNKNOWN to UP, then five transitions inside the window
    reachable := true
    for i := 0; i < 6; i++ {
        f.poll(t, reachable, 3*time.Millisecond)
        _, err := f.engine.Evaluate(context.Background(), f.at)
        require.NoError(t, err)
        reachable = !reachable
    }
    snap, ok := f.machine.Snapshot("r1")
    require.True(t, ok)
    assert.Equal(t, 5, snap.State.Flap.Transitions)

    // the device stays down past the settle period, still inside the cooldown
    f.settle(t)

    assert.Equal(t, 1, f.pub.count(models.EventAlertCreated, ""))
    assert.Equal(t, 1, f.pub.count(models.EventAlertCreated, models.ClassDeviceFlapping))
}

func TestSettledOutageAfterQuietPeriodAlerts(t *testing.T) {
    f := newFixture(t, 1, config.FlapPolicySingleAlert)

    f.poll(t, true, 3*time.Millisecond)
    f.poll(t, false, 0)
    f.poll(t, true, 3*time.Millisecond)
    assert.Empty(t, f.engine.Active())

    // the bounce never settled; once the window drains the next outage
    // alerts after it holds
    f.at = f.at.Add(6 * time.Minute)
    f.poll(t, false, 0)
    assert.Empty(t, f.engine.Active())
    summary := f.settle(t)
    assert.Equal(t, 1, summary.Created)
    active := f.engine.Active()
    require.Len(t, active, 1)
    assert.Equal(t, models.ClassDeviceDown, active[0].Class)
}

func TestManualResolveHoldsUntilNextTransition(t *testing.T) {
    f := newFixture(t, 1, config.FlapPolicySingleAlert)

    f.poll(t, true, 3*time.Millisecond)
    f.poll(t, false, 0)
    f.settle(t)
    active := f.engine.Active()
    require.Len(t, active, 1)

    resolved, err := f.engine.Resolve(context.Background(), active[0].ID, "operator")
    require.NoError(t, err)
    assert.Equal(t, "operator", resolved.ResolvedBy)

    // still down, same transition: not reopened
    f.poll(t, false, 0)
    assert.Empty(t, f.engine.Active())

    _, err = f.engine.Resolve(context.Background(), active[0].ID, "operator")
    assert.ErrorIs(t, err, ErrAlertNotFound)

    // recovery then a new outage opens a fresh alert
    f.at = f.at.Add(10 * time.Minute)
    f.poll(t, true, 3*time.Millisecond)
    f.poll(t, false, 0)
    f.settle(t)
    active2 := f.engine.Active()
    require.Len(t, active2, 1)
    assert.Equal(t, models.ClassDeviceDown, active2[0].Class)
    assert.NotEqual(t, active[0].ID, active2[0].ID)
}

func TestForDurationDelaysAlert(t *testing.T) {
    rule := latencyRule("latency-sustained", 100, models.SeverityMedium)
    rule.For = time.Minute
    f := newFixture(t, 1, config.FlapPolicySingleAlert, rule)

    f.poll(t, true, 150*time.Millisecond)
    f.poll(t, true, 150*time.Millisecond)
    assert.Empty(t, f.engine.Active())

    f.poll(t, true, 150*time.Millisecond)
    assert.Len(t, f.engine.Active(), 1)
}

func TestRemovedAndDisabledDevicesResolve(t *testing.T) {
    f := newFixture(t, 1, config.FlapPolicySingleAlert)
    f.poll(t, true, 3*time.Millisecond)
    f.poll(t, false, 0)
    f.settle(t)
    require.Len(t, f.engine.Active(), 1)

    f.machine.Sync([]models.Device{{ID: "r1", Address: "10.0.0.1", Enabled: false, Probe: models.ProbeICMP}})
    _, err := f.engine.Evaluate(context.Background(), f.at)
    require.NoError(t, err)
    assert.Empty(t, f.engine.Active())

    stored, err := f.engine.List(context.Background(), models.AlertFilter{DeviceID: "r1"})
    require.NoError(t, err)
    require.Len(t, stored, 1)
    assert.Equal(t, ResolvedDisabled, stored[0].ResolvedBy)
}

func TestRestoreKeepsOnePerClass(t *testing.T) {
    f := newFixture(t, 1, config.FlapPolicySingleAlert)
    alerts := []models.Alert{
        {ID: "a", DeviceID: "r1", Class: models.ClassDeviceDown, Severity: models.SeverityHigh, TriggeredAt: t0},
        {ID: "b", DeviceID: "r1", Class: models.ClassDeviceDown, Severity: models.SeverityCritical, TriggeredAt: t0},
        {ID: "c", DeviceID: "r1", Class: "high_latency", Severity: models.SeverityInfo, TriggeredAt: t0, ResolvedAt: models.TimePtr(t0)},
    }

    assert.Equal(t, 1, f.engine.Restore(context.Background(), alerts))
    active := f.engine.Active()
    require.Len(t, active, 1)
    assert.Equal(t, "b", active[0].ID)

    stored, err := f.store.ListAlerts(context.Background(), models.AlertFilter{})
    require.NoError(t, err)
    require.Len(t, stored, 1)
    assert.Equal(t, "a", stored[0].ID)
    assert.False(t, stored[0].Active())
}

func TestMessageTemplate(t *testing.T) {
    rule := latencyRule("latency-template", 100, models.SeverityMedium)
    rule.Message = "{{.Device}} latency {{printf \"%.0f\" .Value}}ms over {{.Threshold}}"
    f := newFixture(t, 1, config.FlapPolicySingleAlert, rule)

    f.poll(t, true, 150*time.Millisecond)
    active := f.engine.Active()
    require.Len(t, active, 1)
    assert.Equal(t, "core-router latency 150ms over 100", active[0].Message)
}
