// internal/models/models_test.go
package models

import (
    "encoding/json"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "gopkg.in/yaml.v3"
)

func TestSeverityOrderingAndText(t *testing.T) {
    assert.True(t, SeverityInfo < SeverityMedium)
    assert.True(t, SeverityHigh < SeverityCritical)

    sev, err := ParseSeverity("critical")
    require.NoError(t, err)
    assert.Equal(t, SeverityCritical, sev)

    _, err = ParseSeverity("urgent")
    assert.Error(t, err)

    data, err := json.Marshal(SeverityHigh)
    require.NoError(t, err)
    assert.Equal(t, `"HIGH"`, string(data))
}

func TestOperatorCompare(t *testing.T) {
    assert.True(t, OpGreater.Compare(2, 1))
    assert.False(t, OpGreater.Compare(1, 1))
    assert.True(t, OpGreaterEqual.Compare(1, 1))
    assert.True(t, OpLess.Compare(0, 1))
    assert.True(t, OpNotEqual.Compare(0, 1))
    assert.False(t, Operator("~").Valid())
}

func TestAlertRuleYAMLDefaultsEnabled(t *testing.T) {
    var rules []AlertRule
    doc := `
- id: down-confirmed
  metric: unreachable_checks
  operator: ">="
  threshold: 5
  severity: critical
  for: 30s
- id: latency
  metric: latency_ms
  operator: ">"
  threshold: 200
  severity: medium
  enabled: false
`
    require.NoError(t, yaml.Unmarshal([]byte(doc), &rules))
    require.Len(t, rules, 2)
    assert.True(t, rules[0].Enabled)
    assert.Equal(t, SeverityCritical, rules[0].Severity)
    assert.Equal(t, 30*time.Second, rules[0].For)
    assert.False(t, rules[1].Enabled)
    assert.Equal(t, "latency", rules[1].EffectiveClass())
}

func TestAlertRuleScope(t *testing.T) {
    dev := &Device{ID: "atm-1", Group: "atm"}
    assert.True(t, (&AlertRule{}).Matches(dev))
    assert.True(t, (&AlertRule{Groups: []string{"atm"}}).Matches(dev))
    assert.False(t, (&AlertRule{Devices: []string{"rtr-1"}}).Matches(dev))
}

func TestFlapStateSuppressed(t *testing.T) {
    now := time.Now()
    f := FlapState{SuppressUntil: TimePtr(now.Add(time.Minute))}
    assert.True(t, f.Suppressed(now))
    assert.False(t, f.Suppressed(now.Add(2*time.Minute)))
    assert.False(t, FlapState{}.Suppressed(now))
}

func TestDeviceStateCloneIsDeep(t *testing.T) {
    now := time.Now()
    s := DeviceState{Status: StatusDown, DownSince: &now, Values: map[string]float64{"a": 1}}
    c := s.Clone()
    *c.DownSince = now.Add(time.Hour)
    c.Values["a"] = 2
    assert.Equal(t, now, *s.DownSince)
    assert.Equal(t, 1.0, s.Values["a"])
}

func TestKnownMetric(t *testing.T) {
    assert.True(t, KnownMetric(MetricInterfaceDown))
    assert.True(t, KnownMetric("snmp.sys_uptime"))
    assert.False(t, KnownMetric("snmp."))
    assert.False(t, KnownMetric("cpu"))
}

func TestPollResultIsProbeErrorOnValues(t *testing.T) {
    results := map[string]PollResult{
        "down":    {DeviceID: "down", Reachable: false},
        "autherr": {DeviceID: "autherr", ProbeError: "authentication failure"},
    }
    assert.False(t, results["down"].IsProbeError())
    assert.True(t, results["autherr"].IsProbeError())
}
