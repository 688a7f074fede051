// internal/models/alert.go
package models

import (
    "fmt"
    "strings"
    "time"

    "gopkg.in/yaml.v3"
)

type Severity int

const (
    SeverityInfo Severity = iota + 1
    SeverityMedium
    SeverityHigh
    SeverityCritical
)

var severityNames = map[Severity]string{
    SeverityInfo:     "INFO",
    SeverityMedium:   "MEDIUM",
    SeverityHigh:     "HIGH",
    SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
    if name, ok := severityNames[s]; ok {
        return name
    }
    return fmt.Sprintf("Severity(%d)", int(s))
}

func (s Severity) Valid() bool {
    _, ok := severityNames[s]
    return ok
}

// ParseSeverity accepts the severity name in any case.
func ParseSeverity(value string) (Severity, error) {
    upper := strings.ToUpper(strings.TrimSpace(value))
    for sev, name := range severityNames {
        if name == upper {
            return sev, nil
        }
    }
    return 0, fmt.Errorf("unknown severity %q", value)
}

func (s Severity) MarshalText() ([]byte, error) {
    if !s.Valid() {
        return nil, fmt.Errorf("invalid severity %d", int(s))
    }
    return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
    sev, err := ParseSeverity(string(text))
    if err != nil {
        return err
    }
    *s = sev
    return nil
}

// Operator compares an observed value against a rule threshold.
type Operator string

const (
    OpGreater      Operator = ">"
    OpGreaterEqual Operator = ">="
    OpLess         Operator = "<"
    OpLessEqual    Operator = "<="
    OpEqual        Operator = "=="
    OpNotEqual     Operator = "!="
)

func (o Operator) Valid() bool {
    switch o {
    case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
        return true
    }
    return false
}

func (o Operator) Compare(value, threshold float64) bool {
    switch o {
    case OpGreater:
        return value > threshold
    case OpGreaterEqual:
        return value >= threshold
    case OpLess:
        return value < threshold
    case OpLessEqual:
        return value <= threshold
    case OpEqual:
        return value == threshold
    case OpNotEqual:
        return value != threshold
    }
    return false
}

// Built-in alert classes.
const (
    ClassDeviceDown     = "device_down"
    ClassDeviceFlapping = "device_flapping"
)

// Rule metrics.
const (
    MetricStatus            = "status"
    MetricUnreachableChecks = "unreachable_checks"
    MetricLatency           = "latency_ms"
    MetricPacketLoss        = "packet_loss"
    MetricInterfaceDown     = "interface_down"
    MetricProbeError        = "probe_error"
    MetricSNMPPrefix        = "snmp."
)

// Rule aggregates.
const (
    AggregateLast = "last"
    AggregateAvg  = "avg"
    AggregateMin  = "min"
    AggregateMax  = "max"
)

// KnownMetric reports whether a rule may reference metric.
func KnownMetric(metric string) bool {
    switch metric {
    case MetricStatus, MetricUnreachableChecks, MetricLatency, MetricPacketLoss,
        MetricInterfaceDown, MetricProbeError:
        return true
    }
    return strings.HasPrefix(metric, MetricSNMPPrefix) && len(metric) > len(MetricSNMPPrefix)
}

// RecordedMetric reports whether metric has history in the metrics store,
// which windowed aggregates require.
func RecordedMetric(metric string) bool {
    switch metric {
    case MetricStatus, MetricLatency, MetricPacketLoss:
        return true
    }
    return false
}

// AlertRule is read-only configuration. Rules sharing a Class describe the
// same condition at different confidence levels.
type AlertRule struct {
    ID            string        `json:"id" yaml:"id"`
    Name          string        `json:"name" yaml:"name"`
    Class         string        `json:"class" yaml:"class"`
    Metric        string        `json:"metric" yaml:"metric"`
    Operator      Operator      `json:"operator" yaml:"operator"`
    Threshold     float64       `json:"threshold" yaml:"threshold"`
    For           time.Duration `json:"for,omitempty" yaml:"for"`
    Aggregate     string        `json:"aggregate,omitempty" yaml:"aggregate"`
    Window        time.Duration `json:"window,omitempty" yaml:"window"`
    Severity      Severity      `json:"severity" yaml:"severity"`
    Enabled       bool          `json:"enabled" yaml:"enabled"`
    Devices       []string      `json:"devices,omitempty" yaml:"devices"`
    Groups        []string      `json:"groups,omitempty" yaml:"groups"`
    InterfaceRole string        `json:"interface_role,omitempty" yaml:"interface_role"`
    Message       string        `json:"message,omitempty" yaml:"message"`
}

// UnmarshalYAML enables rules that omit the enabled key.
func (r *AlertRule) UnmarshalYAML(value *yaml.Node) error {
    type plain AlertRule
    p := plain{Enabled: true}
    if err := value.Decode(&p); err != nil {
        return err
    }
    *r = AlertRule(p)
    return nil
}

// EffectiveClass falls back to the rule id when no class is configured.
func (r *AlertRule) EffectiveClass() string {
    if r.Class != "" {
        return r.Class
    }
    return r.ID
}

// Matches reports whether the rule is scoped to the device.
func (r *AlertRule) Matches(device *Device) bool {
    if len(r.Devices) == 0 && len(r.Groups) == 0 {
        return true
    }
    for _, id := range r.Devices {
        if id == device.ID {
            return true
        }
    }
    for _, group := range r.Groups {
        if group == device.Group {
            return true
        }
    }
    return false
}

type Alert struct {
    ID              string     `json:"id"`
    DeviceID        string     `json:"device_id"`
    RuleID          *string    `json:"rule_id,omitempty"`
    Class           string     `json:"class"`
    Severity        Severity   `json:"severity"`
    Message         string     `json:"message"`
    Value           float64    `json:"value"`
    TriggeredAt     time.Time  `json:"triggered_at"`
    EscalatedAt     *time.Time `json:"escalated_at,omitempty"`
    ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
    ResolvedBy      string     `json:"resolved_by,omitempty"`
    SuppressedUntil *time.Time `json:"suppressed_until,omitempty"`
}

func (a *Alert) Active() bool {
    return a.ResolvedAt == nil
}

// Clone returns a deep copy.
func (a Alert) Clone() Alert {
    out := a
    if a.RuleID != nil {
        id := *a.RuleID
        out.RuleID = &id
    }
    out.EscalatedAt = cloneTime(a.EscalatedAt)
    out.ResolvedAt = cloneTime(a.ResolvedAt)
    out.SuppressedUntil = cloneTime(a.SuppressedUntil)
    return out
}

type AlertFilter struct {
    DeviceID   string
    Class      string
    ActiveOnly bool
    Since      *time.Time
    Limit      int
}

func (f AlertFilter) Match(a *Alert) bool {
    if f.DeviceID != "" && a.DeviceID != f.DeviceID {
        return false
    }
    if f.Class != "" && a.Class != f.Class {
        return false
    }
    if f.ActiveOnly && !a.Active() {
        return false
    }
    if f.Since != nil && a.TriggeredAt.Before(*f.Since) {
        return false
    }
    return true
}
