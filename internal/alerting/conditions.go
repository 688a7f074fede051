// internal/alerting/conditions.go
package alerting

import (
    "bytes"
    "context"
    "fmt"
    "strings"
    "text/template"
    "time"

    "netwatch/internal/models"
)

// observe returns the rule metric's current value for a device. ok is false
// when there is nothing to compare yet (no poll, no samples in the window).
func (e *Engine) observe(ctx context.Context, rule *models.AlertRule, snap *models.DeviceSnapshot, now time.Time) (float64, bool, error) {
    if windowed(rule) && e.reader != nil {
        return e.reader.Aggregate(ctx, snap.Device.ID, rule.Metric, rule.Aggregate, rule.Window, now)
    }

    st := &snap.State
    switch {
    case rule.Metric == models.MetricStatus:
        switch st.Status {
        case models.StatusUp:
            return 1, true, nil
        case models.StatusDown:
            return 0, true, nil
        }
        return 0, false, nil
    case rule.Metric == models.MetricUnreachableChecks:
        return float64(st.ConsecutiveFailures), true, nil
    case rule.Metric == models.MetricLatency:
        if st.LastLatency == nil {
            return 0, false, nil
        }
        return float64(*st.LastLatency) / float64(time.Millisecond), true, nil
    case rule.Metric == models.MetricPacketLoss:
        if st.LastPolledAt == nil {
            return 0, false, nil
        }
        return st.PacketLoss, true, nil
    case rule.Metric == models.MetricInterfaceDown:
        return interfacesDown(snap, rule.InterfaceRole)
    case rule.Metric == models.MetricProbeError:
        if st.ProbeError != "" {
            return 1, true, nil
        }
        return 0, true, nil
    case strings.HasPrefix(rule.Metric, models.MetricSNMPPrefix):
        v, ok := st.Values[strings.TrimPrefix(rule.Metric, models.MetricSNMPPrefix)]
        return v, ok, nil
    }
    return 0, false, fmt.Errorf("unknown metric %q", rule.Metric)
}

func windowed(rule *models.AlertRule) bool {
    return rule.Window > 0 && rule.Aggregate != "" && rule.Aggregate != models.AggregateLast &&
        models.RecordedMetric(rule.Metric)
}

// interfacesDown counts admin-up interfaces that are operationally down,
// limited to the given role when one is set.
func interfacesDown(snap *models.DeviceSnapshot, role string) (float64, bool, error) {
    if snap.State.Interfaces == nil {
        return 0, false, nil
    }
    matched, down := 0, 0
    for _, iface := range snap.State.Interfaces {
        if role != "" {
            meta, ok := snap.Device.InterfaceByIndex(iface.Index)
            if !ok || meta.Role != role {
                continue
            }
        }
        matched++
        if iface.AdminUp && !iface.OperUp {
            down++
        }
    }
    if matched == 0 {
        return 0, false, nil
    }
    return float64(down), true, nil
}

// messageData is what rule message templates can reference.
type messageData struct {
    Device    string
    DeviceID  string
    Address   string
    Group     string
    Rule      string
    Class     string
    Metric    string
    Value     float64
    Threshold float64
    Severity  string
    Interface string
    Provider  string
}

func (e *Engine) renderMessage(rule *models.AlertRule, snap *models.DeviceSnapshot, value float64) string {
    data := messageData{
        Device:    deviceName(&snap.Device),
        DeviceID:  snap.Device.ID,
        Address:   snap.Device.Address,
        Group:     snap.Device.Group,
        Rule:      rule.Name,
        Class:     rule.EffectiveClass(),
        Metric:    rule.Metric,
        Value:     value,
        Threshold: rule.Threshold,
        Severity:  rule.Severity.String(),
    }
    if rule.InterfaceRole != "" {
        for _, iface := range snap.State.Interfaces {
            meta, ok := snap.Device.InterfaceByIndex(iface.Index)
            if ok && meta.Role == rule.InterfaceRole && iface.AdminUp && !iface.OperUp {
                data.Interface = meta.Name
                data.Provider = meta.Provider
                break
            }
        }
    }

    if tmpl := e.templates[rule.ID]; tmpl != nil {
        var buf bytes.Buffer
        if err := tmpl.Execute(&buf, data); err == nil {
            return buf.String()
        }
    }
    return fmt.Sprintf("%s on %s: %s %s %g (value %g)",
        rule.Name, data.Device, rule.Metric, rule.Operator, rule.Threshold, value)
}

func compileTemplates(rules []models.AlertRule) map[string]*template.Template {
    out := make(map[string]*template.Template)
    for _, rule := range rules {
        if rule.Message == "" {
            continue
        }
        tmpl, err := template.New(rule.ID).Option("missingkey=zero").Parse(rule.Message)
        if err != nil {
            continue
        }
        out[rule.ID] = tmpl
    }
    return out
}

func deviceName(d *models.Device) string {
    if d.Name != "" {
        return d.Name
    }
    return d.ID
}
