// internal/models/device.go
package models

import (
    "time"
)

// Status is the reachability status the state machine reports for a device.
type Status string

const (
    StatusUnknown Status = "UNKNOWN"
    StatusUp      Status = "UP"
    StatusDown    Status = "DOWN"
)

// ProbeKind selects how a device is probed.
type ProbeKind string

const (
    ProbeICMP ProbeKind = "icmp"
    ProbeSNMP ProbeKind = "snmp"
)

type Device struct {
    ID         string            `json:"id"`
    Name       string            `json:"name"`
    Address    string            `json:"address"`
    Enabled    bool              `json:"enabled"`
    Group      string            `json:"group,omitempty"`
    Tags       map[string]string `json:"tags,omitempty"`
    Probe      ProbeKind         `json:"probe"`
    SNMP       *SNMPCredentials  `json:"-"`
    Interfaces []InterfaceMeta   `json:"interfaces,omitempty"`
}

// SupportsSNMP reports whether interface collection can run against the device.
func (d *Device) SupportsSNMP() bool {
    return d.SNMP != nil
}

// InterfaceByIndex returns the classification metadata for an ifIndex.
func (d *Device) InterfaceByIndex(index int) (InterfaceMeta, bool) {
    for _, iface := range d.Interfaces {
        if iface.Index == index {
            return iface, true
        }
    }
    return InterfaceMeta{}, false
}

type SNMPCredentials struct {
    Version       string        `json:"version" yaml:"version"` // "2c" or "3"
    Port          uint16        `json:"port" yaml:"port"`
    Community     string        `json:"-" yaml:"community"`
    Username      string        `json:"-" yaml:"username"`
    SecurityLevel string        `json:"-" yaml:"security_level"` // noAuthNoPriv, authNoPriv, authPriv
    AuthProtocol  string        `json:"-" yaml:"auth_protocol"`
    AuthPassword  string        `json:"-" yaml:"auth_password"`
    PrivProtocol  string        `json:"-" yaml:"priv_protocol"`
    PrivPassword  string        `json:"-" yaml:"priv_password"`
    Timeout       time.Duration `json:"-" yaml:"timeout"`
}

// InterfaceMeta is enriched classification supplied by inventory.
type InterfaceMeta struct {
    Index    int    `json:"index" yaml:"index"`
    Name     string `json:"name" yaml:"name"`
    Role     string `json:"role,omitempty" yaml:"role"`
    Provider string `json:"provider,omitempty" yaml:"provider"`
}

type InterfaceSample struct {
    Index     int    `json:"index"`
    Name      string `json:"name,omitempty"`
    OperUp    bool   `json:"oper_up"`
    AdminUp   bool   `json:"admin_up"`
    InOctets  uint64 `json:"in_octets"`
    OutOctets uint64 `json:"out_octets"`
    InErrors  uint64 `json:"in_errors"`
    OutErrors uint64 `json:"out_errors"`
}

// PollResult is produced once per probe and consumed by the state machine
// and the metrics store.
type PollResult struct {
    DeviceID   string             `json:"device_id"`
    Timestamp  time.Time          `json:"timestamp"`
    Kind       ProbeKind          `json:"kind"`
    Reachable  bool               `json:"reachable"`
    Latency    *time.Duration     `json:"latency,omitempty"`
    PacketLoss float64            `json:"packet_loss"`
    Interfaces []InterfaceSample  `json:"interfaces,omitempty"`
    Values     map[string]float64 `json:"values,omitempty"`
    ProbeError string             `json:"probe_error,omitempty"`
}

// IsProbeError reports a credential or protocol failure. Such a result says
// nothing about reachability.
func (r PollResult) IsProbeError() bool {
    return r.ProbeError != ""
}

type TransitionEvent struct {
    DeviceID  string    `json:"device_id"`
    Timestamp time.Time `json:"timestamp"`
    From      Status    `json:"from"`
    To        Status    `json:"to"`
}

type FlapState struct {
    IsFlapping    bool       `json:"is_flapping"`
    FlapStartedAt *time.Time `json:"flap_started_at,omitempty"`
    SuppressUntil *time.Time `json:"suppress_until,omitempty"`
    Transitions   int        `json:"transitions"`
}

// Suppressed reports whether alert emission is withheld at now.
func (f FlapState) Suppressed(now time.Time) bool {
    return f.SuppressUntil != nil && now.Before(*f.SuppressUntil)
}

// DeviceState is owned by the state machine. DownSince is non-nil exactly
// when Status is DOWN.
type DeviceState struct {
    DeviceID             string            `json:"device_id"`
    Status               Status            `json:"status"`
    DownSince            *time.Time        `json:"down_since,omitempty"`
    LastPolledAt         *time.Time        `json:"last_polled_at,omitempty"`
    LastTransitionAt     *time.Time        `json:"last_transition_at,omitempty"`
    ConsecutiveFailures  int               `json:"consecutive_failures"`
    ConsecutiveSuccesses int               `json:"consecutive_successes"`
    TransitionSeq        uint64            `json:"transition_seq"`
    LastLatency          *time.Duration    `json:"last_latency,omitempty"`
    PacketLoss           float64           `json:"packet_loss"`
    Interfaces           []InterfaceSample `json:"interfaces,omitempty"`
    Values               map[string]float64 `json:"values,omitempty"`
    ProbeError           string            `json:"probe_error,omitempty"`
    ProbeErrorSince      *time.Time        `json:"probe_error_since,omitempty"`
    Flap                 FlapState         `json:"flap"`
}

// Clone returns a deep copy safe to hand to readers.
func (s DeviceState) Clone() DeviceState {
    out := s
    out.DownSince = cloneTime(s.DownSince)
    out.LastPolledAt = cloneTime(s.LastPolledAt)
    out.LastTransitionAt = cloneTime(s.LastTransitionAt)
    out.ProbeErrorSince = cloneTime(s.ProbeErrorSince)
    out.Flap.FlapStartedAt = cloneTime(s.Flap.FlapStartedAt)
    out.Flap.SuppressUntil = cloneTime(s.Flap.SuppressUntil)
    if s.LastLatency != nil {
        l := *s.LastLatency
        out.LastLatency = &l
    }
    if s.Interfaces != nil {
        out.Interfaces = append([]InterfaceSample(nil), s.Interfaces...)
    }
    if s.Values != nil {
        out.Values = make(map[string]float64, len(s.Values))
        for k, v := range s.Values {
            out.Values[k] = v
        }
    }
    return out
}

// DeviceSnapshot pairs inventory data with a point-in-time copy of state.
type DeviceSnapshot struct {
    Device Device      `json:"device"`
    State  DeviceState `json:"state"`
}

func cloneTime(t *time.Time) *time.Time {
    if t == nil {
        return nil
    }
    v := *t
    return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
    return &t
}
