// internal/models/event.go
package models

import (
    "time"
)

// EventVersion is bumped on any incompatible change to the envelope.
const EventVersion = 1

type EventType string

const (
    EventStatusChanged  EventType = "device.status_changed"
    EventDeviceFlapping EventType = "device.flapping"
    EventAlertCreated   EventType = "alert.created"
    EventAlertEscalated EventType = "alert.escalated"
    EventAlertResolved  EventType = "alert.resolved"
)

// Event is the transport-independent envelope for everything the engine emits.
type Event struct {
    Version   int           `json:"version"`
    ID        string        `json:"id"`
    Type      EventType     `json:"type"`
    Timestamp time.Time     `json:"timestamp"`
    Status    *StatusChange `json:"status,omitempty"`
    Alert     *AlertChange  `json:"alert,omitempty"`
}

type StatusChange struct {
    DeviceID   string     `json:"device_id"`
    DeviceName string     `json:"device_name,omitempty"`
    From       Status     `json:"from"`
    To         Status     `json:"to"`
    DownSince  *time.Time `json:"down_since,omitempty"`
    Seq        uint64     `json:"seq"`
    Flapping   bool       `json:"flapping"`
}

type AlertChange struct {
    Alert            Alert    `json:"alert"`
    DeviceName       string   `json:"device_name,omitempty"`
    PreviousSeverity Severity `json:"previous_severity,omitempty"`
}
