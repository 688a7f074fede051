// internal/notifications/pushover.go - Pushover notification service
package notifications

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "sync"
    "text/template"
    "time"

    "github.com/sirupsen/logrus"
    "netwatch/internal/config"
    "netwatch/internal/models"
)

const UserAgent = "netwatch/1.0"

var ErrNotConfigured = errors.New("notifications are not enabled or configured")

// NotificationService turns alert lifecycle events into Pushover messages
type NotificationService struct {
    config      *config.NotificationConfig
    pushover    *PushoverService
    throttler   *NotificationThrottler
    minSeverity models.Severity
    events      map[models.EventType]bool
    now         func() time.Time

    mu      sync.Mutex
    sent    uint64
    skipped uint64
    failed  uint64
}

// PushoverService handles Pushover-specific delivery
type PushoverService struct {
    config     *config.PushoverConfig
    httpClient *http.Client
    templates  map[string]*template.Template
}

// PushoverMessage represents a message sent to Pushover API
type PushoverMessage struct {
    Token     string `json:"token"`
    User      string `json:"user"`
    Message   string `json:"message"`
    Title     string `json:"title,omitempty"`
    Priority  int    `json:"priority,omitempty"`
    Retry     int    `json:"retry,omitempty"`
    Expire    int    `json:"expire,omitempty"`
    Sound     string `json:"sound,omitempty"`
    Device    string `json:"device,omitempty"`
    Timestamp int64  `json:"timestamp,omitempty"`
}

// PushoverResponse represents the API response
type PushoverResponse struct {
    Status int      `json:"status"`
    Errors []string `json:"errors,omitempty"`
}

// Stats is reported by the web API.
type Stats struct {
    Enabled         bool   `json:"enabled"`
    PushoverEnabled bool   `json:"pushover_enabled"`
    ThrottleEnabled bool   `json:"throttle_enabled"`
    MinSeverity     string `json:"min_severity"`
    Sent            uint64 `json:"sent"`
    Skipped         uint64 `json:"skipped"`
    Failed          uint64 `json:"failed"`
    ThrottledNow    int    `json:"throttle_devices"`
}

// NewNotificationService creates a new notification service
func NewNotificationService(cfg *config.NotificationConfig) (*NotificationService, error) {
    service := &NotificationService{
        config: cfg,
        events: make(map[models.EventType]bool),
        now:    time.Now,
    }

    if cfg.Enabled && cfg.Pushover.Enabled {
        httpClient := &http.Client{Timeout: 30 * time.Second}
        pushoverService, err := NewPushoverService(&cfg.Pushover, httpClient)
        if err != nil {
            return nil, fmt.Errorf("failed to initialize Pushover service: %w", err)
        }
        service.pushover = pushoverService

        if cfg.Pushover.Throttle.Enabled {
            service.throttler = NewNotificationThrottler(&cfg.Pushover.Throttle)
        }

        sev, err := models.ParseSeverity(cfg.Pushover.MinSeverity)
        if err != nil {
            return nil, fmt.Errorf("pushover min_severity: %w", err)
        }
        service.minSeverity = sev
        for _, ev := range cfg.Pushover.Events {
            service.events[models.EventType("alert."+ev)] = true
        }
    }

    logrus.WithFields(logrus.Fields{
        "notifications_enabled": cfg.Enabled,
        "pushover_enabled":      cfg.Pushover.Enabled,
        "throttle_enabled":      cfg.Pushover.Throttle.Enabled,
    }).Info("Notification service initialized")

    return service, nil
}

// NewPushoverService creates a new Pushover service
func NewPushoverService(cfg *config.PushoverConfig, httpClient *http.Client) (*PushoverService, error) {
    service := &PushoverService{
        config:     cfg,
        httpClient: httpClient,
        templates:  make(map[string]*template.Template),
    }
    if err := service.parseTemplates(); err != nil {
        return nil, fmt.Errorf("failed to parse templates: %w", err)
    }
    return service, nil
}

// Enabled reports whether events should be routed to the service at all.
func (ns *NotificationService) Enabled() bool {
    return ns.config.Enabled && ns.pushover != nil
}

// EventTypes lists the alert events the service wants from the bus.
func (ns *NotificationService) EventTypes() []models.EventType {
    return []models.EventType{models.EventAlertCreated, models.EventAlertEscalated, models.EventAlertResolved}
}

// HandleEvent is the bus consumer. Delivery failures are logged; the
// monitoring pipeline never waits on notifications.
func (ns *NotificationService) HandleEvent(ctx context.Context, event models.Event) {
    if err := ns.SendNotification(ctx, event); err != nil {
        logrus.WithError(err).WithField("event", event.ID).Error("Failed to send Pushover notification")
    }
}

// SendNotification sends a notification for one alert event if it passes
// the event, severity, quiet hours and throttle filters.
func (ns *NotificationService) SendNotification(ctx context.Context, event models.Event) error {
    if !ns.Enabled() || event.Alert == nil {
        return nil
    }
    alert := &event.Alert.Alert
    now := ns.now()

    if reason := ns.filter(event, now); reason != "" {
        ns.count(&ns.skipped)
        logrus.WithFields(logrus.Fields{
            "alert":  alert.ID,
            "device": alert.DeviceID,
            "event":  event.Type,
            "reason": reason,
        }).Debug("Notification skipped")
        return nil
    }

    if ns.throttler != nil && ns.throttler.IsThrottled(alert.DeviceID, now) {
        ns.count(&ns.skipped)
        logrus.WithFields(logrus.Fields{
            "alert":  alert.ID,
            "device": alert.DeviceID,
        }).Debug("Notification throttled")
        return nil
    }

    message, err := ns.pushover.buildMessage(event)
    if err != nil {
        ns.count(&ns.failed)
        return fmt.Errorf("failed to build message: %w", err)
    }
    if err := ns.pushover.sendToPushover(ctx, message); err != nil {
        ns.count(&ns.failed)
        return err
    }

    ns.count(&ns.sent)
    if ns.throttler != nil {
        ns.throttler.RecordNotification(alert.DeviceID, now)
    }
    return nil
}

// filter returns why an event is not notified, or "" to send it.
func (ns *NotificationService) filter(event models.Event, now time.Time) string {
    if !ns.events[event.Type] {
        return "event_type"
    }
    alert := &event.Alert.Alert
    if alert.Severity < ns.minSeverity {
        return "severity"
    }
    // Quiet hours hold back everything except new critical alerts.
    if ns.config.Pushover.QuietHours.IsQuietTime(now) &&
        !(event.Type == models.EventAlertCreated && alert.Severity >= models.SeverityCritical) {
        return "quiet_hours"
    }
    return ""
}

func (ns *NotificationService) count(field *uint64) {
    ns.mu.Lock()
    *field++
    ns.mu.Unlock()
}

// buildMessage creates a Pushover message from the event
func (ps *PushoverService) buildMessage(event models.Event) (*PushoverMessage, error) {
    change := event.Alert
    alert := &change.Alert
    device := change.DeviceName
    if device == "" {
        device = alert.DeviceID
    }

    templateData := map[string]interface{}{
        "Device":           device,
        "DeviceID":         alert.DeviceID,
        "Class":            alert.Class,
        "Severity":         alert.Severity.String(),
        "PreviousSeverity": "",
        "Message":          alert.Message,
        "Value":            alert.Value,
        "Event":            strings.TrimPrefix(string(event.Type), "alert."),
        "Timestamp":        event.Timestamp.Format("2006-01-02 15:04:05"),
        "IsRecovery":       event.Type == models.EventAlertResolved,
    }
    if change.PreviousSeverity.Valid() {
        templateData["PreviousSeverity"] = change.PreviousSeverity.String()
    }

    title, err := ps.renderTemplate("title", templateData)
    if err != nil {
        return nil, fmt.Errorf("failed to render title: %w", err)
    }
    messageText, err := ps.renderTemplate("message", templateData)
    if err != nil {
        return nil, fmt.Errorf("failed to render message: %w", err)
    }

    message := &PushoverMessage{
        Token:     ps.config.APIToken,
        User:      ps.config.UserKey,
        Title:     title,
        Message:   eventPrefix(event.Type, alert.Severity) + " " + messageText,
        Priority:  ps.priority(event.Type, alert.Severity),
        Sound:     ps.config.Sound,
        Device:    ps.config.Device,
        Timestamp: event.Timestamp.Unix(),
    }

    if message.Priority == 2 {
        message.Retry = ps.config.Retry
        message.Expire = ps.config.Expire
    }
    return message, nil
}

// priority keeps the configured priority for critical alerts and lowers it
// for everything else so only critical alerts can be emergency pages.
func (ps *PushoverService) priority(t models.EventType, sev models.Severity) int {
    p := ps.config.Priority
    if t == models.EventAlertResolved || sev < models.SeverityCritical {
        if p > 1 {
            p = 1
        }
        if t == models.EventAlertResolved && p > 0 {
            p = 0
        }
    }
    return p
}

func (ps *PushoverService) renderTemplate(name string, data map[string]interface{}) (string, error) {
    tmpl, exists := ps.templates[name]
    if !exists {
        return "", fmt.Errorf("template %s not parsed", name)
    }
    var buf bytes.Buffer
    if err := tmpl.Execute(&buf, data); err != nil {
        return "", fmt.Errorf("failed to execute template %s: %w", name, err)
    }
    return buf.String(), nil
}

// sendToPushover sends the message to Pushover API
func (ps *PushoverService) sendToPushover(ctx context.Context, message *PushoverMessage) error {
    jsonData, err := json.Marshal(message)
    if err != nil {
        return fmt.Errorf("failed to marshal message: %w", err)
    }

    req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.config.APIURL, bytes.NewBuffer(jsonData))
    if err != nil {
        return fmt.Errorf("failed to create request: %w", err)
    }
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("User-Agent", UserAgent)

    resp, err := ps.httpClient.Do(req)
    if err != nil {
        return fmt.Errorf("failed to send request: %w", err)
    }
    defer resp.Body.Close()

    var pushoverResp PushoverResponse
    if err := json.NewDecoder(resp.Body).Decode(&pushoverResp); err != nil {
        return fmt.Errorf("failed to decode response (HTTP %d): %w", resp.StatusCode, err)
    }
    if pushoverResp.Status != 1 {
        return fmt.Errorf("pushover API error: %v", pushoverResp.Errors)
    }

    logrus.WithFields(logrus.Fields{
        "title":    message.Title,
        "priority": message.Priority,
    }).Info("Pushover notification sent successfully")
    return nil
}

func (ps *PushoverService) parseTemplates() error {
    titleTemplate, err := template.New("title").Parse(ps.config.Title)
    if err != nil {
        return fmt.Errorf("failed to parse title template: %w", err)
    }
    ps.templates["title"] = titleTemplate

    messageTemplate, err := template.New("message").Parse(ps.config.Template)
    if err != nil {
        return fmt.Errorf("failed to parse message template: %w", err)
    }
    ps.templates["message"] = messageTemplate
    return nil
}

// TestNotification sends a test notification
func (ns *NotificationService) TestNotification(ctx context.Context, message string) error {
    if !ns.Enabled() {
        return ErrNotConfigured
    }
    testMessage := &PushoverMessage{
        Token:   ns.pushover.config.APIToken,
        User:    ns.pushover.config.UserKey,
        Title:   "netwatch test notification",
        Message: message,
        Sound:   ns.pushover.config.Sound,
    }
    return ns.pushover.sendToPushover(ctx, testMessage)
}

func eventPrefix(t models.EventType, sev models.Severity) string {
    switch t {
    case models.EventAlertResolved:
        return "[RESOLVED]"
    case models.EventAlertEscalated:
        return "[ESCALATED " + sev.String() + "]"
    }
    return "[" + sev.String() + "]"
}

// GetStats returns notification statistics
func (ns *NotificationService) GetStats() Stats {
    ns.mu.Lock()
    stats := Stats{
        Enabled:         ns.config.Enabled,
        PushoverEnabled: ns.pushover != nil,
        ThrottleEnabled: ns.throttler != nil,
        Sent:            ns.sent,
        Skipped:         ns.skipped,
        Failed:          ns.failed,
    }
    ns.mu.Unlock()
    if ns.minSeverity.Valid() {
        stats.MinSeverity = ns.minSeverity.String()
    }
    if ns.throttler != nil {
        stats.ThrottledNow = ns.throttler.Devices()
    }
    return stats
}
