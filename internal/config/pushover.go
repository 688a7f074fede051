// internal/config/pushover.go - Notification configuration structures
package config

import (
    "fmt"
    "text/template"
    "time"

    "netwatch/internal/models"
)

type NotificationConfig struct {
    Enabled  bool           `yaml:"enabled"`
    Pushover PushoverConfig `yaml:"pushover"`
}

// PushoverConfig holds global Pushover notification settings
type PushoverConfig struct {
    Enabled     bool           `yaml:"enabled"`
    APIURL      string         `yaml:"api_url"`
    APIToken    string         `yaml:"api_token"`
    UserKey     string         `yaml:"user_key"`
    Device      string         `yaml:"device,omitempty"`
    Priority    int            `yaml:"priority"` // -2 to 2
    Retry       int            `yaml:"retry"`    // seconds, emergency priority only
    Expire      int            `yaml:"expire"`   // seconds, emergency priority only
    Sound       string         `yaml:"sound,omitempty"`
    Title       string         `yaml:"title"`
    Template    string         `yaml:"template"`
    MinSeverity string         `yaml:"min_severity"`
    Events      []string       `yaml:"events"` // created, escalated, resolved
    QuietHours  *QuietHours    `yaml:"quiet_hours,omitempty"`
    Throttle    ThrottleConfig `yaml:"throttle"`
}

// QuietHours defines when notifications should be suppressed
type QuietHours struct {
    Enabled   bool   `yaml:"enabled"`
    StartHour int    `yaml:"start_hour"` // 0-23
    EndHour   int    `yaml:"end_hour"`   // 0-23
    Timezone  string `yaml:"timezone"`   // IANA timezone, e.g., "America/New_York"
}

type ThrottleConfig struct {
    Enabled      bool          `yaml:"enabled"`
    Window       time.Duration `yaml:"window"`
    MaxPerDevice int           `yaml:"max_per_device"`
    MaxTotal     int           `yaml:"max_total"`
}

const defaultPushoverURL = "https://api.pushover.net/1/messages.json"

func setNotificationDefaults(cfg *NotificationConfig) {
    p := &cfg.Pushover
    if p.APIURL == "" {
        p.APIURL = defaultPushoverURL
    }
    if p.Title == "" {
        p.Title = "netwatch: {{.Device}}"
    }
    if p.Template == "" {
        p.Template = "[{{.Severity}}] {{.Message}}"
    }
    if p.MinSeverity == "" {
        p.MinSeverity = models.SeverityHigh.String()
    }
    if len(p.Events) == 0 {
        p.Events = []string{"created", "escalated", "resolved"}
    }
    if p.Sound == "" {
        p.Sound = "pushover"
    }
    if p.QuietHours != nil && p.QuietHours.Timezone == "" {
        p.QuietHours.Timezone = "UTC"
    }
    if p.Throttle.Window == 0 {
        p.Throttle.Window = 15 * time.Minute
    }
    if p.Throttle.MaxPerDevice == 0 {
        p.Throttle.MaxPerDevice = 5
    }
    if p.Throttle.MaxTotal == 0 {
        p.Throttle.MaxTotal = 20
    }
}

func mergeNotificationConfig(main *NotificationConfig, partial *NotificationConfig) {
    main.Enabled = partial.Enabled
    if partial.Pushover.APIToken != "" {
        main.Pushover.APIToken = partial.Pushover.APIToken
    }
    if partial.Pushover.UserKey != "" {
        main.Pushover.UserKey = partial.Pushover.UserKey
    }
    if partial.Pushover.APIURL != "" {
        main.Pushover.APIURL = partial.Pushover.APIURL
    }
    if partial.Pushover.MinSeverity != "" {
        main.Pushover.MinSeverity = partial.Pushover.MinSeverity
    }
    if len(partial.Pushover.Events) > 0 {
        main.Pushover.Events = partial.Pushover.Events
    }
    if partial.Pushover.QuietHours != nil {
        main.Pushover.QuietHours = partial.Pushover.QuietHours
    }
    if partial.Pushover.Throttle.Enabled {
        main.Pushover.Throttle = partial.Pushover.Throttle
    }
    main.Pushover.Enabled = partial.Pushover.Enabled
}

// Validate ensures the notification configuration is usable
func (n *NotificationConfig) Validate() error {
    if !n.Enabled || !n.Pushover.Enabled {
        return nil
    }
    p := &n.Pushover

    if p.UserKey == "" {
        return fmt.Errorf("pushover user_key is required when enabled")
    }
    if p.APIToken == "" {
        return fmt.Errorf("pushover api_token is required when enabled")
    }
    if p.Priority < -2 || p.Priority > 2 {
        return fmt.Errorf("pushover priority must be between -2 and 2")
    }
    if p.Priority == 2 {
        if p.Retry < 30 {
            return fmt.Errorf("pushover retry must be at least 30 seconds for emergency priority")
        }
        if p.Expire < 60 || p.Expire > 10800 {
            return fmt.Errorf("pushover expire must be between 60 and 10800 seconds for emergency priority")
        }
    }
    if _, err := models.ParseSeverity(p.MinSeverity); err != nil {
        return fmt.Errorf("pushover min_severity: %w", err)
    }
    for _, ev := range p.Events {
        switch ev {
        case "created", "escalated", "resolved":
        default:
            return fmt.Errorf("pushover events: unknown event %q", ev)
        }
    }
    if p.QuietHours != nil && p.QuietHours.Enabled {
        if p.QuietHours.StartHour < 0 || p.QuietHours.StartHour > 23 {
            return fmt.Errorf("quiet hours start_hour must be between 0 and 23")
        }
        if p.QuietHours.EndHour < 0 || p.QuietHours.EndHour > 23 {
            return fmt.Errorf("quiet hours end_hour must be between 0 and 23")
        }
        if _, err := time.LoadLocation(p.QuietHours.Timezone); err != nil {
            return fmt.Errorf("quiet hours timezone: %w", err)
        }
    }
    if _, err := template.New("title").Parse(p.Title); err != nil {
        return fmt.Errorf("invalid title template: %w", err)
    }
    if _, err := template.New("message").Parse(p.Template); err != nil {
        return fmt.Errorf("invalid message template: %w", err)
    }
    return nil
}

// IsQuietTime checks if t falls within quiet hours
func (q *QuietHours) IsQuietTime(t time.Time) bool {
    if q == nil || !q.Enabled {
        return false
    }

    loc, err := time.LoadLocation(q.Timezone)
    if err != nil {
        loc = time.UTC
    }
    hour := t.In(loc).Hour()

    // Quiet hours may span midnight
    if q.StartHour <= q.EndHour {
        return hour >= q.StartHour && hour < q.EndHour
    }
    return hour >= q.StartHour || hour < q.EndHour
}
