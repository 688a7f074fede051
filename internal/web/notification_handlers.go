// internal/web/notification_handlers.go - Web handlers for Pushover notifications
package web

import (
    "context"
    "errors"
    "net/http"
    "strings"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/sirupsen/logrus"
    "netwatch/internal/notifications"
)

// NotificationSettings is the notification configuration with secrets masked.
type NotificationSettings struct {
    Enabled  bool             `json:"enabled"`
    Pushover PushoverSettings `json:"pushover"`
}

type PushoverSettings struct {
    Enabled     bool             `json:"enabled"`
    APIToken    string           `json:"api_token"`
    UserKey     string           `json:"user_key"`
    Priority    int              `json:"priority"`
    Retry       int              `json:"retry"`
    Expire      int              `json:"expire"`
    Sound       string           `json:"sound,omitempty"`
    Device      string           `json:"device,omitempty"`
    Title       string           `json:"title"`
    Template    string           `json:"template"`
    MinSeverity string           `json:"min_severity"`
    Events      []string         `json:"events"`
    Throttle    ThrottleSettings `json:"throttle"`
}

type ThrottleSettings struct {
    Enabled      bool `json:"enabled"`
    WindowMin    int  `json:"window_minutes"`
    MaxPerDevice int  `json:"max_per_device"`
    MaxTotal     int  `json:"max_total"`
}

type TestNotificationRequest struct {
    Message string `json:"message" binding:"required"`
}

func (s *Server) setupNotificationRoutes(api *gin.RouterGroup) {
    notifications := api.Group("/notifications")
    {
        notifications.GET("/settings", s.getNotificationSettings)
        notifications.POST("/test", s.sendTestNotification)
        notifications.GET("/stats", s.getNotificationStats)
    }
}

// GET /api/notifications/settings - Get current notification settings
func (s *Server) getNotificationSettings(c *gin.Context) {
    cfg := s.config.Notifications

    settings := NotificationSettings{
        Enabled: cfg.Enabled,
        Pushover: PushoverSettings{
            Enabled:     cfg.Pushover.Enabled,
            APIToken:    maskToken(cfg.Pushover.APIToken),
            UserKey:     maskToken(cfg.Pushover.UserKey),
            Priority:    cfg.Pushover.Priority,
            Retry:       cfg.Pushover.Retry,
            Expire:      cfg.Pushover.Expire,
            Sound:       cfg.Pushover.Sound,
            Device:      cfg.Pushover.Device,
            Title:       cfg.Pushover.Title,
            Template:    cfg.Pushover.Template,
            MinSeverity: cfg.Pushover.MinSeverity,
            Events:      cfg.Pushover.Events,
            Throttle: ThrottleSettings{
                Enabled:      cfg.Pushover.Throttle.Enabled,
                WindowMin:    int(cfg.Pushover.Throttle.Window.Minutes()),
                MaxPerDevice: cfg.Pushover.Throttle.MaxPerDevice,
                MaxTotal:     cfg.Pushover.Throttle.MaxTotal,
            },
        },
    }

    c.JSON(http.StatusOK, gin.H{"data": settings})
}

// POST /api/notifications/test - Send a test notification
func (s *Server) sendTestNotification(c *gin.Context) {
    var req TestNotificationRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
        return
    }

    ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
    defer cancel()

    if err := s.engine.TestPushoverConfig(ctx, req.Message); err != nil {
        if errors.Is(err, notifications.ErrNotConfigured) {
            c.JSON(http.StatusBadRequest, gin.H{"error": "Pushover notifications are not enabled"})
            return
        }
        logrus.WithError(err).Error("Failed to send test notification")
        c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to send test notification: " + err.Error()})
        return
    }

    logrus.Info("Test notification sent successfully")
    c.JSON(http.StatusOK, gin.H{
        "message":   "Test notification sent successfully",
        "timestamp": s.engine.Now(),
    })
}

// GET /api/notifications/stats - Get notification statistics
func (s *Server) getNotificationStats(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"data": s.engine.GetNotificationStatus()})
}

// maskToken keeps the first and last four characters.
func maskToken(token string) string {
    if token == "" {
        return ""
    }
    if len(token) <= 8 {
        return "***"
    }
    return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
