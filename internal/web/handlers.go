// internal/web/handlers.go
package web

import (
    "errors"
    "net/http"
    "sort"
    "strconv"
    "strings"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/sirupsen/logrus"
    "netwatch/internal/alerting"
    "netwatch/internal/models"
    "netwatch/internal/tsdb"
)

// DeviceView is a device as the API shows it.
type DeviceView struct {
    models.Device
    State       models.DeviceState       `json:"state"`
    Duration    string                   `json:"duration,omitempty"`
    Transitions []models.TransitionEvent `json:"transitions,omitempty"`
    Alerts      []models.Alert           `json:"alerts,omitempty"`
}

const defaultMetricsRange = time.Hour

// GET /api/devices - List devices with their current state
func (s *Server) getDevices(c *gin.Context) {
    statusFilter := strings.ToUpper(c.Query("status"))
    group := c.Query("group")
    now := s.engine.Now()

    var devices []DeviceView
    for _, snap := range s.engine.Devices() {
        if statusFilter != "" && string(snap.State.Status) != statusFilter {
            continue
        }
        if group != "" && snap.Device.Group != group {
            continue
        }
        devices = append(devices, newDeviceView(snap, now))
    }
    sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

    c.JSON(http.StatusOK, gin.H{
        "data":  devices,
        "count": len(devices),
    })
}

// GET /api/devices/:id - Device detail with recent transitions and alerts
func (s *Server) getDevice(c *gin.Context) {
    id := c.Param("id")
    snap, ok := s.engine.Device(id)
    if !ok {
        c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
        return
    }

    view := newDeviceView(snap, s.engine.Now())
    view.Transitions = s.engine.Transitions(id)
    for _, alert := range s.engine.ActiveAlerts() {
        if alert.DeviceID == id {
            view.Alerts = append(view.Alerts, alert)
        }
    }
    c.JSON(http.StatusOK, gin.H{"data": view})
}

func newDeviceView(snap models.DeviceSnapshot, now time.Time) DeviceView {
    view := DeviceView{Device: snap.Device, State: snap.State}
    if snap.State.LastTransitionAt != nil {
        view.Duration = formatDuration(now.Sub(*snap.State.LastTransitionAt))
    }
    return view
}

// GET /api/devices/:id/metrics?metric=latency_ms&from=...&to=...
func (s *Server) getDeviceMetrics(c *gin.Context) {
    id := c.Param("id")
    if _, ok := s.engine.Device(id); !ok {
        c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
        return
    }

    metric := c.DefaultQuery("metric", models.MetricLatency)
    to := s.engine.Now()
    from := to.Add(-defaultMetricsRange)

    if v := c.Query("range"); v != "" {
        d, err := time.ParseDuration(v)
        if err != nil || d <= 0 {
            c.JSON(http.StatusBadRequest, gin.H{"error": "range must be a positive duration"})
            return
        }
        from = to.Add(-d)
    }
    if v := c.Query("to"); v != "" {
        t, err := time.Parse(time.RFC3339, v)
        if err != nil {
            c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
            return
        }
        to = t
    }
    if v := c.Query("from"); v != "" {
        t, err := time.Parse(time.RFC3339, v)
        if err != nil {
            c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
            return
        }
        from = t
    }
    if !from.Before(to) {
        c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
        return
    }

    series, err := s.engine.QueryMetrics(c.Request.Context(), id, metric, from, to)
    if errors.Is(err, tsdb.ErrInvalidRange) {
        c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
        return
    }
    if err != nil {
        logrus.WithError(err).WithField("device", id).Error("Failed to query metrics")
        c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query metrics"})
        return
    }
    c.JSON(http.StatusOK, gin.H{"data": series})
}

// GET /api/alerts - Active alerts, or history when active=false
func (s *Server) getAlerts(c *gin.Context) {
    limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
    if err != nil || limit < 0 {
        c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
        return
    }

    filter := models.AlertFilter{
        DeviceID:   c.Query("device"),
        Class:      c.Query("class"),
        ActiveOnly: c.DefaultQuery("active", "true") == "true",
        Limit:      limit,
    }
    if v := c.Query("since"); v != "" {
        since, err := time.Parse(time.RFC3339, v)
        if err != nil {
            c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
            return
        }
        filter.Since = &since
    }

    var minSeverity models.Severity
    if v := c.Query("severity"); v != "" {
        minSeverity, err = models.ParseSeverity(v)
        if err != nil {
            c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
            return
        }
    }

    var alerts []models.Alert
    if filter.ActiveOnly {
        for _, a := range s.engine.ActiveAlerts() {
            if filter.Match(&a) {
                alerts = append(alerts, a)
            }
        }
    } else {
        alerts, err = s.engine.ListAlerts(c.Request.Context(), filter)
        if err != nil {
            logrus.WithError(err).Error("Failed to list alerts")
            c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alerts"})
            return
        }
    }

    out := make([]models.Alert, 0, len(alerts))
    for _, a := range alerts {
        if a.Severity >= minSeverity {
            out = append(out, a)
        }
    }
    if limit > 0 && len(out) > limit {
        out = out[:limit]
    }

    c.JSON(http.StatusOK, gin.H{
        "data":  out,
        "count": len(out),
    })
}

// GET /api/alerts/summary - Active alert counts by severity
func (s *Server) getAlertsSummary(c *gin.Context) {
    summary := map[string]int{
        "active":   0,
        "critical": 0,
        "high":     0,
        "medium":   0,
        "info":     0,
    }
    for _, a := range s.engine.ActiveAlerts() {
        summary["active"]++
        summary[strings.ToLower(a.Severity.String())]++
    }
    c.JSON(http.StatusOK, gin.H{"data": summary})
}

type resolveRequest struct {
    By string `json:"by"`
}

// POST /api/alerts/:id/resolve - Resolve an alert by hand
func (s *Server) resolveAlert(c *gin.Context) {
    var req resolveRequest
    if c.Request.ContentLength > 0 {
        if err := c.ShouldBindJSON(&req); err != nil {
            c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
            return
        }
    }

    alert, err := s.engine.ResolveAlert(c.Request.Context(), c.Param("id"), req.By)
    if err != nil {
        if errors.Is(err, alerting.ErrAlertNotFound) {
            c.JSON(http.StatusNotFound, gin.H{"error": "Active alert not found"})
            return
        }
        logrus.WithError(err).Error("Failed to resolve alert")
        c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve alert"})
        return
    }

    logrus.WithFields(logrus.Fields{
        "alert_id": alert.ID,
        "device":   alert.DeviceID,
        "by":       alert.ResolvedBy,
    }).Info("Alert resolved manually")
    c.JSON(http.StatusOK, gin.H{"data": alert})
}

// GET /api/rules - Effective alert rules
func (s *Server) getRules(c *gin.Context) {
    rules := s.engine.Rules()
    c.JSON(http.StatusOK, gin.H{
        "data":  rules,
        "count": len(rules),
    })
}

// GET /api/stats - Device counts by status
func (s *Server) getStats(c *gin.Context) {
    now := s.engine.Now()
    stats := map[string]int{
        "up":       0,
        "down":     0,
        "unknown":  0,
        "flapping": 0,
        "disabled": 0,
    }
    for _, snap := range s.engine.Devices() {
        if !snap.Device.Enabled {
            stats["disabled"]++
            continue
        }
        stats[strings.ToLower(string(snap.State.Status))]++
        if snap.State.Flap.Suppressed(now) {
            stats["flapping"]++
        }
    }
    c.JSON(http.StatusOK, gin.H{"data": stats})
}

func formatDuration(d time.Duration) string {
    if d < time.Minute {
        return strconv.Itoa(int(d.Seconds())) + "s"
    }
    if d < time.Hour {
        return strconv.Itoa(int(d.Minutes())) + "m"
    }
    if d < 24*time.Hour {
        hours := int(d.Hours())
        minutes := int(d.Minutes()) % 60
        return strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
    }
    days := int(d.Hours()) / 24
    hours := int(d.Hours()) % 24
    return strconv.Itoa(days) + "d " + strconv.Itoa(hours) + "h"
}
