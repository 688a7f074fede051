// internal/web/server_test.go
package web

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/gorilla/websocket"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "netwatch/internal/alerting"
    "netwatch/internal/config"
    "netwatch/internal/events"
    "netwatch/internal/models"
    "netwatch/internal/monitoring"
    "netwatch/internal/notifications"
    "netwatch/internal/scheduler"
    "netwatch/internal/tsdb"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeMonitor struct {
    mu        sync.Mutex
    snapshots []models.DeviceSnapshot
    active    []models.Alert
    history   []models.Alert
    filter    models.AlertFilter
    resolved  []string
    health    monitoring.Health
    testErr   error
    bus       *events.Bus
}

func (f *fakeMonitor) Devices() []models.DeviceSnapshot { return f.snapshots }

func (f *fakeMonitor) Device(id string) (models.DeviceSnapshot, bool) {
    for _, s := range f.snapshots {
        if s.Device.ID == id {
            return s, true
        }
    }
    return models.DeviceSnapshot{}, false
}

func (f *fakeMonitor) Transitions(id string) []models.TransitionEvent {
    return []models.TransitionEvent{{DeviceID: id, Timestamp: now.Add(-time.Minute), From: models.StatusUp, To: models.StatusDown}}
}

func (f *fakeMonitor) ActiveAlerts() []models.Alert { return f.active }

func (f *fakeMonitor) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.filter = filter
    return f.history, nil
}

func (f *fakeMonitor) ResolveAlert(ctx context.Context, id, by string) (*models.Alert, error) {
    for _, a := range f.active {
        if a.ID == id {
            a.ResolvedAt = models.TimePtr(now)
            a.ResolvedBy = by
            f.resolved = append(f.resolved, id)
            return &a, nil
        }
    }
    return nil, fmt.Errorf("%w: %s", alerting.ErrAlertNotFound, id)
}

func (f *fakeMonitor) Rules() []models.AlertRule { return nil }

func (f *fakeMonitor) QueryMetrics(ctx context.Context, deviceID, metric string, from, to time.Time) (*tsdb.Series, error) {
    return &tsdb.Series{
        DeviceID: deviceID,
        Metric:   metric,
        From:     from,
        To:       to,
        Step:     time.Minute,
        Points:   []tsdb.Point{{Timestamp: from, Value: 4.2}},
    }, nil
}

func (f *fakeMonitor) SchedulerStats() scheduler.Stats { return scheduler.Stats{} }

func (f *fakeMonitor) Health(ctx context.Context) monitoring.Health { return f.health }

func (f *fakeMonitor) Events() *events.Bus { return f.bus }

func (f *fakeMonitor) Now() time.Time { return now }

func (f *fakeMonitor) RefreshInventory(ctx context.Context) error { return nil }

func (f *fakeMonitor) PurgeAll(ctx context.Context) error { return nil }

func (f *fakeMonitor) TestPushoverConfig(ctx context.Context, message string) error { return f.testErr }

func (f *fakeMonitor) GetNotificationStatus() notifications.Stats { return notifications.Stats{} }

func newTestServer(t *testing.T) (*Server, *fakeMonitor) {
    t.Helper()
    gin.SetMode(gin.TestMode)

    cfg, err := config.Parse([]byte(`
prometheus:
  enabled: true
notifications:
  pushover:
    api_token: abcdefghijklmnop
`))
    require.NoError(t, err)

    downSince := now.Add(-10 * time.Minute)
    mon := &fakeMonitor{
        snapshots: []models.DeviceSnapshot{
            {
                Device: models.Device{ID: "r1", Name: "core-router", Address: "10.0.0.1", Enabled: true, Group: "core"},
                State:  models.DeviceState{DeviceID: "r1", Status: models.StatusDown, DownSince: &downSince, LastTransitionAt: &downSince},
            },
            {
                Device: models.Device{ID: "r2", Name: "edge-router", Address: "10.0.0.2", Enabled: true, Group: "edge"},
                State:  models.DeviceState{DeviceID: "r2", Status: models.StatusUp},
            },
        },
        active: []models.Alert{
            {ID: "a1", DeviceID: "r1", Class: models.ClassDeviceDown, Severity: models.SeverityCritical, TriggeredAt: downSince},
            {ID: "a2", DeviceID: "r2", Class: "latency", Severity: models.SeverityMedium, TriggeredAt: now},
        },
        health: monitoring.Health{Status: "healthy"},
        bus:    events.NewBus(16, nil),
    }
    t.Cleanup(mon.bus.Close)
    return NewServer(cfg, mon, nil), mon
}

func doRequest(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
    t.Helper()
    req := httptest.NewRequest(method, path, strings.NewReader(body))
    if body != "" {
        req.Header.Set("Content-Type", "application/json")
    }
    w := httptest.NewRecorder()
    s.Handler().ServeHTTP(w, req)

    var out map[string]interface{}
    if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
        require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
    }
    return w, out
}

func TestGetDevicesFiltersByStatus(t *testing.T) {
    s, _ := newTestServer(t)

    w, body := doRequest(t, s, http.MethodGet, "/api/devices", "")
    require.Equal(t, http.StatusOK, w.Code)
    assert.Equal(t, float64(2), body["count"])

    w, body = doRequest(t, s, http.MethodGet, "/api/devices?status=down", "")
    require.Equal(t, http.StatusOK, w.Code)
    require.Equal(t, float64(1), body["count"])
    first := body["data"].([]interface{})[0].(map[string]interface{})
    assert.Equal(t, "r1", first["id"])
    assert.Equal(t, "10m", first["duration"])
}

func TestGetDeviceDetail(t *testing.T) {
    s, _ := newTestServer(t)

    w, body := doRequest(t, s, http.MethodGet, "/api/devices/r1", "")
    require.Equal(t, http.StatusOK, w.Code)
    data := body["data"].(map[string]interface{})
    assert.Len(t, data["transitions"], 1)
    assert.Len(t, data["alerts"], 1)

    w, _ = doRequest(t, s, http.MethodGet, "/api/devices/nope", "")
    assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetDeviceMetrics(t *testing.T) {
    s, _ := newTestServer(t)

    w, body := doRequest(t, s, http.MethodGet, "/api/devices/r1/metrics?range=6h", "")
    require.Equal(t, http.StatusOK, w.Code)
    data := body["data"].(map[string]interface{})
    assert.Equal(t, models.MetricLatency, data["metric"])
    assert.Equal(t, now.Add(-6*time.Hour).Format(time.RFC3339), data["from"])

    w, _ = doRequest(t, s, http.MethodGet, "/api/devices/r1/metrics?range=bogus", "")
    assert.Equal(t, http.StatusBadRequest, w.Code)

    w, _ = doRequest(t, s, http.MethodGet, "/api/devices/r1/metrics?from=2024-05-01T12:00:00Z&to=2024-05-01T11:00:00Z", "")
    assert.Equal(t, http.StatusBadRequest, w.Code)

    w, _ = doRequest(t, s, http.MethodGet, "/api/devices/missing/metrics", "")
    assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAlerts(t *testing.T) {
    s, mon := newTestServer(t)

    w, body := doRequest(t, s, http.MethodGet, "/api/alerts", "")
    require.Equal(t, http.StatusOK, w.Code)
    assert.Equal(t, float64(2), body["count"])

    w, body = doRequest(t, s, http.MethodGet, "/api/alerts?severity=high", "")
    require.Equal(t, http.StatusOK, w.Code)
    require.Equal(t, float64(1), body["count"])
    first := body["data"].([]interface{})[0].(map[string]interface{})
    assert.Equal(t, "CRITICAL", first["severity"])

    w, _ = doRequest(t, s, http.MethodGet, "/api/alerts?active=false&device=r1&limit=5", "")
    require.Equal(t, http.StatusOK, w.Code)
    assert.Equal(t, "r1", mon.filter.DeviceID)
    assert.Equal(t, 5, mon.filter.Limit)
    assert.False(t, mon.filter.ActiveOnly)

    w, _ = doRequest(t, s, http.MethodGet, "/api/alerts?severity=nope", "")
    assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlertsSummary(t *testing.T) {
    s, _ := newTestServer(t)
    _, body := doRequest(t, s, http.MethodGet, "/api/alerts/summary", "")
    data := body["data"].(map[string]interface{})
    assert.Equal(t, float64(2), data["active"])
    assert.Equal(t, float64(1), data["critical"])
    assert.Equal(t, float64(1), data["medium"])
}

func TestResolveAlert(t *testing.T) {
    s, mon := newTestServer(t)

    w, body := doRequest(t, s, http.MethodPost, "/api/alerts/a1/resolve", `{"by":"oncall"}`)
    require.Equal(t, http.StatusOK, w.Code)
    assert.Equal(t, "oncall", body["data"].(map[string]interface{})["resolved_by"])
    assert.Equal(t, []string{"a1"}, mon.resolved)

    w, _ = doRequest(t, s, http.MethodPost, "/api/alerts/zzz/resolve", "")
    assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationEndpoints(t *testing.T) {
    s, mon := newTestServer(t)

    _, body := doRequest(t, s, http.MethodGet, "/api/notifications/settings", "")
    pushover := body["data"].(map[string]interface{})["pushover"].(map[string]interface{})
    assert.Equal(t, "abcd********mnop", pushover["api_token"])

    w, _ := doRequest(t, s, http.MethodPost, "/api/notifications/test", `{}`)
    assert.Equal(t, http.StatusBadRequest, w.Code)

    mon.testErr = notifications.ErrNotConfigured
    w, _ = doRequest(t, s, http.MethodPost, "/api/notifications/test", `{"message":"hello"}`)
    assert.Equal(t, http.StatusBadRequest, w.Code)

    mon.testErr = nil
    w, _ = doRequest(t, s, http.MethodPost, "/api/notifications/test", `{"message":"hello"}`)
    assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthReflectsEngine(t *testing.T) {
    s, mon := newTestServer(t)

    w, _ := doRequest(t, s, http.MethodGet, "/api/health", "")
    assert.Equal(t, http.StatusOK, w.Code)

    mon.health.Status = "degraded"
    w, _ = doRequest(t, s, http.MethodGet, "/api/health", "")
    assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMaintenanceAndMetricsRoutes(t *testing.T) {
    s, _ := newTestServer(t)

    w, _ := doRequest(t, s, http.MethodPost, "/api/maintenance/purge", "")
    assert.Equal(t, http.StatusOK, w.Code)

    w, body := doRequest(t, s, http.MethodPost, "/api/maintenance/inventory/refresh", "")
    assert.Equal(t, http.StatusOK, w.Code)
    assert.Equal(t, float64(2), body["devices"])

    req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
    rec := httptest.NewRecorder()
    s.Handler().ServeHTTP(rec, req)
    assert.Equal(t, http.StatusOK, rec.Code)
    assert.Contains(t, rec.Body.String(), "netwatch_")
}

func TestWebSocketReceivesBusEvents(t *testing.T) {
    s, mon := newTestServer(t)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    require.NoError(t, s.startEventStream(ctx))

    ts := httptest.NewServer(s.Handler())
    defer ts.Close()

    conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
    require.NoError(t, err)
    defer conn.Close()
    require.Eventually(t, func() bool { return s.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

    mon.bus.Publish(models.Event{
        Type:   models.EventStatusChanged,
        Status: &models.StatusChange{DeviceID: "r1", From: models.StatusUp, To: models.StatusDown},
    })

    conn.SetReadDeadline(time.Now().Add(2 * time.Second))
    var msg struct {
        Type string       `json:"type"`
        Data models.Event `json:"data"`
    }
    require.NoError(t, conn.ReadJSON(&msg))
    assert.Equal(t, string(models.EventStatusChanged), msg.Type)
    require.NotNil(t, msg.Data.Status)
    assert.Equal(t, models.StatusDown, msg.Data.Status.To)

    s.hub.Close()
    assert.Equal(t, 0, s.hub.Len())
}
