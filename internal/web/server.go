// internal/web/server.go
package web

import (
    "context"
    "net/http"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/sirupsen/logrus"
    "netwatch/internal/config"
    "netwatch/internal/events"
    "netwatch/internal/metrics"
    "netwatch/internal/models"
    "netwatch/internal/monitoring"
    "netwatch/internal/notifications"
    "netwatch/internal/scheduler"
    "netwatch/internal/tsdb"
)

// Monitor is the part of the monitoring engine the API serves.
type Monitor interface {
    Devices() []models.DeviceSnapshot
    Device(id string) (models.DeviceSnapshot, bool)
    Transitions(id string) []models.TransitionEvent
    ActiveAlerts() []models.Alert
    ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)
    ResolveAlert(ctx context.Context, id, by string) (*models.Alert, error)
    Rules() []models.AlertRule
    QueryMetrics(ctx context.Context, deviceID, metric string, from, to time.Time) (*tsdb.Series, error)
    SchedulerStats() scheduler.Stats
    Health(ctx context.Context) monitoring.Health
    Events() *events.Bus
    Now() time.Time
    RefreshInventory(ctx context.Context) error
    PurgeAll(ctx context.Context) error
    TestPushoverConfig(ctx context.Context, message string) error
    GetNotificationStatus() notifications.Stats
}

type Server struct {
    config  *config.Config
    engine  Monitor
    metrics *metrics.Collector
    router  *gin.Engine
    hub     *Hub
    server  *http.Server
}

func NewServer(cfg *config.Config, engine Monitor, metricsCollector *metrics.Collector) *Server {
    if cfg.Logging.Level != "debug" {
        gin.SetMode(gin.ReleaseMode)
    }

    router := gin.New()
    if cfg.Logging.Level == "debug" {
        router.Use(gin.Logger())
    }
    router.Use(gin.Recovery())
    router.Use(corsMiddleware())

    server := &Server{
        config:  cfg,
        engine:  engine,
        metrics: metricsCollector,
        router:  router,
        hub:     NewHub(metricsCollector),
    }

    server.setupRoutes()
    return server
}

func (s *Server) Handler() http.Handler {
    return s.router
}

func (s *Server) Start(ctx context.Context) error {
    if err := s.startEventStream(ctx); err != nil {
        return err
    }

    s.server = &http.Server{
        Addr:         s.config.Server.Port,
        Handler:      s.router,
        ReadTimeout:  s.config.Server.ReadTimeout,
        WriteTimeout: s.config.Server.WriteTimeout,
    }

    logrus.WithField("port", s.config.Server.Port).Info("Starting web server")

    go func() {
        if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            logrus.WithError(err).Fatal("Failed to start server")
        }
    }()

    return nil
}

func (s *Server) Stop(ctx context.Context) error {
    s.hub.Close()
    if s.server != nil {
        return s.server.Shutdown(ctx)
    }
    return nil
}

// startEventStream relays bus events to websocket clients.
func (s *Server) startEventStream(ctx context.Context) error {
    sub, err := s.engine.Events().Subscribe("websocket")
    if err != nil {
        return err
    }
    s.engine.Events().Consume(ctx, sub, func(ev models.Event) {
        s.hub.Broadcast(WSMessage{Type: string(ev.Type), Data: ev})
    })
    return nil
}

func (s *Server) setupRoutes() {
    api := s.router.Group("/api")
    {
        api.GET("/devices", s.getDevices)
        api.GET("/devices/:id", s.getDevice)
        api.GET("/devices/:id/metrics", s.getDeviceMetrics)

        api.GET("/alerts", s.getAlerts)
        api.GET("/alerts/summary", s.getAlertsSummary)
        api.POST("/alerts/:id/resolve", s.resolveAlert)
        api.GET("/rules", s.getRules)

        api.GET("/scheduler", s.getScheduler)
        api.GET("/stats", s.getStats)
        api.GET("/health", s.healthCheck)
        api.GET("/build", s.getBuildInfo)
    }
    s.setupNotificationRoutes(api)
    s.setupPurgeRoutes(api)

    s.router.GET("/ws", s.handleWebSocket)

    if s.config.Prometheus.Enabled {
        s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
    }
}

func (s *Server) healthCheck(c *gin.Context) {
    health := s.engine.Health(c.Request.Context())
    code := http.StatusOK
    if health.Status != "healthy" {
        code = http.StatusServiceUnavailable
    }
    c.JSON(code, gin.H{
        "data":      health,
        "timestamp": s.engine.Now(),
        "version":   Version,
    })
}

func (s *Server) getScheduler(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"data": s.engine.SchedulerStats()})
}

func corsMiddleware() gin.HandlerFunc {
    return func(c *gin.Context) {
        c.Header("Access-Control-Allow-Origin", "*")
        c.Header("Access-Control-Allow-Credentials", "true")
        c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
        c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

        if c.Request.Method == "OPTIONS" {
            c.AbortWithStatus(204)
            return
        }

        c.Next()
    }
}
