// internal/web/purge_handlers.go - Retention and inventory triggers
package web

import (
    "context"
    "net/http"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/sirupsen/logrus"
)

func (s *Server) setupPurgeRoutes(api *gin.RouterGroup) {
    maintenance := api.Group("/maintenance")
    {
        maintenance.POST("/purge", s.purgeAllStaleData)
        maintenance.POST("/inventory/refresh", s.refreshInventory)
    }
}

// POST /api/maintenance/purge - Run the retention jobs now
func (s *Server) purgeAllStaleData(c *gin.Context) {
    ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
    defer cancel()

    if err := s.engine.PurgeAll(ctx); err != nil {
        logrus.WithError(err).Error("Failed to purge stale data")
        c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to purge stale data"})
        return
    }

    c.JSON(http.StatusOK, gin.H{
        "message":   "Stale data purged successfully",
        "timestamp": s.engine.Now(),
    })
}

// POST /api/maintenance/inventory/refresh - Re-read the device inventory
func (s *Server) refreshInventory(c *gin.Context) {
    logrus.Info("Inventory refresh requested")

    ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
    defer cancel()

    if err := s.engine.RefreshInventory(ctx); err != nil {
        logrus.WithError(err).Error("Inventory refresh failed")
        c.JSON(http.StatusInternalServerError, gin.H{"error": "Inventory refresh failed: " + err.Error()})
        return
    }

    c.JSON(http.StatusOK, gin.H{
        "message":   "Inventory refreshed",
        "devices":   len(s.engine.Devices()),
        "timestamp": s.engine.Now(),
    })
}
