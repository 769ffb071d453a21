package main

import (
	"database/sql"
	"net/http"
	"time"

	"auditchain/internal/auditlog"
	"auditchain/internal/httpapi"
	"auditchain/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to the audit client.
func registerRoutes(r *gin.Engine, client *auditlog.Client, db *sql.DB) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := httpapi.Handlers{Client: client}

	v1 := r.Group("/v1")
	{
		events := v1.Group("/events")
		{
			events.POST("", h.CreateEvent)
			events.POST("/bulk", h.CreateEvents)
			events.GET("", h.QueryEvents)
			events.GET("/:id", h.GetEvent)
		}

		integrity := v1.Group("/integrity")
		{
			integrity.POST("/validate", h.ValidateEvents)
			integrity.POST("/seal", h.SealEvents)
			integrity.POST("/export", h.ExportToWORM)
			integrity.POST("/receipts/verify", h.VerifySealReceipt)
		}
	}
}
