// Package api wires together all HTTP routes of the portal API.
//
// The API sits behind the portal front end, which terminates sessions and
// forwards the signed-in user as X-User-* headers. Every /api/v1 route runs
// ActorMiddleware so audited operations are attributed to that user, or to the
// system when the headers are absent.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gladgrade/portal/internal/api/admin"
	"github.com/gladgrade/portal/internal/api/sales"
	"github.com/gladgrade/portal/internal/audit"
	"github.com/gladgrade/portal/internal/config"
	"github.com/gladgrade/portal/internal/db"
	"github.com/gladgrade/portal/internal/middleware"
	"github.com/gladgrade/portal/internal/services"

	// Import archive backends to register them
	_ "github.com/gladgrade/portal/internal/storage/azure"
	_ "github.com/gladgrade/portal/internal/storage/gcs"
	_ "github.com/gladgrade/portal/internal/storage/local"
	_ "github.com/gladgrade/portal/internal/storage/s3"
)

// Version is the build version reported by /version. It is set at link time
// with -ldflags "-X github.com/gladgrade/portal/internal/api.Version=...".
var Version = "dev"

// BackgroundServices holds resources that outlive a single request and must be
// released during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() after the HTTP server has drained.
type BackgroundServices struct {
	auditLogger *audit.Logger
	readLimiter *middleware.RateLimiter
}

// Shutdown waits for in-flight audit shipments and closes the shippers.
func (bg *BackgroundServices) Shutdown(ctx context.Context) {
	slog.Info("stopping background services")
	if bg.readLimiter != nil {
		bg.readLimiter.Stop()
	}
	if bg.auditLogger != nil {
		if err := bg.auditLogger.Close(ctx); err != nil {
			slog.Error("failed to close audit logger", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, gateway *db.Gateway) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()
	if len(cfg.Server.TrustedProxies) > 0 {
		if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			return nil, nil, err
		}
	}

	multi, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, nil, err
	}
	// a nil Shipper interface, not a nil *MultiShipper, disables shipping
	var shipper audit.Shipper
	if multi.Len() > 0 {
		shipper = multi
		slog.Info("audit shipping enabled", "shippers", multi.Len())
	}

	auditLogger := audit.NewLogger(gateway, cfg.Audit, shipper)
	pipeline := services.NewSalesPipeline(gateway, auditLogger)

	auditHandlers := admin.NewAuditHandlers(auditLogger)
	prospectHandlers := sales.NewProspectHandlers(pipeline, auditLogger)

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.ActorMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.APIHeadersMiddleware())

	bg := &BackgroundServices{auditLogger: auditLogger}

	router.GET("/health", healthCheckHandler(gateway))
	router.GET("/ready", readinessHandler(gateway, cfg.Audit))
	router.GET("/version", versionHandler())

	apiV1 := router.Group("/api/v1")
	{
		auditGroup := apiV1.Group("/audit")
		if cfg.Audit.ReadRequestsPerMinute > 0 {
			limits := middleware.AuditReadRateLimitConfig()
			limits.RequestsPerMinute = cfg.Audit.ReadRequestsPerMinute
			if cfg.Audit.ReadBurst > 0 {
				limits.BurstSize = cfg.Audit.ReadBurst
			}
			bg.readLimiter = middleware.NewRateLimiter(limits)
			auditGroup.Use(middleware.RateLimitMiddleware(bg.readLimiter))
		}
		auditGroup.GET("/recent", auditHandlers.RecentActivityHandler())
		auditGroup.GET("/logs", auditHandlers.ListAuditLogsHandler())
		auditGroup.GET("/logs/:id", auditHandlers.GetAuditLogHandler())

		prospects := apiV1.Group("/prospects")
		prospects.POST("", prospectHandlers.CreateProspectHandler())
		prospects.GET("/:id", prospectHandlers.GetProspectHandler())
		prospects.PUT("/:id/owner", prospectHandlers.ReassignOwnerHandler())
		prospects.GET("/:id/ownership-history", prospectHandlers.OwnershipHistoryHandler())
		prospects.POST("/:id/convert", prospectHandlers.ConvertProspectHandler())
	}

	return router, bg, nil
}

// pinger is the part of db.Gateway the probes need.
type pinger interface {
	Ping(ctx context.Context) error
}

// @Summary      Health check
// @Description  Liveness probe. Returns 503 when the database cannot be reached.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Reports whether audit persistence is enabled.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks: map"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: database not ready"
// @Router       /ready [get]
// readinessHandler fails only on the database. A disabled audit trail is
// reported but does not take the instance out of rotation.
func readinessHandler(db pinger, auditCfg config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.Ping(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if auditCfg.Enabled {
			checks["audit"] = "enabled"
		} else {
			checks["audit"] = "disabled"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
