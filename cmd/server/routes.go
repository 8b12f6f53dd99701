package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"kms-core.backend/internal/interfaces/http/handlers"
	"kms-core.backend/internal/interfaces/http/middleware"
)

const (
	serviceName    = "kms-core"
	serviceVersion = "1.0.0"
)

type routeDeps struct {
	keyHandler   *handlers.KeyHandler
	auditHandler *handlers.AuditHandler
	alertHandler *handlers.AlertHandler
	adminHandler *handlers.AdminHandler
	guard        *middleware.Guard
	idempotency  gin.HandlerFunc
}

// applyCORSMiddleware answers preflights and echoes the origin when it is
// allowed. An empty allow list allows every origin.
func applyCORSMiddleware(r *gin.Engine, allowedOrigins []string) {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	r.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok || len(allowed) == 0 {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-Request-ID, X-Service-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Idempotency-Hit, Retry-After")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
}

func registerHealthRoute(r *gin.Engine, h *handlers.HealthHandler) {
	r.GET("/health/live", h.Live)
	r.GET("/health", h.Ready)
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": serviceName, "version": serviceVersion})
	})
}

func registerMetricsRoute(r *gin.Engine, metricsHandler http.Handler) {
	r.GET("/metrics", gin.WrapH(metricsHandler))
}

func registerAPIV1Routes(r *gin.Engine, d routeDeps) {
	v1 := r.Group("/api/v1")

	readers := d.guard.RequireRole(middleware.RoleAdmin, middleware.RoleOperator, middleware.RoleAuditor)
	operators := d.guard.RequireRole(middleware.RoleAdmin, middleware.RoleOperator)
	admins := d.guard.RequireRole(middleware.RoleAdmin)
	auditors := d.guard.RequireRole(middleware.RoleAdmin, middleware.RoleAuditor)

	// Tenant scoped routes
	tenant := v1.Group("/tenants/:"+middleware.TenantParam, d.guard.Authenticate(), d.guard.RequireTenantAccess())
	{
		keys := tenant.Group("/keys")
		{
			keys.POST("", operators, d.idempotency, d.keyHandler.CreateKey)
			keys.GET("", readers, d.keyHandler.ListKeys)
			keys.GET("/stats", readers, d.keyHandler.KeyStats)
			keys.GET("/:keyId", readers, d.keyHandler.GetKeyMetadata)
			keys.GET("/:keyId/material", operators, d.keyHandler.GetKeyMaterial)
			keys.POST("/:keyId/rotate", operators, d.idempotency, d.keyHandler.RotateKey)
			keys.POST("/:keyId/compromise", admins, d.keyHandler.CompromiseKey)
			keys.POST("/:keyId/disable", admins, d.keyHandler.DisableKey)
			keys.DELETE("/:keyId", admins, d.keyHandler.DeleteKey)
			keys.POST("/:keyId/re-encrypt", operators, d.keyHandler.ReEncrypt)
			keys.GET("/:keyId/rotation-schedule", readers, d.keyHandler.GetRotationSchedule)
			keys.PUT("/:keyId/rotation-schedule", operators, d.keyHandler.UpdateRotationSchedule)
		}

		tenant.GET("/purposes/:purpose/active-key", operators, d.keyHandler.GetActiveKey)
		tenant.GET("/rotation-schedules", readers, d.keyHandler.ListRotationSchedules)
		tenant.GET("/rotation-stats", readers, d.keyHandler.RotationStats)
		tenant.DELETE("/cache", admins, d.adminHandler.InvalidateTenantCache)

		audit := tenant.Group("/audit-logs", auditors)
		{
			audit.GET("", d.auditHandler.QueryLogs)
			audit.GET("/export", d.auditHandler.ExportLogs)
			audit.GET("/suspicious", d.auditHandler.SuspiciousActivity)
			audit.GET("/summary", d.auditHandler.Summary)
			audit.POST("/verify", d.auditHandler.VerifyLogs)
		}
	}

	// Cross-tenant operator routes
	admin := v1.Group("/admin", d.guard.Authenticate(), d.guard.RequireGlobalAccess())
	{
		admin.GET("/alerts", readers, d.alertHandler.ListAlerts)
		admin.GET("/alerts/stats", readers, d.alertHandler.Stats)
		admin.POST("/alerts/:alertId/resolve", operators, d.alertHandler.ResolveAlert)

		admin.GET("/cache/stats", readers, d.adminHandler.CacheStats)
		admin.POST("/cache/stats/reset", admins, d.adminHandler.ResetCacheStats)
		admin.DELETE("/cache", admins, d.adminHandler.ClearCache)

		admin.GET("/keys/stats", readers, d.adminHandler.KeyStats)
		admin.GET("/rotation/stats", readers, d.adminHandler.RotationStats)
		admin.POST("/rotation/sweep", admins, d.adminHandler.RunRotationSweep)

		admin.POST("/audit/verify-export", auditors, d.auditHandler.VerifyExport)
	}
}
