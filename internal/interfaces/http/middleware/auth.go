package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/internal/usecases"
	"kms-core.backend/pkg/jwt"
	"kms-core.backend/pkg/logger"
)

const (
	// AuthorizationHeader is the header key for authorization
	AuthorizationHeader = "Authorization"
	// BearerPrefix is the prefix for bearer tokens
	BearerPrefix = "Bearer "
	// ClaimsKey is the context key for validated admin claims
	ClaimsKey = "adminClaims"
	// TenantParam is the route parameter carrying the tenant id
	TenantParam = "tenantId"

	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
)

// SecurityAuditor records rejected requests in the audit log.
type SecurityAuditor interface {
	LogSecurityEvent(ctx context.Context, eventType entities.AuditEventType, keyID, tenantID string, actor entities.AuditActor, meta map[string]any)
}

// SecurityAlerter raises alerts for rejected requests.
type SecurityAlerter interface {
	HandleSecurityEvent(ctx context.Context, eventType usecases.SecurityEventType, details map[string]any) *entities.Alert
}

// Guard authenticates admin tokens and enforces tenant scoping. Every rejection
// is audited as UNAUTHORIZED_ACCESS and raised as a security event.
type Guard struct {
	jwt    *jwt.JWTService
	audit  SecurityAuditor
	alerts SecurityAlerter
}

func NewGuard(jwtService *jwt.JWTService, audit SecurityAuditor, alerts SecurityAlerter) *Guard {
	return &Guard{jwt: jwtService, audit: audit, alerts: alerts}
}

func (g *Guard) reject(c *gin.Context, status int, reason string, actor entities.AuditActor) {
	ctx := c.Request.Context()
	tenantID := c.Param(TenantParam)
	meta := map[string]any{
		"reason": reason,
		"method": c.Request.Method,
		"path":   c.FullPath(),
	}
	logger.Warn(ctx, "Request rejected",
		zap.String("reason", reason),
		zap.String("path", c.Request.URL.Path),
		zap.String("tenant_id", tenantID),
	)
	if g.audit != nil {
		g.audit.LogSecurityEvent(ctx, entities.AuditUnauthorizedAccess, c.Param("keyId"), tenantID, actor, meta)
	}
	if g.alerts != nil {
		g.alerts.HandleSecurityEvent(ctx, usecases.SecurityUnauthorizedAccess, withTenant(meta, tenantID, actor))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"code":    "UNAUTHORIZED_ACCESS",
		"message": reason,
	})
}

func withTenant(meta map[string]any, tenantID string, actor entities.AuditActor) map[string]any {
	out := make(map[string]any, len(meta)+3)
	for k, v := range meta {
		out[k] = v
	}
	out["tenantId"] = tenantID
	out["ipAddress"] = actor.IPAddress
	if actor.UserID != "" {
		out["userId"] = actor.UserID
	}
	return out
}

// Authenticate validates the bearer token and attaches the caller to the request context.
func (g *Guard) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := entities.AuditActor{IPAddress: c.ClientIP()}

		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			g.reject(c, http.StatusUnauthorized, "Authorization header is required", actor)
			return
		}
		if !strings.HasPrefix(authHeader, BearerPrefix) {
			g.reject(c, http.StatusUnauthorized, "Invalid authorization format. Use: Bearer <token>", actor)
			return
		}

		claims, err := g.jwt.ValidateToken(strings.TrimPrefix(authHeader, BearerPrefix))
		if err != nil {
			reason := "Invalid token"
			if errors.Is(err, jwt.ErrExpiredToken) {
				reason = "Token has expired"
			}
			g.reject(c, http.StatusUnauthorized, reason, actor)
			return
		}

		actor.UserID = claims.Subject
		c.Set(ClaimsKey, claims)
		ctx := usecases.WithActor(c.Request.Context(), actor)
		if tenantID := c.Param(TenantParam); tenantID != "" {
			ctx = logger.WithTenant(ctx, tenantID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireTenantAccess rejects tokens that are not scoped to the :tenantId in the path.
func (g *Guard) RequireTenantAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			g.reject(c, http.StatusUnauthorized, "Missing credentials", entities.AuditActor{IPAddress: c.ClientIP()})
			return
		}
		if !claims.CanAccess(c.Param(TenantParam)) {
			g.reject(c, http.StatusForbidden, "Token is not scoped to this tenant", usecases.ActorFrom(c.Request.Context()))
			return
		}
		c.Next()
	}
}

// RequireGlobalAccess rejects tokens that are not scoped to every tenant.
func (g *Guard) RequireGlobalAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			g.reject(c, http.StatusUnauthorized, "Missing credentials", entities.AuditActor{IPAddress: c.ClientIP()})
			return
		}
		if claims.TenantID != jwt.AllTenants {
			g.reject(c, http.StatusForbidden, "Token is not scoped to all tenants", usecases.ActorFrom(c.Request.Context()))
			return
		}
		c.Next()
	}
}

// RequireRole rejects tokens whose role is not one of roles.
func (g *Guard) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			g.reject(c, http.StatusUnauthorized, "Missing credentials", entities.AuditActor{IPAddress: c.ClientIP()})
			return
		}
		for _, role := range roles {
			if claims.Role == role {
				c.Next()
				return
			}
		}
		g.reject(c, http.StatusForbidden, "Insufficient permissions", usecases.ActorFrom(c.Request.Context()))
	}
}

// GetClaims gets the validated admin claims from context
func GetClaims(c *gin.Context) (*jwt.Claims, bool) {
	v, exists := c.Get(ClaimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}
