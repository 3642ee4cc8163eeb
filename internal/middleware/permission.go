package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"hospsurvey/internal/authz"
	"hospsurvey/internal/models"
)

const forbiddenPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>403 Forbidden</title></head>
<body><h1>403</h1><p>You do not have permission to access this page.</p></body></html>`

type Authorizer interface {
	Authorize(ctx context.Context, user *models.User, slug string, req authz.RequestContext) authz.Decision
}

// DenyObserver is told about every denied request. The audit writer implements it.
type DenyObserver interface {
	LogAuthorizationDenied(ctx context.Context, userID, permission, path string) *models.AuditLogEntry
}

func RequirePermission(gate Authorizer, slug string, observer DenyObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		decision := gate.Authorize(c.Request.Context(), user, slug, authz.RequestContext{
			API:    authz.IsAPIRequest(c.Request.Header),
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
			IP:     c.ClientIP(),
		})

		switch decision.Outcome {
		case authz.OutcomeAllow:
			c.Next()
		case authz.OutcomeRedirectLogin:
			if decision.API {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
				return
			}
			c.Redirect(http.StatusFound, loginPath)
			c.Abort()
		default:
			if observer != nil && user != nil {
				observer.LogAuthorizationDenied(c.Request.Context(), user.ID, slug, c.Request.URL.Path)
			}
			if decision.API {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"message":    "You do not have permission to perform this action.",
					"permission": decision.Permission,
				})
				return
			}
			c.Data(http.StatusForbidden, "text/html; charset=utf-8", []byte(forbiddenPage))
			c.Abort()
		}
	}
}
