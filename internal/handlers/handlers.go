package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"hospsurvey/internal/alerts"
	"hospsurvey/internal/audit"
	"hospsurvey/internal/authz"
	"hospsurvey/internal/config"
	"hospsurvey/internal/login"
	"hospsurvey/internal/middleware"
	"hospsurvey/internal/models"
	"hospsurvey/internal/repository"
	"hospsurvey/internal/service"
	"hospsurvey/internal/session"
)

type AuditLog interface {
	ListRecent(ctx context.Context, limit int) ([]models.AuditLogEntry, error)
	ListOldestFirst(ctx context.Context, limit int) ([]models.AuditLogEntry, error)
}

type RoleLister interface {
	ListRoles(ctx context.Context) ([]models.Role, error)
}

type PermissionLister interface {
	Resolve(ctx context.Context, user *models.User) ([]string, error)
}

// Deps is everything the HTTP surface needs. cmd/api builds it from the
// repositories; tests build it from in-memory stores.
type Deps struct {
	Config      *config.AppConfig
	Log         zerolog.Logger
	Auth        *service.AuthService
	Admin       *service.UserAdminService
	Grants      *authz.GrantService
	Gate        middleware.Authorizer
	Permissions PermissionLister
	Monitor     *session.Monitor
	Tracker     *login.Tracker
	Alerts      *alerts.Engine
	Audit       *audit.Writer
	AuditLog    AuditLog
	Roles       RoleLister
	Users       middleware.UserLookup
	Sessions    middleware.SessionLookup
	Checks      map[string]func(ctx context.Context) error
}

type HandlerSet struct {
	Deps
}

func NewHandlerSet(deps Deps) HandlerSet {
	return HandlerSet{Deps: deps}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	sec := h.Config.Security
	router.Use(
		middleware.Authenticate(sec.SessionSecret, sec.SessionCookie, h.Users, h.Sessions),
		middleware.SessionSecurity(h.Monitor, sec.SessionCookie, sec.SecureCookies),
	)

	router.POST("/login", h.Login)
	router.POST("/register", h.RegisterUser)
	router.POST("/logout", h.Logout)

	account := router.Group("")
	account.Use(middleware.RequireAuth())
	{
		account.GET("/me", h.Me)
		account.PUT("/user/password", h.ChangePassword)
		account.GET("/sessions", h.ListSessions)
		account.DELETE("/sessions", h.RevokeOtherSessions)
		account.DELETE("/sessions/:id", h.RevokeSession)
	}

	admin := router.Group("/admin")
	admin.Use(middleware.RequireAuth())
	{
		users := admin.Group("/users")
		users.POST("/:id/approve", h.require("users.approve"), h.ApproveUser)
		users.POST("/:id/reject", h.require("users.approve"), h.RejectUser)
		users.POST("/:id/deactivate", h.require("users.update"), h.DeactivateUser)
		users.DELETE("/:id", h.require("users.delete"), h.DeleteUser)
		users.POST("/unlock", h.require("users.update"), h.UnlockUser)
		users.GET("/:id/logins", h.require("users.view"), h.LoginHistory)
		users.GET("/:id/permissions", h.require("permissions.manage"), h.UserPermissions)
		users.POST("/:id/permissions", h.require("permissions.manage"), h.GrantPermission)
		users.DELETE("/:id/permissions/:slug", h.require("permissions.manage"), h.RevokePermission)
		users.POST("/:id/roles", h.require("roles.manage"), h.AttachRole)
		users.DELETE("/:id/roles/:slug", h.require("roles.manage"), h.DetachRole)

		roles := admin.Group("/roles")
		roles.GET("", h.require("roles.manage"), h.ListRoles)
		roles.PUT("/:slug/permissions", h.require("roles.manage"), h.SetRolePermissions)

		security := admin.Group("/security")
		security.GET("/alerts", h.require("security.alerts"), h.ListAlerts)
		security.POST("/alerts/:id/resolve", h.require("security.alerts"), h.ResolveAlert)
		security.POST("/analyze", h.require("security.alerts"), h.Analyze)
		security.GET("/report", h.require("security.reports"), h.Report)
		security.GET("/export", h.require("security.export"), h.ExportSIEM)
		security.GET("/audit", h.require("security.audit"), h.RecentAudit)
		security.GET("/audit/verify", h.require("security.audit"), h.VerifyAudit)
	}
}

func (h HandlerSet) require(slug string) gin.HandlerFunc {
	var observer middleware.DenyObserver
	if h.Audit != nil {
		observer = h.Audit
	}
	return middleware.RequirePermission(h.Gate, slug, observer)
}

func (h HandlerSet) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 15*time.Second)
}

var notFoundErrors = []error{
	repository.ErrUserNotFound,
	repository.ErrSessionNotFound,
	repository.ErrRoleNotFound,
	repository.ErrPermissionNotFound,
	repository.ErrGrantNotFound,
	repository.ErrAlertNotFound,
}

// writeError maps domain errors to status codes and snake_case error codes.
func (h HandlerSet) writeError(c *gin.Context, err error) {
	var policyErr *service.PolicyError
	switch {
	case errors.As(err, &policyErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "weak_password", "message": policyErr.Error()})
		return
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	case errors.Is(err, service.ErrAccountLocked):
		c.JSON(http.StatusLocked, gin.H{"error": "account_locked"})
		return
	case errors.Is(err, service.ErrTooManyAttempts):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts"})
		return
	case errors.Is(err, service.ErrAwaitingApproval):
		c.JSON(http.StatusForbidden, gin.H{"error": "awaiting_approval", "message": "Your account is awaiting approval."})
		return
	case errors.Is(err, service.ErrAccountRejected):
		c.JSON(http.StatusForbidden, gin.H{"error": "account_rejected"})
		return
	case errors.Is(err, service.ErrAccountInactive):
		c.JSON(http.StatusForbidden, gin.H{"error": "account_inactive"})
		return
	case errors.Is(err, service.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken"})
		return
	case errors.Is(err, service.ErrPasswordReused):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "password_reused"})
		return
	case errors.Is(err, service.ErrSelfAction):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "self_action"})
		return
	case errors.Is(err, authz.ErrInvalidInput):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_input", "message": err.Error()})
		return
	}
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
	}

	h.Log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
