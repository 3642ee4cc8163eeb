package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hospsurvey/internal/audit"
	"hospsurvey/internal/authz"
	"hospsurvey/internal/models"
	"hospsurvey/internal/repository"
	"hospsurvey/internal/security"
)

const (
	contextUserKey       = "current_user"
	contextSessionKey    = "session_id"
	contextSupersededKey = "superseded_user"
	loginPath            = "/login"
)

type UserLookup interface {
	GetByID(ctx context.Context, id string) (models.User, error)
}

type SessionLookup interface {
	GetByID(ctx context.Context, id string) (models.Session, error)
}

// Authenticate resolves the session token from the Authorization header or the
// session cookie. Requests without a valid session continue as guests; routes
// that need an actor enforce it with RequireAuth or RequirePermission.
//
// A token whose session was removed because a single-session actor signed in
// on another device is remembered as superseded, so SessionSecurity can end it
// with the "logged in elsewhere" outcome instead of a silent guest fallback.
func Authenticate(secret, cookieName string, users UserLookup, sessions SessionLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c)
		if tokenStr == "" && cookieName != "" {
			tokenStr, _ = c.Cookie(cookieName)
		}
		if tokenStr == "" {
			c.Next()
			return
		}

		claims, err := security.ParseSessionToken(tokenStr, secret)
		if err != nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		sess, err := sessions.GetByID(ctx, claims.SessionID)
		if errors.Is(err, repository.ErrSessionNotFound) {
			if user, ok := supersededBy(ctx, users, claims); ok {
				c.Set(contextSupersededKey, &user)
				c.Set(contextSessionKey, claims.SessionID)
			}
			c.Next()
			return
		}
		if err != nil || sess.UserID != claims.UserID {
			c.Next()
			return
		}

		user, err := users.GetByID(ctx, claims.UserID)
		if err != nil {
			c.Next()
			return
		}

		c.Set(contextUserKey, &user)
		c.Set(contextSessionKey, sess.ID)
		c.Request = c.Request.WithContext(audit.WithActor(ctx, user.ID))

		c.Next()
	}
}

func supersededBy(ctx context.Context, users UserLookup, claims *security.SessionClaims) (models.User, bool) {
	user, err := users.GetByID(ctx, claims.UserID)
	if err != nil {
		return models.User{}, false
	}
	if !user.SingleSessionEnabled || user.CurrentSessionID == nil || *user.CurrentSessionID == claims.SessionID {
		return models.User{}, false
	}
	return user, true
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// CurrentUser returns the authenticated actor or nil for guests.
func CurrentUser(c *gin.Context) *models.User {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}

func CurrentSessionID(c *gin.Context) string {
	return c.GetString(contextSessionKey)
}

// supersededUser returns the actor whose session was replaced on another device.
// Such requests are never authenticated.
func supersededUser(c *gin.Context) *models.User {
	v, ok := c.Get(contextSupersededKey)
	if !ok {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}

// RequireAuth rejects guests: JSON clients get 401, pages are sent to the login form.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) != nil {
			c.Next()
			return
		}
		if authz.IsAPIRequest(c.Request.Header) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Redirect(http.StatusFound, loginPath)
		c.Abort()
	}
}
