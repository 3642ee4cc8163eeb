package middleware

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"hospsurvey/internal/authz"
	"hospsurvey/internal/models"
	"hospsurvey/internal/session"
)

type SessionEvaluator interface {
	Evaluate(ctx context.Context, user *models.User, req session.Request) session.Outcome
}

// SessionSecurity applies the session monitor to every authenticated request.
func SessionSecurity(monitor SessionEvaluator, cookieName string, secureCookies bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		superseded := false
		if user == nil {
			if user = supersededUser(c); user == nil {
				c.Next()
				return
			}
			superseded = true
		}

		out := monitor.Evaluate(c.Request.Context(), user, session.Request{
			Path:       c.Request.URL.Path,
			SessionID:  CurrentSessionID(c),
			IP:         c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			Superseded: superseded,
		})
		api := authz.IsAPIRequest(c.Request.Header)

		switch out.Action {
		case session.ActionLogout:
			c.Set(contextUserKey, (*models.User)(nil))
			if cookieName != "" {
				c.SetCookie(cookieName, "", -1, "/", "", secureCookies, true)
			}
			if api {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":    out.Reason,
					"message":  out.Message,
					"redirect": out.RedirectTo,
				})
				return
			}
			c.Redirect(http.StatusFound, withMessage(out.RedirectTo, out.Message))
			c.Abort()
		case session.ActionRequirePasswordChange:
			if api {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":    "password_change_required",
					"message":  out.Message,
					"redirect": out.RedirectTo,
				})
				return
			}
			c.Redirect(http.StatusFound, withMessage(out.RedirectTo, out.Message))
			c.Abort()
		default:
			c.Next()
		}
	}
}

func withMessage(target, message string) string {
	if message == "" {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set("message", message)
	u.RawQuery = q.Encode()
	return u.String()
}
