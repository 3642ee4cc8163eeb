package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hospsurvey/internal/middleware"
	"hospsurvey/internal/models"
	"hospsurvey/internal/service"
)

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type userResponse struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	Name                   string     `json:"name"`
	Active                 bool       `json:"active"`
	ApprovalStatus         string     `json:"approvalStatus"`
	SingleSessionEnabled   bool       `json:"singleSessionEnabled"`
	LastLoginAt            *time.Time `json:"lastLoginAt,omitempty"`
	PasswordExpiresAt      *time.Time `json:"passwordExpiresAt,omitempty"`
	PasswordChangeRequired bool       `json:"passwordChangeRequired"`
}

func toUserResponse(u models.User) userResponse {
	return userResponse{
		ID:                     u.ID,
		Email:                  u.Email,
		Name:                   u.Name,
		Active:                 u.Active,
		ApprovalStatus:         string(u.ApprovalStatus),
		SingleSessionEnabled:   u.SingleSessionEnabled,
		LastLoginAt:            u.LastLoginAt,
		PasswordExpiresAt:      u.PasswordExpiresAt,
		PasswordChangeRequired: u.PasswordChangeRequired,
	}
}

func (h HandlerSet) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	user, err := h.Auth.Register(c.Request.Context(), service.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":    toUserResponse(user),
		"message": "Registration received. An administrator must approve your account.",
	})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token                  string       `json:"token"`
	ExpiresAt              time.Time    `json:"expiresAt"`
	SessionID              string       `json:"sessionId"`
	User                   userResponse `json:"user"`
	PasswordChangeRequired bool         `json:"passwordChangeRequired"`
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result, err := h.Auth.Login(c.Request.Context(), service.LoginInput{
		Email:             req.Email,
		Password:          req.Password,
		IPAddress:         c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
		PreviousSessionID: middleware.CurrentSessionID(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	sec := h.Config.Security
	if sec.SessionCookie != "" {
		maxAge := int(time.Until(result.ExpiresAt).Seconds())
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(sec.SessionCookie, result.Token, maxAge, "/", "", sec.SecureCookies, true)
	}

	c.JSON(http.StatusOK, loginResponse{
		Token:                  result.Token,
		ExpiresAt:              result.ExpiresAt,
		SessionID:              result.Session.ID,
		User:                   toUserResponse(result.User),
		PasswordChangeRequired: result.PasswordChangeRequired,
	})
}

func (h HandlerSet) Logout(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if err := h.Auth.Logout(c.Request.Context(), user, middleware.CurrentSessionID(c)); err != nil {
		h.writeError(c, err)
		return
	}

	sec := h.Config.Security
	if sec.SessionCookie != "" {
		c.SetCookie(sec.SessionCookie, "", -1, "/", "", sec.SecureCookies, true)
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) Me(c *gin.Context) {
	user := middleware.CurrentUser(c)
	c.JSON(http.StatusOK, gin.H{
		"user": toUserResponse(*user),
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	Password        string `json:"password" binding:"required"`
	Confirmation    string `json:"passwordConfirmation" binding:"required"`
}

func (h HandlerSet) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Password != req.Confirmation {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "password_confirmation_mismatch"})
		return
	}

	user := middleware.CurrentUser(c)
	if err := h.Auth.ChangePassword(c.Request.Context(), user, middleware.CurrentSessionID(c), req.CurrentPassword, req.Password); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": toUserResponse(*user)})
}

type sessionResponse struct {
	ID           string    `json:"id"`
	IPAddress    string    `json:"ipAddress"`
	UserAgent    string    `json:"userAgent"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Current      bool      `json:"current"`
}

func (h HandlerSet) ListSessions(c *gin.Context) {
	user := middleware.CurrentUser(c)
	current := middleware.CurrentSessionID(c)

	sessions, err := h.Monitor.GetActiveSessions(c.Request.Context(), user)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, sessionResponse{
			ID:           sess.ID,
			IPAddress:    sess.IPAddress,
			UserAgent:    sess.UserAgent,
			LastActivity: sess.LastActivity,
			ExpiresAt:    sess.ExpiresAt,
			Current:      sess.ID == current,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": resp,
	})
}

func (h HandlerSet) RevokeSession(c *gin.Context) {
	user := middleware.CurrentUser(c)
	sessionID := c.Param("id")

	owned := false
	sessions, err := h.Monitor.GetActiveSessions(c.Request.Context(), user)
	if err != nil {
		h.writeError(c, err)
		return
	}
	for _, sess := range sessions {
		if sess.ID == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	if err := h.Monitor.EndSession(c.Request.Context(), user, sessionID); err != nil {
		h.writeError(c, err)
		return
	}
	h.Audit.LogSessionInvalidated(c.Request.Context(), user.ID, sessionID, "revoked_by_user")
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) RevokeOtherSessions(c *gin.Context) {
	user := middleware.CurrentUser(c)
	count, err := h.Monitor.InvalidateOtherSessions(c.Request.Context(), user, middleware.CurrentSessionID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.Audit.LogSessionInvalidated(c.Request.Context(), user.ID, "", "other_sessions_revoked")
	c.JSON(http.StatusOK, gin.H{"revoked": count})
}
