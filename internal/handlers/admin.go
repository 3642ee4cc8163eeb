package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"hospsurvey/internal/audit"
	"hospsurvey/internal/middleware"
	"hospsurvey/internal/models"
)

func queryInt(c *gin.Context, name string, def, max int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func actorID(c *gin.Context) string {
	if user := middleware.CurrentUser(c); user != nil {
		return user.ID
	}
	return ""
}

func (h HandlerSet) ApproveUser(c *gin.Context) {
	if err := h.Admin.Approve(c.Request.Context(), actorID(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h HandlerSet) RejectUser(c *gin.Context) {
	var req rejectRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.Admin.Reject(c.Request.Context(), actorID(c), c.Param("id"), req.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) DeactivateUser(c *gin.Context) {
	if err := h.Admin.Deactivate(c.Request.Context(), actorID(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) DeleteUser(c *gin.Context) {
	if err := h.Admin.Delete(c.Request.Context(), actorID(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type unlockRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func (h HandlerSet) UnlockUser(c *gin.Context) {
	var req unlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.Tracker.UnlockAccount(c.Request.Context(), actorID(c), req.Email); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) LoginHistory(c *gin.Context) {
	attempts, err := h.Tracker.GetLoginHistory(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 20, 200))
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]gin.H, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, gin.H{
			"id":          a.ID,
			"email":       a.Email,
			"ipAddress":   a.IPAddress,
			"userAgent":   a.UserAgent,
			"successful":  a.Successful,
			"attemptedAt": a.AttemptedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h HandlerSet) UserPermissions(c *gin.Context) {
	user, err := h.Users.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	slugs, err := h.Permissions.Resolve(c.Request.Context(), &user)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if slugs == nil {
		slugs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"permissions": slugs})
}

type grantRequest struct {
	Permission string     `json:"permission" binding:"required"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

func (h HandlerSet) GrantPermission(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.Grants.GrantPermission(c.Request.Context(), actorID(c), c.Param("id"), req.Permission, req.ExpiresAt); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) RevokePermission(c *gin.Context) {
	if err := h.Grants.RevokePermission(c.Request.Context(), actorID(c), c.Param("id"), c.Param("slug")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type roleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (h HandlerSet) AttachRole(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.Grants.AttachRole(c.Request.Context(), actorID(c), c.Param("id"), req.Role); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) DetachRole(c *gin.Context) {
	if err := h.Grants.DetachRole(c.Request.Context(), actorID(c), c.Param("id"), c.Param("slug")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) ListRoles(c *gin.Context) {
	roles, err := h.Roles.ListRoles(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]gin.H, 0, len(roles))
	for _, r := range roles {
		items = append(items, gin.H{"id": r.ID, "name": r.Name, "slug": r.Slug, "description": r.Description})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (h HandlerSet) SetRolePermissions(c *gin.Context) {
	var req rolePermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.Grants.SetRolePermissions(c.Request.Context(), actorID(c), c.Param("slug"), req.Permissions); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) ListAlerts(c *gin.Context) {
	items, err := h.Alerts.OpenAlerts(c.Request.Context(), queryInt(c, "limit", 100, 500))
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := make([]gin.H, 0, len(items))
	for _, a := range items {
		resp = append(resp, gin.H{
			"id":          a.ID,
			"alertType":   a.AlertType,
			"severity":    a.Severity,
			"title":       a.Title,
			"description": a.Description,
			"userId":      a.UserID,
			"userEmail":   a.UserEmail,
			"ipAddress":   a.IPAddress,
			"metadata":    a.Metadata,
			"createdAt":   a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": resp})
}

type resolveRequest struct {
	Notes string `json:"notes" binding:"required"`
}

func (h HandlerSet) ResolveAlert(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.Alerts.ResolveAlert(c.Request.Context(), c.Param("id"), actorID(c), req.Notes); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Analyze runs a scan on demand. The hourly scan runs in the worker.
func (h HandlerSet) Analyze(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	hours := queryInt(c, "hours", h.Config.Alerts.WindowHours, 24*30)
	raised, err := h.Alerts.Run(ctx, hours)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.Audit.LogAdminAction(c.Request.Context(), "security.analyze", "Security analysis triggered manually", map[string]any{
		"hours":  hours,
		"raised": len(raised),
	})
	c.JSON(http.StatusOK, gin.H{"raised": raised, "count": len(raised)})
}

func (h HandlerSet) Report(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	report, err := h.Alerts.GenerateSecurityReport(ctx, queryInt(c, "days", 7, 365))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h HandlerSet) ExportSIEM(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	hours := queryInt(c, "hours", 24, 24*90)
	records, err := h.Alerts.ExportAlertsForSIEM(ctx, hours)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.Audit.LogAdminAction(c.Request.Context(), "security.export", "Security alerts exported for SIEM", map[string]any{
		"hours":   hours,
		"records": len(records),
	})
	c.JSON(http.StatusOK, records)
}

func (h HandlerSet) RecentAudit(c *gin.Context) {
	entries, err := h.AuditLog.ListRecent(c.Request.Context(), queryInt(c, "limit", 100, 1000))
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		items = append(items, gin.H{
			"id":              e.ID,
			"actorId":         e.ActorID,
			"eventType":       e.EventType,
			"category":        e.Category,
			"severity":        e.Severity,
			"description":     e.Description,
			"subjectType":     e.SubjectType,
			"subjectId":       e.SubjectID,
			"oldValues":       e.OldValues,
			"newValues":       e.NewValues,
			"metadata":        e.Metadata,
			"ipAddress":       e.IPAddress,
			"requestId":       e.RequestID,
			"isSecurityAlert": e.IsSecurityAlert,
			"createdAt":       e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h HandlerSet) VerifyAudit(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	entries, err := h.AuditLog.ListOldestFirst(ctx, queryInt(c, "limit", 10000, 100000))
	if err != nil {
		h.writeError(c, err)
		return
	}

	broken, err := h.Audit.VerifyChain(entries)
	resp := gin.H{"checked": len(entries), "intact": err == nil}
	if err != nil {
		if broken >= 0 && broken < len(entries) {
			resp["brokenAt"] = entries[broken].ID
		}
		h.Audit.Log(c.Request.Context(), audit.Event{
			EventType:       "audit.chain_broken",
			Category:        models.CategorySecurity,
			Description:     "Audit chain verification failed",
			Metadata:        map[string]any{"entry_id": resp["brokenAt"], "checked": len(entries)},
			Severity:        models.SeverityCritical,
			IsSecurityAlert: true,
		})
	}
	c.JSON(http.StatusOK, resp)
}
