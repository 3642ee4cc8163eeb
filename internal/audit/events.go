package audit

import (
	"context"
	"fmt"

	"hospsurvey/internal/models"
)

func userSnapshot(u models.User) map[string]any {
	return map[string]any{
		"email":           u.Email,
		"name":            u.Name,
		"active":          u.Active,
		"approval_status": string(u.ApprovalStatus),
	}
}

func (w *Writer) LogUserCreated(ctx context.Context, user models.User) *models.AuditLogEntry {
	return w.Log(ctx, Event{
		EventType:   models.EventUserCreated,
		Category:    models.CategoryUser,
		Description: "User account created",
		SubjectType: "user",
		SubjectID:   user.ID,
		NewValues:   userSnapshot(user),
	})
}

func (w *Writer) LogUserUpdated(ctx context.Context, user models.User, oldValues, newValues map[string]any) *models.AuditLogEntry {
	return w.Log(ctx, Event{
		EventType:   models.EventUserUpdated,
		Category:    models.CategoryUser,
		Description: "User account updated",
		SubjectType: "user",
		SubjectID:   user.ID,
		OldValues:   oldValues,
		NewValues:   newValues,
	})
}

func (w *Writer) LogUserDeleted(ctx context.Context, user models.User) *models.AuditLogEntry {
	return w.Log(ctx, Event{
		EventType:       models.EventUserDeleted,
		Category:        models.CategoryUser,
		Description:     "User account deleted",
		SubjectType:     "user",
		SubjectID:       user.ID,
		OldValues:       userSnapshot(user),
		Severity:        models.SeverityWarning,
		IsSecurityAlert: true,
	})
}

func (w *Writer) LogPasswordChanged(ctx context.Context, user models.User) *models.AuditLogEntry {
	return w.Log(ctx, Event{
		EventType:       models.EventPasswordChanged,
		Category:        models.CategorySecurity,
		Description:     "Password changed",
		SubjectType:     "user",
		SubjectID:       user.ID,
		ActorID:         user.ID,
		Severity:        models.SeverityWarning,
		IsSecurityAlert: true,
	})
}

// LogFailedLogin records a rejected credential check. user is nil for unknown emails.
func (w *Writer) LogFailedLogin(ctx context.Context, email string, user *models.User, reason string) *models.AuditLogEntry {
	ev := Event{
		EventType:   models.EventLoginFailed,
		Category:    models.CategoryAuth,
		Description: "Failed login attempt",
		Metadata: map[string]any{
			"email":  email,
			"reason": reason,
		},
		Severity:        models.SeverityWarning,
		IsSecurityAlert: true,
	}
	if user != nil {
		ev.SubjectType = "user"
		ev.SubjectID = user.ID
	}
	return w.Log(ctx, ev)
}

// LogAdminAction records privileged operations; the system category feeds the off-hours rule.
func (w *Writer) LogAdminAction(ctx context.Context, action, description string, metadata map[string]any) *models.AuditLogEntry {
	return w.Log(ctx, Event{
		EventType:   action,
		Category:    models.CategorySystem,
		Description: description,
		Metadata:    metadata,
		Severity:    models.SeverityWarning,
	})
}

func (w *Writer) LogPermissionChange(ctx context.Context, actorID, eventType, subjectType, subjectID string, oldValues, newValues map[string]any) *models.AuditLogEntry {
	return w.Log(ctx, Event{
		EventType:       eventType,
		Category:        models.CategoryPermission,
		Description:     fmt.Sprintf("Authorization change: %s", eventType),
		SubjectType:     subjectType,
		SubjectID:       subjectID,
		OldValues:       oldValues,
		NewValues:       newValues,
		ActorID:         actorID,
		Severity:        models.SeverityWarning,
		IsSecurityAlert: true,
	})
}

func (w *Writer) LogSessionInvalidated(ctx context.Context, userID, sessionID, reason string) *models.AuditLogEntry {
	return w.Log(ctx, Event{
		EventType:   models.EventSessionInvalidated,
		Category:    models.CategorySession,
		Description: reason,
		SubjectType: "session",
		SubjectID:   sessionID,
		ActorID:     userID,
		Metadata:    map[string]any{"reason": reason},
		Severity:    models.SeverityWarning,
	})
}

func (w *Writer) LogAuthorizationDenied(ctx context.Context, userID, permission, path string) *models.AuditLogEntry {
	return w.Log(ctx, Event{
		EventType:   models.EventAuthorizationDenied,
		Category:    models.CategoryPermission,
		Description: fmt.Sprintf("Access denied: missing %s", permission),
		ActorID:     userID,
		Metadata: map[string]any{
			"permission": permission,
			"path":       path,
		},
		Severity: models.SeverityWarning,
	})
}
