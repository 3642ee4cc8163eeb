package models

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Audit categories used by the writer and the alert engine.
const (
	CategoryAuth       = "auth"
	CategoryUser       = "user"
	CategoryPermission = "permission"
	CategorySecurity   = "security"
	CategorySession    = "session"
	CategorySystem     = "system"
)

// Audit event types the alert engine and reports key on.
const (
	EventLoginFailed         = "login.failed"
	EventLoginSuccess        = "login.success"
	EventLogout              = "logout"
	EventAccountLocked       = "account.locked"
	EventAccountUnlocked     = "account.unlocked"
	EventPasswordChanged     = "password.changed"
	EventUserCreated         = "user.created"
	EventUserUpdated         = "user.updated"
	EventUserDeleted         = "user.deleted"
	EventUserApproved        = "user.approved"
	EventUserRejected        = "user.rejected"
	EventUserDeactivated     = "user.deactivated"
	EventPermissionGranted   = "permission.granted"
	EventPermissionRevoked   = "permission.revoked"
	EventRoleAttached        = "role.attached"
	EventRoleDetached        = "role.detached"
	EventRolePermissionsSet  = "role.permissions_synced"
	EventSessionInvalidated  = "session.invalidated"
	EventAuthorizationDenied = "authorization.denied"
	EventAlertResolved       = "security_alert.resolved"
)

// AuditLogEntry is immutable once written.
type AuditLogEntry struct {
	ID              string
	ActorID         *string
	EventType       string
	Category        string
	Severity        Severity
	Description     string
	SubjectType     string
	SubjectID       string
	OldValues       map[string]any
	NewValues       map[string]any
	Metadata        map[string]any
	IPAddress       string
	UserAgent       string
	RequestID       string
	IsSecurityAlert bool
	PrevHash        string
	Hash            string
	CreatedAt       time.Time
}
