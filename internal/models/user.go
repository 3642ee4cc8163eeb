package models

import "time"

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// User is the authenticated actor. Accounts are never hard-deleted: DeletedAt
// retires the row and its audit history stays attached.
type User struct {
	ID                     string
	Email                  string
	Name                   string
	PasswordHash           []byte
	Active                 bool
	ApprovalStatus         ApprovalStatus
	ApprovedBy             *string
	ApprovedAt             *time.Time
	RejectionReason        *string
	SingleSessionEnabled   bool
	CurrentSessionID       *string
	LastActivity           *time.Time
	LastLoginAt            *time.Time
	FailedLoginAttempts    int
	LastFailedLoginAt      *time.Time
	AccountLockedUntil     *time.Time
	PasswordChangedAt      *time.Time
	PasswordExpiresAt      *time.Time
	PasswordChangeRequired bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
	DeletedAt              *time.Time
}

// IsLocked reports whether a lockout is still in force at now.
func (u User) IsLocked(now time.Time) bool {
	return u.AccountLockedUntil != nil && u.AccountLockedUntil.After(now)
}

// Session is a row of the external session store. The actor keeps only the
// denormalized current session id; everything else lives here.
type Session struct {
	ID           string
	UserID       string
	IPAddress    string
	UserAgent    string
	LastActivity time.Time
	CreatedAt    time.Time
	ExpiresAt    time.Time
}
