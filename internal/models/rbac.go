package models

import "time"

type Role struct {
	ID          string
	Name        string
	Slug        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is a slugged capability. Context and ContextRules are stored for
// future scoping and are not evaluated by the resolver.
type Permission struct {
	ID           string
	Name         string
	Slug         string
	Description  string
	Context      *string
	ContextRules map[string]any
	CreatedAt    time.Time
}

// PermissionGrant is a row of user_permissions or role_permissions.
type PermissionGrant struct {
	PermissionID   string
	PermissionSlug string
	ExpiresAt      *time.Time
	Deny           bool
	GrantedBy      *string
	CreatedAt      time.Time
}

// Effective reports whether the grant currently confers the permission.
func (g PermissionGrant) Effective(now time.Time) bool {
	if g.Deny {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}
