package authz

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"hospsurvey/internal/models"
	"hospsurvey/internal/repository"
)

type fakeStore struct {
	mu          sync.Mutex
	permissions map[string]string // slug -> id
	roles       map[string]string // slug -> id
	userRoles   map[string]map[string]bool
	direct      map[string][]models.PermissionGrant
	rolePerms   map[string][]models.PermissionGrant // role id -> grants
	failRoles   error
	queries     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		permissions: map[string]string{},
		roles:       map[string]string{},
		userRoles:   map[string]map[string]bool{},
		direct:      map[string][]models.PermissionGrant{},
		rolePerms:   map[string][]models.PermissionGrant{},
	}
}

func (f *fakeStore) addPermission(slug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions[slug] = "perm-" + slug
}

func (f *fakeStore) addRole(slug string, perms ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "role-" + slug
	f.roles[slug] = id
	for _, p := range perms {
		f.permissions[p] = "perm-" + p
		f.rolePerms[id] = append(f.rolePerms[id], models.PermissionGrant{PermissionID: "perm-" + p, PermissionSlug: p})
	}
}

func (f *fakeStore) AllPermissionSlugs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.permissions))
	for slug := range f.permissions {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) UserRoleSlugs(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRoles != nil {
		return nil, f.failRoles
	}
	var out []string
	for slug, id := range f.roles {
		if f.userRoles[userID][id] {
			out = append(out, slug)
		}
	}
	return out, nil
}

func (f *fakeStore) DirectGrants(_ context.Context, userID string) ([]models.PermissionGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return append([]models.PermissionGrant(nil), f.direct[userID]...), nil
}

func (f *fakeStore) RoleGrants(_ context.Context, userID string) ([]models.PermissionGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PermissionGrant
	for roleID, held := range f.userRoles[userID] {
		if held {
			out = append(out, f.rolePerms[roleID]...)
		}
	}
	return out, nil
}

func (f *fakeStore) RoleHolders(_ context.Context, roleID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for userID, roles := range f.userRoles {
		if roles[roleID] {
			out = append(out, userID)
		}
	}
	return out, nil
}

func (f *fakeStore) FindPermissionBySlug(_ context.Context, slug string) (models.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.permissions[slug]
	if !ok {
		return models.Permission{}, repository.ErrPermissionNotFound
	}
	return models.Permission{ID: id, Slug: slug}, nil
}

func (f *fakeStore) FindRoleBySlug(_ context.Context, slug string) (models.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.roles[slug]
	if !ok {
		return models.Role{}, repository.ErrRoleNotFound
	}
	return models.Role{ID: id, Slug: slug}, nil
}

func (f *fakeStore) slugFor(permissionID string) string {
	for slug, id := range f.permissions {
		if id == permissionID {
			return slug
		}
	}
	return ""
}

func (f *fakeStore) GrantUserPermission(_ context.Context, userID, permissionID string, expiresAt *time.Time, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct[userID] = append(f.direct[userID], models.PermissionGrant{
		PermissionID:   permissionID,
		PermissionSlug: f.slugFor(permissionID),
		ExpiresAt:      expiresAt,
	})
	return nil
}

func (f *fakeStore) RevokeUserPermission(_ context.Context, userID, permissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	grants := f.direct[userID]
	for i, g := range grants {
		if g.PermissionID == permissionID {
			f.direct[userID] = append(grants[:i], grants[i+1:]...)
			return nil
		}
	}
	return repository.ErrGrantNotFound
}

func (f *fakeStore) AttachRole(_ context.Context, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userRoles[userID] == nil {
		f.userRoles[userID] = map[string]bool{}
	}
	f.userRoles[userID][roleID] = true
	return nil
}

func (f *fakeStore) DetachRole(_ context.Context, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.userRoles[userID][roleID] {
		return repository.ErrGrantNotFound
	}
	delete(f.userRoles[userID], roleID)
	return nil
}

func (f *fakeStore) SetRolePermissions(_ context.Context, roleID string, permissionIDs []string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	grants := make([]models.PermissionGrant, 0, len(permissionIDs))
	for _, id := range permissionIDs {
		grants = append(grants, models.PermissionGrant{PermissionID: id, PermissionSlug: f.slugFor(id)})
	}
	f.rolePerms[roleID] = grants
	return nil
}

// deleteRoleGrant removes a role_permissions row without going through the service.
func (f *fakeStore) deleteRoleGrant(roleSlug, permSlug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.roles[roleSlug]
	grants := f.rolePerms[id]
	for i, g := range grants {
		if g.PermissionSlug == permSlug {
			f.rolePerms[id] = append(grants[:i], grants[i+1:]...)
			return
		}
	}
}

type recordedChange struct {
	actor, event, subjectType, subjectID string
}

type fakeRecorder struct {
	mu      sync.Mutex
	changes []recordedChange
}

func (r *fakeRecorder) LogPermissionChange(_ context.Context, actorID, eventType, subjectType, subjectID string, _, _ map[string]any) *models.AuditLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, recordedChange{actorID, eventType, subjectType, subjectID})
	return &models.AuditLogEntry{EventType: eventType}
}

var errStoreDown = errors.New("store down")
