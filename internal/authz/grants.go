package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hospsurvey/internal/models"
)

// GrantStore is the write side of the RBAC tables.
type GrantStore interface {
	FindPermissionBySlug(ctx context.Context, slug string) (models.Permission, error)
	FindRoleBySlug(ctx context.Context, slug string) (models.Role, error)
	GrantUserPermission(ctx context.Context, userID, permissionID string, expiresAt *time.Time, grantedBy string) error
	RevokeUserPermission(ctx context.Context, userID, permissionID string) error
	AttachRole(ctx context.Context, userID, roleID string) error
	DetachRole(ctx context.Context, userID, roleID string) error
	SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string, grantedBy string) error
}

// ChangeRecorder writes the audit entry for a grant change.
type ChangeRecorder interface {
	LogPermissionChange(ctx context.Context, actorID, eventType, subjectType, subjectID string, oldValues, newValues map[string]any) *models.AuditLogEntry
}

// GrantService mutates grants. Every mutation is audited and the affected
// snapshots are dropped before the call returns.
type GrantService struct {
	store    GrantStore
	resolver *Resolver
	recorder ChangeRecorder
	log      zerolog.Logger
	now      func() time.Time
}

func NewGrantService(store GrantStore, resolver *Resolver, recorder ChangeRecorder, log zerolog.Logger) *GrantService {
	return &GrantService{
		store:    store,
		resolver: resolver,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

func (s *GrantService) GrantPermission(ctx context.Context, by, userID, slug string, expiresAt *time.Time) error {
	if userID == "" || slug == "" {
		return ErrInvalidInput
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}

	perm, err := s.store.FindPermissionBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if err := s.store.GrantUserPermission(ctx, userID, perm.ID, expiresAt, by); err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}

	values := map[string]any{"permission": slug}
	if expiresAt != nil {
		values["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	s.recorder.LogPermissionChange(ctx, by, models.EventPermissionGranted, "user", userID, nil, values)
	s.resolver.ClearCache(ctx, userID)
	return nil
}

func (s *GrantService) RevokePermission(ctx context.Context, by, userID, slug string) error {
	if userID == "" || slug == "" {
		return ErrInvalidInput
	}
	perm, err := s.store.FindPermissionBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if err := s.store.RevokeUserPermission(ctx, userID, perm.ID); err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}

	s.recorder.LogPermissionChange(ctx, by, models.EventPermissionRevoked, "user", userID, map[string]any{"permission": slug}, nil)
	s.resolver.ClearCache(ctx, userID)
	return nil
}

func (s *GrantService) AttachRole(ctx context.Context, by, userID, roleSlug string) error {
	if userID == "" || roleSlug == "" {
		return ErrInvalidInput
	}
	role, err := s.store.FindRoleBySlug(ctx, roleSlug)
	if err != nil {
		return err
	}
	if err := s.store.AttachRole(ctx, userID, role.ID); err != nil {
		return fmt.Errorf("attach role: %w", err)
	}

	s.recorder.LogPermissionChange(ctx, by, models.EventRoleAttached, "user", userID, nil, map[string]any{"role": roleSlug})
	s.resolver.ClearCache(ctx, userID)
	return nil
}

func (s *GrantService) DetachRole(ctx context.Context, by, userID, roleSlug string) error {
	if userID == "" || roleSlug == "" {
		return ErrInvalidInput
	}
	role, err := s.store.FindRoleBySlug(ctx, roleSlug)
	if err != nil {
		return err
	}
	if err := s.store.DetachRole(ctx, userID, role.ID); err != nil {
		return fmt.Errorf("detach role: %w", err)
	}

	s.recorder.LogPermissionChange(ctx, by, models.EventRoleDetached, "user", userID, map[string]any{"role": roleSlug}, nil)
	s.resolver.ClearCache(ctx, userID)
	return nil
}

// SetRolePermissions replaces a role's permission set and drops the snapshot of every holder.
func (s *GrantService) SetRolePermissions(ctx context.Context, by, roleSlug string, slugs []string) error {
	if roleSlug == "" {
		return ErrInvalidInput
	}
	role, err := s.store.FindRoleBySlug(ctx, roleSlug)
	if err != nil {
		return err
	}

	slugs = dedupeStrings(slugs)
	ids := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		perm, err := s.store.FindPermissionBySlug(ctx, slug)
		if err != nil {
			return fmt.Errorf("permission %q: %w", slug, err)
		}
		ids = append(ids, perm.ID)
	}

	if err := s.store.SetRolePermissions(ctx, role.ID, ids, by); err != nil {
		return fmt.Errorf("set role permissions: %w", err)
	}

	s.recorder.LogPermissionChange(ctx, by, models.EventRolePermissionsSet, "role", role.ID, nil, map[string]any{
		"role":        roleSlug,
		"permissions": toAny(slugs),
	})
	if err := s.resolver.ClearCacheForRole(ctx, role.ID); err != nil {
		s.log.Error().Err(err).Str("role_id", role.ID).Msg("failed to invalidate role holders")
	}
	return nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
