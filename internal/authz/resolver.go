package authz

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"hospsurvey/internal/models"
)

var ErrInvalidInput = errors.New("invalid authorization input")

// Store is the read side the resolver needs from the RBAC tables.
type Store interface {
	AllPermissionSlugs(ctx context.Context) ([]string, error)
	UserRoleSlugs(ctx context.Context, userID string) ([]string, error)
	DirectGrants(ctx context.Context, userID string) ([]models.PermissionGrant, error)
	RoleGrants(ctx context.Context, userID string) ([]models.PermissionGrant, error)
	RoleHolders(ctx context.Context, roleID string) ([]string, error)
}

// Resolver computes an actor's effective permission set.
//
// A super actor holds every permission that exists, recomputed on each Resolve so
// permissions created later are visible at once. Everyone else gets the union of
// direct and role grants that are not deny rows and have not expired; deny rows
// neither grant nor suppress anything.
type Resolver struct {
	store     Store
	cache     Cache
	superRole string
	log       zerolog.Logger
	now       func() time.Time
}

func NewResolver(store Store, cache Cache, superRole string, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		cache:     cache,
		superRole: superRole,
		log:       log,
		now:       time.Now,
	}
}

func (r *Resolver) Resolve(ctx context.Context, user *models.User) ([]string, error) {
	if user == nil {
		return nil, ErrInvalidInput
	}
	super, err := r.IsSuper(ctx, user)
	if err != nil {
		return nil, err
	}
	if super {
		return r.store.AllPermissionSlugs(ctx)
	}
	snap, err := r.snapshot(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(snap.Permissions))
	copy(out, snap.Permissions)
	return out, nil
}

// Check reports whether user holds slug. Errors mean the answer is unknown.
func (r *Resolver) Check(ctx context.Context, user *models.User, slug string) (bool, error) {
	if user == nil || slug == "" {
		return false, nil
	}
	super, err := r.IsSuper(ctx, user)
	if err != nil {
		return false, err
	}
	if super {
		return true, nil
	}
	return r.granted(ctx, user.ID, slug)
}

func (r *Resolver) granted(ctx context.Context, userID, slug string) (bool, error) {
	snap, err := r.snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	idx := sort.SearchStrings(snap.Permissions, slug)
	return idx < len(snap.Permissions) && snap.Permissions[idx] == slug, nil
}

// Has is Check with failures treated as a denial.
func (r *Resolver) Has(ctx context.Context, user *models.User, slug string) bool {
	ok, err := r.Check(ctx, user, slug)
	if err != nil {
		r.log.Error().Err(err).Str("user_id", user.ID).Str("permission", slug).Msg("permission check failed")
		return false
	}
	return ok
}

// IsSuper reads role membership from the store on every call; it never goes through the cache.
func (r *Resolver) IsSuper(ctx context.Context, user *models.User) (bool, error) {
	if user == nil {
		return false, nil
	}
	roles, err := r.store.UserRoleSlugs(ctx, user.ID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role == r.superRole {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) ClearCache(ctx context.Context, userID string) {
	if err := r.cache.Invalidate(ctx, userID); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("permission cache invalidation failed")
	}
}

// ClearCacheForRole drops the snapshot of every holder of roleID.
func (r *Resolver) ClearCacheForRole(ctx context.Context, roleID string) error {
	holders, err := r.store.RoleHolders(ctx, roleID)
	if err != nil {
		return err
	}
	for _, userID := range holders {
		r.ClearCache(ctx, userID)
	}
	return nil
}

func (r *Resolver) snapshot(ctx context.Context, userID string) (Snapshot, error) {
	now := r.now()
	if snap, ok := r.cache.Get(ctx, userID); ok {
		if snap.ValidUntil == nil || snap.ValidUntil.After(now) {
			return snap, nil
		}
	}

	gen, genErr := r.cache.Generation(ctx, userID)
	if genErr != nil {
		r.log.Warn().Err(genErr).Str("user_id", userID).Msg("permission cache generation unavailable, snapshot not cached")
	}

	direct, err := r.store.DirectGrants(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	viaRoles, err := r.store.RoleGrants(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{ComputedAt: now}
	snap.Permissions, snap.ValidUntil = effectiveSlugs(now, direct, viaRoles)
	if genErr == nil {
		r.cache.Set(ctx, userID, snap, gen)
	}
	return snap, nil
}

// effectiveSlugs returns the sorted distinct slugs of the grants in force at now,
// and the earliest moment one of them lapses.
func effectiveSlugs(now time.Time, groups ...[]models.PermissionGrant) ([]string, *time.Time) {
	seen := make(map[string]struct{})
	var validUntil *time.Time
	for _, grants := range groups {
		for _, g := range grants {
			if !g.Effective(now) {
				continue
			}
			seen[g.PermissionSlug] = struct{}{}
			if g.ExpiresAt != nil && (validUntil == nil || g.ExpiresAt.Before(*validUntil)) {
				at := *g.ExpiresAt
				validUntil = &at
			}
		}
	}

	slugs := make([]string, 0, len(seen))
	for slug := range seen {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs, validUntil
}
