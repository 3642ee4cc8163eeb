package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hospsurvey/internal/models"
)

var (
	ErrRoleNotFound       = errors.New("role not found")
	ErrPermissionNotFound = errors.New("permission not found")
	ErrGrantNotFound      = errors.New("grant not found")
)

// RBACRepository reads and writes roles, permissions and both grant tables.
type RBACRepository struct {
	pool *pgxpool.Pool
}

func NewRBACRepository(pool *pgxpool.Pool) *RBACRepository {
	return &RBACRepository{pool: pool}
}

func (r *RBACRepository) AllPermissionSlugs(ctx context.Context) ([]string, error) {
	const query = `SELECT slug FROM permissions ORDER BY slug`
	return r.strings(ctx, query)
}

func (r *RBACRepository) UserRoleSlugs(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT r.slug
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.slug
	`
	return r.strings(ctx, query, userID)
}

func (r *RBACRepository) DirectGrants(ctx context.Context, userID string) ([]models.PermissionGrant, error) {
	const query = `
		SELECT p.id, p.slug, up.expires_at, up.deny, up.granted_by, up.created_at
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1
	`
	return r.grants(ctx, query, userID)
}

func (r *RBACRepository) RoleGrants(ctx context.Context, userID string) ([]models.PermissionGrant, error) {
	const query = `
		SELECT p.id, p.slug, rp.expires_at, rp.deny, rp.granted_by, rp.created_at
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1
	`
	return r.grants(ctx, query, userID)
}

func (r *RBACRepository) FindRoleBySlug(ctx context.Context, slug string) (models.Role, error) {
	const query = `
		SELECT id, name, slug, COALESCE(description, ''), created_at, updated_at
		FROM roles WHERE slug = $1
	`
	var role models.Role
	err := r.pool.QueryRow(ctx, query, slug).Scan(
		&role.ID, &role.Name, &role.Slug, &role.Description, &role.CreatedAt, &role.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Role{}, ErrRoleNotFound
	}
	return role, err
}

func (r *RBACRepository) FindPermissionBySlug(ctx context.Context, slug string) (models.Permission, error) {
	const query = `
		SELECT id, name, slug, COALESCE(description, ''), context, context_rules, created_at
		FROM permissions WHERE slug = $1
	`
	var perm models.Permission
	err := r.pool.QueryRow(ctx, query, slug).Scan(
		&perm.ID, &perm.Name, &perm.Slug, &perm.Description, &perm.Context, &perm.ContextRules, &perm.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Permission{}, ErrPermissionNotFound
	}
	return perm, err
}

func (r *RBACRepository) ListRoles(ctx context.Context) ([]models.Role, error) {
	const query = `
		SELECT id, name, slug, COALESCE(description, ''), created_at, updated_at
		FROM roles ORDER BY name
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []models.Role
	for rows.Next() {
		var role models.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Slug, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GrantUserPermission upserts a direct grant, clearing any previous deny flag.
func (r *RBACRepository) GrantUserPermission(ctx context.Context, userID, permissionID string, expiresAt *time.Time, grantedBy string) error {
	const query = `
		INSERT INTO user_permissions (user_id, permission_id, expires_at, deny, granted_by, created_at)
		VALUES ($1, $2, $3, FALSE, $4, NOW())
		ON CONFLICT (user_id, permission_id)
		DO UPDATE SET expires_at = EXCLUDED.expires_at, deny = FALSE, granted_by = EXCLUDED.granted_by
	`
	_, err := r.pool.Exec(ctx, query, userID, permissionID, expiresAt, grantedBy)
	return err
}

func (r *RBACRepository) RevokeUserPermission(ctx context.Context, userID, permissionID string) error {
	const query = `DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`
	cmd, err := r.pool.Exec(ctx, query, userID, permissionID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func (r *RBACRepository) AttachRole(ctx context.Context, userID, roleID string) error {
	const query = `
		INSERT INTO user_roles (user_id, role_id, created_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, role_id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, userID, roleID)
	return err
}

func (r *RBACRepository) DetachRole(ctx context.Context, userID, roleID string) error {
	const query = `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`
	cmd, err := r.pool.Exec(ctx, query, userID, roleID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// SetRolePermissions replaces the role's grant rows in one transaction.
func (r *RBACRepository) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string, grantedBy string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	for _, permissionID := range permissionIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id, deny, granted_by, created_at)
			VALUES ($1, $2, FALSE, $3, NOW())
		`, roleID, permissionID, grantedBy); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *RBACRepository) RoleHolders(ctx context.Context, roleID string) ([]string, error) {
	const query = `SELECT user_id FROM user_roles WHERE role_id = $1`
	return r.strings(ctx, query, roleID)
}

func (r *RBACRepository) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func (r *RBACRepository) grants(ctx context.Context, query string, args ...any) ([]models.PermissionGrant, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []models.PermissionGrant
	for rows.Next() {
		var g models.PermissionGrant
		if err := rows.Scan(&g.PermissionID, &g.PermissionSlug, &g.ExpiresAt, &g.Deny, &g.GrantedBy, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
