package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hospsurvey/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

const userColumns = `
	id, email, name, password_hash, active, approval_status, approved_by, approved_at,
	rejection_reason, single_session_enabled, current_session_id, last_activity, last_login_at,
	failed_login_attempts, last_failed_login_at, account_locked_until, password_changed_at,
	password_expires_at, password_change_required, created_at, updated_at, deleted_at
`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.Active,
		&user.ApprovalStatus,
		&user.ApprovedBy,
		&user.ApprovedAt,
		&user.RejectionReason,
		&user.SingleSessionEnabled,
		&user.CurrentSessionID,
		&user.LastActivity,
		&user.LastLoginAt,
		&user.FailedLoginAttempts,
		&user.LastFailedLoginAt,
		&user.AccountLockedUntil,
		&user.PasswordChangedAt,
		&user.PasswordExpiresAt,
		&user.PasswordChangeRequired,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *UserRepository) Create(ctx context.Context, user models.User) error {
	const query = `
		INSERT INTO users (
			id, email, name, password_hash, active, approval_status, single_session_enabled,
			password_changed_at, password_expires_at, password_change_required, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW()
		)
	`

	_, err := r.pool.Exec(ctx, query,
		user.ID,
		user.Email,
		user.Name,
		user.PasswordHash,
		user.Active,
		user.ApprovalStatus,
		user.SingleSessionEnabled,
		user.PasswordChangedAt,
		user.PasswordExpiresAt,
		user.PasswordChangeRequired,
	)
	return err
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1 AND deleted_at IS NULL`
	return scanUser(r.pool.QueryRow(ctx, query, email))
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	const query = `UPDATE users SET active = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, active)
}

func (r *UserRepository) UpdateApproval(ctx context.Context, id string, status models.ApprovalStatus, by string, reason *string) error {
	const query = `
		UPDATE users
		SET approval_status = $2,
		    approved_by = $3,
		    approved_at = NOW(),
		    rejection_reason = $4,
		    updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, status, by, reason)
}

func (r *UserRepository) SetCurrentSession(ctx context.Context, id string, sessionID *string) error {
	const query = `UPDATE users SET current_session_id = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, sessionID)
}

// AdoptSession stores sessionID as current only when no session is stored yet.
// It reports whether this call won the write.
func (r *UserRepository) AdoptSession(ctx context.Context, id string, sessionID string) (bool, error) {
	const query = `
		UPDATE users SET current_session_id = $2, updated_at = NOW()
		WHERE id = $1 AND current_session_id IS NULL
	`
	cmd, err := r.pool.Exec(ctx, query, id, sessionID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *UserRepository) TouchLastActivity(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE users SET last_activity = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, at)
	return err
}

// IncrementFailedLogins records a failure and returns the failures in the
// current run. The run restarts at one when the previous failure predates
// windowStart or when a lockout has already expired.
func (r *UserRepository) IncrementFailedLogins(ctx context.Context, id string, windowStart, at time.Time) (int, error) {
	const query = `
		UPDATE users
		SET failed_login_attempts = CASE
		        WHEN last_failed_login_at IS NULL
		          OR last_failed_login_at < $2
		          OR (account_locked_until IS NOT NULL AND account_locked_until <= $3)
		        THEN 1
		        ELSE failed_login_attempts + 1
		    END,
		    account_locked_until = CASE
		        WHEN account_locked_until <= $3 THEN NULL
		        ELSE account_locked_until
		    END,
		    last_failed_login_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING failed_login_attempts
	`
	var attempts int
	if err := r.pool.QueryRow(ctx, query, id, windowStart, at).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return attempts, nil
}

func (r *UserRepository) LockUntil(ctx context.Context, id string, until *time.Time) error {
	const query = `UPDATE users SET account_locked_until = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, until)
}

func (r *UserRepository) ResetLoginFailures(ctx context.Context, id string, loginAt time.Time) error {
	const query = `
		UPDATE users
		SET failed_login_attempts = 0,
		    last_failed_login_at = NULL,
		    account_locked_until = NULL,
		    last_login_at = $2,
		    last_activity = $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, loginAt)
}

func (r *UserRepository) ClearLock(ctx context.Context, id string) error {
	const query = `
		UPDATE users
		SET failed_login_attempts = 0, last_failed_login_at = NULL, account_locked_until = NULL, updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id)
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id string, hash []byte, changedAt time.Time, expiresAt *time.Time) error {
	const query = `
		UPDATE users
		SET password_hash = $2,
		    password_changed_at = $3,
		    password_expires_at = $4,
		    password_change_required = FALSE,
		    updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, hash, changedAt, expiresAt)
}

// Delete retires the account. The row stays so audit trails and approvals that
// reference it keep resolving; lookups by id or email stop finding it.
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	const query = `
		UPDATE users
		SET deleted_at = NOW(), active = FALSE, current_session_id = NULL, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	return r.execOne(ctx, query, id)
}

// DeactivateIdleSince flips active users whose last activity predates cutoff and returns their ids.
func (r *UserRepository) DeactivateIdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	const query = `
		UPDATE users
		SET active = FALSE, updated_at = NOW()
		WHERE active = TRUE
		  AND deleted_at IS NULL
		  AND COALESCE(last_activity, last_login_at, created_at) < $1
		RETURNING id
	`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *UserRepository) execOne(ctx context.Context, query string, args ...any) error {
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
