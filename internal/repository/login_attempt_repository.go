package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"hospsurvey/internal/models"
)

type LoginAttemptRepository struct {
	pool *pgxpool.Pool
}

func NewLoginAttemptRepository(pool *pgxpool.Pool) *LoginAttemptRepository {
	return &LoginAttemptRepository{pool: pool}
}

func (r *LoginAttemptRepository) Create(ctx context.Context, attempt models.LoginAttempt) error {
	const query = `
		INSERT INTO login_attempts (id, user_id, email, ip_address, user_agent, successful, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		attempt.ID,
		attempt.UserID,
		attempt.Email,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.Successful,
		attempt.AttemptedAt,
	)
	return err
}

// CountFailedSince counts failures whose email or ip equals identifier.
func (r *LoginAttemptRepository) CountFailedSince(ctx context.Context, identifier string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM login_attempts
		WHERE successful = FALSE
		  AND (email = $1 OR ip_address = $1)
		  AND attempted_at >= $2
	`
	var count int
	err := r.pool.QueryRow(ctx, query, identifier, since).Scan(&count)
	return count, err
}

func (r *LoginAttemptRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.LoginAttempt, error) {
	const query = `
		SELECT id, user_id, email, ip_address, user_agent, successful, attempted_at
		FROM login_attempts
		WHERE user_id = $1
		ORDER BY attempted_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.LoginAttempt
	for rows.Next() {
		var a models.LoginAttempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.Email, &a.IPAddress, &a.UserAgent, &a.Successful, &a.AttemptedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
