package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hospsurvey/internal/models"
)

var ErrAlertNotFound = errors.New("security alert not found")

const alertSelect = `
	SELECT a.id, a.user_id, u.email, a.alert_type, a.severity, a.title, a.description,
	       a.ip_address, a.user_agent, a.metadata, a.is_resolved, a.resolved_at, a.resolved_by,
	       a.resolution_notes, a.created_at
	FROM security_alerts a
	LEFT JOIN users u ON u.id = a.user_id
`

type AlertRepository struct {
	pool *pgxpool.Pool
}

func NewAlertRepository(pool *pgxpool.Pool) *AlertRepository {
	return &AlertRepository{pool: pool}
}

func (r *AlertRepository) Create(ctx context.Context, alert models.SecurityAlert) error {
	const query = `
		INSERT INTO security_alerts (
			id, user_id, alert_type, severity, title, description, ip_address, user_agent,
			metadata, is_resolved, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10
		)
	`
	_, err := r.pool.Exec(ctx, query,
		alert.ID,
		alert.UserID,
		alert.AlertType,
		alert.Severity,
		alert.Title,
		alert.Description,
		alert.IPAddress,
		alert.UserAgent,
		alert.Metadata,
		alert.CreatedAt,
	)
	return err
}

func (r *AlertRepository) GetByID(ctx context.Context, id string) (models.SecurityAlert, error) {
	alerts, err := r.list(ctx, alertSelect+` WHERE a.id = $1`, id)
	if err != nil {
		return models.SecurityAlert{}, err
	}
	if len(alerts) == 0 {
		return models.SecurityAlert{}, ErrAlertNotFound
	}
	return alerts[0], nil
}

// ListSince returns alerts created at or after since, oldest first with id as tie-break.
func (r *AlertRepository) ListSince(ctx context.Context, since time.Time) ([]models.SecurityAlert, error) {
	return r.list(ctx, alertSelect+` WHERE a.created_at >= $1 ORDER BY a.created_at, a.id`, since)
}

func (r *AlertRepository) ListUnresolved(ctx context.Context, limit int) ([]models.SecurityAlert, error) {
	return r.list(ctx, alertSelect+` WHERE a.is_resolved = FALSE ORDER BY a.created_at DESC, a.id LIMIT $1`, limit)
}

func (r *AlertRepository) Resolve(ctx context.Context, id string, by string, notes string, at time.Time) error {
	const query = `
		UPDATE security_alerts
		SET is_resolved = TRUE, resolved_at = $2, resolved_by = $3, resolution_notes = $4
		WHERE id = $1 AND is_resolved = FALSE
	`
	cmd, err := r.pool.Exec(ctx, query, id, at, by, notes)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (r *AlertRepository) list(ctx context.Context, query string, args ...any) ([]models.SecurityAlert, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var alerts []models.SecurityAlert
	for rows.Next() {
		var a models.SecurityAlert
		if err := rows.Scan(
			&a.ID,
			&a.UserID,
			&a.UserEmail,
			&a.AlertType,
			&a.Severity,
			&a.Title,
			&a.Description,
			&a.IPAddress,
			&a.UserAgent,
			&a.Metadata,
			&a.IsResolved,
			&a.ResolvedAt,
			&a.ResolvedBy,
			&a.ResolutionNotes,
			&a.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
