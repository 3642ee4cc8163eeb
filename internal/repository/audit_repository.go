package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hospsurvey/internal/models"
)

// audit_logs.seq is a BIGSERIAL assigned under the chain lock; it is the chain order.
const auditColumns = `
	id, actor_id, event_type, category, severity, description, subject_type, subject_id,
	old_values, new_values, metadata, ip_address, user_agent, request_id, is_security_alert,
	prev_hash, hash, created_at
`

type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// auditChainLock serialises chain appends across every process sharing the database.
const auditChainLock int64 = 0x61756469746c6f67

// Append links and inserts one entry inside a transaction holding the chain
// lock, so concurrent writers in any replica see each other's heads.
func (r *AuditRepository) Append(ctx context.Context, link func(prevHash string) models.AuditLogEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
		return err
	}

	var prev string
	err = tx.QueryRow(ctx, `SELECT hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	entry := link(prev)
	const query = `
		INSERT INTO audit_logs (
			id, actor_id, event_type, category, severity, description, subject_type, subject_id,
			old_values, new_values, metadata, ip_address, user_agent, request_id, is_security_alert,
			prev_hash, hash, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)
	`
	if _, err := tx.Exec(ctx, query,
		entry.ID,
		entry.ActorID,
		entry.EventType,
		entry.Category,
		entry.Severity,
		entry.Description,
		entry.SubjectType,
		entry.SubjectID,
		entry.OldValues,
		entry.NewValues,
		entry.Metadata,
		entry.IPAddress,
		entry.UserAgent,
		entry.RequestID,
		entry.IsSecurityAlert,
		entry.PrevHash,
		entry.Hash,
		entry.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *AuditRepository) ListSince(ctx context.Context, since time.Time) ([]models.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE created_at >= $1 ORDER BY seq`
	return r.list(ctx, query, since)
}

func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs ORDER BY seq DESC LIMIT $1`
	return r.list(ctx, query, limit)
}

// ListOldestFirst returns up to limit entries in chain order.
func (r *AuditRepository) ListOldestFirst(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs ORDER BY seq LIMIT $1`
	return r.list(ctx, query, limit)
}

func (r *AuditRepository) list(ctx context.Context, query string, args ...any) ([]models.AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(
			&e.ID,
			&e.ActorID,
			&e.EventType,
			&e.Category,
			&e.Severity,
			&e.Description,
			&e.SubjectType,
			&e.SubjectID,
			&e.OldValues,
			&e.NewValues,
			&e.Metadata,
			&e.IPAddress,
			&e.UserAgent,
			&e.RequestID,
			&e.IsSecurityAlert,
			&e.PrevHash,
			&e.Hash,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
