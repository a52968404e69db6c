package ban

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository keeps the audit trail of bans in the bans table.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a ban repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert records a ban.
func (r *Repository) Insert(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO bans (subject, kind, reason, issued_by, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	var expires sql.NullTime
	if rec.ExpiresAt != nil {
		expires = sql.NullTime{Time: *rec.ExpiresAt, Valid: true}
	}
	if _, err := r.db.ExecContext(ctx, query,
		rec.Subject, rec.Kind, rec.Reason, rec.IssuedBy, rec.IssuedAt, expires); err != nil {
		return fmt.Errorf("ban: insert %s %s: %w", rec.Kind, rec.Subject, err)
	}
	return nil
}

// LiftExpired stamps lifted_at on every ban that ran out by now.
func (r *Repository) LiftExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		UPDATE bans SET lifted_at = $1
		WHERE lifted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1`

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("ban: lift expired: %w", err)
	}
	return res.RowsAffected()
}

// Active returns the bans still in force at now, most recent first.
func (r *Repository) Active(ctx context.Context, now time.Time) ([]Record, error) {
	const query = `
		SELECT subject, kind, reason, issued_by, issued_at, expires_at
		FROM bans
		WHERE lifted_at IS NULL AND (expires_at IS NULL OR expires_at > $1)
		ORDER BY issued_at DESC`

	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("ban: list active: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			expires sql.NullTime
		)
		if err := rows.Scan(&rec.Subject, &rec.Kind, &rec.Reason, &rec.IssuedBy,
			&rec.IssuedAt, &expires); err != nil {
			return nil, fmt.Errorf("ban: scan: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			rec.ExpiresAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
