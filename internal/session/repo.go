package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// sweepBatch caps how many rows a single janitor query returns.
const sweepBatch = 500

// foreign_key_violation, see https://www.postgresql.org/docs/current/errcodes-appendix.html
const pqForeignKeyViolation = "23503"

// Repository is the durable store for sessions.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// AddParticipant inserts p unless the session already has maxSize
	// members or p is already one. added is false in both cases.
	AddParticipant(ctx context.Context, id string, p Participant, maxSize int) (added bool, err error)
	// Activate moves a waiting session to active.
	Activate(ctx context.Context, id string, at time.Time) (bool, error)
	// Finish writes the terminal state of s if the stored session is not
	// already terminal. ok is false when another caller finished it first.
	Finish(ctx context.Context, s *Session) (ok bool, err error)
	SetRating(ctx context.Context, id, userID string, rating int) (bool, error)
	LiveFor(ctx context.Context, userID string) ([]string, error)
	IdleActive(ctx context.Context, modality string, cutoff time.Time) ([]string, error)
	StaleWaiting(ctx context.Context, cutoff time.Time) ([]string, error)
}

// PGRepository implements Repository on the sessions and
// session_participants tables.
type PGRepository struct {
	db *sql.DB
}

// NewRepository creates a Postgres-backed session repository.
func NewRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Create(ctx context.Context, s *Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin create: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertSession = `
		INSERT INTO sessions (id, category, modality, status, message_count, distance_km,
			created_at, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = tx.ExecContext(ctx, insertSession,
		s.ID, s.Category, s.Modality, string(s.Status), s.MessageCount,
		nullFloat(s.DistanceKM), s.CreatedAt, nullTime(s.StartedAt), s.LastActivityAt)
	if err != nil {
		return fmt.Errorf("session: insert %s: %w", s.ID, err)
	}

	ids := make([]string, len(s.Participants))
	names := make([]string, len(s.Participants))
	for i, p := range s.Participants {
		ids[i], names[i] = p.UserID, p.DisplayName
	}

	const insertParticipants = `
		INSERT INTO session_participants (session_id, user_id, display_name)
		SELECT $1, u.user_id, u.display_name
		FROM unnest($2::text[], $3::text[]) AS u(user_id, display_name)`

	if _, err := tx.ExecContext(ctx, insertParticipants, s.ID, pq.Array(ids), pq.Array(names)); err != nil {
		return fmt.Errorf("session: insert participants %s: %w", s.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit create %s: %w", s.ID, err)
	}
	return nil
}

// Get returns the session or nil when it does not exist.
func (r *PGRepository) Get(ctx context.Context, id string) (*Session, error) {
	const query = `
		SELECT id, category, modality, status, message_count, distance_km, created_at,
			started_at, last_activity_at, ended_at, duration_seconds, ended_by, end_reason
		FROM sessions WHERE id = $1`

	var (
		s        Session
		status   string
		distance sql.NullFloat64
		started  sql.NullTime
		ended    sql.NullTime
		endedBy  sql.NullString
		reason   sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.Category, &s.Modality, &status, &s.MessageCount, &distance, &s.CreatedAt,
		&started, &s.LastActivityAt, &ended, &s.DurationSeconds, &endedBy, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}

	s.Status = Status(status)
	if distance.Valid {
		s.DistanceKM = &distance.Float64
	}
	if started.Valid {
		s.StartedAt = &started.Time
	}
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	s.EndedBy, s.EndReason = endedBy.String, reason.String

	const participants = `
		SELECT user_id, display_name, rating
		FROM session_participants WHERE session_id = $1
		ORDER BY joined_at, user_id`

	rows, err := r.db.QueryContext(ctx, participants, id)
	if err != nil {
		return nil, fmt.Errorf("session: get participants %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      Participant
			rating sql.NullInt64
		)
		if err := rows.Scan(&p.UserID, &p.DisplayName, &rating); err != nil {
			return nil, fmt.Errorf("session: scan participant: %w", err)
		}
		if rating.Valid {
			v := int(rating.Int64)
			p.Rating = &v
		}
		s.Participants = append(s.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: participants %s: %w", id, err)
	}
	return &s, nil
}

// AddParticipant locks the session row so concurrent joiners are
// serialised against the size cap.
func (r *PGRepository) AddParticipant(ctx context.Context, id string, p Participant, maxSize int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("session: begin add participant %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("session: lock %s: %w", id, err)
	}

	const insert = `
		INSERT INTO session_participants (session_id, user_id, display_name)
		SELECT $1, $2, $3
		WHERE (SELECT count(*) FROM session_participants WHERE session_id = $1) < $4
		ON CONFLICT (session_id, user_id) DO NOTHING`

	res, err := tx.ExecContext(ctx, insert, id, p.UserID, p.DisplayName, maxSize)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("session: add participant %s: %w", id, err)
	}
	added, err := affected(res)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("session: commit add participant %s: %w", id, err)
	}
	return added, nil
}

func (r *PGRepository) Activate(ctx context.Context, id string, at time.Time) (bool, error) {
	const query = `
		UPDATE sessions SET status = 'active', started_at = $2, last_activity_at = $2
		WHERE id = $1 AND status = 'waiting'`

	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("session: activate %s: %w", id, err)
	}
	return affected(res)
}

func (r *PGRepository) Finish(ctx context.Context, s *Session) (bool, error) {
	const query = `
		UPDATE sessions
		SET status = $2, message_count = $3, last_activity_at = $4, ended_at = $5,
			duration_seconds = $6, ended_by = $7, end_reason = $8
		WHERE id = $1 AND status IN ('waiting', 'active')`

	res, err := r.db.ExecContext(ctx, query,
		s.ID, string(s.Status), s.MessageCount, s.LastActivityAt, nullTime(s.EndedAt),
		s.DurationSeconds, s.EndedBy, s.EndReason)
	if err != nil {
		return false, fmt.Errorf("session: finish %s: %w", s.ID, err)
	}
	return affected(res)
}

func (r *PGRepository) SetRating(ctx context.Context, id, userID string, rating int) (bool, error) {
	const query = `
		UPDATE session_participants SET rating = $3
		WHERE session_id = $1 AND user_id = $2`

	res, err := r.db.ExecContext(ctx, query, id, userID, rating)
	if err != nil {
		return false, fmt.Errorf("session: set rating %s: %w", id, err)
	}
	return affected(res)
}

func (r *PGRepository) LiveFor(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT s.id FROM sessions s
		JOIN session_participants p ON p.session_id = s.id
		WHERE p.user_id = $1 AND s.status IN ('waiting', 'active')`

	return r.ids(ctx, query, userID)
}

func (r *PGRepository) IdleActive(ctx context.Context, modality string, cutoff time.Time) ([]string, error) {
	const query = `
		SELECT id FROM sessions
		WHERE status = 'active' AND modality = $1 AND last_activity_at <= $2
		ORDER BY last_activity_at LIMIT $3`

	return r.ids(ctx, query, modality, cutoff, sweepBatch)
}

func (r *PGRepository) StaleWaiting(ctx context.Context, cutoff time.Time) ([]string, error) {
	const query = `
		SELECT id FROM sessions
		WHERE status = 'waiting' AND created_at <= $1
		ORDER BY created_at LIMIT $2`

	return r.ids(ctx, query, cutoff, sweepBatch)
}

func (r *PGRepository) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("session: query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("session: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: rows affected: %w", err)
	}
	return n > 0, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
