// Package report provides PostgreSQL-backed storage for abuse reports.
// Each report captures who reported whom, the session, and the last few
// messages exchanged (for moderator review). Report counts feed the
// auto-ban report trigger.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/whisper/pairing/internal/chat"
)

// Report types, matching the CHECK constraint on the reports table.
const (
	TypeHarassment = "harassment"
	TypeSpam       = "spam"
	TypeExplicit   = "explicit"
	TypeUnderage   = "underage"
	TypeOther      = "other"
)

var validTypes = map[string]bool{
	TypeHarassment: true,
	TypeSpam:       true,
	TypeExplicit:   true,
	TypeUnderage:   true,
	TypeOther:      true,
}

const maxDescription = 1000

var (
	// ErrInvalidType is returned for a report type outside the allowed set.
	ErrInvalidType = errors.New("report: invalid type")
	// ErrSelfReport is returned when a user reports themselves.
	ErrSelfReport = errors.New("report: cannot report yourself")
	// ErrDuplicate is returned when the reporter already reported this user
	// for the same session.
	ErrDuplicate = errors.New("report: already reported")
)

// Report is a single abuse report.
type Report struct {
	ID          int64
	ReporterID  string
	ReportedID  string
	SessionID   string
	Type        string
	Description string
	Messages    []chat.RecentEntry
	CreatedAt   time.Time
}

// Validate checks the report before it is stored.
func (r *Report) Validate() error {
	if r.ReporterID == "" || r.ReportedID == "" {
		return errors.New("report: reporter and reported are required")
	}
	if r.ReporterID == r.ReportedID {
		return ErrSelfReport
	}
	if !validTypes[r.Type] {
		return fmt.Errorf("%w: %q", ErrInvalidType, r.Type)
	}
	if len(r.Description) > maxDescription {
		r.Description = r.Description[:maxDescription]
	}
	return nil
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create validates and inserts a report. Messages are marshalled to JSONB.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if err := r.Validate(); err != nil {
		return err
	}

	var messagesJSON []byte
	if len(r.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(r.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO reports (reporter_id, reported_id, session_id, type, description, messages)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		r.ReporterID,
		r.ReportedID,
		r.SessionID,
		r.Type,
		r.Description,
		messagesJSON,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountAgainst returns the number of reports filed against userID since
// the given time.
func (s *Store) CountAgainst(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM reports
		WHERE reported_id = $1
		  AND created_at >= $2`

	var count int
	if err := s.db.QueryRowContext(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("report: count against %s: %w", userID, err)
	}
	return count, nil
}

// ListAgainst returns the most recent reports filed against userID.
func (s *Store) ListAgainst(ctx context.Context, userID string, limit int) ([]Report, error) {
	const query = `
		SELECT id, reporter_id, reported_id, COALESCE(session_id, ''), type, description,
			messages, created_at
		FROM reports
		WHERE reported_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("report: list against %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			r   Report
			raw []byte
		)
		if err := rows.Scan(&r.ID, &r.ReporterID, &r.ReportedID, &r.SessionID, &r.Type,
			&r.Description, &raw, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Messages); err != nil {
				return nil, fmt.Errorf("report: decode messages of %d: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
