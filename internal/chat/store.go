package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store persists messages in the messages table.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes a message with its moderation verdict. A message the guard
// blocked is inserted already tombstoned.
func (s *Store) Insert(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (id, session_id, sender_id, content, type, sent_at,
			toxicity_score, flags, contains_personal_info, auto_flagged, deleted_by, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)`

	var deletedAt sql.NullTime
	if m.DeletedAt != nil {
		deletedAt = sql.NullTime{Time: *m.DeletedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.SessionID, m.SenderID, m.Content, m.Type, m.SentAt,
		m.ToxicityScore, pq.Array(m.Flags), m.ContainsPersonalInfo, m.AutoFlagged,
		m.DeletedBy, deletedAt)
	if err != nil {
		return fmt.Errorf("chat: insert message %s: %w", m.ID, err)
	}
	return nil
}

// Tombstone soft-deletes a message. Deleting an already deleted message
// leaves the first tombstone in place.
func (s *Store) Tombstone(ctx context.Context, id, deletedBy string, at time.Time) (bool, error) {
	const query = `
		UPDATE messages SET deleted_by = $2, deleted_at = $3
		WHERE id = $1 AND deleted_at IS NULL`

	res, err := s.db.ExecContext(ctx, query, id, deletedBy, at)
	if err != nil {
		return false, fmt.Errorf("chat: tombstone %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("chat: tombstone %s: %w", id, err)
	}
	return n > 0, nil
}

// PurgeDeleted hard-deletes tombstoned messages deleted at or before cutoff
// and returns how many rows were removed.
func (s *Store) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM messages WHERE deleted_at IS NOT NULL AND deleted_at <= $1`

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("chat: purge deleted: %w", err)
	}
	return res.RowsAffected()
}

// ListSession returns the delivered messages of a session in send order.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	const query = `
		SELECT id, session_id, sender_id, content, type, sent_at, toxicity_score, flags,
			contains_personal_info, auto_flagged
		FROM messages
		WHERE session_id = $1 AND deleted_at IS NULL
		ORDER BY sent_at, id
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Content, &m.Type, &m.SentAt,
			&m.ToxicityScore, pq.Array(&m.Flags), &m.ContainsPersonalInfo, &m.AutoFlagged); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
