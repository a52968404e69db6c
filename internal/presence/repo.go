package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Repository keeps the last-seen time of users in Postgres once they go
// offline, so it survives the Redis record's TTL.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a presence repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveLastSeen upserts the given presences in one statement.
func (r *Repository) SaveLastSeen(ctx context.Context, ps []Presence) error {
	if len(ps) == 0 {
		return nil
	}
	const query = `
		INSERT INTO presence (user_id, status, last_seen_at, network_hash, updated_at)
		SELECT u.user_id, u.status, to_timestamp(u.last_ms / 1000.0), NULLIF(u.network, ''), NOW()
		FROM unnest($1::text[], $2::text[], $3::bigint[], $4::text[]) AS u(user_id, status, last_ms, network)
		ON CONFLICT (user_id) DO UPDATE
		SET status = EXCLUDED.status,
			last_seen_at = GREATEST(presence.last_seen_at, EXCLUDED.last_seen_at),
			network_hash = COALESCE(EXCLUDED.network_hash, presence.network_hash),
			updated_at = NOW()`

	ids := make([]string, len(ps))
	statuses := make([]string, len(ps))
	lastMS := make([]int64, len(ps))
	networks := make([]string, len(ps))
	for i, p := range ps {
		ids[i], statuses[i], lastMS[i], networks[i] = p.UserID, p.Status, p.LastActiveAt, p.NetworkHash
	}

	if _, err := r.db.ExecContext(ctx, query,
		pq.Array(ids), pq.Array(statuses), pq.Array(lastMS), pq.Array(networks)); err != nil {
		return fmt.Errorf("presence: save last seen: %w", err)
	}
	return nil
}

// LastSeen returns when a user was last seen, ok=false when never.
func (r *Repository) LastSeen(ctx context.Context, userID string) (t time.Time, ok bool, err error) {
	const query = `SELECT last_seen_at FROM presence WHERE user_id = $1`
	err = r.db.QueryRowContext(ctx, query, userID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("presence: last seen %s: %w", userID, err)
	}
	return t, true, nil
}
