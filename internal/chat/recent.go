package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const recentPrefix = "chat:recent:" // + <session_id>, newest first

// RecentEntry is one message kept for report snapshots.
type RecentEntry struct {
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Recent keeps the last N messages of each session in a capped Redis
// list, shared by every worker.
type Recent struct {
	rdb  *redis.Client
	size int64
	ttl  time.Duration
}

// NewRecent creates a recent-message list holding size entries per session.
func NewRecent(rdb *redis.Client, size int, ttl time.Duration) *Recent {
	return &Recent{rdb: rdb, size: int64(size), ttl: ttl}
}

// Add records a delivered message, dropping the oldest beyond the cap.
func (r *Recent) Add(ctx context.Context, sessionID string, e RecentEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("chat: marshal recent entry: %w", err)
	}
	key := recentPrefix + sessionID
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, r.size-1)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("chat: add recent %s: %w", sessionID, err)
	}
	return nil
}

// Get returns the kept messages of a session, oldest first.
func (r *Recent) Get(ctx context.Context, sessionID string) ([]RecentEntry, error) {
	raw, err := r.rdb.LRange(ctx, recentPrefix+sessionID, 0, r.size-1).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: get recent %s: %w", sessionID, err)
	}
	out := make([]RecentEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e RecentEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Remove drops the list, e.g. once the session has ended and any report
// window has passed.
func (r *Recent) Remove(ctx context.Context, sessionID string) error {
	return r.rdb.Del(ctx, recentPrefix+sessionID).Err()
}
