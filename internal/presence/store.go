// Package presence tracks who is connected and what they are doing, with a
// last-active timestamp the janitor uses to flip idle users offline.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for per-user presence hashes.
	KeyPrefix = "presence:"

	// onlineKey indexes every user not known to be offline by last-active
	// time (ms), so idle sweeps are a range scan.
	onlineKey = "presence:online"
)

// Status values.
const (
	StatusOnline    = "online"
	StatusSearching = "searching"
	StatusInSession = "in_session"
	StatusOffline   = "offline"
)

// Presence is a user's current presence record.
type Presence struct {
	UserID       string `redis:"user_id"`
	Status       string `redis:"status"`
	LastActiveAt int64  `redis:"last_active"` // unix ms
	NetworkHash  string `redis:"network"`
	Server       string `redis:"server"`
}

// LastActive returns LastActiveAt as a time.
func (p *Presence) LastActive() time.Time {
	return time.UnixMilli(p.LastActiveAt)
}

// Store manages presence in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates a presence store. Records of users who stay silent for
// ttl disappear on their own.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, now: time.Now}
}

// Touch records activity with the given status. Empty networkHash or
// server leave the stored values untouched.
func (s *Store) Touch(ctx context.Context, userID, status, networkHash, server string) error {
	if status == "" || status == StatusOffline {
		status = StatusOnline
	}
	now := s.now().UnixMilli()
	key := KeyPrefix + userID

	fields := []any{"user_id", userID, "status", status, "last_active", now}
	if networkHash != "" {
		fields = append(fields, "network", networkHash)
	}
	if server != "" {
		fields = append(fields, "server", server)
	}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields...)
		pipe.Expire(ctx, key, s.ttl)
		pipe.ZAdd(ctx, onlineKey, redis.Z{Score: float64(now), Member: userID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: touch %s: %w", userID, err)
	}
	return nil
}

// SetStatus changes the status without counting as activity.
func (s *Store) SetStatus(ctx context.Context, userID, status string) error {
	if status == StatusOffline {
		return s.SetOffline(ctx, userID)
	}
	key := KeyPrefix + userID
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("presence: status %s: %w", userID, err)
	}
	if n == 0 {
		return s.Touch(ctx, userID, status, "", "")
	}
	if err := s.client.HSet(ctx, key, "status", status).Err(); err != nil {
		return fmt.Errorf("presence: status %s: %w", userID, err)
	}
	return nil
}

// SetOffline marks the user offline. Unknown users are left alone.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	err := s.client.Eval(ctx, offlineLua, []string{onlineKey, KeyPrefix + userID},
		userID, StatusOffline).Err()
	if err != nil {
		return fmt.Errorf("presence: offline %s: %w", userID, err)
	}
	return nil
}

// Get returns a user's presence, or nil when none is stored.
func (s *Store) Get(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, KeyPrefix+userID).Scan(&p); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	if p.UserID == "" {
		return nil, nil
	}
	return &p, nil
}

// SweepIdle marks offline every user whose last activity is at or before
// cutoff and returns their IDs. Activity racing the sweep wins: a user is
// only flipped while their score is still at or below the cutoff. Users
// for whom busy reports true are kept and their activity refreshed; a nil
// busy keeps nobody.
func (s *Store) SweepIdle(ctx context.Context, cutoff time.Time, busy func(context.Context, string) (bool, error)) ([]string, error) {
	upper := strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, onlineKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: upper,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: scan idle: %w", err)
	}

	swept := make([]string, 0, len(ids))
	var errs []error
	for _, id := range ids {
		if busy != nil {
			keep, err := busy(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("presence: busy %s: %w", id, err))
				continue
			}
			if keep {
				if err := s.refresh(ctx, id); err != nil {
					errs = append(errs, err)
				}
				continue
			}
		}
		n, err := s.client.Eval(ctx, sweepLua, []string{onlineKey, KeyPrefix + id},
			id, upper, StatusOffline).Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("presence: sweep %s: %w", id, err))
			continue
		}
		if n == 1 {
			swept = append(swept, id)
		}
	}
	return swept, errors.Join(errs...)
}

// refresh moves a still-online user's activity to now without touching
// their status.
func (s *Store) refresh(ctx context.Context, userID string) error {
	now := s.now().UnixMilli()
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddXX(ctx, onlineKey, redis.Z{Score: float64(now), Member: userID})
		pipe.HSet(ctx, KeyPrefix+userID, "last_active", now)
		pipe.Expire(ctx, KeyPrefix+userID, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: refresh %s: %w", userID, err)
	}
	return nil
}

// CountOnline returns how many users are not offline.
func (s *Store) CountOnline(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, onlineKey).Result()
}

const offlineLua = `
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[2]) == 1 then
    redis.call('HSET', KEYS[2], 'status', ARGV[2])
end
return 1
`

const sweepLua = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
    return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[2]) == 1 then
    redis.call('HSET', KEYS[2], 'status', ARGV[3])
end
return 1
`
