package ban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	userPrefix    = "ban:user:"    // + <user_id>, JSON Record, TTL = ban duration
	networkPrefix = "ban:net:"     // + <network_hash>
	expiryKey     = "ban:expiry"   // zset "<kind>:<subject>" -> expires ms (+inf if permanent)
	historyPrefix = "ban:history:" // + <user_id>, zset of system ban issue times (ms)
)

func banKey(kind Kind, subject string) string {
	if kind == KindNetwork {
		return networkPrefix + subject
	}
	return userPrefix + subject
}

// Store manages ban records in Redis.
type Store struct {
	client     *redis.Client
	historyTTL time.Duration
	banScript  *redis.Script
	dropScript *redis.Script
}

// NewStore creates a ban store. historyTTL bounds how long system-ban
// history is kept for escalation.
func NewStore(client *redis.Client, historyTTL time.Duration) *Store {
	return &Store{
		client:     client,
		historyTTL: historyTTL,
		banScript:  redis.NewScript(banLua),
		dropScript: redis.NewScript(dropExpiredLua),
	}
}

// Ban stores rec for d (zero d means permanent). It fails with
// ErrAlreadyBanned if the subject already has a live ban.
func (s *Store) Ban(ctx context.Context, rec Record, d time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ban: marshal record: %w", err)
	}

	var expiresMS int64
	if rec.ExpiresAt != nil {
		expiresMS = rec.ExpiresAt.UnixMilli()
	}
	history := "0"
	if rec.Kind == KindUser && rec.IssuedBy == IssuedBySystem {
		history = "1"
	}

	ref := Ref{Kind: rec.Kind, Subject: rec.Subject}
	n, err := s.banScript.Run(ctx, s.client,
		[]string{banKey(rec.Kind, rec.Subject), expiryKey, historyPrefix + rec.Subject},
		data, d.Milliseconds(), ref.member(), expiresMS,
		history, rec.IssuedAt.UnixMilli(), s.historyTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("ban: store %s %s: %w", rec.Kind, rec.Subject, err)
	}
	if n == 0 {
		return ErrAlreadyBanned
	}
	return nil
}

// Get returns the live ban of a subject, or nil.
func (s *Store) Get(ctx context.Context, kind Kind, subject string) (*Record, error) {
	raw, err := s.client.Get(ctx, banKey(kind, subject)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ban: get %s %s: %w", kind, subject, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("ban: decode %s %s: %w", kind, subject, err)
	}
	return &rec, nil
}

// Banned reports whether the user or their network identity is banned.
// An empty networkHash only checks the user.
func (s *Store) Banned(ctx context.Context, userID, networkHash string) (bool, error) {
	keys := []string{banKey(KindUser, userID)}
	if networkHash != "" {
		keys = append(keys, banKey(KindNetwork, networkHash))
	}
	n, err := s.client.Exists(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("ban: check %s: %w", userID, err)
	}
	return n > 0, nil
}

// Lift removes a ban before it expires. removed is false when there was
// nothing to lift.
func (s *Store) Lift(ctx context.Context, ref Ref) (removed bool, err error) {
	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, banKey(ref.Kind, ref.Subject))
		pipe.ZRem(ctx, expiryKey, ref.member())
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ban: lift %s %s: %w", ref.Kind, ref.Subject, err)
	}
	return del.Val() > 0, nil
}

// PriorSystemBans counts system bans issued to userID since the given time.
func (s *Store) PriorSystemBans(ctx context.Context, userID string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, historyPrefix+userID,
		strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ban: history %s: %w", userID, err)
	}
	return int(n), nil
}

// ClearExpired drops every ban whose expiry is at or before now and
// returns the subjects it cleared. Keys that already expired through
// their TTL are only removed from the index.
func (s *Store) ClearExpired(ctx context.Context, now time.Time) ([]Ref, error) {
	members, err := s.client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ban: scan expired: %w", err)
	}

	cleared := make([]Ref, 0, len(members))
	var errs []error
	for _, m := range members {
		ref, ok := parseRef(m)
		if !ok {
			s.client.ZRem(ctx, expiryKey, m)
			continue
		}
		dropped, err := s.dropScript.Run(ctx, s.client,
			[]string{banKey(ref.Kind, ref.Subject), expiryKey},
			m, now.UnixMilli()).Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("ban: clear %s %s: %w", ref.Kind, ref.Subject, err))
			continue
		}
		if dropped == 1 {
			cleared = append(cleared, ref)
		}
	}
	return cleared, errors.Join(errs...)
}

// ActiveUsers returns users whose ban is still in force at now.
func (s *Store) ActiveUsers(ctx context.Context, now time.Time) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ban: scan active: %w", err)
	}
	var users []string
	for _, m := range members {
		if ref, ok := parseRef(m); ok && ref.Kind == KindUser {
			users = append(users, ref.Subject)
		}
	}
	return users, nil
}

// dropExpiredLua removes a ban only if its indexed expiry is still due, so
// a subject banned again after the scan keeps the new ban.
const dropExpiredLua = `
local n = tonumber(redis.call('ZSCORE', KEYS[2], ARGV[1]) or '')
if n == nil or n > tonumber(ARGV[2]) then
    return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

// banLua writes the ban only when none is live, then indexes its expiry
// and, for system bans on users, appends to the escalation history.
const banLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end

local ttl = tonumber(ARGV[2])
if ttl > 0 then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
    redis.call('SET', KEYS[1], ARGV[1])
end

local expires = tonumber(ARGV[4])
if expires > 0 then
    redis.call('ZADD', KEYS[2], expires, ARGV[3])
else
    redis.call('ZADD', KEYS[2], '+inf', ARGV[3])
end

if ARGV[5] == '1' then
    redis.call('ZADD', KEYS[3], ARGV[6], ARGV[6])
    redis.call('PEXPIRE', KEYS[3], tonumber(ARGV[7]))
end
return 1
`
