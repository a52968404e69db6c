package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mirrorPrefix   = "session:"          // + <session_id>, hash
	activityPrefix = "session:activity:" // + <modality>, zset id -> last activity ms
	waitingKey     = "session:waiting"   // zset id -> created ms, group sessions only
	userPrefix     = "session:user:"     // + <user_id>, set of live session ids
)

// recordMessage results below zero.
const (
	mirrorMissing   = -1
	mirrorNotActive = -2
)

func mirrorKey(id string) string { return mirrorPrefix + id }

func activityKey(modality string) string { return activityPrefix + modality }

func userKey(userID string) string { return userPrefix + userID }

// mirrorState is the hot copy of a live session kept in Redis.
type mirrorState struct {
	ID           string
	Status       Status
	Category     string
	Modality     string
	Participants []string
	LastActivity time.Time
	MessageCount int64
}

func (m *mirrorState) hasParticipant(userID string) bool {
	for _, p := range m.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Mirror keeps live sessions in Redis: a hash per session, a per-modality
// activity index for idle sweeps, a waiting index for group sessions and a
// per-user set of live sessions.
type Mirror struct {
	rdb           *redis.Client
	ttl           time.Duration
	recordScript  *redis.Script
	mergeScript   *redis.Script
	attemptScript *redis.Script
}

// NewMirror creates a mirror whose keys expire after ttl without activity.
func NewMirror(rdb *redis.Client, ttl time.Duration) *Mirror {
	return &Mirror{
		rdb:           rdb,
		ttl:           ttl,
		recordScript:  redis.NewScript(recordMessageLua),
		mergeScript:   redis.NewScript(mergeLua),
		attemptScript: redis.NewScript(attemptLua),
	}
}

// Put writes or refreshes the mirror of s and its indexes.
func (m *Mirror) Put(ctx context.Context, s *Session) error {
	key := mirrorKey(s.ID)
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"status":        string(s.Status),
			"category":      s.Category,
			"modality":      s.Modality,
			"participants":  strings.Join(s.participantIDs(), ","),
			"last_activity": s.LastActivityAt.UnixMilli(),
			"message_count": s.MessageCount,
		})
		pipe.Expire(ctx, key, m.ttl)

		switch s.Status {
		case StatusActive:
			pipe.ZAdd(ctx, activityKey(s.Modality), redis.Z{
				Score:  float64(s.LastActivityAt.UnixMilli()),
				Member: s.ID,
			})
			pipe.ZRem(ctx, waitingKey, s.ID)
		case StatusWaiting:
			pipe.ZAdd(ctx, waitingKey, redis.Z{
				Score:  float64(s.CreatedAt.UnixMilli()),
				Member: s.ID,
			})
		}

		for _, p := range s.Participants {
			pipe.SAdd(ctx, userKey(p.UserID), s.ID)
			pipe.Expire(ctx, userKey(p.UserID), m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: mirror put %s: %w", s.ID, err)
	}
	return nil
}

// Merge folds s into an existing mirror. Participants are unioned, an
// active status is never downgraded and the live counters are kept, so a
// joiner holding an older copy of a group cannot roll the mirror back.
func (m *Mirror) Merge(ctx context.Context, s *Session) error {
	key := mirrorKey(s.ID)
	err := m.mergeScript.Run(ctx, m.rdb,
		[]string{key, activityKey(s.Modality), waitingKey},
		s.ID, string(s.Status), s.Category, s.Modality,
		strings.Join(s.participantIDs(), ","),
		s.LastActivityAt.UnixMilli(), s.MessageCount, s.CreatedAt.UnixMilli(),
		int64(m.ttl/time.Second)).Err()
	if err != nil {
		return fmt.Errorf("session: mirror merge %s: %w", s.ID, err)
	}

	_, err = m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range s.Participants {
			pipe.SAdd(ctx, userKey(p.UserID), s.ID)
			pipe.Expire(ctx, userKey(p.UserID), m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: mirror merge users %s: %w", s.ID, err)
	}
	return nil
}

// State returns the mirrored state of a session, or nil when it is not
// mirrored.
func (m *Mirror) State(ctx context.Context, id string) (*mirrorState, error) {
	fields, err := m.rdb.HGetAll(ctx, mirrorKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: mirror get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	lastMS, _ := strconv.ParseInt(fields["last_activity"], 10, 64)
	count, _ := strconv.ParseInt(fields["message_count"], 10, 64)
	var participants []string
	if v := fields["participants"]; v != "" {
		participants = strings.Split(v, ",")
	}

	return &mirrorState{
		ID:           id,
		Status:       Status(fields["status"]),
		Category:     fields["category"],
		Modality:     fields["modality"],
		Participants: participants,
		LastActivity: time.UnixMilli(lastMS),
		MessageCount: count,
	}, nil
}

// RecordMessage counts one accepted message from sender and bumps the
// activity timestamp. It returns the new message count, or one of the
// negative mirror codes when the session is missing or not active.
func (m *Mirror) RecordMessage(ctx context.Context, id, modality, sender string, at time.Time) (int64, error) {
	n, err := m.recordScript.Run(ctx, m.rdb,
		[]string{mirrorKey(id), activityKey(modality)},
		id, sender, at.UnixMilli(), int64(m.ttl/time.Second)).Int64()
	if err != nil {
		return 0, fmt.Errorf("session: mirror record %s: %w", id, err)
	}
	return n, nil
}

// Attempt counts one message attempt by sender, accepted or not, and
// returns how many attempts preceded it. It returns -1 when the session is
// not mirrored.
func (m *Mirror) Attempt(ctx context.Context, id, sender string) (int64, error) {
	n, err := m.attemptScript.Run(ctx, m.rdb, []string{mirrorKey(id)}, sender).Int64()
	if err != nil {
		return 0, fmt.Errorf("session: mirror attempt %s: %w", id, err)
	}
	return n, nil
}

// Release drops a session from the mirror and every index.
func (m *Mirror) Release(ctx context.Context, s *Session) error {
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, mirrorKey(s.ID))
		pipe.ZRem(ctx, activityKey(s.Modality), s.ID)
		pipe.ZRem(ctx, waitingKey, s.ID)
		for _, p := range s.Participants {
			pipe.SRem(ctx, userKey(p.UserID), s.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: mirror release %s: %w", s.ID, err)
	}
	return nil
}

// Idle returns active sessions of a modality whose last activity is at or
// before cutoff.
func (m *Mirror) Idle(ctx context.Context, modality string, cutoff time.Time) ([]string, error) {
	return m.rangeBefore(ctx, activityKey(modality), cutoff)
}

// StaleWaiting returns group sessions created at or before cutoff that are
// still waiting for a second participant.
func (m *Mirror) StaleWaiting(ctx context.Context, cutoff time.Time) ([]string, error) {
	return m.rangeBefore(ctx, waitingKey, cutoff)
}

func (m *Mirror) rangeBefore(ctx context.Context, key string, cutoff time.Time) ([]string, error) {
	ids, err := m.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("session: mirror scan %s: %w", key, err)
	}
	return ids, nil
}

// UserSessions returns the live session ids recorded for a user.
func (m *Mirror) UserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := m.rdb.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: mirror user sessions %s: %w", userID, err)
	}
	return ids, nil
}

// recordMessageLua increments the counters only while the session is
// active, so a message racing an end is not counted against a closed
// session.
const recordMessageLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'active' then return -2 end

local count = redis.call('HINCRBY', KEYS[1], 'message_count', 1)
redis.call('HSET', KEYS[1], 'last_activity', ARGV[3])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return count
`

const attemptLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HINCRBY', KEYS[1], 'attempted:' .. ARGV[1], 1) - 1
`

// mergeLua upserts a session hash without losing concurrent joins.
const mergeLua = `
local key = KEYS[1]
local status = ARGV[2]
if redis.call('HGET', key, 'status') == 'active' then
    status = 'active'
end

local seen, list = {}, {}
local function add(csv)
    for id in string.gmatch(csv or '', '[^,]+') do
        if not seen[id] then
            seen[id] = true
            table.insert(list, id)
        end
    end
end
add(redis.call('HGET', key, 'participants'))
add(ARGV[5])

local last = tonumber(redis.call('HGET', key, 'last_activity') or '0')
if tonumber(ARGV[6]) > last then
    last = tonumber(ARGV[6])
end

redis.call('HSET', key, 'status', status, 'category', ARGV[3], 'modality', ARGV[4],
    'participants', table.concat(list, ','), 'last_activity', tostring(last))
redis.call('HSETNX', key, 'message_count', ARGV[7])
redis.call('EXPIRE', key, tonumber(ARGV[9]))

if status == 'active' then
    redis.call('ZADD', KEYS[2], last, ARGV[1])
    redis.call('ZREM', KEYS[3], ARGV[1])
else
    redis.call('ZADD', KEYS[3], ARGV[8], ARGV[1])
end
return status
`
