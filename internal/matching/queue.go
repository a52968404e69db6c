package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. The category is a hash tag so that a queue and its
// entries live in one cluster slot and the claim script can touch both.
//
//	match:{<category>}:queue          sorted set, score = enqueue time (ms)
//	match:{<category>}:entry:<user>   JSON Profile
const entryGrace = 30 * time.Second

var (
	// ErrUnknownCategory is returned when a profile names a category that
	// is not configured.
	ErrUnknownCategory = errors.New("matching: unknown category")
)

func queueKey(category string) string {
	return "match:{" + category + "}:queue"
}

func entryKey(category, userID string) string {
	return "match:{" + category + "}:entry:" + userID
}

// Queue manages the per-category waiting lists in Redis.
type Queue struct {
	rdb         *redis.Client
	categories  []string
	maxWait     func(category string) time.Duration
	claimScript *redis.Script
	staleScript *redis.Script
	now         func() time.Time
}

// NewQueue creates a queue over the given categories. maxWait bounds the
// lifetime of entry keys per category.
func NewQueue(rdb *redis.Client, categories []string, maxWait func(string) time.Duration) *Queue {
	return &Queue{
		rdb:         rdb,
		categories:  append([]string(nil), categories...),
		maxWait:     maxWait,
		claimScript: redis.NewScript(claimLua),
		staleScript: redis.NewScript(evictStaleLua),
		now:         time.Now,
	}
}

// Categories returns the configured category names.
func (q *Queue) Categories() []string {
	return append([]string(nil), q.categories...)
}

func (q *Queue) known(category string) bool {
	for _, c := range q.categories {
		if c == category {
			return true
		}
	}
	return false
}

// Enqueue stores p in its category. A user already waiting in the same
// category is replaced, never duplicated: the sorted-set member is the user
// ID and the entry key is overwritten.
func (q *Queue) Enqueue(ctx context.Context, p Profile) error {
	if !q.known(p.Category) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, p.Category)
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = q.now()
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("matching: marshal profile: %w", err)
	}

	ttl := entryGrace
	if q.maxWait != nil {
		ttl += q.maxWait(p.Category)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, queueKey(p.Category), redis.Z{
			Score:  float64(p.EnqueuedAt.UnixMilli()),
			Member: p.UserID,
		})
		pipe.Set(ctx, entryKey(p.Category, p.UserID), data, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("matching: enqueue %s: %w", p.UserID, err)
	}
	return nil
}

// Evict removes a user's entry from one category. Removing an entry that
// is not there is not an error; removed reports whether anything changed.
func (q *Queue) Evict(ctx context.Context, userID, category string) (removed bool, err error) {
	var zrem *redis.IntCmd
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		zrem = pipe.ZRem(ctx, queueKey(category), userID)
		pipe.Del(ctx, entryKey(category, userID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("matching: evict %s from %s: %w", userID, category, err)
	}
	return zrem.Val() > 0, nil
}

// EvictAll removes a user from every category and returns how many
// entries were removed.
func (q *Queue) EvictAll(ctx context.Context, userID string) (int, error) {
	removed := 0
	var errs []error
	for _, category := range q.categories {
		ok, err := q.Evict(ctx, userID, category)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Peek returns up to n entries of a category, most recently enqueued first.
// It is read-only: entries stay in the queue until claimed.
func (q *Queue) Peek(ctx context.Context, category string, n int) ([]QueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := q.rdb.ZRevRange(ctx, queueKey(category), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: peek %s: %w", category, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(category, id)
	}
	values, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: peek %s entries: %w", category, err)
	}

	entries := make([]QueueEntry, 0, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Entry key expired before the janitor swept the member.
			continue
		}
		var p Profile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		p.UserID = ids[i]
		entries = append(entries, QueueEntry{Category: category, Profile: p})
	}
	return entries, nil
}

// Claim atomically removes userID from category and returns the profile
// it held. A nil profile with a nil error means another worker claimed or
// evicted the entry first.
func (q *Queue) Claim(ctx context.Context, category, userID string) (*Profile, error) {
	raw, err := q.claimScript.Run(ctx, q.rdb,
		[]string{queueKey(category), entryKey(category, userID)}, userID).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching: claim %s: %w", userID, err)
	}

	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("matching: decode claimed %s: %w", userID, err)
	}
	return &p, nil
}

// Get returns a user's waiting profile in a category, or nil.
func (q *Queue) Get(ctx context.Context, userID, category string) (*Profile, error) {
	raw, err := q.rdb.Get(ctx, entryKey(category, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching: get %s: %w", userID, err)
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("matching: decode %s: %w", userID, err)
	}
	return &p, nil
}

// Size returns the number of waiting entries in a category.
func (q *Queue) Size(ctx context.Context, category string) (int64, error) {
	return q.rdb.ZCard(ctx, queueKey(category)).Result()
}

// Position returns the 1-based position of userID in category, oldest
// first. ok is false when the user is not waiting.
func (q *Queue) Position(ctx context.Context, userID, category string) (pos int64, ok bool, err error) {
	rank, err := q.rdb.ZRank(ctx, queueKey(category), userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("matching: position %s: %w", userID, err)
	}
	return rank + 1, true, nil
}

// EvictStale removes every entry of category enqueued at or before cutoff
// and returns the evicted user IDs. Each removal re-checks the score, so a
// user who re-enqueued after the scan is left alone.
func (q *Queue) EvictStale(ctx context.Context, category string, cutoff time.Time) ([]string, error) {
	upper := strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, queueKey(category), &redis.ZRangeBy{
		Min: "-inf",
		Max: upper,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: scan stale %s: %w", category, err)
	}

	evicted := make([]string, 0, len(ids))
	var errs []error
	for _, id := range ids {
		n, err := q.staleScript.Run(ctx, q.rdb,
			[]string{queueKey(category), entryKey(category, id)}, id, upper).Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("matching: evict stale %s: %w", id, err))
			continue
		}
		if n == 1 {
			evicted = append(evicted, id)
		}
	}
	return evicted, errors.Join(errs...)
}

// claimLua removes the candidate only if it is still queued and hands back
// its entry in the same step, so two searchers can never both win it.
const claimLua = `
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
    return false
end
local entry = redis.call('GET', KEYS[2])
redis.call('DEL', KEYS[2])
if not entry then
    return false
end
return entry
`

// evictStaleLua removes a member only while its score is still at or below
// the cutoff.
const evictStaleLua = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
    return 0
end
if tonumber(score) > tonumber(ARGV[2]) then
    return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`
