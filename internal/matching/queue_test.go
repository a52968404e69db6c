package matching

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/config"
)

var testCategories = []string{config.CategoryUnrestricted, config.CategoryNearby}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, rdb := newTestRedis(t)
	q := NewQueue(rdb, testCategories, func(string) time.Duration { return 2 * time.Minute })
	return q, mr
}

// clock hands out strictly increasing times so enqueue order is stable.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestQueue_EnqueueReplacesExistingEntry(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	p := profile("alice")
	require.NoError(t, q.Enqueue(ctx, p))
	p.DisplayName = "Alice again"
	require.NoError(t, q.Enqueue(ctx, p))

	size, err := q.Size(ctx, config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	got, err := q.Get(ctx, "alice", config.CategoryUnrestricted)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Alice again", got.DisplayName)

	assert.True(t, mr.TTL(entryKey(config.CategoryUnrestricted, "alice")) > 2*time.Minute)
}

func TestQueue_EnqueueUnknownCategory(t *testing.T) {
	q, _ := newTestQueue(t)
	p := profile("alice")
	p.Category = "speed-dating"
	assert.ErrorIs(t, q.Enqueue(context.Background(), p), ErrUnknownCategory)
}

func TestQueue_PeekNewestFirstWithinWindow(t *testing.T) {
	q, _ := newTestQueue(t)
	q.now = newClock().Now
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		require.NoError(t, q.Enqueue(ctx, profile(id)))
	}

	entries, err := q.Peek(ctx, config.CategoryUnrestricted, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "u4", entries[0].Profile.UserID)
	assert.Equal(t, "u3", entries[1].Profile.UserID)
	assert.Equal(t, "u2", entries[2].Profile.UserID)

	// Peek does not consume.
	size, err := q.Size(ctx, config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.EqualValues(t, 4, size)
}

func TestQueue_PeekSkipsExpiredEntries(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, profile("u1")))
	require.NoError(t, q.Enqueue(ctx, profile("u2")))
	mr.Del(entryKey(config.CategoryUnrestricted, "u1"))

	entries, err := q.Peek(ctx, config.CategoryUnrestricted, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u2", entries[0].Profile.UserID)
}

func TestQueue_ClaimIsSingleUse(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, profile("bob")))

	got, err := q.Claim(ctx, config.CategoryUnrestricted, "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bob", got.UserID)

	again, err := q.Claim(ctx, config.CategoryUnrestricted, "bob")
	require.NoError(t, err)
	assert.Nil(t, again)

	entry, err := q.Get(ctx, "bob", config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestQueue_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, profile("carol")))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := q.Claim(ctx, config.CategoryUnrestricted, "carol")
			assert.NoError(t, err)
			if p != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
}

func TestQueue_EvictAndEvictAll(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a := profile("dave")
	b := profile("dave")
	b.Category = config.CategoryNearby
	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))

	removed, err := q.Evict(ctx, "dave", config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Evict(ctx, "dave", config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := q.EvictAll(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_Position(t *testing.T) {
	q, _ := newTestQueue(t)
	q.now = newClock().Now
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, q.Enqueue(ctx, profile(id)))
	}

	pos, ok, err := q.Position(ctx, "u3", config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 3, pos)

	_, ok, err = q.Position(ctx, "nobody", config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_EvictStaleLeavesRequeuedUsers(t *testing.T) {
	q, _ := newTestQueue(t)
	clk := newClock()
	q.now = clk.Now
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, profile("old")))
	require.NoError(t, q.Enqueue(ctx, profile("requeued")))
	cutoff := clk.Now()

	// requeued searches again after the cutoff; its new score is newer.
	require.NoError(t, q.Enqueue(ctx, profile("requeued")))
	require.NoError(t, q.Enqueue(ctx, profile("fresh")))

	evicted, err := q.EvictStale(ctx, config.CategoryUnrestricted, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, evicted)

	size, err := q.Size(ctx, config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)
}
