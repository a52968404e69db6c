package matching

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/config"
)

type fakeBans struct {
	users map[string]bool
	err   error
}

func (f fakeBans) Banned(_ context.Context, userID, _ string) (bool, error) {
	return f.users[userID], f.err
}

// stealHook removes victims from the queue just before the claim script
// runs, the way a concurrent searcher would.
type stealHook struct {
	mr      *miniredis.Miniredis
	key     string
	victims map[string]bool
	mu      sync.Mutex
}

func (h *stealHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *stealHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if name := cmd.Name(); name == "evalsha" || name == "eval" {
			h.mu.Lock()
			for _, arg := range cmd.Args() {
				if s, ok := arg.(string); ok && h.victims[s] {
					h.mr.ZRem(h.key, s)
				}
			}
			h.mu.Unlock()
		}
		return next(ctx, cmd)
	}
}

func (h *stealHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// rewriteHook replaces a waiting entry just before the claim script runs,
// the way the entry's owner re-searching with new preferences would.
type rewriteHook struct {
	mr   *miniredis.Miniredis
	next Profile
	done bool
}

func (h *rewriteHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *rewriteHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if name := cmd.Name(); !h.done && (name == "evalsha" || name == "eval") {
			for _, arg := range cmd.Args() {
				if s, ok := arg.(string); ok && s == h.next.UserID {
					data, _ := json.Marshal(h.next)
					_ = h.mr.Set(entryKey(h.next.Category, h.next.UserID), string(data))
					h.done = true
					break
				}
			}
		}
		return next(ctx, cmd)
	}
}

func (h *rewriteHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func testMatchingConfig() config.MatchingConfig {
	return config.Default().Matching
}

func newTestService(t *testing.T, bans BanChecker) (*Service, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, rdb := newTestRedis(t)
	cfg := testMatchingConfig()
	q := NewQueue(rdb, cfg.Categories, cfg.MaxWaitFor)
	q.now = newClock().Now
	return NewService(q, bans, cfg, nil), mr, rdb
}

func TestService_EmptyQueueEnqueuesRequester(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	out, err := svc.FindOrEnqueue(ctx, profile("alice"))
	require.NoError(t, err)
	assert.False(t, out.Matched)
	assert.EqualValues(t, 1, out.QueuePosition)
	assert.Equal(t, 5*time.Second, out.EstimatedWait)

	waiting, err := svc.Queue().Get(ctx, "alice", config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.NotNil(t, waiting)
}

func TestService_MatchesWaitingCandidate(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.FindOrEnqueue(ctx, profile("alice"))
	require.NoError(t, err)

	out, err := svc.FindOrEnqueue(ctx, profile("bob"))
	require.NoError(t, err)
	require.True(t, out.Matched)
	assert.Equal(t, "alice", out.Partner.Profile.UserID)
	assert.InDelta(t, 0.5, out.Partner.Score, 1e-9)

	size, err := svc.Queue().Size(ctx, config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.Zero(t, size, "both parties are out of the queue")
}

func TestService_NeverReturnsIneligibleCandidate(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	m := profile("mark")
	m.Gender = "m"
	require.NoError(t, svc.Queue().Enqueue(ctx, m))

	req := profile("fiona")
	req.Preferences.Gender = "f"
	out, err := svc.FindOrEnqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, out.Matched)
	assert.EqualValues(t, 2, out.QueuePosition)
}

func TestService_RespectsScoreFloor(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	svc.cfg.MinScore = 0.6
	ctx := context.Background()

	require.NoError(t, svc.Queue().Enqueue(ctx, profile("plain")))

	best, err := svc.FindBestMatch(ctx, profile("req"))
	require.NoError(t, err)
	assert.Nil(t, best)

	out, err := svc.FindOrEnqueue(ctx, profile("req"))
	require.NoError(t, err)
	assert.False(t, out.Matched)
}

func TestService_PrefersHigherScoreThenEarliestEnqueue(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, svc.Queue().Enqueue(ctx, profile(id)))
	}

	best, err := svc.FindBestMatch(ctx, profile("req"))
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "first", best.Profile.UserID, "equal scores fall back to earliest enqueue")

	local := profile("local")
	local.Country = "FR"
	require.NoError(t, svc.Queue().Enqueue(ctx, local))

	req := profile("req")
	req.Country = "FR"
	best, err = svc.FindBestMatch(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "local", best.Profile.UserID)
	assert.InDelta(t, 0.6, best.Score, 1e-9)
}

func TestService_LostClaimFallsThroughToNextCandidate(t *testing.T) {
	svc, mr, rdb := newTestService(t, nil)
	ctx := context.Background()

	best := profile("best")
	best.Country = "FR"
	require.NoError(t, svc.Queue().Enqueue(ctx, best))
	require.NoError(t, svc.Queue().Enqueue(ctx, profile("runner-up")))

	rdb.AddHook(&stealHook{
		mr:      mr,
		key:     queueKey(config.CategoryUnrestricted),
		victims: map[string]bool{"best": true},
	})

	req := profile("req")
	req.Country = "FR"
	out, err := svc.FindOrEnqueue(ctx, req)
	require.NoError(t, err)
	require.True(t, out.Matched)
	assert.Equal(t, "runner-up", out.Partner.Profile.UserID)
}

func TestService_AllClaimsLostEnqueuesRequester(t *testing.T) {
	svc, mr, rdb := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.Queue().Enqueue(ctx, profile("a")))
	require.NoError(t, svc.Queue().Enqueue(ctx, profile("b")))

	rdb.AddHook(&stealHook{
		mr:      mr,
		key:     queueKey(config.CategoryUnrestricted),
		victims: map[string]bool{"a": true, "b": true},
	})

	out, err := svc.FindOrEnqueue(ctx, profile("req"))
	require.NoError(t, err)
	assert.False(t, out.Matched)

	pos, ok, err := svc.Queue().Position(ctx, "req", config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, pos)
}

func TestService_ClaimedEntryRecheckedBeforeMatch(t *testing.T) {
	svc, mr, rdb := newTestService(t, nil)
	ctx := context.Background()

	carol := profile("carol")
	carol.Gender = "female"
	require.NoError(t, svc.Queue().Enqueue(ctx, carol))

	changed := carol
	changed.Preferences.Gender = "female"
	changed.EnqueuedAt = newClock().Now()
	rdb.AddHook(&rewriteHook{mr: mr, next: changed})

	dave := profile("dave")
	dave.Gender = "male"
	out, err := svc.FindOrEnqueue(ctx, dave)
	require.NoError(t, err)
	assert.False(t, out.Matched)
	assert.Nil(t, out.Partner)

	back, err := svc.Queue().Get(ctx, "carol", config.CategoryUnrestricted)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, "female", back.Preferences.Gender)

	_, ok, err := svc.Queue().Position(ctx, "dave", config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_ResearchNeverMatchesSelf(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.FindOrEnqueue(ctx, profile("solo"))
	require.NoError(t, err)

	out, err := svc.FindOrEnqueue(ctx, profile("solo"))
	require.NoError(t, err)
	assert.False(t, out.Matched)

	size, err := svc.Queue().Size(ctx, config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestService_BannedRequesterIsRefused(t *testing.T) {
	svc, _, _ := newTestService(t, fakeBans{users: map[string]bool{"troll": true}})
	ctx := context.Background()

	_, err := svc.FindOrEnqueue(ctx, profile("troll"))
	assert.ErrorIs(t, err, ErrBanned)

	waiting, err := svc.Queue().Get(ctx, "troll", config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.Nil(t, waiting)
}

func TestService_BanCheckFailure(t *testing.T) {
	boom := errors.New("redis down")
	svc, _, _ := newTestService(t, fakeBans{err: boom})

	_, err := svc.FindOrEnqueue(context.Background(), profile("alice"))
	assert.ErrorIs(t, err, boom)
}

func TestService_UnknownCategory(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	p := profile("alice")
	p.Category = "nope"

	_, err := svc.FindOrEnqueue(context.Background(), p)
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestService_CancelPreventsLaterMatch(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.FindOrEnqueue(ctx, profile("alice"))
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, "alice", config.CategoryUnrestricted))

	out, err := svc.FindOrEnqueue(ctx, profile("bob"))
	require.NoError(t, err)
	assert.False(t, out.Matched)

	// Cancelling twice is harmless.
	assert.NoError(t, svc.Cancel(ctx, "alice", config.CategoryUnrestricted))
}
