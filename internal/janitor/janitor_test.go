package janitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/presence"
)

type fakeSessions struct {
	idle      map[string]time.Duration
	abandoned int
	panicky   bool
}

func (f *fakeSessions) SweepIdle(_ context.Context, modality string, threshold time.Duration) (int, error) {
	if f.panicky {
		panic("boom")
	}
	if f.idle == nil {
		f.idle = map[string]time.Duration{}
	}
	f.idle[modality] = threshold
	return 1, nil
}

func (f *fakeSessions) SweepAbandoned(context.Context) (int, error) {
	f.abandoned++
	return 0, nil
}

type countingStep struct {
	calls int
	n     int
	err   error
}

func (c *countingStep) Expire(context.Context) (int, error) {
	c.calls++
	return c.n, c.err
}

func (c *countingStep) Reconcile(context.Context) (int, error) {
	c.calls++
	return c.n, c.err
}

type fakePurger struct{ cutoff time.Time }

func (f *fakePurger) PurgeDeleted(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, nil
}

type fakeLive map[string][]string

func (f fakeLive) ActiveFor(_ context.Context, userID string) ([]string, error) {
	return f[userID], nil
}

type fakeLastSeen struct{ saved []presence.Presence }

func (f *fakeLastSeen) SaveLastSeen(_ context.Context, ps []presence.Presence) error {
	f.saved = append(f.saved, ps...)
	return nil
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func resultsByStep(rs []Result) map[string]Result {
	out := make(map[string]Result, len(rs))
	for _, r := range rs {
		out[r.Step] = r
	}
	return out
}

func TestRunOnce_QueueTimeoutsNotifyUsers(t *testing.T) {
	rdb := newRedis(t)
	cfg := config.Default()
	queue := matching.NewQueue(rdb, cfg.Matching.Categories, cfg.Matching.MaxWaitFor)
	notifier := matching.NewNotifier(rdb, nil, time.Minute)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, queue.Enqueue(ctx, matching.Profile{
		UserID: "stale", Category: config.CategoryUnrestricted, EnqueuedAt: now.Add(-3 * time.Minute),
	}))
	require.NoError(t, queue.Enqueue(ctx, matching.Profile{
		UserID: "fresh", Category: config.CategoryUnrestricted, EnqueuedAt: now.Add(-30 * time.Second),
	}))
	// Nearby tolerates five minutes.
	require.NoError(t, queue.Enqueue(ctx, matching.Profile{
		UserID: "patient", Category: config.CategoryNearby, EnqueuedAt: now.Add(-3 * time.Minute),
	}))

	j := New(Deps{Queue: queue, Notifier: notifier}, cfg, nil)
	j.now = func() time.Time { return now }

	res := resultsByStep(j.RunOnce(ctx))
	require.NoError(t, res[StepQueueTimeouts].Err)
	assert.Equal(t, 1, res[StepQueueTimeouts].Swept)

	got, err := notifier.Poll(ctx, "stale")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Timeout)
	assert.Equal(t, config.CategoryUnrestricted, got.Category)

	size, err := queue.Size(ctx, config.CategoryNearby)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
	size, err = queue.Size(ctx, config.CategoryUnrestricted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestRunOnce_IdleSessionsPerModality(t *testing.T) {
	sessions := &fakeSessions{}
	j := New(Deps{Sessions: sessions}, config.Default(), nil)

	res := resultsByStep(j.RunOnce(context.Background()))
	require.NoError(t, res[StepIdleSessions].Err)
	assert.Equal(t, 2, res[StepIdleSessions].Swept)
	assert.Equal(t, map[string]time.Duration{
		config.ModalityText:  10 * time.Minute,
		config.ModalityVideo: 30 * time.Minute,
	}, sessions.idle)
	assert.Equal(t, 1, sessions.abandoned)
}

func TestRunOnce_FailingStepsDoNotBlockOthers(t *testing.T) {
	bans := &countingStep{err: errors.New("redis down")}
	reconcile := &countingStep{n: 2}
	purger := &fakePurger{}
	cfg := config.Default()

	j := New(Deps{
		Sessions:   &fakeSessions{panicky: true},
		Bans:       bans,
		Reconciler: reconcile,
		Messages:   purger,
	}, cfg, nil)
	now := time.Now()
	j.now = func() time.Time { return now }

	res := resultsByStep(j.RunOnce(context.Background()))
	require.Len(t, res, 4)

	assert.ErrorContains(t, res[StepIdleSessions].Err, "panicked")
	assert.Error(t, res[StepExpiredBans].Err)
	assert.NoError(t, res[StepBanReconcile].Err)
	assert.Equal(t, 2, res[StepBanReconcile].Swept)
	assert.NoError(t, res[StepRetention].Err)
	assert.Equal(t, 3, res[StepRetention].Swept)
	assert.Equal(t, now.Add(-cfg.Janitor.MessageRetention), purger.cutoff)

	assert.Equal(t, 1, bans.calls)
	assert.Equal(t, 1, reconcile.calls)
}

func TestRunOnce_PresenceArchivesLastSeen(t *testing.T) {
	rdb := newRedis(t)
	store := presence.NewStore(rdb, time.Hour)
	ctx := context.Background()
	require.NoError(t, store.Touch(ctx, "alice", presence.StatusOnline, "net-a", ""))

	archive := &fakeLastSeen{}
	j := New(Deps{Presence: store, LastSeen: archive}, config.Default(), nil)
	j.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	res := resultsByStep(j.RunOnce(ctx))
	require.NoError(t, res[StepPresence].Err)
	assert.Equal(t, 1, res[StepPresence].Swept)
	require.Len(t, archive.saved, 1)
	assert.Equal(t, "alice", archive.saved[0].UserID)
	assert.Equal(t, presence.StatusOffline, archive.saved[0].Status)
	assert.Equal(t, "net-a", archive.saved[0].NetworkHash)
}

func TestRunOnce_PresenceKeepsUsersInQuietSessions(t *testing.T) {
	rdb := newRedis(t)
	store := presence.NewStore(rdb, time.Hour)
	ctx := context.Background()
	require.NoError(t, store.Touch(ctx, "alice", presence.StatusInSession, "", ""))
	require.NoError(t, store.Touch(ctx, "bob", presence.StatusInSession, "", ""))
	require.NoError(t, store.Touch(ctx, "carol", presence.StatusOnline, "", ""))

	live := fakeLive{"alice": {"s-1"}, "bob": {"s-1"}}
	j := New(Deps{Presence: store, Live: live}, config.Default(), nil)
	j.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	res := resultsByStep(j.RunOnce(ctx))
	require.NoError(t, res[StepPresence].Err)
	assert.Equal(t, 1, res[StepPresence].Swept)

	for _, id := range []string{"alice", "bob"} {
		p, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, presence.StatusInSession, p.Status, id)
	}
	p, err := store.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOffline, p.Status)
}

func TestStart_StopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Janitor.Interval = 5 * time.Millisecond
	reconcile := &countingStep{}
	j := New(Deps{Reconciler: reconcile}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
