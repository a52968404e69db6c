package enforcement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/ban"
	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/session"
)

type fakeSessions struct {
	mu      sync.Mutex
	live    map[string]int
	reasons []string
	err     error
}

func (f *fakeSessions) TerminateUser(_ context.Context, userID, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	n := f.live[userID]
	delete(f.live, userID)
	f.reasons = append(f.reasons, reason)
	return n, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	waiting map[string]int
}

func (f *fakeQueue) EvictAll(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.waiting[userID]
	delete(f.waiting, userID)
	return n, nil
}

type fakePresence struct{ offline []string }

func (f *fakePresence) SetOffline(_ context.Context, userID string) error {
	f.offline = append(f.offline, userID)
	return nil
}

type recordingPublisher struct{ subjects []string }

func (p *recordingPublisher) Publish(subject string, _ []byte) error {
	p.subjects = append(p.subjects, subject)
	return nil
}

type harness struct {
	bans     *ban.Service
	sessions *fakeSessions
	queue    *fakeQueue
	presence *fakePresence
	pub      *recordingPublisher
	enforcer *Enforcer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		bans:     ban.NewService(ban.NewStore(rdb, 30*24*time.Hour), nil, nil),
		sessions: &fakeSessions{live: map[string]int{}},
		queue:    &fakeQueue{waiting: map[string]int{}},
		presence: &fakePresence{},
		pub:      &recordingPublisher{},
	}
	h.enforcer = NewEnforcer(h.bans, h.presence, h.sessions, h.queue, h.pub, config.Default().Moderation, nil)
	return h
}

func recommendation(score float64) *moderation.Recommendation {
	return &moderation.Recommendation{
		UserID:       "mallory",
		NetworkHash:  "net-m",
		Triggers:     []string{moderation.TriggerRate},
		Reason:       "rate: 21 messages in 5 minutes",
		Duration:     24 * time.Hour,
		TriggerScore: score,
	}
}

func TestApply_BansAndCleansUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sessions.live["mallory"] = 2
	h.queue.waiting["mallory"] = 1

	out, err := h.enforcer.Apply(ctx, recommendation(0.4))
	require.NoError(t, err)

	assert.Equal(t, "mallory", out.Ban.Subject)
	assert.Equal(t, ban.IssuedBySystem, out.Ban.IssuedBy)
	require.NotNil(t, out.Ban.ExpiresAt)
	assert.Equal(t, 2, out.SessionsEnded)
	assert.Equal(t, 1, out.EntriesEvicted)
	assert.Nil(t, out.NetworkBan, "mild trigger does not ban the network")
	assert.Equal(t, []string{session.ReasonBanned}, h.sessions.reasons)
	assert.Equal(t, []string{"mallory"}, h.presence.offline)
	assert.Equal(t, []string{"user.banned.mallory"}, h.pub.subjects)

	banned, err := h.bans.Banned(ctx, "mallory", "")
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestApply_SevereBansNetwork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.enforcer.Apply(ctx, recommendation(0.85))
	require.NoError(t, err)
	require.NotNil(t, out.NetworkBan)
	assert.Equal(t, ban.KindNetwork, out.NetworkBan.Kind)
	require.NotNil(t, out.NetworkBan.ExpiresAt)
	assert.Equal(t, 48*time.Hour, out.NetworkBan.ExpiresAt.Sub(out.NetworkBan.IssuedAt))

	// Another account from the same network is refused.
	banned, err := h.bans.Banned(ctx, "mallory-2", "net-m")
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestApply_SecondBanIsInvariantErrorButStillEnforces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.enforcer.Apply(ctx, recommendation(0.4))
	require.NoError(t, err)

	h.queue.waiting["mallory"] = 1
	out, err := h.enforcer.Apply(ctx, recommendation(0.4))
	require.ErrorIs(t, err, ban.ErrAlreadyBanned)
	assert.Equal(t, 1, out.EntriesEvicted)
}

func TestApply_PartialFailure(t *testing.T) {
	h := newHarness(t)
	h.sessions.err = errors.New("postgres down")

	out, err := h.enforcer.Apply(context.Background(), recommendation(0.4))
	require.ErrorIs(t, err, ErrPartialEnforcement)
	assert.Equal(t, "mallory", out.Ban.Subject)

	banned, berr := h.bans.Banned(context.Background(), "mallory", "")
	require.NoError(t, berr)
	assert.True(t, banned, "ban record stands when a follow-up step fails")
}

func TestModeratorBan(t *testing.T) {
	h := newHarness(t)

	out, err := h.enforcer.Ban(context.Background(), "trent", "net-t", "spam wave", "mod-1", 0)
	require.NoError(t, err)
	assert.Nil(t, out.Ban.ExpiresAt, "zero duration is permanent")
	require.NotNil(t, out.NetworkBan)
	assert.Equal(t, "mod-1", out.Ban.IssuedBy)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.enforcer.Apply(ctx, recommendation(0.4))
	require.NoError(t, err)

	// A session created by a worker that missed the ban.
	h.sessions.live["mallory"] = 1
	h.queue.waiting["innocent"] = 1

	fixed, err := h.enforcer.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	assert.Empty(t, h.sessions.live)
	assert.Equal(t, 1, h.queue.waiting["innocent"])

	fixed, err = h.enforcer.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)
}
