package moderation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/config"
)

type fixedReports map[string]int

func (f fixedReports) CountAgainst(_ context.Context, userID string, _ time.Time) (int, error) {
	return f[userID], nil
}

type fixedHistory map[string]int

func (f fixedHistory) PriorSystemBans(_ context.Context, userID string, _ time.Time) (int, error) {
	return f[userID], nil
}

type guardHarness struct {
	guard *Guard
	now   time.Time
}

func newGuardHarness(t *testing.T, reports fixedReports, history fixedHistory) *guardHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Default().Moderation
	h := &guardHarness{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	activity := NewActivity(rdb, cfg.MessageRateWindow, cfg.BlockThreshold, cfg.ToxicWindow)
	h.guard = NewGuard(NewAnalyzer(nil, cfg), activity, reports, history, cfg, nil)
	h.guard.now = func() time.Time { return h.now }
	return h
}

func (h *guardHarness) send(t *testing.T, n int, text string) Verdict {
	t.Helper()
	var v Verdict
	for i := 0; i < n; i++ {
		h.now = h.now.Add(time.Second)
		var err error
		v, err = h.guard.Evaluate(context.Background(), fmt.Sprintf("m-%d", h.now.UnixNano()), text,
			Metadata{SessionID: "s1", SenderID: "spammer"})
		require.NoError(t, err)
	}
	return v
}

func TestCheckAutoBan_Reports(t *testing.T) {
	h := newGuardHarness(t, fixedReports{"five": 5, "four": 4}, nil)
	ctx := context.Background()

	rec, err := h.guard.CheckAutoBan(ctx, "five", 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{TriggerReports}, rec.Triggers)
	assert.Equal(t, "reports: 5 reports in 24 hours", rec.Reason)
	assert.Equal(t, 24*time.Hour, rec.Duration)

	rec, err = h.guard.CheckAutoBan(ctx, "four", 0)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCheckAutoBan_MessageRate(t *testing.T) {
	h := newGuardHarness(t, nil, nil)
	ctx := context.Background()

	h.send(t, 20, "hi")
	rec, err := h.guard.CheckAutoBan(ctx, "spammer", 0)
	require.NoError(t, err)
	assert.Nil(t, rec, "20 messages is still within the limit")

	h.send(t, 1, "hi")
	rec, err = h.guard.CheckAutoBan(ctx, "spammer", 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rate: 21 messages in 5 minutes", rec.Reason)
	assert.Equal(t, []string{TriggerRate}, rec.Triggers)
}

func TestCheckAutoBan_RateWindowSlides(t *testing.T) {
	h := newGuardHarness(t, nil, nil)

	h.send(t, 15, "hi")
	h.now = h.now.Add(5 * time.Minute)
	h.send(t, 10, "hi")

	rec, err := h.guard.CheckAutoBan(context.Background(), "spammer", 0)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCheckAutoBan_Toxicity(t *testing.T) {
	h := newGuardHarness(t, nil, nil)
	h.guard.cfg.MessageRateLimit = 100
	toxic := "my number is 555-123-4567 bitch"

	v := h.send(t, 9, toxic)
	require.True(t, v.AutoBlocked)
	rec, err := h.guard.CheckAutoBan(context.Background(), "spammer", v.Score)
	require.NoError(t, err)
	assert.Nil(t, rec)

	h.send(t, 5, "hello")
	v = h.send(t, 1, toxic)
	rec, err = h.guard.CheckAutoBan(context.Background(), "spammer", v.Score)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "toxicity: 10 toxic messages in 1 hour", rec.Reason)
	assert.True(t, rec.Severe(0.8))
}

func TestCheckAutoBan_Escalation(t *testing.T) {
	tests := []struct {
		prior int
		want  time.Duration
	}{
		{0, 24 * time.Hour},
		{1, 72 * time.Hour},
		{2, 72 * time.Hour},
		{3, 168 * time.Hour},
		{7, 168 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d prior bans", tt.prior), func(t *testing.T) {
			h := newGuardHarness(t, fixedReports{"u": 6}, fixedHistory{"u": tt.prior})
			rec, err := h.guard.CheckAutoBan(context.Background(), "u", 0)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.want, rec.Duration)
			assert.Equal(t, tt.prior, rec.PriorBans)
		})
	}
}

func TestCheckAutoBan_MultipleTriggers(t *testing.T) {
	h := newGuardHarness(t, fixedReports{"spammer": 5}, nil)
	h.send(t, 21, "hi")

	rec, err := h.guard.CheckAutoBan(context.Background(), "spammer", 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{TriggerReports, TriggerRate}, rec.Triggers)
	assert.Equal(t, "reports: 5 reports in 24 hours; rate: 21 messages in 5 minutes", rec.Reason)
	assert.False(t, rec.Severe(0.8))
}

func TestHumanWindow(t *testing.T) {
	assert.Equal(t, "5 minutes", humanWindow(5*time.Minute))
	assert.Equal(t, "1 hour", humanWindow(time.Hour))
	assert.Equal(t, "24 hours", humanWindow(24*time.Hour))
	assert.Equal(t, "1 minute", humanWindow(time.Minute))
	assert.Equal(t, "90s", humanWindow(90*time.Second))
}
