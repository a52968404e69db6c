package moderation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activityMsgsPrefix  = "mod:msgs:"  // + <user_id>, zset message id -> sent ms
	activityToxicPrefix = "mod:toxic:" // + <user_id>, zset message id -> sent ms
)

// Activity keeps rolling per-user message windows in Redis so every worker
// sees the same counts.
type Activity struct {
	rdb        *redis.Client
	rateWindow time.Duration
	toxicAt    float64
	toxicSpan  time.Duration
}

// NewActivity creates the window store. Messages scoring at least toxicAt
// also count toward the toxic window.
func NewActivity(rdb *redis.Client, rateWindow time.Duration, toxicAt float64, toxicSpan time.Duration) *Activity {
	return &Activity{rdb: rdb, rateWindow: rateWindow, toxicAt: toxicAt, toxicSpan: toxicSpan}
}

// Record adds one scored message for userID and trims both windows.
func (a *Activity) Record(ctx context.Context, userID, messageID string, score float64, at time.Time) error {
	ms := float64(at.UnixMilli())
	msgs, toxic := activityMsgsPrefix+userID, activityToxicPrefix+userID

	_, err := a.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, msgs, redis.Z{Score: ms, Member: messageID})
		pipe.ZRemRangeByScore(ctx, msgs, "-inf", before(at, a.rateWindow))
		pipe.Expire(ctx, msgs, a.rateWindow)

		if score+thresholdEpsilon >= a.toxicAt {
			pipe.ZAdd(ctx, toxic, redis.Z{Score: ms, Member: messageID})
			pipe.Expire(ctx, toxic, a.toxicSpan)
		}
		pipe.ZRemRangeByScore(ctx, toxic, "-inf", before(at, a.toxicSpan))
		return nil
	})
	if err != nil {
		return fmt.Errorf("moderation: record activity %s: %w", userID, err)
	}
	return nil
}

// Counts returns how many messages userID sent within the rate window and
// how many toxic ones within the toxic window, both ending at at.
func (a *Activity) Counts(ctx context.Context, userID string, at time.Time) (messages, toxic int64, err error) {
	var msgCmd, toxicCmd *redis.IntCmd
	_, err = a.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		msgCmd = pipe.ZCount(ctx, activityMsgsPrefix+userID, "("+before(at, a.rateWindow), "+inf")
		toxicCmd = pipe.ZCount(ctx, activityToxicPrefix+userID, "("+before(at, a.toxicSpan), "+inf")
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("moderation: activity counts %s: %w", userID, err)
	}
	return msgCmd.Val(), toxicCmd.Val(), nil
}

// Forget drops a user's windows, e.g. once a ban has been applied.
func (a *Activity) Forget(ctx context.Context, userID string) error {
	return a.rdb.Del(ctx, activityMsgsPrefix+userID, activityToxicPrefix+userID).Err()
}

func before(at time.Time, window time.Duration) string {
	return strconv.FormatInt(at.Add(-window).UnixMilli(), 10)
}
