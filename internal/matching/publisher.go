package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/pairing/internal/messaging"
)

const keyResultPrefix = "match:result:" // + <user_id>, JSON MatchResult with TTL

// MatchResult is what a user sees for their search: either the session they
// were placed in or a timeout. It is published on match.found.<user_id>
// (or match.timeout.<user_id>) and kept pollable for a short TTL.
type MatchResult struct {
	Timeout     bool     `json:"timeout,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	PartnerID   string   `json:"partner_id,omitempty"`
	PartnerName string   `json:"partner_name,omitempty"`
	Category    string   `json:"category"`
	Modality    string   `json:"modality,omitempty"`
	Score       float64  `json:"score,omitempty"`
	DistanceKM  *float64 `json:"distance_km,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// Notifier delivers match results to the realtime transport (NATS) and
// keeps a TTL-bound copy for clients that poll instead of subscribing.
type Notifier struct {
	rdb *redis.Client
	pub messaging.Publisher
	ttl time.Duration
}

// NewNotifier creates a notifier. pub may be nil, in which case results
// are only stored for polling.
func NewNotifier(rdb *redis.Client, pub messaging.Publisher, ttl time.Duration) *Notifier {
	return &Notifier{rdb: rdb, pub: pub, ttl: ttl}
}

// MatchFound stores and publishes a result for userID.
func (n *Notifier) MatchFound(ctx context.Context, userID string, res MatchResult) error {
	res.Timeout = false
	return n.deliver(ctx, userID, messaging.SubjectMatchFound, res)
}

// Timeout stores and publishes a timeout for a search that was evicted.
func (n *Notifier) Timeout(ctx context.Context, userID, category string) error {
	return n.deliver(ctx, userID, messaging.SubjectMatchTimeout, MatchResult{
		Timeout:   true,
		Category:  category,
		CreatedAt: time.Now().Unix(),
	})
}

func (n *Notifier) deliver(ctx context.Context, userID, subject string, res MatchResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("matching: marshal result for %s: %w", userID, err)
	}

	var errs []error
	if err := n.rdb.Set(ctx, keyResultPrefix+userID, data, n.ttl).Err(); err != nil {
		errs = append(errs, fmt.Errorf("matching: store result for %s: %w", userID, err))
	}
	if n.pub != nil {
		if err := n.pub.Publish(messaging.Subject(subject, userID), data); err != nil {
			errs = append(errs, fmt.Errorf("matching: publish %s for %s: %w", subject, userID, err))
		}
	}
	return errors.Join(errs...)
}

// Poll returns the pending result for userID, or nil when there is none
// or it already expired.
func (n *Notifier) Poll(ctx context.Context, userID string) (*MatchResult, error) {
	raw, err := n.rdb.Get(ctx, keyResultPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching: poll result for %s: %w", userID, err)
	}

	var res MatchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("matching: decode result for %s: %w", userID, err)
	}
	return &res, nil
}

// Clear drops any pending result for userID, e.g. when a new search starts.
func (n *Notifier) Clear(ctx context.Context, userID string) error {
	return n.rdb.Del(ctx, keyResultPrefix+userID).Err()
}
