package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/geo"
	"github.com/whisper/pairing/internal/metrics"
)

// ErrBanned is returned when a banned user or network asks to be matched.
var ErrBanned = errors.New("matching: requester is banned")

// BanChecker reports whether a user or their network identity is banned.
type BanChecker interface {
	Banned(ctx context.Context, userID, networkHash string) (bool, error)
}

// Candidate is a scored, eligible partner for a requester.
type Candidate struct {
	Profile    Profile
	Score      float64
	DistanceKM *float64
}

// Outcome is the result of FindOrEnqueue. When Matched is false the
// requester has been queued and QueuePosition/EstimatedWait describe it.
type Outcome struct {
	Matched       bool
	Partner       *Candidate
	QueuePosition int64
	EstimatedWait time.Duration
}

// Service pairs requesters with waiting candidates. Ranking is read-only;
// taking a candidate always goes through Queue.Claim.
type Service struct {
	queue *Queue
	bans  BanChecker
	cfg   config.MatchingConfig
	log   *zap.Logger
}

// NewService creates a matching service. bans may be nil.
func NewService(queue *Queue, bans BanChecker, cfg config.MatchingConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		queue: queue,
		bans:  bans,
		cfg:   cfg,
		log:   log.Named("matcher"),
	}
}

// Queue exposes the underlying queue for eviction by other components.
func (s *Service) Queue() *Queue {
	return s.queue
}

// FindBestMatch returns the best eligible candidate for p without claiming
// it, or nil when nobody in the scan window clears the score floor.
func (s *Service) FindBestMatch(ctx context.Context, p Profile) (*Candidate, error) {
	ranked, err := s.rank(ctx, p)
	if err != nil || len(ranked) == 0 {
		return nil, err
	}
	return &ranked[0], nil
}

// rank scans the most recent entries of p's category and returns every
// eligible candidate scoring at least MinScore, best first, earliest
// enqueue first among equal scores.
func (s *Service) rank(ctx context.Context, p Profile) ([]Candidate, error) {
	entries, err := s.queue.Peek(ctx, p.Category, s.cfg.ScanWindow)
	if err != nil {
		return nil, err
	}

	ranked := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		if c, ok := s.candidate(p, e.Profile); ok {
			ranked = append(ranked, c)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Profile.EnqueuedAt.Before(ranked[j].Profile.EnqueuedAt)
	})
	return ranked, nil
}

// candidate scores other against p, reporting false when other is not
// eligible or scores below MinScore.
func (s *Service) candidate(p, other Profile) (Candidate, bool) {
	if ok, reason := Eligible(p, other, s.cfg.DefaultMaxDistanceKM); !ok {
		s.log.Debug("candidate ineligible",
			zap.String("user_id", p.UserID),
			zap.String("candidate_id", other.UserID),
			zap.String("reason", reason))
		return Candidate{}, false
	}
	score := Score(p, other)
	if score < s.cfg.MinScore {
		return Candidate{}, false
	}
	c := Candidate{Profile: other, Score: score}
	if km, ok := geo.Between(p.Location, other.Location); ok {
		c.DistanceKM = &km
	}
	return c, true
}

// FindOrEnqueue tries to claim the best candidate for p. A lost claim moves
// on to the next-best candidate, up to ClaimAttempts; when nothing can be
// claimed p is enqueued. No match is the common case, not an error.
func (s *Service) FindOrEnqueue(ctx context.Context, p Profile) (Outcome, error) {
	if !s.queue.known(p.Category) {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownCategory, p.Category)
	}
	if p.UserID == "" {
		return Outcome{}, errors.New("matching: profile has no user id")
	}

	if s.bans != nil {
		banned, err := s.bans.Banned(ctx, p.UserID, p.NetworkHash)
		if err != nil {
			return Outcome{}, fmt.Errorf("matching: ban check: %w", err)
		}
		if banned {
			return Outcome{}, ErrBanned
		}
	}

	// A re-search replaces any entry the requester still holds, so it can
	// neither match itself nor be claimed while it is claiming.
	if _, err := s.queue.Evict(ctx, p.UserID, p.Category); err != nil {
		return Outcome{}, err
	}

	ranked, err := s.rank(ctx, p)
	if err != nil {
		return Outcome{}, err
	}

	attempts := 0
	for i := range ranked {
		if attempts >= s.cfg.ClaimAttempts {
			break
		}
		attempts++

		c := ranked[i]
		claimed, err := s.queue.Claim(ctx, p.Category, c.Profile.UserID)
		if err != nil {
			return Outcome{}, err
		}
		if claimed == nil {
			metrics.ClaimConflictsTotal.Inc()
			s.log.Debug("claim lost, trying next candidate",
				zap.String("user_id", p.UserID),
				zap.String("candidate_id", c.Profile.UserID))
			continue
		}

		if claimed.UserID == "" {
			claimed.UserID = c.Profile.UserID
		}
		// The entry may have been rewritten by a re-search since it was
		// ranked; the claimed copy is what gets matched.
		var ok bool
		if c, ok = s.candidate(p, *claimed); !ok {
			if err := s.queue.Enqueue(ctx, *claimed); err != nil {
				return Outcome{}, err
			}
			s.log.Info("claimed entry no longer eligible, requeued",
				zap.String("user_id", p.UserID),
				zap.String("candidate_id", claimed.UserID))
			continue
		}
		if !claimed.EnqueuedAt.IsZero() {
			metrics.MatchWait.Observe(time.Since(claimed.EnqueuedAt).Seconds())
		}
		metrics.MatchesTotal.WithLabelValues(p.Category).Inc()
		s.log.Info("match claimed",
			zap.String("user_id", p.UserID),
			zap.String("partner_id", c.Profile.UserID),
			zap.String("category", p.Category),
			zap.Float64("score", c.Score))
		return Outcome{Matched: true, Partner: &c}, nil
	}

	p.EnqueuedAt = time.Time{}
	if err := s.queue.Enqueue(ctx, p); err != nil {
		return Outcome{}, err
	}

	pos, _, err := s.queue.Position(ctx, p.UserID, p.Category)
	if err != nil {
		// Already queued; position is informational only.
		s.log.Warn("queue position unavailable", zap.String("user_id", p.UserID), zap.Error(err))
	}
	if size, err := s.queue.Size(ctx, p.Category); err == nil {
		metrics.MatchQueueSize.WithLabelValues(p.Category).Set(float64(size))
	}

	return Outcome{
		QueuePosition: pos,
		EstimatedWait: time.Duration(pos) * s.cfg.AverageWait,
	}, nil
}

// Cancel removes the user's waiting entry before returning, so a match can
// no longer be produced for the cancelled search.
func (s *Service) Cancel(ctx context.Context, userID, category string) error {
	removed, err := s.queue.Evict(ctx, userID, category)
	if err != nil {
		return err
	}
	if removed {
		s.log.Info("search cancelled", zap.String("user_id", userID), zap.String("category", category))
	}
	return nil
}
