package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Service issues and expires bans across the Redis store and the audit
// table. The Redis write decides whether a ban exists; the audit row
// follows it.
type Service struct {
	store *Store
	repo  *Repository
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a ban service. repo may be nil when no audit trail is
// kept.
func NewService(store *Store, repo *Repository, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, repo: repo, log: log.Named("ban"), now: time.Now}
}

// Issue bans a subject for d, zero meaning permanent.
func (s *Service) Issue(ctx context.Context, kind Kind, subject, reason, issuedBy string, d time.Duration) (Record, error) {
	if subject == "" {
		return Record{}, errors.New("ban: empty subject")
	}
	now := s.now()
	rec := Record{
		Subject:  subject,
		Kind:     kind,
		Reason:   reason,
		IssuedBy: issuedBy,
		IssuedAt: now,
	}
	if d > 0 {
		exp := now.Add(d)
		rec.ExpiresAt = &exp
	}

	if err := s.store.Ban(ctx, rec, d); err != nil {
		return Record{}, err
	}
	if s.repo != nil {
		if err := s.repo.Insert(ctx, rec); err != nil {
			return rec, fmt.Errorf("ban: audit: %w", err)
		}
	}
	s.log.Info("ban issued",
		zap.String("kind", string(kind)),
		zap.String("subject", subject),
		zap.String("issued_by", issuedBy),
		zap.Duration("duration", d),
		zap.String("reason", reason))
	return rec, nil
}

// Banned implements the matching ban check.
func (s *Service) Banned(ctx context.Context, userID, networkHash string) (bool, error) {
	return s.store.Banned(ctx, userID, networkHash)
}

// PriorSystemBans implements the moderation ban history.
func (s *Service) PriorSystemBans(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.store.PriorSystemBans(ctx, userID, since)
}

// Get returns the live ban of a subject, or nil.
func (s *Service) Get(ctx context.Context, kind Kind, subject string) (*Record, error) {
	return s.store.Get(ctx, kind, subject)
}

// Lift removes a ban early.
func (s *Service) Lift(ctx context.Context, kind Kind, subject string) (bool, error) {
	return s.store.Lift(ctx, Ref{Kind: kind, Subject: subject})
}

// Expire clears bans that ran out and returns how many Redis entries were
// removed.
func (s *Service) Expire(ctx context.Context) (int, error) {
	now := s.now()
	cleared, err := s.store.ClearExpired(ctx, now)
	if s.repo != nil {
		if _, rerr := s.repo.LiftExpired(ctx, now); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return len(cleared), err
}

// ActiveUsers returns users whose ban is in force.
func (s *Service) ActiveUsers(ctx context.Context) ([]string, error) {
	return s.store.ActiveUsers(ctx, s.now())
}
