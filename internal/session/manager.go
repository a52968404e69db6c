package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/geo"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/metrics"
)

// QueueEvicter removes a user's waiting entry from a category.
type QueueEvicter interface {
	Evict(ctx context.Context, userID, category string) (bool, error)
}

// MatchNotifier delivers the per-user match notification.
type MatchNotifier interface {
	MatchFound(ctx context.Context, userID string, res matching.MatchResult) error
}

// Manager drives sessions through waiting, active and their terminal
// states.
type Manager struct {
	repo     Repository
	mirror   *Mirror
	queue    QueueEvicter
	notifier MatchNotifier
	pub      messaging.Publisher
	cfg      config.SessionConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewManager wires a session manager. queue, notifier and pub may be nil.
func NewManager(repo Repository, mirror *Mirror, queue QueueEvicter, notifier MatchNotifier,
	pub messaging.Publisher, cfg config.SessionConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		repo:     repo,
		mirror:   mirror,
		queue:    queue,
		notifier: notifier,
		pub:      pub,
		cfg:      cfg,
		log:      log.Named("session"),
		now:      time.Now,
	}
}

// Create opens an active session for two matched profiles. Both are
// removed from the category queue, the distance between them is
// snapshotted and each user gets a match notification naming the other.
func (m *Manager) Create(ctx context.Context, a, b matching.Profile, category string, score float64) (*Session, error) {
	if a.UserID == b.UserID {
		m.log.Error("refusing self match", zap.String("user_id", a.UserID), zap.Error(ErrSelfMatch))
		return nil, ErrSelfMatch
	}

	if m.queue != nil {
		for _, p := range []matching.Profile{a, b} {
			if _, err := m.queue.Evict(ctx, p.UserID, category); err != nil {
				return nil, fmt.Errorf("session: evict %s before create: %w", p.UserID, err)
			}
		}
	}

	now := m.now().UTC()
	s := &Session{
		ID:       uuid.NewString(),
		Category: category,
		Modality: modalityOf(a, b),
		Status:   StatusActive,
		Participants: []Participant{
			{UserID: a.UserID, DisplayName: a.DisplayName},
			{UserID: b.UserID, DisplayName: b.DisplayName},
		},
		CreatedAt:      now,
		StartedAt:      &now,
		LastActivityAt: now,
	}
	if km, ok := geo.Between(a.Location, b.Location); ok {
		s.DistanceKM = &km
	}

	if err := m.repo.Create(ctx, s); err != nil {
		return nil, err
	}
	if err := m.mirror.Put(ctx, s); err != nil {
		// The mirror is rebuilt from Postgres on the next message.
		m.log.Warn("mirror put failed", zap.String("session_id", s.ID), zap.Error(err))
	}
	metrics.ActiveSessions.Inc()

	m.notifyMatch(ctx, s, a, b, score)
	m.notifyMatch(ctx, s, b, a, score)

	m.log.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("user_a", a.UserID),
		zap.String("user_b", b.UserID),
		zap.String("category", category),
		zap.Float64("score", score))
	return s, nil
}

func (m *Manager) notifyMatch(ctx context.Context, s *Session, to, partner matching.Profile, score float64) {
	if m.notifier == nil {
		return
	}
	res := matching.MatchResult{
		SessionID:   s.ID,
		PartnerID:   partner.UserID,
		PartnerName: partner.DisplayName,
		Category:    s.Category,
		Modality:    s.Modality,
		Score:       score,
		DistanceKM:  s.DistanceKM,
		CreatedAt:   s.CreatedAt.Unix(),
	}
	if err := m.notifier.MatchFound(ctx, to.UserID, res); err != nil {
		m.log.Warn("match notification failed",
			zap.String("session_id", s.ID),
			zap.String("user_id", to.UserID),
			zap.Error(err))
	}
}

func modalityOf(a, b matching.Profile) string {
	for _, v := range []string{a.Modality, b.Modality} {
		if v != "" {
			return v
		}
	}
	return config.ModalityText
}

// state returns the live mirror of a session, rebuilding it from Postgres
// when the mirror expired or was never written. It returns nil for
// sessions that do not exist or are terminal.
func (m *Manager) state(ctx context.Context, id string) (*mirrorState, error) {
	st, err := m.mirror.State(ctx, id)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}

	s, err := m.repo.Get(ctx, id)
	if err != nil || s == nil || s.Status.Terminal() {
		return nil, err
	}
	if err := m.mirror.Put(ctx, s); err != nil {
		return nil, err
	}
	return m.mirror.State(ctx, id)
}

// CheckSender verifies that sender may post in the session, counts the
// attempt and returns how many messages sender had attempted there before,
// blocked ones included.
func (m *Manager) CheckSender(ctx context.Context, id, sender string) (int64, error) {
	st, err := m.state(ctx, id)
	if err != nil {
		return 0, err
	}
	if st == nil || st.Status != StatusActive {
		return 0, ErrNotActive
	}
	if !st.hasParticipant(sender) {
		return 0, ErrNotParticipant
	}
	n, err := m.mirror.Attempt(ctx, id, sender)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrNotActive
	}
	return n, nil
}

// RecordMessage counts a message the guard already accepted and bumps the
// session's last activity. It returns the session's new message count.
func (m *Manager) RecordMessage(ctx context.Context, id, sender string) (int64, error) {
	st, err := m.state(ctx, id)
	if err != nil {
		return 0, err
	}
	if st == nil {
		return 0, ErrNotActive
	}
	if !st.hasParticipant(sender) {
		return 0, ErrNotParticipant
	}

	n, err := m.mirror.RecordMessage(ctx, id, st.Modality, sender, m.now())
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrNotActive
	}
	return n, nil
}

// End closes a session. A waiting group session becomes abandoned, an
// active one ended. Ending an already terminal session is a no-op that
// returns it unchanged; a rating is still stored in the caller's slot.
// A missing session is treated as already resolved and returns nil.
func (m *Manager) End(ctx context.Context, id, endedBy, reason string, rating *int) (*Session, error) {
	s, _, err := m.end(ctx, id, endedBy, reason, rating)
	return s, err
}

// end does the work of End and reports whether this call made the
// transition.
func (m *Manager) end(ctx context.Context, id, endedBy, reason string, rating *int) (*Session, bool, error) {
	if rating != nil && !validRating(*rating) {
		return nil, false, ErrInvalidRating
	}

	s, err := m.repo.Get(ctx, id)
	if err != nil || s == nil {
		return nil, false, err
	}
	if endedBy != EndedBySystem && !s.HasParticipant(endedBy) {
		return nil, false, ErrNotParticipant
	}

	if s.Status.Terminal() {
		if rating != nil {
			if err := m.setRating(ctx, s, endedBy, *rating); err != nil {
				return nil, false, err
			}
		}
		return s, false, nil
	}

	if reason == "" {
		reason = ReasonUserLeft
		if endedBy == EndedBySystem {
			reason = ReasonAbandoned
		}
	}

	m.overlay(ctx, s)

	wasActive := s.Status == StatusActive
	now := m.now().UTC()
	s.EndedAt = &now
	s.EndedBy = endedBy
	s.EndReason = reason
	if wasActive {
		s.Status = StatusEnded
		if s.StartedAt != nil {
			s.DurationSeconds = int64(now.Sub(*s.StartedAt) / time.Second)
		}
	} else {
		s.Status = StatusAbandoned
	}

	ok, err := m.repo.Finish(ctx, s)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// Another worker finished it between our read and write.
		current, err := m.repo.Get(ctx, id)
		return current, false, err
	}

	if rating != nil {
		if err := m.setRating(ctx, s, endedBy, *rating); err != nil {
			m.log.Warn("rating not stored", zap.String("session_id", id), zap.Error(err))
		}
	}

	if err := m.mirror.Release(ctx, s); err != nil {
		m.log.Warn("mirror release failed", zap.String("session_id", id), zap.Error(err))
	}

	if wasActive {
		metrics.ActiveSessions.Dec()
	}
	metrics.SessionDuration.WithLabelValues(s.Modality, s.EndReason).Observe(float64(s.DurationSeconds))

	if err := messaging.PublishJSON(m.pub, messaging.Subject(messaging.SubjectSessionEnded, s.ID), Ended{
		SessionID:       s.ID,
		Participants:    s.participantIDs(),
		Status:          s.Status,
		EndedBy:         s.EndedBy,
		Reason:          s.EndReason,
		DurationSeconds: s.DurationSeconds,
		MessageCount:    s.MessageCount,
	}); err != nil {
		m.log.Warn("session ended notification failed", zap.String("session_id", id), zap.Error(err))
	}

	m.log.Info("session ended",
		zap.String("session_id", s.ID),
		zap.String("status", string(s.Status)),
		zap.String("ended_by", s.EndedBy),
		zap.String("reason", s.EndReason),
		zap.Int64("duration_seconds", s.DurationSeconds))
	return s, true, nil
}

// Rate stores userID's rating for a session, typically after it ended.
func (m *Manager) Rate(ctx context.Context, id, userID string, rating int) error {
	if !validRating(rating) {
		return ErrInvalidRating
	}
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrNotFound
	}
	return m.setRating(ctx, s, userID, rating)
}

func (m *Manager) setRating(ctx context.Context, s *Session, userID string, rating int) error {
	i := s.participantIndex(userID)
	if i < 0 {
		return ErrNotParticipant
	}
	ok, err := m.repo.SetRating(ctx, s.ID, userID, rating)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	r := rating
	s.Participants[i].Rating = &r
	return nil
}

// Get returns a session with live counters from the mirror, or nil.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil || s == nil {
		return s, err
	}
	if !s.Status.Terminal() {
		m.overlay(ctx, s)
	}
	return s, nil
}

// overlay copies the live counters of the mirror onto s. Postgres only
// learns them when the session ends.
func (m *Manager) overlay(ctx context.Context, s *Session) {
	st, err := m.mirror.State(ctx, s.ID)
	if err != nil {
		m.log.Warn("mirror read failed, using stored counters", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	if st == nil {
		return
	}
	s.MessageCount = st.MessageCount
	if st.LastActivity.After(s.LastActivityAt) {
		s.LastActivityAt = st.LastActivity
	}
}

// ActiveFor returns the ids of every waiting or active session userID is
// part of, from both the mirror and Postgres.
func (m *Manager) ActiveFor(ctx context.Context, userID string) ([]string, error) {
	stored, err := m.repo.LiveFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	mirrored, err := m.mirror.UserSessions(ctx, userID)
	if err != nil {
		m.log.Warn("mirror user sessions failed", zap.String("user_id", userID), zap.Error(err))
	}
	return union(stored, mirrored), nil
}

// TerminateUser ends every live session of userID with the given reason
// and returns how many were closed by this call.
func (m *Manager) TerminateUser(ctx context.Context, userID, reason string) (int, error) {
	ids, err := m.ActiveFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	return m.endAll(ctx, ids, reason, nil)
}

// SweepIdle ends active sessions of a modality without activity for
// longer than threshold.
func (m *Manager) SweepIdle(ctx context.Context, modality string, threshold time.Duration) (int, error) {
	cutoff := m.now().Add(-threshold)

	mirrored, err := m.mirror.Idle(ctx, modality, cutoff)
	if err != nil {
		return 0, err
	}
	stored, err := m.repo.IdleActive(ctx, modality, cutoff)
	if err != nil {
		return 0, err
	}

	return m.endAll(ctx, union(mirrored, stored), ReasonIdleTimeout, func(id string) bool {
		// A session stored as idle may still be busy in the mirror.
		st, err := m.mirror.State(ctx, id)
		return err == nil && (st == nil || !st.LastActivity.After(cutoff))
	})
}

// SweepAbandoned abandons group sessions that waited longer than
// GroupWait for a second participant.
func (m *Manager) SweepAbandoned(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.GroupWait)

	mirrored, err := m.mirror.StaleWaiting(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	stored, err := m.repo.StaleWaiting(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	return m.endAll(ctx, union(mirrored, stored), ReasonAbandoned, nil)
}

func (m *Manager) endAll(ctx context.Context, ids []string, reason string, keep func(string) bool) (int, error) {
	ended := 0
	var errs []error
	for _, id := range ids {
		if keep != nil && !keep(id) {
			continue
		}
		_, changed, err := m.end(ctx, id, EndedBySystem, reason, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			ended++
		}
	}
	return ended, errors.Join(errs...)
}

// OpenGroup creates a waiting group session hosted by host.
func (m *Manager) OpenGroup(ctx context.Context, host matching.Profile) (*Session, error) {
	now := m.now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Category:       config.CategoryGroup,
		Modality:       modalityOf(host, host),
		Status:         StatusWaiting,
		Participants:   []Participant{{UserID: host.UserID, DisplayName: host.DisplayName}},
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, err
	}
	if err := m.mirror.Put(ctx, s); err != nil {
		m.log.Warn("mirror put failed", zap.String("session_id", s.ID), zap.Error(err))
	}
	m.log.Info("group opened", zap.String("session_id", s.ID), zap.String("host", host.UserID))
	return s, nil
}

// Join adds p to a group session. The session becomes active once it has
// two participants; joining an already joined session returns it as is.
func (m *Manager) Join(ctx context.Context, id string, p matching.Profile) (*Session, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	if s.Status.Terminal() {
		return nil, ErrGroupClosed
	}
	if s.HasParticipant(p.UserID) {
		return s, nil
	}
	if s.ParticipantCount() >= m.cfg.MaxGroupSize {
		return nil, ErrGroupFull
	}

	added, err := m.repo.AddParticipant(ctx, id, Participant{UserID: p.UserID, DisplayName: p.DisplayName}, m.cfg.MaxGroupSize)
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, ErrGroupFull
	}

	if s.Status == StatusWaiting {
		now := m.now().UTC()
		activated, err := m.repo.Activate(ctx, id, now)
		if err != nil {
			return nil, err
		}
		if activated {
			metrics.ActiveSessions.Inc()
		}
	}

	// Other joiners may have changed the group since the read above; the
	// mirror is written from the stored copy and merged, never replaced.
	s, err = m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Status.Terminal() {
		return nil, ErrGroupClosed
	}
	m.overlay(ctx, s)
	if err := m.mirror.Merge(ctx, s); err != nil {
		m.log.Warn("mirror merge failed", zap.String("session_id", s.ID), zap.Error(err))
	}

	if m.notifier != nil {
		for _, other := range s.Partners(p.UserID) {
			host := matching.Profile{UserID: other.UserID, DisplayName: other.DisplayName}
			m.notifyMatch(ctx, s, p, host, 0)
		}
	}

	m.log.Info("group joined",
		zap.String("session_id", s.ID),
		zap.String("user_id", p.UserID),
		zap.Int("participants", s.ParticipantCount()))
	return s, nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
