package session

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/pairing/internal/matching"
)

// memRepo is an in-memory Repository.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*Session)}
}

func clone(s *Session) *Session {
	c := *s
	c.Participants = make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		c.Participants[i] = p
		if p.Rating != nil {
			r := *p.Rating
			c.Participants[i].Rating = &r
		}
	}
	return &c
}

func (r *memRepo) Create(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = clone(s)
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return clone(s), nil
}

func (r *memRepo) AddParticipant(_ context.Context, id string, p Participant, maxSize int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.HasParticipant(p.UserID) || len(s.Participants) >= maxSize {
		return false, nil
	}
	s.Participants = append(s.Participants, p)
	return true, nil
}

func (r *memRepo) Activate(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != StatusWaiting {
		return false, nil
	}
	s.Status = StatusActive
	s.StartedAt = &at
	s.LastActivityAt = at
	return true, nil
}

func (r *memRepo) Finish(_ context.Context, s *Session) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.ID]
	if !ok || cur.Status.Terminal() {
		return false, nil
	}
	next := clone(s)
	next.Participants = cur.Participants
	r.sessions[s.ID] = next
	return true, nil
}

func (r *memRepo) SetRating(_ context.Context, id, userID string, rating int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, nil
	}
	i := s.participantIndex(userID)
	if i < 0 {
		return false, nil
	}
	s.Participants[i].Rating = &rating
	return true, nil
}

func (r *memRepo) LiveFor(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sessions {
		if !s.Status.Terminal() && s.HasParticipant(userID) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memRepo) IdleActive(_ context.Context, modality string, cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sessions {
		if s.Status == StatusActive && s.Modality == modality && !s.LastActivityAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memRepo) StaleWaiting(_ context.Context, cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sessions {
		if s.Status == StatusWaiting && !s.CreatedAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type evictCall struct{ userID, category string }

type fakeQueue struct {
	mu    sync.Mutex
	calls []evictCall
}

func (q *fakeQueue) Evict(_ context.Context, userID, category string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, evictCall{userID, category})
	return true, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	results map[string]matching.MatchResult
}

func (n *fakeNotifier) MatchFound(_ context.Context, userID string, res matching.MatchResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.results == nil {
		n.results = make(map[string]matching.MatchResult)
	}
	n.results[userID] = res
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}
