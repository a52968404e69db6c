package engine

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/pairing/internal/chat"
	"github.com/whisper/pairing/internal/report"
	"github.com/whisper/pairing/internal/session"
)

// memSessions is an in-memory session.Repository.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*session.Session)}
}

func cloneSession(s *session.Session) *session.Session {
	c := *s
	c.Participants = append([]session.Participant(nil), s.Participants...)
	return &c
}

func indexOf(s *session.Session, userID string) int {
	for i, p := range s.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (r *memSessions) Create(_ context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *memSessions) Get(_ context.Context, id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (r *memSessions) AddParticipant(_ context.Context, id string, p session.Participant, maxSize int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, session.ErrNotFound
	}
	if indexOf(s, p.UserID) >= 0 || len(s.Participants) >= maxSize {
		return false, nil
	}
	s.Participants = append(s.Participants, p)
	return true, nil
}

func (r *memSessions) Activate(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != session.StatusWaiting {
		return false, nil
	}
	s.Status = session.StatusActive
	s.StartedAt = &at
	s.LastActivityAt = at
	return true, nil
}

func (r *memSessions) Finish(_ context.Context, s *session.Session) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.ID]
	if !ok || cur.Status.Terminal() {
		return false, nil
	}
	next := cloneSession(s)
	next.Participants = cur.Participants
	r.sessions[s.ID] = next
	return true, nil
}

func (r *memSessions) SetRating(_ context.Context, id, userID string, rating int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, nil
	}
	i := indexOf(s, userID)
	if i < 0 {
		return false, nil
	}
	s.Participants[i].Rating = &rating
	return true, nil
}

func (r *memSessions) LiveFor(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sessions {
		if !s.Status.Terminal() && indexOf(s, userID) >= 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memSessions) IdleActive(context.Context, string, time.Time) ([]string, error) {
	return nil, nil
}

func (r *memSessions) StaleWaiting(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

type memMessages struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (m *memMessages) Insert(_ context.Context, msg *chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *memMessages) byID(id string) *chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs {
		if m.msgs[i].ID == id {
			return &m.msgs[i]
		}
	}
	return nil
}

type memReports struct {
	mu      sync.Mutex
	reports []report.Report
}

func (m *memReports) Create(_ context.Context, r *report.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.reports {
		if r.SessionID != "" && prev.SessionID == r.SessionID &&
			prev.ReporterID == r.ReporterID && prev.ReportedID == r.ReportedID {
			return report.ErrDuplicate
		}
	}
	r.ID = int64(len(m.reports) + 1)
	r.CreatedAt = time.Now()
	m.reports = append(m.reports, *r)
	return nil
}

func (m *memReports) CountAgainst(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reports {
		if r.ReportedID == userID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
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

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}
