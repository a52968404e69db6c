// Package session owns the lifecycle of a conversation between matched
// users: creation from a match, message accounting, ending (by a
// participant, an idle timeout or a ban) and group sessions that wait for
// a second joiner. Postgres is the source of truth; Redis keeps a mirror
// of live sessions for the hot path and for the janitor's idle sweeps.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/whisper/pairing/internal/invariant"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusAbandoned
}

// EndedBySystem marks sessions closed by the engine rather than a user.
const EndedBySystem = "system"

// End reasons recorded on a session.
const (
	ReasonUserLeft    = "user_left"
	ReasonIdleTimeout = "idle_timeout"
	ReasonBanned      = "banned"
	ReasonAbandoned   = "abandoned"
)

var (
	// ErrSelfMatch is returned when both participants are the same user.
	ErrSelfMatch = fmt.Errorf("session: participants must differ: %w", invariant.ErrViolation)

	// ErrNotParticipant is returned when a user acts on a session they are
	// not part of.
	ErrNotParticipant = errors.New("session: user is not a participant")

	// ErrNotActive is returned when a message targets a session that is
	// missing or no longer active.
	ErrNotActive = errors.New("session: not active")

	// ErrNotFound is returned by operations that cannot treat a missing
	// session as already resolved, such as joining a group.
	ErrNotFound = errors.New("session: not found")

	// ErrGroupClosed is returned when joining a session that is no longer
	// accepting participants.
	ErrGroupClosed = errors.New("session: group is closed")

	// ErrGroupFull is returned when a group already has MaxGroupSize members.
	ErrGroupFull = errors.New("session: group is full")

	// ErrInvalidRating is returned for ratings outside 1..5.
	ErrInvalidRating = errors.New("session: rating must be between 1 and 5")
)

// Participant is one member of a session. Rating is the score this
// participant gave the conversation, if any.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Rating      *int   `json:"rating,omitempty"`
}

// Session is a conversation between matched users. Once Status is
// terminal it is never reopened.
type Session struct {
	ID              string        `json:"id"`
	Category        string        `json:"category"`
	Modality        string        `json:"modality"`
	Status          Status        `json:"status"`
	Participants    []Participant `json:"participants"`
	MessageCount    int64         `json:"message_count"`
	DistanceKM      *float64      `json:"distance_km,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds int64         `json:"duration_seconds"`
	EndedBy         string        `json:"ended_by,omitempty"`
	EndReason       string        `json:"end_reason,omitempty"`
}

// ParticipantCount returns the number of members.
func (s *Session) ParticipantCount() int {
	return len(s.Participants)
}

// HasParticipant reports whether userID is a member.
func (s *Session) HasParticipant(userID string) bool {
	return s.participantIndex(userID) >= 0
}

// Partners returns every member except userID.
func (s *Session) Partners(userID string) []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Session) participantIndex(userID string) int {
	for i, p := range s.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (s *Session) participantIDs() []string {
	ids := make([]string, len(s.Participants))
	for i, p := range s.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// Ended is published on session.ended.<session_id>.
type Ended struct {
	SessionID       string   `json:"session_id"`
	Participants    []string `json:"participants"`
	Status          Status   `json:"status"`
	EndedBy         string   `json:"ended_by"`
	Reason          string   `json:"reason"`
	DurationSeconds int64    `json:"duration_seconds"`
	MessageCount    int64    `json:"message_count"`
}

func validRating(r int) bool {
	return r >= 1 && r <= 5
}
