// Package chat holds the message model of a session: validation of raw
// text, the durable message log in Postgres with its moderation columns,
// and a short Redis list of recent messages attached to abuse reports.
package chat

import "time"

// Message types.
const (
	TypeText   = "text"
	TypeSystem = "system"
)

// DeletedBySystem marks messages tombstoned by the moderation guard.
const DeletedBySystem = "system"

// Message is one message in a session. Only the moderation fields change
// after insert; deletion sets DeletedBy/DeletedAt instead of removing the
// row, and the retention sweep removes tombstones later.
type Message struct {
	ID                   string     `json:"id"`
	SessionID            string     `json:"session_id"`
	SenderID             string     `json:"sender_id"`
	Content              string     `json:"content"`
	Type                 string     `json:"type"`
	SentAt               time.Time  `json:"sent_at"`
	ToxicityScore        float64    `json:"toxicity_score"`
	Flags                []string   `json:"flags,omitempty"`
	ContainsPersonalInfo bool       `json:"contains_personal_info"`
	AutoFlagged          bool       `json:"auto_flagged"`
	DeletedBy            string     `json:"deleted_by,omitempty"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the message carries a tombstone.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Event is the payload published on chat.<session_id> for delivered
// messages and session notices.
type Event struct {
	Type      string `json:"type"` // "message", "partner_left"
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`
	From      string `json:"from"`
	Text      string `json:"text,omitempty"`
	Flagged   bool   `json:"flagged,omitempty"`
	Ts        int64  `json:"ts,omitempty"`
}
