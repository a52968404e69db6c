package moderation

// CheckRequest is published to moderation.check by a worker that wants a
// message scored remotely.
type CheckRequest struct {
	SessionID    string `json:"session_id"`
	MessageID    string `json:"message_id"`
	SenderID     string `json:"sender_id"`
	Text         string `json:"text"`
	FirstMessage bool   `json:"first_message"`
	Ts           int64  `json:"ts"`
}

// CheckResult is published on moderation.result.<session_id> with the
// verdict and, when the sender crossed an auto-ban threshold, the
// recommendation.
type CheckResult struct {
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	SenderID  string          `json:"sender_id"`
	Verdict   Verdict         `json:"verdict"`
	AutoBan   *Recommendation `json:"auto_ban,omitempty"`
}
