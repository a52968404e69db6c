package matching

import (
	"strings"
	"time"

	"github.com/whisper/pairing/internal/geo"
)

// Preferences are the requester's own constraints on a partner. Empty
// values (or "any") mean no preference.
type Preferences struct {
	Gender        string            `json:"gender,omitempty"`
	AgeBracket    string            `json:"age_bracket,omitempty"`
	MaxDistanceKM float64           `json:"max_distance_km,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Profile is a participant while searching. It lives in the queue until it
// is claimed by a match or evicted.
type Profile struct {
	UserID      string      `json:"user_id"`
	DisplayName string      `json:"display_name"`
	Gender      string      `json:"gender,omitempty"`
	AgeBracket  string      `json:"age_bracket,omitempty"`
	Country     string      `json:"country,omitempty"`
	City        string      `json:"city,omitempty"`
	Location    *geo.Point  `json:"location,omitempty"`
	Category    string      `json:"category"`
	Modality    string      `json:"modality,omitempty"`
	Preferences Preferences `json:"preferences"`
	NetworkHash string      `json:"network_hash,omitempty"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

// QueueEntry is a waiting profile as read back from a category queue.
type QueueEntry struct {
	Category string
	Profile  Profile
}

func hasPreference(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, "any")
}

func sameField(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
