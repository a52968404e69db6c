// Package ban keeps user and network-identity bans. Redis holds the live
// ban keys every worker checks on the hot path, plus an expiry index and a
// per-user history of system bans used for escalation. Postgres keeps the
// audit trail.
package ban

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/whisper/pairing/internal/invariant"
)

// Kind says what a ban subject identifies.
type Kind string

const (
	KindUser    Kind = "user"
	KindNetwork Kind = "network"
)

// IssuedBySystem marks bans applied by the auto-ban rules.
const IssuedBySystem = "system"

// ErrAlreadyBanned is returned when a subject already has a live ban.
var ErrAlreadyBanned = fmt.Errorf("ban: subject already banned: %w", invariant.ErrViolation)

// Record is one ban. A nil ExpiresAt is permanent.
type Record struct {
	Subject   string     `json:"subject"`
	Kind      Kind       `json:"kind"`
	Reason    string     `json:"reason"`
	IssuedBy  string     `json:"issued_by"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the ban is in force at now.
func (r Record) Active(now time.Time) bool {
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

// Remaining returns how long the ban still runs, zero for permanent or
// expired bans.
func (r Record) Remaining(now time.Time) time.Duration {
	if r.ExpiresAt == nil || !now.Before(*r.ExpiresAt) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// Ref names a ban subject without its details.
type Ref struct {
	Kind    Kind
	Subject string
}

func (r Ref) member() string {
	return string(r.Kind) + ":" + r.Subject
}

func parseRef(member string) (Ref, bool) {
	kind, subject, ok := strings.Cut(member, ":")
	if !ok || subject == "" {
		return Ref{}, false
	}
	return Ref{Kind: Kind(kind), Subject: subject}, true
}

// HashNetwork derives the stored identity of an origin network. Raw
// addresses are never stored.
func HashNetwork(addr, salt string) string {
	if addr == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + "|" + addr))
	return hex.EncodeToString(sum[:])
}
