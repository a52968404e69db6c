// Package enforcement turns an accepted ban into its consequences: the
// user is marked offline, loses every live session and every queue entry,
// and for severe offences their network identity is banned as well.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/ban"
	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/session"
)

// ErrPartialEnforcement means the ban is recorded but at least one
// follow-up step failed. The ban record stands and the janitor's
// reconcile step finishes the remaining work.
var ErrPartialEnforcement = errors.New("enforcement: ban recorded, enforcement incomplete")

// Bans issues bans and lists the users currently banned.
type Bans interface {
	Issue(ctx context.Context, kind ban.Kind, subject, reason, issuedBy string, d time.Duration) (ban.Record, error)
	ActiveUsers(ctx context.Context) ([]string, error)
}

// Presence marks users offline.
type Presence interface {
	SetOffline(ctx context.Context, userID string) error
}

// Sessions ends every live session of a user.
type Sessions interface {
	TerminateUser(ctx context.Context, userID, reason string) (int, error)
}

// Queue removes a user from every matching queue.
type Queue interface {
	EvictAll(ctx context.Context, userID string) (int, error)
}

// Outcome reports what Apply did.
type Outcome struct {
	Ban            ban.Record
	NetworkBan     *ban.Record
	SessionsEnded  int
	EntriesEvicted int
}

// Banned is published on user.banned.<user_id>.
type Banned struct {
	UserID    string     `json:"user_id"`
	Reason    string     `json:"reason"`
	IssuedBy  string     `json:"issued_by"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Network   bool       `json:"network"`
}

// Enforcer applies bans.
type Enforcer struct {
	bans     Bans
	presence Presence
	sessions Sessions
	queue    Queue
	pub      messaging.Publisher
	cfg      config.ModerationConfig
	log      *zap.Logger
}

// NewEnforcer wires an enforcer. presence and pub may be nil.
func NewEnforcer(bans Bans, presence Presence, sessions Sessions, queue Queue,
	pub messaging.Publisher, cfg config.ModerationConfig, log *zap.Logger) *Enforcer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enforcer{
		bans:     bans,
		presence: presence,
		sessions: sessions,
		queue:    queue,
		pub:      pub,
		cfg:      cfg,
		log:      log.Named("enforcer"),
	}
}

// Apply accepts an auto-ban recommendation. The network identity is banned
// too when the triggering message scored at or above the severe threshold.
func (e *Enforcer) Apply(ctx context.Context, rec *moderation.Recommendation) (Outcome, error) {
	if rec == nil {
		return Outcome{}, errors.New("enforcement: nil recommendation")
	}
	severe := rec.NetworkHash != "" && rec.Severe(e.cfg.SevereThreshold)
	return e.ban(ctx, rec.UserID, rec.NetworkHash, rec.Reason, ban.IssuedBySystem, rec.Duration, severe)
}

// Ban applies a moderator ban. A zero duration is permanent. networkHash
// is banned alongside the user when non-empty.
func (e *Enforcer) Ban(ctx context.Context, userID, networkHash, reason, moderatorID string, d time.Duration) (Outcome, error) {
	return e.ban(ctx, userID, networkHash, reason, moderatorID, d, networkHash != "")
}

func (e *Enforcer) ban(ctx context.Context, userID, networkHash, reason, issuedBy string,
	d time.Duration, withNetwork bool) (Outcome, error) {
	log := e.log.With(zap.String("user_id", userID))

	var partial []error
	record, err := e.bans.Issue(ctx, ban.KindUser, userID, reason, issuedBy, d)
	switch {
	case errors.Is(err, ban.ErrAlreadyBanned):
		log.Error("user already banned, enforcing existing ban", zap.Error(err))
		out, eerr := e.enforce(ctx, userID)
		return out, errors.Join(err, eerr)
	case err != nil && record.Subject == "":
		return Outcome{}, fmt.Errorf("enforcement: ban %s: %w", userID, err)
	case err != nil:
		// Stored in Redis but the audit row failed.
		partial = append(partial, err)
	}
	metrics.BansTotal.WithLabelValues(string(ban.KindUser)).Inc()

	out, err := e.enforce(ctx, userID)
	out.Ban = record
	if err != nil {
		partial = append(partial, err)
	}

	if withNetwork {
		nb, err := e.bans.Issue(ctx, ban.KindNetwork, networkHash, reason, issuedBy, e.cfg.NetworkBan)
		switch {
		case errors.Is(err, ban.ErrAlreadyBanned):
			log.Info("network identity already banned")
		case err != nil && nb.Subject == "":
			partial = append(partial, fmt.Errorf("enforcement: network ban: %w", err))
		default:
			if err != nil {
				partial = append(partial, err)
			}
			metrics.BansTotal.WithLabelValues(string(ban.KindNetwork)).Inc()
			out.NetworkBan = &nb
		}
	}

	if err := messaging.PublishJSON(e.pub, messaging.Subject(messaging.SubjectUserBanned, userID), Banned{
		UserID:    userID,
		Reason:    reason,
		IssuedBy:  issuedBy,
		ExpiresAt: record.ExpiresAt,
		Network:   out.NetworkBan != nil,
	}); err != nil {
		log.Warn("ban notification failed", zap.Error(err))
	}

	log.Info("ban enforced",
		zap.String("issued_by", issuedBy),
		zap.String("reason", reason),
		zap.Duration("duration", d),
		zap.Bool("network", out.NetworkBan != nil),
		zap.Int("sessions_ended", out.SessionsEnded),
		zap.Int("entries_evicted", out.EntriesEvicted))

	if len(partial) > 0 {
		return out, fmt.Errorf("%w: %w", ErrPartialEnforcement, errors.Join(partial...))
	}
	return out, nil
}

// enforce runs the idempotent consequences of a user ban.
func (e *Enforcer) enforce(ctx context.Context, userID string) (Outcome, error) {
	var (
		out  Outcome
		errs []error
	)
	if e.presence != nil {
		if err := e.presence.SetOffline(ctx, userID); err != nil {
			errs = append(errs, err)
		}
	}

	n, err := e.sessions.TerminateUser(ctx, userID, session.ReasonBanned)
	out.SessionsEnded = n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = e.queue.EvictAll(ctx, userID)
	out.EntriesEvicted = n
	if err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// Reconcile re-applies enforcement for every user with a live ban and
// returns how many users still had a session or queue entry.
func (e *Enforcer) Reconcile(ctx context.Context) (int, error) {
	users, err := e.bans.ActiveUsers(ctx)
	if err != nil {
		return 0, err
	}

	fixed := 0
	var errs []error
	for _, userID := range users {
		out, err := e.enforce(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("enforcement: reconcile %s: %w", userID, err))
		}
		if out.SessionsEnded > 0 || out.EntriesEvicted > 0 {
			fixed++
			e.log.Warn("banned user still had live state",
				zap.String("user_id", userID),
				zap.Int("sessions_ended", out.SessionsEnded),
				zap.Int("entries_evicted", out.EntriesEvicted))
		}
	}
	return fixed, errors.Join(errs...)
}
