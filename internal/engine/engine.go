// Package engine is the boundary of the pairing system. It composes the
// matcher, the session manager, the moderation guard and ban enforcement
// into the operations a transport calls: request or cancel a match, poll
// for its result, send a message, end a session and report a user.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/chat"
	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/enforcement"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/presence"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/report"
	"github.com/whisper/pairing/internal/session"
)

// ErrRateLimited is returned when a user exceeds a request rate.
var ErrRateLimited = errors.New("engine: rate limited")

// MessageStore persists messages.
type MessageStore interface {
	Insert(ctx context.Context, m *chat.Message) error
}

// ReportStore persists abuse reports.
type ReportStore interface {
	Create(ctx context.Context, r *report.Report) error
}

// Deps are the components the engine composes. Messages, Reports, Recent,
// Presence, Limiter and Publisher may be nil.
type Deps struct {
	Matcher   *matching.Service
	Notifier  *matching.Notifier
	Sessions  *session.Manager
	Guard     *moderation.Guard
	Enforcer  *enforcement.Enforcer
	Bans      matching.BanChecker
	Messages  MessageStore
	Reports   ReportStore
	Recent    *chat.Recent
	Presence  *presence.Store
	Limiter   *ratelimit.Limiter
	Publisher messaging.Publisher
}

// Engine is the pairing, session and moderation facade.
type Engine struct {
	Deps
	cfg config.Config
	log *zap.Logger
	now func() time.Time
}

// New creates an engine.
func New(deps Deps, cfg config.Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{Deps: deps, cfg: cfg, log: log.Named("engine"), now: time.Now}
}

// storeCtx bounds a single store round-trip.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Matching.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.Matching.StoreTimeout)
}

func (e *Engine) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if e.Limiter == nil {
		return true
	}
	ok, err := e.Limiter.Allow(ctx, identifier, rule)
	if err != nil {
		e.log.Warn("rate limiter unavailable", zap.String("key", rule.Key), zap.Error(err))
	}
	return ok
}

func (e *Engine) touch(ctx context.Context, userID, status, networkHash string) {
	if e.Presence == nil {
		return
	}
	if err := e.Presence.Touch(ctx, userID, status, networkHash, ""); err != nil {
		e.log.Debug("presence update failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// networkOf returns the network identity last seen for userID, if any.
func (e *Engine) networkOf(ctx context.Context, userID string) string {
	if e.Presence == nil {
		return ""
	}
	p, err := e.Presence.Get(ctx, userID)
	if err != nil || p == nil {
		return ""
	}
	return p.NetworkHash
}

// applyBan hands a recommendation to the enforcer. Partial enforcement is
// logged, not returned: the ban stands and the janitor converges it.
func (e *Engine) applyBan(ctx context.Context, rec *moderation.Recommendation) bool {
	if rec == nil || e.Enforcer == nil {
		return false
	}
	if rec.NetworkHash == "" {
		rec.NetworkHash = e.networkOf(ctx, rec.UserID)
	}
	_, err := e.Enforcer.Apply(ctx, rec)
	switch {
	case err == nil:
		return true
	case errors.Is(err, enforcement.ErrPartialEnforcement):
		e.log.Warn("ban enforced partially", zap.String("user_id", rec.UserID), zap.Error(err))
		return true
	default:
		e.log.Error("auto-ban not applied", zap.String("user_id", rec.UserID), zap.Error(err))
		return false
	}
}
