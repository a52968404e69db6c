package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/ban"
	"github.com/whisper/pairing/internal/enforcement"
	"github.com/whisper/pairing/internal/engine"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/moderation"
)

// MatchRequestMsg is the payload of match.request. RemoteAddr is hashed
// into the profile's network identity and never stored raw.
type MatchRequestMsg struct {
	matching.Profile
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// MatchCancelMsg is the payload of match.cancel.
type MatchCancelMsg struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
}

// Matcher is the slice of the engine the match handlers drive.
type Matcher interface {
	MatchRequest(ctx context.Context, p matching.Profile) (engine.MatchResponse, error)
	CancelSearch(ctx context.Context, userID, category string) error
}

// BanApplier enforces an auto-ban recommendation.
type BanApplier interface {
	Apply(ctx context.Context, rec *moderation.Recommendation) (enforcement.Outcome, error)
}

// Handlers turn NATS payloads into engine calls. Each handler bounds its
// work by Timeout and logs failures; nothing is returned to NATS.
type Handlers struct {
	Matcher   Matcher
	Guard     *moderation.Guard
	Bans      BanApplier
	Publisher messaging.Publisher
	Salt      string
	Timeout   time.Duration
	Log       *zap.Logger
}

// NewHandlers builds the handlers over a wired App.
func NewHandlers(a *App) *Handlers {
	h := &Handlers{
		Matcher: a.Engine,
		Guard:   a.Guard,
		Bans:    a.Enforcer,
		Salt:    a.Config.Moderation.NetworkSalt,
		Timeout: 5 * time.Second,
		Log:     a.Log.Named("handlers"),
	}
	if a.NATS != nil {
		h.Publisher = a.NATS
	}
	return h
}

func (h *Handlers) ctx() (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), h.Timeout)
}

func (h *Handlers) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// MatchRequest handles match.request. Matches are announced by the
// notifier on match.found.<user_id>; a queued request needs no reply.
func (h *Handlers) MatchRequest(data []byte) {
	var msg MatchRequestMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log().Warn("bad match request", zap.Error(err))
		return
	}
	p := msg.Profile
	if p.NetworkHash == "" {
		p.NetworkHash = ban.HashNetwork(msg.RemoteAddr, h.Salt)
	}

	ctx, cancel := h.ctx()
	defer cancel()
	res, err := h.Matcher.MatchRequest(ctx, p)
	switch {
	case errors.Is(err, matching.ErrBanned), errors.Is(err, engine.ErrRateLimited):
		h.log().Info("match request refused", zap.String("user_id", p.UserID), zap.Error(err))
	case err != nil:
		h.log().Error("match request failed", zap.String("user_id", p.UserID), zap.Error(err))
	case res.Matched:
		h.log().Debug("matched", zap.String("user_id", p.UserID), zap.String("session_id", res.Session.ID))
	default:
		h.log().Debug("queued", zap.String("user_id", p.UserID), zap.Int64("position", res.QueuePosition))
	}
}

// MatchCancel handles match.cancel.
func (h *Handlers) MatchCancel(data []byte) {
	var msg MatchCancelMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log().Warn("bad match cancel", zap.Error(err))
		return
	}
	ctx, cancel := h.ctx()
	defer cancel()
	if err := h.Matcher.CancelSearch(ctx, msg.UserID, msg.Category); err != nil {
		h.log().Error("cancel failed", zap.String("user_id", msg.UserID), zap.Error(err))
	}
}

// ModerationCheck handles moderation.check: it scores the message,
// records the sender's activity, applies any auto-ban and publishes the
// result on moderation.result.<session_id>.
func (h *Handlers) ModerationCheck(data []byte) {
	var req moderation.CheckRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.log().Warn("bad moderation check", zap.Error(err))
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	log := h.log().With(zap.String("session_id", req.SessionID), zap.String("sender_id", req.SenderID))

	ctx, cancel := h.ctx()
	defer cancel()

	verdict, err := h.Guard.Evaluate(ctx, req.MessageID, req.Text, moderation.Metadata{
		SessionID:    req.SessionID,
		SenderID:     req.SenderID,
		FirstMessage: req.FirstMessage,
	})
	if err != nil {
		log.Warn("activity not recorded", zap.Error(err))
	}

	res := moderation.CheckResult{
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		SenderID:  req.SenderID,
		Verdict:   verdict,
	}
	rec, err := h.Guard.CheckAutoBan(ctx, req.SenderID, verdict.Score)
	if err != nil {
		log.Warn("auto-ban check failed", zap.Error(err))
	}
	if rec != nil {
		res.AutoBan = rec
		if h.Bans != nil {
			if _, err := h.Bans.Apply(ctx, rec); err != nil {
				log.Error("auto-ban enforcement failed", zap.Error(err))
			}
		}
	}

	if verdict.AutoFlagged {
		log.Info("message flagged",
			zap.Float64("score", verdict.Score),
			zap.Strings("reasons", verdict.Reasons),
			zap.Bool("blocked", verdict.AutoBlocked))
	}
	if err := messaging.PublishJSON(h.Publisher, messaging.Subject(messaging.SubjectModerationResult, req.SessionID), res); err != nil {
		log.Warn("moderation result not published", zap.Error(err))
	}
}

// Subscriber is the subscription surface of *messaging.NATSClient.
type Subscriber interface {
	QueueSubscribe(subject, group string, handler func(data []byte)) error
}

// SubscribeMatcher registers the match handlers in the "matchers" group.
func (h *Handlers) SubscribeMatcher(sub Subscriber) error {
	if err := sub.QueueSubscribe(messaging.SubjectMatchRequest, "matchers", h.MatchRequest); err != nil {
		return err
	}
	return sub.QueueSubscribe(messaging.SubjectMatchCancel, "matchers", h.MatchCancel)
}

// SubscribeModerator registers the moderation handler in the
// "moderators" group.
func (h *Handlers) SubscribeModerator(sub Subscriber) error {
	return sub.QueueSubscribe(messaging.SubjectModeration, "moderators", h.ModerationCheck)
}
