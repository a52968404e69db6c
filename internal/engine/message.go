package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/chat"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/presence"
)

// SendResult is the outcome of SendMessage. A blocked message is a normal
// result with Accepted false, not an error.
type SendResult struct {
	Accepted  bool
	Verdict   moderation.Verdict
	MessageID string
	// AutoBan is set when this message pushed the sender over an auto-ban
	// threshold; BanApplied tells whether enforcement ran.
	AutoBan    *moderation.Recommendation
	BanApplied bool
}

// SendMessage validates and scores a message, stores it (tombstoned when
// blocked), delivers it when accepted and checks the sender's auto-ban
// thresholds.
func (e *Engine) SendMessage(ctx context.Context, sessionID, senderID, content string) (SendResult, error) {
	if err := chat.ValidateMessage(content); err != nil {
		return SendResult{}, err
	}

	prior, err := e.Sessions.CheckSender(ctx, sessionID, senderID)
	if err != nil {
		return SendResult{}, err
	}

	msgID := uuid.NewString()
	now := e.now().UTC()
	verdict, err := e.Guard.Evaluate(ctx, msgID, content, moderation.Metadata{
		SessionID:    sessionID,
		SenderID:     senderID,
		FirstMessage: prior == 0,
	})
	if err != nil {
		e.log.Warn("activity not recorded", zap.String("sender_id", senderID), zap.Error(err))
	}

	msg := &chat.Message{
		ID:                   msgID,
		SessionID:            sessionID,
		SenderID:             senderID,
		Content:              content,
		Type:                 chat.TypeText,
		SentAt:               now,
		ToxicityScore:        verdict.Score,
		Flags:                verdict.Reasons,
		ContainsPersonalInfo: verdict.ContainsPersonalInfo,
		AutoFlagged:          verdict.AutoFlagged,
	}
	if verdict.AutoBlocked {
		msg.DeletedBy = chat.DeletedBySystem
		msg.DeletedAt = &now
	}
	if e.Messages != nil {
		if err := e.Messages.Insert(ctx, msg); err != nil {
			return SendResult{}, fmt.Errorf("engine: store message: %w", err)
		}
	}

	res := SendResult{Accepted: !verdict.AutoBlocked, Verdict: verdict, MessageID: msgID}
	if res.Accepted {
		e.deliver(ctx, msg)
	} else {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
	}

	rec, err := e.Guard.CheckAutoBan(ctx, senderID, verdict.Score)
	if err != nil {
		e.log.Warn("auto-ban check failed", zap.String("sender_id", senderID), zap.Error(err))
	}
	if rec != nil {
		res.AutoBan = rec
		res.BanApplied = e.applyBan(ctx, rec)
	}
	return res, nil
}

func (e *Engine) deliver(ctx context.Context, msg *chat.Message) {
	if _, err := e.Sessions.RecordMessage(ctx, msg.SessionID, msg.SenderID); err != nil {
		e.log.Warn("message not counted", zap.String("session_id", msg.SessionID), zap.Error(err))
	}
	if e.Recent != nil {
		if err := e.Recent.Add(ctx, msg.SessionID, chat.RecentEntry{
			From: msg.SenderID, Text: msg.Content, Ts: msg.SentAt.UnixMilli(),
		}); err != nil {
			e.log.Debug("recent message not kept", zap.String("session_id", msg.SessionID), zap.Error(err))
		}
	}

	if err := messaging.PublishJSON(e.Publisher, messaging.Subject(messaging.SubjectChat, msg.SessionID), chat.Event{
		Type:      "message",
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		From:      msg.SenderID,
		Text:      msg.Content,
		Flagged:   msg.AutoFlagged,
		Ts:        msg.SentAt.UnixMilli(),
	}); err != nil {
		e.log.Warn("chat fan-out failed", zap.String("session_id", msg.SessionID), zap.Error(err))
	}

	outcome := "delivered"
	if msg.AutoFlagged {
		outcome = "flagged"
	}
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	e.touch(ctx, msg.SenderID, presence.StatusInSession, "")
}
