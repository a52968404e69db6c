package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/enforcement"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/presence"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/report"
	"github.com/whisper/pairing/internal/session"
)

// EndSession ends a session on behalf of userID. Ending an ended session
// returns it unchanged; a rating is still stored. A session that does not
// exist yields nil and no error.
func (e *Engine) EndSession(ctx context.Context, sessionID, userID string, rating *int, reason string) (*session.Session, error) {
	s, err := e.Sessions.End(ctx, sessionID, userID, reason, rating)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if e.Presence != nil {
		for _, p := range s.Participants {
			if err := e.Presence.SetStatus(ctx, p.UserID, presence.StatusOnline); err != nil {
				e.log.Debug("presence update failed", zap.String("user_id", p.UserID), zap.Error(err))
			}
		}
	}
	return s, nil
}

// ReportRequest is a user's abuse report.
type ReportRequest struct {
	ReporterID  string
	ReportedID  string
	SessionID   string
	Type        string
	Description string
}

// Reasons a report was not accepted.
const (
	RejectRateLimited = "rate_limited"
	RejectDuplicate   = "duplicate"
)

// ReportResult is the outcome of ReportUser.
type ReportResult struct {
	Accepted         bool
	RejectReason     string
	AutoBanTriggered bool
	AutoBan          *moderation.Recommendation
}

// ReportUser files a report with a snapshot of the session's recent
// messages, then checks whether the reported user crossed the report
// threshold.
func (e *Engine) ReportUser(ctx context.Context, req ReportRequest) (ReportResult, error) {
	if e.Reports == nil {
		return ReportResult{}, errors.New("engine: reports are not configured")
	}
	if !e.allow(ctx, req.ReporterID, ratelimit.ReportRule(e.cfg.Moderation.ReportsPerHour)) {
		return ReportResult{RejectReason: RejectRateLimited}, nil
	}

	r := &report.Report{
		ReporterID:  req.ReporterID,
		ReportedID:  req.ReportedID,
		SessionID:   req.SessionID,
		Type:        req.Type,
		Description: req.Description,
	}
	if err := r.Validate(); err != nil {
		return ReportResult{}, err
	}

	if req.SessionID != "" {
		s, err := e.Sessions.Get(ctx, req.SessionID)
		if err != nil {
			return ReportResult{}, err
		}
		if s == nil {
			return ReportResult{}, session.ErrNotFound
		}
		if !s.HasParticipant(req.ReporterID) || !s.HasParticipant(req.ReportedID) {
			return ReportResult{}, session.ErrNotParticipant
		}
		if e.Recent != nil {
			msgs, err := e.Recent.Get(ctx, req.SessionID)
			if err != nil {
				e.log.Warn("report without message snapshot", zap.String("session_id", req.SessionID), zap.Error(err))
			}
			r.Messages = msgs
		}
	}

	if err := e.Reports.Create(ctx, r); err != nil {
		if errors.Is(err, report.ErrDuplicate) {
			return ReportResult{RejectReason: RejectDuplicate}, nil
		}
		return ReportResult{}, err
	}
	e.log.Info("report filed",
		zap.String("reporter_id", req.ReporterID),
		zap.String("reported_id", req.ReportedID),
		zap.String("type", req.Type))

	res := ReportResult{Accepted: true}
	rec, err := e.Guard.CheckAutoBan(ctx, req.ReportedID, 0)
	if err != nil {
		e.log.Warn("auto-ban check failed", zap.String("user_id", req.ReportedID), zap.Error(err))
		return res, nil
	}
	if rec != nil {
		res.AutoBan = rec
		res.AutoBanTriggered = e.applyBan(ctx, rec)
	}
	return res, nil
}

// BanUser applies a moderator ban. A zero duration is permanent.
func (e *Engine) BanUser(ctx context.Context, userID, reason, moderatorID string, d time.Duration) (enforcement.Outcome, error) {
	if e.Enforcer == nil {
		return enforcement.Outcome{}, errors.New("engine: enforcement is not configured")
	}
	out, err := e.Enforcer.Ban(ctx, userID, e.networkOf(ctx, userID), reason, moderatorID, d)
	if err != nil && !errors.Is(err, enforcement.ErrPartialEnforcement) {
		return out, fmt.Errorf("engine: ban %s: %w", userID, err)
	}
	return out, err
}
