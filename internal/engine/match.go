package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/presence"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/session"
)

// MatchResponse is the answer to a match request. When Matched is false
// the requester is queued and the position fields describe it.
type MatchResponse struct {
	Matched              bool
	Session              *session.Session
	Partner              *matching.Candidate
	QueuePosition        int64
	EstimatedWaitSeconds int64
}

// MatchRequest looks for a partner for p and opens a session when one is
// claimed; otherwise p waits in its category queue.
func (e *Engine) MatchRequest(ctx context.Context, p matching.Profile) (MatchResponse, error) {
	if !e.allow(ctx, p.UserID, ratelimit.RuleMatch) {
		return MatchResponse{}, ErrRateLimited
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if e.Notifier != nil {
		if err := e.Notifier.Clear(sctx, p.UserID); err != nil {
			e.log.Debug("stale result not cleared", zap.String("user_id", p.UserID), zap.Error(err))
		}
	}

	outcome, err := e.Matcher.FindOrEnqueue(sctx, p)
	if err != nil {
		return MatchResponse{}, err
	}

	if !outcome.Matched {
		e.touch(ctx, p.UserID, presence.StatusSearching, p.NetworkHash)
		return MatchResponse{
			QueuePosition:        outcome.QueuePosition,
			EstimatedWaitSeconds: int64(outcome.EstimatedWait.Seconds()),
		}, nil
	}

	partner := outcome.Partner
	s, err := e.Sessions.Create(ctx, p, partner.Profile, p.Category, partner.Score)
	if err != nil {
		// The partner was already claimed out of the queue; put them back
		// so the failed create does not silently drop their search.
		requeue := partner.Profile
		if qerr := e.Matcher.Queue().Enqueue(ctx, requeue); qerr != nil {
			e.log.Error("claimed partner lost", zap.String("partner_id", requeue.UserID), zap.Error(qerr))
		}
		return MatchResponse{}, fmt.Errorf("engine: open session: %w", err)
	}

	e.touch(ctx, p.UserID, presence.StatusInSession, p.NetworkHash)
	e.touch(ctx, partner.Profile.UserID, presence.StatusInSession, partner.Profile.NetworkHash)
	return MatchResponse{Matched: true, Session: s, Partner: partner}, nil
}

// CancelSearch removes the user's waiting entry. Once it returns no match
// can be produced for the cancelled search.
func (e *Engine) CancelSearch(ctx context.Context, userID, category string) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.Matcher.Cancel(sctx, userID, category); err != nil {
		return err
	}
	if e.Presence != nil {
		if err := e.Presence.SetStatus(ctx, userID, presence.StatusOnline); err != nil {
			e.log.Debug("presence update failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return nil
}

// PollMatchResult returns the pending match or timeout for userID, nil
// when there is none.
func (e *Engine) PollMatchResult(ctx context.Context, userID string) (*matching.MatchResult, error) {
	if e.Notifier == nil {
		return nil, nil
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.Notifier.Poll(sctx, userID)
}

// OpenGroup starts a waiting group session hosted by host.
func (e *Engine) OpenGroup(ctx context.Context, host matching.Profile) (*session.Session, error) {
	if err := e.checkBan(ctx, host); err != nil {
		return nil, err
	}
	s, err := e.Sessions.OpenGroup(ctx, host)
	if err != nil {
		return nil, err
	}
	e.touch(ctx, host.UserID, presence.StatusInSession, host.NetworkHash)
	return s, nil
}

// JoinGroup adds p to a group session.
func (e *Engine) JoinGroup(ctx context.Context, sessionID string, p matching.Profile) (*session.Session, error) {
	if err := e.checkBan(ctx, p); err != nil {
		return nil, err
	}
	s, err := e.Sessions.Join(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}
	e.touch(ctx, p.UserID, presence.StatusInSession, p.NetworkHash)
	return s, nil
}

func (e *Engine) checkBan(ctx context.Context, p matching.Profile) error {
	if e.Bans == nil {
		return nil
	}
	banned, err := e.Bans.Banned(ctx, p.UserID, p.NetworkHash)
	if err != nil {
		return fmt.Errorf("engine: ban check: %w", err)
	}
	if banned {
		return matching.ErrBanned
	}
	return nil
}
