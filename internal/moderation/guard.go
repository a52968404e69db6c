package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/metrics"
)

// Auto-ban triggers.
const (
	TriggerReports  = "reports"
	TriggerToxicity = "toxicity"
	TriggerRate     = "rate"
)

// ReportCounter counts reports filed against a user since a point in time.
type ReportCounter interface {
	CountAgainst(ctx context.Context, userID string, since time.Time) (int, error)
}

// BanHistory counts system-issued bans a user received since a point in
// time.
type BanHistory interface {
	PriorSystemBans(ctx context.Context, userID string, since time.Time) (int, error)
}

// Recommendation is an auto-ban the guard proposes. Accepting it is the
// enforcer's job.
type Recommendation struct {
	UserID      string        `json:"user_id"`
	NetworkHash string        `json:"network_hash,omitempty"`
	Triggers    []string      `json:"triggers"`
	Reason      string        `json:"reason"`
	Duration    time.Duration `json:"duration"`
	PriorBans   int           `json:"prior_bans"`
	// TriggerScore is the toxicity score of the message that led to the
	// check, zero for report-driven checks.
	TriggerScore float64 `json:"trigger_score"`
}

// Severe reports whether the triggering message was bad enough to also ban
// the sender's network identity.
func (r *Recommendation) Severe(threshold float64) bool {
	return r.TriggerScore+thresholdEpsilon >= threshold
}

// Guard scores messages and decides when a user has earned an auto-ban.
type Guard struct {
	analyzer *Analyzer
	activity *Activity
	reports  ReportCounter
	history  BanHistory
	cfg      config.ModerationConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewGuard wires a guard. reports and history may be nil, in which case the
// report trigger never fires and bans never escalate.
func NewGuard(analyzer *Analyzer, activity *Activity, reports ReportCounter, history BanHistory,
	cfg config.ModerationConfig, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		analyzer: analyzer,
		activity: activity,
		reports:  reports,
		history:  history,
		cfg:      cfg,
		log:      log.Named("moderation"),
		now:      time.Now,
	}
}

// Analyze scores content without recording anything.
func (g *Guard) Analyze(content string, md Metadata) Verdict {
	return g.analyzer.Analyze(content, md)
}

// Evaluate scores a message and records it in the sender's activity
// windows. The verdict is valid even when recording fails; the error then
// only means the rate and toxicity windows missed this message.
func (g *Guard) Evaluate(ctx context.Context, messageID, content string, md Metadata) (Verdict, error) {
	v := g.analyzer.Analyze(content, md)
	metrics.ModerationScore.Observe(v.Score)

	if v.AutoFlagged {
		g.log.Info("message flagged",
			zap.String("session_id", md.SessionID),
			zap.String("sender_id", md.SenderID),
			zap.Float64("score", v.Score),
			zap.Strings("reasons", v.Reasons),
			zap.Bool("blocked", v.AutoBlocked))
	}

	if g.activity == nil {
		return v, nil
	}
	if err := g.activity.Record(ctx, md.SenderID, messageID, v.Score, g.now()); err != nil {
		return v, err
	}
	return v, nil
}

// CheckAutoBan evaluates the rolling windows for userID. It returns nil
// when no threshold is crossed. lastScore is the score of the message
// that prompted the check, if any.
func (g *Guard) CheckAutoBan(ctx context.Context, userID string, lastScore float64) (*Recommendation, error) {
	now := g.now()
	var triggers, reasons []string

	if g.reports != nil {
		n, err := g.reports.CountAgainst(ctx, userID, now.Add(-g.cfg.ReportWindow))
		if err != nil {
			return nil, fmt.Errorf("moderation: count reports: %w", err)
		}
		if n >= g.cfg.ReportThreshold {
			triggers = append(triggers, TriggerReports)
			reasons = append(reasons, fmt.Sprintf("reports: %d reports in %s", n, humanWindow(g.cfg.ReportWindow)))
		}
	}

	if g.activity != nil {
		msgs, toxic, err := g.activity.Counts(ctx, userID, now)
		if err != nil {
			return nil, err
		}
		if toxic >= int64(g.cfg.ToxicThreshold) {
			triggers = append(triggers, TriggerToxicity)
			reasons = append(reasons, fmt.Sprintf("toxicity: %d toxic messages in %s", toxic, humanWindow(g.cfg.ToxicWindow)))
		}
		if msgs > int64(g.cfg.MessageRateLimit) {
			triggers = append(triggers, TriggerRate)
			reasons = append(reasons, fmt.Sprintf("rate: %d messages in %s", msgs, humanWindow(g.cfg.MessageRateWindow)))
		}
	}

	if len(triggers) == 0 {
		return nil, nil
	}

	prior := 0
	if g.history != nil {
		n, err := g.history.PriorSystemBans(ctx, userID, now.Add(-g.cfg.BanHistoryWindow))
		if err != nil {
			return nil, fmt.Errorf("moderation: ban history: %w", err)
		}
		prior = n
	}

	rec := &Recommendation{
		UserID:       userID,
		Triggers:     triggers,
		Reason:       strings.Join(reasons, "; "),
		Duration:     g.banDuration(prior),
		PriorBans:    prior,
		TriggerScore: lastScore,
	}
	g.log.Warn("auto-ban recommended",
		zap.String("user_id", userID),
		zap.String("reason", rec.Reason),
		zap.Duration("duration", rec.Duration),
		zap.Int("prior_bans", prior))
	return rec, nil
}

// banDuration escalates with the number of recent system bans.
func (g *Guard) banDuration(prior int) time.Duration {
	switch {
	case prior >= g.cfg.HabitualAfter:
		return g.cfg.HabitualBan
	case prior >= g.cfg.RepeatAfter:
		return g.cfg.RepeatBan
	default:
		return g.cfg.BaseBan
	}
}

// humanWindow renders a window as "5 minutes", "1 hour" or "24 hours".
func humanWindow(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	default:
		return d.String()
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
