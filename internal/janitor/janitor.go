// Package janitor runs the periodic sweeps that keep shared state honest:
// queue timeouts, idle and abandoned sessions, idle presence, expired bans,
// ban enforcement reconciliation and message retention. Each step runs
// under its own timeout and a failing or panicking step never stops the
// others.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/presence"
)

// Step names, used as metric labels.
const (
	StepQueueTimeouts = "queue_timeouts"
	StepIdleSessions  = "idle_sessions"
	StepPresence      = "presence"
	StepExpiredBans   = "expired_bans"
	StepBanReconcile  = "ban_reconcile"
	StepRetention     = "retention"
)

// QueueSweeper evicts entries that waited too long.
type QueueSweeper interface {
	Categories() []string
	EvictStale(ctx context.Context, category string, cutoff time.Time) ([]string, error)
}

// TimeoutNotifier tells a user their search timed out.
type TimeoutNotifier interface {
	Timeout(ctx context.Context, userID, category string) error
}

// SessionSweeper ends idle sessions and abandons stale group sessions.
type SessionSweeper interface {
	SweepIdle(ctx context.Context, modality string, threshold time.Duration) (int, error)
	SweepAbandoned(ctx context.Context) (int, error)
}

// PresenceSweeper flips idle users offline.
type PresenceSweeper interface {
	SweepIdle(ctx context.Context, cutoff time.Time, busy func(context.Context, string) (bool, error)) ([]string, error)
	Get(ctx context.Context, userID string) (*presence.Presence, error)
}

// LiveSessions lists the sessions a user is still part of. Users with one
// are not flipped offline, however quiet the session is.
type LiveSessions interface {
	ActiveFor(ctx context.Context, userID string) ([]string, error)
}

// LastSeenWriter archives last-seen times of users who went offline.
type LastSeenWriter interface {
	SaveLastSeen(ctx context.Context, ps []presence.Presence) error
}

// BanExpirer clears bans that ran out.
type BanExpirer interface {
	Expire(ctx context.Context) (int, error)
}

// Reconciler re-applies enforcement for live bans.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// MessagePurger hard-deletes old tombstoned messages.
type MessagePurger interface {
	PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deps are the components the janitor sweeps. Nil members disable their
// step.
type Deps struct {
	Queue      QueueSweeper
	Notifier   TimeoutNotifier
	Sessions   SessionSweeper
	Presence   PresenceSweeper
	Live       LiveSessions
	LastSeen   LastSeenWriter
	Bans       BanExpirer
	Reconciler Reconciler
	Messages   MessagePurger
}

// Result is the outcome of one step in one cycle.
type Result struct {
	Step    string
	Swept   int
	Err     error
	Elapsed time.Duration
}

type step struct {
	name string
	run  func(ctx context.Context) (int, error)
}

// Janitor runs the sweep steps on a fixed cadence.
type Janitor struct {
	deps  Deps
	cfg   config.Config
	steps []step
	log   *zap.Logger
	now   func() time.Time
}

// New creates a janitor over deps.
func New(deps Deps, cfg config.Config, log *zap.Logger) *Janitor {
	if log == nil {
		log = zap.NewNop()
	}
	j := &Janitor{deps: deps, cfg: cfg, log: log.Named("janitor"), now: time.Now}

	if deps.Queue != nil {
		j.steps = append(j.steps, step{StepQueueTimeouts, j.queueTimeouts})
	}
	if deps.Sessions != nil {
		j.steps = append(j.steps, step{StepIdleSessions, j.idleSessions})
	}
	if deps.Presence != nil {
		j.steps = append(j.steps, step{StepPresence, j.presence})
	}
	if deps.Bans != nil {
		j.steps = append(j.steps, step{StepExpiredBans, deps.Bans.Expire})
	}
	if deps.Reconciler != nil {
		j.steps = append(j.steps, step{StepBanReconcile, deps.Reconciler.Reconcile})
	}
	if deps.Messages != nil {
		j.steps = append(j.steps, step{StepRetention, j.retention})
	}
	return j
}

// Start runs a cycle every Interval until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Janitor.Interval)
	defer ticker.Stop()

	j.log.Info("janitor started",
		zap.Duration("interval", j.cfg.Janitor.Interval),
		zap.Int("steps", len(j.steps)))
	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce runs every step once, in order, and returns their results.
func (j *Janitor) RunOnce(ctx context.Context) []Result {
	results := make([]Result, 0, len(j.steps))
	for _, s := range j.steps {
		if ctx.Err() != nil {
			break
		}
		results = append(results, j.runStep(ctx, s))
	}
	return results
}

func (j *Janitor) runStep(ctx context.Context, s step) (res Result) {
	res.Step = s.name
	start := j.now()

	stepCtx := ctx
	if j.cfg.Janitor.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, j.cfg.Janitor.StepTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("janitor: step %s panicked: %v", s.name, r)
		}
		res.Elapsed = j.now().Sub(start)
		if res.Swept > 0 {
			metrics.JanitorSwept.WithLabelValues(s.name).Add(float64(res.Swept))
		}
		if res.Err != nil {
			metrics.JanitorStepFailures.WithLabelValues(s.name).Inc()
			j.log.Error("step failed", zap.String("step", s.name), zap.Int("swept", res.Swept), zap.Error(res.Err))
			return
		}
		if res.Swept > 0 {
			j.log.Info("step done", zap.String("step", s.name), zap.Int("swept", res.Swept),
				zap.Duration("elapsed", res.Elapsed))
		}
	}()

	res.Swept, res.Err = s.run(stepCtx)
	return res
}

func (j *Janitor) queueTimeouts(ctx context.Context) (int, error) {
	now := j.now()
	evicted := 0
	var errs []error
	for _, category := range j.deps.Queue.Categories() {
		cutoff := now.Add(-j.cfg.Matching.MaxWaitFor(category))
		ids, err := j.deps.Queue.EvictStale(ctx, category, cutoff)
		if err != nil {
			errs = append(errs, err)
		}
		evicted += len(ids)
		if j.deps.Notifier == nil {
			continue
		}
		for _, id := range ids {
			if err := j.deps.Notifier.Timeout(ctx, id, category); err != nil {
				errs = append(errs, fmt.Errorf("janitor: timeout notice for %s: %w", id, err))
			}
		}
	}
	return evicted, errors.Join(errs...)
}

func (j *Janitor) idleSessions(ctx context.Context) (int, error) {
	modalities := make([]string, 0, len(j.cfg.Session.IdleTimeout))
	for m := range j.cfg.Session.IdleTimeout {
		modalities = append(modalities, m)
	}
	sort.Strings(modalities)

	ended := 0
	var errs []error
	for _, m := range modalities {
		n, err := j.deps.Sessions.SweepIdle(ctx, m, j.cfg.Session.IdleTimeoutFor(m))
		ended += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	n, err := j.deps.Sessions.SweepAbandoned(ctx)
	ended += n
	if err != nil {
		errs = append(errs, err)
	}
	return ended, errors.Join(errs...)
}

func (j *Janitor) presence(ctx context.Context) (int, error) {
	var busy func(context.Context, string) (bool, error)
	if j.deps.Live != nil {
		busy = j.inSession
	}
	ids, err := j.deps.Presence.SweepIdle(ctx, j.now().Add(-j.cfg.Presence.OfflineAfter), busy)
	if j.deps.LastSeen == nil || len(ids) == 0 {
		return len(ids), err
	}

	errs := []error{err}
	batch := make([]presence.Presence, 0, len(ids))
	for _, id := range ids {
		p, gerr := j.deps.Presence.Get(ctx, id)
		if gerr != nil {
			errs = append(errs, gerr)
			continue
		}
		if p != nil {
			batch = append(batch, *p)
		}
	}
	if serr := j.deps.LastSeen.SaveLastSeen(ctx, batch); serr != nil {
		errs = append(errs, serr)
	}
	return len(ids), errors.Join(errs...)
}

func (j *Janitor) inSession(ctx context.Context, userID string) (bool, error) {
	ids, err := j.deps.Live.ActiveFor(ctx, userID)
	return len(ids) > 0, err
}

func (j *Janitor) retention(ctx context.Context) (int, error) {
	n, err := j.deps.Messages.PurgeDeleted(ctx, j.now().Add(-j.cfg.Janitor.MessageRetention))
	return int(n), err
}
