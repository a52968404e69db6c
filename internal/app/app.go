// Package app builds the pairing components from configuration. Every
// process (matcher, moderator, janitor) starts from New and uses the
// parts it needs; nothing here is a package-level singleton.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/ban"
	"github.com/whisper/pairing/internal/chat"
	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/enforcement"
	"github.com/whisper/pairing/internal/engine"
	"github.com/whisper/pairing/internal/janitor"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/postgres"
	"github.com/whisper/pairing/internal/presence"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/report"
	"github.com/whisper/pairing/internal/session"
)

// App holds the connections and components of one process.
type App struct {
	Config config.Config
	Log    *zap.Logger

	Redis *redis.Client
	DB    *sql.DB
	NATS  *messaging.NATSClient

	Queue    *matching.Queue
	Matcher  *matching.Service
	Notifier *matching.Notifier
	Sessions *session.Manager
	Guard    *moderation.Guard
	Bans     *ban.Service
	Presence *presence.Store
	Enforcer *enforcement.Enforcer
	Messages *chat.Store
	Reports  *report.Store
	Engine   *engine.Engine
	Janitor  *janitor.Janitor
}

// New connects to Redis, Postgres and NATS and wires every component.
// An empty NATS URL runs without a publisher.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := a.Redis.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: redis ping %s: %w", cfg.Redis.Addr, err)
	}

	a.DB, err = postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if cfg.Postgres.AutoMigrate {
		if err := postgres.Migrate(a.DB, log); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	var pub messaging.Publisher
	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		if cfg.NATS.Name != "" {
			natsCfg.Name = cfg.NATS.Name
		}
		a.NATS, err = messaging.NewNATSClient(natsCfg, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		pub = a.NATS
	}

	var policy *moderation.Policy
	if cfg.Moderation.PolicyFile != "" {
		policy, err = moderation.LoadPolicy(cfg.Moderation.PolicyFile)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.build(pub, policy)
	return a, nil
}

// build wires the components over already open connections.
func (a *App) build(pub messaging.Publisher, policy *moderation.Policy) {
	cfg, log, rdb := a.Config, a.Log, a.Redis

	a.Bans = ban.NewService(ban.NewStore(rdb, cfg.Moderation.BanHistoryWindow), ban.NewRepository(a.DB), log)
	a.Presence = presence.NewStore(rdb, cfg.Presence.TTL)
	a.Messages = chat.NewStore(a.DB)
	a.Reports = report.NewStore(a.DB)

	a.Queue = matching.NewQueue(rdb, cfg.Matching.Categories, cfg.Matching.MaxWaitFor)
	a.Notifier = matching.NewNotifier(rdb, pub, cfg.Matching.ResultTTL)
	a.Matcher = matching.NewService(a.Queue, a.Bans, cfg.Matching, log)
	a.Sessions = session.NewManager(session.NewRepository(a.DB), session.NewMirror(rdb, cfg.Session.MirrorTTL),
		a.Queue, a.Notifier, pub, cfg.Session, log)

	activity := moderation.NewActivity(rdb, cfg.Moderation.MessageRateWindow,
		cfg.Moderation.BlockThreshold, cfg.Moderation.ToxicWindow)
	a.Guard = moderation.NewGuard(moderation.NewAnalyzer(policy, cfg.Moderation), activity,
		a.Reports, a.Bans, cfg.Moderation, log)
	a.Enforcer = enforcement.NewEnforcer(a.Bans, a.Presence, a.Sessions, a.Queue, pub, cfg.Moderation, log)

	a.Engine = engine.New(engine.Deps{
		Matcher:   a.Matcher,
		Notifier:  a.Notifier,
		Sessions:  a.Sessions,
		Guard:     a.Guard,
		Enforcer:  a.Enforcer,
		Bans:      a.Bans,
		Messages:  a.Messages,
		Reports:   a.Reports,
		Recent:    chat.NewRecent(rdb, cfg.Moderation.RecentMessages, cfg.Moderation.ReportWindow),
		Presence:  a.Presence,
		Limiter:   ratelimit.NewLimiter(rdb, log),
		Publisher: pub,
	}, cfg, log)

	a.Janitor = janitor.New(janitor.Deps{
		Queue:      a.Queue,
		Notifier:   a.Notifier,
		Sessions:   a.Sessions,
		Presence:   a.Presence,
		Live:       a.Sessions,
		LastSeen:   presence.NewRepository(a.DB),
		Bans:       a.Bans,
		Reconciler: a.Enforcer,
		Messages:   a.Messages,
	}, cfg, log)
}

// ServeMetrics exposes /metrics on cfg.Metrics.Addr until ctx is done. An
// empty address disables it.
func (a *App) ServeMetrics(ctx context.Context) {
	if a.Config.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.Log.Info("metrics listening", zap.String("addr", a.Config.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

// Close releases every open connection.
func (a *App) Close() error {
	var errs []error
	if a.NATS != nil {
		a.NATS.Close()
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
