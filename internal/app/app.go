// Package app wires the Courier server runtime: config, logging, HTTP routes,
// the archive backend, and the realtime gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"courier/internal/archive"
	"courier/internal/chat"
	"courier/internal/fanout"
	"courier/internal/presence"
	"courier/internal/realtime"
)

// App is the Courier server runtime: it owns the HTTP server wiring and the
// chat core dependencies.
type App struct {
	cfg Config
	log Logger

	history archive.Store
	store   *chat.ConversationStore
	auditor *chat.Auditor

	dbPool    *pgxpool.Pool
	dbEnabled bool

	redis *redis.Client

	ws *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	history, dbPool, dbEnabled, err := newArchive(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	store := chat.NewConversationStore(log, history, chat.WithArchiveTimeout(cfg.ArchiveTimeout))
	auditor := chat.NewAuditor(log, store)

	registry := presence.NewRegistry(log)
	hub := realtime.NewHub(log)

	push, err := newPushNotifier(cfg, log)
	if err != nil {
		closeArchive(log, history, dbPool)
		return nil, err
	}

	dispatcher := fanout.NewDispatcher(log, hub, registry, push)
	lifecycle := chat.NewLifecycle(log, store, dispatcher)

	// Presence transitions write through to conversation presence maps and fan
	// user_status out to peers. Both happen off the connection path, in
	// transition order, via the registry dispatch loop.
	registry.Watch(func(t presence.Transition) {
		store.UpdatePresence(t.UserID, t.Online, t.At)

		convs, err := store.ConversationsFor(context.Background(), t.UserID)
		if err != nil {
			log.Warn("presence.fanout.fail", "user_id", t.UserID, "err", err)
			return
		}
		dispatcher.UserStatus(t.UserID, t.Online, convs)
	})

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		registry.Watch(presence.NewRedisMirror(log, redisClient).Watcher())
		log.Info("presence.mirror.enabled", "addr", cfg.RedisAddr)
	}

	ws := realtime.NewWSGateway(log, hub, lifecycle, history, registry)

	return &App{
		cfg:       cfg,
		log:       log,
		history:   history,
		store:     store,
		auditor:   auditor,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		redis:     redisClient,
		ws:        ws,
	}, nil
}

// Store exposes the conversation store (tests, tooling).
func (a *App) Store() *chat.ConversationStore { return a.store }

// Auditor exposes the consistency auditor (tooling, manual runs).
func (a *App) Auditor() *chat.Auditor { return a.auditor }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.AuditCron != "" {
		stopAudit, err := a.auditor.Start(ctx, a.cfg.AuditCron)
		if err != nil {
			return err
		}
		defer stopAudit()
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"archive", a.cfg.ArchiveBackend,
		"push", a.cfg.PushMode,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.closeResources()

	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeResources() {
	if err := a.history.Close(); err != nil {
		a.log.Error("archive.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newArchive selects the archive backend.
//
// Ownership model:
// - app owns the pgx pool lifecycle
// - PostgresStore.Close() is a no-op
// - PebbleStore.Close() closes the embedded database
func newArchive(ctx context.Context, cfg Config, log Logger) (archive.Store, *pgxpool.Pool, bool, error) {
	switch cfg.ArchiveBackend {
	case ArchiveMemory, "":
		log.Info("archive.inmemory")
		return archive.NewMemoryStore(), nil, false, nil

	case ArchivePebble:
		st, err := archive.OpenPebbleStore(log, cfg.PebblePath)
		if err != nil {
			return nil, nil, false, err
		}
		return st, nil, false, nil

	case ArchivePostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, false, errors.New("postgres archive requires COURIER_DATABASE_URL")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, err
		}
		st, err := archive.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		log.Info("archive.postgres")
		return st, pool, true, nil

	default:
		return nil, nil, false, fmt.Errorf("unknown archive backend: %s", cfg.ArchiveBackend)
	}
}

// newPushNotifier selects the offline notification channel.
func newPushNotifier(cfg Config, log Logger) (fanout.PushNotifier, error) {
	switch cfg.PushMode {
	case PushLog, "":
		return fanout.NewLogNotifier(log), nil

	case PushWebhook:
		if cfg.PushWebhookURL == "" {
			return nil, errors.New("webhook push requires COURIER_PUSH_WEBHOOK_URL")
		}
		return fanout.NewWebhookNotifier(cfg.PushWebhookURL, 0), nil

	case PushKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("kafka push requires COURIER_KAFKA_BROKERS")
		}
		return fanout.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic), nil

	default:
		return nil, fmt.Errorf("unknown push mode: %s", cfg.PushMode)
	}
}

func closeArchive(log Logger, st archive.Store, pool *pgxpool.Pool) {
	if st != nil {
		if err := st.Close(); err != nil {
			log.Error("archive.close.fail", "err", err)
		}
	}
	if pool != nil {
		pool.Close()
	}
}
