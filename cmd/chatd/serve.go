package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/whisper/lounge/internal/admin"
	"github.com/whisper/lounge/internal/ban"
	"github.com/whisper/lounge/internal/chat"
	"github.com/whisper/lounge/internal/config"
	"github.com/whisper/lounge/internal/history"
	"github.com/whisper/lounge/internal/identity"
	"github.com/whisper/lounge/internal/logging"
	"github.com/whisper/lounge/internal/messaging"
	"github.com/whisper/lounge/internal/metrics"
	"github.com/whisper/lounge/internal/moderation"
	"github.com/whisper/lounge/internal/ratelimit"
	"github.com/whisper/lounge/internal/session"
	"github.com/whisper/lounge/internal/storage"
	"github.com/whisper/lounge/internal/ws"
)

const shutdownTimeout = 15 * time.Second

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides CHAT_LISTEN_ADDR)")
}

// backends are the optional external services. A nil field means the
// in-memory fallback is in use.
type backends struct {
	redis *redis.Client
	db    *sql.DB
	nats  *messaging.NATSClient
}

func (b *backends) close(log zerolog.Logger) {
	if b.nats != nil {
		if err := b.nats.Flush(2 * time.Second); err != nil {
			log.Warn().Err(err).Msg("nats flush failed")
		}
		b.nats.Close()
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			log.Warn().Err(err).Msg("postgres close failed")
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close failed")
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var be backends
	defer be.close(log)

	deps, err := buildDeps(ctx, cfg, log, &be)
	if err != nil {
		return err
	}

	store := deps.History
	defer store.Close()
	go store.Run(ctx)

	coord := chat.New(chat.Options{
		MailboxSize: cfg.MailboxSize,
		ReplayLimit: cfg.ReplayLimit,
		GuestID:     cfg.GuestID,
	}, deps, logging.Component(log, "coordinator"))
	if err := coord.LoadNotice(ctx); err != nil {
		log.Warn().Err(err).Msg("notice not loaded; starting with an empty notice")
	}

	server, err := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		TrustProxy:     cfg.TrustProxy,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}, coord, logging.Component(log, "ws"))
	if err != nil {
		return err
	}
	server.Handle("/metrics", metrics.Handler())
	server.Handle("/admin/", admin.New(coord, deps.Resolver, logging.Component(log, "admin")))

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Bool("redis", be.redis != nil).
		Bool("postgres", be.db != nil).
		Bool("nats", be.nats != nil).
		Int("history_capacity", cfg.HistoryCapacity).
		Int("admin_tokens", len(cfg.AdminTokens)).
		Msg("lounge starting")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("signal received, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildDeps picks a backend for every coordinator collaborator: Redis for
// bans, mutes, recent exits and rate limits; Postgres for the journal,
// archive and notice; NATS for the audit stream. Each falls back to memory
// when its address is not configured.
func buildDeps(ctx context.Context, cfg config.Config, log zerolog.Logger, be *backends) (chat.Deps, error) {
	redactor, err := moderation.NewRedactor(cfg.BannedWords, cfg.BannedPatterns, cfg.TrustedAssetPrefixes)
	if err != nil {
		return chat.Deps{}, err
	}
	if len(cfg.AdminTokens) == 0 {
		log.Warn().Msg("CHAT_ADMIN_TOKENS is empty; nobody can moderate")
	}
	deps := chat.Deps{
		Redactor: redactor,
		Resolver: identity.NewResolver(cfg.AdminTokens),
	}
	rule := ratelimit.ChatRule(cfg.ChatRateLimit, cfg.ChatRateWindow)

	if cfg.RedisAddr != "" {
		client, err := session.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return chat.Deps{}, err
		}
		be.redis = client
		deps.Bans = ban.NewStore(client)
		deps.Mutes = moderation.NewMuteList(moderation.NewRedisMirror(client), logging.Component(log, "mutes"))
		if err := deps.Mutes.Load(ctx); err != nil {
			log.Warn().Err(err).Msg("mutes not restored")
		}
		deps.Exits = session.NewStore(client, cfg.RecentExitTTL)
		deps.Limiter = ratelimit.NewLimiter(client, rule, logging.Component(log, "ratelimit"))
	} else {
		log.Warn().Msg("CHAT_REDIS_ADDR not set; bans and mutes are lost on restart")
		deps.Bans = ban.NewMemory()
		deps.Mutes = moderation.NewMuteList(nil, logging.Component(log, "mutes"))
		deps.Exits = session.NewMemory(cfg.RecentExitTTL)
		deps.Limiter = ratelimit.NewMemory(rule)
	}

	var (
		archive history.Archive
		journal history.Journal
	)
	if cfg.PostgresDSN != "" {
		db, err := storage.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return chat.Deps{}, err
		}
		be.db = db
		if cfg.AutoMigrate {
			if err := storage.Migrate(db); err != nil {
				return chat.Deps{}, err
			}
		}
		pg := storage.NewHistory(db)
		archive, journal = pg, pg
		deps.Notices = storage.NewNotices(db)
	} else {
		log.Warn().Msg("CHAT_POSTGRES_DSN not set; history is kept in memory")
	}

	store := history.New(history.Config{
		Capacity:      cfg.HistoryCapacity,
		Batch:         cfg.ArchiveBatch,
		SweepInterval: cfg.ArchiveInterval,
		JournalQueue:  cfg.JournalQueue,
	}, archive, journal, logging.Component(log, "history"))
	if err := store.Restore(ctx, journal); err != nil {
		log.Warn().Err(err).Msg("history window not restored")
	}
	deps.History = store

	var next messaging.AuditPublisher
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		nc, err := messaging.NewNATSClient(natsCfg, logging.Component(log, "nats"))
		if err != nil {
			return chat.Deps{}, fmt.Errorf("nats: %w", err)
		}
		be.nats = nc
		next = nc
	}
	deps.Audit = messaging.NewLogAuditor(next, logging.Component(log, "audit"))

	return deps, nil
}
