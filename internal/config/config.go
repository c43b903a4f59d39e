// Package config loads the coordinator's runtime configuration from the
// environment. Every variable is prefixed with CHAT_, e.g. CHAT_LISTEN_ADDR.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix used by Load.
const Prefix = "CHAT"

// Config holds every tunable of the chat service.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"10000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	// TrustProxy takes the origin address from X-Forwarded-For. Enable it
	// only behind a proxy that overwrites the header.
	TrustProxy        bool          `envconfig:"TRUST_PROXY" default:"false"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// RedisAddr empty means bans, mutes and recent exits live in memory only.
	RedisAddr string `envconfig:"REDIS_ADDR"`
	// PostgresDSN empty means the journal and archive live in memory only.
	PostgresDSN string `envconfig:"POSTGRES_DSN"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`
	// NATSURL empty disables the moderation audit stream.
	NATSURL string `envconfig:"NATS_URL"`

	AdminTokens          []string `envconfig:"ADMIN_TOKENS"`
	BannedWords          []string `envconfig:"BANNED_WORDS"`
	BannedPatterns       []string `envconfig:"BANNED_PATTERNS"`
	TrustedAssetPrefixes []string `envconfig:"TRUSTED_ASSET_PREFIXES" default:"/emoticons/,/uploads/"`
	GuestID              string   `envconfig:"GUEST_ID" default:"guest"`

	HistoryCapacity int           `envconfig:"HISTORY_CAPACITY" default:"1000"`
	ArchiveBatch    int           `envconfig:"ARCHIVE_BATCH" default:"100"`
	ArchiveInterval time.Duration `envconfig:"ARCHIVE_INTERVAL" default:"1m"`
	ReplayLimit     int           `envconfig:"REPLAY_LIMIT" default:"100"`
	JournalQueue    int           `envconfig:"JOURNAL_QUEUE" default:"1024"`

	MailboxSize    int           `envconfig:"MAILBOX_SIZE" default:"256"`
	RecentExitTTL  time.Duration `envconfig:"RECENT_EXIT_TTL" default:"24h"`
	ChatRateLimit  int           `envconfig:"CHAT_RATE_LIMIT" default:"10"`
	ChatRateWindow time.Duration `envconfig:"CHAT_RATE_WINDOW" default:"10s"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the coordinator cannot run with.
func (c Config) Validate() error {
	switch {
	case c.HistoryCapacity <= 0:
		return fmt.Errorf("config: HISTORY_CAPACITY must be positive, got %d", c.HistoryCapacity)
	case c.ArchiveBatch <= 0:
		return fmt.Errorf("config: ARCHIVE_BATCH must be positive, got %d", c.ArchiveBatch)
	case c.ArchiveInterval <= 0:
		return fmt.Errorf("config: ARCHIVE_INTERVAL must be positive, got %s", c.ArchiveInterval)
	case c.MailboxSize <= 0:
		return fmt.Errorf("config: MAILBOX_SIZE must be positive, got %d", c.MailboxSize)
	case c.WorkerPoolSize <= 0:
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("config: HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	case c.GuestID == "":
		return fmt.Errorf("config: GUEST_ID must not be empty")
	}
	return nil
}
