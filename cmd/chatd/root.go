package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/whisper/lounge/internal/config"
	"github.com/whisper/lounge/internal/logging"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "chatd",
	Short: "Single-room chat coordinator",
	Long: `chatd serves one shared chat room over WebSocket: identity resolution,
moderation, whispers, history with archive, and an admin control surface.

Configuration comes from CHAT_* environment variables; flags override the
few settings operators change most often.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides CHAT_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "json or console (overrides CHAT_LOG_FORMAT)")

	rootCmd.AddCommand(serveCmd, migrateCmd, auditCmd, loadtestCmd)
}

// setup loads the configuration, applies the persistent flags and builds the
// root logger.
func setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, logging.MustDefault(), err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, logging.MustDefault(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}
