package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/lounge/internal/loadtest"
	"github.com/whisper/lounge/internal/logging"
)

var loadCfg = loadtest.Config{
	URL:      "ws://localhost:8080/ws",
	Clients:  100,
	RampUp:   5 * time.Second,
	Duration: 30 * time.Second,
	Interval: 2 * time.Second,
}

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Drive simulated participants against a running server",
	Long: `loadtest connects many participants, has each post a timestamped probe at a
fixed interval and reports connect, join and broadcast round-trip latency.

Keep --interval above CHAT_CHAT_RATE_WINDOW / CHAT_CHAT_RATE_LIMIT on the
target or most probes will be rate limited.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if loadCfg.Clients <= 0 || loadCfg.Interval <= 0 || loadCfg.Duration <= 0 {
			return errors.New("loadtest: every count and duration flag must be positive")
		}
		log := logging.MustDefault()
		if logLevel != "" {
			l, err := logging.New(os.Stderr, logLevel, "console")
			if err != nil {
				return err
			}
			log = l
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info().
			Str("url", loadCfg.URL).
			Int("clients", loadCfg.Clients).
			Dur("duration", loadCfg.Duration).
			Msg("load test starting")
		loadtest.Run(ctx, loadCfg, log).Report(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	f := loadtestCmd.Flags()
	f.StringVar(&loadCfg.URL, "url", loadCfg.URL, "WebSocket endpoint")
	f.IntVar(&loadCfg.Clients, "clients", loadCfg.Clients, "number of participants")
	f.DurationVar(&loadCfg.RampUp, "ramp-up", loadCfg.RampUp, "spread of connection start times")
	f.DurationVar(&loadCfg.Duration, "duration", loadCfg.Duration, "how long each participant posts")
	f.DurationVar(&loadCfg.Interval, "interval", loadCfg.Interval, "gap between probes per participant")
}
