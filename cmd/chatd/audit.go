package main

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/whisper/lounge/internal/messaging"
	"github.com/whisper/lounge/internal/moderation"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print moderation audit events as they are published",
	Long: `audit subscribes to the moderation audit subject on NATS and writes one
JSON object per event to stdout until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if cfg.NATSURL == "" {
		return errors.New("CHAT_NATS_URL is not set")
	}

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "lounge-audit-tail"
	nc, err := messaging.NewNATSClient(natsCfg, log)
	if err != nil {
		return err
	}
	defer nc.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	events := make(chan moderation.AuditEvent, 64)
	if err := nc.SubscribeAudit(func(ev moderation.AuditEvent) { events <- ev }); err != nil {
		return err
	}
	log.Info().Str("subject", messaging.SubjectAudit).Msg("tailing audit events")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	for {
		select {
		case ev := <-events:
			if err := enc.Encode(ev); err != nil {
				return err
			}
		case <-sig:
			return nil
		}
	}
}
