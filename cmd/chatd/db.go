package main

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rs/zerolog"

	"github.com/whisper/lounge/internal/storage"
)

type dbHandle struct {
	*sql.DB
	log zerolog.Logger
}

// withDB opens the configured database for a one-shot command.
func withDB(ctx context.Context, fn func(dbHandle) error) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if cfg.PostgresDSN == "" {
		return errors.New("CHAT_POSTGRES_DSN is not set")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := storage.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(dbHandle{DB: db, log: log})
}
