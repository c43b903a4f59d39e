package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/lounge/internal/protocol"
)

// Config describes one run.
type Config struct {
	URL      string
	Clients  int
	RampUp   time.Duration // spread of connection start times
	Duration time.Duration // how long each client keeps posting
	Interval time.Duration // gap between probes per client
}

// Run connects cfg.Clients participants, has each post a probe every
// cfg.Interval for cfg.Duration, and returns the aggregate.
func Run(ctx context.Context, cfg Config, log zerolog.Logger) Summary {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	col := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Clients; i++ {
		var delay time.Duration
		if cfg.Clients > 1 {
			delay = cfg.RampUp * time.Duration(i) / time.Duration(cfg.Clients)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if err := runClient(ctx, cfg, i, col); err != nil {
				log.Debug().Err(err).Int("client", i).Msg("client failed")
				col.AddError()
			}
		}(i)
	}
	wg.Wait()
	return col.Summary()
}

func runClient(ctx context.Context, cfg Config, i int, col *Collector) error {
	id := fmt.Sprintf("load-%d", i)
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := Dial(dialCtx, cfg.URL, id)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		c.Close()
		col.AddClient(c.Metrics())
	}()

	c.On(protocol.TypeChatMessage, func(raw json.RawMessage) {
		var msg protocol.ServerChatMsg
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		if d, ok := ProbeLatency(msg, id, time.Now()); ok {
			col.AddMsgLatency(d)
		}
	})

	joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = c.Join(joinCtx, fmt.Sprintf("Load%d", i))
	cancel()
	if err != nil {
		return err
	}

	stop := time.NewTimer(cfg.Duration)
	defer stop.Stop()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Probe(); err != nil {
				return err
			}
		case <-stop.C:
			return nil
		case <-c.Done():
			return ErrClosed
		case <-ctx.Done():
			return nil
		}
	}
}
