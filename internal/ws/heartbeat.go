package ws

import (
	"time"

	"github.com/whisper/lounge/internal/metrics"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after Interval before a silent client is dropped
}

// DefaultHeartbeatConfig returns the defaults used when none are configured.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and drops those that
// have sent nothing for Interval+Timeout. Browsers answer pings on their own,
// so a live tab never times out.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config, time.Now())
			}
		}
	}()
}

func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info().Str("session", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			metrics.Disconnects.WithLabelValues("heartbeat").Inc()
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.log.Debug().Err(err).Str("session", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}
