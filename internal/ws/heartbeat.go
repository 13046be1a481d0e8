package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale. It returns immediately; the goroutine exits when the server's done
// channel is closed.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.checkConnections(config, now)
			}
		}
	}()
}

// checkConnections removes connections that have not delivered a frame
// within Interval + Timeout and pings the rest. Browsers answer the ping
// frame with a pong, which counts as activity.
func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.logger.Info("heartbeat timeout",
				zap.String("session", c.id),
				zap.Duration("idle", idle.Round(time.Second)),
			)
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.logger.Debug("heartbeat ping failed", zap.String("session", c.id), zap.Error(err))
			s.RemoveConnection(c)
		}
	}
}
