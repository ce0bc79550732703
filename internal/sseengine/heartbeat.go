package sseengine

import (
	"time"

	"github.com/mcpgw/gateway/internal/heartbeat"
)

// NextHeartbeatInterval computes the adaptive interval for session's next
// ping, given the current system load (0..1).
func (e *Engine) NextHeartbeatInterval(session *Session, systemLoad float64) time.Duration {
	return heartbeat.AdaptiveInterval(e.heartbeatConfig(), session.Metrics.Snapshot(), systemLoad)
}

func (e *Engine) heartbeatConfig() heartbeat.Config {
	return heartbeat.Config{
		IntervalSeconds:         e.heartbeat.IntervalSeconds,
		MinIntervalSeconds:      e.heartbeat.MinIntervalSeconds,
		MaxIntervalSeconds:      e.heartbeat.MaxIntervalSeconds,
		ErrorRateThresholdPct:   e.heartbeat.ErrorRateThresholdPct,
		ResponseTimeThresholdMs: e.heartbeat.ResponseTimeThresholdMs,
	}
}
