package sseengine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgw/gateway/internal/config"
	"github.com/mcpgw/gateway/internal/proxy"
	"github.com/mcpgw/gateway/internal/service"
)

func newTestEngine(t *testing.T, rl config.RateLimitConfig) *Engine {
	t.Helper()
	svcs := service.New(nil)
	proxies := proxy.New(svcs, nil)
	proxies.Add(config.ProxyConfig{Name: "p", ServerName: "docs"})

	e := New(proxies, rl, config.DefaultHeartbeatConfig(), config.DefaultCleanupConfig(), nil)
	t.Cleanup(e.Close)
	return e
}

func TestRegisterSessionDeniesEleventhConcurrentSession(t *testing.T) {
	// The (N+1)th session from one client when N == max_sessions_per_client
	// already exist must be denied and recorded.
	rl := config.DefaultRateLimitConfig()
	rl.AdaptiveScaling = false
	e := newTestEngine(t, rl)

	for i := 0; i < rl.MaxSessionsPerClient; i++ {
		_, err := e.RegisterSession(context.Background(), "p", "1.2.3.4", nil)
		require.NoError(t, err)
	}

	_, err := e.RegisterSession(context.Background(), "p", "1.2.3.4", nil)
	require.Error(t, err)

	violations := e.Violations("1.2.3.4")
	require.Len(t, violations, 1)
	assert.Equal(t, violationTypeClient, violations[0].Type)
}

func TestEffectiveClientCapNeverExceedsCapPlusBurst(t *testing.T) {
	rl := config.DefaultRateLimitConfig()
	e := newTestEngine(t, rl)

	// no history yet: cap is just the base cap (burst only applies once
	// idle, i.e. there IS a prior registration that's gone quiet).
	got := e.effectiveClientCap("1.2.3.4", time.Now())
	assert.LessOrEqual(t, got, rl.MaxSessionsPerClient+rl.BurstAllowance)
}

func TestBurstAllowanceGrantedAfterIdlePeriod(t *testing.T) {
	// A client idle for more than 30s gets the burst allowance on top of
	// its base cap.
	rl := config.DefaultRateLimitConfig()
	e := newTestEngine(t, rl)

	now := time.Now()
	e.mu.Lock()
	e.clientHistory["1.2.3.4"] = []time.Time{now.Add(-45 * time.Second)}
	e.mu.Unlock()

	got := e.effectiveClientCap("1.2.3.4", now)
	assert.Equal(t, rl.MaxSessionsPerClient+rl.BurstAllowance, got)
}

func TestUnregisterSessionIsIdempotent(t *testing.T) {
	// A session is never unregistered twice, even under concurrent
	// cancellation.
	e := newTestEngine(t, config.DefaultRateLimitConfig())
	session, err := e.RegisterSession(context.Background(), "p", "5.5.5.5", nil)
	require.NoError(t, err)

	assert.True(t, e.UnregisterSession(session.ID))
	assert.False(t, e.UnregisterSession(session.ID))
}

func TestPendingMessageDroppedAfterItsOwnTimeout(t *testing.T) {
	e := newTestEngine(t, config.DefaultRateLimitConfig())
	session, err := e.RegisterSession(context.Background(), "p", "6.6.6.6", nil)
	require.NoError(t, err)

	require.NoError(t, e.AddMessage(session.ID, "expires-fast", false, 0))
	session.mu.Lock()
	session.pending[0].EnqueuedAt = time.Now().Add(-2 * time.Second)
	session.pending[0].TimeoutSeconds = 1
	session.mu.Unlock()

	require.NoError(t, e.AddMessage(session.ID, "fresh", false, 60))

	msgs, err := e.GetPendingMessages(session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].Payload)
}

func TestPriorityMessageJumpsQueue(t *testing.T) {
	e := newTestEngine(t, config.DefaultRateLimitConfig())
	session, err := e.RegisterSession(context.Background(), "p", "7.7.7.7", nil)
	require.NoError(t, err)

	require.NoError(t, e.AddMessage(session.ID, "first", false, 60))
	require.NoError(t, e.AddMessage(session.ID, "second", false, 60))
	require.NoError(t, e.AddMessage(session.ID, "urgent", true, 60))

	msgs, err := e.GetPendingMessages(session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "urgent", msgs[0].Payload)
}

func TestHandleLocalInitializeNormalizesAndCarriesInstructions(t *testing.T) {
	svcs := service.New(nil)
	svcs.Add(config.ServiceConfig{Name: "docs", Instructions: "be nice"})
	proxies := proxy.New(svcs, nil)
	proxies.Add(config.ProxyConfig{Name: "p", ServerName: "docs"})
	e := New(proxies, config.DefaultRateLimitConfig(), config.DefaultHeartbeatConfig(), config.DefaultCleanupConfig(), nil)
	t.Cleanup(e.Close)

	session, err := e.RegisterSession(context.Background(), "p", "8.8.8.8", http.Header{})
	require.NoError(t, err)

	resp := e.HandleLocal(context.Background(), session, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test-client"},
		},
	})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "be nice", result["instructions"])
	assert.True(t, session.IsInitialized)
}

func TestSeverityForEscalatesWithOverage(t *testing.T) {
	assert.Equal(t, severityLow, severityFor(10, 10))
	assert.Equal(t, severityMedium, severityFor(13, 10))
	assert.Equal(t, severityHigh, severityFor(16, 10))
	assert.Equal(t, severityCritical, severityFor(21, 10))
}
