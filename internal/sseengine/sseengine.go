// Package sseengine implements the SSE session engine: per-client session
// identity, bounded pending-message queues, adaptive heartbeat, rate
// limiting with violation tracking, and background cleanup.
package sseengine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/mcpgw/gateway/internal/compliance"
	"github.com/mcpgw/gateway/internal/config"
	"github.com/mcpgw/gateway/internal/heartbeat"
	"github.com/mcpgw/gateway/internal/proxy"
)

// rateCacheTTL bounds how long a rate-limit decision is reused before the
// sliding-window counters are consulted again.
const rateCacheTTL = 5 * time.Second

// PendingMessage is one JSON-RPC frame queued for delivery to a session.
type PendingMessage struct {
	Payload        any
	EnqueuedAt     time.Time
	TimeoutSeconds int
}

func (p PendingMessage) expired(now time.Time) bool {
	if p.TimeoutSeconds <= 0 {
		return false
	}
	return now.Sub(p.EnqueuedAt) > time.Duration(p.TimeoutSeconds)*time.Second
}

// Session is one live SSE connection, single-writer: only the Engine that
// created it mutates its fields.
type Session struct {
	ID            string
	ProxyName     string
	ClientIP      string
	Headers       http.Header
	CreatedAt     time.Time
	LastActivity  time.Time
	IsInitialized bool

	Metrics *heartbeat.Metrics

	mu        sync.Mutex
	pending   []PendingMessage
	unregOnce sync.Once
	cancel    context.CancelFunc
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// RateLimitViolation records one denied session-registration attempt.
type RateLimitViolation struct {
	Timestamp time.Time
	ClientIP  string
	ProxyName string
	Type      string // "client_limit" | "proxy_limit"
	Severity  string // "low" | "medium" | "high" | "critical"
	Details   string
}

const (
	violationTypeClient = "client_limit"
	violationTypeProxy  = "proxy_limit"

	severityLow      = "low"
	severityMedium   = "medium"
	severityHigh     = "high"
	severityCritical = "critical"
)

// maxViolationsPerClient/violationWindow bound the violation history kept
// per client so it can never grow without limit.
const (
	maxViolationsPerClient = 100
	violationWindow        = 1 * time.Hour
)

type rateDecision struct {
	allowed bool
	reason  string
}

// burstIdleThreshold is how long a client must be quiet before its burst
// allowance kicks in.
const burstIdleThreshold = 30 * time.Second

// Engine is the SSE session engine singleton. All of its maps are guarded
// by one mutex; the rate-limit cache and proxy limiters are read-mostly.
type Engine struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	clientHistory map[string][]time.Time
	violations    map[string][]RateLimitViolation
	proxyLimiters map[string]*rate.Limiter

	cache *ttlcache.Cache[string, rateDecision]

	proxies   *proxy.Manager
	rateLimit config.RateLimitConfig
	heartbeat config.HeartbeatConfig
	cleanup   config.CleanupConfig
	logger    *slog.Logger
}

// New constructs an Engine dispatching local MCP handling to proxies.
func New(proxies *proxy.Manager, rateLimit config.RateLimitConfig, hb config.HeartbeatConfig, cleanup config.CleanupConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cache := ttlcache.New[string, rateDecision](ttlcache.WithTTL[string, rateDecision](rateCacheTTL))
	go cache.Start()

	return &Engine{
		sessions:      map[string]*Session{},
		clientHistory: map[string][]time.Time{},
		violations:    map[string][]RateLimitViolation{},
		proxyLimiters: map[string]*rate.Limiter{},
		cache:         cache,
		proxies:       proxies,
		rateLimit:     rateLimit,
		heartbeat:     hb,
		cleanup:       cleanup,
		logger:        logger.With("component", "sse-session-engine"),
	}
}

// Close stops the rate-limit cache's background sweep.
func (e *Engine) Close() {
	e.cache.Stop()
}

func cacheKey(clientIP, proxyName string) string {
	return clientIP + "|" + proxyName
}

func (e *Engine) proxyLimiter(proxyName string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.proxyLimiters[proxyName]; ok {
		return l
	}
	windowS := e.rateLimit.SessionCreationWindowS
	if windowS <= 0 {
		windowS = 60
	}
	capPerProxy := e.rateLimit.MaxSessionsPerProxy
	if capPerProxy <= 0 {
		capPerProxy = 50
	}
	burst := e.rateLimit.BurstAllowance
	if burst <= 0 {
		burst = 1
	}
	rps := rate.Limit(float64(capPerProxy) / float64(windowS))
	l := rate.NewLimiter(rps, burst)
	e.proxyLimiters[proxyName] = l
	return l
}

// RegisterSession admits or denies a new SSE session: cache short-circuit,
// history expiry, client-cap evaluation (with burst allowance), proxy-cap
// evaluation, and violation recording on deny.
func (e *Engine) RegisterSession(ctx context.Context, proxyName, clientIP string, headers http.Header) (*Session, error) {
	// Per-proxy token bucket: the explicit sliding-window counter below
	// alone decides allow/deny and violation severity; the limiter neither
	// delays nor denies a registration and only logs when they outrun it.
	if !e.proxyLimiter(proxyName).Allow() {
		e.logger.Debug("registration burst smoothed by limiter", "proxy", proxyName, "client", clientIP)
	}

	key := cacheKey(clientIP, proxyName)
	if item := e.cache.Get(key); item != nil {
		decision := item.Value()
		if !decision.allowed {
			return nil, fmt.Errorf("rate limited: %s", decision.reason)
		}
	}

	e.mu.Lock()
	now := time.Now()
	e.expireClientHistoryLocked(clientIP, now)

	clientCap := e.effectiveClientCap(clientIP, now)
	clientCount := len(e.clientHistory[clientIP])
	if clientCount >= clientCap {
		severity := severityFor(clientCount+1, e.rateLimit.MaxSessionsPerClient)
		violation := RateLimitViolation{
			Timestamp: now, ClientIP: clientIP, ProxyName: proxyName,
			Type: violationTypeClient, Severity: severity,
			Details: fmt.Sprintf("client %s at %d/%d sessions (effective cap %d)", clientIP, clientCount, e.rateLimit.MaxSessionsPerClient, clientCap),
		}
		e.recordViolationLocked(clientIP, violation)
		e.mu.Unlock()
		e.cache.Set(key, rateDecision{allowed: false, reason: violation.Details}, rateCacheTTL)
		return nil, fmt.Errorf("rate limited: %s", violation.Details)
	}

	proxyCount := e.countSessionsForProxyLocked(proxyName)
	proxyCap := e.rateLimit.MaxSessionsPerProxy
	if proxyCap <= 0 {
		proxyCap = 50
	}
	if proxyCount >= proxyCap {
		severity := severityFor(proxyCount+1, proxyCap)
		violation := RateLimitViolation{
			Timestamp: now, ClientIP: clientIP, ProxyName: proxyName,
			Type: violationTypeProxy, Severity: severity,
			Details: fmt.Sprintf("proxy %s at %d/%d sessions", proxyName, proxyCount, proxyCap),
		}
		e.recordViolationLocked(clientIP, violation)
		e.mu.Unlock()
		e.cache.Set(key, rateDecision{allowed: false, reason: violation.Details}, rateCacheTTL)
		return nil, fmt.Errorf("rate limited: %s", violation.Details)
	}

	e.clientHistory[clientIP] = append(e.clientHistory[clientIP], now)

	_, cancel := context.WithCancel(ctx)
	session := &Session{
		ID:           uuid.NewString(),
		ProxyName:    proxyName,
		ClientIP:     clientIP,
		Headers:      headers,
		CreatedAt:    now,
		LastActivity: now,
		Metrics:      heartbeat.NewMetrics(),
		cancel:       cancel,
	}
	e.sessions[session.ID] = session
	e.mu.Unlock()

	e.cache.Set(key, rateDecision{allowed: true}, rateCacheTTL)

	warnThreshold := e.rateLimit.WarningThreshold
	if warnThreshold <= 0 {
		warnThreshold = 0.8
	}
	if float64(clientCount+1) >= warnThreshold*float64(clientCap) {
		e.logger.Warn("client session count approaching cap", "client", clientIP, "count", clientCount+1, "cap", clientCap)
	}

	return session, nil
}

// effectiveClientCap returns the per-client cap, adding the burst allowance
// when adaptive scaling is on and the client has been idle for more than
// burstIdleThreshold.
func (e *Engine) effectiveClientCap(clientIP string, now time.Time) int {
	limit := e.rateLimit.MaxSessionsPerClient
	if limit <= 0 {
		limit = 10
	}
	if !e.rateLimit.AdaptiveScaling {
		return limit
	}
	history := e.clientHistory[clientIP]
	if len(history) == 0 {
		return limit
	}
	last := history[len(history)-1]
	if now.Sub(last) > burstIdleThreshold {
		limit += e.rateLimit.BurstAllowance
	}
	return limit
}

func (e *Engine) expireClientHistoryLocked(clientIP string, now time.Time) {
	windowS := e.rateLimit.SessionCreationWindowS
	if windowS <= 0 {
		windowS = 60
	}
	window := time.Duration(windowS) * time.Second
	history := e.clientHistory[clientIP]
	kept := history[:0]
	for _, ts := range history {
		if now.Sub(ts) <= window {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(e.clientHistory, clientIP)
	} else {
		e.clientHistory[clientIP] = kept
	}
}

func (e *Engine) countSessionsForProxyLocked(proxyName string) int {
	n := 0
	for _, s := range e.sessions {
		if s.ProxyName == proxyName {
			n++
		}
	}
	return n
}

func (e *Engine) recordViolationLocked(clientIP string, v RateLimitViolation) {
	history := append(e.violations[clientIP], v)
	now := time.Now()
	kept := history[:0]
	for _, existing := range history {
		if now.Sub(existing.Timestamp) <= violationWindow {
			kept = append(kept, existing)
		}
	}
	if len(kept) > maxViolationsPerClient {
		kept = kept[len(kept)-maxViolationsPerClient:]
	}
	e.violations[clientIP] = kept
	e.logger.Warn("rate limit violation", "client", clientIP, "proxy", v.ProxyName, "type", v.Type, "severity", v.Severity, "details", v.Details)
}

// severityFor computes a violation's severity from how far over cap the
// attempted count sits.
func severityFor(attemptedCount, cap int) string {
	if cap <= 0 {
		return severityCritical
	}
	ratio := float64(attemptedCount) / float64(cap)
	switch {
	case ratio > 2:
		return severityCritical
	case ratio > 1.5:
		return severityHigh
	case ratio > 1.2:
		return severityMedium
	default:
		return severityLow
	}
}

// Get returns the named session, if live.
func (e *Engine) Get(sessionID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	return s, ok
}

// Violations returns a client's recorded rate-limit violations.
func (e *Engine) Violations(clientIP string) []RateLimitViolation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RateLimitViolation(nil), e.violations[clientIP]...)
}

// SessionCount returns the total number of live sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// UnregisterSession removes a session exactly once, returning whether it
// was still present. Safe to call concurrently (e.g. once from the SSE
// loop's deferred cleanup and once from a background sweep): only the first
// caller observes true and runs its cancellation.
func (e *Engine) UnregisterSession(sessionID string) bool {
	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	session.unregOnce.Do(func() {
		if session.cancel != nil {
			session.cancel()
		}
	})
	return true
}

// pendingBound returns the pending-message FIFO cap for the current total
// session count, shedding load as it grows (100 default, 75 above 50
// sessions, 50 above 100 sessions).
func (e *Engine) pendingBound() int {
	n := e.SessionCount()
	switch {
	case n > 100:
		return 50
	case n > 50:
		return 75
	default:
		return 100
	}
}

// AddMessage pushes payload onto a session's pending FIFO: to the front if
// priority (used for SSE-message POST responses delivered out-of-band), or
// the tail otherwise. The queue is capped at the current pending bound:
// when full, the entry at the head of the queue is dropped, whether or not
// it was enqueued with priority.
func (e *Engine) AddMessage(sessionID string, payload any, priority bool, timeoutSeconds int) error {
	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("add message: session %s not found", sessionID)
	}

	msg := PendingMessage{Payload: payload, EnqueuedAt: time.Now(), TimeoutSeconds: timeoutSeconds}

	// Compute the bound before taking the session lock: pendingBound reads
	// the engine's session map, and the cleanup sweep acquires the locks in
	// engine-then-session order.
	bound := e.pendingBound()

	session.mu.Lock()
	defer session.mu.Unlock()
	if len(session.pending) >= bound && len(session.pending) > 0 {
		session.pending = session.pending[1:]
	}
	if priority {
		session.pending = append([]PendingMessage{msg}, session.pending...)
	} else {
		session.pending = append(session.pending, msg)
	}
	session.LastActivity = time.Now()
	return nil
}

// GetPendingMessages drains a session's FIFO, dropping any entry whose age
// exceeds its own timeout.
func (e *Engine) GetPendingMessages(sessionID string) ([]PendingMessage, error) {
	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get pending messages: session %s not found", sessionID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	now := time.Now()
	out := make([]PendingMessage, 0, len(session.pending))
	for _, m := range session.pending {
		if !m.expired(now) {
			out = append(out, m)
		}
	}
	session.pending = nil
	return out, nil
}

// MarkInitialized records that a session's client has completed its first
// initialize exchange.
func (e *Engine) MarkInitialized(sessionID string) {
	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}
	session.mu.Lock()
	session.IsInitialized = true
	session.mu.Unlock()
}

// HandleLocal answers initialize (and the notifications/initialized
// notification) locally and routes everything else, tools/list and
// tools/call included, through the proxy manager's ProxyRequest, which
// answers tools/list from the proxy's cached tool list.
func (e *Engine) HandleLocal(ctx context.Context, session *Session, req map[string]any) *compliance.JSONRPCResponse {
	session.touch()
	method, _ := req["method"].(string)
	id := req["id"]

	if method == "initialize" {
		return e.handleInitialize(session, req, id)
	}
	if method == "notifications/initialized" {
		e.MarkInitialized(session.ID)
		return nil
	}

	return e.proxies.ProxyRequest(ctx, session.ProxyName, proxy.Request{Body: req, Headers: session.Headers})
}

func (e *Engine) handleInitialize(session *Session, req map[string]any, id any) *compliance.JSONRPCResponse {
	params, _ := req["params"].(map[string]any)
	if err := compliance.ValidateInitializeRequest(params); err != nil {
		return compliance.ErrorResponse(id, compliance.CodeInvalidParams, err.Error(), nil)
	}

	protocolVersion := compliance.LatestProtocolVersion
	if requested, ok := params["protocolVersion"].(string); ok {
		for _, supported := range compliance.SupportedProtocolVersions {
			if requested == supported {
				protocolVersion = requested
				break
			}
		}
	}

	raw := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"subscribe": false, "listChanged": false},
			"logging":   map[string]any{},
			"sampling":  map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    session.ProxyName,
			"version": "0.1.0",
		},
	}
	if instructions := e.proxies.Instructions(session.ProxyName); instructions != "" {
		raw["instructions"] = instructions
	}

	normalized := compliance.NormalizeInitializeResponse(raw)
	e.MarkInitialized(session.ID)
	return compliance.EnsureJSONRPCResponse(normalized, id)
}
