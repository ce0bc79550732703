// Package gateway implements the three transport-neutral HTTP entry points
// the core exposes (warmup GET, JSON-RPC POST, SSE-message POST) plus CORS
// preflight, wiring the proxy manager and SSE session engine into
// http.Handlers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mcpgw/gateway/internal/compliance"
	"github.com/mcpgw/gateway/internal/proxy"
	"github.com/mcpgw/gateway/internal/sseengine"
)

// drainInterval is how often the SSE stream loop checks for newly enqueued
// pending messages between heartbeats.
const drainInterval = 200 * time.Millisecond

// pendingMessageTimeout bounds how long an SSE-message POST's response sits
// in the session's FIFO waiting for the stream loop to drain it.
const pendingMessageTimeout = 30

// Gateway dispatches the three MCP entry points to the proxy manager and
// SSE session engine.
type Gateway struct {
	proxies  *proxy.Manager
	sessions *sseengine.Engine
	logger   *slog.Logger
}

// New constructs a Gateway.
func New(proxies *proxy.Manager, sessions *sseengine.Engine, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{proxies: proxies, sessions: sessions, logger: logger.With("component", "gateway")}
}

// Mux builds an http.ServeMux wiring HandleWarmup/HandleJSONRPC/
// HandleSSEMessage/HandleOptions onto the gateway's path hierarchy.
// Intended to be mounted under the front door's own routing.
func (g *Gateway) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{proxy}", g.HandleWarmup)
	mux.HandleFunc("GET /{proxy}/{endpoint}", g.HandleWarmup)
	mux.HandleFunc("POST /{proxy}", g.HandleJSONRPC)
	mux.HandleFunc("POST /{proxy}/messages", g.HandleJSONRPC)
	mux.HandleFunc("POST /messages", g.HandleSSEMessage)
	mux.HandleFunc("OPTIONS /messages", g.HandleOptions)
	mux.HandleFunc("GET /status", g.HandleStatus)
	return mux
}

// HandleStatus serves GET /status: the admin validation endpoint reporting
// connectivity, protocol and capability validation across every registered
// upstream service.
func (g *Gateway) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := g.proxies.Services().ValidateAll(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// resolveProxy finds the proxy instance named (or fuzzily matching) name.
// Exact match always wins; failing that, a case-insensitive exact match;
// failing that, the first proxy whose name contains name or vice versa.
func (g *Gateway) resolveProxy(name string) (proxy.Instance, string, bool) {
	if inst, ok := g.proxies.Get(name); ok {
		return inst, name, true
	}

	all := g.proxies.List()
	lowerName := strings.ToLower(name)
	for _, inst := range all {
		if strings.EqualFold(inst.Config.Name, name) {
			return inst, inst.Config.Name, true
		}
	}
	for _, inst := range all {
		lowerCandidate := strings.ToLower(inst.Config.Name)
		if strings.Contains(lowerCandidate, lowerName) || strings.Contains(lowerName, lowerCandidate) {
			return inst, inst.Config.Name, true
		}
	}
	return proxy.Instance{}, "", false
}

// HandleWarmup serves GET /<proxy>[/<endpoint>]: a plain readiness probe, or
// (when the client asks for an event stream) the SSE connection itself.
func (g *Gateway) HandleWarmup(w http.ResponseWriter, r *http.Request) {
	proxyName := r.PathValue("proxy")
	_, resolvedName, ok := g.resolveProxy(proxyName)
	if !ok {
		http.Error(w, fmt.Sprintf("proxy %q not found", proxyName), http.StatusNotFound)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		g.streamSSE(w, r, resolvedName)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (g *Gateway) streamSSE(w http.ResponseWriter, r *http.Request, proxyName string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientIP := clientIP(r)
	session, err := g.sessions.RegisterSession(r.Context(), proxyName, clientIP, r.Header.Clone())
	if err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer g.sessions.UnregisterSession(session.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", session.ID)
	flusher.Flush()

	g.drainLoop(r.Context(), w, flusher, session)
}

// drainLoop writes pending messages and adaptive heartbeat pings to the
// live SSE stream until the client disconnects. A single goroutine owns w,
// so both concerns share one select loop rather than writing concurrently.
func (g *Gateway) drainLoop(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, session *sseengine.Session) {
	drainTicker := time.NewTicker(drainInterval)
	defer drainTicker.Stop()

	heartbeatTimer := time.NewTimer(g.sessions.NextHeartbeatInterval(session, 0))
	defer heartbeatTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-drainTicker.C:
			g.drainPending(w, flusher, session)
		case <-heartbeatTimer.C:
			g.sendHeartbeat(w, flusher, session)
			heartbeatTimer.Reset(g.sessions.NextHeartbeatInterval(session, 0))
		}
	}
}

func (g *Gateway) drainPending(w http.ResponseWriter, flusher http.Flusher, session *sseengine.Session) {
	messages, err := g.sessions.GetPendingMessages(session.ID)
	if err != nil || len(messages) == 0 {
		return
	}
	for _, msg := range messages {
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()
}

func (g *Gateway) sendHeartbeat(w http.ResponseWriter, flusher http.Flusher, session *sseengine.Session) {
	start := time.Now()
	payload := map[string]any{"jsonrpc": "2.0", "method": "notifications/ping"}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: ping\ndata: %s\n\n", data)
	flusher.Flush()
	session.Metrics.RecordSuccess(time.Since(start).Seconds() * 1000)
}

// HandleJSONRPC serves POST /<proxy> and POST /<proxy>/messages: a direct
// (non-session-bound) JSON-RPC call dispatched through the proxy manager.
func (g *Gateway) HandleJSONRPC(w http.ResponseWriter, r *http.Request) {
	proxyName := r.PathValue("proxy")
	_, resolvedName, ok := g.resolveProxy(proxyName)
	if !ok {
		writeJSONRPC(w, compliance.ErrorResponse(nil, compliance.CodeInvalidRequest, fmt.Sprintf("proxy %q not found", proxyName), nil))
		return
	}

	body, id, err := decodeJSONRPC(r)
	if err != nil {
		writeJSONRPC(w, compliance.ErrorResponse(id, compliance.CodeParseError, err.Error(), nil))
		return
	}

	resp := g.proxies.ProxyRequest(r.Context(), resolvedName, proxy.Request{Body: body, Headers: r.Header})
	writeJSONRPC(w, resp)
}

// HandleSSEMessage serves POST /messages?sessionId=<id>: the session-routed
// half of the SSE transport. The JSON-RPC response is never written
// directly here; it's enqueued (priority) into the session's FIFO and
// delivered out-of-band over the stream, so this always returns 202.
func (g *Gateway) HandleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	session, ok := g.sessions.Get(sessionID)
	if !ok {
		http.Error(w, fmt.Sprintf("session %q not found", sessionID), http.StatusNotFound)
		return
	}

	body, id, err := decodeJSONRPC(r)
	if err != nil {
		_ = g.sessions.AddMessage(session.ID, compliance.ErrorResponse(id, compliance.CodeParseError, err.Error(), nil), true, pendingMessageTimeout)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := g.sessions.HandleLocal(r.Context(), session, body)
	if resp != nil {
		_ = g.sessions.AddMessage(session.ID, resp, true, pendingMessageTimeout)
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleOptions answers the CORS preflight for POST /messages with an
// 86400s max-age.
func (g *Gateway) HandleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSONRPC(r *http.Request) (map[string]any, any, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON-RPC request: %w", err)
	}
	return body, body["id"], nil
}

func writeJSONRPC(w http.ResponseWriter, resp *compliance.JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// clientIP extracts the caller's address, preferring a forwarded-for header
// (set by the out-of-scope front door) over the raw connection's remote
// address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
