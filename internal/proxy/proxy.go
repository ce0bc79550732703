// Package proxy implements the proxy manager: the fan-out layer that exposes
// each upstream service as one or more named, optionally tool-filtered
// endpoints.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mcpgw/gateway/internal/compliance"
	"github.com/mcpgw/gateway/internal/config"
	"github.com/mcpgw/gateway/internal/convert"
	"github.com/mcpgw/gateway/internal/service"
)

// Status is a ProxyInstance's lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// delayedUpdateRetries/Interval govern the background tool-update retry
// AutoStartAll schedules for a proxy whose upstream isn't ready yet.
const (
	delayedUpdateRetries  = 5
	delayedUpdateInterval = 2 * time.Second
)

// Instance is the proxy manager's view of one exposed proxy. Mutated only by
// the Manager that owns it; callers get copies.
type Instance struct {
	Config       config.ProxyConfig
	Status       Status
	Tools        []compliance.ToolDefinition
	ErrorMessage string
}

// Manager owns a name -> Instance map and dispatches client requests to the
// service manager it was constructed with. Proxies refer to services by
// name, never by pointer, keeping service/proxy ownership a DAG.
type Manager struct {
	mu       sync.RWMutex
	proxies  map[string]*Instance
	services *service.Manager
	logger   *slog.Logger

	// TrustedHeaderFilter, if set, applies an additional optional tool
	// filter on top of each proxy's static ExposedTools.
	TrustedHeaderFilter *TrustedHeaderFilter
}

// New constructs an empty Manager bound to services.
func New(services *service.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		proxies:  map[string]*Instance{},
		services: services,
		logger:   logger.With("component", "proxy-manager"),
	}
}

// Add registers a new proxy in the stopped state.
func (m *Manager) Add(cfg config.ProxyConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.proxies[cfg.Name]
	status := StatusStopped
	if ok {
		status = existing.Status
	}
	m.proxies[cfg.Name] = &Instance{Config: cfg, Status: status}
}

// Remove drops a proxy. Callers should Stop first if it holds live sessions.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.proxies, name)
}

// Update replaces a proxy's configuration, restarting it if it was running.
func (m *Manager) Update(ctx context.Context, oldName string, cfg config.ProxyConfig) error {
	m.mu.Lock()
	existing, ok := m.proxies[oldName]
	wasRunning := ok && existing.Status == StatusRunning
	m.mu.Unlock()

	if !ok {
		m.Add(cfg)
		return nil
	}
	if wasRunning {
		m.Stop(oldName)
	}

	m.mu.Lock()
	delete(m.proxies, oldName)
	m.proxies[cfg.Name] = &Instance{Config: cfg, Status: StatusStopped}
	m.mu.Unlock()

	if wasRunning {
		return m.Start(ctx, cfg.Name)
	}
	return nil
}

// Services returns the service manager this proxy manager dispatches to,
// for components (the status endpoint) that need to reach past the proxy
// layer into upstream service health.
func (m *Manager) Services() *service.Manager {
	return m.services
}

// Get returns a copy of the named proxy.
func (m *Manager) Get(name string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.proxies[name]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// List returns a snapshot of every registered proxy.
func (m *Manager) List() []Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Instance, 0, len(m.proxies))
	for _, inst := range m.proxies {
		out = append(out, *inst)
	}
	return out
}

// upstreamReady reports whether a service's status allows a proxy to start
// against it: running (stdio) or connected (remote). The service manager
// already coalesces the legacy "verified" status into "running" on read.
func upstreamReady(status service.Status) bool {
	return status == service.StatusRunning || status == service.StatusConnected
}

// Start requires the proxy's upstream to be running/connected, fetches and
// filters its tools, and transitions to running. It fails the proxy into the
// error state (with ErrorMessage set) rather than returning silently broken
// state, so status queries can surface why a proxy didn't come up.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.RLock()
	inst, ok := m.proxies[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("start proxy %s: not registered", name)
	}

	svc, ok := m.services.Get(inst.Config.ServerName)
	if !ok {
		return m.fail(name, fmt.Errorf("start proxy %s: upstream service %s not registered", name, inst.Config.ServerName))
	}
	if !upstreamReady(svc.Status) {
		return m.fail(name, fmt.Errorf("start proxy %s: upstream service %s is %s, not running/connected", name, inst.Config.ServerName, svc.Status))
	}

	_, tools, err := m.UpdateTools(ctx, name)
	if err != nil {
		return m.fail(name, fmt.Errorf("start proxy %s: %w", name, err))
	}

	m.mu.Lock()
	inst.Status = StatusRunning
	inst.Tools = tools
	inst.ErrorMessage = ""
	m.mu.Unlock()
	return nil
}

func (m *Manager) fail(name string, err error) error {
	m.mu.Lock()
	if inst, ok := m.proxies[name]; ok {
		inst.Status = StatusError
		inst.ErrorMessage = err.Error()
	}
	m.mu.Unlock()
	return err
}

// Stop clears the proxy's cached tools and marks it stopped.
func (m *Manager) Stop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.proxies[name]
	if !ok {
		return
	}
	inst.Status = StatusStopped
	inst.Tools = nil
	inst.ErrorMessage = ""
}

// Restart stops then starts the named proxy.
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.Stop(name)
	return m.Start(ctx, name)
}

// UpdateTools returns the upstream's tools, filtered by the proxy's
// ExposedTools. It uses the service manager's already-cached tool list when
// fresh (non-empty, upstream ready); otherwise it triggers a verification
// pass first.
func (m *Manager) UpdateTools(ctx context.Context, name string) (bool, []compliance.ToolDefinition, error) {
	m.mu.RLock()
	inst, ok := m.proxies[name]
	m.mu.RUnlock()
	if !ok {
		return false, nil, fmt.Errorf("update tools for %s: not registered", name)
	}

	svc, ok := m.services.Get(inst.Config.ServerName)
	if !ok {
		return false, nil, fmt.Errorf("update tools for %s: upstream service %s not registered", name, inst.Config.ServerName)
	}

	tools := svc.Tools
	if len(tools) == 0 || !upstreamReady(svc.Status) {
		verified, verifiedTools, err := m.services.VerifyWithBackoff(ctx, inst.Config.ServerName)
		if err != nil || !verified {
			return false, nil, fmt.Errorf("verify upstream %s: %w", inst.Config.ServerName, err)
		}
		tools = verifiedTools
	}

	filtered := FilterTools(tools, inst.Config.ExposedTools)
	m.mu.Lock()
	inst.Tools = filtered
	m.mu.Unlock()
	return true, filtered, nil
}

// FilterTools returns the subset of tools named in exposed. An empty/nil
// exposed set means "expose all".
func FilterTools(tools []compliance.ToolDefinition, exposed []string) []compliance.ToolDefinition {
	if len(exposed) == 0 {
		out := make([]compliance.ToolDefinition, len(tools))
		copy(out, tools)
		return out
	}
	allow := make(map[string]bool, len(exposed))
	for _, name := range exposed {
		allow[name] = true
	}
	out := make([]compliance.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		if allow[tool.Name] {
			out = append(out, tool)
		}
	}
	return out
}

// AutoStartAll starts every proxy configured with AutoStart whose upstream
// is already in a valid status, copying its cached tools directly. A proxy
// whose upstream isn't ready yet gets a background retry every 2s, up to 5
// attempts.
func (m *Manager) AutoStartAll(ctx context.Context) {
	m.mu.RLock()
	var pending []string
	for name, inst := range m.proxies {
		if inst.Config.AutoStart {
			pending = append(pending, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range pending {
		if err := m.Start(ctx, name); err != nil {
			m.logger.Warn("auto-start did not come up immediately, scheduling retries", "proxy", name, "error", err)
			go m.retryDelayedStart(name)
		}
	}
}

func (m *Manager) retryDelayedStart(name string) {
	for attempt := 1; attempt <= delayedUpdateRetries; attempt++ {
		time.Sleep(delayedUpdateInterval)
		ctx, cancel := context.WithTimeout(context.Background(), delayedUpdateInterval)
		err := m.Start(ctx, name)
		cancel()
		if err == nil {
			m.logger.Info("delayed auto-start succeeded", "proxy", name, "attempt", attempt)
			return
		}
		m.logger.Warn("delayed auto-start attempt failed", "proxy", name, "attempt", attempt, "error", err)
	}
	m.logger.Error("delayed auto-start exhausted retries", "proxy", name, "attempts", delayedUpdateRetries)
}

// RunAutoRecovery periodically restarts any stopped-by-error, auto-start
// proxy whose upstream has become ready again, until ctx is canceled.
func (m *Manager) RunAutoRecovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcileOnce(ctx)
		}
	}
}

func (m *Manager) reconcileOnce(ctx context.Context) {
	m.mu.RLock()
	var candidates []string
	for name, inst := range m.proxies {
		if inst.Config.AutoStart && inst.Status == StatusError {
			candidates = append(candidates, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range candidates {
		if err := m.Start(ctx, name); err != nil {
			m.logger.Debug("auto-recovery attempt still failing", "proxy", name, "error", err)
			continue
		}
		m.logger.Info("auto-recovered proxy", "proxy", name)
	}
}

// Instructions resolves a proxy's advertised instructions along the
// inheritance chain: the proxy's own non-empty instructions, else the
// upstream's serverInfo instructions, else the upstream's configured
// instructions, else empty.
func (m *Manager) Instructions(name string) string {
	m.mu.RLock()
	inst, ok := m.proxies[name]
	m.mu.RUnlock()
	if !ok {
		return ""
	}
	if inst.Config.Instructions != "" {
		return inst.Config.Instructions
	}

	svc, ok := m.services.Get(inst.Config.ServerName)
	if !ok {
		return ""
	}
	if svc.ServerInfo != nil {
		if instr, ok := svc.ServerInfo["instructions"].(string); ok && instr != "" {
			return instr
		}
	}
	return svc.Config.Instructions
}

// Request is one client JSON-RPC call arriving at a proxy, plus the raw HTTP
// headers it arrived with (consulted only for the optional trusted-header
// tool filter).
type Request struct {
	Body    map[string]any
	Headers http.Header
}

// ProxyRequest dispatches a client JSON-RPC request through the named proxy,
// applying tool filtering, cursor-argument cleanup, and the per-method
// special cases: tools/list answers from the filtered cache without touching
// the upstream; everything else is forwarded through the service manager.
func (m *Manager) ProxyRequest(ctx context.Context, name string, req Request) *compliance.JSONRPCResponse {
	var id any
	if req.Body != nil {
		id = req.Body["id"]
	}

	m.mu.RLock()
	inst, ok := m.proxies[name]
	m.mu.RUnlock()
	if !ok {
		return compliance.ErrorResponse(id, compliance.CodeInvalidRequest, fmt.Sprintf("proxy %q not found", name), nil)
	}

	method, _ := req.Body["method"].(string)
	params, _ := req.Body["params"].(map[string]any)

	switch method {
	case "tools/list":
		return m.handleToolsList(inst, id, req.Headers)
	case "tools/call":
		return m.handleToolsCall(ctx, inst, id, params, req.Headers)
	case "resources/list", "resources/templates/list":
		return m.forward(ctx, inst, id, method, params)
	default:
		return m.forward(ctx, inst, id, method, params)
	}
}

func (m *Manager) handleToolsList(inst *Instance, id any, headers http.Header) *compliance.JSONRPCResponse {
	m.mu.RLock()
	tools := append([]compliance.ToolDefinition(nil), inst.Tools...)
	serverName := inst.Config.ServerName
	m.mu.RUnlock()

	if m.TrustedHeaderFilter != nil {
		filtered, err := m.TrustedHeaderFilter.Filter(headers, serverName, tools)
		if err != nil {
			m.logger.Warn("trusted header tool filter rejected request", "proxy", inst.Config.Name, "error", err)
			tools = nil
		} else {
			tools = filtered
		}
	}

	return compliance.EnsureJSONRPCResponse(map[string]any{"tools": toolsToAny(tools)}, id)
}

func (m *Manager) handleToolsCall(ctx context.Context, inst *Instance, id any, params map[string]any, headers http.Header) *compliance.JSONRPCResponse {
	toolName, _ := params["name"].(string)

	if exposed := inst.Config.ExposedTools; len(exposed) > 0 {
		allowed := false
		for _, t := range exposed {
			if t == toolName {
				allowed = true
				break
			}
		}
		if !allowed {
			return compliance.ErrorResponse(id, compliance.CodeMethodNotFound,
				fmt.Sprintf("tool %q is not exposed by this proxy", toolName), nil)
		}
	}

	if m.TrustedHeaderFilter != nil {
		m.mu.RLock()
		tools := append([]compliance.ToolDefinition(nil), inst.Tools...)
		serverName := inst.Config.ServerName
		m.mu.RUnlock()
		filtered, err := m.TrustedHeaderFilter.Filter(headers, serverName, tools)
		if err != nil || !containsTool(filtered, toolName) {
			return compliance.ErrorResponse(id, compliance.CodeMethodNotFound,
				fmt.Sprintf("tool %q is not authorized by trusted header", toolName), nil)
		}
	}

	if args, ok := params["arguments"].(map[string]any); ok {
		params = map[string]any{"name": toolName, "arguments": convert.CleanToolArguments(args)}
	}

	return m.forward(ctx, inst, id, "tools/call", params)
}

func containsTool(tools []compliance.ToolDefinition, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (m *Manager) forward(ctx context.Context, inst *Instance, id any, method string, params map[string]any) *compliance.JSONRPCResponse {
	result, err := m.services.Call(ctx, inst.Config.ServerName, method, params)
	if err != nil {
		return compliance.ErrorResponse(id, compliance.CodeMCPTransportError, err.Error(), nil)
	}
	return compliance.EnsureJSONRPCResponse(result, id)
}

func toolsToAny(tools []compliance.ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema,
		})
	}
	return out
}
