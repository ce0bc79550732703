// Package service implements the service manager: the name -> ServiceInstance
// registry that owns every upstream MCP server's lifecycle, verification and
// dispatch.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/mcpgw/gateway/internal/compliance"
	"github.com/mcpgw/gateway/internal/config"
	"github.com/mcpgw/gateway/internal/credentials"
	"github.com/mcpgw/gateway/internal/transport"
)

// Status is a ServiceInstance's lifecycle state. stdio services move through
// stopped/running/error; remote services through stopped/connected/
// disconnected/error.
type Status string

const (
	StatusStopped      Status = "stopped"
	StatusRunning      Status = "running"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"

	// statusVerified is the legacy spelling of "running" that older imported
	// state may still carry; it is coalesced on every read.
	statusVerified Status = "verified"
)

// callTimeout bounds every service-manager-issued upstream call.
const callTimeout = 30 * time.Second

// Instance is the service manager's view of one upstream MCP server.
// Mutated only by the Manager that owns it; callers get copies.
type Instance struct {
	Config       config.ServiceConfig
	Status       Status
	ServerInfo   map[string]any
	InitResult   map[string]any
	Tools        []compliance.ToolDefinition
	ErrorMessage string
	LastVerified time.Time
}

// ToolConflict records two or more services advertising the same tool name.
type ToolConflict struct {
	ToolName      string
	ConflictsWith []string
}

// Manager owns a name -> Instance map. Single-writer: all mutation goes
// through its exported methods; readers get snapshots.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	logger    *slog.Logger
}

// New constructs an empty Manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		instances: map[string]*Instance{},
		logger:    logger.With("component", "service-manager"),
	}
}

// Add registers a new service in the stopped state. Re-adding an existing
// name replaces its configuration without restarting it.
func (m *Manager) Add(cfg config.ServiceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.instances[cfg.Name]
	status := StatusStopped
	if ok {
		status = existing.Status
	}
	m.instances[cfg.Name] = &Instance{Config: cfg, Status: status}
}

// Remove drops a service, closing out its state. Callers are responsible
// for calling Stop first if the instance holds a live connection.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, name)
}

// Update replaces a service's configuration under its old name, restarting
// the instance iff it was running or connected.
func (m *Manager) Update(ctx context.Context, oldName string, cfg config.ServiceConfig) error {
	m.mu.Lock()
	existing, ok := m.instances[oldName]
	wasActive := ok && (existing.Status == StatusRunning || existing.Status == StatusConnected)
	m.mu.Unlock()

	if !ok {
		m.Add(cfg)
		return nil
	}
	if wasActive {
		if err := m.Stop(ctx, oldName); err != nil {
			return fmt.Errorf("update %s: %w", oldName, err)
		}
	}

	m.mu.Lock()
	delete(m.instances, oldName)
	m.instances[cfg.Name] = &Instance{Config: cfg, Status: StatusStopped}
	m.mu.Unlock()

	if wasActive {
		return m.Start(ctx, cfg.Name)
	}
	return nil
}

// activeStatus is the status a running service reports, per transport kind:
// stdio is "running", every remote transport is "connected".
func activeStatus(kind transport.Kind) Status {
	if kind == transport.KindStdio {
		return StatusRunning
	}
	return StatusConnected
}

// Start transitions a service toward its active status. For stdio the
// child process is spawned lazily by the next Call/Verify; for remote
// transports this is a bookkeeping-only no-op.
func (m *Manager) Start(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return fmt.Errorf("start %s: not registered", name)
	}
	inst.Status = activeStatus(inst.Config.TransportType)
	return nil
}

// Stop marks a service stopped and clears its cached tools. No upstream
// session outlives a single Call or Verify, so there is no live process or
// connection to tear down; for every transport kind it opens one fresh
// adapter session (for stdio, a new child process) and closes it again.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %s: not registered", name)
	}

	adapter, err := transport.ForKind(inst.Config.TransportType)
	if err == nil {
		session, openErr := adapter.Open(ctx, toTransportConfig(inst.Config))
		if openErr == nil {
			_ = adapter.Close(ctx, session)
		}
	}

	m.mu.Lock()
	inst.Status = StatusStopped
	inst.Tools = nil
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the named instance.
func (m *Manager) Get(name string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	if !ok {
		return Instance{}, false
	}
	return coalesced(*inst), true
}

// List returns a snapshot of every registered instance.
func (m *Manager) List() []Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, coalesced(*inst))
	}
	return out
}

func coalesced(inst Instance) Instance {
	if inst.Status == statusVerified {
		inst.Status = StatusRunning
	}
	return inst
}

// Verify opens a transient session, initializes, lists and normalizes
// tools, and updates the instance's status accordingly.
func (m *Manager) Verify(ctx context.Context, name string) (bool, []compliance.ToolDefinition, error) {
	m.mu.RLock()
	inst, ok := m.instances[name]
	m.mu.RUnlock()
	if !ok {
		return false, nil, fmt.Errorf("verify %s: not registered", name)
	}
	cfg := inst.Config

	ok, tools, initResult, verr := m.verifyOnce(ctx, cfg)

	m.mu.Lock()
	inst.LastVerified = time.Now()
	if ok {
		inst.Status = activeStatus(cfg.TransportType)
		inst.Tools = tools
		inst.InitResult = initResult
		if initResult != nil {
			if si, ok := initResult["serverInfo"].(map[string]any); ok {
				inst.ServerInfo = si
			}
		}
		inst.ErrorMessage = ""
	} else {
		if cfg.TransportType == transport.KindStdio {
			inst.Status = StatusError
		} else {
			inst.Status = StatusDisconnected
		}
		inst.ErrorMessage = verr.Error()
	}
	m.mu.Unlock()

	return ok, tools, verr
}

func (m *Manager) verifyOnce(ctx context.Context, cfg config.ServiceConfig) (bool, []compliance.ToolDefinition, map[string]any, error) {
	adapter, err := transport.ForKind(cfg.TransportType)
	if err != nil {
		return false, nil, nil, err
	}

	session, err := adapter.Open(ctx, toTransportConfig(cfg))
	if err != nil {
		return false, nil, nil, err
	}
	defer adapter.Close(ctx, session)

	initResult, err := adapter.Initialize(ctx, session)
	if err != nil {
		return false, nil, nil, err
	}

	tools, err := adapter.ListTools(ctx, session)
	if err != nil {
		return false, nil, nil, err
	}

	return true, tools, initResult.Raw, nil
}

// VerifyWithBackoff wraps Verify in an exponential-backoff retry: 3 attempts,
// 1s initial delay, factor 2.0. The last failure is surfaced if every attempt
// fails.
func (m *Manager) VerifyWithBackoff(ctx context.Context, name string) (bool, []compliance.ToolDefinition, error) {
	backoff := wait.Backoff{Duration: 1 * time.Second, Factor: 2.0, Steps: 3}

	var (
		lastErr error
		ok      bool
		tools   []compliance.ToolDefinition
		attempt int
	)

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		var verr error
		ok, tools, verr = m.Verify(ctx, name)
		if verr != nil {
			lastErr = verr
			m.logger.Warn("verify attempt failed", "service", name, "attempt", attempt, "error", verr)
			return false, nil
		}
		return true, nil
	})
	if err != nil && lastErr != nil {
		return false, nil, lastErr
	}
	return ok, tools, nil
}

// Call opens a transient session, initializes, and dispatches method under a
// hard 30s per-call deadline.
func (m *Manager) Call(ctx context.Context, name, method string, params map[string]any) (any, error) {
	m.mu.RLock()
	inst, ok := m.instances[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("call %s: not registered", name)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	adapter, err := transport.ForKind(inst.Config.TransportType)
	if err != nil {
		return nil, err
	}

	session, err := adapter.Open(ctx, toTransportConfig(inst.Config))
	if err != nil {
		return nil, err
	}
	defer adapter.Close(ctx, session)

	if _, err := adapter.Initialize(ctx, session); err != nil {
		return nil, err
	}

	return adapter.Call(ctx, session, method, params)
}

// ImportConfig parses raw service configuration bytes and adds/updates every
// service it describes.
func (m *Manager) ImportConfig(data []byte) error {
	cfg, err := config.Import(data)
	if err != nil {
		return fmt.Errorf("import config: %w", err)
	}
	for _, svc := range cfg.Services {
		m.Add(svc)
	}
	return nil
}

// ToolConflicts reports every tool name advertised by more than one service,
// computed from each service's last-verified tool list.
func (m *Manager) ToolConflicts() []ToolConflict {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owners := map[string][]string{}
	for name, inst := range m.instances {
		for _, tool := range inst.Tools {
			owners[tool.Name] = append(owners[tool.Name], name)
		}
	}

	var conflicts []ToolConflict
	for toolName, services := range owners {
		if len(services) > 1 {
			conflicts = append(conflicts, ToolConflict{ToolName: toolName, ConflictsWith: services})
		}
	}
	return conflicts
}

func toTransportConfig(cfg config.ServiceConfig) transport.Config {
	headers := cfg.Headers
	if resolved, err := credentials.Resolve(cfg.Headers); err == nil {
		headers = resolved
	}
	return transport.Config{
		Transport: cfg.TransportType,
		Command:   cfg.Command,
		Args:      cfg.Args,
		Env:       cfg.Env,
		Cwd:       cfg.Cwd,
		URL:       cfg.URL,
		Headers:   headers,
	}
}
