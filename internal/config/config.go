// Package config holds the gateway's already-parsed configuration records
// (service, proxy, rate-limit) and the observer-notify pattern components
// use to react to a reload.
package config

import (
	"context"
	"sync"

	"github.com/mcpgw/gateway/internal/transport"
)

// ServiceConfig describes one upstream MCP server, keyed by mcpServers.<name>
// in the configuration file.
type ServiceConfig struct {
	Name          string            `mapstructure:"name"`
	TransportType transport.Kind    `mapstructure:"transport_type"`
	Command       string            `mapstructure:"command"`
	Args          []string          `mapstructure:"args"`
	Env           map[string]string `mapstructure:"env"`
	Cwd           string            `mapstructure:"cwd"`
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	AutoStart     bool              `mapstructure:"auto_start"`
	Instructions  string            `mapstructure:"instructions"`
}

// ProxyConfig describes one exposed proxy, keyed by mcpProxies.<name>.
type ProxyConfig struct {
	Name          string         `mapstructure:"name"`
	ServerName    string         `mapstructure:"server_name"`
	Endpoint      string         `mapstructure:"endpoint"`
	TransportType transport.Kind `mapstructure:"transport_type"`
	ExposedTools  []string       `mapstructure:"exposed_tools"`
	AutoStart     bool           `mapstructure:"auto_start"`
	Description   string         `mapstructure:"description"`
	Instructions  string         `mapstructure:"instructions"`
}

// RateLimitConfig holds the SSE session engine's rate-limit parameters.
type RateLimitConfig struct {
	MaxSessionsPerClient   int     `mapstructure:"max_sessions_per_client"`
	MaxSessionsPerProxy    int     `mapstructure:"max_sessions_per_proxy"`
	SessionCreationWindowS int     `mapstructure:"session_creation_window_s"`
	BurstAllowance         int     `mapstructure:"burst_allowance"`
	WarningThreshold       float64 `mapstructure:"warning_threshold"`
	AdaptiveScaling        bool    `mapstructure:"adaptive_scaling"`
}

// DefaultRateLimitConfig returns the stock rate-limit parameters.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxSessionsPerClient:   10,
		MaxSessionsPerProxy:    50,
		SessionCreationWindowS: 60,
		BurstAllowance:         3,
		WarningThreshold:       0.8,
		AdaptiveScaling:        true,
	}
}

// HeartbeatConfig holds the SSE session engine's adaptive heartbeat
// parameters.
type HeartbeatConfig struct {
	IntervalSeconds         int     `mapstructure:"heartbeat_interval_seconds"`
	MinIntervalSeconds      int     `mapstructure:"min_interval_seconds"`
	MaxIntervalSeconds      int     `mapstructure:"max_interval_seconds"`
	ErrorRateThresholdPct   float64 `mapstructure:"error_rate_threshold"`
	ResponseTimeThresholdMs float64 `mapstructure:"response_time_threshold"`
}

// DefaultHeartbeatConfig returns the stock heartbeat parameters.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		IntervalSeconds:         10,
		MinIntervalSeconds:      5,
		MaxIntervalSeconds:      30,
		ErrorRateThresholdPct:   5,
		ResponseTimeThresholdMs: 1000,
	}
}

// CleanupConfig holds the SSE session engine's cleanup-loop parameters.
type CleanupConfig struct {
	IntervalSeconds       int `mapstructure:"cleanup_interval_seconds"`
	SessionTimeoutSeconds int `mapstructure:"session_timeout_seconds"`
}

// DefaultCleanupConfig returns the stock cleanup parameters.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		IntervalSeconds:       60,
		SessionTimeoutSeconds: 300,
	}
}

// Config is the complete, already-parsed gateway configuration.
type Config struct {
	Services  []ServiceConfig `mapstructure:"mcpServers"`
	Proxies   []ProxyConfig   `mapstructure:"mcpProxies"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
}

// Observer is notified after the registry's contents change, mirroring the
// notify-on-reload pattern the service and proxy managers both subscribe to.
type Observer interface {
	OnConfigChange(ctx context.Context, registry *Registry)
}

// Registry is the live, observable view of the gateway's configuration.
// Single-writer: only Replace mutates its configuration; readers take a snapshot
// under the read lock.
type Registry struct {
	mu        sync.RWMutex
	services  map[string]ServiceConfig
	proxies   map[string]ProxyConfig
	rateLimit RateLimitConfig
	heartbeat HeartbeatConfig
	cleanup   CleanupConfig

	observers []Observer
}

// NewRegistry returns an empty registry seeded with the default rate-limit,
// heartbeat and cleanup parameters.
func NewRegistry() *Registry {
	return &Registry{
		services:  map[string]ServiceConfig{},
		proxies:   map[string]ProxyConfig{},
		rateLimit: DefaultRateLimitConfig(),
		heartbeat: DefaultHeartbeatConfig(),
		cleanup:   DefaultCleanupConfig(),
	}
}

// RegisterObserver subscribes obs to future Notify calls.
func (r *Registry) RegisterObserver(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// Notify synchronously invokes every observer with the registry's current
// state. Exported so Replace's caller can control whether notification
// happens inline or is deferred.
func (r *Registry) Notify(ctx context.Context) {
	r.mu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	for _, obs := range observers {
		obs.OnConfigChange(ctx, r)
	}
}

// Replace atomically swaps the registry's contents. It does not notify
// observers; callers call Notify afterwards.
func (r *Registry) Replace(cfg Config) {
	services := make(map[string]ServiceConfig, len(cfg.Services))
	for _, svc := range cfg.Services {
		services[svc.Name] = svc
	}
	proxies := make(map[string]ProxyConfig, len(cfg.Proxies))
	for _, proxy := range cfg.Proxies {
		proxies[proxy.Name] = proxy
	}

	r.mu.Lock()
	r.services = services
	r.proxies = proxies
	if (cfg.RateLimit != RateLimitConfig{}) {
		r.rateLimit = cfg.RateLimit
	}
	if (cfg.Heartbeat != HeartbeatConfig{}) {
		r.heartbeat = cfg.Heartbeat
	}
	if (cfg.Cleanup != CleanupConfig{}) {
		r.cleanup = cfg.Cleanup
	}
	r.mu.Unlock()
}

// Service returns a copy of the named service config, if present.
func (r *Registry) Service(name string) (ServiceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns a snapshot of every configured service.
func (r *Registry) Services() []ServiceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceConfig, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}

// Proxy returns a copy of the named proxy config, if present.
func (r *Registry) Proxy(name string) (ProxyConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proxy, ok := r.proxies[name]
	return proxy, ok
}

// Proxies returns a snapshot of every configured proxy.
func (r *Registry) Proxies() []ProxyConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProxyConfig, 0, len(r.proxies))
	for _, proxy := range r.proxies {
		out = append(out, proxy)
	}
	return out
}

// RateLimit returns the current rate-limit configuration.
func (r *Registry) RateLimit() RateLimitConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rateLimit
}

// Heartbeat returns the current heartbeat configuration.
func (r *Registry) Heartbeat() HeartbeatConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.heartbeat
}

// Cleanup returns the current cleanup configuration.
func (r *Registry) Cleanup() CleanupConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cleanup
}
