package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"sigs.k8s.io/yaml"

	"github.com/mcpgw/gateway/internal/transport"
)

// wellKnownExecutables are normalized to their bare basename when imported
// with an absolute path, so a config captured on one machine still resolves
// on another.
var wellKnownExecutables = map[string]bool{
	"npx": true, "node": true, "python": true, "python3": true,
	"uv": true, "pip": true, "pip3": true,
}

// Import parses service/proxy configuration from YAML or JSON bytes (both
// accepted, since sigs.k8s.io/yaml losslessly maps YAML onto JSON) into a
// Config. Both snake_case and camelCase field names are accepted for every
// service and proxy record.
func Import(data []byte) (Config, error) {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return Config{}, fmt.Errorf("import config: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(jsonData, &raw); err != nil {
		return Config{}, fmt.Errorf("import config: %w", err)
	}

	cfg := Config{
		RateLimit: DefaultRateLimitConfig(),
		Heartbeat: DefaultHeartbeatConfig(),
		Cleanup:   DefaultCleanupConfig(),
	}

	if servers, ok := raw["mcpServers"].(map[string]any); ok {
		for name, entry := range servers {
			entryMap, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			svc, err := decodeServiceConfig(name, entryMap)
			if err != nil {
				return Config{}, fmt.Errorf("import config: service %q: %w", name, err)
			}
			cfg.Services = append(cfg.Services, svc)
		}
	}

	if proxies, ok := raw["mcpProxies"].(map[string]any); ok {
		for name, entry := range proxies {
			entryMap, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			proxy, err := decodeProxyConfig(name, entryMap)
			if err != nil {
				return Config{}, fmt.Errorf("import config: proxy %q: %w", name, err)
			}
			cfg.Proxies = append(cfg.Proxies, proxy)
		}
	}

	if rl, ok := raw["rateLimit"].(map[string]any); ok {
		if err := decodeInto(normalizeKeys(rl), &cfg.RateLimit); err != nil {
			return Config{}, fmt.Errorf("import config: rateLimit: %w", err)
		}
	}
	if hb, ok := raw["heartbeat"].(map[string]any); ok {
		if err := decodeInto(normalizeKeys(hb), &cfg.Heartbeat); err != nil {
			return Config{}, fmt.Errorf("import config: heartbeat: %w", err)
		}
	}
	if cl, ok := raw["cleanup"].(map[string]any); ok {
		if err := decodeInto(normalizeKeys(cl), &cfg.Cleanup); err != nil {
			return Config{}, fmt.Errorf("import config: cleanup: %w", err)
		}
	}

	return cfg, nil
}

func decodeServiceConfig(name string, entry map[string]any) (ServiceConfig, error) {
	var svc ServiceConfig
	if err := decodeInto(normalizeKeys(entry), &svc); err != nil {
		return ServiceConfig{}, err
	}
	svc.Name = name
	svc.Command = normalizeExecutablePath(svc.Command)
	if svc.TransportType == "" {
		svc.TransportType = inferTransportType(svc)
	}
	return svc, nil
}

func decodeProxyConfig(name string, entry map[string]any) (ProxyConfig, error) {
	var proxy ProxyConfig
	if err := decodeInto(normalizeKeys(entry), &proxy); err != nil {
		return ProxyConfig{}, err
	}
	proxy.Name = name
	return proxy, nil
}

// inferTransportType defaults to stdio when a command is configured and to
// streamable_http when only a URL is present.
func inferTransportType(svc ServiceConfig) transport.Kind {
	if svc.Command != "" {
		return transport.KindStdio
	}
	return transport.KindStreamableHTTP
}

func decodeInto(m map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(m)
}

// normalizeKeys recursively rewrites every map key from camelCase to
// snake_case so mapstructure's exact-tag matching accepts either spelling.
func normalizeKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[camelToSnake(k)] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeKeys(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func camelToSnake(s string) string {
	if !strings.ContainsAny(s, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return s
	}
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func normalizeExecutablePath(command string) string {
	if command == "" || !filepath.IsAbs(command) {
		return command
	}
	base := filepath.Base(command)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if wellKnownExecutables[base] {
		return base
	}
	return command
}
