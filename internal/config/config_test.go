package config

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportAcceptsSnakeAndCamelCase(t *testing.T) {
	yaml := []byte(`
mcpServers:
  docs:
    transport_type: stdio
    command: /usr/local/bin/npx
    args: ["-y", "docs-server"]
    autoStart: true
  weather:
    transportType: streamable_http
    url: https://weather.example/mcp
    auto_start: false
mcpProxies:
  public:
    server_name: docs
    exposedTools: ["search"]
    auto_start: true
`)

	cfg, err := Import(yaml)
	require.NoError(t, err)
	require.Len(t, cfg.Services, 2)
	require.Len(t, cfg.Proxies, 1)

	var docs, weather ServiceConfig
	for _, svc := range cfg.Services {
		switch svc.Name {
		case "docs":
			docs = svc
		case "weather":
			weather = svc
		}
	}

	assert.Equal(t, "npx", docs.Command, "absolute path to a well-known executable is normalized to its basename")
	assert.True(t, docs.AutoStart)
	assert.False(t, weather.AutoStart)
	assert.Equal(t, "https://weather.example/mcp", weather.URL)

	proxy := cfg.Proxies[0]
	assert.Equal(t, "public", proxy.Name)
	assert.Equal(t, "docs", proxy.ServerName)
	assert.Equal(t, []string{"search"}, proxy.ExposedTools)
	assert.True(t, proxy.AutoStart)
}

func TestImportLeavesUnrecognizedAbsolutePathsAlone(t *testing.T) {
	cfg, err := Import([]byte(`
mcpServers:
  custom:
    command: /opt/tools/my-custom-binary
`))
	require.NoError(t, err)
	require.Len(t, cfg.Services, 1)
	assert.Equal(t, "/opt/tools/my-custom-binary", cfg.Services[0].Command)
}

func TestRegistryNotifyAfterReplaceCallsObservers(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	reg.RegisterObserver(observerFunc(func(ctx context.Context, r *Registry) {
		atomic.AddInt32(&calls, 1)
	}))

	reg.Replace(Config{Services: []ServiceConfig{{Name: "docs"}}})
	reg.Notify(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	svc, ok := reg.Service("docs")
	require.True(t, ok)
	assert.Equal(t, "docs", svc.Name)
}

func TestRegistryDefaults(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, 10, reg.RateLimit().MaxSessionsPerClient)
	assert.Equal(t, 10, reg.Heartbeat().IntervalSeconds)
	assert.Equal(t, 300, reg.Cleanup().SessionTimeoutSeconds)
}

type observerFunc func(ctx context.Context, r *Registry)

func (f observerFunc) OnConfigChange(ctx context.Context, r *Registry) { f(ctx, r) }
