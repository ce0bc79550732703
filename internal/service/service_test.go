package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgw/gateway/internal/config"
	"github.com/mcpgw/gateway/internal/testutil"
	"github.com/mcpgw/gateway/internal/transport"
)

func TestVerifySucceedsAgainstLiveServer(t *testing.T) {
	srv, err := testutil.NewServer("service-verify")
	require.NoError(t, err)
	defer srv.Close()

	m := New(nil)
	m.Add(config.ServiceConfig{
		Name:          "docs",
		TransportType: transport.KindStreamableHTTP,
		URL:           srv.URL,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, tools, err := m.Verify(ctx, "docs")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, tools)

	inst, found := m.Get("docs")
	require.True(t, found)
	assert.Equal(t, StatusConnected, inst.Status)
	assert.Empty(t, inst.ErrorMessage)
}

func TestVerifyUnreachableServerMarksDisconnected(t *testing.T) {
	m := New(nil)
	m.Add(config.ServiceConfig{
		Name:          "unreachable",
		TransportType: transport.KindStreamableHTTP,
		URL:           "http://127.0.0.1:1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, _, err := m.Verify(ctx, "unreachable")
	assert.False(t, ok)
	assert.Error(t, err)

	inst, found := m.Get("unreachable")
	require.True(t, found)
	assert.Equal(t, StatusDisconnected, inst.Status)
	assert.NotEmpty(t, inst.ErrorMessage)
}

func TestVerifyWithBackoffRetriesBeforeFailing(t *testing.T) {
	m := New(nil)
	m.Add(config.ServiceConfig{
		Name:          "flaky",
		TransportType: transport.KindStreamableHTTP,
		URL:           "http://127.0.0.1:1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	ok, _, err := m.VerifyWithBackoff(ctx, "flaky")
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Error(t, err)
	// 3 attempts with 1s then 2s waits between them means at least a few seconds elapse.
	assert.GreaterOrEqual(t, elapsed, 1*time.Second)
}

func TestCallDispatchesToolCall(t *testing.T) {
	srv, err := testutil.NewServer("service-call")
	require.NoError(t, err)
	defer srv.Close()

	m := New(nil)
	m.Add(config.ServiceConfig{
		Name:          "docs",
		TransportType: transport.KindStreamableHTTP,
		URL:           srv.URL,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := m.Call(ctx, "docs", "tools/call", map[string]any{
		"name":      "greet",
		"arguments": map[string]any{"name": "world"},
	})
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestCallUnregisteredServiceErrors(t *testing.T) {
	m := New(nil)
	_, err := m.Call(context.Background(), "missing", "tools/list", nil)
	assert.Error(t, err)
}

func TestToolConflictsAcrossServices(t *testing.T) {
	srvA, err := testutil.NewServer("svc-a")
	require.NoError(t, err)
	defer srvA.Close()

	srvB, err := testutil.NewServer("svc-b")
	require.NoError(t, err)
	defer srvB.Close()

	m := New(nil)
	m.Add(config.ServiceConfig{Name: "a", TransportType: transport.KindStreamableHTTP, URL: srvA.URL})
	m.Add(config.ServiceConfig{Name: "b", TransportType: transport.KindStreamableHTTP, URL: srvB.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err = m.Verify(ctx, "a")
	require.NoError(t, err)
	_, _, err = m.Verify(ctx, "b")
	require.NoError(t, err)

	conflicts := m.ToolConflicts()
	require.NotEmpty(t, conflicts)

	names := map[string]bool{}
	for _, c := range conflicts {
		names[c.ToolName] = true
	}
	assert.True(t, names["greet"])
}

func TestStartSetsActiveStatusByTransportKind(t *testing.T) {
	m := New(nil)
	m.Add(config.ServiceConfig{Name: "stdio-svc", TransportType: transport.KindStdio, Command: "true"})
	m.Add(config.ServiceConfig{Name: "http-svc", TransportType: transport.KindStreamableHTTP, URL: "http://127.0.0.1:1"})

	require.NoError(t, m.Start(context.Background(), "stdio-svc"))
	require.NoError(t, m.Start(context.Background(), "http-svc"))

	stdioInst, _ := m.Get("stdio-svc")
	httpInst, _ := m.Get("http-svc")
	assert.Equal(t, StatusRunning, stdioInst.Status)
	assert.Equal(t, StatusConnected, httpInst.Status)
}

func TestImportConfigAddsServices(t *testing.T) {
	m := New(nil)
	data := []byte(`
mcpServers:
  docs:
    transportType: streamable_http
    url: http://127.0.0.1:9999/mcp
`)
	require.NoError(t, m.ImportConfig(data))

	inst, ok := m.Get("docs")
	require.True(t, ok)
	assert.Equal(t, transport.KindStreamableHTTP, inst.Config.TransportType)
	assert.Equal(t, StatusStopped, inst.Status)
}
