package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpgw/gateway/internal/testutil"
)

func TestStreamableHTTPAdapterRoundTrip(t *testing.T) {
	srv, err := testutil.NewServer("transport-test")
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	adapter, err := ForKind(KindStreamableHTTP)
	require.NoError(t, err)

	session, err := adapter.Open(ctx, Config{Transport: KindStreamableHTTP, URL: srv.URL})
	require.NoError(t, err)
	defer adapter.Close(ctx, session)

	init, err := adapter.Initialize(ctx, session)
	require.NoError(t, err)
	require.Equal(t, "transport-test", init.ServerInfo["name"])
	require.NotEmpty(t, init.ProtocolVersion)
	require.IsType(t, map[string]any{}, init.Capabilities["logging"])

	tools, err := adapter.ListTools(ctx, session)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	require.Contains(t, names, "greet")
	require.Contains(t, names, "echo")

	result, err := adapter.Call(ctx, session, "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"text": "ping"},
	})
	require.NoError(t, err)
	resultMap, ok := result.(map[string]any)
	require.True(t, ok)
	require.Contains(t, resultMap, "content")
}

func TestDispatchCallRewritesMissingResourcesToEmptyList(t *testing.T) {
	srv, err := testutil.NewServer("transport-test-resources")
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	adapter, err := ForKind(KindStreamableHTTP)
	require.NoError(t, err)
	session, err := adapter.Open(ctx, Config{Transport: KindStreamableHTTP, URL: srv.URL})
	require.NoError(t, err)
	defer adapter.Close(ctx, session)

	_, err = adapter.Initialize(ctx, session)
	require.NoError(t, err)

	result, err := adapter.Call(ctx, session, "resources/templates/list", nil)
	require.NoError(t, err)
	resultMap, ok := result.(map[string]any)
	require.True(t, ok)
	require.Empty(t, resultMap["resources"])
}

func TestForKindUnknown(t *testing.T) {
	_, err := ForKind("carrier-pigeon")
	require.Error(t, err)
}
