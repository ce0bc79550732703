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

func TestValidateAllReportsHealthyAndUnhealthyServers(t *testing.T) {
	srv, err := testutil.NewServer("status-validate")
	require.NoError(t, err)
	defer srv.Close()

	m := New(nil)
	m.Add(config.ServiceConfig{Name: "docs", TransportType: transport.KindStreamableHTTP, URL: srv.URL})
	m.Add(config.ServiceConfig{Name: "broken", TransportType: transport.KindStreamableHTTP, URL: "http://127.0.0.1:1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := m.ValidateAll(ctx)
	require.Len(t, resp.Servers, 2)
	assert.Equal(t, 2, resp.TotalServers)
	assert.Equal(t, 1, resp.HealthyServers)
	assert.Equal(t, 1, resp.UnhealthyServers)
	assert.False(t, resp.OverallValid)

	var docsStatus, brokenStatus ServerValidationStatus
	for _, s := range resp.Servers {
		switch s.Name {
		case "docs":
			docsStatus = s
		case "broken":
			brokenStatus = s
		}
	}
	assert.True(t, docsStatus.ConnectionStatus.IsReachable)
	assert.True(t, docsStatus.CapabilitiesValidation.IsValid)
	assert.False(t, brokenStatus.ConnectionStatus.IsReachable)
	assert.NotEmpty(t, brokenStatus.ConnectionStatus.Error)
}
